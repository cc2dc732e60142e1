package ipcproto

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestFrameRoundTrip exercises law L1: encoding and decoding a frame is
// identity-preserving.
func TestFrameRoundTrip(t *testing.T) {
	env := Envelope{
		ID:      42,
		Method:  MethodPing,
		Payload: json.RawMessage(`{"plugin_id":"com.example.widget"}`),
	}

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, env))

	got, err := ReadFrame(bufio.NewReader(&buf))
	require.NoError(t, err)

	assert.Equal(t, env.ID, got.ID)
	assert.Equal(t, env.Method, got.Method)
	assert.JSONEq(t, string(env.Payload), string(got.Payload))
}

func TestFrameRoundTripWithWireError(t *testing.T) {
	env := Envelope{
		ID:    7,
		Error: &WireError{Code: "RATE_LIMITED", Message: "too many calls", RetryAfter: 500},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, env))

	got, err := ReadFrame(bufio.NewReader(&buf))
	require.NoError(t, err)
	require.NotNil(t, got.Error)
	assert.Equal(t, "RATE_LIMITED", got.Error.Code)
	assert.EqualValues(t, 500, got.Error.RetryAfter)
}

func TestReadFrameRejectsTruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], 100)
	buf.Write(lenBuf[:])
	buf.WriteString("short")

	_, err := ReadFrame(bufio.NewReader(&buf))
	require.Error(t, err)
}

func TestReadFrameDropsMalformedJSONWithoutClosingStream(t *testing.T) {
	var buf bytes.Buffer

	var lenBuf [4]byte
	badJSON := []byte("{not json")
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(badJSON)))
	buf.Write(lenBuf[:])
	buf.Write(badJSON)

	goodEnv := Envelope{ID: 1, Method: MethodPing}
	require.NoError(t, WriteFrame(&buf, goodEnv))

	r := bufio.NewReader(&buf)

	_, err := ReadFrame(r)
	require.ErrorIs(t, err, ErrMalformedFrame)

	got, err := ReadFrame(r)
	require.NoError(t, err)
	assert.Equal(t, goodEnv.ID, got.ID)
}

func TestReadFrameRejectsOversizedDeclaredLength(t *testing.T) {
	var buf bytes.Buffer
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], MaxFrameSize+1)
	buf.Write(lenBuf[:])
	buf.Write(make([]byte, MaxFrameSize+1))

	_, err := ReadFrame(bufio.NewReader(&buf))
	require.ErrorIs(t, err, ErrMalformedFrame)
}
