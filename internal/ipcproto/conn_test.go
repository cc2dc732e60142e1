package ipcproto

import (
	"encoding/binary"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/connectias/sandboxcore/internal/sandboxerr"
)

func TestConnCallServedByHandler(t *testing.T) {
	clientRaw, serverRaw := net.Pipe()
	defer clientRaw.Close()
	defer serverRaw.Close()

	server := NewConn(serverRaw, func(method string, payload json.RawMessage) (interface{}, error) {
		var req PluginIDRequest
		_ = json.Unmarshal(payload, &req)
		return PingResponse{Alive: req.PluginID == "plugin-a"}, nil
	}, nil)
	defer server.Close()

	client := NewConn(clientRaw, nil, nil)
	defer client.Close()

	raw, err := client.Call(MethodPing, PluginIDRequest{PluginID: "plugin-a"})
	require.NoError(t, err)

	var resp PingResponse
	require.NoError(t, json.Unmarshal(raw, &resp))
	assert.True(t, resp.Alive)
}

func TestConnCallPropagatesHandlerError(t *testing.T) {
	clientRaw, serverRaw := net.Pipe()
	defer clientRaw.Close()
	defer serverRaw.Close()

	server := NewConn(serverRaw, func(method string, payload json.RawMessage) (interface{}, error) {
		return nil, assertError{"boom"}
	}, nil)
	defer server.Close()

	client := NewConn(clientRaw, nil, nil)
	defer client.Close()

	_, err := client.Call(MethodPing, PluginIDRequest{PluginID: "plugin-a"})
	require.Error(t, err)
}

type assertError struct{ msg string }

func (e assertError) Error() string { return e.msg }

func TestConnCallPreservesSandboxerrCode(t *testing.T) {
	clientRaw, serverRaw := net.Pipe()
	defer clientRaw.Close()
	defer serverRaw.Close()

	server := NewConn(serverRaw, func(method string, payload json.RawMessage) (interface{}, error) {
		return nil, sandboxerr.NewRateLimited(250 * time.Millisecond)
	}, nil)
	defer server.Close()

	client := NewConn(clientRaw, nil, nil)
	defer client.Close()

	_, err := client.Call(MethodPing, PluginIDRequest{PluginID: "plugin-a"})
	require.Error(t, err)
	assert.Equal(t, sandboxerr.RateLimited, sandboxerr.CodeOf(err))

	var se *sandboxerr.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 250*time.Millisecond, se.RetryAfter)
}

func TestConnDropsMalformedFrameAndReportsViolation(t *testing.T) {
	clientRaw, serverRaw := net.Pipe()
	defer clientRaw.Close()
	defer serverRaw.Close()

	violations := make(chan string, 4)
	server := NewConn(serverRaw, func(method string, payload json.RawMessage) (interface{}, error) {
		return PingResponse{Alive: true}, nil
	}, func(detail string) { violations <- detail })
	defer server.Close()

	// Write a malformed frame directly onto the wire, bypassing Conn.Call.
	go func() {
		var lenBuf [4]byte
		bad := []byte("{garbage")
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(bad)))
		_, _ = clientRaw.Write(lenBuf[:])
		_, _ = clientRaw.Write(bad)
	}()

	select {
	case detail := <-violations:
		assert.NotEmpty(t, detail)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a violation callback")
	}

	// Connection should still be usable afterward.
	client := NewConn(clientRaw, nil, nil)
	defer client.Close()
	raw, err := client.Call(MethodPing, PluginIDRequest{PluginID: "plugin-a"})
	require.NoError(t, err)
	var resp PingResponse
	require.NoError(t, json.Unmarshal(raw, &resp))
	assert.True(t, resp.Alive)
}

func TestConnCloseUnblocksPendingCall(t *testing.T) {
	clientRaw, serverRaw := net.Pipe()
	defer serverRaw.Close()

	client := NewConn(clientRaw, nil, nil)

	done := make(chan error, 1)
	go func() {
		_, err := client.Call(MethodPing, PluginIDRequest{PluginID: "plugin-a"})
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, client.Close())

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Call did not unblock after Close")
	}
}
