// Package ipcproto implements the length-prefixed JSON frame codec used on
// the control connection between a host process and one sandbox child, and
// the typed request/response contracts for the IPC surface in spec §6.
package ipcproto

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single frame's payload to guard against a
// misbehaving or malicious child flooding the host with an unbounded
// length prefix.
const MaxFrameSize = 16 * 1024 * 1024

// Envelope is the wire shape of every frame crossing the control
// connection in either direction.
type Envelope struct {
	ID      uint64          `json:"id"`
	Method  string          `json:"method"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *WireError      `json:"error,omitempty"`
}

// WireError is the structured error shape sent back across the boundary,
// mirroring internal/sandboxerr.Error's fields so a Code/RetryAfter/Kind
// survives the JSON round trip intact.
type WireError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int64  `json:"retry_after_ms,omitempty"`
	Kind       string `json:"kind,omitempty"`
}

// WriteFrame writes env to w as a 4-byte big-endian length prefix followed
// by its JSON encoding.
func WriteFrame(w io.Writer, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("ipcproto: marshal envelope: %w", err)
	}
	if len(data) > MaxFrameSize {
		return fmt.Errorf("ipcproto: frame too large: %d bytes", len(data))
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// ReadFrame reads one length-prefixed JSON frame from r. A frame whose
// declared length exceeds MaxFrameSize, or whose payload fails to decode
// as an Envelope, is reported via ErrMalformedFrame so the caller can drop
// it and raise a protocol-violation audit event per spec §7, rather than
// treating it as a fatal connection error.
func ReadFrame(r *bufio.Reader) (Envelope, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Envelope{}, err
	}
	size := binary.BigEndian.Uint32(lenBuf[:])
	if size > MaxFrameSize {
		// Still must drain the declared length to keep the stream framed,
		// but cap how much we actually read to avoid being forced to
		// buffer an attacker-declared size.
		if _, err := io.CopyN(io.Discard, r, int64(size)); err != nil {
			return Envelope{}, err
		}
		return Envelope{}, ErrMalformedFrame
	}

	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Envelope{}, err
	}

	var env Envelope
	if err := json.Unmarshal(buf, &env); err != nil {
		return Envelope{}, ErrMalformedFrame
	}
	return env, nil
}

// ErrMalformedFrame is returned by ReadFrame for any frame that parses at
// the length-prefix level but fails envelope-level validation. Connections
// stay open across this error; only the offending frame is dropped.
var ErrMalformedFrame = fmt.Errorf("ipcproto: malformed frame")
