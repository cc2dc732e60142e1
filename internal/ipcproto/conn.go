package ipcproto

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/connectias/sandboxcore/internal/sandboxerr"
)

// ViolationFunc is invoked whenever ReadFrame reports a malformed frame on
// a Conn's read loop, so the caller can raise a SANDBOX_PROTOCOL_VIOLATION
// audit event (spec §7) without ipcproto itself depending on the
// analytics package.
type ViolationFunc func(detail string)

// Handler processes one decoded request envelope and returns the response
// payload, or an error that gets wire-encoded back as a WireError.
type Handler func(method string, payload json.RawMessage) (interface{}, error)

// Conn is one framed control connection between a host process and a
// single sandbox child. It multiplexes request/response pairs by Envelope
// ID and tolerates malformed frames by dropping them rather than closing
// the connection, per spec §7.
type Conn struct {
	raw net.Conn
	r   *bufio.Reader

	writeMu sync.Mutex
	nextID  uint64

	pendingMu sync.Mutex
	pending   map[uint64]chan Envelope

	onViolation ViolationFunc
	handler     Handler

	closeOnce sync.Once
	closed    chan struct{}
}

// NewConn wraps conn for framed request/response traffic. onViolation may
// be nil if the caller does not need to observe malformed frames.
// handler, if non-nil, is invoked for every inbound envelope whose Method
// is set (i.e. every request, as opposed to a response to our own call);
// pass nil on a connection that only issues requests and never serves
// them.
func NewConn(conn net.Conn, handler Handler, onViolation ViolationFunc) *Conn {
	c := &Conn{
		raw:         conn,
		r:           bufio.NewReader(conn),
		pending:     make(map[uint64]chan Envelope),
		onViolation: onViolation,
		handler:     handler,
		closed:      make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Conn) readLoop() {
	for {
		env, err := ReadFrame(c.r)
		if err != nil {
			if errors.Is(err, ErrMalformedFrame) {
				if c.onViolation != nil {
					c.onViolation("malformed IPC frame dropped")
				}
				continue
			}
			c.Close()
			return
		}

		if env.Method == "" {
			// Response to a call we issued: requests always carry a
			// method name, responses never do.
			c.pendingMu.Lock()
			ch, ok := c.pending[env.ID]
			if ok {
				delete(c.pending, env.ID)
			}
			c.pendingMu.Unlock()
			if ok {
				ch <- env
			}
			continue
		}

		if c.handler == nil {
			continue
		}
		go c.serve(env)
	}
}

func (c *Conn) serve(req Envelope) {
	result, err := c.handler(req.Method, req.Payload)
	resp := Envelope{ID: req.ID}
	if err != nil {
		resp.Error = toWireError(err)
	} else if result != nil {
		data, merr := json.Marshal(result)
		if merr != nil {
			resp.Error = &WireError{Code: "INTERNAL", Message: merr.Error()}
		} else {
			resp.Payload = data
		}
	}
	_ = c.writeFrame(resp)
}

// Call issues a request and blocks for its matching response.
func (c *Conn) Call(method string, payload interface{}) (json.RawMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	id := atomic.AddUint64(&c.nextID, 1)
	ch := make(chan Envelope, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	if err := c.writeFrame(Envelope{ID: id, Method: method, Payload: data}); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, fromWireError(resp.Error)
		}
		return resp.Payload, nil
	case <-c.closed:
		return nil, io.ErrClosedPipe
	}
}

func (c *Conn) writeFrame(env Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return WriteFrame(c.raw, env)
}

// Close shuts down the underlying connection and unblocks any pending
// calls. Idempotent.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.raw.Close()
	})
	return err
}

// toWireError preserves the sandboxerr.Code (and RateLimited/ResourceExceeded
// detail) of err across the boundary, so a plugin-side caller can branch on
// the same taxonomy the host enforces rather than seeing everything
// collapse to one opaque failure.
func toWireError(err error) *WireError {
	var se *sandboxerr.Error
	if errors.As(err, &se) {
		we := &WireError{Code: string(se.Code), Message: se.Message, Kind: se.Kind}
		if se.RetryAfter > 0 {
			we.RetryAfter = se.RetryAfter.Milliseconds()
		}
		return we
	}
	return &WireError{Code: string(sandboxerr.Internal), Message: err.Error()}
}

func fromWireError(w *WireError) error {
	e := sandboxerr.New(sandboxerr.Code(w.Code), w.Message)
	e.Kind = w.Kind
	if w.RetryAfter > 0 {
		e.RetryAfter = time.Duration(w.RetryAfter) * time.Millisecond
	}
	return e
}
