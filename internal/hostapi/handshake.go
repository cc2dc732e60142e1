package hostapi

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/connectias/sandboxcore/internal/identity"
	"github.com/connectias/sandboxcore/internal/ipcproto"
	"github.com/connectias/sandboxcore/internal/sandboxerr"
)

// handshakeOutcome is what Manager.LoadPlugin hands back to a blocked
// handleHandshake call once identity.Registry.Attest has run: either a
// minted session token, or the reason the handshake was ultimately
// rejected (digest mismatch, duplicate load, spawn failure downstream).
type handshakeOutcome struct {
	token identity.Token
	err   error
}

type pendingHandshake struct {
	toSupervisor chan handshakeClaim
	toHandler    chan handshakeOutcome
}

type handshakeClaim struct {
	cred   identity.OSCredential
	digest [32]byte
	err    error
}

// handshakeServer accepts the control connections every spawned sandbox
// process opens back to the host, and brokers the two-sided handshake
// rendezvous between the IPC request handler goroutine (which needs to
// answer with a session token) and Supervisor.Load's awaitHandshake call
// (which needs the claimed identity to run Attest), per spec §4.2.
type handshakeServer struct {
	logger  *zap.Logger
	handler ipcproto.Handler

	listener net.Listener
	timeout  time.Duration

	mu      sync.Mutex
	pending map[string]*pendingHandshake
}

func newHandshakeServer(logger *zap.Logger, timeout time.Duration, handler ipcproto.Handler) *handshakeServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &handshakeServer{
		logger:  logger,
		handler: handler,
		timeout: timeout,
		pending: make(map[string]*pendingHandshake),
	}
}

// Listen opens the unix control socket every ExecLauncher-spawned sandbox
// connects back to. Any stale socket file from a prior crashed run is
// removed first.
func (h *handshakeServer) Listen(socketPath string) error {
	_ = os.Remove(socketPath)
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("hostapi: listen on control socket: %w", err)
	}
	h.listener = ln
	go h.acceptLoop()
	return nil
}

func (h *handshakeServer) acceptLoop() {
	for {
		conn, err := h.listener.Accept()
		if err != nil {
			return
		}
		ipcproto.NewConn(conn, h.handler, func(detail string) {
			h.logger.Warn("malformed IPC frame on control connection", zap.String("detail", detail))
		})
	}
}

func (h *handshakeServer) Close() error {
	if h.listener == nil {
		return nil
	}
	return h.listener.Close()
}

// awaitHandshake is supervisor.Supervisor.HandshakeFunc: it blocks until a
// sandbox process presents its claimed identity over the control socket,
// or ctx is cancelled.
func (h *handshakeServer) awaitHandshake(ctx context.Context, pluginID string) (identity.OSCredential, [32]byte, error) {
	p := &pendingHandshake{
		toSupervisor: make(chan handshakeClaim, 1),
		toHandler:    make(chan handshakeOutcome, 1),
	}
	h.mu.Lock()
	h.pending[pluginID] = p
	h.mu.Unlock()

	select {
	case claim := <-p.toSupervisor:
		return claim.cred, claim.digest, claim.err
	case <-ctx.Done():
		h.mu.Lock()
		delete(h.pending, pluginID)
		h.mu.Unlock()
		return identity.OSCredential{}, [32]byte{}, ctx.Err()
	}
}

// resolve is called once by Manager.LoadPlugin after Supervisor.Load
// returns, delivering the minted token (or the load failure) to whichever
// handleHandshake call is still blocked waiting to answer the sandbox.
func (h *handshakeServer) resolve(pluginID string, token identity.Token, err error) {
	h.mu.Lock()
	p, ok := h.pending[pluginID]
	delete(h.pending, pluginID)
	h.mu.Unlock()
	if !ok {
		return
	}
	select {
	case p.toHandler <- handshakeOutcome{token: token, err: err}:
	default:
	}
}

// handleHandshake is the ipcproto.Handler case for ipcproto.MethodHandshake:
// it hands the claimed identity to the matching awaitHandshake call, then
// blocks for Manager.LoadPlugin's resolve to learn the final outcome.
func (h *handshakeServer) handleHandshake(req ipcproto.HandshakeRequest) (interface{}, error) {
	digestBytes, err := hex.DecodeString(req.ContentDigest)
	if err != nil || len(digestBytes) != 32 {
		return nil, sandboxerr.New(sandboxerr.InvalidArgument, "malformed content digest")
	}
	var digest [32]byte
	copy(digest[:], digestBytes)

	h.mu.Lock()
	p, ok := h.pending[req.PluginID]
	h.mu.Unlock()
	if !ok {
		return nil, sandboxerr.New(sandboxerr.InvalidArgument, "no load in progress for this plugin id")
	}

	claim := handshakeClaim{cred: identity.OSCredential{PID: req.PID, StartedAt: time.Now()}, digest: digest}
	select {
	case p.toSupervisor <- claim:
	default:
		return nil, sandboxerr.New(sandboxerr.Internal, "handshake already claimed")
	}

	select {
	case outcome := <-p.toHandler:
		if outcome.err != nil {
			return nil, sandboxerr.Wrap(sandboxerr.CodeOf(outcome.err), "handshake rejected", outcome.err)
		}
		return ipcproto.HandshakeResponse{SessionToken: uint64(outcome.token)}, nil
	case <-time.After(h.timeout):
		return nil, sandboxerr.New(sandboxerr.Timeout, "handshake result timed out")
	}
}
