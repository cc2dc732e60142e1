package hostapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/connectias/sandboxcore/internal/capability"
)

// permissionEvent notifies connected admin clients of a capability request
// made through Manager.RequestCapabilities; grants resolved through the
// admin surface are not broadcast.
type permissionEvent struct {
	PluginID     string                  `json:"plugin_id"`
	Capabilities []capability.Capability `json:"capabilities"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// adminServer exposes the host-operator-facing surface: pending capability
// requests, a grant endpoint, and a websocket stream of newly pending
// requests, so a human can resolve the TierDangerous consent prompts
// capability.Manager otherwise leaves unresolved forever.
// exporter is satisfied by *Manager; declared narrowly so admin.go doesn't
// need to import hostapi's own Manager type.
type exporter interface {
	ExportPlugin(pluginID, passphrase string) (container []byte, uploadRef string, err error)
}

type adminServer struct {
	logger *zap.Logger
	caps   *capability.Manager
	export exporter
	server *http.Server

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

func newAdminServer(logger *zap.Logger, caps *capability.Manager) *adminServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &adminServer{
		logger:  logger,
		caps:    caps,
		clients: make(map[*websocket.Conn]struct{}),
	}
}

func (a *adminServer) router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/v1/permissions/pending", a.handlePending).Methods("GET")
	r.HandleFunc("/v1/permissions/{plugin}/{capability}/grant", a.handleGrant).Methods("POST")
	r.HandleFunc("/v1/permissions/stream", a.handleStream).Methods("GET")
	r.HandleFunc("/v1/plugins/{plugin}/export", a.handleExport).Methods("POST")
	return r
}

func (a *adminServer) start(port int) error {
	a.server = &http.Server{
		Addr:    ":" + strconv.Itoa(port),
		Handler: a.router(),
	}
	go func() {
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("admin server exited", zap.Error(err))
		}
	}()
	return nil
}

func (a *adminServer) stop(ctx context.Context) error {
	if a.server == nil {
		return nil
	}
	return a.server.Shutdown(ctx)
}

func (a *adminServer) handlePending(w http.ResponseWriter, r *http.Request) {
	tickets := a.caps.PendingRequests()
	out := make([]map[string]interface{}, 0, len(tickets))
	for _, t := range tickets {
		out = append(out, map[string]interface{}{
			"plugin_id":    t.PluginID,
			"capabilities": t.Capabilities,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"pending": out})
}

type grantRequest struct {
	Granted   bool   `json:"granted"`
	GrantedBy string `json:"granted_by"`
}

func (a *adminServer) handleGrant(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	pluginID := vars["plugin"]
	c := capability.Capability(vars["capability"])

	var req grantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.GrantedBy == "" {
		req.GrantedBy = "admin"
	}

	a.caps.Resolve(pluginID, c, req.Granted, req.GrantedBy)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"plugin_id":  pluginID,
		"capability": c,
		"granted":    req.Granted,
	})
}

type exportRequest struct {
	Passphrase string `json:"passphrase"`
}

// handleExport builds an encrypted GDPR export container for the named
// plugin (spec §6) and returns it as the response body, base64-free since
// the container itself is already the binary payload clients asked for.
func (a *adminServer) handleExport(w http.ResponseWriter, r *http.Request) {
	if a.export == nil {
		writeError(w, http.StatusServiceUnavailable, "export not configured")
		return
	}
	pluginID := mux.Vars(r)["plugin"]

	var req exportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Passphrase == "" {
		writeError(w, http.StatusBadRequest, "passphrase required")
		return
	}

	container, uploadRef, err := a.export.ExportPlugin(pluginID, req.Passphrase)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if uploadRef != "" {
		w.Header().Set("X-Export-Upload-Ref", uploadRef)
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(container)
}

func (a *adminServer) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("admin websocket upgrade failed", zap.Error(err))
		return
	}

	a.mu.Lock()
	a.clients[conn] = struct{}{}
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		delete(a.clients, conn)
		a.mu.Unlock()
		conn.Close()
	}()

	// The stream is push-only; block on reads solely to detect the client
	// going away (browser close, network drop).
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// broadcast pushes ev to every connected admin client, dropping any client
// whose write fails rather than letting one stuck socket wedge the others.
func (a *adminServer) broadcast(ev permissionEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for conn := range a.clients {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			conn.Close()
			delete(a.clients, conn)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
