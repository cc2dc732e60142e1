// Package capability implements the CapabilityManager: the set of granted
// capabilities per plugin id, and the policy tiers (critical / dangerous /
// auto-granted) that govern how a capability may be obtained.
//
// Grounded on the teacher's plugin-panel-system Capability/PermissionGrant
// shape (internal/plugin-panel-system/types.go), generalized to the
// sandbox's capability names and three-tier policy.
package capability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Capability is a stable permission name required before a privileged
// broker call is allowed to proceed.
type Capability string

const (
	FileRead         Capability = "FILE_READ"
	FileWrite        Capability = "FILE_WRITE"
	NetHTTP          Capability = "NET_HTTP"
	NetHTTPInsecure  Capability = "NET_HTTP_INSECURE" // plain-http, dangerous
	HWCamera         Capability = "HW_CAMERA"
	HWPrinter        Capability = "HW_PRINTER"
	BTPaired         Capability = "BT_PAIRED"
	MsgSend          Capability = "MSG_SEND"
	SystemReboot     Capability = "SYSTEM_REBOOT"     // critical, never grantable
	SystemInstall    Capability = "SYSTEM_INSTALL"    // critical, never grantable
)

// Tier classifies a capability's grant policy.
type Tier int

const (
	TierAutoGranted Tier = iota // granted automatically when declared in the manifest
	TierDangerous               // requires explicit user consent
	TierCritical                // install/reboot-equivalent; must never be granted
)

// tiers is the static policy table. Unlisted capabilities default to
// TierDangerous — unknown capabilities never auto-grant.
var tiers = map[Capability]Tier{
	FileRead:        TierAutoGranted,
	BTPaired:        TierAutoGranted,
	FileWrite:       TierDangerous,
	NetHTTP:         TierDangerous,
	NetHTTPInsecure: TierDangerous,
	HWCamera:        TierDangerous,
	HWPrinter:       TierDangerous,
	MsgSend:         TierDangerous,
	SystemReboot:    TierCritical,
	SystemInstall:   TierCritical,
}

// TierOf returns the policy tier for a capability.
func TierOf(c Capability) Tier {
	if t, ok := tiers[c]; ok {
		return t
	}
	return TierDangerous
}

// Grant records a capability decision for one plugin.
type Grant struct {
	PluginID   string
	Capability Capability
	Granted    bool
	GrantedAt  time.Time
	GrantedBy  string
	Revoked    bool
	RevokedAt  time.Time
}

// RequestTicket tracks an in-flight asynchronous capability request. The
// caller registers a callback with OnComplete, delivered once the host UI
// (out of scope here) resolves the request; there is no polling accessor.
type RequestTicket struct {
	PluginID     string
	Capabilities []Capability
	mu           sync.Mutex
	done         bool
	results      map[Capability]bool
	callbacks    []func(map[Capability]bool)
}

func newTicket(pluginID string, caps []Capability) *RequestTicket {
	return &RequestTicket{PluginID: pluginID, Capabilities: caps, results: make(map[Capability]bool)}
}

// OnComplete registers a callback invoked synchronously once the ticket
// resolves, after the ticket's lock is released. If already resolved, the
// callback fires immediately, with the lock held.
func (t *RequestTicket) OnComplete(cb func(map[Capability]bool)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		cb(t.results)
		return
	}
	t.callbacks = append(t.callbacks, cb)
}

func (t *RequestTicket) resolve(results map[Capability]bool) {
	t.mu.Lock()
	t.done = true
	t.results = results
	cbs := t.callbacks
	t.mu.Unlock()
	for _, cb := range cbs {
		cb(results)
	}
}

// Manager is the host-process singleton holding granted capabilities per
// plugin id.
type Manager struct {
	mu      sync.RWMutex
	grants  map[string]map[Capability]*Grant
	pending []*RequestTicket
	logger  *zap.Logger
}

func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		grants: make(map[string]map[Capability]*Grant),
		logger: logger,
	}
}

// IsGranted reports whether pluginID currently holds capability c.
func (m *Manager) IsGranted(pluginID string, c Capability) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	grants, ok := m.grants[pluginID]
	if !ok {
		return false
	}
	g, ok := grants[c]
	return ok && g.Granted && !g.Revoked
}

// DeclareGrant auto-grants capability c for pluginID if its tier permits
// automatic grant (called when a manifest declares the capability at
// install time). TierCritical capabilities are always refused.
func (m *Manager) DeclareGrant(pluginID string, c Capability) error {
	if TierOf(c) == TierCritical {
		return fmt.Errorf("capability %s is critical and cannot be granted", c)
	}
	if TierOf(c) != TierAutoGranted {
		return nil // dangerous capabilities require Request + consent
	}
	m.store(pluginID, c, true, "system")
	return nil
}

// Request asynchronously requests a set of capabilities. Critical
// capabilities are marked denied immediately; dangerous capabilities are
// queued pending user consent; auto-granted capabilities resolve
// immediately. Completion is delivered via the returned ticket's callback.
func (m *Manager) Request(ctx context.Context, pluginID string, caps []Capability) (*RequestTicket, error) {
	ticket := newTicket(pluginID, caps)
	results := make(map[Capability]bool, len(caps))
	var awaiting []Capability

	for _, c := range caps {
		switch TierOf(c) {
		case TierCritical:
			results[c] = false
		case TierAutoGranted:
			m.store(pluginID, c, true, "system")
			results[c] = true
		default:
			awaiting = append(awaiting, c)
		}
	}

	if len(awaiting) == 0 {
		ticket.resolve(results)
		return ticket, nil
	}

	m.mu.Lock()
	m.pending = append(m.pending, ticket)
	m.mu.Unlock()

	m.logger.Info("capability request pending user consent",
		zap.String("plugin_id", pluginID), zap.Int("awaiting", len(awaiting)))

	// The host UI resolves pending tickets out of band via Resolve.
	ticket.results = results
	return ticket, nil
}

// Resolve is called by the (out-of-scope) host UI once the user has
// answered a consent prompt for pluginID/c.
func (m *Manager) Resolve(pluginID string, c Capability, granted bool, grantedBy string) {
	m.store(pluginID, c, granted, grantedBy)

	m.mu.Lock()
	remaining := m.pending[:0]
	var resolved []*RequestTicket
	for _, t := range m.pending {
		if t.PluginID == pluginID {
			t.mu.Lock()
			_, awaiting := t.results[c]
			t.mu.Unlock()
			if !awaiting {
				t.mu.Lock()
				t.results[c] = granted
				t.mu.Unlock()
			}
			allResolved := true
			t.mu.Lock()
			for _, cap := range t.Capabilities {
				if _, ok := t.results[cap]; !ok {
					allResolved = false
					break
				}
			}
			t.mu.Unlock()
			if allResolved {
				resolved = append(resolved, t)
				continue
			}
		}
		remaining = append(remaining, t)
	}
	m.pending = remaining
	m.mu.Unlock()

	for _, t := range resolved {
		t.mu.Lock()
		results := make(map[Capability]bool, len(t.results))
		for k, v := range t.results {
			results[k] = v
		}
		t.mu.Unlock()
		t.resolve(results)
	}
}

// Revoke revokes a previously granted capability.
func (m *Manager) Revoke(pluginID string, c Capability) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	grants, ok := m.grants[pluginID]
	if !ok {
		return fmt.Errorf("no grants for plugin %q", pluginID)
	}
	g, ok := grants[c]
	if !ok {
		return fmt.Errorf("capability %s not granted to %q", c, pluginID)
	}
	g.Revoked = true
	g.RevokedAt = time.Now()
	m.logger.Info("capability revoked", zap.String("plugin_id", pluginID), zap.String("capability", string(c)))
	return nil
}

// ListGrants returns all grants recorded for pluginID.
func (m *Manager) ListGrants(pluginID string) []*Grant {
	m.mu.RLock()
	defer m.mu.RUnlock()
	grants, ok := m.grants[pluginID]
	if !ok {
		return nil
	}
	out := make([]*Grant, 0, len(grants))
	for _, g := range grants {
		out = append(out, g)
	}
	return out
}

// PendingRequests returns the currently unresolved request tickets.
func (m *Manager) PendingRequests() []*RequestTicket {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*RequestTicket, len(m.pending))
	copy(out, m.pending)
	return out
}

func (m *Manager) store(pluginID string, c Capability, granted bool, by string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.grants[pluginID] == nil {
		m.grants[pluginID] = make(map[Capability]*Grant)
	}
	m.grants[pluginID][c] = &Grant{
		PluginID:   pluginID,
		Capability: c,
		Granted:    granted,
		GrantedAt:  time.Now(),
		GrantedBy:  by,
	}
}
