// Package messaging implements the plugin-to-plugin messaging broker:
// best-effort, at-most-once delivery through a bounded per-receiver queue
// with drop-oldest overflow, correlation ids pairing requests to
// responses, and per-message TTLs, per spec §4.5.3.
package messaging

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/connectias/sandboxcore/internal/analytics"
	"github.com/connectias/sandboxcore/internal/sandboxerr"
)

// DefaultQueueCapacity bounds each receiver's inbox.
const DefaultQueueCapacity = 256

// DefaultResponseTimeout bounds how long sendMessage waits for a
// correlated response before giving up.
const DefaultResponseTimeout = 10 * time.Second

// Message is one plugin-to-plugin message.
type Message struct {
	CorrelationID string
	Sender        string
	Receiver      string
	Kind          string
	Payload       []byte
	SentAt        time.Time
	ExpiresAt     time.Time
}

// Response answers a Message carrying the same correlation id.
type Response struct {
	CorrelationID string
	Payload       []byte
	OK            bool
}

// Mirror optionally republishes delivered messages to an external bus for
// observability; Publish failures are discarded without logging, since
// mirroring must never affect in-process delivery semantics.
type Mirror interface {
	Publish(subject string, data []byte) error
}

type inbox struct {
	mu       sync.Mutex
	messages []Message
	capacity int
	waiters  map[string]chan Response
}

func newInbox(capacity int) *inbox {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &inbox{capacity: capacity, waiters: make(map[string]chan Response)}
}

// push appends m, dropping the oldest entry if the inbox is full.
func (b *inbox) push(m Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.messages) >= b.capacity {
		b.messages = b.messages[1:]
	}
	b.messages = append(b.messages, m)
}

// drain returns every non-expired message currently queued and clears the
// inbox, per the at-most-once/best-effort delivery contract.
func (b *inbox) drain(now time.Time) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Message, 0, len(b.messages))
	for _, m := range b.messages {
		if !m.ExpiresAt.IsZero() && now.After(m.ExpiresAt) {
			continue
		}
		out = append(out, m)
	}
	b.messages = nil
	return out
}

// Audit records a structured security event when a message cannot be
// delivered because one side of the exchange has already unloaded,
// satisfied by *internal/analytics.Store. Optional: a nil Audit simply
// means the drop isn't recorded, matching how Mirror is also optional.
type Audit interface {
	Append(stream analytics.Stream, r analytics.Record) error
}

// Broker routes messages between registered plugins.
type Broker struct {
	mu         sync.RWMutex
	registered map[string]bool
	inboxes    map[string]*inbox
	capacity   int
	mirror     Mirror
	audit      Audit
}

// New builds a Broker. audit is variadic so existing call sites that pass
// only (capacity, mirror) are unaffected; at most the first value is used.
func New(capacity int, mirror Mirror, audit ...Audit) *Broker {
	b := &Broker{
		registered: make(map[string]bool),
		inboxes:    make(map[string]*inbox),
		capacity:   capacity,
		mirror:     mirror,
	}
	if len(audit) > 0 {
		b.audit = audit[0]
	}
	return b
}

// RegisterPlugin opens an inbox for pluginID.
func (b *Broker) RegisterPlugin(pluginID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.registered[pluginID] = true
	if _, ok := b.inboxes[pluginID]; !ok {
		b.inboxes[pluginID] = newInbox(b.capacity)
	}
}

// UnregisterPlugin closes pluginID's inbox, drops any queued messages, and
// resolves every sender still blocked in SendMessage waiting on a response
// from pluginID. This is the explicit resolution spec §9 calls for on
// plugin unload mid-flight: rather than leaving those senders to time out
// silently after DefaultResponseTimeout, they are unblocked immediately
// with a NotFound error, and one audit event is appended per dropped
// waiter.
func (b *Broker) UnregisterPlugin(pluginID string) {
	b.mu.Lock()
	delete(b.registered, pluginID)
	ib, ok := b.inboxes[pluginID]
	delete(b.inboxes, pluginID)
	b.mu.Unlock()

	if !ok {
		return
	}

	ib.mu.Lock()
	waiters := ib.waiters
	ib.waiters = make(map[string]chan Response)
	ib.mu.Unlock()

	for correlationID, ch := range waiters {
		close(ch)
		b.auditDrop(pluginID, correlationID, "REQUEST_DROPPED_RECEIVER_UNLOADED")
	}
}

// auditDrop appends a security_event record noting that a message
// exchange involving pluginID was dropped because it had already
// unloaded. No-op when no Audit sink was configured.
func (b *Broker) auditDrop(pluginID, correlationID, event string) {
	if b.audit == nil {
		return
	}
	_ = b.audit.Append(analytics.StreamSecurityEvent, analytics.Record{
		Timestamp: time.Now(),
		PluginID:  pluginID,
		Fields: map[string]interface{}{
			"event":          event,
			"correlation_id": correlationID,
		},
	})
}

func (b *Broker) isRegistered(pluginID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.registered[pluginID]
}

func (b *Broker) inboxFor(pluginID string) (*inbox, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ib, ok := b.inboxes[pluginID]
	return ib, ok
}

// SendMessage delivers msg to its receiver's inbox (assigning a
// correlation id if msg did not already carry one) and blocks until a
// matching Response arrives or timeout elapses.
func (b *Broker) SendMessage(msg Message, timeout time.Duration) (Response, error) {
	if !b.isRegistered(msg.Receiver) {
		return Response{}, sandboxerr.New(sandboxerr.NotFound, "receiver not registered")
	}
	if msg.CorrelationID == "" {
		msg.CorrelationID = uuid.NewString()
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now()
	}
	if timeout <= 0 {
		timeout = DefaultResponseTimeout
	}

	ib, _ := b.inboxFor(msg.Receiver)
	waitCh := make(chan Response, 1)
	ib.mu.Lock()
	ib.waiters[msg.CorrelationID] = waitCh
	ib.mu.Unlock()
	defer func() {
		ib.mu.Lock()
		delete(ib.waiters, msg.CorrelationID)
		ib.mu.Unlock()
	}()

	ib.push(msg)

	if b.mirror != nil {
		_ = b.mirror.Publish("plugin.messages."+msg.Receiver, msg.Payload)
	}

	select {
	case resp, ok := <-waitCh:
		if !ok {
			// UnregisterPlugin closed this channel: the receiver unloaded
			// before it could respond.
			return Response{}, sandboxerr.New(sandboxerr.NotFound, "receiver unloaded before responding")
		}
		return resp, nil
	case <-time.After(timeout):
		return Response{}, sandboxerr.New(sandboxerr.Timeout, "no response within deadline")
	}
}

// ReceiveMessages drains and returns every pending, non-expired message
// queued for pluginID.
func (b *Broker) ReceiveMessages(pluginID string) ([]Message, error) {
	ib, ok := b.inboxFor(pluginID)
	if !ok {
		return nil, sandboxerr.New(sandboxerr.NotFound, "plugin not registered")
	}
	return ib.drain(time.Now()), nil
}

// SendResponse delivers resp to whichever sender is still waiting on its
// correlation id. Returns false if no one is waiting (the request already
// timed out, or the correlation id is unknown). If receiverWhoSent has
// already unloaded, the response is dropped and audited per spec §9's
// dead-plugin resolution rather than silently discarded.
func (b *Broker) SendResponse(receiverWhoSent string, resp Response) bool {
	if _, ok := b.inboxFor(receiverWhoSent); !ok {
		b.auditDrop(receiverWhoSent, resp.CorrelationID, "RESPONSE_DROPPED_SENDER_UNLOADED")
		return false
	}
	// SendMessage parks its waiter in the receiver's inbox (so that
	// UnregisterPlugin can release it), so every inbox is searched.
	var ch chan Response
	b.mu.RLock()
	for _, ib := range b.inboxes {
		ib.mu.Lock()
		if c, ok := ib.waiters[resp.CorrelationID]; ok {
			delete(ib.waiters, resp.CorrelationID)
			ch = c
		}
		ib.mu.Unlock()
		if ch != nil {
			break
		}
	}
	b.mu.RUnlock()
	if ch == nil {
		return false
	}
	ch <- resp
	return true
}
