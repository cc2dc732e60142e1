package messaging

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/connectias/sandboxcore/internal/analytics"
	"github.com/connectias/sandboxcore/internal/sandboxerr"
)

type recordingAudit struct {
	mu      sync.Mutex
	records []analytics.Record
}

func (a *recordingAudit) Append(stream analytics.Stream, r analytics.Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, r)
	return nil
}

func (a *recordingAudit) events() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.records))
	for i, r := range a.records {
		out[i], _ = r.Fields["event"].(string)
	}
	return out
}

func TestSendMessageRequiresRegisteredReceiver(t *testing.T) {
	b := New(4, nil)
	_, err := b.SendMessage(Message{Sender: "a", Receiver: "b", Payload: []byte("hi")}, time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, sandboxerr.NotFound, sandboxerr.CodeOf(err))
}

func TestReceiveMessagesDrainsQueuedMessages(t *testing.T) {
	b := New(4, nil)
	b.RegisterPlugin("receiver")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = b.SendMessage(Message{Sender: "sender", Receiver: "receiver", Payload: []byte("one")}, 50*time.Millisecond)
	}()
	time.Sleep(10 * time.Millisecond)

	msgs, err := b.ReceiveMessages("receiver")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("one"), msgs[0].Payload)

	// drained twice yields nothing the second time
	msgs, err = b.ReceiveMessages("receiver")
	require.NoError(t, err)
	assert.Empty(t, msgs)

	wg.Wait()
}

func TestReceiveMessagesOnUnregisteredPluginFails(t *testing.T) {
	b := New(4, nil)
	_, err := b.ReceiveMessages("ghost")
	require.Error(t, err)
	assert.Equal(t, sandboxerr.NotFound, sandboxerr.CodeOf(err))
}

func TestQueueOverflowDropsOldestMessage(t *testing.T) {
	b := New(2, nil)
	b.RegisterPlugin("receiver")

	ib, ok := b.inboxFor("receiver")
	require.True(t, ok)
	ib.push(Message{Payload: []byte("first")})
	ib.push(Message{Payload: []byte("second")})
	ib.push(Message{Payload: []byte("third")})

	msgs, err := b.ReceiveMessages("receiver")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, []byte("second"), msgs[0].Payload)
	assert.Equal(t, []byte("third"), msgs[1].Payload)
}

func TestExpiredMessagesAreDroppedOnReceive(t *testing.T) {
	b := New(4, nil)
	b.RegisterPlugin("receiver")

	ib, ok := b.inboxFor("receiver")
	require.True(t, ok)
	ib.push(Message{Payload: []byte("stale"), ExpiresAt: time.Now().Add(-time.Minute)})
	ib.push(Message{Payload: []byte("fresh")})

	msgs, err := b.ReceiveMessages("receiver")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("fresh"), msgs[0].Payload)
}

func TestSendResponseDeliversToWaitingSender(t *testing.T) {
	b := New(4, nil)
	b.RegisterPlugin("sender")
	b.RegisterPlugin("receiver")

	var resp Response
	var respErr error
	done := make(chan struct{})
	go func() {
		resp, respErr = b.SendMessage(Message{
			CorrelationID: "corr-1",
			Sender:        "sender",
			Receiver:      "receiver",
			Payload:       []byte("ping"),
		}, time.Second)
		close(done)
	}()

	// wait until the sender's wait channel is parked in the receiver's inbox
	require.Eventually(t, func() bool {
		ib, _ := b.inboxFor("receiver")
		ib.mu.Lock()
		defer ib.mu.Unlock()
		_, ok := ib.waiters["corr-1"]
		return ok
	}, time.Second, time.Millisecond)

	delivered := b.SendResponse("sender", Response{CorrelationID: "corr-1", Payload: []byte("pong"), OK: true})
	assert.True(t, delivered)

	<-done
	require.NoError(t, respErr)
	assert.Equal(t, []byte("pong"), resp.Payload)
}

func TestSendMessageTimesOutWithoutResponse(t *testing.T) {
	b := New(4, nil)
	b.RegisterPlugin("receiver")

	_, err := b.SendMessage(Message{Sender: "sender", Receiver: "receiver", Payload: []byte("ping")}, 20*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, sandboxerr.Timeout, sandboxerr.CodeOf(err))
}

func TestSendResponseWithUnknownCorrelationIDIsNoOp(t *testing.T) {
	b := New(4, nil)
	b.RegisterPlugin("sender")
	delivered := b.SendResponse("sender", Response{CorrelationID: "no-such-id"})
	assert.False(t, delivered)
}

func TestUnregisterPluginDropsQueuedMessages(t *testing.T) {
	b := New(4, nil)
	b.RegisterPlugin("receiver")
	ib, _ := b.inboxFor("receiver")
	ib.push(Message{Payload: []byte("queued")})

	b.UnregisterPlugin("receiver")

	_, err := b.ReceiveMessages("receiver")
	require.Error(t, err)
	assert.Equal(t, sandboxerr.NotFound, sandboxerr.CodeOf(err))
}

func TestUnregisterPluginResolvesPendingSenderImmediately(t *testing.T) {
	audit := &recordingAudit{}
	b := New(4, nil, audit)
	b.RegisterPlugin("sender")
	b.RegisterPlugin("receiver")

	var respErr error
	done := make(chan struct{})
	go func() {
		_, respErr = b.SendMessage(Message{
			CorrelationID: "corr-1",
			Sender:        "sender",
			Receiver:      "receiver",
			Payload:       []byte("ping"),
		}, time.Minute)
		close(done)
	}()

	require.Eventually(t, func() bool {
		ib, _ := b.inboxFor("receiver")
		ib.mu.Lock()
		defer ib.mu.Unlock()
		_, ok := ib.waiters["corr-1"]
		return ok
	}, time.Second, time.Millisecond)

	b.UnregisterPlugin("receiver")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("SendMessage did not unblock after receiver unregistered")
	}

	require.Error(t, respErr)
	assert.Equal(t, sandboxerr.NotFound, sandboxerr.CodeOf(respErr))
	assert.Contains(t, audit.events(), "REQUEST_DROPPED_RECEIVER_UNLOADED")
}

func TestSendResponseToUnloadedSenderIsDroppedAndAudited(t *testing.T) {
	audit := &recordingAudit{}
	b := New(4, nil, audit)

	delivered := b.SendResponse("already-gone", Response{CorrelationID: "corr-1"})
	assert.False(t, delivered)
	assert.Contains(t, audit.events(), "RESPONSE_DROPPED_SENDER_UNLOADED")
}

type recordingMirror struct {
	mu       sync.Mutex
	subjects []string
}

func (m *recordingMirror) Publish(subject string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subjects = append(m.subjects, subject)
	return nil
}

func TestMirrorReceivesDeliveredMessageSubject(t *testing.T) {
	mirror := &recordingMirror{}
	b := New(4, mirror)
	b.RegisterPlugin("receiver")

	go func() {
		_, _ = b.SendMessage(Message{Sender: "sender", Receiver: "receiver", Payload: []byte("hi")}, 50*time.Millisecond)
	}()

	require.Eventually(t, func() bool {
		mirror.mu.Lock()
		defer mirror.mu.Unlock()
		return len(mirror.subjects) == 1
	}, time.Second, time.Millisecond)
}
