// Package logging implements the one-way plugin log-submission broker:
// a bounded, drop-oldest channel feeding an asynchronous persistence
// worker guarded by a consecutive-failure circuit breaker, per spec
// §4.5.4 and §7.
package logging

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/connectias/sandboxcore/internal/breaker"
)

// DefaultQueueCapacity bounds the in-flight log entry channel.
const DefaultQueueCapacity = 1000

// FailureThreshold and CooldownPeriod tune the circuit breaker that
// degrades persistence to in-memory mirroring after repeated failures.
const (
	FailureThreshold = 10
	CooldownPeriod   = 5 * time.Minute
)

// Priority mirrors the plugin-facing log levels.
type Priority int

const (
	PriorityDebug Priority = iota
	PriorityInfo
	PriorityWarn
	PriorityError
)

// Entry is one submitted plugin log line.
type Entry struct {
	PluginID        string
	Priority        Priority
	Tag             string
	Message         string
	ThreadName      string
	ExceptionTrace  string
	Epoch           time.Time
}

// Persister durably stores a batch of entries. Returning an error trips
// the circuit breaker's consecutive-failure count.
type Persister interface {
	Persist(entries []Entry) error
}

// Broker accepts log submissions from sandboxed plugins and asynchronously
// persists them, degrading to an in-memory mirror while its breaker is
// open rather than blocking submitters or losing the entries outright.
type Broker struct {
	entries   chan Entry
	persister Persister
	breaker   *breaker.ConsecutiveFailureBreaker
	logger    *zap.Logger

	mirrorMu sync.Mutex
	mirror   []Entry
	mirrorCap int

	flushInterval time.Duration
	batchSize     int

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New builds a Broker. persister may be nil, in which case every entry is
// mirrored in memory only (useful before a real persistence backend is
// configured, or in tests).
func New(persister Persister, logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		entries:       make(chan Entry, DefaultQueueCapacity),
		persister:     persister,
		breaker:       breaker.NewConsecutiveFailureBreaker(FailureThreshold, CooldownPeriod),
		logger:        logger,
		mirrorCap:     DefaultQueueCapacity,
		flushInterval: 500 * time.Millisecond,
		batchSize:     64,
	}
}

// Start launches the background persistence worker. Call Stop to shut it
// down and drain any remaining entries.
func (b *Broker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.wg.Add(1)
	go b.run(ctx)
}

// Stop cancels the persistence worker and waits for it to exit.
func (b *Broker) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
}

// Submit enqueues entry for persistence. If the queue is full, the oldest
// queued entry is dropped to make room, per spec §4.5.4's drop-oldest
// overflow policy; Submit itself never blocks.
func (b *Broker) Submit(entry Entry) {
	if entry.Epoch.IsZero() {
		entry.Epoch = time.Now()
	}
	select {
	case b.entries <- entry:
		return
	default:
	}
	// Queue full: drop the oldest entry to make room.
	select {
	case <-b.entries:
	default:
	}
	select {
	case b.entries <- entry:
	default:
		// Lost a race with another submitter; the entry is dropped,
		// which is within the documented best-effort contract.
	}
}

func (b *Broker) run(ctx context.Context) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	var batch []Entry
	flush := func() {
		if len(batch) == 0 {
			return
		}
		b.persistOrMirror(batch)
		batch = nil
	}

	for {
		select {
		case <-ctx.Done():
			b.drainRemaining(&batch)
			flush()
			return
		case e := <-b.entries:
			batch = append(batch, e)
			if len(batch) >= b.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (b *Broker) drainRemaining(batch *[]Entry) {
	for {
		select {
		case e := <-b.entries:
			*batch = append(*batch, e)
		default:
			return
		}
	}
}

// persistOrMirror attempts durable persistence if the breaker allows it;
// on refusal or failure, entries are mirrored into a bounded in-memory
// ring instead, per spec §7's degrade-not-lose policy.
func (b *Broker) persistOrMirror(entries []Entry) {
	if b.persister == nil || !b.breaker.Allow() {
		b.appendMirror(entries)
		return
	}
	err := b.persister.Persist(entries)
	b.breaker.Record(err == nil)
	if err != nil {
		b.logger.Warn("log persistence failed, degrading to in-memory mirror", zap.Error(err))
		b.appendMirror(entries)
	}
}

func (b *Broker) appendMirror(entries []Entry) {
	b.mirrorMu.Lock()
	defer b.mirrorMu.Unlock()
	b.mirror = append(b.mirror, entries...)
	if overflow := len(b.mirror) - b.mirrorCap; overflow > 0 {
		b.mirror = b.mirror[overflow:]
	}
}

// Mirrored returns a snapshot of entries currently held only in memory
// (i.e. not yet durably persisted), most useful for diagnostics while the
// breaker is open.
func (b *Broker) Mirrored() []Entry {
	b.mirrorMu.Lock()
	defer b.mirrorMu.Unlock()
	out := make([]Entry, len(b.mirror))
	copy(out, b.mirror)
	return out
}

// BreakerState reports the current circuit breaker state.
func (b *Broker) BreakerState() breaker.State {
	return b.breaker.State()
}
