// Package resourcemeter periodically samples per-plugin resource usage
// (CPU, memory, threads, disk, network) and reports deltas to whatever
// sink the host wires in. It never decides policy: crossing a threshold
// only raises a ResourceExceeded event through the ExceededFunc. The host
// only records that event; no component warns, throttles, or unloads the
// plugin in response.
package resourcemeter

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Sample is one observation for a plugin, per spec §3's ResourceSample.
type Sample struct {
	Epoch        time.Time
	PluginID     string
	CPUPercent   float64
	RSSMiB       float64
	PeakRSSMiB   float64
	ThreadCount  int
	DiskMiB      float64
	NetBytesIn   uint64 // delta since the previous sample, clamped >= 0
	NetBytesOut  uint64
}

// Threshold is the per-plugin limit set the supervisor configures; crossing
// any of these raises an Exceeded event for that plugin.
type Threshold struct {
	MaxCPUPercent  float64
	MaxRSSMiB      float64
	MaxThreads     int
	MaxDiskMiB     float64
}

// Source reports a plugin's current instantaneous readings. Production
// hosts implement this over /proc or a platform equivalent; tests supply a
// fake.
type Source interface {
	CPUPercent(pluginID string) (float64, error)
	RSSMiB(pluginID string) (float64, error)
	ThreadCount(pluginID string) (int, error)
	DiskMiB(pluginID string) (float64, error)
}

// NetworkTracker reads cumulative (monotonic, counter-reset-prone) network
// byte counts for a plugin. The meter derives deltas from consecutive
// reads and clamps negative deltas (caused by a counter reset) to zero.
type NetworkTracker interface {
	CumulativeBytes(pluginID string) (in, out uint64, err error)
}

// Sink receives each sample as it's produced, e.g. the AnalyticsStore's
// performance stream.
type Sink interface {
	RecordSample(Sample)
}

// ExceededFunc is invoked when a plugin crosses a configured threshold.
// kind identifies which resource (see sandboxerr.ResourceExceeded{kind}).
type ExceededFunc func(pluginID, kind string, sample Sample)

// Meter is the host-process singleton sampler.
type Meter struct {
	mu         sync.Mutex
	source     Source
	network    NetworkTracker
	sink       Sink
	onExceeded ExceededFunc
	logger     *zap.Logger

	thresholds map[string]Threshold
	peakRSS    map[string]float64
	lastNet    map[string][2]uint64 // pluginID -> [in, out]

	interval time.Duration
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New builds a Meter. interval defaults to 2s (within the spec's 1-5s
// range) if zero.
func New(source Source, network NetworkTracker, sink Sink, onExceeded ExceededFunc, logger *zap.Logger, interval time.Duration) *Meter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Meter{
		source:     source,
		network:    network,
		sink:       sink,
		onExceeded: onExceeded,
		logger:     logger,
		thresholds: make(map[string]Threshold),
		peakRSS:    make(map[string]float64),
		lastNet:    make(map[string][2]uint64),
		interval:   interval,
	}
}

// SetThreshold installs or replaces the threshold set for pluginID.
func (m *Meter) SetThreshold(pluginID string, t Threshold) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.thresholds[pluginID] = t
}

// Forget drops tracked state for a plugin, e.g. on unload.
func (m *Meter) Forget(pluginID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.thresholds, pluginID)
	delete(m.peakRSS, pluginID)
	delete(m.lastNet, pluginID)
}

// Start begins periodic sampling for the given plugin ids. Plugins can be
// added later by calling Sample directly, or by restarting the loop with
// an updated list via Start after Stop.
func (m *Meter) Start(ctx context.Context, pluginIDs func() []string) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, id := range pluginIDs() {
					if _, err := m.Sample(id); err != nil {
						m.logger.Warn("resource sample failed", zap.String("plugin_id", id), zap.Error(err))
					}
				}
			}
		}
	}()
}

// Stop halts the periodic sampling loop and waits for it to exit.
func (m *Meter) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// Sample takes one observation for pluginID, emits it to the sink, and
// raises ResourceExceeded via onExceeded if any configured threshold is
// crossed. Deltas (network bytes) are clamped to >= 0 per §4.6/P4.
func (m *Meter) Sample(pluginID string) (Sample, error) {
	cpu, err := m.source.CPUPercent(pluginID)
	if err != nil {
		return Sample{}, err
	}
	rss, err := m.source.RSSMiB(pluginID)
	if err != nil {
		return Sample{}, err
	}
	threads, err := m.source.ThreadCount(pluginID)
	if err != nil {
		return Sample{}, err
	}
	disk, err := m.source.DiskMiB(pluginID)
	if err != nil {
		return Sample{}, err
	}

	var netIn, netOut uint64
	if m.network != nil {
		cumIn, cumOut, err := m.network.CumulativeBytes(pluginID)
		if err != nil {
			return Sample{}, err
		}
		netIn, netOut = cumIn, cumOut
	}

	m.mu.Lock()
	peak := m.peakRSS[pluginID]
	if rss > peak {
		peak = rss
		m.peakRSS[pluginID] = peak
	}

	prev, seen := m.lastNet[pluginID]
	var deltaIn, deltaOut uint64
	if seen {
		deltaIn = clampedDelta(netIn, prev[0])
		deltaOut = clampedDelta(netOut, prev[1])
	}
	m.lastNet[pluginID] = [2]uint64{netIn, netOut}
	threshold := m.thresholds[pluginID]
	m.mu.Unlock()

	sample := Sample{
		Epoch:       time.Now(),
		PluginID:    pluginID,
		CPUPercent:  cpu,
		RSSMiB:      rss,
		PeakRSSMiB:  peak,
		ThreadCount: threads,
		DiskMiB:     disk,
		NetBytesIn:  deltaIn,
		NetBytesOut: deltaOut,
	}

	if m.sink != nil {
		m.sink.RecordSample(sample)
	}

	m.checkThreshold(pluginID, sample, threshold)
	return sample, nil
}

func (m *Meter) checkThreshold(pluginID string, s Sample, t Threshold) {
	if m.onExceeded == nil {
		return
	}
	switch {
	case t.MaxCPUPercent > 0 && s.CPUPercent > t.MaxCPUPercent:
		m.onExceeded(pluginID, "cpu", s)
	case t.MaxRSSMiB > 0 && s.RSSMiB > t.MaxRSSMiB:
		m.onExceeded(pluginID, "memory", s)
	case t.MaxThreads > 0 && s.ThreadCount > t.MaxThreads:
		m.onExceeded(pluginID, "threads", s)
	case t.MaxDiskMiB > 0 && s.DiskMiB > t.MaxDiskMiB:
		m.onExceeded(pluginID, "disk", s)
	}
}

// clampedDelta returns max(0, cur-prev), tolerating counter resets where
// cur < prev (e.g. the interface counter wrapped or was reset).
func clampedDelta(cur, prev uint64) uint64 {
	if cur < prev {
		return 0
	}
	return cur - prev
}
