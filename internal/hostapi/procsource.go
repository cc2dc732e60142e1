package hostapi

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// PidLookup resolves a plugin id to its current sandbox process id. The
// supervisor is the source of truth; procSource never tracks pids itself.
type PidLookup func(pluginID string) (int, bool)

// procSource implements resourcemeter.Source and resourcemeter.NetworkTracker
// by reading /proc directly. There is no third-party process-metrics
// library in the example pack (no gopsutil or equivalent anywhere in
// go.mod), so this is one of the few components built on bare stdlib; see
// DESIGN.md.
type procSource struct {
	pidOf PidLookup
	clock clockHz

	mu       sync.Mutex
	lastCPU  map[string]cpuSample
}

type cpuSample struct {
	ticks uint64
	at    time.Time
}

// clockHz is USER_HZ, almost always 100 on Linux; exposed as a field only
// so tests can inject a fixed value instead of shelling out to getconf.
type clockHz float64

const defaultClockHz clockHz = 100

func newProcSource(pidOf PidLookup) *procSource {
	return &procSource{pidOf: pidOf, clock: defaultClockHz, lastCPU: make(map[string]cpuSample)}
}

func (p *procSource) statPath(pluginID string) (string, int, error) {
	pid, ok := p.pidOf(pluginID)
	if !ok {
		return "", 0, fmt.Errorf("procsource: no pid tracked for plugin %q", pluginID)
	}
	return filepath.Join("/proc", strconv.Itoa(pid), "stat"), pid, nil
}

// CPUPercent reports CPU usage since the previous call for this plugin,
// derived from the utime+stime tick delta in /proc/<pid>/stat. The first
// sample for a plugin always reports 0, matching resourcemeter's own
// delta-from-previous-sample convention for network bytes.
func (p *procSource) CPUPercent(pluginID string) (float64, error) {
	path, _, err := p.statPath(pluginID)
	if err != nil {
		return 0, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("procsource: read %s: %w", path, err)
	}
	utime, stime, err := parseStatTicks(string(data))
	if err != nil {
		return 0, err
	}
	ticks := utime + stime
	now := time.Now()

	p.mu.Lock()
	prev, seen := p.lastCPU[pluginID]
	p.lastCPU[pluginID] = cpuSample{ticks: ticks, at: now}
	p.mu.Unlock()

	if !seen || ticks < prev.ticks {
		return 0, nil
	}
	elapsed := now.Sub(prev.at).Seconds()
	if elapsed <= 0 {
		return 0, nil
	}
	deltaSeconds := float64(ticks-prev.ticks) / float64(p.clock)
	return (deltaSeconds / elapsed) * 100, nil
}

// parseStatTicks extracts utime (field 14) and stime (field 15) from a
// /proc/<pid>/stat line. The comm field (2) can itself contain spaces and
// parens, so fields are counted from the end rather than a naive split.
func parseStatTicks(line string) (utime, stime uint64, err error) {
	close := strings.LastIndexByte(line, ')')
	if close < 0 {
		return 0, 0, fmt.Errorf("procsource: malformed stat line")
	}
	rest := strings.Fields(line[close+1:])
	// rest[0] is state (field 3); utime is field 14, i.e. rest[11].
	const utimeIdx = 14 - 3
	const stimeIdx = 15 - 3
	if len(rest) <= stimeIdx {
		return 0, 0, fmt.Errorf("procsource: stat line too short")
	}
	utime, err = strconv.ParseUint(rest[utimeIdx], 10, 64)
	if err != nil {
		return 0, 0, err
	}
	stime, err = strconv.ParseUint(rest[stimeIdx], 10, 64)
	if err != nil {
		return 0, 0, err
	}
	return utime, stime, nil
}

// RSSMiB reads VmRSS from /proc/<pid>/status.
func (p *procSource) RSSMiB(pluginID string) (float64, error) {
	kb, err := p.statusField(pluginID, "VmRSS:")
	if err != nil {
		return 0, err
	}
	return kb / 1024, nil
}

func (p *procSource) statusField(pluginID, prefix string) (float64, error) {
	pid, ok := p.pidOf(pluginID)
	if !ok {
		return 0, fmt.Errorf("procsource: no pid tracked for plugin %q", pluginID)
	}
	path := filepath.Join("/proc", strconv.Itoa(pid), "status")
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("procsource: open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, prefix) {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		return strconv.ParseFloat(fields[1], 64)
	}
	return 0, fmt.Errorf("procsource: %s not found in %s", prefix, path)
}

// ThreadCount reads the Threads: line from /proc/<pid>/status.
func (p *procSource) ThreadCount(pluginID string) (int, error) {
	n, err := p.statusField(pluginID, "Threads:")
	return int(n), err
}

// DiskMiB is best-effort: procfs has no portable per-process disk-usage
// counter without cgroup v2 io.stat, which isn't guaranteed mounted, so
// this always reports 0 rather than guessing. The resource meter still
// samples it on schedule; a future cgroup-aware host can replace this
// field without touching the Source interface.
func (p *procSource) DiskMiB(pluginID string) (float64, error) {
	return 0, nil
}

// CumulativeBytes is also best-effort 0: per-process network byte counts
// require either cgroup net_cls accounting or a netns-per-sandbox split,
// neither of which this host process assumes. resourcemeter's delta/clamp
// logic tolerates a source that never advances.
func (p *procSource) CumulativeBytes(pluginID string) (in, out uint64, err error) {
	return 0, 0, nil
}
