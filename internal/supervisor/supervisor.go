// Package supervisor owns the lifecycle of sandbox child processes: load,
// unload, ping, and crash detection, per spec §4.1's
// Spawning→Handshaking→Running→Draining→Dead(+Failed) state machine.
package supervisor

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/connectias/sandboxcore/internal/analytics"
	"github.com/connectias/sandboxcore/internal/bundle"
	"github.com/connectias/sandboxcore/internal/identity"
	"github.com/connectias/sandboxcore/internal/obs"
	"github.com/connectias/sandboxcore/internal/resourcemeter"
	"github.com/connectias/sandboxcore/internal/sandboxerr"
)

// Launcher starts one sandbox child process and returns a handle to its
// lifetime. Production code spawns cmd/sandboxd; tests supply a fake.
type Launcher interface {
	// Launch starts the sandbox process for b and returns once a process
	// is running (not once it has finished handshaking). done is closed
	// when the process exits for any reason.
	Launch(ctx context.Context, b *bundle.Bundle) (proc Process, done <-chan struct{}, err error)
}

// Process is the minimal handle a Launcher hands back for one running
// sandbox child process.
type Process interface {
	Pid() int
	// Stop asks the process to exit, escalating to a hard kill once grace
	// elapses without the process exiting on its own.
	Stop(grace time.Duration) error
}

// Instance is a snapshot of one sandbox's lifecycle state, safe to read
// after copying out of the supervisor's lock.
type Instance struct {
	PluginID string
	State    State
	Pid      int
	LoadedAt time.Time
}

// ExecLauncher spawns cmd/sandboxd as a real OS child process, passing the
// plugin id, bundle directory, hex content digest and control socket path
// as command-line flags. Declared capabilities are not passed, and the
// child inherits no file descriptor for the bundle.
type ExecLauncher struct {
	BinaryPath        string
	ControlSocketPath string
}

func (l *ExecLauncher) Launch(ctx context.Context, b *bundle.Bundle) (Process, <-chan struct{}, error) {
	cmd := exec.CommandContext(ctx, l.BinaryPath,
		"--plugin-id", b.Manifest.PluginID,
		"--bundle-dir", b.RootDir,
		"--digest", b.DigestHex(),
		"--control-sock", l.ControlSocketPath,
	)
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("supervisor: spawn sandbox process: %w", err)
	}

	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()

	return &execProcess{cmd: cmd}, done, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Pid() int { return p.cmd.Process.Pid }

func (p *execProcess) Stop(grace time.Duration) error {
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return p.cmd.Process.Kill()
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	exited := make(chan struct{})
	go func() {
		_, _ = p.cmd.Process.Wait()
		close(exited)
	}()
	select {
	case <-exited:
		return nil
	case <-timer.C:
		return p.cmd.Process.Kill()
	}
}

// Supervisor manages the set of live sandbox instances for one host
// process. load/unload/ping are linearized per plugin id (spec §5's
// per-plugin FIFO ordering requirement); distinct plugin ids proceed
// concurrently.
type Supervisor struct {
	launcher         Launcher
	identity         *identity.Registry
	meter            *resourcemeter.Meter
	store            *analytics.Store
	handshakeTimeout time.Duration
	maxSandboxes     int
	logger           *zap.Logger

	// HandshakeFunc supplies the claimed OS credential and content digest a
	// sandbox child presents during its handshake. internal/hostapi sets it
	// to its control-socket handshake server; it is a seam so tests can
	// simulate a handshake without spawning a process.
	HandshakeFunc func(ctx context.Context, pluginID string) (identity.OSCredential, [32]byte, error)

	mu        sync.Mutex
	instances map[string]*instanceEntry
	locks     map[string]*sync.Mutex // per-plugin-id ordering lock
}

type instanceEntry struct {
	mu       sync.Mutex
	state    State
	proc     Process
	done     <-chan struct{}
	loadedAt time.Time
	cancel   context.CancelFunc
}

func New(launcher Launcher, reg *identity.Registry, meter *resourcemeter.Meter, store *analytics.Store, handshakeTimeout time.Duration, maxSandboxes int, logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		launcher:         launcher,
		identity:         reg,
		meter:            meter,
		store:            store,
		handshakeTimeout: handshakeTimeout,
		maxSandboxes:     maxSandboxes,
		logger:           logger,
		instances:        make(map[string]*instanceEntry),
		locks:            make(map[string]*sync.Mutex),
	}
}

func (s *Supervisor) pluginLock(pluginID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[pluginID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[pluginID] = l
	}
	return l
}

// Load spawns a fresh sandbox instance for b and drives it from Spawning
// through Handshaking to Running. Satisfies law L2: a prior Unload for the
// same plugin id always yields a brand-new instance with a zeroed resource
// history, since instances are never reused across load calls.
func (s *Supervisor) Load(ctx context.Context, b *bundle.Bundle) (*Instance, error) {
	lock := s.pluginLock(b.Manifest.PluginID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	if existing, ok := s.instances[b.Manifest.PluginID]; ok {
		existing.mu.Lock()
		alreadyLive := !existing.state.terminal()
		existing.mu.Unlock()
		if alreadyLive {
			s.mu.Unlock()
			return nil, sandboxerr.New(sandboxerr.InvalidArgument, "plugin already loaded")
		}
	}
	if len(s.liveInstancesLocked()) >= s.maxSandboxes {
		s.mu.Unlock()
		return nil, sandboxerr.New(sandboxerr.ResourceExceeded, "max sandboxes reached")
	}
	s.mu.Unlock()

	entry := &instanceEntry{state: Spawning, loadedAt: time.Now()}
	s.mu.Lock()
	s.instances[b.Manifest.PluginID] = entry
	s.mu.Unlock()
	obs.ActiveSandboxes.Inc()

	launchCtx, cancel := context.WithCancel(context.Background())
	entry.cancel = cancel

	proc, done, err := s.launcher.Launch(launchCtx, b)
	if err != nil {
		entry.mu.Lock()
		entry.state = Failed
		entry.mu.Unlock()
		cancel()
		obs.ActiveSandboxes.Dec()
		return nil, sandboxerr.Wrap(sandboxerr.Internal, "spawn failed", err)
	}
	entry.mu.Lock()
	entry.proc = proc
	entry.done = done
	entry.state = Handshaking
	entry.mu.Unlock()

	go s.watchCrash(b.Manifest.PluginID, entry)

	hsCtx, hsCancel := context.WithTimeout(ctx, s.handshakeTimeout)
	defer hsCancel()
	cred, gotDigest, err := s.awaitHandshake(hsCtx, b.Manifest.PluginID)
	if err != nil {
		_ = proc.Stop(time.Second)
		entry.mu.Lock()
		entry.state = Failed
		entry.mu.Unlock()
		obs.ActiveSandboxes.Dec()
		return nil, sandboxerr.Wrap(sandboxerr.Timeout, "handshake timed out", err)
	}

	if _, err := s.identity.Attest(b.Manifest.PluginID, b.Digest, gotDigest, cred); err != nil {
		_ = proc.Stop(time.Second)
		entry.mu.Lock()
		entry.state = Failed
		entry.mu.Unlock()
		obs.ActiveSandboxes.Dec()
		s.recordSecurityEvent(b.Manifest.PluginID, "SPOOFING_ATTEMPT", err.Error())
		return nil, sandboxerr.Wrap(sandboxerr.IdentityMismatch, "handshake identity mismatch", err)
	}

	entry.mu.Lock()
	entry.state = Running
	entry.mu.Unlock()

	s.logger.Info("sandbox running", zap.String("plugin_id", b.Manifest.PluginID), zap.Int("pid", proc.Pid()))

	return &Instance{
		PluginID: b.Manifest.PluginID,
		State:    Running,
		Pid:      proc.Pid(),
		LoadedAt: entry.loadedAt,
	}, nil
}

func (s *Supervisor) awaitHandshake(ctx context.Context, pluginID string) (identity.OSCredential, [32]byte, error) {
	if s.HandshakeFunc != nil {
		return s.HandshakeFunc(ctx, pluginID)
	}
	return identity.OSCredential{}, [32]byte{}, sandboxerr.New(sandboxerr.Internal, "no handshake source configured")
}

func (s *Supervisor) watchCrash(pluginID string, entry *instanceEntry) {
	<-entry.done
	entry.mu.Lock()
	wasRunning := entry.state == Running || entry.state == Handshaking
	if entry.state != Draining {
		entry.state = Dead
	}
	entry.mu.Unlock()
	obs.ActiveSandboxes.Dec()
	s.identity.Close(pluginID)
	if s.meter != nil {
		s.meter.Forget(pluginID)
	}
	if wasRunning {
		obs.SandboxCrashTotal.Inc()
		s.recordSecurityEvent(pluginID, "SANDBOX_CRASH", "sandbox process exited unexpectedly")
	}
}

func (s *Supervisor) recordSecurityEvent(pluginID, kind, detail string) {
	obs.AuditEventsTotal.WithLabelValues(string(analytics.StreamSecurityEvent)).Inc()
	if s.store == nil {
		return
	}
	_ = s.store.Append(analytics.StreamSecurityEvent, analytics.Record{
		Timestamp: time.Now(),
		PluginID:  pluginID,
		Fields: map[string]interface{}{
			"kind":   kind,
			"detail": detail,
		},
	})
}

// Unload transitions a Running instance through Draining to Dead and stops
// its process, giving it grace to exit cooperatively first.
func (s *Supervisor) Unload(ctx context.Context, pluginID string, grace time.Duration) error {
	lock := s.pluginLock(pluginID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	entry, ok := s.instances[pluginID]
	s.mu.Unlock()
	if !ok {
		return sandboxerr.New(sandboxerr.NotFound, "plugin not loaded")
	}

	entry.mu.Lock()
	if entry.state.terminal() {
		entry.mu.Unlock()
		return nil // already gone; unload is idempotent
	}
	entry.state = Draining
	proc := entry.proc
	cancel := entry.cancel
	entry.mu.Unlock()

	if proc != nil {
		_ = proc.Stop(grace)
	}

	<-entry.done

	entry.mu.Lock()
	entry.state = Dead
	entry.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	return nil
}

// Ping reports whether pluginID's instance is currently Running.
func (s *Supervisor) Ping(pluginID string) bool {
	s.mu.Lock()
	entry, ok := s.instances[pluginID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.state == Running
}

// GetLoaded returns the plugin ids of every non-terminal instance.
func (s *Supervisor) GetLoaded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liveInstancesLocked()
}

func (s *Supervisor) liveInstancesLocked() []string {
	var out []string
	for id, entry := range s.instances {
		entry.mu.Lock()
		live := !entry.state.terminal()
		entry.mu.Unlock()
		if live {
			out = append(out, id)
		}
	}
	return out
}

// PidOf reports the OS process id of pluginID's current sandbox instance,
// for the resourcemeter.Source implementation to key /proc lookups on.
func (s *Supervisor) PidOf(pluginID string) (int, bool) {
	s.mu.Lock()
	entry, ok := s.instances[pluginID]
	s.mu.Unlock()
	if !ok {
		return 0, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.proc == nil || entry.state.terminal() {
		return 0, false
	}
	return entry.proc.Pid(), true
}

// State returns the current lifecycle state of pluginID's instance.
func (s *Supervisor) State(pluginID string) (State, bool) {
	s.mu.Lock()
	entry, ok := s.instances[pluginID]
	s.mu.Unlock()
	if !ok {
		return 0, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.state, true
}
