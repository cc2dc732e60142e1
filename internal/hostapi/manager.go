// Package hostapi assembles every host-process subsystem — identity,
// capability, rate-limiting, resource metering, analytics, the four
// brokers, and the supervisor — behind one Manager, and serves the unix
// control socket and admin HTTP/websocket surface that tie them to a
// running sandbox fleet.
package hostapi

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/connectias/sandboxcore/internal/analytics"
	"github.com/connectias/sandboxcore/internal/brokers/fs"
	"github.com/connectias/sandboxcore/internal/brokers/hardware"
	"github.com/connectias/sandboxcore/internal/brokers/logging"
	"github.com/connectias/sandboxcore/internal/brokers/messaging"
	"github.com/connectias/sandboxcore/internal/bundle"
	"github.com/connectias/sandboxcore/internal/capability"
	"github.com/connectias/sandboxcore/internal/config"
	"github.com/connectias/sandboxcore/internal/export"
	"github.com/connectias/sandboxcore/internal/identity"
	"github.com/connectias/sandboxcore/internal/ratelimit"
	"github.com/connectias/sandboxcore/internal/resourcemeter"
	"github.com/connectias/sandboxcore/internal/sandboxerr"
	"github.com/connectias/sandboxcore/internal/securewrapper"
	"github.com/connectias/sandboxcore/internal/supervisor"
)

// Manager is the host-process singleton wiring every subsystem together.
// cmd/hostd builds exactly one of these at startup.
type Manager struct {
	cfg    *config.Config
	logger *zap.Logger

	Identity   *identity.Registry
	Caps       *capability.Manager
	Limiter    *ratelimit.Limiter
	Meter      *resourcemeter.Meter
	Analytics  *analytics.Store
	FS         *fs.Broker
	Hardware   *hardware.Broker
	Messaging  *messaging.Broker
	Logging    *logging.Broker
	Supervisor *supervisor.Supervisor

	wrapper        *securewrapper.Wrapper
	handshakeSrv   *handshakeServer
	logPersister   *filePersister
	compactCron    *cron.Cron
	admin          *adminServer
	exportUploader export.Uploader
}

// New builds a Manager from cfg but does not yet start listening; call
// Start to open the control socket, admin surface, and background loops.
func New(cfg *config.Config, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	identityReg := identity.NewRegistry(logger)
	caps := capability.NewManager(logger)

	var limiterOpts []ratelimit.Option
	if cfg.RateLimit.Backend == "redis" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RateLimit.RedisAddr})
		limiterOpts = append(limiterOpts, ratelimit.WithRedis(client))
	}
	limiter := ratelimit.New(logger, limiterOpts...)

	var sinks []analytics.Sink
	var exportUploader export.Uploader
	if cfg.Analytics.ClickHouse.Enabled {
		sink, err := analytics.NewClickHouseSink(analytics.ClickHouseConfig{
			DSN:      cfg.Analytics.ClickHouse.DSN,
			Database: cfg.Analytics.ClickHouse.Database,
			Table:    cfg.Analytics.ClickHouse.Table,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("hostapi: clickhouse sink: %w", err)
		}
		sinks = append(sinks, sink)
	}
	if cfg.Analytics.S3.Enabled {
		sink, err := analytics.NewS3Sink(analytics.S3Config{
			Bucket:    cfg.Analytics.S3.Bucket,
			Region:    cfg.Analytics.S3.Region,
			KeyPrefix: cfg.Analytics.S3.KeyPrefix,
			Endpoint:  cfg.Analytics.S3.Endpoint,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("hostapi: s3 sink: %w", err)
		}
		sinks = append(sinks, sink)
		if cfg.Export.UploadToS3 {
			exportUploader = sink
		}
	}

	store, err := analytics.Open(cfg.Analytics.Dir, time.Duration(cfg.Analytics.RetentionDays)*24*time.Hour, logger, sinks...)
	if err != nil {
		return nil, fmt.Errorf("hostapi: open analytics store: %w", err)
	}
	compactCron, err := analytics.ScheduleCompaction(store, logger)
	if err != nil {
		return nil, fmt.Errorf("hostapi: schedule compaction: %w", err)
	}

	// procSrc needs to look up a plugin's pid through the supervisor, but
	// the supervisor itself takes the meter built on top of procSrc as a
	// constructor argument; sup is declared first and captured by
	// reference so the closure resolves correctly once sup is assigned.
	var sup *supervisor.Supervisor
	procSrc := newProcSource(func(pluginID string) (int, bool) {
		return sup.PidOf(pluginID)
	})
	meter := resourcemeter.New(procSrc, procSrc, &analyticsMeterSink{store: store}, onResourceExceeded(store), logger, cfg.ResourceMeter.SampleInterval)

	controlSockPath := filepath.Join(cfg.Supervisor.BundleDir, "control.sock")
	launcher := &supervisor.ExecLauncher{BinaryPath: cfg.Supervisor.SandboxBinary, ControlSocketPath: controlSockPath}
	sup = supervisor.New(launcher, identityReg, meter, store, cfg.Supervisor.HandshakeTimeout, cfg.Supervisor.MaxSandboxes, logger)

	fsBroker := fs.New(cfg.Brokers.FileSystem.RootDir)
	hwBroker := hardware.New(30*time.Second, func(pluginID string) bool {
		return caps.IsGranted(pluginID, capability.NetHTTPInsecure)
	}, hardware.BreakerConfig{
		Window:        cfg.Brokers.Hardware.BreakerWindow,
		Cooldown:      cfg.Brokers.Hardware.BreakerCooldown,
		FailureThresh: cfg.Brokers.Hardware.BreakerFailureThresh,
		MinSamples:    cfg.Brokers.Hardware.BreakerMinSamples,
	})
	msgBroker := messaging.New(cfg.Brokers.Messaging.QueueCapacity, nil, store)

	persister, err := newFilePersister(filepath.Join(cfg.Analytics.Dir, "logs"))
	if err != nil {
		return nil, fmt.Errorf("hostapi: open log persister: %w", err)
	}
	logBroker := logging.New(persister, logger)

	wrapper := &securewrapper.Wrapper{
		Identity:  identityReg,
		Caps:      caps,
		Limiter:   limiter,
		Meter:     meter,
		Analytics: store,
	}

	m := &Manager{
		cfg:          cfg,
		logger:       logger,
		Identity:     identityReg,
		Caps:         caps,
		Limiter:      limiter,
		Meter:        meter,
		Analytics:    store,
		FS:           fsBroker,
		Hardware:     hwBroker,
		Messaging:    msgBroker,
		Logging:      logBroker,
		Supervisor:   sup,
		wrapper:        wrapper,
		logPersister:   persister,
		compactCron:    compactCron,
		exportUploader: exportUploader,
	}

	m.handshakeSrv = newHandshakeServer(logger, cfg.Supervisor.HandshakeTimeout, m.brokerHandler())
	sup.HandshakeFunc = m.handshakeSrv.awaitHandshake

	m.admin = newAdminServer(logger, caps)
	m.admin.export = m

	return m, nil
}

// controlSocketPath is the unix socket every ExecLauncher-spawned sandbox
// connects back to for its handshake and subsequent broker calls.
func (m *Manager) controlSocketPath() string {
	return filepath.Join(m.cfg.Supervisor.BundleDir, "control.sock")
}

// Start opens the control socket, the resource meter loop, the logging
// broker's persistence worker, and the admin HTTP/websocket surface.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.handshakeSrv.Listen(m.controlSocketPath()); err != nil {
		return err
	}
	m.Meter.Start(ctx, m.Supervisor.GetLoaded)
	m.Logging.Start(ctx)
	return m.admin.start(m.cfg.Observability.Admin.Port)
}

// Stop shuts down every background loop and closes owned resources, in
// roughly the reverse order Start opened them.
func (m *Manager) Stop(ctx context.Context) error {
	_ = m.admin.stop(ctx)
	m.compactCron.Stop()
	m.Logging.Stop()
	m.Meter.Stop()
	_ = m.handshakeSrv.Close()
	_ = m.logPersister.Close()
	return m.Analytics.Close()
}

// LoadPlugin loads the bundle rooted at bundleDir, drives the supervisor
// through its handshake, and (on success) registers the plugin with the
// messaging broker so it can send/receive from the moment it's running.
func (m *Manager) LoadPlugin(ctx context.Context, bundleDir string) (*supervisor.Instance, error) {
	b, err := bundle.Load(bundleDir)
	if err != nil {
		return nil, fmt.Errorf("hostapi: load bundle: %w", err)
	}

	for _, c := range b.Manifest.DeclaredCapabilities {
		if err := m.Caps.DeclareGrant(b.Manifest.PluginID, c); err != nil {
			m.logger.Warn("declared capability refused", zap.String("plugin_id", b.Manifest.PluginID),
				zap.String("capability", string(c)), zap.Error(err))
		}
	}

	instance, loadErr := m.Supervisor.Load(ctx, b)

	if loadErr != nil {
		m.handshakeSrv.resolve(b.Manifest.PluginID, 0, loadErr)
		return nil, loadErr
	}

	session, ok := m.Identity.Session(b.Manifest.PluginID)
	if !ok {
		err := sandboxerr.New(sandboxerr.Internal, "no session recorded after successful attest")
		m.handshakeSrv.resolve(b.Manifest.PluginID, 0, err)
		return nil, err
	}

	m.Messaging.RegisterPlugin(b.Manifest.PluginID)
	m.handshakeSrv.resolve(b.Manifest.PluginID, session.Token, nil)

	return instance, nil
}

// UnloadPlugin stops pluginID's sandbox and releases its broker-side state.
func (m *Manager) UnloadPlugin(ctx context.Context, pluginID string, grace time.Duration) error {
	if err := m.Supervisor.Unload(ctx, pluginID, grace); err != nil {
		return err
	}
	m.Messaging.UnregisterPlugin(pluginID)
	return nil
}

// RequestCapabilities asks the capability manager to request caps for
// pluginID and broadcasts any newly pending tickets to connected admin
// clients so a human operator can resolve them.
func (m *Manager) RequestCapabilities(ctx context.Context, pluginID string, caps []capability.Capability) (*capability.RequestTicket, error) {
	ticket, err := m.Caps.Request(ctx, pluginID, caps)
	if err != nil {
		return nil, err
	}
	m.admin.broadcast(permissionEvent{PluginID: pluginID, Capabilities: caps})
	return ticket, nil
}

// ExportPlugin builds the encrypted GDPR export container (spec §6) for
// pluginID's full analytics history, sealing it under passphrase. When
// cfg.Export.UploadToS3 is set and an S3 analytics sink is configured, the
// container is also uploaded and its object key returned as uploadRef.
func (m *Manager) ExportPlugin(pluginID, passphrase string) (container []byte, uploadRef string, err error) {
	records, err := export.CollectRecords(m.Analytics, pluginID, time.Time{})
	if err != nil {
		return nil, "", fmt.Errorf("hostapi: collect export records: %w", err)
	}

	container, err = export.Build(pluginID, passphrase, records, m.cfg.Export.PBKDF2Iterations)
	if err != nil {
		return nil, "", fmt.Errorf("hostapi: build export container: %w", err)
	}

	if m.cfg.Export.UploadToS3 && m.exportUploader != nil {
		uploadRef, err = m.exportUploader.UploadExportArchive(pluginID, container)
		if err != nil {
			return container, "", fmt.Errorf("hostapi: upload export container: %w", err)
		}
	}

	return container, uploadRef, nil
}
