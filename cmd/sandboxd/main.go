// Copyright 2025 James Ross
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/connectias/sandboxcore/internal/bundle"
	"github.com/connectias/sandboxcore/internal/ipcproto"
	"github.com/connectias/sandboxcore/internal/obs"
	"github.com/connectias/sandboxcore/internal/sandboxproc"
)

func main() {
	var pluginID, bundleDir, digest, controlSock string

	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&pluginID, "plugin-id", "", "Plugin id this process is running")
	fs.StringVar(&bundleDir, "bundle-dir", "", "Path to the plugin's bundle directory")
	fs.StringVar(&digest, "digest", "", "Content digest the host computed for this bundle, hex encoded")
	fs.StringVar(&controlSock, "control-sock", "", "Unix socket path for the host control connection")
	_ = fs.Parse(os.Args[1:])

	logger, err := obs.NewLogger("info")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logger = logger.With(obs.String("plugin_id", pluginID))

	if pluginID == "" || bundleDir == "" || controlSock == "" {
		logger.Fatal("missing required flag(s)", obs.String("usage", "--plugin-id --bundle-dir --control-sock"))
	}

	b, err := bundle.Load(bundleDir)
	if err != nil {
		logger.Fatal("load bundle", obs.Err(err))
	}
	if digest != "" && digest != b.DigestHex() {
		logger.Warn("content digest mismatch against host-supplied value",
			obs.String("host_digest", digest), obs.String("local_digest", b.DigestHex()))
	}

	conn, err := net.Dial("unix", controlSock)
	if err != nil {
		logger.Fatal("dial control socket", obs.Err(err))
	}
	ipcConn := ipcproto.NewConn(conn, nil, nil)
	defer ipcConn.Close()

	sessionToken, err := handshake(ipcConn, pluginID, b)
	if err != nil {
		logger.Fatal("handshake", obs.Err(err))
	}
	logger.Info("handshake complete")

	proxy := sandboxproc.NewBrokerProxy(ipcConn, sessionToken)
	loader := sandboxproc.NewPluginLoader(logger)
	source, err := loader.LoadEntryPoint(b)
	if err != nil {
		logger.Fatal("load entry point", obs.Err(err))
	}

	runtime := sandboxproc.NewRuntime(proxy, logger)
	defer runtime.Close()

	if err := runtime.RunEntryPoint(string(source)); err != nil {
		logger.Error("entry point execution failed", obs.Err(err))
	}

	// The entry point's main() runs once to register handlers and perform
	// any startup work; the process itself stays alive until the
	// supervisor stops it (Process.Stop sends SIGTERM, escalating to
	// SIGKILL after the grace period), matching the Running state in the
	// supervisor's lifecycle state machine.
	waitForShutdown(logger)
}

func handshake(conn *ipcproto.Conn, pluginID string, b *bundle.Bundle) (uint64, error) {
	req := ipcproto.HandshakeRequest{
		PluginID:      pluginID,
		ContentDigest: b.DigestHex(),
		PID:           os.Getpid(),
	}
	raw, err := conn.Call(ipcproto.MethodHandshake, req)
	if err != nil {
		return 0, err
	}
	var resp ipcproto.HandshakeResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return 0, fmt.Errorf("sandboxd: decode handshake response: %w", err)
	}
	return resp.SessionToken, nil
}

func waitForShutdown(logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("signal received, exiting", obs.String("signal", sig.String()))
}
