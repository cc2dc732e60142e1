// Package hardware implements the hardware/network broker: HTTPS-enforced
// HTTP calls, raw sockets, Bluetooth device management, printers, and
// opaque file-handle I/O for large payloads, per spec §4.5.2.
package hardware

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/connectias/sandboxcore/internal/breaker"
	"github.com/connectias/sandboxcore/internal/sandboxerr"
)

// BreakerConfig tunes the sliding-window circuit breaker that guards
// outbound HTTP calls against a failing upstream. The zero value is
// replaced field-by-field with the Default* constants below.
type BreakerConfig struct {
	Window        time.Duration
	Cooldown      time.Duration
	FailureThresh float64
	MinSamples    int
}

// Defaults for the upstream-failure breaker: trip when at least half of
// the last 5+ requests in a 30s window failed, and probe again after a
// 10s cooldown. Distinct from the logging broker's consecutive-failure
// breaker (internal/breaker.ConsecutiveFailureBreaker), which tracks a
// single persistence backend rather than bursty third-party upstreams.
const (
	DefaultBreakerWindow        = 30 * time.Second
	DefaultBreakerCooldown      = 10 * time.Second
	DefaultBreakerFailureThresh = 0.5
	DefaultBreakerMinSamples    = 5
)

// FileHandle is an opaque, read-only handle to data passed between the
// plugin and the broker without ever materializing the whole payload in
// memory — spec §4.5.2's bound-memory requirement for large inputs and
// outputs.
type FileHandle struct {
	Open func() (io.ReadCloser, error)
	Size int64
}

// Device describes a paired Bluetooth device.
type Device struct {
	Address string
	Name    string
}

// Printer describes an available printer.
type Printer struct {
	Name string
}

// Broker performs HTTPS-enforced network I/O and hardware access on
// behalf of sandboxed plugins.
type Broker struct {
	client          *http.Client
	lowSecurityCap  func(pluginID string) bool // reports whether pluginID holds the low-security HTTP capability
	pairedDevices   []Device
	printers        []Printer
	connectedMu     map[string]bool
	upstreamBreaker *breaker.CircuitBreaker
	breakerCooldown time.Duration
}

// New builds a Broker. breakerCfg is optional (variadic so existing
// callers are unaffected); a zero-valued field within it falls back to
// the Default* breaker constants.
func New(timeout time.Duration, lowSecurityCap func(pluginID string) bool, breakerCfg ...BreakerConfig) *Broker {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	bc := BreakerConfig{
		Window:        DefaultBreakerWindow,
		Cooldown:      DefaultBreakerCooldown,
		FailureThresh: DefaultBreakerFailureThresh,
		MinSamples:    DefaultBreakerMinSamples,
	}
	if len(breakerCfg) > 0 {
		c := breakerCfg[0]
		if c.Window > 0 {
			bc.Window = c.Window
		}
		if c.Cooldown > 0 {
			bc.Cooldown = c.Cooldown
		}
		if c.FailureThresh > 0 {
			bc.FailureThresh = c.FailureThresh
		}
		if c.MinSamples > 0 {
			bc.MinSamples = c.MinSamples
		}
	}
	return &Broker{
		client:          &http.Client{Timeout: timeout},
		lowSecurityCap:  lowSecurityCap,
		connectedMu:     make(map[string]bool),
		upstreamBreaker: breaker.New(bc.Window, bc.Cooldown, bc.FailureThresh, bc.MinSamples),
		breakerCooldown: bc.Cooldown,
	}
}

// requireHTTPS enforces spec §4.5.2: URLs must be HTTPS unless the plugin
// holds an explicit low-security capability.
func (b *Broker) requireHTTPS(pluginID, rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, sandboxerr.New(sandboxerr.InvalidArgument, "invalid URL")
	}
	if u.Scheme != "https" {
		allowed := b.lowSecurityCap != nil && b.lowSecurityCap(pluginID)
		if !allowed {
			return nil, sandboxerr.New(sandboxerr.InvalidArgument, "only https URLs are permitted")
		}
	}
	return u, nil
}

// HTTPGet issues a GET request, returning the response body as an opaque
// handle rather than a buffered []byte.
func (b *Broker) HTTPGet(pluginID, rawURL string) (*FileHandle, int, error) {
	u, err := b.requireHTTPS(pluginID, rawURL)
	if err != nil {
		return nil, 0, err
	}
	if !b.upstreamBreaker.Allow() {
		return nil, 0, sandboxerr.NewRateLimited(b.breakerCooldown)
	}

	resp, err := b.client.Get(u.String())
	b.upstreamBreaker.Record(err == nil)
	if err != nil {
		return nil, 0, sandboxerr.Wrap(sandboxerr.Internal, "http get failed", err)
	}

	return &FileHandle{
		Open: func() (io.ReadCloser, error) { return resp.Body, nil },
		Size: resp.ContentLength,
	}, resp.StatusCode, nil
}

// HTTPPost issues a POST with data taken from an opaque handle, so a
// large request body is streamed rather than buffered.
func (b *Broker) HTTPPost(pluginID, rawURL string, data *FileHandle, contentType string) (*FileHandle, int, error) {
	u, err := b.requireHTTPS(pluginID, rawURL)
	if err != nil {
		return nil, 0, err
	}
	if data == nil {
		return nil, 0, sandboxerr.New(sandboxerr.InvalidArgument, "missing request body handle")
	}

	body, err := data.Open()
	if err != nil {
		return nil, 0, sandboxerr.Wrap(sandboxerr.Internal, "open request body", err)
	}
	defer body.Close()

	if !b.upstreamBreaker.Allow() {
		return nil, 0, sandboxerr.NewRateLimited(b.breakerCooldown)
	}

	resp, err := b.client.Post(u.String(), contentType, body)
	b.upstreamBreaker.Record(err == nil)
	if err != nil {
		return nil, 0, sandboxerr.Wrap(sandboxerr.Internal, "http post failed", err)
	}

	return &FileHandle{
		Open: func() (io.ReadCloser, error) { return resp.Body, nil },
		Size: resp.ContentLength,
	}, resp.StatusCode, nil
}

// OpenSocket opens a raw TCP connection to host:port. Plain TCP sockets
// are only reachable on loopback or with the low-security capability,
// mirroring the HTTPS-only policy for the rest of this broker.
func (b *Broker) OpenSocket(pluginID, host string, port int) (net.Conn, error) {
	if !isLoopback(host) && (b.lowSecurityCap == nil || !b.lowSecurityCap(pluginID)) {
		return nil, sandboxerr.New(sandboxerr.InvalidArgument, "raw sockets require the low-security network capability")
	}
	addr := fmt.Sprintf("%s:%d", host, port)
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return nil, sandboxerr.Wrap(sandboxerr.Internal, "dial failed", err)
	}
	return conn, nil
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// GetPairedBluetoothDevices returns the devices currently paired with the
// host.
func (b *Broker) GetPairedBluetoothDevices() []Device {
	return b.pairedDevices
}

// ConnectBluetoothDevice marks addr connected. addr must already be
// paired.
func (b *Broker) ConnectBluetoothDevice(addr string) error {
	for _, d := range b.pairedDevices {
		if d.Address == addr {
			b.connectedMu[addr] = true
			return nil
		}
	}
	return sandboxerr.New(sandboxerr.NotFound, "device not paired")
}

// DisconnectBluetoothDevice marks addr disconnected; disconnecting an
// already-disconnected device is not an error.
func (b *Broker) DisconnectBluetoothDevice(addr string) error {
	delete(b.connectedMu, addr)
	return nil
}

// GetAvailablePrinters lists printers known to the host.
func (b *Broker) GetAvailablePrinters() []Printer {
	return b.printers
}

// PrintDocument checks that printer is one of the known printers and reads
// data to the end; the document is not handed to a print spooler.
func (b *Broker) PrintDocument(printer string, data *FileHandle) error {
	found := false
	for _, p := range b.printers {
		if p.Name == printer {
			found = true
			break
		}
	}
	if !found {
		return sandboxerr.New(sandboxerr.NotFound, "printer not available")
	}
	if data == nil {
		return sandboxerr.New(sandboxerr.InvalidArgument, "missing document handle")
	}
	r, err := data.Open()
	if err != nil {
		return sandboxerr.Wrap(sandboxerr.Internal, "open document handle", err)
	}
	defer r.Close()
	// Actual spooling is host-UI-owned; draining the handle here only
	// validates that it is readable end to end.
	_, err = io.Copy(io.Discard, r)
	if err != nil {
		return sandboxerr.Wrap(sandboxerr.Internal, "read document", err)
	}
	return nil
}

// GetPluginFile rejects a path containing ".." with PathEscape. No shared
// plugin file store is configured, so every other path returns NotFound
// and no handle is ever returned.
func (b *Broker) GetPluginFile(path string) (*FileHandle, error) {
	if strings.Contains(path, "..") {
		return nil, sandboxerr.New(sandboxerr.PathEscape, "path must not contain ..")
	}
	return nil, sandboxerr.New(sandboxerr.NotFound, "no shared plugin file store configured")
}

// WriteTempFile returns data itself as the handle; nothing is copied to a
// temp location.
func (b *Broker) WriteTempFile(pluginID string, data *FileHandle) (*FileHandle, error) {
	if data == nil {
		return nil, sandboxerr.New(sandboxerr.InvalidArgument, "missing data handle")
	}
	return data, nil
}
