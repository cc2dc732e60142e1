// Package securewrapper implements the seven-step call path every broker
// method in internal/brokers runs a plugin call through before it reaches
// broker logic: verify identity, check capability, consume a rate-limit
// token, normalize/validate input, delegate to the broker, meter the
// effect, and conditionally emit an audit event.
package securewrapper

import (
	"context"
	"time"

	"github.com/connectias/sandboxcore/internal/analytics"
	"github.com/connectias/sandboxcore/internal/capability"
	"github.com/connectias/sandboxcore/internal/identity"
	"github.com/connectias/sandboxcore/internal/obs"
	"github.com/connectias/sandboxcore/internal/ratelimit"
	"github.com/connectias/sandboxcore/internal/resourcemeter"
	"github.com/connectias/sandboxcore/internal/sandboxerr"
)

// Call carries everything a SecureWrapper needs to authorize and account
// for one plugin-initiated broker call.
type Call struct {
	Token      identity.Token
	ClaimedID  string // plugin id the caller claims to be, from the IPC envelope
	Method     string
	Capability capability.Capability
}

// Normalizer validates/normalizes a call's input before it reaches the
// broker — e.g. path containment for the filesystem broker, HTTPS
// enforcement for the hardware broker. Returning an error aborts the call
// before the broker (or its resource meter/audit entry) ever sees it.
type Normalizer func(pluginID string) error

// Delegate is the broker operation itself, invoked only once every prior
// step has passed.
type Delegate func(pluginID string) (interface{}, error)

// Wrapper composes the shared identity/capability/rate-limit/metering/audit
// machinery so individual brokers only implement Normalizer and Delegate.
type Wrapper struct {
	Identity  *identity.Registry
	Caps      *capability.Manager
	Limiter   *ratelimit.Limiter
	Meter     *resourcemeter.Meter
	Analytics *analytics.Store
}

// Invoke runs the full seven-step path for one call and returns the
// delegate's result, or a *sandboxerr.Error describing which step failed.
func (w *Wrapper) Invoke(ctx context.Context, call Call, normalize Normalizer, delegate Delegate) (interface{}, error) {
	// Step 1: verify identity. The token is the sole source of truth;
	// a claimed id that disagrees with what the token resolves to is
	// always a spoofing attempt, never a benign mismatch.
	pluginID, ok := w.Identity.Verify(call.Token)
	if !ok {
		return nil, sandboxerr.New(sandboxerr.IdentityMismatch, "unknown or expired session token")
	}
	if call.ClaimedID != "" && call.ClaimedID != pluginID {
		w.recordSecurity(pluginID, "SPOOFING_ATTEMPT", "claimed id did not match verified session")
		return nil, sandboxerr.New(sandboxerr.IdentityMismatch, "claimed plugin id does not match session")
	}

	// Step 2: capability check.
	if call.Capability != "" && !w.Caps.IsGranted(pluginID, call.Capability) {
		obs.CapabilityDeniedTotal.WithLabelValues(string(call.Capability)).Inc()
		return nil, sandboxerr.New(sandboxerr.CapabilityDenied, "capability not granted: "+string(call.Capability))
	}

	// Step 3: rate-limit consume.
	if w.Limiter != nil {
		if err := w.Limiter.Allow(ctx, call.Method, pluginID); err != nil {
			obs.RateLimitedTotal.WithLabelValues(call.Method).Inc()
			return nil, err
		}
	}

	// Step 4: input normalization/validation.
	if normalize != nil {
		if err := normalize(pluginID); err != nil {
			return nil, err
		}
	}

	// Step 5: delegate to the broker.
	result, err := delegate(pluginID)
	obs.BrokerCallsTotal.WithLabelValues(call.Method).Inc()

	// Step 6: meter the effect. Besides the meter's own schedule, every call
	// takes one sample of the plugin here, which goes to the meter's sink
	// and threshold check like any other sample. Neither a sample error nor
	// a crossed threshold changes this call's result.
	if w.Meter != nil {
		if _, sampleErr := w.Meter.Sample(pluginID); sampleErr != nil {
			// The meter itself tracks no per-call policy; absence of a
			// sample source simply means metering is not wired for this
			// plugin yet, which is not a call failure.
			_ = sampleErr
		}
	}

	// Step 7: conditionally emit an audit event. Only calls that changed
	// plugin-visible state or failed get recorded; pure reads that
	// succeeded are not audit-worthy on their own.
	if err != nil || isMutating(call.Method) {
		w.recordPerformance(pluginID, call.Method, err)
	}

	return result, err
}

func (w *Wrapper) recordSecurity(pluginID, kind, detail string) {
	obs.AuditEventsTotal.WithLabelValues(string(analytics.StreamSecurityEvent)).Inc()
	if w.Analytics == nil {
		return
	}
	_ = w.Analytics.Append(analytics.StreamSecurityEvent, analytics.Record{
		Timestamp: time.Now(),
		PluginID:  pluginID,
		Fields: map[string]interface{}{
			"kind":   kind,
			"detail": detail,
		},
	})
}

func (w *Wrapper) recordPerformance(pluginID, method string, callErr error) {
	obs.AuditEventsTotal.WithLabelValues(string(analytics.StreamPerformance)).Inc()
	if w.Analytics == nil {
		return
	}
	fields := map[string]interface{}{
		"method": method,
	}
	if callErr != nil {
		fields["error_code"] = string(sandboxerr.CodeOf(callErr))
	}
	_ = w.Analytics.Append(analytics.StreamPerformance, analytics.Record{
		Timestamp: time.Now(),
		PluginID:  pluginID,
		Fields:    fields,
	})
}

// isMutating reports whether method is expected to change state visible to
// the plugin or host, as opposed to a pure read.
func isMutating(method string) bool {
	switch method {
	case "ping", "getLoaded", "getMetadata", "getPid", "getMemoryUsage",
		"getMaxMemory", "getPluginMemoryUsage", "fileExists", "listFiles",
		"getFileSize", "getPairedBluetoothDevices", "getAvailablePrinters",
		// dotted forms are the live broker-call method names; the short
		// forms above remain for the admin control protocol.
		"fs.fileExists", "fs.listFiles", "fs.getFileSize",
		"hw.getPairedBluetoothDevices", "hw.getAvailablePrinters",
		"msg.receiveMessages":
		return false
	default:
		return true
	}
}
