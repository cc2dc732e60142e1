package hostapi

import (
	"time"

	"github.com/connectias/sandboxcore/internal/analytics"
	"github.com/connectias/sandboxcore/internal/obs"
	"github.com/connectias/sandboxcore/internal/resourcemeter"
)

// analyticsMeterSink adapts resourcemeter.Sink onto the AnalyticsStore's
// performance stream, so every periodic resource sample is durable
// alongside the per-call performance records securewrapper appends.
type analyticsMeterSink struct {
	store *analytics.Store
}

func (s *analyticsMeterSink) RecordSample(sample resourcemeter.Sample) {
	_ = s.store.Append(analytics.StreamPerformance, analytics.Record{
		Timestamp: sample.Epoch,
		PluginID:  sample.PluginID,
		Fields: map[string]interface{}{
			"cpu_percent":   sample.CPUPercent,
			"rss_mib":       sample.RSSMiB,
			"peak_rss_mib":  sample.PeakRSSMiB,
			"thread_count":  sample.ThreadCount,
			"disk_mib":      sample.DiskMiB,
			"net_bytes_in":  sample.NetBytesIn,
			"net_bytes_out": sample.NetBytesOut,
		},
	})
}

// onResourceExceeded builds the resourcemeter.ExceededFunc wired into New:
// it records a security_event audit entry and bumps the Prometheus
// counter. Nothing else reacts to the event: the supervisor does not
// unload, throttle, or warn the offending plugin.
func onResourceExceeded(store *analytics.Store) resourcemeter.ExceededFunc {
	return func(pluginID, kind string, sample resourcemeter.Sample) {
		obs.ResourceExceededTotal.WithLabelValues(kind).Inc()
		_ = store.Append(analytics.StreamSecurityEvent, analytics.Record{
			Timestamp: time.Now(),
			PluginID:  pluginID,
			Fields: map[string]interface{}{
				"kind":   "RESOURCE_EXCEEDED",
				"detail": kind,
			},
		})
	}
}
