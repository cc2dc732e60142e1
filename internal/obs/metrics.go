// Copyright 2025 James Ross
package obs

import (
	"fmt"
	"net/http"

	"github.com/connectias/sandboxcore/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	BrokerCallsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_calls_total",
		Help: "Total broker calls accepted by a SecureWrapper, by method",
	}, []string{"method"})
	RateLimitedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rate_limited_total",
		Help: "Total calls rejected by the rate limiter, by method",
	}, []string{"method"})
	CapabilityDeniedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "capability_denied_total",
		Help: "Total calls rejected for lacking a granted capability, by capability",
	}, []string{"capability"})
	ResourceExceededTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "resource_exceeded_total",
		Help: "Total ResourceExceeded audit events, by resource kind",
	}, []string{"kind"})
	SandboxCrashTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sandbox_crash_total",
		Help: "Total sandbox process crashes detected by the supervisor",
	})
	ActiveSandboxes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "active_sandboxes",
		Help: "Current number of sandboxes in the Running state",
	})
	AuditEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_events_total",
		Help: "Total audit events appended to the AnalyticsStore, by stream",
	}, []string{"stream"})
	LoggingBreakerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "logging_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open",
	})
	LoggingBreakerTrips = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "logging_breaker_trips_total",
		Help: "Count of times the logging broker's circuit breaker transitioned to Open",
	})
	FlowStepLimitExceededTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flow_step_limit_exceeded_total",
		Help: "Total FlowInterpreter runs aborted for exceeding the step limit",
	})
)

func init() {
	prometheus.MustRegister(
		BrokerCallsTotal,
		RateLimitedTotal,
		CapabilityDeniedTotal,
		ResourceExceededTotal,
		SandboxCrashTotal,
		ActiveSandboxes,
		AuditEventsTotal,
		LoggingBreakerState,
		LoggingBreakerTrips,
		FlowStepLimitExceededTotal,
	)
}

// StartMetricsServer exposes /metrics and returns a server for controlled
// shutdown. Retained for compatibility; StartHTTPServer also registers
// health endpoints and is preferred for new call sites.
func StartMetricsServer(cfg *config.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
