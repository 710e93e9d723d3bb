package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SandboxesByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "orch_sandboxes_by_state",
		Help: "Number of sandbox records by lifecycle state.",
	}, []string{"state"})

	EnsureRunningTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orch_ensure_running_total",
		Help: "Total number of ensure_running calls by outcome.",
	}, []string{"outcome"})

	EnsureRunningDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "orch_ensure_running_duration_seconds",
		Help:    "Duration of ensure_running calls, cold and warm paths alike.",
		Buckets: prometheus.DefBuckets,
	})

	IdleReapTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orch_idle_reap_total",
		Help: "Total number of sandboxes stopped by the idle reaper.",
	})

	HealthReconcileErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orch_health_reconcile_errors_total",
		Help: "Total number of sandboxes transitioned to error by the health reconciler.",
	})

	ProxyRetryTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orch_proxy_retry_total",
		Help: "Total number of upstream proxy retries by error classifier.",
	}, []string{"classifier"})

	ProxyTurnsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orch_proxy_turns_total",
		Help: "Total number of completed agent turns observed by the SSE proxy.",
	})

	AlertsDispatchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orch_alerts_dispatched_total",
		Help: "Total number of alerts dispatched through the push channel, by outcome.",
	}, []string{"outcome"})

	ProbeWaitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "orch_probe_wait_duration_seconds",
		Help:    "Time spent waiting for a sandbox gateway to become ready.",
		Buckets: prometheus.DefBuckets,
	})
)
