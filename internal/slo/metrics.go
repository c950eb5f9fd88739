package slo

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes the SLO core's SLI values, burn rate and alert counts to
// Prometheus, the same promauto-registered-Vec pattern the tracing metrics
// of the reference observability package use.
type Metrics struct {
	SLIValue      *prometheus.GaugeVec
	BurnRate      *prometheus.GaugeVec
	AlertsRaised  *prometheus.CounterVec
}

// NewMetrics registers and returns a Metrics under namespace. Call this
// once per process; registering the same namespace twice panics, matching
// promauto's own collision behavior.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "ap_invoice_engine"
	}
	return &Metrics{
		SLIValue: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "slo",
				Name:      "sli_value",
				Help:      "Most recently recorded SLI value per SLO",
			},
			[]string{"slo_name"},
		),
		BurnRate: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "slo",
				Name:      "burn_rate",
				Help:      "Most recently computed error-budget burn rate per SLO",
			},
			[]string{"slo_name"},
		),
		AlertsRaised: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "slo",
				Name:      "alerts_raised_total",
				Help:      "Total burn-rate alerts raised per SLO",
			},
			[]string{"slo_name"},
		),
	}
}
