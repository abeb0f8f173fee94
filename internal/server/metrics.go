package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metricsRegistry struct {
	registry           *prometheus.Registry
	claimsTotal        *prometheus.CounterVec
	disbursementsTotal *prometheus.CounterVec
	unrecordedDepth    prometheus.Gauge
}

func newMetricsRegistry() *metricsRegistry {
	m := &metricsRegistry{
		registry: prometheus.NewRegistry(),
		claimsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dripgate_claims_total",
			Help: "Claim requests by outcome.",
		}, []string{"outcome"}),
		disbursementsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dripgate_disbursements_total",
			Help: "Disbursement attempts by result.",
		}, []string{"result"}),
		unrecordedDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dripgate_unrecorded_disbursements",
			Help: "Disbursements sent on chain but not recorded in the ledger.",
		}),
	}
	m.registry.MustRegister(m.claimsTotal, m.disbursementsTotal, m.unrecordedDepth)
	return m
}

func (m *metricsRegistry) incClaim(outcome string) {
	m.claimsTotal.WithLabelValues(outcome).Inc()
}

func (m *metricsRegistry) incDisbursement(result string) {
	m.disbursementsTotal.WithLabelValues(result).Inc()
}

func (m *metricsRegistry) setUnrecordedDepth(n int) {
	m.unrecordedDepth.Set(float64(n))
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
