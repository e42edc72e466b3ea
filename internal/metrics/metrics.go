// Package metrics exposes the single gauge spec §4.I requires: the
// count of active delegated subdomains, sampled synchronously at
// scrape time from the parent zone's NS rrsets so it can never drift
// from what ListDelegations would report.
//
// Grounded on kubernetes-sigs-external-dns's main.go, which registers
// its registry-sync gauges against a prometheus.Registry and serves
// them with promhttp.HandlerFor rather than using the default global
// registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps a prometheus.Registry carrying the subdomain gauge.
type Registry struct {
	reg *prometheus.Registry
}

// New registers the subdomains-total gauge, backed by sample, against
// a fresh registry. sample is called synchronously on every scrape —
// there is no caching layer, so the metric is always consistent with
// the live parent zone (trading scrape latency for freshness, which
// is acceptable at this system's scale).
func New(sample func() (float64, error)) *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "satsuki_subdomains_total",
			Help: "Number of subdomains currently delegated under the operator's base domain.",
		},
		func() float64 {
			v, err := sample()
			if err != nil {
				return -1
			}
			return v
		},
	))
	return &Registry{reg: reg}
}

// Handler returns the HTTP handler to mount at /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
