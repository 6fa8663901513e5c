package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "forwarded"

// Metrics holds the collectors of a server
type Metrics struct {
	registry   *prometheus.Registry
	headers    *prometheus.CounterVec
	forEntries *prometheus.CounterVec
	sources    *prometheus.CounterVec
}

// NewMetrics registers all collectors on a fresh registry
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		headers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "headers_total",
			Help:      "The number of requests by outcome of parsing their Forwarded header",
		}, []string{"result"}),
		forEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "for_entries_total",
			Help:      "The number of for entries seen, by whether they were an ip address",
		}, []string{"result"}),
		sources: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "client_address_source_total",
			Help:      "The number of client addresses resolved, by source",
		}, []string{"source"}),
	}

	m.registry.MustRegister(m.headers, m.forEntries, m.sources)

	for _, label := range []string{"absent", "parsed", "invalid"} {
		m.headers.WithLabelValues(label).Add(0)
	}

	for _, label := range []string{"address", "dropped"} {
		m.forEntries.WithLabelValues(label).Add(0)
	}

	for _, label := range []string{sourceForwarded, sourceForwardedFor, sourceRemote} {
		m.sources.WithLabelValues(label).Add(0)
	}

	return m
}

// Handler serves the registry in the prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
