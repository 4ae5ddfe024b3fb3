// Package monitor exports rendezvous activity as Prometheus metrics.
package monitor

import (
	"context"
	"jxta/swarm/provider"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var _ provider.Metrics = (*Monitor)(nil)

// Monitor implements provider.Metrics. A nil Monitor records nothing.
type Monitor struct {
	gatherer prometheus.Gatherer

	events      *prometheus.CounterVec
	propagated  *prometheus.CounterVec
	walked      *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	sendFailure prometheus.Counter
	peers       *prometheus.GaugeVec
}

// New registers the rendezvous metrics with reg, a fresh registry when nil.
func New(reg *prometheus.Registry) *Monitor {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Monitor{
		gatherer: reg,
		events: f.NewCounterVec(prometheus.CounterOpts{
			Name: "jxta_rdv_events_total",
			Help: "Rendezvous events by type",
		}, []string{"type"}),
		propagated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "jxta_rdv_propagated_total",
			Help: "Messages flooded to peers",
		}, []string{"role"}),
		walked: f.NewCounterVec(prometheus.CounterOpts{
			Name: "jxta_rdv_walked_total",
			Help: "Messages walked to peers",
		}, []string{"role"}),
		dropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "jxta_rdv_dropped_total",
			Help: "Messages dropped by reason",
		}, []string{"reason"}),
		sendFailure: f.NewCounter(prometheus.CounterOpts{
			Name: "jxta_rdv_send_failures_total",
			Help: "Failed sends to peers",
		}),
		peers: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "jxta_rdv_peers",
			Help: "Peers currently tracked by the provider",
		}, []string{"role"}),
	}
}

func (m *Monitor) Propagated(role string) {
	if m == nil {
		return
	}
	m.propagated.WithLabelValues(role).Inc()
}

func (m *Monitor) Walked(role string) {
	if m == nil {
		return
	}
	m.walked.WithLabelValues(role).Inc()
}

func (m *Monitor) Dropped(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

func (m *Monitor) SendFailed() {
	if m == nil {
		return
	}
	m.sendFailure.Inc()
}

func (m *Monitor) Peers(role string, n int) {
	if m == nil {
		return
	}
	m.peers.WithLabelValues(role).Set(float64(n))
}

// Observe counts the events published on bus until ctx ends.
func (m *Monitor) Observe(ctx context.Context, bus *provider.Bus) error {
	if m == nil || bus == nil {
		<-ctx.Done()
		return nil
	}

	id, events := bus.Subscribe(256)
	defer bus.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			m.events.WithLabelValues(ev.Type.String()).Inc()
		}
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Monitor) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
