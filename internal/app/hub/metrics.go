package hub

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	subscribers prometheus.Gauge
	messages    *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "meshvoice",
			Name:      "hub_subscribers",
			Help:      "Channel subscriptions currently tracked by the hub.",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meshvoice",
			Name:      "hub_messages_total",
			Help:      "Broadcast deliveries by result.",
		}, []string{"result"}),
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	reg.MustRegister(m.subscribers, m.messages)
	return m
}
