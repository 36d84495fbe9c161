// Package metrics defines the narrow sink interface component A (network
// transport) and component G (messaging gateway) populate, and a
// Prometheus-backed implementation. Core packages only ever see the
// Sink interface (capability passing, spec §9) — they never import
// the prometheus client directly, so swapping the collaborator out
// (e.g. for a no-op sink in unit tests) costs nothing.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Sink is populated by the transport and messaging layers with the
// counters spec §4.A calls out: "connection count, bytes/messages in
// and out, enqueue/dequeue, send errors".
type Sink interface {
	ConnectionOpened(connector string)
	ConnectionClosed(connector string)
	BytesIn(connector string, n int)
	BytesOut(connector string, n int)
	MessageIn(connector string)
	MessageOut(connector string)
	Enqueued(connector string)
	Dequeued(connector string)
	SendError(connector string)
}

// NoopSink discards every observation. Used by components that were
// not handed a Sink (e.g. in unit tests).
type NoopSink struct{}

func (NoopSink) ConnectionOpened(string)   {}
func (NoopSink) ConnectionClosed(string)   {}
func (NoopSink) BytesIn(string, int)       {}
func (NoopSink) BytesOut(string, int)      {}
func (NoopSink) MessageIn(string)          {}
func (NoopSink) MessageOut(string)         {}
func (NoopSink) Enqueued(string)           {}
func (NoopSink) Dequeued(string)           {}
func (NoopSink) SendError(string)          {}

// PrometheusSink implements Sink using client_golang counters/gauges,
// labeled by connector name so a cluster with several messaging
// channels and a gossip transport reports each separately.
type PrometheusSink struct {
	connections *prometheus.GaugeVec
	bytesIn     *prometheus.CounterVec
	bytesOut    *prometheus.CounterVec
	msgIn       *prometheus.CounterVec
	msgOut      *prometheus.CounterVec
	enqueued    *prometheus.CounterVec
	dequeued    *prometheus.CounterVec
	sendErrors  *prometheus.CounterVec
}

// NewPrometheusSink creates and registers the metric families on reg.
// Pass prometheus.DefaultRegisterer for normal use, or a fresh
// prometheus.NewRegistry() in tests to avoid collisions across cases.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "hekate", Subsystem: "transport", Name: "connections",
			Help: "Current number of open connections per connector.",
		}, []string{"connector"}),
		bytesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hekate", Subsystem: "transport", Name: "bytes_in_total",
			Help: "Bytes received per connector.",
		}, []string{"connector"}),
		bytesOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hekate", Subsystem: "transport", Name: "bytes_out_total",
			Help: "Bytes sent per connector.",
		}, []string{"connector"}),
		msgIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hekate", Subsystem: "transport", Name: "messages_in_total",
			Help: "Messages received per connector.",
		}, []string{"connector"}),
		msgOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hekate", Subsystem: "transport", Name: "messages_out_total",
			Help: "Messages sent per connector.",
		}, []string{"connector"}),
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hekate", Subsystem: "transport", Name: "enqueued_total",
			Help: "Outbound messages enqueued per connector.",
		}, []string{"connector"}),
		dequeued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hekate", Subsystem: "transport", Name: "dequeued_total",
			Help: "Outbound messages dequeued (sent) per connector.",
		}, []string{"connector"}),
		sendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hekate", Subsystem: "transport", Name: "send_errors_total",
			Help: "Send failures per connector.",
		}, []string{"connector"}),
	}
	reg.MustRegister(s.connections, s.bytesIn, s.bytesOut, s.msgIn, s.msgOut, s.enqueued, s.dequeued, s.sendErrors)
	return s
}

func (s *PrometheusSink) ConnectionOpened(connector string) { s.connections.WithLabelValues(connector).Inc() }
func (s *PrometheusSink) ConnectionClosed(connector string) { s.connections.WithLabelValues(connector).Dec() }
func (s *PrometheusSink) BytesIn(connector string, n int)   { s.bytesIn.WithLabelValues(connector).Add(float64(n)) }
func (s *PrometheusSink) BytesOut(connector string, n int)  { s.bytesOut.WithLabelValues(connector).Add(float64(n)) }
func (s *PrometheusSink) MessageIn(connector string)        { s.msgIn.WithLabelValues(connector).Inc() }
func (s *PrometheusSink) MessageOut(connector string)       { s.msgOut.WithLabelValues(connector).Inc() }
func (s *PrometheusSink) Enqueued(connector string)         { s.enqueued.WithLabelValues(connector).Inc() }
func (s *PrometheusSink) Dequeued(connector string)         { s.dequeued.WithLabelValues(connector).Inc() }
func (s *PrometheusSink) SendError(connector string)        { s.sendErrors.WithLabelValues(connector).Inc() }
