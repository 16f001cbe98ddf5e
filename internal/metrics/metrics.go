package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Event names used as the `event` label.
const (
	CallsStarted = "calls_started"
	CallsJoined  = "calls_joined"
	CallsEnded   = "calls_ended"
	CallsFailed  = "calls_failed"

	RingsSurfaced = "rings_surfaced"
	RingsExpired  = "rings_expired"
	RingsDeclined = "rings_declined"
	RingsAccepted = "rings_accepted"

	SignalingWriteRetries = "signaling_write_retries"
	CandidatesDropped     = "candidates_dropped"

	MailboxRequests      = "mailbox_requests"
	MailboxErrors        = "mailbox_errors"
	MailboxRateLimited   = "mailbox_rate_limited"
	MailboxAuthFailed    = "mailbox_auth_failed"
	MailboxEventsSent    = "mailbox_events_sent"
	MailboxEventsFailed  = "mailbox_events_failed"
	MailboxBadMessages   = "mailbox_bad_messages"
	MailboxForbidden     = "mailbox_forbidden"
	MailboxConnsOpened   = "mailbox_conns_opened"
	MailboxConnsRejected = "mailbox_conns_rejected"
)

// Metrics owns a private Prometheus registry so tests and multiple servers in
// one process never collide on the global one. A nil *Metrics is a no-op.
type Metrics struct {
	reg *prometheus.Registry

	events      *prometheus.CounterVec
	activeCalls prometheus.Gauge
	mailboxConn prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aero_call_events_total",
			Help: "Call lifecycle and signaling events.",
		}, []string{"event"}),
		activeCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aero_call_active_calls",
			Help: "Calls currently being negotiated or connected.",
		}),
		mailboxConn: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aero_call_mailbox_connections",
			Help: "Open mailbox WebSocket connections.",
		}),
	}
	reg.MustRegister(m.events, m.activeCalls, m.mailboxConn)
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	return m
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, n uint64) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(name).Add(float64(n))
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	return uint64(read(m.events.WithLabelValues(name)))
}

func (m *Metrics) SetActiveCalls(n int) {
	if m == nil {
		return
	}
	m.activeCalls.Set(float64(n))
}

func (m *Metrics) ActiveCalls() int {
	if m == nil {
		return 0
	}
	return int(read(m.activeCalls))
}

func (m *Metrics) MailboxConnOpened() {
	if m == nil {
		return
	}
	m.mailboxConn.Inc()
	m.Inc(MailboxConnsOpened)
}

func (m *Metrics) MailboxConnClosed() {
	if m == nil {
		return
	}
	m.mailboxConn.Dec()
}

func (m *Metrics) MailboxConns() int {
	if m == nil {
		return 0
	}
	return int(read(m.mailboxConn))
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// read returns the current value of a single counter or gauge.
func read(m prometheus.Metric) float64 {
	var pb dto.Metric
	if err := m.Write(&pb); err != nil {
		return 0
	}
	switch {
	case pb.Counter != nil:
		return pb.Counter.GetValue()
	case pb.Gauge != nil:
		return pb.Gauge.GetValue()
	}
	return 0
}
