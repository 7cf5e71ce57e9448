package metrics

import "github.com/prometheus/client_golang/prometheus"

// MessagingMetrics exposes counters/histograms for WhatsApp message flows.
type MessagingMetrics struct {
	inboundTotal   *prometheus.CounterVec
	outboundTotal  *prometheus.CounterVec
	webhookLatency *prometheus.HistogramVec
}

func NewMessagingMetrics(reg prometheus.Registerer) *MessagingMetrics {
	m := &MessagingMetrics{
		inboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agendabot",
			Subsystem: "whatsapp",
			Name:      "inbound_webhook_total",
			Help:      "Total inbound Meta webhooks",
		}, []string{"kind", "status"}),
		outboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agendabot",
			Subsystem: "whatsapp",
			Name:      "outbound_total",
			Help:      "Total outbound Graph API sends",
		}, []string{"kind", "status"}),
		webhookLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agendabot",
			Subsystem: "whatsapp",
			Name:      "webhook_latency_seconds",
			Help:      "Latency of Meta webhook processing",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.inboundTotal, m.outboundTotal, m.webhookLatency)
	return m
}

func (m *MessagingMetrics) ObserveInbound(kind, status string) {
	if m == nil {
		return
	}
	m.inboundTotal.WithLabelValues(kind, status).Inc()
}

func (m *MessagingMetrics) ObserveOutbound(kind, status string) {
	if m == nil {
		return
	}
	m.outboundTotal.WithLabelValues(kind, status).Inc()
}

func (m *MessagingMetrics) ObserveWebhookLatency(kind string, seconds float64) {
	if m == nil {
		return
	}
	m.webhookLatency.WithLabelValues(kind).Observe(seconds)
}

// BookingMetrics tracks booking commit and cancellation outcomes.
type BookingMetrics struct {
	commitTotal *prometheus.CounterVec
	cancelTotal *prometheus.CounterVec
	lockRetries prometheus.Counter
}

func NewBookingMetrics(reg prometheus.Registerer) *BookingMetrics {
	m := &BookingMetrics{
		commitTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agendabot",
			Subsystem: "booking",
			Name:      "commit_total",
			Help:      "Total booking commit attempts by outcome",
		}, []string{"outcome"}),
		cancelTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agendabot",
			Subsystem: "booking",
			Name:      "cancel_total",
			Help:      "Total cancellation attempts by outcome",
		}, []string{"outcome"}),
		lockRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agendabot",
			Subsystem: "booking",
			Name:      "slot_lock_retries_total",
			Help:      "Total slot lock acquisitions retried after a timeout",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.commitTotal, m.cancelTotal, m.lockRetries)
	return m
}

func (m *BookingMetrics) ObserveCommit(outcome string) {
	if m == nil {
		return
	}
	m.commitTotal.WithLabelValues(outcome).Inc()
}

func (m *BookingMetrics) ObserveCancel(outcome string) {
	if m == nil {
		return
	}
	m.cancelTotal.WithLabelValues(outcome).Inc()
}

func (m *BookingMetrics) ObserveLockRetry() {
	if m == nil {
		return
	}
	m.lockRetries.Inc()
}
