package chatsync

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts reconciliation activity. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	eventsApplied *prometheus.CounterVec
	eventsIgnored *prometheus.CounterVec
	dropped       *prometheus.CounterVec
	sends         *prometheus.CounterVec
	echoFallbacks prometheus.Counter
	pagesLoaded   prometheus.Counter
}

// NewMetrics creates the reconciliation counters and registers them with
// reg. Pass prometheus.NewRegistry() in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		eventsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "events_applied_total",
			Help:      "Real-time events that changed a conversation log.",
		}, []string{"type"}),
		eventsIgnored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "events_ignored_total",
			Help:      "Real-time events absorbed without a change (duplicates, unknown targets).",
		}, []string{"type"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "payloads_malformed_total",
			Help:      "Malformed payloads dropped or repaired by the normalizer.",
		}, []string{"reason"}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "sends_total",
			Help:      "Optimistic send attempts by outcome.",
		}, []string{"outcome"}),
		echoFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "echo_fallback_matches_total",
			Help:      "Echoes matched to a provisional message without a correlation token.",
		}),
		pagesLoaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "history_pages_loaded_total",
			Help:      "History pages merged into conversation logs.",
		}),
	}
	reg.MustRegister(m.eventsApplied, m.eventsIgnored, m.dropped, m.sends,
		m.echoFallbacks, m.pagesLoaded)
	return m
}

func (m *Metrics) event(eventType string, changed bool) {
	if m == nil {
		return
	}
	if changed {
		m.eventsApplied.WithLabelValues(eventType).Inc()
	} else {
		m.eventsIgnored.WithLabelValues(eventType).Inc()
	}
}

func (m *Metrics) malformed(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) send(outcome string) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(outcome).Inc()
}

func (m *Metrics) echoFallback() {
	if m == nil {
		return
	}
	m.echoFallbacks.Inc()
}

func (m *Metrics) pageLoaded() {
	if m == nil {
		return
	}
	m.pagesLoaded.Inc()
}
