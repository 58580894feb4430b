package libstem

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the prometheus collectors of emitters and hubs. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	Emits          *prometheus.CounterVec
	WriteFailures  *prometheus.CounterVec
	Deliveries     *prometheus.CounterVec
	DecodeFailures *prometheus.CounterVec
	ListenerPanics *prometheus.CounterVec
	LeakWarnings   *prometheus.CounterVec

	HubSessions prometheus.Gauge
	HubFrames   *prometheus.CounterVec
}

// NewMetrics registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		Emits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "libstem_emits_total",
			Help: "Packets written to storage by namespace",
		}, []string{"namespace"}),
		WriteFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "libstem_write_failures_total",
			Help: "Packets the storage refused by namespace",
		}, []string{"namespace"}),
		Deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "libstem_deliveries_total",
			Help: "Listener invocations by namespace",
		}, []string{"namespace"}),
		DecodeFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "libstem_decode_failures_total",
			Help: "Notifications skipped because the packet could not be read",
		}, []string{"namespace"}),
		ListenerPanics: f.NewCounterVec(prometheus.CounterOpts{
			Name: "libstem_listener_panics_total",
			Help: "Listener invocations that panicked",
		}, []string{"namespace"}),
		LeakWarnings: f.NewCounterVec(prometheus.CounterOpts{
			Name: "libstem_leak_warnings_total",
			Help: "Keys that crossed the max listeners threshold",
		}, []string{"namespace"}),
		HubSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "libstem_hub_sessions",
			Help: "Open hub websocket sessions",
		}),
		HubFrames: f.NewCounterVec(prometheus.CounterOpts{
			Name: "libstem_hub_frames_total",
			Help: "Hub frames by direction and op",
		}, []string{"direction", "op"}),
	}
}

func (m *Metrics) inc(vec func(*Metrics) *prometheus.CounterVec, labels ...string) {
	if m == nil {
		return
	}
	vec(m).WithLabelValues(labels...).Inc()
}

func (m *Metrics) emitted(ns string) {
	m.inc(func(m *Metrics) *prometheus.CounterVec { return m.Emits }, ns)
}

func (m *Metrics) writeFailed(ns string) {
	m.inc(func(m *Metrics) *prometheus.CounterVec { return m.WriteFailures }, ns)
}

func (m *Metrics) delivered(ns string) {
	m.inc(func(m *Metrics) *prometheus.CounterVec { return m.Deliveries }, ns)
}

func (m *Metrics) decodeFailed(ns string) {
	m.inc(func(m *Metrics) *prometheus.CounterVec { return m.DecodeFailures }, ns)
}

func (m *Metrics) listenerPanicked(ns string) {
	m.inc(func(m *Metrics) *prometheus.CounterVec { return m.ListenerPanics }, ns)
}

func (m *Metrics) leakWarned(ns string) {
	m.inc(func(m *Metrics) *prometheus.CounterVec { return m.LeakWarnings }, ns)
}

func (m *Metrics) hubFrame(direction, op string) {
	m.inc(func(m *Metrics) *prometheus.CounterVec { return m.HubFrames }, direction, op)
}

func (m *Metrics) hubSessionDelta(delta float64) {
	if m == nil {
		return
	}
	m.HubSessions.Add(delta)
}
