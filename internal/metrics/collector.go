package uwbmetrics

import "github.com/prometheus/client_golang/prometheus"

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "uwbd"
	subsystem = "session"
)

// Label names for session metrics.
const (
	labelChip     = "chip"
	labelProtocol = "protocol"
	labelReason   = "reason"
)

// -------------------------------------------------------------------------
// Collector — Prometheus Session Metrics
// -------------------------------------------------------------------------

// Collector holds all uwbd Prometheus metrics.
//
//   - SessionsOpen tracks currently open sessions per (chip, protocol).
//   - Opens/Starts/Stops/Closes count lifecycle transitions for alerting.
//   - DataSent/DataReceived/DataSendFailures track the data plane.
//   - AdmissionEvictions counts priority-based Fira preemptions.
//   - ErrorStreakFires/BgAppTimerFires count the two C7 timer policies.
type Collector struct {
	SessionsOpen *prometheus.GaugeVec

	OpensTotal  *prometheus.CounterVec
	StartsTotal *prometheus.CounterVec
	StopsTotal  *prometheus.CounterVec
	ClosesTotal *prometheus.CounterVec

	DataSentTotal        *prometheus.CounterVec
	DataReceivedTotal    *prometheus.CounterVec
	DataSendFailuresTotal *prometheus.CounterVec

	RangingResultsTotal *prometheus.CounterVec

	AdmissionEvictionsTotal *prometheus.CounterVec

	ErrorStreakFiresTotal *prometheus.CounterVec
	BgAppTimerFiresTotal  *prometheus.CounterVec
}

// NewCollector creates a Collector with all session metrics registered
// against reg. If reg is nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.SessionsOpen,
		c.OpensTotal,
		c.StartsTotal,
		c.StopsTotal,
		c.ClosesTotal,
		c.DataSentTotal,
		c.DataReceivedTotal,
		c.DataSendFailuresTotal,
		c.RangingResultsTotal,
		c.AdmissionEvictionsTotal,
		c.ErrorStreakFiresTotal,
		c.BgAppTimerFiresTotal,
	)

	return c
}

func newMetrics() *Collector {
	chipProtocol := []string{labelChip, labelProtocol}
	chipProtocolReason := []string{labelChip, labelProtocol, labelReason}
	chip := []string{labelChip}

	return &Collector{
		SessionsOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "open",
			Help:      "Number of currently open ranging sessions.",
		}, chipProtocol),

		OpensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "opens_total",
			Help:      "Total sessions successfully opened.",
		}, chipProtocol),

		StartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "starts_total",
			Help:      "Total sessions successfully started.",
		}, chipProtocol),

		StopsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "stops_total",
			Help:      "Total sessions stopped, labeled by stop reason.",
		}, chipProtocolReason),

		ClosesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "closes_total",
			Help:      "Total sessions closed, labeled by close reason.",
		}, chipProtocolReason),

		DataSentTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "data_sent_total",
			Help:      "Total data packets successfully sent.",
		}, chip),

		DataReceivedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "data_received_total",
			Help:      "Total data packets delivered to a client callback sink.",
		}, chip),

		DataSendFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "data_send_failures_total",
			Help:      "Total data send attempts that failed.",
		}, chip),

		RangingResultsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "ranging_results_total",
			Help:      "Total ranging-result notifications delivered.",
		}, chip),

		AdmissionEvictionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "admission_evictions_total",
			Help:      "Total sessions evicted to admit a higher-priority Fira session.",
		}, chip),

		ErrorStreakFiresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "error_streak_fires_total",
			Help:      "Total times the error-streak timer fired and stopped a session or controlee.",
		}, chip),

		BgAppTimerFiresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bg_app_timer_fires_total",
			Help:      "Total times the background-app grace timer fired and stopped a session.",
		}, chip),
	}
}

// -------------------------------------------------------------------------
// Session Lifecycle
// -------------------------------------------------------------------------

// RegisterSession increments the open-sessions gauge for (chip, protocol)
// and the opens counter.
func (c *Collector) RegisterSession(chip, protocol string) {
	c.SessionsOpen.WithLabelValues(chip, protocol).Inc()
	c.OpensTotal.WithLabelValues(chip, protocol).Inc()
}

// RecordStart increments the starts counter for (chip, protocol).
func (c *Collector) RecordStart(chip, protocol string) {
	c.StartsTotal.WithLabelValues(chip, protocol).Inc()
}

// RecordStop increments the stops counter for (chip, protocol, reason).
func (c *Collector) RecordStop(chip, protocol, reason string) {
	c.StopsTotal.WithLabelValues(chip, protocol, reason).Inc()
}

// UnregisterSession decrements the open-sessions gauge and increments the
// closes counter for (chip, protocol, reason).
func (c *Collector) UnregisterSession(chip, protocol, reason string) {
	c.SessionsOpen.WithLabelValues(chip, protocol).Dec()
	c.ClosesTotal.WithLabelValues(chip, protocol, reason).Inc()
}

// -------------------------------------------------------------------------
// Data Plane
// -------------------------------------------------------------------------

// IncDataSent increments the data-sent counter for chip.
func (c *Collector) IncDataSent(chip string) { c.DataSentTotal.WithLabelValues(chip).Inc() }

// IncDataReceived increments the data-received counter for chip.
func (c *Collector) IncDataReceived(chip string) { c.DataReceivedTotal.WithLabelValues(chip).Inc() }

// IncDataSendFailure increments the data-send-failure counter for chip.
func (c *Collector) IncDataSendFailure(chip string) {
	c.DataSendFailuresTotal.WithLabelValues(chip).Inc()
}

// IncRangingResult increments the ranging-results counter for chip.
func (c *Collector) IncRangingResult(chip string) {
	c.RangingResultsTotal.WithLabelValues(chip).Inc()
}

// -------------------------------------------------------------------------
// Admission and Timers
// -------------------------------------------------------------------------

// IncAdmissionEviction increments the admission-eviction counter for chip.
func (c *Collector) IncAdmissionEviction(chip string) {
	c.AdmissionEvictionsTotal.WithLabelValues(chip).Inc()
}

// IncErrorStreakFire increments the error-streak-fire counter for chip.
func (c *Collector) IncErrorStreakFire(chip string) {
	c.ErrorStreakFiresTotal.WithLabelValues(chip).Inc()
}

// IncBgAppTimerFire increments the bg-app-timer-fire counter for chip.
func (c *Collector) IncBgAppTimerFire(chip string) {
	c.BgAppTimerFiresTotal.WithLabelValues(chip).Inc()
}
