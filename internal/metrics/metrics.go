package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes counters and gauges for the scheduling and queue flows.
type Metrics struct {
	bookingsTotal    *prometheus.CounterVec
	reschedulesTotal *prometheus.CounterVec
	cancellations    *prometheus.CounterVec
	queueDepth       *prometheus.GaugeVec
	waitEstimate     prometheus.Histogram
	droppedEvents    prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		bookingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "careflow",
			Subsystem: "scheduling",
			Name:      "bookings_total",
			Help:      "Booking attempts by outcome",
		}, []string{"outcome"}),
		reschedulesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "careflow",
			Subsystem: "scheduling",
			Name:      "reschedules_total",
			Help:      "Reschedule attempts by outcome",
		}, []string{"outcome"}),
		cancellations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "careflow",
			Subsystem: "scheduling",
			Name:      "cancellations_total",
			Help:      "Cancellation attempts by outcome",
		}, []string{"outcome"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "careflow",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Active queue entries per provider",
		}, []string{"provider_id"}),
		waitEstimate: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "careflow",
			Subsystem: "queue",
			Name:      "wait_estimate_minutes",
			Help:      "Estimated wait returned to callers",
			Buckets:   []float64{0, 5, 15, 30, 60, 120, 240},
		}),
		droppedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "careflow",
			Subsystem: "notify",
			Name:      "dropped_events_total",
			Help:      "Events dropped for lagging subscribers",
		}),
	}

	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.bookingsTotal,
		m.reschedulesTotal,
		m.cancellations,
		m.queueDepth,
		m.waitEstimate,
		m.droppedEvents,
	)
	return m
}

func (m *Metrics) ObserveBooking(outcome string) {
	if m == nil {
		return
	}
	m.bookingsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveReschedule(outcome string) {
	if m == nil {
		return
	}
	m.reschedulesTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveCancellation(outcome string) {
	if m == nil {
		return
	}
	m.cancellations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetQueueDepth(providerID string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(providerID).Set(float64(depth))
}

func (m *Metrics) ObserveWaitEstimate(minutes float64) {
	if m == nil {
		return
	}
	m.waitEstimate.Observe(minutes)
}

func (m *Metrics) ObserveDroppedEvent() {
	if m == nil {
		return
	}
	m.droppedEvents.Inc()
}
