package metricsx

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	reservations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reservations_total",
			Help: "Reservation attempts by outcome.",
		},
		[]string{"outcome"},
	)
	slotConflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slot_conflicts_total",
			Help: "Reservation conflicts by reason.",
		},
		[]string{"reason"},
	)
	outboxClaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_entries_claimed_total",
			Help: "Outbox entries claimed for delivery.",
		},
	)
	outboxDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_deliveries_total",
			Help: "Outbox delivery attempts by target and outcome.",
		},
		[]string{"target", "outcome"},
	)
	outboxDeliveryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "outbox_delivery_latency_seconds",
			Help:    "Latency from entry creation to successful delivery.",
			Buckets: []float64{.1, .5, 1, 5, 15, 60, 300, 900},
		},
		[]string{"target"},
	)
	chainVerifyFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "event_chain_verify_failures_total",
			Help: "Hash chain verification failures.",
		},
	)
	influxWriteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "influx_write_failures_total",
			Help: "Total InfluxDB write failures.",
		},
	)
	asynqQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "asynq_queue_depth",
			Help: "Asynq queue depth by queue.",
		},
		[]string{"queue"},
	)
	kafkaConsumerLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kafka_consumer_lag",
			Help: "Kafka consumer lag by topic and group.",
		},
		[]string{"topic", "group"},
	)
)

func Register() {
	prometheus.MustRegister(
		httpRequests, httpLatency,
		reservations, slotConflicts,
		outboxClaimed, outboxDeliveries, outboxDeliveryLatency,
		chainVerifyFailures, influxWriteFailures, asynqQueueDepth, kafkaConsumerLag,
	)
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)
		status := strconv.Itoa(lrw.statusCode)
		httpRequests.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		httpLatency.WithLabelValues(r.Method, r.URL.Path, status).Observe(time.Since(start).Seconds())
	})
}

func IncReservation(outcome string) {
	reservations.WithLabelValues(outcome).Inc()
}

func IncSlotConflict(reason string) {
	slotConflicts.WithLabelValues(reason).Inc()
}

func AddOutboxClaimed(n int) {
	outboxClaimed.Add(float64(n))
}

func IncOutboxDelivery(target string, outcome string) {
	outboxDeliveries.WithLabelValues(target, outcome).Inc()
}

func ObserveDeliveryLatency(target string, d time.Duration) {
	outboxDeliveryLatency.WithLabelValues(target).Observe(d.Seconds())
}

func IncChainVerifyFailure() {
	chainVerifyFailures.Inc()
}

func IncInfluxWriteFailure() {
	influxWriteFailures.Inc()
}

func SetAsynqQueueDepth(queue string, depth int) {
	asynqQueueDepth.WithLabelValues(queue).Set(float64(depth))
}

func SetKafkaLag(topic string, group string, lag int64) {
	kafkaConsumerLag.WithLabelValues(topic, group).Set(float64(lag))
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
