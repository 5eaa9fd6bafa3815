package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	CyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nettiego_cycles_total",
			Help: "Fetch cycles by instance and result",
		},
		[]string{"instance", "result"},
	)

	FetchAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nettiego_fetch_attempts_total",
			Help: "Single device requests by endpoint and result",
		},
		[]string{"endpoint", "result"},
	)

	CycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nettiego_cycle_duration_seconds",
			Help:    "Duration of a full fetch cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"instance"},
	)

	PollInterval = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nettiego_poll_interval_seconds",
			Help: "Shared poll interval applied to every instance",
		},
	)

	ActiveInstances = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nettiego_active_instances",
			Help: "Number of registered device instances",
		},
	)

	LastSuccess = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nettiego_last_success_timestamp_seconds",
			Help: "Unix time of the last successful cycle",
		},
		[]string{"instance"},
	)

	PublishErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nettiego_publish_errors_total",
			Help: "State updates a sink failed to publish",
		},
		[]string{"sink"},
	)
)

func init() {
	prometheus.MustRegister(CyclesTotal)
	prometheus.MustRegister(FetchAttemptsTotal)
	prometheus.MustRegister(CycleDuration)
	prometheus.MustRegister(PollInterval)
	prometheus.MustRegister(ActiveInstances)
	prometheus.MustRegister(LastSuccess)
	prometheus.MustRegister(PublishErrors)
}

// ObserveCycle records the outcome and duration of one fetch cycle.
func ObserveCycle(instance string, success bool, took time.Duration) {
	result := "success"
	if !success {
		result = "failure"
	}
	CyclesTotal.WithLabelValues(instance, result).Inc()
	CycleDuration.WithLabelValues(instance).Observe(took.Seconds())
	if success {
		LastSuccess.WithLabelValues(instance).SetToCurrentTime()
	}
}

// ObserveAttempt counts a single request to the device.
func ObserveAttempt(endpoint string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	FetchAttemptsTotal.WithLabelValues(endpoint, result).Inc()
}

// SetSchedule publishes the shared interval and active instance count.
func SetSchedule(interval time.Duration, instances int) {
	PollInterval.Set(interval.Seconds())
	ActiveInstances.Set(float64(instances))
}

// ForgetInstance drops per-instance series once the instance is removed.
func ForgetInstance(instance string) {
	CyclesTotal.DeletePartialMatch(prometheus.Labels{"instance": instance})
	CycleDuration.DeleteLabelValues(instance)
	LastSuccess.DeleteLabelValues(instance)
}

// IncPublishError counts a failed publish for the named sink.
func IncPublishError(sink string) {
	PublishErrors.WithLabelValues(sink).Inc()
}
