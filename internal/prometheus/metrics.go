package prometheus

import "github.com/prometheus/client_golang/prometheus"

const (
	setupDurationBucketStart  = 0.25
	setupDurationBucketFactor = 2.0
	setupDurationBucketCount  = 10
)

const (
	callDurationBucketStart  = 5.0
	callDurationBucketFactor = 2.0
	callDurationBucketCount  = 12
)

var ActiveCalls = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "active_calls",
		Help: "Number of calls currently owned by this agent",
	},
)

var CallSetupDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name: "call_setup_duration_seconds",
		Help: "Time from engine start to first connected state",
		Buckets: prometheus.ExponentialBuckets(
			setupDurationBucketStart,
			setupDurationBucketFactor,
			setupDurationBucketCount,
		),
	},
)

var CallDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name: "call_duration_seconds",
		Help: "Answered call duration at hangup",
		Buckets: prometheus.ExponentialBuckets(
			callDurationBucketStart,
			callDurationBucketFactor,
			callDurationBucketCount,
		),
	},
)

var SignalingPollErrors = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "signaling_poll_errors_total",
		Help: "Record store read failures during signaling polls",
	},
	[]string{"role"},
)

var StatusTransitions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "call_status_transitions_total",
		Help: "Lifecycle status transitions written by this agent",
	},
	[]string{"status"},
)

var IceRestarts = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "ice_restarts_total",
		Help: "Reconnection attempts via ICE restart",
	},
)

func init() {
	prometheus.MustRegister(ActiveCalls)
	prometheus.MustRegister(CallSetupDuration)
	prometheus.MustRegister(CallDuration)
	prometheus.MustRegister(SignalingPollErrors)
	prometheus.MustRegister(StatusTransitions)
	prometheus.MustRegister(IceRestarts)
}
