package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks orchestrator health. All methods are nil-safe so the
// orchestrator can run without a registry in tests.
type Metrics struct {
	sendsTotal          *prometheus.CounterVec
	sendErrorsTotal     *prometheus.CounterVec
	runPollDuration     prometheus.Histogram
	transcriptionsTotal *prometheus.CounterVec
}

// NewMetrics registers orchestrator metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		sendsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "concierge",
			Subsystem: "assistant",
			Name:      "sends_total",
			Help:      "Number of send attempts by outcome.",
		}, []string{"outcome"}),
		sendErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "concierge",
			Subsystem: "assistant",
			Name:      "send_errors_total",
			Help:      "Number of failed sends by error kind.",
		}, []string{"kind"}),
		runPollDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "concierge",
			Subsystem: "assistant",
			Name:      "run_poll_duration_seconds",
			Help:      "Time spent waiting for a run to reach a terminal state.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 9),
		}),
		transcriptionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "concierge",
			Subsystem: "assistant",
			Name:      "transcriptions_total",
			Help:      "Number of audio transcriptions by outcome.",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) observeSend(outcome string) {
	if m == nil {
		return
	}
	m.sendsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observeSendError(kind Kind) {
	if m == nil {
		return
	}
	m.sendErrorsTotal.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) observePollDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.runPollDuration.Observe(d.Seconds())
}

// ObserveTranscription records a transcription outcome.
func (m *Metrics) ObserveTranscription(outcome string) {
	if m == nil {
		return
	}
	m.transcriptionsTotal.WithLabelValues(outcome).Inc()
}
