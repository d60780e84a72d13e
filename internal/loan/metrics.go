package loan

import "github.com/prometheus/client_golang/prometheus"

var (
	evaluationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chaintrust",
		Name:      "evaluations_total",
		Help:      "Completed loan evaluations by tier and approval.",
	}, []string{"tier", "approved"})

	evaluationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "chaintrust",
		Name:      "evaluation_duration_seconds",
		Help:      "End-to-end loan evaluation latency.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	})
)

func init() {
	prometheus.MustRegister(evaluationsTotal, evaluationDuration)
}
