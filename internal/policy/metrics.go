package policy

import "github.com/prometheus/client_golang/prometheus"

var (
	hardRejects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chaintrust",
		Name:      "hard_rejects_total",
		Help:      "Hard-rule hits by rule.",
	}, []string{"rule"})

	thresholdReloads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chaintrust",
		Name:      "threshold_reloads_total",
		Help:      "Threshold file reload attempts by result.",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(hardRejects, thresholdReloads)
}
