package riskscore

import "github.com/prometheus/client_golang/prometheus"

var scorerCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "chaintrust",
	Name:      "risk_scorer_calls_total",
	Help:      "Risk model predictions by outcome (ok, http_error, non_200, max_retries, circuit_open).",
}, []string{"outcome"})

func init() {
	prometheus.MustRegister(scorerCalls)
}
