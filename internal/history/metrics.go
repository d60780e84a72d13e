package history

import "github.com/prometheus/client_golang/prometheus"

var historySource = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "chaintrust",
	Name:      "history_source_total",
	Help:      "Wallet history fetches by the source that served them.",
}, []string{"source"})

func init() {
	prometheus.MustRegister(historySource)
}
