package explorer

import "github.com/prometheus/client_golang/prometheus"

var explorerRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "chaintrust",
	Name:      "explorer_requests_total",
	Help:      "Explorer API calls by action and classified outcome.",
}, []string{"action", "outcome"})

func init() {
	prometheus.MustRegister(explorerRequests)
}
