package attestation

import "github.com/prometheus/client_golang/prometheus"

var chainWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "chaintrust",
	Name:      "chain_writes_total",
	Help:      "On-chain decision writes by resulting status.",
}, []string{"status"})

func init() {
	prometheus.MustRegister(chainWrites)
}
