package audit

import "github.com/prometheus/client_golang/prometheus"

var auditFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "chaintrust",
	Name:      "audit_failures_total",
	Help:      "Audit store failures by operation.",
}, []string{"op"})

func init() {
	prometheus.MustRegister(auditFailures)
}
