package metrics

import "github.com/prometheus/client_golang/prometheus"

// Budget, storage and coordination Prometheus metrics.
var (
	AdmissionDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "budgetd",
			Name:      "admission_decisions_total",
			Help:      "Admission gate decisions by outcome",
		},
		[]string{"principal", "outcome"}, // "allowed" / "warned" / "denied"
	)

	TokensUsedToday = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "budgetd",
			Name:      "tokens_used_today",
			Help:      "Tokens consumed in the current budget day",
		},
		[]string{"principal"},
	)

	StorageFailoversTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "budgetd",
			Name:      "storage_failovers_total",
			Help:      "Operations that fell through to the fallback backend",
		},
		[]string{"op"},
	)

	CoordinationMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "budgetd",
			Name:      "coordination_messages_total",
			Help:      "Coordination messages by direction",
		},
		[]string{"direction"}, // "sent" / "received"
	)

	CoordinationTriggersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "budgetd",
			Name:      "coordination_triggers_total",
			Help:      "Coordination trigger evaluations that fired",
		},
		[]string{"reason"},
	)

	CacheOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "budgetd",
			Name:      "cache_ops_total",
			Help:      "Cache operations by tier and result",
		},
		[]string{"tier", "result"}, // tier "memory"/"disk", result "hit"/"miss"/"set"/"delete"/"sweep"
	)
)

var budgetMetricsRegistered bool

// RegisterBudgetMetrics registers the budget metrics. Must be called once from main.
func RegisterBudgetMetrics() {
	if budgetMetricsRegistered {
		return
	}
	prometheus.MustRegister(AdmissionDecisionsTotal)
	prometheus.MustRegister(TokensUsedToday)
	prometheus.MustRegister(StorageFailoversTotal)
	prometheus.MustRegister(CoordinationMessagesTotal)
	prometheus.MustRegister(CoordinationTriggersTotal)
	prometheus.MustRegister(CacheOpsTotal)
	budgetMetricsRegistered = true
}
