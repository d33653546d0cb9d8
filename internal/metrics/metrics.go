package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "leadbot"

type metrics struct {
	turnsTotal        *prometheus.CounterVec
	turnLatency       *prometheus.HistogramVec
	completionTokens  *prometheus.CounterVec
	completionCostUSD *prometheus.CounterVec
	leadsCreated      *prometheus.CounterVec
	actionsTotal      *prometheus.CounterVec
	gatewaySendTotal  *prometheus.CounterVec
	scoreCalculations *prometheus.CounterVec
	stageMoves        *prometheus.CounterVec
	duplicateInbound  *prometheus.CounterVec
}

var metricsSingleton = sync.OnceValue(func() *metrics {
	return &metrics{
		turnsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Total number of processed conversation turns.",
		}, []string{"channel", "result"}),
		turnLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_latency_seconds",
			Help:      "Latency distribution of conversation turns.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30},
		}, []string{"channel", "result"}),
		completionTokens: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completion_tokens_total",
			Help:      "Tokens consumed by the completion backend.",
		}, []string{"provider", "direction"}),
		completionCostUSD: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completion_cost_usd_total",
			Help:      "Estimated completion cost in USD.",
		}, []string{"provider"}),
		leadsCreated: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "leads_created_total",
			Help:      "Leads created, by source.",
		}, []string{"source"}),
		actionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Dialogue actions executed, by kind and result.",
		}, []string{"action", "result"}),
		gatewaySendTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_send_total",
			Help:      "Outbound message attempts, by provider and result.",
		}, []string{"provider", "result"}),
		scoreCalculations: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "score_calculations_total",
			Help:      "Lead score calculations, by classification.",
		}, []string{"classification"}),
		stageMoves: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_moves_total",
			Help:      "Kanban stage transitions, by target stage.",
		}, []string{"to_stage"}),
		duplicateInbound: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_duplicates_total",
			Help:      "Inbound deliveries dropped as duplicates.",
		}, []string{"channel"}),
	}
})

func getMetrics() *metrics {
	return metricsSingleton()
}

func ObserveTurn(channel, result string, seconds float64) {
	m := getMetrics()
	m.turnsTotal.WithLabelValues(channel, result).Inc()
	m.turnLatency.WithLabelValues(channel, result).Observe(seconds)
}

func AddCompletionUsage(provider string, inputTokens, outputTokens int, costUSD float64) {
	m := getMetrics()
	m.completionTokens.WithLabelValues(provider, "input").Add(float64(inputTokens))
	m.completionTokens.WithLabelValues(provider, "output").Add(float64(outputTokens))
	m.completionCostUSD.WithLabelValues(provider).Add(costUSD)
}

func IncLeadCreated(source string) {
	getMetrics().leadsCreated.WithLabelValues(source).Inc()
}

func IncAction(action, result string) {
	getMetrics().actionsTotal.WithLabelValues(action, result).Inc()
}

func IncGatewaySend(provider, result string) {
	getMetrics().gatewaySendTotal.WithLabelValues(provider, result).Inc()
}

func IncScoreCalculation(classification string) {
	getMetrics().scoreCalculations.WithLabelValues(classification).Inc()
}

func IncStageMove(toStage string) {
	getMetrics().stageMoves.WithLabelValues(toStage).Inc()
}

func IncDuplicateInbound(channel string) {
	getMetrics().duplicateInbound.WithLabelValues(channel).Inc()
}
