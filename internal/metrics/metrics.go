package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FeedRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crxpoints",
		Subsystem: "feed",
		Name:      "requests_total",
		Help:      "Indexed feed requests by outcome",
	}, []string{"outcome"})

	FeedVariantFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crxpoints",
		Subsystem: "feed",
		Name:      "variant_fallbacks_total",
		Help:      "Schema mismatches that moved a query to a narrower variant",
	}, []string{"set"})

	IngestRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crxpoints",
		Subsystem: "ingest",
		Name:      "rows_total",
		Help:      "Swap rows accumulated into wallet volume",
	}, []string{"source"})

	IngestPages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crxpoints",
		Subsystem: "ingest",
		Name:      "pages_total",
		Help:      "Swap feed pages fetched",
	}, []string{"source"})

	PassDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "crxpoints",
		Subsystem: "ingest",
		Name:      "pass_duration_seconds",
		Help:      "Ingestion pass wall time",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"outcome"})

	WalletsUpdated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "crxpoints",
		Subsystem: "ingest",
		Name:      "wallets_updated_total",
		Help:      "Wallet records rewritten by ingestion passes",
	})

	LpValuations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crxpoints",
		Subsystem: "lp",
		Name:      "valuations_total",
		Help:      "LP valuations by data source",
	}, []string{"source"})

	RPCCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crxpoints",
		Subsystem: "chain",
		Name:      "rpc_calls_total",
		Help:      "Chain RPC calls by method and outcome",
	}, []string{"method", "outcome"})

	SelfHeal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crxpoints",
		Subsystem: "selfheal",
		Name:      "outcomes_total",
		Help:      "Self-heal trigger outcomes",
	}, []string{"outcome"})
)
