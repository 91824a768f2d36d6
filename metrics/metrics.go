package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "dag_broadcast"

// Metrics holds the engine's prometheus collectors
type Metrics struct {
	VotesSigned    prometheus.Counter
	VotesReplayed  prometheus.Counter
	Rejections     *prometheus.CounterVec
	FetchRequests  *prometheus.CounterVec
	FetchDropped   prometheus.Counter
	NodesAdmitted  prometheus.Counter
	NodesEvicted   prometheus.Counter
	VotesCollected prometheus.Counter
	HealthBackoffs *prometheus.CounterVec
	PendingRounds  prometheus.Gauge
}

// New creates the collectors and registers them on reg
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		VotesSigned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "votes_signed_total",
			Help:      "Number of new votes signed and persisted",
		}),
		VotesReplayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "votes_replayed_total",
			Help:      "Number of requests answered with a previously stored vote",
		}),
		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_rejections_total",
			Help:      "Number of nodes not voted for, by reason",
		}, []string{"reason"}),
		FetchRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_requests_total",
			Help:      "Number of fetch intents emitted, by kind",
		}, []string{"kind"}),
		FetchDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_requests_dropped_total",
			Help:      "Number of fetch intents dropped because the queue was full",
		}),
		NodesAdmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "certified_nodes_admitted_total",
			Help:      "Number of certified nodes handed to the order rule",
		}),
		NodesEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "certified_nodes_evicted_total",
			Help:      "Number of certified nodes dropped from the window",
		}),
		VotesCollected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "votes_garbage_collected_total",
			Help:      "Number of stored votes removed by garbage collection",
		}),
		HealthBackoffs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_backoffs_total",
			Help:      "Number of requests seen while a health capability signalled backoff",
		}, []string{"source"}),
		PendingRounds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_pending_rounds",
			Help:      "Rounds admitted to the DAG but not yet consumed by the order rule",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.VotesSigned,
		m.VotesReplayed,
		m.Rejections,
		m.FetchRequests,
		m.FetchDropped,
		m.NodesAdmitted,
		m.NodesEvicted,
		m.VotesCollected,
		m.HealthBackoffs,
		m.PendingRounds,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// NewUnregistered returns collectors on a private registry
func NewUnregistered() *Metrics {
	m, err := New(prometheus.NewRegistry())
	if err != nil {
		// a fresh registry cannot hold duplicates
		panic(err)
	}
	return m
}
