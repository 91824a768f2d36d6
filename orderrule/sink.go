package orderrule

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"dag-broadcast/dag"
	"dag-broadcast/logger"
	"dag-broadcast/metrics"
	"dag-broadcast/models"
)

// ChannelSink hands admitted certified nodes to an order rule running in
// its own goroutine. Admission appends to an unbounded queue and never
// waits on the consumer, so a slow consumer shows up as pending rounds.
type ChannelSink struct {
	mu    sync.Mutex
	queue []*models.CertifiedNode
	ready chan struct{}

	metrics *metrics.Metrics

	admittedRound atomic.Uint64
	consumedRound atomic.Uint64
}

var _ dag.OrderRule = (*ChannelSink)(nil)

// NewChannelSink preallocates room for queueSize nodes
func NewChannelSink(queueSize int, m *metrics.Metrics) *ChannelSink {
	return &ChannelSink{
		queue:   make([]*models.CertifiedNode, 0, max(queueSize, 0)),
		ready:   make(chan struct{}, 1),
		metrics: m,
	}
}

// ProcessNewNode queues the node for the consumer. It is called under the
// DAG store lock and must not block.
func (s *ChannelSink) ProcessNewNode(node *models.CertifiedNode) {
	storeMax(&s.admittedRound, node.Round())
	s.metrics.NodesAdmitted.Inc()
	s.metrics.PendingRounds.Set(float64(s.PendingRounds()))

	s.mu.Lock()
	s.queue = append(s.queue, node)
	s.mu.Unlock()

	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// ProcessEvicted only accounts for the dropped nodes; they were already queued on admission
func (s *ChannelSink) ProcessEvicted(round uint64, nodes []*models.CertifiedNode) {
	s.metrics.NodesEvicted.Add(float64(len(nodes)))
	logger.Logger.Debug("Round evicted from DAG window",
		zap.Uint64("round", round), zap.Int("nodes", len(nodes)))
}

// PendingRounds is how far the consumer lags behind admission
func (s *ChannelSink) PendingRounds() uint64 {
	admitted, consumed := s.admittedRound.Load(), s.consumedRound.Load()
	if consumed >= admitted {
		return 0
	}
	return admitted - consumed
}

// Queued is the number of admitted nodes not yet taken by the consumer
func (s *ChannelSink) Queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Run feeds queued nodes to fn in admission order until ctx is done
func (s *ChannelSink) Run(ctx context.Context, fn func(*models.CertifiedNode)) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.ready:
		}
		for _, node := range s.take() {
			if ctx.Err() != nil {
				return
			}
			fn(node)
			storeMax(&s.consumedRound, node.Round())
			s.metrics.PendingRounds.Set(float64(s.PendingRounds()))
		}
	}
}

func (s *ChannelSink) take() []*models.CertifiedNode {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := s.queue
	s.queue = nil
	return batch
}

func storeMax(v *atomic.Uint64, round uint64) {
	for {
		cur := v.Load()
		if round <= cur || v.CompareAndSwap(cur, round) {
			return
		}
	}
}
