package orderrule

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"dag-broadcast/metrics"
	"dag-broadcast/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func certified(round uint64, author models.Author) *models.CertifiedNode {
	node := models.NewNode(1, round, author, round, models.Payload{}, nil)
	return models.NewCertifiedNode(node, models.AggregateSignature{})
}

func TestChannelSinkTracksPendingRounds(t *testing.T) {
	m := metrics.NewUnregistered()
	sink := NewChannelSink(16, m)

	sink.ProcessNewNode(certified(1, "v0"))
	sink.ProcessNewNode(certified(2, "v0"))
	sink.ProcessNewNode(certified(3, "v1"))
	require.Equal(t, uint64(3), sink.PendingRounds())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan models.NodeID, 3)
	go sink.Run(ctx, func(n *models.CertifiedNode) { got <- n.ID() })

	for _, want := range []uint64{1, 2, 3} {
		select {
		case id := <-got:
			require.Equal(t, want, id.Round)
		case <-time.After(time.Second):
			t.Fatal("node not delivered")
		}
	}
	require.Eventually(t, func() bool { return sink.PendingRounds() == 0 }, time.Second, 5*time.Millisecond)
	require.Equal(t, 3.0, testutil.ToFloat64(m.NodesAdmitted))
}

func TestChannelSinkAdmissionDoesNotWaitForConsumer(t *testing.T) {
	sink := NewChannelSink(1, metrics.NewUnregistered())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for r := uint64(1); r <= 100; r++ {
			sink.ProcessNewNode(certified(r, "v0"))
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("admission blocked without a consumer")
	}
	require.Equal(t, 100, sink.Queued())
	require.Equal(t, uint64(100), sink.PendingRounds())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var delivered []uint64
	var mu sync.Mutex
	go sink.Run(ctx, func(n *models.CertifiedNode) {
		mu.Lock()
		defer mu.Unlock()
		delivered = append(delivered, n.Round())
	})
	require.Eventually(t, func() bool { return sink.PendingRounds() == 0 }, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, delivered, 100)
	require.Equal(t, uint64(1), delivered[0])
	require.Equal(t, uint64(100), delivered[99])
	require.Zero(t, sink.Queued())
}

func TestChannelSinkCountsEvictions(t *testing.T) {
	m := metrics.NewUnregistered()
	sink := NewChannelSink(1, m)
	sink.ProcessEvicted(4, []*models.CertifiedNode{certified(4, "v0"), certified(4, "v1")})
	require.Equal(t, 2.0, testutil.ToFloat64(m.NodesEvicted))
}

func TestChannelSinkRunStopsOnCancel(t *testing.T) {
	sink := NewChannelSink(1, metrics.NewUnregistered())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		sink.Run(ctx, func(*models.CertifiedNode) {})
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
