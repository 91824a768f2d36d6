package health

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeRounds struct {
	lowest, highest uint64
	ratios          map[uint64]float64
}

func (f *fakeRounds) HighestRound() uint64 { return f.highest }
func (f *fakeRounds) LowestRound() uint64  { return f.lowest }
func (f *fakeRounds) RoundVotingPowerRatio(r uint64) float64 {
	return f.ratios[r]
}

type fakePipeline uint64

func (f fakePipeline) PendingRounds() uint64 { return uint64(f) }

func TestNoopPolicies(t *testing.T) {
	require.Equal(t, Healthy, NoChainHealth{}.Signal())
	require.Equal(t, Healthy, NoPipelineBackpressure{}.Signal())
}

func TestChainHealthBackoff(t *testing.T) {
	rounds := &fakeRounds{lowest: 1, highest: 5, ratios: map[uint64]float64{
		1: 0.25, 2: 1, 3: 1, 4: 1, 5: 0,
	}}

	// rounds 2..4 are inside the window, round 5 is still filling
	c := NewChainHealthBackoff(rounds, 3, 0.67, 50*time.Millisecond)
	p, ok := c.Participation()
	require.True(t, ok)
	require.InDelta(t, 1.0, p, 1e-9)
	require.Equal(t, Healthy, c.Signal())

	rounds.ratios[3] = 0.25
	rounds.ratios[4] = 0.25
	sig := c.Signal()
	require.False(t, sig.Healthy)
	require.False(t, sig.StopVoting)
	require.Equal(t, 50*time.Millisecond, sig.Backoff)
	require.NotEmpty(t, sig.Reason)
}

func TestChainHealthBackoffWithoutHistory(t *testing.T) {
	c := NewChainHealthBackoff(&fakeRounds{lowest: 1, highest: 1}, 10, 0.67, time.Second)
	_, ok := c.Participation()
	require.False(t, ok)
	require.Equal(t, Healthy, c.Signal())
}

func TestPipelineLatencyBackoff(t *testing.T) {
	tests := []struct {
		name    string
		pending uint64
		healthy bool
		stop    bool
		backoff time.Duration
	}{
		{"idle", 0, true, false, 0},
		{"at soft limit", 4, true, false, 0},
		{"above soft limit", 6, false, false, 20 * time.Millisecond},
		{"above hard limit", 21, false, true, 170 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPipelineLatencyBackoff(fakePipeline(tt.pending), 4, 20, 10*time.Millisecond)
			sig := p.Signal()
			require.Equal(t, tt.healthy, sig.Healthy)
			require.Equal(t, tt.stop, sig.StopVoting)
			require.Equal(t, tt.backoff, sig.Backoff)
		})
	}
}

func TestStaticConcurrentAccess(t *testing.T) {
	s := NewStatic(Healthy)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.Set(Signal{StopVoting: true})
		}()
		go func() {
			defer wg.Done()
			_ = s.Signal()
		}()
	}
	wg.Wait()
	require.True(t, s.Signal().StopVoting)
}
