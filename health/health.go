package health

import (
	"fmt"
	"sync"
	"time"
)

// Signal is a point-in-time health verdict
type Signal struct {
	Healthy    bool          `json:"healthy"`
	StopVoting bool          `json:"stop_voting"`
	Backoff    time.Duration `json:"backoff"`
	Reason     string        `json:"reason,omitempty"`
}

// Healthy is the signal of a component with nothing to report
var Healthy = Signal{Healthy: true}

// ChainHealth reports whether the chain is healthy enough to participate at full rate.
// Implementations are read-only and safe for concurrent use.
type ChainHealth interface {
	Signal() Signal
}

// PipelineBackpressure reports whether the local commit pipeline is saturated.
// Implementations are read-only and safe for concurrent use.
type PipelineBackpressure interface {
	Signal() Signal
}

type NoChainHealth struct{}

func (NoChainHealth) Signal() Signal { return Healthy }

type NoPipelineBackpressure struct{}

func (NoPipelineBackpressure) Signal() Signal { return Healthy }

// RoundReader exposes the per-round participation of the DAG
type RoundReader interface {
	HighestRound() uint64
	LowestRound() uint64
	RoundVotingPowerRatio(round uint64) float64
}

// ChainHealthBackoff averages the voting power that made it into the last
// Window complete rounds and backs off when it drops below MinParticipation.
type ChainHealthBackoff struct {
	reader           RoundReader
	window           uint64
	minParticipation float64
	backoff          time.Duration
}

func NewChainHealthBackoff(reader RoundReader, window uint64, minParticipation float64, backoff time.Duration) *ChainHealthBackoff {
	return &ChainHealthBackoff{
		reader:           reader,
		window:           max(window, 1),
		minParticipation: minParticipation,
		backoff:          backoff,
	}
}

// Participation is the average voting-power ratio over the complete rounds
// inside the lookback window; the highest round is still filling and is skipped.
func (c *ChainHealthBackoff) Participation() (float64, bool) {
	highest, lowest := c.reader.HighestRound(), c.reader.LowestRound()
	if highest <= lowest {
		return 0, false
	}
	last := highest - 1
	first := lowest
	if last-first+1 > c.window {
		first = last - c.window + 1
	}
	var sum float64
	for r := first; r <= last; r++ {
		sum += c.reader.RoundVotingPowerRatio(r)
	}
	return sum / float64(last-first+1), true
}

func (c *ChainHealthBackoff) Signal() Signal {
	p, ok := c.Participation()
	if !ok || p >= c.minParticipation {
		return Healthy
	}
	return Signal{
		Backoff: c.backoff,
		Reason:  fmt.Sprintf("participation %.2f below %.2f", p, c.minParticipation),
	}
}

// PipelineStatus exposes how far ordering lags behind admission
type PipelineStatus interface {
	PendingRounds() uint64
}

// PipelineLatencyBackoff slows admission above SoftLimit pending rounds and
// stops voting above HardLimit.
type PipelineLatencyBackoff struct {
	status    PipelineStatus
	softLimit uint64
	hardLimit uint64
	backoff   time.Duration
}

func NewPipelineLatencyBackoff(status PipelineStatus, softLimit, hardLimit uint64, backoff time.Duration) *PipelineLatencyBackoff {
	return &PipelineLatencyBackoff{
		status:    status,
		softLimit: softLimit,
		hardLimit: max(hardLimit, softLimit),
		backoff:   backoff,
	}
}

func (p *PipelineLatencyBackoff) Signal() Signal {
	pending := p.status.PendingRounds()
	switch {
	case pending > p.hardLimit:
		return Signal{
			StopVoting: true,
			Backoff:    p.backoff * time.Duration(pending-p.softLimit),
			Reason:     fmt.Sprintf("%d pending rounds above hard limit %d", pending, p.hardLimit),
		}
	case pending > p.softLimit:
		return Signal{
			Backoff: p.backoff * time.Duration(pending-p.softLimit),
			Reason:  fmt.Sprintf("%d pending rounds above soft limit %d", pending, p.softLimit),
		}
	default:
		return Healthy
	}
}

// Static reports whatever signal was last Set
type Static struct {
	mu     sync.RWMutex
	signal Signal
}

func NewStatic(s Signal) *Static { return &Static{signal: s} }

func (s *Static) Set(sig Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signal = sig
}

func (s *Static) Signal() Signal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.signal
}
