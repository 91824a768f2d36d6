package fetcher

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"dag-broadcast/logger"
	"dag-broadcast/metrics"
	"dag-broadcast/models"
)

// Kind says what the transport should fetch
type Kind string

const (
	// KindNode asks for the missing ancestors of a node that is awaiting a vote
	KindNode Kind = "node"
	// KindCertifiedNode asks for the missing ancestors of a certified node
	KindCertifiedNode Kind = "certified_node"
)

// Request is a fetch intent for the ancestry of Target. Missing lists the
// parents that were absent when the intent was emitted.
type Request struct {
	Kind    Kind                  `json:"kind"`
	Target  models.NodeMetadata   `json:"target"`
	Missing []models.NodeMetadata `json:"missing"`
}

// Requester emits best-effort fetch intents. Calls never block on the fetch.
type Requester interface {
	RequestForNode(md models.NodeMetadata, missing []models.NodeMetadata)
	RequestForCertifiedNode(md models.NodeMetadata, missing []models.NodeMetadata)
}

type NopRequester struct{}

func (NopRequester) RequestForNode(models.NodeMetadata, []models.NodeMetadata) {}

func (NopRequester) RequestForCertifiedNode(models.NodeMetadata, []models.NodeMetadata) {}

type dedupKey struct {
	kind Kind
	id   models.NodeID
}

// ChannelRequester queues requests on a buffered channel for the transport
// to consume. When the queue is full the request is dropped. Repeated
// requests for the same target within the dedup interval are suppressed.
type ChannelRequester struct {
	requests chan Request
	recent   *lru.Cache
	interval time.Duration
	metrics  *metrics.Metrics
	now      func() time.Time

	mu sync.Mutex // serializes the recent-check and insert
}

var _ Requester = (*ChannelRequester)(nil)

// NewChannelRequester creates a requester with a queue of queueSize and an
// LRU of dedupSize recently requested targets
func NewChannelRequester(queueSize, dedupSize int, interval time.Duration, m *metrics.Metrics) (*ChannelRequester, error) {
	recent, err := lru.New(dedupSize)
	if err != nil {
		return nil, err
	}
	return &ChannelRequester{
		requests: make(chan Request, queueSize),
		recent:   recent,
		interval: interval,
		metrics:  m,
		now:      time.Now,
	}, nil
}

// Requests is the channel the transport reads fetch intents from
func (c *ChannelRequester) Requests() <-chan Request {
	return c.requests
}

func (c *ChannelRequester) RequestForNode(md models.NodeMetadata, missing []models.NodeMetadata) {
	c.emit(Request{Kind: KindNode, Target: md, Missing: missing})
}

func (c *ChannelRequester) RequestForCertifiedNode(md models.NodeMetadata, missing []models.NodeMetadata) {
	c.emit(Request{Kind: KindCertifiedNode, Target: md, Missing: missing})
}

func (c *ChannelRequester) emit(req Request) {
	key := dedupKey{kind: req.Kind, id: req.Target.ID()}
	now := c.now()

	c.mu.Lock()
	if last, ok := c.recent.Get(key); ok && now.Sub(last.(time.Time)) < c.interval {
		c.mu.Unlock()
		return
	}
	c.recent.Add(key, now)
	c.mu.Unlock()

	select {
	case c.requests <- req:
		c.metrics.FetchRequests.WithLabelValues(string(req.Kind)).Inc()
	default:
		c.recent.Remove(key)
		c.metrics.FetchDropped.Inc()
		logger.Logger.Warn("Fetch queue full, dropping request",
			zap.String("kind", string(req.Kind)),
			zap.String("target", req.Target.ID().String()),
			zap.Int("missing", len(req.Missing)))
	}
}
