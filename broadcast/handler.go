package broadcast

import (
	"bytes"
	"errors"
	"fmt"
	"hash/fnv"
	"slices"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"dag-broadcast/dag"
	"dag-broadcast/fetcher"
	"dag-broadcast/health"
	"dag-broadcast/logger"
	"dag-broadcast/metrics"
	"dag-broadcast/models"
	"dag-broadcast/repository"
	"dag-broadcast/validator"
)

const (
	lockStripes          = 64
	defaultCertCacheSize = 4096
)

// Params are the collaborators of a Handler. Store, EpochState, Signer and
// Storage are required; the rest fall back to no-op implementations.
type Params struct {
	Store      *dag.Store
	EpochState *validator.EpochState
	Signer     *validator.Signer
	Storage    repository.DAGStorage

	Fetcher     fetcher.Requester
	ChainHealth health.ChainHealth
	Pipeline    health.PipelineBackpressure
	Policy      PayloadPolicy
	Metrics     *metrics.Metrics

	CertCacheSize int
}

// Handler is the receiving half of reliable broadcast: it decides whether
// this validator votes for a node and keeps the durable vote index.
type Handler struct {
	store       *dag.Store
	epochState  *validator.EpochState
	signer      *validator.Signer
	storage     repository.DAGStorage
	fetcher     fetcher.Requester
	chainHealth health.ChainHealth
	pipeline    health.PipelineBackpressure
	policy      PayloadPolicy
	metrics     *metrics.Metrics

	// certificate fingerprint -> struct{}, only for certificates that verified
	verifiedCerts *lru.Cache

	// gcMu is held shared by Process and exclusively by GCBeforeRound.
	// Votes below collectedRound are deleted; collectedRound <= gcRound.
	gcMu           sync.RWMutex
	gcRound        uint64
	collectedRound uint64

	stripes [lockStripes]sync.Mutex
}

// NewHandler builds a handler and loads the persisted GC watermark
func NewHandler(p Params) (*Handler, error) {
	if p.Store == nil || p.EpochState == nil || p.Signer == nil || p.Storage == nil {
		return nil, errors.New("broadcast: store, epoch state, signer and storage are required")
	}
	if _, ok := p.EpochState.Verifier.IndexOf(p.Signer.Author()); !ok {
		return nil, fmt.Errorf("broadcast: signer %s is not in the validator set", p.Signer.Author())
	}
	if p.Fetcher == nil {
		p.Fetcher = fetcher.NopRequester{}
	}
	if p.ChainHealth == nil {
		p.ChainHealth = health.NoChainHealth{}
	}
	if p.Pipeline == nil {
		p.Pipeline = health.NoPipelineBackpressure{}
	}
	if p.Metrics == nil {
		p.Metrics = metrics.NewUnregistered()
	}
	if p.CertCacheSize <= 0 {
		p.CertCacheSize = defaultCertCacheSize
	}

	cache, err := lru.New(p.CertCacheSize)
	if err != nil {
		return nil, err
	}
	gcRound, err := p.Storage.GetGCRound(p.EpochState.Epoch)
	if err != nil {
		return nil, fmt.Errorf("%w: load gc round: %w", ErrStorage, err)
	}

	return &Handler{
		store:         p.Store,
		epochState:    p.EpochState,
		signer:        p.Signer,
		storage:       p.Storage,
		fetcher:       p.Fetcher,
		chainHealth:   p.ChainHealth,
		pipeline:      p.Pipeline,
		policy:        p.Policy,
		metrics:       p.Metrics,
		verifiedCerts: cache,
		gcRound:       gcRound,
	}, nil
}

// GCRound is the round below which votes have been collected
func (h *Handler) GCRound() uint64 {
	h.gcMu.RLock()
	defer h.gcMu.RUnlock()
	return h.gcRound
}

// Process votes for node, or replays the vote already cast for its id.
// Failures leave no durable trace.
func (h *Handler) Process(node *models.Node) (*models.Vote, error) {
	if node == nil {
		h.metrics.Rejections.WithLabelValues(rejectionReason(ErrInvalidNode)).Inc()
		return nil, fmt.Errorf("%w: nil node", ErrInvalidNode)
	}
	vote, err := h.process(node)
	if err != nil {
		h.metrics.Rejections.WithLabelValues(rejectionReason(err)).Inc()
		fields := []zap.Field{zap.String("node", node.ID().String()), zap.Error(err)}
		if errors.Is(err, ErrStorage) {
			logger.Logger.Error("Storage failure while processing node", fields...)
		} else {
			logger.Logger.Debug("Node not voted", fields...)
		}
	}
	return vote, err
}

func (h *Handler) process(node *models.Node) (*models.Vote, error) {
	id := node.ID()

	h.gcMu.RLock()
	defer h.gcMu.RUnlock()

	if id.Epoch == h.epochState.Epoch && id.Round < h.gcRound {
		return nil, fmt.Errorf("%w: round %d < %d", ErrGarbageCollected, id.Round, h.gcRound)
	}
	if vote, err := h.storedVote(id); err != nil || vote != nil {
		return vote, err
	}

	if err := h.checkHealth(); err != nil {
		return nil, err
	}
	if err := h.validateNode(node); err != nil {
		return nil, err
	}
	if err := h.validateParents(node); err != nil {
		return nil, err
	}

	mu := h.stripe(id)
	mu.Lock()
	defer mu.Unlock()

	// a concurrent call for the same id may have won the race
	if vote, err := h.storedVote(id); err != nil || vote != nil {
		return vote, err
	}

	sig, err := h.signer.Sign(node.Metadata.SigningMessage())
	if err != nil {
		return nil, fmt.Errorf("sign %s: %w", id, err)
	}
	vote := &models.Vote{Metadata: node.Metadata, Voter: h.signer.Author(), Signature: sig}
	if err := h.storage.SaveVote(vote); err != nil {
		return nil, fmt.Errorf("%w: save vote %s: %w", ErrStorage, id, err)
	}
	h.store.AddPendingNode(node)
	h.metrics.VotesSigned.Inc()

	logger.Logger.Debug("Voted for node",
		zap.String("node", id.String()),
		zap.String("digest", node.Metadata.Digest.String()))
	return vote, nil
}

func (h *Handler) storedVote(id models.NodeID) (*models.Vote, error) {
	vote, err := h.storage.GetVote(id)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("%w: load vote %s: %w", ErrStorage, id, err)
	}
	h.metrics.VotesReplayed.Inc()
	return vote, nil
}

func (h *Handler) stripe(id models.NodeID) *sync.Mutex {
	hash := fnv.New32a()
	hash.Write([]byte(id.String()))
	return &h.stripes[hash.Sum32()%lockStripes]
}

func (h *Handler) checkHealth() error {
	signals := []struct {
		source string
		health.Signal
	}{
		{"chain", h.chainHealth.Signal()},
		{"pipeline", h.pipeline.Signal()},
	}
	for _, s := range signals {
		source, signal := s.source, s.Signal
		if signal.StopVoting {
			return fmt.Errorf("%w: %s: %s", ErrVoteRefused, source, signal.Reason)
		}
		if !signal.Healthy {
			h.metrics.HealthBackoffs.WithLabelValues(source).Inc()
			logger.Logger.Debug("Voting under backoff",
				zap.String("source", source),
				zap.Duration("backoff", signal.Backoff),
				zap.String("reason", signal.Reason))
		}
	}
	return nil
}

func (h *Handler) validateNode(node *models.Node) error {
	id := node.ID()
	if id.Epoch != h.epochState.Epoch {
		return fmt.Errorf("%w: epoch %d, expected %d", ErrInvalidNode, id.Epoch, h.epochState.Epoch)
	}
	if _, ok := h.epochState.Verifier.IndexOf(id.Author); !ok {
		return fmt.Errorf("%w: unknown author %s", ErrInvalidNode, id.Author)
	}
	if id.Round < h.store.StartRound() {
		return fmt.Errorf("%w: round %d before start round %d", ErrInvalidNode, id.Round, h.store.StartRound())
	}
	if lowest := h.store.LowestRound(); id.Round < lowest {
		return fmt.Errorf("%w: round %d < %d", ErrStaleRound, id.Round, lowest)
	}
	if digest := node.CalculateDigest(); digest != node.Metadata.Digest {
		return fmt.Errorf("%w: digest %s does not match content %s", ErrInvalidNode, node.Metadata.Digest, digest)
	}
	return h.policy.Check(node.Payload)
}

// validateParents checks the parent set in three stages: shape and quorum,
// local presence, then certificate signatures. Presence is checked first
// so that a node can be retried once its ancestry has been fetched.
func (h *Handler) validateParents(node *models.Node) error {
	round := node.Round()
	if round == h.store.StartRound() {
		if len(node.Parents) != 0 {
			return fmt.Errorf("%w: start round node cites %d parents", ErrInvalidParent, len(node.Parents))
		}
		return nil
	}

	authors := make([]models.Author, 0, len(node.Parents))
	for _, p := range node.Parents {
		if p.Metadata.Epoch != node.Metadata.Epoch || p.Metadata.Round != round-1 {
			return fmt.Errorf("%w: parent %s is not in round %d", ErrInvalidParent, p.Metadata.ID(), round-1)
		}
		authors = append(authors, p.Metadata.Author)
	}
	if err := h.epochState.Verifier.CheckVotingPower(authors); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidParent, err)
	}

	lowest := h.store.LowestRound()
	var missing []models.NodeMetadata
	for _, p := range node.Parents {
		if p.Metadata.Round < lowest {
			continue
		}
		if !h.store.Exists(p.Metadata) {
			if stored, ok := h.store.GetCertifiedNode(p.Metadata.ID()); ok {
				return fmt.Errorf("%w: parent %s digest %s, stored %s",
					ErrInvalidParent, p.Metadata.ID(), p.Metadata.Digest, stored.Metadata.Digest)
			}
			missing = append(missing, p.Metadata)
		}
	}
	if len(missing) > 0 {
		h.fetcher.RequestForNode(node.Metadata, missing)
		return &MissingParentsError{Node: node.ID(), Missing: missing}
	}

	for _, p := range node.Parents {
		if err := h.verifyCertificate(p); err != nil {
			return fmt.Errorf("%w: parent %s: %w", ErrInvalidParent, p.Metadata.ID(), err)
		}
	}
	return nil
}

// verifyCertificate checks the aggregate signature of a parent reference.
// Certificates identical to the stored one were verified on admission.
func (h *Handler) verifyCertificate(cert models.NodeCertificate) error {
	if stored, ok := h.store.GetCertifiedNode(cert.Metadata.ID()); ok && sameCertificate(stored.Certificate(), cert) {
		return nil
	}
	key := fingerprint(cert)
	if h.verifiedCerts.Contains(key) {
		return nil
	}
	if err := h.epochState.Verifier.VerifyAggregate(cert.Metadata.SigningMessage(), cert.Signatures); err != nil {
		return err
	}
	h.verifiedCerts.Add(key, struct{}{})
	return nil
}

func sameCertificate(a, b models.NodeCertificate) bool {
	return a.Metadata == b.Metadata &&
		slices.Equal(a.Signatures.Signers, b.Signatures.Signers) &&
		bytes.Equal(a.Signatures.Signature, b.Signatures.Signature)
}

func fingerprint(cert models.NodeCertificate) string {
	return fmt.Sprintf("%s/%s/%d/%v/%x", cert.Metadata.ID(), cert.Metadata.Digest,
		cert.Metadata.Timestamp, cert.Signatures.Signers, cert.Signatures.Signature)
}

// AddCertifiedNode verifies a certified node and hands it to the DAG store.
// If its parents are not stored yet a fetch intent is emitted.
func (h *Handler) AddCertifiedNode(cn *models.CertifiedNode) error {
	if cn == nil {
		return fmt.Errorf("%w: nil certified node", ErrInvalidNode)
	}
	id := cn.ID()
	if digest := cn.CalculateDigest(); digest != cn.Metadata.Digest {
		return fmt.Errorf("%w: digest %s does not match content %s", ErrInvalidNode, cn.Metadata.Digest, digest)
	}
	if err := h.verifyCertificate(cn.Certificate()); err != nil {
		return fmt.Errorf("%w: certificate of %s: %w", ErrInvalidNode, id, err)
	}

	err := h.store.AddCertifiedNode(cn)
	var missing *MissingParentsError
	switch {
	case err == nil:
		logger.Logger.Debug("Certified node added", zap.String("node", id.String()))
	case errors.As(err, &missing):
		h.fetcher.RequestForCertifiedNode(cn.Metadata, missing.Missing)
	case errors.Is(err, ErrStorage):
		logger.Logger.Error("Storage failure while adding certified node",
			zap.String("node", id.String()), zap.Error(err))
	}
	return err
}

// GCBeforeRound raises the watermark to round and removes every vote below
// it. It waits for in-flight Process calls. A delete that failed earlier is
// retried by the next call whatever its round; once votes are collected up
// to the watermark, rounds at or below it are a no-op.
func (h *Handler) GCBeforeRound(round uint64) error {
	h.gcMu.Lock()
	defer h.gcMu.Unlock()

	epoch := h.epochState.Epoch
	if round > h.gcRound {
		// the watermark goes first so a crash never reopens a collected round
		if err := h.storage.SaveGCRound(epoch, round); err != nil {
			return fmt.Errorf("%w: save gc round: %w", ErrStorage, err)
		}
		h.gcRound = round
	} else if h.collectedRound >= h.gcRound {
		return nil
	}
	round = h.gcRound

	deleted, err := h.storage.DeleteVotesBefore(epoch, round)
	if err != nil {
		return fmt.Errorf("%w: delete votes before %d: %w", ErrStorage, round, err)
	}
	h.collectedRound = round
	pruned := h.store.PrunePendingBefore(round)
	h.metrics.VotesCollected.Add(float64(deleted))

	logger.Logger.Info("Garbage collected votes",
		zap.Uint64("epoch", epoch),
		zap.Uint64("before_round", round),
		zap.Int("votes", deleted),
		zap.Int("pending_nodes", pruned))
	return nil
}

// Votes lists every stored vote
func (h *Handler) Votes() ([]*models.Vote, error) {
	votes, err := h.storage.GetAllVotes()
	if err != nil {
		return nil, fmt.Errorf("%w: list votes: %w", ErrStorage, err)
	}
	return votes, nil
}
