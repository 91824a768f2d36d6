package dag

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/btree"
	"go.uber.org/zap"

	"dag-broadcast/logger"
	"dag-broadcast/models"
	"dag-broadcast/repository"
	"dag-broadcast/validator"
)

var (
	ErrStaleRound     = errors.New("dag: round below the retained window")
	ErrInvalidNode    = errors.New("dag: invalid node")
	ErrMissingParents = errors.New("dag: missing parents")
	ErrStorage        = errors.New("dag: storage failure")
)

// MissingParentsError lists the parents a node references that are not stored locally
type MissingParentsError struct {
	Node    models.NodeID
	Missing []models.NodeMetadata
}

func (e *MissingParentsError) Error() string {
	ids := make([]string, len(e.Missing))
	for i, md := range e.Missing {
		ids[i] = md.ID().String()
	}
	return fmt.Sprintf("%s: node %s needs [%s]", ErrMissingParents, e.Node, strings.Join(ids, ", "))
}

func (e *MissingParentsError) Is(target error) bool { return target == ErrMissingParents }

const defaultTreeDegree = 8

// entry is a node slot; certified is nil while only a vote has been cast on it
type entry struct {
	node      *models.Node
	certified *models.CertifiedNode
}

type roundEntry struct {
	round uint64
	nodes map[models.Author]*entry
}

func (r *roundEntry) Less(other *roundEntry) bool { return r.round < other.round }

// Store is the windowed in-memory index of the epoch's DAG, backed by storage.
// It keeps rounds in [lowestRound, highestRound] with highestRound-lowestRound <= window.
type Store struct {
	mu sync.RWMutex

	epochState     *validator.EpochState
	storage        repository.DAGStorage
	payloadManager PayloadManager
	orderRule      OrderRule

	rounds       *btree.BTreeG[*roundEntry]
	startRound   uint64
	window       uint64
	lowestRound  uint64
	highestRound uint64
}

// NewStore rehydrates the epoch's certified nodes from storage, or starts
// empty at startRound. Rehydrated nodes are delivered to the order rule.
func NewStore(
	epochState *validator.EpochState,
	storage repository.DAGStorage,
	payloadManager PayloadManager,
	orderRule OrderRule,
	startRound uint64,
	window uint64,
) (*Store, error) {
	if window == 0 {
		return nil, errors.New("dag: window must be positive")
	}
	s := &Store{
		epochState:     epochState,
		storage:        storage,
		payloadManager: payloadManager,
		orderRule:      orderRule,
		rounds:         btree.NewG(defaultTreeDegree, (*roundEntry).Less),
		startRound:     startRound,
		window:         window,
		lowestRound:    startRound,
		highestRound:   startRound,
	}

	nodes, err := storage.GetCertifiedNodes(epochState.Epoch)
	if err != nil {
		return nil, fmt.Errorf("%w: load certified nodes: %w", ErrStorage, err)
	}
	for _, n := range nodes {
		s.highestRound = max(s.highestRound, n.Round())
	}
	if s.highestRound > startRound+window {
		s.lowestRound = s.highestRound - window
		if _, err := storage.DeleteCertifiedNodesBefore(epochState.Epoch, s.lowestRound); err != nil {
			return nil, fmt.Errorf("%w: prune certified nodes: %w", ErrStorage, err)
		}
	}

	restored := 0
	for _, n := range nodes {
		if n.Round() < s.lowestRound {
			continue
		}
		s.insertCertified(n)
		s.orderRule.ProcessNewNode(n)
		s.payloadManager.PrefetchPayload(&n.Node)
		restored++
	}

	logger.Logger.Info("DAG store ready",
		zap.Uint64("epoch", epochState.Epoch),
		zap.Uint64("lowest_round", s.lowestRound),
		zap.Uint64("highest_round", s.highestRound),
		zap.Int("restored_nodes", restored))
	return s, nil
}

func (s *Store) Epoch() uint64 { return s.epochState.Epoch }

func (s *Store) Window() uint64 { return s.window }

// StartRound is the genesis round of the epoch; its nodes have no parents
func (s *Store) StartRound() uint64 { return s.startRound }

func (s *Store) LowestRound() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lowestRound
}

func (s *Store) HighestRound() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.highestRound
}

func (s *Store) getEntry(id models.NodeID) (*entry, bool) {
	if id.Epoch != s.epochState.Epoch {
		return nil, false
	}
	r, ok := s.rounds.Get(&roundEntry{round: id.Round})
	if !ok {
		return nil, false
	}
	e, ok := r.nodes[id.Author]
	return e, ok
}

// HasNode reports whether a pending or certified node occupies id
func (s *Store) HasNode(id models.NodeID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.getEntry(id)
	return ok
}

// Exists reports whether a certified node with this id and digest is stored
func (s *Store) Exists(md models.NodeMetadata) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.existsLocked(md)
}

func (s *Store) existsLocked(md models.NodeMetadata) bool {
	e, ok := s.getEntry(md.ID())
	return ok && e.certified != nil && e.certified.Metadata.Digest == md.Digest
}

// AllExist is Exists over every metadata
func (s *Store) AllExist(mds []models.NodeMetadata) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, md := range mds {
		if !s.existsLocked(md) {
			return false
		}
	}
	return true
}

// GetNode returns the node at id, certified or pending
func (s *Store) GetNode(id models.NodeID) (*models.Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.getEntry(id)
	if !ok {
		return nil, false
	}
	if e.certified != nil {
		return &e.certified.Node, true
	}
	return e.node, true
}

// GetCertifiedNode returns the certified node at id
func (s *Store) GetCertifiedNode(id models.NodeID) (*models.CertifiedNode, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.getEntry(id)
	if !ok || e.certified == nil {
		return nil, false
	}
	return e.certified, true
}

// NodesInRound returns the round's certified nodes in validator index order
func (s *Store) NodesInRound(round uint64) []*models.CertifiedNode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.certifiedInRound(round)
}

func (s *Store) certifiedInRound(round uint64) []*models.CertifiedNode {
	r, ok := s.rounds.Get(&roundEntry{round: round})
	if !ok {
		return nil
	}
	out := make([]*models.CertifiedNode, 0, len(r.nodes))
	for _, author := range s.epochState.Verifier.Authors() {
		if e, ok := r.nodes[author]; ok && e.certified != nil {
			out = append(out, e.certified)
		}
	}
	return out
}

// RoundVotingPower sums the voting power of the authors certified at round
func (s *Store) RoundVotingPower(round uint64) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var power uint64
	for _, n := range s.certifiedInRound(round) {
		power += s.epochState.Verifier.VotingPower(n.Author())
	}
	return power
}

// RoundVotingPowerRatio is RoundVotingPower as a fraction of the total
func (s *Store) RoundVotingPowerRatio(round uint64) float64 {
	total := s.epochState.Verifier.TotalVotingPower()
	if total == 0 {
		return 0
	}
	return float64(s.RoundVotingPower(round)) / float64(total)
}

// IsReachable reports whether every target is an ancestor of (or equal to)
// one of the from nodes, following parent links through certified nodes.
func (s *Store) IsReachable(from []models.NodeMetadata, targets []models.NodeMetadata) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(targets) == 0 {
		return true
	}
	want := make(map[models.NodeID]models.Digest, len(targets))
	minRound := targets[0].Round
	for _, t := range targets {
		want[t.ID()] = t.Digest
		minRound = min(minRound, t.Round)
	}

	visited := make(map[models.NodeID]struct{})
	frontier := append([]models.NodeMetadata(nil), from...)
	for len(frontier) > 0 && len(want) > 0 {
		md := frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]
		if _, seen := visited[md.ID()]; seen {
			continue
		}
		visited[md.ID()] = struct{}{}
		if d, ok := want[md.ID()]; ok && d == md.Digest {
			delete(want, md.ID())
		}
		if md.Round <= minRound {
			continue
		}
		e, ok := s.getEntry(md.ID())
		if !ok || e.certified == nil || e.certified.Metadata.Digest != md.Digest {
			continue
		}
		for _, p := range e.certified.Parents {
			frontier = append(frontier, p.Metadata)
		}
	}
	return len(want) == 0
}

// AddPendingNode indexes a node this validator voted for but has not yet
// seen certified. Nodes below the window or already present are ignored.
func (s *Store) AddPendingNode(node *models.Node) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if node.Metadata.Epoch != s.epochState.Epoch || node.Round() < s.lowestRound {
		return
	}
	r := s.roundOrCreate(node.Round())
	if _, ok := r.nodes[node.Author()]; ok {
		return
	}
	r.nodes[node.Author()] = &entry{node: node}
	s.payloadManager.PrefetchPayload(node)
}

// PrunePendingBefore drops pending entries below round. Certified nodes stay
// until the window moves past them.
func (s *Store) PrunePendingBefore(round uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	pruned := 0
	var empty []*roundEntry
	s.rounds.AscendLessThan(&roundEntry{round: round}, func(r *roundEntry) bool {
		for author, e := range r.nodes {
			if e.certified == nil {
				delete(r.nodes, author)
				pruned++
			}
		}
		if len(r.nodes) == 0 {
			empty = append(empty, r)
		}
		return true
	})
	for _, r := range empty {
		s.rounds.Delete(r)
	}
	return pruned
}

// AddCertifiedNode admits a certified node whose parents are all present.
// A node above the highest round advances the window, evicting rounds that
// fall below it after notifying the order rule.
func (s *Store) AddCertifiedNode(node *models.CertifiedNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := node.ID()
	if id.Epoch != s.epochState.Epoch {
		return fmt.Errorf("%w: epoch %d, expected %d", ErrInvalidNode, id.Epoch, s.epochState.Epoch)
	}
	if _, ok := s.epochState.Verifier.IndexOf(id.Author); !ok {
		return fmt.Errorf("%w: unknown author %s", ErrInvalidNode, id.Author)
	}
	if id.Round < s.lowestRound {
		logger.Logger.Debug("Ignoring stale certified node",
			zap.String("node", id.String()), zap.Uint64("lowest_round", s.lowestRound))
		return fmt.Errorf("%w: round %d < %d", ErrStaleRound, id.Round, s.lowestRound)
	}
	if e, ok := s.getEntry(id); ok && e.certified != nil {
		if e.certified.Metadata.Digest == node.Metadata.Digest {
			return nil
		}
		return fmt.Errorf("%w: conflicting certified node at %s", ErrInvalidNode, id)
	}

	var missing []models.NodeMetadata
	for _, p := range node.Parents {
		if p.Metadata.Round < s.lowestRound {
			continue
		}
		if !s.existsLocked(p.Metadata) {
			missing = append(missing, p.Metadata)
		}
	}
	if len(missing) > 0 {
		return &MissingParentsError{Node: id, Missing: missing}
	}

	if err := s.storage.SaveCertifiedNode(node); err != nil {
		return fmt.Errorf("%w: save certified node %s: %w", ErrStorage, id, err)
	}
	s.insertCertified(node)
	s.orderRule.ProcessNewNode(node)
	s.payloadManager.PrefetchPayload(&node.Node)

	if id.Round > s.highestRound {
		s.highestRound = id.Round
		if s.highestRound-s.lowestRound > s.window {
			// the node is admitted either way; a later eviction retries the range delete
			if err := s.evictBefore(s.highestRound - s.window); err != nil {
				logger.Logger.Error("Failed pruning evicted certified nodes",
					zap.String("node", id.String()), zap.Error(err))
			}
		}
	}
	return nil
}

func (s *Store) roundOrCreate(round uint64) *roundEntry {
	r, ok := s.rounds.Get(&roundEntry{round: round})
	if !ok {
		r = &roundEntry{round: round, nodes: make(map[models.Author]*entry)}
		s.rounds.ReplaceOrInsert(r)
	}
	return r
}

func (s *Store) insertCertified(node *models.CertifiedNode) {
	r := s.roundOrCreate(node.Round())
	r.nodes[node.Author()] = &entry{node: &node.Node, certified: node}
}

// evictBefore drops every round below lowest. The order rule and payload
// manager are notified before each round is removed. A failure to prune
// storage is returned after the in-memory window has moved.
func (s *Store) evictBefore(lowest uint64) error {
	evicted := 0
	for {
		r, ok := s.rounds.Min()
		if !ok || r.round >= lowest {
			break
		}
		certified := s.certifiedInRound(r.round)
		s.orderRule.ProcessEvicted(r.round, certified)
		s.payloadManager.ReleasePayload(certified)
		s.rounds.DeleteMin()
		evicted += len(r.nodes)
	}
	s.lowestRound = lowest

	logger.Logger.Debug("Advanced DAG window",
		zap.Uint64("lowest_round", s.lowestRound),
		zap.Uint64("highest_round", s.highestRound),
		zap.Int("evicted_nodes", evicted))

	if _, err := s.storage.DeleteCertifiedNodesBefore(s.epochState.Epoch, lowest); err != nil {
		return fmt.Errorf("%w: prune certified nodes before %d: %w", ErrStorage, lowest, err)
	}
	return nil
}
