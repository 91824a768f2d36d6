package repository

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"

	"dag-broadcast/db"
	"dag-broadcast/models"
)

// ErrNotFound is returned by point lookups for absent keys
var ErrNotFound = errors.New("repository: not found")

// DAGStorage is the durable state of the broadcast engine.
//
// Writes of votes must be durable before SaveVote returns: a vote once
// acknowledged must survive a restart.
type DAGStorage interface {
	SaveVote(vote *models.Vote) error
	GetVote(id models.NodeID) (*models.Vote, error)
	GetAllVotes() ([]*models.Vote, error)
	DeleteVotesBefore(epoch, round uint64) (int, error)

	SaveCertifiedNode(node *models.CertifiedNode) error
	GetCertifiedNodes(epoch uint64) ([]*models.CertifiedNode, error)
	DeleteCertifiedNodesBefore(epoch, round uint64) (int, error)

	SaveGCRound(epoch, round uint64) error
	GetGCRound(epoch uint64) (uint64, error)
}

var (
	votePrefix     = []byte("vote/")
	certNodePrefix = []byte("cnode/")
	gcRoundPrefix  = []byte("gc/")
)

// NodeRepository implements DAGStorage using LevelDB as the storage backend.
// Keys are prefix|epoch|round|author with big-endian integers so that a
// round range is a contiguous key range.
type NodeRepository struct {
	db *db.LevelDB
}

var _ DAGStorage = (*NodeRepository)(nil)

// NewNodeRepository creates and returns a new NodeRepository instance
func NewNodeRepository(db *db.LevelDB) *NodeRepository {
	return &NodeRepository{db: db}
}

func roundKey(prefix []byte, epoch, round uint64) []byte {
	key := make([]byte, 0, len(prefix)+16)
	key = append(key, prefix...)
	key = binary.BigEndian.AppendUint64(key, epoch)
	key = binary.BigEndian.AppendUint64(key, round)
	return key
}

func nodeKey(prefix []byte, id models.NodeID) []byte {
	return append(roundKey(prefix, id.Epoch, id.Round), string(id.Author)...)
}

func epochPrefix(prefix []byte, epoch uint64) []byte {
	key := make([]byte, 0, len(prefix)+8)
	key = append(key, prefix...)
	return binary.BigEndian.AppendUint64(key, epoch)
}

// SaveVote stores a vote and syncs it to disk
func (r *NodeRepository) SaveVote(vote *models.Vote) error {
	data, err := json.Marshal(vote)
	if err != nil {
		return err
	}
	return r.db.PutSync(nodeKey(votePrefix, vote.Metadata.ID()), data)
}

// GetVote retrieves the vote cast for a node id
func (r *NodeRepository) GetVote(id models.NodeID) (*models.Vote, error) {
	data, err := r.db.Get(nodeKey(votePrefix, id))
	if err != nil {
		if db.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var vote models.Vote
	if err := json.Unmarshal(data, &vote); err != nil {
		return nil, fmt.Errorf("decode vote %s: %w", id, err)
	}
	return &vote, nil
}

// GetAllVotes retrieves every stored vote ordered by epoch, round and author
func (r *NodeRepository) GetAllVotes() ([]*models.Vote, error) {
	iter := r.db.NewPrefixIterator(votePrefix)
	defer iter.Release()

	var votes []*models.Vote
	for iter.Next() {
		var vote models.Vote
		if err := json.Unmarshal(iter.Value(), &vote); err != nil {
			return nil, err
		}
		votes = append(votes, &vote)
	}
	return votes, iter.Error()
}

// DeleteVotesBefore removes every vote of the epoch with round < round
func (r *NodeRepository) DeleteVotesBefore(epoch, round uint64) (int, error) {
	return r.deleteRange(votePrefix, epoch, round)
}

// SaveCertifiedNode stores a certified node
func (r *NodeRepository) SaveCertifiedNode(node *models.CertifiedNode) error {
	data, err := json.Marshal(node)
	if err != nil {
		return err
	}
	return r.db.Put(nodeKey(certNodePrefix, node.ID()), data)
}

// GetCertifiedNodes retrieves the epoch's certified nodes in round order
func (r *NodeRepository) GetCertifiedNodes(epoch uint64) ([]*models.CertifiedNode, error) {
	iter := r.db.NewPrefixIterator(epochPrefix(certNodePrefix, epoch))
	defer iter.Release()

	var nodes []*models.CertifiedNode
	for iter.Next() {
		var node models.CertifiedNode
		if err := json.Unmarshal(iter.Value(), &node); err != nil {
			return nil, err
		}
		nodes = append(nodes, &node)
	}
	return nodes, iter.Error()
}

// DeleteCertifiedNodesBefore removes certified nodes of the epoch with round < round
func (r *NodeRepository) DeleteCertifiedNodesBefore(epoch, round uint64) (int, error) {
	return r.deleteRange(certNodePrefix, epoch, round)
}

// SaveGCRound records the vote garbage-collection watermark of an epoch
func (r *NodeRepository) SaveGCRound(epoch, round uint64) error {
	value := binary.BigEndian.AppendUint64(nil, round)
	return r.db.PutSync(epochPrefix(gcRoundPrefix, epoch), value)
}

// GetGCRound returns the watermark, or 0 when none was saved
func (r *NodeRepository) GetGCRound(epoch uint64) (uint64, error) {
	data, err := r.db.Get(epochPrefix(gcRoundPrefix, epoch))
	if err != nil {
		if db.IsNotFound(err) {
			return 0, nil
		}
		return 0, err
	}
	if len(data) != 8 {
		return 0, fmt.Errorf("corrupt gc round for epoch %d", epoch)
	}
	return binary.BigEndian.Uint64(data), nil
}

func (r *NodeRepository) deleteRange(prefix []byte, epoch, round uint64) (int, error) {
	iter := r.db.NewRangeIterator(roundKey(prefix, epoch, 0), roundKey(prefix, epoch, round))
	batch := new(leveldb.Batch)
	for iter.Next() {
		key := make([]byte, len(iter.Key()))
		copy(key, iter.Key())
		batch.Delete(key)
	}
	err := iter.Error()
	iter.Release()
	if err != nil {
		return 0, err
	}
	if batch.Len() == 0 {
		return 0, nil
	}
	if err := r.db.Write(batch); err != nil {
		return 0, err
	}
	return batch.Len(), nil
}
