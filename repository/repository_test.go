package repository

import (
	"testing"

	"github.com/stretchr/testify/require"

	"dag-broadcast/db"
	"dag-broadcast/models"
)

func newTestRepo(t *testing.T) *NodeRepository {
	t.Helper()
	ldb, err := db.NewMemLevelDB()
	require.NoError(t, err)
	t.Cleanup(func() { ldb.Close() })
	return NewNodeRepository(ldb)
}

func testVote(epoch, round uint64, author models.Author) *models.Vote {
	node := models.NewNode(epoch, round, author, round*10, models.Payload{}, nil)
	return &models.Vote{Metadata: node.Metadata, Voter: "v3", Signature: []byte("sig")}
}

func TestVoteRoundTrip(t *testing.T) {
	repo := newTestRepo(t)
	vote := testVote(1, 2, "v0")

	_, err := repo.GetVote(vote.Metadata.ID())
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, repo.SaveVote(vote))
	got, err := repo.GetVote(vote.Metadata.ID())
	require.NoError(t, err)
	require.Equal(t, vote, got)
}

func TestDeleteVotesBefore(t *testing.T) {
	repo := newTestRepo(t)
	for round := uint64(1); round <= 4; round++ {
		for _, a := range []models.Author{"v0", "v1"} {
			require.NoError(t, repo.SaveVote(testVote(1, round, a)))
		}
	}
	// another epoch is untouched
	require.NoError(t, repo.SaveVote(testVote(2, 1, "v0")))

	n, err := repo.DeleteVotesBefore(1, 3)
	require.NoError(t, err)
	require.Equal(t, 4, n)

	votes, err := repo.GetAllVotes()
	require.NoError(t, err)
	require.Len(t, votes, 5)
	for _, v := range votes {
		if v.Metadata.Epoch == 1 {
			require.GreaterOrEqual(t, v.Metadata.Round, uint64(3))
		}
	}

	n, err = repo.DeleteVotesBefore(1, 3)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestCertifiedNodesByEpochInRoundOrder(t *testing.T) {
	repo := newTestRepo(t)
	for _, round := range []uint64{3, 1, 2} {
		node := models.NewNode(1, round, "v0", round, models.Payload{}, nil)
		require.NoError(t, repo.SaveCertifiedNode(models.NewCertifiedNode(node, models.AggregateSignature{})))
	}
	other := models.NewNode(2, 1, "v0", 1, models.Payload{}, nil)
	require.NoError(t, repo.SaveCertifiedNode(models.NewCertifiedNode(other, models.AggregateSignature{})))

	nodes, err := repo.GetCertifiedNodes(1)
	require.NoError(t, err)
	require.Len(t, nodes, 3)
	for i, n := range nodes {
		require.Equal(t, uint64(i+1), n.Round())
	}

	deleted, err := repo.DeleteCertifiedNodesBefore(1, 3)
	require.NoError(t, err)
	require.Equal(t, 2, deleted)

	nodes, err = repo.GetCertifiedNodes(1)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
}

func TestGCRound(t *testing.T) {
	repo := newTestRepo(t)
	round, err := repo.GetGCRound(1)
	require.NoError(t, err)
	require.Zero(t, round)

	require.NoError(t, repo.SaveGCRound(1, 7))
	round, err = repo.GetGCRound(1)
	require.NoError(t, err)
	require.Equal(t, uint64(7), round)
}
