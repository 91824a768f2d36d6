// Package validatortest builds deterministic validator sets and certified
// nodes for tests.
package validatortest

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"dag-broadcast/models"
	"dag-broadcast/validator"
)

// Fixture is a validator set of equal voting power with known keys
type Fixture struct {
	t       testing.TB
	Epoch   uint64
	Signers []*validator.Signer
	State   *validator.EpochState
}

// New creates n validators named v0..v(n-1) in the given epoch
func New(t testing.TB, epoch uint64, n int) *Fixture {
	t.Helper()
	f := &Fixture{t: t, Epoch: epoch}
	infos := make([]validator.ValidatorInfo, n)
	for i := 0; i < n; i++ {
		author := Author(i)
		s := validator.GenerateSigner(author, []byte("seed-"+string(author)))
		f.Signers = append(f.Signers, s)
		infos[i] = validator.ValidatorInfo{Author: author, PublicKey: s.PublicKey(), VotingPower: 1}
	}
	verifier, err := validator.NewVerifier(infos)
	require.NoError(t, err)
	f.State = &validator.EpochState{Epoch: epoch, Verifier: verifier}
	return f
}

// Author returns the name of validator i
func Author(i int) models.Author {
	return models.Author(fmt.Sprintf("v%d", i))
}

// Node builds a node of validator i with a one-transaction payload
func (f *Fixture) Node(round uint64, i int, data string, parents []models.NodeCertificate) *models.Node {
	payload := models.Payload{Transactions: []models.Transaction{{Kind: models.TxnUser, Data: []byte(data)}}}
	return models.NewNode(f.Epoch, round, Author(i), round*1000+uint64(i), payload, parents)
}

// Vote signs the node metadata as validator i
func (f *Fixture) Vote(node *models.Node, i int) *models.Vote {
	f.t.Helper()
	sig, err := f.Signers[i].Sign(node.Metadata.SigningMessage())
	require.NoError(f.t, err)
	return &models.Vote{Metadata: node.Metadata, Voter: Author(i), Signature: sig}
}

// CertifyBy aggregates the signatures of the listed validators
func (f *Fixture) CertifyBy(node *models.Node, signers ...int) *models.CertifiedNode {
	f.t.Helper()
	partials := make(map[models.Author][]byte, len(signers))
	for _, i := range signers {
		partials[Author(i)] = f.Vote(node, i).Signature
	}
	agg, err := f.State.Verifier.AggregateSignatures(partials)
	require.NoError(f.t, err)
	return models.NewCertifiedNode(node, agg)
}

// Certify aggregates signatures of every validator
func (f *Fixture) Certify(node *models.Node) *models.CertifiedNode {
	all := make([]int, len(f.Signers))
	for i := range all {
		all[i] = i
	}
	return f.CertifyBy(node, all...)
}

// Round builds and certifies one node per validator at round on top of parents
func (f *Fixture) Round(round uint64, parents []models.NodeCertificate) []*models.CertifiedNode {
	out := make([]*models.CertifiedNode, len(f.Signers))
	for i := range f.Signers {
		out[i] = f.Certify(f.Node(round, i, fmt.Sprintf("r%d-v%d", round, i), parents))
	}
	return out
}

// Certificates returns the parent references of certified nodes
func Certificates(nodes []*models.CertifiedNode) []models.NodeCertificate {
	out := make([]models.NodeCertificate, len(nodes))
	for i, n := range nodes {
		out[i] = n.Certificate()
	}
	return out
}
