package broadcast

import (
	"errors"
	"fmt"
	"sync"

	"dag-broadcast/models"
	"dag-broadcast/validator"
)

// ErrInvalidVote means a vote is for another node or does not verify
var ErrInvalidVote = errors.New("broadcast: invalid vote")

// Certifier collects the votes an author receives for its own node and
// aggregates them into a certificate once they reach quorum.
type Certifier struct {
	node     *models.Node
	verifier *validator.Verifier

	mu        sync.Mutex
	partials  map[models.Author][]byte
	power     uint64
	certified *models.CertifiedNode
}

func NewCertifier(node *models.Node, verifier *validator.Verifier) *Certifier {
	return &Certifier{
		node:     node,
		verifier: verifier,
		partials: make(map[models.Author][]byte),
	}
}

// Add records a vote. It returns the certified node once a quorum of voting
// power signed, and nil before that. Repeated votes from one voter count once.
func (c *Certifier) Add(vote *models.Vote) (*models.CertifiedNode, error) {
	if vote.Metadata != c.node.Metadata {
		return nil, fmt.Errorf("%w: vote for %s, expected %s", ErrInvalidVote, vote.Metadata.ID(), c.node.ID())
	}
	if err := c.verifier.Verify(vote.Voter, vote.Metadata.SigningMessage(), vote.Signature); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidVote, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.certified != nil {
		return c.certified, nil
	}
	if _, ok := c.partials[vote.Voter]; ok {
		return nil, nil
	}
	c.partials[vote.Voter] = vote.Signature
	c.power += c.verifier.VotingPower(vote.Voter)
	if c.power < c.verifier.QuorumVotingPower() {
		return nil, nil
	}

	agg, err := c.verifier.AggregateSignatures(c.partials)
	if err != nil {
		return nil, err
	}
	c.certified = models.NewCertifiedNode(c.node, agg)
	return c.certified, nil
}

// VotingPower is the power of the distinct voters seen so far
func (c *Certifier) VotingPower() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.power
}
