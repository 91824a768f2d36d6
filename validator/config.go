package validator

import (
	"errors"
	"fmt"

	"go.dedis.ch/kyber/v3"

	"dag-broadcast/config"
	"dag-broadcast/models"
)

var ErrZeroVotingPower = errors.New("validator: voting power must be positive")

// LoadEpochState builds the validator set of epoch from configured peers.
// A peer's public key wins over its seed.
func LoadEpochState(epoch uint64, peers []config.PeerConfig) (*EpochState, error) {
	infos := make([]ValidatorInfo, 0, len(peers))
	for _, p := range peers {
		author := models.Author(p.Author)
		if p.VotingPower == 0 {
			return nil, fmt.Errorf("%w: %s", ErrZeroVotingPower, author)
		}
		var key kyber.Point
		switch {
		case p.PublicKey != "":
			pk, err := DecodePublicKey(p.PublicKey)
			if err != nil {
				return nil, fmt.Errorf("validator %s: %w", author, err)
			}
			key = pk
		case p.Seed != "":
			key = GenerateSigner(author, []byte(p.Seed)).PublicKey()
		default:
			return nil, fmt.Errorf("%w: public key or seed of %s", ErrMissingKey, author)
		}
		infos = append(infos, ValidatorInfo{Author: author, PublicKey: key, VotingPower: p.VotingPower})
	}
	verifier, err := NewVerifier(infos)
	if err != nil {
		return nil, err
	}
	return &EpochState{Epoch: epoch, Verifier: verifier}, nil
}

// LoadSigner derives this validator's key from its configured seed
func LoadSigner(cfg config.ValidatorConfig) (*Signer, error) {
	if cfg.Author == "" || cfg.Seed == "" {
		return nil, fmt.Errorf("%w: validator.author and validator.seed are required", ErrMissingKey)
	}
	return GenerateSigner(models.Author(cfg.Author), []byte(cfg.Seed)), nil
}
