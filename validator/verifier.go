package validator

import (
	"errors"
	"fmt"
	"sort"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/sign/bls"

	"dag-broadcast/models"
)

var (
	ErrUnknownAuthor      = errors.New("validator: unknown author")
	ErrDuplicateAuthor    = errors.New("validator: duplicate author")
	ErrInsufficientPower  = errors.New("validator: insufficient voting power")
	ErrInvalidSignature   = errors.New("validator: invalid signature")
	ErrEmptyValidatorSet  = errors.New("validator: empty validator set")
	ErrInvalidSignerIndex = errors.New("validator: invalid signer index")
)

// ValidatorInfo is one member of an epoch's validator set
type ValidatorInfo struct {
	Author      models.Author
	PublicKey   kyber.Point
	VotingPower uint64
}

// Verifier checks signatures and voting power against a fixed validator set.
// It is immutable after construction and safe for concurrent use.
type Verifier struct {
	validators  []ValidatorInfo
	index       map[models.Author]int
	totalPower  uint64
	quorumPower uint64
}

// NewVerifier builds a verifier. Validator indices follow the order of infos.
func NewVerifier(infos []ValidatorInfo) (*Verifier, error) {
	if len(infos) == 0 {
		return nil, ErrEmptyValidatorSet
	}
	v := &Verifier{
		validators: make([]ValidatorInfo, len(infos)),
		index:      make(map[models.Author]int, len(infos)),
	}
	copy(v.validators, infos)
	for i, info := range infos {
		if _, ok := v.index[info.Author]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateAuthor, info.Author)
		}
		if info.PublicKey == nil {
			return nil, fmt.Errorf("%w: public key of %s", ErrMissingKey, info.Author)
		}
		v.index[info.Author] = i
		v.totalPower += info.VotingPower
	}
	v.quorumPower = v.totalPower*2/3 + 1
	return v, nil
}

// IndexOf returns the validator index of author
func (v *Verifier) IndexOf(author models.Author) (int, bool) {
	i, ok := v.index[author]
	return i, ok
}

// Authors returns validators in index order
func (v *Verifier) Authors() []models.Author {
	out := make([]models.Author, len(v.validators))
	for i, info := range v.validators {
		out[i] = info.Author
	}
	return out
}

func (v *Verifier) TotalVotingPower() uint64 { return v.totalPower }

// QuorumVotingPower is the minimum power strictly above two thirds of the total
func (v *Verifier) QuorumVotingPower() uint64 { return v.quorumPower }

// VotingPower returns 0 for unknown authors
func (v *Verifier) VotingPower(author models.Author) uint64 {
	i, ok := v.index[author]
	if !ok {
		return 0
	}
	return v.validators[i].VotingPower
}

// SumVotingPower adds up the power of distinct authors. Unknown or repeated
// authors are an error.
func (v *Verifier) SumVotingPower(authors []models.Author) (uint64, error) {
	seen := make(map[models.Author]struct{}, len(authors))
	var sum uint64
	for _, a := range authors {
		i, ok := v.index[a]
		if !ok {
			return 0, fmt.Errorf("%w: %s", ErrUnknownAuthor, a)
		}
		if _, dup := seen[a]; dup {
			return 0, fmt.Errorf("%w: %s", ErrDuplicateAuthor, a)
		}
		seen[a] = struct{}{}
		sum += v.validators[i].VotingPower
	}
	return sum, nil
}

// CheckVotingPower fails unless the distinct authors reach quorum
func (v *Verifier) CheckVotingPower(authors []models.Author) error {
	sum, err := v.SumVotingPower(authors)
	if err != nil {
		return err
	}
	if sum < v.quorumPower {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientPower, sum, v.quorumPower)
	}
	return nil
}

// Verify checks a single validator signature
func (v *Verifier) Verify(author models.Author, msg, sig []byte) error {
	i, ok := v.index[author]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAuthor, author)
	}
	if err := bls.Verify(suite, v.validators[i].PublicKey, msg, sig); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}

// AggregateSignatures combines per-author signatures over the same message
func (v *Verifier) AggregateSignatures(partials map[models.Author][]byte) (models.AggregateSignature, error) {
	signers := make([]uint16, 0, len(partials))
	for author := range partials {
		i, ok := v.index[author]
		if !ok {
			return models.AggregateSignature{}, fmt.Errorf("%w: %s", ErrUnknownAuthor, author)
		}
		signers = append(signers, uint16(i))
	}
	sort.Slice(signers, func(a, b int) bool { return signers[a] < signers[b] })

	sigs := make([][]byte, 0, len(signers))
	for _, i := range signers {
		sigs = append(sigs, partials[v.validators[i].Author])
	}
	agg, err := bls.AggregateSignatures(suite, sigs...)
	if err != nil {
		return models.AggregateSignature{}, fmt.Errorf("aggregate signatures: %w", err)
	}
	return models.AggregateSignature{Signers: signers, Signature: agg}, nil
}

// VerifyAggregate checks that the signers form a quorum and that the
// aggregate signature verifies under their aggregated public key.
func (v *Verifier) VerifyAggregate(msg []byte, agg models.AggregateSignature) error {
	authors := make([]models.Author, 0, len(agg.Signers))
	keys := make([]kyber.Point, 0, len(agg.Signers))
	for _, i := range agg.Signers {
		if int(i) >= len(v.validators) {
			return fmt.Errorf("%w: %d", ErrInvalidSignerIndex, i)
		}
		authors = append(authors, v.validators[i].Author)
		keys = append(keys, v.validators[i].PublicKey)
	}
	if err := v.CheckVotingPower(authors); err != nil {
		return err
	}
	aggKey := bls.AggregatePublicKeys(suite, keys...)
	if err := bls.Verify(suite, aggKey, msg, agg.Signature); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}

// EpochState is the validator-set snapshot of one epoch
type EpochState struct {
	Epoch    uint64
	Verifier *Verifier
}
