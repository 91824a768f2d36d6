package validator

import (
	"encoding/hex"
	"errors"
	"fmt"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/pairing/bn256"
	"go.dedis.ch/kyber/v3/sign/bls"

	"dag-broadcast/models"
)

// Signatures live on G1 and public keys on G2, matching kyber's bls package.
var suite = bn256.NewSuite()

var ErrMissingKey = errors.New("validator: missing key")

// Signer produces this validator's BLS signatures
type Signer struct {
	author  models.Author
	private kyber.Scalar
	public  kyber.Point
}

// GenerateSigner derives a key pair. An empty seed draws fresh randomness,
// otherwise the key is a deterministic function of the seed.
func GenerateSigner(author models.Author, seed []byte) *Signer {
	var private kyber.Scalar
	var public kyber.Point
	if len(seed) == 0 {
		private, public = bls.NewKeyPair(suite, suite.RandomStream())
	} else {
		private, public = bls.NewKeyPair(suite, suite.XOF(seed))
	}
	return &Signer{author: author, private: private, public: public}
}

func (s *Signer) Author() models.Author { return s.author }

func (s *Signer) PublicKey() kyber.Point { return s.public }

// Sign signs msg with the private key
func (s *Signer) Sign(msg []byte) ([]byte, error) {
	return bls.Sign(suite, s.private, msg)
}

// EncodePublicKey hex-encodes a G2 point
func EncodePublicKey(p kyber.Point) (string, error) {
	b, err := p.MarshalBinary()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// DecodePublicKey parses the output of EncodePublicKey
func DecodePublicKey(s string) (kyber.Point, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	p := suite.G2().Point()
	if err := p.UnmarshalBinary(b); err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	return p, nil
}
