package broadcast

import (
	"testing"

	"github.com/stretchr/testify/require"

	"dag-broadcast/config"
	"dag-broadcast/models"
)

func txns(kinds ...models.TxnKind) models.Payload {
	var p models.Payload
	for _, k := range kinds {
		p.Transactions = append(p.Transactions, models.Transaction{Kind: k, Data: []byte("x")})
	}
	return p
}

func TestPayloadPolicy(t *testing.T) {
	base := PayloadPolicy{
		Payload:      config.PayloadConfig{MaxTxns: 2, MaxBytes: 10},
		ValidatorTxn: config.ValidatorTxnConfig{Enabled: true, MaxTxns: 2, MaxBytes: 10},
		Randomness:   config.RandomnessConfig{Enabled: true, SecrecyThreshold: 0.5, ReconstructThreshold: 0.66},
		JWKConsensus: config.JWKConsensusConfig{Enabled: true},
	}
	tests := []struct {
		name    string
		mutate  func(*PayloadPolicy)
		payload models.Payload
		wantErr bool
	}{
		{"empty", nil, txns(), false},
		{"user within limits", nil, txns(models.TxnUser, models.TxnUser), false},
		{"too many user txns", nil, txns(models.TxnUser, models.TxnUser, models.TxnUser), true},
		{"user bytes over limit", nil, models.Payload{Transactions: []models.Transaction{
			{Kind: models.TxnUser, Data: make([]byte, 11)},
		}}, true},
		{"system txns use their own limit", nil, txns(models.TxnUser, models.TxnUser, models.TxnValidator, models.TxnJWKUpdate), false},
		{"too many system txns", nil, txns(models.TxnValidator, models.TxnDKGResult, models.TxnJWKUpdate), true},
		{"validator txns disabled", func(p *PayloadPolicy) { p.ValidatorTxn.Enabled = false }, txns(models.TxnValidator), true},
		{"randomness disabled", func(p *PayloadPolicy) { p.Randomness.Enabled = false }, txns(models.TxnDKGResult), true},
		{"jwk disabled", func(p *PayloadPolicy) { p.JWKConsensus.Enabled = false }, txns(models.TxnJWKUpdate), true},
		{"unknown kind", nil, txns("mystery"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			policy := base
			if tt.mutate != nil {
				tt.mutate(&policy)
			}
			err := policy.Check(tt.payload)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidPayload)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestRejectionReason(t *testing.T) {
	require.Equal(t, "invalid_parent", rejectionReason(ErrInvalidParent))
	require.Equal(t, "missing_parents", rejectionReason(&MissingParentsError{}))
	require.Equal(t, "garbage_collected", rejectionReason(ErrGarbageCollected))
	require.Equal(t, "storage", rejectionReason(ErrStorage))
}
