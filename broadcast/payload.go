package broadcast

import (
	"fmt"

	"dag-broadcast/config"
	"dag-broadcast/models"
)

// PayloadPolicy is the set of on-chain switches deciding what a node payload may carry
type PayloadPolicy struct {
	Payload      config.PayloadConfig
	ValidatorTxn config.ValidatorTxnConfig
	Randomness   config.RandomnessConfig
	JWKConsensus config.JWKConsensusConfig
}

// Check validates the payload against the limits and feature gates
func (p PayloadPolicy) Check(payload models.Payload) error {
	var userTxns, userBytes, sysTxns, sysBytes int
	for i, txn := range payload.Transactions {
		switch txn.Kind {
		case models.TxnUser:
			userTxns++
			userBytes += len(txn.Data)
			continue
		case models.TxnValidator:
		case models.TxnDKGResult:
			if !p.Randomness.Enabled {
				return fmt.Errorf("%w: txn %d: randomness is disabled", ErrInvalidPayload, i)
			}
		case models.TxnJWKUpdate:
			if !p.JWKConsensus.Enabled {
				return fmt.Errorf("%w: txn %d: jwk consensus is disabled", ErrInvalidPayload, i)
			}
		default:
			return fmt.Errorf("%w: txn %d: unknown kind %q", ErrInvalidPayload, i, txn.Kind)
		}
		if !p.ValidatorTxn.Enabled {
			return fmt.Errorf("%w: txn %d: validator transactions are disabled", ErrInvalidPayload, i)
		}
		sysTxns++
		sysBytes += len(txn.Data)
	}

	if userTxns > p.Payload.MaxTxns || userBytes > p.Payload.MaxBytes {
		return fmt.Errorf("%w: %d txns / %d bytes exceed %d / %d",
			ErrInvalidPayload, userTxns, userBytes, p.Payload.MaxTxns, p.Payload.MaxBytes)
	}
	if sysTxns > p.ValidatorTxn.MaxTxns || sysBytes > p.ValidatorTxn.MaxBytes {
		return fmt.Errorf("%w: %d validator txns / %d bytes exceed %d / %d",
			ErrInvalidPayload, sysTxns, sysBytes, p.ValidatorTxn.MaxTxns, p.ValidatorTxn.MaxBytes)
	}
	return nil
}
