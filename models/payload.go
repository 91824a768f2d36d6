package models

import "golang.org/x/crypto/sha3"

// TxnKind distinguishes ordinary user transactions from validator system transactions
type TxnKind string

const (
	TxnUser      TxnKind = "user"
	TxnValidator TxnKind = "validator"  // generic validator system transaction
	TxnDKGResult TxnKind = "dkg_result" // on-chain randomness transcript
	TxnJWKUpdate TxnKind = "jwk_update" // observed JWK set update
)

// IsValidatorTxn reports whether the kind travels in the validator transaction lane
func (k TxnKind) IsValidatorTxn() bool {
	switch k {
	case TxnValidator, TxnDKGResult, TxnJWKUpdate:
		return true
	default:
		return false
	}
}

// Transaction is a single payload entry
type Transaction struct {
	Kind TxnKind `json:"kind"`
	Data []byte  `json:"data"`
}

// Payload is the opaque content a node carries
type Payload struct {
	Transactions []Transaction `json:"transactions"`
}

// Size returns the number of transactions and their total data size
func (p Payload) Size() (count int, bytes int) {
	for _, txn := range p.Transactions {
		count++
		bytes += len(txn.Data)
	}
	return count, bytes
}

// Digest hashes every transaction in order
func (p Payload) Digest() Digest {
	h := sha3.New256()
	writeUint64(h, uint64(len(p.Transactions)))
	for _, txn := range p.Transactions {
		writeUint64(h, uint64(len(txn.Kind)))
		h.Write([]byte(txn.Kind))
		writeUint64(h, uint64(len(txn.Data)))
		h.Write(txn.Data)
	}
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}
