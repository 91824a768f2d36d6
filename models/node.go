package models

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/sha3"
)

// Author identifies a validator within an epoch
type Author string

// NodeID is the (epoch, round, author) slot a node occupies
type NodeID struct {
	Epoch  uint64 `json:"epoch"`
	Round  uint64 `json:"round"`
	Author Author `json:"author"`
}

func (id NodeID) String() string {
	return fmt.Sprintf("%d/%d/%s", id.Epoch, id.Round, id.Author)
}

// Digest is a SHA3-256 content hash
type Digest [32]byte

func (d Digest) String() string { return hex.EncodeToString(d[:]) }

func (d Digest) IsZero() bool { return d == Digest{} }

func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Digest) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return err
	}
	if len(b) != len(d) {
		return fmt.Errorf("digest: expected %d bytes, got %d", len(d), len(b))
	}
	copy(d[:], b)
	return nil
}

// NodeMetadata is what votes and certificates sign
type NodeMetadata struct {
	NodeID
	Digest    Digest `json:"digest"`
	Timestamp uint64 `json:"timestamp"` // unix timestamp in ms
}

// ID returns the slot identity of the node
func (m NodeMetadata) ID() NodeID { return m.NodeID }

// SigningMessage returns the bytes signed by a vote on this metadata
func (m NodeMetadata) SigningMessage() []byte {
	h := sha3.New256()
	h.Write([]byte("dag-node-metadata"))
	writeID(h, m.NodeID)
	h.Write(m.Digest[:])
	writeUint64(h, m.Timestamp)
	return h.Sum(nil)
}

// Node is a proposed DAG vertex
type Node struct {
	Metadata NodeMetadata      `json:"metadata"`
	Payload  Payload           `json:"payload"`
	Parents  []NodeCertificate `json:"parents"`
}

// NewNode builds a node and fills in its digest
func NewNode(epoch, round uint64, author Author, timestamp uint64, payload Payload, parents []NodeCertificate) *Node {
	n := &Node{
		Metadata: NodeMetadata{
			NodeID:    NodeID{Epoch: epoch, Round: round, Author: author},
			Timestamp: timestamp,
		},
		Payload: payload,
		Parents: parents,
	}
	n.Metadata.Digest = n.CalculateDigest()
	return n
}

// CalculateDigest hashes the node identity, timestamp, payload and parent digests
func (n *Node) CalculateDigest() Digest {
	h := sha3.New256()
	h.Write([]byte("dag-node"))
	writeID(h, n.Metadata.NodeID)
	writeUint64(h, n.Metadata.Timestamp)
	payloadDigest := n.Payload.Digest()
	h.Write(payloadDigest[:])
	writeUint64(h, uint64(len(n.Parents)))
	for _, p := range n.Parents {
		writeID(h, p.Metadata.NodeID)
		h.Write(p.Metadata.Digest[:])
	}
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}

// ID is a shortcut for n.Metadata.ID()
func (n *Node) ID() NodeID { return n.Metadata.NodeID }

func (n *Node) Round() uint64 { return n.Metadata.Round }

func (n *Node) Author() Author { return n.Metadata.Author }

// ParentsMetadata returns the metadata of every parent certificate
func (n *Node) ParentsMetadata() []NodeMetadata {
	mds := make([]NodeMetadata, 0, len(n.Parents))
	for _, p := range n.Parents {
		mds = append(mds, p.Metadata)
	}
	return mds
}

// Vote is one validator's signature over a node's metadata
type Vote struct {
	Metadata  NodeMetadata `json:"metadata"`
	Voter     Author       `json:"voter"`
	Signature []byte       `json:"signature"`
}

// AggregateSignature is a BLS signature aggregated over the listed validator indices
type AggregateSignature struct {
	Signers   []uint16 `json:"signers"` // ascending validator indices
	Signature []byte   `json:"signature"`
}

// NodeCertificate attests that a quorum signed the metadata
type NodeCertificate struct {
	Metadata   NodeMetadata       `json:"metadata"`
	Signatures AggregateSignature `json:"signatures"`
}

// CertifiedNode is a node together with its quorum signature
type CertifiedNode struct {
	Node
	Signatures AggregateSignature `json:"signatures"`
}

// NewCertifiedNode attaches a certificate's signatures to a node
func NewCertifiedNode(node *Node, sigs AggregateSignature) *CertifiedNode {
	return &CertifiedNode{Node: *node, Signatures: sigs}
}

// Certificate returns the certificate form used as a parent reference
func (c *CertifiedNode) Certificate() NodeCertificate {
	return NodeCertificate{Metadata: c.Metadata, Signatures: c.Signatures}
}

type byteWriter interface {
	Write(p []byte) (int, error)
}

func writeUint64(w byteWriter, v uint64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	w.Write(buf[:])
}

func writeID(w byteWriter, id NodeID) {
	writeUint64(w, id.Epoch)
	writeUint64(w, id.Round)
	writeUint64(w, uint64(len(id.Author)))
	w.Write([]byte(id.Author))
}
