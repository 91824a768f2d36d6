package dag

import "dag-broadcast/models"

// OrderRule receives certified nodes as the store admits and evicts them.
// Each node is passed to ProcessNewNode at most once and only after all of
// its in-window parents, so delivery follows round order along every chain.
type OrderRule interface {
	ProcessNewNode(node *models.CertifiedNode)
	// ProcessEvicted is called with the store lock held, before the round is dropped
	ProcessEvicted(round uint64, nodes []*models.CertifiedNode)
}

// PayloadManager is told which payloads the store starts and stops referencing
type PayloadManager interface {
	PrefetchPayload(node *models.Node)
	ReleasePayload(nodes []*models.CertifiedNode)
}

type NopOrderRule struct{}

func (NopOrderRule) ProcessNewNode(*models.CertifiedNode) {}

func (NopOrderRule) ProcessEvicted(uint64, []*models.CertifiedNode) {}

type NopPayloadManager struct{}

func (NopPayloadManager) PrefetchPayload(*models.Node) {}

func (NopPayloadManager) ReleasePayload([]*models.CertifiedNode) {}
