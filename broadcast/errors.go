package broadcast

import (
	"errors"

	"dag-broadcast/dag"
)

var (
	// ErrInvalidParent means the parent set is wrong: wrong round, no quorum,
	// conflicting digest or a certificate that does not verify. Permanent for
	// these bytes, but the node id stays open for a corrected node.
	ErrInvalidParent = errors.New("broadcast: invalid parent")
	// ErrMissingParents is retryable once the fetch intent has been served.
	ErrMissingParents = dag.ErrMissingParents
	// ErrInvalidNode covers structural failures of the node itself.
	ErrInvalidNode = dag.ErrInvalidNode
	// ErrInvalidPayload means the payload breaks the active payload policy.
	ErrInvalidPayload = errors.New("broadcast: invalid payload")
	// ErrStaleRound means the round fell below the DAG window.
	ErrStaleRound = dag.ErrStaleRound
	// ErrGarbageCollected means votes for the round were already collected;
	// the validator never votes there again.
	ErrGarbageCollected = errors.New("broadcast: round garbage collected")
	// ErrVoteRefused means a health capability asked to stop voting. Retryable.
	ErrVoteRefused = errors.New("broadcast: vote refused by backpressure")
	// ErrStorage wraps durable storage failures. Fatal for the call.
	ErrStorage = dag.ErrStorage
)

// MissingParentsError is returned together with a fetch intent
type MissingParentsError = dag.MissingParentsError

// IsRetryable reports whether resubmitting the same node may later succeed
func IsRetryable(err error) bool {
	return errors.Is(err, ErrMissingParents) || errors.Is(err, ErrVoteRefused)
}

// rejectionReason is the metrics label of a processing error
func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidParent):
		return "invalid_parent"
	case errors.Is(err, ErrMissingParents):
		return "missing_parents"
	case errors.Is(err, ErrInvalidPayload):
		return "invalid_payload"
	case errors.Is(err, ErrInvalidNode):
		return "invalid_node"
	case errors.Is(err, ErrStaleRound):
		return "stale_round"
	case errors.Is(err, ErrGarbageCollected):
		return "garbage_collected"
	case errors.Is(err, ErrVoteRefused):
		return "vote_refused"
	case errors.Is(err, ErrStorage):
		return "storage"
	default:
		return "other"
	}
}
