package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"dag-broadcast/broadcast"
	"dag-broadcast/dag"
	"dag-broadcast/health"
	"dag-broadcast/logger"
	"dag-broadcast/models"
)

// Handler contains the HTTP handlers for the broadcast API endpoints
type Handler struct {
	Broadcast   *broadcast.Handler
	DAG         *dag.Store
	ChainHealth health.ChainHealth
	Pipeline    health.PipelineBackpressure
}

// NewHandler creates and returns a new Handler instance
func NewHandler(b *broadcast.Handler, d *dag.Store, chain health.ChainHealth, pipeline health.PipelineBackpressure) *Handler {
	return &Handler{Broadcast: b, DAG: d, ChainHealth: chain, Pipeline: pipeline}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	body := map[string]interface{}{
		"error":     err.Error(),
		"retryable": broadcast.IsRetryable(err),
	}
	var missing *broadcast.MissingParentsError
	if errors.As(err, &missing) {
		body["missing"] = missing.Missing
	}
	writeJSON(w, statusFor(err), body)
}

// statusFor maps engine errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, broadcast.ErrMissingParents):
		return http.StatusAccepted
	case errors.Is(err, broadcast.ErrStaleRound), errors.Is(err, broadcast.ErrGarbageCollected):
		return http.StatusGone
	case errors.Is(err, broadcast.ErrVoteRefused):
		return http.StatusServiceUnavailable
	case errors.Is(err, broadcast.ErrInvalidParent),
		errors.Is(err, broadcast.ErrInvalidNode),
		errors.Is(err, broadcast.ErrInvalidPayload):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// ProcessNode handles POST requests asking this validator to vote for a node
func (h *Handler) ProcessNode(w http.ResponseWriter, r *http.Request) {
	var node models.Node
	if err := json.NewDecoder(r.Body).Decode(&node); err != nil {
		logger.Logger.Error("Failed to decode node", zap.Error(err))
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "Invalid request payload",
		})
		return
	}

	vote, err := h.Broadcast.Process(&node)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Node voted",
		"vote":    vote,
	})
}

// AddCertifiedNode handles POST requests carrying a certified node
func (h *Handler) AddCertifiedNode(w http.ResponseWriter, r *http.Request) {
	var node models.CertifiedNode
	if err := json.NewDecoder(r.Body).Decode(&node); err != nil {
		logger.Logger.Error("Failed to decode certified node", zap.Error(err))
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "Invalid request payload",
		})
		return
	}

	if err := h.Broadcast.AddCertifiedNode(&node); err != nil {
		writeError(w, err)
		return
	}
	logger.Logger.Info("Added certified node", zap.String("node", node.ID().String()))
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"message": "Certified node added",
		"node":    node.Metadata,
	})
}

// GetVotes lists every vote this validator has stored
func (h *Handler) GetVotes(w http.ResponseWriter, r *http.Request) {
	votes, err := h.Broadcast.Votes()
	if err != nil {
		logger.Logger.Error("Failed to list votes", zap.Error(err))
		writeError(w, err)
		return
	}
	if votes == nil {
		votes = []*models.Vote{}
	}
	writeJSON(w, http.StatusOK, votes)
}

// GCBeforeRound collects every vote below the round in the path
func (h *Handler) GCBeforeRound(w http.ResponseWriter, r *http.Request) {
	round, err := strconv.ParseUint(mux.Vars(r)["round"], 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid round"})
		return
	}
	if err := h.Broadcast.GCBeforeRound(round); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":  "Votes garbage collected",
		"gc_round": h.Broadcast.GCRound(),
	})
}

// GetWindow reports the retained round range of the DAG
func (h *Handler) GetWindow(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"epoch":         h.DAG.Epoch(),
		"window":        h.DAG.Window(),
		"lowest_round":  h.DAG.LowestRound(),
		"highest_round": h.DAG.HighestRound(),
		"gc_round":      h.Broadcast.GCRound(),
	})
}

// GetRound returns the certified nodes of a round and their voting power
func (h *Handler) GetRound(w http.ResponseWriter, r *http.Request) {
	round, err := strconv.ParseUint(mux.Vars(r)["round"], 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid round"})
		return
	}
	nodes := h.DAG.NodesInRound(round)
	metadata := make([]models.NodeMetadata, len(nodes))
	for i, n := range nodes {
		metadata[i] = n.Metadata
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"round":        round,
		"nodes":        metadata,
		"voting_power": h.DAG.RoundVotingPower(round),
	})
}

// GetNode returns the node stored at a round and author, certified or pending
func (h *Handler) GetNode(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	round, err := strconv.ParseUint(vars["round"], 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid round"})
		return
	}
	id := models.NodeID{Epoch: h.DAG.Epoch(), Round: round, Author: models.Author(vars["author"])}

	if cn, ok := h.DAG.GetCertifiedNode(id); ok {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"certified": true,
			"node":      cn,
		})
		return
	}
	if node, ok := h.DAG.GetNode(id); ok {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"certified": false,
			"node":      node,
		})
		return
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "Node not found"})
}

// GetHealth reports the current chain health and pipeline signals
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]health.Signal{
		"chain":    h.ChainHealth.Signal(),
		"pipeline": h.Pipeline.Signal(),
	})
}
