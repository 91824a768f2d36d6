package handlers_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"dag-broadcast/broadcast"
	"dag-broadcast/config"
	"dag-broadcast/dag"
	"dag-broadcast/db"
	"dag-broadcast/handlers"
	"dag-broadcast/health"
	"dag-broadcast/logger"
	"dag-broadcast/metrics"
	"dag-broadcast/models"
	"dag-broadcast/repository"
	"dag-broadcast/routers"
	"dag-broadcast/validator/validatortest"
)

type testServer struct {
	router   *mux.Router
	fixture  *validatortest.Fixture
	pipeline *health.Static
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger.Logger = zap.NewNop()

	ldb, err := db.NewMemLevelDB()
	if err != nil {
		t.Fatalf("open leveldb: %v", err)
	}
	t.Cleanup(func() { ldb.Close() })
	repo := repository.NewNodeRepository(ldb)

	f := validatortest.New(t, 1, 4)
	store, err := dag.NewStore(f.State, repo, dag.NopPayloadManager{}, dag.NopOrderRule{}, 1, 10)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	pipeline := health.NewStatic(health.Healthy)
	b, err := broadcast.NewHandler(broadcast.Params{
		Store:      store,
		EpochState: f.State,
		Signer:     f.Signers[3],
		Storage:    repo,
		Pipeline:   pipeline,
		Policy: broadcast.PayloadPolicy{
			Payload: config.PayloadConfig{MaxTxns: 10, MaxBytes: 1024},
		},
		Metrics: m,
	})
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}

	router := mux.NewRouter()
	routers.RegisterRoutes(router, handlers.NewHandler(b, store, health.NoChainHealth{}, pipeline), reg)
	return &testServer{router: router, fixture: f, pipeline: pipeline}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	res := httptest.NewRecorder()
	s.router.ServeHTTP(res, req)
	return res
}

func decodeVote(t *testing.T, res *httptest.ResponseRecorder) models.Vote {
	t.Helper()
	var body struct {
		Vote models.Vote `json:"vote"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode vote: %v", err)
	}
	return body.Vote
}

func TestProcessNode_Success(t *testing.T) {
	s := newTestServer(t)
	node := s.fixture.Node(1, 0, "payload", nil)

	res := s.do(t, http.MethodPost, "/nodes", node)
	if res.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d, body: %s", res.Code, res.Body.String())
	}
	vote := decodeVote(t, res)
	if vote.Metadata != node.Metadata {
		t.Fatalf("expected vote for %s, got %s", node.ID(), vote.Metadata.ID())
	}
	if vote.Voter != validatortest.Author(3) {
		t.Fatalf("expected voter v3, got %s", vote.Voter)
	}
}

func TestProcessNode_EquivocationReplaysVote(t *testing.T) {
	s := newTestServer(t)

	first := decodeVote(t, s.do(t, http.MethodPost, "/nodes", s.fixture.Node(1, 0, "a", nil)))
	res := s.do(t, http.MethodPost, "/nodes", s.fixture.Node(1, 0, "b", nil))
	if res.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", res.Code)
	}
	second := decodeVote(t, res)
	if first.Metadata != second.Metadata || !bytes.Equal(first.Signature, second.Signature) {
		t.Fatalf("expected the original vote to be replayed")
	}
}

func TestProcessNode_InvalidPayload(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/nodes", strings.NewReader("{not json"))
	res := httptest.NewRecorder()
	s.router.ServeHTTP(res, req)
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", res.Code)
	}
}

func TestProcessNode_MissingAndInvalidParents(t *testing.T) {
	s := newTestServer(t)
	round1 := s.fixture.Round(1, nil)
	parents := validatortest.Certificates(round1)

	res := s.do(t, http.MethodPost, "/nodes", s.fixture.Node(2, 0, "child", parents))
	if res.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d, body: %s", res.Code, res.Body.String())
	}
	var body struct {
		Retryable bool                  `json:"retryable"`
		Missing   []models.NodeMetadata `json:"missing"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.Retryable || len(body.Missing) != 4 {
		t.Fatalf("expected 4 retryable missing parents, got %+v", body)
	}

	res = s.do(t, http.MethodPost, "/nodes", s.fixture.Node(2, 0, "child", parents[:1]))
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", res.Code)
	}
}

func TestCertifiedNodesAndQueries(t *testing.T) {
	s := newTestServer(t)
	round1 := s.fixture.Round(1, nil)
	for _, n := range round1 {
		res := s.do(t, http.MethodPost, "/certified-nodes", n)
		if res.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d, body: %s", res.Code, res.Body.String())
		}
	}

	res := s.do(t, http.MethodGet, "/dag/nodes/1/v2", nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", res.Code)
	}
	var got struct {
		Certified bool                 `json:"certified"`
		Node      models.CertifiedNode `json:"node"`
	}
	if err := json.NewDecoder(res.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.Certified || got.Node.Metadata != round1[2].Metadata {
		t.Fatalf("unexpected node %+v", got)
	}

	if res := s.do(t, http.MethodGet, "/dag/nodes/1/v9", nil); res.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", res.Code)
	}

	res = s.do(t, http.MethodGet, "/dag/rounds/1", nil)
	var round struct {
		Nodes       []models.NodeMetadata `json:"nodes"`
		VotingPower uint64                `json:"voting_power"`
	}
	if err := json.NewDecoder(res.Body).Decode(&round); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(round.Nodes) != 4 || round.VotingPower != 4 {
		t.Fatalf("unexpected round %+v", round)
	}

	res = s.do(t, http.MethodGet, "/dag/window", nil)
	var window map[string]uint64
	if err := json.NewDecoder(res.Body).Decode(&window); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if window["lowest_round"] != 1 || window["highest_round"] != 1 {
		t.Fatalf("unexpected window %v", window)
	}

	forged := *round1[0]
	forged.Signatures = s.fixture.CertifyBy(&round1[0].Node, 0).Signatures
	if res := s.do(t, http.MethodPost, "/certified-nodes", &forged); res.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", res.Code)
	}
}

func TestGCBeforeRound(t *testing.T) {
	s := newTestServer(t)
	if res := s.do(t, http.MethodPost, "/nodes", s.fixture.Node(1, 0, "a", nil)); res.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", res.Code)
	}

	if res := s.do(t, http.MethodPost, "/gc/2", nil); res.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", res.Code)
	}

	res := s.do(t, http.MethodGet, "/votes", nil)
	var votes []models.Vote
	if err := json.NewDecoder(res.Body).Decode(&votes); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(votes) != 0 {
		t.Fatalf("expected no votes, got %d", len(votes))
	}

	if res := s.do(t, http.MethodPost, "/nodes", s.fixture.Node(1, 1, "b", nil)); res.Code != http.StatusGone {
		t.Fatalf("expected status 410, got %d", res.Code)
	}
}

func TestVoteRefused(t *testing.T) {
	s := newTestServer(t)
	s.pipeline.Set(health.Signal{StopVoting: true, Reason: "backlog"})

	if res := s.do(t, http.MethodPost, "/nodes", s.fixture.Node(1, 0, "a", nil)); res.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", res.Code)
	}

	res := s.do(t, http.MethodGet, "/health", nil)
	var signals map[string]health.Signal
	if err := json.NewDecoder(res.Body).Decode(&signals); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !signals["chain"].Healthy || !signals["pipeline"].StopVoting {
		t.Fatalf("unexpected signals %+v", signals)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodPost, "/nodes", s.fixture.Node(1, 0, "a", nil))

	res := s.do(t, http.MethodGet, "/metrics", nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", res.Code)
	}
	if !strings.Contains(res.Body.String(), "dag_broadcast_votes_signed_total 1") {
		t.Fatalf("expected votes_signed_total in metrics output")
	}
}
