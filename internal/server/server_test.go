package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"

	"quorum/internal/config"
	"quorum/internal/db"
	"quorum/internal/engine"
	"quorum/internal/leaderboard"
	"quorum/internal/migrate"
	"quorum/internal/payout"
	"quorum/internal/repo"
	"quorum/internal/settle"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("proj-test")
	cfg.Voting.MinSample = 1
	r := repo.Repo{DB: conn}
	ranker := leaderboard.New(r, cfg.MinSample(), cfg.LeaderboardTTL(), nil)
	services := settle.New(conn, cfg, payout.LedgerRail{}, ranker, nil)
	e := engine.New(conn, cfg, ranker, nil)
	e.Settler = services
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{AllowActorHeader: true}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(testSrv.Close)
	return testSrv
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	data, err := io.ReadAll(res.Body)
	res.Body.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func asActor(actor string) map[string]string {
	return map[string]string{"X-Actor-Id": actor}
}

func TestHealthRequiresNoAuth(t *testing.T) {
	srv := newTestServer(t)
	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health = %d: %s", res.StatusCode, body)
	}
}

func TestUnauthenticatedRequestsRejected(t *testing.T) {
	srv := newTestServer(t)
	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/tasks", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d: %s", res.StatusCode, body)
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("decode envelope: %v (%s)", err, body)
	}
	if envelope.Error.Code != "unauthorized" {
		t.Fatalf("code = %q", envelope.Error.Code)
	}
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)

	// Register five voters.
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("voter-%d", i)
		res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/users",
			map[string]any{"id": id}, asActor("admin"))
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("register %s = %d: %s", id, res.StatusCode, body)
		}
	}

	// Escalate a low-confidence decision.
	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tasks", map[string]any{
		"query":         "Is this review spam?",
		"ai_confidence": 0.95,
	}, asActor("ai-agent"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task = %d: %s", res.StatusCode, body)
	}
	var task TaskResponse
	if err := json.Unmarshal(body, &task); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	if task.RequiredVoters != 5 || task.CurrentPhase != "PHASE_1" {
		t.Fatalf("task = %+v", task)
	}

	// Three same-way votes out of five reach the 0.549 threshold.
	var voteRes VoteResponse
	for i := 0; i < 3; i++ {
		voter := fmt.Sprintf("voter-%d", i)
		res, body = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/votes",
			map[string]any{"user_id": voter, "decision": "yes"}, asActor(voter))
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("vote %d = %d: %s", i, res.StatusCode, body)
		}
		if err := json.Unmarshal(body, &voteRes); err != nil {
			t.Fatalf("decode vote: %v", err)
		}
	}
	if voteRes.Outcome != "consensus" {
		t.Fatalf("final outcome = %q", voteRes.Outcome)
	}
	if voteRes.Task.Status != "resolved" {
		t.Fatalf("task status = %q", voteRes.Task.Status)
	}

	// Duplicate vote conflicts.
	res, body = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/votes",
		map[string]any{"user_id": "voter-0", "decision": "yes"}, asActor("voter-0"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate vote = %d: %s", res.StatusCode, body)
	}

	// History shows the opening and closing transitions.
	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/tasks/"+task.ID+"/transitions", nil, asActor("admin"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("transitions = %d: %s", res.StatusCode, body)
	}
	var transitions []TransitionResponse
	if err := json.Unmarshal(body, &transitions); err != nil {
		t.Fatalf("decode transitions: %v", err)
	}
	if len(transitions) < 2 {
		t.Fatalf("expected opening + closing transitions, got %d", len(transitions))
	}

	// Settlement populated the leaderboard.
	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/leaderboard", nil, asActor("admin"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("leaderboard = %d: %s", res.StatusCode, body)
	}
	var ranked []LeaderboardEntryResponse
	if err := json.Unmarshal(body, &ranked); err != nil {
		t.Fatalf("decode leaderboard: %v", err)
	}
	if len(ranked) != 3 {
		t.Fatalf("ranked = %d, want the 3 settled voters", len(ranked))
	}
}

func TestCreateTaskValidation(t *testing.T) {
	srv := newTestServer(t)

	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tasks",
		map[string]any{"ai_confidence": 0.9}, asActor("ai-agent"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing query = %d: %s", res.StatusCode, body)
	}

	res, body = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tasks",
		map[string]any{"query": "q", "ai_confidence": 1.7}, asActor("ai-agent"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("out-of-range confidence = %d: %s", res.StatusCode, body)
	}
}

func TestUnknownTaskIs404(t *testing.T) {
	srv := newTestServer(t)
	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/tasks/nope", nil, asActor("admin"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d: %s", res.StatusCode, body)
	}
}

func TestBanAndVoteForbidden(t *testing.T) {
	srv := newTestServer(t)
	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/users",
		map[string]any{"id": "banned-user"}, asActor("admin"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register = %d: %s", res.StatusCode, body)
	}
	res, body = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tasks",
		map[string]any{"query": "q", "ai_confidence": 0.6}, asActor("ai-agent"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task = %d: %s", res.StatusCode, body)
	}
	var task TaskResponse
	if err := json.Unmarshal(body, &task); err != nil {
		t.Fatal(err)
	}
	res, body = doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/v0/users/banned-user",
		map[string]any{"banned": true}, asActor("admin"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("ban = %d: %s", res.StatusCode, body)
	}
	res, body = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/votes",
		map[string]any{"user_id": "banned-user", "decision": "yes"}, asActor("banned-user"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("banned vote = %d: %s", res.StatusCode, body)
	}
}
