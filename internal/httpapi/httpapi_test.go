package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/FoCDoT-Tech/quorum/internal/kvservice"
	"github.com/FoCDoT-Tech/quorum/internal/kvsm"
	"github.com/FoCDoT-Tech/quorum/internal/raft"
	"github.com/FoCDoT-Tech/quorum/internal/types"
)

// mockNode implements kvservice.ConsensusNode over a bare state machine.
type mockNode struct {
	leader     bool
	leaderHint types.LeaderHint
	sm         *kvsm.KVStateMachine
	configErr  error
}

func (m *mockNode) Propose(_ context.Context, cmd types.Command) (types.ApplyResult, error) {
	if !m.leader {
		return types.ApplyResult{}, raft.ErrNotLeader
	}
	return m.sm.Apply(cmd), nil
}

func (m *mockNode) ProposeConfigChange(context.Context, []types.NodeID) (types.ApplyResult, error) {
	if m.configErr != nil {
		return types.ApplyResult{}, m.configErr
	}
	return types.ApplyResult{Ok: true}, nil
}

func (m *mockNode) IsLeader() bool                { return m.leader }
func (m *mockNode) LeaderHint() types.LeaderHint  { return m.leaderHint }
func (m *mockNode) Status() types.NodeStatus      { return types.NodeStatus{ID: "mock", Role: raft.RoleLeader} }
func (m *mockNode) ReadIndex(context.Context) (uint64, error) {
	if !m.leader {
		return 0, raft.ErrNotLeader
	}
	return 0, nil
}
func (m *mockNode) WaitApplied(context.Context, uint64) error { return nil }

func setupLeader() *httptest.Server {
	sm := kvsm.New()
	node := &mockNode{leader: true, sm: sm}
	svc := kvservice.New(node, sm, kvservice.Config{ReadPolicy: types.ReadPolicyReadIndex})
	return httptest.NewServer(New(svc, nil).Handler())
}

func setupFollower() *httptest.Server {
	sm := kvsm.New()
	node := &mockNode{
		leader: false,
		sm:     sm,
		leaderHint: types.LeaderHint{
			LeaderID:   "leader",
			LeaderAddr: "http://leader:8080",
		},
	}
	svc := kvservice.New(node, sm, kvservice.Config{})
	return httptest.NewServer(New(svc, nil).Handler())
}

func noRedirectClient() *http.Client {
	return &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func TestHTTPAPI_Healthz(t *testing.T) {
	ts := setupLeader()
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]string
	json.NewDecoder(resp.Body).Decode(&body)
	if body["status"] != "ok" {
		t.Fatalf("expected ok, got %s", body["status"])
	}
}

func TestHTTPAPI_PutGetDelete(t *testing.T) {
	ts := setupLeader()
	defer ts.Close()
	client := ts.Client()

	putBody, _ := json.Marshal(map[string]any{
		"client_id": "c1", "seq": 1, "value": "hello",
	})
	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/kv/mykey", bytes.NewReader(putBody))
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("put: expected 200, got %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/kv/mykey")
	if err != nil {
		t.Fatal(err)
	}
	var got struct {
		Ok    bool   `json:"ok"`
		Value string `json:"value"`
	}
	json.NewDecoder(resp.Body).Decode(&got)
	resp.Body.Close()
	if !got.Ok || got.Value != "hello" {
		t.Fatalf("get: %+v", got)
	}

	req, _ = http.NewRequest(http.MethodDelete, ts.URL+"/kv/mykey", nil)
	resp, err = client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("delete: expected 200, got %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/kv/mykey")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete: expected 404, got %d", resp.StatusCode)
	}
}

func TestHTTPAPI_CAS(t *testing.T) {
	ts := setupLeader()
	defer ts.Close()

	put := func(value string) {
		body, _ := json.Marshal(map[string]any{"value": value})
		req, _ := http.NewRequest(http.MethodPut, ts.URL+"/kv/counter", bytes.NewReader(body))
		resp, err := ts.Client().Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
	}
	put("1")

	casBody, _ := json.Marshal(map[string]any{"expected": "1", "value": "2"})
	resp, err := http.Post(ts.URL+"/kv/counter/cas", "application/json", bytes.NewReader(casBody))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("cas: expected 200, got %d", resp.StatusCode)
	}

	// Losing race gets a conflict with the current value.
	casBody, _ = json.Marshal(map[string]any{"expected": "1", "value": "3"})
	resp, err = http.Post(ts.URL+"/kv/counter/cas", "application/json", bytes.NewReader(casBody))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("failed cas: expected 409, got %d", resp.StatusCode)
	}
	var res types.ApplyResult
	json.NewDecoder(resp.Body).Decode(&res)
	if res.Ok || res.Value != "2" {
		t.Fatalf("failed cas should report current value: %+v", res)
	}
}

func TestHTTPAPI_FollowerRedirectsWrites(t *testing.T) {
	ts := setupFollower()
	defer ts.Close()
	client := noRedirectClient()

	body, _ := json.Marshal(map[string]any{"value": "x"})
	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/kv/k", bytes.NewReader(body))
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTemporaryRedirect {
		t.Fatalf("expected 307, got %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "http://leader:8080" {
		t.Fatalf("expected leader hint in Location, got %q", loc)
	}
	var payload struct {
		Error string           `json:"error"`
		Hint  types.LeaderHint `json:"leader_hint"`
	}
	json.NewDecoder(resp.Body).Decode(&payload)
	if payload.Error != "not_leader" || payload.Hint.LeaderID != "leader" {
		t.Fatalf("unexpected redirect payload: %+v", payload)
	}
}

func TestHTTPAPI_FollowerRedirectsReads(t *testing.T) {
	sm := kvsm.New()
	node := &mockNode{
		leader: false,
		sm:     sm,
		leaderHint: types.LeaderHint{
			LeaderID:   "leader",
			LeaderAddr: "http://leader:8080",
		},
	}
	svc := kvservice.New(node, sm, kvservice.Config{ReadPolicy: types.ReadPolicyReadIndex})
	ts := httptest.NewServer(New(svc, nil).Handler())
	defer ts.Close()

	// A linearizable read cannot be served here; the client is pointed at
	// the leader just like a write.
	resp, err := noRedirectClient().Get(ts.URL + "/kv/k")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTemporaryRedirect {
		t.Fatalf("expected 307, got %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "http://leader:8080" {
		t.Fatalf("expected leader hint in Location, got %q", loc)
	}
}

func TestHTTPAPI_MembershipConflict(t *testing.T) {
	sm := kvsm.New()
	node := &mockNode{leader: true, sm: sm, configErr: raft.ErrConfigInFlight}
	svc := kvservice.New(node, sm, kvservice.Config{})
	ts := httptest.NewServer(New(svc, nil).Handler())
	defer ts.Close()

	body, _ := json.Marshal(map[string]any{"members": []string{"n1", "n2"}})
	resp, err := http.Post(ts.URL+"/cluster/members", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
}

func TestHTTPAPI_BadJSON(t *testing.T) {
	ts := setupLeader()
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/kv/k", bytes.NewReader([]byte("{not json")))
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}
