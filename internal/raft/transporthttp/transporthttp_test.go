package transporthttp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/FoCDoT-Tech/quorum/internal/raft"
	"github.com/FoCDoT-Tech/quorum/internal/raft/storage"
	"github.com/FoCDoT-Tech/quorum/internal/types"
)

// echoHandler records the last request of each kind and returns fixed
// responses.
type echoHandler struct {
	lastVote    raft.RequestVoteRequest
	lastAppend  raft.AppendEntriesRequest
	lastInstall raft.InstallSnapshotRequest
}

func (h *echoHandler) HandleRequestVote(_ context.Context, req raft.RequestVoteRequest) (raft.RequestVoteResponse, error) {
	h.lastVote = req
	return raft.RequestVoteResponse{Term: req.Term, VoteGranted: true}, nil
}

func (h *echoHandler) HandleAppendEntries(_ context.Context, req raft.AppendEntriesRequest) (raft.AppendEntriesResponse, error) {
	h.lastAppend = req
	return raft.AppendEntriesResponse{Term: req.Term, Success: true, MatchIndex: req.PrevLogIndex + uint64(len(req.Entries))}, nil
}

func (h *echoHandler) HandleInstallSnapshot(_ context.Context, req raft.InstallSnapshotRequest) (raft.InstallSnapshotResponse, error) {
	h.lastInstall = req
	return raft.InstallSnapshotResponse{Term: req.Term}, nil
}

func newPair(t *testing.T) (*HTTPTransport, *echoHandler) {
	t.Helper()
	h := &echoHandler{}
	srv := httptest.NewServer(NewRaftHTTPServer(h).Handler())
	t.Cleanup(srv.Close)
	resolver := NewPeerResolver(map[types.NodeID]string{"n2": srv.URL})
	return NewHTTPTransport(resolver), h
}

func TestHTTPTransport_RequestVoteRoundTrip(t *testing.T) {
	tp, h := newPair(t)

	resp, err := tp.RequestVote(context.Background(), "n2", raft.RequestVoteRequest{
		Term: 4, CandidateID: "n1", LastLogIndex: 9, LastLogTerm: 3,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !resp.VoteGranted || resp.Term != 4 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if h.lastVote.CandidateID != "n1" || h.lastVote.LastLogIndex != 9 {
		t.Fatalf("request mangled in transit: %+v", h.lastVote)
	}
}

func TestHTTPTransport_AppendEntriesRoundTrip(t *testing.T) {
	tp, h := newPair(t)

	req := raft.AppendEntriesRequest{
		Term: 2, LeaderID: "n1", PrevLogIndex: 3, PrevLogTerm: 2, LeaderCommit: 3,
		Entries: []storage.LogEntry{
			{Index: 4, Term: 2, Cmd: types.Command{Op: types.OpPut, Key: "k", Value: "v"}},
		},
	}
	resp, err := tp.AppendEntries(context.Background(), "n2", req)
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Success || resp.MatchIndex != 4 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if len(h.lastAppend.Entries) != 1 || h.lastAppend.Entries[0].Cmd.Key != "k" {
		t.Fatalf("entries mangled in transit: %+v", h.lastAppend.Entries)
	}
}

func TestHTTPTransport_InstallSnapshotRoundTrip(t *testing.T) {
	tp, h := newPair(t)

	req := raft.InstallSnapshotRequest{
		Term: 5, LeaderID: "n1", LastIncludedIndex: 40, LastIncludedTerm: 4,
		Config: types.SimpleConfig([]types.NodeID{"n1", "n2", "n3"}),
		Data:   []byte(`{"kv":{"a":"1"}}`),
		Done:   true,
	}
	resp, err := tp.InstallSnapshot(context.Background(), "n2", req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Term != 5 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if h.lastInstall.LastIncludedIndex != 40 || string(h.lastInstall.Data) != string(req.Data) {
		t.Fatalf("snapshot mangled in transit: %+v", h.lastInstall)
	}
	if len(h.lastInstall.Config.New) != 3 {
		t.Fatalf("config not carried: %+v", h.lastInstall.Config)
	}
}

func TestHTTPTransport_UnknownPeer(t *testing.T) {
	tp, _ := newPair(t)
	if _, err := tp.AppendEntries(context.Background(), "nope", raft.AppendEntriesRequest{}); err == nil {
		t.Fatal("expected error for unknown peer")
	}
}

func TestPeerResolver_Set(t *testing.T) {
	r := NewPeerResolver(map[types.NodeID]string{"n1": "http://a"})
	r.Set("n2", "http://b")

	addr, err := r.Resolve("n2")
	if err != nil || addr != "http://b" {
		t.Fatalf("resolve n2: %q err=%v", addr, err)
	}
}

func TestRaftHTTPServer_BadJSON(t *testing.T) {
	h := &echoHandler{}
	srv := httptest.NewServer(NewRaftHTTPServer(h).Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/raft/append_entries", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad JSON, got %d", resp.StatusCode)
	}
}
