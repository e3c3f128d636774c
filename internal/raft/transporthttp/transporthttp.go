package transporthttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/FoCDoT-Tech/quorum/internal/raft"
	"github.com/FoCDoT-Tech/quorum/internal/types"
)

// PeerResolver maps NodeID to network address. Addresses may be updated at
// runtime when the cluster membership changes.
type PeerResolver struct {
	mu    sync.RWMutex
	peers map[types.NodeID]string
}

func NewPeerResolver(peers map[types.NodeID]string) *PeerResolver {
	m := make(map[types.NodeID]string, len(peers))
	for id, addr := range peers {
		m[id] = addr
	}
	return &PeerResolver{peers: m}
}

func (r *PeerResolver) Resolve(id types.NodeID) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	addr, ok := r.peers[id]
	if !ok {
		return "", fmt.Errorf("unknown peer: %s", id)
	}
	return addr, nil
}

// Set adds or updates a peer address.
func (r *PeerResolver) Set(id types.NodeID, addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[id] = addr
}

// --- HTTPTransport (client) ---

// HTTPTransport sends consensus RPCs as JSON over HTTP POST.
type HTTPTransport struct {
	resolver *PeerResolver
	client   *http.Client
}

func NewHTTPTransport(resolver *PeerResolver) *HTTPTransport {
	return &HTTPTransport{
		resolver: resolver,
		client:   &http.Client{},
	}
}

func (t *HTTPTransport) RequestVote(ctx context.Context, to types.NodeID, req raft.RequestVoteRequest) (raft.RequestVoteResponse, error) {
	var resp raft.RequestVoteResponse
	err := t.post(ctx, to, "/raft/request_vote", req, &resp)
	return resp, err
}

func (t *HTTPTransport) AppendEntries(ctx context.Context, to types.NodeID, req raft.AppendEntriesRequest) (raft.AppendEntriesResponse, error) {
	var resp raft.AppendEntriesResponse
	err := t.post(ctx, to, "/raft/append_entries", req, &resp)
	return resp, err
}

func (t *HTTPTransport) InstallSnapshot(ctx context.Context, to types.NodeID, req raft.InstallSnapshotRequest) (raft.InstallSnapshotResponse, error) {
	var resp raft.InstallSnapshotResponse
	err := t.post(ctx, to, "/raft/install_snapshot", req, &resp)
	return resp, err
}

func (t *HTTPTransport) post(ctx context.Context, to types.NodeID, path string, req, resp any) error {
	addr, err := t.resolver.Resolve(to)
	if err != nil {
		return err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, addr+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s to %s returned %d", path, to, httpResp.StatusCode)
	}
	return json.NewDecoder(httpResp.Body).Decode(resp)
}

// --- RaftHTTPServer (server mux) ---

// RaftHTTPServer exposes a node's RPC surface over HTTP.
type RaftHTTPServer struct {
	handler raft.RPCHandler
}

func NewRaftHTTPServer(handler raft.RPCHandler) *RaftHTTPServer {
	return &RaftHTTPServer{handler: handler}
}

func (s *RaftHTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /raft/request_vote", s.handleRequestVote)
	mux.HandleFunc("POST /raft/append_entries", s.handleAppendEntries)
	mux.HandleFunc("POST /raft/install_snapshot", s.handleInstallSnapshot)
	return mux
}

func (s *RaftHTTPServer) handleRequestVote(w http.ResponseWriter, r *http.Request) {
	var req raft.RequestVoteRequest
	if !decode(w, r, &req) {
		return
	}
	resp, err := s.handler.HandleRequestVote(r.Context(), req)
	respond(w, resp, err)
}

func (s *RaftHTTPServer) handleAppendEntries(w http.ResponseWriter, r *http.Request) {
	var req raft.AppendEntriesRequest
	if !decode(w, r, &req) {
		return
	}
	resp, err := s.handler.HandleAppendEntries(r.Context(), req)
	respond(w, resp, err)
}

func (s *RaftHTTPServer) handleInstallSnapshot(w http.ResponseWriter, r *http.Request) {
	var req raft.InstallSnapshotRequest
	if !decode(w, r, &req) {
		return
	}
	resp, err := s.handler.HandleInstallSnapshot(r.Context(), req)
	respond(w, resp, err)
}

func decode(w http.ResponseWriter, r *http.Request, req any) bool {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "bad JSON"})
		return false
	}
	return true
}

func respond(w http.ResponseWriter, resp any, err error) {
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}
	json.NewEncoder(w).Encode(resp)
}
