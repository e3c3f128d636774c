package storage

import (
	"fmt"
	"sync"

	"github.com/FoCDoT-Tech/quorum/internal/types"
)

// EntryKind distinguishes ordinary commands from configuration changes and
// the barrier entry a leader appends at the start of its term.
type EntryKind int

const (
	EntryNormal EntryKind = iota
	EntryConfig
	EntryNoop
)

func (k EntryKind) String() string {
	switch k {
	case EntryNormal:
		return "normal"
	case EntryConfig:
		return "config"
	case EntryNoop:
		return "noop"
	default:
		return "unknown"
	}
}

// LogEntry is a single entry in the replicated log. Config is set only for
// EntryConfig entries.
type LogEntry struct {
	Index  uint64               `json:"index"`
	Term   uint64               `json:"term"`
	Kind   EntryKind            `json:"kind"`
	Cmd    types.Command        `json:"cmd"`
	Config *types.Configuration `json:"config,omitempty"`
}

// SnapshotMeta holds metadata about a snapshot, including the cluster
// configuration in effect at the snapshot point so a restored node does not
// depend on compacted config entries.
type SnapshotMeta struct {
	LastIncludedIndex uint64               `json:"last_included_index"`
	LastIncludedTerm  uint64               `json:"last_included_term"`
	Config            types.Configuration `json:"config"`
}

// --- Interfaces ---
//
// All writes must be durable before the call returns; callers acknowledge
// votes and appended entries to the rest of the cluster based on them.

// StableStore persists durable node state (term, vote).
type StableStore interface {
	GetCurrentTerm() (uint64, error)
	SetCurrentTerm(uint64) error
	GetVotedFor() (types.NodeID, bool, error)
	SetVotedFor(types.NodeID) error
	ClearVotedFor() error
}

// LogStore persists the replicated log. The log is 1-based; index 0 is the
// empty sentinel. After compaction the log starts at FirstIndex and the
// compacted boundary (FirstIndex-1, with its term) remains addressable
// through TermAt.
type LogStore interface {
	FirstIndex() (uint64, error)
	LastIndex() (uint64, error)
	TermAt(index uint64) (uint64, error)
	Append(entries []LogEntry) error
	ReadRange(lo, hi uint64) ([]LogEntry, error)
	DeleteFrom(index uint64) error
	TruncatePrefix(upto uint64) error
	Reset(index, term uint64) error
}

// SnapshotStore persists snapshots.
type SnapshotStore interface {
	Save(meta SnapshotMeta, data []byte) error
	Load() (meta SnapshotMeta, data []byte, ok bool, err error)
}

// --- Memory implementations ---

// MemStableStore is an in-memory StableStore.
type MemStableStore struct {
	mu       sync.Mutex
	term     uint64
	votedFor types.NodeID
	hasVote  bool
}

func NewMemStableStore() *MemStableStore {
	return &MemStableStore{}
}

func (s *MemStableStore) GetCurrentTerm() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.term, nil
}

func (s *MemStableStore) SetCurrentTerm(term uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.term = term
	return nil
}

func (s *MemStableStore) GetVotedFor() (types.NodeID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.votedFor, s.hasVote, nil
}

func (s *MemStableStore) SetVotedFor(id types.NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.votedFor = id
	s.hasVote = true
	return nil
}

func (s *MemStableStore) ClearVotedFor() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.votedFor = ""
	s.hasVote = false
	return nil
}

// MemLogStore is an in-memory LogStore. base is the index of the last
// compacted entry (0 before any compaction); entries[i] holds index base+1+i.
type MemLogStore struct {
	mu       sync.Mutex
	base     uint64
	baseTerm uint64
	entries  []LogEntry
}

func NewMemLogStore() *MemLogStore {
	return &MemLogStore{}
}

func (s *MemLogStore) FirstIndex() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.base + 1, nil
}

func (s *MemLogStore) LastIndex() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.base + uint64(len(s.entries)), nil
}

func (s *MemLogStore) TermAt(index uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.termAtLocked(index)
}

func (s *MemLogStore) termAtLocked(index uint64) (uint64, error) {
	if index == s.base {
		return s.baseTerm, nil
	}
	last := s.base + uint64(len(s.entries))
	if index < s.base || index > last {
		return 0, fmt.Errorf("index %d out of range [%d, %d]", index, s.base, last)
	}
	return s.entries[index-s.base-1].Term, nil
}

func (s *MemLogStore) Append(entries []LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entries...)
	return nil
}

func (s *MemLogStore) ReadRange(lo, hi uint64) ([]LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	last := s.base + uint64(len(s.entries))
	if lo <= s.base || hi > last || lo > hi {
		return nil, fmt.Errorf("invalid range [%d, %d], log covers [%d, %d]", lo, hi, s.base+1, last)
	}
	result := make([]LogEntry, hi-lo+1)
	copy(result, s.entries[lo-s.base-1:hi-s.base])
	return result, nil
}

func (s *MemLogStore) DeleteFrom(index uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	last := s.base + uint64(len(s.entries))
	if index <= s.base || index > last {
		return fmt.Errorf("index %d out of range [%d, %d]", index, s.base+1, last)
	}
	s.entries = s.entries[:index-s.base-1]
	return nil
}

func (s *MemLogStore) TruncatePrefix(upto uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if upto <= s.base {
		return nil
	}
	last := s.base + uint64(len(s.entries))
	if upto > last {
		return fmt.Errorf("prefix %d beyond last index %d", upto, last)
	}
	term, err := s.termAtLocked(upto)
	if err != nil {
		return err
	}
	s.entries = append([]LogEntry(nil), s.entries[upto-s.base:]...)
	s.base = upto
	s.baseTerm = term
	return nil
}

func (s *MemLogStore) Reset(index, term uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.base = index
	s.baseTerm = term
	s.entries = nil
	return nil
}

// MemSnapshotStore is an in-memory SnapshotStore.
type MemSnapshotStore struct {
	mu   sync.Mutex
	meta SnapshotMeta
	data []byte
	ok   bool
}

func NewMemSnapshotStore() *MemSnapshotStore {
	return &MemSnapshotStore{}
}

func (s *MemSnapshotStore) Save(meta SnapshotMeta, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta = meta
	s.data = make([]byte, len(data))
	copy(s.data, data)
	s.ok = true
	return nil
}

func (s *MemSnapshotStore) Load() (SnapshotMeta, []byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ok {
		return SnapshotMeta{}, nil, false, nil
	}
	data := make([]byte, len(s.data))
	copy(data, s.data)
	return s.meta, data, true, nil
}
