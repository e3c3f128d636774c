package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/FoCDoT-Tech/quorum/internal/types"
)

// File-backed reference implementations of the storage contracts. Every
// mutation is flushed and fsynced before it returns; a node that cannot prove
// durability must not acknowledge votes or entries built on it.

const (
	stableFileName = "stable.json"
	walFileName    = "wal.log"
	snapMetaName   = "snapshot.meta.json"
	snapDataName   = "snapshot.dat"
)

// --- FileStableStore ---

type stableState struct {
	Term     uint64       `json:"term"`
	VotedFor types.NodeID `json:"voted_for"`
	HasVote  bool         `json:"has_vote"`
}

// FileStableStore persists term and vote in a single JSON file, rewritten
// atomically (temp file + rename) on every change.
type FileStableStore struct {
	mu    sync.Mutex
	path  string
	state stableState
}

func NewFileStableStore(dir string) (*FileStableStore, error) {
	s := &FileStableStore{path: filepath.Join(dir, stableFileName)}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read stable store: %w", err)
	}
	if err := json.Unmarshal(data, &s.state); err != nil {
		return nil, fmt.Errorf("decode stable store: %w", err)
	}
	return s, nil
}

func (s *FileStableStore) GetCurrentTerm() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Term, nil
}

func (s *FileStableStore) SetCurrentTerm(term uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.state
	s.state.Term = term
	if err := s.writeLocked(); err != nil {
		s.state = prev
		return err
	}
	return nil
}

func (s *FileStableStore) GetVotedFor() (types.NodeID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.VotedFor, s.state.HasVote, nil
}

func (s *FileStableStore) SetVotedFor(id types.NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.state
	s.state.VotedFor = id
	s.state.HasVote = true
	if err := s.writeLocked(); err != nil {
		s.state = prev
		return err
	}
	return nil
}

func (s *FileStableStore) ClearVotedFor() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.state
	s.state.VotedFor = ""
	s.state.HasVote = false
	if err := s.writeLocked(); err != nil {
		s.state = prev
		return err
	}
	return nil
}

func (s *FileStableStore) writeLocked() error {
	data, err := json.Marshal(s.state)
	if err != nil {
		return err
	}
	return atomicWrite(s.path, data)
}

// --- FileLogStore ---

type walOp uint8

const (
	walAppend walOp = iota + 1
	walDeleteFrom
	walTruncatePrefix
	walReset
)

type walRecord struct {
	Op      walOp      `json:"op"`
	Entries []LogEntry `json:"entries,omitempty"`
	Index   uint64     `json:"index,omitempty"`
	Term    uint64     `json:"term,omitempty"`
}

// FileLogStore is a write-ahead log of JSON records, one per line, with an
// in-memory mirror serving reads. TruncatePrefix rewrites the file so the WAL
// shrinks with each snapshot.
type FileLogStore struct {
	mu     sync.Mutex
	dir    string
	file   *os.File
	w      *bufio.Writer
	mirror *MemLogStore
}

func NewFileLogStore(dir string) (*FileLogStore, error) {
	s := &FileLogStore{dir: dir, mirror: NewMemLogStore()}
	path := filepath.Join(dir, walFileName)

	if err := s.replay(path); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open wal: %w", err)
	}
	s.file = file
	s.w = bufio.NewWriter(file)
	return s, nil
}

func (s *FileLogStore) replay(path string) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open wal for replay: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec walRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			// A torn final record from a crash mid-write is dropped.
			break
		}
		s.applyToMirror(rec)
	}
	return scanner.Err()
}

func (s *FileLogStore) applyToMirror(rec walRecord) {
	switch rec.Op {
	case walAppend:
		s.mirror.Append(rec.Entries)
	case walDeleteFrom:
		s.mirror.DeleteFrom(rec.Index)
	case walTruncatePrefix:
		s.mirror.TruncatePrefix(rec.Index)
	case walReset:
		s.mirror.Reset(rec.Index, rec.Term)
	}
}

func (s *FileLogStore) writeRecord(rec walRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := s.w.Write(append(data, '\n')); err != nil {
		return err
	}
	if err := s.w.Flush(); err != nil {
		return err
	}
	return s.file.Sync()
}

func (s *FileLogStore) FirstIndex() (uint64, error) { return s.mirror.FirstIndex() }
func (s *FileLogStore) LastIndex() (uint64, error)  { return s.mirror.LastIndex() }

func (s *FileLogStore) TermAt(index uint64) (uint64, error) {
	return s.mirror.TermAt(index)
}

func (s *FileLogStore) ReadRange(lo, hi uint64) ([]LogEntry, error) {
	return s.mirror.ReadRange(lo, hi)
}

func (s *FileLogStore) Append(entries []LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeRecord(walRecord{Op: walAppend, Entries: entries}); err != nil {
		return err
	}
	return s.mirror.Append(entries)
}

func (s *FileLogStore) DeleteFrom(index uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeRecord(walRecord{Op: walDeleteFrom, Index: index}); err != nil {
		return err
	}
	return s.mirror.DeleteFrom(index)
}

func (s *FileLogStore) TruncatePrefix(upto uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mirror.TruncatePrefix(upto); err != nil {
		return err
	}
	return s.rewriteLocked()
}

func (s *FileLogStore) Reset(index, term uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mirror.Reset(index, term); err != nil {
		return err
	}
	return s.rewriteLocked()
}

// rewriteLocked replaces the WAL with a compact form of the mirror: one reset
// record for the base followed by one append record for the retained suffix.
func (s *FileLogStore) rewriteLocked() error {
	first, _ := s.mirror.FirstIndex()
	last, _ := s.mirror.LastIndex()
	baseTerm, err := s.mirror.TermAt(first - 1)
	if err != nil {
		return err
	}

	var entries []LogEntry
	if last >= first {
		entries, err = s.mirror.ReadRange(first, last)
		if err != nil {
			return err
		}
	}

	path := filepath.Join(s.dir, walFileName)
	tmp := path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(file)

	records := []walRecord{{Op: walReset, Index: first - 1, Term: baseTerm}}
	if len(entries) > 0 {
		records = append(records, walRecord{Op: walAppend, Entries: entries})
	}
	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			file.Close()
			return err
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			file.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		file.Close()
		return err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}

	if s.file != nil {
		s.file.Close()
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}

	reopened, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	s.file = reopened
	s.w = bufio.NewWriter(reopened)
	return nil
}

// Close releases the underlying WAL file handle.
func (s *FileLogStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	if err := s.w.Flush(); err != nil {
		return err
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// --- FileSnapshotStore ---

// FileSnapshotStore keeps the latest snapshot as a metadata file plus a data
// file, each replaced atomically.
type FileSnapshotStore struct {
	mu  sync.Mutex
	dir string
}

func NewFileSnapshotStore(dir string) (*FileSnapshotStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileSnapshotStore{dir: dir}, nil
}

func (s *FileSnapshotStore) Save(meta SnapshotMeta, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := atomicWrite(filepath.Join(s.dir, snapDataName), data); err != nil {
		return err
	}
	metaData, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return atomicWrite(filepath.Join(s.dir, snapMetaName), metaData)
}

func (s *FileSnapshotStore) Load() (SnapshotMeta, []byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	metaData, err := os.ReadFile(filepath.Join(s.dir, snapMetaName))
	if err != nil {
		if os.IsNotExist(err) {
			return SnapshotMeta{}, nil, false, nil
		}
		return SnapshotMeta{}, nil, false, err
	}
	var meta SnapshotMeta
	if err := json.Unmarshal(metaData, &meta); err != nil {
		return SnapshotMeta{}, nil, false, err
	}
	data, err := os.ReadFile(filepath.Join(s.dir, snapDataName))
	if err != nil {
		return SnapshotMeta{}, nil, false, err
	}
	return meta, data, true, nil
}

func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		return err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
