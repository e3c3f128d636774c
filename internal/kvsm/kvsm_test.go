package kvsm

import (
	"testing"

	"github.com/FoCDoT-Tech/quorum/internal/types"
)

func TestKVSM_PutGetDelete(t *testing.T) {
	sm := New()

	res := sm.Apply(types.Command{Op: types.OpPut, Key: "k1", Value: "v1"})
	if !res.Ok {
		t.Fatalf("put failed: %s", res.ErrMsg)
	}

	v, ok := sm.Get("k1")
	if !ok || v != "v1" {
		t.Fatalf("expected v1, got %q ok=%v", v, ok)
	}

	res = sm.Apply(types.Command{Op: types.OpDelete, Key: "k1"})
	if !res.Ok {
		t.Fatalf("delete failed: %s", res.ErrMsg)
	}
	if _, ok = sm.Get("k1"); ok {
		t.Fatal("key should be gone")
	}

	res = sm.Apply(types.Command{Op: types.OpPut, Key: "", Value: "x"})
	if res.Ok || res.ErrCode != "bad_request" {
		t.Fatalf("empty key should be rejected: %+v", res)
	}
}

func TestKVSM_CAS_SuccessAndFail(t *testing.T) {
	sm := New()

	// CAS on missing key (expected "" matches)
	res := sm.Apply(types.Command{Op: types.OpCAS, Key: "k1", Expected: "", Value: "v1"})
	if !res.Ok {
		t.Fatalf("cas on missing key should succeed: %s", res.ErrCode)
	}

	res = sm.Apply(types.Command{Op: types.OpCAS, Key: "k1", Expected: "v1", Value: "v2"})
	if !res.Ok {
		t.Fatal("cas should succeed")
	}

	res = sm.Apply(types.Command{Op: types.OpCAS, Key: "k1", Expected: "wrong", Value: "v3"})
	if res.Ok || res.ErrCode != "cas_failed" {
		t.Fatalf("cas should fail: ok=%v err=%s", res.Ok, res.ErrCode)
	}
	if res.Value != "v2" {
		t.Fatalf("failed cas should report current value, got %q", res.Value)
	}
	v, _ := sm.Get("k1")
	if v != "v2" {
		t.Fatalf("value should still be v2, got %q", v)
	}
}

func TestKVSM_Dedupe(t *testing.T) {
	sm := New()

	cmd := types.Command{ClientID: "c1", Seq: 1, Op: types.OpPut, Key: "k", Value: "v1"}
	res1 := sm.Apply(cmd)
	if !res1.Ok {
		t.Fatal("first apply failed")
	}

	// Replay of the same (client, seq) must not re-execute.
	sm.Apply(types.Command{ClientID: "c2", Seq: 1, Op: types.OpPut, Key: "k", Value: "v2"})
	res2 := sm.Apply(cmd)
	if !res2.Ok {
		t.Fatal("replayed apply should return recorded reply")
	}
	v, _ := sm.Get("k")
	if v != "v2" {
		t.Fatalf("replay overwrote newer value: %q", v)
	}

	// A sequence older than the recorded one is also answered from the table.
	sm.Apply(types.Command{ClientID: "c1", Seq: 2, Op: types.OpPut, Key: "k", Value: "v3"})
	sm.Apply(types.Command{ClientID: "c1", Seq: 1, Op: types.OpPut, Key: "k", Value: "old"})
	v, _ = sm.Get("k")
	if v != "v3" {
		t.Fatalf("stale seq should not apply, got %q", v)
	}

	seq, ok := sm.LastSeen("c1")
	if !ok || seq != 2 {
		t.Fatalf("expected last seen 2 for c1, got %d ok=%v", seq, ok)
	}
}

func TestKVSM_DedupeFailedCAS(t *testing.T) {
	sm := New()
	sm.Apply(types.Command{Op: types.OpPut, Key: "k", Value: "a"})

	cmd := types.Command{ClientID: "c1", Seq: 5, Op: types.OpCAS, Key: "k", Expected: "wrong", Value: "b"}
	first := sm.Apply(cmd)
	if first.Ok {
		t.Fatal("cas should have failed")
	}

	// Make the CAS viable, then replay: the recorded failure must come back.
	sm.Apply(types.Command{Op: types.OpPut, Key: "k", Value: "wrong"})
	replay := sm.Apply(cmd)
	if replay.Ok {
		t.Fatal("replayed cas must return the recorded failure")
	}
	v, _ := sm.Get("k")
	if v != "wrong" {
		t.Fatalf("replay mutated state: %q", v)
	}
}

func TestKVSM_SnapshotRestore(t *testing.T) {
	sm := New()
	sm.Apply(types.Command{ClientID: "c1", Seq: 3, Op: types.OpPut, Key: "a", Value: "1"})
	sm.Apply(types.Command{Op: types.OpPut, Key: "b", Value: "2"})

	data, err := sm.Snapshot()
	if err != nil {
		t.Fatal(err)
	}

	restored := New()
	if err := restored.Restore(data); err != nil {
		t.Fatal(err)
	}

	v, ok := restored.Get("a")
	if !ok || v != "1" {
		t.Fatalf("expected a=1, got %q ok=%v", v, ok)
	}
	v, ok = restored.Get("b")
	if !ok || v != "2" {
		t.Fatalf("expected b=2, got %q ok=%v", v, ok)
	}

	// The dedupe table travels with the snapshot.
	seq, ok := restored.LastSeen("c1")
	if !ok || seq != 3 {
		t.Fatalf("dedupe table lost: seq=%d ok=%v", seq, ok)
	}
	res := restored.Apply(types.Command{ClientID: "c1", Seq: 3, Op: types.OpPut, Key: "a", Value: "9"})
	if !res.Ok {
		t.Fatal("replay after restore should be answered from dedupe")
	}
	v, _ = restored.Get("a")
	if v != "1" {
		t.Fatalf("replay after restore mutated state: %q", v)
	}
}

func TestKVSM_RestoreEmptySnapshot(t *testing.T) {
	sm := New()
	if err := sm.Restore([]byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	if sm.Len() != 0 {
		t.Fatalf("expected empty store, got %d keys", sm.Len())
	}
	// Maps must be usable after restoring a snapshot with nil fields.
	res := sm.Apply(types.Command{ClientID: "c1", Seq: 1, Op: types.OpPut, Key: "k", Value: "v"})
	if !res.Ok {
		t.Fatal("apply after empty restore failed")
	}
}
