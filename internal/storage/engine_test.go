package storage

import (
	"errors"
	"path/filepath"
	"testing"
)

func tmpEngine(t *testing.T) *Engine {
	t.Helper()
	dir := t.TempDir()
	e, err := New(Config{
		WALPath:      filepath.Join(dir, "wal.log"),
		SnapshotPath: filepath.Join(dir, "snap.json"),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestSetGetRoundtrip(t *testing.T) {
	e := tmpEngine(t)
	accounts, err := RegisterTable[string, int](e, "account", false)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	err = e.Update(func(wtx *WriteCtx) error {
		return accounts.Set(wtx, "alice", 100)
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	var got int
	err = e.View(func(rtx *ReadCtx) error {
		v, ok, err := accounts.Get(rtx, "alice")
		if err != nil {
			return err
		}
		if !ok {
			t.Fatal("expected alice to exist")
		}
		got = v
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if got != 100 {
		t.Fatalf("got %d want 100", got)
	}
}

func TestWriteContextObservesOwnWrites(t *testing.T) {
	e := tmpEngine(t)
	tbl, _ := RegisterTable[string, int](e, "counter", false)

	err := e.Update(func(wtx *WriteCtx) error {
		if err := tbl.Set(wtx, "x", 1); err != nil {
			return err
		}
		v, ok, err := tbl.Get(wtx, "x")
		if err != nil {
			return err
		}
		if !ok || v != 1 {
			t.Fatalf("write context did not observe its own write: ok=%v v=%d", ok, v)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
}

func TestFailedUpdateDiscardsBatch(t *testing.T) {
	e := tmpEngine(t)
	tbl, _ := RegisterTable[string, int](e, "counter", false)

	sentinel := errors.New("boom")
	err := e.Update(func(wtx *WriteCtx) error {
		_ = tbl.Set(wtx, "x", 1)
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}

	err = e.View(func(rtx *ReadCtx) error {
		_, ok, err := tbl.Get(rtx, "x")
		if err != nil {
			return err
		}
		if ok {
			t.Fatal("expected write to have been discarded")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestTypeMismatch(t *testing.T) {
	e := tmpEngine(t)
	if _, err := RegisterTable[string, int](e, "dup", false); err != nil {
		t.Fatalf("register: %v", err)
	}
	_, err := RegisterTable[string, string](e, "dup", false)
	if !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("expected ErrTypeMismatch, got %v", err)
	}
}

func TestNonIterableTableRejectsKeys(t *testing.T) {
	e := tmpEngine(t)
	tbl, _ := RegisterTable[string, int](e, "secrets", false)
	err := e.View(func(rtx *ReadCtx) error {
		_, err := tbl.Keys(rtx)
		return err
	})
	if !errors.Is(err, ErrNotIterable) {
		t.Fatalf("expected ErrNotIterable, got %v", err)
	}
}

func TestWALReplay(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{WALPath: filepath.Join(dir, "wal.log"), SnapshotPath: filepath.Join(dir, "snap.json")}

	e1, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tbl, _ := RegisterTable[string, int](e1, "account", false)
	if err := e1.Update(func(wtx *WriteCtx) error { return tbl.Set(wtx, "alice", 42) }); err != nil {
		t.Fatalf("update: %v", err)
	}
	e1.Close()

	e2, err := New(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer e2.Close()
	tbl2, _ := RegisterTable[string, int](e2, "account", false)
	err = e2.View(func(rtx *ReadCtx) error {
		v, ok, err := tbl2.Get(rtx, "alice")
		if err != nil {
			return err
		}
		if !ok || v != 42 {
			t.Fatalf("expected replayed value 42, got ok=%v v=%d", ok, v)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}
