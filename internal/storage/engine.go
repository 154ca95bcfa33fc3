// Package storage implements the L0 layer of the core: a versioned,
// transactional key-value store with typed tables, read/write contexts, and
// atomic batch commits (spec.md §3.1, §4.1). It is adapted from the
// teacher's core/ledger.go durability pattern — a write-ahead log replayed
// at startup plus periodic snapshots — generalized from block-shaped
// records to arbitrary table batches.
package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// tableMeta records what a table was registered as, so a second
// registration under a different value type fails with ErrTypeMismatch
// instead of silently aliasing two incompatible schemas.
type tableMeta struct {
	typeTag  string
	iterable bool
}

// generation is an immutable snapshot of every table's rows. Commits never
// mutate a generation in place; they build a new one and swap the engine's
// pointer to it, which is what lets concurrent readers observe a consistent
// snapshot while a writer is in flight (spec.md §3.1 invariant ii).
type generation map[string]map[string][]byte

func (g generation) clone() generation {
	ng := make(generation, len(g))
	for name, tbl := range g {
		ng[name] = tbl
	}
	return ng
}

// Config controls where the engine persists its write-ahead log and
// snapshots. Both are optional: an empty WALPath runs the engine purely
// in-memory, useful for tests.
type Config struct {
	WALPath      string
	SnapshotPath string
	Logger       *logrus.Logger
}

// Engine is the storage engine described by spec.md §4.1.
type Engine struct {
	mu       sync.RWMutex // guards gen and tables
	writeMu  sync.Mutex   // serializes Update: at most one writer at a time
	gen      generation
	tables   map[string]tableMeta
	wal      *os.File
	walPath  string
	snapPath string
	log      *logrus.Logger

	// preCommit is invoked while still holding writeMu, after the write
	// context's closure returns successfully but before the batch is
	// durably committed. The merklize layer installs a hook here so that
	// folding the batch into the authenticated trie is part of the same
	// atomic commit as the application rows (spec.md §4.2).
	preCommit func(*WriteCtx) error
}

// New opens (or creates) an engine, replaying its write-ahead log if one
// exists. Mirrors the teacher's NewLedger: the WAL is the source of truth
// for anything not yet folded into a snapshot.
func New(cfg Config) (*Engine, error) {
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	e := &Engine{
		gen:    generation{},
		tables: make(map[string]tableMeta),
		log:    log,
	}

	if cfg.WALPath == "" {
		return e, nil
	}

	f, err := os.OpenFile(cfg.WALPath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("storage: open WAL: %w", err)
	}
	e.wal = f
	e.walPath = cfg.WALPath
	e.snapPath = cfg.SnapshotPath

	if cfg.SnapshotPath != "" {
		if raw, err := os.ReadFile(cfg.SnapshotPath); err == nil {
			var snap generation
			if err := json.Unmarshal(raw, &snap); err != nil {
				f.Close()
				return nil, fmt.Errorf("%w: decode snapshot: %v", ErrCorruptCheckpoint, err)
			}
			e.gen = snap
		} else if !os.IsNotExist(err) {
			f.Close()
			return nil, fmt.Errorf("storage: read snapshot: %w", err)
		}
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	for scanner.Scan() {
		var rec walRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			f.Close()
			return nil, fmt.Errorf("storage: WAL unmarshal: %w", err)
		}
		e.applyRecord(rec)
	}
	if err := scanner.Err(); err != nil {
		f.Close()
		return nil, fmt.Errorf("storage: WAL scan: %w", err)
	}
	return e, nil
}

// SetPreCommitHook installs the merklize fold-in hook. Only one hook may be
// installed; a node wires exactly one merklized state per engine.
func (e *Engine) SetPreCommitHook(hook func(*WriteCtx) error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	e.preCommit = hook
}

// ReadCtx is a scoped, snapshot-consistent handle granted for the duration
// of a View closure (spec.md §4.1).
type ReadCtx struct {
	snap generation
}

func (r *ReadCtx) RawGet(table string, key []byte) ([]byte, bool) {
	tbl, ok := r.snap[table]
	if !ok {
		return nil, false
	}
	v, ok := tbl[string(key)]
	return v, ok
}

func (r *ReadCtx) RawKeys(table string) [][]byte {
	tbl := r.snap[table]
	out := make([][]byte, 0, len(tbl))
	for k := range tbl {
		out = append(out, []byte(k))
	}
	return out
}

// WriteCtx is the mutable counterpart, granted to at most one concurrent
// caller (spec.md §4.1).
type WriteCtx struct {
	snap  generation
	batch *batch
}

func (w *WriteCtx) RawGet(table string, key []byte) ([]byte, bool) {
	k := string(key)
	if w.batch.isDeleted(table, k) {
		return nil, false
	}
	if v, ok := w.batch.getSet(table, k); ok {
		return v, true
	}
	tbl, ok := w.snap[table]
	if !ok {
		return nil, false
	}
	v, ok := tbl[k]
	return v, ok
}

func (w *WriteCtx) RawKeys(table string) [][]byte {
	seen := make(map[string]bool)
	var out [][]byte
	if tbl, ok := w.snap[table]; ok {
		for k := range tbl {
			if !w.batch.isDeleted(table, k) {
				out = append(out, []byte(k))
				seen[k] = true
			}
		}
	}
	if tbl, ok := w.batch.sets[table]; ok {
		for k := range tbl {
			if !seen[k] {
				out = append(out, []byte(k))
			}
		}
	}
	return out
}

func (w *WriteCtx) rawSet(table string, key, value []byte) {
	w.batch.set(table, string(key), value)
}

func (w *WriteCtx) rawDelete(table string, key []byte) {
	w.batch.del(table, string(key))
}

// View grants a read context for the duration of f. Any number of readers
// may run concurrently with each other and with an in-flight Update
// (spec.md §4.1).
func (e *Engine) View(f func(*ReadCtx) error) error {
	e.mu.RLock()
	snap := e.gen
	e.mu.RUnlock()
	return f(&ReadCtx{snap: snap})
}

// Update grants exclusive write access for the duration of f. On success the
// accumulated batch commits atomically; on error or panic it is discarded
// (spec.md §4.1).
func (e *Engine) Update(f func(*WriteCtx) error) (err error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	e.mu.RLock()
	snap := e.gen
	e.mu.RUnlock()

	wtx := &WriteCtx{snap: snap, batch: newBatch()}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("storage: write context panicked: %v", r)
		}
	}()

	if ferr := f(wtx); ferr != nil {
		return ferr
	}
	if e.preCommit != nil {
		if herr := e.preCommit(wtx); herr != nil {
			return herr
		}
	}
	if wtx.batch.empty() {
		return nil
	}
	return e.commit(wtx.batch)
}

type walRecord struct {
	Sets map[string]map[string][]byte    `json:"sets"`
	Dels map[string]map[string]struct{}  `json:"dels"`
}

func (e *Engine) applyRecord(rec walRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gen = applyBatchToGeneration(e.gen, rec.Sets, rec.Dels)
}

func (e *Engine) commit(b *batch) error {
	if e.wal != nil {
		rec := walRecord{Sets: b.sets, Dels: b.dels}
		raw, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("storage: encode WAL record: %w", err)
		}
		if _, err := e.wal.Write(append(raw, '\n')); err != nil {
			return fmt.Errorf("storage: write WAL: %w", err)
		}
		if err := e.wal.Sync(); err != nil {
			return fmt.Errorf("storage: sync WAL: %w", err)
		}
	}

	e.mu.Lock()
	e.gen = applyBatchToGeneration(e.gen, b.sets, b.dels)
	e.mu.Unlock()
	return nil
}

func applyBatchToGeneration(g generation, sets map[string]map[string][]byte, dels map[string]map[string]struct{}) generation {
	ng := g.clone()
	for name, kv := range sets {
		old := ng[name]
		nt := make(map[string][]byte, len(old)+len(kv))
		for k, v := range old {
			nt[k] = v
		}
		for k, v := range kv {
			nt[k] = v
		}
		ng[name] = nt
	}
	for name, keys := range dels {
		old := ng[name]
		if old == nil {
			continue
		}
		var nt map[string][]byte
		if _, touched := sets[name]; touched {
			nt = ng[name]
		} else {
			nt = make(map[string][]byte, len(old))
			for k, v := range old {
				nt[k] = v
			}
		}
		for k := range keys {
			delete(nt, k)
		}
		ng[name] = nt
	}
	return ng
}

// Snapshot serializes the full generation, for use by Checkpoint and by
// periodic snapshotting that truncates the WAL.
func (e *Engine) Snapshot() ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return json.Marshal(e.gen)
}

// WriteSnapshot persists Snapshot() to cfg.SnapshotPath and truncates the
// WAL, the way the teacher's ledger periodically compacts its own WAL.
func (e *Engine) WriteSnapshot() error {
	if e.snapPath == "" {
		return nil
	}
	raw, err := e.Snapshot()
	if err != nil {
		return err
	}
	tmp := e.snapPath + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("storage: write snapshot: %w", err)
	}
	if err := os.Rename(tmp, e.snapPath); err != nil {
		return fmt.Errorf("storage: rename snapshot: %w", err)
	}
	if e.wal != nil {
		if err := e.wal.Truncate(0); err != nil {
			return fmt.Errorf("storage: truncate WAL: %w", err)
		}
		if _, err := e.wal.Seek(0, 0); err != nil {
			return fmt.Errorf("storage: seek WAL: %w", err)
		}
	}
	return nil
}

// LoadSnapshot constructs an in-memory engine from a previously serialized
// Snapshot(). Root verification (spec.md §4.1 CorruptCheckpoint) is the
// merklize layer's responsibility, since only it can recompute a state
// root; see internal/merklize.OpenCheckpoint.
func LoadSnapshot(raw []byte, log *logrus.Logger) (*Engine, error) {
	var snap generation
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptCheckpoint, err)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Engine{gen: snap, tables: make(map[string]tableMeta), log: log}, nil
}

// Close flushes and releases the WAL file handle, if any.
func (e *Engine) Close() error {
	if e.wal == nil {
		return nil
	}
	return e.wal.Close()
}
