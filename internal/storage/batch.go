package storage

import "sort"

// batch accumulates the per-table inserts/removes made inside one write
// context (spec.md §3.1). It is applied atomically to the engine's
// generation on successful return of the context's closure, and discarded
// otherwise.
type batch struct {
	sets map[string]map[string][]byte
	dels map[string]map[string]struct{}
}

func newBatch() *batch {
	return &batch{
		sets: make(map[string]map[string][]byte),
		dels: make(map[string]map[string]struct{}),
	}
}

func (b *batch) set(table, key string, value []byte) {
	if b.dels[table] != nil {
		delete(b.dels[table], key)
	}
	m := b.sets[table]
	if m == nil {
		m = make(map[string][]byte)
		b.sets[table] = m
	}
	m[key] = value
}

func (b *batch) del(table, key string) {
	if b.sets[table] != nil {
		delete(b.sets[table], key)
	}
	m := b.dels[table]
	if m == nil {
		m = make(map[string]struct{})
		b.dels[table] = m
	}
	m[key] = struct{}{}
}

func (b *batch) isDeleted(table, key string) bool {
	m, ok := b.dels[table]
	if !ok {
		return false
	}
	_, ok = m[key]
	return ok
}

func (b *batch) getSet(table, key string) ([]byte, bool) {
	m, ok := b.sets[table]
	if !ok {
		return nil, false
	}
	v, ok := m[key]
	return v, ok
}

func (b *batch) empty() bool {
	return len(b.sets) == 0 && len(b.dels) == 0
}

// Change describes one pending mutation to a single row, as seen by the
// merklize layer before the batch commits (spec.md §4.2: "the merklize
// layer must be given the batch").
type Change struct {
	Table   string
	Key     []byte
	Value   []byte // nil when Deleted
	Deleted bool
}

// PendingChanges flattens the batch accumulated so far in this write
// context into a deterministic list of Change records, grouped by table in
// table-name byte order and, within a table, in key byte order.
func (w *WriteCtx) PendingChanges() []Change {
	var out []Change
	seen := make(map[string]bool)
	order := make([]string, 0, len(w.batch.sets)+len(w.batch.dels))
	for t := range w.batch.sets {
		if !seen[t] {
			seen[t] = true
			order = append(order, t)
		}
	}
	for t := range w.batch.dels {
		if !seen[t] {
			seen[t] = true
			order = append(order, t)
		}
	}
	sort.Strings(order)
	for _, table := range order {
		keys := make([]string, 0)
		seenKey := make(map[string]bool)
		for k := range w.batch.sets[table] {
			if !seenKey[k] {
				seenKey[k] = true
				keys = append(keys, k)
			}
		}
		for k := range w.batch.dels[table] {
			if !seenKey[k] {
				seenKey[k] = true
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			if w.batch.isDeleted(table, k) {
				out = append(out, Change{Table: table, Key: []byte(k), Deleted: true})
				continue
			}
			v, _ := w.batch.getSet(table, k)
			out = append(out, Change{Table: table, Key: []byte(k), Value: v})
		}
	}
	return out
}
