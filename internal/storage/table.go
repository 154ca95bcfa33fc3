package storage

import (
	"encoding/json"
	"fmt"
)

// ctxReader is satisfied by both *ReadCtx and *WriteCtx, letting
// TableHandle.Get work under either context kind.
type ctxReader interface {
	RawGet(table string, key []byte) ([]byte, bool)
	RawKeys(table string) [][]byte
}

var (
	_ ctxReader = (*ReadCtx)(nil)
	_ ctxReader = (*WriteCtx)(nil)
)

// TableHandle is a named, typed mapping from K to V (spec.md §3.1). Keys and
// values are serialized with encoding/json, which writes struct fields in
// declaration order and map keys in sorted order, so it produces the same
// bytes for the same value every time, satisfying the engine's determinism
// invariant.
type TableHandle[K any, V any] struct {
	name     string
	iterable bool
}

// Name returns the table's logical name, used by the merklize layer to
// build state keys (spec.md §3.1).
func (t *TableHandle[K, V]) Name() string { return t.name }

// RegisterTable declares a table on e. Registering the same name twice with
// an incompatible value type returns ErrTypeMismatch; registering it twice
// with the same type returns the existing handle's twin safely.
func RegisterTable[K any, V any](e *Engine, name string, iterable bool) (*TableHandle[K, V], error) {
	var zero V
	typeTag := fmt.Sprintf("%T", zero)

	e.mu.Lock()
	defer e.mu.Unlock()

	if meta, ok := e.tables[name]; ok {
		if meta.typeTag != typeTag {
			return nil, fmt.Errorf("%w: table %q already registered as %s, wanted %s", ErrTypeMismatch, name, meta.typeTag, typeTag)
		}
		return &TableHandle[K, V]{name: name, iterable: meta.iterable}, nil
	}

	e.tables[name] = tableMeta{typeTag: typeTag, iterable: iterable}
	if e.gen[name] == nil {
		ng := e.gen.clone()
		ng[name] = map[string][]byte{}
		e.gen = ng
	}
	return &TableHandle[K, V]{name: name, iterable: iterable}, nil
}

func encodeKey[K any](key K) ([]byte, error) {
	b, err := json.Marshal(key)
	if err != nil {
		return nil, fmt.Errorf("storage: encode key: %w", err)
	}
	return b, nil
}

// Get returns the cloned value stored for key, or ok=false if absent.
func (t *TableHandle[K, V]) Get(ctx ctxReader, key K) (value V, ok bool, err error) {
	kb, err := encodeKey(key)
	if err != nil {
		return value, false, err
	}
	raw, found := ctx.RawGet(t.name, kb)
	if !found {
		return value, false, nil
	}
	if err := json.Unmarshal(raw, &value); err != nil {
		return value, false, fmt.Errorf("storage: decode value in table %q: %w", t.name, err)
	}
	return value, true, nil
}

// Has reports whether key has a row, without paying for a full decode.
func (t *TableHandle[K, V]) Has(ctx ctxReader, key K) (bool, error) {
	kb, err := encodeKey(key)
	if err != nil {
		return false, err
	}
	_, found := ctx.RawGet(t.name, kb)
	return found, nil
}

// Set inserts or overwrites key's row within the current write context.
func (t *TableHandle[K, V]) Set(wtx *WriteCtx, key K, value V) error {
	kb, err := encodeKey(key)
	if err != nil {
		return err
	}
	vb, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("storage: encode value in table %q: %w", t.name, err)
	}
	wtx.rawSet(t.name, kb, vb)
	return nil
}

// Delete removes key's row, if any, within the current write context.
func (t *TableHandle[K, V]) Delete(wtx *WriteCtx, key K) error {
	kb, err := encodeKey(key)
	if err != nil {
		return err
	}
	wtx.rawDelete(t.name, kb)
	return nil
}

// Clear removes every row in the table within the current write context, for
// tables whose lifecycle wipes them wholesale rather than key-by-key (spec.md
// §3.3, e.g. executed_digests "removed by: epoch change"). Unlike Keys, Clear
// does not require the table to be registered iterable: it is an internal
// lifecycle operation, not a query-surface enumeration.
func (t *TableHandle[K, V]) Clear(wtx *WriteCtx) {
	for _, kb := range wtx.RawKeys(t.name) {
		wtx.rawDelete(t.name, kb)
	}
}

// Keys enumerates every key in the table. Only tables registered iterable
// support this; others return ErrNotIterable (spec.md §4.1).
func (t *TableHandle[K, V]) Keys(ctx ctxReader) ([]K, error) {
	if !t.iterable {
		return nil, ErrNotIterable
	}
	raw := ctx.RawKeys(t.name)
	out := make([]K, 0, len(raw))
	for _, kb := range raw {
		var k K
		if err := json.Unmarshal(kb, &k); err != nil {
			return nil, fmt.Errorf("storage: decode key in table %q: %w", t.name, err)
		}
		out = append(out, k)
	}
	return out, nil
}
