package merklize

import (
	"fmt"

	"lightning/internal/crypto"
	"lightning/internal/storage"
	"lightning/internal/types"
)

const (
	nodesTableName = "%state_tree_nodes"
	rootTableName  = "%state_tree_root"
	rootKey        = "root"
)

// Tree wraps a storage.Engine with an authenticated index over every row in
// every table (spec.md §4.2). Construct exactly one per engine with Open;
// it installs itself as the engine's pre-commit hook so that folding a
// batch into the trie is part of the same atomic commit as the application
// rows it describes.
type Tree struct {
	engine *storage.Engine
	nodes  *storage.TableHandle[types.Hash, internalNode]
	root   *storage.TableHandle[string, types.Hash]
}

// Open registers the tree's internal tables on e and wires the pre-commit
// hook. Call once per engine at startup.
func Open(e *storage.Engine) (*Tree, error) {
	nodes, err := storage.RegisterTable[types.Hash, internalNode](e, nodesTableName, false)
	if err != nil {
		return nil, fmt.Errorf("merklize: register nodes table: %w", err)
	}
	root, err := storage.RegisterTable[string, types.Hash](e, rootTableName, false)
	if err != nil {
		return nil, fmt.Errorf("merklize: register root table: %w", err)
	}
	t := &Tree{engine: e, nodes: nodes, root: root}
	e.SetPreCommitHook(t.fold)
	return t, nil
}

// StateRoot returns the 32-byte digest of the current authenticated state.
func (t *Tree) StateRoot() types.Hash {
	var root types.Hash
	_ = t.engine.View(func(rtx *storage.ReadCtx) error {
		r, ok, err := t.root.Get(rtx, rootKey)
		if err != nil {
			return err
		}
		if ok {
			root = r
		} else {
			root = EmptyRoot()
		}
		return nil
	})
	return root
}

// fold is the engine's pre-commit hook: for every pending application-table
// change in wtx, update the trie's path and, at the end, the cached root —
// all inside the same write context, so it commits atomically with the rows
// it authenticates (spec.md §4.2).
func (t *Tree) fold(wtx *storage.WriteCtx) error {
	changes := wtx.PendingChanges()
	if len(changes) == 0 {
		return nil
	}

	current, ok, err := t.root.Get(wtx, rootKey)
	if err != nil {
		return err
	}
	if !ok {
		current = EmptyRoot()
	}

	for _, c := range changes {
		if c.Table == nodesTableName || c.Table == rootTableName {
			continue // the trie's own tables never feed back into itself
		}
		keyHash := crypto.StateKeyHash(c.Table, c.Key)
		var valueHash *types.Hash
		if !c.Deleted {
			vh := crypto.ValueHash(c.Value)
			valueHash = &vh
		}
		current, err = t.put(wtx, current, 0, keyHash, valueHash)
		if err != nil {
			return err
		}
	}

	return t.root.Set(wtx, rootKey, current)
}

// put inserts (valueHash != nil) or removes (valueHash == nil) keyHash's
// leaf beneath node, returning the new subtree root. depth counts down from
// the tree's root (0) to the leaf level (treeDepth).
func (t *Tree) put(wtx *storage.WriteCtx, node types.Hash, depth int, keyHash types.Hash, valueHash *types.Hash) (types.Hash, error) {
	if depth == treeDepth {
		if valueHash == nil {
			return emptyHash[0], nil
		}
		return leafHash(keyHash, *valueHash), nil
	}

	height := treeDepth - depth
	var left, right types.Hash
	if node == emptyHash[height] {
		left, right = emptyHash[height-1], emptyHash[height-1]
	} else {
		n, ok, err := t.nodes.Get(wtx, node)
		if err != nil {
			return types.Hash{}, err
		}
		if !ok {
			return types.Hash{}, fmt.Errorf("merklize: missing internal node %s at depth %d", node, depth)
		}
		left, right = n.Left, n.Right
	}

	var err error
	if bitAt(keyHash, depth) == 0 {
		left, err = t.put(wtx, left, depth+1, keyHash, valueHash)
	} else {
		right, err = t.put(wtx, right, depth+1, keyHash, valueHash)
	}
	if err != nil {
		return types.Hash{}, err
	}

	if left == emptyHash[height-1] && right == emptyHash[height-1] {
		return emptyHash[height], nil
	}
	newNode := internalHash(left, right)
	if err := t.nodes.Set(wtx, newNode, internalNode{Left: left, Right: right}); err != nil {
		return types.Hash{}, err
	}
	return newNode, nil
}

// Proof is an inclusion or exclusion proof for a single (table, key) pair.
// Value is nil for an exclusion proof.
type Proof struct {
	KeyHash  types.Hash
	Siblings [treeDepth]types.Hash // root-to-leaf order
	Value    []byte
}

// Prove returns a proof for (table, key) verifiable against the current
// root with only the root, table name, key, and (for inclusion) the value
// (spec.md §4.2).
func (t *Tree) Prove(table string, key []byte) (Proof, error) {
	keyHash := crypto.StateKeyHash(table, key)
	var proof Proof
	proof.KeyHash = keyHash

	err := t.engine.View(func(rtx *storage.ReadCtx) error {
		root, ok, err := t.root.Get(rtx, rootKey)
		if err != nil {
			return err
		}
		if !ok {
			root = EmptyRoot()
		}
		node := root
		for depth := 0; depth < treeDepth; depth++ {
			height := treeDepth - depth
			var left, right types.Hash
			if node == emptyHash[height] {
				left, right = emptyHash[height-1], emptyHash[height-1]
			} else {
				n, ok, err := t.nodes.Get(rtx, node)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("merklize: missing internal node %s at depth %d", node, depth)
				}
				left, right = n.Left, n.Right
			}
			if bitAt(keyHash, depth) == 0 {
				proof.Siblings[depth] = right
				node = left
			} else {
				proof.Siblings[depth] = left
				node = right
			}
		}
		if node != emptyHash[0] {
			raw, found := rtx.RawGet(table, key)
			if !found {
				return fmt.Errorf("merklize: leaf present in trie but missing from table %q", table)
			}
			proof.Value = raw
		}
		return nil
	})
	return proof, err
}

// VerifyProof checks that proof reconstructs root for (table, key),
// requiring only those four inputs (spec.md §4.2).
func VerifyProof(root types.Hash, table string, key []byte, proof Proof) bool {
	keyHash := crypto.StateKeyHash(table, key)
	if keyHash != proof.KeyHash {
		return false
	}

	var node types.Hash
	if proof.Value != nil {
		node = leafHash(keyHash, crypto.ValueHash(proof.Value))
	} else {
		node = emptyHash[0]
	}

	for depth := treeDepth - 1; depth >= 0; depth-- {
		sibling := proof.Siblings[depth]
		if bitAt(keyHash, depth) == 0 {
			node = internalHash(node, sibling)
		} else {
			node = internalHash(sibling, node)
		}
	}
	return node == root
}

// OpenCheckpoint loads an engine from a serialized snapshot and verifies
// that the tree's recomputed root matches expectedRoot, implementing the
// CorruptCheckpoint contract of spec.md §4.1 at the layer that actually owns
// root computation.
func OpenCheckpoint(expectedRoot types.Hash, snapshot []byte) (*storage.Engine, *Tree, error) {
	e, err := storage.LoadSnapshot(snapshot, nil)
	if err != nil {
		return nil, nil, err
	}
	tree, err := Open(e)
	if err != nil {
		return nil, nil, err
	}
	if got := tree.StateRoot(); got != expectedRoot {
		return nil, nil, fmt.Errorf("%w: got %s want %s", storage.ErrCorruptCheckpoint, got, expectedRoot)
	}
	return e, tree, nil
}
