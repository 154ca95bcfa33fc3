// Package checkpoint implements the L5 layer: gathering per-node checkpoint
// attestations and building a BLS-aggregated supermajority header for each
// epoch's final state root (spec.md §4.5). It is grounded on the teacher's
// core/security.go signature-aggregation helpers and core/quorum_tracker.go
// threshold pattern, backed by its own storage.Engine instance so a
// checkpointer fault can never touch application state (spec.md §4.5
// "Persistence. Separate database from the state store").
package checkpoint

import (
	"lightning/internal/storage"
	"lightning/internal/types"
)

// Attestation is one node's signed claim about an epoch's state transition
// (spec.md §4.5).
type Attestation struct {
	Epoch             types.Epoch
	PreviousStateRoot types.Hash
	NextStateRoot     types.Hash
	Digest            types.Hash
	NodeID            types.NodeIndex
	Signature         []byte
}

type bucketKey struct {
	Previous types.Hash
	Next     types.Hash
	Digest   types.Hash
}

// AggregateHeader is the supermajority-signed checkpoint persisted once per
// epoch (spec.md §4.5, §8.1 invariant 8).
type AggregateHeader struct {
	Epoch             types.Epoch
	PreviousStateRoot types.Hash
	NextStateRoot     types.Hash
	Signature         []byte
	Nodes             []types.NodeIndex // bitset-equivalent: sorted member list
}

// Store wraps an independent storage.Engine with the two tables spec.md
// §4.5 names: per-epoch attestation sets and per-epoch aggregate headers.
type Store struct {
	engine       *storage.Engine
	attestations *storage.TableHandle[types.Epoch, map[types.NodeIndex]Attestation]
	aggregates   *storage.TableHandle[types.Epoch, AggregateHeader]
}

// OpenStore constructs the checkpoint database, independent of the
// application's merklized state engine.
func OpenStore(cfg storage.Config) (*Store, error) {
	e, err := storage.New(cfg)
	if err != nil {
		return nil, err
	}
	attestations, err := storage.RegisterTable[types.Epoch, map[types.NodeIndex]Attestation](e, "checkpoint_attestations", true)
	if err != nil {
		return nil, err
	}
	aggregates, err := storage.RegisterTable[types.Epoch, AggregateHeader](e, "aggregate_checkpoints", true)
	if err != nil {
		return nil, err
	}
	return &Store{engine: e, attestations: attestations, aggregates: aggregates}, nil
}

func (s *Store) Close() error { return s.engine.Close() }

// AggregateFor returns the persisted header for epoch, if any supermajority
// has formed yet.
func (s *Store) AggregateFor(epoch types.Epoch) (AggregateHeader, bool, error) {
	var out AggregateHeader
	var found bool
	err := s.engine.View(func(rtx *storage.ReadCtx) error {
		h, ok, err := s.aggregates.Get(rtx, epoch)
		out, found = h, ok
		return err
	})
	return out, found, err
}
