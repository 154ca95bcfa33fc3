package checkpoint

import (
	"fmt"
	"sort"

	"golang.org/x/sync/singleflight"

	"lightning/internal/crypto"
	"lightning/internal/storage"
	"lightning/internal/types"
)

// EpochView resolves the on-chain facts the checkpointer needs without
// depending on the executor package directly (spec.md §1 treats storage as
// the only shared mutable resource; the checkpointer only ever reads it).
type EpochView interface {
	ActiveNodeSet(epoch types.Epoch) ([]types.NodeIndex, error)
	ConsensusKey(node types.NodeIndex) (types.ConsensusPublicKey, bool, error)
}

// Aggregator implements spec.md §4.5's Listener + Aggregation contract.
type Aggregator struct {
	store    *Store
	view     EpochView
	inflight singleflight.Group // collapses concurrent aggregation attempts for the same epoch
}

func NewAggregator(store *Store, view EpochView) *Aggregator {
	return &Aggregator{store: store, view: view}
}

// HandleAttestation verifies and records one incoming CheckpointAttestation,
// then attempts aggregation for its epoch. Unknown attesters and bad
// signatures are rejected silently, per spec.md §4.5.
func (a *Aggregator) HandleAttestation(att Attestation) error {
	pk, ok, err := a.view.ConsensusKey(att.NodeID)
	if err != nil || !ok {
		return nil
	}
	msg, err := crypto.AttestationDigest(att.Epoch, att.PreviousStateRoot, att.NextStateRoot, att.Digest)
	if err != nil {
		return nil
	}
	valid, err := crypto.VerifyBLS(pk, msg, att.Signature)
	if err != nil || !valid {
		return nil
	}

	if _, already, err := a.store.AggregateFor(att.Epoch); err != nil {
		return err
	} else if already {
		return nil // aggregate already produced for this epoch; further attestations are ignored
	}

	var dup bool
	err = a.store.engine.Update(func(wtx *storage.WriteCtx) error {
		set, ok, err := a.store.attestations.Get(wtx, att.Epoch)
		if err != nil {
			return err
		}
		if !ok {
			set = make(map[types.NodeIndex]Attestation)
		}
		if _, seen := set[att.NodeID]; seen {
			dup = true
			return nil
		}
		set[att.NodeID] = att
		return a.store.attestations.Set(wtx, att.Epoch, set)
	})
	if err != nil || dup {
		return err
	}

	_, err, _ = a.inflight.Do(fmt.Sprintf("%d", att.Epoch), func() (interface{}, error) {
		return nil, a.tryAggregate(att.Epoch)
	})
	return err
}

// tryAggregate checks every bucket of attestations for epoch against the
// active node set's supermajority threshold and, if one qualifies,
// aggregates its signatures into a persisted AggregateHeader (spec.md §4.5,
// §8.1 invariant 8).
func (a *Aggregator) tryAggregate(epoch types.Epoch) error {
	if _, already, err := a.store.AggregateFor(epoch); err != nil || already {
		return err
	}

	var set map[types.NodeIndex]Attestation
	err := a.store.engine.View(func(rtx *storage.ReadCtx) error {
		s, ok, err := a.store.attestations.Get(rtx, epoch)
		if err != nil || !ok {
			return err
		}
		set = s
		return nil
	})
	if err != nil || set == nil {
		return err
	}

	activeSet, err := a.view.ActiveNodeSet(epoch)
	if err != nil {
		return err
	}
	// spec.md §8.1 invariant 8: an aggregate must cover >= ceil(2n/3) of the
	// epoch's active node set, distinct from the committee's floor(2n/3)+1
	// ChangeEpoch threshold.
	required := ceilDiv(2*len(activeSet), 3)

	buckets := make(map[bucketKey][]types.NodeIndex)
	for node, att := range set {
		k := bucketKey{Previous: att.PreviousStateRoot, Next: att.NextStateRoot, Digest: att.Digest}
		buckets[k] = append(buckets[k], node)
	}

	for key, members := range buckets {
		if len(members) < required {
			continue
		}
		sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
		sigs := make([][]byte, 0, len(members))
		for _, m := range members {
			sigs = append(sigs, set[m].Signature)
		}
		aggSig, err := crypto.AggregateBLS(sigs)
		if err != nil {
			return err
		}
		header := AggregateHeader{
			Epoch:             epoch,
			PreviousStateRoot: key.Previous,
			NextStateRoot:     key.Next,
			Signature:         aggSig,
			Nodes:             members,
		}
		return a.store.engine.Update(func(wtx *storage.WriteCtx) error {
			return a.store.aggregates.Set(wtx, epoch, header)
		})
	}
	return nil
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
