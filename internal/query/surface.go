// Package query implements the L6 read-only query surface (spec.md §4.6):
// typed lookups over every application table plus state root/proof access,
// grounded on the original source's query_runner.rs resolving every table
// reference once at construction (mirrored here by internal/state.Schema)
// rather than looking tables up by name on every call.
package query

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"lightning/internal/merklize"
	"lightning/internal/state"
	"lightning/internal/storage"
	"lightning/internal/types"
)

// Surface is a read-permissioned handle over the application store. It never
// opens a write context (spec.md §4.6 "never blocks writers").
type Surface struct {
	engine *storage.Engine
	tree   *merklize.Tree
	schema *state.Schema

	// hot caches small, append-mostly or read-heavy rows. Entries are
	// dropped only by InvalidateNode/InvalidateAccount; this package does not
	// subscribe to the notifier, so a cached row stays as read until the
	// caller invalidates it.
	nodeCache    *lru.Cache[types.NodeIndex, state.NodeInfo]
	accountCache *lru.Cache[types.Address, state.Account]
}

// New constructs a Surface over schema/tree, both already opened against
// engine. hotCacheSize bounds the node/account LRU caches; 0 disables
// caching.
func New(engine *storage.Engine, tree *merklize.Tree, schema *state.Schema, hotCacheSize int) (*Surface, error) {
	s := &Surface{engine: engine, tree: tree, schema: schema}
	if hotCacheSize > 0 {
		nc, err := lru.New[types.NodeIndex, state.NodeInfo](hotCacheSize)
		if err != nil {
			return nil, fmt.Errorf("query: node cache: %w", err)
		}
		ac, err := lru.New[types.Address, state.Account](hotCacheSize)
		if err != nil {
			return nil, fmt.Errorf("query: account cache: %w", err)
		}
		s.nodeCache, s.accountCache = nc, ac
	}
	return s, nil
}

// InvalidateNode drops node from the hot cache. Wire this to
// Notifier.SubscribeBlockExecuted so a node row updated by a just-committed
// block is never served stale.
func (s *Surface) InvalidateNode(node types.NodeIndex) {
	if s.nodeCache != nil {
		s.nodeCache.Remove(node)
	}
}

// InvalidateAccount drops addr from the hot cache.
func (s *Surface) InvalidateAccount(addr types.Address) {
	if s.accountCache != nil {
		s.accountCache.Remove(addr)
	}
}

// Balance returns the account's balance for the given token (spec.md §4.6).
func (s *Surface) Balance(addr types.Address, token types.Token) (state.HpFixed, error) {
	acct, err := s.Account(addr)
	if err != nil {
		return state.HpFixed{}, err
	}
	switch token {
	case types.TokenFLK:
		return acct.FLKBalance, nil
	case types.TokenStables:
		return acct.StablesBalance, nil
	case types.TokenBandwidth:
		return acct.BandwidthBalance, nil
	default:
		return state.HpFixed{}, fmt.Errorf("query: unknown token %d", token)
	}
}

// Account returns the account row, or its zero value if never written.
func (s *Surface) Account(addr types.Address) (state.Account, error) {
	if s.accountCache != nil {
		if v, ok := s.accountCache.Get(addr); ok {
			return v, nil
		}
	}
	var out state.Account
	err := s.engine.View(func(rtx *storage.ReadCtx) error {
		v, ok, err := s.schema.Account.Get(rtx, addr)
		if err != nil {
			return err
		}
		if ok {
			out = v
		} else {
			out = state.Account{
				FLKBalance:       state.NewHpFixed(18),
				StablesBalance:   state.NewHpFixed(6),
				BandwidthBalance: state.NewHpFixed(18),
			}
		}
		return nil
	})
	if err == nil && s.accountCache != nil {
		s.accountCache.Add(addr, out)
	}
	return out, err
}

// NodeInfo returns the node row identified by index.
func (s *Surface) NodeInfo(index types.NodeIndex) (state.NodeInfo, bool, error) {
	if s.nodeCache != nil {
		if v, ok := s.nodeCache.Get(index); ok {
			return v, true, nil
		}
	}
	var out state.NodeInfo
	var found bool
	err := s.engine.View(func(rtx *storage.ReadCtx) error {
		v, ok, err := s.schema.Node.Get(rtx, index)
		out, found = v, ok
		return err
	})
	if err == nil && found && s.nodeCache != nil {
		s.nodeCache.Add(index, out)
	}
	return out, found, err
}

// Committee returns the committee row for epoch.
func (s *Surface) Committee(epoch types.Epoch) (state.Committee, bool, error) {
	var out state.Committee
	var found bool
	err := s.engine.View(func(rtx *storage.ReadCtx) error {
		v, ok, err := s.schema.Committee.Get(rtx, epoch)
		out, found = v, ok
		return err
	})
	return out, found, err
}

// CurrentEpoch returns the running epoch number from metadata.
func (s *Surface) CurrentEpoch() (types.Epoch, error) {
	var out uint64
	err := s.engine.View(func(rtx *storage.ReadCtx) error {
		mv, ok, err := s.schema.Metadata.Get(rtx, string(state.MetaCurrentEpoch))
		if err != nil || !ok || mv.UInt == nil {
			return err
		}
		out = *mv.UInt
		return nil
	})
	return types.Epoch(out), err
}

// TotalServed returns the total_served row for epoch.
func (s *Surface) TotalServed(epoch types.Epoch) (state.TotalServed, bool, error) {
	var out state.TotalServed
	var found bool
	err := s.engine.View(func(rtx *storage.ReadCtx) error {
		v, ok, err := s.schema.TotalServed.Get(rtx, epoch)
		out, found = v, ok
		return err
	})
	return out, found, err
}

// ReputationScore returns the node's current reputation score, 0-100.
func (s *Surface) ReputationScore(node types.NodeIndex) (uint8, bool, error) {
	var out uint8
	var found bool
	err := s.engine.View(func(rtx *storage.ReadCtx) error {
		v, ok, err := s.schema.RepScores.Get(rtx, node)
		out, found = v, ok
		return err
	})
	return out, found, err
}

// ReputationMeasurements returns every report submitted about node this
// epoch.
func (s *Surface) ReputationMeasurements(node types.NodeIndex) ([]state.ReputationReport, error) {
	var out []state.ReputationReport
	err := s.engine.View(func(rtx *storage.ReadCtx) error {
		v, _, err := s.schema.RepMeasurements.Get(rtx, node)
		out = v
		return err
	})
	return out, err
}

// ContentServers returns the set of node indices registered as serving uri.
func (s *Surface) ContentServers(uri types.Hash) ([]types.NodeIndex, error) {
	var out []types.NodeIndex
	err := s.engine.View(func(rtx *storage.ReadCtx) error {
		v, ok, err := s.schema.URIToNode.Get(rtx, uri)
		if err != nil || !ok {
			return err
		}
		out = make([]types.NodeIndex, 0, len(v))
		for n := range v {
			out = append(out, n)
		}
		return nil
	})
	return out, err
}

// Parameter returns the decimal string stored for tag.
func (s *Surface) Parameter(tag state.ParameterTag) (string, bool, error) {
	var out string
	var found bool
	err := s.engine.View(func(rtx *storage.ReadCtx) error {
		v, ok, err := s.schema.Parameter.Get(rtx, tag)
		out, found = v, ok
		return err
	})
	return out, found, err
}

// StateRoot returns the current authenticated state root.
func (s *Surface) StateRoot() types.Hash {
	return s.tree.StateRoot()
}

// StateProof returns the raw stored value (nil for an exclusion proof)
// together with the merklize proof for (table, key), implementing the
// original source's get_state_proof faithfully: the merklize proof is the
// authoritative payload (spec.md §9 Open Question 2, SPEC_FULL.md §11).
func (s *Surface) StateProof(table string, key []byte) ([]byte, merklize.Proof, error) {
	proof, err := s.tree.Prove(table, key)
	if err != nil {
		return nil, merklize.Proof{}, err
	}
	return proof.Value, proof, nil
}
