package checkpoint

import (
	"lightning/internal/state"
	"lightning/internal/storage"
	"lightning/internal/types"
)

// StateEpochView implements EpochView directly against the application
// state engine, the way cmd/lightningd wires the checkpointer in the
// absence of a separate consensus-membership service.
type StateEpochView struct {
	Engine *storage.Engine
	Schema *state.Schema
}

func (v *StateEpochView) ActiveNodeSet(epoch types.Epoch) ([]types.NodeIndex, error) {
	var out []types.NodeIndex
	err := v.Engine.View(func(rtx *storage.ReadCtx) error {
		c, ok, err := v.Schema.Committee.Get(rtx, epoch)
		if err != nil || !ok {
			return err
		}
		out = c.ActiveNodeSet
		return nil
	})
	return out, err
}

func (v *StateEpochView) ConsensusKey(node types.NodeIndex) (types.ConsensusPublicKey, bool, error) {
	var key types.ConsensusPublicKey
	var found bool
	err := v.Engine.View(func(rtx *storage.ReadCtx) error {
		n, ok, err := v.Schema.Node.Get(rtx, node)
		if err != nil || !ok {
			return err
		}
		key = n.ConsensusPublicKey
		found = true
		return nil
	})
	return key, found, err
}
