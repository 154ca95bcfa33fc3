package executor

import (
	"lightning/internal/state"
	"lightning/internal/storage"
	"lightning/internal/types"
)

// supermajority implements spec.md §4.4's threshold: floor(2n/3)+1, grounded
// on the teacher's QuorumTracker (core/quorum_tracker.go) but recomputed
// fresh from the committee size each call instead of held in a stateful
// singleton, since the vote set itself lives in the committee row and must
// survive a restart.
func supermajority(n int) int {
	return (2*n)/3 + 1
}

func isCommitteeMember(committee state.Committee, node types.NodeIndex) bool {
	for _, m := range committee.Members {
		if m == node {
			return true
		}
	}
	return false
}

// applyChangeEpoch implements spec.md §4.3's ChangeEpoch method and the
// epoch-change protocol of §4.4 steps 1-2: record the signal, and on
// supermajority enter the commit phase of the committee-selection beacon.
//
// Open question (spec.md §9.1): a ChangeEpoch submitted while the beacon is
// already running (phase != Unset) reverts with EpochAlreadyChanged, treating
// "epoch transition is in flight" the same as "epoch already moved on" from
// the caller's point of view.
func (ex *Executor) applyChangeEpoch(wtx *storage.WriteCtx, block types.Block, s types.Sender, req types.ChangeEpochRequest) ([]byte, types.RevertCode, error) {
	if code := requireNode(s); code != types.RevertNone {
		return nil, code, nil
	}
	if _, _, code, err := ex.nodeFromSender(wtx, s); err != nil || code != types.RevertNone {
		return nil, code, err
	}

	epoch, err := ex.currentEpoch(wtx)
	if err != nil {
		return nil, types.RevertNone, err
	}
	committee, ok, err := ex.schema.Committee.Get(wtx, epoch)
	if err != nil {
		return nil, types.RevertNone, err
	}
	if !ok {
		committee = state.Committee{ChangeEpochVotes: map[types.NodeIndex]bool{}}
	}

	if req.Epoch < epoch {
		return nil, types.RevertEpochAlreadyChanged, nil
	}
	if committee.Phase.Kind != state.BeaconUnset {
		return nil, types.RevertEpochAlreadyChanged, nil
	}
	if req.Epoch > epoch {
		return nil, types.RevertEpochHasNotStarted, nil
	}
	if !isCommitteeMember(committee, s.Node) {
		return nil, types.RevertNotCommitteeMember, nil
	}
	if committee.ChangeEpochVotes == nil {
		committee.ChangeEpochVotes = map[types.NodeIndex]bool{}
	}
	if committee.ChangeEpochVotes[s.Node] {
		return nil, types.RevertAlreadySignaled, nil
	}
	committee.ChangeEpochVotes[s.Node] = true

	if len(committee.ChangeEpochVotes) >= supermajority(len(committee.Members)) {
		committee.Phase = state.BeaconPhase{
			Kind:       state.BeaconCommit,
			StartBlock: block.BlockNumber,
			EndBlock:   block.BlockNumber + ex.params.CommitPhaseDurationBlocks,
		}
		committee.Beacons = map[types.NodeIndex]state.BeaconSlot{}
	}

	return nil, types.RevertNone, ex.schema.Committee.Set(wtx, epoch, committee)
}

// maybeAdvanceBeacon runs the block-end hooks of spec.md §4.4 steps 3-4: if
// the current phase's block range has elapsed, apply the implicit timeout
// transaction for it. Explicit CommitPhaseTimeout/RevealPhaseTimeout
// transactions call the same logic directly from dispatch; this covers the
// case where no node bothered to submit one.
func (ex *Executor) maybeAdvanceBeacon(wtx *storage.WriteCtx, block types.Block) error {
	epoch, err := ex.currentEpoch(wtx)
	if err != nil {
		return err
	}
	committee, ok, err := ex.schema.Committee.Get(wtx, epoch)
	if err != nil || !ok {
		return err
	}
	switch committee.Phase.Kind {
	case state.BeaconCommit:
		if block.BlockNumber >= committee.Phase.EndBlock {
			_, _, err := ex.applyCommitPhaseTimeout(wtx, block)
			return err
		}
	case state.BeaconReveal:
		if block.BlockNumber >= committee.Phase.EndBlock {
			_, _, err := ex.applyRevealPhaseTimeout(wtx, block)
			return err
		}
	}
	return nil
}
