package executor

import (
	"math/rand/v2"
	"sort"

	"lukechampine.com/blake3"

	"lightning/internal/state"
	"lightning/internal/storage"
	"lightning/internal/types"
)

// applyBeaconCommit implements spec.md §4.3/§4.4 step 3: a committee member
// submits its commit during the Commit phase only.
func (ex *Executor) applyBeaconCommit(wtx *storage.WriteCtx, s types.Sender, req types.BeaconCommitRequest) ([]byte, types.RevertCode, error) {
	if code := requireNode(s); code != types.RevertNone {
		return nil, code, nil
	}
	epoch, committee, code, err := ex.loadCommitteeForBeacon(wtx, s.Node, state.BeaconCommit)
	if err != nil || code != types.RevertNone {
		return nil, code, err
	}
	committee.Beacons[s.Node] = state.BeaconSlot{Commit: req.Commit, Committed: true}
	return nil, types.RevertNone, ex.schema.Committee.Set(wtx, epoch, committee)
}

// applyBeaconReveal implements spec.md §4.3/§4.4 step 4: a node reveals the
// preimage of its earlier commit during the Reveal phase only.
func (ex *Executor) applyBeaconReveal(wtx *storage.WriteCtx, s types.Sender, req types.BeaconRevealRequest) ([]byte, types.RevertCode, error) {
	if code := requireNode(s); code != types.RevertNone {
		return nil, code, nil
	}
	epoch, committee, code, err := ex.loadCommitteeForBeacon(wtx, s.Node, state.BeaconReveal)
	if err != nil || code != types.RevertNone {
		return nil, code, err
	}
	slot, ok := committee.Beacons[s.Node]
	if !ok || !slot.Committed {
		return nil, types.RevertCommitteeSelectionBeaconNotCommitted, nil
	}
	want := beaconCommitHash(req.Reveal, s.Node, epoch, committee.Round)
	if want != slot.Commit {
		return nil, types.RevertInvalidProof, nil
	}
	slot.Revealed = true
	slot.Reveal = req.Reveal
	committee.Beacons[s.Node] = slot
	return nil, types.RevertNone, ex.schema.Committee.Set(wtx, epoch, committee)
}

func (ex *Executor) loadCommitteeForBeacon(wtx *storage.WriteCtx, node types.NodeIndex, want state.BeaconPhaseKind) (types.Epoch, state.Committee, types.RevertCode, error) {
	if _, _, code, err := ex.nodeFromSender(wtx, types.Sender{Kind: types.SenderNodeMain, Node: node}); err != nil || code != types.RevertNone {
		return 0, state.Committee{}, code, err
	}
	epoch, err := ex.currentEpoch(wtx)
	if err != nil {
		return 0, state.Committee{}, types.RevertNone, err
	}
	committee, ok, err := ex.schema.Committee.Get(wtx, epoch)
	if err != nil {
		return 0, state.Committee{}, types.RevertNone, err
	}
	if !ok || committee.Phase.Kind != want {
		return 0, state.Committee{}, types.RevertCommitteeSelectionBeaconWrongPhase, nil
	}
	if !isCommitteeMember(committee, node) {
		return 0, state.Committee{}, types.RevertNotCommitteeMember, nil
	}
	if committee.Beacons == nil {
		committee.Beacons = map[types.NodeIndex]state.BeaconSlot{}
	}
	return epoch, committee, types.RevertNone, nil
}

// applyCommitPhaseTimeout implements spec.md §4.4 step 3's end-of-phase
// handling: enough participation moves to Reveal, otherwise the round
// restarts with a fresh commit window.
func (ex *Executor) applyCommitPhaseTimeout(wtx *storage.WriteCtx, block types.Block) ([]byte, types.RevertCode, error) {
	epoch, err := ex.currentEpoch(wtx)
	if err != nil {
		return nil, types.RevertNone, err
	}
	committee, ok, err := ex.schema.Committee.Get(wtx, epoch)
	if err != nil || !ok || committee.Phase.Kind != state.BeaconCommit {
		return nil, types.RevertCommitteeSelectionBeaconWrongPhase, err
	}

	committed := 0
	for _, slot := range committee.Beacons {
		if slot.Committed {
			committed++
		}
	}
	required := requiredParticipation(len(committee.Members), ex.params.RequiredBeaconParticipationPct)

	if committed < required {
		committee.Round++
		committee.Beacons = map[types.NodeIndex]state.BeaconSlot{}
		committee.Phase = state.BeaconPhase{
			Kind:       state.BeaconCommit,
			StartBlock: block.BlockNumber,
			EndBlock:   block.BlockNumber + ex.params.CommitPhaseDurationBlocks,
		}
	} else {
		committee.Phase = state.BeaconPhase{
			Kind:       state.BeaconReveal,
			StartBlock: block.BlockNumber,
			EndBlock:   block.BlockNumber + ex.params.RevealPhaseDurationBlocks,
		}
	}
	return nil, types.RevertNone, ex.schema.Committee.Set(wtx, epoch, committee)
}

func requiredParticipation(committeeSize int, percent uint64) int {
	req := (committeeSize*int(percent) + 99) / 100
	if req < 1 {
		req = 1
	}
	return req
}

// applyRevealPhaseTimeout implements spec.md §4.4 step 4's end-of-phase
// handling: slash non-revealers, and either restart the round or complete
// the rotation (select the next committee, clear the beacon, advance the
// epoch, and distribute rewards per §4.4.1).
func (ex *Executor) applyRevealPhaseTimeout(wtx *storage.WriteCtx, block types.Block) ([]byte, types.RevertCode, error) {
	epoch, err := ex.currentEpoch(wtx)
	if err != nil {
		return nil, types.RevertNone, err
	}
	committee, ok, err := ex.schema.Committee.Get(wtx, epoch)
	if err != nil || !ok || committee.Phase.Kind != state.BeaconReveal {
		return nil, types.RevertCommitteeSelectionBeaconWrongPhase, err
	}

	var reveals [][32]byte
	var reveners []types.NodeIndex
	for node, slot := range committee.Beacons {
		if slot.Revealed {
			reveners = append(reveners, node)
			continue
		}
		if slot.Committed {
			if err := ex.slashNonReveal(wtx, &committee, node, epoch); err != nil {
				return nil, types.RevertNone, err
			}
		}
	}
	sort.Slice(reveners, func(i, j int) bool { return reveners[i] < reveners[j] })
	for _, n := range reveners {
		reveals = append(reveals, committee.Beacons[n].Reveal)
	}

	required := requiredParticipation(len(committee.Members), ex.params.RequiredBeaconParticipationPct)
	if len(reveals) < required {
		committee.Round++
		committee.Beacons = map[types.NodeIndex]state.BeaconSlot{}
		committee.Phase = state.BeaconPhase{
			Kind:       state.BeaconCommit,
			StartBlock: block.BlockNumber,
			EndBlock:   block.BlockNumber + ex.params.CommitPhaseDurationBlocks,
		}
		return nil, types.RevertNone, ex.schema.Committee.Set(wtx, epoch, committee)
	}

	seed := seedFromReveals(reveals)
	nextMembers := selectNextCommittee(committee.ActiveNodeSet, ex.params.CommitteeSize, seed)

	if err := ex.rotateEpoch(wtx, epoch, committee, nextMembers, block); err != nil {
		return nil, types.RevertNone, err
	}
	return nil, types.RevertNone, nil
}

func (ex *Executor) slashNonReveal(wtx *storage.WriteCtx, committee *state.Committee, node types.NodeIndex, epoch types.Epoch) error {
	info, ok, err := ex.schema.Node.Get(wtx, node)
	if err != nil || !ok {
		return err
	}
	if info.Stake.Staked.Cmp(ex.params.NonRevealSlashAmount) <= 0 {
		info.Stake.Staked = state.NewHpFixed(18)
	} else {
		info.Stake.Staked = info.Stake.Staked.Sub(ex.params.NonRevealSlashAmount)
	}
	if err := ex.schema.Node.Set(wtx, node, info); err != nil {
		return err
	}
	if info.Stake.Staked.Cmp(ex.params.MinStake) < 0 {
		committee.Members = removeNode(committee.Members, node)
		committee.MembersChanges = append(committee.MembersChanges, state.MemberChange{Node: node, Added: false, Reason: state.ChangeReasonInsufficientStakeAfterNonRevealSlash})
		committee.ActiveNodeSet = removeNode(committee.ActiveNodeSet, node)
		committee.ActiveSetChanges = append(committee.ActiveSetChanges, state.MemberChange{Node: node, Added: false, Reason: state.ChangeReasonInsufficientStakeAfterNonRevealSlash})
	}
	return nil
}

// maxScoredLatencyMS caps the latency component of a reputation score: a
// measurement at or above this latency contributes zero. Spec.md leaves the
// exact rep_scores formula unspecified (§9 open questions); this is the
// implementer's choice, recorded in DESIGN.md.
const maxScoredLatencyMS = 2000

// scoreReputationReports folds one node's accumulated rep_measurements
// reports into a single u8 reputation score and, when at least one report
// carried an uptime sample, a u8 uptime percentage (spec.md §3.3 rep_scores
// and uptime, both "created by: epoch change").
func scoreReputationReports(reports []state.ReputationReport) (score uint8, uptime uint8, hasUptime bool) {
	var uptimeSum, uptimeCount uint64
	var latencySum, latencyCount uint64
	for _, r := range reports {
		if m := r.Measurement; m.Uptime != nil {
			uptimeSum += uint64(*m.Uptime)
			uptimeCount++
		}
		if m := r.Measurement; m.Latency != nil {
			latencySum += *m.Latency
			latencyCount++
		}
	}

	var uptimeScore, latencyScore uint64
	if uptimeCount > 0 {
		uptime = uint8(uptimeSum / uptimeCount)
		hasUptime = true
		uptimeScore = uint64(uptime)
	}
	if latencyCount > 0 {
		avgLatency := latencySum / latencyCount
		if avgLatency >= maxScoredLatencyMS {
			latencyScore = 0
		} else {
			latencyScore = 100 - (avgLatency*100)/maxScoredLatencyMS
		}
	}

	switch {
	case uptimeCount > 0 && latencyCount > 0:
		score = uint8((uptimeScore + latencyScore) / 2)
	case uptimeCount > 0:
		score = uint8(uptimeScore)
	case latencyCount > 0:
		score = uint8(latencyScore)
	}
	return score, uptime, hasUptime
}

func removeNode(set []types.NodeIndex, node types.NodeIndex) []types.NodeIndex {
	out := set[:0:0]
	for _, n := range set {
		if n != node {
			out = append(out, n)
		}
	}
	return out
}

func seedFromReveals(reveals [][32]byte) uint64 {
	h := blake3.New(32, nil)
	for _, r := range reveals {
		h.Write(r[:])
	}
	sum := h.Sum(nil)
	var seed uint64
	for i := 0; i < 8; i++ {
		seed = seed<<8 | uint64(sum[i])
	}
	return seed
}

// selectNextCommittee deterministically samples size distinct members from
// the active node set using seed, via math/rand/v2's ChaCha8 source so every
// honest node computes the identical committee from the identical seed.
func selectNextCommittee(activeNodeSet []types.NodeIndex, size int, seed uint64) []types.NodeIndex {
	pool := append([]types.NodeIndex(nil), activeNodeSet...)
	sort.Slice(pool, func(i, j int) bool { return pool[i] < pool[j] })
	if size >= len(pool) {
		return pool
	}
	var seedBytes [32]byte
	for i := 0; i < 4; i++ {
		b := seed >> (i * 16)
		seedBytes[i*2] = byte(b)
		seedBytes[i*2+1] = byte(b >> 8)
	}
	src := rand.NewChaCha8(seedBytes)
	r := rand.New(src)
	r.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	selected := pool[:size]
	sort.Slice(selected, func(i, j int) bool { return selected[i] < selected[j] })
	return selected
}

// rotateEpoch performs the committee swap, epoch increment, and reward
// distribution that complete a successful beacon round (spec.md §4.4 step 4
// final bullet, §4.4.1).
func (ex *Executor) rotateEpoch(wtx *storage.WriteCtx, epoch types.Epoch, committee state.Committee, nextMembers []types.NodeIndex, block types.Block) error {
	if err := ex.distributeRewards(wtx, epoch); err != nil {
		return err
	}

	nextEpoch := epoch + 1
	committee.Phase = state.BeaconPhase{Kind: state.BeaconUnset}
	committee.Beacons = map[types.NodeIndex]state.BeaconSlot{}
	committee.ChangeEpochVotes = map[types.NodeIndex]bool{}
	if err := ex.schema.Committee.Set(wtx, epoch, committee); err != nil {
		return err
	}

	next := state.Committee{
		Members:          nextMembers,
		ActiveNodeSet:    committee.ActiveNodeSet,
		ChangeEpochVotes: map[types.NodeIndex]bool{},
		Beacons:          map[types.NodeIndex]state.BeaconSlot{},
		Phase:            state.BeaconPhase{Kind: state.BeaconUnset},
	}
	if err := ex.schema.Committee.Set(wtx, nextEpoch, next); err != nil {
		return err
	}

	nextEpochU64 := uint64(nextEpoch)
	if err := ex.schema.Metadata.Set(wtx, string(state.MetaCurrentEpoch), state.MetadataValue{UInt: &nextEpochU64}); err != nil {
		return err
	}
	startTime := uint64(block.Timestamp)
	if err := ex.schema.Metadata.Set(wtx, string(state.MetaEpochStartTime), state.MetadataValue{UInt: &startTime}); err != nil {
		return err
	}

	// current_epoch_served rotates to last_epoch_served; rep_measurements are
	// folded into rep_scores/uptime before being consumed, and
	// executed_digests is cleared wholesale (spec.md §3.3 "removed by: epoch
	// change").
	for _, node := range committee.ActiveNodeSet {
		served, ok, err := ex.schema.CurrentEpochServed.Get(wtx, node)
		if err != nil {
			return err
		}
		if ok {
			if err := ex.schema.LastEpochServed.Set(wtx, node, served); err != nil {
				return err
			}
			if err := ex.schema.CurrentEpochServed.Delete(wtx, node); err != nil {
				return err
			}
		}

		reports, ok, err := ex.schema.RepMeasurements.Get(wtx, node)
		if err != nil {
			return err
		}
		if ok && len(reports) > 0 {
			score, uptime, hasUptime := scoreReputationReports(reports)
			if err := ex.schema.RepScores.Set(wtx, node, score); err != nil {
				return err
			}
			if hasUptime {
				if err := ex.schema.Uptime.Set(wtx, node, uptime); err != nil {
					return err
				}
			}
		}

		if err := ex.schema.RepMeasurements.Delete(wtx, node); err != nil {
			return err
		}
		if err := ex.schema.MeasurementSubmitCount.Delete(wtx, node); err != nil {
			return err
		}
	}
	ex.schema.ExecutedDigests.Clear(wtx)

	ex.lastBlockRotatedEpoch = true
	ex.lastRotatedTo = nextEpoch
	return nil
}
