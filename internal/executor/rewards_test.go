package executor

import (
	"testing"

	"lightning/internal/state"
	"lightning/internal/storage"
	"lightning/internal/types"
)

// TestDistributeRewardsAppliesStakeLockBoost is a regression test for a bug
// where distributeRewards read StakeInfo.LockedUntil (the unrelated
// withdrawal-cooldown timer set by Unstake) instead of
// StakeInfo.StakeLockedUntil (the reward-boost incentive lock set by
// StakeLock, spec.md §4.4.1). Two nodes serve identical revenue; only one
// has a live stake lock, so only it must earn more FLK.
func TestDistributeRewardsAppliesStakeLockBoost(t *testing.T) {
	ex, e, schema := newTestExecutor(t)
	ex.params.MaxBoost = 3
	ex.params.MaxStakeLockEpochs = 10
	ex.params.MaxInflationPercent = 10
	ex.params.NodeSharePercent = 100
	ex.params.ProtocolSharePercent = 0
	ex.params.ServiceBuilderSharePercent = 0
	ex.params.EpochsPerYear = 365

	lockedNode := types.NodeIndex(1)
	plainNode := types.NodeIndex(2)
	var lockedOwner, plainOwner types.Address
	lockedOwner[0] = 0x01
	plainOwner[0] = 0x02

	served := state.NewServedCounters()
	served.Add(1, types.CommodityType(0), 100)

	if err := e.Update(func(wtx *storage.WriteCtx) error {
		if err := schema.Node.Set(wtx, lockedNode, state.NodeInfo{
			Owner: lockedOwner,
			Stake: state.StakeInfo{
				Staked:           state.NewHpFixed(18),
				Locked:           state.NewHpFixed(18),
				StakeLockedUntil: types.Epoch(10), // live lock spanning the whole max-lock window
			},
		}); err != nil {
			return err
		}
		if err := schema.Node.Set(wtx, plainNode, state.NodeInfo{
			Owner: plainOwner,
			Stake: state.StakeInfo{
				Staked: state.NewHpFixed(18),
				Locked: state.NewHpFixed(18),
				// LockedUntil set (withdrawal cooldown, not a reward lock) to prove
				// distributeRewards no longer confuses the two fields.
				LockedUntil: types.Epoch(10),
			},
		}); err != nil {
			return err
		}
		if err := schema.CurrentEpochServed.Set(wtx, lockedNode, served); err != nil {
			return err
		}
		if err := schema.CurrentEpochServed.Set(wtx, plainNode, served); err != nil {
			return err
		}
		committee := state.Committee{ActiveNodeSet: []types.NodeIndex{lockedNode, plainNode}}
		if err := schema.Committee.Set(wtx, types.Epoch(0), committee); err != nil {
			return err
		}
		totalSupply := state.HpFixedFromUint64(1_000_000, 18)
		if err := schema.Metadata.Set(wtx, string(state.MetaTotalSupply), state.MetadataValue{Fixed: &totalSupply}); err != nil {
			return err
		}
		return schema.Metadata.Set(wtx, string(state.MetaSupplyAtYearStart), state.MetadataValue{Fixed: &totalSupply})
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := e.Update(func(wtx *storage.WriteCtx) error {
		return ex.distributeRewards(wtx, types.Epoch(0))
	}); err != nil {
		t.Fatalf("distributeRewards: %v", err)
	}

	var lockedAcct, plainAcct state.Account
	if err := e.View(func(rtx *storage.ReadCtx) error {
		var ok bool
		var err error
		lockedAcct, ok, err = schema.Account.Get(rtx, lockedOwner)
		if err != nil || !ok {
			return err
		}
		plainAcct, ok, err = schema.Account.Get(rtx, plainOwner)
		if err != nil || !ok {
			return err
		}
		return nil
	}); err != nil {
		t.Fatalf("read accounts: %v", err)
	}

	if lockedAcct.FLKBalance.Cmp(plainAcct.FLKBalance) <= 0 {
		t.Fatalf("expected stake-locked node to earn more: locked=%+v plain=%+v", lockedAcct.FLKBalance, plainAcct.FLKBalance)
	}
}
