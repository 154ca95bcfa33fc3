package executor

import (
	"math/big"
	"sort"

	"lightning/internal/state"
	"lightning/internal/storage"
	"lightning/internal/types"
)

func nodeRevenue(served state.ServedCounters) uint64 {
	var total uint64
	for _, commodities := range served.Counters {
		for _, n := range commodities {
			total += n
		}
	}
	return total
}

// boost implements spec.md §4.4.1's stake-lock multiplier:
// 1 + (max_boost-1) * min(1, (locked_until-current_epoch)/max_lock_time).
func boost(lockedUntil, currentEpoch types.Epoch, maxLockEpochs, maxBoost uint64) *big.Rat {
	one := big.NewRat(1, 1)
	if lockedUntil <= currentEpoch || maxLockEpochs == 0 {
		return one
	}
	remaining := uint64(lockedUntil - currentEpoch)
	ratio := big.NewRat(int64(remaining), int64(maxLockEpochs))
	if ratio.Cmp(one) > 0 {
		ratio = one
	}
	factor := new(big.Rat).Mul(new(big.Rat).SetInt64(int64(maxBoost)-1), ratio)
	return new(big.Rat).Add(one, factor)
}

// distributeRewards implements spec.md §4.4.1, run on the block that
// completes an epoch's rotation. It reads total_served[epoch] (the
// completing epoch, still in its original slot at this point in
// rotateEpoch) and every active node's participation to split emissions and
// the stables reward pool. All iteration is over sorted node indices so
// successive rounding is bit-for-bit reproducible across nodes (spec.md
// §4.3 "Determinism").
func (ex *Executor) distributeRewards(wtx *storage.WriteCtx, epoch types.Epoch) error {
	totalServed, ok, err := ex.schema.TotalServed.Get(wtx, epoch)
	if err != nil {
		return err
	}
	if !ok {
		totalServed = state.TotalServed{Served: state.NewServedCounters(), RewardPool: state.NewHpFixed(6)}
	}

	committee, ok, err := ex.schema.Committee.Get(wtx, epoch)
	if err != nil || !ok {
		return err
	}
	activeNodes := append([]types.NodeIndex(nil), committee.ActiveNodeSet...)
	sort.Slice(activeNodes, func(i, j int) bool { return activeNodes[i] < activeNodes[j] })

	type nodeShare struct {
		node    types.NodeIndex
		served  state.ServedCounters
		revenue uint64
		boost   *big.Rat
		info    state.NodeInfo
	}
	shares := make([]nodeShare, 0, len(activeNodes))
	var totalRevenue uint64
	var totalWeightedRevenue = new(big.Rat)

	for _, node := range activeNodes {
		served, ok, err := ex.schema.CurrentEpochServed.Get(wtx, node)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		info, ok, err := ex.schema.Node.Get(wtx, node)
		if err != nil || !ok {
			continue
		}
		rev := nodeRevenue(served)
		if rev == 0 {
			continue
		}
		b := boost(info.Stake.StakeLockedUntil, epoch, ex.params.MaxStakeLockEpochs, ex.params.MaxBoost)
		weighted := new(big.Rat).Mul(big.NewRat(int64(rev), 1), b)
		totalWeightedRevenue.Add(totalWeightedRevenue, weighted)
		totalRevenue += rev
		shares = append(shares, nodeShare{node: node, served: served, revenue: rev, boost: b, info: info})
	}

	supplyAtYearStart, err := ex.metaHpFixed(wtx, state.MetaSupplyAtYearStart, 18)
	if err != nil {
		return err
	}
	emissionsThisEpoch := supplyAtYearStart.
		MulFrac(big.NewInt(int64(ex.params.MaxInflationPercent)), big.NewInt(100)).
		MulFrac(big.NewInt(1), big.NewInt(int64(ex.params.EpochsPerYear)))

	emissionsForNodes := emissionsThisEpoch.MulFrac(big.NewInt(int64(ex.params.NodeSharePercent)), big.NewInt(100))
	emissionsForProtocol := emissionsThisEpoch.MulFrac(big.NewInt(int64(ex.params.ProtocolSharePercent)), big.NewInt(100))
	emissionsForBuilders := emissionsThisEpoch.MulFrac(big.NewInt(int64(ex.params.ServiceBuilderSharePercent)), big.NewInt(100))

	if totalWeightedRevenue.Sign() > 0 && totalRevenue > 0 {
		num, den := totalWeightedRevenue.Num(), totalWeightedRevenue.Denom()
		for _, sh := range shares {
			weighted := new(big.Rat).Mul(big.NewRat(int64(sh.revenue), 1), sh.boost)
			wn, wd := weighted.Num(), weighted.Denom()
			// node_flk = emissionsForNodes * (wn/wd) / (num/den)
			//          = emissionsForNodes * wn*den / (wd*num)
			numerator := new(big.Int).Mul(wn, den)
			denominator := new(big.Int).Mul(wd, num)
			flk := emissionsForNodes.MulFrac(numerator, denominator)

			stableFraction := big.NewRat(int64(sh.revenue), int64(totalRevenue))
			sn, sd := stableFraction.Num(), stableFraction.Denom()
			stable := totalServed.RewardPool.MulFrac(sn, sd).MulFrac(big.NewInt(int64(ex.params.NodeSharePercent)), big.NewInt(100))

			owner := sh.info.Owner
			acct, err := ex.loadAccount(wtx, owner)
			if err != nil {
				return err
			}
			acct.FLKBalance = acct.FLKBalance.Add(flk)
			acct.StablesBalance = acct.StablesBalance.Add(stable)
			if err := ex.schema.Account.Set(wtx, owner, acct); err != nil {
				return err
			}
		}
	}

	if err := ex.creditProtocolFund(wtx, emissionsForProtocol, totalServed.RewardPool.MulFrac(big.NewInt(int64(ex.params.ProtocolSharePercent)), big.NewInt(100))); err != nil {
		return err
	}
	if err := ex.distributeServiceBuilderShare(wtx, totalServed, emissionsForBuilders); err != nil {
		return err
	}

	totalSupply, err := ex.metaHpFixed(wtx, state.MetaTotalSupply, 18)
	if err != nil {
		return err
	}
	totalSupply = totalSupply.Add(emissionsThisEpoch)
	if err := ex.setMetaHpFixed(wtx, state.MetaTotalSupply, totalSupply); err != nil {
		return err
	}

	// Supply-year-start rollover (spec.md §9.3 open question resolution):
	// supply_at_year_start is a snapshot taken at the start of each year,
	// updated only on the last epoch of that year.
	if uint64(epoch)%ex.params.EpochsPerYear == ex.params.EpochsPerYear-1 {
		if err := ex.setMetaHpFixed(wtx, state.MetaSupplyAtYearStart, totalSupply); err != nil {
			return err
		}
	}
	return nil
}

func (ex *Executor) creditProtocolFund(wtx *storage.WriteCtx, flk, stables state.HpFixed) error {
	var protocolAddr types.Address // the zero address is reserved for the protocol fund
	acct, err := ex.loadAccount(wtx, protocolAddr)
	if err != nil {
		return err
	}
	acct.FLKBalance = acct.FLKBalance.Add(flk)
	acct.StablesBalance = acct.StablesBalance.Add(stables)
	return ex.schema.Account.Set(wtx, protocolAddr, acct)
}

// distributeServiceBuilderShare splits emissionsForBuilders across service
// owners proportionally to the commodity-weighted revenue their service
// generated this epoch (spec.md §4.4.1).
func (ex *Executor) distributeServiceBuilderShare(wtx *storage.WriteCtx, totalServed state.TotalServed, emissionsForBuilders state.HpFixed) error {
	serviceIDs := make([]types.ServiceID, 0, len(totalServed.Served.Counters))
	for id := range totalServed.Served.Counters {
		serviceIDs = append(serviceIDs, id)
	}
	sort.Slice(serviceIDs, func(i, j int) bool { return serviceIDs[i] < serviceIDs[j] })

	var totalRevenue uint64
	revenueByService := make(map[types.ServiceID]uint64, len(serviceIDs))
	for _, id := range serviceIDs {
		var rev uint64
		for _, n := range totalServed.Served.Counters[id] {
			rev += n
		}
		revenueByService[id] = rev
		totalRevenue += rev
	}
	if totalRevenue == 0 {
		return nil
	}

	for _, id := range serviceIDs {
		rev := revenueByService[id]
		if rev == 0 {
			continue
		}
		svc, ok, err := ex.schema.Service.Get(wtx, id)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		share := emissionsForBuilders.MulFrac(big.NewInt(int64(rev)), big.NewInt(int64(totalRevenue)))
		acct, err := ex.loadAccount(wtx, svc.Owner)
		if err != nil {
			return err
		}
		acct.FLKBalance = acct.FLKBalance.Add(share)
		if err := ex.schema.Account.Set(wtx, svc.Owner, acct); err != nil {
			return err
		}
	}
	return nil
}

func (ex *Executor) metaHpFixed(wtx *storage.WriteCtx, tag state.MetadataTag, decimals uint8) (state.HpFixed, error) {
	mv, ok, err := ex.schema.Metadata.Get(wtx, string(tag))
	if err != nil {
		return state.HpFixed{}, err
	}
	if !ok || mv.Fixed == nil {
		return state.NewHpFixed(decimals), nil
	}
	return *mv.Fixed, nil
}

func (ex *Executor) setMetaHpFixed(wtx *storage.WriteCtx, tag state.MetadataTag, v state.HpFixed) error {
	return ex.schema.Metadata.Set(wtx, string(tag), state.MetadataValue{Fixed: &v})
}
