package executor

import (
	"math/big"

	"lightning/internal/state"
	"lightning/internal/storage"
	"lightning/internal/types"
)

func (ex *Executor) currentEpoch(wtx *storage.WriteCtx) (types.Epoch, error) {
	mv, ok, err := ex.schema.Metadata.Get(wtx, string(state.MetaCurrentEpoch))
	if err != nil || !ok || mv.UInt == nil {
		return 0, err
	}
	return types.Epoch(*mv.UInt), nil
}

func (ex *Executor) loadAccount(wtx *storage.WriteCtx, addr types.Address) (state.Account, error) {
	acct, ok, err := ex.schema.Account.Get(wtx, addr)
	if err != nil {
		return state.Account{}, err
	}
	if !ok {
		acct = state.Account{
			FLKBalance:       state.NewHpFixed(18),
			StablesBalance:   state.NewHpFixed(6),
			BandwidthBalance: state.NewHpFixed(18),
		}
	}
	return acct, nil
}

func parseAmount(s string, decimals uint8) (state.HpFixed, bool) {
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	v, ok := new(big.Rat).SetString(s)
	if !ok {
		return state.HpFixed{}, false
	}
	scaled := new(big.Int).Mul(v.Num(), scale)
	scaled.Quo(scaled, v.Denom())
	return state.HpFixed{Decimals: decimals, Scaled: scaled}, true
}

func tokenDecimals(t types.Token) uint8 {
	switch t {
	case types.TokenStables:
		return 6
	default:
		return 18
	}
}

func balanceField(acct *state.Account, t types.Token) *state.HpFixed {
	switch t {
	case types.TokenFLK:
		return &acct.FLKBalance
	case types.TokenStables:
		return &acct.StablesBalance
	default:
		return &acct.BandwidthBalance
	}
}

func (ex *Executor) applyDeposit(wtx *storage.WriteCtx, s types.Sender, req types.DepositRequest) ([]byte, types.RevertCode, error) {
	if code := requireAccountOwner(s); code != types.RevertNone {
		return nil, code, nil
	}
	amount, ok := parseAmount(req.Amount, tokenDecimals(req.Token))
	if !ok {
		return nil, types.RevertInvalidProof, nil
	}
	acct, err := ex.loadAccount(wtx, s.Account)
	if err != nil {
		return nil, types.RevertNone, err
	}
	field := balanceField(&acct, req.Token)
	*field = field.Add(amount)
	if err := ex.schema.Account.Set(wtx, s.Account, acct); err != nil {
		return nil, types.RevertNone, err
	}
	return nil, types.RevertNone, nil
}

func (ex *Executor) applyWithdraw(wtx *storage.WriteCtx, s types.Sender, req types.WithdrawRequest) ([]byte, types.RevertCode, error) {
	if code := requireAccountOwner(s); code != types.RevertNone {
		return nil, code, nil
	}
	amount, ok := parseAmount(req.Amount, tokenDecimals(req.Token))
	if !ok {
		return nil, types.RevertInvalidProof, nil
	}
	acct, err := ex.loadAccount(wtx, s.Account)
	if err != nil {
		return nil, types.RevertNone, err
	}
	field := balanceField(&acct, req.Token)
	if field.Cmp(amount) < 0 {
		return nil, types.RevertInsufficientBalance, nil
	}
	*field = field.Sub(amount)
	if err := ex.schema.Account.Set(wtx, s.Account, acct); err != nil {
		return nil, types.RevertNone, err
	}
	return nil, types.RevertNone, nil
}

func (ex *Executor) applyTransfer(wtx *storage.WriteCtx, s types.Sender, req types.TransferRequest) ([]byte, types.RevertCode, error) {
	if code := requireAccountOwner(s); code != types.RevertNone {
		return nil, code, nil
	}
	if req.To == s.Account {
		return nil, types.RevertCantSendToYourself, nil
	}
	amount, ok := parseAmount(req.Amount, tokenDecimals(req.Token))
	if !ok {
		return nil, types.RevertInvalidProof, nil
	}
	from, err := ex.loadAccount(wtx, s.Account)
	if err != nil {
		return nil, types.RevertNone, err
	}
	fromField := balanceField(&from, req.Token)
	if fromField.Cmp(amount) < 0 {
		return nil, types.RevertInsufficientBalance, nil
	}
	to, err := ex.loadAccount(wtx, req.To)
	if err != nil {
		return nil, types.RevertNone, err
	}
	*fromField = fromField.Sub(amount)
	toField := balanceField(&to, req.Token)
	*toField = toField.Add(amount)

	if err := ex.schema.Account.Set(wtx, s.Account, from); err != nil {
		return nil, types.RevertNone, err
	}
	if err := ex.schema.Account.Set(wtx, req.To, to); err != nil {
		return nil, types.RevertNone, err
	}
	return nil, types.RevertNone, nil
}

// resolveNode finds a node by its consensus/main public key pair, returning
// ok=false if no node has staked under that key yet.
func (ex *Executor) resolveNode(wtx *storage.WriteCtx, pk types.NodePublicKey) (types.NodeIndex, state.NodeInfo, bool, error) {
	idx, ok, err := ex.schema.PubKeyToIndex.Get(wtx, pk)
	if err != nil || !ok {
		return 0, state.NodeInfo{}, false, err
	}
	info, ok, err := ex.schema.Node.Get(wtx, idx)
	return idx, info, ok, err
}

func (ex *Executor) nextNodeIndex(wtx *storage.WriteCtx) (types.NodeIndex, error) {
	mv, ok, err := ex.schema.Metadata.Get(wtx, "next_node_index")
	if err != nil {
		return 0, err
	}
	var next uint64
	if ok && mv.UInt != nil {
		next = *mv.UInt
	}
	nextCopy := next + 1
	if err := ex.schema.Metadata.Set(wtx, "next_node_index", state.MetadataValue{UInt: &nextCopy}); err != nil {
		return 0, err
	}
	return types.NodeIndex(next), nil
}

func (ex *Executor) applyStake(wtx *storage.WriteCtx, s types.Sender, req types.StakeRequest) ([]byte, types.RevertCode, error) {
	if code := requireAccountOwner(s); code != types.RevertNone {
		return nil, code, nil
	}
	amount, ok := parseAmount(req.Amount, 18)
	if !ok {
		return nil, types.RevertInvalidProof, nil
	}

	idx, info, exists, err := ex.resolveNode(wtx, req.NodePK)
	if err != nil {
		return nil, types.RevertNone, err
	}

	if !exists {
		if req.NewNode == nil {
			return nil, types.RevertInsufficientNodeDetails, nil
		}
		if _, already, err := ex.schema.ConsensusKeyToIndex.Get(wtx, req.NewNode.ConsensusPublicKey); err != nil {
			return nil, types.RevertNone, err
		} else if already {
			return nil, types.RevertConsensusKeyAlreadyIndexed, nil
		}
	}

	acct, err := ex.loadAccount(wtx, s.Account)
	if err != nil {
		return nil, types.RevertNone, err
	}
	if acct.FLKBalance.Cmp(amount) < 0 {
		return nil, types.RevertInsufficientBalance, nil
	}

	if !exists {
		idx, err = ex.nextNodeIndex(wtx)
		if err != nil {
			return nil, types.RevertNone, err
		}
		info = state.NodeInfo{
			Owner:              s.Account,
			MainPublicKey:      req.NewNode.NodeMainPublicKey,
			ConsensusPublicKey: req.NewNode.ConsensusPublicKey,
			Domain:             req.NewNode.Domain,
			WorkerPort:         req.NewNode.WorkerPort,
			NodesPort:          req.NewNode.NodesPort,
			Stake:              state.StakeInfo{Staked: state.NewHpFixed(18), Locked: state.NewHpFixed(18)},
		}
		if err := ex.schema.ConsensusKeyToIndex.Set(wtx, req.NewNode.ConsensusPublicKey, idx); err != nil {
			return nil, types.RevertNone, err
		}
		if err := ex.schema.PubKeyToIndex.Set(wtx, req.NewNode.NodeMainPublicKey, idx); err != nil {
			return nil, types.RevertNone, err
		}
	}

	acct.FLKBalance = acct.FLKBalance.Sub(amount)
	info.Stake.Staked = info.Stake.Staked.Add(amount)

	if err := ex.schema.Account.Set(wtx, s.Account, acct); err != nil {
		return nil, types.RevertNone, err
	}
	if err := ex.schema.Node.Set(wtx, idx, info); err != nil {
		return nil, types.RevertNone, err
	}
	return nil, types.RevertNone, nil
}

func (ex *Executor) applyUnstake(wtx *storage.WriteCtx, s types.Sender, req types.UnstakeRequest) ([]byte, types.RevertCode, error) {
	if code := requireAccountOwner(s); code != types.RevertNone {
		return nil, code, nil
	}
	idx, info, exists, err := ex.resolveNode(wtx, req.NodePK)
	if err != nil {
		return nil, types.RevertNone, err
	}
	if !exists {
		return nil, types.RevertNodeDoesNotExist, nil
	}
	if info.Owner != s.Account {
		return nil, types.RevertNotNodeOwner, nil
	}
	epoch, err := ex.currentEpoch(wtx)
	if err != nil {
		return nil, types.RevertNone, err
	}
	if info.Stake.StakeLockedUntil > epoch {
		return nil, types.RevertLockedTokensUnstakeForbidden, nil
	}
	amount, ok := parseAmount(req.Amount, 18)
	if !ok {
		return nil, types.RevertInvalidProof, nil
	}
	if info.Stake.Staked.Cmp(amount) < 0 {
		return nil, types.RevertInsufficientStake, nil
	}
	info.Stake.Staked = info.Stake.Staked.Sub(amount)
	info.Stake.Locked = info.Stake.Locked.Add(amount)
	info.Stake.LockedUntil = epoch + types.Epoch(ex.params.MaxStakeLockEpochs)
	if err := ex.schema.Node.Set(wtx, idx, info); err != nil {
		return nil, types.RevertNone, err
	}
	return nil, types.RevertNone, nil
}

func (ex *Executor) applyWithdrawUnstaked(wtx *storage.WriteCtx, s types.Sender, req types.WithdrawUnstakedRequest) ([]byte, types.RevertCode, error) {
	if code := requireAccountOwner(s); code != types.RevertNone {
		return nil, code, nil
	}
	idx, info, exists, err := ex.resolveNode(wtx, req.NodePK)
	if err != nil {
		return nil, types.RevertNone, err
	}
	if !exists {
		return nil, types.RevertNodeDoesNotExist, nil
	}
	if info.Owner != s.Account {
		return nil, types.RevertNotNodeOwner, nil
	}
	epoch, err := ex.currentEpoch(wtx)
	if err != nil {
		return nil, types.RevertNone, err
	}
	if info.Stake.Locked.IsZero() || info.Stake.LockedUntil > epoch {
		return nil, types.RevertNoLockedTokens, nil
	}
	recipient := s.Account
	if req.Recipient != nil {
		recipient = *req.Recipient
	}
	recipientAcct, err := ex.loadAccount(wtx, recipient)
	if err != nil {
		return nil, types.RevertNone, err
	}
	recipientAcct.FLKBalance = recipientAcct.FLKBalance.Add(info.Stake.Locked)
	info.Stake.Locked = state.NewHpFixed(18)
	info.Stake.LockedUntil = 0

	if err := ex.schema.Account.Set(wtx, recipient, recipientAcct); err != nil {
		return nil, types.RevertNone, err
	}
	if err := ex.schema.Node.Set(wtx, idx, info); err != nil {
		return nil, types.RevertNone, err
	}
	return nil, types.RevertNone, nil
}

func (ex *Executor) applyStakeLock(wtx *storage.WriteCtx, s types.Sender, req types.StakeLockRequest) ([]byte, types.RevertCode, error) {
	if code := requireAccountOwner(s); code != types.RevertNone {
		return nil, code, nil
	}
	idx, info, exists, err := ex.resolveNode(wtx, req.NodePK)
	if err != nil {
		return nil, types.RevertNone, err
	}
	if !exists {
		return nil, types.RevertNodeDoesNotExist, nil
	}
	if info.Owner != s.Account {
		return nil, types.RevertNotNodeOwner, nil
	}
	if info.Stake.Staked.IsZero() {
		return nil, types.RevertInsufficientStake, nil
	}
	if req.LockedFor > ex.params.MaxStakeLockEpochs {
		return nil, types.RevertLockExceededMaxStakeLockTime, nil
	}
	epoch, err := ex.currentEpoch(wtx)
	if err != nil {
		return nil, types.RevertNone, err
	}
	info.Stake.StakeLockedUntil = epoch + types.Epoch(req.LockedFor)
	if err := ex.schema.Node.Set(wtx, idx, info); err != nil {
		return nil, types.RevertNone, err
	}
	return nil, types.RevertNone, nil
}

func (ex *Executor) nodeFromSender(wtx *storage.WriteCtx, s types.Sender) (types.NodeIndex, state.NodeInfo, types.RevertCode, error) {
	info, ok, err := ex.schema.Node.Get(wtx, s.Node)
	if err != nil {
		return 0, state.NodeInfo{}, types.RevertNone, err
	}
	if !ok {
		return 0, state.NodeInfo{}, types.RevertNodeDoesNotExist, nil
	}
	if info.Stake.Staked.Cmp(ex.params.MinStake) < 0 {
		return 0, state.NodeInfo{}, types.RevertInsufficientStake, nil
	}
	return s.Node, info, types.RevertNone, nil
}

func (ex *Executor) applyDeliveryAck(wtx *storage.WriteCtx, s types.Sender, req types.SubmitDeliveryAckRequest) ([]byte, types.RevertCode, error) {
	if code := requireNode(s); code != types.RevertNone {
		return nil, code, nil
	}
	idx, _, code, err := ex.nodeFromSender(wtx, s)
	if err != nil || code != types.RevertNone {
		return nil, code, err
	}
	if _, ok, err := ex.schema.Service.Get(wtx, req.ServiceID); err != nil {
		return nil, types.RevertNone, err
	} else if !ok {
		return nil, types.RevertInvalidServiceID, nil
	}

	var total uint64
	for _, p := range req.Proofs {
		total += p.Amount
	}

	served, ok, err := ex.schema.CurrentEpochServed.Get(wtx, idx)
	if err != nil {
		return nil, types.RevertNone, err
	}
	if !ok {
		served = state.NewServedCounters()
	}
	served.Add(req.ServiceID, req.Commodity, total)
	if err := ex.schema.CurrentEpochServed.Set(wtx, idx, served); err != nil {
		return nil, types.RevertNone, err
	}

	epoch, err := ex.currentEpoch(wtx)
	if err != nil {
		return nil, types.RevertNone, err
	}
	totalServed, ok, err := ex.schema.TotalServed.Get(wtx, epoch)
	if err != nil {
		return nil, types.RevertNone, err
	}
	if !ok {
		totalServed = state.TotalServed{Served: state.NewServedCounters(), RewardPool: state.NewHpFixed(6)}
	}
	totalServed.Served.Add(req.ServiceID, req.Commodity, total)
	// Delivery-proof amounts are denominated directly in stables units; a
	// commodity price table is out of this core's scope, so revenue equals
	// delivered volume (spec.md §9 open questions: implementer's choice where
	// the source is silent).
	totalServed.RewardPool = totalServed.RewardPool.Add(state.HpFixedFromUint64(total, 6))
	if err := ex.schema.TotalServed.Set(wtx, epoch, totalServed); err != nil {
		return nil, types.RevertNone, err
	}
	return nil, types.RevertNone, nil
}

func (ex *Executor) applyReputationMeasurements(wtx *storage.WriteCtx, s types.Sender, req types.SubmitReputationMeasurementsRequest) ([]byte, types.RevertCode, error) {
	if code := requireNode(s); code != types.RevertNone {
		return nil, code, nil
	}
	if _, _, code, err := ex.nodeFromSender(wtx, s); err != nil || code != types.RevertNone {
		return nil, code, err
	}
	if len(req.Measurements) > ex.params.MaxMeasurementsPerTx {
		return nil, types.RevertTooManyMeasurements, nil
	}
	count, _, err := ex.schema.MeasurementSubmitCount.Get(wtx, s.Node)
	if err != nil {
		return nil, types.RevertNone, err
	}
	if count >= ex.params.MaxMeasurementsSubmitPerEpoch {
		return nil, types.RevertSubmittedTooManyTransactions, nil
	}
	if err := ex.schema.MeasurementSubmitCount.Set(wtx, s.Node, count+1); err != nil {
		return nil, types.RevertNone, err
	}

	for _, m := range req.Measurements {
		reports, _, err := ex.schema.RepMeasurements.Get(wtx, m.Target)
		if err != nil {
			return nil, types.RevertNone, err
		}
		reports = append(reports, state.ReputationReport{Submitter: s.Node, Measurement: m})
		if err := ex.schema.RepMeasurements.Set(wtx, m.Target, reports); err != nil {
			return nil, types.RevertNone, err
		}
		if m.Latency != nil {
			a, b := s.Node, m.Target
			if a > b {
				a, b = b, a
			}
			if err := ex.schema.Latencies.Set(wtx, [2]types.NodeIndex{a, b}, *m.Latency); err != nil {
				return nil, types.RevertNone, err
			}
		}
	}
	return nil, types.RevertNone, nil
}

func (ex *Executor) applyUpdateContentRegistry(wtx *storage.WriteCtx, s types.Sender, req types.UpdateContentRegistryRequest) ([]byte, types.RevertCode, error) {
	if code := requireNode(s); code != types.RevertNone {
		return nil, code, nil
	}
	if _, _, code, err := ex.nodeFromSender(wtx, s); err != nil || code != types.RevertNone {
		return nil, code, err
	}

	for _, u := range req.Updates {
		nodes, _, err := ex.schema.URIToNode.Get(wtx, u.URI)
		if err != nil {
			return nil, types.RevertNone, err
		}
		if nodes == nil {
			nodes = make(map[types.NodeIndex]struct{})
		}
		uris, _, err := ex.schema.NodeToURI.Get(wtx, s.Node)
		if err != nil {
			return nil, types.RevertNone, err
		}
		if uris == nil {
			uris = make(map[types.Hash]struct{})
		}
		if u.Remove {
			delete(nodes, s.Node)
			delete(uris, u.URI)
		} else {
			nodes[s.Node] = struct{}{}
			uris[u.URI] = struct{}{}
		}
		if err := ex.schema.URIToNode.Set(wtx, u.URI, nodes); err != nil {
			return nil, types.RevertNone, err
		}
		if err := ex.schema.NodeToURI.Set(wtx, s.Node, uris); err != nil {
			return nil, types.RevertNone, err
		}
	}
	return nil, types.RevertNone, nil
}

func (ex *Executor) applyOptToggle(wtx *storage.WriteCtx, s types.Sender, in bool) ([]byte, types.RevertCode, error) {
	if code := requireNode(s); code != types.RevertNone {
		return nil, code, nil
	}
	idx, info, code, err := ex.nodeFromSender(wtx, s)
	if err != nil || code != types.RevertNone {
		return nil, code, err
	}
	info.Participation = in
	if err := ex.schema.Node.Set(wtx, idx, info); err != nil {
		return nil, types.RevertNone, err
	}
	return nil, types.RevertNone, nil
}
