// Package executor implements the L3/L4 layers: the deterministic
// transition function from (pre-state, ordered block) to (post-state, block
// receipt) (spec.md §4.3), and the epoch lifecycle state machine that rides
// inside it (spec.md §4.4). It is grounded on the teacher's core/ledger.go
// block-application loop and core/consensus.go's dependency-injection style
// (constructor takes every collaborator as an interface), generalized from a
// single opcode VM call per transaction to a fixed dispatch table keyed by
// UpdateMethod kind.
package executor

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/sha3"

	"lightning/internal/crypto"
	"lightning/internal/merklize"
	"lightning/internal/state"
	"lightning/internal/storage"
	"lightning/internal/types"
)

// Params collects the genesis-configured protocol parameters the executor
// consults on every block (spec.md §4.3, §4.4, §4.4.1). The executor keeps
// the value passed to New for its whole lifetime; ExecuteBlock does not
// re-read the parameter table.
type Params struct {
	MinStake                       state.HpFixed
	MaxStakeLockEpochs             uint64
	NonRevealSlashAmount           state.HpFixed
	MaxMeasurementsPerTx           int
	MaxMeasurementsSubmitPerEpoch  uint32
	EpochTimeMS                    uint64
	CommitPhaseDurationBlocks      uint64
	RevealPhaseDurationBlocks      uint64
	RequiredBeaconParticipationPct uint64 // 0-100
	MaxInflationPercent            uint64 // 0-100
	MaxBoost                       uint64
	NodeSharePercent               uint64
	ProtocolSharePercent           uint64
	ServiceBuilderSharePercent     uint64
	EpochsPerYear                  uint64
	CommitteeSize                  int
}

// Executor is the block-application engine described by spec.md §4.3.
type Executor struct {
	engine   *storage.Engine
	tree     *merklize.Tree
	schema   *state.Schema
	params   Params
	chainID  uint64
	notifier types.Notifier
	log      *logrus.Logger

	// lastBlockRotatedEpoch/lastRotatedTo are set by applyRevealPhaseTimeout
	// when it completes an epoch rotation and consumed by ExecuteBlock right
	// after the write commits, to build the EpochChanged notification without
	// threading a return value through the storage closure.
	lastBlockRotatedEpoch bool
	lastRotatedTo         types.Epoch
}

// New constructs an Executor over an already-opened engine/tree/schema.
func New(engine *storage.Engine, tree *merklize.Tree, schema *state.Schema, params Params, chainID uint64, notifier types.Notifier, log *logrus.Logger) *Executor {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Executor{engine: engine, tree: tree, schema: schema, params: params, chainID: chainID, notifier: notifier, log: log}
}

// ExecuteBlock applies every transaction in block in order, inside one
// storage write context, and returns the resulting receipts (spec.md §4.3,
// §6.1). On return the post-state's root already reflects every transaction
// in block, including reverted ones' nonce/digest bookkeeping.
func (ex *Executor) ExecuteBlock(block types.Block) (types.BlockExecutionResponse, error) {
	resp := types.BlockExecutionResponse{BlockNumber: block.BlockNumber}
	previousRoot := ex.tree.StateRoot()

	err := ex.engine.Update(func(wtx *storage.WriteCtx) error {
		for _, tx := range block.Transactions {
			receipt, err := ex.applyTransaction(wtx, block, tx)
			if err != nil {
				return fmt.Errorf("executor: fatal error applying tx: %w", err)
			}
			resp.Receipts = append(resp.Receipts, receipt)
		}
		return ex.maybeAdvanceBeacon(wtx, block)
	})
	if err != nil {
		return resp, err
	}

	changed, ev := ex.epochChangedThisBlock(previousRoot, block)
	resp.ChangeEpoch = changed
	if ex.notifier != nil {
		ex.notifier.NotifyBlockExecuted(resp)
		if changed {
			ex.notifier.NotifyEpochChanged(ev)
		}
	}
	return resp, nil
}

// epochChangedThisBlock is a cheap post-commit check: it consumes the
// lastBlockRotatedEpoch flag that applyRevealPhaseTimeout sets when this
// block's writes completed an epoch rotation, and resets it.
func (ex *Executor) epochChangedThisBlock(previousRoot types.Hash, block types.Block) (bool, types.EpochChangedEvent) {
	var ev types.EpochChangedEvent
	changed := ex.lastBlockRotatedEpoch
	ex.lastBlockRotatedEpoch = false
	if !changed {
		return false, ev
	}
	ev = types.EpochChangedEvent{
		Epoch:             ex.lastRotatedTo,
		PreviousStateRoot: previousRoot,
		NextStateRoot:     ex.tree.StateRoot(),
		LastBlockDigest:   block.Digest,
	}
	return true, ev
}

// applyTransaction runs the full per-transaction pipeline of spec.md §4.3
// steps 1-7. The only error it returns upward is an infrastructure failure;
// every transaction-level failure becomes a Revert receipt.
func (ex *Executor) applyTransaction(wtx *storage.WriteCtx, block types.Block, tx types.TransactionRequest) (types.TxReceipt, error) {
	payloadJSON, err := json.Marshal(tx.Method)
	if err != nil {
		return types.TxReceipt{}, fmt.Errorf("encode method payload: %w", err)
	}
	txHash, err := crypto.TransactionDigest(tx.Sender, tx.ChainID, tx.Nonce, tx.Method.Name(), payloadJSON)
	if err != nil {
		return types.TxReceipt{}, fmt.Errorf("compute tx digest: %w", err)
	}

	revert := func(code types.RevertCode) (types.TxReceipt, error) {
		return ex.finalizeRevert(wtx, tx, txHash, code)
	}

	if tx.ChainID != ex.chainID {
		return revert(types.RevertInvalidSignature)
	}
	if _, exists, err := ex.schema.ExecutedDigests.Get(wtx, txHash); err != nil {
		return types.TxReceipt{}, err
	} else if exists {
		return revert(types.RevertAlreadyExecuted)
	}
	if !ex.verifySignature(wtx, tx, txHash) {
		return revert(types.RevertInvalidSignature)
	}

	expectedNonce, revertCode, err := ex.senderNonce(wtx, tx.Sender)
	if err != nil {
		return types.TxReceipt{}, err
	}
	if revertCode != types.RevertNone {
		return revert(revertCode)
	}
	if tx.Nonce != expectedNonce+1 {
		return revert(types.RevertInvalidNonce)
	}

	data, code, err := ex.dispatch(wtx, block, tx)
	if err != nil {
		return types.TxReceipt{}, err
	}
	if code != types.RevertNone {
		return revert(code)
	}

	if err := ex.bumpNonce(wtx, tx.Sender); err != nil {
		return types.TxReceipt{}, err
	}
	if err := ex.schema.ExecutedDigests.Set(wtx, txHash, struct{}{}); err != nil {
		return types.TxReceipt{}, err
	}

	return types.TxReceipt{
		TxHash:      txHash,
		BlockNumber: block.BlockNumber,
		Response:    types.ExecutionResponse{Success: true, Data: data},
	}, nil
}

// finalizeRevert implements spec.md §4.3's revert semantics: all state
// unchanged except the sender's nonce (still bumped, when resolvable) and
// executed_digests.
func (ex *Executor) finalizeRevert(wtx *storage.WriteCtx, tx types.TransactionRequest, txHash types.TxHash, code types.RevertCode) (types.TxReceipt, error) {
	_ = ex.bumpNonce(wtx, tx.Sender) // best-effort: sender may not exist yet (e.g. bad signature)
	if err := ex.schema.ExecutedDigests.Set(wtx, txHash, struct{}{}); err != nil {
		return types.TxReceipt{}, err
	}
	return types.TxReceipt{
		TxHash:   txHash,
		Response: types.ExecutionResponse{Success: false, Revert: code},
	}, nil
}

func (ex *Executor) verifySignature(wtx *storage.WriteCtx, tx types.TransactionRequest, txHash types.TxHash) bool {
	switch tx.Sender.Kind {
	case types.SenderAccountOwner:
		ok, err := crypto.VerifyECDSA(tx.Sender.Account, txHash, tx.Signature)
		return err == nil && ok
	case types.SenderNodeMain:
		node, ok, err := ex.schema.Node.Get(wtx, tx.Sender.Node)
		if err != nil || !ok {
			return false
		}
		return crypto.Ed25519Verify(ed25519.PublicKey(node.MainPublicKey[:]), txHash[:], tx.Signature)
	case types.SenderNodeConsensus:
		node, ok, err := ex.schema.Node.Get(wtx, tx.Sender.Node)
		if err != nil || !ok {
			return false
		}
		valid, err := crypto.VerifyBLS(node.ConsensusPublicKey, txHash[:], tx.Signature)
		return err == nil && valid
	default:
		return false
	}
}

// senderNonce resolves the sender's current on-chain nonce, or a revert code
// if the sender cannot be resolved at all (e.g. node does not exist yet,
// which for node senders other than Stake is always a revert).
func (ex *Executor) senderNonce(wtx *storage.WriteCtx, s types.Sender) (uint64, types.RevertCode, error) {
	switch s.Kind {
	case types.SenderAccountOwner:
		acct, ok, err := ex.schema.Account.Get(wtx, s.Account)
		if err != nil {
			return 0, types.RevertNone, err
		}
		if !ok {
			return 0, types.RevertNone, nil // first transaction from a fresh address: nonce 0
		}
		return acct.Nonce, types.RevertNone, nil
	default:
		node, ok, err := ex.schema.Node.Get(wtx, s.Node)
		if err != nil {
			return 0, types.RevertNone, err
		}
		if !ok {
			return 0, types.RevertNodeDoesNotExist, nil
		}
		return node.Nonce, types.RevertNone, nil
	}
}

func (ex *Executor) bumpNonce(wtx *storage.WriteCtx, s types.Sender) error {
	switch s.Kind {
	case types.SenderAccountOwner:
		acct, ok, err := ex.schema.Account.Get(wtx, s.Account)
		if err != nil {
			return err
		}
		if !ok {
			acct = state.Account{
				FLKBalance:       state.NewHpFixed(18),
				StablesBalance:   state.NewHpFixed(6),
				BandwidthBalance: state.NewHpFixed(18),
			}
		}
		acct.Nonce++
		return ex.schema.Account.Set(wtx, s.Account, acct)
	default:
		node, ok, err := ex.schema.Node.Get(wtx, s.Node)
		if err != nil || !ok {
			return nil
		}
		node.Nonce++
		return ex.schema.Node.Set(wtx, s.Node, node)
	}
}

// dispatch routes to the per-method handler (spec.md §4.3's method list) and
// enforces the sender-kind authorization table.
func (ex *Executor) dispatch(wtx *storage.WriteCtx, block types.Block, tx types.TransactionRequest) ([]byte, types.RevertCode, error) {
	m := tx.Method
	switch {
	case m.Deposit != nil:
		return ex.applyDeposit(wtx, tx.Sender, *m.Deposit)
	case m.Withdraw != nil:
		return ex.applyWithdraw(wtx, tx.Sender, *m.Withdraw)
	case m.Transfer != nil:
		return ex.applyTransfer(wtx, tx.Sender, *m.Transfer)
	case m.Stake != nil:
		return ex.applyStake(wtx, tx.Sender, *m.Stake)
	case m.Unstake != nil:
		return ex.applyUnstake(wtx, tx.Sender, *m.Unstake)
	case m.WithdrawUnstaked != nil:
		return ex.applyWithdrawUnstaked(wtx, tx.Sender, *m.WithdrawUnstaked)
	case m.StakeLock != nil:
		return ex.applyStakeLock(wtx, tx.Sender, *m.StakeLock)
	case m.SubmitDeliveryAcknowledgmentAggregation != nil:
		return ex.applyDeliveryAck(wtx, tx.Sender, *m.SubmitDeliveryAcknowledgmentAggregation)
	case m.SubmitReputationMeasurements != nil:
		return ex.applyReputationMeasurements(wtx, tx.Sender, *m.SubmitReputationMeasurements)
	case m.UpdateContentRegistry != nil:
		return ex.applyUpdateContentRegistry(wtx, tx.Sender, *m.UpdateContentRegistry)
	case m.OptIn != nil:
		return ex.applyOptToggle(wtx, tx.Sender, true)
	case m.OptOut != nil:
		return ex.applyOptToggle(wtx, tx.Sender, false)
	case m.ChangeEpoch != nil:
		return ex.applyChangeEpoch(wtx, block, tx.Sender, *m.ChangeEpoch)
	case m.CommitteeSelectionBeaconCommit != nil:
		return ex.applyBeaconCommit(wtx, tx.Sender, *m.CommitteeSelectionBeaconCommit)
	case m.CommitteeSelectionBeaconReveal != nil:
		return ex.applyBeaconReveal(wtx, tx.Sender, *m.CommitteeSelectionBeaconReveal)
	case m.CommitteeSelectionBeaconCommitPhaseTimeout != nil:
		return ex.applyCommitPhaseTimeout(wtx, block)
	case m.CommitteeSelectionBeaconRevealPhaseTimeout != nil:
		return ex.applyRevealPhaseTimeout(wtx, block)
	case m.IncrementNonce != nil:
		return nil, types.RevertNone, nil
	default:
		return nil, types.RevertInvalidSignature, nil
	}
}

func requireAccountOwner(s types.Sender) types.RevertCode {
	if s.Kind != types.SenderAccountOwner {
		return types.RevertOnlyAccountOwner
	}
	return types.RevertNone
}

func requireNode(s types.Sender) types.RevertCode {
	if s.Kind == types.SenderAccountOwner {
		return types.RevertOnlyNode
	}
	return types.RevertNone
}

// beaconCommitHash computes SHA3-256(reveal || node_id || epoch || round),
// the exact binding spec.md §4.3/§8.1 invariant 7 requires. SHA3 (not
// blake3) because the spec names it explicitly for this one check.
func beaconCommitHash(reveal [32]byte, node types.NodeIndex, epoch types.Epoch, round uint64) types.Hash {
	h := sha3.New256()
	h.Write(reveal[:])
	var buf [20]byte
	putUint32(buf[0:4], uint32(node))
	putUint64(buf[4:12], uint64(epoch))
	putUint64(buf[12:20], round)
	h.Write(buf[:])
	var out types.Hash
	copy(out[:], h.Sum(nil))
	return out
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[7-i] = byte(v >> (8 * i))
	}
}
