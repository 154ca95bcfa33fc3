package types

// UpdateMethod is the closed set of transaction methods the executor can
// dispatch (spec.md §4.3). Exactly one of the embedded pointers is non-nil;
// this mirrors the Metadata "value (sum type)" row and keeps wire decoding
// simple without reflection-heavy interface unmarshaling.
type UpdateMethod struct {
	Deposit                               *DepositRequest
	Withdraw                              *WithdrawRequest
	Transfer                              *TransferRequest
	Stake                                 *StakeRequest
	Unstake                               *UnstakeRequest
	WithdrawUnstaked                      *WithdrawUnstakedRequest
	StakeLock                             *StakeLockRequest
	SubmitDeliveryAcknowledgmentAggregation *SubmitDeliveryAckRequest
	SubmitReputationMeasurements          *SubmitReputationMeasurementsRequest
	UpdateContentRegistry                 *UpdateContentRegistryRequest
	OptIn                                 *struct{}
	OptOut                                *struct{}
	ChangeEpoch                           *ChangeEpochRequest
	CommitteeSelectionBeaconCommit        *BeaconCommitRequest
	CommitteeSelectionBeaconReveal        *BeaconRevealRequest
	CommitteeSelectionBeaconCommitPhaseTimeout *struct{}
	CommitteeSelectionBeaconRevealPhaseTimeout *struct{}
	IncrementNonce                        *struct{}
}

// Name returns the method's design-level name, for logging and receipts.
func (m UpdateMethod) Name() string {
	switch {
	case m.Deposit != nil:
		return "Deposit"
	case m.Withdraw != nil:
		return "Withdraw"
	case m.Transfer != nil:
		return "Transfer"
	case m.Stake != nil:
		return "Stake"
	case m.Unstake != nil:
		return "Unstake"
	case m.WithdrawUnstaked != nil:
		return "WithdrawUnstaked"
	case m.StakeLock != nil:
		return "StakeLock"
	case m.SubmitDeliveryAcknowledgmentAggregation != nil:
		return "SubmitDeliveryAcknowledgmentAggregation"
	case m.SubmitReputationMeasurements != nil:
		return "SubmitReputationMeasurements"
	case m.UpdateContentRegistry != nil:
		return "UpdateContentRegistry"
	case m.OptIn != nil:
		return "OptIn"
	case m.OptOut != nil:
		return "OptOut"
	case m.ChangeEpoch != nil:
		return "ChangeEpoch"
	case m.CommitteeSelectionBeaconCommit != nil:
		return "CommitteeSelectionBeaconCommit"
	case m.CommitteeSelectionBeaconReveal != nil:
		return "CommitteeSelectionBeaconReveal"
	case m.CommitteeSelectionBeaconCommitPhaseTimeout != nil:
		return "CommitteeSelectionBeaconCommitPhaseTimeout"
	case m.CommitteeSelectionBeaconRevealPhaseTimeout != nil:
		return "CommitteeSelectionBeaconRevealPhaseTimeout"
	case m.IncrementNonce != nil:
		return "IncrementNonce"
	default:
		return "Unknown"
	}
}

// Token enumerates the three deposit/withdraw denominations.
type Token uint8

const (
	TokenFLK Token = iota
	TokenStables
	TokenBandwidth
)

type DepositRequest struct {
	Token            Token
	Amount           string // decimal string, parsed into HpFixed by the executor
	ProofOfConsensus []byte
}

type WithdrawRequest struct {
	Token  Token
	Amount string
}

type TransferRequest struct {
	Token  Token
	To     Address
	Amount string
}

// NewNodeDetails carries the fields required when Stake targets a node index
// that does not yet exist (spec.md §4.3 InsufficientNodeDetails).
type NewNodeDetails struct {
	NodeMainPublicKey  NodePublicKey
	ConsensusPublicKey ConsensusPublicKey
	Domain             string
	WorkerPort         uint16
	NodesPort          uint16
}

type StakeRequest struct {
	Amount  string
	NodePK  NodePublicKey
	NewNode *NewNodeDetails // required iff the node does not yet exist
}

type UnstakeRequest struct {
	Amount string
	NodePK NodePublicKey
}

type WithdrawUnstakedRequest struct {
	NodePK    NodePublicKey
	Recipient *Address
}

type StakeLockRequest struct {
	NodePK   NodePublicKey
	LockedFor uint64 // epochs
}

type DeliveryAckProof struct {
	ClientPK ClientPublicKey
	Commodity CommodityType
	Amount    uint64
}

type SubmitDeliveryAckRequest struct {
	Commodity CommodityType
	ServiceID ServiceID
	Proofs    []DeliveryAckProof
	Metadata  []byte
}

type ReputationMeasurement struct {
	Target  NodeIndex
	Latency *uint64 // milliseconds, optional
	Uptime  *uint8  // percent, optional
	BytesTransferred *uint64
}

type SubmitReputationMeasurementsRequest struct {
	Measurements []ReputationMeasurement
}

type ContentRegistryUpdate struct {
	URI    Hash
	Remove bool
}

type UpdateContentRegistryRequest struct {
	Updates []ContentRegistryUpdate
}

type ChangeEpochRequest struct {
	Epoch Epoch
}

type BeaconCommitRequest struct {
	Commit Hash
}

type BeaconRevealRequest struct {
	Reveal [32]byte
}
