package state

import (
	"lightning/internal/storage"
	"lightning/internal/types"
)

// BeaconPhaseKind enumerates the committee-selection beacon's state machine
// (spec.md §4.4).
type BeaconPhaseKind uint8

const (
	BeaconUnset BeaconPhaseKind = iota
	BeaconCommit
	BeaconReveal
)

// BeaconPhase carries the block range bounding the current phase, valid when
// Kind != BeaconUnset.
type BeaconPhase struct {
	Kind       BeaconPhaseKind
	StartBlock uint64
	EndBlock   uint64
}

// MemberChangeReason records why a node entered or left a committee or the
// active node set, for audit via the committee row's change log.
type MemberChangeReason uint8

const (
	ChangeReasonRotation MemberChangeReason = iota
	ChangeReasonOptOut
	ChangeReasonInsufficientStakeAfterNonRevealSlash
	ChangeReasonInsufficientStakeAtEpochChange
)

type MemberChange struct {
	Node   types.NodeIndex
	Added  bool
	Reason MemberChangeReason
}

// BeaconSlot is one node's commit/reveal state for the current beacon round.
type BeaconSlot struct {
	Commit    types.Hash
	Revealed  bool
	Reveal    [32]byte
	Committed bool
}

// Committee is the committee row keyed by epoch (spec.md §3.3).
type Committee struct {
	Members           []types.NodeIndex // sorted
	ActiveNodeSet     []types.NodeIndex // sorted
	MembersChanges    []MemberChange
	ActiveSetChanges  []MemberChange
	Beacons           map[types.NodeIndex]BeaconSlot
	Round             uint64
	Phase             BeaconPhase
	ChangeEpochVotes  map[types.NodeIndex]bool // distinct committee members who signaled ChangeEpoch(this epoch)
}

// StakeInfo is the staking sub-record embedded in NodeInfo.
type StakeInfo struct {
	Staked       HpFixed
	Locked       HpFixed
	LockedUntil  types.Epoch // valid while Locked > 0
	StakeLockedUntil types.Epoch // set by StakeLock; blocks Unstake while current_epoch < this
}

// NodeInfo is the node row (spec.md §3.3).
type NodeInfo struct {
	Owner              types.Address
	MainPublicKey      types.NodePublicKey
	ConsensusPublicKey types.ConsensusPublicKey
	Domain             string
	WorkerPort         uint16
	NodesPort          uint16
	Stake              StakeInfo
	Participation      bool // opted in
	Nonce              uint64
}

// Account is the account row (spec.md §3.3).
type Account struct {
	FLKBalance       HpFixed
	StablesBalance   HpFixed
	BandwidthBalance HpFixed
	Nonce            uint64
}

// Service is the service row (spec.md §3.3).
type Service struct {
	Owner         types.Address
	CommodityType types.CommodityType
}

// ParameterTag enumerates governance-tunable protocol parameters stored as
// u128 in the parameter table.
type ParameterTag uint8

const (
	ParamMinStake ParameterTag = iota
	ParamMaxStakeLockEpochs
	ParamNonRevealSlashAmount
	ParamMaxMeasurementsPerTx
	ParamMaxMeasurementsSubmitPerEpoch
	ParamEpochTimeMS
	ParamCommitPhaseDurationBlocks
	ParamRevealPhaseDurationBlocks
	ParamRequiredBeaconParticipationPercent
	ParamMaxInflationPercent
	ParamMaxBoost
	ParamNodeSharePercent
	ParamProtocolSharePercent
	ParamServiceBuilderSharePercent
	ParamEpochsPerYear
)

// ServedCounters is a per-service commodity counter vector, keyed by
// ServiceID at the call site rather than embedded, mirroring total_served's
// "served vector" column (spec.md §3.3).
type ServedCounters struct {
	Counters map[types.ServiceID]map[types.CommodityType]uint64
}

func NewServedCounters() ServedCounters {
	return ServedCounters{Counters: make(map[types.ServiceID]map[types.CommodityType]uint64)}
}

func (s *ServedCounters) Add(service types.ServiceID, commodity types.CommodityType, amount uint64) {
	if s.Counters == nil {
		s.Counters = make(map[types.ServiceID]map[types.CommodityType]uint64)
	}
	m := s.Counters[service]
	if m == nil {
		m = make(map[types.CommodityType]uint64)
		s.Counters[service] = m
	}
	m[commodity] += amount
}

// TotalServed is the total_served row keyed by epoch (spec.md §3.3).
type TotalServed struct {
	Served     ServedCounters
	RewardPool HpFixed // stables
}

// ReputationReport pairs a raw measurement with the node that submitted it,
// since the rep_measurements row is "a vec of reports" rather than a single
// value (spec.md §3.3).
type ReputationReport struct {
	Submitter   types.NodeIndex
	Measurement types.ReputationMeasurement
}

// MetadataTag enumerates the metadata table's sum-typed rows.
type MetadataTag string

const (
	MetaChainID          MetadataTag = "chain_id"
	MetaCurrentEpoch     MetadataTag = "current_epoch"
	MetaEpochStartTime   MetadataTag = "epoch_start_time"
	MetaTotalSupply      MetadataTag = "total_supply"
	MetaSupplyAtYearStart MetadataTag = "supply_at_year_start"
	MetaGenesisApplied   MetadataTag = "genesis_applied"
)

// MetadataValue is the metadata table's sum type (spec.md §3.3): exactly one
// field is populated, selected by the row's tag.
type MetadataValue struct {
	UInt  *uint64
	Fixed *HpFixed
	Bool  *bool
}

// Schema resolves every logical table from spec.md §3.3 exactly once, the
// way the original's QueryRunner::new resolves its column families up front
// instead of looking tables up by name on every call.
type Schema struct {
	Metadata             *storage.TableHandle[string, MetadataValue]
	Account              *storage.TableHandle[types.Address, Account]
	ClientKeys           *storage.TableHandle[types.ClientPublicKey, types.Address]
	Node                 *storage.TableHandle[types.NodeIndex, NodeInfo]
	ConsensusKeyToIndex  *storage.TableHandle[types.ConsensusPublicKey, types.NodeIndex]
	PubKeyToIndex        *storage.TableHandle[types.NodePublicKey, types.NodeIndex]
	Committee            *storage.TableHandle[types.Epoch, Committee]
	Service              *storage.TableHandle[types.ServiceID, Service]
	Parameter            *storage.TableHandle[ParameterTag, string] // u128 stored as decimal string
	CurrentEpochServed   *storage.TableHandle[types.NodeIndex, ServedCounters]
	LastEpochServed      *storage.TableHandle[types.NodeIndex, ServedCounters]
	TotalServed          *storage.TableHandle[types.Epoch, TotalServed]
	RepMeasurements      *storage.TableHandle[types.NodeIndex, []ReputationReport]
	RepScores            *storage.TableHandle[types.NodeIndex, uint8]
	Latencies            *storage.TableHandle[[2]types.NodeIndex, uint64]
	Uptime               *storage.TableHandle[types.NodeIndex, uint8]
	ExecutedDigests      *storage.TableHandle[types.TxHash, struct{}]
	URIToNode            *storage.TableHandle[types.Hash, map[types.NodeIndex]struct{}]
	NodeToURI            *storage.TableHandle[types.NodeIndex, map[types.Hash]struct{}]

	// MeasurementSubmitCount is not part of spec.md §3.3's table list; it is
	// an extra table, measurement_submit_count, that counts each submitter's
	// measurement transactions per epoch for spec.md §4.3's
	// MAX_MEASUREMENTS_SUBMIT-per-epoch-per-submitter limit.
	MeasurementSubmitCount *storage.TableHandle[types.NodeIndex, uint32]
}

// Open registers every table on e. Call once per engine at startup, after
// merklize.Open so that application rows are captured by the trie.
func Open(e *storage.Engine) (*Schema, error) {
	var s Schema
	var err error
	reg := func(f func() error) {
		if err == nil {
			err = f()
		}
	}

	reg(func() (e2 error) { s.Metadata, e2 = storage.RegisterTable[string, MetadataValue](e, "metadata", true); return })
	reg(func() (e2 error) { s.Account, e2 = storage.RegisterTable[types.Address, Account](e, "account", true); return })
	reg(func() (e2 error) {
		s.ClientKeys, e2 = storage.RegisterTable[types.ClientPublicKey, types.Address](e, "client_keys", false)
		return
	})
	reg(func() (e2 error) { s.Node, e2 = storage.RegisterTable[types.NodeIndex, NodeInfo](e, "node", true); return })
	reg(func() (e2 error) {
		s.ConsensusKeyToIndex, e2 = storage.RegisterTable[types.ConsensusPublicKey, types.NodeIndex](e, "consensus_key_to_index", false)
		return
	})
	reg(func() (e2 error) {
		s.PubKeyToIndex, e2 = storage.RegisterTable[types.NodePublicKey, types.NodeIndex](e, "pub_key_to_index", false)
		return
	})
	reg(func() (e2 error) { s.Committee, e2 = storage.RegisterTable[types.Epoch, Committee](e, "committee", true); return })
	reg(func() (e2 error) { s.Service, e2 = storage.RegisterTable[types.ServiceID, Service](e, "service", true); return })
	reg(func() (e2 error) { s.Parameter, e2 = storage.RegisterTable[ParameterTag, string](e, "parameter", true); return })
	reg(func() (e2 error) {
		s.CurrentEpochServed, e2 = storage.RegisterTable[types.NodeIndex, ServedCounters](e, "current_epoch_served", true)
		return
	})
	reg(func() (e2 error) {
		s.LastEpochServed, e2 = storage.RegisterTable[types.NodeIndex, ServedCounters](e, "last_epoch_served", true)
		return
	})
	reg(func() (e2 error) { s.TotalServed, e2 = storage.RegisterTable[types.Epoch, TotalServed](e, "total_served", true); return })
	reg(func() (e2 error) {
		s.RepMeasurements, e2 = storage.RegisterTable[types.NodeIndex, []ReputationReport](e, "rep_measurements", true)
		return
	})
	reg(func() (e2 error) { s.RepScores, e2 = storage.RegisterTable[types.NodeIndex, uint8](e, "rep_scores", true); return })
	reg(func() (e2 error) { s.Latencies, e2 = storage.RegisterTable[[2]types.NodeIndex, uint64](e, "latencies", true); return })
	reg(func() (e2 error) { s.Uptime, e2 = storage.RegisterTable[types.NodeIndex, uint8](e, "uptime", true); return })
	reg(func() (e2 error) {
		s.ExecutedDigests, e2 = storage.RegisterTable[types.TxHash, struct{}](e, "executed_digests", false)
		return
	})
	reg(func() (e2 error) {
		s.URIToNode, e2 = storage.RegisterTable[types.Hash, map[types.NodeIndex]struct{}](e, "uri_to_node", true)
		return
	})
	reg(func() (e2 error) {
		s.NodeToURI, e2 = storage.RegisterTable[types.NodeIndex, map[types.Hash]struct{}](e, "node_to_uri", true)
		return
	})
	reg(func() (e2 error) {
		s.MeasurementSubmitCount, e2 = storage.RegisterTable[types.NodeIndex, uint32](e, "measurement_submit_count", false)
		return
	})

	if err != nil {
		return nil, err
	}
	return &s, nil
}
