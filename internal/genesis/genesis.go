// Package genesis loads the declarative genesis document (spec.md §6.2) and
// applies it exactly once, when the store's genesis_applied metadata flag
// has not been set. Grounded on the teacher's pkg/config YAML-via-viper convention,
// reused here for a one-shot document instead of a long-lived config.
package genesis

import (
	"fmt"
	"math/big"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"lightning/internal/executor"
	"lightning/internal/state"
	"lightning/internal/storage"
	"lightning/internal/types"
)

// NodeSeed describes one committee member present at genesis.
type NodeSeed struct {
	Owner              types.Address              `yaml:"owner"`
	MainPublicKey      types.NodePublicKey        `yaml:"main_public_key"`
	ConsensusPublicKey types.ConsensusPublicKey   `yaml:"consensus_public_key"`
	Domain             string                     `yaml:"domain"`
	WorkerPort         uint16                     `yaml:"worker_port"`
	NodesPort          uint16                     `yaml:"nodes_port"`
	Stake              string                     `yaml:"stake"` // decimal FLK amount
}

// ServiceSeed describes one content/compute/bandwidth service present at
// genesis.
type ServiceSeed struct {
	ID            types.ServiceID     `yaml:"id"`
	Owner         types.Address       `yaml:"owner"`
	CommodityType types.CommodityType `yaml:"commodity_type"`
}

// AccountSeed credits an account-owner address before any transaction runs.
type AccountSeed struct {
	Address        types.Address `yaml:"address"`
	FLKBalance     string        `yaml:"flk_balance"`
	StablesBalance string        `yaml:"stables_balance"`
}

// Document is the full genesis declaration (spec.md §6.2).
type Document struct {
	ChainID          uint64            `yaml:"chain_id"`
	EpochStartUnixMS int64             `yaml:"epoch_start"`
	EpochTimeMS      uint64            `yaml:"epoch_time"`
	Committee        []NodeSeed        `yaml:"committee"`
	Services         []ServiceSeed     `yaml:"services"`
	Accounts         []AccountSeed     `yaml:"accounts"`
	Parameters       map[string]uint64 `yaml:"parameters"`
}

// Load reads and decodes a genesis document from path.
func Load(path string) (*Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("genesis: read %s: %w", path, err)
	}
	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("genesis: decode %s: %w", path, err)
	}
	return &doc, nil
}

// parameterTagsByName maps a genesis document's parameter keys onto the
// closed ParameterTag enum (spec.md §3.3), so a document only needs to name
// the knobs it overrides.
var parameterTagsByName = map[string]state.ParameterTag{
	"min_stake":                         state.ParamMinStake,
	"max_stake_lock_epochs":             state.ParamMaxStakeLockEpochs,
	"non_reveal_slash_amount":           state.ParamNonRevealSlashAmount,
	"max_measurements_per_tx":           state.ParamMaxMeasurementsPerTx,
	"max_measurements_submit_per_epoch": state.ParamMaxMeasurementsSubmitPerEpoch,
	"epoch_time_ms":                     state.ParamEpochTimeMS,
	"commit_phase_duration_blocks":      state.ParamCommitPhaseDurationBlocks,
	"reveal_phase_duration_blocks":      state.ParamRevealPhaseDurationBlocks,
	"required_beacon_participation_pct": state.ParamRequiredBeaconParticipationPercent,
	"max_inflation_percent":             state.ParamMaxInflationPercent,
	"max_boost":                         state.ParamMaxBoost,
	"node_share_percent":                state.ParamNodeSharePercent,
	"protocol_share_percent":            state.ParamProtocolSharePercent,
	"service_builder_share_percent":     state.ParamServiceBuilderSharePercent,
	"epochs_per_year":                   state.ParamEpochsPerYear,
}

// AlreadyApplied reports whether genesis has already run against e/schema.
func AlreadyApplied(e *storage.Engine, schema *state.Schema) (bool, error) {
	var applied bool
	err := e.View(func(rtx *storage.ReadCtx) error {
		mv, ok, err := schema.Metadata.Get(rtx, string(state.MetaGenesisApplied))
		if err != nil || !ok || mv.Bool == nil {
			return err
		}
		applied = *mv.Bool
		return nil
	})
	return applied, err
}

// Apply writes doc's seeds into e exactly once (spec.md §6.2). Calling it
// again on an already-applied store is a no-op.
func Apply(e *storage.Engine, schema *state.Schema, doc *Document) error {
	if already, err := AlreadyApplied(e, schema); err != nil {
		return err
	} else if already {
		return nil
	}

	params := executor.DefaultParams()
	params.EpochTimeMS = doc.EpochTimeMS
	for name, v := range doc.Parameters {
		tag, ok := parameterTagsByName[name]
		if !ok {
			return fmt.Errorf("genesis: unknown parameter %q", name)
		}
		if err := applyParameterOverride(&params, tag, v); err != nil {
			return err
		}
	}

	return e.Update(func(wtx *storage.WriteCtx) error {
		totalSupply := state.NewHpFixed(18)

		nodeIndices := make([]types.NodeIndex, 0, len(doc.Committee))
		for i, seed := range doc.Committee {
			idx := types.NodeIndex(i)
			stake, ok := parseFLK(seed.Stake)
			if !ok {
				return fmt.Errorf("genesis: invalid stake amount %q for committee node %d", seed.Stake, i)
			}
			node := state.NodeInfo{
				Owner:              seed.Owner,
				MainPublicKey:      seed.MainPublicKey,
				ConsensusPublicKey: seed.ConsensusPublicKey,
				Domain:             seed.Domain,
				WorkerPort:         seed.WorkerPort,
				NodesPort:          seed.NodesPort,
				Stake:              state.StakeInfo{Staked: stake, Locked: state.NewHpFixed(18)},
				Participation:      true,
			}
			if err := schema.Node.Set(wtx, idx, node); err != nil {
				return err
			}
			if err := schema.PubKeyToIndex.Set(wtx, seed.MainPublicKey, idx); err != nil {
				return err
			}
			if err := schema.ConsensusKeyToIndex.Set(wtx, seed.ConsensusPublicKey, idx); err != nil {
				return err
			}
			totalSupply = totalSupply.Add(stake)
			nodeIndices = append(nodeIndices, idx)
		}
		sort.Slice(nodeIndices, func(i, j int) bool { return nodeIndices[i] < nodeIndices[j] })

		committee := state.Committee{
			Members:       nodeIndices,
			ActiveNodeSet: nodeIndices,
			Beacons:       make(map[types.NodeIndex]state.BeaconSlot),
			ChangeEpochVotes: make(map[types.NodeIndex]bool),
		}
		if err := schema.Committee.Set(wtx, types.Epoch(0), committee); err != nil {
			return err
		}

		for _, svc := range doc.Services {
			if err := schema.Service.Set(wtx, svc.ID, state.Service{Owner: svc.Owner, CommodityType: svc.CommodityType}); err != nil {
				return err
			}
		}

		for _, acc := range doc.Accounts {
			flk, ok := parseFLK(acc.FLKBalance)
			if !ok {
				return fmt.Errorf("genesis: invalid flk_balance %q for account %s", acc.FLKBalance, acc.Address)
			}
			stables, ok := parseStables(acc.StablesBalance)
			if !ok {
				return fmt.Errorf("genesis: invalid stables_balance %q for account %s", acc.StablesBalance, acc.Address)
			}
			account := state.Account{
				FLKBalance:       flk,
				StablesBalance:   stables,
				BandwidthBalance: state.NewHpFixed(18),
			}
			if err := schema.Account.Set(wtx, acc.Address, account); err != nil {
				return err
			}
			totalSupply = totalSupply.Add(flk)
		}

		if err := executor.StoreParams(wtx, schema, params); err != nil {
			return err
		}

		chainID := doc.ChainID
		epochStart := uint64(doc.EpochStartUnixMS)
		zero := uint64(0)
		applied := true
		if err := schema.Metadata.Set(wtx, string(state.MetaChainID), state.MetadataValue{UInt: &chainID}); err != nil {
			return err
		}
		if err := schema.Metadata.Set(wtx, string(state.MetaCurrentEpoch), state.MetadataValue{UInt: &zero}); err != nil {
			return err
		}
		if err := schema.Metadata.Set(wtx, string(state.MetaEpochStartTime), state.MetadataValue{UInt: &epochStart}); err != nil {
			return err
		}
		if err := schema.Metadata.Set(wtx, string(state.MetaTotalSupply), state.MetadataValue{Fixed: &totalSupply}); err != nil {
			return err
		}
		if err := schema.Metadata.Set(wtx, string(state.MetaSupplyAtYearStart), state.MetadataValue{Fixed: &totalSupply}); err != nil {
			return err
		}
		return schema.Metadata.Set(wtx, string(state.MetaGenesisApplied), state.MetadataValue{Bool: &applied})
	})
}

func applyParameterOverride(p *executor.Params, tag state.ParameterTag, v uint64) error {
	switch tag {
	case state.ParamMinStake:
		p.MinStake = state.HpFixedFromUint64(v, 18)
	case state.ParamMaxStakeLockEpochs:
		p.MaxStakeLockEpochs = v
	case state.ParamNonRevealSlashAmount:
		p.NonRevealSlashAmount = state.HpFixedFromUint64(v, 18)
	case state.ParamMaxMeasurementsPerTx:
		p.MaxMeasurementsPerTx = int(v)
	case state.ParamMaxMeasurementsSubmitPerEpoch:
		p.MaxMeasurementsSubmitPerEpoch = uint32(v)
	case state.ParamEpochTimeMS:
		p.EpochTimeMS = v
	case state.ParamCommitPhaseDurationBlocks:
		p.CommitPhaseDurationBlocks = v
	case state.ParamRevealPhaseDurationBlocks:
		p.RevealPhaseDurationBlocks = v
	case state.ParamRequiredBeaconParticipationPercent:
		p.RequiredBeaconParticipationPct = v
	case state.ParamMaxInflationPercent:
		p.MaxInflationPercent = v
	case state.ParamMaxBoost:
		p.MaxBoost = v
	case state.ParamNodeSharePercent:
		p.NodeSharePercent = v
	case state.ParamProtocolSharePercent:
		p.ProtocolSharePercent = v
	case state.ParamServiceBuilderSharePercent:
		p.ServiceBuilderSharePercent = v
	case state.ParamEpochsPerYear:
		p.EpochsPerYear = v
	default:
		return fmt.Errorf("genesis: unhandled parameter tag %d", tag)
	}
	return nil
}

func parseFLK(s string) (state.HpFixed, bool) { return parseDecimal(s, 18) }
func parseStables(s string) (state.HpFixed, bool) {
	if s == "" {
		return state.NewHpFixed(6), true
	}
	return parseDecimal(s, 6)
}

func parseDecimal(s string, decimals uint8) (state.HpFixed, bool) {
	if s == "" {
		return state.NewHpFixed(decimals), true
	}
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return state.HpFixed{}, false
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	scaled := new(big.Rat).Mul(r, new(big.Rat).SetInt(scale))
	if !scaled.IsInt() {
		return state.HpFixed{}, false
	}
	return state.HpFixed{Decimals: decimals, Scaled: new(big.Int).Set(scaled.Num())}, true
}
