package executor

import (
	"fmt"

	"github.com/holiman/uint256"

	"lightning/internal/state"
	"lightning/internal/storage"
)

// DefaultParams returns the protocol parameters genesis seeds a fresh store
// with, before any governance transaction has run (spec.md §6.2).
func DefaultParams() Params {
	return Params{
		MinStake:                      state.HpFixedFromUint64(1000, 18),
		MaxStakeLockEpochs:            52,
		NonRevealSlashAmount:          state.HpFixedFromUint64(10, 18),
		MaxMeasurementsPerTx:          64,
		MaxMeasurementsSubmitPerEpoch: 8,
		EpochTimeMS:                   24 * 60 * 60 * 1000,
		CommitPhaseDurationBlocks:     120,
		RevealPhaseDurationBlocks:     120,
		RequiredBeaconParticipationPct: 80,
		MaxInflationPercent:           10,
		MaxBoost:                      4,
		NodeSharePercent:              70,
		ProtocolSharePercent:          20,
		ServiceBuilderSharePercent:    10,
		EpochsPerYear:                 365,
		CommitteeSize:                 10,
	}
}

// LoadParams reads every tag in schema.Parameter, falling back to def for
// any tag never written (spec.md §3.3 "parameter table ... u128"). Values
// are stored as the decimal string of a uint256.Int, matching the teacher's
// go-ethereum-derived numeric stack rather than re-parsing with big.Int
// directly, since parameter rows are a closed, governance-mutable set the
// same width the chain's other u128/u256 fields use.
func LoadParams(rtx *storage.ReadCtx, schema *state.Schema, def Params) (Params, error) {
	p := def

	readUint := func(tag state.ParameterTag, into *uint64) error {
		v, ok, err := schema.Parameter.Get(rtx, tag)
		if err != nil || !ok {
			return err
		}
		u, err := parseParameterUint(v)
		if err != nil {
			return err
		}
		*into = u
		return nil
	}
	readInt := func(tag state.ParameterTag, into *int) error {
		var u uint64
		if err := readUint(tag, &u); err != nil {
			return err
		}
		*into = int(u)
		return nil
	}
	readU32 := func(tag state.ParameterTag, into *uint32) error {
		var u uint64
		if err := readUint(tag, &u); err != nil {
			return err
		}
		*into = uint32(u)
		return nil
	}
	readFixed := func(tag state.ParameterTag, decimals uint8, into *state.HpFixed) error {
		v, ok, err := schema.Parameter.Get(rtx, tag)
		if err != nil || !ok {
			return err
		}
		var u uint256.Int
		if err := u.SetFromDecimal(v); err != nil {
			return fmt.Errorf("executor: decode parameter %q: %w", v, err)
		}
		into.Decimals = decimals
		into.Scaled = u.ToBig()
		return nil
	}

	for _, step := range []func() error{
		func() error { return readFixed(state.ParamMinStake, 18, &p.MinStake) },
		func() error { return readUint(state.ParamMaxStakeLockEpochs, &p.MaxStakeLockEpochs) },
		func() error { return readFixed(state.ParamNonRevealSlashAmount, 18, &p.NonRevealSlashAmount) },
		func() error { return readInt(state.ParamMaxMeasurementsPerTx, &p.MaxMeasurementsPerTx) },
		func() error { return readU32(state.ParamMaxMeasurementsSubmitPerEpoch, &p.MaxMeasurementsSubmitPerEpoch) },
		func() error { return readUint(state.ParamEpochTimeMS, &p.EpochTimeMS) },
		func() error { return readUint(state.ParamCommitPhaseDurationBlocks, &p.CommitPhaseDurationBlocks) },
		func() error { return readUint(state.ParamRevealPhaseDurationBlocks, &p.RevealPhaseDurationBlocks) },
		func() error { return readUint(state.ParamRequiredBeaconParticipationPercent, &p.RequiredBeaconParticipationPct) },
		func() error { return readUint(state.ParamMaxInflationPercent, &p.MaxInflationPercent) },
		func() error { return readUint(state.ParamMaxBoost, &p.MaxBoost) },
		func() error { return readUint(state.ParamNodeSharePercent, &p.NodeSharePercent) },
		func() error { return readUint(state.ParamProtocolSharePercent, &p.ProtocolSharePercent) },
		func() error { return readUint(state.ParamServiceBuilderSharePercent, &p.ServiceBuilderSharePercent) },
		func() error { return readUint(state.ParamEpochsPerYear, &p.EpochsPerYear) },
	} {
		if err := step(); err != nil {
			return Params{}, err
		}
	}
	return p, nil
}

// StoreParams writes p into schema.Parameter as uint256 decimal strings,
// the form genesis application and future governance transactions share.
func StoreParams(wtx *storage.WriteCtx, schema *state.Schema, p Params) error {
	set := func(tag state.ParameterTag, v uint64) error {
		return schema.Parameter.Set(wtx, tag, formatParameterUint(v))
	}
	setFixed := func(tag state.ParameterTag, v state.HpFixed) error {
		if v.Scaled.Sign() < 0 || v.Scaled.BitLen() > 128 {
			return fmt.Errorf("executor: parameter %d overflows u128 scaled representation", tag)
		}
		u, _ := uint256.FromBig(v.Scaled)
		return schema.Parameter.Set(wtx, tag, u.Dec())
	}

	for _, step := range []func() error{
		func() error { return setFixed(state.ParamMinStake, p.MinStake) },
		func() error { return set(state.ParamMaxStakeLockEpochs, p.MaxStakeLockEpochs) },
		func() error { return setFixed(state.ParamNonRevealSlashAmount, p.NonRevealSlashAmount) },
		func() error { return set(state.ParamMaxMeasurementsPerTx, uint64(p.MaxMeasurementsPerTx)) },
		func() error { return set(state.ParamMaxMeasurementsSubmitPerEpoch, uint64(p.MaxMeasurementsSubmitPerEpoch)) },
		func() error { return set(state.ParamEpochTimeMS, p.EpochTimeMS) },
		func() error { return set(state.ParamCommitPhaseDurationBlocks, p.CommitPhaseDurationBlocks) },
		func() error { return set(state.ParamRevealPhaseDurationBlocks, p.RevealPhaseDurationBlocks) },
		func() error { return set(state.ParamRequiredBeaconParticipationPercent, p.RequiredBeaconParticipationPct) },
		func() error { return set(state.ParamMaxInflationPercent, p.MaxInflationPercent) },
		func() error { return set(state.ParamMaxBoost, p.MaxBoost) },
		func() error { return set(state.ParamNodeSharePercent, p.NodeSharePercent) },
		func() error { return set(state.ParamProtocolSharePercent, p.ProtocolSharePercent) },
		func() error { return set(state.ParamServiceBuilderSharePercent, p.ServiceBuilderSharePercent) },
		func() error { return set(state.ParamEpochsPerYear, p.EpochsPerYear) },
	} {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}

func formatParameterUint(v uint64) string {
	var u uint256.Int
	u.SetUint64(v)
	return u.Dec()
}

func parseParameterUint(s string) (uint64, error) {
	var u uint256.Int
	if err := u.SetFromDecimal(s); err != nil {
		return 0, fmt.Errorf("executor: decode parameter %q: %w", s, err)
	}
	if !u.IsUint64() {
		return 0, fmt.Errorf("executor: parameter %q exceeds uint64 range", s)
	}
	return u.Uint64(), nil
}
