package state

import (
	"math/big"
	"testing"
)

func TestHpFixedAddSub(t *testing.T) {
	a := HpFixedFromUint64(100, 18)
	b := HpFixedFromUint64(30, 18)
	sum := a.Add(b)
	if sum.Cmp(HpFixedFromUint64(130, 18)) != 0 {
		t.Fatalf("100+30 != 130: %s", sum.Scaled)
	}
	diff := a.Sub(b)
	if diff.Cmp(HpFixedFromUint64(70, 18)) != 0 {
		t.Fatalf("100-30 != 70: %s", diff.Scaled)
	}
}

func TestHpFixedMulFracTruncatesTowardZero(t *testing.T) {
	amount := HpFixedFromUint64(10, 6) // 10.000000
	// 10 * (1/3) should truncate, not round.
	got := amount.MulFrac(big.NewInt(1), big.NewInt(3))
	want := new(big.Int).Quo(amount.Scaled, big.NewInt(3))
	if got.Scaled.Cmp(want) != 0 {
		t.Fatalf("got %s want %s", got.Scaled, want)
	}
}

func TestHpFixedConvertPrecision(t *testing.T) {
	flk := HpFixedFromUint64(1, 18) // 1.000000000000000000
	stables := flk.Convert(6)
	if stables.Decimals != 6 {
		t.Fatalf("expected 6 decimals, got %d", stables.Decimals)
	}
	if stables.Cmp(HpFixedFromUint64(1, 6)) != 0 {
		t.Fatalf("1 FLK converted to stables precision should equal 1.000000, got %s", stables.Scaled)
	}
}

func TestHpFixedJSONRoundtrip(t *testing.T) {
	v := HpFixedFromUint64(42, 18)
	raw, err := v.MarshalJSON()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got HpFixed
	if err := got.UnmarshalJSON(raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Cmp(v) != 0 || got.Decimals != v.Decimals {
		t.Fatalf("roundtrip mismatch: got %+v want %+v", got, v)
	}
}
