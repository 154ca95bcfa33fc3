// Package state defines the application schema (L2): the fixed-precision
// numeric type shared by every balance and reward computation, the row
// shapes of every table in §3.3, and the Schema that resolves them all once
// at construction (grounded on the original source's query_runner.rs
// QueryRunner::new, which the same way holds one table handle per logical
// table rather than re-resolving names per call).
package state

import (
	"encoding/json"
	"fmt"
	"math/big"
)

// HpFixed is a fixed-precision decimal whose number of decimal digits is
// carried in Decimals, used for every token amount in the core so that reward and
// balance arithmetic is exactly reproducible across nodes (spec.md §4.3
// "Determinism"). It wraps a big.Int holding the value scaled by 10^Decimals.
type HpFixed struct {
	Decimals uint8
	Scaled   *big.Int
}

// NewHpFixed builds a zero-valued fixed-point number with the given decimal
// precision. 18 decimals is used for FLK-denominated amounts, 6 for stables
// (spec.md §4.3).
func NewHpFixed(decimals uint8) HpFixed {
	return HpFixed{Decimals: decimals, Scaled: new(big.Int)}
}

// HpFixedFromUint64 builds a whole-number amount at the given precision.
func HpFixedFromUint64(v uint64, decimals uint8) HpFixed {
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	return HpFixed{Decimals: decimals, Scaled: new(big.Int).Mul(new(big.Int).SetUint64(v), scale)}
}

func (h HpFixed) clone() HpFixed {
	return HpFixed{Decimals: h.Decimals, Scaled: new(big.Int).Set(h.Scaled)}
}

func (h HpFixed) mustSamePrecision(o HpFixed) {
	if h.Decimals != o.Decimals {
		panic(fmt.Sprintf("state: mismatched HpFixed precision %d vs %d", h.Decimals, o.Decimals))
	}
}

// Add returns h+o. Both operands must share the same precision.
func (h HpFixed) Add(o HpFixed) HpFixed {
	h.mustSamePrecision(o)
	return HpFixed{Decimals: h.Decimals, Scaled: new(big.Int).Add(h.Scaled, o.Scaled)}
}

// Sub returns h-o. Both operands must share the same precision.
func (h HpFixed) Sub(o HpFixed) HpFixed {
	h.mustSamePrecision(o)
	return HpFixed{Decimals: h.Decimals, Scaled: new(big.Int).Sub(h.Scaled, o.Scaled)}
}

// Cmp compares h and o, which must share the same precision.
func (h HpFixed) Cmp(o HpFixed) int {
	h.mustSamePrecision(o)
	return h.Scaled.Cmp(o.Scaled)
}

// IsZero reports whether h is exactly zero.
func (h HpFixed) IsZero() bool { return h.Scaled.Sign() == 0 }

// MulFrac multiplies h by the rational numerator/denominator. The product
// h*numerator is exact; the division by denominator truncates toward zero
// once per call, so a chain of MulFrac calls truncates after each step
// (spec.md §4.4.1).
func (h HpFixed) MulFrac(numerator, denominator *big.Int) HpFixed {
	if denominator.Sign() == 0 {
		return HpFixed{Decimals: h.Decimals, Scaled: new(big.Int)}
	}
	prod := new(big.Int).Mul(h.Scaled, numerator)
	q := new(big.Int).Quo(prod, denominator) // Quo truncates toward zero
	return HpFixed{Decimals: h.Decimals, Scaled: q}
}

// Convert rescales h to a different decimal precision, truncating toward
// zero when narrowing (spec.md §4.4.1 "documented precision-convert
// operations").
func (h HpFixed) Convert(decimals uint8) HpFixed {
	if decimals == h.Decimals {
		return h.clone()
	}
	if decimals > h.Decimals {
		scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals-h.Decimals)), nil)
		return HpFixed{Decimals: decimals, Scaled: new(big.Int).Mul(h.Scaled, scale)}
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(h.Decimals-decimals)), nil)
	return HpFixed{Decimals: decimals, Scaled: new(big.Int).Quo(h.Scaled, scale)}
}

func (h HpFixed) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Decimals uint8  `json:"decimals"`
		Scaled   string `json:"scaled"`
	}{h.Decimals, h.Scaled.String()})
}

func (h *HpFixed) UnmarshalJSON(b []byte) error {
	var aux struct {
		Decimals uint8  `json:"decimals"`
		Scaled   string `json:"scaled"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	v, ok := new(big.Int).SetString(aux.Scaled, 10)
	if !ok {
		return fmt.Errorf("state: invalid HpFixed scaled value %q", aux.Scaled)
	}
	h.Decimals = aux.Decimals
	h.Scaled = v
	return nil
}
