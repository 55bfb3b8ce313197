// Package fixedpoint implements the wad/ray scaled arithmetic primitives used
// by every accrual calculation in the lending engines. Values are carried as
// *big.Int at the call sites but the math itself runs on 256-bit words so that
// overflow is detected and reported instead of silently wrapping.
package fixedpoint

import (
	"errors"
	"math/big"

	"github.com/holiman/uint256"
)

var (
	// Wad is the standard-precision base (1e18) used for amount-scale
	// currency values.
	Wad = mustBigInt("1000000000000000000")
	// Ray is the high-precision base (1e27) used wherever compounding
	// precision matters (indices, per-second rates).
	Ray = mustBigInt("1000000000000000000000000000")
)

var (
	ErrDivisionByZero         = errors.New("fixedpoint: division by zero")
	ErrMultiplicationOverflow = errors.New("fixedpoint: multiplication overflow")
	ErrValueOutOfRange        = errors.New("fixedpoint: value outside 256-bit range")
)

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("invalid big integer constant")
	}
	return v
}

func toWord(v *big.Int) (*uint256.Int, error) {
	if v == nil {
		return uint256.NewInt(0), nil
	}
	word, overflow := uint256.FromBig(v)
	if overflow {
		return nil, ErrValueOutOfRange
	}
	return word, nil
}

// Mul computes round_half_up((a*b + base/2) / base).
func Mul(a, b, base *big.Int) (*big.Int, error) {
	return mul(a, b, base, true)
}

// MulDown computes (a*b) / base truncating toward zero. It is the
// protocol-favoring variant used when crediting counterparties.
func MulDown(a, b, base *big.Int) (*big.Int, error) {
	return mul(a, b, base, false)
}

func mul(a, b, base *big.Int, halfUp bool) (*big.Int, error) {
	wa, err := toWord(a)
	if err != nil {
		return nil, err
	}
	wb, err := toWord(b)
	if err != nil {
		return nil, err
	}
	wbase, err := toWord(base)
	if err != nil {
		return nil, err
	}
	if wbase.IsZero() {
		return nil, ErrDivisionByZero
	}
	product, overflow := new(uint256.Int).MulOverflow(wa, wb)
	if overflow {
		return nil, ErrMultiplicationOverflow
	}
	if halfUp {
		half := new(uint256.Int).Rsh(wbase, 1)
		rounded, carried := new(uint256.Int).AddOverflow(product, half)
		if carried {
			return nil, ErrMultiplicationOverflow
		}
		product = rounded
	}
	return new(uint256.Int).Div(product, wbase).ToBig(), nil
}

// Div computes round_half_up((a*base + b/2) / b).
func Div(a, b, base *big.Int) (*big.Int, error) {
	wa, err := toWord(a)
	if err != nil {
		return nil, err
	}
	wb, err := toWord(b)
	if err != nil {
		return nil, err
	}
	wbase, err := toWord(base)
	if err != nil {
		return nil, err
	}
	if wb.IsZero() {
		return nil, ErrDivisionByZero
	}
	scaled, overflow := new(uint256.Int).MulOverflow(wa, wbase)
	if overflow {
		return nil, ErrMultiplicationOverflow
	}
	half := new(uint256.Int).Rsh(wb, 1)
	rounded, carried := new(uint256.Int).AddOverflow(scaled, half)
	if carried {
		return nil, ErrMultiplicationOverflow
	}
	return new(uint256.Int).Div(rounded, wb).ToBig(), nil
}

// AccrueSimple returns the linear interest accrued on principal over the given
// number of seconds at a ray-scaled per-second rate:
// principal * ratePerSecond * seconds / Ray, rounded half up.
func AccrueSimple(principal, ratePerSecond *big.Int, seconds uint64) (*big.Int, error) {
	if principal == nil || principal.Sign() == 0 || ratePerSecond == nil || ratePerSecond.Sign() == 0 || seconds == 0 {
		return big.NewInt(0), nil
	}
	wr, err := toWord(ratePerSecond)
	if err != nil {
		return nil, err
	}
	linear, overflow := new(uint256.Int).MulOverflow(wr, uint256.NewInt(seconds))
	if overflow {
		return nil, ErrMultiplicationOverflow
	}
	return Mul(principal, linear.ToBig(), Ray)
}

// WadToRay lifts a wad-scaled value into ray precision.
func WadToRay(v *big.Int) (*big.Int, error) {
	factor := new(big.Int).Quo(Ray, Wad)
	wv, err := toWord(v)
	if err != nil {
		return nil, err
	}
	wf, _ := uint256.FromBig(factor)
	out, overflow := new(uint256.Int).MulOverflow(wv, wf)
	if overflow {
		return nil, ErrMultiplicationOverflow
	}
	return out.ToBig(), nil
}

// RayToWad lowers a ray-scaled value into wad precision, rounding half up.
func RayToWad(v *big.Int) (*big.Int, error) {
	factor := new(big.Int).Quo(Ray, Wad)
	return Div(v, factor, big.NewInt(1))
}
