package reserve

import "math/big"

// Reserve indices are ray-scaled (1e27). All conversions round half-up so
// repeated index growth never strands dust in favour of the protocol.
var (
	basisPoints = big.NewInt(10_000)
	ray         = mustBigInt("1000000000000000000000000000")
	halfRay     = new(big.Int).Rsh(ray, 1)
)

const secondsPerYear = 31_536_000

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("invalid big integer constant")
	}
	return v
}

// rayMul returns a*b/ray rounded half-up.
func rayMul(a, b *big.Int) *big.Int {
	if a == nil || b == nil {
		return big.NewInt(0)
	}
	product := new(big.Int).Mul(a, b)
	product.Add(product, halfRay)
	product.Quo(product, ray)
	return product
}

// rayDiv returns a*ray/b rounded half-up. A zero divisor yields zero.
func rayDiv(a, b *big.Int) *big.Int {
	if a == nil || b == nil || b.Sign() == 0 {
		return big.NewInt(0)
	}
	numerator := new(big.Int).Mul(a, ray)
	numerator.Add(numerator, halfUp(b))
	numerator.Quo(numerator, b)
	return numerator
}

// ratToRay converts an exact rational into ray precision, clamping degenerate
// inputs to the identity factor.
func ratToRay(r *big.Rat) *big.Int {
	if r == nil {
		return new(big.Int).Set(ray)
	}
	scaled := new(big.Rat).Mul(r, new(big.Rat).SetInt(ray))
	num, den := scaled.Num(), scaled.Denom()
	if den.Sign() == 0 {
		return new(big.Int).Set(ray)
	}
	result := new(big.Int).Quo(new(big.Int).Add(num, halfUp(den)), den)
	if result.Sign() == 0 {
		return new(big.Int).Set(ray)
	}
	return result
}

// rateFactor converts an annual rate into the ray growth factor for elapsed
// seconds, using simple interest over the interval.
func rateFactor(rate *big.Rat, elapsed uint64) *big.Int {
	if rate == nil || rate.Sign() == 0 || elapsed == 0 {
		return new(big.Int).Set(ray)
	}
	perSecond := new(big.Rat).Quo(rate, new(big.Rat).SetUint64(secondsPerYear))
	accrued := perSecond.Mul(perSecond, new(big.Rat).SetUint64(elapsed))
	return ratToRay(accrued.Add(accrued, big.NewRat(1, 1)))
}

// Shares and scaled debt are both liquidity divided by the relevant ray
// index, so the conversions collapse onto rayMul/rayDiv.

func sharesFromLiquidity(amount, index *big.Int) *big.Int {
	if amount == nil || amount.Sign() <= 0 {
		return big.NewInt(0)
	}
	return rayDiv(amount, index)
}

func liquidityFromShares(shares, index *big.Int) *big.Int {
	if shares == nil || shares.Sign() <= 0 {
		return big.NewInt(0)
	}
	return rayMul(shares, index)
}

// scaledDebtFromAmount never returns zero for a positive amount; a debt that
// rounds away entirely would otherwise escape repayment tracking.
func scaledDebtFromAmount(amount, index *big.Int) *big.Int {
	if amount == nil || amount.Sign() <= 0 || index == nil || index.Sign() == 0 {
		return big.NewInt(0)
	}
	scaled := rayDiv(amount, index)
	if scaled.Sign() == 0 {
		return big.NewInt(1)
	}
	return scaled
}

func debtFromScaled(scaled, index *big.Int) *big.Int {
	if scaled == nil || scaled.Sign() == 0 {
		return big.NewInt(0)
	}
	return rayMul(scaled, index)
}

func halfUp(x *big.Int) *big.Int {
	if x == nil || x.Sign() <= 0 {
		return big.NewInt(0)
	}
	half := new(big.Int).Add(x, big.NewInt(1))
	half.Rsh(half, 1)
	return half
}
