// Package auction sells the collateral of liquidatable loans through a
// falling-price (Dutch) auction. The price decays linearly from an
// oracle-anchored start toward a floor; the first buyer willing to meet the
// current price clears the auction and settles the loan.
package auction

import "math/big"

// Auction is the pricing schedule for one liquidatable loan's collateral.
type Auction struct {
	LoanID     uint64
	StartPrice *big.Int
	FloorPrice *big.Int
	StartTime  int64
	// Duration is the decay window in seconds; after it elapses the price
	// stays at the floor.
	Duration uint64
}

// Clone returns a deep copy of the auction record.
func (a *Auction) Clone() *Auction {
	if a == nil {
		return nil
	}
	clone := *a
	if a.StartPrice != nil {
		clone.StartPrice = new(big.Int).Set(a.StartPrice)
	}
	if a.FloorPrice != nil {
		clone.FloorPrice = new(big.Int).Set(a.FloorPrice)
	}
	return &clone
}

// PriceAt computes the linearly decayed price at the supplied instant. Before
// the start the price is the start price; after the decay window it is the
// floor.
func (a *Auction) PriceAt(now int64) *big.Int {
	if a == nil || a.StartPrice == nil {
		return big.NewInt(0)
	}
	floor := a.FloorPrice
	if floor == nil {
		floor = big.NewInt(0)
	}
	if now <= a.StartTime || a.Duration == 0 {
		return new(big.Int).Set(a.StartPrice)
	}
	elapsed := now - a.StartTime
	if elapsed >= int64(a.Duration) {
		return new(big.Int).Set(floor)
	}
	span := new(big.Int).Sub(a.StartPrice, floor)
	if span.Sign() <= 0 {
		return new(big.Int).Set(floor)
	}
	decay := new(big.Int).Mul(span, big.NewInt(elapsed))
	decay.Quo(decay, new(big.Int).SetUint64(a.Duration))
	return new(big.Int).Sub(a.StartPrice, decay)
}
