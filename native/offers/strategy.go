package offers

import (
	"bytes"
	"encoding/hex"
	"errors"
	"math/big"
)

// StrategyKind selects how an offer resolves which collateral satisfies it.
type StrategyKind uint8

const (
	// StrategyExactID accepts only the exact (asset, tokenId) pair.
	StrategyExactID StrategyKind = iota + 1
	// StrategyCollection accepts any token from the same collateral contract.
	StrategyCollection
	// StrategyPrivate restricts the offer to a single counterparty encoded in
	// StrategyParams.
	StrategyPrivate
)

var (
	ErrStrategyMismatch = errors.New("offers: collateral does not satisfy strategy")
	ErrStrategyParams   = errors.New("offers: malformed strategy params")
)

// CollateralSelector is the strategy reference resolving which tokenIds
// satisfy an offer.
type CollateralSelector struct {
	Kind    StrategyKind
	Asset   [20]byte
	TokenID *big.Int
	// StrategyParams is opaque to the hash; the private strategy decodes a
	// 20-byte counterparty address from it.
	StrategyParams []byte
}

func (s CollateralSelector) canonical() string {
	tokenID := "0"
	if s.TokenID != nil {
		tokenID = s.TokenID.String()
	}
	return "strategy=" + hex.EncodeToString([]byte{byte(s.Kind)}) +
		"|asset=" + hex.EncodeToString(s.Asset[:]) +
		"|token=" + tokenID +
		"|params=" + hex.EncodeToString(s.StrategyParams)
}

// Candidate describes the collateral a taker presents against an offer.
type Candidate struct {
	Asset        [20]byte
	TokenID      *big.Int
	Counterparty [20]byte
}

// ResolveCollateral checks the candidate against the offer's strategy. The
// check is pure; no state is read or written.
func ResolveCollateral(offer *Offer, candidate Candidate) error {
	if offer == nil {
		return ErrStrategyMismatch
	}
	sel := offer.Collateral
	switch sel.Kind {
	case StrategyExactID:
		if candidate.Asset != sel.Asset {
			return ErrStrategyMismatch
		}
		if sel.TokenID == nil || candidate.TokenID == nil || sel.TokenID.Cmp(candidate.TokenID) != 0 {
			return ErrStrategyMismatch
		}
		return nil
	case StrategyCollection:
		if candidate.Asset != sel.Asset {
			return ErrStrategyMismatch
		}
		return nil
	case StrategyPrivate:
		if len(sel.StrategyParams) != 20 {
			return ErrStrategyParams
		}
		if !bytes.Equal(candidate.Counterparty[:], sel.StrategyParams) {
			return ErrStrategyMismatch
		}
		if candidate.Asset != sel.Asset {
			return ErrStrategyMismatch
		}
		return nil
	default:
		return ErrStrategyMismatch
	}
}
