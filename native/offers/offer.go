// Package offers implements the signed-offer authorization protocol: canonical
// domain-separated hashing, secp256k1 signature verification, and nonce-based
// replay and cancellation control. No transfers occur here; the nonce table is
// the only mutable state.
package offers

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// OfferDomainV1 is the protocol name bound into every offer digest.
const OfferDomainV1 = "LOANFORGE_OFFER_V1"

// OfferType discriminates who authored the offer.
type OfferType uint8

const (
	OfferTypeLend OfferType = iota + 1
	OfferTypeBorrow
)

func (t OfferType) String() string {
	switch t {
	case OfferTypeLend:
		return "lend"
	case OfferTypeBorrow:
		return "borrow"
	default:
		return "unknown"
	}
}

// Domain binds offer digests to one deployment of the protocol so signatures
// cannot be replayed across chains or verifying contracts.
type Domain struct {
	Name              string
	Version           string
	ChainID           uint64
	VerifyingContract [20]byte
}

// Separator renders the canonical domain prefix included in every digest.
func (d Domain) Separator() string {
	name := strings.TrimSpace(d.Name)
	if name == "" {
		name = OfferDomainV1
	}
	version := strings.TrimSpace(d.Version)
	if version == "" {
		version = "1"
	}
	return fmt.Sprintf("%s|version=%s|chain=%d|verifier=%s",
		name, version, d.ChainID, hex.EncodeToString(d.VerifyingContract[:]))
}

// Offer is a signed, off-ledger declaration of lending or borrowing terms. It
// is a declaration of intent, not a commitment: it becomes binding only when a
// taker satisfies its constraints and the signature verifies against the
// current nonce state.
type Offer struct {
	Type         OfferType
	Signer       [20]byte
	Nonce        uint64
	NonceMaxUses uint64
	Deadline     int64
	Collateral   CollateralSelector
	AmountMin    *big.Int
	AmountMax    *big.Int
	DurationMin  uint64
	DurationMax  uint64
	// RatePerSecond is the ray-scaled per-second interest rate.
	RatePerSecond *big.Int
	Currency      string
	// LendAsset names the asset the lender commits: the underlying currency
	// or a yield-bearing receipt of it.
	LendAsset string
}

// Hash reconstructs the canonical digest a signer commits to. Field order and
// width are fixed so the digest is stable across serialization round trips.
func (o *Offer) Hash(d Domain) [32]byte {
	amountMin := "0"
	if o.AmountMin != nil {
		amountMin = o.AmountMin.String()
	}
	amountMax := "0"
	if o.AmountMax != nil {
		amountMax = o.AmountMax.String()
	}
	rate := "0"
	if o.RatePerSecond != nil {
		rate = o.RatePerSecond.String()
	}
	payload := fmt.Sprintf("%s|type=%d|signer=%s|nonce=%d|maxUses=%d|deadline=%d|%s|amt=[%s,%s]|dur=[%d,%d]|rate=%s|ccy=%s|lendAsset=%s",
		d.Separator(),
		o.Type,
		hex.EncodeToString(o.Signer[:]),
		o.Nonce,
		o.NonceMaxUses,
		o.Deadline,
		o.Collateral.canonical(),
		amountMin,
		amountMax,
		o.DurationMin,
		o.DurationMax,
		rate,
		strings.ToUpper(strings.TrimSpace(o.Currency)),
		strings.ToUpper(strings.TrimSpace(o.LendAsset)),
	)
	var digest [32]byte
	copy(digest[:], ethcrypto.Keccak256([]byte(payload)))
	return digest
}

type offerJSON struct {
	Type          uint8  `json:"type"`
	Signer        string `json:"signer"`
	Nonce         uint64 `json:"nonce"`
	NonceMaxUses  uint64 `json:"nonceMaxUses"`
	Deadline      int64  `json:"deadline"`
	StrategyKind  uint8  `json:"strategyKind"`
	Asset         string `json:"asset"`
	TokenID       string `json:"tokenId"`
	StrategyParam string `json:"strategyParams"`
	AmountMin     string `json:"amountMin"`
	AmountMax     string `json:"amountMax"`
	DurationMin   uint64 `json:"durationMin"`
	DurationMax   uint64 `json:"durationMax"`
	RatePerSecond string `json:"ratePerSecond"`
	Currency      string `json:"currency"`
	LendAsset     string `json:"lendAsset"`
}

// MarshalJSON encodes the offer into the wire representation shared with
// off-ledger signers.
func (o Offer) MarshalJSON() ([]byte, error) {
	tokenID := "0"
	if o.Collateral.TokenID != nil {
		tokenID = o.Collateral.TokenID.String()
	}
	amountMin, amountMax, rate := "0", "0", "0"
	if o.AmountMin != nil {
		amountMin = o.AmountMin.String()
	}
	if o.AmountMax != nil {
		amountMax = o.AmountMax.String()
	}
	if o.RatePerSecond != nil {
		rate = o.RatePerSecond.String()
	}
	return json.Marshal(offerJSON{
		Type:          uint8(o.Type),
		Signer:        hex.EncodeToString(o.Signer[:]),
		Nonce:         o.Nonce,
		NonceMaxUses:  o.NonceMaxUses,
		Deadline:      o.Deadline,
		StrategyKind:  uint8(o.Collateral.Kind),
		Asset:         hex.EncodeToString(o.Collateral.Asset[:]),
		TokenID:       tokenID,
		StrategyParam: hex.EncodeToString(o.Collateral.StrategyParams),
		AmountMin:     amountMin,
		AmountMax:     amountMax,
		DurationMin:   o.DurationMin,
		DurationMax:   o.DurationMax,
		RatePerSecond: rate,
		Currency:      strings.ToUpper(strings.TrimSpace(o.Currency)),
		LendAsset:     strings.ToUpper(strings.TrimSpace(o.LendAsset)),
	})
}

// UnmarshalJSON decodes the wire representation into the canonical struct.
func (o *Offer) UnmarshalJSON(data []byte) error {
	if o == nil {
		return fmt.Errorf("offer: nil receiver")
	}
	var payload offerJSON
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}
	signer, err := decodeAddr(payload.Signer)
	if err != nil {
		return fmt.Errorf("offer: signer: %w", err)
	}
	asset, err := decodeAddr(payload.Asset)
	if err != nil {
		return fmt.Errorf("offer: asset: %w", err)
	}
	tokenID, ok := new(big.Int).SetString(strings.TrimSpace(payload.TokenID), 10)
	if !ok {
		return fmt.Errorf("offer: invalid tokenId %q", payload.TokenID)
	}
	amountMin, ok := new(big.Int).SetString(strings.TrimSpace(payload.AmountMin), 10)
	if !ok {
		return fmt.Errorf("offer: invalid amountMin %q", payload.AmountMin)
	}
	amountMax, ok := new(big.Int).SetString(strings.TrimSpace(payload.AmountMax), 10)
	if !ok {
		return fmt.Errorf("offer: invalid amountMax %q", payload.AmountMax)
	}
	rate, ok := new(big.Int).SetString(strings.TrimSpace(payload.RatePerSecond), 10)
	if !ok {
		return fmt.Errorf("offer: invalid ratePerSecond %q", payload.RatePerSecond)
	}
	params, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(payload.StrategyParam), "0x"))
	if err != nil {
		return fmt.Errorf("offer: strategyParams: %w", err)
	}
	*o = Offer{
		Type:         OfferType(payload.Type),
		Signer:       signer,
		Nonce:        payload.Nonce,
		NonceMaxUses: payload.NonceMaxUses,
		Deadline:     payload.Deadline,
		Collateral: CollateralSelector{
			Kind:           StrategyKind(payload.StrategyKind),
			Asset:          asset,
			TokenID:        tokenID,
			StrategyParams: params,
		},
		AmountMin:     amountMin,
		AmountMax:     amountMax,
		DurationMin:   payload.DurationMin,
		DurationMax:   payload.DurationMax,
		RatePerSecond: rate,
		Currency:      strings.ToUpper(strings.TrimSpace(payload.Currency)),
		LendAsset:     strings.ToUpper(strings.TrimSpace(payload.LendAsset)),
	}
	return nil
}

func decodeAddr(value string) ([20]byte, error) {
	var out [20]byte
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(strings.TrimSpace(value)), "0x"))
	if err != nil {
		return out, err
	}
	if len(raw) != 20 {
		return out, fmt.Errorf("expected 20 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}
