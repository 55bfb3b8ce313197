package offers

import (
	"errors"
	"sync"
)

var (
	errNilNonceState = errors.New("offers: nonce state not configured")

	// ErrNonceInvalid is returned when a nonce sits below the signer's
	// watermark or has no uses remaining.
	ErrNonceInvalid = errors.New("offers: nonce invalid")
	// ErrNotSigner is returned when an invalidation is attempted by anyone
	// other than the offer signer.
	ErrNotSigner = errors.New("offers: caller is not the signer")
)

// nonceState persists the per-signer nonce table. Remaining-use counts are
// addressable by (signer, nonce); watermarks by signer.
type nonceState interface {
	NonceUses(signer [20]byte, nonce uint64) (remaining uint64, seen bool, err error)
	PutNonceUses(signer [20]byte, nonce uint64, remaining uint64) error
	NonceWatermark(signer [20]byte) (uint64, error)
	PutNonceWatermark(signer [20]byte, watermark uint64) error
}

// Book manages nonce consumption and invalidation. An offer is consumed at
// most NonceMaxUses times at the same nonce; raising the watermark
// bulk-invalidates every lower nonce in O(1) without enumeration.
type Book struct {
	mu    sync.Mutex
	state nonceState
}

// NewBook constructs a nonce book over the given persistence layer.
func NewBook(state nonceState) *Book {
	return &Book{state: state}
}

// Consume spends one use of the (signer, nonce) pair. The first consumption
// seeds the remaining-use counter from maxUses.
func (b *Book) Consume(signer [20]byte, nonce uint64, maxUses uint64) error {
	if b == nil || b.state == nil {
		return errNilNonceState
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	watermark, err := b.state.NonceWatermark(signer)
	if err != nil {
		return err
	}
	if nonce < watermark {
		return ErrNonceInvalid
	}
	remaining, seen, err := b.state.NonceUses(signer, nonce)
	if err != nil {
		return err
	}
	if !seen {
		if maxUses == 0 {
			return ErrNonceInvalid
		}
		remaining = maxUses
	}
	if remaining == 0 {
		return ErrNonceInvalid
	}
	return b.state.PutNonceUses(signer, nonce, remaining-1)
}

// Restore returns one use to a previously consumed (signer, nonce) pair. The
// loan engine calls it when a funded step fails after the nonce was spent, so
// the offer stays takeable.
func (b *Book) Restore(signer [20]byte, nonce uint64) error {
	if b == nil || b.state == nil {
		return errNilNonceState
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	remaining, seen, err := b.state.NonceUses(signer, nonce)
	if err != nil {
		return err
	}
	if !seen {
		return ErrNonceInvalid
	}
	return b.state.PutNonceUses(signer, nonce, remaining+1)
}

// Invalidate zeroes the remaining uses of a single nonce. Signer only.
func (b *Book) Invalidate(caller, signer [20]byte, nonce uint64) error {
	if b == nil || b.state == nil {
		return errNilNonceState
	}
	if caller != signer {
		return ErrNotSigner
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.PutNonceUses(signer, nonce, 0)
}

// InvalidateBelow raises the signer's minimum-valid-nonce watermark,
// immediately invalidating every lower nonce. The watermark never regresses.
func (b *Book) InvalidateBelow(caller, signer [20]byte, watermark uint64) error {
	if b == nil || b.state == nil {
		return errNilNonceState
	}
	if caller != signer {
		return ErrNotSigner
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	current, err := b.state.NonceWatermark(signer)
	if err != nil {
		return err
	}
	if watermark <= current {
		return nil
	}
	return b.state.PutNonceWatermark(signer, watermark)
}
