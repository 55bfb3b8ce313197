// Package refinance atomically replaces a live loan with a new one funded by
// a flash borrow from the reserve: the outstanding balance is flash-borrowed,
// the old loan repaid, the collateral re-pledged against the new offer, and
// the flash borrow settled from the new principal. Any failure rolls the
// whole session back.
package refinance

import (
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"loanforge/native/loan"
	"loanforge/native/offers"
	"loanforge/observability/metrics"
)

var (
	errNilLedger    = errors.New("refinance engine: loan ledger not configured")
	errNilSource    = errors.New("refinance engine: flash source not configured")
	errNilSnapshots = errors.New("refinance engine: snapshotter not configured")

	// ErrLoanBusy is returned when a refinance session is already running
	// for the loan.
	ErrLoanBusy = errors.New("refinance engine: loan busy in another session")
)

// FlashSource lends liquidity for the duration of one session. Satisfied by
// the reserve engine.
type FlashSource interface {
	FlashBorrow(reserveID, sessionID string, to [20]byte, amount *big.Int, now int64) (*big.Int, error)
	FlashRepay(sessionID string, from [20]byte, now int64) error
	AbandonFlash(sessionID string)
}

// Snapshotter captures and restores the full engine state so a failed session
// leaves no trace; a committed session discards its snapshot so the journal
// cannot grow without bound. The journal cannot distinguish session writes
// from foreign ones, so the engine keeps at most one session open at a time.
// Satisfied by the storage layer.
type Snapshotter interface {
	Snapshot() int
	RevertToSnapshot(id int)
	DiscardSnapshot(id int)
}

// Session identifies one refinance attempt for logging and flash accounting.
type Session struct {
	ID        string
	LoanID    uint64
	StartedAt int64
}

// Engine coordinates refinance sessions over the loan ledger and a flash
// liquidity source.
type Engine struct {
	mu        sync.Mutex
	sessionMu sync.Mutex
	busy      map[uint64]bool
	loans     *loan.Engine
	source    FlashSource
	snapshots Snapshotter
	reserveID string
	logger    *slog.Logger
	nowFn     func() int64
}

// NewEngine constructs a refinance engine. The reserve id names the pool that
// fronts flash liquidity.
func NewEngine(loans *loan.Engine, source FlashSource, snapshots Snapshotter, reserveID string) *Engine {
	return &Engine{
		busy:      make(map[uint64]bool),
		loans:     loans,
		source:    source,
		snapshots: snapshots,
		reserveID: reserveID,
		logger:    slog.Default(),
		nowFn:     func() int64 { return time.Now().Unix() },
	}
}

// SetLogger overrides the session logger. Passing nil resets to the default.
func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger == nil {
		e.logger = slog.Default()
		return
	}
	e.logger = logger
}

// SetNowFunc overrides the time source. Primarily intended for tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) acquire(loanID uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.busy[loanID] {
		return ErrLoanBusy
	}
	e.busy[loanID] = true
	return nil
}

func (e *Engine) release(loanID uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.busy, loanID)
}

// Refinance settles the loan with flash-borrowed funds and reopens the
// collateral under the supplied offer. The borrower-claim holder must be the
// caller; the new principal plus the caller's own balance must cover the old
// outstanding balance and the flash fee. Returns the new loan id.
func (e *Engine) Refinance(loanID uint64, caller [20]byte, offer *offers.Offer, signature []byte, amount *big.Int, duration uint64, candidate offers.Candidate, quantity *big.Int) (uint64, error) {
	if e == nil || e.loans == nil {
		return 0, errNilLedger
	}
	if e.source == nil {
		return 0, errNilSource
	}
	if e.snapshots == nil {
		return 0, errNilSnapshots
	}
	if err := e.acquire(loanID); err != nil {
		return 0, err
	}
	defer e.release(loanID)
	// One journaled session at a time: a concurrent writer would end up in
	// this session's undo journal and be erased by a rollback.
	e.sessionMu.Lock()
	defer e.sessionMu.Unlock()

	now := e.nowFn()
	session := Session{ID: uuid.NewString(), LoanID: loanID, StartedAt: now}
	logger := e.logger.With(
		slog.String("component", "refinance"),
		slog.String("sessionId", session.ID),
		slog.Uint64("loanId", loanID),
	)

	snap := e.snapshots.Snapshot()
	newID, err := e.run(session, caller, offer, signature, amount, duration, candidate, quantity, now)
	if err != nil {
		e.snapshots.RevertToSnapshot(snap)
		e.source.AbandonFlash(session.ID)
		logger.Error("refinance rolled back", slog.String("error", err.Error()))
		metrics.Lending().ObserveRefinance("rollback")
		return 0, fmt.Errorf("refinance engine: session %s: %w", session.ID, err)
	}
	e.snapshots.DiscardSnapshot(snap)
	logger.Info("refinance committed", slog.Uint64("newLoanId", newID))
	metrics.Lending().ObserveRefinance("committed")
	return newID, nil
}

func (e *Engine) run(session Session, caller [20]byte, offer *offers.Offer, signature []byte, amount *big.Int, duration uint64, candidate offers.Candidate, quantity *big.Int, now int64) (uint64, error) {
	outstanding, err := e.loans.Outstanding(session.LoanID, now)
	if err != nil {
		return 0, err
	}
	if _, err := e.source.FlashBorrow(e.reserveID, session.ID, caller, outstanding, now); err != nil {
		return 0, err
	}
	if err := e.loans.Repay(session.LoanID, caller); err != nil {
		return 0, err
	}
	var newID uint64
	if offer != nil && offer.Signer != [20]byte{} && len(signature) == 0 {
		newID, err = e.loans.OpenPool(offer, caller, amount, duration, candidate, quantity)
	} else {
		newID, err = e.loans.Open(offer, signature, caller, amount, duration, candidate, quantity)
	}
	if err != nil {
		return 0, err
	}
	if err := e.source.FlashRepay(session.ID, caller, now); err != nil {
		return 0, err
	}
	return newID, nil
}
