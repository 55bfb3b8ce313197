package loan

import "math/big"

// Status enumerates the loan state machine. Every state except End is derived
// from wall-clock time against the stored deadlines; End is persisted so a
// settled loan can never resurrect.
type Status uint8

const (
	StatusNone Status = iota
	StatusBorrowing
	StatusOverdue
	StatusLiquidatable
	StatusEnd
)

func (s Status) String() string {
	switch s {
	case StatusBorrowing:
		return "borrowing"
	case StatusOverdue:
		return "overdue"
	case StatusLiquidatable:
		return "liquidatable"
	case StatusEnd:
		return "end"
	default:
		return "none"
	}
}

// ClaimKind distinguishes the two transferable claims a loan backs.
type ClaimKind uint8

const (
	// ClaimBorrower is the obligation/repay-right token.
	ClaimBorrower ClaimKind = iota + 1
	// ClaimLender is the repayment-receivable token.
	ClaimLender
)

// Collateral identifies the pledged asset. Quantity is 1 for single-owner
// collateral and may exceed 1 for batch-fungible tokens.
type Collateral struct {
	Asset    [20]byte
	TokenID  *big.Int
	Quantity *big.Int
}

// Clone returns a deep copy of the collateral reference.
func (c Collateral) Clone() Collateral {
	clone := Collateral{Asset: c.Asset}
	if c.TokenID != nil {
		clone.TokenID = new(big.Int).Set(c.TokenID)
	}
	if c.Quantity != nil {
		clone.Quantity = new(big.Int).Set(c.Quantity)
	}
	return clone
}

// Loan is the ledger record for a single borrowing position. The borrower and
// lender fields record origination parties; settlement always consults the
// current claim holders instead.
type Loan struct {
	ID         uint64
	Borrower   [20]byte
	Lender     [20]byte
	Collateral Collateral
	Currency   string
	Principal  *big.Int
	// RatePerSecond is the ray-scaled per-second interest rate.
	RatePerSecond *big.Int
	BorrowBegin   int64
	// Durations are expressed in seconds.
	BorrowDuration     uint64
	ExtendableDuration uint64
	OverdueDuration    uint64
	// PoolSourced marks loans funded from the shared liquidity reserve.
	PoolSourced bool
	ReserveID   string
	Closed      bool
}

// StatusAt derives the loan status from the supplied wall-clock time. Repeated
// queries at the same instant return the same status, and the status never
// regresses as time advances.
func (l *Loan) StatusAt(now int64) Status {
	if l == nil {
		return StatusNone
	}
	if l.Closed {
		return StatusEnd
	}
	dueAt := l.BorrowBegin + int64(l.BorrowDuration)
	if now <= dueAt {
		return StatusBorrowing
	}
	if now <= dueAt+int64(l.OverdueDuration) {
		return StatusOverdue
	}
	return StatusLiquidatable
}

// Clone returns a deep copy of the loan record.
func (l *Loan) Clone() *Loan {
	if l == nil {
		return nil
	}
	clone := *l
	clone.Collateral = l.Collateral.Clone()
	if l.Principal != nil {
		clone.Principal = new(big.Int).Set(l.Principal)
	}
	if l.RatePerSecond != nil {
		clone.RatePerSecond = new(big.Int).Set(l.RatePerSecond)
	}
	return &clone
}

// CollateralTerms are the per-asset risk limits returned by the whitelist at
// origination time. Durations are seconds; LTV is basis points.
type CollateralTerms struct {
	LTVBps             uint64
	MinDuration        uint64
	MaxDuration        uint64
	ExtendableDuration uint64
	OverdueDuration    uint64
}

// Whitelist is consulted at loan origination for collateral admissibility and
// duration/LTV limits.
type Whitelist interface {
	IsAllowed(collateralAsset [20]byte) (CollateralTerms, bool)
}

// PriceOracle values collateral for LTV checks and auction pricing. Failures
// are not recovered locally; they block the requesting operation.
type PriceOracle interface {
	Price(asset [20]byte) (*big.Int, error)
}

// NonceConsumer spends one use of a signed offer's nonce. Restore hands the
// use back when a later origination step fails, so a rejected open never burns
// the offer. Satisfied by offers.Book.
type NonceConsumer interface {
	Consume(signer [20]byte, nonce uint64, maxUses uint64) error
	Restore(signer [20]byte, nonce uint64) error
}

// ReserveHook is the pool-market integration point. Account transfers for
// pool-sourced flows happen inside the reserve engine so its liquidity
// accounting and index updates stay in one place. WriteOffLoan extinguishes a
// foreclosed loan's pool debt without any repayment.
type ReserveHook interface {
	DebitLoan(reserveID string, loanID uint64, borrower [20]byte, amount *big.Int, now int64) error
	CreditRepayment(reserveID string, loanID uint64, payer [20]byte, principal, interest *big.Int, now int64) error
	WriteOffLoan(reserveID string, loanID uint64, now int64) error
}
