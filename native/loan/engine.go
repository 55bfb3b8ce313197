// Package loan implements the loan ledger: origination against signed offers,
// per-second interest and flat overdue-penalty accrual, deadline-driven status
// derivation, repayment, foreclosure, and in-place extension.
package loan

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"loanforge/core/events"
	"loanforge/core/types"
	nativecommon "loanforge/native/common"
	"loanforge/native/fixedpoint"
	"loanforge/native/offers"
	"loanforge/observability/metrics"
)

var (
	errNilState     = errors.New("loan engine: state not configured")
	errNilWhitelist = errors.New("loan engine: collateral whitelist not configured")
	errNilNonces    = errors.New("loan engine: nonce book not configured")

	ErrLoanNotFound           = errors.New("loan engine: loan not found")
	ErrInvalidAmount          = errors.New("loan engine: amount must be positive")
	ErrAmountOutOfRange       = errors.New("loan engine: amount outside offer bounds")
	ErrDurationOutOfRange     = errors.New("loan engine: duration outside permitted bounds")
	ErrOfferExpired           = errors.New("loan engine: offer deadline passed")
	ErrCurrencyNotAllowed     = errors.New("loan engine: currency not whitelisted")
	ErrCollateralNotAllowed   = errors.New("loan engine: collateral asset not whitelisted")
	ErrAmountExceedsLTV       = errors.New("loan engine: amount exceeds collateral LTV")
	ErrInsufficientBalance    = errors.New("loan engine: insufficient balance")
	ErrInsufficientCollateral = errors.New("loan engine: insufficient collateral")
	ErrRepayStatus            = errors.New("loan engine: loan not repayable in current status")
	ErrExtendStatus           = errors.New("loan engine: loan not extendable in current status")
	ErrNotLiquidatable        = errors.New("loan engine: loan not liquidatable")
	ErrNotBorrowerClaim       = errors.New("loan engine: caller does not hold borrower claim")
	ErrNotLenderClaim         = errors.New("loan engine: caller does not hold lender claim")
	ErrClaimNotTransferable   = errors.New("loan engine: pool lender claim is not transferable")
	ErrProceedsBelowDebt      = errors.New("loan engine: sale proceeds below outstanding debt")
	ErrReserveNotConfigured   = errors.New("loan engine: pool reserve not configured")
)

var basisPoints = big.NewInt(10_000)

const moduleName = "loan"

type engineState interface {
	NextLoanID() (uint64, error)
	LoanGet(id uint64) (*Loan, bool, error)
	LoanPut(*Loan) error
	GetAccount(addr [20]byte) (*types.Account, error)
	PutAccount(addr [20]byte, account *types.Account) error
	CollateralBalance(holder [20]byte, asset [20]byte, tokenID *big.Int) (*big.Int, error)
	SetCollateralBalance(holder [20]byte, asset [20]byte, tokenID *big.Int, amount *big.Int) error
	ClaimHolder(kind ClaimKind, loanID uint64) ([20]byte, bool, error)
	PutClaimHolder(kind ClaimKind, loanID uint64, holder [20]byte) error
	DeleteClaim(kind ClaimKind, loanID uint64) error
}

// Engine orchestrates the loan state machine. All mutating entry points
// serialize on one lock; reads derive status from stored state and the
// caller-supplied time without mutation.
type Engine struct {
	mu               sync.Mutex
	state            engineState
	emitter          events.Emitter
	pauses           nativecommon.PauseView
	roles            nativecommon.RoleCheck
	whitelist        Whitelist
	oracle           PriceOracle
	nonces           NonceConsumer
	reserve          ReserveHook
	domain           offers.Domain
	collateralVault  [20]byte
	treasury         [20]byte
	poolAddress      [20]byte
	poolReserveID    string
	protocolFeeBps   uint64
	overdueFeeFactor *big.Int
	currencies       map[string]bool
	nowFn            func() int64
}

// NewEngine constructs a loan engine bound to an offer domain and the module
// custody/treasury addresses.
func NewEngine(domain offers.Domain, collateralVault, treasury [20]byte) *Engine {
	return &Engine{
		domain:           domain,
		collateralVault:  collateralVault,
		treasury:         treasury,
		emitter:          events.NoopEmitter{},
		overdueFeeFactor: big.NewInt(0),
		currencies:       make(map[string]bool),
		nowFn:            func() int64 { return time.Now().Unix() },
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetEmitter configures the event emitter. Passing nil resets to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) SetPauses(p nativecommon.PauseView) { e.pauses = p }
func (e *Engine) SetRoles(rc nativecommon.RoleCheck) { e.roles = rc }
func (e *Engine) SetWhitelist(w Whitelist) { e.whitelist = w }
func (e *Engine) SetOracle(o PriceOracle) { e.oracle = o }
func (e *Engine) SetNonceBook(book NonceConsumer) { e.nonces = book }
func (e *Engine) SetProtocolFeeBps(bps uint64) { e.protocolFeeBps = bps }

// SetOverdueFeeFactor configures the wad-scaled flat penalty fraction applied
// to principal once a loan turns overdue.
func (e *Engine) SetOverdueFeeFactor(factor *big.Int) {
	if factor == nil {
		e.overdueFeeFactor = big.NewInt(0)
		return
	}
	e.overdueFeeFactor = new(big.Int).Set(factor)
}

// SetReserve wires the pool market: offers signed by the reserve vault address
// are funded from pool liquidity through the hook.
func (e *Engine) SetReserve(hook ReserveHook, reserveID string, vault [20]byte) {
	e.reserve = hook
	e.poolReserveID = strings.TrimSpace(reserveID)
	e.poolAddress = vault
}

// SetAllowedCurrencies replaces the currency whitelist consulted at
// origination.
func (e *Engine) SetAllowedCurrencies(symbols []string) {
	allowed := make(map[string]bool, len(symbols))
	for _, symbol := range symbols {
		normalized := strings.ToUpper(strings.TrimSpace(symbol))
		if normalized != "" {
			allowed[normalized] = true
		}
	}
	e.currencies = allowed
}

// SetNowFunc overrides the time source. Primarily intended for tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

type loanEvent struct {
	evt *types.Event
}

func (l loanEvent) EventType() string {
	if l.evt == nil {
		return ""
	}
	return l.evt.Type
}

func (l loanEvent) Event() *types.Event { return l.evt }

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(loanEvent{evt: event})
}

func (e *Engine) loadLoan(id uint64) (*Loan, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	record, ok, err := e.state.LoanGet(id)
	if err != nil {
		return nil, err
	}
	if !ok || record == nil {
		return nil, ErrLoanNotFound
	}
	return record, nil
}

func (e *Engine) loadAccount(addr [20]byte) (*types.Account, error) {
	acc, err := e.state.GetAccount(addr)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		acc = types.NewAccount()
	}
	if acc.Balances == nil {
		acc.Balances = make(map[string]*big.Int)
	}
	return acc, nil
}

func (e *Engine) transferFunds(from, to [20]byte, currency string, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	fromAcc, err := e.loadAccount(from)
	if err != nil {
		return err
	}
	if fromAcc.Balance(currency).Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	toAcc, err := e.loadAccount(to)
	if err != nil {
		return err
	}
	fromAcc.SetBalance(currency, new(big.Int).Sub(fromAcc.Balance(currency), amount))
	toAcc.SetBalance(currency, new(big.Int).Add(toAcc.Balance(currency), amount))
	if err := e.state.PutAccount(from, fromAcc); err != nil {
		return err
	}
	return e.state.PutAccount(to, toAcc)
}

func (e *Engine) moveCollateral(from, to [20]byte, c Collateral) error {
	quantity := c.Quantity
	if quantity == nil {
		quantity = big.NewInt(1)
	}
	if quantity.Sign() <= 0 {
		return ErrInsufficientCollateral
	}
	held, err := e.state.CollateralBalance(from, c.Asset, c.TokenID)
	if err != nil {
		return err
	}
	if held == nil || held.Cmp(quantity) < 0 {
		return ErrInsufficientCollateral
	}
	receiving, err := e.state.CollateralBalance(to, c.Asset, c.TokenID)
	if err != nil {
		return err
	}
	if receiving == nil {
		receiving = big.NewInt(0)
	}
	if err := e.state.SetCollateralBalance(from, c.Asset, c.TokenID, new(big.Int).Sub(held, quantity)); err != nil {
		return err
	}
	return e.state.SetCollateralBalance(to, c.Asset, c.TokenID, new(big.Int).Add(receiving, quantity))
}

func (e *Engine) claimHolder(kind ClaimKind, loanID uint64) ([20]byte, error) {
	holder, ok, err := e.state.ClaimHolder(kind, loanID)
	if err != nil {
		return [20]byte{}, err
	}
	if !ok {
		return [20]byte{}, ErrLoanNotFound
	}
	return holder, nil
}

func (e *Engine) poolLoan(l *Loan) bool {
	return l != nil && l.PoolSourced && e.reserve != nil && e.poolReserveID != ""
}

// Open validates a signed offer against the taker's terms, consumes one nonce
// use, takes collateral into custody, funds the borrower, and mints the two
// claim tokens. The new loan id is returned.
func (e *Engine) Open(offer *offers.Offer, signature []byte, taker [20]byte, amount *big.Int, duration uint64, candidate offers.Candidate, quantity *big.Int) (uint64, error) {
	return e.open(offer, signature, taker, amount, duration, candidate, quantity, true)
}

// OpenPool originates against a pool-published offer. Pool offers carry the
// reserve vault as signer and are authorized by configuration rather than an
// ECDSA signature, so none is verified.
func (e *Engine) OpenPool(offer *offers.Offer, taker [20]byte, amount *big.Int, duration uint64, candidate offers.Candidate, quantity *big.Int) (uint64, error) {
	if e == nil || e.state == nil {
		return 0, errNilState
	}
	if e.reserve == nil || e.poolReserveID == "" {
		return 0, ErrReserveNotConfigured
	}
	if offer == nil || offer.Signer != e.poolAddress {
		return 0, offers.ErrInvalidSignature
	}
	return e.open(offer, nil, taker, amount, duration, candidate, quantity, false)
}

func (e *Engine) open(offer *offers.Offer, signature []byte, taker [20]byte, amount *big.Int, duration uint64, candidate offers.Candidate, quantity *big.Int, verifySig bool) (uint64, error) {
	if e == nil || e.state == nil {
		return 0, errNilState
	}
	if e.whitelist == nil {
		return 0, errNilWhitelist
	}
	if e.nonces == nil {
		return 0, errNilNonces
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return 0, err
	}
	if offer == nil || amount == nil || amount.Sign() <= 0 {
		return 0, ErrInvalidAmount
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	if offer.Deadline > 0 && now > offer.Deadline {
		return 0, ErrOfferExpired
	}
	if offer.AmountMin != nil && amount.Cmp(offer.AmountMin) < 0 {
		return 0, ErrAmountOutOfRange
	}
	if offer.AmountMax != nil && amount.Cmp(offer.AmountMax) > 0 {
		return 0, ErrAmountOutOfRange
	}
	if duration == 0 || duration < offer.DurationMin || (offer.DurationMax > 0 && duration > offer.DurationMax) {
		return 0, ErrDurationOutOfRange
	}
	currency := strings.ToUpper(strings.TrimSpace(offer.Currency))
	if len(e.currencies) > 0 && !e.currencies[currency] {
		return 0, ErrCurrencyNotAllowed
	}
	terms, allowed := e.whitelist.IsAllowed(candidate.Asset)
	if !allowed {
		return 0, ErrCollateralNotAllowed
	}
	if terms.MinDuration > 0 && duration < terms.MinDuration {
		return 0, ErrDurationOutOfRange
	}
	if terms.MaxDuration > 0 && duration > terms.MaxDuration {
		return 0, ErrDurationOutOfRange
	}
	if err := offers.ResolveCollateral(offer, candidate); err != nil {
		return 0, err
	}
	if verifySig {
		if _, err := offers.VerifyOffer(e.domain, offer, signature); err != nil {
			return 0, err
		}
	}

	var borrower, lender [20]byte
	switch offer.Type {
	case offers.OfferTypeLend:
		lender, borrower = offer.Signer, taker
	case offers.OfferTypeBorrow:
		borrower, lender = offer.Signer, taker
	default:
		return 0, offers.ErrStrategyMismatch
	}

	if quantity == nil {
		quantity = big.NewInt(1)
	}
	if e.oracle != nil && terms.LTVBps > 0 {
		price, err := e.oracle.Price(candidate.Asset)
		if err != nil {
			return 0, fmt.Errorf("loan engine: collateral valuation: %w", err)
		}
		value := new(big.Int).Mul(price, quantity)
		maxBorrow := new(big.Int).Mul(value, new(big.Int).SetUint64(terms.LTVBps))
		maxBorrow.Quo(maxBorrow, basisPoints)
		if amount.Cmp(maxBorrow) > 0 {
			return 0, ErrAmountExceedsLTV
		}
	}

	poolSourced := lender == e.poolAddress && e.reserve != nil && e.poolReserveID != ""
	if !poolSourced {
		lenderAcc, err := e.loadAccount(lender)
		if err != nil {
			return 0, err
		}
		if lenderAcc.Balance(currency).Cmp(amount) < 0 {
			return 0, ErrInsufficientBalance
		}
	}
	// Check custody before the nonce is spent: a taker without the pledged
	// collateral must not burn an offer use.
	if quantity.Sign() <= 0 {
		return 0, ErrInsufficientCollateral
	}
	held, err := e.state.CollateralBalance(borrower, candidate.Asset, candidate.TokenID)
	if err != nil {
		return 0, err
	}
	if held == nil || held.Cmp(quantity) < 0 {
		return 0, ErrInsufficientCollateral
	}

	id, err := e.state.NextLoanID()
	if err != nil {
		return 0, err
	}
	if err := e.nonces.Consume(offer.Signer, offer.Nonce, offer.NonceMaxUses); err != nil {
		return 0, err
	}

	record := &Loan{
		ID:       id,
		Borrower: borrower,
		Lender:   lender,
		Collateral: Collateral{
			Asset:    candidate.Asset,
			TokenID:  candidate.TokenID,
			Quantity: new(big.Int).Set(quantity),
		},
		Currency:           currency,
		Principal:          new(big.Int).Set(amount),
		RatePerSecond:      new(big.Int).Set(offer.RatePerSecond),
		BorrowBegin:        now,
		BorrowDuration:     duration,
		ExtendableDuration: terms.ExtendableDuration,
		OverdueDuration:    terms.OverdueDuration,
		PoolSourced:        poolSourced,
	}
	if poolSourced {
		record.ReserveID = e.poolReserveID
	}

	if err := e.moveCollateral(borrower, e.collateralVault, record.Collateral); err != nil {
		e.restoreNonce(offer)
		return 0, err
	}
	if poolSourced {
		if err := e.reserve.DebitLoan(e.poolReserveID, id, borrower, amount, now); err != nil {
			e.unwindOpen(offer, borrower, record.Collateral)
			return 0, err
		}
	} else {
		if err := e.transferFunds(lender, borrower, currency, amount); err != nil {
			e.unwindOpen(offer, borrower, record.Collateral)
			return 0, err
		}
	}

	if err := e.state.LoanPut(record); err != nil {
		return 0, err
	}
	if err := e.state.PutClaimHolder(ClaimBorrower, id, borrower); err != nil {
		return 0, err
	}
	if err := e.state.PutClaimHolder(ClaimLender, id, lender); err != nil {
		return 0, err
	}

	e.emit(NewLoanOpenedEvent(record))
	metrics.Lending().ObserveLoanOpened(marketLabel(record))
	return id, nil
}

func (e *Engine) restoreNonce(offer *offers.Offer) {
	if err := e.nonces.Restore(offer.Signer, offer.Nonce); err != nil {
		e.emit(NewCompensationFailedEvent(offer.Signer, offer.Nonce, err))
	}
}

// unwindOpen compensates a failed origination once the nonce is spent and
// collateral custodied: the collateral returns to the borrower and the offer
// use is handed back.
func (e *Engine) unwindOpen(offer *offers.Offer, borrower [20]byte, c Collateral) {
	if err := e.moveCollateral(e.collateralVault, borrower, c); err != nil {
		e.emit(NewCompensationFailedEvent(offer.Signer, offer.Nonce, err))
	}
	e.restoreNonce(offer)
}

// Get returns a copy of the loan record.
func (e *Engine) Get(loanID uint64) (*Loan, error) {
	record, err := e.loadLoan(loanID)
	if err != nil {
		return nil, err
	}
	return record.Clone(), nil
}

// Status derives the loan status at the supplied instant.
func (e *Engine) Status(loanID uint64, asOf int64) (Status, error) {
	record, err := e.loadLoan(loanID)
	if err != nil {
		return StatusNone, err
	}
	return record.StatusAt(asOf), nil
}

// AccruedInterest computes the time-scaled interest owed at asOf. The full
// elapsed period counts, including overdue time; the overdue penalty is flat
// and tracked separately.
func (e *Engine) AccruedInterest(loanID uint64, asOf int64) (*big.Int, error) {
	record, err := e.loadLoan(loanID)
	if err != nil {
		return nil, err
	}
	return e.accruedInterest(record, asOf)
}

func (e *Engine) accruedInterest(record *Loan, asOf int64) (*big.Int, error) {
	if record.Closed || asOf <= record.BorrowBegin {
		return big.NewInt(0), nil
	}
	elapsed := uint64(asOf - record.BorrowBegin)
	return fixedpoint.AccrueSimple(record.Principal, record.RatePerSecond, elapsed)
}

// Penalty computes the flat overdue penalty owed at asOf: zero while the loan
// is current, principal*overdueFeeFactor once overdue, independent of how
// late.
func (e *Engine) Penalty(loanID uint64, asOf int64) (*big.Int, error) {
	record, err := e.loadLoan(loanID)
	if err != nil {
		return nil, err
	}
	return e.penalty(record, asOf)
}

func (e *Engine) penalty(record *Loan, asOf int64) (*big.Int, error) {
	status := record.StatusAt(asOf)
	if status != StatusOverdue && status != StatusLiquidatable {
		return big.NewInt(0), nil
	}
	if e.overdueFeeFactor == nil || e.overdueFeeFactor.Sign() == 0 {
		return big.NewInt(0), nil
	}
	return fixedpoint.Mul(record.Principal, e.overdueFeeFactor, fixedpoint.Wad)
}

func (e *Engine) protocolFee(interest, penalty *big.Int) *big.Int {
	if e.protocolFeeBps == 0 {
		return big.NewInt(0)
	}
	charged := new(big.Int).Add(interest, penalty)
	fee := charged.Mul(charged, new(big.Int).SetUint64(e.protocolFeeBps))
	return fee.Quo(fee, basisPoints)
}

// Repay settles the loan in full: principal plus accrued interest and penalty,
// with the protocol fee carved from the interest+penalty portion only.
// Repayment routes to whichever address holds the lender claim; the claims are
// burned, collateral returns to the payer, and the loan closes.
func (e *Engine) Repay(loanID uint64, payer [20]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	record, err := e.loadLoan(loanID)
	if err != nil {
		return err
	}
	now := e.now()
	status := record.StatusAt(now)
	if status != StatusBorrowing && status != StatusOverdue {
		return ErrRepayStatus
	}
	borrowerHolder, err := e.claimHolder(ClaimBorrower, loanID)
	if err != nil {
		return err
	}
	if payer != borrowerHolder {
		return ErrNotBorrowerClaim
	}

	interest, err := e.accruedInterest(record, now)
	if err != nil {
		return err
	}
	penalty, err := e.penalty(record, now)
	if err != nil {
		return err
	}
	fee := e.protocolFee(interest, penalty)
	due := new(big.Int).Add(record.Principal, interest)
	due.Add(due, penalty)

	payerAcc, err := e.loadAccount(payer)
	if err != nil {
		return err
	}
	if payerAcc.Balance(record.Currency).Cmp(due) < 0 {
		return ErrInsufficientBalance
	}

	lenderHolder, err := e.claimHolder(ClaimLender, loanID)
	if err != nil {
		return err
	}

	if fee.Sign() > 0 {
		if err := e.transferFunds(payer, e.treasury, record.Currency, fee); err != nil {
			return err
		}
	}
	lenderInterest := new(big.Int).Add(interest, penalty)
	lenderInterest.Sub(lenderInterest, fee)
	if e.poolLoan(record) && lenderHolder == e.poolAddress {
		if err := e.reserve.CreditRepayment(record.ReserveID, loanID, payer, record.Principal, lenderInterest, now); err != nil {
			return err
		}
	} else {
		lenderDue := new(big.Int).Add(record.Principal, lenderInterest)
		if err := e.transferFunds(payer, lenderHolder, record.Currency, lenderDue); err != nil {
			return err
		}
	}
	if err := e.moveCollateral(e.collateralVault, payer, record.Collateral); err != nil {
		return err
	}
	if err := e.state.DeleteClaim(ClaimBorrower, loanID); err != nil {
		return err
	}
	if err := e.state.DeleteClaim(ClaimLender, loanID); err != nil {
		return err
	}
	record.Closed = true
	if err := e.state.LoanPut(record); err != nil {
		return err
	}

	e.emit(NewLoanRepaidEvent(record, interest, penalty, fee))
	metrics.Lending().ObserveLoanRepaid(marketLabel(record))
	return nil
}

// Foreclose seizes the collateral of a liquidatable loan. No funds move;
// foreclosure is a collateral seizure, not a sale. Bespoke loans require the
// caller to hold the lender claim; pool loans are foreclosed into the reserve
// vault by a designated liquidator.
func (e *Engine) Foreclose(loanID uint64, caller [20]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	record, err := e.loadLoan(loanID)
	if err != nil {
		return err
	}
	if record.StatusAt(e.now()) != StatusLiquidatable {
		return ErrNotLiquidatable
	}
	lenderHolder, err := e.claimHolder(ClaimLender, loanID)
	if err != nil {
		return err
	}
	seizeTo := caller
	pool := e.poolLoan(record) && lenderHolder == e.poolAddress
	if pool {
		if err := nativecommon.RequireRole(e.roles, caller, nativecommon.RoleLiquidator); err != nil {
			return err
		}
		seizeTo = e.poolAddress
	} else if caller != lenderHolder {
		return ErrNotLenderClaim
	}

	// Pool debt dies with the loan: the reserve writes the unrecovered
	// principal off against depositor liquidity before the seizure lands.
	if pool {
		if err := e.reserve.WriteOffLoan(record.ReserveID, loanID, e.now()); err != nil {
			return err
		}
	}
	if err := e.moveCollateral(e.collateralVault, seizeTo, record.Collateral); err != nil {
		return err
	}
	if err := e.state.DeleteClaim(ClaimBorrower, loanID); err != nil {
		return err
	}
	if err := e.state.DeleteClaim(ClaimLender, loanID); err != nil {
		return err
	}
	record.Closed = true
	if err := e.state.LoanPut(record); err != nil {
		return err
	}

	e.emit(NewLoanForeclosedEvent(record))
	metrics.Lending().ObserveLoanForeclosed(marketLabel(record))
	return nil
}

// Extend settles the currently accrued interest and penalty, then
// re-originates the loan in place with a fresh begin timestamp, principal and
// duration, net-settling the principal delta with the payer.
func (e *Engine) Extend(loanID uint64, payer [20]byte, newPrincipal *big.Int, newDuration uint64) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if newPrincipal == nil || newPrincipal.Sign() <= 0 {
		return ErrInvalidAmount
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	record, err := e.loadLoan(loanID)
	if err != nil {
		return err
	}
	now := e.now()
	status := record.StatusAt(now)
	if status != StatusBorrowing && status != StatusOverdue {
		return ErrExtendStatus
	}
	if newDuration == 0 || (record.ExtendableDuration > 0 && newDuration > record.ExtendableDuration) {
		return ErrDurationOutOfRange
	}
	borrowerHolder, err := e.claimHolder(ClaimBorrower, loanID)
	if err != nil {
		return err
	}
	if payer != borrowerHolder {
		return ErrNotBorrowerClaim
	}
	lenderHolder, err := e.claimHolder(ClaimLender, loanID)
	if err != nil {
		return err
	}

	interest, err := e.accruedInterest(record, now)
	if err != nil {
		return err
	}
	penalty, err := e.penalty(record, now)
	if err != nil {
		return err
	}
	fee := e.protocolFee(interest, penalty)
	settled := new(big.Int).Add(interest, penalty)
	delta := new(big.Int).Sub(newPrincipal, record.Principal)

	// The payer covers accrued charges plus any principal reduction.
	needed := new(big.Int).Set(settled)
	if delta.Sign() < 0 {
		needed.Add(needed, new(big.Int).Neg(delta))
	}
	payerAcc, err := e.loadAccount(payer)
	if err != nil {
		return err
	}
	if payerAcc.Balance(record.Currency).Cmp(needed) < 0 {
		return ErrInsufficientBalance
	}

	pool := e.poolLoan(record) && lenderHolder == e.poolAddress
	// A bespoke principal increase draws from the lender claim holder; check
	// their balance up front so a short lender leaves the loan untouched.
	if delta.Sign() > 0 && !pool {
		lenderAcc, err := e.loadAccount(lenderHolder)
		if err != nil {
			return err
		}
		if lenderAcc.Balance(record.Currency).Cmp(delta) < 0 {
			return ErrInsufficientBalance
		}
	}

	// The principal draw goes first: it is the only step that can still fail
	// on valid input, and nothing has moved before it. The payer then settles
	// the lender side and the fee from a balance the pre-checks covered.
	if delta.Sign() > 0 {
		if pool {
			if err := e.reserve.DebitLoan(record.ReserveID, loanID, payer, delta, now); err != nil {
				return err
			}
		} else if err := e.transferFunds(lenderHolder, payer, record.Currency, delta); err != nil {
			return err
		}
	}
	net := new(big.Int).Sub(settled, fee)
	repaid := big.NewInt(0)
	if delta.Sign() < 0 {
		repaid = new(big.Int).Neg(delta)
	}
	if pool {
		if net.Sign() > 0 || repaid.Sign() > 0 {
			if err := e.reserve.CreditRepayment(record.ReserveID, loanID, payer, repaid, net, now); err != nil {
				return err
			}
		}
	} else {
		lenderDue := new(big.Int).Add(net, repaid)
		if err := e.transferFunds(payer, lenderHolder, record.Currency, lenderDue); err != nil {
			return err
		}
	}
	if fee.Sign() > 0 {
		if err := e.transferFunds(payer, e.treasury, record.Currency, fee); err != nil {
			return err
		}
	}

	record.Principal = new(big.Int).Set(newPrincipal)
	record.BorrowBegin = now
	record.BorrowDuration = newDuration
	if err := e.state.LoanPut(record); err != nil {
		return err
	}

	e.emit(NewLoanExtendedEvent(record, settled))
	return nil
}

// SettleSale closes a liquidatable loan out of an auction: the buyer pays the
// clearing price, the outstanding balance routes to the lender claim holder
// net of the protocol fee, any surplus goes to the treasury, and the
// collateral transfers to the buyer. Proceeds below the outstanding balance
// are rejected outright.
func (e *Engine) SettleSale(loanID uint64, buyer [20]byte, proceeds *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if proceeds == nil || proceeds.Sign() <= 0 {
		return ErrInvalidAmount
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	record, err := e.loadLoan(loanID)
	if err != nil {
		return err
	}
	now := e.now()
	if record.StatusAt(now) != StatusLiquidatable {
		return ErrNotLiquidatable
	}

	interest, err := e.accruedInterest(record, now)
	if err != nil {
		return err
	}
	penalty, err := e.penalty(record, now)
	if err != nil {
		return err
	}
	outstanding := new(big.Int).Add(record.Principal, interest)
	outstanding.Add(outstanding, penalty)
	if proceeds.Cmp(outstanding) < 0 {
		return ErrProceedsBelowDebt
	}
	buyerAcc, err := e.loadAccount(buyer)
	if err != nil {
		return err
	}
	if buyerAcc.Balance(record.Currency).Cmp(proceeds) < 0 {
		return ErrInsufficientBalance
	}
	lenderHolder, err := e.claimHolder(ClaimLender, loanID)
	if err != nil {
		return err
	}

	fee := e.protocolFee(interest, penalty)
	if fee.Sign() > 0 {
		if err := e.transferFunds(buyer, e.treasury, record.Currency, fee); err != nil {
			return err
		}
	}
	lenderInterest := new(big.Int).Add(interest, penalty)
	lenderInterest.Sub(lenderInterest, fee)
	if e.poolLoan(record) && lenderHolder == e.poolAddress {
		if err := e.reserve.CreditRepayment(record.ReserveID, loanID, buyer, record.Principal, lenderInterest, now); err != nil {
			return err
		}
	} else {
		lenderDue := new(big.Int).Add(record.Principal, lenderInterest)
		if err := e.transferFunds(buyer, lenderHolder, record.Currency, lenderDue); err != nil {
			return err
		}
	}
	surplus := new(big.Int).Sub(proceeds, outstanding)
	if surplus.Sign() > 0 {
		if err := e.transferFunds(buyer, e.treasury, record.Currency, surplus); err != nil {
			return err
		}
	}
	if err := e.moveCollateral(e.collateralVault, buyer, record.Collateral); err != nil {
		return err
	}
	if err := e.state.DeleteClaim(ClaimBorrower, loanID); err != nil {
		return err
	}
	if err := e.state.DeleteClaim(ClaimLender, loanID); err != nil {
		return err
	}
	record.Closed = true
	if err := e.state.LoanPut(record); err != nil {
		return err
	}

	e.emit(NewLoanSoldEvent(record, proceeds, surplus))
	return nil
}

// TransferClaim moves a claim token to a new holder. The lender claim of a
// pool-sourced loan belongs to the depositors collectively and is refused.
func (e *Engine) TransferClaim(kind ClaimKind, loanID uint64, from, to [20]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	record, err := e.loadLoan(loanID)
	if err != nil {
		return err
	}
	if record.Closed {
		return ErrRepayStatus
	}
	if kind == ClaimLender && record.PoolSourced {
		return ErrClaimNotTransferable
	}
	holder, err := e.claimHolder(kind, loanID)
	if err != nil {
		return err
	}
	if holder != from {
		if kind == ClaimBorrower {
			return ErrNotBorrowerClaim
		}
		return ErrNotLenderClaim
	}
	if err := e.state.PutClaimHolder(kind, loanID, to); err != nil {
		return err
	}
	e.emit(NewClaimTransferredEvent(loanID, kind))
	return nil
}

// Outstanding returns the full amount required to settle the loan at asOf:
// principal plus accrued interest plus penalty.
func (e *Engine) Outstanding(loanID uint64, asOf int64) (*big.Int, error) {
	record, err := e.loadLoan(loanID)
	if err != nil {
		return nil, err
	}
	interest, err := e.accruedInterest(record, asOf)
	if err != nil {
		return nil, err
	}
	penalty, err := e.penalty(record, asOf)
	if err != nil {
		return nil, err
	}
	total := new(big.Int).Add(record.Principal, interest)
	return total.Add(total, penalty), nil
}

func marketLabel(l *Loan) string {
	if l != nil && l.PoolSourced {
		return "pool"
	}
	return "bespoke"
}
