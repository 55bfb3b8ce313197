// Package reserve implements the pooled liquidity market: depositor shares
// priced by a cumulative supply index, scaled loan debt priced by a borrow
// index, utilisation-driven accrual, flash borrows, and an optional external
// money-market venue for idle liquidity.
package reserve

import (
	"errors"
	"math/big"
	"strings"
	"sync"
	"time"

	"loanforge/core/events"
	"loanforge/core/types"
	nativecommon "loanforge/native/common"
	"loanforge/observability/metrics"
)

var (
	errNilState = errors.New("reserve engine: state not configured")

	ErrReserveNotFound       = errors.New("reserve engine: reserve not found")
	ErrReserveExists         = errors.New("reserve engine: reserve already exists")
	ErrInvalidAmount         = errors.New("reserve engine: amount must be positive")
	ErrInsufficientBalance   = errors.New("reserve engine: insufficient balance")
	ErrInsufficientLiquidity = errors.New("reserve engine: insufficient idle liquidity")
	ErrNoDeposit             = errors.New("reserve engine: no deposit shares held")
	ErrFlashOutstanding      = errors.New("reserve engine: flash borrow already outstanding for session")
	ErrFlashUnknown          = errors.New("reserve engine: unknown flash borrow session")
	ErrAdapterNotConfigured  = errors.New("reserve engine: money market adapter not configured")
	ErrMoneyMarketShortfall  = errors.New("reserve engine: recall exceeds money market principal")
	ErrReservePaused         = errors.New("reserve engine: reserve paused")
	ErrReserveMigrating      = errors.New("reserve engine: reserve migrating")
)

const moduleName = "reserve"

type engineState interface {
	ReserveGet(id string) (*Reserve, bool, error)
	ReservePut(*Reserve) error
	DepositShares(reserveID string, addr [20]byte) (*big.Int, error)
	PutDepositShares(reserveID string, addr [20]byte, shares *big.Int) error
	LoanPosition(reserveID string, loanID uint64) (*DebtPosition, bool, error)
	PutLoanPosition(reserveID string, loanID uint64, pos *DebtPosition) error
	DeleteLoanPosition(reserveID string, loanID uint64) error
	FeesAccrued(reserveID string) (*big.Int, error)
	PutFeesAccrued(reserveID string, amount *big.Int) error
	GetAccount(addr [20]byte) (*types.Account, error)
	PutAccount(addr [20]byte, account *types.Account) error
}

type flashLoan struct {
	reserveID string
	amount    *big.Int
	fee       *big.Int
}

// Engine orchestrates the reserve state transitions. It satisfies the loan
// ledger's reserve hook so pool-sourced loans debit and credit liquidity
// through the same accounting path as depositors.
type Engine struct {
	mu          sync.Mutex
	state       engineState
	emitter     events.Emitter
	pauses      nativecommon.PauseView
	roles       nativecommon.RoleCheck
	model       *InterestModel
	adapter     MoneyMarketAdapter
	flashFeeBps uint64
	flash       map[string]*flashLoan
	nowFn       func() int64
}

// NewEngine constructs a reserve engine with the default interest model.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		model:   DefaultInterestModel.Clone(),
		flash:   make(map[string]*flashLoan),
		nowFn:   func() int64 { return time.Now().Unix() },
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

// SetInterestModel configures the utilisation curve used during accrual.
func (e *Engine) SetInterestModel(model *InterestModel) {
	if model != nil {
		e.model = model.Clone()
		return
	}
	e.model = nil
}

// SetFlashFeeBps configures the fee charged on flash borrows.
func (e *Engine) SetFlashFeeBps(bps uint64) { e.flashFeeBps = bps }

// SetMoneyMarketAdapter wires the external venue for idle liquidity.
func (e *Engine) SetMoneyMarketAdapter(adapter MoneyMarketAdapter) { e.adapter = adapter }

// SetNowFunc overrides the time source. Primarily intended for tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) now() int64 { return e.nowFn() }

type reserveEvent struct {
	evt *types.Event
}

func (r reserveEvent) EventType() string {
	if r.evt == nil {
		return ""
	}
	return r.evt.Type
}

func (r reserveEvent) Event() *types.Event { return r.evt }

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(reserveEvent{evt: event})
}

// CreateReserve registers a new liquidity market. Both indices start at one
// ray.
func (e *Engine) CreateReserve(id, currency string, vault [20]byte, reserveFactorBps uint64, now int64) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrReserveNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok, err := e.state.ReserveGet(id); err != nil {
		return err
	} else if ok {
		return ErrReserveExists
	}
	record := &Reserve{
		ID:                   id,
		Currency:             strings.ToUpper(strings.TrimSpace(currency)),
		Vault:                vault,
		TotalLiquidity:       big.NewInt(0),
		TotalBorrowed:        big.NewInt(0),
		SupplyIndex:          new(big.Int).Set(ray),
		BorrowIndex:          new(big.Int).Set(ray),
		LastAccrual:          now,
		ReserveFactorBps:     reserveFactorBps,
		MoneyMarketPrincipal: big.NewInt(0),
	}
	return e.state.ReservePut(record)
}

func (e *Engine) loadReserve(id string) (*Reserve, error) {
	record, ok, err := e.state.ReserveGet(id)
	if err != nil {
		return nil, err
	}
	if !ok || record == nil {
		return nil, ErrReserveNotFound
	}
	if record.SupplyIndex == nil || record.SupplyIndex.Sign() == 0 {
		record.SupplyIndex = new(big.Int).Set(ray)
	}
	if record.BorrowIndex == nil || record.BorrowIndex.Sign() == 0 {
		record.BorrowIndex = new(big.Int).Set(ray)
	}
	if record.TotalLiquidity == nil {
		record.TotalLiquidity = big.NewInt(0)
	}
	if record.TotalBorrowed == nil {
		record.TotalBorrowed = big.NewInt(0)
	}
	if record.MoneyMarketPrincipal == nil {
		record.MoneyMarketPrincipal = big.NewInt(0)
	}
	return record, nil
}

// accrue advances the borrow index to now at the utilisation curve's rate.
// The index prices what borrowers owe; depositor value moves only when
// realized interest arrives through CreditRepayment or FlashRepay, so the
// supply index never outruns vault cash. The caller persists the reserve
// afterwards.
func (e *Engine) accrue(record *Reserve, now int64) {
	if now <= record.LastAccrual {
		return
	}
	elapsed := uint64(now - record.LastAccrual)
	record.LastAccrual = now
	if e.model == nil || record.TotalBorrowed.Sign() == 0 {
		return
	}
	borrowAPR := e.model.BorrowAPR(record.TotalBorrowed, record.TotalLiquidity)
	if borrowAPR.Sign() == 0 {
		return
	}
	record.BorrowIndex = rayMul(record.BorrowIndex, rateFactor(borrowAPR, elapsed))
}

// distributeInterest splits realized interest between the protocol fee
// accrual and the depositors, lifting the supply index by the pool's growth.
func (e *Engine) distributeInterest(record *Reserve, interest *big.Int) error {
	if interest == nil || interest.Sign() <= 0 {
		return nil
	}
	cut := new(big.Int).Mul(interest, new(big.Int).SetUint64(record.ReserveFactorBps))
	cut.Quo(cut, basisPoints)
	if cut.Sign() > 0 {
		fees, err := e.state.FeesAccrued(record.ID)
		if err != nil {
			return err
		}
		if fees == nil {
			fees = big.NewInt(0)
		}
		if err := e.state.PutFeesAccrued(record.ID, new(big.Int).Add(fees, cut)); err != nil {
			return err
		}
	}
	net := new(big.Int).Sub(interest, cut)
	if net.Sign() > 0 && record.TotalLiquidity.Sign() > 0 {
		grown := new(big.Int).Add(record.TotalLiquidity, net)
		record.SupplyIndex = rayMul(record.SupplyIndex, rayDiv(grown, record.TotalLiquidity))
		record.TotalLiquidity = grown
	}
	return nil
}

// requireActive rejects balance mutation while the reserve is paused.
func requireActive(record *Reserve) error {
	if record.MoneyMarket == MoneyMarketPaused {
		return ErrReservePaused
	}
	return nil
}

// UpdateIndices refreshes the reserve's accrual to now without any balance
// movement.
func (e *Engine) UpdateIndices(reserveID string, now int64) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	record, err := e.loadReserve(reserveID)
	if err != nil {
		return err
	}
	e.accrue(record, now)
	return e.state.ReservePut(record)
}

func (e *Engine) idleLiquidity(record *Reserve) *big.Int {
	idle := new(big.Int).Sub(record.TotalLiquidity, record.TotalBorrowed)
	idle.Sub(idle, record.MoneyMarketPrincipal)
	if idle.Sign() < 0 {
		return big.NewInt(0)
	}
	return idle
}

func (e *Engine) transfer(from, to [20]byte, currency string, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	fromAcc, err := e.state.GetAccount(from)
	if err != nil {
		return err
	}
	if fromAcc == nil {
		fromAcc = types.NewAccount()
	}
	if fromAcc.Balance(currency).Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	toAcc, err := e.state.GetAccount(to)
	if err != nil {
		return err
	}
	if toAcc == nil {
		toAcc = types.NewAccount()
	}
	fromAcc.SetBalance(currency, new(big.Int).Sub(fromAcc.Balance(currency), amount))
	toAcc.SetBalance(currency, new(big.Int).Add(toAcc.Balance(currency), amount))
	if err := e.state.PutAccount(from, fromAcc); err != nil {
		return err
	}
	return e.state.PutAccount(to, toAcc)
}

// Deposit moves liquidity from the depositor into the vault and mints shares
// at the current supply index. The minted share amount is returned.
func (e *Engine) Deposit(reserveID string, depositor [20]byte, amount *big.Int) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	record, err := e.loadReserve(reserveID)
	if err != nil {
		return nil, err
	}
	if err := requireActive(record); err != nil {
		return nil, err
	}
	e.accrue(record, e.now())

	minted := sharesFromLiquidity(amount, record.SupplyIndex)
	if minted.Sign() == 0 {
		return nil, ErrInvalidAmount
	}
	if err := e.transfer(depositor, record.Vault, record.Currency, amount); err != nil {
		return nil, err
	}
	shares, err := e.state.DepositShares(reserveID, depositor)
	if err != nil {
		return nil, err
	}
	if shares == nil {
		shares = big.NewInt(0)
	}
	if err := e.state.PutDepositShares(reserveID, depositor, new(big.Int).Add(shares, minted)); err != nil {
		return nil, err
	}
	record.TotalLiquidity = new(big.Int).Add(record.TotalLiquidity, amount)
	if err := e.state.ReservePut(record); err != nil {
		return nil, err
	}
	e.publishGauges(record)
	e.emit(newDepositedEvent(record, depositor, amount, minted))
	return minted, nil
}

// Redeem burns depositor shares and releases the corresponding liquidity from
// the vault. The redeemed amount is returned.
func (e *Engine) Redeem(reserveID string, depositor [20]byte, shares *big.Int) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if shares == nil || shares.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	record, err := e.loadReserve(reserveID)
	if err != nil {
		return nil, err
	}
	if err := requireActive(record); err != nil {
		return nil, err
	}
	e.accrue(record, e.now())

	held, err := e.state.DepositShares(reserveID, depositor)
	if err != nil {
		return nil, err
	}
	if held == nil || held.Sign() == 0 {
		return nil, ErrNoDeposit
	}
	if held.Cmp(shares) < 0 {
		return nil, ErrNoDeposit
	}
	amount := liquidityFromShares(shares, record.SupplyIndex)
	if amount.Sign() == 0 {
		return nil, ErrInvalidAmount
	}
	if e.idleLiquidity(record).Cmp(amount) < 0 {
		return nil, ErrInsufficientLiquidity
	}
	if err := e.transfer(record.Vault, depositor, record.Currency, amount); err != nil {
		return nil, err
	}
	if err := e.state.PutDepositShares(reserveID, depositor, new(big.Int).Sub(held, shares)); err != nil {
		return nil, err
	}
	record.TotalLiquidity = new(big.Int).Sub(record.TotalLiquidity, amount)
	if record.TotalLiquidity.Sign() < 0 {
		record.TotalLiquidity = big.NewInt(0)
	}
	if err := e.state.ReservePut(record); err != nil {
		return nil, err
	}
	e.publishGauges(record)
	e.emit(newRedeemedEvent(record, depositor, amount, shares))
	return amount, nil
}

// DepositValue reports the current liquidity value of an account's shares.
func (e *Engine) DepositValue(reserveID string, depositor [20]byte) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	record, err := e.loadReserve(reserveID)
	if err != nil {
		return nil, err
	}
	shares, err := e.state.DepositShares(reserveID, depositor)
	if err != nil {
		return nil, err
	}
	if shares == nil || shares.Sign() == 0 {
		return big.NewInt(0), nil
	}
	return liquidityFromShares(shares, record.SupplyIndex), nil
}

// DebitLoan funds a pool-sourced loan from idle liquidity and opens a scaled
// debt position for the loan id. Implements the loan ledger's reserve hook.
func (e *Engine) DebitLoan(reserveID string, loanID uint64, borrower [20]byte, amount *big.Int, now int64) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	record, err := e.loadReserve(reserveID)
	if err != nil {
		return err
	}
	if err := requireActive(record); err != nil {
		return err
	}
	e.accrue(record, now)
	if e.idleLiquidity(record).Cmp(amount) < 0 {
		return ErrInsufficientLiquidity
	}
	if err := e.transfer(record.Vault, borrower, record.Currency, amount); err != nil {
		return err
	}
	pos, ok, err := e.state.LoanPosition(reserveID, loanID)
	if err != nil {
		return err
	}
	if !ok || pos == nil {
		pos = &DebtPosition{Principal: big.NewInt(0), Scaled: big.NewInt(0)}
	}
	pos.Principal = new(big.Int).Add(orZeroInt(pos.Principal), amount)
	pos.Scaled = new(big.Int).Add(orZeroInt(pos.Scaled), scaledDebtFromAmount(amount, record.BorrowIndex))
	if err := e.state.PutLoanPosition(reserveID, loanID, pos); err != nil {
		return err
	}
	record.TotalBorrowed = new(big.Int).Add(record.TotalBorrowed, amount)
	if err := e.state.ReservePut(record); err != nil {
		return err
	}
	e.publishGauges(record)
	e.emit(newLoanDebitedEvent(record, loanID, amount))
	return nil
}

// CreditRepayment returns loan principal and interest to the pool. Principal
// extinguishes the loan's debt position pro rata, so repaying it in full
// deletes the position and leaves TotalBorrowed clean of remnants; interest
// net of the reserve factor cut is distributed to depositors by lifting the
// supply index. Settlements land even while the reserve is paused. Implements
// the loan ledger's reserve hook.
func (e *Engine) CreditRepayment(reserveID string, loanID uint64, payer [20]byte, principal, interest *big.Int, now int64) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if principal == nil {
		principal = big.NewInt(0)
	}
	if interest == nil {
		interest = big.NewInt(0)
	}
	if principal.Sign() < 0 || interest.Sign() < 0 {
		return ErrInvalidAmount
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	record, err := e.loadReserve(reserveID)
	if err != nil {
		return err
	}
	e.accrue(record, now)

	total := new(big.Int).Add(principal, interest)
	if err := e.transfer(payer, record.Vault, record.Currency, total); err != nil {
		return err
	}

	if principal.Sign() > 0 {
		pos, ok, err := e.state.LoanPosition(reserveID, loanID)
		if err != nil {
			return err
		}
		if ok && pos != nil && orZeroInt(pos.Principal).Sign() > 0 {
			owed := orZeroInt(pos.Principal)
			repaid := principal
			if repaid.Cmp(owed) > 0 {
				repaid = owed
			}
			// Cut the scaled balance in the ratio of principal repaid, so the
			// last unit of principal removes the last scaled unit regardless
			// of how far the borrow index has grown.
			scaledCut := new(big.Int).Mul(orZeroInt(pos.Scaled), repaid)
			scaledCut.Quo(scaledCut, owed)
			pos.Principal = new(big.Int).Sub(owed, repaid)
			pos.Scaled = new(big.Int).Sub(orZeroInt(pos.Scaled), scaledCut)
			if pos.Principal.Sign() == 0 {
				if err := e.state.DeleteLoanPosition(reserveID, loanID); err != nil {
					return err
				}
			} else if err := e.state.PutLoanPosition(reserveID, loanID, pos); err != nil {
				return err
			}
			record.TotalBorrowed = new(big.Int).Sub(record.TotalBorrowed, repaid)
			if record.TotalBorrowed.Sign() < 0 {
				record.TotalBorrowed = big.NewInt(0)
			}
		}
	}

	if err := e.distributeInterest(record, interest); err != nil {
		return err
	}

	if err := e.state.ReservePut(record); err != nil {
		return err
	}
	e.publishGauges(record)
	e.emit(newRepaymentCreditedEvent(record, loanID, principal, interest))
	return nil
}

// WriteOffLoan extinguishes a foreclosed loan's pool debt without repayment.
// The loss falls on the depositors: liquidity shrinks by the unrecovered
// principal while both indices stay monotone. Implements the loan ledger's
// reserve hook.
func (e *Engine) WriteOffLoan(reserveID string, loanID uint64, now int64) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	record, err := e.loadReserve(reserveID)
	if err != nil {
		return err
	}
	e.accrue(record, now)
	pos, ok, err := e.state.LoanPosition(reserveID, loanID)
	if err != nil {
		return err
	}
	if !ok || pos == nil {
		return nil
	}
	lost := orZeroInt(pos.Principal)
	if err := e.state.DeleteLoanPosition(reserveID, loanID); err != nil {
		return err
	}
	record.TotalBorrowed = new(big.Int).Sub(record.TotalBorrowed, lost)
	if record.TotalBorrowed.Sign() < 0 {
		record.TotalBorrowed = big.NewInt(0)
	}
	record.TotalLiquidity = new(big.Int).Sub(record.TotalLiquidity, lost)
	if record.TotalLiquidity.Sign() < 0 {
		record.TotalLiquidity = big.NewInt(0)
	}
	if err := e.state.ReservePut(record); err != nil {
		return err
	}
	e.publishGauges(record)
	e.emit(newLoanWrittenOffEvent(record, loanID, lost))
	return nil
}

// LoanDebt reports the index-adjusted outstanding pool debt of a loan.
func (e *Engine) LoanDebt(reserveID string, loanID uint64) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	record, err := e.loadReserve(reserveID)
	if err != nil {
		return nil, err
	}
	pos, ok, err := e.state.LoanPosition(reserveID, loanID)
	if err != nil {
		return nil, err
	}
	if !ok || pos == nil {
		return big.NewInt(0), nil
	}
	return debtFromScaled(pos.Scaled, record.BorrowIndex), nil
}

func orZeroInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}

// FlashBorrow lends idle liquidity to the recipient within a single refinance
// session. The borrow is tracked in memory only; the session must repay
// through FlashRepay before its transaction commits or roll the whole state
// back.
func (e *Engine) FlashBorrow(reserveID, sessionID string, to [20]byte, amount *big.Int, now int64) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, ErrFlashUnknown
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.flash[sessionID]; exists {
		return nil, ErrFlashOutstanding
	}
	record, err := e.loadReserve(reserveID)
	if err != nil {
		return nil, err
	}
	if err := requireActive(record); err != nil {
		return nil, err
	}
	e.accrue(record, now)
	if e.idleLiquidity(record).Cmp(amount) < 0 {
		return nil, ErrInsufficientLiquidity
	}
	if err := e.transfer(record.Vault, to, record.Currency, amount); err != nil {
		return nil, err
	}
	if err := e.state.ReservePut(record); err != nil {
		return nil, err
	}
	fee := new(big.Int).Mul(amount, new(big.Int).SetUint64(e.flashFeeBps))
	fee.Quo(fee, basisPoints)
	e.flash[sessionID] = &flashLoan{
		reserveID: reserveID,
		amount:    new(big.Int).Set(amount),
		fee:       fee,
	}
	e.emit(newFlashBorrowedEvent(record, sessionID, amount, fee))
	return new(big.Int).Add(amount, fee), nil
}

// FlashRepay settles a flash borrow: principal plus fee return to the vault
// and the fee is distributed to depositors.
func (e *Engine) FlashRepay(sessionID string, from [20]byte, now int64) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	outstanding, ok := e.flash[strings.TrimSpace(sessionID)]
	if !ok {
		return ErrFlashUnknown
	}
	record, err := e.loadReserve(outstanding.reserveID)
	if err != nil {
		return err
	}
	e.accrue(record, now)
	total := new(big.Int).Add(outstanding.amount, outstanding.fee)
	if err := e.transfer(from, record.Vault, record.Currency, total); err != nil {
		return err
	}
	if outstanding.fee.Sign() > 0 && record.TotalLiquidity.Sign() > 0 {
		grown := new(big.Int).Add(record.TotalLiquidity, outstanding.fee)
		record.SupplyIndex = rayMul(record.SupplyIndex, rayDiv(grown, record.TotalLiquidity))
		record.TotalLiquidity = grown
	}
	if err := e.state.ReservePut(record); err != nil {
		return err
	}
	delete(e.flash, strings.TrimSpace(sessionID))
	e.emit(newFlashRepaidEvent(record, sessionID, total))
	return nil
}

// AbandonFlash drops the in-memory record of a flash session whose state
// mutations were rolled back wholesale.
func (e *Engine) AbandonFlash(sessionID string) {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.flash, strings.TrimSpace(sessionID))
}

// SweepToMoneyMarket parks idle liquidity in the external venue. Treasury
// role only.
func (e *Engine) SweepToMoneyMarket(reserveID string, caller [20]byte, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.RequireRole(e.roles, caller, nativecommon.RoleTreasury); err != nil {
		return err
	}
	if e.adapter == nil {
		return ErrAdapterNotConfigured
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	record, err := e.loadReserve(reserveID)
	if err != nil {
		return err
	}
	if err := requireActive(record); err != nil {
		return err
	}
	if record.MoneyMarket == MoneyMarketMigrating {
		return ErrReserveMigrating
	}
	e.accrue(record, e.now())
	if e.idleLiquidity(record).Cmp(amount) < 0 {
		return ErrInsufficientLiquidity
	}
	vaultAcc, err := e.state.GetAccount(record.Vault)
	if err != nil {
		return err
	}
	if vaultAcc == nil || vaultAcc.Balance(record.Currency).Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	if err := e.adapter.Deposit(record.Currency, amount); err != nil {
		return err
	}
	vaultAcc.SetBalance(record.Currency, new(big.Int).Sub(vaultAcc.Balance(record.Currency), amount))
	if err := e.state.PutAccount(record.Vault, vaultAcc); err != nil {
		return err
	}
	record.MoneyMarketPrincipal = new(big.Int).Add(record.MoneyMarketPrincipal, amount)
	return e.state.ReservePut(record)
}

// RecallFromMoneyMarket withdraws liquidity from the external venue back into
// the vault. Treasury role only.
func (e *Engine) RecallFromMoneyMarket(reserveID string, caller [20]byte, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.RequireRole(e.roles, caller, nativecommon.RoleTreasury); err != nil {
		return err
	}
	if e.adapter == nil {
		return ErrAdapterNotConfigured
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	record, err := e.loadReserve(reserveID)
	if err != nil {
		return err
	}
	if err := requireActive(record); err != nil {
		return err
	}
	if record.MoneyMarketPrincipal.Cmp(amount) < 0 {
		return ErrMoneyMarketShortfall
	}
	withdrawn, err := e.adapter.Withdraw(record.Currency, amount, record.Vault)
	if err != nil {
		return err
	}
	if withdrawn == nil {
		withdrawn = new(big.Int).Set(amount)
	}
	vaultAcc, err := e.state.GetAccount(record.Vault)
	if err != nil {
		return err
	}
	if vaultAcc == nil {
		vaultAcc = types.NewAccount()
	}
	vaultAcc.SetBalance(record.Currency, new(big.Int).Add(vaultAcc.Balance(record.Currency), withdrawn))
	if err := e.state.PutAccount(record.Vault, vaultAcc); err != nil {
		return err
	}
	// The recorded principal shrinks by the request even when the venue
	// released less; any haircut surfaces through MoneyMarketBalance.
	record.MoneyMarketPrincipal = new(big.Int).Sub(record.MoneyMarketPrincipal, amount)
	if record.MoneyMarketPrincipal.Sign() < 0 {
		record.MoneyMarketPrincipal = big.NewInt(0)
	}
	return e.state.ReservePut(record)
}

// SetMoneyMarketState switches the reserve's operating mode. Treasury role
// only.
func (e *Engine) SetMoneyMarketState(reserveID string, caller [20]byte, state MoneyMarketState) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.RequireRole(e.roles, caller, nativecommon.RoleTreasury); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	record, err := e.loadReserve(reserveID)
	if err != nil {
		return err
	}
	if record.MoneyMarket == state {
		return nil
	}
	record.MoneyMarket = state
	if err := e.state.ReservePut(record); err != nil {
		return err
	}
	e.emit(newMoneyMarketStateEvent(record, state))
	return nil
}

// MoneyMarketBalance reports the adapter's current holding for the reserve
// currency alongside the principal the reserve believes it parked. A venue
// balance below the recorded principal means the venue lost money.
func (e *Engine) MoneyMarketBalance(reserveID string) (held, principal *big.Int, err error) {
	if e == nil || e.state == nil {
		return nil, nil, errNilState
	}
	if e.adapter == nil {
		return nil, nil, ErrAdapterNotConfigured
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	record, err := e.loadReserve(reserveID)
	if err != nil {
		return nil, nil, err
	}
	held, err = e.adapter.Balance(record.Currency, record.Vault)
	if err != nil {
		return nil, nil, err
	}
	if held == nil {
		held = big.NewInt(0)
	}
	return held, new(big.Int).Set(record.MoneyMarketPrincipal), nil
}

func (e *Engine) publishGauges(record *Reserve) {
	liquidity, _ := new(big.Float).SetInt(record.TotalLiquidity).Float64()
	borrowed, _ := new(big.Float).SetInt(record.TotalBorrowed).Float64()
	metrics.Lending().SetReserveLiquidity(record.ID, liquidity)
	metrics.Lending().SetReserveBorrowed(record.ID, borrowed)
}
