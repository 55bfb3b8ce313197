package auction

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"loanforge/core/events"
	"loanforge/core/types"
	nativecommon "loanforge/native/common"
	"loanforge/native/loan"
	"loanforge/observability/metrics"
)

var (
	errNilState  = errors.New("auction engine: state not configured")
	errNilLedger = errors.New("auction engine: loan ledger not configured")
	errNilOracle = errors.New("auction engine: price oracle not configured")

	ErrAuctionNotFound = errors.New("auction engine: auction not found")
	ErrAuctionExists   = errors.New("auction engine: auction already open")
	ErrPriceBelowDebt  = errors.New("auction engine: clearing price below outstanding debt")
)

var basisPoints = big.NewInt(10_000)

const moduleName = "auction"

const (
	EventTypeStarted = "auction.started"
	EventTypeCleared = "auction.cleared"
)

type engineState interface {
	AuctionGet(loanID uint64) (*Auction, bool, error)
	AuctionPut(*Auction) error
	AuctionDelete(loanID uint64) error
}

// Engine runs collateral auctions on top of the loan ledger. Settlement
// delegates to the ledger so fee carving, claim burning, and collateral
// release stay in one place.
type Engine struct {
	mu      sync.Mutex
	state   engineState
	loans   *loan.Engine
	oracle  loan.PriceOracle
	pauses  nativecommon.PauseView
	roles   nativecommon.RoleCheck
	emitter events.Emitter
	nowFn   func() int64

	// Pricing knobs in basis points of the oracle collateral value, plus
	// the default decay window in seconds.
	startMultiplierBps uint64
	floorMultiplierBps uint64
	decayDuration      uint64
}

// NewEngine constructs an auction engine over the loan ledger with default
// pricing: start at 120% of collateral value, floor at 50%, one-day decay.
func NewEngine(loans *loan.Engine) *Engine {
	return &Engine{
		loans:              loans,
		emitter:            events.NoopEmitter{},
		nowFn:              func() int64 { return time.Now().Unix() },
		startMultiplierBps: 12_000,
		floorMultiplierBps: 5_000,
		decayDuration:      86_400,
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

func (e *Engine) SetPauses(p nativecommon.PauseView) { e.pauses = p }
func (e *Engine) SetRoles(rc nativecommon.RoleCheck) { e.roles = rc }
func (e *Engine) SetOracle(o loan.PriceOracle)       { e.oracle = o }

// SetEmitter configures the event emitter. Passing nil resets to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetPricing overrides the start/floor multipliers and the decay window.
func (e *Engine) SetPricing(startBps, floorBps, durationSeconds uint64) {
	if startBps > 0 {
		e.startMultiplierBps = startBps
	}
	if floorBps > 0 {
		e.floorMultiplierBps = floorBps
	}
	if durationSeconds > 0 {
		e.decayDuration = durationSeconds
	}
}

// SetNowFunc overrides the time source. Primarily intended for tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

type auctionEvent struct {
	evt *types.Event
}

func (a auctionEvent) EventType() string {
	if a.evt == nil {
		return ""
	}
	return a.evt.Type
}

func (a auctionEvent) Event() *types.Event { return a.evt }

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(auctionEvent{evt: event})
}

// Start opens an auction for a liquidatable loan. Liquidator role only; the
// start and floor prices anchor to the oracle value of the pledged
// collateral.
func (e *Engine) Start(loanID uint64, caller [20]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.loans == nil {
		return errNilLedger
	}
	if e.oracle == nil {
		return errNilOracle
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if err := nativecommon.RequireRole(e.roles, caller, nativecommon.RoleLiquidator); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.nowFn()
	status, err := e.loans.Status(loanID, now)
	if err != nil {
		return err
	}
	if status != loan.StatusLiquidatable {
		return loan.ErrNotLiquidatable
	}
	if _, ok, err := e.state.AuctionGet(loanID); err != nil {
		return err
	} else if ok {
		return ErrAuctionExists
	}

	record, err := e.loans.Get(loanID)
	if err != nil {
		return err
	}
	price, err := e.oracle.Price(record.Collateral.Asset)
	if err != nil {
		return fmt.Errorf("auction engine: collateral valuation: %w", err)
	}
	quantity := record.Collateral.Quantity
	if quantity == nil {
		quantity = big.NewInt(1)
	}
	value := new(big.Int).Mul(price, quantity)

	start := new(big.Int).Mul(value, new(big.Int).SetUint64(e.startMultiplierBps))
	start.Quo(start, basisPoints)
	floor := new(big.Int).Mul(value, new(big.Int).SetUint64(e.floorMultiplierBps))
	floor.Quo(floor, basisPoints)

	sale := &Auction{
		LoanID:     loanID,
		StartPrice: start,
		FloorPrice: floor,
		StartTime:  now,
		Duration:   e.decayDuration,
	}
	if err := e.state.AuctionPut(sale); err != nil {
		return err
	}

	e.emit(&types.Event{Type: EventTypeStarted, Attributes: map[string]string{
		"loanId":     fmt.Sprintf("%d", loanID),
		"startPrice": start.String(),
		"floorPrice": floor.String(),
	}})
	metrics.Lending().ObserveAuctionStarted()
	return nil
}

// Price reports the current clearing price of an open auction.
func (e *Engine) Price(loanID uint64, asOf int64) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	sale, ok, err := e.state.AuctionGet(loanID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrAuctionNotFound
	}
	return sale.PriceAt(asOf), nil
}

// Buy clears an open auction at the current decayed price. The price must
// still cover the loan's outstanding balance; auctions that decay below the
// debt cannot clear and the position stays open for foreclosure instead.
func (e *Engine) Buy(loanID uint64, buyer [20]byte) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if e.loans == nil {
		return nil, errNilLedger
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	sale, ok, err := e.state.AuctionGet(loanID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrAuctionNotFound
	}
	now := e.nowFn()
	price := sale.PriceAt(now)

	outstanding, err := e.loans.Outstanding(loanID, now)
	if err != nil {
		return nil, err
	}
	if price.Cmp(outstanding) < 0 {
		return nil, ErrPriceBelowDebt
	}
	if err := e.loans.SettleSale(loanID, buyer, price); err != nil {
		return nil, err
	}
	if err := e.state.AuctionDelete(loanID); err != nil {
		return nil, err
	}

	e.emit(&types.Event{Type: EventTypeCleared, Attributes: map[string]string{
		"loanId": fmt.Sprintf("%d", loanID),
		"price":  price.String(),
	}})
	metrics.Lending().ObserveAuctionSettled()
	return price, nil
}

// Cancel removes the auction for a loan that settled outside the auction,
// e.g. by a last-minute claim-holder foreclosure. Liquidator role only.
func (e *Engine) Cancel(loanID uint64, caller [20]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.RequireRole(e.roles, caller, nativecommon.RoleLiquidator); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok, err := e.state.AuctionGet(loanID); err != nil {
		return err
	} else if !ok {
		return ErrAuctionNotFound
	}
	return e.state.AuctionDelete(loanID)
}
