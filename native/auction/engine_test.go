package auction

import (
	"errors"
	"math/big"
	"testing"

	"loanforge/core/types"
	"loanforge/crypto"
	nativecommon "loanforge/native/common"
	"loanforge/native/fixedpoint"
	"loanforge/native/loan"
	"loanforge/native/offers"
)

type mockAuctionState struct {
	auctions map[uint64]*Auction
}

func newMockAuctionState() *mockAuctionState {
	return &mockAuctionState{auctions: make(map[uint64]*Auction)}
}

func (m *mockAuctionState) AuctionGet(loanID uint64) (*Auction, bool, error) {
	sale, ok := m.auctions[loanID]
	if !ok {
		return nil, false, nil
	}
	return sale.Clone(), true, nil
}

func (m *mockAuctionState) AuctionPut(sale *Auction) error {
	m.auctions[sale.LoanID] = sale.Clone()
	return nil
}

func (m *mockAuctionState) AuctionDelete(loanID uint64) error {
	delete(m.auctions, loanID)
	return nil
}

type collateralKey struct {
	holder [20]byte
	asset  [20]byte
	token  string
}

type claimKey struct {
	kind loan.ClaimKind
	loan uint64
}

type mockLoanState struct {
	nextID     uint64
	loans      map[uint64]*loan.Loan
	accounts   map[[20]byte]*types.Account
	collateral map[collateralKey]*big.Int
	claims     map[claimKey][20]byte
}

func newMockLoanState() *mockLoanState {
	return &mockLoanState{
		loans:      make(map[uint64]*loan.Loan),
		accounts:   make(map[[20]byte]*types.Account),
		collateral: make(map[collateralKey]*big.Int),
		claims:     make(map[claimKey][20]byte),
	}
}

func (m *mockLoanState) NextLoanID() (uint64, error) {
	return m.nextID + 1, nil
}

func (m *mockLoanState) LoanGet(id uint64) (*loan.Loan, bool, error) {
	record, ok := m.loans[id]
	if !ok {
		return nil, false, nil
	}
	return record.Clone(), true, nil
}

func (m *mockLoanState) LoanPut(l *loan.Loan) error {
	m.loans[l.ID] = l.Clone()
	if l.ID > m.nextID {
		m.nextID = l.ID
	}
	return nil
}

func (m *mockLoanState) GetAccount(addr [20]byte) (*types.Account, error) {
	if acc, ok := m.accounts[addr]; ok {
		return acc.Clone(), nil
	}
	return types.NewAccount(), nil
}

func (m *mockLoanState) PutAccount(addr [20]byte, acc *types.Account) error {
	m.accounts[addr] = acc.Clone()
	return nil
}

func (m *mockLoanState) CollateralBalance(holder [20]byte, asset [20]byte, tokenID *big.Int) (*big.Int, error) {
	key := collateralKey{holder: holder, asset: asset, token: tokenKey(tokenID)}
	if held, ok := m.collateral[key]; ok {
		return new(big.Int).Set(held), nil
	}
	return big.NewInt(0), nil
}

func (m *mockLoanState) SetCollateralBalance(holder [20]byte, asset [20]byte, tokenID *big.Int, amount *big.Int) error {
	m.collateral[collateralKey{holder: holder, asset: asset, token: tokenKey(tokenID)}] = new(big.Int).Set(amount)
	return nil
}

func (m *mockLoanState) ClaimHolder(kind loan.ClaimKind, loanID uint64) ([20]byte, bool, error) {
	holder, ok := m.claims[claimKey{kind: kind, loan: loanID}]
	return holder, ok, nil
}

func (m *mockLoanState) PutClaimHolder(kind loan.ClaimKind, loanID uint64, holder [20]byte) error {
	m.claims[claimKey{kind: kind, loan: loanID}] = holder
	return nil
}

func (m *mockLoanState) DeleteClaim(kind loan.ClaimKind, loanID uint64) error {
	delete(m.claims, claimKey{kind: kind, loan: loanID})
	return nil
}

func tokenKey(id *big.Int) string {
	if id == nil {
		return ""
	}
	return id.String()
}

func (m *mockLoanState) fund(addr [20]byte, currency string, amount int64) {
	acc, ok := m.accounts[addr]
	if !ok {
		acc = types.NewAccount()
		m.accounts[addr] = acc
	}
	acc.SetBalance(currency, big.NewInt(amount))
}

type stubWhitelist struct{ terms loan.CollateralTerms }

func (s stubWhitelist) IsAllowed([20]byte) (loan.CollateralTerms, bool) { return s.terms, true }

type stubNonces struct{}

func (stubNonces) Consume([20]byte, uint64, uint64) error { return nil }

func (stubNonces) Restore([20]byte, uint64) error { return nil }

type stubOracle struct{ price *big.Int }

func (s stubOracle) Price([20]byte) (*big.Int, error) { return new(big.Int).Set(s.price), nil }

type stubRoles struct{ liquidators map[[20]byte]bool }

func (s stubRoles) HasRole(account [20]byte, role string) bool {
	return role == nativecommon.RoleLiquidator && s.liquidators[account]
}

const day = int64(86_400)

type fixture struct {
	engine     *Engine
	loans      *loan.Engine
	loanState  *mockLoanState
	clock      *int64
	loanID     uint64
	liquidator [20]byte
	lender     [20]byte
	borrower   [20]byte
	asset      [20]byte
}

// newFixture originates a 1,000,000 loan accruing one unit per second with a
// 10-day term and 10-day overdue window, then advances past liquidation.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	var vault, treasury, borrower, asset, liquidator [20]byte
	vault[0] = 0xF1
	treasury[0] = 0xF2
	borrower[0] = 0xB0
	asset[0] = 0xA5
	liquidator[0] = 0xD0

	domain := offers.Domain{Name: offers.OfferDomainV1, Version: "1", ChainID: 1337}
	loans := loan.NewEngine(domain, vault, treasury)
	state := newMockLoanState()
	loans.SetState(state)
	loans.SetWhitelist(stubWhitelist{terms: loan.CollateralTerms{
		MinDuration:     uint64(day),
		MaxDuration:     365 * uint64(day),
		OverdueDuration: 10 * uint64(day),
	}})
	loans.SetNonceBook(stubNonces{})
	now := int64(1_700_000_000)
	loans.SetNowFunc(func() int64 { return now })

	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	lender := key.PubKey().Address().Raw()
	state.fund(lender, "USDQ", 5_000_000)
	state.SetCollateralBalance(borrower, asset, big.NewInt(7), big.NewInt(1))

	rate := new(big.Int).Quo(fixedpoint.Ray, big.NewInt(1_000_000))
	offer := &offers.Offer{
		Type:          offers.OfferTypeLend,
		Signer:        lender,
		Nonce:         1,
		NonceMaxUses:  1,
		Deadline:      now + day,
		Collateral:    offers.CollateralSelector{Kind: offers.StrategyExactID, Asset: asset, TokenID: big.NewInt(7)},
		AmountMin:     big.NewInt(1),
		AmountMax:     big.NewInt(10_000_000),
		DurationMin:   uint64(day),
		DurationMax:   30 * uint64(day),
		RatePerSecond: rate,
		Currency:      "USDQ",
	}
	sig, err := offers.SignOffer(domain, offer, key)
	if err != nil {
		t.Fatalf("sign offer: %v", err)
	}
	id, err := loans.Open(offer, sig, borrower, big.NewInt(1_000_000), 10*uint64(day), offers.Candidate{Asset: asset, TokenID: big.NewInt(7)}, big.NewInt(1))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	now += 21 * day // past duration + overdue window

	engine := NewEngine(loans)
	engine.SetState(newMockAuctionState())
	engine.SetOracle(stubOracle{price: big.NewInt(5_000_000)})
	engine.SetRoles(stubRoles{liquidators: map[[20]byte]bool{liquidator: true}})
	engine.SetNowFunc(func() int64 { return now })

	return &fixture{
		engine:     engine,
		loans:      loans,
		loanState:  state,
		clock:      &now,
		loanID:     id,
		liquidator: liquidator,
		lender:     lender,
		borrower:   borrower,
		asset:      asset,
	}
}

func TestPriceAtDecaysLinearly(t *testing.T) {
	sale := &Auction{
		LoanID:     1,
		StartPrice: big.NewInt(6_000_000),
		FloorPrice: big.NewInt(2_500_000),
		StartTime:  1_000,
		Duration:   86_400,
	}
	if got := sale.PriceAt(500); got.Cmp(big.NewInt(6_000_000)) != 0 {
		t.Fatalf("price before start = %s", got)
	}
	if got := sale.PriceAt(1_000 + 43_200); got.Cmp(big.NewInt(4_250_000)) != 0 {
		t.Fatalf("midpoint price = %s, want 4250000", got)
	}
	if got := sale.PriceAt(1_000 + 86_400); got.Cmp(big.NewInt(2_500_000)) != 0 {
		t.Fatalf("price at end = %s, want floor", got)
	}
	if got := sale.PriceAt(1_000 + 10*86_400); got.Cmp(big.NewInt(2_500_000)) != 0 {
		t.Fatalf("price after end = %s, want floor", got)
	}
}

func TestStartRequiresRoleAndStatus(t *testing.T) {
	f := newFixture(t)

	var stranger [20]byte
	stranger[0] = 0x99
	if err := f.engine.Start(f.loanID, stranger); !errors.Is(err, nativecommon.ErrMissingRole) {
		t.Fatalf("expected ErrMissingRole, got %v", err)
	}

	*f.clock -= 21 * day // loan back in its borrowing window
	if err := f.engine.Start(f.loanID, f.liquidator); !errors.Is(err, loan.ErrNotLiquidatable) {
		t.Fatalf("expected ErrNotLiquidatable, got %v", err)
	}
	*f.clock += 21 * day
	if err := f.engine.Start(f.loanID, f.liquidator); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.engine.Start(f.loanID, f.liquidator); !errors.Is(err, ErrAuctionExists) {
		t.Fatalf("expected ErrAuctionExists, got %v", err)
	}
}

func TestStartAnchorsPricesToOracle(t *testing.T) {
	f := newFixture(t)
	if err := f.engine.Start(f.loanID, f.liquidator); err != nil {
		t.Fatalf("start: %v", err)
	}
	price, err := f.engine.Price(f.loanID, *f.clock)
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	// 120% of the 5,000,000 oracle value.
	if price.Cmp(big.NewInt(6_000_000)) != 0 {
		t.Fatalf("start price = %s, want 6000000", price)
	}
}

func TestBuyClearsLoanAndTransfersCollateral(t *testing.T) {
	f := newFixture(t)
	if err := f.engine.Start(f.loanID, f.liquidator); err != nil {
		t.Fatalf("start: %v", err)
	}
	var buyer [20]byte
	buyer[0] = 0xCA
	f.loanState.fund(buyer, "USDQ", 10_000_000)

	*f.clock += 43_200 // half the decay window
	paid, err := f.engine.Buy(f.loanID, buyer)
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	held, _ := f.loanState.CollateralBalance(buyer, f.asset, big.NewInt(7))
	if held.Cmp(big.NewInt(1)) != 0 {
		t.Fatalf("buyer collateral = %s, want 1", held)
	}
	status, _ := f.loans.Status(f.loanID, *f.clock)
	if status != loan.StatusEnd {
		t.Fatalf("status = %v, want end", status)
	}
	if paid.Sign() <= 0 {
		t.Fatalf("paid %s", paid)
	}
	if _, err := f.engine.Price(f.loanID, *f.clock); !errors.Is(err, ErrAuctionNotFound) {
		t.Fatalf("auction not removed: %v", err)
	}
}

func TestBuyRejectedOncePriceDecaysBelowDebt(t *testing.T) {
	f := newFixture(t)
	if err := f.engine.Start(f.loanID, f.liquidator); err != nil {
		t.Fatalf("start: %v", err)
	}
	var buyer [20]byte
	buyer[0] = 0xCA
	f.loanState.fund(buyer, "USDQ", 10_000_000)

	*f.clock += int64(86_400) // fully decayed to the 2,500,000 floor
	outstanding, err := f.loans.Outstanding(f.loanID, *f.clock)
	if err != nil {
		t.Fatalf("outstanding: %v", err)
	}
	if outstanding.Cmp(big.NewInt(2_500_000)) <= 0 {
		t.Fatalf("fixture drift: outstanding %s should exceed floor", outstanding)
	}
	if _, err := f.engine.Buy(f.loanID, buyer); !errors.Is(err, ErrPriceBelowDebt) {
		t.Fatalf("expected ErrPriceBelowDebt, got %v", err)
	}
	// The position is still open for foreclosure by the lender.
	if err := f.loans.Foreclose(f.loanID, f.lender); err != nil {
		t.Fatalf("foreclose: %v", err)
	}
}

func TestCancelRemovesAuction(t *testing.T) {
	f := newFixture(t)
	if err := f.engine.Start(f.loanID, f.liquidator); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.engine.Cancel(f.loanID, f.liquidator); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := f.engine.Cancel(f.loanID, f.liquidator); !errors.Is(err, ErrAuctionNotFound) {
		t.Fatalf("expected ErrAuctionNotFound, got %v", err)
	}
}
