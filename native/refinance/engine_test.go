package refinance

import (
	"errors"
	"math/big"
	"testing"

	"loanforge/core/types"
	"loanforge/crypto"
	"loanforge/native/fixedpoint"
	"loanforge/native/loan"
	"loanforge/native/offers"
)

type collateralKey struct {
	holder [20]byte
	asset  [20]byte
	token  string
}

type claimKey struct {
	kind loan.ClaimKind
	loan uint64
}

type snapshot struct {
	id         int
	nextID     uint64
	loans      map[uint64]*loan.Loan
	accounts   map[[20]byte]*types.Account
	collateral map[collateralKey]*big.Int
	claims     map[claimKey][20]byte
}

// snapState is a loan ledger state with whole-state snapshots, mirroring what
// the transactional storage layer provides in production.
type snapState struct {
	nextID     uint64
	loans      map[uint64]*loan.Loan
	accounts   map[[20]byte]*types.Account
	collateral map[collateralKey]*big.Int
	claims     map[claimKey][20]byte
	snapshots  []*snapshot
	nextSnap   int
}

func newSnapState() *snapState {
	return &snapState{
		loans:      make(map[uint64]*loan.Loan),
		accounts:   make(map[[20]byte]*types.Account),
		collateral: make(map[collateralKey]*big.Int),
		claims:     make(map[claimKey][20]byte),
	}
}

func (s *snapState) Snapshot() int {
	copyLoans := make(map[uint64]*loan.Loan, len(s.loans))
	for k, v := range s.loans {
		copyLoans[k] = v.Clone()
	}
	copyAccounts := make(map[[20]byte]*types.Account, len(s.accounts))
	for k, v := range s.accounts {
		copyAccounts[k] = v.Clone()
	}
	copyCollateral := make(map[collateralKey]*big.Int, len(s.collateral))
	for k, v := range s.collateral {
		copyCollateral[k] = new(big.Int).Set(v)
	}
	copyClaims := make(map[claimKey][20]byte, len(s.claims))
	for k, v := range s.claims {
		copyClaims[k] = v
	}
	id := s.nextSnap
	s.nextSnap++
	s.snapshots = append(s.snapshots, &snapshot{
		id:         id,
		nextID:     s.nextID,
		loans:      copyLoans,
		accounts:   copyAccounts,
		collateral: copyCollateral,
		claims:     copyClaims,
	})
	return id
}

func (s *snapState) RevertToSnapshot(id int) {
	for i := len(s.snapshots) - 1; i >= 0; i-- {
		if s.snapshots[i].id == id {
			snap := s.snapshots[i]
			s.nextID = snap.nextID
			s.loans = snap.loans
			s.accounts = snap.accounts
			s.collateral = snap.collateral
			s.claims = snap.claims
			s.snapshots = s.snapshots[:i]
			return
		}
	}
}

func (s *snapState) DiscardSnapshot(id int) {
	for i := len(s.snapshots) - 1; i >= 0; i-- {
		if s.snapshots[i].id == id {
			s.snapshots = append(s.snapshots[:i], s.snapshots[i+1:]...)
			return
		}
	}
}

func (s *snapState) NextLoanID() (uint64, error) {
	return s.nextID + 1, nil
}

func (s *snapState) LoanGet(id uint64) (*loan.Loan, bool, error) {
	record, ok := s.loans[id]
	if !ok {
		return nil, false, nil
	}
	return record.Clone(), true, nil
}

func (s *snapState) LoanPut(l *loan.Loan) error {
	s.loans[l.ID] = l.Clone()
	if l.ID > s.nextID {
		s.nextID = l.ID
	}
	return nil
}

func (s *snapState) GetAccount(addr [20]byte) (*types.Account, error) {
	if acc, ok := s.accounts[addr]; ok {
		return acc.Clone(), nil
	}
	return types.NewAccount(), nil
}

func (s *snapState) PutAccount(addr [20]byte, acc *types.Account) error {
	s.accounts[addr] = acc.Clone()
	return nil
}

func (s *snapState) CollateralBalance(holder [20]byte, asset [20]byte, tokenID *big.Int) (*big.Int, error) {
	if held, ok := s.collateral[collateralKey{holder, asset, tokenKey(tokenID)}]; ok {
		return new(big.Int).Set(held), nil
	}
	return big.NewInt(0), nil
}

func (s *snapState) SetCollateralBalance(holder [20]byte, asset [20]byte, tokenID *big.Int, amount *big.Int) error {
	s.collateral[collateralKey{holder, asset, tokenKey(tokenID)}] = new(big.Int).Set(amount)
	return nil
}

func (s *snapState) ClaimHolder(kind loan.ClaimKind, loanID uint64) ([20]byte, bool, error) {
	holder, ok := s.claims[claimKey{kind, loanID}]
	return holder, ok, nil
}

func (s *snapState) PutClaimHolder(kind loan.ClaimKind, loanID uint64, holder [20]byte) error {
	s.claims[claimKey{kind, loanID}] = holder
	return nil
}

func (s *snapState) DeleteClaim(kind loan.ClaimKind, loanID uint64) error {
	delete(s.claims, claimKey{kind, loanID})
	return nil
}

func tokenKey(id *big.Int) string {
	if id == nil {
		return ""
	}
	return id.String()
}

func (s *snapState) fund(addr [20]byte, currency string, amount int64) {
	acc, ok := s.accounts[addr]
	if !ok {
		acc = types.NewAccount()
		s.accounts[addr] = acc
	}
	acc.SetBalance(currency, big.NewInt(amount))
}

func (s *snapState) balance(addr [20]byte, currency string) *big.Int {
	if acc, ok := s.accounts[addr]; ok {
		return acc.Balance(currency)
	}
	return big.NewInt(0)
}

type stubWhitelist struct{ terms loan.CollateralTerms }

func (s stubWhitelist) IsAllowed([20]byte) (loan.CollateralTerms, bool) { return s.terms, true }

type stubNonces struct{}

func (stubNonces) Consume([20]byte, uint64, uint64) error { return nil }

func (stubNonces) Restore([20]byte, uint64) error { return nil }

type flashState struct {
	amount *big.Int
	fee    *big.Int
}

// stubFlash fronts liquidity from a dedicated vault account in the shared
// state, charging a configurable fee.
type stubFlash struct {
	state     *snapState
	vault     [20]byte
	currency  string
	feeBps    uint64
	open      map[string]*flashState
	abandoned []string
	onBorrow  func()
}

func newStubFlash(state *snapState, vault [20]byte) *stubFlash {
	return &stubFlash{state: state, vault: vault, currency: "USDQ", open: make(map[string]*flashState)}
}

func (s *stubFlash) FlashBorrow(reserveID, sessionID string, to [20]byte, amount *big.Int, now int64) (*big.Int, error) {
	if s.onBorrow != nil {
		s.onBorrow()
	}
	if _, ok := s.open[sessionID]; ok {
		return nil, errors.New("stub flash: session outstanding")
	}
	vaultAcc, _ := s.state.GetAccount(s.vault)
	if vaultAcc.Balance(s.currency).Cmp(amount) < 0 {
		return nil, errors.New("stub flash: insufficient liquidity")
	}
	toAcc, _ := s.state.GetAccount(to)
	vaultAcc.SetBalance(s.currency, new(big.Int).Sub(vaultAcc.Balance(s.currency), amount))
	toAcc.SetBalance(s.currency, new(big.Int).Add(toAcc.Balance(s.currency), amount))
	s.state.PutAccount(s.vault, vaultAcc)
	s.state.PutAccount(to, toAcc)
	fee := new(big.Int).Mul(amount, new(big.Int).SetUint64(s.feeBps))
	fee.Quo(fee, big.NewInt(10_000))
	s.open[sessionID] = &flashState{amount: new(big.Int).Set(amount), fee: fee}
	return new(big.Int).Add(amount, fee), nil
}

func (s *stubFlash) FlashRepay(sessionID string, from [20]byte, now int64) error {
	outstanding, ok := s.open[sessionID]
	if !ok {
		return errors.New("stub flash: unknown session")
	}
	total := new(big.Int).Add(outstanding.amount, outstanding.fee)
	fromAcc, _ := s.state.GetAccount(from)
	if fromAcc.Balance(s.currency).Cmp(total) < 0 {
		return errors.New("stub flash: insufficient repayment")
	}
	vaultAcc, _ := s.state.GetAccount(s.vault)
	fromAcc.SetBalance(s.currency, new(big.Int).Sub(fromAcc.Balance(s.currency), total))
	vaultAcc.SetBalance(s.currency, new(big.Int).Add(vaultAcc.Balance(s.currency), total))
	s.state.PutAccount(from, fromAcc)
	s.state.PutAccount(s.vault, vaultAcc)
	delete(s.open, sessionID)
	return nil
}

func (s *stubFlash) AbandonFlash(sessionID string) {
	s.abandoned = append(s.abandoned, sessionID)
	delete(s.open, sessionID)
}

const day = int64(86_400)

type fixture struct {
	engine     *Engine
	loans      *loan.Engine
	state      *snapState
	flash      *stubFlash
	clock      *int64
	loanID     uint64
	borrower   [20]byte
	asset      [20]byte
	domain     offers.Domain
	newKey     *crypto.PrivateKey
	newLender  [20]byte
	flashVault [20]byte
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	var vault, treasury, borrower, asset, flashVault [20]byte
	vault[0] = 0xF1
	treasury[0] = 0xF2
	borrower[0] = 0xB0
	asset[0] = 0xA5
	flashVault[0] = 0x70

	domain := offers.Domain{Name: offers.OfferDomainV1, Version: "1", ChainID: 1337}
	loans := loan.NewEngine(domain, vault, treasury)
	state := newSnapState()
	loans.SetState(state)
	loans.SetWhitelist(stubWhitelist{terms: loan.CollateralTerms{
		MinDuration:     uint64(day),
		MaxDuration:     365 * uint64(day),
		OverdueDuration: 10 * uint64(day),
	}})
	loans.SetNonceBook(stubNonces{})
	now := int64(1_700_000_000)
	loans.SetNowFunc(func() int64 { return now })

	oldKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	oldLender := oldKey.PubKey().Address().Raw()
	state.fund(oldLender, "USDQ", 5_000_000)
	state.fund(flashVault, "USDQ", 20_000_000)
	state.SetCollateralBalance(borrower, asset, big.NewInt(7), big.NewInt(1))

	offer := signedOffer(t, domain, oldKey, asset, 1, now+day)
	sig, err := offers.SignOffer(domain, offer, oldKey)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	id, err := loans.Open(offer, sig, borrower, big.NewInt(1_000_000), 10*uint64(day), offers.Candidate{Asset: asset, TokenID: big.NewInt(7)}, big.NewInt(1))
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	newKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	state.fund(newKey.PubKey().Address().Raw(), "USDQ", 5_000_000)

	flash := newStubFlash(state, flashVault)
	engine := NewEngine(loans, flash, state, "usdq-main")
	engine.SetNowFunc(func() int64 { return now })

	return &fixture{
		engine:     engine,
		loans:      loans,
		state:      state,
		flash:      flash,
		clock:      &now,
		loanID:     id,
		borrower:   borrower,
		asset:      asset,
		domain:     domain,
		newKey:     newKey,
		newLender:  newKey.PubKey().Address().Raw(),
		flashVault: flashVault,
	}
}

// signedOffer builds a lend offer at the one-unit-per-second test rate.
func signedOffer(t *testing.T, domain offers.Domain, key *crypto.PrivateKey, asset [20]byte, nonce uint64, deadline int64) *offers.Offer {
	t.Helper()
	rate := new(big.Int).Quo(fixedpoint.Ray, big.NewInt(1_000_000))
	return &offers.Offer{
		Type:          offers.OfferTypeLend,
		Signer:        key.PubKey().Address().Raw(),
		Nonce:         nonce,
		NonceMaxUses:  1,
		Deadline:      deadline,
		Collateral:    offers.CollateralSelector{Kind: offers.StrategyExactID, Asset: asset, TokenID: big.NewInt(7)},
		AmountMin:     big.NewInt(1),
		AmountMax:     big.NewInt(10_000_000),
		DurationMin:   uint64(day),
		DurationMax:   30 * uint64(day),
		RatePerSecond: rate,
		Currency:      "USDQ",
	}
}

func TestRefinanceCommitsWhenNewPrincipalCoversDebt(t *testing.T) {
	f := newFixture(t)
	*f.clock += 2 * day
	outstanding, _ := f.loans.Outstanding(f.loanID, *f.clock)

	newOffer := signedOffer(t, f.domain, f.newKey, f.asset, 9, *f.clock+day)
	sig, err := offers.SignOffer(f.domain, newOffer, f.newKey)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	newID, err := f.engine.Refinance(f.loanID, f.borrower, newOffer, sig, big.NewInt(1_200_000), 10*uint64(day), offers.Candidate{Asset: f.asset, TokenID: big.NewInt(7)}, big.NewInt(1))
	if err != nil {
		t.Fatalf("refinance: %v", err)
	}
	if newID == f.loanID {
		t.Fatalf("refinance reused loan id %d", newID)
	}

	oldStatus, _ := f.loans.Status(f.loanID, *f.clock)
	if oldStatus != loan.StatusEnd {
		t.Fatalf("old loan status = %v, want end", oldStatus)
	}
	newStatus, _ := f.loans.Status(newID, *f.clock)
	if newStatus != loan.StatusBorrowing {
		t.Fatalf("new loan status = %v, want borrowing", newStatus)
	}
	// Borrower pockets the principal difference.
	want := new(big.Int).Sub(big.NewInt(1_000_000+1_200_000), outstanding)
	if got := f.state.balance(f.borrower, "USDQ"); got.Cmp(want) != 0 {
		t.Fatalf("borrower = %s, want %s", got, want)
	}
	if len(f.flash.open) != 0 {
		t.Fatalf("flash session left open")
	}
	if len(f.flash.abandoned) != 0 {
		t.Fatalf("flash abandoned on success: %v", f.flash.abandoned)
	}
	// A committed session releases its snapshot instead of hoarding it.
	if len(f.state.snapshots) != 0 {
		t.Fatalf("snapshots retained after commit: %d", len(f.state.snapshots))
	}
}

func TestRefinanceRollsBackWhenFlashCannotSettle(t *testing.T) {
	f := newFixture(t)
	*f.clock += 2 * day
	borrowerBefore := new(big.Int).Set(f.state.balance(f.borrower, "USDQ"))
	vaultBefore := new(big.Int).Set(f.state.balance(f.flashVault, "USDQ"))

	// New principal far below the outstanding balance: the flash repayment
	// must fail and every mutation must unwind.
	newOffer := signedOffer(t, f.domain, f.newKey, f.asset, 9, *f.clock+day)
	sig, err := offers.SignOffer(f.domain, newOffer, f.newKey)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	_, err = f.engine.Refinance(f.loanID, f.borrower, newOffer, sig, big.NewInt(100_000), 10*uint64(day), offers.Candidate{Asset: f.asset, TokenID: big.NewInt(7)}, big.NewInt(1))
	if err == nil {
		t.Fatalf("expected refinance failure")
	}

	status, statusErr := f.loans.Status(f.loanID, *f.clock)
	if statusErr != nil {
		t.Fatalf("status: %v", statusErr)
	}
	if status != loan.StatusBorrowing {
		t.Fatalf("old loan status = %v, want borrowing after rollback", status)
	}
	if got := f.state.balance(f.borrower, "USDQ"); got.Cmp(borrowerBefore) != 0 {
		t.Fatalf("borrower balance drifted: %s -> %s", borrowerBefore, got)
	}
	if got := f.state.balance(f.flashVault, "USDQ"); got.Cmp(vaultBefore) != 0 {
		t.Fatalf("flash vault drifted: %s -> %s", vaultBefore, got)
	}
	if len(f.flash.abandoned) != 1 {
		t.Fatalf("abandon calls = %d, want 1", len(f.flash.abandoned))
	}
	held, _ := f.state.CollateralBalance(f.borrower, f.asset, big.NewInt(7))
	if held.Sign() != 0 {
		t.Fatalf("collateral left custody during rollback")
	}
}

func TestRefinanceReentrySameLoanRejected(t *testing.T) {
	f := newFixture(t)
	*f.clock += 2 * day

	var nestedErr error
	f.flash.onBorrow = func() {
		cb := f.flash.onBorrow
		f.flash.onBorrow = nil
		defer func() { f.flash.onBorrow = cb }()
		_, nestedErr = f.engine.Refinance(f.loanID, f.borrower, nil, nil, big.NewInt(1), uint64(day), offers.Candidate{}, big.NewInt(1))
	}

	newOffer := signedOffer(t, f.domain, f.newKey, f.asset, 9, *f.clock+day)
	sig, err := offers.SignOffer(f.domain, newOffer, f.newKey)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := f.engine.Refinance(f.loanID, f.borrower, newOffer, sig, big.NewInt(1_200_000), 10*uint64(day), offers.Candidate{Asset: f.asset, TokenID: big.NewInt(7)}, big.NewInt(1)); err != nil {
		t.Fatalf("outer refinance: %v", err)
	}
	if !errors.Is(nestedErr, ErrLoanBusy) {
		t.Fatalf("nested refinance: expected ErrLoanBusy, got %v", nestedErr)
	}
}

func TestRefinanceBusyReleasedAfterRollback(t *testing.T) {
	f := newFixture(t)
	*f.clock += 2 * day

	badOffer := signedOffer(t, f.domain, f.newKey, f.asset, 9, *f.clock+day)
	sig, err := offers.SignOffer(f.domain, badOffer, f.newKey)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := f.engine.Refinance(f.loanID, f.borrower, badOffer, sig, big.NewInt(100_000), 10*uint64(day), offers.Candidate{Asset: f.asset, TokenID: big.NewInt(7)}, big.NewInt(1)); err == nil {
		t.Fatalf("expected first refinance to fail")
	}

	goodOffer := signedOffer(t, f.domain, f.newKey, f.asset, 10, *f.clock+day)
	sig, err = offers.SignOffer(f.domain, goodOffer, f.newKey)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := f.engine.Refinance(f.loanID, f.borrower, goodOffer, sig, big.NewInt(1_200_000), 10*uint64(day), offers.Candidate{Asset: f.asset, TokenID: big.NewInt(7)}, big.NewInt(1)); err != nil {
		t.Fatalf("second refinance after rollback: %v", err)
	}
}
