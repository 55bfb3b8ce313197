package storage

import (
	"encoding/binary"
	"errors"
	"log/slog"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"

	"loanforge/core/types"
	"loanforge/native/auction"
	"loanforge/native/loan"
	"loanforge/native/reserve"
)

// State is the typed persistence facade the engines consume. Records are RLP
// encoded over any Database backend. Writes made between Snapshot and
// RevertToSnapshot/DiscardSnapshot are journaled so a multi-step flow can be
// undone wholesale when a later step fails; the refinance engine relies on
// this. The journal cannot tell session writes apart from foreign ones, so a
// session must be the only writer while it is open — refinance serializes its
// sessions for exactly that reason. Outside a session nothing is journaled.
type State struct {
	mu       sync.Mutex
	db       Database
	journal  []undo
	sessions int
}

type undo struct {
	key     []byte
	prev    []byte
	existed bool
}

// NewState wraps a database in the typed state facade.
func NewState(db Database) *State {
	return &State{db: db}
}

func (s *State) get(key []byte) ([]byte, bool, error) {
	value, err := s.db.Get(key)
	if errors.Is(err, ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (s *State) record(key []byte) error {
	if s.sessions == 0 {
		return nil
	}
	prev, existed, err := s.get(key)
	if err != nil {
		return err
	}
	s.journal = append(s.journal, undo{key: append([]byte(nil), key...), prev: prev, existed: existed})
	return nil
}

func (s *State) put(key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(key); err != nil {
		return err
	}
	return s.db.Put(key, value)
}

func (s *State) delete(key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(key); err != nil {
		return err
	}
	return s.db.Delete(key)
}

// Snapshot opens a journaled session and marks the position a later revert
// rewinds to. Sessions nest; journaling stays on until every open session is
// reverted or discarded.
func (s *State) Snapshot() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions++
	return len(s.journal)
}

// RevertToSnapshot undoes every write made since the snapshot, newest first,
// and closes the session.
func (s *State) RevertToSnapshot(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id < 0 || id > len(s.journal) {
		return
	}
	for i := len(s.journal) - 1; i >= id; i-- {
		entry := s.journal[i]
		var err error
		if entry.existed {
			err = s.db.Put(entry.key, entry.prev)
		} else {
			err = s.db.Delete(entry.key)
		}
		if err != nil {
			slog.Default().Error("storage revert failed",
				slog.String("component", "storage"),
				slog.String("error", err.Error()))
		}
	}
	s.journal = s.journal[:id]
	s.closeSession()
}

// DiscardSnapshot commits the session's writes: the journal entries are kept
// for any enclosing session and dropped entirely once the outermost session
// closes.
func (s *State) DiscardSnapshot(int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeSession()
}

func (s *State) closeSession() {
	if s.sessions > 0 {
		s.sessions--
	}
	if s.sessions == 0 {
		s.journal = nil
	}
}

// --- accounts ---

type storedBalance struct {
	Currency string
	Amount   *big.Int
}

type storedAccount struct {
	Nonce    uint64
	Balances []storedBalance
}

func (s *State) GetAccount(addr [20]byte) (*types.Account, error) {
	raw, ok, err := s.get(accountKey(addr))
	if err != nil {
		return nil, err
	}
	if !ok {
		return types.NewAccount(), nil
	}
	var stored storedAccount
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return nil, err
	}
	account := types.NewAccount()
	account.Nonce = stored.Nonce
	for _, balance := range stored.Balances {
		account.SetBalance(balance.Currency, balance.Amount)
	}
	return account, nil
}

func (s *State) PutAccount(addr [20]byte, account *types.Account) error {
	if account == nil {
		return s.delete(accountKey(addr))
	}
	stored := storedAccount{Nonce: account.Nonce}
	currencies := make([]string, 0, len(account.Balances))
	for currency := range account.Balances {
		currencies = append(currencies, currency)
	}
	sort.Strings(currencies)
	for _, currency := range currencies {
		amount := account.Balances[currency]
		if amount == nil || amount.Sign() == 0 {
			continue
		}
		stored.Balances = append(stored.Balances, storedBalance{Currency: currency, Amount: amount})
	}
	raw, err := rlp.EncodeToBytes(&stored)
	if err != nil {
		return err
	}
	return s.put(accountKey(addr), raw)
}

// --- loans ---

type storedLoan struct {
	ID                 uint64
	Borrower           [20]byte
	Lender             [20]byte
	CollateralAsset    [20]byte
	CollateralToken    *big.Int
	CollateralQty      *big.Int
	Currency           string
	Principal          *big.Int
	RatePerSecond      *big.Int
	BorrowBegin        uint64
	BorrowDuration     uint64
	ExtendableDuration uint64
	OverdueDuration    uint64
	PoolSourced        bool
	ReserveID          string
	Closed             bool
}

// NextLoanID peeks at the id the next loan will take without consuming it.
// LoanPut advances the persisted sequence, so a rejected origination leaves
// the counter untouched.
func (s *State) NextLoanID() (uint64, error) {
	raw, ok, err := s.get([]byte(prefixLoanSeq))
	if err != nil {
		return 0, err
	}
	if ok && len(raw) == 8 {
		return binary.BigEndian.Uint64(raw) + 1, nil
	}
	return 1, nil
}

func (s *State) advanceLoanSeq(id uint64) error {
	raw, ok, err := s.get([]byte(prefixLoanSeq))
	if err != nil {
		return err
	}
	if ok && len(raw) == 8 && binary.BigEndian.Uint64(raw) >= id {
		return nil
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], id)
	return s.put([]byte(prefixLoanSeq), buf[:])
}

func (s *State) LoanGet(id uint64) (*loan.Loan, bool, error) {
	raw, ok, err := s.get(loanKey(id))
	if err != nil || !ok {
		return nil, false, err
	}
	var stored storedLoan
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return nil, false, err
	}
	record := &loan.Loan{
		ID:       stored.ID,
		Borrower: stored.Borrower,
		Lender:   stored.Lender,
		Collateral: loan.Collateral{
			Asset:    stored.CollateralAsset,
			TokenID:  stored.CollateralToken,
			Quantity: stored.CollateralQty,
		},
		Currency:           stored.Currency,
		Principal:          stored.Principal,
		RatePerSecond:      stored.RatePerSecond,
		BorrowBegin:        int64(stored.BorrowBegin),
		BorrowDuration:     stored.BorrowDuration,
		ExtendableDuration: stored.ExtendableDuration,
		OverdueDuration:    stored.OverdueDuration,
		PoolSourced:        stored.PoolSourced,
		ReserveID:          stored.ReserveID,
		Closed:             stored.Closed,
	}
	return record, true, nil
}

func (s *State) LoanPut(record *loan.Loan) error {
	if record == nil {
		return nil
	}
	stored := storedLoan{
		ID:                 record.ID,
		Borrower:           record.Borrower,
		Lender:             record.Lender,
		CollateralAsset:    record.Collateral.Asset,
		CollateralToken:    orZero(record.Collateral.TokenID),
		CollateralQty:      orZero(record.Collateral.Quantity),
		Currency:           record.Currency,
		Principal:          orZero(record.Principal),
		RatePerSecond:      orZero(record.RatePerSecond),
		BorrowBegin:        uint64(record.BorrowBegin),
		BorrowDuration:     record.BorrowDuration,
		ExtendableDuration: record.ExtendableDuration,
		OverdueDuration:    record.OverdueDuration,
		PoolSourced:        record.PoolSourced,
		ReserveID:          record.ReserveID,
		Closed:             record.Closed,
	}
	raw, err := rlp.EncodeToBytes(&stored)
	if err != nil {
		return err
	}
	if err := s.put(loanKey(record.ID), raw); err != nil {
		return err
	}
	return s.advanceLoanSeq(record.ID)
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}

// --- collateral custody ---

func (s *State) CollateralBalance(holder [20]byte, asset [20]byte, tokenID *big.Int) (*big.Int, error) {
	raw, ok, err := s.get(collateralKey(holder, asset, tokenID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return new(big.Int).SetBytes(raw), nil
}

func (s *State) SetCollateralBalance(holder [20]byte, asset [20]byte, tokenID *big.Int, amount *big.Int) error {
	key := collateralKey(holder, asset, tokenID)
	if amount == nil || amount.Sign() == 0 {
		return s.delete(key)
	}
	return s.put(key, amount.Bytes())
}

// --- claims ---

func (s *State) ClaimHolder(kind loan.ClaimKind, loanID uint64) ([20]byte, bool, error) {
	raw, ok, err := s.get(claimKey(uint8(kind), loanID))
	if err != nil || !ok {
		return [20]byte{}, false, err
	}
	var holder [20]byte
	copy(holder[:], raw)
	return holder, true, nil
}

func (s *State) PutClaimHolder(kind loan.ClaimKind, loanID uint64, holder [20]byte) error {
	return s.put(claimKey(uint8(kind), loanID), holder[:])
}

func (s *State) DeleteClaim(kind loan.ClaimKind, loanID uint64) error {
	return s.delete(claimKey(uint8(kind), loanID))
}

// --- offer nonces ---

func (s *State) NonceUses(signer [20]byte, nonce uint64) (uint64, bool, error) {
	raw, ok, err := s.get(nonceUseKey(signer, nonce))
	if err != nil || !ok {
		return 0, false, err
	}
	if len(raw) != 8 {
		return 0, false, errors.New("storage: malformed nonce record")
	}
	return binary.BigEndian.Uint64(raw), true, nil
}

func (s *State) PutNonceUses(signer [20]byte, nonce uint64, remaining uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], remaining)
	return s.put(nonceUseKey(signer, nonce), buf[:])
}

func (s *State) NonceWatermark(signer [20]byte) (uint64, error) {
	raw, ok, err := s.get(nonceMarkKey(signer))
	if err != nil || !ok {
		return 0, err
	}
	if len(raw) != 8 {
		return 0, errors.New("storage: malformed watermark record")
	}
	return binary.BigEndian.Uint64(raw), nil
}

func (s *State) PutNonceWatermark(signer [20]byte, watermark uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], watermark)
	return s.put(nonceMarkKey(signer), buf[:])
}

// --- reserves ---

type storedReserve struct {
	ID                   string
	Currency             string
	Vault                [20]byte
	TotalLiquidity       *big.Int
	TotalBorrowed        *big.Int
	SupplyIndex          *big.Int
	BorrowIndex          *big.Int
	LastAccrual          uint64
	ReserveFactorBps     uint64
	MoneyMarket          uint8
	MoneyMarketPrincipal *big.Int
}

func (s *State) ReserveGet(id string) (*reserve.Reserve, bool, error) {
	raw, ok, err := s.get(reserveKey(id))
	if err != nil || !ok {
		return nil, false, err
	}
	var stored storedReserve
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return nil, false, err
	}
	record := &reserve.Reserve{
		ID:                   stored.ID,
		Currency:             stored.Currency,
		Vault:                stored.Vault,
		TotalLiquidity:       stored.TotalLiquidity,
		TotalBorrowed:        stored.TotalBorrowed,
		SupplyIndex:          stored.SupplyIndex,
		BorrowIndex:          stored.BorrowIndex,
		LastAccrual:          int64(stored.LastAccrual),
		ReserveFactorBps:     stored.ReserveFactorBps,
		MoneyMarket:          reserve.MoneyMarketState(stored.MoneyMarket),
		MoneyMarketPrincipal: stored.MoneyMarketPrincipal,
	}
	return record, true, nil
}

func (s *State) ReservePut(record *reserve.Reserve) error {
	if record == nil {
		return nil
	}
	stored := storedReserve{
		ID:                   record.ID,
		Currency:             record.Currency,
		Vault:                record.Vault,
		TotalLiquidity:       orZero(record.TotalLiquidity),
		TotalBorrowed:        orZero(record.TotalBorrowed),
		SupplyIndex:          orZero(record.SupplyIndex),
		BorrowIndex:          orZero(record.BorrowIndex),
		LastAccrual:          uint64(record.LastAccrual),
		ReserveFactorBps:     record.ReserveFactorBps,
		MoneyMarket:          uint8(record.MoneyMarket),
		MoneyMarketPrincipal: orZero(record.MoneyMarketPrincipal),
	}
	raw, err := rlp.EncodeToBytes(&stored)
	if err != nil {
		return err
	}
	return s.put(reserveKey(record.ID), raw)
}

func (s *State) DepositShares(reserveID string, addr [20]byte) (*big.Int, error) {
	raw, ok, err := s.get(depositKey(reserveID, addr))
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return new(big.Int).SetBytes(raw), nil
}

func (s *State) PutDepositShares(reserveID string, addr [20]byte, shares *big.Int) error {
	key := depositKey(reserveID, addr)
	if shares == nil || shares.Sign() == 0 {
		return s.delete(key)
	}
	return s.put(key, shares.Bytes())
}

type storedDebtPosition struct {
	Principal *big.Int
	Scaled    *big.Int
}

func (s *State) LoanPosition(reserveID string, loanID uint64) (*reserve.DebtPosition, bool, error) {
	raw, ok, err := s.get(debtKey(reserveID, loanID))
	if err != nil || !ok {
		return nil, false, err
	}
	var stored storedDebtPosition
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return nil, false, err
	}
	return &reserve.DebtPosition{Principal: stored.Principal, Scaled: stored.Scaled}, true, nil
}

func (s *State) PutLoanPosition(reserveID string, loanID uint64, pos *reserve.DebtPosition) error {
	if pos == nil {
		return s.delete(debtKey(reserveID, loanID))
	}
	raw, err := rlp.EncodeToBytes(&storedDebtPosition{
		Principal: orZero(pos.Principal),
		Scaled:    orZero(pos.Scaled),
	})
	if err != nil {
		return err
	}
	return s.put(debtKey(reserveID, loanID), raw)
}

func (s *State) DeleteLoanPosition(reserveID string, loanID uint64) error {
	return s.delete(debtKey(reserveID, loanID))
}

func (s *State) FeesAccrued(reserveID string) (*big.Int, error) {
	raw, ok, err := s.get(feesKey(reserveID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return new(big.Int).SetBytes(raw), nil
}

func (s *State) PutFeesAccrued(reserveID string, amount *big.Int) error {
	if amount == nil {
		amount = big.NewInt(0)
	}
	return s.put(feesKey(reserveID), amount.Bytes())
}

// --- auctions ---

type storedAuction struct {
	LoanID     uint64
	StartPrice *big.Int
	FloorPrice *big.Int
	StartTime  uint64
	Duration   uint64
}

func (s *State) AuctionGet(loanID uint64) (*auction.Auction, bool, error) {
	raw, ok, err := s.get(auctionKey(loanID))
	if err != nil || !ok {
		return nil, false, err
	}
	var stored storedAuction
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return nil, false, err
	}
	record := &auction.Auction{
		LoanID:     stored.LoanID,
		StartPrice: stored.StartPrice,
		FloorPrice: stored.FloorPrice,
		StartTime:  int64(stored.StartTime),
		Duration:   stored.Duration,
	}
	return record, true, nil
}

func (s *State) AuctionPut(record *auction.Auction) error {
	if record == nil {
		return nil
	}
	stored := storedAuction{
		LoanID:     record.LoanID,
		StartPrice: orZero(record.StartPrice),
		FloorPrice: orZero(record.FloorPrice),
		StartTime:  uint64(record.StartTime),
		Duration:   record.Duration,
	}
	raw, err := rlp.EncodeToBytes(&stored)
	if err != nil {
		return err
	}
	return s.put(auctionKey(record.LoanID), raw)
}

func (s *State) AuctionDelete(loanID uint64) error {
	return s.delete(auctionKey(loanID))
}
