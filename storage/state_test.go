package storage

import (
	"math/big"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"loanforge/core/types"
	"loanforge/native/auction"
	"loanforge/native/loan"
	"loanforge/native/reserve"
)

func backends(t *testing.T) map[string]Database {
	t.Helper()
	boltDB, err := NewBoltDB(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { boltDB.Close() })
	return map[string]Database{
		"mem":  NewMemDB(),
		"bolt": boltDB,
	}
}

func TestLoanRoundTrip(t *testing.T) {
	for name, db := range backends(t) {
		t.Run(name, func(t *testing.T) {
			state := NewState(db)
			var borrower, lender, asset [20]byte
			borrower[0] = 0xB0
			lender[0] = 0xA0
			asset[0] = 0xC0

			id, err := state.NextLoanID()
			require.NoError(t, err)
			require.Equal(t, uint64(1), id)
			// Peeking does not consume: only a persisted loan advances the
			// sequence.
			again, err := state.NextLoanID()
			require.NoError(t, err)
			require.Equal(t, uint64(1), again)

			record := &loan.Loan{
				ID:       id,
				Borrower: borrower,
				Lender:   lender,
				Collateral: loan.Collateral{
					Asset:    asset,
					TokenID:  big.NewInt(42),
					Quantity: big.NewInt(3),
				},
				Currency:           "USDQ",
				Principal:          big.NewInt(1_000_000),
				RatePerSecond:      big.NewInt(6_341_958_396),
				BorrowBegin:        1_700_000_000,
				BorrowDuration:     864_000,
				ExtendableDuration: 2_592_000,
				OverdueDuration:    864_000,
				PoolSourced:        true,
				ReserveID:          "usdq-main",
			}
			require.NoError(t, state.LoanPut(record))
			next, err := state.NextLoanID()
			require.NoError(t, err)
			require.Equal(t, uint64(2), next)

			loaded, ok, err := state.LoanGet(id)
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, record.Borrower, loaded.Borrower)
			require.Equal(t, record.Currency, loaded.Currency)
			require.Zero(t, record.Principal.Cmp(loaded.Principal))
			require.Zero(t, record.RatePerSecond.Cmp(loaded.RatePerSecond))
			require.Equal(t, record.BorrowBegin, loaded.BorrowBegin)
			require.Equal(t, record.PoolSourced, loaded.PoolSourced)
			require.Equal(t, record.ReserveID, loaded.ReserveID)
			require.Zero(t, loaded.Collateral.TokenID.Cmp(big.NewInt(42)))

			_, ok, err = state.LoanGet(99)
			require.NoError(t, err)
			require.False(t, ok)
		})
	}
}

func TestAccountBalancesSurviveRoundTrip(t *testing.T) {
	for name, db := range backends(t) {
		t.Run(name, func(t *testing.T) {
			state := NewState(db)
			var addr [20]byte
			addr[0] = 0x01

			account := types.NewAccount()
			account.Nonce = 7
			account.SetBalance("USDQ", big.NewInt(123_456))
			account.SetBalance("EURQ", big.NewInt(789))
			require.NoError(t, state.PutAccount(addr, account))

			loaded, err := state.GetAccount(addr)
			require.NoError(t, err)
			require.Equal(t, uint64(7), loaded.Nonce)
			require.Zero(t, loaded.Balance("USDQ").Cmp(big.NewInt(123_456)))
			require.Zero(t, loaded.Balance("EURQ").Cmp(big.NewInt(789)))

			var unknown [20]byte
			unknown[0] = 0xFF
			fresh, err := state.GetAccount(unknown)
			require.NoError(t, err)
			require.Zero(t, fresh.Balance("USDQ").Sign())
		})
	}
}

func TestClaimAndNonceRecords(t *testing.T) {
	for name, db := range backends(t) {
		t.Run(name, func(t *testing.T) {
			state := NewState(db)
			var holder, signer [20]byte
			holder[0] = 0x11
			signer[0] = 0x22

			require.NoError(t, state.PutClaimHolder(loan.ClaimBorrower, 5, holder))
			got, ok, err := state.ClaimHolder(loan.ClaimBorrower, 5)
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, holder, got)
			_, ok, err = state.ClaimHolder(loan.ClaimLender, 5)
			require.NoError(t, err)
			require.False(t, ok)
			require.NoError(t, state.DeleteClaim(loan.ClaimBorrower, 5))
			_, ok, _ = state.ClaimHolder(loan.ClaimBorrower, 5)
			require.False(t, ok)

			require.NoError(t, state.PutNonceUses(signer, 9, 2))
			remaining, seen, err := state.NonceUses(signer, 9)
			require.NoError(t, err)
			require.True(t, seen)
			require.Equal(t, uint64(2), remaining)
			_, seen, err = state.NonceUses(signer, 10)
			require.NoError(t, err)
			require.False(t, seen)

			watermark, err := state.NonceWatermark(signer)
			require.NoError(t, err)
			require.Zero(t, watermark)
			require.NoError(t, state.PutNonceWatermark(signer, 15))
			watermark, err = state.NonceWatermark(signer)
			require.NoError(t, err)
			require.Equal(t, uint64(15), watermark)
		})
	}
}

func TestReserveAndAuctionRoundTrip(t *testing.T) {
	for name, db := range backends(t) {
		t.Run(name, func(t *testing.T) {
			state := NewState(db)
			var vault, depositor [20]byte
			vault[0] = 0x70
			depositor[0] = 0xA1

			record := &reserve.Reserve{
				ID:                   "usdq-main",
				Currency:             "USDQ",
				Vault:                vault,
				TotalLiquidity:       big.NewInt(5_000_000),
				TotalBorrowed:        big.NewInt(1_000_000),
				SupplyIndex:          new(big.Int).Exp(big.NewInt(10), big.NewInt(27), nil),
				BorrowIndex:          new(big.Int).Exp(big.NewInt(10), big.NewInt(27), nil),
				LastAccrual:          1_700_000_000,
				ReserveFactorBps:     1_000,
				MoneyMarket:          reserve.MoneyMarketMigrating,
				MoneyMarketPrincipal: big.NewInt(250_000),
			}
			require.NoError(t, state.ReservePut(record))
			loaded, ok, err := state.ReserveGet("usdq-main")
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, record.Currency, loaded.Currency)
			require.Equal(t, record.LastAccrual, loaded.LastAccrual)
			require.Equal(t, record.MoneyMarket, loaded.MoneyMarket)
			require.Zero(t, loaded.MoneyMarketPrincipal.Cmp(big.NewInt(250_000)))

			require.NoError(t, state.PutDepositShares("usdq-main", depositor, big.NewInt(777)))
			shares, err := state.DepositShares("usdq-main", depositor)
			require.NoError(t, err)
			require.Zero(t, shares.Cmp(big.NewInt(777)))

			pos := &reserve.DebtPosition{Principal: big.NewInt(500_000), Scaled: big.NewInt(999)}
			require.NoError(t, state.PutLoanPosition("usdq-main", 3, pos))
			loadedPos, ok, err := state.LoanPosition("usdq-main", 3)
			require.NoError(t, err)
			require.True(t, ok)
			require.Zero(t, loadedPos.Principal.Cmp(big.NewInt(500_000)))
			require.Zero(t, loadedPos.Scaled.Cmp(big.NewInt(999)))
			require.NoError(t, state.DeleteLoanPosition("usdq-main", 3))
			_, ok, _ = state.LoanPosition("usdq-main", 3)
			require.False(t, ok)

			sale := &auction.Auction{
				LoanID:     3,
				StartPrice: big.NewInt(6_000_000),
				FloorPrice: big.NewInt(2_500_000),
				StartTime:  1_700_000_100,
				Duration:   86_400,
			}
			require.NoError(t, state.AuctionPut(sale))
			loadedSale, ok, err := state.AuctionGet(3)
			require.NoError(t, err)
			require.True(t, ok)
			require.Zero(t, loadedSale.StartPrice.Cmp(sale.StartPrice))
			require.Equal(t, sale.StartTime, loadedSale.StartTime)
			require.NoError(t, state.AuctionDelete(3))
			_, ok, _ = state.AuctionGet(3)
			require.False(t, ok)
		})
	}
}

func TestSnapshotRevertRestoresEveryWrite(t *testing.T) {
	for name, db := range backends(t) {
		t.Run(name, func(t *testing.T) {
			state := NewState(db)
			var addr, asset [20]byte
			addr[0] = 0x01
			asset[0] = 0x02

			account := types.NewAccount()
			account.SetBalance("USDQ", big.NewInt(100))
			require.NoError(t, state.PutAccount(addr, account))
			require.NoError(t, state.SetCollateralBalance(addr, asset, big.NewInt(1), big.NewInt(5)))

			snap := state.Snapshot()

			account.SetBalance("USDQ", big.NewInt(1))
			require.NoError(t, state.PutAccount(addr, account))
			require.NoError(t, state.SetCollateralBalance(addr, asset, big.NewInt(1), big.NewInt(0)))
			require.NoError(t, state.PutFeesAccrued("usdq-main", big.NewInt(42)))
			id, err := state.NextLoanID()
			require.NoError(t, err)
			require.NoError(t, state.LoanPut(&loan.Loan{ID: id, Currency: "USDQ"}))

			state.RevertToSnapshot(snap)

			loaded, err := state.GetAccount(addr)
			require.NoError(t, err)
			require.Zero(t, loaded.Balance("USDQ").Cmp(big.NewInt(100)))
			held, err := state.CollateralBalance(addr, asset, big.NewInt(1))
			require.NoError(t, err)
			require.Zero(t, held.Cmp(big.NewInt(5)))
			fees, err := state.FeesAccrued("usdq-main")
			require.NoError(t, err)
			require.Zero(t, fees.Sign())
			// The loan and its sequence bump rewind with everything else.
			_, ok, err := state.LoanGet(id)
			require.NoError(t, err)
			require.False(t, ok)
			next, err := state.NextLoanID()
			require.NoError(t, err)
			require.Equal(t, uint64(1), next)
		})
	}
}

func TestWritesOutsideSessionAreNotJournaled(t *testing.T) {
	for name, db := range backends(t) {
		t.Run(name, func(t *testing.T) {
			state := NewState(db)
			require.NoError(t, state.PutFeesAccrued("usdq-main", big.NewInt(7)))
			require.Empty(t, state.journal)

			// Writes that predate the session survive a revert.
			snap := state.Snapshot()
			require.NoError(t, state.PutFeesAccrued("usdq-main", big.NewInt(99)))
			state.RevertToSnapshot(snap)

			fees, err := state.FeesAccrued("usdq-main")
			require.NoError(t, err)
			require.Zero(t, fees.Cmp(big.NewInt(7)))
			require.Zero(t, state.sessions)
			require.Empty(t, state.journal)
		})
	}
}

func TestDiscardSnapshotCommitsSessionWrites(t *testing.T) {
	for name, db := range backends(t) {
		t.Run(name, func(t *testing.T) {
			state := NewState(db)

			snap := state.Snapshot()
			require.NoError(t, state.PutFeesAccrued("usdq-main", big.NewInt(42)))
			state.DiscardSnapshot(snap)

			// The journal is gone, so a stray revert cannot unwind the commit.
			require.Empty(t, state.journal)
			state.RevertToSnapshot(snap)
			fees, err := state.FeesAccrued("usdq-main")
			require.NoError(t, err)
			require.Zero(t, fees.Cmp(big.NewInt(42)))
		})
	}
}
