package reserve

import "math/big"

// Reserve captures the global accounting state for one pooled liquidity
// market. Amounts are denominated in the reserve currency's smallest unit and
// expressed as big integers for deterministic arithmetic.
type Reserve struct {
	// ID is the stable reserve identifier loans reference.
	ID string
	// Currency is the balance symbol the reserve lends and accepts.
	Currency string
	// Vault is the account that custodies pooled liquidity.
	Vault [20]byte
	// TotalLiquidity is the aggregate value owed to depositors, idle and
	// lent out combined.
	TotalLiquidity *big.Int
	// TotalBorrowed tracks the outstanding principal lent to loans.
	TotalBorrowed *big.Int
	// SupplyIndex is the cumulative ray-scaled index applied to depositor
	// shares.
	SupplyIndex *big.Int
	// BorrowIndex is the cumulative ray-scaled index applied to scaled debt.
	BorrowIndex *big.Int
	// LastAccrual records the unix second when the indices were last
	// refreshed.
	LastAccrual int64
	// ReserveFactorBps is the share of earned interest diverted to the
	// protocol fee accrual, in basis points.
	ReserveFactorBps uint64
	// MoneyMarket gates the reserve's mutating entry points and its adapter
	// routing.
	MoneyMarket MoneyMarketState
	// MoneyMarketPrincipal is the amount currently deposited in the
	// external money market.
	MoneyMarketPrincipal *big.Int
}

// Clone returns a deep copy of the reserve record.
func (r *Reserve) Clone() *Reserve {
	if r == nil {
		return nil
	}
	clone := *r
	clone.TotalLiquidity = cloneInt(r.TotalLiquidity)
	clone.TotalBorrowed = cloneInt(r.TotalBorrowed)
	clone.SupplyIndex = cloneInt(r.SupplyIndex)
	clone.BorrowIndex = cloneInt(r.BorrowIndex)
	clone.MoneyMarketPrincipal = cloneInt(r.MoneyMarketPrincipal)
	return &clone
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

// MoneyMarketState is the per-reserve operating mode.
type MoneyMarketState uint8

const (
	// MoneyMarketActive is the normal operating mode.
	MoneyMarketActive MoneyMarketState = iota
	// MoneyMarketPaused blocks every balance-mutating entry point; already
	// owed settlements still land so a pause cannot trap repayments.
	MoneyMarketPaused
	// MoneyMarketMigrating blocks routing liquidity to the external venue
	// while a new adapter is cut over; everything else keeps operating.
	MoneyMarketMigrating
)

func (s MoneyMarketState) String() string {
	switch s {
	case MoneyMarketPaused:
		return "paused"
	case MoneyMarketMigrating:
		return "migrating"
	default:
		return "active"
	}
}

// DebtPosition tracks one loan's pool debt: the outstanding principal in
// currency units and the scaled balance priced by the borrow index. Principal
// extinguishes exactly on repayment; the scaled balance carries the accrued
// interest.
type DebtPosition struct {
	Principal *big.Int
	Scaled    *big.Int
}

// Clone returns a deep copy of the position.
func (p *DebtPosition) Clone() *DebtPosition {
	if p == nil {
		return nil
	}
	return &DebtPosition{Principal: cloneInt(p.Principal), Scaled: cloneInt(p.Scaled)}
}

// MoneyMarketAdapter integrates an external yield venue for idle liquidity.
// Implementations move funds between the reserve vault and the venue; the
// engine only calls them under the treasury role.
type MoneyMarketAdapter interface {
	Deposit(currency string, amount *big.Int) error
	// Withdraw pulls funds from the venue to the recipient and reports the
	// amount actually released, which may differ from the request when the
	// venue applies haircuts.
	Withdraw(currency string, amount *big.Int, to [20]byte) (*big.Int, error)
	// Balance reports the venue's current holding for the currency credited
	// to the holder. Must be idempotent.
	Balance(currency string, holder [20]byte) (*big.Int, error)
}
