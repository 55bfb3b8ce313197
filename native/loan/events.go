package loan

import (
	"fmt"
	"math/big"

	"loanforge/core/types"
)

const (
	EventTypeLoanOpened     = "loan.opened"
	EventTypeLoanRepaid     = "loan.repaid"
	EventTypeLoanForeclosed = "loan.foreclosed"
	EventTypeLoanExtended   = "loan.extended"
	EventTypeLoanSold       = "loan.sold"
	EventTypeClaimMoved     = "loan.claim_transferred"
	EventTypeUnwindFailed   = "loan.unwind_failed"
)

func amountAttr(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func loanAttrs(l *Loan) map[string]string {
	attrs := map[string]string{
		"loanId":   fmt.Sprintf("%d", l.ID),
		"currency": l.Currency,
	}
	if l.PoolSourced {
		attrs["market"] = "pool"
		attrs["reserveId"] = l.ReserveID
	} else {
		attrs["market"] = "bespoke"
	}
	return attrs
}

func NewLoanOpenedEvent(l *Loan) *types.Event {
	attrs := loanAttrs(l)
	attrs["principal"] = amountAttr(l.Principal)
	attrs["duration"] = fmt.Sprintf("%d", l.BorrowDuration)
	return &types.Event{Type: EventTypeLoanOpened, Attributes: attrs}
}

func NewLoanRepaidEvent(l *Loan, interest, penalty, fee *big.Int) *types.Event {
	attrs := loanAttrs(l)
	attrs["interest"] = amountAttr(interest)
	attrs["penalty"] = amountAttr(penalty)
	attrs["protocolFee"] = amountAttr(fee)
	return &types.Event{Type: EventTypeLoanRepaid, Attributes: attrs}
}

func NewLoanForeclosedEvent(l *Loan) *types.Event {
	return &types.Event{Type: EventTypeLoanForeclosed, Attributes: loanAttrs(l)}
}

func NewLoanExtendedEvent(l *Loan, settled *big.Int) *types.Event {
	attrs := loanAttrs(l)
	attrs["principal"] = amountAttr(l.Principal)
	attrs["settled"] = amountAttr(settled)
	return &types.Event{Type: EventTypeLoanExtended, Attributes: attrs}
}

func NewLoanSoldEvent(l *Loan, proceeds, surplus *big.Int) *types.Event {
	attrs := loanAttrs(l)
	attrs["proceeds"] = amountAttr(proceeds)
	attrs["surplus"] = amountAttr(surplus)
	return &types.Event{Type: EventTypeLoanSold, Attributes: attrs}
}

// NewCompensationFailedEvent reports a failed unwind step after a rejected
// origination. It should never fire outside storage faults; operators alert
// on it.
func NewCompensationFailedEvent(signer [20]byte, nonce uint64, err error) *types.Event {
	return &types.Event{Type: EventTypeUnwindFailed, Attributes: map[string]string{
		"signer": fmt.Sprintf("%x", signer),
		"nonce":  fmt.Sprintf("%d", nonce),
		"error":  err.Error(),
	}}
}

func NewClaimTransferredEvent(loanID uint64, kind ClaimKind) *types.Event {
	claim := "borrower"
	if kind == ClaimLender {
		claim = "lender"
	}
	return &types.Event{Type: EventTypeClaimMoved, Attributes: map[string]string{
		"loanId": fmt.Sprintf("%d", loanID),
		"claim":  claim,
	}}
}
