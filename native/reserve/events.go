package reserve

import (
	"fmt"
	"math/big"

	"loanforge/core/types"
)

const (
	EventTypeDeposited     = "reserve.deposited"
	EventTypeRedeemed      = "reserve.redeemed"
	EventTypeLoanDebited   = "reserve.loan_debited"
	EventTypeRepaid        = "reserve.repayment_credited"
	EventTypeFlashBorrowed = "reserve.flash_borrowed"
	EventTypeFlashRepaid   = "reserve.flash_repaid"
	EventTypeWrittenOff    = "reserve.loan_written_off"
	EventTypeStateChanged  = "reserve.state_changed"
)

func amountAttr(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func baseAttrs(r *Reserve) map[string]string {
	return map[string]string{
		"reserveId": r.ID,
		"currency":  r.Currency,
	}
}

func newDepositedEvent(r *Reserve, depositor [20]byte, amount, shares *big.Int) *types.Event {
	attrs := baseAttrs(r)
	attrs["depositor"] = fmt.Sprintf("%x", depositor)
	attrs["amount"] = amountAttr(amount)
	attrs["shares"] = amountAttr(shares)
	return &types.Event{Type: EventTypeDeposited, Attributes: attrs}
}

func newRedeemedEvent(r *Reserve, depositor [20]byte, amount, shares *big.Int) *types.Event {
	attrs := baseAttrs(r)
	attrs["depositor"] = fmt.Sprintf("%x", depositor)
	attrs["amount"] = amountAttr(amount)
	attrs["shares"] = amountAttr(shares)
	return &types.Event{Type: EventTypeRedeemed, Attributes: attrs}
}

func newLoanDebitedEvent(r *Reserve, loanID uint64, amount *big.Int) *types.Event {
	attrs := baseAttrs(r)
	attrs["loanId"] = fmt.Sprintf("%d", loanID)
	attrs["amount"] = amountAttr(amount)
	return &types.Event{Type: EventTypeLoanDebited, Attributes: attrs}
}

func newRepaymentCreditedEvent(r *Reserve, loanID uint64, principal, interest *big.Int) *types.Event {
	attrs := baseAttrs(r)
	attrs["loanId"] = fmt.Sprintf("%d", loanID)
	attrs["principal"] = amountAttr(principal)
	attrs["interest"] = amountAttr(interest)
	return &types.Event{Type: EventTypeRepaid, Attributes: attrs}
}

func newLoanWrittenOffEvent(r *Reserve, loanID uint64, principal *big.Int) *types.Event {
	attrs := baseAttrs(r)
	attrs["loanId"] = fmt.Sprintf("%d", loanID)
	attrs["principal"] = amountAttr(principal)
	return &types.Event{Type: EventTypeWrittenOff, Attributes: attrs}
}

func newMoneyMarketStateEvent(r *Reserve, state MoneyMarketState) *types.Event {
	attrs := baseAttrs(r)
	attrs["state"] = state.String()
	return &types.Event{Type: EventTypeStateChanged, Attributes: attrs}
}

func newFlashBorrowedEvent(r *Reserve, sessionID string, amount, fee *big.Int) *types.Event {
	attrs := baseAttrs(r)
	attrs["sessionId"] = sessionID
	attrs["amount"] = amountAttr(amount)
	attrs["fee"] = amountAttr(fee)
	return &types.Event{Type: EventTypeFlashBorrowed, Attributes: attrs}
}

func newFlashRepaidEvent(r *Reserve, sessionID string, total *big.Int) *types.Event {
	attrs := baseAttrs(r)
	attrs["sessionId"] = sessionID
	attrs["total"] = amountAttr(total)
	return &types.Event{Type: EventTypeFlashRepaid, Attributes: attrs}
}
