package storage

import (
	"encoding/binary"
	"math/big"
)

// Key prefixes. Every record class gets its own namespace so backends without
// native buckets stay collision-free.
const (
	prefixLoan       = "loan/"
	prefixLoanSeq    = "loan-seq"
	prefixAccount    = "acct/"
	prefixCollateral = "coll/"
	prefixClaim      = "claim/"
	prefixNonceUse   = "nonce/"
	prefixNonceMark  = "nonce-mark/"
	prefixReserve    = "reserve/"
	prefixDeposit    = "deposit/"
	prefixDebt       = "debt/"
	prefixFees       = "fees/"
	prefixAuction    = "auction/"
)

func u64Key(prefix string, id uint64) []byte {
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], id)
	return key
}

func addrKey(prefix string, addr [20]byte) []byte {
	key := make([]byte, len(prefix)+20)
	copy(key, prefix)
	copy(key[len(prefix):], addr[:])
	return key
}

func loanKey(id uint64) []byte { return u64Key(prefixLoan, id) }

func accountKey(addr [20]byte) []byte { return addrKey(prefixAccount, addr) }

func collateralKey(holder, asset [20]byte, tokenID *big.Int) []byte {
	key := make([]byte, 0, len(prefixCollateral)+40+32)
	key = append(key, prefixCollateral...)
	key = append(key, holder[:]...)
	key = append(key, asset[:]...)
	if tokenID != nil {
		key = append(key, tokenID.Bytes()...)
	}
	return key
}

func claimKey(kind uint8, loanID uint64) []byte {
	key := make([]byte, len(prefixClaim)+1+8)
	copy(key, prefixClaim)
	key[len(prefixClaim)] = kind
	binary.BigEndian.PutUint64(key[len(prefixClaim)+1:], loanID)
	return key
}

func nonceUseKey(signer [20]byte, nonce uint64) []byte {
	key := make([]byte, len(prefixNonceUse)+20+8)
	copy(key, prefixNonceUse)
	copy(key[len(prefixNonceUse):], signer[:])
	binary.BigEndian.PutUint64(key[len(prefixNonceUse)+20:], nonce)
	return key
}

func nonceMarkKey(signer [20]byte) []byte { return addrKey(prefixNonceMark, signer) }

func reserveKey(id string) []byte { return append([]byte(prefixReserve), id...) }

func depositKey(reserveID string, addr [20]byte) []byte {
	key := make([]byte, 0, len(prefixDeposit)+len(reserveID)+1+20)
	key = append(key, prefixDeposit...)
	key = append(key, reserveID...)
	key = append(key, '/')
	key = append(key, addr[:]...)
	return key
}

func debtKey(reserveID string, loanID uint64) []byte {
	key := make([]byte, 0, len(prefixDebt)+len(reserveID)+1+8)
	key = append(key, prefixDebt...)
	key = append(key, reserveID...)
	key = append(key, '/')
	var id [8]byte
	binary.BigEndian.PutUint64(id[:], loanID)
	return append(key, id[:]...)
}

func feesKey(reserveID string) []byte { return append([]byte(prefixFees), reserveID...) }

func auctionKey(loanID uint64) []byte { return u64Key(prefixAuction, loanID) }
