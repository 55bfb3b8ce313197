package offers

import (
	"errors"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"loanforge/crypto"
)

// ErrInvalidSignature is returned when a signature does not recover to the
// offer's declared signer.
var ErrInvalidSignature = errors.New("offers: signature does not match signer")

// SignOffer produces a recoverable secp256k1 signature over the offer digest.
func SignOffer(d Domain, offer *Offer, key *crypto.PrivateKey) ([]byte, error) {
	if offer == nil || key == nil {
		return nil, ErrInvalidSignature
	}
	digest := offer.Hash(d)
	return ethcrypto.Sign(digest[:], key.PrivateKey)
}

// VerifyOffer recovers the signer from the signature and compares it against
// offer.Signer. The recovered address is returned on success so callers can
// log or bind it without re-deriving.
func VerifyOffer(d Domain, offer *Offer, signature []byte) ([20]byte, error) {
	var signer [20]byte
	if offer == nil || len(signature) != 65 {
		return signer, ErrInvalidSignature
	}
	digest := offer.Hash(d)
	pub, err := ethcrypto.SigToPub(digest[:], signature)
	if err != nil {
		return signer, ErrInvalidSignature
	}
	recovered := ethcrypto.PubkeyToAddress(*pub)
	copy(signer[:], recovered.Bytes())
	if signer != offer.Signer {
		return [20]byte{}, ErrInvalidSignature
	}
	return signer, nil
}
