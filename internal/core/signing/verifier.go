package signing

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/rl1809/token-marketplace/internal/core/domain"
)

// Recover returns the address that produced sig over hash. Both the 0/1 and
// the 27/28 recovery id conventions are accepted; high-s signatures are not.
func Recover(hash, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: length %d", domain.ErrInvalidSignature, len(sig))
	}

	normalized := make([]byte, crypto.SignatureLength)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}

	r := new(big.Int).SetBytes(normalized[:32])
	s := new(big.Int).SetBytes(normalized[32:64])
	if !crypto.ValidateSignatureValues(normalized[64], r, s, true) {
		return common.Address{}, fmt.Errorf("%w: malformed values", domain.ErrInvalidSignature)
	}

	pub, err := crypto.SigToPub(hash, normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", domain.ErrInvalidSignature, err)
	}

	return crypto.PubkeyToAddress(*pub), nil
}

// Sign produces a wallet-style signature (recovery id 27/28) over msg.
func Sign(d Domain, msg Message, key *ecdsa.PrivateKey) ([]byte, error) {
	hash, err := d.Hash(msg)
	if err != nil {
		return nil, err
	}

	sig, err := crypto.Sign(hash, key)
	if err != nil {
		return nil, fmt.Errorf("sign %s: %w", msg.Kind(), err)
	}
	sig[64] += 27

	return sig, nil
}

type Verifier struct {
	domain Domain
}

func NewVerifier(d Domain) *Verifier {
	return &Verifier{domain: d}
}

func (v *Verifier) Domain() Domain {
	return v.domain
}

// Verify checks that sig over msg was produced by expected. The recovered
// address is the only evidence of who authorized the action.
func (v *Verifier) Verify(expected common.Address, msg Message, sig []byte) error {
	hash, err := v.domain.Hash(msg)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidSignature, err)
	}

	signer, err := Recover(hash, sig)
	if err != nil {
		return err
	}

	if signer != expected {
		return fmt.Errorf("%w: signed by %s, expected %s", domain.ErrInvalidSignature, signer.Hex(), expected.Hex())
	}

	return nil
}
