package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/rl1809/token-marketplace/internal/core/domain"
	"github.com/rl1809/token-marketplace/internal/core/signing"
	"github.com/rl1809/token-marketplace/internal/port"
)

const DefaultSignatureTTL = 24 * time.Hour

var ErrUnknownSeller = errors.New("seller has never listed")

// SigningPayload is what a wallet signs to authorize one relayed action.
type SigningPayload struct {
	Kind      signing.Kind       `json:"kind"`
	Signer    string             `json:"signer"`
	Nonce     uint64             `json:"nonce"`
	Deadline  uint64             `json:"deadline"`
	Value     string             `json:"value,omitempty"`
	TypedData apitypes.TypedData `json:"typedData"`
}

// SigningRequests builds typed-data payloads bound to the principal's
// current nonce.
type SigningRequests struct {
	ledger   port.LedgerRepository
	verifier *signing.Verifier
	clock    port.Clock
	ttl      time.Duration
}

func NewSigningRequests(ledger port.LedgerRepository, verifier *signing.Verifier, clock port.Clock, ttl time.Duration) *SigningRequests {
	if ttl <= 0 {
		ttl = DefaultSignatureTTL
	}
	return &SigningRequests{ledger: ledger, verifier: verifier, clock: clock, ttl: ttl}
}

func (r *SigningRequests) deadline() uint64 {
	return uint64(r.clock.Now().Add(r.ttl).Unix())
}

func (r *SigningRequests) List(ctx context.Context, seller, token common.Address, price, amount *big.Int) (SigningPayload, error) {
	if err := validateListing(amount, price); err != nil {
		return SigningPayload{}, err
	}

	record, err := r.ledger.GetSeller(ctx, seller)
	if err != nil {
		return SigningPayload{}, fmt.Errorf("get seller: %w", err)
	}

	msg := signing.ListMessage{
		Token:    token,
		Price:    price,
		Amount:   amount,
		Nonce:    record.SignedNonce,
		Deadline: r.deadline(),
	}
	return r.payload(seller, msg, ""), nil
}

func (r *SigningRequests) Purchase(ctx context.Context, buyer common.Address, id domain.ItemID) (SigningPayload, error) {
	item, err := r.ledger.GetItem(ctx, id)
	if err != nil {
		return SigningPayload{}, fmt.Errorf("get item: %w", err)
	}
	if item == nil || !item.Active {
		return SigningPayload{}, fmt.Errorf("%w: %d", domain.ErrInvalidItemID, id)
	}

	nonce, err := r.ledger.GetBuyerNonce(ctx, buyer)
	if err != nil {
		return SigningPayload{}, fmt.Errorf("get buyer nonce: %w", err)
	}

	msg := signing.PurchaseMessage{
		ItemID:   id,
		Nonce:    nonce,
		Deadline: r.deadline(),
	}
	return r.payload(buyer, msg, item.Price.String()), nil
}

func (r *SigningRequests) Withdraw(ctx context.Context, seller common.Address) (SigningPayload, error) {
	record, err := r.ledger.GetSeller(ctx, seller)
	if err != nil {
		return SigningPayload{}, fmt.Errorf("get seller: %w", err)
	}
	if !record.Active {
		return SigningPayload{}, fmt.Errorf("%w: %s", ErrUnknownSeller, seller.Hex())
	}

	msg := signing.WithdrawMessage{
		Nonce:    record.SignedNonce,
		Deadline: r.deadline(),
	}
	return r.payload(seller, msg, ""), nil
}

func (r *SigningRequests) payload(signer common.Address, msg signing.Message, value string) SigningPayload {
	return SigningPayload{
		Kind:      msg.Kind(),
		Signer:    signer.Hex(),
		Nonce:     msg.NonceValue(),
		Deadline:  msg.DeadlineValue(),
		Value:     value,
		TypedData: r.verifier.Domain().TypedData(msg),
	}
}
