package domain

import "errors"

var (
	ErrInvalidItemAmount          = errors.New("invalid item amount")
	ErrInvalidItemPrice           = errors.New("invalid item price")
	ErrInvalidListingBatchLengths = errors.New("invalid listing batch lengths")
	ErrInvalidItemID              = errors.New("invalid item id")
	ErrInvalidPayment             = errors.New("invalid payment")
	ErrInvalidSignature           = errors.New("invalid signature")
	ErrExpired                    = errors.New("signature expired")
	ErrNonceMismatch              = errors.New("nonce mismatch")
	ErrNoEarningsToWithdraw       = errors.New("no earnings to withdraw")
	ErrTransferFailed             = errors.New("transfer failed")
	// ErrConflict is a concurrent write the ledger refused; nothing committed.
	ErrConflict = errors.New("ledger conflict")
)

var kinds = []struct {
	err  error
	name string
}{
	{ErrInvalidItemAmount, "InvalidItemAmount"},
	{ErrInvalidItemPrice, "InvalidItemPrice"},
	{ErrInvalidListingBatchLengths, "InvalidListingBatchLengths"},
	{ErrInvalidItemID, "InvalidItemId"},
	{ErrInvalidPayment, "InvalidPayment"},
	{ErrInvalidSignature, "InvalidSignature"},
	{ErrExpired, "Expired"},
	{ErrNonceMismatch, "NonceMismatch"},
	{ErrNoEarningsToWithdraw, "NoEarningsToWithdraw"},
	{ErrTransferFailed, "TransferFailed"},
	{ErrConflict, "Conflict"},
}

// KindOf returns the stable kind name of a marketplace error, or "" when err
// is not one of them.
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return ""
}

// IsRetryable reports whether resubmitting with a fresh signature can succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrExpired) || errors.Is(err, ErrNonceMismatch)
}
