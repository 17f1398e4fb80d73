// Package signing implements the typed-message protocol that lets a relayer
// submit marketplace actions on behalf of the principal who signed them.
//
// Messages follow EIP-712: a domain separator binding name, version, chain id
// and verifying contract, and one fixed schema per action kind. Field names,
// order and types are wire contracts; changing any of them requires a new
// domain version.
package signing

import (
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/rl1809/token-marketplace/internal/core/domain"
)

const (
	DefaultName    = "SecuritizeMarketplace"
	DefaultVersion = "1"
)

type Kind string

const (
	KindList     Kind = "ListItem"
	KindPurchase Kind = "PurchaseItem"
	KindWithdraw Kind = "WithdrawFunds"
)

var domainType = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

var schemas = map[Kind][]apitypes.Type{
	KindList: {
		{Name: "tokenAddress", Type: "address"},
		{Name: "priceInWei", Type: "uint256"},
		{Name: "amount", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
		{Name: "deadline", Type: "uint256"},
	},
	KindPurchase: {
		{Name: "itemId", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
		{Name: "deadline", Type: "uint256"},
	},
	KindWithdraw: {
		{Name: "nonce", Type: "uint256"},
		{Name: "deadline", Type: "uint256"},
	},
}

// Schema returns a copy of the ordered field list of a message kind.
func Schema(kind Kind) []apitypes.Type {
	return append([]apitypes.Type(nil), schemas[kind]...)
}

// Domain binds a signature to one deployment, version and network.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

func NewDomain(chainID *big.Int, verifyingContract common.Address) Domain {
	return Domain{
		Name:              DefaultName,
		Version:           DefaultVersion,
		ChainID:           chainID,
		VerifyingContract: verifyingContract,
	}
}

// Message is one of the three signed action payloads.
type Message interface {
	Kind() Kind
	NonceValue() uint64
	DeadlineValue() uint64
	fields() apitypes.TypedDataMessage
}

type ListMessage struct {
	Token    common.Address
	Price    *big.Int
	Amount   *big.Int
	Nonce    uint64
	Deadline uint64
}

func (ListMessage) Kind() Kind              { return KindList }
func (m ListMessage) NonceValue() uint64    { return m.Nonce }
func (m ListMessage) DeadlineValue() uint64 { return m.Deadline }

func (m ListMessage) fields() apitypes.TypedDataMessage {
	return apitypes.TypedDataMessage{
		"tokenAddress": m.Token.Hex(),
		"priceInWei":   decimal(m.Price),
		"amount":       decimal(m.Amount),
		"nonce":        uintString(m.Nonce),
		"deadline":     uintString(m.Deadline),
	}
}

type PurchaseMessage struct {
	ItemID   domain.ItemID
	Nonce    uint64
	Deadline uint64
}

func (PurchaseMessage) Kind() Kind              { return KindPurchase }
func (m PurchaseMessage) NonceValue() uint64    { return m.Nonce }
func (m PurchaseMessage) DeadlineValue() uint64 { return m.Deadline }

func (m PurchaseMessage) fields() apitypes.TypedDataMessage {
	return apitypes.TypedDataMessage{
		"itemId":   uintString(uint64(m.ItemID)),
		"nonce":    uintString(m.Nonce),
		"deadline": uintString(m.Deadline),
	}
}

type WithdrawMessage struct {
	Nonce    uint64
	Deadline uint64
}

func (WithdrawMessage) Kind() Kind              { return KindWithdraw }
func (m WithdrawMessage) NonceValue() uint64    { return m.Nonce }
func (m WithdrawMessage) DeadlineValue() uint64 { return m.Deadline }

func (m WithdrawMessage) fields() apitypes.TypedDataMessage {
	return apitypes.TypedDataMessage{
		"nonce":    uintString(m.Nonce),
		"deadline": uintString(m.Deadline),
	}
}

// TypedData builds the structure a wallet signs with eth_signTypedData_v4.
func (d Domain) TypedData(msg Message) apitypes.TypedData {
	chainID := d.ChainID
	if chainID == nil {
		chainID = new(big.Int)
	}
	kind := string(msg.Kind())
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainType,
			kind:           Schema(msg.Kind()),
		},
		PrimaryType: kind,
		Domain: apitypes.TypedDataDomain{
			Name:              d.Name,
			Version:           d.Version,
			ChainId:           (*math.HexOrDecimal256)(new(big.Int).Set(chainID)),
			VerifyingContract: d.VerifyingContract.Hex(),
		},
		Message: msg.fields(),
	}
}

// Hash returns the EIP-712 digest of msg under d.
func (d Domain) Hash(msg Message) ([]byte, error) {
	hash, _, err := apitypes.TypedDataAndHash(d.TypedData(msg))
	if err != nil {
		return nil, fmt.Errorf("hash %s: %w", msg.Kind(), err)
	}
	return hash, nil
}

func decimal(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func uintString(v uint64) string {
	return strconv.FormatUint(v, 10)
}
