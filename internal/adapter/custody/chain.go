package custody

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("market-custody")

const erc20ABI = `[
	{"type":"function","name":"transfer","stateMutability":"nonpayable",
	 "inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],
	 "outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"transferFrom","stateMutability":"nonpayable",
	 "inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],
	 "outputs":[{"name":"","type":"bool"}]}
]`

const (
	DefaultReceiptTimeout = 2 * time.Minute
	receiptPollInterval   = 2 * time.Second
)

var (
	ErrTxReverted          = errors.New("transaction reverted")
	ErrPaymentTokenMissing = errors.New("payment token address required")
)

// ChainCustodian moves escrow on an EVM chain from an operator account. The
// operator must hold an ERC-20 allowance from each seller for the listed
// token and from each buyer for the payment token. Proceeds stay in the
// operator's payment token balance until withdrawn.
type ChainCustodian struct {
	client         *ethclient.Client
	key            *ecdsa.PrivateKey
	operator       common.Address
	chainID        *big.Int
	erc20          abi.ABI
	paymentToken   common.Address
	receiptTimeout time.Duration

	sendMu sync.Mutex
}

func NewChainCustodian(ctx context.Context, client *ethclient.Client, operatorKey string, paymentToken common.Address, receiptTimeout time.Duration) (*ChainCustodian, error) {
	if paymentToken == (common.Address{}) {
		return nil, ErrPaymentTokenMissing
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(operatorKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse operator key: %w", err)
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain id: %w", err)
	}

	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}

	if receiptTimeout <= 0 {
		receiptTimeout = DefaultReceiptTimeout
	}

	return &ChainCustodian{
		client:         client,
		key:            key,
		operator:       crypto.PubkeyToAddress(key.PublicKey),
		chainID:        chainID,
		erc20:          parsed,
		paymentToken:   paymentToken,
		receiptTimeout: receiptTimeout,
	}, nil
}

func (c *ChainCustodian) Operator() common.Address {
	return c.operator
}

func (c *ChainCustodian) PullTokens(ctx context.Context, token, from common.Address, amount *big.Int) error {
	data, err := c.erc20.Pack("transferFrom", from, c.operator, amount)
	if err != nil {
		return fmt.Errorf("pack transferFrom: %w", err)
	}
	return c.send(ctx, token, new(big.Int), data)
}

func (c *ChainCustodian) ReleaseTokens(ctx context.Context, token, to common.Address, amount *big.Int) error {
	data, err := c.erc20.Pack("transfer", to, amount)
	if err != nil {
		return fmt.Errorf("pack transfer: %w", err)
	}
	return c.send(ctx, token, new(big.Int), data)
}

func (c *ChainCustodian) CollectPayment(ctx context.Context, from common.Address, amount *big.Int) error {
	return c.PullTokens(ctx, c.paymentToken, from, amount)
}

func (c *ChainCustodian) PushFunds(ctx context.Context, to common.Address, amount *big.Int) error {
	return c.ReleaseTokens(ctx, c.paymentToken, to, amount)
}

// send signs an EIP-1559 transaction from the operator and waits for a
// successful receipt. Sends are serialized to keep operator nonces ordered.
func (c *ChainCustodian) send(ctx context.Context, to common.Address, value *big.Int, data []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	nonce, err := c.client.PendingNonceAt(ctx, c.operator)
	if err != nil {
		return fmt.Errorf("pending nonce: %w", err)
	}

	tip, err := c.client.SuggestGasTipCap(ctx)
	if err != nil {
		return fmt.Errorf("suggest tip: %w", err)
	}

	head, err := c.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return fmt.Errorf("latest header: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	gas, err := c.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  c.operator,
		To:    &to,
		Value: value,
		Data:  data,
	})
	if err != nil {
		return fmt.Errorf("estimate gas: %w", err)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     value,
		Data:      data,
	})

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return fmt.Errorf("sign tx: %w", err)
	}

	if err := c.client.SendTransaction(ctx, signed); err != nil {
		return fmt.Errorf("send tx: %w", err)
	}
	log.Infof("sent tx %s to %s nonce=%d", signed.Hash().Hex(), to.Hex(), nonce)

	return c.waitReceipt(ctx, signed.Hash())
}

func (c *ChainCustodian) waitReceipt(ctx context.Context, hash common.Hash) error {
	ctx, cancel := context.WithTimeout(ctx, c.receiptTimeout)
	defer cancel()

	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.client.TransactionReceipt(ctx, hash)
		if err == nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return fmt.Errorf("%w: %s", ErrTxReverted, hash.Hex())
			}
			return nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return fmt.Errorf("receipt %s: %w", hash.Hex(), err)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("receipt %s: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}
