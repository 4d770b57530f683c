package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
)

const escrowABI = `[
  {"name":"confirmDelivery","type":"function","stateMutability":"nonpayable","inputs":[{"name":"transactionId","type":"uint256"}],"outputs":[]},
  {"name":"isDelivered","type":"function","stateMutability":"view","inputs":[{"name":"transactionId","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

type EthClient struct {
	eth      *ethclient.Client
	contract common.Address
	abi      abi.ABI
	key      *ecdsa.PrivateKey
	from     common.Address
	chainID  *big.Int

	gasLimit      uint64
	confirmations uint64
	pollEvery     time.Duration

	log *zap.Logger
}

type EthConfig struct {
	RPCURL        string
	ContractAddr  string
	OperatorKey   string // hex-encoded, no 0x prefix
	ChainID       int64
	GasLimit      uint64
	Confirmations uint64
}

func DialEth(ctx context.Context, cfg EthConfig, log *zap.Logger) (*EthClient, error) {
	eth, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, err
	}
	parsed, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, err
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.OperatorKey, "0x"))
	if err != nil {
		return nil, err
	}
	return &EthClient{
		eth:           eth,
		contract:      common.HexToAddress(cfg.ContractAddr),
		abi:           parsed,
		key:           key,
		from:          crypto.PubkeyToAddress(key.PublicKey),
		chainID:       big.NewInt(cfg.ChainID),
		gasLimit:      cfg.GasLimit,
		confirmations: cfg.Confirmations,
		pollEvery:     2 * time.Second,
		log:           log,
	}, nil
}

func (c *EthClient) Close() { c.eth.Close() }

func (c *EthClient) ConfirmDelivery(ctx context.Context, escrowRef int64) (string, error) {
	data, err := c.abi.Pack("confirmDelivery", big.NewInt(escrowRef))
	if err != nil {
		return "", err
	}

	// Preflight call: surfaces the revert reason without spending gas, and
	// keeps a doomed tx off the chain entirely.
	_, err = c.eth.CallContract(ctx, ethereum.CallMsg{
		From: c.from, To: &c.contract, Gas: c.gasLimit, Data: data,
	}, nil)
	if err != nil {
		if reason, ok := revertReason(err); ok {
			return "", &RevertError{Reason: reason}
		}
		return "", err
	}

	nonce, err := c.eth.PendingNonceAt(ctx, c.from)
	if err != nil {
		return "", err
	}
	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return "", err
	}

	tx := types.NewTransaction(nonce, c.contract, big.NewInt(0), c.gasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return "", err
	}
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return "", err
	}

	hash := signed.Hash().Hex()
	c.log.Info("confirmation submitted",
		zap.Int64("escrow_ref", escrowRef),
		zap.String("tx_hash", hash),
		zap.Uint64("gas_limit", c.gasLimit))
	return hash, nil
}

func (c *EthClient) WaitReceipt(ctx context.Context, txHash string) (*Receipt, error) {
	t := time.NewTicker(c.pollEvery)
	defer t.Stop()
	for {
		r, err := c.Receipt(ctx, txHash)
		if err == nil {
			return r, nil
		}
		if !errors.Is(err, ErrReceiptPending) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

func (c *EthClient) Receipt(ctx context.Context, txHash string) (*Receipt, error) {
	hash := common.HexToHash(txHash)
	rcpt, err := c.eth.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, ErrReceiptPending
		}
		return nil, err
	}

	// Inclusion alone is not finality; require the configured extra depth.
	if c.confirmations > 0 {
		head, err := c.eth.BlockNumber(ctx)
		if err != nil {
			return nil, err
		}
		if head < rcpt.BlockNumber.Uint64()+c.confirmations {
			return nil, ErrReceiptPending
		}
	}

	out := &Receipt{
		TxHash:      txHash,
		Success:     rcpt.Status == types.ReceiptStatusSuccessful,
		BlockNumber: rcpt.BlockNumber.Uint64(),
		GasUsed:     rcpt.GasUsed,
	}
	if !out.Success {
		out.Reason = c.replayForReason(ctx, hash, rcpt.BlockNumber)
	}
	return out, nil
}

func (c *EthClient) DeliveryConfirmed(ctx context.Context, escrowRef int64) (bool, error) {
	data, err := c.abi.Pack("isDelivered", big.NewInt(escrowRef))
	if err != nil {
		return false, err
	}
	raw, err := c.eth.CallContract(ctx, ethereum.CallMsg{From: c.from, To: &c.contract, Data: data}, nil)
	if err != nil {
		return false, err
	}
	vals, err := c.abi.Unpack("isDelivered", raw)
	if err != nil {
		return false, err
	}
	if len(vals) != 1 {
		return false, errors.New("unexpected isDelivered return arity")
	}
	confirmed, ok := vals[0].(bool)
	if !ok {
		return false, errors.New("unexpected isDelivered return type")
	}
	return confirmed, nil
}

// replayForReason re-executes the failed tx as a call at its inclusion block
// to recover the revert string. Best effort; an empty reason classifies as
// RevertUnknown downstream, which is the conservative path anyway.
func (c *EthClient) replayForReason(ctx context.Context, hash common.Hash, block *big.Int) string {
	tx, _, err := c.eth.TransactionByHash(ctx, hash)
	if err != nil {
		return ""
	}
	_, err = c.eth.CallContract(ctx, ethereum.CallMsg{
		From: c.from, To: tx.To(), Gas: tx.Gas(), Value: tx.Value(), Data: tx.Data(),
	}, block)
	if err != nil {
		if reason, ok := revertReason(err); ok {
			return reason
		}
		return err.Error()
	}
	return ""
}

// revertReason extracts the ABI-encoded Error(string) payload from an RPC
// error, falling back to the conventional "execution reverted: ..." message.
func revertReason(err error) (string, bool) {
	var de rpc.DataError
	if errors.As(err, &de) {
		if hexData, ok := de.ErrorData().(string); ok {
			if raw, decErr := hexutil.Decode(hexData); decErr == nil {
				if reason, unpackErr := abi.UnpackRevert(raw); unpackErr == nil {
					return reason, true
				}
			}
		}
	}
	msg := err.Error()
	if i := strings.Index(msg, "execution reverted"); i >= 0 {
		reason := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(msg[i+len("execution reverted"):]), ":"))
		return strings.TrimSpace(reason), true
	}
	return "", false
}
