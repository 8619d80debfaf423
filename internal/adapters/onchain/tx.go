package onchain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/alejandrodnm/predictledger/internal/domain"
)

const (
	defaultGasLimit        = uint64(300_000)
	gasPriceUpdateInterval = 5 * time.Minute
)

// PendingTxError reports a transaction that was broadcast but whose receipt
// did not arrive in time. The operation may still be mined.
type PendingTxError struct {
	Hash string
	Err  error
}

func (e *PendingTxError) Error() string {
	return fmt.Sprintf("onchain: tx %s not confirmed: %v", e.Hash, e.Err)
}

func (e *PendingTxError) Unwrap() error { return e.Err }

// TxHash returns the hash of the unconfirmed transaction.
func (e *PendingTxError) TxHash() string { return e.Hash }

// transact signs and sends a contract call from the given address and waits
// for its receipt. A revert, either at estimation or once mined, is reported
// as domain.ErrRecordConflict: the contract refused the operation.
func (c *ContractBackend) transact(ctx context.Context, from common.Address, value *big.Int, data []byte) (*types.Receipt, error) {
	if !c.signer.Has(from) {
		return nil, fmt.Errorf("%w: %s", ErrNoSigner, from.Hex())
	}

	signed, err := c.send(ctx, from, value, data)
	if err != nil {
		return nil, err
	}
	hash := signed.Hash()

	rctx, cancel := context.WithTimeout(ctx, c.cfg.ReceiptTimeout)
	defer cancel()

	receipt, err := c.waitForReceipt(rctx, hash)
	if err != nil {
		slog.Warn("onchain: could not confirm receipt, tx may still succeed", "tx", hash.Hex(), "err", err)
		return nil, &PendingTxError{Hash: hash.Hex(), Err: err}
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("onchain: tx %s reverted: %w", hash.Hex(), domain.ErrRecordConflict)
	}
	return receipt, nil
}

// send holds sendMu from nonce lookup to broadcast so concurrent callers
// never reuse a nonce.
func (c *ContractBackend) send(ctx context.Context, from common.Address, value *big.Int, data []byte) (*types.Transaction, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	nonce, err := c.client.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("onchain: nonce: %w", err)
	}

	gasPrice := c.gasPrice(ctx)

	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	gas, err := c.client.EstimateGas(ctx, ethereum.CallMsg{
		From:     from,
		To:       &c.contract,
		GasPrice: gasPrice,
		Value:    value,
		Data:     data,
	})
	if err != nil {
		if isRevert(err) {
			return nil, fmt.Errorf("onchain: estimate gas: %v: %w", err, domain.ErrRecordConflict)
		}
		gas = defaultGasLimit
		slog.Warn("onchain: gas estimate failed, using default", "err", err, "limit", gas)
	}
	gas = gas * 12 / 10

	tx := types.NewTransaction(nonce, c.contract, value, gas, gasPrice, data)
	signed, err := c.signer.SignTx(from, tx, c.chainID)
	if err != nil {
		return nil, fmt.Errorf("onchain: sign tx: %w", err)
	}

	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	if err := c.client.SendTransaction(ctx, signed); err != nil {
		if isRevert(err) {
			return nil, fmt.Errorf("onchain: send tx: %v: %w", err, domain.ErrRecordConflict)
		}
		return nil, fmt.Errorf("onchain: send tx: %w", err)
	}
	slog.Info("onchain: transaction sent", "from", from.Hex(), "tx", signed.Hash().Hex(), "nonce", nonce)
	return signed, nil
}

// gasPrice returns the cached gas price plus 10%, refreshing when stale.
func (c *ContractBackend) gasPrice(ctx context.Context) *big.Int {
	c.gasMu.RLock()
	cached, at := c.cachedGas, c.gasAt
	c.gasMu.RUnlock()

	if cached != nil && time.Since(at) < gasPriceUpdateInterval {
		return cached
	}

	price, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		if cached != nil {
			return cached
		}
		slog.Warn("onchain: gas price unavailable, using fallback", "err", err)
		return big.NewInt(30_000_000_000) // 30 gwei
	}

	buffered := new(big.Int).Mul(price, big.NewInt(11))
	buffered.Div(buffered, big.NewInt(10))

	c.gasMu.Lock()
	c.cachedGas = buffered
	c.gasAt = time.Now()
	c.gasMu.Unlock()
	return buffered
}

// waitForReceipt polls for a transaction receipt until mined or ctx ends.
func (c *ContractBackend) waitForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			receipt, err := c.client.TransactionReceipt(ctx, hash)
			if err != nil {
				continue // not yet mined
			}
			return receipt, nil
		}
	}
}

// Confirm reports whether a broadcast transaction was mined and succeeded.
func (c *ContractBackend) Confirm(ctx context.Context, txHash string) (domain.TxStatus, error) {
	if err := c.wait(ctx); err != nil {
		return domain.TxUnknown, err
	}
	receipt, err := c.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if errors.Is(err, ethereum.NotFound) {
		return domain.TxUnknown, nil
	}
	if err != nil {
		return domain.TxUnknown, fmt.Errorf("onchain.Confirm: %s: %w", txHash, err)
	}
	if receipt.Status == types.ReceiptStatusSuccessful {
		return domain.TxConfirmed, nil
	}
	return domain.TxReverted, nil
}

func isRevert(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "revert")
}
