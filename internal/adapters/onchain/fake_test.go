package onchain

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

// fakeChain answers contract calls from in-memory state and mines every sent
// transaction immediately unless hold is set.
type fakeChain struct {
	mu sync.Mutex

	markets  []marketTuple
	userBets map[string][2]*big.Int
	logs     []types.Log
	head     uint64

	sent     []*types.Transaction
	receipts map[common.Hash]*types.Receipt

	hold        bool  // never mine
	revert      bool  // mine with failed status
	estimateErr error
	sendErr     error
	callErr     error
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		userBets: make(map[string][2]*big.Int),
		receipts: make(map[common.Hash]*types.Receipt),
		head:     100,
	}
}

func betsKey(who common.Address, id uint64) string {
	return fmt.Sprintf("%s:%d", who.Hex(), id)
}

func (f *fakeChain) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.callErr != nil {
		return nil, f.callErr
	}
	method, err := marketABI.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	args, err := method.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, err
	}
	switch method.Name {
	case "getMarketCount":
		return method.Outputs.Pack(big.NewInt(int64(len(f.markets))))
	case "getMarket":
		i := args[0].(*big.Int).Int64()
		if i < 1 || int(i) > len(f.markets) {
			return nil, fmt.Errorf("execution reverted: market does not exist")
		}
		return method.Outputs.Pack(f.markets[i-1])
	case "getUserBets":
		b, ok := f.userBets[betsKey(args[0].(common.Address), args[1].(*big.Int).Uint64())]
		if !ok {
			b = [2]*big.Int{big.NewInt(0), big.NewInt(0)}
		}
		return method.Outputs.Pack(b[0], b[1])
	case "canClaim":
		b := f.userBets[betsKey(args[0].(common.Address), args[1].(*big.Int).Uint64())]
		if b[0] == nil {
			return method.Outputs.Pack(false, big.NewInt(0))
		}
		return method.Outputs.Pack(true, b[0])
	}
	return nil, fmt.Errorf("fake: unexpected call %s", method.Name)
}

func (f *fakeChain) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.Log
	for _, lg := range f.logs {
		if lg.BlockNumber >= q.FromBlock.Uint64() && lg.BlockNumber <= q.ToBlock.Uint64() {
			out = append(out, lg)
		}
	}
	return out, nil
}

func (f *fakeChain) BlockNumber(context.Context) (uint64, error) { return f.head, nil }

func (f *fakeChain) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.sent)), nil
}

func (f *fakeChain) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeChain) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	if f.estimateErr != nil {
		return 0, f.estimateErr
	}
	return 100_000, nil
}

func (f *fakeChain) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	if f.hold {
		return nil
	}
	f.mine(tx)
	return nil
}

// mine records a receipt for tx. Caller holds mu.
func (f *fakeChain) mine(tx *types.Transaction) {
	r := &types.Receipt{TxHash: tx.Hash(), GasUsed: 50_000, Status: types.ReceiptStatusSuccessful}
	if f.revert {
		r.Status = types.ReceiptStatusFailed
	}
	method, err := marketABI.MethodById(tx.Data()[:4])
	if err == nil && method.Name == "createMarket" && !f.revert {
		args, _ := method.Inputs.Unpack(tx.Data()[4:])
		f.markets = append(f.markets, marketTuple{
			Question: args[0].(string), Deadline: args[1].(*big.Int),
			TotalYesBets: big.NewInt(0), TotalNoBets: big.NewInt(0),
			YesPool: big.NewInt(0), NoPool: big.NewInt(0),
			CreatedAt: big.NewInt(time.Now().Unix()), ResolvedAt: big.NewInt(0),
		})
		id := common.BigToHash(big.NewInt(int64(len(f.markets))))
		r.Logs = []*types.Log{{Topics: []common.Hash{topicMarketCreated, id}}}
	}
	f.receipts[tx.Hash()] = r
}

// mineHeld mines every held transaction.
func (f *fakeChain) mineHeld() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tx := range f.sent {
		if _, ok := f.receipts[tx.Hash()]; !ok {
			f.mine(tx)
		}
	}
}

func (f *fakeChain) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *fakeChain) Close() {}

func (f *fakeChain) lastSent(t *testing.T) (*types.Transaction, string, []any) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.sent)
	tx := f.sent[len(f.sent)-1]
	method, err := marketABI.MethodById(tx.Data()[:4])
	require.NoError(t, err)
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	return tx, method.Name, args
}

// betLog builds a BetPlaced log.
func betLog(t *testing.T, block uint64, id int64, who common.Address, yes bool, wei *big.Int) types.Log {
	t.Helper()
	data, err := marketABI.Events["BetPlaced"].Inputs.NonIndexed().Pack(yes, wei)
	require.NoError(t, err)
	return types.Log{
		BlockNumber: block,
		Topics:      []common.Hash{topicBetPlaced, common.BigToHash(big.NewInt(id)), common.BytesToHash(who.Bytes())},
		Data:        data,
	}
}

// claimLog builds a WinningsClaimed log.
func claimLog(t *testing.T, block uint64, id int64, who common.Address, wei *big.Int) types.Log {
	t.Helper()
	data, err := marketABI.Events["WinningsClaimed"].Inputs.NonIndexed().Pack(wei)
	require.NoError(t, err)
	return types.Log{
		BlockNumber: block,
		Topics:      []common.Hash{topicWinningsClaimed, common.BigToHash(big.NewInt(id)), common.BytesToHash(who.Bytes())},
		Data:        data,
	}
}

// newKey returns a fresh private key as hex and its address.
func newKey(t *testing.T) (string, common.Address) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return hex.EncodeToString(crypto.FromECDSA(key)), crypto.PubkeyToAddress(key.PublicKey)
}

func newTestBackend(t *testing.T, chain *fakeChain, keys ...string) *ContractBackend {
	t.Helper()
	signer, err := NewKeyringSigner(keys...)
	require.NoError(t, err)
	b := newBackend(chain, Config{
		Contract:          "0x00000000000000000000000000000000000000aa",
		ReceiptTimeout:    200 * time.Millisecond,
		RequestsPerSecond: 10_000,
	}, signer)
	b.pollInterval = time.Millisecond
	return b
}

func wei(eth int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(eth), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}
