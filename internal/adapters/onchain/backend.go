// Package onchain implements the external ledger on an EVM prediction
// market contract. Every ledger mutation becomes a signed transaction; Load
// rebuilds records from contract views and event logs.
package onchain

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/alejandrodnm/predictledger/internal/domain"
)

// Networks the contract is deployed on.
var SupportedChains = map[int64]string{
	1:        "mainnet",
	5:        "goerli",
	11155111: "sepolia",
}

const (
	DefaultChainID        = int64(11155111)
	defaultReceiptTimeout = 60 * time.Second
	defaultLogChunk       = uint64(10_000)
	defaultRPS            = 10.0
)

// chainClient is the subset of ethclient.Client the backend uses.
type chainClient interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	BlockNumber(ctx context.Context) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	Close()
}

// Config points the backend at a deployed contract.
type Config struct {
	RPCURL   string
	Contract string
	ChainID  int64

	// StartBlock is the deployment block; event scans begin there.
	StartBlock uint64
	// LogChunk bounds the block range of a single eth_getLogs call.
	LogChunk       uint64
	ReceiptTimeout time.Duration
	// RequestsPerSecond caps RPC traffic.
	RequestsPerSecond float64
}

// ContractBackend implements ports.LedgerBackend and ports.TxConfirmer.
type ContractBackend struct {
	client       chainClient
	contract     common.Address
	chainID      *big.Int
	signer       Signer
	limiter      *rate.Limiter
	cfg          Config
	pollInterval time.Duration

	sendMu sync.Mutex

	gasMu     sync.RWMutex
	cachedGas *big.Int
	gasAt     time.Time
}

// Dial connects to the RPC endpoint in cfg.
func Dial(cfg Config, signer Signer) (*ContractBackend, error) {
	if cfg.ChainID == 0 {
		cfg.ChainID = DefaultChainID
	}
	if _, ok := SupportedChains[cfg.ChainID]; !ok {
		return nil, fmt.Errorf("onchain.Dial: unsupported chain id %d", cfg.ChainID)
	}
	if !common.IsHexAddress(cfg.Contract) {
		return nil, fmt.Errorf("onchain.Dial: invalid contract address %q", cfg.Contract)
	}
	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("onchain.Dial: dial rpc %s: %w", cfg.RPCURL, err)
	}
	return newBackend(client, cfg, signer), nil
}

func newBackend(client chainClient, cfg Config, signer Signer) *ContractBackend {
	if cfg.ChainID == 0 {
		cfg.ChainID = DefaultChainID
	}
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = defaultReceiptTimeout
	}
	if cfg.LogChunk == 0 {
		cfg.LogChunk = defaultLogChunk
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = defaultRPS
	}
	return &ContractBackend{
		client:       client,
		contract:     common.HexToAddress(cfg.Contract),
		chainID:      big.NewInt(cfg.ChainID),
		signer:       signer,
		limiter:      rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), int(cfg.RequestsPerSecond)+1),
		cfg:          cfg,
		pollInterval: 3 * time.Second,
	}
}

func (c *ContractBackend) Name() string { return "onchain" }

// Close releases the RPC connection.
func (c *ContractBackend) Close() { c.client.Close() }

func (c *ContractBackend) wait(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("onchain: rate limit: %w", err)
	}
	return nil
}

// Apply executes m as a contract transaction signed by m.Actor.
func (c *ContractBackend) Apply(ctx context.Context, m domain.Mutation) error {
	if err := CheckIdentity(m.Actor); err != nil {
		return fmt.Errorf("onchain.Apply: %w", err)
	}
	from := common.HexToAddress(string(m.Actor))
	id := new(big.Int).SetUint64(uint64(m.Market.ID))

	var (
		method string
		args   []any
		value  = big.NewInt(0)
	)
	switch m.Kind {
	case domain.MutationCreateMarket:
		method = "createMarket"
		args = []any{m.Market.Question, big.NewInt(m.Market.Deadline.Unix())}
	case domain.MutationPlaceBet:
		if m.Bet == nil {
			return fmt.Errorf("onchain.Apply: %s without bet", m.Kind)
		}
		method = "placeBet"
		args = []any{id, m.Bet.Side.Choice()}
		value = toWei(m.Amount)
	case domain.MutationResolve:
		yes, ok := m.Market.Outcome.Value()
		if !ok {
			return fmt.Errorf("onchain.Apply: resolve without outcome for market %d", m.Market.ID)
		}
		method = "resolveMarket"
		args = []any{id, yes}
	case domain.MutationClaim:
		method = "redeem"
		args = []any{id}
	default:
		return fmt.Errorf("onchain.Apply: unknown mutation kind %q", m.Kind)
	}

	data, err := marketABI.Pack(method, args...)
	if err != nil {
		return fmt.Errorf("onchain.Apply: pack %s: %w", method, err)
	}

	receipt, err := c.transact(ctx, from, value, data)
	if err != nil {
		return fmt.Errorf("onchain.Apply: %s market %d: %w", method, m.Market.ID, err)
	}

	if m.Kind == domain.MutationCreateMarket {
		got, ok := createdMarketID(receipt)
		if !ok {
			return fmt.Errorf("onchain.Apply: createMarket: no MarketCreated event in %s", receipt.TxHash.Hex())
		}
		if got != m.Market.ID {
			return fmt.Errorf("onchain.Apply: contract assigned market %d, ledger expected %d: %w",
				got, m.Market.ID, domain.ErrRecordConflict)
		}
	}

	slog.Info("onchain: mutation applied", "kind", m.Kind, "market", m.Market.ID,
		"tx", receipt.TxHash.Hex(), "gas_used", receipt.GasUsed)
	return nil
}

func createdMarketID(r *types.Receipt) (domain.MarketID, bool) {
	for _, lg := range r.Logs {
		if len(lg.Topics) >= 2 && lg.Topics[0] == topicMarketCreated {
			return domain.MarketID(new(big.Int).SetBytes(lg.Topics[1].Bytes()).Uint64()), true
		}
	}
	return 0, false
}

// Load rebuilds every market and bet from the contract. Bet records come
// from getUserBets for each bettor seen in BetPlaced logs; claim flags and
// versions come from the event history.
func (c *ContractBackend) Load(ctx context.Context) (domain.LedgerState, error) {
	var state domain.LedgerState

	count, err := c.marketCount(ctx)
	if err != nil {
		return state, fmt.Errorf("onchain.Load: %w", err)
	}
	if count == 0 {
		return state, nil
	}

	hist, err := c.history(ctx)
	if err != nil {
		return state, fmt.Errorf("onchain.Load: %w", err)
	}

	for i := uint64(1); i <= count; i++ {
		id := domain.MarketID(i)
		t, err := c.market(ctx, id)
		if err != nil {
			return state, fmt.Errorf("onchain.Load: %w", err)
		}
		m := toMarket(id, t, hist)

		for _, who := range hist.bettors[id] {
			yes, no, err := c.userBets(ctx, who, id)
			if err != nil {
				return state, fmt.Errorf("onchain.Load: %w", err)
			}
			for side, wei := range map[domain.Side]*big.Int{domain.SideYes: yes, domain.SideNo: no} {
				if wei == nil || wei.Sign() == 0 {
					continue
				}
				b := domain.Bet{
					MarketID:  id,
					Bettor:    identity(who),
					Side:      side,
					Amount:    fromWei(wei),
					UpdatedAt: m.UpdatedAt,
				}
				b.Version = uint64(hist.stakes[b.Key()])
				if hist.claimed[claimKey{id, who}] && winning(m, side) {
					b.Claimed = true
					b.Version++
				}
				state.Bets = append(state.Bets, b)
			}
		}
		state.Markets = append(state.Markets, m)
	}

	slog.Debug("onchain: state loaded", "markets", len(state.Markets), "bets", len(state.Bets))
	return state, nil
}

func winning(m domain.Market, side domain.Side) bool {
	w, ok := m.Outcome.WinningSide()
	return ok && w == side
}

func toMarket(id domain.MarketID, t marketTuple, h *history) domain.Market {
	m := domain.Market{
		ID:           id,
		Question:     t.Question,
		Deadline:     time.Unix(t.Deadline.Int64(), 0).UTC(),
		Creator:      identity(t.Creator),
		YesPool:      fromWei(t.YesPool),
		NoPool:       fromWei(t.NoPool),
		TotalYesBets: h.count[sideKey{id, domain.SideYes}],
		TotalNoBets:  h.count[sideKey{id, domain.SideNo}],
		CreatedAt:    unixOrZero(t.CreatedAt),
	}
	m.Version = 1 + uint64(m.TotalYesBets+m.TotalNoBets) + uint64(h.claims[id])
	if t.IsResolved {
		m.Outcome = domain.ResolvedAs(t.Outcome)
		m.ResolvedAt = unixOrZero(t.ResolvedAt)
		m.Version++
	}
	m.UpdatedAt = m.CreatedAt
	if m.ResolvedAt.After(m.UpdatedAt) {
		m.UpdatedAt = m.ResolvedAt
	}
	return m
}

// --- views ---

func (c *ContractBackend) call(ctx context.Context, method string, args ...any) ([]any, error) {
	data, err := marketABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	out, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	vals, err := marketABI.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return vals, nil
}

func (c *ContractBackend) marketCount(ctx context.Context) (uint64, error) {
	vals, err := c.call(ctx, "getMarketCount")
	if err != nil {
		return 0, err
	}
	n, ok := vals[0].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("getMarketCount: unexpected %T", vals[0])
	}
	return n.Uint64(), nil
}

func (c *ContractBackend) market(ctx context.Context, id domain.MarketID) (marketTuple, error) {
	vals, err := c.call(ctx, "getMarket", new(big.Int).SetUint64(uint64(id)))
	if err != nil {
		return marketTuple{}, err
	}
	t := *abi.ConvertType(vals[0], new(marketTuple)).(*marketTuple)
	return t, nil
}

func (c *ContractBackend) userBets(ctx context.Context, who common.Address, id domain.MarketID) (yes, no *big.Int, err error) {
	vals, err := c.call(ctx, "getUserBets", who, new(big.Int).SetUint64(uint64(id)))
	if err != nil {
		return nil, nil, err
	}
	return vals[0].(*big.Int), vals[1].(*big.Int), nil
}

// Claimable asks the contract whether who can redeem market id, and for how much.
func (c *ContractBackend) Claimable(ctx context.Context, id domain.MarketID, who domain.Identity) (bool, decimal.Decimal, error) {
	vals, err := c.call(ctx, "canClaim", common.HexToAddress(string(who)), new(big.Int).SetUint64(uint64(id)))
	if err != nil {
		return false, decimal.Zero, fmt.Errorf("onchain.Claimable: %w", err)
	}
	return vals[0].(bool), fromWei(vals[1].(*big.Int)), nil
}

// --- event history ---

type sideKey struct {
	id   domain.MarketID
	side domain.Side
}

type claimKey struct {
	id  domain.MarketID
	who common.Address
}

// history aggregates the BetPlaced and WinningsClaimed logs.
type history struct {
	count   map[sideKey]int
	stakes  map[domain.BetKey]int
	claims  map[domain.MarketID]int
	claimed map[claimKey]bool
	bettors map[domain.MarketID][]common.Address
}

func newHistory() *history {
	return &history{
		count:   make(map[sideKey]int),
		stakes:  make(map[domain.BetKey]int),
		claims:  make(map[domain.MarketID]int),
		claimed: make(map[claimKey]bool),
		bettors: make(map[domain.MarketID][]common.Address),
	}
}

func (c *ContractBackend) history(ctx context.Context) (*history, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	head, err := c.client.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("block number: %w", err)
	}

	h := newHistory()
	seen := make(map[claimKey]bool)
	for from := c.cfg.StartBlock; from <= head; from += c.cfg.LogChunk {
		to := min(from+c.cfg.LogChunk-1, head)
		if err := c.wait(ctx); err != nil {
			return nil, err
		}
		logs, err := c.client.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(to),
			Addresses: []common.Address{c.contract},
			Topics:    [][]common.Hash{{topicBetPlaced, topicWinningsClaimed}},
		})
		if err != nil {
			return nil, fmt.Errorf("filter logs %d-%d: %w", from, to, err)
		}
		for _, lg := range logs {
			if err := h.add(lg, seen); err != nil {
				return nil, err
			}
		}
	}
	return h, nil
}

func (h *history) add(lg types.Log, seen map[claimKey]bool) error {
	if lg.Removed || len(lg.Topics) < 3 {
		return nil
	}
	id := domain.MarketID(new(big.Int).SetBytes(lg.Topics[1].Bytes()).Uint64())
	who := common.BytesToAddress(lg.Topics[2].Bytes())

	switch lg.Topics[0] {
	case topicBetPlaced:
		vals, err := marketABI.Unpack("BetPlaced", lg.Data)
		if err != nil {
			return fmt.Errorf("decode BetPlaced in %s: %w", lg.TxHash.Hex(), err)
		}
		side := domain.SideFromChoice(vals[0].(bool))
		h.count[sideKey{id, side}]++
		h.stakes[domain.BetKey{MarketID: id, Bettor: identity(who), Side: side}]++
		if k := (claimKey{id, who}); !seen[k] {
			seen[k] = true
			h.bettors[id] = append(h.bettors[id], who)
		}
	case topicWinningsClaimed:
		h.claims[id]++
		h.claimed[claimKey{id, who}] = true
	}
	return nil
}

// CheckIdentity accepts only identities that are hex account addresses.
func CheckIdentity(id domain.Identity) error {
	if !common.IsHexAddress(string(id)) {
		return fmt.Errorf("%q is not an account address: %w", id, domain.ErrInvalidIdentity)
	}
	return nil
}

// --- conversions ---

func identity(a common.Address) domain.Identity {
	return domain.Identity(strings.ToLower(a.Hex()))
}

func fromWei(wei *big.Int) decimal.Decimal {
	if wei == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(wei, -domain.AmountScale)
}

func toWei(d decimal.Decimal) *big.Int {
	return d.Shift(domain.AmountScale).BigInt()
}

func unixOrZero(v *big.Int) time.Time {
	if v == nil || v.Sign() == 0 {
		return time.Time{}
	}
	return time.Unix(v.Int64(), 0).UTC()
}
