package onchain

// contract.go: ABI of the prediction market contract.
//
// Functions:
//   createMarket(question, deadline) payable → marketId
//   placeBet(marketId, choice)       payable, msg.value is the stake
//   resolveMarket(marketId, outcome) admin only
//   redeem(marketId)                 pays the caller's winning stake
// Views: getMarket, getMarketCount, getUserBets, canClaim.

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const marketABIJSON = `[
	{"name":"createMarket","type":"function","stateMutability":"payable",
	 "inputs":[{"name":"question","type":"string"},{"name":"deadline","type":"uint256"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"name":"placeBet","type":"function","stateMutability":"payable",
	 "inputs":[{"name":"marketId","type":"uint256"},{"name":"choice","type":"bool"}],
	 "outputs":[]},
	{"name":"resolveMarket","type":"function","stateMutability":"nonpayable",
	 "inputs":[{"name":"marketId","type":"uint256"},{"name":"outcome","type":"bool"}],
	 "outputs":[]},
	{"name":"redeem","type":"function","stateMutability":"nonpayable",
	 "inputs":[{"name":"marketId","type":"uint256"}],
	 "outputs":[]},
	{"name":"getMarket","type":"function","stateMutability":"view",
	 "inputs":[{"name":"marketId","type":"uint256"}],
	 "outputs":[{"name":"","type":"tuple","components":[
		{"name":"question","type":"string"},
		{"name":"deadline","type":"uint256"},
		{"name":"creator","type":"address"},
		{"name":"isResolved","type":"bool"},
		{"name":"outcome","type":"bool"},
		{"name":"totalYesBets","type":"uint256"},
		{"name":"totalNoBets","type":"uint256"},
		{"name":"yesPool","type":"uint256"},
		{"name":"noPool","type":"uint256"},
		{"name":"createdAt","type":"uint256"},
		{"name":"resolvedAt","type":"uint256"}]}]},
	{"name":"getMarketCount","type":"function","stateMutability":"view",
	 "inputs":[],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"name":"getUserBets","type":"function","stateMutability":"view",
	 "inputs":[{"name":"user","type":"address"},{"name":"marketId","type":"uint256"}],
	 "outputs":[{"name":"yesBets","type":"uint256"},{"name":"noBets","type":"uint256"}]},
	{"name":"canClaim","type":"function","stateMutability":"view",
	 "inputs":[{"name":"user","type":"address"},{"name":"marketId","type":"uint256"}],
	 "outputs":[{"name":"","type":"bool"},{"name":"","type":"uint256"}]},
	{"name":"MarketCreated","type":"event","anonymous":false,
	 "inputs":[{"name":"marketId","type":"uint256","indexed":true},
	           {"name":"question","type":"string","indexed":false},
	           {"name":"deadline","type":"uint256","indexed":false},
	           {"name":"creator","type":"address","indexed":false}]},
	{"name":"BetPlaced","type":"event","anonymous":false,
	 "inputs":[{"name":"marketId","type":"uint256","indexed":true},
	           {"name":"user","type":"address","indexed":true},
	           {"name":"choice","type":"bool","indexed":false},
	           {"name":"amount","type":"uint256","indexed":false}]},
	{"name":"MarketResolved","type":"event","anonymous":false,
	 "inputs":[{"name":"marketId","type":"uint256","indexed":true},
	           {"name":"outcome","type":"bool","indexed":false}]},
	{"name":"WinningsClaimed","type":"event","anonymous":false,
	 "inputs":[{"name":"marketId","type":"uint256","indexed":true},
	           {"name":"user","type":"address","indexed":true},
	           {"name":"amount","type":"uint256","indexed":false}]}
]`

var marketABI abi.ABI

// Event topics.
var (
	topicMarketCreated   = crypto.Keccak256Hash([]byte("MarketCreated(uint256,string,uint256,address)"))
	topicBetPlaced       = crypto.Keccak256Hash([]byte("BetPlaced(uint256,address,bool,uint256)"))
	topicMarketResolved  = crypto.Keccak256Hash([]byte("MarketResolved(uint256,bool)"))
	topicWinningsClaimed = crypto.Keccak256Hash([]byte("WinningsClaimed(uint256,address,uint256)"))
)

func init() {
	var err error
	marketABI, err = abi.JSON(strings.NewReader(marketABIJSON))
	if err != nil {
		panic("market abi parse: " + err.Error())
	}
}

// marketTuple mirrors the getMarket return tuple. Field names follow the
// ABI component names so abi.ConvertType can fill it.
type marketTuple struct {
	Question     string
	Deadline     *big.Int
	Creator      common.Address
	IsResolved   bool
	Outcome      bool
	TotalYesBets *big.Int
	TotalNoBets  *big.Int
	YesPool      *big.Int
	NoPool       *big.Int
	CreatedAt    *big.Int
	ResolvedAt   *big.Int
}
