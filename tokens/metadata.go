package tokens

import (
	"context"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/singleflight"

	"github.com/shubhamdubey02/ethindexer/model"
)

// minimalERC20ABI covers the three metadata read calls, name(), symbol()
// and decimals(), plus balanceOf() for balance refreshes. Each metadata call
// is invoked independently so one reverting call never blocks the others,
// per spec §4.E.3.
const minimalERC20ABI = `[
  {"constant":true,"inputs":[],"name":"name","outputs":[{"name":"","type":"string"}],"type":"function"},
  {"constant":true,"inputs":[],"name":"symbol","outputs":[{"name":"","type":"string"}],"type":"function"},
  {"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"type":"function"},
  {"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

var erc20ABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(minimalERC20ABI))
	if err != nil {
		panic("tokens: invalid embedded ERC20 ABI: " + err.Error())
	}
	erc20ABI = parsed
}

// CallerClient is the subset of rpcclient.Client the token service needs.
type CallerClient interface {
	Call(ctx context.Context, to common.Address, data []byte, blockNumber *uint64) ([]byte, error)
	Code(ctx context.Context, addr common.Address, blockNumber *uint64) ([]byte, error)
}

// MetadataService fetches and caches ERC-20/721/1155 token metadata. A
// cache hit with all fields non-null never triggers a refetch, per spec
// §4.E.3; cache writes on miss are serialized per address via singleflight,
// per spec §9.
type MetadataService struct {
	client CallerClient
	cache  *lru.Cache
	group  singleflight.Group
	log    log.Logger
}

// NewMetadataService builds a service with an in-memory LRU cache of the
// given size.
func NewMetadataService(client CallerClient, cacheSize int) (*MetadataService, error) {
	if cacheSize <= 0 {
		cacheSize = 4096
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	return &MetadataService{client: client, cache: cache, log: log.New("component", "tokens.metadata")}, nil
}

// Fetch returns cached metadata if fully populated, otherwise fetches
// name/symbol/decimals via eth_call (each independently tolerated; null on
// failure) and caches the result.
func (m *MetadataService) Fetch(ctx context.Context, addr common.Address, tokenType model.TokenType, blockNumber uint64) model.Token {
	if cached, ok := m.cache.Get(addr); ok {
		t := cached.(model.Token)
		if t.Name != nil && t.Symbol != nil && t.Decimals != nil {
			return t
		}
	}

	v, _, _ := m.group.Do(addr.Hex(), func() (interface{}, error) {
		t := model.Token{Address: addr, TokenType: tokenType, FirstSeenBlock: blockNumber, LastSeenBlock: blockNumber}
		t.Name = m.callString(ctx, addr, "name", blockNumber)
		t.Symbol = m.callString(ctx, addr, "symbol", blockNumber)
		t.Decimals = m.callUint8(ctx, addr, "decimals", blockNumber)
		m.cache.Add(addr, t)
		return t, nil
	})
	return v.(model.Token)
}

func (m *MetadataService) callString(ctx context.Context, addr common.Address, method string, blockNumber uint64) *string {
	data, err := erc20ABI.Pack(method)
	if err != nil {
		return nil
	}
	out, err := m.client.Call(ctx, addr, data, &blockNumber)
	if err != nil || len(out) == 0 {
		return nil
	}
	results, err := erc20ABI.Unpack(method, out)
	if err != nil || len(results) == 0 {
		return nil
	}
	s, ok := results[0].(string)
	if !ok {
		return nil
	}
	return &s
}

func (m *MetadataService) callUint8(ctx context.Context, addr common.Address, method string, blockNumber uint64) *uint8 {
	data, err := erc20ABI.Pack(method)
	if err != nil {
		return nil
	}
	out, err := m.client.Call(ctx, addr, data, &blockNumber)
	if err != nil || len(out) == 0 {
		return nil
	}
	results, err := erc20ABI.Unpack(method, out)
	if err != nil || len(results) == 0 {
		return nil
	}
	d, ok := results[0].(uint8)
	if !ok {
		return nil
	}
	return &d
}

// HasCode adapts CallerClient.Code into the predicate DeriveTransfers
// wants, caching EOA/contract status per address since it never changes.
type CodeCache struct {
	client CallerClient
	mu     sync.Mutex
	known  map[common.Address]bool
}

func NewCodeCache(client CallerClient) *CodeCache {
	return &CodeCache{client: client, known: make(map[common.Address]bool)}
}

func (c *CodeCache) HasCode(ctx context.Context, addr common.Address) bool {
	c.mu.Lock()
	if v, ok := c.known[addr]; ok {
		c.mu.Unlock()
		return v
	}
	c.mu.Unlock()

	code, err := c.client.Code(ctx, addr, nil)
	has := err == nil && len(code) > 0

	c.mu.Lock()
	c.known[addr] = has
	c.mu.Unlock()
	return has
}
