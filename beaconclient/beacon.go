// Package beaconclient provides best-effort access to the consensus-layer
// Beacon Node REST API (spec.md §4.C). Unlike rpcclient, there is no
// ecosystem Go client for this API in the example corpus, so this package
// talks plain JSON-over-HTTP (see DESIGN.md for why net/http rather than a
// third-party REST client is the grounded choice here).
package beaconclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/shubhamdubey02/ethindexer/errs"
	"github.com/shubhamdubey02/ethindexer/model"
	"github.com/shubhamdubey02/ethindexer/ratelimit"
)

// Client is a best-effort Beacon Node REST client. Every lookup the block
// processor makes against it is optional enrichment: a failure here never
// fails block processing (spec §4.F); the processor then fills Block.Beacon
// with only a Slot and Epoch estimated from the block timestamp.
type Client struct {
	base   *url.URL
	http   *http.Client
	gate   *ratelimit.Gate
	log    log.Logger

	mu           sync.Mutex
	genesisTime  uint64
	secPerSlot   uint64
	haveGenesis  bool
}

// New constructs a Client against a Beacon Node base URL, e.g.
// "http://localhost:5052".
func New(baseURL string, gate *ratelimit.Gate, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("beaconclient: parse base url: %w", err)
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		base: u,
		http: &http.Client{Timeout: timeout},
		gate: gate,
		log:  log.New("component", "beaconclient"),
		// 12s is the mainnet/most-testnet default; refined once /eth/v1/config/spec responds.
		secPerSlot: 12,
	}, nil
}

type genesisResponse struct {
	Data struct {
		GenesisTime string `json:"genesis_time"`
	} `json:"data"`
}

type specResponse struct {
	Data map[string]string `json:"data"`
}

func (c *Client) ensureGenesis(ctx context.Context) error {
	c.mu.Lock()
	if c.haveGenesis {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	var gr genesisResponse
	if err := c.get(ctx, "/eth/v1/beacon/genesis", &gr); err != nil {
		return err
	}
	genesisTime, err := strconv.ParseUint(gr.Data.GenesisTime, 10, 64)
	if err != nil {
		return errs.Semantic("beacon.genesis", fmt.Errorf("parse genesis_time: %w", err))
	}

	var sr specResponse
	secPerSlot := uint64(12)
	if err := c.get(ctx, "/eth/v1/config/spec", &sr); err == nil {
		if raw, ok := sr.Data["SECONDS_PER_SLOT"]; ok {
			if v, err := strconv.ParseUint(raw, 10, 64); err == nil {
				secPerSlot = v
			}
		}
	}

	c.mu.Lock()
	c.genesisTime = genesisTime
	c.secPerSlot = secPerSlot
	c.haveGenesis = true
	c.mu.Unlock()
	return nil
}

// SlotForTimestamp implements get_slot_for_timestamp: the slot whose start
// time is the latest one not after ts.
func (c *Client) SlotForTimestamp(ctx context.Context, ts uint64) (uint64, error) {
	if err := c.ensureGenesis(ctx); err != nil {
		return 0, err
	}
	c.mu.Lock()
	genesis, sps := c.genesisTime, c.secPerSlot
	c.mu.Unlock()

	if ts < genesis {
		return 0, nil
	}
	return (ts - genesis) / sps, nil
}

type blockEnvelope struct {
	Data struct {
		Message struct {
			Slot          string `json:"slot"`
			ProposerIndex string `json:"proposer_index"`
			ParentRoot    string `json:"parent_root"`
			StateRoot     string `json:"state_root"`
			Body          struct {
				RandaoReveal     string `json:"randao_reveal"`
				Graffiti         string `json:"graffiti"`
				ExecutionPayload struct {
					BlockHash    string `json:"block_hash"`
					PrevRandao   string `json:"prev_randao"`
				} `json:"execution_payload"`
				Eth1Data struct {
					DepositCount string `json:"deposit_count"`
				} `json:"eth1_data"`
			} `json:"body"`
		} `json:"message"`
	} `json:"data"`
}

const slotsPerEpoch = 32

// BlockBySlot implements get_block_by_slot.
func (c *Client) BlockBySlot(ctx context.Context, slot uint64) (*model.BeaconInfo, error) {
	var env blockEnvelope
	path := fmt.Sprintf("/eth/v2/beacon/blocks/%d", slot)
	if err := c.get(ctx, path, &env); err != nil {
		return nil, err
	}
	return c.toBeaconInfo(&env)
}

// BlockByExecutionHash implements get_block_by_execution_hash: the beacon
// API has no direct index by execution payload hash, so this estimates the
// slot from the block timestamp and scans a small window around it,
// grounded on the beacon spec's fixed slot cadence.
func (c *Client) BlockByExecutionHash(ctx context.Context, execHash common.Hash, blockTimestamp uint64) (*model.BeaconInfo, error) {
	slot, err := c.SlotForTimestamp(ctx, blockTimestamp)
	if err != nil {
		return nil, err
	}

	const window = 2
	for delta := -window; delta <= window; delta++ {
		candidate := int64(slot) + int64(delta)
		if candidate < 0 {
			continue
		}
		info, hash, err := c.blockBySlotWithHash(ctx, uint64(candidate))
		if err != nil {
			continue // missed/empty slot, try the next
		}
		if hash == execHash {
			return info, nil
		}
	}
	return nil, errs.Semantic("beacon.block_by_execution_hash", fmt.Errorf("no beacon block found for execution hash %s near slot %d", execHash, slot))
}

func (c *Client) blockBySlotWithHash(ctx context.Context, slot uint64) (*model.BeaconInfo, common.Hash, error) {
	var env blockEnvelope
	path := fmt.Sprintf("/eth/v2/beacon/blocks/%d", slot)
	if err := c.get(ctx, path, &env); err != nil {
		return nil, common.Hash{}, err
	}
	info, err := c.toBeaconInfo(&env)
	if err != nil {
		return nil, common.Hash{}, err
	}
	return info, common.HexToHash(env.Data.Message.Body.ExecutionPayload.BlockHash), nil
}

func (c *Client) toBeaconInfo(env *blockEnvelope) (*model.BeaconInfo, error) {
	msg := env.Data.Message
	slot, err := strconv.ParseUint(msg.Slot, 10, 64)
	if err != nil {
		return nil, errs.Semantic("beacon.decode", fmt.Errorf("parse slot: %w", err))
	}
	proposer, err := strconv.ParseUint(msg.ProposerIndex, 10, 64)
	if err != nil {
		return nil, errs.Semantic("beacon.decode", fmt.Errorf("parse proposer_index: %w", err))
	}
	depositCount, _ := strconv.ParseUint(msg.Body.Eth1Data.DepositCount, 10, 64)

	return &model.BeaconInfo{
		Slot:               slot,
		ProposerIndex:      proposer,
		Epoch:              slot / slotsPerEpoch,
		SlotRoot:           common.HexToHash(msg.StateRoot),
		ParentRoot:         common.HexToHash(msg.ParentRoot),
		BeaconDepositCount: depositCount,
		Graffiti:           decodeGraffiti(msg.Body.Graffiti),
		RandaoReveal:       common.FromHex(msg.Body.RandaoReveal),
		RandaoMix:          common.HexToHash(msg.Body.ExecutionPayload.PrevRandao),
	}, nil
}

func decodeGraffiti(hexGraffiti string) string {
	raw := common.FromHex(hexGraffiti)
	return strings.TrimRight(string(raw), "\x00")
}

type errorEnvelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	h, err := c.gate.Acquire(ctx, ratelimit.ClassBeacon)
	if err != nil {
		return err
	}
	defer h.Release()

	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return errs.Fatal("beacon.request", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return errs.Transient("beacon."+path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errs.Semantic("beacon."+path, fmt.Errorf("not found: %s", path))
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return errs.Transient("beacon."+path, fmt.Errorf("status %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		var eenv errorEnvelope
		_ = json.NewDecoder(resp.Body).Decode(&eenv)
		return errs.Semantic("beacon."+path, fmt.Errorf("status %d: %s", resp.StatusCode, eenv.Message))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errs.Transient("beacon."+path, fmt.Errorf("decode response: %w", err))
	}
	return nil
}
