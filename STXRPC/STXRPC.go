package STXRPC

import (
	"errors"
	"fmt"
	"math/big"
	"net/http"

	"gopropbridge/config"

	"github.com/rs/zerolog"
	"github.com/ybbus/jsonrpc"
)

// Client talks to a Stacks indexer node over JSON-RPC. The gateway contract
// is observed through paged print events and mutated only through the
// relayer-update-stage entry point.
type Client struct {
	cfg  *config.Configuration
	log  zerolog.Logger
	http *http.Client
}

func New(cfg *config.Configuration, log zerolog.Logger) *Client {
	return &Client{
		cfg: cfg,
		log: log.With().Str("component", "stxrpc").Logger(),
		// a stalled indexer must not starve the other chain's processing
		http: &http.Client{Timeout: cfg.RPCTimeout()},
	}
}

// PrintEvent is the indexer's wire representation of a gateway print.
// Amount is a decimal string in micro-sBTC.
type PrintEvent struct {
	Topic       string `json:"topic"`
	PropertyID  uint64 `json:"property_id"`
	Principal   string `json:"principal"`
	Custodian   string `json:"custodian,omitempty"`
	Amount      string `json:"amount,omitempty"`
	Stage       int    `json:"stage"`
	TxID        string `json:"tx_id"`
	PrintIndex  uint32 `json:"print_index"`
	BlockHeight uint64 `json:"block_height"`
}

type eventsPage struct {
	Events []PrintEvent `json:"events"`
	Total  int          `json:"total"`
}

// withClient tries each configured RPC endpoint in order until one answers.
func withClient[T any](c *Client, f func(rpc jsonrpc.RPCClient) (T, error)) (res T, err error) {
	if len(c.cfg.Stacks.RPCList) == 0 {
		err = errors.New("no Stacks RPC endpoints configured")
		return
	}
	for _, url := range c.cfg.Stacks.RPCList {
		rpc := jsonrpc.NewClientWithOpts(url, &jsonrpc.RPCClientOpts{HTTPClient: c.http})
		res, err = f(rpc)
		if err == nil {
			return
		}
		c.log.Warn().Str("url", url).Err(err).Msg("Stacks RPC endpoint failed, trying next")
	}
	return
}

func (c *Client) BlockHeight() (uint64, error) {
	return withClient(c, func(rpc jsonrpc.RPCClient) (uint64, error) {
		var height uint64
		err := rpc.CallFor(&height, "get_block_height")
		return height, err
	})
}

// ContractEvents returns gateway prints for the height range, oldest first.
// Paging follows the indexer's offset/limit convention.
func (c *Client) ContractEvents(fromHeight, toHeight uint64) ([]PrintEvent, error) {
	var all []PrintEvent
	offset := 0
	for {
		page, err := withClient(c, func(rpc jsonrpc.RPCClient) (*eventsPage, error) {
			var p eventsPage
			err := rpc.CallFor(&p, "get_contract_prints",
				c.cfg.Stacks.GatewayContract, fromHeight, toHeight, offset, c.cfg.Stacks.PageSize)
			if err != nil {
				return nil, err
			}
			return &p, nil
		})
		if err != nil {
			return nil, err
		}

		all = append(all, page.Events...)
		offset += len(page.Events)
		if offset >= page.Total || len(page.Events) == 0 {
			break
		}
	}
	return all, nil
}

// ReadStage calls the gateway's read-only stage getter.
func (c *Client) ReadStage(propertyID uint64) (int, error) {
	return withClient(c, func(rpc jsonrpc.RPCClient) (int, error) {
		var stage int
		err := rpc.CallFor(&stage, "read_contract", c.cfg.Stacks.GatewayContract, "get-property-stage", propertyID)
		return stage, err
	})
}

// LockedBalance reads the gateway's locked micro-sBTC custody for a property.
func (c *Client) LockedBalance(propertyID uint64) (*big.Int, error) {
	raw, err := withClient(c, func(rpc jsonrpc.RPCClient) (string, error) {
		var balance string
		err := rpc.CallFor(&balance, "read_contract", c.cfg.Stacks.GatewayContract, "get-locked-balance", propertyID)
		return balance, err
	})
	if err != nil {
		return nil, err
	}
	bal, ok := big.NewInt(0).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("cannot parse locked balance %q", raw)
	}
	return bal, nil
}

// UpdateStage submits relayer-update-stage, the only gateway entry point the
// relayer is authorized to call. Returns the Stacks txid.
func (c *Client) UpdateStage(propertyID uint64, stage int, proof string) (string, error) {
	return withClient(c, func(rpc jsonrpc.RPCClient) (string, error) {
		var txid string
		err := rpc.CallFor(&txid, "submit_contract_call",
			c.cfg.Stacks.GatewayContract, "relayer-update-stage",
			c.cfg.Stacks.RelayerKey, propertyID, stage, proof)
		return txid, err
	})
}
