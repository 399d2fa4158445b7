package relayer

import (
	"context"
	"math/big"

	"gopropbridge/EVMRPC"
	"gopropbridge/STXRPC"
	"gopropbridge/config"
	"gopropbridge/types"

	"github.com/ethereum/go-ethereum/ethclient"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
)

// Observer yields confirmed raw events past the given cursor. Poll must be
// restartable from any previously returned cursor: on an unreachable or
// ambiguous endpoint it returns the cursor unchanged so nothing is skipped.
type Observer interface {
	Name() string
	Chain() types.ChainKey
	Interval() int
	Poll(ctx context.Context, cursor int64) ([]types.RawEvent, int64, error)
}

// StacksObserver polls the gateway's print events through the indexer.
type StacksObserver struct {
	cfg    *config.Configuration
	client *STXRPC.Client
	log    zerolog.Logger
}

func NewStacksObserver(cfg *config.Configuration, client *STXRPC.Client, log zerolog.Logger) *StacksObserver {
	return &StacksObserver{
		cfg:    cfg,
		client: client,
		log:    log.With().Str("component", "observer").Str("chain", "stacks").Logger(),
	}
}

func (o *StacksObserver) Name() string          { return "stacks" }
func (o *StacksObserver) Chain() types.ChainKey { return types.CHAINKEY_STACKS }
func (o *StacksObserver) Interval() int         { return o.cfg.Stacks.PollSeconds }

func (o *StacksObserver) Poll(ctx context.Context, cursor int64) ([]types.RawEvent, int64, error) {
	height, err := o.client.BlockHeight()
	if err != nil {
		return nil, cursor, err
	}

	// only yield events at least minConfirmations deep, a reorg could
	// still retract anything younger
	safeHead := int64(height) - int64(o.cfg.Stacks.Confirmations)
	if cursor < 0 {
		// first run in a new environment, start at the safe head
		return nil, safeHead, nil
	}
	if safeHead <= cursor {
		return nil, cursor, nil
	}

	prints, err := o.client.ContractEvents(uint64(cursor+1), uint64(safeHead))
	if err != nil {
		return nil, cursor, err
	}

	raws := make([]types.RawEvent, 0, len(prints))
	for _, p := range prints {
		raw := types.StacksPrint{
			Topic:       p.Topic,
			PropertyID:  p.PropertyID,
			Principal:   p.Principal,
			Custodian:   p.Custodian,
			Stage:       p.Stage,
			TxID:        p.TxID,
			PrintIndex:  p.PrintIndex,
			BlockHeight: p.BlockHeight,
		}
		if p.Amount != "" {
			amount, ok := parseAmount(p.Amount)
			if !ok {
				o.log.Warn().Str("tx", p.TxID).Str("amount", p.Amount).Msg("unparsable print amount")
				continue
			}
			raw.Amount = amount
		}
		raws = append(raws, raw)
	}
	return raws, safeHead, nil
}

// EVMObserver scans custodial manager logs in block batches. It re-scans a
// safety window behind the cursor so the bridge's own submitted transactions
// are picked up for finalization; the ledger makes the overlap harmless.
type EVMObserver struct {
	cfg     *config.Configuration
	manager *EVMRPC.Manager
	log     zerolog.Logger
}

func NewEVMObserver(cfg *config.Configuration, manager *EVMRPC.Manager, log zerolog.Logger) *EVMObserver {
	return &EVMObserver{
		cfg:     cfg,
		manager: manager,
		log:     log.With().Str("component", "observer").Str("chain", "evm").Logger(),
	}
}

func (o *EVMObserver) Name() string          { return "evm" }
func (o *EVMObserver) Chain() types.ChainKey { return types.CHAINKEY_EVM }
func (o *EVMObserver) Interval() int         { return o.cfg.EVM.PollSeconds }

func (o *EVMObserver) Poll(ctx context.Context, cursor int64) ([]types.RawEvent, int64, error) {
	latest, err := EVMRPC.WithClient(o.cfg, func(client *ethclient.Client) (uint64, error) {
		return client.BlockNumber(ctx)
	})
	if err != nil {
		return nil, cursor, err
	}

	safeHead := int64(latest) - int64(o.cfg.EVM.Confirmations)
	if cursor < 0 {
		return nil, int64(latest) - int64(o.cfg.EVM.SafetyWindow), nil
	}
	if safeHead <= cursor {
		return nil, cursor, nil
	}

	from := cursor + 1 - int64(o.cfg.EVM.SafetyWindow)
	if from < 0 {
		from = 0
	}

	var raws []types.RawEvent
	newCursor := cursor
	batch := int64(o.cfg.EVM.BlockBatch)

	for start := from; start <= safeHead; start += batch {
		end := start + batch - 1
		if end > safeHead {
			end = safeHead
		}
		o.log.Debug().Int64("from", start).Int64("to", end).Msg("scanning blocks")

		logs, err := EVMRPC.WithClient(o.cfg, func(client *ethclient.Client) ([]ethtypes.Log, error) {
			return client.FilterLogs(ctx, o.manager.FilterQuery(start, end))
		})
		if err != nil {
			// don't advance past what was fully scanned
			o.log.Warn().Err(err).Msg("error querying EVM RPC")
			return raws, newCursor, err
		}

		for _, l := range logs {
			decoded, err := o.manager.ParseLog(l)
			if err != nil {
				o.log.Warn().Err(err).Str("tx", l.TxHash.Hex()).Msg("undecodable manager log")
				continue
			}
			raws = append(raws, *decoded)
		}
		if end > newCursor {
			newCursor = end
		}
	}
	return raws, newCursor, nil
}

func parseAmount(s string) (*big.Int, bool) {
	return new(big.Int).SetString(s, 10)
}
