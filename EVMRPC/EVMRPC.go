package EVMRPC

import (
	"errors"

	"gopropbridge/config"

	"github.com/ethereum/go-ethereum/ethclient"
)

// WithClient runs f against each configured RPC endpoint in order until one
// succeeds, dialing and closing per call.
func WithClient[T any](cfg *config.Configuration, f func(client *ethclient.Client) (T, error)) (res T, err error) {
	if len(cfg.EVM.RPCList) == 0 {
		err = errors.New("no EVM RPC endpoints configured")
		return
	}

	var client *ethclient.Client
	for _, url := range cfg.EVM.RPCList {
		client, err = ethclient.Dial(url)
		if err != nil {
			continue
		}

		res, err = f(client)
		client.Close()
		if err == nil {
			return
		}
	}
	return
}
