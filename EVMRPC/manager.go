package EVMRPC

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"gopropbridge/config"
	"gopropbridge/types"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// custodial manager surface the relayer is authorized to use
const managerABI = `[
	{"type":"function","name":"creditDeposit","stateMutability":"nonpayable","inputs":[{"name":"propertyId","type":"uint256"},{"name":"custodian","type":"address"},{"name":"amount","type":"uint256"},{"name":"sourceTxHash","type":"bytes32"},{"name":"proof","type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"debitWithdrawal","stateMutability":"nonpayable","inputs":[{"name":"propertyId","type":"uint256"},{"name":"custodian","type":"address"},{"name":"amount","type":"uint256"},{"name":"sourceTxHash","type":"bytes32"},{"name":"proof","type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"applyStage","stateMutability":"nonpayable","inputs":[{"name":"propertyId","type":"uint256"},{"name":"stage","type":"uint8"},{"name":"proof","type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"acknowledgeStage","stateMutability":"nonpayable","inputs":[{"name":"propertyId","type":"uint256"},{"name":"stage","type":"uint8"},{"name":"proof","type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"poolBalance","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"mintedBalance","stateMutability":"view","inputs":[{"name":"propertyId","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"event","name":"DepositCredited","inputs":[{"indexed":true,"name":"propertyId","type":"uint256"},{"indexed":true,"name":"custodian","type":"address"},{"indexed":false,"name":"amount","type":"uint256"},{"indexed":false,"name":"sourceTxHash","type":"bytes32"}],"anonymous":false},
	{"type":"event","name":"WithdrawalDebited","inputs":[{"indexed":true,"name":"propertyId","type":"uint256"},{"indexed":true,"name":"custodian","type":"address"},{"indexed":false,"name":"amount","type":"uint256"},{"indexed":false,"name":"sourceTxHash","type":"bytes32"}],"anonymous":false},
	{"type":"event","name":"StageAdvanced","inputs":[{"indexed":true,"name":"propertyId","type":"uint256"},{"indexed":false,"name":"newStage","type":"uint8"}],"anonymous":false},
	{"type":"event","name":"StageAcknowledged","inputs":[{"indexed":true,"name":"propertyId","type":"uint256"},{"indexed":false,"name":"stage","type":"uint8"}],"anonymous":false}
]`

// Manager wraps the destination-chain custodial manager contract. A bound
// contract is constructed per call on top of the failover client.
type Manager struct {
	cfg     *config.Configuration
	abi     abi.ABI
	address common.Address
}

func NewManager(cfg *config.Configuration) (*Manager, error) {
	parsed, err := abi.JSON(strings.NewReader(managerABI))
	if err != nil {
		return nil, fmt.Errorf("parsing custodial manager ABI: %w", err)
	}
	return &Manager{
		cfg:     cfg,
		abi:     parsed,
		address: common.HexToAddress(cfg.EVM.ManagerContract),
	}, nil
}

// Topics returns the event topic hashes the observer filters on.
func (m *Manager) Topics() []common.Hash {
	return []common.Hash{
		m.abi.Events["DepositCredited"].ID,
		m.abi.Events["WithdrawalDebited"].ID,
		m.abi.Events["StageAdvanced"].ID,
		m.abi.Events["StageAcknowledged"].ID,
	}
}

func (m *Manager) Address() common.Address {
	return m.address
}

func (m *Manager) transactOpts(ctx context.Context) (*bind.TransactOpts, error) {
	privateKey, err := crypto.HexToECDSA(m.cfg.EVM.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("error instantiating private key: %w", err)
	}
	if m.cfg.EVM.PublicAddress != "" {
		// a key that does not match the configured relayer address means a
		// misconfigured deployment, refuse to sign with it
		derived := crypto.PubkeyToAddress(privateKey.PublicKey)
		if derived != common.HexToAddress(m.cfg.EVM.PublicAddress) {
			return nil, fmt.Errorf("private key yields %s, configured relayer address is %s",
				derived.Hex(), m.cfg.EVM.PublicAddress)
		}
	}
	auth, err := bind.NewKeyedTransactorWithChainID(privateKey, big.NewInt(int64(m.cfg.EVM.ChainID)))
	if err != nil {
		return nil, fmt.Errorf("error instantiating transactor: %w", err)
	}
	auth.Context = ctx
	return auth, nil
}

func (m *Manager) transact(ctx context.Context, method string, args ...interface{}) (string, error) {
	tx, err := WithClient(m.cfg, func(client *ethclient.Client) (*ethtypes.Transaction, error) {
		auth, err := m.transactOpts(ctx)
		if err != nil {
			return nil, err
		}
		bound := bind.NewBoundContract(m.address, m.abi, client, client, client)
		return bound.Transact(auth, method, args...)
	})
	if err != nil {
		return "", err
	}
	return tx.Hash().Hex(), nil
}

func (m *Manager) CreditDeposit(ctx context.Context, propertyID uint64, custodian string, amount *big.Int, sourceTxHash string, proof [32]byte) (string, error) {
	return m.transact(ctx, "creditDeposit",
		big.NewInt(0).SetUint64(propertyID), common.HexToAddress(custodian), amount, sourceTxRef(sourceTxHash), proof)
}

func (m *Manager) DebitWithdrawal(ctx context.Context, propertyID uint64, custodian string, amount *big.Int, sourceTxHash string, proof [32]byte) (string, error) {
	return m.transact(ctx, "debitWithdrawal",
		big.NewInt(0).SetUint64(propertyID), common.HexToAddress(custodian), amount, sourceTxRef(sourceTxHash), proof)
}

func (m *Manager) ApplyStage(ctx context.Context, propertyID uint64, stage int, proof [32]byte) (string, error) {
	return m.transact(ctx, "applyStage", big.NewInt(0).SetUint64(propertyID), uint8(stage), proof)
}

func (m *Manager) AcknowledgeStage(ctx context.Context, propertyID uint64, stage int, proof [32]byte) (string, error) {
	return m.transact(ctx, "acknowledgeStage", big.NewInt(0).SetUint64(propertyID), uint8(stage), proof)
}

func (m *Manager) PoolBalance(ctx context.Context) (*big.Int, error) {
	return m.view(ctx, "poolBalance")
}

func (m *Manager) MintedBalance(ctx context.Context, propertyID uint64) (*big.Int, error) {
	return m.view(ctx, "mintedBalance", big.NewInt(0).SetUint64(propertyID))
}

func (m *Manager) view(ctx context.Context, method string, args ...interface{}) (*big.Int, error) {
	return WithClient(m.cfg, func(client *ethclient.Client) (*big.Int, error) {
		bound := bind.NewBoundContract(m.address, m.abi, client, client, client)
		var out []interface{}
		if err := bound.Call(&bind.CallOpts{Context: ctx}, &out, method, args...); err != nil {
			return nil, err
		}
		if len(out) != 1 {
			return nil, fmt.Errorf("unexpected output arity from %s", method)
		}
		val, ok := out[0].(*big.Int)
		if !ok {
			return nil, fmt.Errorf("unexpected output type from %s", method)
		}
		return val, nil
	})
}

// FilterQuery builds the observer's log filter for a block range.
func (m *Manager) FilterQuery(fromBlock, toBlock int64) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		FromBlock: big.NewInt(fromBlock),
		ToBlock:   big.NewInt(toBlock),
		Addresses: []common.Address{m.address},
		Topics:    [][]common.Hash{m.Topics()},
	}
}

// ParseLog decodes a raw manager log into the tagged EVMLog shape. Logs from
// other contracts or with unknown topics return an error.
func (m *Manager) ParseLog(l ethtypes.Log) (*types.EVMLog, error) {
	if len(l.Topics) == 0 {
		return nil, fmt.Errorf("log %s has no topics", l.TxHash.Hex())
	}

	var name string
	for n, ev := range m.abi.Events {
		if ev.ID == l.Topics[0] {
			name = n
			break
		}
	}
	if name == "" {
		return nil, fmt.Errorf("unknown topic %s in tx %s", l.Topics[0].Hex(), l.TxHash.Hex())
	}

	event := m.abi.Events[name]
	out := &types.EVMLog{
		Name:        name,
		TxHash:      l.TxHash,
		LogIndex:    l.Index,
		BlockNumber: l.BlockNumber,
	}

	var indexed abi.Arguments
	for _, arg := range event.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	fields := map[string]interface{}{}
	if err := abi.ParseTopicsIntoMap(fields, indexed, l.Topics[1:]); err != nil {
		return nil, fmt.Errorf("parsing topics of %s: %w", name, err)
	}
	if err := m.abi.UnpackIntoMap(fields, name, l.Data); err != nil {
		return nil, fmt.Errorf("unpacking data of %s: %w", name, err)
	}

	if v, ok := fields["propertyId"].(*big.Int); ok {
		out.PropertyID = v.Uint64()
	}
	if v, ok := fields["custodian"].(common.Address); ok {
		out.Sender = v
	}
	if v, ok := fields["amount"].(*big.Int); ok {
		out.Amount = v
	}
	if v, ok := fields["newStage"].(uint8); ok {
		out.Stage = int(v)
	}
	if v, ok := fields["stage"].(uint8); ok {
		out.Stage = int(v)
	}
	return out, nil
}

// sourceTxRef compresses a source-chain tx reference into bytes32. Stacks
// txids are not EVM hashes, so the reference is keccak over the raw string.
func sourceTxRef(txHash string) [32]byte {
	return crypto.Keccak256Hash([]byte(txHash))
}
