package relayer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"gopropbridge/config"
	"gopropbridge/types"

	ethav "github.com/KOREAN139/ethereum-address-validator"
	"github.com/avast/retry-go"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// StacksGateway is the write surface the relayer holds on the source chain:
// relayer-update-stage plus read-only getters, nothing else.
type StacksGateway interface {
	UpdateStage(propertyID uint64, stage int, proof string) (string, error)
	ReadStage(propertyID uint64) (int, error)
	LockedBalance(propertyID uint64) (*big.Int, error)
}

// EVMManager is the relayer-authorized surface of the custodial manager.
type EVMManager interface {
	CreditDeposit(ctx context.Context, propertyID uint64, custodian string, amount *big.Int, sourceTxHash string, proof [32]byte) (string, error)
	DebitWithdrawal(ctx context.Context, propertyID uint64, custodian string, amount *big.Int, sourceTxHash string, proof [32]byte) (string, error)
	ApplyStage(ctx context.Context, propertyID uint64, stage int, proof [32]byte) (string, error)
	AcknowledgeStage(ctx context.Context, propertyID uint64, stage int, proof [32]byte) (string, error)
	PoolBalance(ctx context.Context) (*big.Int, error)
	MintedBalance(ctx context.Context, propertyID uint64) (*big.Int, error)
}

// RateProvider supplies the externally sourced exchange rate; the relayer
// never prices on its own.
type RateProvider interface {
	Rate() (decimal.Decimal, error)
}

// FixedRate is the configured-rate provider.
type FixedRate struct{ Value decimal.Decimal }

func (r FixedRate) Rate() (decimal.Decimal, error) { return r.Value, nil }

// permanentError marks business-rule rejections that retrying cannot fix.
type permanentError struct{ cause error }

func (e *permanentError) Error() string { return e.cause.Error() }
func (e *permanentError) Unwrap() error { return e.cause }

func permanent(err error) error { return &permanentError{cause: err} }

// IsPermanent reports whether a dispatch error is non-retryable.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// revert reasons that operator action, not retrying, must resolve
var nonRetryableReasons = []string{
	"not registered",
	"below minimum",
	"unknown property",
	"insufficient liquidity",
	"invalid custodian",
}

func classify(err error) error {
	msg := strings.ToLower(err.Error())
	for _, reason := range nonRetryableReasons {
		if strings.Contains(msg, reason) {
			return permanent(err)
		}
	}
	return err
}

// scaleFactor is the fixed power of ten between the 6-decimal source asset
// and the 18-decimal destination representation.
var scaleFactor = new(big.Int).Exp(big.NewInt(10), big.NewInt(config.EVMDecimals-config.StacksDecimals), nil)

// Dispatcher builds and submits destination-chain calls for canonical events
// and records every outcome in the ledger before reporting it.
type Dispatcher struct {
	cfg    *config.Configuration
	log    zerolog.Logger
	ledger Ledger
	stacks StacksGateway
	evm    EVMManager
	rate   RateProvider
}

func NewDispatcher(cfg *config.Configuration, log zerolog.Logger, ledger Ledger, stacks StacksGateway, evm EVMManager, rate RateProvider) *Dispatcher {
	return &Dispatcher{
		cfg:    cfg,
		log:    log.With().Str("component", "dispatcher").Logger(),
		ledger: ledger,
		stacks: stacks,
		evm:    evm,
		rate:   rate,
	}
}

// Dispatch submits the destination call for a claimed event. On success the
// ledger holds the destination tx hash before Dispatch returns. Errors are
// already classified; the caller routes them to the retry scheduler.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *types.CanonicalEvent) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.RPCTimeout())
	defer cancel()

	var destTx string
	var err error
	switch ev.Kind {
	case types.KindDeposit:
		destTx, err = d.dispatchDeposit(ctx, ev)
	case types.KindWithdrawal:
		destTx, err = d.dispatchWithdrawal(ctx, ev)
	case types.KindStageSet:
		destTx, err = d.dispatchStageSet(ctx, ev)
	case types.KindStageAck:
		destTx, err = d.dispatchStageAck(ctx, ev)
	default:
		err = permanent(fmt.Errorf("unknown event kind %q", ev.Kind))
	}
	if err != nil {
		return err
	}

	if err := d.ledger.MarkSubmitted(ev.ID, destTx); err != nil {
		// the destination call went out; losing the record now would
		// violate "no un-recorded successful dispatch"
		d.log.Error().Err(err).Str("msg", ev.ID).Str("destTx", destTx).
			Msg("dispatched but failed to record submission")
		return err
	}

	if ev.Kind == types.KindStageAck {
		// the ack closes the loop; nothing on the destination chain
		// acknowledges an acknowledgment, so it confirms on submission
		return d.ledger.Complete(ev.ID, destTx)
	}

	d.log.Info().Str("msg", ev.ID).Str("kind", string(ev.Kind)).
		Uint64("property", ev.PropertyID).Str("destTx", destTx).Msg("dispatch submitted")
	return nil
}

// destinationAmount scales the 6-decimal source amount to 18 decimals and,
// for priced assets only, applies the injected exchange rate.
func (d *Dispatcher) destinationAmount(amount *big.Int) (*big.Int, error) {
	scaled := new(big.Int).Mul(amount, scaleFactor)
	if !d.cfg.Relayer.PriceConversion {
		return scaled, nil
	}

	rate, err := d.rate.Rate()
	if err != nil {
		return nil, fmt.Errorf("fetching exchange rate: %w", err)
	}
	if rate.Sign() <= 0 {
		return nil, permanent(fmt.Errorf("non-positive exchange rate %s", rate))
	}
	converted := decimal.NewFromBigInt(scaled, 0).Mul(rate)
	return converted.BigInt(), nil
}

func (d *Dispatcher) dispatchDeposit(ctx context.Context, ev *types.CanonicalEvent) (string, error) {
	custodian := ev.Counterparty
	if custodian == "" {
		return "", permanent(fmt.Errorf("custodian address not registered for principal %s", ev.Principal))
	}
	if err := ethav.Validate(common.HexToAddress(custodian).Hex()); err != nil {
		return "", permanent(fmt.Errorf("invalid custodian address %s: %w", custodian, err))
	}

	amount, err := d.destinationAmount(ev.AmountBig())
	if err != nil {
		return "", err
	}

	// credits are capped by what the destination pool can cover
	pool, err := d.evm.PoolBalance(ctx)
	if err != nil {
		return "", fmt.Errorf("reading pool balance: %w", err)
	}
	if amount.Cmp(pool) > 0 {
		return "", permanent(fmt.Errorf("insufficient liquidity: need %s, pool has %s", amount, pool))
	}

	return d.submitEVM(ctx, func() (string, error) {
		return d.evm.CreditDeposit(ctx, ev.PropertyID, custodian, amount, ev.SourceTxHash, proofFor(ev))
	})
}

func (d *Dispatcher) dispatchWithdrawal(ctx context.Context, ev *types.CanonicalEvent) (string, error) {
	custodian := ev.Counterparty
	if custodian == "" {
		return "", permanent(fmt.Errorf("custodian address not registered for principal %s", ev.Principal))
	}
	if err := ethav.Validate(common.HexToAddress(custodian).Hex()); err != nil {
		return "", permanent(fmt.Errorf("invalid custodian address %s: %w", custodian, err))
	}

	amount, err := d.destinationAmount(ev.AmountBig())
	if err != nil {
		return "", err
	}

	return d.submitEVM(ctx, func() (string, error) {
		return d.evm.DebitWithdrawal(ctx, ev.PropertyID, custodian, amount, ev.SourceTxHash, proofFor(ev))
	})
}

func (d *Dispatcher) dispatchStageSet(ctx context.Context, ev *types.CanonicalEvent) (string, error) {
	if ev.SourceChain == types.CHAINKEY_EVM {
		// EVM proposed the stage; mirror it onto the gateway
		return d.submitStacks(ctx, func() (string, error) {
			return d.stacks.UpdateStage(ev.PropertyID, ev.Stage, proofHex(ev))
		})
	}
	return d.submitEVM(ctx, func() (string, error) {
		return d.evm.ApplyStage(ctx, ev.PropertyID, ev.Stage, proofFor(ev))
	})
}

func (d *Dispatcher) dispatchStageAck(ctx context.Context, ev *types.CanonicalEvent) (string, error) {
	if ev.SourceChain == types.CHAINKEY_STACKS {
		return d.submitEVM(ctx, func() (string, error) {
			return d.evm.AcknowledgeStage(ctx, ev.PropertyID, ev.Stage, proofFor(ev))
		})
	}
	// relayer-update-stage is the only gateway write the relayer holds, so
	// it carries the acknowledgment too; the call is idempotent on-chain
	return d.submitStacks(ctx, func() (string, error) {
		return d.stacks.UpdateStage(ev.PropertyID, ev.Stage, proofHex(ev))
	})
}

// submitEVM retries transient submission faults in place; business-rule
// reverts come back classified and are not retried here.
func (d *Dispatcher) submitEVM(ctx context.Context, submit func() (string, error)) (string, error) {
	var txHash string
	err := retry.Do(
		func() error {
			var err error
			txHash, err = submit()
			if err != nil {
				return classify(err)
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(config.EVM_RETRIES)),
		retry.Delay(200*time.Millisecond),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return !IsPermanent(err) }),
	)
	return txHash, err
}

func (d *Dispatcher) submitStacks(ctx context.Context, submit func() (string, error)) (string, error) {
	var txid string
	err := retry.Do(
		func() error {
			var err error
			txid, err = submit()
			if err != nil {
				return classify(err)
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(config.EVM_RETRIES)),
		retry.Delay(200*time.Millisecond),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return !IsPermanent(err) }),
	)
	return txid, err
}

// proofFor binds the destination call to the deterministic message id.
func proofFor(ev *types.CanonicalEvent) common.Hash {
	return crypto.Keccak256Hash([]byte(ev.ID))
}

func proofHex(ev *types.CanonicalEvent) string {
	return proofFor(ev).Hex()
}
