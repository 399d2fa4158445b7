package relayer

import (
	"errors"
	"fmt"
	"time"

	"gopropbridge/types"
)

// ErrDrop marks a raw event that is not a financial event: unrecognized or
// malformed payloads are logged for audit and never retried.
var ErrDrop = errors.New("event dropped")

// stacks print topics emitted by the gateway contract
const (
	printDeposit    = "deposit"
	printWithdrawal = "withdrawal"
	printStageSet   = "stage-set"
	printStageAck   = "stage-ack"
)

// Normalize maps a chain-native raw event onto the canonical shape. Amounts
// stay in source-chain native scale; translation to destination decimals
// happens only when the dispatcher builds the destination call.
func Normalize(raw types.RawEvent, now time.Time) (*types.CanonicalEvent, error) {
	switch ev := raw.(type) {
	case types.StacksPrint:
		return normalizeStacks(ev, now)
	case *types.StacksPrint:
		return normalizeStacks(*ev, now)
	case types.EVMLog:
		return normalizeEVM(ev, now)
	case *types.EVMLog:
		return normalizeEVM(*ev, now)
	}
	return nil, fmt.Errorf("%w: unknown raw event shape %T", ErrDrop, raw)
}

func normalizeStacks(ev types.StacksPrint, now time.Time) (*types.CanonicalEvent, error) {
	var kind types.EventKind
	switch ev.Topic {
	case printDeposit:
		kind = types.KindDeposit
	case printWithdrawal:
		kind = types.KindWithdrawal
	case printStageSet:
		kind = types.KindStageSet
	case printStageAck:
		kind = types.KindStageAck
	default:
		return nil, fmt.Errorf("%w: unrecognized print topic %q in %s", ErrDrop, ev.Topic, ev.TxID)
	}

	if ev.TxID == "" {
		return nil, fmt.Errorf("%w: print without txid", ErrDrop)
	}
	if kind == types.KindDeposit || kind == types.KindWithdrawal {
		if ev.Amount == nil || ev.Amount.Sign() <= 0 {
			return nil, fmt.Errorf("%w: %s print with non-positive amount in %s", ErrDrop, ev.Topic, ev.TxID)
		}
	}
	if (kind == types.KindStageSet || kind == types.KindStageAck) && !types.PropertyStage(ev.Stage).Valid() {
		return nil, fmt.Errorf("%w: %s print with invalid stage %d in %s", ErrDrop, ev.Topic, ev.Stage, ev.TxID)
	}

	out := &types.CanonicalEvent{
		ID:                types.MessageID(types.CHAINKEY_STACKS, ev.TxID, ev.PrintIndex),
		Kind:              kind,
		SourceChain:       types.CHAINKEY_STACKS,
		PropertyID:        ev.PropertyID,
		Principal:         ev.Principal,
		Counterparty:      ev.Custodian,
		Stage:             ev.Stage,
		SourceTxHash:      ev.TxID,
		SourceBlockHeight: ev.BlockHeight,
		ObservedAt:        now.Unix(),
	}
	if ev.Amount != nil {
		out.Amount = ev.Amount.String()
	}
	return out, nil
}

func normalizeEVM(ev types.EVMLog, now time.Time) (*types.CanonicalEvent, error) {
	var kind types.EventKind
	switch ev.Name {
	case "StageAdvanced":
		kind = types.KindStageSet
	case "StageAcknowledged":
		kind = types.KindStageAck
	case "DepositCredited", "WithdrawalDebited":
		// confirmations of our own dispatches, finalized by the observer
		// before normalization; reaching here means a wiring bug upstream
		return nil, fmt.Errorf("%w: confirmation log %s routed to normalizer", ErrDrop, ev.Name)
	default:
		return nil, fmt.Errorf("%w: unrecognized manager log %q in %s", ErrDrop, ev.Name, ev.TxHash.Hex())
	}

	if !types.PropertyStage(ev.Stage).Valid() {
		return nil, fmt.Errorf("%w: %s log with invalid stage %d in %s", ErrDrop, ev.Name, ev.Stage, ev.TxHash.Hex())
	}

	return &types.CanonicalEvent{
		ID:                types.MessageID(types.CHAINKEY_EVM, ev.TxHash.Hex(), uint32(ev.LogIndex)),
		Kind:              kind,
		SourceChain:       types.CHAINKEY_EVM,
		PropertyID:        ev.PropertyID,
		Principal:         ev.Sender.Hex(),
		Stage:             ev.Stage,
		SourceTxHash:      ev.TxHash.Hex(),
		SourceBlockHeight: ev.BlockNumber,
		ObservedAt:        now.Unix(),
	}, nil
}
