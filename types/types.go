package types

import (
	"encoding/binary"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// it is assumed the Stacks gateway side is chain key 0
// and the EVM custodial side chain key 1

type ChainKey int

const CHAINKEY_STACKS ChainKey = 0
const CHAINKEY_EVM ChainKey = 1

func (c ChainKey) String() string {
	if c == CHAINKEY_STACKS {
		return "stacks"
	}
	return "evm"
}

// EventKind classifies a normalized cross-chain event.
type EventKind string

const (
	KindDeposit    EventKind = "deposit"
	KindWithdrawal EventKind = "withdrawal"
	KindStageSet   EventKind = "stage-change"
	KindStageAck   EventKind = "stage-ack"
)

// PropertyStage is the shared lifecycle phase mirrored on both chains.
// Values are strictly ordered and never skipped.
type PropertyStage int

const (
	StageOpenToFund PropertyStage = iota
	StageFunded
	StageUnderManagement
	StageLiquidating
	StageLiquidated
)

func (s PropertyStage) Valid() bool {
	return s >= StageOpenToFund && s <= StageLiquidated
}

func (s PropertyStage) String() string {
	switch s {
	case StageOpenToFund:
		return "open-to-fund"
	case StageFunded:
		return "funded"
	case StageUnderManagement:
		return "under-management"
	case StageLiquidating:
		return "liquidating"
	case StageLiquidated:
		return "liquidated"
	}
	return "invalid"
}

// RawEvent is the tagged union of chain-native events before normalization.
// Anything that doesn't fit one of the two shapes never enters the pipeline.
type RawEvent interface {
	Chain() ChainKey
}

// StacksPrint is a contract print event from the gateway, as returned by the
// Stacks indexer. Amounts are micro-sBTC (6 decimals).
type StacksPrint struct {
	Topic       string // "deposit", "withdrawal", "stage-set", "stage-ack"
	PropertyID  uint64
	Principal   string
	Custodian   string // registered EVM custodian, may be empty
	Amount      *big.Int
	Stage       int
	TxID        string
	PrintIndex  uint32
	BlockHeight uint64
}

func (StacksPrint) Chain() ChainKey { return CHAINKEY_STACKS }

// EVMLog is a decoded custodial-manager log. Amounts are 18-decimal.
type EVMLog struct {
	Name            string // "DepositCredited", "WithdrawalDebited", "StageAdvanced", "StageAcknowledged"
	PropertyID      uint64
	Sender          common.Address
	StacksRecipient string
	Amount          *big.Int
	Stage           int
	TxHash          common.Hash
	LogIndex        uint
	BlockNumber     uint64
}

func (EVMLog) Chain() ChainKey { return CHAINKEY_EVM }

// CanonicalEvent is the normalized unit of work. Created once a raw event
// passes the confirmation depth filter, immutable afterwards.
type CanonicalEvent struct {
	ID                string    `json:"id"`
	Kind              EventKind `json:"kind"`
	SourceChain       ChainKey  `json:"sourceChain"`
	PropertyID        uint64    `json:"propertyId"`
	Principal         string    `json:"principal"`
	Counterparty      string    `json:"counterparty"`
	Amount            string    `json:"amount"` // source-chain native scale, decimal string
	Stage             int       `json:"stage"`
	SourceTxHash      string    `json:"sourceTxHash"`
	SourceBlockHeight uint64    `json:"sourceBlockHeight"`
	ObservedAt        int64     `json:"observedAt"` // wall clock, not authoritative for ordering
}

func (e *CanonicalEvent) AmountBig() *big.Int {
	if e.Amount == "" {
		return big.NewInt(0)
	}
	v, ok := big.NewInt(0).SetString(e.Amount, 10)
	if !ok {
		return big.NewInt(0)
	}
	return v
}

// MessageID derives the deterministic idempotency key from the event's
// provenance: keccak256(chain || sourceTxHash || index).
func MessageID(chain ChainKey, sourceTxHash string, index uint32) string {
	buf := make([]byte, 0, 8+len(sourceTxHash)+4)
	buf = binary.BigEndian.AppendUint64(buf, uint64(chain))
	buf = append(buf, []byte(sourceTxHash)...)
	buf = binary.BigEndian.AppendUint32(buf, index)
	return hexutil.Encode(crypto.Keccak256(buf))
}

type DispatchStatus string

const (
	StatusPending         DispatchStatus = "pending"          // tryBegin succeeded, dispatch not yet submitted
	StatusSubmitted       DispatchStatus = "submitted"        // destination tx sent, awaiting scan confirmation
	StatusConfirmed       DispatchStatus = "confirmed"        // destination effect final; record is write-once from here
	StatusFailedRetryable DispatchStatus = "failed-retryable" // transient fault, scheduler re-attempts
	StatusFailedPermanent DispatchStatus = "failed-permanent" // needs operator action, never auto-resolved
)

func (s DispatchStatus) Valid() bool {
	switch s {
	case StatusPending, StatusSubmitted, StatusConfirmed, StatusFailedRetryable, StatusFailedPermanent:
		return true
	}
	return false
}

// DispatchRecord is the Idempotency Ledger row. The embedded event carries
// enough to rebuild the destination call for manual replay.
type DispatchRecord struct {
	MessageID     string          `json:"messageId"`
	Status        DispatchStatus  `json:"status"`
	Event         *CanonicalEvent `json:"event"`
	RetryCount    int             `json:"retryCount"`
	NextAttemptTs int64           `json:"nextAttemptTs,omitempty"`
	LastError     string          `json:"lastError,omitempty"`
	DestTxHash    string          `json:"destTxHash,omitempty"`
	AlertID       string          `json:"alertId,omitempty"` // set on failed-permanent
	TsCreated     int64           `json:"tsCreated"`
	TsUpdated     int64           `json:"tsUpdated"`
}

// StageState is the synchronizer's durable per-property state: the last
// stage confirmed on both chains plus the in-flight target, if any.
type StageState struct {
	PropertyID    uint64 `json:"propertyId"`
	Confirmed     int    `json:"confirmed"`
	PendingTarget int    `json:"pendingTarget"` // -1 when nothing in flight
	PendingMsgID  string `json:"pendingMsgId,omitempty"`
	PendingSince  int64  `json:"pendingSince,omitempty"`
	OriginChain   int    `json:"originChain,omitempty"` // chain that proposed the pending target
	// source heights of the last applied stage event, tracked per chain:
	// Stacks heights and EVM block numbers are not comparable
	LastStacksHeight uint64 `json:"lastStacksHeight,omitempty"`
	LastEVMHeight    uint64 `json:"lastEvmHeight,omitempty"`
}

// LastHeight returns the last applied stage-event height for one chain.
func (s *StageState) LastHeight(chain ChainKey) uint64 {
	if chain == CHAINKEY_STACKS {
		return s.LastStacksHeight
	}
	return s.LastEVMHeight
}

// SetLastHeight records the height of an applied stage event on its chain.
func (s *StageState) SetLastHeight(chain ChainKey, height uint64) {
	if chain == CHAINKEY_STACKS {
		s.LastStacksHeight = height
		return
	}
	s.LastEVMHeight = height
}

// Result is returned from ProcessSourceEvent/ProcessDestinationEvent.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}
