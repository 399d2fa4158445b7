package relayer

import "gopropbridge/types"

// Ledger is the idempotency ledger: the single source of truth for whether a
// message has already had financial effect. All mutations are atomic with
// respect to concurrent dispatch attempts; the redis implementation backs
// TryBegin with a true compare-and-set so even an accidental second relayer
// instance cannot double-dispatch.
type Ledger interface {
	TryBegin(ev *types.CanonicalEvent) (bool, error)
	MarkSubmitted(messageID, destTxHash string) error
	Complete(messageID, destTxHash string) error
	Fail(messageID, cause string, permanent bool, nextAttemptTs int64) error
	ResetForRetry(messageID string) (*types.DispatchRecord, error)
	Get(messageID string) (*types.DispatchRecord, error)
	FindByDestTx(destTxHash string) (*types.DispatchRecord, error)
	ListByStatus(status types.DispatchStatus) ([]*types.DispatchRecord, error)
	Counts() (map[types.DispatchStatus]int, error)
}

// CursorStore persists the last fully processed block per chain. Each cursor
// is owned exclusively by its chain's observer loop.
type CursorStore interface {
	GetCursor(chain types.ChainKey) (int64, error)
	SetCursor(chain types.ChainKey, height int64) error
}

// StageStore persists the stage synchronizer's per-property state.
type StageStore interface {
	GetStageState(propertyID uint64) (*types.StageState, error)
	PutStageState(st *types.StageState) error
	ListStageStates() ([]*types.StageState, error)
}
