package relayer

import (
	"fmt"
	"sync"
	"time"

	"gopropbridge/types"

	"github.com/google/uuid"
)

// MemStore is an in-process Ledger/CursorStore/StageStore with the same
// transition rules as the redis store. It backs tests and local runs; a
// production relayer must use the durable store, since an in-process map
// cannot survive a crash nor coordinate a second replica.
type MemStore struct {
	mu      sync.Mutex
	records map[string]*types.DispatchRecord
	destTx  map[string]string
	cursors map[types.ChainKey]int64
	stages  map[uint64]*types.StageState
}

func NewMemStore() *MemStore {
	return &MemStore{
		records: make(map[string]*types.DispatchRecord),
		destTx:  make(map[string]string),
		cursors: make(map[types.ChainKey]int64),
		stages:  make(map[uint64]*types.StageState),
	}
}

func (m *MemStore) TryBegin(ev *types.CanonicalEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().Unix()
	rec, ok := m.records[ev.ID]
	if !ok {
		m.records[ev.ID] = &types.DispatchRecord{
			MessageID: ev.ID,
			Status:    types.StatusPending,
			Event:     ev,
			TsCreated: now,
			TsUpdated: now,
		}
		return true, nil
	}
	if rec.Status == types.StatusFailedRetryable {
		rec.Status = types.StatusPending
		rec.NextAttemptTs = 0
		rec.TsUpdated = now
		return true, nil
	}
	return false, nil
}

func (m *MemStore) MarkSubmitted(messageID, destTxHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[messageID]
	if !ok {
		return fmt.Errorf("no ledger record for %s", messageID)
	}
	if rec.Status != types.StatusPending {
		return fmt.Errorf("cannot submit from status %s", rec.Status)
	}
	rec.Status = types.StatusSubmitted
	rec.DestTxHash = destTxHash
	rec.TsUpdated = time.Now().Unix()
	m.destTx[destTxHash] = messageID
	return nil
}

func (m *MemStore) Complete(messageID, destTxHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[messageID]
	if !ok {
		return fmt.Errorf("no ledger record for %s", messageID)
	}
	if rec.Status == types.StatusConfirmed {
		return nil
	}
	if rec.Status != types.StatusPending && rec.Status != types.StatusSubmitted {
		return fmt.Errorf("cannot confirm from status %s", rec.Status)
	}
	rec.Status = types.StatusConfirmed
	if destTxHash != "" {
		rec.DestTxHash = destTxHash
		m.destTx[destTxHash] = messageID
	}
	rec.TsUpdated = time.Now().Unix()
	return nil
}

func (m *MemStore) Fail(messageID, cause string, permanent bool, nextAttemptTs int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[messageID]
	if !ok {
		return fmt.Errorf("no ledger record for %s", messageID)
	}
	if rec.Status == types.StatusConfirmed {
		return fmt.Errorf("cannot fail a confirmed message")
	}
	rec.LastError = cause
	rec.TsUpdated = time.Now().Unix()
	if permanent {
		rec.Status = types.StatusFailedPermanent
		rec.NextAttemptTs = 0
		if rec.AlertID == "" {
			rec.AlertID = uuid.New().String()
		}
		return nil
	}
	rec.Status = types.StatusFailedRetryable
	rec.RetryCount++
	rec.NextAttemptTs = nextAttemptTs
	return nil
}

func (m *MemStore) ResetForRetry(messageID string) (*types.DispatchRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[messageID]
	if !ok {
		return nil, fmt.Errorf("no ledger record for %s", messageID)
	}
	if rec.Status != types.StatusFailedPermanent {
		return nil, fmt.Errorf("cannot reset from status %s", rec.Status)
	}
	rec.Status = types.StatusFailedRetryable
	rec.RetryCount = 0
	rec.NextAttemptTs = 0
	rec.AlertID = ""
	rec.TsUpdated = time.Now().Unix()
	cp := *rec
	return &cp, nil
}

func (m *MemStore) Get(messageID string) (*types.DispatchRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[messageID]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (m *MemStore) FindByDestTx(destTxHash string) (*types.DispatchRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.destTx[destTxHash]
	if !ok {
		return nil, nil
	}
	cp := *m.records[id]
	return &cp, nil
}

func (m *MemStore) ListByStatus(status types.DispatchStatus) ([]*types.DispatchRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var recs []*types.DispatchRecord
	for _, rec := range m.records {
		if rec.Status == status {
			cp := *rec
			recs = append(recs, &cp)
		}
	}
	return recs, nil
}

func (m *MemStore) Counts() (map[types.DispatchStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := map[types.DispatchStatus]int{
		types.StatusPending:         0,
		types.StatusSubmitted:       0,
		types.StatusConfirmed:       0,
		types.StatusFailedRetryable: 0,
		types.StatusFailedPermanent: 0,
	}
	for _, rec := range m.records {
		counts[rec.Status]++
	}
	return counts, nil
}

func (m *MemStore) GetCursor(chain types.ChainKey) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if h, ok := m.cursors[chain]; ok {
		return h, nil
	}
	return -1, nil
}

func (m *MemStore) SetCursor(chain types.ChainKey, height int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cursors[chain] = height
	return nil
}

func (m *MemStore) GetStageState(propertyID uint64) (*types.StageState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.stages[propertyID]
	if !ok {
		return nil, nil
	}
	cp := *st
	return &cp, nil
}

func (m *MemStore) PutStageState(st *types.StageState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *st
	m.stages[st.PropertyID] = &cp
	return nil
}

func (m *MemStore) ListStageStates() ([]*types.StageState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var states []*types.StageState
	for _, st := range m.stages {
		cp := *st
		states = append(states, &cp)
	}
	return states, nil
}
