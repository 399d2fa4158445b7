package redis

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gopropbridge/types"

	"github.com/gomodule/redigo/redis"
	"github.com/google/uuid"
)

// note that the per-status sets must never contain one message twice
var statusSets = map[types.DispatchStatus]string{
	types.StatusPending:         "bridgemsgs:pending",
	types.StatusSubmitted:       "bridgemsgs:submitted",
	types.StatusConfirmed:       "bridgemsgs:confirmed",
	types.StatusFailedRetryable: "bridgemsgs:failed-retryable",
	types.StatusFailedPermanent: "bridgemsgs:failed-permanent",
}

func recordKey(messageID string) string  { return "msg:" + messageID }
func statusKey(messageID string) string  { return "msgstatus:" + messageID }
func destTxKey(destTxHash string) string { return "desttx:" + destTxHash }

// tryBeginScript transitions the status key to pending iff no record exists
// or the existing one is failed-retryable. This is the single atomic
// compare-and-set the at-most-once guarantee rests on.
var tryBeginScript = redis.NewScript(3, `
local s = redis.call('GET', KEYS[1])
if (s == false) or (s == 'failed-retryable') then
	redis.call('SET', KEYS[1], 'pending')
	if s then
		redis.call('SREM', KEYS[3], ARGV[1])
	end
	redis.call('SADD', KEYS[2], ARGV[1])
	if s then
		return 2
	end
	return 1
end
return 0
`)

// TryBegin atomically claims the message for dispatch. Returns false when the
// message is already pending, submitted, confirmed or failed-permanent.
func (s *Store) TryBegin(ev *types.CanonicalEvent) (bool, error) {
	conn := s.pool.Get()
	defer conn.Close()

	res, err := redis.Int(tryBeginScript.Do(conn,
		statusKey(ev.ID),
		statusSets[types.StatusPending],
		statusSets[types.StatusFailedRetryable],
		ev.ID,
	))
	if err != nil {
		s.log.Error().Err(err).Msg("error Redis tryBegin script")
		return false, err
	}
	if res == 0 {
		return false, nil
	}

	now := time.Now().Unix()
	if res == 1 {
		// fresh claim, write the initial record
		rec := &types.DispatchRecord{
			MessageID: ev.ID,
			Status:    types.StatusPending,
			Event:     ev,
			TsCreated: now,
			TsUpdated: now,
		}
		return true, s.putRecord(conn, rec)
	}

	// re-claim of a retryable failure; keep retryCount and history
	rec, err := s.getRecord(conn, ev.ID)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, fmt.Errorf("status key exists but record missing for %s", ev.ID)
	}
	rec.Status = types.StatusPending
	rec.NextAttemptTs = 0
	rec.TsUpdated = now
	return true, s.putRecord(conn, rec)
}

// MarkSubmitted records the destination tx hash after a successful dispatch.
// No successful dispatch goes unrecorded: the dispatcher calls this before
// reporting success to its caller.
func (s *Store) MarkSubmitted(messageID, destTxHash string) error {
	return s.transition(messageID, func(rec *types.DispatchRecord) error {
		if rec.Status != types.StatusPending {
			return fmt.Errorf("cannot submit from status %s", rec.Status)
		}
		rec.Status = types.StatusSubmitted
		rec.DestTxHash = destTxHash
		return nil
	})
}

// Complete performs the unique Confirmed transition. Completing an already
// confirmed message is a silent no-op, per the idempotency contract.
func (s *Store) Complete(messageID, destTxHash string) error {
	return s.transition(messageID, func(rec *types.DispatchRecord) error {
		if rec.Status == types.StatusConfirmed {
			return errSkipWrite
		}
		if rec.Status != types.StatusPending && rec.Status != types.StatusSubmitted {
			return fmt.Errorf("cannot confirm from status %s", rec.Status)
		}
		rec.Status = types.StatusConfirmed
		if destTxHash != "" {
			rec.DestTxHash = destTxHash
		}
		return nil
	})
}

// Fail moves the message to failed-retryable (incrementing the retry count,
// with the scheduler-computed next attempt time) or to failed-permanent
// (allocating an operator alert id).
func (s *Store) Fail(messageID, cause string, permanent bool, nextAttemptTs int64) error {
	return s.transition(messageID, func(rec *types.DispatchRecord) error {
		if rec.Status == types.StatusConfirmed {
			return fmt.Errorf("cannot fail a confirmed message")
		}
		rec.LastError = cause
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
	})
}

// ResetForRetry is the manual operator path out of failed-permanent.
func (s *Store) ResetForRetry(messageID string) (*types.DispatchRecord, error) {
	var out *types.DispatchRecord
	err := s.transition(messageID, func(rec *types.DispatchRecord) error {
		if rec.Status != types.StatusFailedPermanent {
			return fmt.Errorf("cannot reset from status %s", rec.Status)
		}
		rec.Status = types.StatusFailedRetryable
		rec.RetryCount = 0
		rec.NextAttemptTs = 0
		rec.AlertID = ""
		out = rec
		return nil
	})
	return out, err
}

var errSkipWrite = errors.New("skip write")

func (s *Store) transition(messageID string, mutate func(*types.DispatchRecord) error) error {
	conn := s.pool.Get()
	defer conn.Close()

	rec, err := s.getRecord(conn, messageID)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("no ledger record for %s", messageID)
	}

	prev := rec.Status
	if err := mutate(rec); err != nil {
		if errors.Is(err, errSkipWrite) {
			return nil
		}
		return err
	}
	rec.TsUpdated = time.Now().Unix()

	if err := s.putRecord(conn, rec); err != nil {
		return err
	}
	if prev != rec.Status {
		if _, err := conn.Do("SREM", statusSets[prev], messageID); err != nil {
			s.log.Error().Err(err).Msg("error Redis SREM")
			return err
		}
		if _, err := conn.Do("SADD", statusSets[rec.Status], messageID); err != nil {
			s.log.Error().Err(err).Msg("error Redis SADD")
			return err
		}
		if _, err := conn.Do("SET", statusKey(messageID), string(rec.Status)); err != nil {
			s.log.Error().Err(err).Msg("error Redis SET status")
			return err
		}
	}
	if rec.DestTxHash != "" {
		if _, err := conn.Do("SET", destTxKey(rec.DestTxHash), messageID); err != nil {
			s.log.Error().Err(err).Msg("error Redis SET desttx index")
			return err
		}
	}
	return nil
}

func (s *Store) putRecord(conn redis.Conn, rec *types.DispatchRecord) error {
	recJSON, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("cannot marshal dispatch record to JSON: %w", err)
	}
	if _, err := conn.Do("SET", recordKey(rec.MessageID), recJSON); err != nil {
		s.log.Error().Err(err).Msg("error Redis SET record")
		return err
	}
	return nil
}

func (s *Store) getRecord(conn redis.Conn, messageID string) (*types.DispatchRecord, error) {
	raw, err := redis.Bytes(conn.Do("GET", recordKey(messageID)))
	if err == redis.ErrNil {
		return nil, nil
	}
	if err != nil {
		s.log.Error().Err(err).Msg("error Redis GET record")
		return nil, err
	}

	var rec types.DispatchRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) Get(messageID string) (*types.DispatchRecord, error) {
	conn := s.pool.Get()
	defer conn.Close()
	return s.getRecord(conn, messageID)
}

// FindByDestTx resolves a destination tx hash back to its message, used by
// the observers to finalize submitted dispatches they see on chain.
func (s *Store) FindByDestTx(destTxHash string) (*types.DispatchRecord, error) {
	conn := s.pool.Get()
	defer conn.Close()

	messageID, err := redis.String(conn.Do("GET", destTxKey(destTxHash)))
	if err == redis.ErrNil {
		return nil, nil
	}
	if err != nil {
		s.log.Error().Err(err).Msg("error Redis GET desttx index")
		return nil, err
	}
	return s.getRecord(conn, messageID)
}

func (s *Store) ListByStatus(status types.DispatchStatus) ([]*types.DispatchRecord, error) {
	conn := s.pool.Get()
	defer conn.Close()

	set, ok := statusSets[status]
	if !ok {
		return nil, fmt.Errorf("unknown status %q", status)
	}

	var recs []*types.DispatchRecord
	var cursor int64
	for {
		values, err := redis.Values(conn.Do("SSCAN", set, cursor))
		if err != nil {
			return nil, err
		}
		var ids []string
		if _, err := redis.Scan(values, &cursor, &ids); err != nil {
			return nil, err
		}
		for _, id := range ids {
			rec, err := s.getRecord(conn, id)
			if err != nil {
				return nil, err
			}
			// a record can be missing if trimmed manually, don't crash
			if rec != nil && rec.Status == status {
				recs = append(recs, rec)
			}
		}
		if cursor == 0 {
			break
		}
	}
	return recs, nil
}

func (s *Store) Counts() (map[types.DispatchStatus]int, error) {
	conn := s.pool.Get()
	defer conn.Close()

	counts := make(map[types.DispatchStatus]int, len(statusSets))
	for status, set := range statusSets {
		n, err := redis.Int(conn.Do("SCARD", set))
		if err != nil && err != redis.ErrNil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, nil
}
