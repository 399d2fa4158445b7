package redis

import (
	"encoding/json"
	"fmt"

	"gopropbridge/types"

	"github.com/gomodule/redigo/redis"
)

func stageKey(propertyID uint64) string {
	return fmt.Sprintf("stage:%d", propertyID)
}

const stageIndexSet = "stages"

// GetStageState returns the persisted synchronizer state for a property,
// or nil when the property has never seen a stage event.
func (s *Store) GetStageState(propertyID uint64) (*types.StageState, error) {
	conn := s.pool.Get()
	defer conn.Close()

	raw, err := redis.Bytes(conn.Do("GET", stageKey(propertyID)))
	if err == redis.ErrNil {
		return nil, nil
	}
	if err != nil {
		s.log.Error().Err(err).Msg("error Redis GET stage state")
		return nil, err
	}

	var st types.StageState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *Store) PutStageState(st *types.StageState) error {
	conn := s.pool.Get()
	defer conn.Close()

	stJSON, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("cannot marshal stage state to JSON: %w", err)
	}
	if _, err := conn.Do("SET", stageKey(st.PropertyID), stJSON); err != nil {
		s.log.Error().Err(err).Msg("error Redis SET stage state")
		return err
	}
	if _, err := conn.Do("SADD", stageIndexSet, st.PropertyID); err != nil {
		s.log.Error().Err(err).Msg("error Redis SADD stage index")
		return err
	}
	return nil
}

func (s *Store) ListStageStates() ([]*types.StageState, error) {
	conn := s.pool.Get()
	defer conn.Close()

	ids, err := redis.Uint64s(conn.Do("SMEMBERS", stageIndexSet))
	if err != nil && err != redis.ErrNil {
		return nil, err
	}

	var states []*types.StageState
	for _, id := range ids {
		raw, err := redis.Bytes(conn.Do("GET", stageKey(id)))
		if err == redis.ErrNil {
			continue
		}
		if err != nil {
			return nil, err
		}
		var st types.StageState
		if err := json.Unmarshal(raw, &st); err != nil {
			return nil, err
		}
		states = append(states, &st)
	}
	return states, nil
}
