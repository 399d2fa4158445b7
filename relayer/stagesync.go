package relayer

import (
	"fmt"
	"sync"

	"gopropbridge/metrics"
	"gopropbridge/types"

	"github.com/rs/zerolog"
)

// StageSynchronizer enforces the monotonic, acknowledged advance of the
// shared property stage. It holds the authoritative last
// confirmed-on-both-chains value per property plus the in-flight target.
type StageSynchronizer struct {
	store StageStore
	log   zerolog.Logger
	clock Clock

	// stage events are serialized; per-property ordering comes from source
	// block height, not relayer wall clock
	mu sync.Mutex
}

func NewStageSynchronizer(store StageStore, clock Clock, log zerolog.Logger) *StageSynchronizer {
	return &StageSynchronizer{
		store: store,
		log:   log.With().Str("component", "stagesync").Logger(),
		clock: clock,
	}
}

func (s *StageSynchronizer) state(propertyID uint64) (*types.StageState, error) {
	st, err := s.store.GetStageState(propertyID)
	if err != nil {
		return nil, err
	}
	if st == nil {
		st = &types.StageState{
			PropertyID:    propertyID,
			Confirmed:     int(types.StageOpenToFund),
			PendingTarget: -1,
		}
	}
	return st, nil
}

// OnStageChange validates a proposed advance. It returns true when the
// proposal is accepted and the counter-chain update should be dispatched.
// Violations are rejected loudly and never silently coerced.
func (s *StageSynchronizer) OnStageChange(ev *types.CanonicalEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.state(ev.PropertyID)
	if err != nil {
		return false, err
	}

	// heights of different chains are incomparable, ordering holds per chain
	if ev.SourceBlockHeight < st.LastHeight(ev.SourceChain) {
		s.warn(st, ev, "stage proposal older than last applied stage event")
		return false, nil
	}

	target := ev.Stage
	if st.PendingTarget >= 0 {
		if target == st.PendingTarget && ev.ID == st.PendingMsgID {
			// replay of the in-flight proposal, idempotency handles it
			return true, nil
		}
		s.warn(st, ev, "stage proposal while another advance is awaiting acknowledgment")
		return false, nil
	}

	if target != st.Confirmed+1 {
		if target <= st.Confirmed {
			s.warn(st, ev, "non-advancing stage proposal")
		} else {
			s.warn(st, ev, "stage proposal skips a value")
		}
		return false, nil
	}

	st.PendingTarget = target
	st.PendingMsgID = ev.ID
	st.PendingSince = s.clock.Now().Unix()
	st.OriginChain = int(ev.SourceChain)
	st.SetLastHeight(ev.SourceChain, ev.SourceBlockHeight)
	if err := s.store.PutStageState(st); err != nil {
		return false, err
	}

	s.log.Info().Uint64("property", ev.PropertyID).
		Str("target", types.PropertyStage(target).String()).
		Str("origin", ev.SourceChain.String()).Msg("stage advance in flight")
	return true, nil
}

// OnStageAck consumes the counter-chain acknowledgment. It returns true when
// the in-flight advance settles and the closing ack should be dispatched.
func (s *StageSynchronizer) OnStageAck(ev *types.CanonicalEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.state(ev.PropertyID)
	if err != nil {
		return false, err
	}

	if st.PendingTarget < 0 {
		if ev.Stage == st.Confirmed {
			// duplicate ack after settlement
			return false, nil
		}
		s.warn(st, ev, "acknowledgment with no advance in flight")
		return false, nil
	}

	if ev.Stage != st.PendingTarget {
		s.warn(st, ev, "acknowledgment for a different stage than the in-flight target")
		return false, nil
	}
	if int(ev.SourceChain) == st.OriginChain {
		s.warn(st, ev, "acknowledgment from the proposing chain itself")
		return false, nil
	}

	st.Confirmed = st.PendingTarget
	st.PendingTarget = -1
	st.PendingMsgID = ""
	st.PendingSince = 0
	if ev.SourceBlockHeight > st.LastHeight(ev.SourceChain) {
		st.SetLastHeight(ev.SourceChain, ev.SourceBlockHeight)
	}
	if err := s.store.PutStageState(st); err != nil {
		return false, err
	}

	s.log.Info().Uint64("property", ev.PropertyID).
		Str("stage", types.PropertyStage(st.Confirmed).String()).Msg("stage settled on both chains")
	return true, nil
}

// Confirmed returns the last stage settled on both chains for a property.
func (s *StageSynchronizer) Confirmed(propertyID uint64) (types.PropertyStage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.state(propertyID)
	if err != nil {
		return 0, err
	}
	return types.PropertyStage(st.Confirmed), nil
}

// TimedOut lists properties whose in-flight advance has waited longer than
// the acknowledgment window; the sweep treats those as retryable failures.
func (s *StageSynchronizer) TimedOut(windowSeconds int64) ([]*types.StageState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	states, err := s.store.ListStageStates()
	if err != nil {
		return nil, err
	}
	now := s.clock.Now().Unix()

	var out []*types.StageState
	for _, st := range states {
		if st.PendingTarget >= 0 && now-st.PendingSince > windowSeconds {
			out = append(out, st)
		}
	}
	return out, nil
}

func (s *StageSynchronizer) warn(st *types.StageState, ev *types.CanonicalEvent, reason string) {
	metrics.StageWarnings.Inc()
	s.log.Warn().Uint64("property", ev.PropertyID).
		Int("confirmed", st.Confirmed).Int("pendingTarget", st.PendingTarget).
		Int("proposed", ev.Stage).Str("sourceTx", ev.SourceTxHash).
		Msgf("stage consistency violation: %s", reason)
}

// ErrStageRejected is returned to synchronous callers when a stage event is
// rejected by the synchronizer.
var ErrStageRejected = fmt.Errorf("stage event rejected")
