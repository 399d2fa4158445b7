package relayer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gopropbridge/config"
	"gopropbridge/metrics"
	"gopropbridge/types"

	"github.com/rs/zerolog"
)

const dispatchWorkers = 4

// Pending claims older than this are treated as a crash mid-dispatch and
// demoted so tryBegin can reclaim them.
const stalePendingSeconds = 120

// Relayer owns the full pipeline: observers feed raw events, the normalizer
// shapes them, the ledger gates them, the dispatcher mirrors them onto the
// counter-chain and the scheduler re-queues what transiently failed.
type Relayer struct {
	cfg       *config.Configuration
	log       zerolog.Logger
	ledger    Ledger
	cursors   CursorStore
	stacks    StacksGateway
	stages    *StageSynchronizer
	disp      *Dispatcher
	sched     *RetryScheduler
	lockbox   *LockboxChecker
	observers []Observer
	clock     Clock

	queue chan *types.CanonicalEvent

	inflightMu sync.Mutex
	inflight   map[string]struct{}

	runMu   sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(
	cfg *config.Configuration,
	log zerolog.Logger,
	ledger Ledger,
	cursors CursorStore,
	stageStore StageStore,
	stacks StacksGateway,
	evm EVMManager,
	rate RateProvider,
	clock Clock,
	observers ...Observer,
) *Relayer {
	r := &Relayer{
		cfg:       cfg,
		log:       log.With().Str("component", "relayer").Logger(),
		ledger:    ledger,
		cursors:   cursors,
		stacks:    stacks,
		clock:     clock,
		observers: observers,
		queue:     make(chan *types.CanonicalEvent, cfg.Relayer.BatchSize),
		inflight:  make(map[string]struct{}),
	}
	r.stages = NewStageSynchronizer(stageStore, clock, log)
	r.disp = NewDispatcher(cfg, log, ledger, stacks, evm, rate)
	r.lockbox = NewLockboxChecker(stacks, evm, ledger, log)
	r.sched = NewRetryScheduler(
		clock,
		Backoff{
			Initial:    cfg.RetryDelay(),
			Multiplier: cfg.Relayer.BackoffMultiplier,
			Max:        cfg.MaxRetryDelay(),
		},
		cfg.Relayer.MaxRetries,
		log,
		r.enqueue,
	)
	return r
}

// Start launches the observer loops, the dispatch workers and the sweep.
func (r *Relayer) Start() error {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if r.running {
		return errors.New("relayer already started")
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.running = true

	for _, obs := range r.observers {
		obs := obs
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.observeLoop(obs)
		}()
	}
	for i := 0; i < dispatchWorkers; i++ {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.workLoop()
		}()
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.sweepLoop()
	}()

	r.log.Info().Int("observers", len(r.observers)).Msg("relayer started")
	return nil
}

// Stop cancels all loops and waits for in-flight work to finish or be
// recorded as failed-retryable. Nothing is left pending indefinitely: stale
// pending claims are reclaimed by the sweep on the next start.
func (r *Relayer) Stop() {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if !r.running {
		return
	}
	r.cancel()
	r.wg.Wait()
	r.sched.Wait()
	r.running = false
	r.log.Info().Msg("relayer stopped")
}

// ProcessSourceEvent runs one raw Stacks event through the full pipeline
// synchronously. Both the live polling loop and test harnesses use it.
func (r *Relayer) ProcessSourceEvent(raw types.RawEvent) types.Result {
	if raw.Chain() != types.CHAINKEY_STACKS {
		return types.Result{Success: false, Message: "not a source-chain event"}
	}
	res, err := r.processRaw(context.Background(), raw)
	if err != nil {
		return types.Result{Success: false, Message: "ledger unavailable: " + err.Error()}
	}
	return res
}

// ProcessDestinationEvent is the EVM-side counterpart of ProcessSourceEvent.
func (r *Relayer) ProcessDestinationEvent(raw types.RawEvent) types.Result {
	if raw.Chain() != types.CHAINKEY_EVM {
		return types.Result{Success: false, Message: "not a destination-chain event"}
	}
	res, err := r.processRaw(context.Background(), raw)
	if err != nil {
		return types.Result{Success: false, Message: "ledger unavailable: " + err.Error()}
	}
	return res
}

// processRaw distinguishes infrastructure faults (returned as error, the
// cursor must not advance past them) from business outcomes (Result).
func (r *Relayer) processRaw(ctx context.Context, raw types.RawEvent) (types.Result, error) {
	// logs and prints produced by our own dispatches finalize the
	// corresponding submitted record before anything else
	switch ev := raw.(type) {
	case types.EVMLog:
		if ev.Name == "DepositCredited" || ev.Name == "WithdrawalDebited" {
			if err := r.finalize(ev.TxHash.Hex()); err != nil {
				return types.Result{}, err
			}
			return types.Result{Success: true, Message: "finalized"}, nil
		}
		if ev.Name == "StageAcknowledged" {
			if err := r.finalize(ev.TxHash.Hex()); err != nil {
				return types.Result{}, err
			}
		}
	case types.StacksPrint:
		if ev.Topic == printStageAck {
			if err := r.finalize(ev.TxID); err != nil {
				return types.Result{}, err
			}
		}
	}

	cev, err := Normalize(raw, r.clock.Now())
	if err != nil {
		if errors.Is(err, ErrDrop) {
			metrics.DroppedEvents.Inc()
			r.log.Warn().Err(err).Msg("dropping raw event")
			return types.Result{Success: false, Message: err.Error()}, nil
		}
		return types.Result{}, err
	}
	return r.process(ctx, cev)
}

// finalize confirms the submitted record that produced destTxHash, if any.
// Unknown hashes are manual transfers or other relayers' work, just logged.
func (r *Relayer) finalize(destTxHash string) error {
	rec, err := r.ledger.FindByDestTx(destTxHash)
	if err != nil {
		return err
	}
	if rec == nil {
		r.log.Warn().Str("destTx", destTxHash).Msg("observed destination tx with no ledger record (manual tx?)")
		return nil
	}
	if rec.Status != types.StatusSubmitted {
		return nil
	}
	if err := r.ledger.Complete(rec.MessageID, destTxHash); err != nil {
		return err
	}
	if rec.Event != nil {
		metrics.MessagesTotal.WithLabelValues(string(rec.Event.Kind), "confirmed").Inc()
	}
	r.log.Info().Str("msg", rec.MessageID).Str("destTx", destTxHash).Msg("dispatch confirmed on destination chain")
	return nil
}

func (r *Relayer) acquire(messageID string) bool {
	r.inflightMu.Lock()
	defer r.inflightMu.Unlock()
	if _, ok := r.inflight[messageID]; ok {
		return false
	}
	r.inflight[messageID] = struct{}{}
	return true
}

func (r *Relayer) release(messageID string) {
	r.inflightMu.Lock()
	defer r.inflightMu.Unlock()
	delete(r.inflight, messageID)
}

// process is the single path every canonical event takes: per-message
// serialization, stage validation, idempotency claim, dispatch.
func (r *Relayer) process(ctx context.Context, ev *types.CanonicalEvent) (types.Result, error) {
	if !r.acquire(ev.ID) {
		// another attempt for the same message is running right now
		return types.Result{Success: true, Message: "already in flight"}, nil
	}
	defer r.release(ev.ID)

	// a message that already holds a retryable ledger claim has passed the
	// stage gate on its first attempt; re-validating would misread a retry
	// as a duplicate (an ack whose stage already settled, for instance)
	prior, err := r.ledger.Get(ev.ID)
	if err != nil {
		return types.Result{}, err
	}
	retrying := prior != nil && prior.Status == types.StatusFailedRetryable

	if !retrying {
		switch ev.Kind {
		case types.KindStageSet:
			ok, err := r.stages.OnStageChange(ev)
			if err != nil {
				return types.Result{}, err
			}
			if !ok {
				metrics.MessagesTotal.WithLabelValues(string(ev.Kind), "rejected").Inc()
				return types.Result{Success: false, Message: ErrStageRejected.Error()}, nil
			}
		case types.KindStageAck:
			settled, err := r.stages.OnStageAck(ev)
			if err != nil {
				return types.Result{}, err
			}
			if !settled {
				return types.Result{Success: false, Message: "stage acknowledgment ignored"}, nil
			}
		}
	}

	begun, err := r.ledger.TryBegin(ev)
	if err != nil {
		return types.Result{}, err
	}
	if !begun {
		metrics.MessagesTotal.WithLabelValues(string(ev.Kind), "duplicate").Inc()
		return types.Result{Success: true, Message: "already processed"}, nil
	}

	if err := r.disp.Dispatch(ctx, ev); err != nil {
		return r.noteDispatchFailure(ev, err), nil
	}
	metrics.MessagesTotal.WithLabelValues(string(ev.Kind), "submitted").Inc()
	return types.Result{Success: true}, nil
}

// noteDispatchFailure records the classified failure and, for transient
// faults with budget left, arms the retry timer. One failed message never
// crashes the process or blocks other messages.
func (r *Relayer) noteDispatchFailure(ev *types.CanonicalEvent, cause error) types.Result {
	if IsPermanent(cause) {
		if err := r.ledger.Fail(ev.ID, cause.Error(), true, 0); err != nil {
			r.log.Error().Err(err).Str("msg", ev.ID).Msg("cannot record permanent failure")
		}
		metrics.MessagesTotal.WithLabelValues(string(ev.Kind), "failed-permanent").Inc()
		r.alert(ev, cause.Error())
		return types.Result{Success: false, Message: cause.Error()}
	}

	rec, err := r.ledger.Get(ev.ID)
	if err != nil || rec == nil {
		r.log.Error().Err(err).Str("msg", ev.ID).Msg("cannot load record after dispatch failure")
		return types.Result{Success: false, Message: cause.Error()}
	}

	if r.sched.Exhausted(rec.RetryCount) {
		msg := fmt.Sprintf("retry budget exhausted after %d attempts: %s", rec.RetryCount+1, cause.Error())
		if err := r.ledger.Fail(ev.ID, msg, true, 0); err != nil {
			r.log.Error().Err(err).Str("msg", ev.ID).Msg("cannot record permanent failure")
		}
		metrics.MessagesTotal.WithLabelValues(string(ev.Kind), "failed-permanent").Inc()
		r.alert(ev, msg)
		return types.Result{Success: false, Message: msg}
	}

	next := r.clock.Now().Unix() + r.sched.NextDelay(rec.RetryCount)
	if err := r.ledger.Fail(ev.ID, cause.Error(), false, next); err != nil {
		r.log.Error().Err(err).Str("msg", ev.ID).Msg("cannot record retryable failure")
		return types.Result{Success: false, Message: cause.Error()}
	}
	metrics.MessagesTotal.WithLabelValues(string(ev.Kind), "failed-retryable").Inc()
	if r.ctx != nil {
		r.sched.Schedule(r.ctx, ev, rec.RetryCount)
	}
	return types.Result{Success: false, Message: cause.Error()}
}

// alert surfaces a failed-permanent record to operators. The alert id is in
// the ledger row; the dashboard reads it from /operations/failed-permanent.
func (r *Relayer) alert(ev *types.CanonicalEvent, msg string) {
	rec, _ := r.ledger.Get(ev.ID)
	alertID := ""
	if rec != nil {
		alertID = rec.AlertID
	}
	r.log.Error().Str("msg", ev.ID).Str("kind", string(ev.Kind)).
		Uint64("property", ev.PropertyID).Str("alert", alertID).
		Msgf("PERMANENT FAILURE, operator action required: %s", msg)
}

func (r *Relayer) enqueue(ev *types.CanonicalEvent) {
	if r.ctx == nil {
		return
	}
	select {
	case r.queue <- ev:
	case <-r.ctx.Done():
	}
}

func (r *Relayer) workLoop() {
	for {
		select {
		case <-r.ctx.Done():
			return
		case ev := <-r.queue:
			if _, err := r.process(r.ctx, ev); err != nil {
				r.log.Error().Err(err).Str("msg", ev.ID).Msg("ledger unavailable while processing")
			}
		}
	}
}

// observeLoop polls one chain. The cursor only advances once every event of
// the batch has either had effect or been durably recorded as failed.
func (r *Relayer) observeLoop(obs Observer) {
	interval := time.Duration(obs.Interval()) * time.Second
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.clock.After(interval):
		}

		cursor, err := r.cursors.GetCursor(obs.Chain())
		if err != nil {
			r.log.Error().Err(err).Str("chain", obs.Name()).Msg("error loading cursor")
			continue
		}

		raws, newCursor, err := obs.Poll(r.ctx, cursor)
		if err != nil {
			// transient fault, poll again next tick from the same cursor
			r.log.Warn().Err(err).Str("chain", obs.Name()).Msg("observer poll failed")
			continue
		}

		aborted := false
		for _, raw := range raws {
			if _, err := r.processRaw(r.ctx, raw); err != nil {
				// don't consider this batch processed
				r.log.Error().Err(err).Str("chain", obs.Name()).Msg("ledger unavailable, batch aborted")
				aborted = true
				break
			}
		}
		if aborted || newCursor == cursor {
			continue
		}

		if err := r.cursors.SetCursor(obs.Chain(), newCursor); err != nil {
			r.log.Error().Err(err).Str("chain", obs.Name()).Msg("error persisting cursor")
			continue
		}
		metrics.LastScannedBlock.WithLabelValues(obs.Name()).Set(float64(newCursor))
	}
}

// sweepLoop is the periodic self-healing pass: crash recovery for stale
// pending claims, re-queueing of due retries, stage-ack timeouts and the
// lockbox conservation check.
func (r *Relayer) sweepLoop() {
	interval := time.Duration(r.cfg.Relayer.SweepSeconds) * time.Second
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.clock.After(interval):
		}
		r.Sweep(r.ctx)
	}
}

// Sweep runs one maintenance pass. Exported so tests and operators can
// trigger it deterministically.
func (r *Relayer) Sweep(ctx context.Context) {
	now := r.clock.Now().Unix()

	// retryable records whose timer was lost to a restart
	if recs, err := r.ledger.ListByStatus(types.StatusFailedRetryable); err == nil {
		for _, rec := range recs {
			if rec.Event != nil && rec.NextAttemptTs > 0 && rec.NextAttemptTs <= now {
				r.enqueue(rec.Event)
			}
		}
	}

	// pending claims from a crash mid-dispatch
	if recs, err := r.ledger.ListByStatus(types.StatusPending); err == nil {
		for _, rec := range recs {
			if now-rec.TsUpdated > stalePendingSeconds {
				if err := r.ledger.Fail(rec.MessageID, "stale pending claim reclaimed", false, now); err != nil {
					r.log.Error().Err(err).Str("msg", rec.MessageID).Msg("cannot reclaim stale pending record")
				}
			}
		}
	}

	// stage advances waiting too long for the counter-chain acknowledgment
	if states, err := r.stages.TimedOut(int64(r.cfg.AckTimeout().Seconds())); err == nil {
		for _, st := range states {
			rec, err := r.ledger.Get(st.PendingMsgID)
			if err != nil || rec == nil || rec.Event == nil {
				continue
			}
			if rec.Status != types.StatusSubmitted {
				continue
			}
			r.log.Warn().Uint64("property", st.PropertyID).Int("target", st.PendingTarget).
				Msg("stage acknowledgment window elapsed, resubmitting update")
			if err := r.ledger.Fail(rec.MessageID, "acknowledgment timeout", false, now); err != nil {
				r.log.Error().Err(err).Str("msg", rec.MessageID).Msg("cannot reopen timed-out stage dispatch")
				continue
			}
			r.enqueue(rec.Event)
		}
	}

	// conservation and stage-drift checks over every property with stage
	// history
	if states, err := r.stages.store.ListStageStates(); err == nil {
		for _, st := range states {
			if _, err := r.lockbox.Check(ctx, st.PropertyID); err != nil {
				r.log.Warn().Err(err).Uint64("property", st.PropertyID).Msg("lockbox sweep failed")
			}
			if st.PendingTarget >= 0 {
				// an advance is legitimately in flight
				continue
			}
			onchain, err := r.stacks.ReadStage(st.PropertyID)
			if err != nil {
				r.log.Warn().Err(err).Uint64("property", st.PropertyID).Msg("cannot read gateway stage")
				continue
			}
			if onchain != st.Confirmed {
				metrics.StageWarnings.Inc()
				r.log.Warn().Uint64("property", st.PropertyID).
					Int("gateway", onchain).Int("settled", st.Confirmed).
					Msg("gateway stage differs from settled stage")
			}
		}
	}
}

// Replay resets a failed-permanent record and re-queues its event; the
// operator path behind POST /operations/{id}/retry.
func (r *Relayer) Replay(messageID string) (*types.DispatchRecord, error) {
	rec, err := r.ledger.ResetForRetry(messageID)
	if err != nil {
		return nil, err
	}
	if rec.Event != nil && r.ctx != nil {
		r.enqueue(rec.Event)
	}
	return rec, nil
}

// Lockbox exposes the conservation check for the operator API.
func (r *Relayer) Lockbox(ctx context.Context, propertyID uint64) (*LockboxReport, error) {
	return r.lockbox.Check(ctx, propertyID)
}

// ConfirmedStage reports the stage settled on both chains.
func (r *Relayer) ConfirmedStage(propertyID uint64) (types.PropertyStage, error) {
	return r.stages.Confirmed(propertyID)
}

// Ledger exposes read access for the operator API.
func (r *Relayer) Ledger() Ledger { return r.ledger }

// Cursors exposes read access for the operator API.
func (r *Relayer) Cursors() CursorStore { return r.cursors }

// StageStates lists synchronizer state for the operator API.
func (r *Relayer) StageStates() ([]*types.StageState, error) {
	return r.stages.store.ListStageStates()
}
