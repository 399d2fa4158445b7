package handlers

import (
	"net/http"
	"strconv"

	"gopropbridge/relayer"
	"gopropbridge/types"

	"github.com/go-chi/chi"
	"github.com/rs/zerolog"
)

// Handler serves the operator API on top of a running relayer.
type Handler struct {
	relayer *relayer.Relayer
	log     zerolog.Logger
}

func New(r *relayer.Relayer, log zerolog.Logger) *Handler {
	return &Handler{relayer: r, log: log.With().Str("component", "api").Logger()}
}

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	responseJSON(w, &APIResponse{Status: "ok"}, http.StatusOK)
}

// State answers the dashboard's polling call: queue depths per status, last
// processed block per chain and per-property stage state.
func (h *Handler) State(w http.ResponseWriter, r *http.Request) {
	counts, err := h.relayer.Ledger().Counts()
	if err != nil {
		h.log.Error().Err(err).Msg("error reading ledger counts")
		responseJSON(w, &APIResponse{Status: "error", Message: "cannot read ledger"}, http.StatusInternalServerError)
		return
	}

	cursors := map[string]int64{}
	for _, chain := range []types.ChainKey{types.CHAINKEY_STACKS, types.CHAINKEY_EVM} {
		height, err := h.relayer.Cursors().GetCursor(chain)
		if err != nil {
			h.log.Error().Err(err).Msg("error reading cursor")
			responseJSON(w, &APIResponse{Status: "error", Message: "cannot read cursors"}, http.StatusInternalServerError)
			return
		}
		cursors[chain.String()] = height
	}

	stages, err := h.relayer.StageStates()
	if err != nil {
		h.log.Error().Err(err).Msg("error reading stage states")
		responseJSON(w, &APIResponse{Status: "error", Message: "cannot read stage states"}, http.StatusInternalServerError)
		return
	}

	responseJSON(w, &APIStateResponse{
		Status:  "ok",
		Counts:  counts,
		Cursors: cursors,
		Stages:  stages,
	}, http.StatusOK)
}

// Operations lists ledger records in one status, failed-permanent being the
// set operators actually watch.
func (h *Handler) Operations(w http.ResponseWriter, r *http.Request) {
	status := types.DispatchStatus(chi.URLParam(r, "status"))
	if !status.Valid() {
		responseJSON(w, &APIResponse{Status: "error", Message: "unknown status"}, http.StatusBadRequest)
		return
	}

	recs, err := h.relayer.Ledger().ListByStatus(status)
	if err != nil {
		h.log.Error().Err(err).Msg("error listing ledger records")
		responseJSON(w, &APIResponse{Status: "error", Message: "cannot read ledger"}, http.StatusInternalServerError)
		return
	}
	responseJSON(w, &APIOperationsResponse{Status: "ok", Records: recs}, http.StatusOK)
}

// Retry is the manual path out of failed-permanent: resets the record's
// retry budget and re-queues the original event.
func (h *Handler) Retry(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "id")
	rec, err := h.relayer.Replay(messageID)
	if err != nil {
		h.log.Warn().Err(err).Str("msg", messageID).Msg("manual retry rejected")
		responseJSON(w, &APIResponse{Status: "error", Message: err.Error()}, http.StatusConflict)
		return
	}

	h.log.Info().Str("msg", messageID).Msg("manual retry accepted")
	responseJSON(w, &APIRetryResponse{Status: "ok", Record: rec}, http.StatusOK)
}

// Lockbox runs the conservation check for one property on demand.
func (h *Handler) Lockbox(w http.ResponseWriter, r *http.Request) {
	propertyID, err := strconv.ParseUint(chi.URLParam(r, "propertyId"), 10, 64)
	if err != nil {
		responseJSON(w, &APIResponse{Status: "error", Message: "invalid property id"}, http.StatusBadRequest)
		return
	}

	report, err := h.relayer.Lockbox(r.Context(), propertyID)
	if err != nil {
		h.log.Error().Err(err).Uint64("property", propertyID).Msg("lockbox check failed")
		responseJSON(w, &APIResponse{Status: "error", Message: "cannot compute balances"}, http.StatusBadGateway)
		return
	}
	responseJSON(w, report, http.StatusOK)
}
