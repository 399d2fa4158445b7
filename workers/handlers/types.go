package handlers

import "gopropbridge/types"

type APIResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// APIStateResponse is the dashboard's one-call view of relayer health:
// message counts per status plus the last processed block per chain.
type APIStateResponse struct {
	Status  string                       `json:"status"`
	Counts  map[types.DispatchStatus]int `json:"counts"`
	Cursors map[string]int64             `json:"cursors"`
	Stages  []*types.StageState          `json:"stages,omitempty"`
}

type APIOperationsResponse struct {
	Status  string                  `json:"status"`
	Records []*types.DispatchRecord `json:"records"`
}

type APIRetryResponse struct {
	Status string                `json:"status"`
	Record *types.DispatchRecord `json:"record"`
}
