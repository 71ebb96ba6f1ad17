package handlers

import (
	"net/http"

	"ledger-project/models"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/mux"
)

type registerWatchtowerRequest struct {
	ID string `json:"id"`
}

type monitorRequest struct {
	ChannelID string        `json:"channel_id"`
	Index     int           `json:"index"`
	Amount    int64         `json:"amount"`
	Sig1      hexutil.Bytes `json:"sig1"`
	Sig2      hexutil.Bytes `json:"sig2"`
}

// RegisterWatchtower handles POST requests that add a watchtower to this node
func (h *Handler) RegisterWatchtower(w http.ResponseWriter, r *http.Request) {
	var req registerWatchtowerRequest
	if !decode(w, r, &req) {
		return
	}

	if _, err := h.Watchtowers.Register(req.ID); err != nil {
		writeError(w, "Failed to register watchtower", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"message": "Watchtower registered",
		"id":      req.ID,
	})
}

// GetWatchtowers handles GET requests listing watchtowers and their records
func (h *Handler) GetWatchtowers(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]interface{})
	for _, t := range h.Watchtowers.List() {
		out[t.ID] = t.Records()
	}
	writeJSON(w, http.StatusOK, out)
}

// Monitor handles POST requests delegating a commitment to a watchtower
func (h *Handler) Monitor(w http.ResponseWriter, r *http.Request) {
	tower, err := h.Watchtowers.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, "Failed to get watchtower", err)
		return
	}

	var req monitorRequest
	if !decode(w, r, &req) {
		return
	}

	cm := models.Commitment{Index: req.Index, Amount: req.Amount, Sig1: req.Sig1, Sig2: req.Sig2}
	if err := tower.Monitor(req.ChannelID, cm); err != nil {
		writeError(w, "Failed to monitor channel", err)
		return
	}
	writeJSON(w, http.StatusCreated, tower.Records())
}

// Sweep handles POST requests that run one watchtower sweep immediately
func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	tower, err := h.Watchtowers.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, "Failed to get watchtower", err)
		return
	}
	writeJSON(w, http.StatusOK, tower.Sweep())
}
