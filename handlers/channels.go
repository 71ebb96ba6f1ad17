package handlers

import (
	"net/http"

	"ledger-project/channel"
	"ledger-project/models"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/mux"
)

type partyRequest struct {
	Address   string        `json:"address"`
	PublicKey hexutil.Bytes `json:"public_key"`
}

type openChannelRequest struct {
	Party1   partyRequest  `json:"party1"`
	Party2   partyRequest  `json:"party2"`
	Deposit1 uint64        `json:"deposit1"`
	Deposit2 uint64        `json:"deposit2"`
	Sig1     hexutil.Bytes `json:"sig1"`
	Sig2     hexutil.Bytes `json:"sig2"`
}

type updateChannelRequest struct {
	Amount int64         `json:"amount"`
	Sig1   hexutil.Bytes `json:"sig1"`
	Sig2   hexutil.Bytes `json:"sig2"`
}

type closeRequest struct {
	Index *int `json:"index,omitempty"`
}

type challengeRequest struct {
	Index int `json:"index"`
}

type forceCloseRequest struct {
	Party1 string `json:"party1"`
	Party2 string `json:"party2"`
	Index  int    `json:"index"`
}

func (p partyRequest) party() models.Party {
	return models.Party{Address: p.Address, PublicKey: p.PublicKey}
}

// OpenChannel handles POST requests, signed by both parties, that escrow deposits into a new channel
func (h *Handler) OpenChannel(w http.ResponseWriter, r *http.Request) {
	var req openChannelRequest
	if !decode(w, r, &req) {
		return
	}

	ch, err := h.Channels.OpenSigned(req.Party1.party(), req.Party2.party(),
		req.Deposit1, req.Deposit2, req.Sig1, req.Sig2)
	if err != nil {
		writeError(w, "Failed to open channel", err)
		return
	}
	writeJSON(w, http.StatusCreated, ch.Info())
}

// GetChannels handles GET requests listing every channel
func (h *Handler) GetChannels(w http.ResponseWriter, r *http.Request) {
	chans := h.Channels.List()
	out := make([]channel.Info, 0, len(chans))
	for _, ch := range chans {
		out = append(out, ch.Info())
	}
	writeJSON(w, http.StatusOK, out)
}

// GetChannel handles GET requests for one channel and its commitment log
func (h *Handler) GetChannel(w http.ResponseWriter, r *http.Request) {
	ch, err := h.Channels.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, "Failed to get channel", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"channel":     ch.Info(),
		"commitments": ch.Commitments(),
	})
}

// FindChannel handles GET requests resolving a channel by its two parties
func (h *Handler) FindChannel(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ch, err := h.Channels.Find(q.Get("party1"), q.Get("party2"))
	if err != nil {
		writeError(w, "Failed to find channel", err)
		return
	}
	writeJSON(w, http.StatusOK, ch.Info())
}

// UpdateChannel handles POST requests carrying a co-signed balance shift
func (h *Handler) UpdateChannel(w http.ResponseWriter, r *http.Request) {
	ch, err := h.Channels.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, "Failed to get channel", err)
		return
	}

	var req updateChannelRequest
	if !decode(w, r, &req) {
		return
	}

	cm, err := ch.Update(req.Amount, req.Sig1, req.Sig2)
	if err != nil {
		writeError(w, "Failed to update channel", err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"commitment": cm,
		"channel":    ch.Info(),
	})
}

// RequestClose handles POST requests that start the dispute window
func (h *Handler) RequestClose(w http.ResponseWriter, r *http.Request) {
	ch, err := h.Channels.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, "Failed to get channel", err)
		return
	}

	req := closeRequest{}
	if r.ContentLength > 0 && !decode(w, r, &req) {
		return
	}
	index := channel.Latest
	if req.Index != nil {
		index = *req.Index
	}

	if err := ch.RequestClose(index); err != nil {
		writeError(w, "Failed to request close", err)
		return
	}
	writeJSON(w, http.StatusAccepted, ch.Info())
}

// ChallengeClose handles POST requests presenting a newer commitment index
func (h *Handler) ChallengeClose(w http.ResponseWriter, r *http.Request) {
	ch, err := h.Channels.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, "Failed to get channel", err)
		return
	}

	var req challengeRequest
	if !decode(w, r, &req) {
		return
	}

	if err := ch.ChallengeClose(req.Index); err != nil {
		writeError(w, "Failed to challenge close", err)
		return
	}
	writeJSON(w, http.StatusOK, ch.Info())
}

// FinalizeClose handles POST requests that settle a channel after its window
func (h *Handler) FinalizeClose(w http.ResponseWriter, r *http.Request) {
	ch, err := h.Channels.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, "Failed to get channel", err)
		return
	}

	if err := ch.FinalizeClose(); err != nil {
		writeError(w, "Failed to finalize close", err)
		return
	}
	writeJSON(w, http.StatusOK, ch.Info())
}

// ForceClose handles POST requests for the administrative close by party pair
func (h *Handler) ForceClose(w http.ResponseWriter, r *http.Request) {
	var req forceCloseRequest
	if !decode(w, r, &req) {
		return
	}

	if err := h.Channels.ForceClose(req.Party1, req.Party2, req.Index); err != nil {
		writeError(w, "Failed to force close", err)
		return
	}

	ch, err := h.Channels.Find(req.Party1, req.Party2)
	if err != nil {
		writeError(w, "Failed to find channel", err)
		return
	}
	writeJSON(w, http.StatusOK, ch.Info())
}
