package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"ledger-project/chain"
	"ledger-project/channel"
	"ledger-project/contract"
	"ledger-project/errs"
	"ledger-project/logger"
	"ledger-project/watchtower"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Handler contains the HTTP handlers for the ledger API endpoints
type Handler struct {
	Chain       *chain.Chain
	Contracts   *contract.Store
	Channels    *channel.Registry
	Watchtowers *watchtower.Directory

	// MinerAddress receives block rewards while nobody has staked
	MinerAddress string
}

// NewHandler creates and returns a new Handler instance
func NewHandler(c *chain.Chain, contracts *contract.Store, channels *channel.Registry,
	towers *watchtower.Directory, minerAddress string) *Handler {
	return &Handler{
		Chain:        c,
		Contracts:    contracts,
		Channels:     channels,
		Watchtowers:  towers,
		MinerAddress: minerAddress,
	}
}

// statusFor maps an error kind to the HTTP status returned to clients
func statusFor(err error) int {
	switch errs.KindOf(err) {
	case errs.ValidationFailure:
		return http.StatusBadRequest
	case errs.StateConflict:
		return http.StatusConflict
	case errs.NotFound:
		return http.StatusNotFound
	case errs.TimingViolation:
		return http.StatusTooEarly
	case errs.ExhaustionFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, msg string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Logger.Error(msg, zap.Error(err))
	} else {
		logger.Logger.Warn(msg, zap.Error(err))
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
	})
}

// decode reads a JSON body, answering 400 itself on failure
func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		logger.Logger.Error("Failed to decode request", zap.String("path", r.URL.Path), zap.Error(err))
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "Invalid request payload",
		})
		return false
	}
	return true
}

func pathInt(r *http.Request, name string) (int, error) {
	v, err := strconv.Atoi(mux.Vars(r)[name])
	if err != nil {
		return 0, errs.New(errs.ValidationFailure, "%s must be an integer", name)
	}
	return v, nil
}
