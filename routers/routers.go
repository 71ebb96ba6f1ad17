package routers

import (
	"ledger-project/handlers"

	"github.com/gorilla/mux"
)

// RegisterRoutes sets up all the HTTP routes for the ledger
func RegisterRoutes(r *mux.Router, h *handlers.Handler) {

	// Admits a signed transfer or contract call to the pool
	r.HandleFunc("/transactions", h.SubmitTransaction).Methods("POST")
	r.HandleFunc("/transactions/pending", h.GetPending).Methods("GET")

	r.HandleFunc("/balances/{address}", h.GetBalance).Methods("GET")

	r.HandleFunc("/stakes", h.Stake).Methods("POST")
	r.HandleFunc("/stakes", h.GetStakes).Methods("GET")
	r.HandleFunc("/validator", h.SelectValidator).Methods("GET")

	// Runs one block production cycle: execute, pack by fee, mine, reward
	r.HandleFunc("/blocks", h.ProduceBlock).Methods("POST")
	r.HandleFunc("/blocks", h.GetBlocks).Methods("GET")
	r.HandleFunc("/blocks/{height:[0-9]+}", h.GetBlock).Methods("GET")

	r.HandleFunc("/chain", h.GetChainInfo).Methods("GET")
	r.HandleFunc("/chain/validate", h.ValidateChain).Methods("GET")

	r.HandleFunc("/assets", h.RegisterAsset).Methods("POST")
	r.HandleFunc("/assets", h.GetAssets).Methods("GET")

	r.HandleFunc("/contracts", h.DeployContract).Methods("POST")
	r.HandleFunc("/contracts", h.GetContracts).Methods("GET")
	r.HandleFunc("/contracts/{address}", h.GetContract).Methods("GET")

	// Payment channels, registered before /channels/{id} so the literal paths win
	r.HandleFunc("/channels", h.OpenChannel).Methods("POST")
	r.HandleFunc("/channels", h.GetChannels).Methods("GET")
	r.HandleFunc("/channels/find", h.FindChannel).Methods("GET")
	r.HandleFunc("/channels/force-close", h.ForceClose).Methods("POST")
	r.HandleFunc("/channels/{id}", h.GetChannel).Methods("GET")
	r.HandleFunc("/channels/{id}/updates", h.UpdateChannel).Methods("POST")
	r.HandleFunc("/channels/{id}/close-request", h.RequestClose).Methods("POST")
	r.HandleFunc("/channels/{id}/challenge", h.ChallengeClose).Methods("POST")
	r.HandleFunc("/channels/{id}/finalize", h.FinalizeClose).Methods("POST")

	r.HandleFunc("/watchtowers", h.RegisterWatchtower).Methods("POST")
	r.HandleFunc("/watchtowers", h.GetWatchtowers).Methods("GET")
	r.HandleFunc("/watchtowers/{id}/monitor", h.Monitor).Methods("POST")
	r.HandleFunc("/watchtowers/{id}/sweep", h.Sweep).Methods("POST")
}
