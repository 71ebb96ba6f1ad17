package handlers

import (
	"net/http"

	"ledger-project/errs"
	"ledger-project/logger"
	"ledger-project/models"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type submitRequest struct {
	Transaction models.Transaction `json:"transaction"`
	PublicKey   hexutil.Bytes      `json:"public_key"`
	Signature   hexutil.Bytes      `json:"signature"`
}

type stakeRequest struct {
	Address   string        `json:"address"`
	Amount    uint64        `json:"amount"`
	PublicKey hexutil.Bytes `json:"public_key"`
	Signature hexutil.Bytes `json:"signature"`
}

type produceRequest struct {
	Miner string `json:"miner"`
}

type assetRequest struct {
	Name string `json:"name"`
}

type deployRequest struct {
	Kind    string `json:"kind"`
	Address string `json:"address"`
}

// SubmitTransaction handles POST requests that admit a signed entry to the pool
func (h *Handler) SubmitTransaction(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !decode(w, r, &req) {
		return
	}

	if err := h.Chain.Submit(req.Transaction, req.PublicKey, req.Signature); err != nil {
		writeError(w, "Failed to submit transaction", err)
		return
	}

	logger.Logger.Info("Transaction admitted",
		zap.String("sender", req.Transaction.Sender), zap.String("recipient", req.Transaction.Recipient),
		zap.Uint64("amount", req.Transaction.Amount), zap.Uint64("fee", req.Transaction.Fee))

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"message":     "Transaction accepted",
		"transaction": req.Transaction,
	})
}

// GetPending handles GET requests for entries waiting for a block
func (h *Handler) GetPending(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Chain.Pending())
}

// GetBalance handles GET requests for an address balance including pending entries
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"address": address,
		"balance": h.Chain.GetBalance(address),
	})
}

// Stake handles POST requests, signed by the address owner, that lock balance into the stake registry
func (h *Handler) Stake(w http.ResponseWriter, r *http.Request) {
	var req stakeRequest
	if !decode(w, r, &req) {
		return
	}

	if err := h.Chain.StakeSigned(req.Address, req.Amount, req.PublicKey, req.Signature); err != nil {
		writeError(w, "Failed to stake", err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"message": "Stake registered",
		"stakes":  h.Chain.Stakes(),
	})
}

// GetStakes handles GET requests for the stake registry
func (h *Handler) GetStakes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Chain.Stakes())
}

// SelectValidator handles GET requests for a stake-weighted validator draw
func (h *Handler) SelectValidator(w http.ResponseWriter, r *http.Request) {
	validator, err := h.Chain.SelectValidator()
	if err != nil {
		writeError(w, "Failed to select validator", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"validator": validator})
}

// ProduceBlock handles POST requests that run one block production cycle
func (h *Handler) ProduceBlock(w http.ResponseWriter, r *http.Request) {
	req := produceRequest{Miner: h.MinerAddress}
	if r.ContentLength > 0 && !decode(w, r, &req) {
		return
	}

	res, err := h.Chain.ProduceBlock(r.Context(), req.Miner)
	if err != nil {
		if res != nil && len(res.Dropped) > 0 {
			writeJSON(w, statusFor(err), map[string]interface{}{
				"error":   err.Error(),
				"dropped": res.Dropped,
			})
			return
		}
		writeError(w, "Failed to produce block", err)
		return
	}

	writeJSON(w, http.StatusCreated, res)
}

// GetBlocks handles GET requests for the whole chain
func (h *Handler) GetBlocks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Chain.Blocks())
}

// GetBlock handles GET requests for a block by height
func (h *Handler) GetBlock(w http.ResponseWriter, r *http.Request) {
	height, err := pathInt(r, "height")
	if err != nil {
		writeError(w, "Invalid block height", err)
		return
	}

	blocks := h.Chain.Blocks()
	if height < 0 || height >= len(blocks) {
		writeError(w, "Block not found", errs.New(errs.NotFound, "no block at height %d", height))
		return
	}
	writeJSON(w, http.StatusOK, blocks[height])
}

// ValidateChain handles GET requests that rescan every block hash and link
func (h *Handler) ValidateChain(w http.ResponseWriter, r *http.Request) {
	idx, err := h.Chain.ValidateChain()
	if err != nil {
		logger.Logger.Error("Chain integrity breach", zap.Int("index", idx), zap.Error(err))
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"valid": false,
			"index": idx,
			"error": err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"valid":  true,
		"height": h.Chain.Height(),
	})
}

// GetChainInfo handles GET requests for the chain parameters and tip
func (h *Handler) GetChainInfo(w http.ResponseWriter, r *http.Request) {
	blocks := h.Chain.Blocks()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"height":         len(blocks) - 1,
		"tip":            blocks[len(blocks)-1].Hash,
		"difficulty":     h.Chain.Difficulty(),
		"block_capacity": h.Chain.BlockCapacity(),
		"reward":         h.Chain.Reward(),
		"pending":        len(h.Chain.Pending()),
	})
}

// RegisterAsset handles POST requests that record an asset name
func (h *Handler) RegisterAsset(w http.ResponseWriter, r *http.Request) {
	var req assetRequest
	if !decode(w, r, &req) {
		return
	}

	added, err := h.Chain.RegisterAsset(req.Name)
	if err != nil {
		writeError(w, "Failed to register asset", err)
		return
	}

	status := http.StatusCreated
	if !added {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]interface{}{
		"asset":  req.Name,
		"assets": h.Chain.Assets(),
	})
}

// GetAssets handles GET requests for registered asset names
func (h *Handler) GetAssets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Chain.Assets())
}

// DeployContract handles POST requests that deploy a contract template
func (h *Handler) DeployContract(w http.ResponseWriter, r *http.Request) {
	var req deployRequest
	if !decode(w, r, &req) {
		return
	}

	c, err := h.Contracts.DeployTemplate(req.Kind, req.Address)
	if err != nil {
		writeError(w, "Failed to deploy contract", err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"address": c.Address,
		"kind":    c.Kind,
		"methods": c.Methods(),
	})
}

// GetContracts handles GET requests for deployed contract addresses
func (h *Handler) GetContracts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Contracts.Addresses())
}

// GetContract handles GET requests for a deployed contract and its state
func (h *Handler) GetContract(w http.ResponseWriter, r *http.Request) {
	c, err := h.Contracts.Get(mux.Vars(r)["address"])
	if err != nil {
		writeError(w, "Failed to get contract", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"address": c.Address,
		"kind":    c.Kind,
		"methods": c.Methods(),
		"state":   c.State(),
	})
}
