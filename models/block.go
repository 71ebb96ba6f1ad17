package models

// GenesisPreviousHash is the previous-hash sentinel of the first block.
const GenesisPreviousHash = "0"

type Block struct {
	Timestamp    int64         `json:"timestamp"`     // unix nanoseconds
	PreviousHash string        `json:"previous_hash"` // hex digest of the parent, "0" for genesis
	Nonce        uint64        `json:"nonce"`
	Transactions []Transaction `json:"transactions"`
	Hash         string        `json:"hash"`

	// AddressBloom indexes every sender and recipient in the block. It is
	// derived data and not part of the digest.
	AddressBloom []byte `json:"address_bloom,omitempty"`
}

// ChainState is the checkpoint persisted after every append.
type ChainState struct {
	Height    uint64 `json:"height"`
	TipHash   string `json:"tip_hash"`
	Reward    uint64 `json:"reward"`
	UpdatedAt int64  `json:"updated_at"` // unix ms
}
