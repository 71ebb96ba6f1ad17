package models

// Commitment is one co-signed balance shift in a payment channel. A
// positive amount moves value from party 1 to party 2.
type Commitment struct {
	Index  int    `json:"index"`
	Amount int64  `json:"amount"`
	Sig1   []byte `json:"sig1"`
	Sig2   []byte `json:"sig2"`
}

// Party is a channel participant identified by its public key.
type Party struct {
	Address   string `json:"address"`
	PublicKey []byte `json:"public_key"`
}

// Allocation is an amount owed to or by an address.
type Allocation struct {
	Address string `json:"address"`
	Amount  uint64 `json:"amount"`
}
