package models

import (
	"strconv"
	"strings"
)

// TxKind tags what a ledger entry does.
type TxKind string

const (
	KindTransfer TxKind = "transfer"
	KindStake    TxKind = "stake"
	KindReward   TxKind = "reward"
	KindContract TxKind = "contract"
)

const (
	// NetworkAddress is the sender of protocol-minted reward entries.
	NetworkAddress = "Network"
	// StakeAddress receives the outflow recorded by stake entries.
	StakeAddress = "STAKE_ADDRESS"
)

// ContractCall is the target of a contract-kind entry.
type ContractCall struct {
	Address string   `json:"address" msgpack:"a"`
	Method  string   `json:"method" msgpack:"m"`
	Args    []string `json:"args,omitempty" msgpack:"r"`
}

// Transaction is a single ledger entry.
type Transaction struct {
	Sender    string        `json:"sender" msgpack:"s"`
	Recipient string        `json:"recipient" msgpack:"r"`
	Amount    uint64        `json:"amount" msgpack:"v"`
	Fee       uint64        `json:"fee" msgpack:"f"`
	Kind      TxKind        `json:"kind" msgpack:"k"`
	Contract  *ContractCall `json:"contract,omitempty" msgpack:"c,omitempty"`
	Signature []byte        `json:"signature,omitempty" msgpack:"g,omitempty"`
}

// String is the canonical form signed by the sender: sender, recipient,
// amount, fee, kind and the contract target in that order, separated by
// '|'. Text fields carry a length prefix so no field can absorb its
// neighbour.
func (t *Transaction) String() string {
	var sb strings.Builder
	field := func(s string) {
		sb.WriteString(strconv.Itoa(len(s)))
		sb.WriteByte(':')
		sb.WriteString(s)
		sb.WriteByte('|')
	}

	field(t.Sender)
	field(t.Recipient)
	sb.WriteString(strconv.FormatUint(t.Amount, 10))
	sb.WriteByte('|')
	sb.WriteString(strconv.FormatUint(t.Fee, 10))
	sb.WriteByte('|')
	field(string(t.Kind))
	if t.Contract != nil {
		field(t.Contract.Address)
		field(t.Contract.Method)
		sb.WriteString(strconv.Itoa(len(t.Contract.Args)))
		sb.WriteByte('|')
		for _, a := range t.Contract.Args {
			field(a)
		}
	}
	return sb.String()
}

// SigningBytes returns the canonical form as bytes.
func (t *Transaction) SigningBytes() []byte {
	return []byte(t.String())
}
