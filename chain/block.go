package chain

import (
	"bytes"
	"context"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"ledger-project/models"

	"github.com/bits-and-blooms/bloom/v3"
	sha256 "github.com/minio/sha256-simd"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	// nonces tried between context checks while mining
	ctxCheckInterval = 4096

	bloomFalsePositive = 0.01
)

// NewBlock builds an unmined block over txs and computes its initial hash.
func NewBlock(previousHash string, txs []models.Transaction, now time.Time) *models.Block {
	b := &models.Block{
		Timestamp:    now.UnixNano(),
		PreviousHash: previousHash,
		Transactions: txs,
		AddressBloom: makeAddressBloom(txs),
	}
	b.Hash = ComputeHash(b)
	return b
}

// ComputeHash is the hex digest of the block's timestamp, previous hash,
// entries and nonce.
func ComputeHash(b *models.Block) string {
	return digest(headerBytes(b), b.Nonce)
}

// MeetsDifficulty reports whether hash starts with difficulty '0' characters.
func MeetsDifficulty(hash string, difficulty int) bool {
	if difficulty <= 0 {
		return true
	}
	if difficulty > len(hash) {
		return false
	}
	return strings.Count(hash[:difficulty], "0") == difficulty
}

// Mine increments the nonce until the hash meets difficulty. The search
// only stops early when ctx is cancelled.
func Mine(ctx context.Context, b *models.Block, difficulty int) error {
	header := headerBytes(b)
	b.Hash = digest(header, b.Nonce)

	for tries := 0; !MeetsDifficulty(b.Hash, difficulty); tries++ {
		if tries%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		b.Nonce++
		b.Hash = digest(header, b.Nonce)
	}

	return nil
}

func headerBytes(b *models.Block) []byte {
	var buf bytes.Buffer
	buf.WriteString(strconv.FormatInt(b.Timestamp, 10))
	buf.WriteString(b.PreviousHash)
	buf.Write(encodeEntries(b.Transactions))
	return buf.Bytes()
}

func digest(header []byte, nonce uint64) string {
	h := sha256.New()
	h.Write(header)
	h.Write(strconv.AppendUint(nil, nonce, 10))
	return hex.EncodeToString(h.Sum(nil))
}

// encodeEntries is the canonical msgpack form of a block's entries. Empty
// and nil slices encode identically so a block survives a JSON round trip
// with the same digest.
func encodeEntries(txs []models.Transaction) []byte {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)

	_ = enc.EncodeArrayLen(len(txs))
	for _, tx := range txs {
		tx := tx
		if len(tx.Signature) == 0 {
			tx.Signature = nil
		}
		if tx.Contract != nil && len(tx.Contract.Args) == 0 {
			call := *tx.Contract
			call.Args = nil
			tx.Contract = &call
		}
		_ = enc.Encode(&tx)
	}

	return buf.Bytes()
}

func makeAddressBloom(txs []models.Transaction) []byte {
	n := uint(2 * len(txs))
	if n == 0 {
		return nil
	}

	f := bloom.NewWithEstimates(n, bloomFalsePositive)
	for _, tx := range txs {
		f.AddString(tx.Sender)
		f.AddString(tx.Recipient)
	}

	b, err := f.GobEncode()
	if err != nil {
		return nil
	}
	return b
}

// mayTouch reports whether b can contain an entry involving address. A
// missing or unreadable filter always answers true.
func mayTouch(b *models.Block, address string) bool {
	if len(b.AddressBloom) == 0 {
		return len(b.Transactions) > 0
	}

	f := &bloom.BloomFilter{}
	if err := f.GobDecode(b.AddressBloom); err != nil {
		return true
	}
	return f.TestString(address)
}
