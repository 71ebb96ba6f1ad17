package chain

import (
	"sort"

	"ledger-project/models"
)

type pooledTx struct {
	tx  models.Transaction
	seq uint64
}

// TxPool holds entries not yet embedded in a block, in insertion order.
// It is not safe for concurrent use; Chain serialises access.
type TxPool struct {
	entries []*pooledTx
	nextSeq uint64
}

func NewTxPool() *TxPool {
	return &TxPool{}
}

func (p *TxPool) Len() int {
	return len(p.entries)
}

// find returns the pending entry for the (sender, recipient) pair.
func (p *TxPool) find(sender, recipient string) *pooledTx {
	for _, e := range p.entries {
		if e.tx.Sender == sender && e.tx.Recipient == recipient {
			return e
		}
	}
	return nil
}

func (p *TxPool) push(tx models.Transaction) *pooledTx {
	e := &pooledTx{tx: tx, seq: p.nextSeq}
	p.nextSeq++
	p.entries = append(p.entries, e)
	return e
}

// replace evicts old and appends tx as a fresh insertion.
func (p *TxPool) replace(old *pooledTx, tx models.Transaction) *pooledTx {
	p.remove(map[*pooledTx]struct{}{old: {}})
	return p.push(tx)
}

// mergeProtocol adds a protocol-issued entry, folding its amount into a
// pending entry of the same kind for the same pair so the pool keeps one
// entry per pair.
func (p *TxPool) mergeProtocol(tx models.Transaction) {
	if e := p.find(tx.Sender, tx.Recipient); e != nil && e.tx.Kind == tx.Kind {
		merged := e.tx
		merged.Amount += tx.Amount
		p.replace(e, merged)
		return
	}
	p.push(tx)
}

func (p *TxPool) remove(set map[*pooledTx]struct{}) {
	if len(set) == 0 {
		return
	}
	kept := p.entries[:0]
	for _, e := range p.entries {
		if _, ok := set[e]; !ok {
			kept = append(kept, e)
		}
	}
	for i := len(kept); i < len(p.entries); i++ {
		p.entries[i] = nil
	}
	p.entries = kept
}

func (p *TxPool) containsAll(list []*pooledTx) bool {
	present := make(map[*pooledTx]struct{}, len(p.entries))
	for _, e := range p.entries {
		present[e] = struct{}{}
	}
	for _, e := range list {
		if _, ok := present[e]; !ok {
			return false
		}
	}
	return true
}

// Pending returns a copy of the pending entries in insertion order.
func (p *TxPool) Pending() []models.Transaction {
	out := make([]models.Transaction, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e.tx)
	}
	return out
}

// byFee orders entries by descending fee; sort.SliceStable keeps insertion
// order between equal fees.
func byFee(list []*pooledTx) []*pooledTx {
	sorted := make([]*pooledTx, len(list))
	copy(sorted, list)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].tx.Fee > sorted[j].tx.Fee
	})
	return sorted
}
