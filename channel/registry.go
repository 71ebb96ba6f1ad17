package channel

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"ledger-project/errs"
	"ledger-project/logger"
	"ledger-project/models"
	"ledger-project/signer"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Ledger funds channels from on-chain balances and pays them back out.
type Ledger interface {
	Escrow(account string, deposits []models.Allocation) error
	Settle(account string, payouts []models.Allocation) error
}

const escrowPrefix = "CHANNEL:"

// EscrowAccount is the on-chain address holding a channel's deposits.
func EscrowAccount(channelID string) string {
	return escrowPrefix + channelID
}

// OpenMessage is what each party signs to open a channel. opened counts
// the channels the pair already had, so a signature opens one channel.
func OpenMessage(party1, party2 string, deposit1, deposit2 uint64, opened int) []byte {
	return []byte(fmt.Sprintf("open|%d:%s|%d:%s|%d|%d|%d",
		len(party1), party1, len(party2), party2, deposit1, deposit2, opened))
}

type Registry struct {
	mu       sync.RWMutex
	channels map[string]*Channel
	order    []string

	ledger   Ledger
	verifier signer.Verifier
	clock    clock.Clock
	window   time.Duration
}

type Option func(*Registry)

func WithClock(clk clock.Clock) Option {
	return func(r *Registry) { r.clock = clk }
}

func WithDisputeWindow(d time.Duration) Option {
	return func(r *Registry) { r.window = d }
}

func NewRegistry(ledger Ledger, verifier signer.Verifier, opts ...Option) *Registry {
	r := &Registry{
		channels: make(map[string]*Channel),
		ledger:   ledger,
		verifier: verifier,
		clock:    clock.New(),
		window:   DefaultDisputeWindow,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Open escrows both deposits on the ledger and creates an Open channel.
func (r *Registry) Open(p1, p2 models.Party, deposit1, deposit2 uint64) (*Channel, error) {
	for _, p := range []models.Party{p1, p2} {
		addr, err := r.verifier.Address(p.PublicKey)
		if err != nil || addr != p.Address {
			return nil, errs.New(errs.ValidationFailure, "public key does not belong to %s", p.Address)
		}
	}
	if p1.Address == p2.Address {
		return nil, errs.New(errs.ValidationFailure, "a channel needs two distinct parties")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing := r.findLocked(p1.Address, p2.Address); existing != nil && existing.Info().State != Closed {
		return nil, errs.New(errs.StateConflict, "channel %s between these parties is still %s", existing.ID, existing.Info().State)
	}

	id := uuid.NewString()
	err := r.ledger.Escrow(EscrowAccount(id), []models.Allocation{
		{Address: p1.Address, Amount: deposit1},
		{Address: p2.Address, Amount: deposit2},
	})
	if err != nil {
		return nil, err
	}

	ch := newChannel(id, p1, p2, int64(deposit1), int64(deposit2), r.window, r.verifier, r.clock)
	ch.onClosed = r.settle
	r.channels[id] = ch
	r.order = append(r.order, id)

	logger.Logger.Info("Channel opened",
		zap.String("channel", id), zap.String("party1", p1.Address), zap.String("party2", p2.Address),
		zap.Uint64("deposit1", deposit1), zap.Uint64("deposit2", deposit2))

	return ch, nil
}

// OpenSigned is Open gated on both parties signing OpenMessage.
func (r *Registry) OpenSigned(p1, p2 models.Party, deposit1, deposit2 uint64, sig1, sig2 []byte) (*Channel, error) {
	r.mu.RLock()
	opened := r.countLocked(p1.Address, p2.Address)
	r.mu.RUnlock()

	msg := OpenMessage(p1.Address, p2.Address, deposit1, deposit2, opened)
	if !r.verifier.Verify(p1.PublicKey, sig1, msg) {
		return nil, errs.New(errs.ValidationFailure, "party1 did not sign the channel opening")
	}
	if !r.verifier.Verify(p2.PublicKey, sig2, msg) {
		return nil, errs.New(errs.ValidationFailure, "party2 did not sign the channel opening")
	}

	// Open refuses a second live channel for the pair, so two openings
	// racing on the same count cannot both succeed
	return r.Open(p1, p2, deposit1, deposit2)
}

// EscrowDropped voids a channel deposit the ledger dropped before it was
// embedded. The channel closes and the surviving deposit is refunded.
func (r *Registry) EscrowDropped(tx models.Transaction, reason string) {
	if !strings.HasPrefix(tx.Recipient, escrowPrefix) {
		return
	}
	ch, err := r.Get(strings.TrimPrefix(tx.Recipient, escrowPrefix))
	if err != nil {
		return
	}

	refund, ok := ch.voidDeposit(tx.Sender, reason)
	if !ok {
		return
	}
	if err := r.ledger.Settle(tx.Recipient, refund); err != nil {
		logger.Logger.Error("Channel refund failed", zap.String("channel", ch.ID), zap.Error(err))
	}
}

func (r *Registry) settle(ch *Channel, balance1, balance2 int64) {
	err := r.ledger.Settle(EscrowAccount(ch.ID), []models.Allocation{
		{Address: ch.Party1.Address, Amount: uint64(balance1)},
		{Address: ch.Party2.Address, Amount: uint64(balance2)},
	})
	if err != nil {
		logger.Logger.Error("Channel settlement failed", zap.String("channel", ch.ID), zap.Error(err))
	}
}

func (r *Registry) Get(id string) (*Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ch, ok := r.channels[id]
	if !ok {
		return nil, errs.New(errs.NotFound, "channel %s not found", id)
	}
	return ch, nil
}

// Find returns the newest channel between two parties, in either order.
func (r *Registry) Find(party1, party2 string) (*Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ch := r.findLocked(party1, party2)
	if ch == nil {
		return nil, errs.New(errs.NotFound, "no channel between %s and %s", party1, party2)
	}
	return ch, nil
}

func (r *Registry) countLocked(party1, party2 string) int {
	n := 0
	for _, id := range r.order {
		if r.channels[id].between(party1, party2) {
			n++
		}
	}
	return n
}

func (r *Registry) findLocked(party1, party2 string) *Channel {
	for i := len(r.order) - 1; i >= 0; i-- {
		if ch := r.channels[r.order[i]]; ch.between(party1, party2) {
			return ch
		}
	}
	return nil
}

// ForceClose closes the channel between two parties at a recorded
// commitment, skipping the remainder of the dispute window.
func (r *Registry) ForceClose(party1, party2 string, index int) error {
	ch, err := r.Find(party1, party2)
	if err != nil {
		return err
	}
	if index < 0 || index >= len(ch.Commitments()) {
		return errs.New(errs.NotFound, "channel %s has no commitment %d", ch.ID, index)
	}
	return ch.Close(index)
}

// List returns channels in the order they were opened.
func (r *Registry) List() []*Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Channel, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.channels[id])
	}
	return out
}
