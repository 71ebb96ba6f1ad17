package channel

import (
	"fmt"
	"sync"
	"time"

	"ledger-project/errs"
	"ledger-project/logger"
	"ledger-project/models"
	"ledger-project/signer"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// DefaultDisputeWindow is how long a close request can be challenged.
const DefaultDisputeWindow = 24 * time.Hour

// Latest asks RequestClose to use the newest recorded commitment.
const Latest = -1

type State int

const (
	Open State = iota
	CloseRequested
	Closed
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case CloseRequested:
		return "close_requested"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for _, st := range []State{Open, CloseRequested, Closed} {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown channel state %q", text)
}

// CommitmentMessage is what both parties sign for the commitment at index.
func CommitmentMessage(channelID string, index int, amount int64) []byte {
	return []byte(fmt.Sprintf("%s:%d:%d", channelID, index, amount))
}

// Info is a point-in-time view of a channel.
type Info struct {
	ID               string     `json:"id"`
	Party1           string     `json:"party1"`
	Party2           string     `json:"party2"`
	Deposit1         int64      `json:"deposit1"`
	Deposit2         int64      `json:"deposit2"`
	Balance1         int64      `json:"balance1"`
	Balance2         int64      `json:"balance2"`
	State            State      `json:"state"`
	Commitments      int        `json:"commitments"`
	LastIndex        int        `json:"last_index"`
	CloseRequestedAt *time.Time `json:"close_requested_at,omitempty"`
}

// Channel is a two-party balance state machine. Every transition takes the
// channel's own lock, so callers on different channels never contend.
type Channel struct {
	ID     string
	Party1 models.Party
	Party2 models.Party

	mu               sync.Mutex
	deposit1         int64
	deposit2         int64
	balance1         int64
	balance2         int64
	state            State
	log              []models.Commitment
	lastIndex        int
	closeRequestedAt time.Time

	window   time.Duration
	verifier signer.Verifier
	clock    clock.Clock

	// onClosed receives the settled balances once the channel is Closed.
	onClosed func(c *Channel, balance1, balance2 int64)
}

func newChannel(id string, p1, p2 models.Party, deposit1, deposit2 int64,
	window time.Duration, verifier signer.Verifier, clk clock.Clock) *Channel {
	return &Channel{
		ID:        id,
		Party1:    p1,
		Party2:    p2,
		deposit1:  deposit1,
		deposit2:  deposit2,
		balance1:  deposit1,
		balance2:  deposit2,
		state:     Open,
		lastIndex: -1,
		window:    window,
		verifier:  verifier,
		clock:     clk,
	}
}

// Update shifts amount from party 1 to party 2. Both parties must sign the
// commitment message for the next index.
func (c *Channel) Update(amount int64, sig1, sig2 []byte) (models.Commitment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Open {
		return models.Commitment{}, errs.New(errs.StateConflict, "channel %s is %s", c.ID, c.state)
	}

	index := len(c.log)
	msg := CommitmentMessage(c.ID, index, amount)
	if !c.verifier.Verify(c.Party1.PublicKey, sig1, msg) {
		return models.Commitment{}, errs.New(errs.ValidationFailure, "party1 signature invalid for commitment %d", index)
	}
	if !c.verifier.Verify(c.Party2.PublicKey, sig2, msg) {
		return models.Commitment{}, errs.New(errs.ValidationFailure, "party2 signature invalid for commitment %d", index)
	}
	if c.balance1-amount < 0 || c.balance2+amount < 0 {
		return models.Commitment{}, errs.New(errs.ValidationFailure,
			"update of %d overdraws channel with balances (%d, %d)", amount, c.balance1, c.balance2)
	}

	cm := models.Commitment{Index: index, Amount: amount, Sig1: sig1, Sig2: sig2}
	c.log = append(c.log, cm)
	c.balance1 -= amount
	c.balance2 += amount

	logger.Logger.Debug("Channel updated",
		zap.String("channel", c.ID), zap.Int("index", index), zap.Int64("amount", amount),
		zap.Int64("balance1", c.balance1), zap.Int64("balance2", c.balance2))

	return cm, nil
}

// RequestClose starts the dispute window. index names the commitment the
// closer reveals, or Latest.
func (c *Channel) RequestClose(index int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Open {
		return errs.New(errs.StateConflict, "channel %s is %s", c.ID, c.state)
	}
	if index == Latest {
		index = len(c.log) - 1
	} else if index < 0 || index >= len(c.log) {
		return errs.New(errs.NotFound, "channel %s has no commitment %d", c.ID, index)
	}

	c.state = CloseRequested
	c.lastIndex = index
	c.closeRequestedAt = c.clock.Now()

	logger.Logger.Info("Channel close requested",
		zap.String("channel", c.ID), zap.Int("index", index), zap.Time("at", c.closeRequestedAt))
	return nil
}

// ChallengeClose adopts a strictly newer recorded commitment and restarts
// the dispute window.
func (c *Channel) ChallengeClose(newerIndex int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != CloseRequested {
		return errs.New(errs.StateConflict, "channel %s is %s", c.ID, c.state)
	}
	if newerIndex <= c.lastIndex {
		return errs.New(errs.StateConflict, "commitment %d is not newer than %d", newerIndex, c.lastIndex)
	}
	if newerIndex >= len(c.log) {
		return errs.New(errs.NotFound, "channel %s has no commitment %d", c.ID, newerIndex)
	}
	if c.windowElapsedLocked() {
		return errs.New(errs.TimingViolation, "dispute window of channel %s has elapsed", c.ID)
	}

	old := c.lastIndex
	c.lastIndex = newerIndex
	c.closeRequestedAt = c.clock.Now()

	logger.Logger.Info("Channel close challenged",
		zap.String("channel", c.ID), zap.Int("from", old), zap.Int("to", newerIndex))
	return nil
}

// FinalizeClose settles the channel at the authoritative commitment once
// the dispute window has elapsed.
func (c *Channel) FinalizeClose() error {
	c.mu.Lock()

	if c.state != CloseRequested {
		c.mu.Unlock()
		return errs.New(errs.StateConflict, "channel %s is %s", c.ID, c.state)
	}
	if !c.windowElapsedLocked() {
		remaining := c.window - c.clock.Since(c.closeRequestedAt)
		c.mu.Unlock()
		return errs.New(errs.TimingViolation, "dispute window of channel %s has %s left", c.ID, remaining)
	}

	b1, b2 := c.closeLocked()
	c.mu.Unlock()

	c.settled(b1, b2)
	return nil
}

// Close is the administrative close. The channel must already be leaving
// the Open state; an in-range index becomes authoritative, otherwise the
// recorded one stands.
func (c *Channel) Close(index int) error {
	c.mu.Lock()

	if c.state != CloseRequested {
		c.mu.Unlock()
		return errs.New(errs.StateConflict, "channel %s is %s", c.ID, c.state)
	}
	if index >= 0 && index < len(c.log) {
		if index < c.lastIndex {
			c.mu.Unlock()
			return errs.New(errs.StateConflict, "commitment %d is older than recorded %d", index, c.lastIndex)
		}
		c.lastIndex = index
	}

	b1, b2 := c.closeLocked()
	c.mu.Unlock()

	c.settled(b1, b2)
	return nil
}

func (c *Channel) closeLocked() (int64, int64) {
	b1, b2 := c.deposit1, c.deposit2
	for _, cm := range c.log[:c.lastIndex+1] {
		b1 -= cm.Amount
		b2 += cm.Amount
	}

	c.balance1, c.balance2 = b1, b2
	c.state = Closed

	logger.Logger.Info("Channel closed",
		zap.String("channel", c.ID), zap.Int("index", c.lastIndex),
		zap.Int64("balance1", b1), zap.Int64("balance2", b2))
	return b1, b2
}

// voidDeposit zeroes the deposit party never funded. A channel that was
// not yet Closed closes on its remaining deposits, which are returned as
// the refund.
func (c *Channel) voidDeposit(party, reason string) ([]models.Allocation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch party {
	case c.Party1.Address:
		c.deposit1 = 0
	case c.Party2.Address:
		c.deposit2 = 0
	default:
		return nil, false
	}

	logger.Logger.Warn("Channel deposit dropped by the ledger",
		zap.String("channel", c.ID), zap.String("party", party), zap.String("reason", reason),
		zap.Stringer("state", c.state))

	if c.state == Closed {
		return nil, false
	}
	c.balance1, c.balance2 = c.deposit1, c.deposit2
	c.state = Closed
	return []models.Allocation{
		{Address: c.Party1.Address, Amount: uint64(c.deposit1)},
		{Address: c.Party2.Address, Amount: uint64(c.deposit2)},
	}, true
}

func (c *Channel) between(party1, party2 string) bool {
	a, b := c.Party1.Address, c.Party2.Address
	return (a == party1 && b == party2) || (a == party2 && b == party1)
}

func (c *Channel) settled(b1, b2 int64) {
	if c.onClosed != nil {
		c.onClosed(c, b1, b2)
	}
}

func (c *Channel) windowElapsedLocked() bool {
	return c.clock.Since(c.closeRequestedAt) > c.window
}

// DisputeElapsed reports whether a requested close is past its window.
func (c *Channel) DisputeElapsed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state == CloseRequested && c.windowElapsedLocked()
}

// VerifyCommitment checks that cm is co-signed by both parties and matches
// the recorded commitment at its index.
func (c *Channel) VerifyCommitment(cm models.Commitment) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cm.Index < 0 || cm.Index >= len(c.log) {
		return errs.New(errs.NotFound, "channel %s has no commitment %d", c.ID, cm.Index)
	}
	if c.log[cm.Index].Amount != cm.Amount {
		return errs.New(errs.ValidationFailure, "commitment %d amount differs from the channel log", cm.Index)
	}

	msg := CommitmentMessage(c.ID, cm.Index, cm.Amount)
	if !c.verifier.Verify(c.Party1.PublicKey, cm.Sig1, msg) || !c.verifier.Verify(c.Party2.PublicKey, cm.Sig2, msg) {
		return errs.New(errs.ValidationFailure, "commitment %d is not co-signed", cm.Index)
	}
	return nil
}

// Commitments copies the commitment log.
func (c *Channel) Commitments() []models.Commitment {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]models.Commitment, len(c.log))
	copy(out, c.log)
	return out
}

func (c *Channel) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()

	info := Info{
		ID:          c.ID,
		Party1:      c.Party1.Address,
		Party2:      c.Party2.Address,
		Deposit1:    c.deposit1,
		Deposit2:    c.deposit2,
		Balance1:    c.balance1,
		Balance2:    c.balance2,
		State:       c.state,
		Commitments: len(c.log),
		LastIndex:   c.lastIndex,
	}
	if c.state != Open {
		at := c.closeRequestedAt
		info.CloseRequestedAt = &at
	}
	return info
}
