package chain

import (
	"math/rand"
	"sync"
	"time"

	"ledger-project/errs"
)

// ErrNoStake is returned when a validator is drawn from an empty registry.
var ErrNoStake = errs.New(errs.ExhaustionFailure, "total stake is zero")

// Drawer picks a uniform integer in [1, total].
type Drawer interface {
	Draw(total uint64) uint64
}

type randDrawer struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewRandomDrawer seeds from the wall clock.
func NewRandomDrawer() Drawer {
	return NewSeededDrawer(time.Now().UnixNano())
}

// NewSeededDrawer gives a reproducible sequence of draws.
func NewSeededDrawer(seed int64) Drawer {
	return &randDrawer{rnd: rand.New(rand.NewSource(seed))}
}

func (d *randDrawer) Draw(total uint64) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	if total > uint64(1<<63-1) {
		return d.rnd.Uint64()%total + 1
	}
	return uint64(d.rnd.Int63n(int64(total))) + 1
}

// FixedDraw always returns the same value, clamped to [1, total].
type FixedDraw uint64

func (f FixedDraw) Draw(total uint64) uint64 {
	v := uint64(f)
	if v < 1 {
		return 1
	}
	if v > total {
		return total
	}
	return v
}

// StakeRegistry maps addresses to staked amounts. Addresses are walked in
// the order they first staked.
type StakeRegistry struct {
	stakes map[string]uint64
	order  []string
	total  uint64
}

func NewStakeRegistry() *StakeRegistry {
	return &StakeRegistry{stakes: make(map[string]uint64)}
}

func (r *StakeRegistry) Add(address string, amount uint64) {
	if _, ok := r.stakes[address]; !ok {
		r.order = append(r.order, address)
	}
	r.stakes[address] += amount
	r.total += amount
}

// Remove withdraws up to amount from address. An address whose stake
// reaches zero leaves the draw order.
func (r *StakeRegistry) Remove(address string, amount uint64) {
	stake, ok := r.stakes[address]
	if !ok {
		return
	}
	if amount > stake {
		amount = stake
	}
	r.stakes[address] = stake - amount
	r.total -= amount
	if r.stakes[address] > 0 {
		return
	}

	delete(r.stakes, address)
	for i, addr := range r.order {
		if addr == address {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

func (r *StakeRegistry) Total() uint64 {
	return r.total
}

// Snapshot copies the registry.
func (r *StakeRegistry) Snapshot() map[string]uint64 {
	out := make(map[string]uint64, len(r.stakes))
	for k, v := range r.stakes {
		out[k] = v
	}
	return out
}

// Select draws r in [1, total] and returns the first address at which the
// running remainder drops to zero or below.
func (r *StakeRegistry) Select(d Drawer) (string, error) {
	if r.total == 0 {
		return "", ErrNoStake
	}

	remaining := d.Draw(r.total)
	for _, addr := range r.order {
		stake := r.stakes[addr]
		if remaining <= stake {
			return addr, nil
		}
		remaining -= stake
	}

	// unreachable while total equals the sum of stakes
	return r.order[len(r.order)-1], nil
}
