package watchtower

import (
	"context"
	"sync"
	"time"

	"ledger-project/errs"
	"ledger-project/logger"
	"ledger-project/notify"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Directory holds the watchtowers registered on this node.
type Directory struct {
	mu     sync.RWMutex
	towers map[string]*Watchtower
	order  []string

	channels Channels
	notifier notify.Notifier
}

func NewDirectory(channels Channels, notifier notify.Notifier) *Directory {
	return &Directory{
		towers:   make(map[string]*Watchtower),
		channels: channels,
		notifier: notifier,
	}
}

func (d *Directory) Register(id string) (*Watchtower, error) {
	if id == "" {
		return nil, errs.New(errs.ValidationFailure, "watchtower id is required")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.towers[id]; ok {
		return nil, errs.New(errs.StateConflict, "watchtower %s already registered", id)
	}
	w := New(id, d.channels, d.notifier)
	d.towers[id] = w
	d.order = append(d.order, id)

	logger.Logger.Info("Watchtower registered", zap.String("watchtower", id))
	return w, nil
}

func (d *Directory) Get(id string) (*Watchtower, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	w, ok := d.towers[id]
	if !ok {
		return nil, errs.New(errs.NotFound, "watchtower %s not found", id)
	}
	return w, nil
}

func (d *Directory) List() []*Watchtower {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]*Watchtower, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, d.towers[id])
	}
	return out
}

// SweepAll sweeps every registered watchtower.
func (d *Directory) SweepAll() map[string]SweepReport {
	reports := make(map[string]SweepReport)
	for _, w := range d.List() {
		reports[w.ID] = w.Sweep()
	}
	return reports
}

// Run sweeps on every tick of clk until ctx is done.
func (d *Directory) Run(ctx context.Context, clk clock.Clock, interval time.Duration) {
	ticker := clk.Ticker(interval)
	defer ticker.Stop()

	logger.Logger.Info("Watchtower sweep loop started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			logger.Logger.Info("Watchtower sweep loop stopped")
			return
		case <-ticker.C:
			d.SweepAll()
		}
	}
}
