package watchtower

import (
	"fmt"
	"sync"

	"ledger-project/channel"
	"ledger-project/errs"
	"ledger-project/logger"
	"ledger-project/models"
	"ledger-project/notify"

	"go.uber.org/zap"
)

// Channels resolves channel ids; channel.Registry satisfies it.
type Channels interface {
	Get(id string) (*channel.Channel, error)
}

// Record is the latest commitment a client delegated for one channel.
type Record struct {
	ChannelID  string            `json:"channel_id"`
	Commitment models.Commitment `json:"commitment"`
	Notified   bool              `json:"notified"`
}

// SweepReport lists what one sweep did.
type SweepReport struct {
	Challenged []string `json:"challenged,omitempty"`
	Notified   []string `json:"notified,omitempty"`
}

// Watchtower defends delegated channel states while their owners are
// offline. It only challenges; it never finalizes a close.
type Watchtower struct {
	ID string

	mu       sync.Mutex
	records  map[string]*Record
	order    []string
	channels Channels
	notifier notify.Notifier
}

func New(id string, channels Channels, notifier notify.Notifier) *Watchtower {
	return &Watchtower{
		ID:       id,
		records:  make(map[string]*Record),
		channels: channels,
		notifier: notifier,
	}
}

// Monitor delegates cm for the channel. The commitment must be co-signed
// and must not be older than one already delegated.
func (w *Watchtower) Monitor(channelID string, cm models.Commitment) error {
	ch, err := w.channels.Get(channelID)
	if err != nil {
		return err
	}
	if err := ch.VerifyCommitment(cm); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	rec, ok := w.records[channelID]
	if !ok {
		w.records[channelID] = &Record{ChannelID: channelID, Commitment: cm}
		w.order = append(w.order, channelID)
	} else {
		if cm.Index < rec.Commitment.Index {
			return errs.New(errs.StateConflict, "commitment %d is older than delegated %d", cm.Index, rec.Commitment.Index)
		}
		rec.Commitment = cm
	}

	logger.Logger.Info("Watchtower monitoring channel",
		zap.String("watchtower", w.ID), zap.String("channel", channelID), zap.Int("index", cm.Index))
	return nil
}

// Sweep challenges stale close requests that are still disputable and
// reports channels whose window has passed.
func (w *Watchtower) Sweep() SweepReport {
	w.mu.Lock()
	defer w.mu.Unlock()

	var report SweepReport
	for _, id := range w.order {
		rec := w.records[id]

		ch, err := w.channels.Get(id)
		if err != nil {
			logger.Logger.Warn("Monitored channel vanished", zap.String("channel", id), zap.Error(err))
			continue
		}

		info := ch.Info()
		switch {
		case info.State == channel.CloseRequested && !ch.DisputeElapsed():
			if rec.Commitment.Index <= info.LastIndex {
				continue
			}
			if err := ch.ChallengeClose(rec.Commitment.Index); err != nil {
				logger.Logger.Warn("Watchtower challenge failed",
					zap.String("watchtower", w.ID), zap.String("channel", id), zap.Error(err))
				continue
			}
			report.Challenged = append(report.Challenged, id)
			logger.Logger.Info("Watchtower challenged close",
				zap.String("watchtower", w.ID), zap.String("channel", id),
				zap.Int("from", info.LastIndex), zap.Int("to", rec.Commitment.Index))

		case info.State != channel.Open && !rec.Notified:
			w.notifier.Notify(
				fmt.Sprintf("Channel %s Closed", id),
				fmt.Sprintf("Channel %s has been closed.", id))
			rec.Notified = true
			report.Notified = append(report.Notified, id)
		}
	}
	return report
}

// Records copies the delegated records.
func (w *Watchtower) Records() []Record {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]Record, 0, len(w.order))
	for _, id := range w.order {
		out = append(out, *w.records[id])
	}
	return out
}
