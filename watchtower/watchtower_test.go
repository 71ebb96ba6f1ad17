package watchtower

import (
	"context"
	"sync"
	"testing"
	"time"

	"ledger-project/channel"
	"ledger-project/errs"
	"ledger-project/logger"
	"ledger-project/models"
	"ledger-project/signer"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type openLedger struct{}

func (openLedger) Escrow(string, []models.Allocation) error { return nil }
func (openLedger) Settle(string, []models.Allocation) error { return nil }

type inbox struct {
	mu       sync.Mutex
	subjects []string
}

func (i *inbox) Notify(subject, _ string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.subjects = append(i.subjects, subject)
}

func (i *inbox) count() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.subjects)
}

const window = time.Hour

type fixture struct {
	clock    *clock.Mock
	registry *channel.Registry
	inbox    *inbox
	dir      *Directory
	ch       *channel.Channel
	alice    *signer.KeyPair
	bob      *signer.KeyPair
}

func newFixture(t *testing.T) *fixture {
	logger.Logger = zap.NewNop()

	alice, err := signer.GenerateKeyPair()
	require.NoError(t, err)
	bob, err := signer.GenerateKeyPair()
	require.NoError(t, err)

	f := &fixture{clock: clock.NewMock(), inbox: &inbox{}, alice: alice, bob: bob}
	f.registry = channel.NewRegistry(openLedger{}, signer.NewSecp256k1(),
		channel.WithClock(f.clock), channel.WithDisputeWindow(window))
	f.dir = NewDirectory(f.registry, f.inbox)

	f.ch, err = f.registry.Open(
		models.Party{Address: alice.Address, PublicKey: alice.PublicKey},
		models.Party{Address: bob.Address, PublicKey: bob.PublicKey},
		100, 50)
	require.NoError(t, err)
	return f
}

func (f *fixture) update(t *testing.T, amount int64) models.Commitment {
	s := signer.NewSecp256k1()
	index := len(f.ch.Commitments())
	msg := channel.CommitmentMessage(f.ch.ID, index, amount)
	s1, err := s.Sign(msg, f.alice.PrivateKey)
	require.NoError(t, err)
	s2, err := s.Sign(msg, f.bob.PrivateKey)
	require.NoError(t, err)

	cm, err := f.ch.Update(amount, s1, s2)
	require.NoError(t, err)
	return cm
}

func TestSweepChallengesStaleClose(t *testing.T) {
	f := newFixture(t)
	w, err := f.dir.Register("tower-1")
	require.NoError(t, err)

	f.update(t, 10)
	latest := f.update(t, 30)
	require.NoError(t, w.Monitor(f.ch.ID, latest))

	// the counterparty closes on the older state
	require.NoError(t, f.ch.RequestClose(0))
	f.clock.Add(window / 2)

	report := w.Sweep()
	assert.Equal(t, []string{f.ch.ID}, report.Challenged)
	assert.Equal(t, 1, f.ch.Info().LastIndex)

	// nothing newer to present
	assert.Empty(t, w.Sweep().Challenged)

	// challenge restarted the window, so the original deadline does not apply
	f.clock.Add(window/2 + time.Second)
	assert.True(t, errs.Is(f.ch.FinalizeClose(), errs.TimingViolation))

	f.clock.Add(window)
	require.NoError(t, f.ch.FinalizeClose())
	info := f.ch.Info()
	assert.Equal(t, int64(60), info.Balance1)
	assert.Equal(t, int64(90), info.Balance2)
}

func TestSweepNotifiesOnce(t *testing.T) {
	f := newFixture(t)
	w, err := f.dir.Register("tower-1")
	require.NoError(t, err)

	cm := f.update(t, 10)
	require.NoError(t, w.Monitor(f.ch.ID, cm))
	require.NoError(t, f.ch.RequestClose(channel.Latest))

	assert.Empty(t, w.Sweep().Notified)

	f.clock.Add(window + time.Second)
	assert.Equal(t, []string{f.ch.ID}, w.Sweep().Notified)
	assert.Empty(t, w.Sweep().Notified)
	assert.Equal(t, 1, f.inbox.count())

	// the watchtower never finalizes
	assert.Equal(t, channel.CloseRequested, f.ch.Info().State)
	assert.True(t, w.Records()[0].Notified)
}

func TestMonitorValidation(t *testing.T) {
	f := newFixture(t)
	w, err := f.dir.Register("tower-1")
	require.NoError(t, err)

	first := f.update(t, 10)
	second := f.update(t, 5)

	require.NoError(t, w.Monitor(f.ch.ID, second))
	assert.True(t, errs.Is(w.Monitor(f.ch.ID, first), errs.StateConflict), "index regressed")
	require.NoError(t, w.Monitor(f.ch.ID, second), "same index is allowed")

	forged := second
	forged.Amount = 50
	assert.True(t, errs.Is(w.Monitor(f.ch.ID, forged), errs.ValidationFailure))

	assert.True(t, errs.Is(w.Monitor("missing", first), errs.NotFound))

	records := w.Records()
	require.Len(t, records, 1)
	assert.Equal(t, 1, records[0].Commitment.Index)
}

func TestDirectory(t *testing.T) {
	f := newFixture(t)

	_, err := f.dir.Register("")
	assert.True(t, errs.Is(err, errs.ValidationFailure))

	a, err := f.dir.Register("a")
	require.NoError(t, err)
	_, err = f.dir.Register("a")
	assert.True(t, errs.Is(err, errs.StateConflict))

	got, err := f.dir.Get("a")
	require.NoError(t, err)
	assert.Same(t, a, got)
	_, err = f.dir.Get("b")
	assert.True(t, errs.Is(err, errs.NotFound))

	cm := f.update(t, 1)
	require.NoError(t, a.Monitor(f.ch.ID, cm))
	require.NoError(t, f.ch.RequestClose(channel.Latest))
	f.clock.Add(window + time.Second)

	reports := f.dir.SweepAll()
	assert.Equal(t, []string{f.ch.ID}, reports["a"].Notified)
}

func TestRunSweepsOnTick(t *testing.T) {
	f := newFixture(t)
	w, err := f.dir.Register("tower-1")
	require.NoError(t, err)

	cm := f.update(t, 1)
	require.NoError(t, w.Monitor(f.ch.ID, cm))
	require.NoError(t, f.ch.RequestClose(channel.Latest))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.dir.Run(ctx, f.clock, time.Minute)
		close(done)
	}()

	f.clock.Add(window)
	// keep ticking until the loop has picked up the elapsed window
	assert.Eventually(t, func() bool {
		f.clock.Add(time.Minute)
		return f.inbox.count() == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
