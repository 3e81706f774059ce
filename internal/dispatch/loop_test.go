package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"remindd/internal/domain"
	"remindd/internal/gateway"
	"remindd/internal/ready"
	"remindd/internal/store"
)

type fakeGateway struct {
	mu         sync.Mutex
	deliveries []gateway.Delivery
	fail       bool
}

func (f *fakeGateway) Deliver(_ context.Context, d gateway.Delivery) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deliveries = append(f.deliveries, d)
	if f.fail {
		return errors.New("target gone")
	}
	return nil
}

func (f *fakeGateway) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deliveries)
}

type fixture struct {
	store *store.Store
	queue *ready.Queue
	gw    *fakeGateway
	loop  *Loop
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	st := store.New(db)
	_, err = st.Migrate(context.Background())
	require.NoError(t, err)

	q := ready.NewQueue()
	gw := &fakeGateway{}
	return &fixture{
		store: st,
		queue: q,
		gw:    gw,
		loop:  NewLoop(st, q, gw, time.Second, zerolog.Nop()),
	}
}

func (f *fixture) insert(t *testing.T, fireAt time.Time, repeat *float64) domain.Record {
	t.Helper()
	rec, err := f.store.Insert(context.Background(), domain.Event{
		Payload:  "take a break",
		TenantID: 1,
		TargetID: 2,
		OwnerID:  3,
		FireAt:   fireAt,
		Repeat:   repeat,
	})
	require.NoError(t, err)
	f.queue.Push(ready.EntryOf(rec))
	return rec
}

func TestDrainOneShot(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC().Truncate(time.Second)
	rec := f.insert(t, now.Add(-time.Second), nil)

	f.loop.drain(context.Background(), now)

	require.Equal(t, 1, f.gw.count())
	assert.Equal(t, rec.ID, f.gw.deliveries[0].ScheduleID)
	assert.Equal(t, rec.Payload, f.gw.deliveries[0].Payload)

	got, err := f.store.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.True(t, got.Canceled)
	assert.Equal(t, 0, f.queue.Len())

	// Never eligible for a second attempt.
	f.loop.drain(context.Background(), now.Add(time.Minute))
	assert.Equal(t, 1, f.gw.count())
}

func TestDrainLeavesFutureEntries(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC().Truncate(time.Second)
	f.insert(t, now.Add(time.Hour), nil)

	f.loop.drain(context.Background(), now)

	assert.Equal(t, 0, f.gw.count())
	assert.Equal(t, 1, f.queue.Len())
}

func TestDrainStopsAtFirstFutureEntry(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC().Truncate(time.Second)
	f.insert(t, now.Add(-3*time.Second), nil)
	f.insert(t, now.Add(-2*time.Second), nil)
	f.insert(t, now.Add(-time.Second), nil)
	f.insert(t, now.Add(time.Hour), nil)

	// A backlog catches up within a single pass; the future entry survives.
	f.loop.drain(context.Background(), now)

	assert.Equal(t, 3, f.gw.count())
	assert.Equal(t, 1, f.queue.Len())
}

func TestDrainSkipsCanceled(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC().Truncate(time.Second)
	rec := f.insert(t, now.Add(-time.Second), nil)

	// Canceled after being queued: the pop-time re-check closes the window.
	_, err := f.store.SoftCancel(context.Background(), rec.ID, rec.OwnerID, rec.TenantID)
	require.NoError(t, err)

	f.loop.drain(context.Background(), now)

	assert.Equal(t, 0, f.gw.count())
	assert.Equal(t, 0, f.queue.Len())
}

func TestDrainDropsMissingRecord(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC().Truncate(time.Second)
	f.queue.Push(ready.Entry{ID: 4242, FireAt: now.Add(-time.Second)})

	f.loop.drain(context.Background(), now)

	assert.Equal(t, 0, f.gw.count())
	assert.Equal(t, 0, f.queue.Len())
}

func TestDrainRepeatAdvances(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC().Truncate(time.Second)
	repeat := 60.0
	rec := f.insert(t, now.Add(-time.Second), &repeat)

	f.loop.drain(context.Background(), now)

	require.Equal(t, 1, f.gw.count())

	got, err := f.store.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.False(t, got.Canceled)
	assert.Equal(t, now.Add(time.Hour), got.FireAt)

	// Requeued with the new fire time.
	require.Equal(t, 1, f.queue.Len())
	e, ok := f.queue.PopMin()
	require.True(t, ok)
	assert.Equal(t, rec.ID, e.ID)
	assert.Equal(t, now.Add(time.Hour), e.FireAt)
}

// flakyStore simulates a store outage on the pop-time re-check.
type flakyStore struct {
	Store
	fail bool
}

func (s *flakyStore) Get(ctx context.Context, id int64) (domain.Record, error) {
	if s.fail {
		return domain.Record{}, errors.New("database is locked")
	}
	return s.Store.Get(ctx, id)
}

func TestDrainStoreErrorKeepsEntry(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC().Truncate(time.Second)
	rec := f.insert(t, now.Add(-time.Second), nil)

	flaky := &flakyStore{Store: f.store, fail: true}
	loop := NewLoop(flaky, f.queue, f.gw, time.Second, zerolog.Nop())

	loop.drain(context.Background(), now)

	// No delivery was attempted, so nothing may be terminated; the entry
	// stays queued for the next tick.
	assert.Equal(t, 0, f.gw.count())
	require.Equal(t, 1, f.queue.Len())
	got, err := f.store.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.False(t, got.Canceled)

	// Store back: the next tick delivers normally.
	flaky.fail = false
	loop.drain(context.Background(), now)
	assert.Equal(t, 1, f.gw.count())
}

type panicGateway struct{}

func (panicGateway) Deliver(context.Context, gateway.Delivery) error {
	panic("target client exploded")
}

func TestDrainPanicRequeuesEntry(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC().Truncate(time.Second)
	rec := f.insert(t, now.Add(-time.Second), nil)

	loop := NewLoop(f.store, f.queue, panicGateway{}, time.Second, zerolog.Nop())
	loop.drain(context.Background(), now)

	// The in-flight entry is not lost to the panic; it returns to the queue.
	require.Equal(t, 1, f.queue.Len())
	e, ok := f.queue.PopMin()
	require.True(t, ok)
	assert.Equal(t, rec.ID, e.ID)

	got, err := f.store.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.False(t, got.Canceled)
}

func TestDrainFailureTerminates(t *testing.T) {
	f := newFixture(t)
	f.gw.fail = true
	now := time.Now().UTC().Truncate(time.Second)
	repeat := 60.0
	rec := f.insert(t, now.Add(-time.Second), &repeat)

	f.loop.drain(context.Background(), now)

	require.Equal(t, 1, f.gw.count())
	got, err := f.store.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.True(t, got.Canceled)
	assert.Equal(t, 0, f.queue.Len())
}

func TestRepeatSeriesAdvancesByInterval(t *testing.T) {
	f := newFixture(t)
	t0 := time.Now().UTC().Truncate(time.Second)
	repeat := 0.2 // debug-style 12s interval
	rec := f.insert(t, t0, &repeat)

	// Drive three ticks landing exactly on each fire time.
	for k := 1; k <= 3; k++ {
		f.loop.drain(context.Background(), t0.Add(time.Duration(k-1)*12*time.Second))
	}

	assert.Equal(t, 3, f.gw.count())
	got, err := f.store.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(3*12*time.Second), got.FireAt)
	assert.False(t, got.Canceled)
}

func TestRestartReproducesDispatchState(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC().Truncate(time.Second)
	repeat := 60.0
	active := f.insert(t, now.Add(10*time.Second), &repeat)
	canceled := f.insert(t, now.Add(20*time.Second), nil)
	_, err := f.store.SoftCancel(context.Background(), canceled.ID, canceled.OwnerID, canceled.TenantID)
	require.NoError(t, err)

	// Simulated restart: drop the queue, reload from the store.
	fresh := ready.NewQueue()
	records, err := f.store.LoadAllActive(context.Background())
	require.NoError(t, err)
	fresh.Rebuild(records)

	require.Equal(t, 1, fresh.Len())
	e, ok := fresh.PopMin()
	require.True(t, ok)
	assert.Equal(t, active.ID, e.ID)
	assert.Equal(t, active.FireAt, e.FireAt)
}

func TestRunRespectsReadinessAndShutdown(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC().Truncate(time.Second)
	f.insert(t, now.Add(-time.Second), nil)

	f.loop.tick = 10 * time.Millisecond
	readyCh := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		f.loop.Run(ctx, readyCh)
		close(done)
	}()

	// Not ready yet: no ticks, no deliveries.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, f.gw.count())

	close(readyCh)
	require.Eventually(t, func() bool { return f.gw.count() == 1 },
		time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop did not stop")
	}
}
