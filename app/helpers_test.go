package app

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/sweater-ventures/brainfreeze/config"
	"github.com/sweater-ventures/brainfreeze/db"
	"github.com/sweater-ventures/brainfreeze/db/memstore"
)

// --- local test helpers (avoid importing testutil to prevent import cycle) ---

// storeMock is a testify mock implementation of db.Querier.
type storeMock struct {
	mock.Mock
}

var _ db.Querier = (*storeMock)(nil)

func (m *storeMock) InsertRecord(ctx context.Context, arg db.Record) (db.Record, error) {
	args := m.Called(ctx, arg)
	return args.Get(0).(db.Record), args.Error(1)
}
func (m *storeMock) ClaimNextRecord(ctx context.Context, arg db.ClaimNextRecordParams) (db.Record, error) {
	args := m.Called(ctx, arg)
	return args.Get(0).(db.Record), args.Error(1)
}
func (m *storeMock) UpdateRecordState(ctx context.Context, arg db.UpdateRecordStateParams) error {
	return m.Called(ctx, arg).Error(0)
}
func (m *storeMock) SaveSubscriberProgress(ctx context.Context, arg db.SaveSubscriberProgressParams) error {
	return m.Called(ctx, arg).Error(0)
}
func (m *storeMock) UpsertSubscriberProgress(ctx context.Context, arg db.UpsertSubscriberProgressParams) error {
	return m.Called(ctx, arg).Error(0)
}
func (m *storeMock) GetRecordByID(ctx context.Context, id uuid.UUID) (db.Record, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(db.Record), args.Error(1)
}
func (m *storeMock) ListRecords(ctx context.Context, arg db.ListRecordsParams) ([]db.Record, error) {
	args := m.Called(ctx, arg)
	return args.Get(0).([]db.Record), args.Error(1)
}
func (m *storeMock) ResetStaleProcessing(ctx context.Context, before time.Time) (int64, error) {
	args := m.Called(ctx, before)
	return args.Get(0).(int64), args.Error(1)
}

var errStoreDown = errors.New("connection refused")

// fakeChannel answers deliveries with handler, or SUCCESS when handler is nil.
type fakeChannel struct {
	id      string
	handler func(ctx context.Context, d Delivery) (Reply, error)

	mu         sync.Mutex
	deliveries []Delivery
	closed     atomic.Bool
	closeCalls atomic.Int32
}

func newFakeChannel(id string) *fakeChannel {
	return &fakeChannel{id: id}
}

func replyWith(status db.RequestResult) func(context.Context, Delivery) (Reply, error) {
	return func(context.Context, Delivery) (Reply, error) {
		return Reply{Status: status}, nil
	}
}

func neverReply(ctx context.Context, _ Delivery) (Reply, error) {
	<-ctx.Done()
	return Reply{}, ctx.Err()
}

func (c *fakeChannel) ID() string { return c.id }

func (c *fakeChannel) Deliver(ctx context.Context, d Delivery) (Reply, error) {
	c.mu.Lock()
	c.deliveries = append(c.deliveries, d)
	handler := c.handler
	c.mu.Unlock()
	if c.closed.Load() {
		return Reply{}, errors.New("channel closed")
	}
	if handler == nil {
		return Reply{Status: db.ResultSuccess}, nil
	}
	return handler(ctx, d)
}

func (c *fakeChannel) Connected() bool { return !c.closed.Load() }

func (c *fakeChannel) Close() error {
	c.closeCalls.Add(1)
	c.closed.Store(true)
	return nil
}

func (c *fakeChannel) setHandler(h func(context.Context, Delivery) (Reply, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

func (c *fakeChannel) Deliveries() []Delivery {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Delivery(nil), c.deliveries...)
}

// testClock is a manually advanced clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig() config.AppConfig {
	cfg := config.Defaults()
	cfg.Store = config.StoreMemory
	cfg.DrainDelay = time.Millisecond
	return cfg
}

func newTestManager(t *testing.T, store db.Querier, opts ...func(*config.AppConfig)) (*Manager, *testClock) {
	t.Helper()
	cfg := testConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	clock := newTestClock()
	m := NewManager(cfg, store, NewEventBus(), nil)
	m.now = clock.Now
	return m, clock
}

func subscribe(t *testing.T, m *Manager, eventName, subscriberID string, ch Channel) {
	t.Helper()
	ack := m.Subscribe(context.Background(), SubscribeRequest{
		RequestID: "sub-" + subscriberID,
		SenderID:  subscriberID,
		EventName: eventName,
	}, ch)
	require.True(t, ack.OK(), "subscribe failed: %+v", ack.Error)
}

func intPtr(v int) *int { return &v }

func enqueue(t *testing.T, m *Manager, req EnqueueRequest) uuid.UUID {
	t.Helper()
	if req.SenderID == "" {
		req.SenderID = "producer"
	}
	ack := m.Enqueue(context.Background(), req)
	require.True(t, ack.OK(), "enqueue failed: %+v", ack.Error)
	id, err := uuid.Parse(ack.RecordID)
	require.NoError(t, err)
	return id
}

func getRecord(t *testing.T, store *memstore.Store, id uuid.UUID) db.Record {
	t.Helper()
	record, err := store.GetRecordByID(context.Background(), id)
	require.NoError(t, err)
	return record
}

func rawJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
