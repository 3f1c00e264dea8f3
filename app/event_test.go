package app

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/sweater-ventures/brainfreeze/db"
)

func timePtr(t time.Time) *time.Time { return &t }

func TestEligible(t *testing.T) {
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	coolDown := time.Minute

	tests := []struct {
		name string
		p    db.SubscriberProgress
		want bool
	}{
		{"ready never attempted", db.SubscriberProgress{RemainingAttempts: 1, State: db.StateReady}, true},
		{"retry past cool-down", db.SubscriberProgress{RemainingAttempts: 1, State: db.StateRetry, LastOperatedAt: timePtr(now.Add(-61 * time.Second))}, true},
		{"retry within cool-down", db.SubscriberProgress{RemainingAttempts: 1, State: db.StateRetry, LastOperatedAt: timePtr(now.Add(-30 * time.Second))}, false},
		{"retry exactly at cool-down", db.SubscriberProgress{RemainingAttempts: 1, State: db.StateRetry, LastOperatedAt: timePtr(now.Add(-time.Minute))}, true},
		{"retry just inside cool-down", db.SubscriberProgress{RemainingAttempts: 1, State: db.StateRetry, LastOperatedAt: timePtr(now.Add(-time.Minute + time.Nanosecond))}, false},
		{"unlimited budget", db.SubscriberProgress{RemainingAttempts: db.UnlimitedAttempts, State: db.StateRetry}, true},
		{"budget spent", db.SubscriberProgress{RemainingAttempts: 0, State: db.StateRetry}, false},
		{"done", db.SubscriberProgress{RemainingAttempts: 2, State: db.StateDone}, false},
		{"fail", db.SubscriberProgress{RemainingAttempts: 2, State: db.StateFail}, false},
		{"processing", db.SubscriberProgress{RemainingAttempts: 2, State: db.StateProcessing}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, eligible(tt.p, now, coolDown))
		})
	}
}

func TestNewEvent_MarksEligibleEntries(t *testing.T) {
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	record := db.Record{
		ID:        uuid.Must(uuid.NewV7()),
		EventName: "e1",
		TryTimes:  3,
		Subscribers: []db.SubscriberProgress{
			{SubscriberID: "a", RemainingAttempts: 3, State: db.StateReady},
			{SubscriberID: "b", RemainingAttempts: db.UnlimitedAttempts, State: db.StateRetry},
			{SubscriberID: "c", RemainingAttempts: 1, State: db.StateDone},
			{SubscriberID: "gone", RemainingAttempts: 2, State: db.StateReady},
		},
	}
	handles := map[string]*Subscriber{
		"a": NewSubscriber("a", "e1", newFakeChannel("c1")),
		"b": NewSubscriber("b", "e1", newFakeChannel("c2")),
		"c": NewSubscriber("c", "e1", newFakeChannel("c3")),
	}

	e := newEvent(record, handles, &storeMock{}, NewEventBus(), now, time.Minute)

	got := e.snapshot()
	assert.Equal(t, db.StateProcessing, got.Subscriber("a").State)
	assert.Equal(t, 2, got.Subscriber("a").RemainingAttempts)
	assert.Equal(t, now, *got.Subscriber("a").LastOperatedAt)
	assert.Equal(t, db.StateProcessing, got.Subscriber("b").State)
	assert.Equal(t, db.UnlimitedAttempts, got.Subscriber("b").RemainingAttempts)
	assert.Equal(t, db.StateDone, got.Subscriber("c").State)
	assert.Equal(t, db.StateReady, got.Subscriber("gone").State)
	assert.Equal(t, 2, got.Subscriber("gone").RemainingAttempts)
	assert.Nil(t, got.Subscriber("gone").LastOperatedAt)
	assert.Len(t, e.targets, 2)
	assert.Equal(t, []string{"gone"}, e.deferred)

	// The claimed record itself is not mutated.
	assert.Equal(t, db.StateReady, record.Subscribers[0].State)
}

func TestNewEvent_SkipsDeadHandles(t *testing.T) {
	now := time.Now().UTC()
	h := NewSubscriber("a", "e1", newFakeChannel("c1"))
	h.Dispose()
	record := db.Record{
		ID:          uuid.Must(uuid.NewV7()),
		Subscribers: []db.SubscriberProgress{{SubscriberID: "a", RemainingAttempts: 1, State: db.StateReady}},
	}

	e := newEvent(record, map[string]*Subscriber{"a": h}, &storeMock{}, NewEventBus(), now, time.Minute)

	assert.Empty(t, e.targets)
	assert.Equal(t, []string{"a"}, e.deferred)
}

func TestDispatch_BatchWriteFailureAborts(t *testing.T) {
	store := &storeMock{}
	store.On("SaveSubscriberProgress", mock.Anything, mock.Anything).Return(errStoreDown)
	ch := newFakeChannel("c1")
	record := db.Record{
		ID:          uuid.Must(uuid.NewV7()),
		EventName:   "e1",
		Subscribers: []db.SubscriberProgress{{SubscriberID: "a", RemainingAttempts: 1, State: db.StateReady}},
	}
	e := newEvent(record, map[string]*Subscriber{"a": NewSubscriber("a", "e1", ch)}, store, NewEventBus(), time.Now().UTC(), time.Minute)

	state := e.Dispatch(context.Background())

	assert.Equal(t, db.StateProcessing, state)
	assert.Empty(t, ch.Deliveries())
	store.AssertNotCalled(t, "UpsertSubscriberProgress", mock.Anything, mock.Anything)
	store.AssertNotCalled(t, "UpdateRecordState", mock.Anything, mock.Anything)
}

func TestDispatch_PersistsBatchThenOutcomes(t *testing.T) {
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	id := uuid.Must(uuid.NewV7())
	store := &storeMock{}
	store.On("SaveSubscriberProgress", mock.Anything, db.SaveSubscriberProgressParams{
		RecordID: id,
		Subscribers: []db.SubscriberProgress{
			{SubscriberID: "a", RemainingAttempts: 0, State: db.StateProcessing, LastOperatedAt: &now},
		},
	}).Return(nil).Once()
	store.On("UpsertSubscriberProgress", mock.Anything, db.UpsertSubscriberProgressParams{
		RecordID:   id,
		Subscriber: db.SubscriberProgress{SubscriberID: "a", RemainingAttempts: 0, State: db.StateDone, LastOperatedAt: &now},
	}).Return(nil).Once()
	store.On("UpdateRecordState", mock.Anything, db.UpdateRecordStateParams{ID: id, State: db.StateDone}).Return(nil).Once()

	record := db.Record{
		ID:          id,
		EventName:   "e1",
		Timeout:     time.Second,
		Subscribers: []db.SubscriberProgress{{SubscriberID: "a", RemainingAttempts: 1, State: db.StateReady}},
	}
	e := newEvent(record, map[string]*Subscriber{"a": NewSubscriber("a", "e1", newFakeChannel("c1"))}, store, NewEventBus(), now, time.Minute)

	assert.Equal(t, db.StateDone, e.Dispatch(context.Background()))
	store.AssertExpectations(t)
}

func TestDispatch_ProgressWriteFailureIsLoggedAndRoundCompletes(t *testing.T) {
	store := &storeMock{}
	store.On("SaveSubscriberProgress", mock.Anything, mock.Anything).Return(nil)
	store.On("UpsertSubscriberProgress", mock.Anything, mock.Anything).Return(errStoreDown)
	store.On("UpdateRecordState", mock.Anything, mock.MatchedBy(func(p db.UpdateRecordStateParams) bool {
		return p.State == db.StateDone
	})).Return(nil).Once()

	record := db.Record{
		ID:        uuid.Must(uuid.NewV7()),
		EventName: "e1",
		Subscribers: []db.SubscriberProgress{
			{SubscriberID: "a", RemainingAttempts: 1, State: db.StateReady},
			{SubscriberID: "b", RemainingAttempts: 1, State: db.StateReady},
		},
	}
	handles := map[string]*Subscriber{
		"a": NewSubscriber("a", "e1", newFakeChannel("c1")),
		"b": NewSubscriber("b", "e1", newFakeChannel("c2")),
	}
	e := newEvent(record, handles, store, NewEventBus(), time.Now().UTC(), time.Minute)

	assert.Equal(t, db.StateDone, e.Dispatch(context.Background()))
	store.AssertNumberOfCalls(t, "UpsertSubscriberProgress", 2)
	store.AssertExpectations(t)
}

func TestDispatch_WaitsForEveryOutcome(t *testing.T) {
	store := &storeMock{}
	store.On("SaveSubscriberProgress", mock.Anything, mock.Anything).Return(nil)
	store.On("UpsertSubscriberProgress", mock.Anything, mock.Anything).Return(nil)
	store.On("UpdateRecordState", mock.Anything, mock.Anything).Return(nil)

	fast := newFakeChannel("fast")
	slow := newFakeChannel("slow")
	slow.setHandler(func(ctx context.Context, d Delivery) (Reply, error) {
		time.Sleep(100 * time.Millisecond)
		return Reply{Status: db.ResultSuccess}, nil
	})
	timesOut := newFakeChannel("timeout")
	timesOut.setHandler(neverReply)

	record := db.Record{
		ID:        uuid.Must(uuid.NewV7()),
		EventName: "e1",
		Timeout:   200 * time.Millisecond,
		Subscribers: []db.SubscriberProgress{
			{SubscriberID: "fast", RemainingAttempts: 2, State: db.StateReady},
			{SubscriberID: "slow", RemainingAttempts: 2, State: db.StateReady},
			{SubscriberID: "timeout", RemainingAttempts: 2, State: db.StateReady},
		},
	}
	handles := map[string]*Subscriber{
		"fast":    NewSubscriber("fast", "e1", fast),
		"slow":    NewSubscriber("slow", "e1", slow),
		"timeout": NewSubscriber("timeout", "e1", timesOut),
	}
	e := newEvent(record, handles, store, NewEventBus(), time.Now().UTC(), time.Minute)

	start := time.Now()
	state := e.Dispatch(context.Background())

	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	assert.Equal(t, db.StateRetry, state)
	got := e.snapshot()
	assert.Equal(t, db.StateDone, got.Subscriber("fast").State)
	assert.Equal(t, db.StateDone, got.Subscriber("slow").State)
	assert.Equal(t, db.StateRetry, got.Subscriber("timeout").State)
	assert.Equal(t, 1, got.Subscriber("timeout").RemainingAttempts)
}

func TestFold_LateJoinerIsInserted(t *testing.T) {
	id := uuid.Must(uuid.NewV7())
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	store := &storeMock{}
	store.On("UpsertSubscriberProgress", mock.Anything, db.UpsertSubscriberProgressParams{
		RecordID:   id,
		Subscriber: db.SubscriberProgress{SubscriberID: "late", RemainingAttempts: 2, State: db.StateRetry, LastOperatedAt: &now},
	}).Return(nil).Once()

	e := newEvent(db.Record{ID: id, EventName: "e1", TryTimes: 3}, nil, store, NewEventBus(), now, time.Minute)
	e.fold(context.Background(), NotifyResult{SubscriberID: "late", Status: db.ResultFail})

	got := e.snapshot()
	require.Len(t, got.Subscribers, 1)
	assert.Equal(t, db.StateRetry, got.Subscribers[0].State)
	store.AssertExpectations(t)
}

func TestFold_LateJoinerWithSingleAttemptFails(t *testing.T) {
	store := &storeMock{}
	store.On("UpsertSubscriberProgress", mock.Anything, mock.Anything).Return(nil)

	e := newEvent(db.Record{ID: uuid.Must(uuid.NewV7()), TryTimes: 1}, nil, store, NewEventBus(), time.Now(), time.Minute)
	e.fold(context.Background(), NotifyResult{SubscriberID: "late", Status: db.ResultFail})

	assert.Equal(t, db.StateFail, e.snapshot().Subscribers[0].State)
	assert.Equal(t, db.StateFail, db.AggregateState(e.snapshot().Subscribers))
}

func TestDispatch_PublishesBusMessages(t *testing.T) {
	store := &storeMock{}
	store.On("SaveSubscriberProgress", mock.Anything, mock.Anything).Return(nil)
	store.On("UpsertSubscriberProgress", mock.Anything, mock.Anything).Return(nil)
	store.On("UpdateRecordState", mock.Anything, mock.Anything).Return(nil)
	bus := NewEventBus()
	messages, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	record := db.Record{
		ID:          uuid.Must(uuid.NewV7()),
		EventName:   "e1",
		Subscribers: []db.SubscriberProgress{{SubscriberID: "a", RemainingAttempts: 1, State: db.StateReady}},
	}
	e := newEvent(record, map[string]*Subscriber{"a": NewSubscriber("a", "e1", newFakeChannel("c1"))}, store, bus, time.Now(), time.Minute)
	e.Dispatch(context.Background())

	attempt := <-messages
	assert.Equal(t, BusMessageDeliveryAttempt, attempt.Type)
	assert.Equal(t, "a", attempt.SubscriberID)
	assert.Equal(t, "SUCCESS", attempt.AttemptStatus)
	require.NotNil(t, attempt.RemainingAttempts)
	assert.Equal(t, 0, *attempt.RemainingAttempts)

	status := <-messages
	assert.Equal(t, BusMessageStatusChanged, status.Type)
	assert.Equal(t, "DONE", status.State)
	assert.Equal(t, record.ID.String(), status.RecordID)
}
