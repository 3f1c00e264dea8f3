package mongostore

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sweater-ventures/brainfreeze/db"
)

func TestDocumentConversion(t *testing.T) {
	operated := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	r := db.Record{
		ID:             uuid.Must(uuid.NewV7()),
		RequestID:      "r1",
		SenderID:       "shop",
		EventName:      "order.created",
		Args:           json.RawMessage(`{"order_id":42}`),
		Timeout:        1500 * time.Millisecond,
		TryTimes:       db.UnlimitedAttempts,
		State:          db.StateRetry,
		CreatedAt:      operated.Add(-time.Minute),
		LastOperatedAt: &operated,
	}

	doc := toDocument(r)
	assert.Equal(t, r.ID.String(), doc.ID)
	assert.Equal(t, int64(1500), doc.TimeoutMs)
	assert.NotNil(t, doc.Subscribers, "subscribers are stored as an empty array")

	back, err := doc.toRecord()
	require.NoError(t, err)
	assert.Equal(t, r.ID, back.ID)
	assert.Equal(t, r.Timeout, back.Timeout)
	assert.JSONEq(t, string(r.Args), string(back.Args))

	doc.Args = ""
	back, err = doc.toRecord()
	require.NoError(t, err)
	assert.Nil(t, back.Args)

	doc.ID = "nope"
	_, err = doc.toRecord()
	assert.Error(t, err)
}

// openTestStore connects to BRAINFREEZE_TEST_MONGO_URL and uses a fresh
// collection per test.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("BRAINFREEZE_TEST_MONGO_URL")
	if url == "" {
		t.Skip("BRAINFREEZE_TEST_MONGO_URL not set")
	}
	ctx := context.Background()
	collection := "queue_" + uuid.Must(uuid.NewV7()).String()
	s, err := Open(ctx, url, "brainfreeze_test", collection)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.coll.Drop(ctx)
		_ = s.Close(ctx)
	})
	return s
}

func TestStore_ClaimAndProgress(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond).Add(-time.Hour)

	older, err := s.InsertRecord(ctx, db.Record{
		RequestID: "r1", SenderID: "shop", EventName: "order.created", TryTimes: 3, CreatedAt: base,
		Subscribers: []db.SubscriberProgress{{SubscriberID: "billing", RemainingAttempts: 3, State: db.StateReady}},
	})
	require.NoError(t, err)
	newer, err := s.InsertRecord(ctx, db.Record{
		RequestID: "r2", SenderID: "shop", EventName: "order.created", TryTimes: 3, CreatedAt: base.Add(time.Second),
	})
	require.NoError(t, err)

	now := base.Add(30 * time.Minute)
	claimed, err := s.ClaimNextRecord(ctx, db.ClaimNextRecordParams{Now: now, EligibleBefore: now})
	require.NoError(t, err)
	assert.Equal(t, older.ID, claimed.ID)
	assert.Equal(t, db.StateReady, claimed.State)

	require.NoError(t, s.SaveSubscriberProgress(ctx, db.SaveSubscriberProgressParams{
		RecordID: older.ID,
		Subscribers: []db.SubscriberProgress{
			{SubscriberID: "billing", RemainingAttempts: 2, State: db.StateProcessing, LastOperatedAt: &now},
			{SubscriberID: "shipping", RemainingAttempts: 0, State: db.StateProcessing, LastOperatedAt: &now},
		},
	}))

	got, err := s.GetRecordByID(ctx, older.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StateProcessing, got.State)
	require.Len(t, got.Subscribers, 2)

	count, err := s.ResetStaleProcessing(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	got, err = s.GetRecordByID(ctx, older.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StateRetry, got.State)
	assert.Equal(t, db.StateRetry, got.Subscriber("billing").State)
	assert.Equal(t, db.StateFail, got.Subscriber("shipping").State)

	claimed, err = s.ClaimNextRecord(ctx, db.ClaimNextRecordParams{Now: now, EligibleBefore: now.Add(-time.Second)})
	require.NoError(t, err)
	assert.Equal(t, newer.ID, claimed.ID, "older record is still cooling down")

	_, err = s.GetRecordByID(ctx, uuid.Must(uuid.NewV7()))
	assert.ErrorIs(t, err, db.ErrNoRecord)
	assert.ErrorIs(t, s.UpdateRecordState(ctx, db.UpdateRecordStateParams{ID: uuid.Must(uuid.NewV7()), State: db.StateDone}), db.ErrNoRecord)
}
