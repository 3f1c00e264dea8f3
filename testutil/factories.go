package testutil

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/sweater-ventures/brainfreeze/app"
	"github.com/sweater-ventures/brainfreeze/config"
	"github.com/sweater-ventures/brainfreeze/db"
)

// NewUUID returns a new time-ordered UUID.
func NewUUID() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// NewTimestamp returns the current UTC time truncated to microseconds, the
// precision Postgres keeps.
func NewTimestamp() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// RecordOpt is a functional option for building test Records.
type RecordOpt func(*db.Record)

// NewRecord creates a READY db.Record with sensible defaults and no
// subscribers. Use options to override.
func NewRecord(opts ...RecordOpt) db.Record {
	r := db.Record{
		ID:        NewUUID(),
		RequestID: "req-" + uuid.NewString(),
		SenderID:  "test-producer",
		EventName: "test.event",
		Args:      json.RawMessage(`{"key":"value"}`),
		Timeout:   time.Minute,
		TryTimes:  3,
		State:     db.StateReady,
		CreatedAt: NewTimestamp(),
	}
	for _, opt := range opts {
		opt(&r)
	}
	return r
}

// WithSubscribers sets the record's progress entries.
func WithSubscribers(subscribers ...db.SubscriberProgress) RecordOpt {
	return func(r *db.Record) {
		r.Subscribers = subscribers
	}
}

// ProgressOpt is a functional option for building test SubscriberProgress entries.
type ProgressOpt func(*db.SubscriberProgress)

// NewProgress creates a READY entry for subscriberID with three attempts.
func NewProgress(subscriberID string, opts ...ProgressOpt) db.SubscriberProgress {
	p := db.SubscriberProgress{
		SubscriberID:      subscriberID,
		RemainingAttempts: 3,
		State:             db.StateReady,
	}
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

// TestConfig returns the configuration used by NewTestApp.
func TestConfig() config.AppConfig {
	cfg := config.Defaults()
	cfg.Port = 8005
	cfg.Store = config.StoreMemory
	cfg.DrainDelay = time.Millisecond
	return cfg
}

// AppOpt is a functional option for building test Applications.
type AppOpt func(*config.AppConfig)

// NewTestApp creates an app.Application around store with test config
// defaults. The scheduling loop is not started.
func NewTestApp(store db.Querier, opts ...AppOpt) *app.Application {
	cfg := TestConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return app.NewAppWithStore(&cfg, store, nil)
}
