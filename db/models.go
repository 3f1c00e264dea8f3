package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// State is the delivery state of a record or of one subscriber within a record.
type State string

const (
	StateReady      State = "READY"
	StateProcessing State = "PROCESSING"
	StateDone       State = "DONE"
	StateRetry      State = "RETRY"
	StateFail       State = "FAIL"
)

// Pending reports whether the state still expects another delivery attempt.
func (s State) Pending() bool {
	return s == StateReady || s == StateRetry
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFail
}

// RequestResult is the outcome reported for a request or a single notification.
type RequestResult string

const (
	ResultSuccess RequestResult = "SUCCESS"
	ResultFail    RequestResult = "FAIL"
)

// UnlimitedAttempts marks an attempt budget that never runs out.
const UnlimitedAttempts = -1

// Record is one enqueued event occurrence.
type Record struct {
	ID             uuid.UUID
	RequestID      string
	SenderID       string
	EventName      string
	Args           json.RawMessage
	Timeout        time.Duration
	TryTimes       int
	State          State
	CreatedAt      time.Time
	LastOperatedAt *time.Time
	Subscribers    []SubscriberProgress
}

// Subscriber returns the progress entry for the given subscriber, or nil.
func (r *Record) Subscriber(subscriberID string) *SubscriberProgress {
	for i := range r.Subscribers {
		if r.Subscribers[i].SubscriberID == subscriberID {
			return &r.Subscribers[i]
		}
	}
	return nil
}

// SubscriberProgress is one subscriber's delivery status within a Record.
type SubscriberProgress struct {
	SubscriberID      string     `json:"subscriber_id" bson:"subscriber_id"`
	RemainingAttempts int        `json:"remaining_attempts" bson:"remaining_attempts"`
	State             State      `json:"state" bson:"state"`
	LastOperatedAt    *time.Time `json:"last_operated_at" bson:"last_operated_at,omitempty"`
}

// HasBudget reports whether at least one more attempt may be made.
func (p SubscriberProgress) HasBudget() bool {
	return p.RemainingAttempts > 0 || p.RemainingAttempts == UnlimitedAttempts
}

// AggregateState rolls subscriber states into the record state. A record with
// no subscribers is DONE.
func AggregateState(subscribers []SubscriberProgress) State {
	done, fail := 0, 0
	for _, s := range subscribers {
		switch s.State {
		case StateDone:
			done++
		case StateFail:
			fail++
		}
	}
	switch {
	case done == len(subscribers):
		return StateDone
	case done+fail == len(subscribers):
		return StateFail
	default:
		return StateRetry
	}
}
