package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sweater-ventures/brainfreeze/db"
)

// DefaultTimeout bounds a notification when the record carries none.
const DefaultTimeout = 60 * time.Second

type HandleState string

const (
	HandleAlive HandleState = "ALIVE"
	HandleDead  HandleState = "DEAD"
)

// Delivery is the payload sent to a subscriber for one attempt.
type Delivery struct {
	CorrelationID string          `json:"requestId"`
	Event         string          `json:"event"`
	Args          json.RawMessage `json:"args,omitempty"`
}

// Reply is a subscriber's answer to a Delivery.
type Reply struct {
	Status db.RequestResult `json:"status"`
}

// Channel is a live duplex connection to one remote participant.
type Channel interface {
	ID() string
	// Deliver sends d and blocks until the matching reply arrives, the
	// context is done or the channel closes.
	Deliver(ctx context.Context, d Delivery) (Reply, error)
	Connected() bool
	Close() error
}

// NotifyResult is the outcome of one notification.
type NotifyResult struct {
	SubscriberID string
	Status       db.RequestResult
}

// Subscriber is one registered interest of one participant in one event name.
type Subscriber struct {
	ID          string
	EventName   string
	ConnectedAt time.Time

	channel     Channel
	dead        atomic.Bool
	disposeOnce sync.Once
	logger      *slog.Logger
}

func NewSubscriber(id, eventName string, channel Channel) *Subscriber {
	return &Subscriber{
		ID:          id,
		EventName:   eventName,
		ConnectedAt: time.Now().UTC(),
		channel:     channel,
		logger:      slog.Default().With("subscriber_id", id, "event", eventName),
	}
}

func (s *Subscriber) Channel() Channel {
	return s.channel
}

func (s *Subscriber) State() HandleState {
	if s.dead.Load() {
		return HandleDead
	}
	return HandleAlive
}

func (s *Subscriber) Alive() bool {
	return !s.dead.Load()
}

// Notify delivers args and waits up to timeout for a reply. The first of
// reply, timeout or send failure decides the result; anything but an explicit
// SUCCESS reply is FAIL.
func (s *Subscriber) Notify(ctx context.Context, args json.RawMessage, timeout time.Duration) NotifyResult {
	result := NotifyResult{SubscriberID: s.ID, Status: db.ResultFail}
	if !s.Alive() {
		return result
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	delivery := Delivery{
		CorrelationID: uuid.Must(uuid.NewV7()).String(),
		Event:         s.EventName,
		Args:          args,
	}
	logger := s.logger.With("correlation_id", delivery.CorrelationID)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	replies := make(chan Reply, 1)
	go func() {
		reply, err := s.channel.Deliver(ctx, delivery)
		if err != nil {
			if ctx.Err() == nil {
				logger.Error("Unable to emit event to subscriber", "error", err)
			}
			reply = Reply{Status: db.ResultFail}
		}
		replies <- reply
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-replies:
		if reply.Status == db.ResultSuccess {
			result.Status = db.ResultSuccess
		} else {
			logger.Debug("Subscriber reported failure", "status", reply.Status)
		}
	case <-timer.C:
		logger.Warn("Subscriber did not reply in time", "timeout", timeout)
	case <-ctx.Done():
		logger.Debug("Notification cancelled", "error", ctx.Err())
	}
	return result
}

// Dispose marks the handle dead and closes its channel. Safe to call more than once.
func (s *Subscriber) Dispose() {
	s.disposeOnce.Do(func() {
		s.dead.Store(true)
		if s.channel.Connected() {
			if err := s.channel.Close(); err != nil {
				s.logger.Debug("Error closing subscriber channel", "error", err)
			}
		}
		s.logger.Info("Subscriber disposed")
	})
}
