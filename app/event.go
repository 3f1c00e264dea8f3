package app

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/sweater-ventures/brainfreeze/db"
	"golang.org/x/sync/errgroup"
)

// Event drives one claimed record through a single delivery round. It is
// built by Manager.createInstance and owns its record until Dispatch returns.
type Event struct {
	record  db.Record
	store   db.Querier
	bus     *EventBus
	now     time.Time
	targets []*Subscriber
	// deferred lists eligible entries that had no live handle this round.
	deferred []string
}

// eligible reports whether p should be attempted in a round starting at now.
// The cool-down boundary matches the claim's EligibleBefore, which is inclusive.
func eligible(p db.SubscriberProgress, now time.Time, coolDown time.Duration) bool {
	if !p.HasBudget() || !p.State.Pending() {
		return false
	}
	return p.LastOperatedAt == nil || now.Sub(*p.LastOperatedAt) >= coolDown
}

func newEvent(record db.Record, handles map[string]*Subscriber, store db.Querier, bus *EventBus, now time.Time, coolDown time.Duration) *Event {
	e := &Event{
		record: record,
		store:  store,
		bus:    bus,
		now:    now,
	}
	e.record.Subscribers = slices.Clone(record.Subscribers)
	for i := range e.record.Subscribers {
		p := &e.record.Subscribers[i]
		if !eligible(*p, now, coolDown) {
			continue
		}
		h := handles[p.SubscriberID]
		if h == nil || !h.Alive() {
			// Left untouched: the entry stays pending without spending an attempt.
			e.deferred = append(e.deferred, p.SubscriberID)
			continue
		}
		p.State = db.StateProcessing
		p.LastOperatedAt = &now
		if p.RemainingAttempts > 0 {
			p.RemainingAttempts--
		}
		e.targets = append(e.targets, h)
	}
	return e
}

func (e *Event) snapshot() db.Record {
	return e.record
}

func (e *Event) logger(ctx context.Context) *slog.Logger {
	return log(ctx).With("record_id", e.record.ID.String(), "event", e.record.EventName)
}

// processing returns the entries of this round's targets.
func (e *Event) processing() []db.SubscriberProgress {
	batch := make([]db.SubscriberProgress, 0, len(e.targets))
	for _, h := range e.targets {
		if p := e.record.Subscriber(h.ID); p != nil {
			batch = append(batch, *p)
		}
	}
	return batch
}

// Dispatch notifies every eligible subscriber, folds the outcomes and persists
// the aggregate record state, which it returns. A failure to persist the
// PROCESSING batch aborts the round and returns PROCESSING.
func (e *Event) Dispatch(ctx context.Context) db.State {
	logger := e.logger(ctx)

	if len(e.targets) == 0 {
		if len(e.deferred) > 0 {
			logger.Info("No live subscriber for eligible entries, deferring", "subscribers", e.deferred)
		}
		return e.finish(ctx, db.AggregateState(e.record.Subscribers))
	}

	err := e.store.SaveSubscriberProgress(ctx, db.SaveSubscriberProgressParams{
		RecordID:    e.record.ID,
		Subscribers: e.processing(),
	})
	if err != nil {
		logger.Error("Failed to update subscribers state: READY/RETRY->PROCESSING",
			"error", err,
			"fatal", true,
		)
		return db.StateProcessing
	}

	for _, result := range e.notifyAll(ctx) {
		e.fold(ctx, result)
	}
	return e.finish(ctx, db.AggregateState(e.record.Subscribers))
}

// notifyAll fans out to every target and waits for all of them.
func (e *Event) notifyAll(ctx context.Context) []NotifyResult {
	results := make([]NotifyResult, len(e.targets))
	var g errgroup.Group
	for i, h := range e.targets {
		g.Go(func() error {
			results[i] = h.Notify(ctx, e.record.Args, e.record.Timeout)
			return nil
		})
	}
	// Notify reports failures in its result, so Wait never returns an error.
	_ = g.Wait()
	return results
}

// fold applies one notification outcome to its progress entry and persists
// that entry. Outcomes for subscribers missing from the record are added as
// new entries.
func (e *Event) fold(ctx context.Context, result NotifyResult) {
	p := e.record.Subscriber(result.SubscriberID)
	if p == nil {
		remaining := e.record.TryTimes
		if remaining > 0 {
			remaining--
		}
		now := e.now
		e.record.Subscribers = append(e.record.Subscribers, db.SubscriberProgress{
			SubscriberID:      result.SubscriberID,
			RemainingAttempts: remaining,
			State:             db.StateProcessing,
			LastOperatedAt:    &now,
		})
		p = &e.record.Subscribers[len(e.record.Subscribers)-1]
	}

	switch {
	case result.Status == db.ResultSuccess:
		p.State = db.StateDone
	case p.RemainingAttempts == 0:
		p.State = db.StateFail
	default:
		p.State = db.StateRetry
	}

	remaining := p.RemainingAttempts
	e.bus.Publish(BusMessage{
		Type:              BusMessageDeliveryAttempt,
		RecordID:          e.record.ID.String(),
		EventName:         e.record.EventName,
		State:             string(p.State),
		SubscriberID:      p.SubscriberID,
		AttemptStatus:     string(result.Status),
		RemainingAttempts: &remaining,
	})

	err := e.store.UpsertSubscriberProgress(ctx, db.UpsertSubscriberProgressParams{
		RecordID:   e.record.ID,
		Subscriber: *p,
	})
	if err != nil {
		e.logger(ctx).Error("Failed to update subscriber state",
			"subscriber_id", p.SubscriberID,
			"state", p.State,
			"error", NewError(KeyDatabaseUnavailable),
			"cause", err,
		)
	}
}

func (e *Event) finish(ctx context.Context, state db.State) db.State {
	e.record.State = state
	err := e.store.UpdateRecordState(ctx, db.UpdateRecordStateParams{
		ID:    e.record.ID,
		State: state,
	})
	if err != nil {
		e.logger(ctx).Error("Failed to update record state",
			"state", state,
			"error", NewError(KeyDatabaseUnavailable),
			"cause", err,
		)
		return state
	}
	e.bus.Publish(BusMessage{
		Type:      BusMessageStatusChanged,
		RecordID:  e.record.ID.String(),
		EventName: e.record.EventName,
		State:     string(state),
	})
	e.logger(ctx).Debug("Record round finished", "state", state, "notified", len(e.targets))
	return state
}
