package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sweater-ventures/brainfreeze/config"
	"github.com/sweater-ventures/brainfreeze/db"
)

// SubscribeRequest registers a channel for one event name.
type SubscribeRequest struct {
	RequestID string `json:"requestId"`
	SenderID  string `json:"senderId"`
	EventName string `json:"event"`
}

// EnqueueRequest is a producer's request to queue one event occurrence.
type EnqueueRequest struct {
	RequestID      string          `json:"requestId"`
	SenderID       string          `json:"senderId"`
	EventName      string          `json:"eventName"`
	Event          string          `json:"event,omitempty"`
	TryTimes       *int            `json:"tryTimes,omitempty"`
	TimeoutSeconds *int            `json:"timeoutSeconds,omitempty"`
	Args           json.RawMessage `json:"args,omitempty"`
}

// Name returns EventName, falling back to the Event alias.
func (r EnqueueRequest) Name() string {
	if r.EventName != "" {
		return r.EventName
	}
	return r.Event
}

// SubscriberInfo describes one live handle.
type SubscriberInfo struct {
	EventName    string      `json:"event_name"`
	SubscriberID string      `json:"subscriber_id"`
	ChannelID    string      `json:"channel_id"`
	State        HandleState `json:"state"`
	ConnectedAt  time.Time   `json:"connected_at"`
}

// Manager owns the live subscriber registry and drives the scheduling loop.
type Manager struct {
	store  db.Querier
	bus    *EventBus
	kicker Kicker

	defaultTryTimes  int
	defaultTimeout   time.Duration
	coolDown         time.Duration
	scheduleInterval time.Duration
	drainDelay       time.Duration
	required         []string

	mu      sync.RWMutex
	handles map[string][]*Subscriber
	seen    map[string]struct{}
	gate    atomic.Bool

	trigger chan struct{}
	now     func() time.Time
}

func NewManager(cfg config.AppConfig, store db.Querier, bus *EventBus, kicker Kicker) *Manager {
	if kicker == nil {
		kicker = NopKicker{}
	}
	timeout := time.Duration(cfg.DefaultTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	tryTimes := cfg.DefaultTryTimes
	if tryTimes == 0 || tryTimes < db.UnlimitedAttempts {
		tryTimes = 1
	}
	m := &Manager{
		store:            store,
		bus:              bus,
		kicker:           kicker,
		defaultTryTimes:  tryTimes,
		defaultTimeout:   timeout,
		coolDown:         cfg.CoolDown,
		scheduleInterval: cfg.ScheduleInterval,
		drainDelay:       cfg.DrainDelay,
		required:         slices.Clone(cfg.RequiredSubscribers),
		handles:          make(map[string][]*Subscriber),
		seen:             make(map[string]struct{}),
		trigger:          make(chan struct{}, 1),
		now:              time.Now,
	}
	if m.scheduleInterval <= 0 {
		m.scheduleInterval = time.Minute
	}
	m.gate.Store(len(m.required) == 0)
	return m
}

// Subscribe registers channel as req.SenderID's handle for req.EventName,
// disposing any handle previously registered for the same pair.
func (m *Manager) Subscribe(ctx context.Context, req SubscribeRequest, channel Channel) Ack {
	switch {
	case req.RequestID == "":
		return failureAck(req.RequestID, argumentError("requestId"))
	case req.SenderID == "":
		return failureAck(req.RequestID, argumentError("senderId"))
	case req.EventName == "":
		return failureAck(req.RequestID, argumentError("event"))
	}

	handle := NewSubscriber(req.SenderID, req.EventName, channel)

	m.mu.Lock()
	var replaced *Subscriber
	list := m.handles[req.EventName]
	if i := slices.IndexFunc(list, func(s *Subscriber) bool { return s.ID == req.SenderID }); i >= 0 {
		replaced = list[i]
		list[i] = handle
	} else {
		m.handles[req.EventName] = append(list, handle)
	}
	m.seen[req.SenderID] = struct{}{}
	opened := m.recomputeGateLocked()
	m.mu.Unlock()

	switch {
	case replaced == nil:
	case replaced.Channel() == channel:
		replaced.dead.Store(true)
	default:
		replaced.Dispose()
		log(ctx).Warn("Client already connected", "error", NewError(KeyAlreadyConnected, req.SenderID))
	}
	log(ctx).Info("Client subscribed", "subscriber_id", req.SenderID, "event", req.EventName)
	m.bus.Publish(BusMessage{
		Type:         BusMessageSubscribed,
		EventName:    req.EventName,
		SubscriberID: req.SenderID,
	})
	if opened {
		log(ctx).Info("All required subscribers connected, scheduling enabled")
		m.Trigger()
	}
	return successAck(req.RequestID)
}

// Unsubscribe removes and disposes the handle for the pair. Unknown pairs are ignored.
func (m *Manager) Unsubscribe(eventName, subscriberID string) {
	m.removeWhere(func(s *Subscriber) bool {
		return s.EventName == eventName && s.ID == subscriberID
	})
}

// UnsubscribeChannel removes every handle bound to channel. A handle that
// has since been replaced by one on another channel is left alone.
func (m *Manager) UnsubscribeChannel(channel Channel) {
	m.removeWhere(func(s *Subscriber) bool {
		return s.Channel() == channel
	})
}

func (m *Manager) removeWhere(match func(*Subscriber) bool) {
	var removed []*Subscriber
	m.mu.Lock()
	for name, list := range m.handles {
		kept := list[:0]
		for _, s := range list {
			if match(s) {
				removed = append(removed, s)
			} else {
				kept = append(kept, s)
			}
		}
		if len(kept) == 0 {
			delete(m.handles, name)
		} else {
			m.handles[name] = kept
		}
	}
	m.recomputeGateLocked()
	m.mu.Unlock()

	for _, s := range removed {
		s.Dispose()
		slog.Info("Client unsubscribed", "subscriber_id", s.ID, "event", s.EventName)
		m.bus.Publish(BusMessage{
			Type:         BusMessageUnsubscribed,
			EventName:    s.EventName,
			SubscriberID: s.ID,
		})
	}
}

// recomputeGateLocked refreshes the readiness gate and reports whether it
// just opened.
func (m *Manager) recomputeGateLocked() bool {
	open := true
	for _, id := range m.required {
		if _, ok := m.seen[id]; !ok {
			open = false
			break
		}
	}
	return open && !m.gate.Swap(open)
}

// Ready reports whether the readiness gate is open.
func (m *Manager) Ready() bool {
	return m.gate.Load()
}

// Subscribers lists the live handles ordered by event name.
func (m *Manager) Subscribers() []SubscriberInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.handles))
	for name := range m.handles {
		names = append(names, name)
	}
	slices.Sort(names)

	var infos []SubscriberInfo
	for _, name := range names {
		for _, s := range m.handles[name] {
			infos = append(infos, SubscriberInfo{
				EventName:    s.EventName,
				SubscriberID: s.ID,
				ChannelID:    s.Channel().ID(),
				State:        s.State(),
				ConnectedAt:  s.ConnectedAt,
			})
		}
	}
	return infos
}

// handlesFor snapshots the live handles for eventName, in registration order.
func (m *Manager) handlesFor(eventName string) []*Subscriber {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.handles[eventName])
}

// Enqueue validates and stores a new READY record, then triggers scheduling.
// It does not wait for delivery.
func (m *Manager) Enqueue(ctx context.Context, req EnqueueRequest) Ack {
	switch {
	case req.RequestID == "":
		return failureAck(req.RequestID, argumentError("requestId"))
	case req.SenderID == "":
		return failureAck(req.RequestID, argumentError("senderId"))
	case req.Name() == "":
		return failureAck(req.RequestID, argumentError("eventName"))
	}

	tryTimes := m.defaultTryTimes
	if req.TryTimes != nil {
		tryTimes = *req.TryTimes
		if tryTimes == 0 || tryTimes < db.UnlimitedAttempts {
			return failureAck(req.RequestID, argumentError("tryTimes"))
		}
	}
	timeout := m.defaultTimeout
	if req.TimeoutSeconds != nil {
		if *req.TimeoutSeconds <= 0 {
			return failureAck(req.RequestID, argumentError("timeoutSeconds"))
		}
		timeout = time.Duration(*req.TimeoutSeconds) * time.Second
	}

	var subscribers []db.SubscriberProgress
	for _, h := range m.handlesFor(req.Name()) {
		subscribers = append(subscribers, db.SubscriberProgress{
			SubscriberID:      h.ID,
			RemainingAttempts: tryTimes,
			State:             db.StateReady,
		})
	}

	record, err := m.store.InsertRecord(ctx, db.Record{
		ID:          uuid.Must(uuid.NewV7()),
		RequestID:   req.RequestID,
		SenderID:    req.SenderID,
		EventName:   req.Name(),
		Args:        req.Args,
		Timeout:     timeout,
		TryTimes:    tryTimes,
		State:       db.StateReady,
		CreatedAt:   m.now().UTC(),
		Subscribers: subscribers,
	})
	if err != nil {
		log(ctx).Error("Database is not available to accept new requests", "error", err, "request_id", req.RequestID)
		return failureAck(req.RequestID, ErrDatabaseUnavailable)
	}

	log(ctx).Info("Event enqueued",
		"record_id", record.ID.String(),
		"request_id", record.RequestID,
		"event", record.EventName,
		"subscribers", len(record.Subscribers),
	)
	m.bus.Publish(BusMessage{
		Type:      BusMessageCreated,
		RecordID:  record.ID.String(),
		EventName: record.EventName,
		State:     string(record.State),
	})

	m.Trigger()
	if err := m.kicker.Kick(ctx, record.ID); err != nil {
		log(ctx).Warn("Unable to notify other instances", "error", err, "record_id", record.ID.String())
	}

	ack := successAck(req.RequestID)
	ack.RecordID = record.ID.String()
	return ack
}

// Trigger asks the scheduling loop for a cycle. Pending triggers coalesce.
func (m *Manager) Trigger() {
	select {
	case m.trigger <- struct{}{}:
	default:
	}
}

// Schedule runs one scheduling cycle: claim the oldest due record and
// dispatch it. It reports whether a record was claimed. While the readiness
// gate is closed it does nothing.
func (m *Manager) Schedule(ctx context.Context) (bool, error) {
	if !m.gate.Load() {
		log(ctx).Debug("Waiting for required subscribers, skipping schedule")
		return false, nil
	}
	event, err := m.createInstance(ctx)
	if errors.Is(err, db.ErrNoRecord) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrDatabaseUnavailable, err)
	}
	event.Dispatch(ctx)
	return true, nil
}

// createInstance claims the next record and binds it to the live handles for
// its event name. A record claimed in READY state picks up subscribers that
// registered after it was enqueued.
func (m *Manager) createInstance(ctx context.Context) (*Event, error) {
	now := m.now().UTC()
	record, err := m.store.ClaimNextRecord(ctx, db.ClaimNextRecordParams{
		Now:            now,
		EligibleBefore: now.Add(-m.coolDown),
	})
	if err != nil {
		return nil, err
	}

	live := m.handlesFor(record.EventName)
	handles := make(map[string]*Subscriber, len(live))
	for _, h := range live {
		handles[h.ID] = h
	}

	if record.State == db.StateReady {
		for _, h := range live {
			if record.Subscriber(h.ID) != nil {
				continue
			}
			record.Subscribers = append(record.Subscribers, db.SubscriberProgress{
				SubscriberID:      h.ID,
				RemainingAttempts: record.TryTimes,
				State:             db.StateReady,
			})
		}
	}

	log(ctx).Debug("Record claimed",
		"record_id", record.ID.String(),
		"previous_state", record.State,
		"event", record.EventName,
	)
	return newEvent(record, handles, m.store, m.bus, now, m.coolDown), nil
}

// Run drives scheduling until ctx is done. While records are being claimed
// it cycles every drain delay; otherwise it waits for a trigger or the
// periodic tick.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.scheduleInterval)
	defer ticker.Stop()

	for {
		claimed, err := m.Schedule(ctx)
		if err != nil {
			log(ctx).Error("Scheduling cycle failed", "error", err)
		}

		if claimed {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(m.drainDelay):
			}
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-m.trigger:
		case <-ticker.C:
		}
	}
}

// ResetStale returns records left PROCESSING by a previous process to RETRY.
func (m *Manager) ResetStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	count, err := m.store.ResetStaleProcessing(ctx, m.now().UTC().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("resetting stale records: %w", err)
	}
	if count > 0 {
		log(ctx).Info("Reset stale records", "count", count)
		m.Trigger()
	}
	return count, nil
}
