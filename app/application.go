package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/sweater-ventures/brainfreeze/config"
	"github.com/sweater-ventures/brainfreeze/db"
)

type Application struct {
	Config   config.AppConfig
	DB       db.Querier
	EventBus *EventBus
	Manager  *Manager
	Kicker   Kicker
	closers  []func()
}

// NewApp opens the configured store and kicker and wires the Manager.
func NewApp(config *config.AppConfig) (*Application, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, closeStore, err := openStore(ctx, config)
	if err != nil {
		slog.Error("Failed to connect to database", "store", config.Store, "error", err)
		return nil, err
	}

	var kicker Kicker = NopKicker{}
	if config.RedisURL != "" {
		rk, err := NewRedisKicker(ctx, config.RedisURL, config.RedisChannel)
		if err != nil {
			closeStore()
			slog.Error("Failed to connect to redis", "error", err)
			return nil, err
		}
		kicker = rk
	}

	a := NewAppWithStore(config, store, kicker)
	a.closers = append(a.closers, closeStore)
	return a, nil
}

// NewAppWithStore wires an Application around an already opened store.
func NewAppWithStore(config *config.AppConfig, store db.Querier, kicker Kicker) *Application {
	if kicker == nil {
		kicker = NopKicker{}
	}
	bus := NewEventBus()
	return &Application{
		Config:   *config,
		DB:       store,
		EventBus: bus,
		Manager:  NewManager(*config, store, bus, kicker),
		Kicker:   kicker,
		closers: []func(){func() {
			if err := kicker.Close(); err != nil {
				slog.Warn("Error closing kicker", "error", err)
			}
		}},
	}
}

func (a *Application) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
