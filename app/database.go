package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sweater-ventures/brainfreeze/config"
	"github.com/sweater-ventures/brainfreeze/db"
	"github.com/sweater-ventures/brainfreeze/db/memstore"
	"github.com/sweater-ventures/brainfreeze/db/mongostore"
)

func connectToDB(ctx context.Context, config *config.AppConfig) (*pgxpool.Pool, error) {
	dbconfig, err := pgxpool.ParseConfig(
		fmt.Sprintf("host=%s user=%s password=%s port=%d sslmode=%s dbname=%s pool_max_conns=%d pool_min_conns=%d",
			config.DBHost,
			config.DBUsername,
			config.DBPassword,
			config.DBPort,
			config.DBSSLMode,
			config.DBName,
			config.DBMaxConns,
			config.DBMinConns,
		),
	)
	if err != nil {
		slog.Error("Failed to parse database configuration", "error", err)
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, dbconfig)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: %w", ErrDatabaseUnavailable, err)
	}
	slog.Info("Database connection pool established",
		slog.String("host", config.DBHost),
		slog.Int("port", config.DBPort),
		slog.String("dbname", config.DBName),
		slog.Int("max_conns", config.DBMaxConns),
	)
	return pool, nil
}

// openStore returns the configured queue store and a function releasing it.
func openStore(ctx context.Context, cfg *config.AppConfig) (db.Querier, func(), error) {
	switch cfg.Store {
	case config.StorePostgres:
		pool, err := connectToDB(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		return db.New(pool), pool.Close, nil
	case config.StoreMongo:
		store, err := mongostore.Open(ctx, cfg.MongoURL, cfg.MongoDatabase, cfg.MongoCollection)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %w", ErrDatabaseUnavailable, err)
		}
		slog.Info("Connected to MongoDB", "database", cfg.MongoDatabase, "collection", cfg.MongoCollection)
		return store, func() {
			if err := store.Close(context.Background()); err != nil {
				slog.Warn("Error disconnecting from MongoDB", "error", err)
			}
		}, nil
	default:
		slog.Warn("Using in-memory store, records will not survive a restart")
		return memstore.New(), func() {}, nil
	}
}
