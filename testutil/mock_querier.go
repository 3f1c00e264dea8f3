package testutil

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/sweater-ventures/brainfreeze/db"
)

// MockQuerier is a testify mock implementation of db.Querier.
type MockQuerier struct {
	mock.Mock
}

var _ db.Querier = (*MockQuerier)(nil)

func (m *MockQuerier) ClaimNextRecord(ctx context.Context, arg db.ClaimNextRecordParams) (db.Record, error) {
	args := m.Called(ctx, arg)
	return args.Get(0).(db.Record), args.Error(1)
}

func (m *MockQuerier) GetRecordByID(ctx context.Context, id uuid.UUID) (db.Record, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(db.Record), args.Error(1)
}

func (m *MockQuerier) InsertRecord(ctx context.Context, arg db.Record) (db.Record, error) {
	args := m.Called(ctx, arg)
	return args.Get(0).(db.Record), args.Error(1)
}

func (m *MockQuerier) ListRecords(ctx context.Context, arg db.ListRecordsParams) ([]db.Record, error) {
	args := m.Called(ctx, arg)
	return args.Get(0).([]db.Record), args.Error(1)
}

func (m *MockQuerier) ResetStaleProcessing(ctx context.Context, before time.Time) (int64, error) {
	args := m.Called(ctx, before)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockQuerier) SaveSubscriberProgress(ctx context.Context, arg db.SaveSubscriberProgressParams) error {
	args := m.Called(ctx, arg)
	return args.Error(0)
}

func (m *MockQuerier) UpdateRecordState(ctx context.Context, arg db.UpdateRecordStateParams) error {
	args := m.Called(ctx, arg)
	return args.Error(0)
}

func (m *MockQuerier) UpsertSubscriberProgress(ctx context.Context, arg db.UpsertSubscriberProgressParams) error {
	args := m.Called(ctx, arg)
	return args.Error(0)
}
