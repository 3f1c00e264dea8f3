// Package mongostore is a MongoDB-backed db.Querier. Progress entries are
// embedded in the record document; claims use FindOneAndUpdate.
package mongostore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sweater-ventures/brainfreeze/db"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
)

const DefaultCollection = "queue"

type recordDocument struct {
	ID             string                  `bson:"_id"`
	RequestID      string                  `bson:"request_id"`
	SenderID       string                  `bson:"sender_id"`
	EventName      string                  `bson:"event_name"`
	Args           string                  `bson:"args,omitempty"`
	TimeoutMs      int64                   `bson:"timeout_ms"`
	TryTimes       int                     `bson:"try_times"`
	State          db.State                `bson:"state"`
	CreatedAt      time.Time               `bson:"created_at"`
	LastOperatedAt *time.Time              `bson:"last_operated_at,omitempty"`
	Subscribers    []db.SubscriberProgress `bson:"subscribers"`
}

func toDocument(r db.Record) recordDocument {
	subscribers := r.Subscribers
	if subscribers == nil {
		subscribers = []db.SubscriberProgress{}
	}
	return recordDocument{
		ID:             r.ID.String(),
		RequestID:      r.RequestID,
		SenderID:       r.SenderID,
		EventName:      r.EventName,
		Args:           string(r.Args),
		TimeoutMs:      r.Timeout.Milliseconds(),
		TryTimes:       r.TryTimes,
		State:          r.State,
		CreatedAt:      r.CreatedAt,
		LastOperatedAt: r.LastOperatedAt,
		Subscribers:    subscribers,
	}
}

func (d recordDocument) toRecord() (db.Record, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return db.Record{}, fmt.Errorf("parsing record id %q: %w", d.ID, err)
	}
	r := db.Record{
		ID:             id,
		RequestID:      d.RequestID,
		SenderID:       d.SenderID,
		EventName:      d.EventName,
		Timeout:        time.Duration(d.TimeoutMs) * time.Millisecond,
		TryTimes:       d.TryTimes,
		State:          d.State,
		CreatedAt:      d.CreatedAt.UTC(),
		LastOperatedAt: d.LastOperatedAt,
		Subscribers:    d.Subscribers,
	}
	if d.Args != "" {
		r.Args = json.RawMessage(d.Args)
	}
	return r, nil
}

type Store struct {
	client *mongo.Client
	coll   *mongo.Collection
}

var _ db.Querier = (*Store)(nil)

// New wraps an existing collection.
func New(coll *mongo.Collection) *Store {
	return &Store{coll: coll}
}

// Open connects to MongoDB, verifies the connection and ensures the claim index.
func Open(ctx context.Context, url, database, collection string) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(url))
	if err != nil {
		return nil, fmt.Errorf("connecting to mongodb: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("pinging mongodb: %w", err)
	}
	if collection == "" {
		collection = DefaultCollection
	}
	s := &Store{client: client, coll: client.Database(database).Collection(collection)}
	_, err = s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "state", Value: 1}, {Key: "created_at", Value: 1}},
	})
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("creating claim index: %w", err)
	}
	return s, nil
}

func (s *Store) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Disconnect(ctx)
}

func (s *Store) InsertRecord(ctx context.Context, arg db.Record) (db.Record, error) {
	if arg.ID == uuid.Nil {
		arg.ID = uuid.Must(uuid.NewV7())
	}
	if arg.CreatedAt.IsZero() {
		arg.CreatedAt = time.Now().UTC()
	}
	if arg.State == "" {
		arg.State = db.StateReady
	}
	if _, err := s.coll.InsertOne(ctx, toDocument(arg)); err != nil {
		return db.Record{}, err
	}
	return arg, nil
}

func (s *Store) ClaimNextRecord(ctx context.Context, arg db.ClaimNextRecordParams) (db.Record, error) {
	filter := bson.M{
		"state": bson.M{"$in": bson.A{db.StateReady, db.StateRetry}},
		"$or": bson.A{
			bson.M{"last_operated_at": nil},
			bson.M{"last_operated_at": bson.M{"$lte": arg.EligibleBefore}},
		},
	}
	update := bson.M{"$set": bson.M{
		"state":            db.StateProcessing,
		"last_operated_at": arg.Now,
	}}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "created_at", Value: 1}}).
		SetReturnDocument(options.Before)

	var doc recordDocument
	if err := s.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return db.Record{}, db.ErrNoRecord
		}
		return db.Record{}, err
	}
	return doc.toRecord()
}

func (s *Store) UpdateRecordState(ctx context.Context, arg db.UpdateRecordStateParams) error {
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": arg.ID.String()},
		bson.M{"$set": bson.M{"state": arg.State}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return db.ErrNoRecord
	}
	return nil
}

// progressModels updates the entry in place when present and appends it
// otherwise. Exactly one of the two filters can match.
func progressModels(recordID uuid.UUID, p db.SubscriberProgress) []mongo.WriteModel {
	id := recordID.String()
	return []mongo.WriteModel{
		mongo.NewUpdateOneModel().
			SetFilter(bson.M{"_id": id, "subscribers.subscriber_id": p.SubscriberID}).
			SetUpdate(bson.M{"$set": bson.M{"subscribers.$": p}}),
		mongo.NewUpdateOneModel().
			SetFilter(bson.M{"_id": id, "subscribers.subscriber_id": bson.M{"$ne": p.SubscriberID}}).
			SetUpdate(bson.M{"$push": bson.M{"subscribers": p}}),
	}
}

func (s *Store) writeProgress(ctx context.Context, recordID uuid.UUID, subscribers []db.SubscriberProgress) error {
	if len(subscribers) == 0 {
		return nil
	}
	var models []mongo.WriteModel
	for _, p := range subscribers {
		models = append(models, progressModels(recordID, p)...)
	}
	_, err := s.coll.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(true))
	return err
}

func (s *Store) SaveSubscriberProgress(ctx context.Context, arg db.SaveSubscriberProgressParams) error {
	return s.writeProgress(ctx, arg.RecordID, arg.Subscribers)
}

func (s *Store) UpsertSubscriberProgress(ctx context.Context, arg db.UpsertSubscriberProgressParams) error {
	return s.writeProgress(ctx, arg.RecordID, []db.SubscriberProgress{arg.Subscriber})
}

func (s *Store) GetRecordByID(ctx context.Context, id uuid.UUID) (db.Record, error) {
	var doc recordDocument
	if err := s.coll.FindOne(ctx, bson.M{"_id": id.String()}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return db.Record{}, db.ErrNoRecord
		}
		return db.Record{}, err
	}
	return doc.toRecord()
}

func (s *Store) ListRecords(ctx context.Context, arg db.ListRecordsParams) ([]db.Record, error) {
	filter := bson.M{}
	if arg.State != "" {
		filter["state"] = arg.State
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if arg.Limit > 0 {
		opts.SetLimit(int64(arg.Limit))
	}
	cursor, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	var docs []recordDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	items := make([]db.Record, 0, len(docs))
	for _, d := range docs {
		r, err := d.toRecord()
		if err != nil {
			return nil, err
		}
		items = append(items, r)
	}
	return items, nil
}

func (s *Store) ResetStaleProcessing(ctx context.Context, before time.Time) (int64, error) {
	filter := bson.M{
		"state":            db.StateProcessing,
		"last_operated_at": bson.M{"$lt": before},
	}
	update := bson.M{"$set": bson.M{
		"state":                          db.StateRetry,
		"subscribers.$[exhausted].state": db.StateFail,
		"subscribers.$[retryable].state": db.StateRetry,
	}}
	opts := options.UpdateMany().SetArrayFilters([]any{
		bson.M{"exhausted.state": db.StateProcessing, "exhausted.remaining_attempts": 0},
		bson.M{"retryable.state": db.StateProcessing, "retryable.remaining_attempts": bson.M{"$ne": 0}},
	})
	res, err := s.coll.UpdateMany(ctx, filter, update, opts)
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}
