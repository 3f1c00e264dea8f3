package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

// subscribersJSON aggregates a record's progress entries in insertion order.
const subscribersJSON = `COALESCE((
    SELECT jsonb_agg(jsonb_build_object(
        'subscriber_id', rs.subscriber_id,
        'remaining_attempts', rs.remaining_attempts,
        'state', rs.state,
        'last_operated_at', rs.last_operated_at
    ) ORDER BY rs.seq)
    FROM record_subscribers rs
    WHERE rs.record_id = %[1]s.id
), '[]'::jsonb)`

var recordColumns = `%[1]s.id, %[1]s.request_id, %[1]s.sender_id, %[1]s.event_name, %[1]s.args,
    %[1]s.timeout_ms, %[1]s.try_times, %[1]s.state, %[1]s.created_at, %[1]s.last_operated_at, ` + subscribersJSON

func selectRecordColumns(alias string) string {
	return fmt.Sprintf(recordColumns, alias)
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		i              Record
		id             pgtype.UUID
		timeoutMs      int64
		tryTimes       int32
		state          string
		createdAt      pgtype.Timestamptz
		lastOperatedAt pgtype.Timestamptz
		args           []byte
		subscribers    []byte
	)
	err := row.Scan(
		&id,
		&i.RequestID,
		&i.SenderID,
		&i.EventName,
		&args,
		&timeoutMs,
		&tryTimes,
		&state,
		&createdAt,
		&lastOperatedAt,
		&subscribers,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNoRecord
		}
		return Record{}, err
	}
	i.ID = id.Bytes
	if len(args) > 0 {
		i.Args = args
	}
	i.Timeout = time.Duration(timeoutMs) * time.Millisecond
	i.TryTimes = int(tryTimes)
	i.State = State(state)
	i.CreatedAt = createdAt.Time.UTC()
	i.LastOperatedAt = fromPgTimestamp(lastOperatedAt)
	if err := json.Unmarshal(subscribers, &i.Subscribers); err != nil {
		return Record{}, fmt.Errorf("decoding subscribers for record %s: %w", i.ID, err)
	}
	return i, nil
}

type progressArrays struct {
	subscriberIDs  []string
	remaining      []int32
	states         []string
	lastOperatedAt []pgtype.Timestamptz
}

func toProgressArrays(subscribers []SubscriberProgress) progressArrays {
	a := progressArrays{
		subscriberIDs:  make([]string, 0, len(subscribers)),
		remaining:      make([]int32, 0, len(subscribers)),
		states:         make([]string, 0, len(subscribers)),
		lastOperatedAt: make([]pgtype.Timestamptz, 0, len(subscribers)),
	}
	for _, s := range subscribers {
		a.subscriberIDs = append(a.subscriberIDs, s.SubscriberID)
		a.remaining = append(a.remaining, int32(s.RemainingAttempts))
		a.states = append(a.states, string(s.State))
		a.lastOperatedAt = append(a.lastOperatedAt, toPgTimestamp(s.LastOperatedAt))
	}
	return a
}

const insertRecord = `-- name: InsertRecord :exec
WITH rec AS (
    INSERT INTO records (id, request_id, sender_id, event_name, args, timeout_ms, try_times, state, created_at)
    VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
    RETURNING id
)
INSERT INTO record_subscribers (record_id, subscriber_id, remaining_attempts, state, last_operated_at)
SELECT rec.id, s.subscriber_id, s.remaining_attempts, s.state, s.last_operated_at
FROM rec, unnest($10::text[], $11::int[], $12::text[], $13::timestamptz[])
    AS s(subscriber_id, remaining_attempts, state, last_operated_at)
`

func (q *Queries) InsertRecord(ctx context.Context, arg Record) (Record, error) {
	if arg.ID == uuid.Nil {
		arg.ID = uuid.Must(uuid.NewV7())
	}
	if arg.CreatedAt.IsZero() {
		arg.CreatedAt = time.Now().UTC()
	}
	var args []byte
	if len(arg.Args) > 0 {
		args = arg.Args
	}
	p := toProgressArrays(arg.Subscribers)
	_, err := q.db.Exec(ctx, insertRecord,
		toPgUUID(arg.ID),
		arg.RequestID,
		arg.SenderID,
		arg.EventName,
		args,
		arg.Timeout.Milliseconds(),
		int32(arg.TryTimes),
		string(arg.State),
		pgtype.Timestamptz{Time: arg.CreatedAt, Valid: true},
		p.subscriberIDs,
		p.remaining,
		p.states,
		p.lastOperatedAt,
	)
	if err != nil {
		return Record{}, err
	}
	return arg, nil
}

// FOR UPDATE SKIP LOCKED keeps concurrent claimers off the same row; the
// RETURNING list reads from the CTE so the caller sees pre-update values.
var claimNextRecord = `-- name: ClaimNextRecord :one
WITH next AS (
    SELECT id, request_id, sender_id, event_name, args, timeout_ms, try_times, state, created_at, last_operated_at
    FROM records
    WHERE state IN ('READY', 'RETRY')
      AND (last_operated_at IS NULL OR last_operated_at <= $2)
    ORDER BY created_at
    LIMIT 1
    FOR UPDATE SKIP LOCKED
)
UPDATE records r
SET state = 'PROCESSING', last_operated_at = $1
FROM next
WHERE r.id = next.id
RETURNING ` + selectRecordColumns("next")

func (q *Queries) ClaimNextRecord(ctx context.Context, arg ClaimNextRecordParams) (Record, error) {
	row := q.db.QueryRow(ctx, claimNextRecord,
		pgtype.Timestamptz{Time: arg.Now.UTC(), Valid: true},
		pgtype.Timestamptz{Time: arg.EligibleBefore.UTC(), Valid: true},
	)
	return scanRecord(row)
}

const updateRecordState = `-- name: UpdateRecordState :exec
UPDATE records SET state = $2 WHERE id = $1
`

func (q *Queries) UpdateRecordState(ctx context.Context, arg UpdateRecordStateParams) error {
	tag, err := q.db.Exec(ctx, updateRecordState, toPgUUID(arg.ID), string(arg.State))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNoRecord
	}
	return nil
}

const saveSubscriberProgress = `-- name: SaveSubscriberProgress :exec
INSERT INTO record_subscribers (record_id, subscriber_id, remaining_attempts, state, last_operated_at)
SELECT $1, s.subscriber_id, s.remaining_attempts, s.state, s.last_operated_at
FROM unnest($2::text[], $3::int[], $4::text[], $5::timestamptz[])
    AS s(subscriber_id, remaining_attempts, state, last_operated_at)
ON CONFLICT (record_id, subscriber_id) DO UPDATE
SET remaining_attempts = EXCLUDED.remaining_attempts,
    state = EXCLUDED.state,
    last_operated_at = EXCLUDED.last_operated_at
`

func (q *Queries) SaveSubscriberProgress(ctx context.Context, arg SaveSubscriberProgressParams) error {
	if len(arg.Subscribers) == 0 {
		return nil
	}
	p := toProgressArrays(arg.Subscribers)
	_, err := q.db.Exec(ctx, saveSubscriberProgress,
		toPgUUID(arg.RecordID),
		p.subscriberIDs,
		p.remaining,
		p.states,
		p.lastOperatedAt,
	)
	return err
}

const upsertSubscriberProgress = `-- name: UpsertSubscriberProgress :exec
INSERT INTO record_subscribers (record_id, subscriber_id, remaining_attempts, state, last_operated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (record_id, subscriber_id) DO UPDATE
SET remaining_attempts = EXCLUDED.remaining_attempts,
    state = EXCLUDED.state,
    last_operated_at = EXCLUDED.last_operated_at
`

func (q *Queries) UpsertSubscriberProgress(ctx context.Context, arg UpsertSubscriberProgressParams) error {
	s := arg.Subscriber
	_, err := q.db.Exec(ctx, upsertSubscriberProgress,
		toPgUUID(arg.RecordID),
		s.SubscriberID,
		int32(s.RemainingAttempts),
		string(s.State),
		toPgTimestamp(s.LastOperatedAt),
	)
	return err
}

var getRecordByID = `-- name: GetRecordByID :one
SELECT ` + selectRecordColumns("r") + `
FROM records r
WHERE r.id = $1
`

func (q *Queries) GetRecordByID(ctx context.Context, id uuid.UUID) (Record, error) {
	return scanRecord(q.db.QueryRow(ctx, getRecordByID, toPgUUID(id)))
}

var listRecords = `-- name: ListRecords :many
SELECT ` + selectRecordColumns("r") + `
FROM records r
WHERE ($1::text = '' OR r.state = $1)
ORDER BY r.created_at DESC
LIMIT $2
`

func (q *Queries) ListRecords(ctx context.Context, arg ListRecordsParams) ([]Record, error) {
	rows, err := q.db.Query(ctx, listRecords, string(arg.State), arg.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Record
	for rows.Next() {
		i, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const resetStaleProcessing = `-- name: ResetStaleProcessing :one
WITH stale AS (
    UPDATE records
    SET state = 'RETRY'
    WHERE state = 'PROCESSING' AND last_operated_at < $1
    RETURNING id
), subs AS (
    UPDATE record_subscribers rs
    SET state = CASE WHEN rs.remaining_attempts = 0 THEN 'FAIL' ELSE 'RETRY' END
    FROM stale
    WHERE rs.record_id = stale.id AND rs.state = 'PROCESSING'
    RETURNING rs.record_id
)
SELECT count(*) FROM stale
`

func (q *Queries) ResetStaleProcessing(ctx context.Context, before time.Time) (int64, error) {
	var count int64
	err := q.db.QueryRow(ctx, resetStaleProcessing, pgtype.Timestamptz{Time: before.UTC(), Valid: true}).Scan(&count)
	return count, err
}
