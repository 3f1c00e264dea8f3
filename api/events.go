package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sweater-ventures/brainfreeze/app"
	"github.com/sweater-ventures/brainfreeze/db"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func init() {
	registerRoute(func(broker *app.Application, router *http.ServeMux) {
		router.Handle("POST /events", routeHandler(broker, createEventHandler))
		router.Handle("GET /events", routeHandler(broker, listEventsHandler))
		router.Handle("GET /events/{id}", routeHandler(broker, getEventHandler))
	})
}

type RecordResponse struct {
	ID             string                  `json:"id"`
	RequestID      string                  `json:"request_id"`
	SenderID       string                  `json:"sender_id"`
	EventName      string                  `json:"event_name"`
	Args           json.RawMessage         `json:"args,omitempty"`
	TimeoutSeconds float64                 `json:"timeout_seconds"`
	TryTimes       int                     `json:"try_times"`
	State          db.State                `json:"state"`
	CreatedAt      time.Time               `json:"created_at"`
	LastOperatedAt *time.Time              `json:"last_operated_at"`
	Subscribers    []db.SubscriberProgress `json:"subscribers"`
}

func createEventHandler(broker *app.Application, w http.ResponseWriter, r *http.Request) {
	var req app.EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJsonResponse(w, http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
		return
	}

	ack := broker.Manager.Enqueue(r.Context(), req)
	writeJsonResponse(w, ackStatus(ack, http.StatusCreated), ack)
}

func getEventHandler(broker *app.Application, w http.ResponseWriter, r *http.Request) {
	parsed, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeJsonResponse(w, http.StatusBadRequest, map[string]string{"error": "id must be a valid UUID"})
		return
	}

	record, err := broker.DB.GetRecordByID(r.Context(), parsed)
	if err != nil {
		if errors.Is(err, db.ErrNoRecord) {
			writeJsonResponse(w, http.StatusNotFound, map[string]string{"error": "record not found"})
			return
		}
		log(r.Context()).Error("Failed to get record", "error", err)
		writeJsonResponse(w, http.StatusServiceUnavailable, map[string]string{"error": "Failed to retrieve record"})
		return
	}

	writeJsonResponse(w, http.StatusOK, recordToResponse(record))
}

func listEventsHandler(broker *app.Application, w http.ResponseWriter, r *http.Request) {
	params := db.ListRecordsParams{Limit: defaultListLimit}

	if s := r.URL.Query().Get("state"); s != "" {
		state := db.State(strings.ToUpper(s))
		switch state {
		case db.StateReady, db.StateProcessing, db.StateDone, db.StateRetry, db.StateFail:
			params.State = state
		default:
			writeJsonResponse(w, http.StatusBadRequest, map[string]string{"error": "state must be one of READY, PROCESSING, DONE, RETRY, FAIL"})
			return
		}
	}
	if l := r.URL.Query().Get("limit"); l != "" {
		limit, err := strconv.Atoi(l)
		if err != nil || limit <= 0 {
			writeJsonResponse(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		params.Limit = int32(min(limit, maxListLimit))
	}

	records, err := broker.DB.ListRecords(r.Context(), params)
	if err != nil {
		log(r.Context()).Error("Failed to list records", "error", err)
		writeJsonResponse(w, http.StatusServiceUnavailable, map[string]string{"error": "Failed to list records"})
		return
	}

	resp := make([]RecordResponse, 0, len(records))
	for _, record := range records {
		resp = append(resp, recordToResponse(record))
	}
	writeJsonResponse(w, http.StatusOK, resp)
}

// ackStatus maps a request Ack to an HTTP status.
func ackStatus(ack app.Ack, success int) int {
	switch {
	case ack.OK():
		return success
	case ack.Error != nil && ack.Error.Name == app.KeyDatabaseUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

func recordToResponse(r db.Record) RecordResponse {
	subscribers := r.Subscribers
	if subscribers == nil {
		subscribers = []db.SubscriberProgress{}
	}
	return RecordResponse{
		ID:             r.ID.String(),
		RequestID:      r.RequestID,
		SenderID:       r.SenderID,
		EventName:      r.EventName,
		Args:           r.Args,
		TimeoutSeconds: r.Timeout.Seconds(),
		TryTimes:       r.TryTimes,
		State:          r.State,
		CreatedAt:      r.CreatedAt,
		LastOperatedAt: r.LastOperatedAt,
		Subscribers:    subscribers,
	}
}
