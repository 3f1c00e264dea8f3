package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/sweater-ventures/brainfreeze/app"
)

const streamKeepAlive = 30 * time.Second

func init() {
	registerRoute(func(broker *app.Application, router *http.ServeMux) {
		router.Handle("GET /stream", routeHandler(broker, streamHandler))
	})
}

// streamHandler relays EventBus messages as Server-Sent Events. The optional
// event query parameter restricts the stream to one event name.
func streamHandler(broker *app.Application, w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJsonResponse(w, http.StatusInternalServerError, map[string]string{"error": "Streaming unsupported"})
		return
	}
	eventFilter := r.URL.Query().Get("event")

	messages, unsubscribe := broker.EventBus.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if _, err := fmt.Fprint(w, ": connected\n\n"); err != nil {
		return
	}
	flusher.Flush()

	keepAlive := time.NewTicker(streamKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case msg := <-messages:
			if eventFilter != "" && msg.EventName != eventFilter {
				continue
			}
			data, err := json.Marshal(msg)
			if err != nil {
				log(r.Context()).Error("Failed to encode bus message", "error", err)
				continue
			}
			_, err = fmt.Fprintf(w, "event: %s\nid: %s\ndata: %s\n\n", msg.Type, strconv.FormatUint(msg.ID, 10), data)
			if err != nil {
				log(r.Context()).Debug("Stream client went away", "error", err)
				return
			}
			flusher.Flush()
			keepAlive.Reset(streamKeepAlive)
		}
	}
}
