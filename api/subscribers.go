package api

import (
	"net/http"

	"github.com/sweater-ventures/brainfreeze/app"
)

func init() {
	registerRoute(func(broker *app.Application, router *http.ServeMux) {
		router.Handle("GET /subscribers", routeHandler(broker, listSubscribersHandler))
		router.Handle("DELETE /subscribers/{event}/{id}", routeHandler(broker, deleteSubscriberHandler))
	})
}

type SubscribersResponse struct {
	Ready       bool                 `json:"ready"`
	Subscribers []app.SubscriberInfo `json:"subscribers"`
}

func listSubscribersHandler(broker *app.Application, w http.ResponseWriter, r *http.Request) {
	infos := broker.Manager.Subscribers()
	if infos == nil {
		infos = []app.SubscriberInfo{}
	}
	if event := r.URL.Query().Get("event"); event != "" {
		filtered := []app.SubscriberInfo{}
		for _, info := range infos {
			if info.EventName == event {
				filtered = append(filtered, info)
			}
		}
		infos = filtered
	}
	writeJsonResponse(w, http.StatusOK, SubscribersResponse{
		Ready:       broker.Manager.Ready(),
		Subscribers: infos,
	})
}

// deleteSubscriberHandler drops a live handle and closes its connection.
func deleteSubscriberHandler(broker *app.Application, w http.ResponseWriter, r *http.Request) {
	event, id := r.PathValue("event"), r.PathValue("id")
	found := false
	for _, info := range broker.Manager.Subscribers() {
		if info.EventName == event && info.SubscriberID == id {
			found = true
			break
		}
	}
	if !found {
		writeJsonResponse(w, http.StatusNotFound, map[string]string{"error": "subscriber not found"})
		return
	}

	broker.Manager.Unsubscribe(event, id)
	log(r.Context()).Info("Subscriber removed", "event", event, "subscriber_id", id)
	w.WriteHeader(http.StatusNoContent)
}
