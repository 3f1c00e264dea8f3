package api

import (
	"net/http"

	"github.com/sweater-ventures/brainfreeze/app"
	"github.com/sweater-ventures/brainfreeze/config"
)

func init() {
	registerRoute(func(app *app.Application, router *http.ServeMux) {
		router.Handle("GET /version", routeHandler(app, versionApiHandler))
	})
}

type VersionResponse struct {
	App     string `json:"app"`
	Version string `json:"version"`
}

func versionApiHandler(broker *app.Application, w http.ResponseWriter, r *http.Request) {
	writeJsonResponse(w, http.StatusOK, VersionResponse{
		App:     "brainfreeze",
		Version: config.Version,
	})
}
