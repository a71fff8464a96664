package handlers

import (
	"context"
	"net/http"

	ghandlers "github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/maneesh/hookdrive/internal/transfer"
)

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RouterConfig holds what the HTTP surface needs.
type RouterConfig struct {
	Service  *transfer.Service
	Webhooks WebhookStore
	DB       Pinger
	SpoolDir string

	// AllowedOrigins enables CORS when set.
	AllowedOrigins []string
}

// NewRouter wires every route. Each route gets its own server span.
func NewRouter(cfg RouterConfig) http.Handler {
	files := NewFilesHandler(cfg.Service)
	hooks := NewWebhooksHandler(cfg.Webhooks)

	router := mux.NewRouter()

	router.HandleFunc("/health", health(cfg.DB)).Methods(http.MethodGet)

	route := func(method, path string, h http.Handler) {
		router.Handle(path, otelhttp.NewHandler(h, method+" "+path)).Methods(method)
	}
	route(http.MethodPut, "/write", NewWriteHandler(cfg.Service, cfg.SpoolDir))
	route(http.MethodGet, "/read/{file_id}", NewReadHandler(cfg.Service))

	route(http.MethodGet, "/files", http.HandlerFunc(files.List))
	route(http.MethodGet, "/files/{file_id}", http.HandlerFunc(files.Get))
	route(http.MethodPatch, "/files/{file_id}", http.HandlerFunc(files.Rename))
	route(http.MethodDelete, "/files/{file_id}", http.HandlerFunc(files.Delete))
	route(http.MethodPost, "/files/{file_id}/export", http.HandlerFunc(files.Export))

	route(http.MethodGet, "/webhooks", http.HandlerFunc(hooks.List))
	route(http.MethodPost, "/webhooks", http.HandlerFunc(hooks.Add))
	route(http.MethodDelete, "/webhooks/{id}", http.HandlerFunc(hooks.Delete))

	route(http.MethodDelete, "/transfers/{file_id}", CancelHandler(cfg.Service))

	// websocket upgrades need the raw ResponseWriter
	router.Handle("/events/{file_id}", NewEventsHandler(cfg.Service)).Methods(http.MethodGet)

	if len(cfg.AllowedOrigins) == 0 {
		return router
	}
	cors := ghandlers.CORS(
		ghandlers.AllowedOrigins(cfg.AllowedOrigins),
		ghandlers.AllowedMethods([]string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}),
		ghandlers.AllowedHeaders([]string{"Content-Type", "X-Requested-With"}),
	)
	return cors(router)
}

func health(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if db != nil {
			if err := db.Ping(r.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: err.Error()})
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}
}
