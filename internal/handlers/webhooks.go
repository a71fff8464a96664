package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/maneesh/hookdrive/internal/models"
)

// WebhookStore keeps the registered upload endpoints.
type WebhookStore interface {
	AddWebhooks(ctx context.Context, urls []string) ([]models.Webhook, error)
	ListWebhooks(ctx context.Context) ([]models.Webhook, error)
	DeleteWebhook(ctx context.Context, id string) error
}

// WebhooksHandler registers and removes upload endpoints.
type WebhooksHandler struct {
	store WebhookStore
	l     *log.Entry
}

func NewWebhooksHandler(store WebhookStore) *WebhooksHandler {
	return &WebhooksHandler{store: store, l: log.WithField("component", "webhooks")}
}

type addWebhooksRequest struct {
	URLs []string `json:"urls"`
}

// List handles GET /webhooks
func (wh *WebhooksHandler) List(w http.ResponseWriter, r *http.Request) {
	hooks, err := wh.store.ListWebhooks(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if hooks == nil {
		hooks = []models.Webhook{}
	}
	writeJSON(w, http.StatusOK, hooks)
}

// Add handles POST /webhooks
func (wh *WebhooksHandler) Add(w http.ResponseWriter, r *http.Request) {
	var req addWebhooksRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid json body")
		return
	}
	if len(req.URLs) == 0 {
		badRequest(w, "no urls given")
		return
	}
	for _, raw := range req.URLs {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			badRequest(w, "invalid webhook url: "+raw)
			return
		}
	}

	hooks, err := wh.store.AddWebhooks(r.Context(), req.URLs)
	if err != nil {
		writeError(w, err)
		return
	}
	wh.l.WithField("count", len(hooks)).Info("webhooks registered")
	writeJSON(w, http.StatusCreated, hooks)
}

// Delete handles DELETE /webhooks/{id}
func (wh *WebhooksHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := wh.store.DeleteWebhook(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
