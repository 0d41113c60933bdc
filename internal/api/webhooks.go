package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/skuflow/skuflow/internal/model"
	"github.com/skuflow/skuflow/internal/repository"
)

const (
	defaultWebhookTimeout = 30
	maxWebhookTimeout     = 300
	defaultWebhookRetries = 3
	maxWebhookRetries     = 10
)

type webhookRequest struct {
	URL            string            `json:"url"`
	EventKinds     []model.EventKind `json:"event_kinds"`
	Enabled        *bool             `json:"enabled"`
	Secret         *string           `json:"secret"`
	Headers        map[string]string `json:"headers"`
	TimeoutSeconds *int              `json:"timeout"`
	MaxRetries     *int              `json:"retry_count"`
}

func (s *Server) handleWebhookList(w http.ResponseWriter, r *http.Request) {
	var enabled *bool
	if raw := r.URL.Query().Get("enabled"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "enabled must be true or false")
			return
		}
		enabled = &v
	}

	subs, err := s.webhooks.List(r.Context(), enabled)
	if err != nil {
		s.log.Error("list webhooks failed", slog.String("err", err.Error()))
		respondError(w, http.StatusInternalServerError, "failed to list webhooks")
		return
	}
	if subs == nil {
		subs = []*model.Subscription{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"webhooks": subs, "total": len(subs)})
}

func (s *Server) handleWebhookCreate(w http.ResponseWriter, r *http.Request) {
	var req webhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	sub := &model.Subscription{
		URL:            strings.TrimSpace(req.URL),
		EventKinds:     req.EventKinds,
		Enabled:        true,
		Headers:        req.Headers,
		TimeoutSeconds: defaultWebhookTimeout,
		MaxRetries:     defaultWebhookRetries,
	}
	if req.Enabled != nil {
		sub.Enabled = *req.Enabled
	}
	if req.Secret != nil {
		sub.Secret = *req.Secret
	}
	if req.TimeoutSeconds != nil {
		sub.TimeoutSeconds = *req.TimeoutSeconds
	}
	if req.MaxRetries != nil {
		sub.MaxRetries = *req.MaxRetries
	}
	if msg := validateSubscription(sub); msg != "" {
		respondError(w, http.StatusBadRequest, msg)
		return
	}

	if err := s.webhooks.Create(r.Context(), sub); err != nil {
		s.log.Error("create webhook failed", slog.String("err", err.Error()))
		respondError(w, http.StatusInternalServerError, "failed to create webhook")
		return
	}
	respondJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleWebhookGet(w http.ResponseWriter, r *http.Request) {
	sub, err := s.webhooks.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, repository.ErrSubscriptionNotFound) {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		s.log.Error("get webhook failed", slog.String("err", err.Error()))
		respondError(w, http.StatusInternalServerError, "failed to load webhook")
		return
	}
	respondJSON(w, http.StatusOK, sub)
}

func (s *Server) handleWebhookUpdate(w http.ResponseWriter, r *http.Request) {
	sub, err := s.webhooks.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, repository.ErrSubscriptionNotFound) {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		s.log.Error("get webhook failed", slog.String("err", err.Error()))
		respondError(w, http.StatusInternalServerError, "failed to load webhook")
		return
	}

	var req webhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.URL != "" {
		sub.URL = strings.TrimSpace(req.URL)
	}
	if req.EventKinds != nil {
		sub.EventKinds = req.EventKinds
	}
	if req.Enabled != nil {
		sub.Enabled = *req.Enabled
	}
	if req.Secret != nil {
		sub.Secret = *req.Secret
	}
	if req.Headers != nil {
		sub.Headers = req.Headers
	}
	if req.TimeoutSeconds != nil {
		sub.TimeoutSeconds = *req.TimeoutSeconds
	}
	if req.MaxRetries != nil {
		sub.MaxRetries = *req.MaxRetries
	}
	if msg := validateSubscription(sub); msg != "" {
		respondError(w, http.StatusBadRequest, msg)
		return
	}

	if err := s.webhooks.Update(r.Context(), sub); err != nil {
		if errors.Is(err, repository.ErrSubscriptionNotFound) {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		s.log.Error("update webhook failed", slog.String("err", err.Error()))
		respondError(w, http.StatusInternalServerError, "failed to update webhook")
		return
	}
	respondJSON(w, http.StatusOK, sub)
}

func (s *Server) handleWebhookDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.webhooks.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		if errors.Is(err, repository.ErrSubscriptionNotFound) {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		s.log.Error("delete webhook failed", slog.String("err", err.Error()))
		respondError(w, http.StatusInternalServerError, "failed to delete webhook")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleWebhookTest fires a synthetic delivery at the subscription and
// reports the outcome synchronously, retry policy not included.
func (s *Server) handleWebhookTest(w http.ResponseWriter, r *http.Request) {
	sub, err := s.webhooks.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, repository.ErrSubscriptionNotFound) {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		s.log.Error("get webhook failed", slog.String("err", err.Error()))
		respondError(w, http.StatusInternalServerError, "failed to load webhook")
		return
	}

	result, err := s.deliverer.TestDelivery(r.Context(), sub)
	if result == nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status_code": result.StatusCode,
		"latency_ms":  result.Latency.Milliseconds(),
		"success":     err == nil,
	})
}

func validateSubscription(sub *model.Subscription) string {
	if !strings.HasPrefix(sub.URL, "http://") && !strings.HasPrefix(sub.URL, "https://") {
		return "url must start with http:// or https://"
	}
	if len(sub.EventKinds) == 0 {
		return "at least one event kind is required"
	}
	for _, kind := range sub.EventKinds {
		if !model.ValidEventKind(kind) {
			return fmt.Sprintf("unknown event kind %q", kind)
		}
	}
	if sub.TimeoutSeconds < 1 || sub.TimeoutSeconds > maxWebhookTimeout {
		return fmt.Sprintf("timeout must be between 1 and %d seconds", maxWebhookTimeout)
	}
	if sub.MaxRetries < 0 || sub.MaxRetries > maxWebhookRetries {
		return fmt.Sprintf("retry_count must be between 0 and %d", maxWebhookRetries)
	}
	return ""
}
