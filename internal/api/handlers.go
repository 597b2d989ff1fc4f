package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/denis-tsv/ExactlyOnce/internal/domain/event"
	"github.com/denis-tsv/ExactlyOnce/internal/usecase"
)

type Publisher interface {
	Execute(ctx context.Context, msgs []event.Message) ([]usecase.Published, error)
}

type CursorLister interface {
	Execute(ctx context.Context) ([]usecase.CursorDTO, error)
}

type Handlers struct {
	publishUC     Publisher
	listCursorsUC CursorLister
	logger        *slog.Logger
}

func NewHandlers(publishUC Publisher, listCursorsUC CursorLister, logger *slog.Logger) *Handlers {
	return &Handlers{
		publishUC:     publishUC,
		listCursorsUC: listCursorsUC,
		logger:        logger,
	}
}

func (h *Handlers) PublishMessages(w http.ResponseWriter, r *http.Request) {
	var req []event.Message
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	published, err := h.publishUC.Execute(r.Context(), req)
	if err != nil {
		if errors.Is(err, usecase.ErrInvalidMessage) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.logger.Error("failed to publish messages", "error", err, "count", len(req))
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]any{
		"status":   "PUBLISHED",
		"messages": published,
	})
}

func (h *Handlers) ListCursors(w http.ResponseWriter, r *http.Request) {
	cursors, err := h.listCursorsUC.Execute(r.Context())
	if err != nil {
		h.logger.Error("failed to list cursors", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	json.NewEncoder(w).Encode(cursors)
}
