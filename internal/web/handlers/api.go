package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/znz-systems/quarantined/internal/actions"
	"github.com/znz-systems/quarantined/internal/learning"
	"github.com/znz-systems/quarantined/internal/models"
	"github.com/znz-systems/quarantined/internal/pdp"
	"github.com/znz-systems/quarantined/internal/quarantine"
	"github.com/znz-systems/quarantined/internal/store"
)

// Listings is the read side of the quarantine.
type Listings interface {
	List(ctx context.Context, id *models.Identity, q quarantine.Query) (*quarantine.Listing, error)
	PendingRequestCount(ctx context.Context, id *models.Identity) (int, error)
	MarkViewed(ctx context.Context, id *models.Identity, rcpt, mailID string) (bool, error)
	MailContent(ctx context.Context, mailID string) (string, error)
}

// Actions mutates recipient statuses.
type Actions interface {
	Delete(ctx context.Context, id *models.Identity, items []actions.Item) (*actions.Outcome, error)
	Release(ctx context.Context, id *models.Identity, items []actions.Item) (*actions.Outcome, error)
	Mark(ctx context.Context, id *models.Identity, kind learning.Kind, items []actions.Item, scope learning.Scope) (*actions.Outcome, error)
	ManualLearningEnabled(id *models.Identity) bool

	SelfServiceCheck(ctx context.Context, mailID, rcpt, secretID string) error
	SelfServiceRelease(ctx context.Context, mailID, rcpt, secretID string) (*actions.Outcome, error)
	SelfServiceDelete(ctx context.Context, mailID, rcpt, secretID string) (*actions.Outcome, error)
}

// LearningQueue schedules marking batches for the worker.
type LearningQueue interface {
	Enqueue(ctx context.Context, accountEmail string, kind learning.Kind, items []actions.Item, scope learning.Scope) (string, error)
}

// jsonResponse is the envelope for all API JSON responses.
type jsonResponse struct {
	OK      bool   `json:"ok,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// writeJSON serialises v as JSON and writes it to w with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}

// writeError maps service errors onto HTTP statuses.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, quarantine.ErrBadQuery),
		errors.Is(err, quarantine.ErrInvalidSortKey),
		errors.Is(err, actions.ErrBadRequest),
		errors.Is(err, learning.ErrInvalidScope):
		writeJSON(w, http.StatusBadRequest, jsonResponse{Error: err.Error()})
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, quarantine.ErrPageOutOfRange),
		errors.Is(err, actions.ErrSelfServiceDisabled):
		writeJSON(w, http.StatusNotFound, jsonResponse{Error: err.Error()})
	case errors.Is(err, store.ErrTerminalStatus):
		writeJSON(w, http.StatusConflict, jsonResponse{Error: err.Error()})
	case errors.Is(err, pdp.ErrConnect), errors.Is(err, learning.ErrBinaryNotFound):
		slog.Error("external tool unavailable", "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusBadGateway, jsonResponse{Error: err.Error()})
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, jsonResponse{Error: "internal server error"})
	}
}

// writeOutcome reports a batch summary. A batch stopped by amavis or the
// classifier is a gateway failure.
func writeOutcome(w http.ResponseWriter, o *actions.Outcome) {
	if !o.OK {
		writeJSON(w, http.StatusBadGateway, jsonResponse{Error: o.Message})
		return
	}
	writeJSON(w, http.StatusOK, jsonResponse{OK: true, Message: o.Message})
}
