package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/znz-systems/quarantined/internal/directory"
)

const maxEventBytes int64 = 64 * 1024

type EventSink interface {
	HandleEvent(ctx context.Context, e directory.Event) error
}

// EventsHandler receives admin directory lifecycle events.
type EventsHandler struct {
	sink     EventSink
	apiToken string
}

func NewEventsHandler(sink EventSink, apiToken string) *EventsHandler {
	return &EventsHandler{sink: sink, apiToken: strings.TrimSpace(apiToken)}
}

func (h *EventsHandler) HandleEvent(w http.ResponseWriter, r *http.Request) {
	if h.apiToken == "" {
		writeJSON(w, http.StatusServiceUnavailable, jsonResponse{Error: "events api is not configured"})
		return
	}
	if !validBearerToken(r.Header.Get("Authorization"), h.apiToken) {
		writeJSON(w, http.StatusUnauthorized, jsonResponse{Error: "unauthorized"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxEventBytes)
	var e directory.Event
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSON(w, http.StatusRequestEntityTooLarge, jsonResponse{Error: "payload too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, jsonResponse{Error: "invalid JSON payload"})
		return
	}

	if err := h.sink.HandleEvent(r.Context(), e); err != nil {
		if errors.Is(err, directory.ErrInvalidEvent) {
			writeJSON(w, http.StatusBadRequest, jsonResponse{Error: err.Error()})
			return
		}
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jsonResponse{OK: true})
}

func validBearerToken(headerValue, expected string) bool {
	headerValue = strings.TrimSpace(headerValue)
	if headerValue == "" {
		return false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(headerValue, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(headerValue, prefix))
	return token != "" && token == expected
}
