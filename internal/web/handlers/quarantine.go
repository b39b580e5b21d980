package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/znz-systems/quarantined/internal/actions"
	"github.com/znz-systems/quarantined/internal/learning"
	"github.com/znz-systems/quarantined/internal/metrics"
	"github.com/znz-systems/quarantined/internal/models"
	"github.com/znz-systems/quarantined/internal/quarantine"
	"github.com/znz-systems/quarantined/internal/web/middleware"
)

// Bulk actions accepted by HandleProcess and the per-message routes.
const (
	ActionDelete  = "delete"
	ActionRelease = "release"
	ActionSpam    = "spam"
	ActionHam     = "ham"
)

// QuarantineHandler serves the authenticated quarantine API.
type QuarantineHandler struct {
	listings Listings
	actions  Actions
	queue    LearningQueue
}

// NewQuarantineHandler creates a QuarantineHandler. A nil queue runs
// learning inline.
func NewQuarantineHandler(listings Listings, acts Actions, queue LearningQueue) *QuarantineHandler {
	return &QuarantineHandler{listings: listings, actions: acts, queue: queue}
}

// HandleList returns one listing page.
//
// Query parameters: pattern, criteria, msgtype, order (or sort_order),
// page, viewrequests.
func (h *QuarantineHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	id := middleware.IdentityFromContext(r.Context())

	q, err := quarantine.ParseQuery(r.URL.Query())
	if err != nil {
		writeError(w, r, err)
		return
	}

	start := time.Now()
	listing, err := h.listings.List(r.Context(), id, q)
	metrics.ListingDuration.Observe(time.Since(start).Seconds())
	if errors.Is(err, quarantine.ErrEmptyQuarantine) {
		writeJSON(w, http.StatusOK, quarantine.Listing{Pages: []int{}, Rows: []models.Summary{}})
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

// HandlePendingCount returns the number of pending release requests the
// caller can see.
func (h *QuarantineHandler) HandlePendingCount(w http.ResponseWriter, r *http.Request) {
	id := middleware.IdentityFromContext(r.Context())
	n, err := h.listings.PendingRequestCount(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

// HandleProcess applies action to a selection.
//
// Expected form fields:
//
//	action     (required: delete, release, spam or ham)
//	selection  (required, repeated: "rcpt mailid")
//	rcpt_db    (optional: global, domain or user)
func (h *QuarantineHandler) HandleProcess(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, jsonResponse{Error: "invalid form data"})
		return
	}
	items, err := actions.ParseSelection(r.Form["selection"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.apply(w, r, r.FormValue("action"), items)
}

func (h *QuarantineHandler) apply(w http.ResponseWriter, r *http.Request, action string, items []actions.Item) {
	ctx := r.Context()
	id := middleware.IdentityFromContext(ctx)

	var (
		out *actions.Outcome
		err error
	)
	switch action {
	case ActionDelete:
		out, err = h.actions.Delete(ctx, id, items)
	case ActionRelease:
		out, err = h.actions.Release(ctx, id, items)
	case ActionSpam, ActionHam:
		h.learn(w, r, id, learning.Kind(action), items)
		return
	default:
		writeJSON(w, http.StatusBadRequest, jsonResponse{Error: "unknown action"})
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOutcome(w, out)
}

func (h *QuarantineHandler) learn(w http.ResponseWriter, r *http.Request, id *models.Identity, kind learning.Kind, items []actions.Item) {
	var scope learning.Scope
	if raw := r.FormValue("rcpt_db"); raw != "" {
		s, err := learning.ParseScope(raw)
		if err != nil {
			writeError(w, r, err)
			return
		}
		scope = s
	}

	if h.queue != nil && h.actions.ManualLearningEnabled(id) {
		jobID, err := h.queue.Enqueue(r.Context(), id.Email, kind, items, scope)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"ok":      true,
			"message": "Learning scheduled",
			"job_id":  jobID,
		})
		return
	}

	out, err := h.actions.Mark(r.Context(), id, kind, items, scope)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOutcome(w, out)
}
