package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/znz-systems/quarantined/internal/actions"
	"github.com/znz-systems/quarantined/internal/mailview"
	"github.com/znz-systems/quarantined/internal/web/middleware"
)

// messageView is the JSON rendering of one quarantined message.
type messageView struct {
	MailID   string            `json:"mail_id"`
	Rcpt     string            `json:"rcpt"`
	QType    string            `json:"qtype,omitempty"`
	QReason  string            `json:"qreason,omitempty"`
	Headers  []mailview.Header `json:"headers"`
	Body     string            `json:"body"`
	CanLearn bool              `json:"can_learn"`
}

func bodyFormat(r *http.Request) string {
	if r.URL.Query().Get("mode") == mailview.FormatHTML {
		return mailview.FormatHTML
	}
	return mailview.FormatPlain
}

// readMessage loads and parses mailID after checking that the caller may
// read mail of rcpt.
func (h *QuarantineHandler) readMessage(w http.ResponseWriter, r *http.Request) (*mailview.Email, string, string, bool) {
	id := middleware.IdentityFromContext(r.Context())
	mailID := chi.URLParam(r, "mailID")
	rcpt := r.URL.Query().Get("rcpt")
	if rcpt == "" {
		writeJSON(w, http.StatusBadRequest, jsonResponse{Error: "rcpt is required"})
		return nil, "", "", false
	}
	if !id.CanAccess(rcpt) {
		writeJSON(w, http.StatusForbidden, jsonResponse{Error: "forbidden"})
		return nil, "", "", false
	}

	content, err := h.listings.MailContent(r.Context(), mailID)
	if err != nil {
		writeError(w, r, err)
		return nil, "", "", false
	}
	email, err := mailview.Parse(content)
	if err != nil {
		writeError(w, r, err)
		return nil, "", "", false
	}
	return email, mailID, rcpt, true
}

// HandleShowMessage renders a quarantined message and flags it as viewed
// when it is addressed to the caller.
func (h *QuarantineHandler) HandleShowMessage(w http.ResponseWriter, r *http.Request) {
	email, mailID, rcpt, ok := h.readMessage(w, r)
	if !ok {
		return
	}
	id := middleware.IdentityFromContext(r.Context())
	if _, err := h.listings.MarkViewed(r.Context(), id, rcpt, mailID); err != nil {
		writeError(w, r, err)
		return
	}

	hv := email.RenderHeaders()
	writeJSON(w, http.StatusOK, messageView{
		MailID:   mailID,
		Rcpt:     rcpt,
		QType:    hv.QType,
		QReason:  hv.QReason,
		Headers:  hv.Headers,
		Body:     email.Body(bodyFormat(r)),
		CanLearn: h.actions.ManualLearningEnabled(id),
	})
}

// HandleShowHeaders returns every header of a quarantined message.
func (h *QuarantineHandler) HandleShowHeaders(w http.ResponseWriter, r *http.Request) {
	email, _, _, ok := h.readMessage(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string][]mailview.Header{"headers": email.Headers()})
}

// HandleMarkViewed flags a message addressed to the caller as viewed.
func (h *QuarantineHandler) HandleMarkViewed(w http.ResponseWriter, r *http.Request) {
	id := middleware.IdentityFromContext(r.Context())
	changed, err := h.listings.MarkViewed(r.Context(), id, r.FormValue("rcpt"), chi.URLParam(r, "mailID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true, "changed": changed})
}

// HandleMessageAction applies the {action} route parameter to one message.
//
// Expected form fields:
//
//	rcpt     (required)
//	rcpt_db  (optional, learning actions only)
func (h *QuarantineHandler) HandleMessageAction(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, jsonResponse{Error: "invalid form data"})
		return
	}
	items, err := actions.SingleSelection(chi.URLParam(r, "mailID"), r.FormValue("rcpt"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.apply(w, r, chi.URLParam(r, "action"), items)
}
