package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/znz-systems/quarantined/internal/mailview"
)

// SelfServiceHandler lets recipients act on a message with the secret id
// they were mailed, without an account.
type SelfServiceHandler struct {
	listings Listings
	actions  Actions
}

func NewSelfServiceHandler(listings Listings, acts Actions) *SelfServiceHandler {
	return &SelfServiceHandler{listings: listings, actions: acts}
}

type capability struct {
	mailID, rcpt, secretID string
}

func readCapability(r *http.Request) capability {
	return capability{
		mailID:   chi.URLParam(r, "mailID"),
		rcpt:     r.FormValue("rcpt"),
		secretID: r.FormValue("secret_id"),
	}
}

// HandleShow renders the message.
func (h *SelfServiceHandler) HandleShow(w http.ResponseWriter, r *http.Request) {
	c := readCapability(r)
	if err := h.actions.SelfServiceCheck(r.Context(), c.mailID, c.rcpt, c.secretID); err != nil {
		writeError(w, r, err)
		return
	}
	content, err := h.listings.MailContent(r.Context(), c.mailID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	email, err := mailview.Parse(content)
	if err != nil {
		writeError(w, r, err)
		return
	}
	hv := email.RenderHeaders()
	writeJSON(w, http.StatusOK, messageView{
		MailID:  c.mailID,
		Rcpt:    c.rcpt,
		QType:   hv.QType,
		QReason: hv.QReason,
		Headers: hv.Headers,
		Body:    email.Body(bodyFormat(r)),
	})
}

// HandleRelease releases the message, or requests its release.
func (h *SelfServiceHandler) HandleRelease(w http.ResponseWriter, r *http.Request) {
	c := readCapability(r)
	out, err := h.actions.SelfServiceRelease(r.Context(), c.mailID, c.rcpt, c.secretID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOutcome(w, out)
}

// HandleDelete deletes the message.
func (h *SelfServiceHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	c := readCapability(r)
	out, err := h.actions.SelfServiceDelete(r.Context(), c.mailID, c.rcpt, c.secretID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOutcome(w, out)
}
