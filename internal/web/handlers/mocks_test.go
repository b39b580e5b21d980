package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/znz-systems/quarantined/internal/actions"
	"github.com/znz-systems/quarantined/internal/directory"
	"github.com/znz-systems/quarantined/internal/learning"
	"github.com/znz-systems/quarantined/internal/models"
	"github.com/znz-systems/quarantined/internal/quarantine"
	"github.com/znz-systems/quarantined/internal/store"
	"github.com/znz-systems/quarantined/internal/web/middleware"
)

const sampleMessage = "From: spam@evil.test\r\n" +
	"To: user@example.com\r\n" +
	"Subject: Offer\r\n" +
	"X-Amavis-Alert: BANNED, message contains .exe\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"Buy now.\r\n"

type mockListings struct {
	listing  *quarantine.Listing
	listErr  error
	lastQ    quarantine.Query
	pending  int
	contents map[string]string
	viewed   []string
}

func (m *mockListings) List(_ context.Context, _ *models.Identity, q quarantine.Query) (*quarantine.Listing, error) {
	m.lastQ = q
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.listing, nil
}

func (m *mockListings) PendingRequestCount(_ context.Context, _ *models.Identity) (int, error) {
	return m.pending, nil
}

func (m *mockListings) MarkViewed(_ context.Context, id *models.Identity, rcpt, mailID string) (bool, error) {
	if !id.OwnsAddress(rcpt) {
		return false, nil
	}
	m.viewed = append(m.viewed, rcpt+" "+mailID)
	return true, nil
}

func (m *mockListings) MailContent(_ context.Context, mailID string) (string, error) {
	c, ok := m.contents[mailID]
	if !ok {
		return "", store.ErrNotFound
	}
	return c, nil
}

type markCall struct {
	kind  learning.Kind
	items []actions.Item
	scope learning.Scope
}

type mockActions struct {
	deleted   []actions.Item
	released  []actions.Item
	marks     []markCall
	learning  bool
	releaseOK bool
	secrets   map[string]string
	selfSvc   bool
	terminal  bool
}

func (m *mockActions) Delete(_ context.Context, _ *models.Identity, items []actions.Item) (*actions.Outcome, error) {
	m.deleted = append(m.deleted, items...)
	return &actions.Outcome{OK: true, Message: "deleted"}, nil
}

func (m *mockActions) Release(_ context.Context, _ *models.Identity, items []actions.Item) (*actions.Outcome, error) {
	if !m.releaseOK {
		return &actions.Outcome{Message: "550 5.7.1 Message not found"}, nil
	}
	m.released = append(m.released, items...)
	return &actions.Outcome{OK: true, Message: "released"}, nil
}

func (m *mockActions) Mark(_ context.Context, _ *models.Identity, kind learning.Kind, items []actions.Item, scope learning.Scope) (*actions.Outcome, error) {
	m.marks = append(m.marks, markCall{kind, items, scope})
	return &actions.Outcome{OK: true, Message: "marked"}, nil
}

func (m *mockActions) ManualLearningEnabled(_ *models.Identity) bool { return m.learning }

func (m *mockActions) check(mailID, rcpt, secretID string) error {
	if !m.selfSvc {
		return actions.ErrSelfServiceDisabled
	}
	if m.secrets[mailID+" "+rcpt] != secretID || secretID == "" {
		return actions.ErrBadRequest
	}
	return nil
}

func (m *mockActions) checkLive(mailID, rcpt, secretID string) error {
	if err := m.check(mailID, rcpt, secretID); err != nil {
		return err
	}
	if m.terminal {
		return store.ErrTerminalStatus
	}
	return nil
}

func (m *mockActions) SelfServiceCheck(_ context.Context, mailID, rcpt, secretID string) error {
	return m.check(mailID, rcpt, secretID)
}

func (m *mockActions) SelfServiceRelease(_ context.Context, mailID, rcpt, secretID string) (*actions.Outcome, error) {
	if err := m.checkLive(mailID, rcpt, secretID); err != nil {
		return nil, err
	}
	m.released = append(m.released, actions.Item{Recipient: rcpt, MailID: mailID})
	return &actions.Outcome{OK: true, Message: "Message released"}, nil
}

func (m *mockActions) SelfServiceDelete(_ context.Context, mailID, rcpt, secretID string) (*actions.Outcome, error) {
	if err := m.checkLive(mailID, rcpt, secretID); err != nil {
		return nil, err
	}
	m.deleted = append(m.deleted, actions.Item{Recipient: rcpt, MailID: mailID})
	return &actions.Outcome{OK: true, Message: "Message deleted"}, nil
}

type mockQueue struct {
	jobs []markCall
	err  error
}

func (m *mockQueue) Enqueue(_ context.Context, _ string, kind learning.Kind, items []actions.Item, scope learning.Scope) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.jobs = append(m.jobs, markCall{kind, items, scope})
	return "job-1", nil
}

type mockSink struct {
	events []directory.Event
	err    error
}

func (m *mockSink) HandleEvent(_ context.Context, e directory.Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, e)
	return nil
}

var errBoom = errors.New("boom")

func injectIdentity(id *models.Identity) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(middleware.WithIdentity(r.Context(), id)))
		})
	}
}

func setupQuarantineRouter(id *models.Identity, l *mockListings, a *mockActions, q LearningQueue) *chi.Mux {
	h := NewQuarantineHandler(l, a, q)

	r := chi.NewRouter()
	r.Use(injectIdentity(id))
	r.Get("/api/v1/quarantine", h.HandleList)
	r.Get("/api/v1/quarantine/pending", h.HandlePendingCount)
	r.Post("/api/v1/quarantine/process", h.HandleProcess)
	r.Get("/api/v1/messages/{mailID}", h.HandleShowMessage)
	r.Get("/api/v1/messages/{mailID}/headers", h.HandleShowHeaders)
	r.Post("/api/v1/messages/{mailID}/view", h.HandleMarkViewed)
	r.Post("/api/v1/messages/{mailID}/{action}", h.HandleMessageAction)
	return r
}
