package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/znz-systems/quarantined/internal/actions"
	"github.com/znz-systems/quarantined/internal/directory"
	"github.com/znz-systems/quarantined/internal/learning"
	"github.com/znz-systems/quarantined/internal/models"
	"github.com/znz-systems/quarantined/internal/store"
)

type memQueue struct {
	mu    sync.Mutex
	items []string
	err   error
}

func (q *memQueue) Push(_ context.Context, payload string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.items = append(q.items, payload)
	return nil
}

func (q *memQueue) Pop(_ context.Context, _ time.Duration) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return "", ErrEmpty
	}
	p := q.items[0]
	q.items = q.items[1:]
	return p, nil
}

type fakeIdentities map[string]*models.Identity

func (f fakeIdentities) ResolveIdentity(_ context.Context, email string) (*models.Identity, error) {
	id, ok := f[email]
	if !ok {
		return nil, store.ErrNotFound
	}
	return id, nil
}

type failingIdentities struct{ err error }

func (f failingIdentities) ResolveIdentity(context.Context, string) (*models.Identity, error) {
	return nil, f.err
}

type markCall struct {
	id    *models.Identity
	kind  learning.Kind
	items []actions.Item
	scope learning.Scope
}

type fakeMarker struct {
	calls []markCall
	out   *actions.Outcome
	err   error
}

func (f *fakeMarker) Mark(_ context.Context, id *models.Identity, kind learning.Kind, items []actions.Item, scope learning.Scope) (*actions.Outcome, error) {
	f.calls = append(f.calls, markCall{id: id, kind: kind, items: items, scope: scope})
	if f.err != nil {
		return nil, f.err
	}
	if f.out != nil {
		return f.out, nil
	}
	return &actions.Outcome{Message: "ok", OK: true}, nil
}

func TestEnqueueEncodesJob(t *testing.T) {
	q := &memQueue{}
	p := NewPublisher(q)
	items := []actions.Item{{Recipient: "user@example.com", MailID: "m1"}}

	jobID, err := p.Enqueue(context.Background(), "user@example.com", learning.Spam, items, learning.ScopeDomain)
	require.NoError(t, err)
	require.Len(t, q.items, 1)

	var job LearningJob
	require.NoError(t, json.Unmarshal([]byte(q.items[0]), &job))
	assert.Equal(t, jobID, job.ID)
	assert.Equal(t, "user@example.com", job.AccountEmail)
	assert.Equal(t, learning.Spam, job.Kind)
	assert.Equal(t, items, job.Selection)
	assert.Equal(t, learning.ScopeDomain, job.RecipientDB)
	assert.False(t, job.EnqueuedAt.IsZero())
}

func TestEnqueuePushError(t *testing.T) {
	q := &memQueue{err: errors.New("redis down")}
	_, err := NewPublisher(q).Enqueue(context.Background(), "a@example.com", learning.Ham, nil, learning.ScopeUser)
	assert.EqualError(t, err, "redis down")
}

func TestProcessOneRunsMark(t *testing.T) {
	q := &memQueue{}
	user := &models.Identity{Email: "user@example.com"}
	marker := &fakeMarker{}
	w := NewWorker(q, fakeIdentities{"user@example.com": user}, marker, WorkerOptions{})

	items := []actions.Item{{Recipient: "user@example.com", MailID: "m1"}}
	_, err := NewPublisher(q).Enqueue(context.Background(), "user@example.com", learning.Ham, items, learning.ScopeUser)
	require.NoError(t, err)

	out, err := w.processOne(context.Background())
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.True(t, out.OK)
	require.Len(t, marker.calls, 1)
	assert.Same(t, user, marker.calls[0].id)
	assert.Equal(t, learning.Ham, marker.calls[0].kind)
	assert.Equal(t, items, marker.calls[0].items)
	assert.Equal(t, learning.ScopeUser, marker.calls[0].scope)
}

func TestProcessOneEmptyQueue(t *testing.T) {
	w := NewWorker(&memQueue{}, fakeIdentities{}, &fakeMarker{}, WorkerOptions{})
	_, err := w.processOne(context.Background())
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestProcessOneDropsBadJobs(t *testing.T) {
	q := &memQueue{items: []string{"not json", `{"id":"j1","account_email":"ghost@example.com","kind":"spam"}`}}
	marker := &fakeMarker{}
	w := NewWorker(q, fakeIdentities{}, marker, WorkerOptions{})

	out, err := w.processOne(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, out)

	out, err = w.processOne(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, out)
	assert.Empty(t, marker.calls)
	assert.Empty(t, q.items)
}

func TestProcessOneDropsDisabledAccount(t *testing.T) {
	q := &memQueue{items: []string{`{"id":"j1","account_email":"off@example.com","kind":"spam"}`}}
	marker := &fakeMarker{}
	w := NewWorker(q, failingIdentities{err: fmt.Errorf("off@example.com: %w", directory.ErrAccountDisabled)}, marker, WorkerOptions{})

	out, err := w.processOne(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, out)
	assert.Empty(t, marker.calls)
	assert.Empty(t, q.items)
}

func TestProcessOneRequeuesOnLookupFailure(t *testing.T) {
	payload := `{"id":"j1","account_email":"user@example.com","kind":"spam"}`
	q := &memQueue{items: []string{payload}}
	marker := &fakeMarker{}
	w := NewWorker(q, failingIdentities{err: errors.New("connection refused")}, marker, WorkerOptions{})

	_, err := w.processOne(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "learning job j1")
	assert.Empty(t, marker.calls)
	assert.Equal(t, []string{payload}, q.items)
}

func TestProcessOneMarkFailure(t *testing.T) {
	q := &memQueue{items: []string{`{"id":"j1","account_email":"user@example.com","kind":"spam"}`}}
	ids := fakeIdentities{"user@example.com": {Email: "user@example.com"}}

	w := NewWorker(q, ids, &fakeMarker{err: errors.New("db gone")}, WorkerOptions{})
	_, err := w.processOne(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "learning job j1")

	q.items = []string{`{"id":"j2","account_email":"user@example.com","kind":"spam"}`}
	w = NewWorker(q, ids, &fakeMarker{out: &actions.Outcome{Message: "sa-learn failed"}}, WorkerOptions{})
	out, err := w.processOne(context.Background())
	require.NoError(t, err)
	assert.False(t, out.OK)
	assert.Equal(t, "sa-learn failed", out.Message)
}

func TestRunStopsOnCancel(t *testing.T) {
	q := &memQueue{}
	marker := &fakeMarker{}
	w := NewWorker(q, fakeIdentities{"user@example.com": {Email: "user@example.com"}}, marker, WorkerOptions{PopTimeout: time.Millisecond})
	_, err := NewPublisher(q).Enqueue(context.Background(), "user@example.com", learning.Spam, nil, "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return len(q.items) == 0
	}, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}
