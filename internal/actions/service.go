// Package actions applies delete, release and spam/ham marking to
// selections of quarantined message recipients.
package actions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/znz-systems/quarantined/internal/learning"
	"github.com/znz-systems/quarantined/internal/metrics"
	"github.com/znz-systems/quarantined/internal/models"
	"github.com/znz-systems/quarantined/internal/pdp"
	"github.com/znz-systems/quarantined/internal/store"
)

var ErrSelfServiceDisabled = errors.New("self-service is disabled")

type Options struct {
	UserCanRelease      bool
	SelfService         bool
	ManualLearning      bool
	DomainLevelLearning bool
	UserLevelLearning   bool
}

// Releaser releases quarantined messages through amavis.
type Releaser interface {
	Release(ctx context.Context, mailID, secretID, recipient string) error
	Close() error
}

// Dialer opens a Releaser for one batch.
type Dialer func(ctx context.Context) (Releaser, error)

// PDPDialer dials the amavis policy socket described by cfg.
func PDPDialer(cfg pdp.Config) Dialer {
	return func(ctx context.Context) (Releaser, error) {
		c, err := pdp.Dial(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// Learner trains a batch of messages.
type Learner interface {
	Learn(ctx context.Context, kind learning.Kind, rcpt string, msg []byte) error
	Finalize(ctx context.Context) error
}

// LearnerFactory creates the learner of one marking batch.
type LearnerFactory func(caller *models.Identity, scope learning.Scope) (Learner, error)

// CoordinatorFactory builds learning coordinators from cfg.
func CoordinatorFactory(cfg learning.Config, dir learning.Directory, runner learning.Runner) LearnerFactory {
	return func(caller *models.Identity, scope learning.Scope) (Learner, error) {
		c, err := learning.New(cfg, dir, runner, caller, scope)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// ContentReader returns the raw quarantined copy of a message.
type ContentReader interface {
	MailContent(ctx context.Context, mailID string) (string, error)
}

// Result lists the items whose status changed, in selection order, and the
// failure that stopped the batch.
type Result struct {
	Processed []Item
	Failure   error
}

// Outcome is the single summary reported for a batch.
type Outcome struct {
	Message string `json:"message"`
	OK      bool   `json:"ok"`
	Result  Result `json:"-"`
}

type Service struct {
	store      store.QuarantineStore
	content    ContentReader
	dial       Dialer
	newLearner LearnerFactory
	opts       Options
}

func NewService(s store.QuarantineStore, content ContentReader, dial Dialer, newLearner LearnerFactory, opts Options) *Service {
	return &Service{store: s, content: content, dial: dial, newLearner: newLearner, opts: opts}
}

func (s *Service) Options() Options { return s.opts }

// allowed reports whether id may act on mail addressed to rcpt.
func allowed(id *models.Identity, rcpt string) bool {
	return id.CanAccess(rcpt)
}

func record(action string, o *Outcome) {
	result := "ok"
	if !o.OK {
		result = "error"
	}
	metrics.ActionsTotal.WithLabelValues(action, result).Inc()
	metrics.ActionItemsTotal.WithLabelValues(action).Add(float64(len(o.Result.Processed)))
}

// Delete marks every authorized item as deleted. Unauthorized and already
// released items are skipped; the summary counts the whole selection.
func (s *Service) Delete(ctx context.Context, id *models.Identity, items []Item) (*Outcome, error) {
	var res Result
	for _, it := range items {
		if !allowed(id, it.Recipient) {
			continue
		}
		err := s.store.SetRecipientStatus(ctx, it.MailID, it.Recipient, models.StatusDeleted)
		if errors.Is(err, store.ErrTerminalStatus) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("deleting %s: %w", it, err)
		}
		res.Processed = append(res.Processed, it)
	}
	o := &Outcome{
		Message: plural(len(items), "message", "messages", "deleted successfully"),
		OK:      true,
		Result:  res,
	}
	record("delete", o)
	return o, nil
}

// Release releases every authorized item through amavis, stopping at the
// first refusal. Deleted and released items are skipped. Simple users who may not release directly get their items
// flagged as pending requests instead.
func (s *Service) Release(ctx context.Context, id *models.Identity, items []Item) (*Outcome, error) {
	var rcpts []*models.Recipient
	for _, it := range items {
		if !allowed(id, it.Recipient) {
			continue
		}
		r, err := s.store.GetRecipientMessage(ctx, it.MailID, it.Recipient)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", it, err)
		}
		if r.Status.Terminal() {
			continue
		}
		rcpts = append(rcpts, r)
	}

	if id.IsSimpleUser() && !s.opts.UserCanRelease {
		var res Result
		for _, r := range rcpts {
			if err := s.store.SetRecipientStatus(ctx, r.MailID, r.Email, models.StatusPending); err != nil {
				return nil, err
			}
			res.Processed = append(res.Processed, Item{Recipient: r.Email, MailID: r.MailID})
		}
		o := &Outcome{
			Message: plural(len(items), "request", "requests", "sent"),
			OK:      true,
			Result:  res,
		}
		record("request", o)
		return o, nil
	}

	res, err := s.releaseAll(ctx, rcpts)
	if err != nil {
		return nil, err
	}
	o := &Outcome{Result: res, OK: res.Failure == nil}
	if o.OK {
		o.Message = plural(len(items), "message", "messages", "released successfully")
	} else {
		o.Message = res.Failure.Error()
	}
	record("release", o)
	return o, nil
}

func (s *Service) releaseAll(ctx context.Context, rcpts []*models.Recipient) (Result, error) {
	var res Result
	if len(rcpts) == 0 {
		return res, nil
	}
	rel, err := s.dial(ctx)
	if err != nil {
		return res, err
	}
	defer rel.Close()

	for _, r := range rcpts {
		if err := rel.Release(ctx, r.MailID, r.SecretID, r.Email); err != nil {
			res.Failure = err
			return res, nil
		}
		if err := s.store.SetRecipientStatus(ctx, r.MailID, r.Email, models.StatusReleased); err != nil {
			return res, err
		}
		res.Processed = append(res.Processed, Item{Recipient: r.Email, MailID: r.MailID})
	}
	return res, nil
}

// ManualLearningEnabled reports whether id may train the classifier.
func (s *Service) ManualLearningEnabled(id *models.Identity) bool {
	if !s.opts.ManualLearning {
		return false
	}
	if id.IsSuperAdmin() {
		return true
	}
	if id.IsSimpleUser() {
		return s.opts.UserLevelLearning
	}
	return s.opts.DomainLevelLearning || s.opts.UserLevelLearning
}

// DefaultScope is the recipient database used when a caller does not pick
// one.
func DefaultScope(id *models.Identity) learning.Scope {
	if id.IsSimpleUser() {
		return learning.ScopeUser
	}
	return learning.ScopeGlobal
}

// Mark trains every authorized item as kind and flags it S or H, stopping
// at the first training failure. Items processed before the failure keep
// their new status. Deleted and released items are skipped. An empty scope selects DefaultScope.
func (s *Service) Mark(ctx context.Context, id *models.Identity, kind learning.Kind, items []Item, scope learning.Scope) (*Outcome, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown learning type %q", ErrBadRequest, kind)
	}
	if !s.ManualLearningEnabled(id) {
		return &Outcome{OK: true}, nil
	}
	if scope == "" {
		scope = DefaultScope(id)
	}
	learner, err := s.newLearner(id, scope)
	if err != nil {
		return nil, err
	}

	status := models.StatusSpam
	if kind == learning.Ham {
		status = models.StatusHam
	}

	var res Result
	for _, it := range items {
		if !allowed(id, it.Recipient) {
			continue
		}
		r, err := s.store.GetRecipientMessage(ctx, it.MailID, it.Recipient)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", it, err)
		}
		if r.Status.Terminal() {
			continue
		}
		content, err := s.content.MailContent(ctx, it.MailID)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", it, err)
		}
		if err := learner.Learn(ctx, kind, it.Recipient, []byte(content)); err != nil {
			res.Failure = err
			break
		}
		if err := s.store.SetRecipientStatus(ctx, it.MailID, it.Recipient, status); err != nil {
			return nil, err
		}
		res.Processed = append(res.Processed, it)
	}

	o := &Outcome{Result: res, OK: res.Failure == nil}
	if o.OK {
		if err := learner.Finalize(ctx); err != nil {
			slog.Warn("learning sync incomplete", "error", err)
		}
		o.Message = plural(len(items), "message", "messages", "processed successfully")
	} else {
		o.Message = res.Failure.Error()
	}
	record("mark_"+string(kind), o)
	return o, nil
}

// verifySecret checks a self-service capability and returns the recipient
// it grants access to.
func (s *Service) verifySecret(ctx context.Context, mailID, rcpt, secretID string) (*models.Recipient, error) {
	if !s.opts.SelfService {
		return nil, ErrSelfServiceDisabled
	}
	if mailID == "" || rcpt == "" || secretID == "" {
		return nil, ErrBadRequest
	}
	r, err := s.store.GetRecipientMessage(ctx, mailID, rcpt)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrBadRequest
	}
	if err != nil {
		return nil, err
	}
	if r.SecretID != secretID {
		return nil, ErrBadRequest
	}
	return r, nil
}

// SelfServiceCheck verifies that secretID grants access to the message of
// rcpt.
func (s *Service) SelfServiceCheck(ctx context.Context, mailID, rcpt, secretID string) error {
	_, err := s.verifySecret(ctx, mailID, rcpt, secretID)
	return err
}

// SelfServiceRelease releases, or requests the release of, one message on
// behalf of an unauthenticated holder of its secret id.
func (s *Service) SelfServiceRelease(ctx context.Context, mailID, rcpt, secretID string) (*Outcome, error) {
	r, err := s.verifySecret(ctx, mailID, rcpt, secretID)
	if err != nil {
		return nil, err
	}
	item := Item{Recipient: rcpt, MailID: mailID}

	switch r.Status {
	case models.StatusReleased:
		return &Outcome{Message: "Message released", OK: true}, nil
	case models.StatusDeleted:
		return nil, fmt.Errorf("releasing %s: %w", item, store.ErrTerminalStatus)
	}

	if !s.opts.UserCanRelease {
		if err := s.store.SetRecipientStatus(ctx, mailID, rcpt, models.StatusPending); err != nil {
			return nil, err
		}
		o := &Outcome{Message: "Request sent", OK: true, Result: Result{Processed: []Item{item}}}
		record("request", o)
		return o, nil
	}

	res, err := s.releaseAll(ctx, []*models.Recipient{r})
	if err != nil {
		return nil, err
	}
	o := &Outcome{Result: res, OK: res.Failure == nil, Message: "Message released"}
	if !o.OK {
		o.Message = res.Failure.Error()
	}
	record("release", o)
	return o, nil
}

// SelfServiceDelete deletes one message on behalf of an unauthenticated
// holder of its secret id.
func (s *Service) SelfServiceDelete(ctx context.Context, mailID, rcpt, secretID string) (*Outcome, error) {
	if _, err := s.verifySecret(ctx, mailID, rcpt, secretID); err != nil {
		return nil, err
	}
	if err := s.store.SetRecipientStatus(ctx, mailID, rcpt, models.StatusDeleted); err != nil {
		return nil, err
	}
	o := &Outcome{
		Message: "Message deleted",
		OK:      true,
		Result:  Result{Processed: []Item{{Recipient: rcpt, MailID: mailID}}},
	}
	record("delete", o)
	return o, nil
}
