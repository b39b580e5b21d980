package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/znz-systems/quarantined/internal/models"
	"github.com/znz-systems/quarantined/internal/store"
)

var ErrInvalidEvent = errors.New("invalid directory event")

type EventKind string

const (
	DomainCreated         EventKind = "domain_created"
	DomainRenamed         EventKind = "domain_renamed"
	DomainDeleted         EventKind = "domain_deleted"
	DomainAliasCreated    EventKind = "domain_alias_created"
	DomainAliasDeleted    EventKind = "domain_alias_deleted"
	AliasCreated          EventKind = "alias_created"
	AliasDeleted          EventKind = "alias_deleted"
	MailboxAddressChanged EventKind = "mailbox_address_changed"
	MailboxDeleted        EventKind = "mailbox_deleted"
)

// Event is a change in the admin directory that the policy tables must
// follow. Name is the domain, domain alias, alias address or mailbox
// address concerned; OldName is set on renames and Target on domain alias
// creation.
type Event struct {
	Kind    EventKind `json:"kind"`
	Name    string    `json:"name"`
	OldName string    `json:"old_name,omitempty"`
	Target  string    `json:"target,omitempty"`
}

func (e Event) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidEvent)
	}
	switch e.Kind {
	case DomainRenamed, MailboxAddressChanged:
		if e.OldName == "" {
			return fmt.Errorf("%w: %s requires old_name", ErrInvalidEvent, e.Kind)
		}
	case DomainAliasCreated:
		if e.Target == "" {
			return fmt.Errorf("%w: %s requires target", ErrInvalidEvent, e.Kind)
		}
	case DomainCreated, DomainDeleted, DomainAliasDeleted, AliasCreated, AliasDeleted, MailboxDeleted:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, e.Kind)
	}
	return nil
}

// HandleEvent applies a directory change to the policy tables.
func (s *Service) HandleEvent(ctx context.Context, e Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	slog.Info("handling directory event", "kind", e.Kind, "name", e.Name)

	switch e.Kind {
	case DomainCreated:
		_, err := s.CreateOrUpdatePolicy(ctx, "@"+e.Name)
		return err
	case DomainRenamed:
		return s.RenamePolicy(ctx, "@"+e.OldName, "@"+e.Name)
	case DomainDeleted:
		return s.DeletePolicy(ctx, "@"+e.Name)
	case DomainAliasCreated:
		return s.BindAliasToPolicy(ctx, "@"+e.Name, "@"+e.Target)
	case DomainAliasDeleted:
		return s.DeleteUser(ctx, "@"+e.Name)
	case AliasCreated:
		return s.aliasCreated(ctx, e.Name)
	case AliasDeleted:
		// Catch-all aliases share the domain policy record.
		if strings.HasPrefix(e.Name, "@") {
			return nil
		}
		return s.DeleteUser(ctx, e.Name)
	case MailboxAddressChanged:
		err := s.RenamePolicy(ctx, e.OldName, e.Name)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	case MailboxDeleted:
		return s.DeletePolicy(ctx, e.Name)
	}
	return nil
}

// aliasCreated binds a new alias to the policy of the mailbox it delivers to,
// when that mailbox has per-user learning set up.
func (s *Service) aliasCreated(ctx context.Context, addr string) error {
	if !s.opts.ManualLearning || !s.opts.UserLevelLearning {
		return nil
	}
	alias, err := s.accounts.FindAlias(ctx, addr)
	if err != nil {
		return err
	}
	if alias.Type != models.AliasTypeAlias {
		return nil
	}
	mbox, err := s.accounts.GetAliasMailbox(ctx, alias.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	policy, err := s.policies.GetPolicyByName(ctx, mbox.FullAddress())
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = s.policies.EnsureUser(ctx, alias.Address, policy.ID, models.DefaultUserPriority)
	return err
}
