// Package directory keeps the amavis policy/user tables in step with the
// admin directory and resolves recipients to mailboxes, domains and callers.
package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/znz-systems/quarantined/internal/address"
	"github.com/znz-systems/quarantined/internal/models"
	"github.com/znz-systems/quarantined/internal/store"
)

var (
	ErrNoRecipient     = fmt.Errorf("no recipient found: %w", store.ErrNotFound)
	ErrNoLocalDomain   = fmt.Errorf("local domain not found: %w", store.ErrNotFound)
	ErrAccountDisabled = errors.New("account is disabled")
)

// Options mirror the learning settings that decide whether alias policies
// follow their mailbox.
type Options struct {
	ManualLearning     bool
	UserLevelLearning  bool
	RecipientDelimiter string
}

type Service struct {
	policies store.PolicyStore
	accounts store.AccountStore
	opts     Options
}

func NewService(policies store.PolicyStore, accounts store.AccountStore, opts Options) *Service {
	return &Service{policies: policies, accounts: accounts, opts: opts}
}

// CreateOrUpdatePolicy creates a users record named name bound to a new
// policy of the same (truncated) name. When the users record already exists
// its policy is returned untouched.
func (s *Service) CreateOrUpdatePolicy(ctx context.Context, name string) (*models.Policy, error) {
	if _, err := s.policies.GetUserByEmail(ctx, name); err == nil {
		return s.policies.GetPolicyByName(ctx, name)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	policy, err := s.policies.EnsurePolicy(ctx, name)
	if err != nil {
		return nil, err
	}
	if _, err := s.policies.EnsureUser(ctx, name, policy.ID, models.DefaultUserPriority); err != nil {
		return nil, err
	}
	return policy, nil
}

// BindAliasToPolicy makes alias use the existing policy named policyName.
func (s *Service) BindAliasToPolicy(ctx context.Context, alias, policyName string) error {
	policy, err := s.policies.GetPolicyByName(ctx, policyName)
	if err != nil {
		return fmt.Errorf("policy %q: %w", policyName, err)
	}
	_, err = s.policies.EnsureUser(ctx, alias, policy.ID, models.DefaultUserPriority)
	return err
}

// RenamePolicy renames the users record oldName and its policy.
func (s *Service) RenamePolicy(ctx context.Context, oldName, newName string) error {
	if oldName == newName {
		return nil
	}
	user, err := s.policies.GetUserByEmail(ctx, oldName)
	if err != nil {
		return err
	}
	if err := s.policies.RenamePolicy(ctx, user.PolicyID, newName); err != nil {
		return err
	}
	return s.policies.RenameUser(ctx, user.ID, newName)
}

// DeletePolicy removes the users record name, its policy and every other
// record bound to that policy. A missing record is not an error.
func (s *Service) DeletePolicy(ctx context.Context, name string) error {
	user, err := s.policies.GetUserByEmail(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return s.policies.DeletePolicy(ctx, user.PolicyID)
}

// DeleteUser removes the users record name only.
func (s *Service) DeleteUser(ctx context.Context, name string) error {
	user, err := s.policies.GetUserByEmail(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return s.policies.DeleteUser(ctx, user.ID)
}

// SetupDomainLearning points the domain policy at a domain-wide Bayes
// database. It reports false when a policy already uses the domain as its
// SpamAssassin username.
func (s *Service) SetupDomainLearning(ctx context.Context, domain string) (bool, error) {
	exists, err := s.policies.PolicyWithSAUsernameExists(ctx, domain)
	if err != nil || exists {
		return false, err
	}
	policy, err := s.CreateOrUpdatePolicy(ctx, "@"+domain)
	if err != nil {
		return false, err
	}
	if err := s.policies.SetPolicySAUsername(ctx, policy.ID, domain); err != nil {
		return false, err
	}
	slog.Info("domain learning set up", "domain", domain, "policy_id", policy.ID)
	return true, nil
}

// SetupMailboxLearning gives a mailbox its own policy and Bayes database and
// binds every alias of the mailbox to it. It reports false when the mailbox
// policy already exists.
func (s *Service) SetupMailboxLearning(ctx context.Context, mbox *models.Mailbox) (bool, error) {
	addr := mbox.FullAddress()
	_, err := s.policies.GetPolicyByName(ctx, addr)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return false, err
	}

	policy, err := s.CreateOrUpdatePolicy(ctx, addr)
	if err != nil {
		return false, err
	}
	if err := s.policies.SetPolicySAUsername(ctx, policy.ID, addr); err != nil {
		return false, err
	}

	aliases, err := s.accounts.ListMailboxAliasAddresses(ctx, mbox.ID)
	if err != nil {
		return false, fmt.Errorf("listing aliases of %s: %w", addr, err)
	}
	for _, alias := range aliases {
		if _, err := s.policies.EnsureUser(ctx, alias, policy.ID, models.DefaultUserPriority); err != nil {
			return false, err
		}
	}
	slog.Info("mailbox learning set up", "mailbox", addr, "aliases", len(aliases))
	return true, nil
}

// ResolveMailbox finds the mailbox receiving mail for rcpt, either directly
// or through an alias. A nil mailbox with a nil error means rcpt is a
// forward or distribution list.
func (s *Service) ResolveMailbox(ctx context.Context, rcpt string) (*models.Mailbox, error) {
	local, domain, _ := address.SplitMailbox(rcpt, s.opts.RecipientDelimiter)
	mbox, err := s.accounts.GetMailbox(ctx, local, domain)
	if err == nil {
		return mbox, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	alias, err := s.accounts.FindAlias(ctx, local+"@"+domain)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoRecipient
	}
	if err != nil {
		return nil, err
	}
	mbox, err = s.accounts.GetAliasMailbox(ctx, alias.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoRecipient
	}
	if err != nil {
		return nil, err
	}
	if alias.Type != models.AliasTypeAlias {
		return nil, nil
	}
	return mbox, nil
}

// ResolveDomain returns the hosted domain of rcpt.
func (s *Service) ResolveDomain(ctx context.Context, rcpt string) (*models.Domain, error) {
	d, err := s.accounts.GetDomainByName(ctx, address.DomainOf(rcpt))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoLocalDomain
	}
	return d, err
}

// ResolveIdentity loads the caller behind email with its mailbox aliases and
// administered domains.
func (s *Service) ResolveIdentity(ctx context.Context, email string) (*models.Identity, error) {
	acct, err := s.accounts.GetAccountByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if !acct.IsActive {
		return nil, ErrAccountDisabled
	}

	id := &models.Identity{
		AccountID:   acct.ID,
		Email:       acct.Email,
		Role:        acct.Role,
		IsSuperuser: acct.IsSuperuser,
	}

	mbox, err := s.accounts.GetMailboxByAccountID(ctx, acct.ID)
	switch {
	case err == nil:
		id.HasMailbox = true
		id.Aliases, err = s.accounts.ListMailboxAliasAddresses(ctx, mbox.ID)
		if err != nil {
			return nil, fmt.Errorf("listing mailbox aliases: %w", err)
		}
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}

	if !id.IsSuperAdmin() && !id.IsSimpleUser() {
		id.Domains, err = s.accounts.ListAdministeredDomains(ctx, acct.ID)
		if err != nil {
			return nil, fmt.Errorf("listing administered domains: %w", err)
		}
	}
	return id, nil
}

// ValidAddresses returns the recipient addresses a restricted caller may act
// on. Administrators get nil, meaning no restriction.
func (s *Service) ValidAddresses(id *models.Identity) []string {
	if !id.IsSimpleUser() {
		return nil
	}
	return append([]string{id.Email}, id.Aliases...)
}

// LoadInitialData creates the domain policies of every hosted domain and
// binds their domain aliases to them.
func (s *Service) LoadInitialData(ctx context.Context) error {
	domains, err := s.accounts.ListDomains(ctx)
	if err != nil {
		return fmt.Errorf("listing domains: %w", err)
	}
	for _, d := range domains {
		policy, err := s.CreateOrUpdatePolicy(ctx, "@"+d.Name)
		if err != nil {
			return fmt.Errorf("creating policy for %s: %w", d.Name, err)
		}
		aliases, err := s.accounts.ListDomainAliases(ctx, d.ID)
		if err != nil {
			return fmt.Errorf("listing aliases of %s: %w", d.Name, err)
		}
		for _, alias := range aliases {
			if _, err := s.policies.EnsureUser(ctx, "@"+alias, policy.ID, models.DefaultUserPriority); err != nil {
				return fmt.Errorf("binding %s: %w", alias, err)
			}
		}
	}
	slog.Info("initial policies loaded", "domains", len(domains))
	return nil
}
