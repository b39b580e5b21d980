// Package notify mails pending release request digests to administrators.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/znz-systems/quarantined/internal/metrics"
	"github.com/znz-systems/quarantined/internal/models"
	"github.com/znz-systems/quarantined/internal/store"
)

// Subject of the digest message.
const Subject = "Pending release requests"

// DigestSize is the number of requests listed in a digest.
const DigestSize = 10

type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// Accounts is the directory subset needed to find recipients.
type Accounts interface {
	ListAccountsByRole(ctx context.Context, role models.Role) ([]models.Account, error)
	GetMailboxByAccountID(ctx context.Context, accountID int64) (*models.Mailbox, error)
	ListAdministeredDomains(ctx context.Context, accountID int64) ([]string, error)
}

// PendingSource counts and lists pending requests. A nil domains slice
// means every domain.
type PendingSource interface {
	DomainsPendingRequests(ctx context.Context, domains []string, limit int) (int, []models.Summary, error)
}

// Service implements the pending requests notification.
type Service struct {
	sender     Sender
	accounts   Accounts
	pending    PendingSource
	listingURL string
}

func NewService(sender Sender, accounts Accounts, pending PendingSource, baseURL string) *Service {
	return &Service{
		sender:     sender,
		accounts:   accounts,
		pending:    pending,
		listingURL: strings.TrimRight(baseURL, "/") + "/api/v1/quarantine?viewrequests=1",
	}
}

// NotifyPendingRequests sends each domain administrator with a mailbox a
// digest of the requests of their domains, and each super administrator
// with a mailbox a digest of every request. Accounts with nothing pending
// get no mail. A failure for one account does not stop the others.
func (s *Service) NotifyPendingRequests(ctx context.Context) (int, error) {
	var (
		sent int
		errs []error
	)

	admins, err := s.accounts.ListAccountsByRole(ctx, models.RoleDomainAdmin)
	if err != nil {
		return 0, fmt.Errorf("listing domain administrators: %w", err)
	}
	for _, a := range admins {
		if a.IsSuperuser {
			continue
		}
		ok, err := s.hasMailbox(ctx, a.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !ok {
			continue
		}
		domains, err := s.accounts.ListAdministeredDomains(ctx, a.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("domains of %s: %w", a.Email, err))
			continue
		}
		if domains == nil {
			domains = []string{}
		}
		done, err := s.notify(ctx, a.Email, domains)
		if err != nil {
			errs = append(errs, err)
		} else if done {
			sent++
		}
	}

	supers, err := s.accounts.ListAccountsByRole(ctx, models.RoleSuperAdmin)
	if err != nil {
		errs = append(errs, fmt.Errorf("listing super administrators: %w", err))
		return sent, errors.Join(errs...)
	}
	for _, a := range supers {
		ok, err := s.hasMailbox(ctx, a.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !ok {
			continue
		}
		done, err := s.notify(ctx, a.Email, nil)
		if err != nil {
			errs = append(errs, err)
		} else if done {
			sent++
		}
	}

	return sent, errors.Join(errs...)
}

func (s *Service) hasMailbox(ctx context.Context, accountID int64) (bool, error) {
	_, err := s.accounts.GetMailboxByAccountID(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("mailbox of account %d: %w", accountID, err)
	}
	return true, nil
}

func (s *Service) notify(ctx context.Context, to string, domains []string) (bool, error) {
	total, requests, err := s.pending.DomainsPendingRequests(ctx, domains, DigestSize)
	if err != nil {
		return false, fmt.Errorf("pending requests for %s: %w", to, err)
	}
	if total == 0 {
		return false, nil
	}

	body, err := PendingRequestsBody(total, requests, s.listingURL)
	if err != nil {
		return false, fmt.Errorf("rendering digest for %s: %w", to, err)
	}
	if err := s.sender.Send(ctx, to, Subject, body); err != nil {
		return false, fmt.Errorf("notify: failed to send digest to %s: %w", to, err)
	}

	metrics.NotificationsSent.Inc()
	slog.InfoContext(ctx, "sent pending requests digest", "recipient", to, "pending", total)
	return true, nil
}
