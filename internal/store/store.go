package store

import (
	"context"
	"errors"

	"github.com/znz-systems/quarantined/internal/models"
)

var (
	// ErrNotFound is returned when a looked up record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidSortKey is returned for an order outside SortKeys.
	ErrInvalidSortKey = errors.New("invalid sort key")
	// ErrTerminalStatus is returned when a deleted or released recipient
	// would move to another status.
	ErrTerminalStatus = errors.New("recipient already deleted or released")
)

// SortKeys lists the keys a quarantine listing can be ordered by. A key may
// carry a leading "-" for descending order.
var SortKeys = []string{"type", "score", "date", "subject", "from", "to"}

// Search criteria understood by QuarantineFilter.Criteria.
const (
	CriterionFrom    = "from_addr"
	CriterionSubject = "subject"
	CriterionTo      = "to"
)

// QuarantineFilter narrows a query over the message-recipient table. Empty
// slices and zero values disable the corresponding condition.
type QuarantineFilter struct {
	Statuses []models.Status
	// Recipients restricts to recipient addresses equal to one of the
	// candidates.
	Recipients []string
	// ReversedDomains restricts to recipient domain keys.
	ReversedDomains []string
	Pattern         string
	Criteria        []string
	ContentType     models.ContentType
	// Order is one of SortKeys, optionally prefixed by "-".
	Order string
	// Quarantined keeps only messages whose first chunk is still stored.
	Quarantined bool
}

type QuarantineStore interface {
	CountQuarantine(ctx context.Context, f QuarantineFilter) (int, error)
	ListQuarantine(ctx context.Context, f QuarantineFilter, limit, offset int) ([]models.QuarantineRow, error)
	GetRecipientMessage(ctx context.Context, mailID, rcpt string) (*models.Recipient, error)
	SetRecipientStatus(ctx context.Context, mailID, rcpt string, status models.Status) error
	GetMessage(ctx context.Context, mailID string) (*models.Message, error)
	GetMailChunks(ctx context.Context, mailID string) ([]models.Chunk, error)
	DeleteMessagesWithStatuses(ctx context.Context, statuses []models.Status) (int64, error)
	DeleteMessagesOlderThan(ctx context.Context, cutoff int64, limit int) (int64, error)
	DeleteUnreferencedAddresses(ctx context.Context, limit int) (int64, error)
}

type PolicyStore interface {
	GetPolicyByName(ctx context.Context, name string) (*models.Policy, error)
	PolicyWithSAUsernameExists(ctx context.Context, username string) (bool, error)
	EnsurePolicy(ctx context.Context, name string) (*models.Policy, error)
	SetPolicySAUsername(ctx context.Context, policyID int64, username string) error
	RenamePolicy(ctx context.Context, policyID int64, name string) error
	DeletePolicy(ctx context.Context, policyID int64) error

	GetUserByEmail(ctx context.Context, email string) (*models.DirectoryUser, error)
	EnsureUser(ctx context.Context, email string, policyID int64, priority int) (*models.DirectoryUser, error)
	RenameUser(ctx context.Context, id int64, email string) error
	DeleteUser(ctx context.Context, id int64) error
}

type AccountStore interface {
	GetAccountByEmail(ctx context.Context, email string) (*models.Account, error)
	ListAccountsByRole(ctx context.Context, role models.Role) ([]models.Account, error)

	GetDomainByName(ctx context.Context, name string) (*models.Domain, error)
	ListDomains(ctx context.Context) ([]models.Domain, error)
	ListDomainAliases(ctx context.Context, domainID int64) ([]string, error)
	ListAdministeredDomains(ctx context.Context, accountID int64) ([]string, error)

	GetMailbox(ctx context.Context, localPart, domain string) (*models.Mailbox, error)
	GetMailboxByAccountID(ctx context.Context, accountID int64) (*models.Mailbox, error)
	ListMailboxAliasAddresses(ctx context.Context, mailboxID int64) ([]string, error)

	FindAlias(ctx context.Context, address string) (*models.Alias, error)
	GetAliasMailbox(ctx context.Context, aliasID int64) (*models.Mailbox, error)
}
