package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/znz-systems/quarantined/internal/models"
	"github.com/znz-systems/quarantined/internal/store"
)

const mailboxColumns = `m.id, m.account_id, m.domain_id, m.local_part, d.name`

func scanMailbox(row *sql.Row) (*models.Mailbox, error) {
	m := &models.Mailbox{}
	var accountID sql.NullInt64
	err := row.Scan(&m.ID, &accountID, &m.DomainID, &m.LocalPart, &m.DomainName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if accountID.Valid {
		m.AccountID = &accountID.Int64
	}
	return m, nil
}

func (s *DirectoryStore) GetMailbox(ctx context.Context, localPart, domain string) (*models.Mailbox, error) {
	return scanMailbox(s.db.QueryRowContext(ctx,
		`SELECT `+mailboxColumns+` FROM mailboxes m
		 JOIN domains d ON d.id = m.domain_id
		 WHERE m.local_part = $1 AND d.name = LOWER($2)`, localPart, domain))
}

func (s *DirectoryStore) GetMailboxByAccountID(ctx context.Context, accountID int64) (*models.Mailbox, error) {
	return scanMailbox(s.db.QueryRowContext(ctx,
		`SELECT `+mailboxColumns+` FROM mailboxes m
		 JOIN domains d ON d.id = m.domain_id
		 WHERE m.account_id = $1`, accountID))
}

// ListMailboxAliasAddresses returns the addresses of the non-internal aliases
// delivering to a mailbox.
func (s *DirectoryStore) ListMailboxAliasAddresses(ctx context.Context, mailboxID int64) ([]string, error) {
	return s.strings(ctx,
		`SELECT DISTINCT a.address FROM aliases a
		 JOIN alias_recipients r ON r.alias_id = a.id
		 WHERE r.mailbox_id = $1 AND NOT a.internal
		 ORDER BY a.address`, mailboxID)
}
