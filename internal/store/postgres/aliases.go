package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/znz-systems/quarantined/internal/models"
	"github.com/znz-systems/quarantined/internal/store"
)

func (s *DirectoryStore) FindAlias(ctx context.Context, address string) (*models.Alias, error) {
	a := &models.Alias{}
	var domainID sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, address, domain_id, type, enabled FROM aliases WHERE address = $1`, address,
	).Scan(&a.ID, &a.Address, &domainID, &a.Type, &a.Enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.DomainID = domainID.Int64
	return a, nil
}

// GetAliasMailbox returns the first local mailbox an alias delivers to.
func (s *DirectoryStore) GetAliasMailbox(ctx context.Context, aliasID int64) (*models.Mailbox, error) {
	return scanMailbox(s.db.QueryRowContext(ctx,
		`SELECT `+mailboxColumns+` FROM alias_recipients r
		 JOIN mailboxes m ON m.id = r.mailbox_id
		 JOIN domains d ON d.id = m.domain_id
		 WHERE r.alias_id = $1
		 ORDER BY r.id LIMIT 1`, aliasID))
}
