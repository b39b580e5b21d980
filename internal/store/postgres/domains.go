package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/znz-systems/quarantined/internal/models"
	"github.com/znz-systems/quarantined/internal/store"
)

func (s *DirectoryStore) GetDomainByName(ctx context.Context, name string) (*models.Domain, error) {
	d := &models.Domain{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, enabled FROM domains WHERE name = LOWER($1)`, name,
	).Scan(&d.ID, &d.Name, &d.Enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (s *DirectoryStore) ListDomains(ctx context.Context) ([]models.Domain, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, enabled FROM domains ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var domains []models.Domain
	for rows.Next() {
		var d models.Domain
		if err := rows.Scan(&d.ID, &d.Name, &d.Enabled); err != nil {
			return nil, err
		}
		domains = append(domains, d)
	}
	return domains, rows.Err()
}

func (s *DirectoryStore) ListDomainAliases(ctx context.Context, domainID int64) ([]string, error) {
	return s.strings(ctx,
		`SELECT name FROM domain_aliases WHERE target_id = $1 ORDER BY name`, domainID)
}

// ListAdministeredDomains returns the names of the domains an account
// administers.
func (s *DirectoryStore) ListAdministeredDomains(ctx context.Context, accountID int64) ([]string, error) {
	return s.strings(ctx,
		`SELECT d.name FROM domains d
		 JOIN domain_admins da ON da.domain_id = d.id
		 WHERE da.account_id = $1
		 ORDER BY d.name`, accountID)
}

func (s *DirectoryStore) strings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
