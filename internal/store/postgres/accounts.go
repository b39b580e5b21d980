package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/znz-systems/quarantined/internal/models"
	"github.com/znz-systems/quarantined/internal/store"
)

// DirectoryStore reads accounts, domains, mailboxes and aliases from the
// admin directory database.
type DirectoryStore struct {
	db *sql.DB
}

func NewDirectoryStore(db *sql.DB) *DirectoryStore {
	return &DirectoryStore{db: db}
}

func (s *DirectoryStore) GetAccountByEmail(ctx context.Context, email string) (*models.Account, error) {
	a := &models.Account{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, role, is_superuser, is_active, created_at
		 FROM accounts WHERE LOWER(email) = LOWER($1)`, email,
	).Scan(&a.ID, &a.Email, &a.Role, &a.IsSuperuser, &a.IsActive, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (s *DirectoryStore) ListAccountsByRole(ctx context.Context, role models.Role) ([]models.Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, email, role, is_superuser, is_active, created_at
		 FROM accounts WHERE is_active AND (role = $1 OR ($1 = 'SuperAdmins' AND is_superuser))
		 ORDER BY id`, string(role))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []models.Account
	for rows.Next() {
		var a models.Account
		if err := rows.Scan(&a.ID, &a.Email, &a.Role, &a.IsSuperuser, &a.IsActive, &a.CreatedAt); err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}
