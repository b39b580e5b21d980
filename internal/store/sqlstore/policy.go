package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/znz-systems/quarantined/internal/models"
	"github.com/znz-systems/quarantined/internal/store"
)

type PolicyStore struct {
	db *DB
}

func NewPolicyStore(db *DB) *PolicyStore {
	return &PolicyStore{db: db}
}

const policyColumns = `id, COALESCE(policy_name, '') AS policy_name, sa_username,
	spam_tag_level, spam_tag2_level, spam_kill_level,
	bypass_virus_checks, bypass_spam_checks, bypass_banned_checks, bypass_header_checks,
	spam_subject_tag2`

func (s *PolicyStore) GetPolicyByName(ctx context.Context, name string) (*models.Policy, error) {
	var p models.Policy
	err := s.db.GetContext(ctx, &p, s.db.Rebind(
		`SELECT `+policyColumns+` FROM policy WHERE policy_name = ? ORDER BY id LIMIT 1`),
		models.PolicyName(name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting policy %q: %w", name, err)
	}
	return &p, nil
}

func (s *PolicyStore) PolicyWithSAUsernameExists(ctx context.Context, username string) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count, s.db.Rebind(
		`SELECT COUNT(*) FROM policy WHERE sa_username = ?`), username)
	if err != nil {
		return false, fmt.Errorf("looking up policy by sa_username: %w", err)
	}
	return count > 0, nil
}

// EnsurePolicy returns the policy named name, creating it first when it does
// not exist. The name is truncated to the policy key width.
func (s *PolicyStore) EnsurePolicy(ctx context.Context, name string) (*models.Policy, error) {
	name = models.PolicyName(name)
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO policy (policy_name)
		SELECT ? WHERE NOT EXISTS (SELECT 1 FROM policy WHERE policy_name = ?)`),
		name, name)
	if err != nil {
		return nil, fmt.Errorf("creating policy %q: %w", name, err)
	}
	return s.GetPolicyByName(ctx, name)
}

func (s *PolicyStore) SetPolicySAUsername(ctx context.Context, policyID int64, username string) error {
	return s.update(ctx, `UPDATE policy SET sa_username = ? WHERE id = ?`, username, policyID)
}

func (s *PolicyStore) RenamePolicy(ctx context.Context, policyID int64, name string) error {
	return s.update(ctx, `UPDATE policy SET policy_name = ? WHERE id = ?`, models.PolicyName(name), policyID)
}

// DeletePolicy removes a policy together with every user bound to it.
func (s *PolicyStore) DeletePolicy(ctx context.Context, policyID int64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM users WHERE policy_id = ?`), policyID); err != nil {
		return fmt.Errorf("deleting policy users: %w", err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM policy WHERE id = ?`), policyID); err != nil {
		return fmt.Errorf("deleting policy: %w", err)
	}
	return tx.Commit()
}

func (s *PolicyStore) GetUserByEmail(ctx context.Context, email string) (*models.DirectoryUser, error) {
	var u models.DirectoryUser
	err := s.db.GetContext(ctx, &u, s.db.Rebind(`
		SELECT id, priority, policy_id, email, COALESCE(fullname, '') AS fullname
		FROM users WHERE email = ?`), email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting directory user %q: %w", email, err)
	}
	return &u, nil
}

// EnsureUser binds email to policyID, creating the users record when
// missing.
func (s *PolicyStore) EnsureUser(ctx context.Context, email string, policyID int64, priority int) (*models.DirectoryUser, error) {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO users (priority, policy_id, email, fullname)
		SELECT CAST(? AS INTEGER), CAST(? AS INTEGER), ?, ?
		WHERE NOT EXISTS (SELECT 1 FROM users WHERE email = ?)`),
		priority, policyID, email, email, email)
	if err != nil {
		return nil, fmt.Errorf("creating directory user %q: %w", email, err)
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE users SET policy_id = ? WHERE email = ? AND policy_id <> ?`),
		policyID, email, policyID); err != nil {
		return nil, fmt.Errorf("binding directory user %q: %w", email, err)
	}
	return s.GetUserByEmail(ctx, email)
}

func (s *PolicyStore) RenameUser(ctx context.Context, id int64, email string) error {
	return s.update(ctx, `UPDATE users SET email = ?, fullname = ? WHERE id = ?`, email, email, id)
}

func (s *PolicyStore) DeleteUser(ctx context.Context, id int64) error {
	return s.update(ctx, `DELETE FROM users WHERE id = ?`, id)
}

func (s *PolicyStore) update(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
