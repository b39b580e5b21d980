package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/znz-systems/quarantined/internal/models"
	"github.com/znz-systems/quarantined/internal/store"
)

// deleteChunk bounds the number of identifiers bound in one DELETE.
const deleteChunk = 500

type QuarantineStore struct {
	db *DB
}

func NewQuarantineStore(db *DB) *QuarantineStore {
	return &QuarantineStore{db: db}
}

const quarantineFrom = `
	FROM msgrcpt
	JOIN msgs ON msgs.mail_id = msgrcpt.mail_id
	JOIN maddr ON maddr.id = msgrcpt.rid`

func (s *QuarantineStore) where(f store.QuarantineFilter) (string, []any) {
	var (
		sb    strings.Builder
		args  []any
		email = s.db.dialect.AddressText("maddr.email")
	)
	sb.WriteString(" WHERE 1 = 1")

	if len(f.Statuses) > 0 {
		statuses := make([]string, 0, len(f.Statuses))
		for _, st := range f.Statuses {
			statuses = append(statuses, string(st))
		}
		sb.WriteString(" AND msgrcpt.rs IN (?)")
		args = append(args, statuses)
	}
	if len(f.Recipients) > 0 {
		sb.WriteString(" AND " + email + " IN (?)")
		args = append(args, f.Recipients)
	}
	if len(f.ReversedDomains) > 0 {
		sb.WriteString(" AND maddr.domain IN (?)")
		args = append(args, f.ReversedDomains)
	}
	if f.Pattern != "" {
		var (
			conds   []string
			like    = s.db.dialect.Like()
			pattern = "%" + escapeLike(f.Pattern) + "%"
		)
		for _, crit := range f.Criteria {
			var col string
			switch crit {
			case store.CriterionFrom:
				col = "msgs.from_addr"
			case store.CriterionSubject:
				col = "msgs.subject"
			case store.CriterionTo:
				col = email
			default:
				continue
			}
			conds = append(conds, col+" "+like+` ? ESCAPE '\'`)
			args = append(args, pattern)
		}
		if len(conds) > 0 {
			sb.WriteString(" AND (" + strings.Join(conds, " OR ") + ")")
		}
	}
	if f.ContentType != "" {
		sb.WriteString(" AND msgrcpt.content = ?")
		args = append(args, string(f.ContentType))
	}
	if f.Quarantined {
		sb.WriteString(" AND msgrcpt.mail_id IN (SELECT mail_id FROM quarantine WHERE chunk_ind = 1)")
	}
	return sb.String(), args
}

func (s *QuarantineStore) orderBy(order string) (string, error) {
	if order == "" {
		return " ORDER BY msgrcpt.mail_id, msgrcpt.rseqnum", nil
	}
	dir := "ASC"
	key := order
	if strings.HasPrefix(key, "-") {
		dir = "DESC"
		key = key[1:]
	}
	var col string
	switch key {
	case "type":
		col = "msgrcpt.content"
	case "score":
		col = "msgrcpt.bspam_level"
	case "date":
		col = "msgs.time_num"
	case "subject":
		col = "msgs.subject"
	case "from":
		col = "msgs.from_addr"
	case "to":
		col = s.db.dialect.AddressText("maddr.email")
	default:
		return "", fmt.Errorf("%w: %q", store.ErrInvalidSortKey, order)
	}
	return " ORDER BY " + col + " " + dir + ", msgrcpt.mail_id, msgrcpt.rseqnum", nil
}

func (s *QuarantineStore) CountQuarantine(ctx context.Context, f store.QuarantineFilter) (int, error) {
	where, args := s.where(f)
	query, args, err := s.db.in("SELECT COUNT(*)"+quarantineFrom+where, args...)
	if err != nil {
		return 0, fmt.Errorf("building quarantine count: %w", err)
	}

	var count int
	if err := s.db.GetContext(ctx, &count, query, args...); err != nil {
		return 0, fmt.Errorf("counting quarantine: %w", err)
	}
	return count, nil
}

func (s *QuarantineStore) ListQuarantine(ctx context.Context, f store.QuarantineFilter, limit, offset int) ([]models.QuarantineRow, error) {
	order, err := s.orderBy(f.Order)
	if err != nil {
		return nil, err
	}
	where, args := s.where(f)

	var sb strings.Builder
	sb.WriteString(`SELECT msgrcpt.mail_id, msgrcpt.rseqnum, msgrcpt.rid, `)
	sb.WriteString(s.db.dialect.AddressText("maddr.email"))
	sb.WriteString(` AS email, msgrcpt.content, msgrcpt.rs, msgrcpt.bspam_level,
		msgs.time_num, COALESCE(msgs.from_addr, '') AS from_addr, COALESCE(msgs.subject, '') AS subject`)
	sb.WriteString(quarantineFrom)
	sb.WriteString(where)
	sb.WriteString(order)
	sb.WriteString(" LIMIT ? OFFSET ?")
	args = append(args, limit, offset)

	query, args, err := s.db.in(sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("building quarantine listing: %w", err)
	}

	var rows []models.QuarantineRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("listing quarantine: %w", err)
	}
	return rows, nil
}

func (s *QuarantineStore) GetRecipientMessage(ctx context.Context, mailID, rcpt string) (*models.Recipient, error) {
	email := s.db.dialect.AddressText("maddr.email")
	query := s.db.Rebind(`SELECT msgrcpt.mail_id, msgrcpt.rseqnum, msgrcpt.rid, ` + email + ` AS email,
		msgrcpt.content, msgrcpt.rs, msgrcpt.bl, msgrcpt.wl, msgrcpt.bspam_level,
		COALESCE(msgs.secret_id, '') AS secret_id` +
		quarantineFrom + `
		WHERE msgrcpt.mail_id = ? AND ` + email + ` = ?
		ORDER BY msgrcpt.rseqnum LIMIT 1`)

	var r models.Recipient
	err := s.db.GetContext(ctx, &r, query, mailID, rcpt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting recipient message: %w", err)
	}
	return &r, nil
}

// SetRecipientStatus moves the recipient to status. Deleted and released
// recipients only accept their own status again.
func (s *QuarantineStore) SetRecipientStatus(ctx context.Context, mailID, rcpt string, status models.Status) error {
	match := ` WHERE mail_id = ? AND rid IN (SELECT id FROM maddr WHERE ` +
		s.db.dialect.AddressText("maddr.email") + ` = ?)`
	query := s.db.Rebind(`UPDATE msgrcpt SET rs = ?` + match + ` AND (rs NOT IN (?, ?) OR rs = ?)`)

	res, err := s.db.ExecContext(ctx, query, string(status), mailID, rcpt,
		string(models.StatusDeleted), string(models.StatusReleased), string(status))
	if err != nil {
		return fmt.Errorf("setting recipient status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("setting recipient status: %w", err)
	}
	if n > 0 {
		return nil
	}

	// MySQL reports unchanged rows as unaffected.
	var current []models.Status
	if err := s.db.SelectContext(ctx, &current, s.db.Rebind(`SELECT rs FROM msgrcpt`+match), mailID, rcpt); err != nil {
		return fmt.Errorf("setting recipient status: %w", err)
	}
	if len(current) == 0 {
		return store.ErrNotFound
	}
	for _, st := range current {
		if st.Terminal() && st != status {
			return store.ErrTerminalStatus
		}
	}
	return nil
}

func (s *QuarantineStore) GetMessage(ctx context.Context, mailID string) (*models.Message, error) {
	var m models.Message
	err := s.db.GetContext(ctx, &m, s.db.Rebind(`
		SELECT mail_id, COALESCE(secret_id, '') AS secret_id, sid, time_num,
			COALESCE(content, '') AS content, size,
			COALESCE(from_addr, '') AS from_addr, COALESCE(subject, '') AS subject
		FROM msgs WHERE mail_id = ?`), mailID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting message: %w", err)
	}
	return &m, nil
}

func (s *QuarantineStore) GetMailChunks(ctx context.Context, mailID string) ([]models.Chunk, error) {
	var chunks []models.Chunk
	err := s.db.SelectContext(ctx, &chunks, s.db.Rebind(`
		SELECT mail_id, chunk_ind, mail_text FROM quarantine
		WHERE mail_id = ? ORDER BY chunk_ind`), mailID)
	if err != nil {
		return nil, fmt.Errorf("getting mail chunks: %w", err)
	}
	return chunks, nil
}

// DeleteMessagesWithStatuses removes messages whose every recipient has one
// of statuses.
func (s *QuarantineStore) DeleteMessagesWithStatuses(ctx context.Context, statuses []models.Status) (int64, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	flags := make([]string, 0, len(statuses))
	for _, st := range statuses {
		flags = append(flags, string(st))
	}

	query, args, err := s.db.in(`
		SELECT DISTINCT mail_id FROM msgrcpt
		WHERE rs IN (?)
		AND mail_id NOT IN (SELECT mail_id FROM msgrcpt WHERE rs NOT IN (?))`, flags, flags)
	if err != nil {
		return 0, fmt.Errorf("building marked messages query: %w", err)
	}

	var ids []string
	if err := s.db.SelectContext(ctx, &ids, query, args...); err != nil {
		return 0, fmt.Errorf("selecting marked messages: %w", err)
	}
	return s.deleteMessages(ctx, ids)
}

// DeleteMessagesOlderThan removes at most limit messages received before
// cutoff (a unix timestamp). Callers loop until it returns zero.
func (s *QuarantineStore) DeleteMessagesOlderThan(ctx context.Context, cutoff int64, limit int) (int64, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, s.db.Rebind(
		`SELECT mail_id FROM msgs WHERE time_num < ? ORDER BY time_num LIMIT ?`), cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("selecting old messages: %w", err)
	}
	return s.deleteMessages(ctx, ids)
}

// DeleteUnreferencedAddresses removes at most limit addresses no message or
// recipient points to.
func (s *QuarantineStore) DeleteUnreferencedAddresses(ctx context.Context, limit int) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		DELETE FROM maddr WHERE id IN (
			SELECT m.id FROM maddr m
			WHERE NOT EXISTS (SELECT 1 FROM msgs WHERE msgs.sid = m.id)
			AND NOT EXISTS (SELECT 1 FROM msgrcpt WHERE msgrcpt.rid = m.id)
			LIMIT ?
		)`), limit)
	if err != nil {
		return 0, fmt.Errorf("deleting unreferenced addresses: %w", err)
	}
	return res.RowsAffected()
}

func (s *QuarantineStore) deleteMessages(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var deleted int64
	for start := 0; start < len(ids); start += deleteChunk {
		end := min(start+deleteChunk, len(ids))
		batch := ids[start:end]
		for _, table := range []string{"quarantine", "msgrcpt"} {
			if _, err := execIn(ctx, tx, "DELETE FROM "+table+" WHERE mail_id IN (?)", batch); err != nil {
				return 0, fmt.Errorf("deleting from %s: %w", table, err)
			}
		}
		n, err := execIn(ctx, tx, "DELETE FROM msgs WHERE mail_id IN (?)", batch)
		if err != nil {
			return 0, fmt.Errorf("deleting from msgs: %w", err)
		}
		deleted += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing message deletion: %w", err)
	}
	return deleted, nil
}

func execIn(ctx context.Context, tx *sqlx.Tx, query string, ids []string) (int64, error) {
	q, args, err := sqlx.In(query, ids)
	if err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, tx.Rebind(q), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
