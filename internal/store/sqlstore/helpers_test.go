package sqlstore

import (
	"context"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/znz-systems/quarantined/internal/address"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()

	raw, err := sqlx.Open("sqlite", ":memory:")
	require.NoError(t, err)
	raw.SetMaxOpenConns(1)
	t.Cleanup(func() { raw.Close() })

	db := Wrap(raw, sqliteDialect{})
	require.NoError(t, db.InitSchema(context.Background()))
	return db
}

type seeder struct {
	t  *testing.T
	db *DB
}

func (s seeder) addr(email string) int64 {
	s.t.Helper()
	_, domain, _ := address.SplitAddress(email)
	res, err := s.db.Exec(`INSERT INTO maddr (email, domain) VALUES (?, ?)`, email, address.ReverseDomain(domain))
	require.NoError(s.t, err)
	id, err := res.LastInsertId()
	require.NoError(s.t, err)
	return id
}

type seedMsg struct {
	mailID   string
	secretID string
	from     string
	subject  string
	timeNum  int64
	content  string
	chunks   []string
}

func (s seeder) msg(m seedMsg, senderID int64) {
	s.t.Helper()
	_, err := s.db.Exec(`INSERT INTO msgs (mail_id, secret_id, time_num, sid, content, from_addr, subject, size)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.mailID, m.secretID, m.timeNum, senderID, m.content, m.from, m.subject, 100)
	require.NoError(s.t, err)
	for i, c := range m.chunks {
		_, err := s.db.Exec(`INSERT INTO quarantine (mail_id, chunk_ind, mail_text) VALUES (?, ?, ?)`,
			m.mailID, i+1, []byte(c))
		require.NoError(s.t, err)
	}
}

func (s seeder) rcpt(mailID string, seq int, rid int64, content, rs string, score float64) {
	s.t.Helper()
	_, err := s.db.Exec(`INSERT INTO msgrcpt (mail_id, rseqnum, rid, content, rs, bspam_level)
		VALUES (?, ?, ?, ?, ?, ?)`, mailID, seq, rid, content, rs, score)
	require.NoError(s.t, err)
}
