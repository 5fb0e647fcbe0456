// Package history records past sessions and the answers saved for hidden
// and select authentication fields, in a SQLite database next to the
// credential store.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.

	"github.com/yllada/ocvpn/common"
	"github.com/yllada/ocvpn/vpn"
)

// migrations are applied in order on open. Each is idempotent.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id           TEXT PRIMARY KEY,
		name         TEXT NOT NULL,
		server       TEXT NOT NULL DEFAULT '',
		started_at   TEXT NOT NULL,
		ended_at     TEXT,
		final_status TEXT NOT NULL DEFAULT '',
		error        TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS sessions_started_at ON sessions (started_at)`,
	`CREATE TABLE IF NOT EXISTS form_answers (
		profile    TEXT NOT NULL,
		form_id    TEXT NOT NULL,
		option_id  TEXT NOT NULL,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (profile, form_id, option_id)
	)`,
}

// Record is one row of session history. EndedAt is nil while the session
// is still running.
type Record struct {
	ID          string
	Name        string
	Server      string
	StartedAt   time.Time
	EndedAt     *time.Time
	FinalStatus string
	Error       string
}

// Duration returns how long the session ran, up to now if it has not ended.
func (r *Record) Duration() time.Duration {
	if r.EndedAt == nil {
		return time.Since(r.StartedAt)
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// Answer is one saved form answer.
type Answer struct {
	Profile   string
	Key       vpn.FormKey
	Value     string
	UpdatedAt time.Time
}

// Store is the history database.
type Store struct {
	db *sql.DB
}

// DefaultPath returns the database path in the configuration directory.
func DefaultPath() (string, error) {
	return common.ConfigPath(common.HistoryFileName)
}

// Open opens (or creates) the database at path and runs migrations.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open history: %v", common.ErrStore, err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	if err := common.ChownToInvoker(path); err != nil {
		common.LogWarn("history: chown %s: %v", path, err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	for _, stmt := range migrations {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("%w: history migration: %v", common.ErrStore, err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// timeLayout is fixed-width so that stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(raw string) time.Time {
	t, _ := time.Parse(timeLayout, raw)
	return t
}

// Begin records the start of a session.
func (s *Store) Begin(ctx context.Context, id, name, server string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, name, server, started_at) VALUES (?, ?, ?, ?)`,
		id, name, server, formatTime(at))
	if err != nil {
		return fmt.Errorf("%w: begin session %s: %v", common.ErrStore, name, err)
	}
	return nil
}

// Finish records how a session ended. Finishing an unknown or already
// finished session is a no-op.
func (s *Store) Finish(ctx context.Context, id, status, errMsg string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ?, final_status = ?, error = ?
		 WHERE id = ? AND ended_at IS NULL`,
		formatTime(at), status, errMsg, id)
	if err != nil {
		return fmt.Errorf("%w: finish session: %v", common.ErrStore, err)
	}
	return nil
}

// Recent returns up to limit sessions, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, server, started_at, ended_at, final_status, error
		 FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list sessions: %v", common.ErrStore, err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		var (
			r       Record
			started string
			ended   sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Name, &r.Server, &started, &ended, &r.FinalStatus, &r.Error); err != nil {
			return nil, fmt.Errorf("%w: scan session: %v", common.ErrStore, err)
		}
		r.StartedAt = parseTime(started)
		if ended.Valid {
			t := parseTime(ended.String)
			r.EndedAt = &t
		}
		records = append(records, &r)
	}
	return records, rows.Err()
}

// SaveAnswer stores the value for one form field of a profile, replacing
// any earlier value.
func (s *Store) SaveAnswer(ctx context.Context, profile string, key vpn.FormKey, value string) error {
	if profile == "" || key.FormID == "" || key.OptionID == "" {
		return fmt.Errorf("%w: profile, form and option are required", common.ErrConfig)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO form_answers (profile, form_id, option_id, value, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (profile, form_id, option_id)
		 DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		profile, key.FormID, key.OptionID, value, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("%w: save answer: %v", common.ErrStore, err)
	}
	return nil
}

// Answers returns the saved answers of a profile, keyed for the form
// resolver.
func (s *Store) Answers(ctx context.Context, profile string) (map[vpn.FormKey]string, error) {
	list, err := s.ListAnswers(ctx, profile)
	if err != nil {
		return nil, err
	}
	answers := make(map[vpn.FormKey]string, len(list))
	for _, a := range list {
		answers[a.Key] = a.Value
	}
	return answers, nil
}

// ListAnswers returns the saved answers of a profile ordered by form and
// option. An empty profile lists every profile.
func (s *Store) ListAnswers(ctx context.Context, profile string) ([]Answer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT profile, form_id, option_id, value, updated_at FROM form_answers
		 WHERE ? = '' OR profile = ?
		 ORDER BY profile, form_id, option_id`, profile, profile)
	if err != nil {
		return nil, fmt.Errorf("%w: list answers: %v", common.ErrStore, err)
	}
	defer rows.Close()

	var answers []Answer
	for rows.Next() {
		var (
			a       Answer
			updated string
		)
		if err := rows.Scan(&a.Profile, &a.Key.FormID, &a.Key.OptionID, &a.Value, &updated); err != nil {
			return nil, fmt.Errorf("%w: scan answer: %v", common.ErrStore, err)
		}
		a.UpdatedAt = parseTime(updated)
		answers = append(answers, a)
	}
	return answers, rows.Err()
}

// DeleteAnswers removes every saved answer of a profile and returns how
// many there were.
func (s *Store) DeleteAnswers(ctx context.Context, profile string) (int64, error) {
	if profile == "" {
		return 0, errors.New("profile name cannot be empty")
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM form_answers WHERE profile = ?`, profile)
	if err != nil {
		return 0, fmt.Errorf("%w: delete answers: %v", common.ErrStore, err)
	}
	return res.RowsAffected()
}
