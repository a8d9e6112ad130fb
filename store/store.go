// Package store is the SQLite record store: mail accounts with their
// polling cursors, versioned mapping rules, the job history, and the
// seen-set used to deduplicate polled attachments.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/tablemill/job"
	"github.com/hazyhaar/tablemill/rules"
)

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path with WAL pragmas and runs
// migrations.
func Open(path string) (*Store, error) {
	return open(path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)&_pragma=foreign_keys(ON)")
}

// OpenMemory opens a fresh in-memory database for tests and closes it on
// cleanup.
func OpenMemory(t *testing.T) *Store {
	t.Helper()
	s, err := open("file::memory:?mode=memory&_pragma=foreign_keys(ON)")
	if err != nil {
		t.Fatalf("open memory db: %v", err)
	}
	// In-memory SQLite vanishes when its last connection closes.
	s.db.SetMaxOpenConns(1)
	t.Cleanup(func() { s.Close() })
	return s
}

func open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// DB returns the underlying *sql.DB.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS accounts (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    host        TEXT NOT NULL,
    port        INTEGER NOT NULL DEFAULT 993,
    username    TEXT NOT NULL,
    password    TEXT NOT NULL,
    folder      TEXT NOT NULL DEFAULT 'INBOX',
    active      INTEGER NOT NULL DEFAULT 1,
    last_uid    INTEGER NOT NULL DEFAULT 0,
    created_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS rules (
    id          INTEGER NOT NULL,
    version     INTEGER NOT NULL,
    position    INTEGER NOT NULL DEFAULT 0,
    active      INTEGER NOT NULL DEFAULT 1,
    spec        TEXT NOT NULL,
    created_at  TEXT NOT NULL,
    PRIMARY KEY (id, version)
);

CREATE TABLE IF NOT EXISTS jobs (
    id            TEXT PRIMARY KEY,
    origin        TEXT NOT NULL,
    source_path   TEXT NOT NULL,
    source_name   TEXT NOT NULL,
    sender        TEXT NOT NULL DEFAULT '',
    subject       TEXT NOT NULL DEFAULT '',
    fingerprint   TEXT NOT NULL DEFAULT '',
    rule_id       INTEGER NOT NULL DEFAULT 0,
    rule_version  INTEGER NOT NULL DEFAULT 0,
    state         TEXT NOT NULL,
    attempts      INTEGER NOT NULL DEFAULT 0,
    error_kind    TEXT NOT NULL DEFAULT '',
    error_msg     TEXT NOT NULL DEFAULT '',
    output_path   TEXT NOT NULL DEFAULT '',
    submitted_at  TEXT NOT NULL,
    started_at    TEXT NOT NULL DEFAULT '',
    finished_at   TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS seen (
    fingerprint TEXT PRIMARY KEY,
    created_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_state    ON jobs(state);
CREATE INDEX IF NOT EXISTS idx_jobs_finished ON jobs(finished_at);
CREATE INDEX IF NOT EXISTS idx_rules_active  ON rules(active, position);
`
	_, err := s.db.Exec(ddl)
	return err
}

func now() string { return time.Now().UTC().Format(time.RFC3339) }

// --- Accounts ---

// Account is a monitored mailbox with its polling cursor.
type Account struct {
	ID       int64
	Host     string
	Port     int
	Username string
	Password string
	Folder   string
	Active   bool
	LastUID  uint32
}

// CreateAccount inserts a new account and returns its id.
func (s *Store) CreateAccount(a *Account) (int64, error) {
	port := a.Port
	if port == 0 {
		port = 993
	}
	folder := a.Folder
	if folder == "" {
		folder = "INBOX"
	}
	res, err := s.db.Exec(
		`INSERT INTO accounts (host, port, username, password, folder, active, last_uid, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.Host, port, a.Username, a.Password, folder, boolInt(a.Active), a.LastUID, now(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListActiveAccounts returns all active accounts.
func (s *Store) ListActiveAccounts(ctx context.Context) ([]*Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, host, port, username, password, folder, active, last_uid
		 FROM accounts WHERE active = 1 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		a := &Account{}
		var active int
		if err := rows.Scan(&a.ID, &a.Host, &a.Port, &a.Username, &a.Password,
			&a.Folder, &active, &a.LastUID); err != nil {
			return nil, err
		}
		a.Active = active == 1
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// AdvanceCursor moves an account's last-seen UID forward. The guard keeps
// the cursor monotonically non-decreasing even if scans race a restart.
func (s *Store) AdvanceCursor(ctx context.Context, accountID int64, uid uint32) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET last_uid = ? WHERE id = ? AND last_uid < ?`,
		uid, accountID, uid,
	)
	return err
}

// --- Rules ---

// SaveRule stores a new version of a rule. A zero rule id allocates a new
// id. The version written is returned; existing versions are never touched.
func (s *Store) SaveRule(r *rules.Rule, position int) (int64, int64, error) {
	if err := r.Validate(); err != nil {
		return 0, 0, err
	}
	id := r.ID
	if id == 0 {
		if err := s.db.QueryRow(`SELECT COALESCE(MAX(id), 0) + 1 FROM rules`).Scan(&id); err != nil {
			return 0, 0, err
		}
	}
	var version int64
	if err := s.db.QueryRow(
		`SELECT COALESCE(MAX(version), 0) + 1 FROM rules WHERE id = ?`, id,
	).Scan(&version); err != nil {
		return 0, 0, err
	}
	r.ID = id
	r.Version = version
	spec, err := json.Marshal(r)
	if err != nil {
		return 0, 0, fmt.Errorf("marshal rule: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO rules (id, version, position, active, spec, created_at) VALUES (?, ?, ?, 1, ?, ?)`,
		id, version, position, string(spec), now(),
	)
	return id, version, err
}

// GetRuleVersion returns one exact rule snapshot. Returns nil, nil if not
// found.
func (s *Store) GetRuleVersion(ctx context.Context, id, version int64) (*rules.Rule, error) {
	var spec string
	err := s.db.QueryRowContext(ctx,
		`SELECT spec FROM rules WHERE id = ? AND version = ?`, id, version,
	).Scan(&spec)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return unmarshalRule(spec)
}

// LatestRules returns the newest active version of every rule in
// declaration (position, id) order — the snapshot the matcher runs over.
func (s *Store) LatestRules(ctx context.Context) ([]*rules.Rule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.spec FROM rules r
		JOIN (SELECT id, MAX(version) AS v FROM rules WHERE active = 1 GROUP BY id) latest
		  ON r.id = latest.id AND r.version = latest.v
		ORDER BY r.position, r.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []*rules.Rule
	for rows.Next() {
		var spec string
		if err := rows.Scan(&spec); err != nil {
			return nil, err
		}
		r, err := unmarshalRule(spec)
		if err != nil {
			return nil, err
		}
		list = append(list, r)
	}
	return list, rows.Err()
}

func unmarshalRule(spec string) (*rules.Rule, error) {
	r := &rules.Rule{}
	if err := json.Unmarshal([]byte(spec), r); err != nil {
		return nil, fmt.Errorf("unmarshal rule: %w", err)
	}
	return r, nil
}

// --- Jobs ---

// UpsertJob persists the full job row. Last-writer-wins is fine: only the
// owning worker ever writes a given job's state.
func (s *Store) UpsertJob(ctx context.Context, j *job.Job) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, origin, source_path, source_name, sender, subject, fingerprint,
		                  rule_id, rule_version, state, attempts, error_kind, error_msg,
		                  output_path, submitted_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		    rule_id = excluded.rule_id, rule_version = excluded.rule_version,
		    state = excluded.state, attempts = excluded.attempts,
		    error_kind = excluded.error_kind, error_msg = excluded.error_msg,
		    output_path = excluded.output_path,
		    started_at = excluded.started_at, finished_at = excluded.finished_at`,
		j.ID, j.Origin, j.SourcePath, j.SourceName, j.Sender, j.Subject, j.Fingerprint,
		j.RuleID, j.RuleVersion, j.State, j.Attempts, j.ErrorKind, j.ErrorMsg,
		j.OutputPath, fmtTime(j.SubmittedAt), fmtTime(j.StartedAt), fmtTime(j.FinishedAt),
	)
	return err
}

// GetJob returns a job by id. Returns nil, nil if not found.
func (s *Store) GetJob(ctx context.Context, id string) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, origin, source_path, source_name, sender, subject, fingerprint,
		       rule_id, rule_version, state, attempts, error_kind, error_msg,
		       output_path, submitted_at, started_at, finished_at
		FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return j, err
}

// ListNonTerminal returns jobs stuck in a non-terminal state — used at
// startup to fail anything interrupted by a crash.
func (s *Store) ListNonTerminal(ctx context.Context) ([]*job.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, origin, source_path, source_name, sender, subject, fingerprint,
		       rule_id, rule_version, state, attempts, error_kind, error_msg,
		       output_path, submitted_at, started_at, finished_at
		FROM jobs WHERE state NOT IN (?, ?, ?) ORDER BY submitted_at`,
		job.StateCompleted, job.StateFailed, job.StateUnmapped)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, j)
	}
	return list, rows.Err()
}

// PurgeTerminalBefore deletes terminal jobs finished before cutoff and
// returns the number removed. The pipeline itself never calls this; only
// the retention sweep does.
func (s *Store) PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE state IN (?, ?, ?) AND finished_at != '' AND finished_at < ?`,
		job.StateCompleted, job.StateFailed, job.StateUnmapped,
		cutoff.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type scanner interface{ Scan(dest ...any) error }

func scanJob(row scanner) (*job.Job, error) {
	j := &job.Job{}
	var submitted, started, finished string
	err := row.Scan(&j.ID, &j.Origin, &j.SourcePath, &j.SourceName, &j.Sender, &j.Subject,
		&j.Fingerprint, &j.RuleID, &j.RuleVersion, &j.State, &j.Attempts,
		&j.ErrorKind, &j.ErrorMsg, &j.OutputPath, &submitted, &started, &finished)
	if err != nil {
		return nil, err
	}
	j.SubmittedAt = parseTime(submitted)
	j.StartedAt = parseTime(started)
	j.FinishedAt = parseTime(finished)
	return j, nil
}

// --- Seen set ---

// MarkSeen records a message/attachment fingerprint. Returns true if the
// fingerprint was new — the caller should only enqueue on true.
func (s *Store) MarkSeen(ctx context.Context, fingerprint string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO seen (fingerprint, created_at) VALUES (?, ?)`,
		fingerprint, now(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ForgetSeen removes a fingerprint so a later scan can retry the
// attachment. Used when enqueueing failed after the mark.
func (s *Store) ForgetSeen(ctx context.Context, fingerprint string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM seen WHERE fingerprint = ?`, fingerprint)
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
