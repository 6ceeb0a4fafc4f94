// Package store implements the durable SQLite-backed domain record store
// the core treats as an external collaborator: it supplies the
// (domain, token, enabled, mode) tuple the Domain Registry authenticates
// against and receives one RequestLogRecord per completed forward.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

var ErrDomainInUse = errors.New("store: domain already in use")
var ErrNotFound = errors.New("store: not found")

// DomainRecord mirrors spec.md §3's DomainRecord, with administrative
// fields (Name, CreatedAt) this expansion adds so the admin CRUD surface
// has something to list.
type DomainRecord struct {
	Domain    string
	TunnelID  string
	Name      string
	TokenHash string
	Enabled   bool
	Mode      string // "http" or "tcp"
	CreatedAt time.Time
	LastSeen  time.Time
}

// RequestLogRecord is one completed-forward log entry.
type RequestLogRecord struct {
	Domain     string
	Method     string
	Path       string
	Status     int
	DurationMs int64
	Err        string
	At         time.Time
}

// Store wraps a SQLite database connection for all domain-record
// persistence, mirroring the teacher's prepared-statement-and-WAL-mode
// idiom.
type Store struct {
	db *sql.DB

	resolveByHashStmt *sql.Stmt
	touchStmt         *sql.Stmt
}

// Open creates or opens the SQLite database at path, runs migrations, and
// enables WAL mode for improved concurrent read performance.
func Open(path string) (*Store, error) {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn := path + sep + "_pragma=foreign_keys(1)&_pragma=synchronous(normal)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite setup (%s): %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.prepareStatements(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	var err error
	if s.resolveByHashStmt != nil {
		err = errors.Join(err, s.resolveByHashStmt.Close())
	}
	if s.touchStmt != nil {
		err = errors.Join(err, s.touchStmt.Close())
	}
	return errors.Join(err, s.db.Close())
}

const ddl = `
CREATE TABLE IF NOT EXISTS domains (
	domain TEXT PRIMARY KEY,
	tunnel_id TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL DEFAULT '',
	token_hash TEXT NOT NULL UNIQUE,
	enabled INTEGER NOT NULL DEFAULT 1,
	mode TEXT NOT NULL DEFAULT 'http',
	created_at DATETIME NOT NULL,
	last_seen_at DATETIME NULL
);
CREATE TABLE IF NOT EXISTS request_log (
	id TEXT PRIMARY KEY,
	domain TEXT NOT NULL,
	method TEXT NOT NULL,
	path TEXT NOT NULL,
	status INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	error TEXT NULL,
	at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_domains_token_hash ON domains(token_hash);
CREATE INDEX IF NOT EXISTS idx_request_log_domain_at ON request_log(domain, at DESC);
`

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) prepareStatements(ctx context.Context) error {
	var err error
	s.resolveByHashStmt, err = s.db.PrepareContext(ctx, `SELECT domain, tunnel_id, enabled FROM domains WHERE token_hash = ?`)
	if err != nil {
		return fmt.Errorf("prepare resolve-by-hash: %w", err)
	}
	s.touchStmt, err = s.db.PrepareContext(ctx, `UPDATE domains SET last_seen_at = ? WHERE domain = ?`)
	if err != nil {
		return fmt.Errorf("prepare touch: %w", err)
	}
	return nil
}

// CreateDomain inserts a new domain record under the caller-supplied token
// hash and returns the tunnel id it generates for it, per the
// administrative surface's CreateDomain operation.
func (s *Store) CreateDomain(ctx context.Context, domain, name, tokenHash, mode string) (tunnelID string, err error) {
	if mode == "" {
		mode = "http"
	}
	tunnelID = uuid.NewString()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO domains (domain, tunnel_id, name, token_hash, enabled, mode, created_at) VALUES (?, ?, ?, ?, 1, ?, ?)`,
		domain, tunnelID, name, tokenHash, mode, time.Now().UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return "", ErrDomainInUse
		}
		return "", err
	}
	return tunnelID, nil
}

// LookupByTokenHash resolves a hashed token to its domain, tunnel id, and
// enabled flag. Callers hash the raw token with internal/auth first; the
// broker's session does so before Bind, so the Registry's DomainLookup
// adapter already receives the hash.
func (s *Store) LookupByTokenHash(ctx context.Context, tokenHash string) (domain, tunnelID string, enabled bool, ok bool, err error) {
	row := s.resolveByHashStmt.QueryRowContext(ctx, tokenHash)
	var enabledInt int
	if scanErr := row.Scan(&domain, &tunnelID, &enabledInt); scanErr != nil {
		if errors.Is(scanErr, sql.ErrNoRows) {
			return "", "", false, false, nil
		}
		return "", "", false, false, scanErr
	}
	return domain, tunnelID, enabledInt != 0, true, nil
}

// SetEnabled flips a domain's enabled gate.
func (s *Store) SetEnabled(ctx context.Context, domain string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE domains SET enabled = ? WHERE domain = ?`, boolToInt(enabled), domain)
	if err != nil {
		return err
	}
	return mustAffectOne(res)
}

// RegenerateToken replaces the stored hash for domain and returns nothing;
// the caller already generated the plaintext token and computed tokenHash.
func (s *Store) RegenerateToken(ctx context.Context, domain, tokenHash string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE domains SET token_hash = ? WHERE domain = ?`, tokenHash, domain)
	if err != nil {
		return err
	}
	return mustAffectOne(res)
}

// List returns all domain records for the admin surface.
func (s *Store) List(ctx context.Context) ([]DomainRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT domain, tunnel_id, name, token_hash, enabled, mode, created_at, last_seen_at FROM domains ORDER BY domain`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DomainRecord
	for rows.Next() {
		var rec DomainRecord
		var enabledInt int
		var lastSeen sql.NullTime
		if err := rows.Scan(&rec.Domain, &rec.TunnelID, &rec.Name, &rec.TokenHash, &enabledInt, &rec.Mode, &rec.CreatedAt, &lastSeen); err != nil {
			return nil, err
		}
		rec.LastSeen = rec.CreatedAt
		if lastSeen.Valid {
			rec.LastSeen = lastSeen.Time
		}
		rec.Enabled = enabledInt != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Touch records that domain was just used by an active session; the broker
// calls it once when a session for the domain tears down.
func (s *Store) Touch(ctx context.Context, domain string) error {
	_, err := s.touchStmt.ExecContext(ctx, time.Now().UTC(), domain)
	return err
}

// DomainExists reports whether domain is already registered, backing the
// admin surface's availability check.
func (s *Store) DomainExists(ctx context.Context, domain string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM domains WHERE domain = ?)`, domain).Scan(&exists)
	return exists, err
}

// ListRequests returns a page of domain's request_log rows, most recent
// first, for the admin surface's per-domain log read.
func (s *Store) ListRequests(ctx context.Context, domain string, limit, offset int) ([]RequestLogRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT domain, method, path, status, duration_ms, COALESCE(error, ''), at
		 FROM request_log WHERE domain = ? ORDER BY at DESC LIMIT ? OFFSET ?`,
		domain, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RequestLogRecord
	for rows.Next() {
		var rec RequestLogRecord
		if err := rows.Scan(&rec.Domain, &rec.Method, &rec.Path, &rec.Status, &rec.DurationMs, &rec.Err, &rec.At); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RecordRequest appends one request_log row, the core's "request log" sink.
func (s *Store) RecordRequest(ctx context.Context, rec RequestLogRecord) error {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO request_log (id, domain, method, path, status, duration_ms, error, at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, rec.Domain, rec.Method, rec.Path, rec.Status, rec.DurationMs, nullableString(rec.Err), rec.At)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func mustAffectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "unique")
}
