package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const maxErrorMessage = 2000

func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func Migrate(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
  version VARCHAR(255) PRIMARY KEY,
  applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`); err != nil {
		return err
	}

	versions, err := migrationVersions()
	if err != nil {
		return err
	}
	for _, v := range versions {
		var got string
		err := db.QueryRow(`SELECT version FROM schema_migrations WHERE version = ?`, v).Scan(&got)
		if err == nil {
			continue
		}
		if err != sql.ErrNoRows {
			return err
		}

		raw, err := migrationFS.ReadFile("migrations/" + v)
		if err != nil {
			return err
		}
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		for _, stmt := range splitSQLStatements(string(raw)) {
			if _, err := tx.Exec(stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("migration %s: %w", v, err)
			}
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations(version) VALUES (?)`, v); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %s: %w", v, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

func migrationVersions() ([]string, error) {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return nil, err
	}
	versions := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			versions = append(versions, e.Name())
		}
	}
	sort.Strings(versions)
	return versions, nil
}

// splitSQLStatements splits on semicolons outside quotes and backticks and
// drops empty statements.
func splitSQLStatements(script string) []string {
	var (
		out                            []string
		cur                            strings.Builder
		inSingle, inDouble, inBacktick bool
		escape                         bool
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}
	for _, r := range script {
		if escape {
			escape = false
			cur.WriteRune(r)
			continue
		}
		if r == '\\' && (inSingle || inDouble) {
			escape = true
			cur.WriteRune(r)
			continue
		}
		switch r {
		case '\'':
			if !inDouble && !inBacktick {
				inSingle = !inSingle
			}
		case '"':
			if !inSingle && !inBacktick {
				inDouble = !inDouble
			}
		case '`':
			if !inSingle && !inDouble {
				inBacktick = !inBacktick
			}
		case ';':
			if !inSingle && !inDouble && !inBacktick {
				flush()
				continue
			}
		}
		cur.WriteRune(r)
	}
	flush()
	return out
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// MySQLSink inserts records into gateway_requests.
type MySQLSink struct {
	db execer
}

func NewMySQLSink(db *sql.DB) *MySQLSink { return &MySQLSink{db: db} }

const insertRecord = `INSERT INTO gateway_requests
  (request_id, account_id, backend, model, upstream_model, stream, status, stop_reason,
   error_kind, error_message, input_tokens, output_tokens, cache_read_tokens,
   cache_creation_tokens, latency_ms, fallback)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func (s *MySQLSink) Record(ctx context.Context, r Record) error {
	var errMsg sql.NullString
	if r.ErrorMessage != "" {
		msg := r.ErrorMessage
		if len(msg) > maxErrorMessage {
			msg = msg[:maxErrorMessage]
		}
		errMsg = sql.NullString{String: msg, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, insertRecord,
		r.RequestID, r.AccountID, r.Backend, r.Model, r.UpstreamModel, r.Stream, r.Status, r.StopReason,
		r.ErrorKind, errMsg, r.InputTokens, r.OutputTokens, r.CacheRead,
		r.CacheCreation, r.Latency.Milliseconds(), r.Fallback)
	if err != nil {
		return fmt.Errorf("insert gateway request %s: %w", r.RequestID, err)
	}
	return nil
}
