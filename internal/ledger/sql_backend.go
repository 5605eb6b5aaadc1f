package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/inboxsync/internal/fingerprint"
)

const (
	sqlRecordsTableName  = "inboxsync_records"
	sqlProjectsTableName = "inboxsync_projects"
	sqlOperationTimeout  = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type sqlDialect struct {
	name        string
	driver      string
	placeholder func(n int) string
	// setup runs once per connection pool, before the schema is created.
	setup func(ctx context.Context, db *sql.DB) error
}

// sqlBackend is shared by the postgres and sqlite backends; the dialect only
// changes bind placeholders and connection setup.
type sqlBackend struct {
	dsn           string
	dialect       sqlDialect
	recordsTable  string
	projectsTable string
	openDB        sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func newSQLBackend(dsn string, dialect sqlDialect) (*sqlBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &sqlBackend{
		dsn:           dsn,
		dialect:       dialect,
		recordsTable:  sqlRecordsTableName,
		projectsTable: sqlProjectsTableName,
		openDB:        sql.Open,
	}, nil
}

func (b *sqlBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB(b.dialect.driver, b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
		defer cancel()

		statements := []string{
			fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				project_id TEXT NOT NULL,
				fingerprint TEXT NOT NULL,
				item_id TEXT NOT NULL DEFAULT '',
				remote_id TEXT NOT NULL DEFAULT '',
				state TEXT NOT NULL,
				attempts INTEGER NOT NULL DEFAULT 0,
				last_attempt_at TEXT NOT NULL DEFAULT '',
				last_error TEXT NOT NULL DEFAULT '',
				last_edited_at TEXT NOT NULL DEFAULT '',
				meta_hash TEXT NOT NULL DEFAULT '',
				PRIMARY KEY (project_id, fingerprint)
			)`, quoteIdentifier(b.recordsTable)),
			fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				project_id TEXT PRIMARY KEY,
				last_run_at TEXT NOT NULL DEFAULT '',
				last_skipped INTEGER NOT NULL DEFAULT 0,
				reverse_watermark TEXT NOT NULL DEFAULT '',
				last_reverse_at TEXT NOT NULL DEFAULT ''
			)`, quoteIdentifier(b.projectsTable)),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (project_id, remote_id)",
				quoteIdentifier(b.recordsTable+"_remote_idx"), quoteIdentifier(b.recordsTable)),
		}
		if b.dialect.setup != nil {
			if err := b.dialect.setup(ctx, db); err != nil {
				_ = db.Close()
				b.initErr = err
				return
			}
		}
		for _, stmt := range statements {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				b.initErr = err
				return
			}
		}
		b.db = db
	})
	return b.initErr
}

func (b *sqlBackend) Get(ctx context.Context, projectID string, fp fingerprint.Fingerprint) (Record, bool, error) {
	if err := b.ensureReady(); err != nil {
		return Record{}, false, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT project_id, fingerprint, item_id, remote_id, state, attempts, last_attempt_at, last_error, last_edited_at, meta_hash
		FROM %s WHERE project_id = %s AND fingerprint = %s`,
		quoteIdentifier(b.recordsTable), b.bind(1), b.bind(2))
	rec, err := scanRecord(b.db.QueryRowContext(ctx, query, projectID, string(fp)))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

func (b *sqlBackend) Put(ctx context.Context, rec Record) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (project_id, fingerprint, item_id, remote_id, state, attempts, last_attempt_at, last_error, last_edited_at, meta_hash)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s)
		ON CONFLICT (project_id, fingerprint)
		DO UPDATE SET
			item_id = EXCLUDED.item_id,
			remote_id = EXCLUDED.remote_id,
			state = EXCLUDED.state,
			attempts = EXCLUDED.attempts,
			last_attempt_at = EXCLUDED.last_attempt_at,
			last_error = EXCLUDED.last_error,
			last_edited_at = EXCLUDED.last_edited_at,
			meta_hash = EXCLUDED.meta_hash`,
		quoteIdentifier(b.recordsTable),
		b.bind(1), b.bind(2), b.bind(3), b.bind(4), b.bind(5), b.bind(6), b.bind(7), b.bind(8), b.bind(9), b.bind(10))
	_, err := b.db.ExecContext(ctx, query,
		rec.ProjectID,
		string(rec.Fingerprint),
		rec.ItemID,
		rec.RemoteID,
		string(rec.State),
		rec.Attempts,
		formatTime(rec.LastAttemptAt),
		rec.LastError,
		formatTime(rec.LastEditedAt),
		rec.MetaHash,
	)
	return err
}

func (b *sqlBackend) List(ctx context.Context, projectID string) ([]Record, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT project_id, fingerprint, item_id, remote_id, state, attempts, last_attempt_at, last_error, last_edited_at, meta_hash
		FROM %s WHERE project_id = %s`,
		quoteIdentifier(b.recordsTable), b.bind(1))
	rows, err := b.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortRecords(out)
	return out, nil
}

func (b *sqlBackend) GetProject(ctx context.Context, projectID string) (ProjectState, bool, error) {
	if err := b.ensureReady(); err != nil {
		return ProjectState{}, false, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT project_id, last_run_at, last_skipped, reverse_watermark, last_reverse_at
		FROM %s WHERE project_id = %s`, quoteIdentifier(b.projectsTable), b.bind(1))
	var (
		state                                   ProjectState
		lastRunAt, reverseWatermark, lastReverse string
	)
	err := b.db.QueryRowContext(ctx, query, projectID).Scan(&state.ProjectID, &lastRunAt, &state.LastSkipped, &reverseWatermark, &lastReverse)
	if errors.Is(err, sql.ErrNoRows) {
		return ProjectState{}, false, nil
	}
	if err != nil {
		return ProjectState{}, false, err
	}
	if state.LastRunAt, err = parseTime(lastRunAt); err != nil {
		return ProjectState{}, false, err
	}
	if state.ReverseWatermark, err = parseTime(reverseWatermark); err != nil {
		return ProjectState{}, false, err
	}
	if state.LastReverseAt, err = parseTime(lastReverse); err != nil {
		return ProjectState{}, false, err
	}
	return state, true, nil
}

func (b *sqlBackend) PutProject(ctx context.Context, state ProjectState) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (project_id, last_run_at, last_skipped, reverse_watermark, last_reverse_at)
		VALUES (%s, %s, %s, %s, %s)
		ON CONFLICT (project_id)
		DO UPDATE SET
			last_run_at = EXCLUDED.last_run_at,
			last_skipped = EXCLUDED.last_skipped,
			reverse_watermark = EXCLUDED.reverse_watermark,
			last_reverse_at = EXCLUDED.last_reverse_at`,
		quoteIdentifier(b.projectsTable), b.bind(1), b.bind(2), b.bind(3), b.bind(4), b.bind(5))
	_, err := b.db.ExecContext(ctx, query,
		state.ProjectID,
		formatTime(state.LastRunAt),
		state.LastSkipped,
		formatTime(state.ReverseWatermark),
		formatTime(state.LastReverseAt),
	)
	return err
}

func (b *sqlBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *sqlBackend) bind(n int) string {
	return b.dialect.placeholder(n)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		rec                       Record
		fp, state                 string
		lastAttempt, lastEditedAt string
	)
	if err := row.Scan(&rec.ProjectID, &fp, &rec.ItemID, &rec.RemoteID, &state, &rec.Attempts, &lastAttempt, &rec.LastError, &lastEditedAt, &rec.MetaHash); err != nil {
		return Record{}, err
	}
	rec.Fingerprint = fingerprint.Fingerprint(fp)
	rec.State = State(state)
	var err error
	if rec.LastAttemptAt, err = parseTime(lastAttempt); err != nil {
		return Record{}, err
	}
	if rec.LastEditedAt, err = parseTime(lastEditedAt); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, raw)
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func dollarPlaceholder(n int) string {
	return "$" + strconv.Itoa(n)
}

func questionPlaceholder(int) string {
	return "?"
}
