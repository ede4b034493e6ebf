package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "leasecron/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Table names are interpolated into SQL text, so restrict them hard.
var tableNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type sqliteStore struct {
	db    *sql.DB
	table string
	log   logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	table := strings.TrimSpace(cfg.Table)
	if table == "" {
		table = "tasks"
	}
	if !tableNameRe.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}

	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers; a single
	// connection also makes the claim statement trivially atomic.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, table: table, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	} else {
		_, _ = db.Exec("PRAGMA busy_timeout = 5000")
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	st.log.Debug("sqlite store ready", logx.String("path", path), logx.String("table", table))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	ddl := strings.ReplaceAll(string(b), "{{table}}", s.table)
	_, err = s.db.ExecContext(ctx, ddl)
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const recordColumns = "id, schedule, next_due, lease_since, last_ok, last_failed, history"

func (s *sqliteStore) FindByID(ctx context.Context, id string) (*TaskRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, recordColumns, s.table), id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func (s *sqliteStore) Insert(ctx context.Context, rec *TaskRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	hist, err := marshalHistory(rec.History)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, schedule, next_due, lease_since, last_ok, last_failed, history)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO NOTHING`, s.table),
		rec.ID, rec.Schedule, rec.NextDue.UnixMilli(),
		nullMilli(rec.LeaseSince), nullMilli(rec.LastOK), nullMilli(rec.LastFailed), hist,
	)
	return err
}

func (s *sqliteStore) UpdateByID(ctx context.Context, id string, upd TaskUpdate) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if upd.isZero() {
		return nil
	}

	sets := make([]string, 0, 6)
	args := make([]any, 0, 7)
	if upd.Schedule != nil {
		sets = append(sets, "schedule = ?")
		args = append(args, *upd.Schedule)
	}
	if upd.NextDue != nil {
		sets = append(sets, "next_due = ?")
		args = append(args, upd.NextDue.UnixMilli())
	}
	if upd.ClearLease {
		sets = append(sets, "lease_since = NULL")
	}
	if upd.LastOK != nil {
		sets = append(sets, "last_ok = ?")
		args = append(args, upd.LastOK.UnixMilli())
	}
	if upd.LastFailed != nil {
		sets = append(sets, "last_failed = ?")
		args = append(args, upd.LastFailed.UnixMilli())
	}
	if upd.History != nil {
		hist, err := marshalHistory(upd.History)
		if err != nil {
			return err
		}
		sets = append(sets, "history = ?")
		args = append(args, hist)
	}
	args = append(args, id)

	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET %s WHERE id = ?`, s.table, strings.Join(sets, ", ")), args...)
	return err
}

// ClaimDue is a single UPDATE ... RETURNING statement: the match test and the
// lease write cannot interleave with another claimer's.
func (s *sqliteStore) ClaimDue(ctx context.Context, ids []string, now, staleBefore time.Time) (*TaskRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if len(ids) == 0 {
		return nil, nil
	}

	ph := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	q := fmt.Sprintf(`UPDATE %s SET lease_since = ?
		 WHERE id = (
		   SELECT id FROM %s
		    WHERE id IN (%s)
		      AND next_due < ?
		      AND (lease_since IS NULL OR lease_since < ?)
		    LIMIT 1
		 )
		 RETURNING %s`, s.table, s.table, ph, recordColumns)

	args := make([]any, 0, len(ids)+3)
	args = append(args, now.UnixMilli())
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, now.UnixMilli(), staleBefore.UnixMilli())

	rec, err := scanRecord(s.db.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func (s *sqliteStore) RenewLease(ctx context.Context, id string, now, staleBefore time.Time) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET lease_since = ?
		 WHERE id = ? AND lease_since IS NOT NULL AND lease_since >= ?`, s.table),
		now.UnixMilli(), id, staleBefore.UnixMilli(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ---- row mapping ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*TaskRecord, error) {
	var (
		rec      TaskRecord
		nextDue  int64
		lease    sql.NullInt64
		lastOK   sql.NullInt64
		lastFail sql.NullInt64
		hist     string
	)
	if err := row.Scan(&rec.ID, &rec.Schedule, &nextDue, &lease, &lastOK, &lastFail, &hist); err != nil {
		return nil, err
	}
	rec.NextDue = time.UnixMilli(nextDue)
	rec.LeaseSince = milliPtr(lease)
	rec.LastOK = milliPtr(lastOK)
	rec.LastFailed = milliPtr(lastFail)
	if hist != "" {
		if err := json.Unmarshal([]byte(hist), &rec.History); err != nil {
			return nil, fmt.Errorf("decode history for %q: %w", rec.ID, err)
		}
	}
	return &rec, nil
}

func marshalHistory(history []Execution) (string, error) {
	if len(history) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(history)
	if err != nil {
		return "", fmt.Errorf("encode history: %w", err)
	}
	return string(b), nil
}

func nullMilli(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func milliPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}
