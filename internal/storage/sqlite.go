package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

const tableRecords = "permission_record_table"

const schema = `
CREATE TABLE IF NOT EXISTS permission_record_table (
    app_id          INTEGER NOT NULL,
    op_code         INTEGER NOT NULL,
    status          INTEGER NOT NULL,
    timestamp       INTEGER NOT NULL,
    access_duration INTEGER NOT NULL,
    access_count    INTEGER NOT NULL,
    reject_count    INTEGER NOT NULL,
    PRIMARY KEY (app_id, op_code, status, timestamp)
);

CREATE INDEX IF NOT EXISTS idx_permission_record_timestamp ON permission_record_table(timestamp);
`

const upsertRow = `
INSERT INTO permission_record_table
    (app_id, op_code, status, timestamp, access_duration, access_count, reject_count)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (app_id, op_code, status, timestamp) DO UPDATE SET
    access_duration = CASE WHEN excluded.access_duration != 0
        THEN excluded.access_duration ELSE access_duration END,
    access_count = access_count + excluded.access_count,
    reject_count = reject_count + excluded.reject_count`

type sqliteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens (or creates) a SQLite database at dataDir/records.sqlite.
func NewSQLiteStore(dataDir string) (Store, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dataDir, "records.sqlite")
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite at %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &sqliteStore{db: db, path: path}, nil
}

// whereClause renders f as a SQL WHERE clause with positional arguments.
// Column names come from the fixed column list, never from callers.
func whereClause(f Filter) (string, []any, error) {
	if err := f.Validate(); err != nil {
		return "", nil, err
	}
	var parts []string
	var args []any
	for _, c := range f.And {
		parts = append(parts, fmt.Sprintf("%s %s ?", c.Column, c.Op.sql()))
		args = append(args, c.Value)
	}
	if len(f.Or) > 0 {
		ors := make([]string, 0, len(f.Or))
		for _, c := range f.Or {
			ors = append(ors, fmt.Sprintf("%s %s ?", c.Column, c.Op.sql()))
			args = append(args, c.Value)
		}
		parts = append(parts, "("+strings.Join(ors, " OR ")+")")
	}
	if len(parts) == 0 {
		return "", nil, nil
	}
	return " WHERE " + strings.Join(parts, " AND "), args, nil
}

func (s *sqliteStore) Insert(rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(upsertRow)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.Exec(r.AppID, r.OpCode, r.Status, r.Timestamp,
			r.AccessDuration, r.AccessCount, r.RejectCount); err != nil {
			return fmt.Errorf("insert row: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *sqliteStore) Delete(f Filter) error {
	where, args, err := whereClause(f)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec("DELETE FROM "+tableRecords+where, args...); err != nil {
		return fmt.Errorf("delete rows: %w", err)
	}
	return nil
}

func (s *sqliteStore) Select(f Filter) ([]Row, error) {
	where, args, err := whereClause(f)
	if err != nil {
		return nil, err
	}
	q := `SELECT app_id, op_code, status, timestamp, access_duration, access_count, reject_count
		FROM ` + tableRecords + where + ` ORDER BY timestamp`
	rs, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("select rows: %w", err)
	}
	defer rs.Close()

	var rows []Row
	for rs.Next() {
		var r Row
		if err := rs.Scan(&r.AppID, &r.OpCode, &r.Status, &r.Timestamp,
			&r.AccessDuration, &r.AccessCount, &r.RejectCount); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		rows = append(rows, r)
	}
	return rows, rs.Err()
}

func (s *sqliteStore) Count() (int, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM " + tableRecords).Scan(&n); err != nil {
		return 0, fmt.Errorf("count rows: %w", err)
	}
	return n, nil
}

func (s *sqliteStore) AppIDs() ([]uint32, error) {
	rs, err := s.db.Query("SELECT DISTINCT app_id FROM " + tableRecords + " ORDER BY app_id")
	if err != nil {
		return nil, fmt.Errorf("select app ids: %w", err)
	}
	defer rs.Close()

	var ids []uint32
	for rs.Next() {
		var id uint32
		if err := rs.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan app id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rs.Err()
}

func (s *sqliteStore) DeleteOlderThan(cutoff int64) (int, error) {
	res, err := s.db.Exec("DELETE FROM "+tableRecords+" WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired rows: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *sqliteStore) DeleteExcess(keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := s.db.Exec(`DELETE FROM `+tableRecords+` WHERE rowid IN (
		SELECT rowid FROM `+tableRecords+` ORDER BY timestamp DESC LIMIT -1 OFFSET ?)`, keep)
	if err != nil {
		return 0, fmt.Errorf("delete excess rows: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// SizeBytes includes the write-ahead log, which holds recent pages until
// the next checkpoint.
func (s *sqliteStore) SizeBytes() (int64, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		return 0, err
	}
	size := info.Size()
	if wal, err := os.Stat(s.path + "-wal"); err == nil {
		size += wal.Size()
	}
	return size, nil
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}
