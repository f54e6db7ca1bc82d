package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/bibnet/marcsync/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Documents are kept
// as JSON text; the version log is read-modified-written inside the same
// transaction as the active mutation, which preserves the per-identifier
// atomicity contract.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS marc_active (
	mms_id     TEXT PRIMARY KEY,
	p_date     DATETIME NOT NULL,
	suppressed INTEGER NOT NULL DEFAULT 0,
	data_error INTEGER NOT NULL DEFAULT 0,
	doc        TEXT NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS marc_history (
	mms_id     TEXT PRIMARY KEY,
	deleted    INTEGER NOT NULL DEFAULT 0,
	versions   TEXT NOT NULL DEFAULT '[]',
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS harvest_tasks (
	id                       TEXT PRIMARY KEY,
	status                   TEXT NOT NULL DEFAULT 'pending',
	start_time               DATETIME NOT NULL,
	end_time                 DATETIME,
	duration_secs            INTEGER NOT NULL DEFAULT 0,
	chunk_directory          TEXT NOT NULL DEFAULT '',
	nb_chunks                INTEGER NOT NULL DEFAULT 0,
	nb_records_at_start_time INTEGER NOT NULL DEFAULT 0,
	nb_records_at_end_time   INTEGER NOT NULL DEFAULT 0,
	counters                 TEXT NOT NULL DEFAULT '{}',
	critical_error           INTEGER NOT NULL DEFAULT 0,
	critical_error_messages  TEXT NOT NULL DEFAULT '[]',
	data_error_messages      TEXT NOT NULL DEFAULT '[]'
);

CREATE INDEX IF NOT EXISTS idx_marc_active_data_error ON marc_active(data_error);
CREATE INDEX IF NOT EXISTS idx_harvest_tasks_start_time ON harvest_tasks(start_time DESC);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) GetActive(ctx context.Context, mmsID string) (*model.ActiveEntry, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM marc_active WHERE mms_id = ?`, mmsID,
	).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get active %s", mmsID)
	}

	var entry model.ActiveEntry
	if err := json.Unmarshal([]byte(doc), &entry); err != nil {
		return nil, eris.Wrapf(err, "sqlite: unmarshal active %s", mmsID)
	}
	return &entry, nil
}

func (s *SQLiteStore) CountActive(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM marc_active`).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count active")
}

func (s *SQLiteStore) Create(ctx context.Context, entry *model.ActiveEntry) error {
	doc, err := json.Marshal(entry)
	if err != nil {
		return eris.Wrapf(err, "sqlite: marshal entry %s", entry.MMSID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrapf(err, "sqlite: begin create %s", entry.MMSID)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO marc_active (mms_id, p_date, suppressed, data_error, doc) VALUES (?, ?, ?, ?, ?)`,
		entry.MMSID, entry.PDate, entry.Suppressed, entry.DataError, string(doc),
	); err != nil {
		return eris.Wrapf(err, "sqlite: insert active %s", entry.MMSID)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE marc_history SET deleted = 0, updated_at = datetime('now') WHERE mms_id = ? AND deleted = 1`,
		entry.MMSID,
	); err != nil {
		return eris.Wrapf(err, "sqlite: clear deleted flag %s", entry.MMSID)
	}

	return eris.Wrapf(tx.Commit(), "sqlite: commit create %s", entry.MMSID)
}

func (s *SQLiteStore) Replace(ctx context.Context, entry, prev *model.ActiveEntry) error {
	doc, err := json.Marshal(entry)
	if err != nil {
		return eris.Wrapf(err, "sqlite: marshal entry %s", entry.MMSID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrapf(err, "sqlite: begin replace %s", entry.MMSID)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := appendVersionTx(ctx, tx, entry.MMSID, prev, false); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE marc_active SET p_date = ?, suppressed = ?, data_error = ?, doc = ?, updated_at = datetime('now') WHERE mms_id = ?`,
		entry.PDate, entry.Suppressed, entry.DataError, string(doc), entry.MMSID,
	); err != nil {
		return eris.Wrapf(err, "sqlite: update active %s", entry.MMSID)
	}

	return eris.Wrapf(tx.Commit(), "sqlite: commit replace %s", entry.MMSID)
}

func (s *SQLiteStore) Delete(ctx context.Context, mmsID string, prev *model.ActiveEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrapf(err, "sqlite: begin delete %s", mmsID)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := appendVersionTx(ctx, tx, mmsID, prev, true); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM marc_active WHERE mms_id = ?`, mmsID); err != nil {
		return eris.Wrapf(err, "sqlite: delete active %s", mmsID)
	}

	return eris.Wrapf(tx.Commit(), "sqlite: commit delete %s", mmsID)
}

func (s *SQLiteStore) Archive(ctx context.Context, entry *model.ActiveEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrapf(err, "sqlite: begin archive %s", entry.MMSID)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := appendVersionTx(ctx, tx, entry.MMSID, entry, false); err != nil {
		return err
	}
	return eris.Wrapf(tx.Commit(), "sqlite: commit archive %s", entry.MMSID)
}

// appendVersionTx appends one snapshot to the identifier's version log
// inside the caller's transaction, creating the history row if needed.
func appendVersionTx(ctx context.Context, tx *sql.Tx, mmsID string, snapshot *model.ActiveEntry, deleted bool) error {
	var versionsJSON string
	err := tx.QueryRowContext(ctx,
		`SELECT versions FROM marc_history WHERE mms_id = ?`, mmsID,
	).Scan(&versionsJSON)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		versionsJSON = "[]"
	case err != nil:
		return eris.Wrapf(err, "sqlite: read history %s", mmsID)
	}

	var versions []model.ActiveEntry
	if err := json.Unmarshal([]byte(versionsJSON), &versions); err != nil {
		return eris.Wrapf(err, "sqlite: unmarshal history %s", mmsID)
	}
	versions = append(versions, *snapshot)

	data, err := json.Marshal(versions)
	if err != nil {
		return eris.Wrapf(err, "sqlite: marshal history %s", mmsID)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO marc_history (mms_id, deleted, versions) VALUES (?, ?, ?)
		 ON CONFLICT (mms_id) DO UPDATE SET deleted = excluded.deleted, versions = excluded.versions, updated_at = datetime('now')`,
		mmsID, deleted, string(data),
	); err != nil {
		return eris.Wrapf(err, "sqlite: write history %s", mmsID)
	}
	return nil
}

func (s *SQLiteStore) GetHistory(ctx context.Context, mmsID string) (*model.HistoryEntry, error) {
	var deleted bool
	var versionsJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT deleted, versions FROM marc_history WHERE mms_id = ?`, mmsID,
	).Scan(&deleted, &versionsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get history %s", mmsID)
	}

	entry := model.HistoryEntry{MMSID: mmsID, Deleted: deleted}
	if err := json.Unmarshal([]byte(versionsJSON), &entry.Versions); err != nil {
		return nil, eris.Wrapf(err, "sqlite: unmarshal history %s", mmsID)
	}
	return &entry, nil
}

func (s *SQLiteStore) CreateTask(ctx context.Context, task *model.TaskEntry) error {
	counters, err := json.Marshal(task.Counters)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal counters")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO harvest_tasks
		 (id, status, start_time, chunk_directory, nb_chunks, nb_records_at_start_time, counters)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		task.ID, string(task.Status), task.StartTime, task.ChunkDirectory, task.NbChunks,
		task.NbRecordsAtStartTime, string(counters),
	)
	return eris.Wrapf(err, "sqlite: create task %s", task.ID)
}

func (s *SQLiteStore) UpdateTask(ctx context.Context, task *model.TaskEntry) error {
	counters, err := json.Marshal(task.Counters)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal counters")
	}
	criticalMsgs, err := json.Marshal(stringsOrEmpty(task.CriticalErrorMessages))
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal critical errors")
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE harvest_tasks
		 SET status = ?, end_time = ?, duration_secs = ?, chunk_directory = ?, nb_chunks = ?,
		     nb_records_at_start_time = ?, nb_records_at_end_time = ?, counters = ?,
		     critical_error = ?, critical_error_messages = ?
		 WHERE id = ?`,
		string(task.Status), task.EndTime, task.DurationSecs, task.ChunkDirectory, task.NbChunks,
		task.NbRecordsAtStartTime, task.NbRecordsAtEndTime, string(counters),
		task.CriticalError, string(criticalMsgs), task.ID,
	)
	return eris.Wrapf(err, "sqlite: update task %s", task.ID)
}

func (s *SQLiteStore) AppendTaskDataErrors(ctx context.Context, taskID string, msgs []string) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrapf(err, "sqlite: begin append data errors %s", taskID)
	}
	defer tx.Rollback() //nolint:errcheck

	var existingJSON string
	if err := tx.QueryRowContext(ctx,
		`SELECT data_error_messages FROM harvest_tasks WHERE id = ?`, taskID,
	).Scan(&existingJSON); err != nil {
		return eris.Wrapf(err, "sqlite: read task data errors %s", taskID)
	}

	var existing []string
	if err := json.Unmarshal([]byte(existingJSON), &existing); err != nil {
		return eris.Wrapf(err, "sqlite: unmarshal task data errors %s", taskID)
	}
	existing = append(existing, msgs...)

	data, err := json.Marshal(existing)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal task data errors")
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE harvest_tasks SET data_error_messages = ? WHERE id = ?`,
		string(data), taskID,
	); err != nil {
		return eris.Wrapf(err, "sqlite: write task data errors %s", taskID)
	}

	return eris.Wrapf(tx.Commit(), "sqlite: commit append data errors %s", taskID)
}

const sqliteTaskColumns = `id, status, start_time, end_time, duration_secs, chunk_directory, nb_chunks,
	nb_records_at_start_time, nb_records_at_end_time, counters, critical_error,
	critical_error_messages, data_error_messages`

func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*model.TaskEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteTaskColumns+` FROM harvest_tasks WHERE id = ?`, id)
	task, err := scanSQLiteTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get task %s", id)
	}
	return task, nil
}

func (s *SQLiteStore) ListTasks(ctx context.Context, limit int) ([]model.TaskEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteTaskColumns+` FROM harvest_tasks ORDER BY start_time DESC LIMIT ?`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list tasks")
	}
	defer rows.Close()

	var tasks []model.TaskEntry
	for rows.Next() {
		task, err := scanSQLiteTask(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan task")
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

func scanSQLiteTask(row rowScanner) (*model.TaskEntry, error) {
	var t model.TaskEntry
	var status string
	var endTime sql.NullTime
	var counters, criticalMsgs, dataMsgs string
	if err := row.Scan(&t.ID, &status, &t.StartTime, &endTime, &t.DurationSecs,
		&t.ChunkDirectory, &t.NbChunks, &t.NbRecordsAtStartTime, &t.NbRecordsAtEndTime,
		&counters, &t.CriticalError, &criticalMsgs, &dataMsgs); err != nil {
		return nil, err
	}
	t.Status = model.TaskStatus(status)
	if endTime.Valid {
		t.EndTime = &endTime.Time
	}
	if err := json.Unmarshal([]byte(counters), &t.Counters); err != nil {
		return nil, eris.Wrap(err, "unmarshal counters")
	}
	if err := json.Unmarshal([]byte(criticalMsgs), &t.CriticalErrorMessages); err != nil {
		return nil, eris.Wrap(err, "unmarshal critical error messages")
	}
	if err := json.Unmarshal([]byte(dataMsgs), &t.DataErrorMessages); err != nil {
		return nil, eris.Wrap(err, "unmarshal data error messages")
	}
	return &t, nil
}
