package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/bibnet/marcsync/internal/db"
	"github.com/bibnet/marcsync/internal/model"
)

// PostgresStore implements Store on pgxpool with JSONB documents.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS marc_active (
	mms_id     TEXT PRIMARY KEY,
	p_date     TIMESTAMPTZ NOT NULL,
	suppressed BOOLEAN NOT NULL DEFAULT false,
	data_error BOOLEAN NOT NULL DEFAULT false,
	doc        JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS marc_history (
	mms_id     TEXT PRIMARY KEY,
	deleted    BOOLEAN NOT NULL DEFAULT false,
	versions   JSONB NOT NULL DEFAULT '[]',
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS harvest_tasks (
	id                       TEXT PRIMARY KEY,
	status                   TEXT NOT NULL DEFAULT 'pending',
	start_time               TIMESTAMPTZ NOT NULL,
	end_time                 TIMESTAMPTZ,
	duration_secs            BIGINT NOT NULL DEFAULT 0,
	chunk_directory          TEXT NOT NULL DEFAULT '',
	nb_chunks                INTEGER NOT NULL DEFAULT 0,
	nb_records_at_start_time BIGINT NOT NULL DEFAULT 0,
	nb_records_at_end_time   BIGINT NOT NULL DEFAULT 0,
	counters                 JSONB NOT NULL DEFAULT '{}',
	critical_error           BOOLEAN NOT NULL DEFAULT false,
	critical_error_messages  JSONB NOT NULL DEFAULT '[]',
	data_error_messages      JSONB NOT NULL DEFAULT '[]'
);

CREATE INDEX IF NOT EXISTS idx_marc_active_data_error ON marc_active(data_error);
CREATE INDEX IF NOT EXISTS idx_marc_active_suppressed ON marc_active(suppressed);
CREATE INDEX IF NOT EXISTS idx_harvest_tasks_status ON harvest_tasks(status);
CREATE INDEX IF NOT EXISTS idx_harvest_tasks_start_time ON harvest_tasks(start_time DESC);
`

// appendHistorySQL appends a JSONB array of snapshots to the identifier's
// version log, creating the history document on first archive.
const appendHistorySQL = `
INSERT INTO marc_history (mms_id, deleted, versions, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (mms_id) DO UPDATE
SET deleted = EXCLUDED.deleted,
    versions = marc_history.versions || EXCLUDED.versions,
    updated_at = now()`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) GetActive(ctx context.Context, mmsID string) (*model.ActiveEntry, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx,
		`SELECT doc FROM marc_active WHERE mms_id = $1`, mmsID,
	).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get active %s", mmsID)
	}

	var entry model.ActiveEntry
	if err := json.Unmarshal(doc, &entry); err != nil {
		return nil, eris.Wrapf(err, "postgres: unmarshal active %s", mmsID)
	}
	return &entry, nil
}

func (s *PostgresStore) CountActive(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM marc_active`).Scan(&n)
	return n, eris.Wrap(err, "postgres: count active")
}

func (s *PostgresStore) Create(ctx context.Context, entry *model.ActiveEntry) error {
	doc, err := json.Marshal(entry)
	if err != nil {
		return eris.Wrapf(err, "postgres: marshal entry %s", entry.MMSID)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrapf(err, "postgres: begin create %s", entry.MMSID)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`INSERT INTO marc_active (mms_id, p_date, suppressed, data_error, doc) VALUES ($1, $2, $3, $4, $5)`,
		entry.MMSID, entry.PDate, entry.Suppressed, entry.DataError, doc,
	); err != nil {
		return eris.Wrapf(err, "postgres: insert active %s", entry.MMSID)
	}

	// A re-created identifier must not stay marked deleted in history.
	if _, err := tx.Exec(ctx,
		`UPDATE marc_history SET deleted = false, updated_at = now() WHERE mms_id = $1 AND deleted`,
		entry.MMSID,
	); err != nil {
		return eris.Wrapf(err, "postgres: clear deleted flag %s", entry.MMSID)
	}

	return eris.Wrapf(tx.Commit(ctx), "postgres: commit create %s", entry.MMSID)
}

func (s *PostgresStore) Replace(ctx context.Context, entry, prev *model.ActiveEntry) error {
	doc, err := json.Marshal(entry)
	if err != nil {
		return eris.Wrapf(err, "postgres: marshal entry %s", entry.MMSID)
	}
	snapshot, err := marshalSnapshots(prev)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrapf(err, "postgres: begin replace %s", entry.MMSID)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, appendHistorySQL, entry.MMSID, false, snapshot); err != nil {
		return eris.Wrapf(err, "postgres: archive version %s", entry.MMSID)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE marc_active SET p_date = $2, suppressed = $3, data_error = $4, doc = $5, updated_at = now() WHERE mms_id = $1`,
		entry.MMSID, entry.PDate, entry.Suppressed, entry.DataError, doc,
	); err != nil {
		return eris.Wrapf(err, "postgres: update active %s", entry.MMSID)
	}

	return eris.Wrapf(tx.Commit(ctx), "postgres: commit replace %s", entry.MMSID)
}

func (s *PostgresStore) Delete(ctx context.Context, mmsID string, prev *model.ActiveEntry) error {
	snapshot, err := marshalSnapshots(prev)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrapf(err, "postgres: begin delete %s", mmsID)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, appendHistorySQL, mmsID, true, snapshot); err != nil {
		return eris.Wrapf(err, "postgres: archive deleted version %s", mmsID)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM marc_active WHERE mms_id = $1`, mmsID); err != nil {
		return eris.Wrapf(err, "postgres: delete active %s", mmsID)
	}

	return eris.Wrapf(tx.Commit(ctx), "postgres: commit delete %s", mmsID)
}

func (s *PostgresStore) Archive(ctx context.Context, entry *model.ActiveEntry) error {
	snapshot, err := marshalSnapshots(entry)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, appendHistorySQL, entry.MMSID, false, snapshot)
	return eris.Wrapf(err, "postgres: archive %s", entry.MMSID)
}

func (s *PostgresStore) GetHistory(ctx context.Context, mmsID string) (*model.HistoryEntry, error) {
	var deleted bool
	var versions []byte
	err := s.pool.QueryRow(ctx,
		`SELECT deleted, versions FROM marc_history WHERE mms_id = $1`, mmsID,
	).Scan(&deleted, &versions)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get history %s", mmsID)
	}

	entry := model.HistoryEntry{MMSID: mmsID, Deleted: deleted}
	if err := json.Unmarshal(versions, &entry.Versions); err != nil {
		return nil, eris.Wrapf(err, "postgres: unmarshal history %s", mmsID)
	}
	return &entry, nil
}

func (s *PostgresStore) CreateTask(ctx context.Context, task *model.TaskEntry) error {
	counters, err := json.Marshal(task.Counters)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal counters")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO harvest_tasks
		 (id, status, start_time, chunk_directory, nb_chunks, nb_records_at_start_time, counters,
		  critical_error_messages, data_error_messages)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, '[]', '[]')`,
		task.ID, string(task.Status), task.StartTime, task.ChunkDirectory, task.NbChunks,
		task.NbRecordsAtStartTime, counters,
	)
	return eris.Wrapf(err, "postgres: create task %s", task.ID)
}

func (s *PostgresStore) UpdateTask(ctx context.Context, task *model.TaskEntry) error {
	counters, err := json.Marshal(task.Counters)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal counters")
	}
	criticalMsgs, err := json.Marshal(stringsOrEmpty(task.CriticalErrorMessages))
	if err != nil {
		return eris.Wrap(err, "postgres: marshal critical errors")
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE harvest_tasks
		 SET status = $2, end_time = $3, duration_secs = $4, chunk_directory = $5, nb_chunks = $6,
		     nb_records_at_start_time = $7, nb_records_at_end_time = $8, counters = $9,
		     critical_error = $10, critical_error_messages = $11
		 WHERE id = $1`,
		task.ID, string(task.Status), task.EndTime, task.DurationSecs, task.ChunkDirectory,
		task.NbChunks, task.NbRecordsAtStartTime, task.NbRecordsAtEndTime, counters,
		task.CriticalError, criticalMsgs,
	)
	return eris.Wrapf(err, "postgres: update task %s", task.ID)
}

func (s *PostgresStore) AppendTaskDataErrors(ctx context.Context, taskID string, msgs []string) error {
	if len(msgs) == 0 {
		return nil
	}
	payload, err := json.Marshal(msgs)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal data errors")
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE harvest_tasks SET data_error_messages = data_error_messages || $2::jsonb WHERE id = $1`,
		taskID, payload,
	)
	return eris.Wrapf(err, "postgres: append data errors to task %s", taskID)
}

const taskColumns = `id, status, start_time, end_time, duration_secs, chunk_directory, nb_chunks,
	nb_records_at_start_time, nb_records_at_end_time, counters, critical_error,
	critical_error_messages, data_error_messages`

func (s *PostgresStore) GetTask(ctx context.Context, id string) (*model.TaskEntry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM harvest_tasks WHERE id = $1`, id)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get task %s", id)
	}
	return task, nil
}

func (s *PostgresStore) ListTasks(ctx context.Context, limit int) ([]model.TaskEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM harvest_tasks ORDER BY start_time DESC LIMIT $1`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list tasks")
	}
	defer rows.Close()

	var tasks []model.TaskEntry
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan task")
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*model.TaskEntry, error) {
	var t model.TaskEntry
	var status string
	var counters, criticalMsgs, dataMsgs []byte
	if err := row.Scan(&t.ID, &status, &t.StartTime, &t.EndTime, &t.DurationSecs,
		&t.ChunkDirectory, &t.NbChunks, &t.NbRecordsAtStartTime, &t.NbRecordsAtEndTime,
		&counters, &t.CriticalError, &criticalMsgs, &dataMsgs); err != nil {
		return nil, err
	}
	t.Status = model.TaskStatus(status)
	if err := json.Unmarshal(counters, &t.Counters); err != nil {
		return nil, eris.Wrap(err, "unmarshal counters")
	}
	if err := json.Unmarshal(criticalMsgs, &t.CriticalErrorMessages); err != nil {
		return nil, eris.Wrap(err, "unmarshal critical error messages")
	}
	if err := json.Unmarshal(dataMsgs, &t.DataErrorMessages); err != nil {
		return nil, eris.Wrap(err, "unmarshal data error messages")
	}
	return &t, nil
}

// marshalSnapshots wraps one entry into a single-element JSON array so it
// can be appended to the JSONB versions log with the || operator.
func marshalSnapshots(entry *model.ActiveEntry) ([]byte, error) {
	data, err := json.Marshal([]*model.ActiveEntry{entry})
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: marshal snapshot %s", entry.MMSID)
	}
	return data, nil
}

func stringsOrEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
