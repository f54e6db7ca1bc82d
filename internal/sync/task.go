package sync

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/bibnet/marcsync/internal/model"
	"github.com/bibnet/marcsync/internal/store"
)

// Recorder maintains the audit record of one run. Status moves pending →
// running → completed|failed; terminal states are immutable and any further
// transition attempt is an error.
type Recorder struct {
	store     store.Store
	task      *model.TaskEntry
	opTimeout time.Duration
}

func NewRecorder(st store.Store, opTimeout time.Duration) *Recorder {
	if opTimeout <= 0 {
		opTimeout = 30 * time.Second
	}
	return &Recorder{store: st, opTimeout: opTimeout}
}

// opCtx bounds one task-collection call; the recorder must never hang a run
// on a stuck store.
func (r *Recorder) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.opTimeout)
}

// Begin creates the task document and moves it to running. The active-entry
// count at start is snapshotted so completed runs can be reconciled against
// the collection size.
func (r *Recorder) Begin(ctx context.Context, chunkDir string, nbChunks int) (*model.TaskEntry, error) {
	if r.task != nil {
		return nil, eris.Errorf("sync: recorder already started task %s", r.task.ID)
	}

	countCtx, cancel := r.opCtx(ctx)
	count, err := r.store.CountActive(countCtx)
	cancel()
	if err != nil {
		return nil, eris.Wrap(err, "sync: count active at start")
	}

	task := &model.TaskEntry{
		ID:                   uuid.NewString(),
		Status:               model.TaskStatusPending,
		StartTime:            time.Now().UTC(),
		ChunkDirectory:       chunkDir,
		NbChunks:             nbChunks,
		NbRecordsAtStartTime: count,
	}
	createCtx, cancel := r.opCtx(ctx)
	err = r.store.CreateTask(createCtx, task)
	cancel()
	if err != nil {
		return nil, eris.Wrap(err, "sync: create task")
	}

	task.Status = model.TaskStatusRunning
	startCtx, cancel := r.opCtx(ctx)
	err = r.store.UpdateTask(startCtx, task)
	cancel()
	if err != nil {
		return nil, eris.Wrapf(err, "sync: start task %s", task.ID)
	}

	r.task = task
	zap.L().Info("task started",
		zap.String("task_id", task.ID),
		zap.String("chunk_directory", chunkDir),
		zap.Int("chunks", nbChunks),
		zap.Int64("records_at_start", count),
	)
	return task, nil
}

// RecordStats folds one chunk's outcome into the task document and flushes
// the data-error messages so a crash cannot lose already-observed problems.
func (r *Recorder) RecordStats(ctx context.Context, stats *ChunkStats) error {
	if err := r.ensureRunning(); err != nil {
		return err
	}

	c := &r.task.Counters
	c.Created += stats.Counters.Created
	c.Updated += stats.Counters.Updated
	c.Unchanged += stats.Counters.Unchanged
	c.Suppressed += stats.Counters.Suppressed
	c.Deleted += stats.Counters.Deleted
	c.Archived += stats.Counters.Archived
	c.DataErrors += stats.Counters.DataErrors

	updateCtx, cancel := r.opCtx(ctx)
	err := r.store.UpdateTask(updateCtx, r.task)
	cancel()
	if err != nil {
		return eris.Wrapf(err, "sync: update task %s", r.task.ID)
	}
	if len(stats.DataErrorMessages) > 0 {
		r.task.DataErrorMessages = append(r.task.DataErrorMessages, stats.DataErrorMessages...)
		appendCtx, cancel := r.opCtx(ctx)
		err := r.store.AppendTaskDataErrors(appendCtx, r.task.ID, stats.DataErrorMessages)
		cancel()
		if err != nil {
			return eris.Wrapf(err, "sync: append data errors to task %s", r.task.ID)
		}
	}
	return nil
}

// Complete moves the task to its terminal completed state.
func (r *Recorder) Complete(ctx context.Context) error {
	if err := r.ensureRunning(); err != nil {
		return err
	}
	if err := r.finish(ctx, model.TaskStatusCompleted); err != nil {
		return err
	}
	zap.L().Info("task completed",
		zap.String("task_id", r.task.ID),
		zap.Int64("created", r.task.Counters.Created),
		zap.Int64("updated", r.task.Counters.Updated),
		zap.Int64("unchanged", r.task.Counters.Unchanged),
		zap.Int64("suppressed", r.task.Counters.Suppressed),
		zap.Int64("deleted", r.task.Counters.Deleted),
		zap.Int64("archived", r.task.Counters.Archived),
		zap.Int64("data_errors", r.task.Counters.DataErrors),
		zap.Int64("duration_secs", r.task.DurationSecs),
	)
	return nil
}

// Fail moves the task to its terminal failed state, recording the critical
// error that aborted the run.
func (r *Recorder) Fail(ctx context.Context, cause error) error {
	if err := r.ensureRunning(); err != nil {
		return err
	}
	r.task.CriticalError = true
	if cause != nil {
		r.task.CriticalErrorMessages = append(r.task.CriticalErrorMessages, eris.ToString(cause, false))
	}
	if err := r.finish(ctx, model.TaskStatusFailed); err != nil {
		return err
	}
	zap.L().Error("task failed",
		zap.String("task_id", r.task.ID),
		zap.Error(cause),
	)
	return nil
}

// Task returns the current task document.
func (r *Recorder) Task() *model.TaskEntry {
	return r.task
}

func (r *Recorder) ensureRunning() error {
	if r.task == nil {
		return eris.New("sync: recorder has no open task")
	}
	if r.task.Status.Terminal() {
		return eris.Errorf("sync: task %s already %s", r.task.ID, r.task.Status)
	}
	return nil
}

// finish moves the in-memory task to its terminal state first, then persists
// it. The terminal fields are set unconditionally so that a task-store fault
// during close can never leave the document looking like an open run.
func (r *Recorder) finish(ctx context.Context, status model.TaskStatus) error {
	now := time.Now().UTC()
	r.task.Status = status
	r.task.EndTime = &now
	r.task.DurationSecs = int64(now.Sub(r.task.StartTime).Seconds())

	countCtx, cancel := r.opCtx(ctx)
	count, err := r.store.CountActive(countCtx)
	cancel()
	if err != nil {
		zap.L().Warn("could not count active entries at close",
			zap.String("task_id", r.task.ID),
			zap.Error(err),
		)
	} else {
		r.task.NbRecordsAtEndTime = count
	}

	closeCtx, cancel := r.opCtx(ctx)
	defer cancel()
	return eris.Wrapf(r.store.UpdateTask(closeCtx, r.task), "sync: close task %s", r.task.ID)
}
