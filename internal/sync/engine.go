package sync

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/bibnet/marcsync/internal/model"
	"github.com/bibnet/marcsync/internal/oai"
	"github.com/bibnet/marcsync/internal/resilience"
	"github.com/bibnet/marcsync/internal/store"
)

// Harvester is the chunk-producing side of a run, satisfied by *oai.Client.
type Harvester interface {
	Harvest(ctx context.Context, dir, set string, from, until *time.Time) (*oai.HarvestResult, error)
}

// Engine drives a full run: harvest chunk files, then reconcile them into
// the store under one audited task.
type Engine struct {
	store      store.Store
	harvester  Harvester
	harvestDir string
	set        string
	processor  *Processor
}

// EngineOptions configures a run engine.
type EngineOptions struct {
	HarvestDir string
	Set        string
	Retry      resilience.RetryConfig
	OpTimeout  time.Duration
}

func NewEngine(st store.Store, harvester Harvester, opts EngineOptions) *Engine {
	return &Engine{
		store:      st,
		harvester:  harvester,
		harvestDir: opts.HarvestDir,
		set:        opts.Set,
		processor:  NewProcessor(st, opts.Retry, opts.OpTimeout),
	}
}

// Run performs the periodic workflow: harvest everything published since the
// last completed run, then synchronize the resulting chunk directory.
func (e *Engine) Run(ctx context.Context) (*model.TaskEntry, error) {
	from, err := e.HarvestFromTime(ctx)
	if err != nil {
		return nil, err
	}

	dir := filepath.Join(e.harvestDir,
		fmt.Sprintf("OaiSet_%s_%s", e.set, time.Now().UTC().Format("20060102")))

	if _, err := e.Harvest(ctx, dir, from, nil); err != nil {
		return nil, err
	}
	return e.SyncDir(ctx, dir)
}

// Harvest fetches chunk files for the configured set into dir.
func (e *Engine) Harvest(ctx context.Context, dir string, from, until *time.Time) (*oai.HarvestResult, error) {
	if e.harvester == nil {
		return nil, eris.New("sync: engine has no harvester configured")
	}
	zap.L().Info("harvest starting",
		zap.String("set", e.set),
		zap.String("chunk_directory", dir),
		zap.Timep("from", from),
	)
	res, err := e.harvester.Harvest(ctx, dir, e.set, from, until)
	if err != nil {
		return nil, eris.Wrapf(err, "sync: harvest set %s", e.set)
	}
	return res, nil
}

// SyncDir reconciles every chunk file in dir against the store, in lexical
// (= harvest) order, under a new task. A chunk read failure is critical: the
// run stops at that chunk and the task is closed failed. Per-record problems
// only ever surface as task data errors.
func (e *Engine) SyncDir(ctx context.Context, dir string) (*model.TaskEntry, error) {
	chunks, err := oai.ListChunks(dir)
	if err != nil {
		return nil, err
	}

	rec := NewRecorder(e.store, e.processor.opTimeout)
	if _, err := rec.Begin(ctx, dir, len(chunks)); err != nil {
		return nil, err
	}

	for _, path := range chunks {
		stats, err := e.processor.ProcessChunk(ctx, path)
		if err != nil {
			err = eris.Wrapf(err, "sync: chunk %s", path)
			e.failTask(ctx, rec, err)
			return rec.Task(), err
		}
		// A task-collection fault mid-run is just as terminal as a bad
		// chunk: the task must not be left open.
		if err := rec.RecordStats(ctx, stats); err != nil {
			e.failTask(ctx, rec, err)
			return rec.Task(), err
		}
	}

	if err := rec.Complete(ctx); err != nil {
		return rec.Task(), err
	}
	return rec.Task(), nil
}

// failTask closes the task as failed, best effort: even when the task store
// itself is unreachable the in-memory document reaches its terminal state.
func (e *Engine) failTask(ctx context.Context, rec *Recorder, cause error) {
	if failErr := rec.Fail(ctx, cause); failErr != nil {
		zap.L().Error("failed to close task after critical error",
			zap.String("task_id", rec.Task().ID),
			zap.Error(failErr),
		)
	}
}

// HarvestFromTime returns the incremental harvest boundary: the start time
// of the most recent completed task, or nil when no run ever completed
// (full harvest).
func (e *Engine) HarvestFromTime(ctx context.Context) (*time.Time, error) {
	tasks, err := e.store.ListTasks(ctx, 50)
	if err != nil {
		return nil, eris.Wrap(err, "sync: list tasks")
	}
	for _, t := range tasks {
		if t.Status == model.TaskStatusCompleted {
			from := t.StartTime
			return &from, nil
		}
	}
	return nil, nil
}
