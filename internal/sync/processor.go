package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/bibnet/marcsync/internal/marc"
	"github.com/bibnet/marcsync/internal/model"
	"github.com/bibnet/marcsync/internal/oai"
	"github.com/bibnet/marcsync/internal/resilience"
	"github.com/bibnet/marcsync/internal/store"
)

// ChunkStats aggregates outcomes over one chunk's records.
type ChunkStats struct {
	Counters          model.TaskCounters
	DataErrorMessages []string
}

// recordError counts one quarantined record and remembers why.
func (s *ChunkStats) recordError(msg string) {
	s.Counters.DataErrors++
	s.DataErrorMessages = append(s.DataErrorMessages, msg)
}

func (s *ChunkStats) count(a Action) {
	switch a {
	case ActionCreate:
		s.Counters.Created++
	case ActionUpdate:
		s.Counters.Updated++
	case ActionUnchanged:
		s.Counters.Unchanged++
	case ActionSuppressOnly:
		s.Counters.Suppressed++
	case ActionDelete:
		s.Counters.Deleted++
	case ActionArchiveOnly:
		s.Counters.Archived++
	}
}

// merge folds another chunk's stats into s.
func (s *ChunkStats) merge(other *ChunkStats) {
	s.Counters.Created += other.Counters.Created
	s.Counters.Updated += other.Counters.Updated
	s.Counters.Unchanged += other.Counters.Unchanged
	s.Counters.Suppressed += other.Counters.Suppressed
	s.Counters.Deleted += other.Counters.Deleted
	s.Counters.Archived += other.Counters.Archived
	s.Counters.DataErrors += other.Counters.DataErrors
	s.DataErrorMessages = append(s.DataErrorMessages, other.DataErrorMessages...)
}

// Processor applies one chunk's records to the store in file order.
type Processor struct {
	store     store.Store
	retry     resilience.RetryConfig
	opTimeout time.Duration
}

// NewProcessor creates a chunk processor. A zero retry config and timeout
// fall back to the defaults used for per-record persistence.
func NewProcessor(st store.Store, retry resilience.RetryConfig, opTimeout time.Duration) *Processor {
	if retry.MaxAttempts == 0 {
		retry = resilience.DefaultRetryConfig()
	}
	if opTimeout <= 0 {
		opTimeout = 30 * time.Second
	}
	return &Processor{store: st, retry: retry, opTimeout: opTimeout}
}

// ProcessChunk reads one chunk file and applies its records in order. A
// non-nil error means the chunk itself was unreadable, which is critical:
// skipping a chunk would silently lose records, so the caller must abort
// the run. Per-record problems never surface as an error; they are folded
// into the returned stats.
func (p *Processor) ProcessChunk(ctx context.Context, path string) (*ChunkStats, error) {
	chunk, err := oai.ReadChunk(path)
	if err != nil {
		return nil, err
	}
	return p.processRecords(ctx, chunk.Records), nil
}

func (p *Processor) processRecords(ctx context.Context, records [][]byte) *ChunkStats {
	stats := &ChunkStats{}
	for _, raw := range records {
		p.processRecord(ctx, raw, stats)
	}
	return stats
}

// processRecord normalizes, classifies and applies one record. Records are
// processed strictly in order so that a duplicated identifier within a chunk
// resolves last-wins, with earlier occurrences versioned into history.
func (p *Processor) processRecord(ctx context.Context, raw []byte, stats *ChunkStats) {
	res, err := marc.Normalize(raw)
	if err != nil {
		zap.L().Warn("record rejected", zap.Error(err))
		stats.recordError(eris.ToString(err, false))
		return
	}
	bib := res.Value
	entry := model.NewActiveEntry(bib, res.Warnings)

	current, err := p.withRetryGet(ctx, entry.MMSID)
	if err != nil {
		p.demote(stats, entry.MMSID, "load current entry", err)
		return
	}

	action := Classify(entry, bib.Deleted, current)
	if err := p.apply(ctx, action, entry, current); err != nil {
		p.demote(stats, entry.MMSID, action.String(), err)
		return
	}

	stats.count(action)
	if entry.DataError {
		stats.Counters.DataErrors++
		stats.DataErrorMessages = append(stats.DataErrorMessages, entry.DataErrorMessages...)
	}

	if action != ActionUnchanged {
		zap.L().Debug("record applied",
			zap.String("mms_id", entry.MMSID),
			zap.String("action", action.String()),
		)
	}
}

func (p *Processor) apply(ctx context.Context, action Action, entry, current *model.ActiveEntry) error {
	if action == ActionUnchanged {
		return nil
	}

	retry := p.retry
	retry.OnRetry = resilience.RetryLogger(action.String(), entry.MMSID)

	return resilience.Do(ctx, retry, func(ctx context.Context) error {
		opCtx, cancel := context.WithTimeout(ctx, p.opTimeout)
		defer cancel()

		switch action {
		case ActionCreate:
			return p.store.Create(opCtx, entry)
		case ActionUpdate, ActionSuppressOnly:
			return p.store.Replace(opCtx, entry, current)
		case ActionDelete:
			return p.store.Delete(opCtx, entry.MMSID, current)
		case ActionArchiveOnly:
			return p.store.Archive(opCtx, entry)
		default:
			return eris.Errorf("sync: unsupported action %s", action)
		}
	})
}

func (p *Processor) withRetryGet(ctx context.Context, mmsID string) (*model.ActiveEntry, error) {
	retry := p.retry
	retry.OnRetry = resilience.RetryLogger("get active", mmsID)
	return resilience.DoVal(ctx, retry, func(ctx context.Context) (*model.ActiveEntry, error) {
		opCtx, cancel := context.WithTimeout(ctx, p.opTimeout)
		defer cancel()
		return p.store.GetActive(opCtx, mmsID)
	})
}

// demote turns an exhausted storage failure into a data error so one broken
// record cannot abort the run.
func (p *Processor) demote(stats *ChunkStats, mmsID, operation string, err error) {
	zap.L().Error("storage operation failed, record quarantined",
		zap.String("mms_id", mmsID),
		zap.String("operation", operation),
		zap.Error(err),
	)
	stats.recordError(fmt.Sprintf("record %s: %s failed: %s", mmsID, operation, eris.ToString(err, false)))
}
