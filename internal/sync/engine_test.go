package sync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bibnet/marcsync/internal/marc"
	"github.com/bibnet/marcsync/internal/model"
	"github.com/bibnet/marcsync/internal/oai"
	"github.com/bibnet/marcsync/internal/resilience"
	"github.com/bibnet/marcsync/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, store.Store) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	eng := NewEngine(st, nil, EngineOptions{
		Retry:     resilience.RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond},
		OpTimeout: 5 * time.Second,
	})
	return eng, st
}

type testRecord struct {
	mmsID      string
	datestamp  string
	title      string
	suppressed bool
	deleted    bool
}

func (r testRecord) xml() string {
	if r.deleted {
		return fmt.Sprintf(`<record>
  <header status="deleted">
    <identifier>oai:example.org:%s</identifier>
    <datestamp>%s</datestamp>
  </header>
</record>`, r.mmsID, r.datestamp)
	}
	sup := "false"
	if r.suppressed {
		sup = "true"
	}
	return fmt.Sprintf(`<record>
  <header>
    <identifier>oai:example.org:%s</identifier>
    <datestamp>%s</datestamp>
  </header>
  <metadata>
    <record>
      <leader>00000nam a2200000 c 4500</leader>
      <controlfield tag="001">%s</controlfield>
      <controlfield tag="008">200115s2020    sz ||||| |||| 00| ||ger d</controlfield>
      <datafield tag="245" ind1="1" ind2="0">
        <subfield code="a">%s</subfield>
      </datafield>
      <datafield tag="988" ind1=" " ind2=" ">
        <subfield code="e">%s</subfield>
        <subfield code="b">2020-01-15 10:30:00 Europe/Zurich</subfield>
        <subfield code="d">2024-06-01 08:00:00 Europe/Zurich</subfield>
      </datafield>
    </record>
  </metadata>
</record>`, r.mmsID, r.datestamp, r.mmsID, r.title, sup)
}

func writeChunkDir(t *testing.T, chunks ...[]testRecord) string {
	t.Helper()
	dir := t.TempDir()
	for i, records := range chunks {
		body := `<?xml version="1.0" encoding="UTF-8"?>
<OAI-PMH xmlns="http://www.openarchives.org/OAI/2.0/">
  <ListRecords>
`
		for _, r := range records {
			body += r.xml() + "\n"
		}
		body += `  </ListRecords>
</OAI-PMH>`
		path := filepath.Join(dir, oai.ChunkFileName("testset", i+1))
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	}
	return dir
}

// The full lifecycle of one identifier across three runs: created on first
// sight, updated with the old version archived, then deleted with the
// history marked accordingly.
func TestEngine_ThreeRunLifecycle(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()

	// run 1: new record
	dir := writeChunkDir(t, []testRecord{
		{mmsID: "990001", datestamp: "2026-03-01T10:00:00Z", title: "First edition"},
	})
	task, err := eng.SyncDir(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusCompleted, task.Status)
	assert.Equal(t, int64(1), task.Counters.Created)
	assert.Equal(t, int64(0), task.NbRecordsAtStartTime)
	assert.Equal(t, int64(1), task.NbRecordsAtEndTime)

	active, err := st.GetActive(ctx, "990001")
	require.NoError(t, err)
	require.NotNil(t, active)
	hist, err := st.GetHistory(ctx, "990001")
	require.NoError(t, err)
	assert.Nil(t, hist, "a created record has no history yet")

	// run 2: changed record, newer datestamp
	dir = writeChunkDir(t, []testRecord{
		{mmsID: "990001", datestamp: "2026-03-02T10:00:00Z", title: "Second edition"},
	})
	task, err = eng.SyncDir(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, int64(1), task.Counters.Updated)

	active, err = st.GetActive(ctx, "990001")
	require.NoError(t, err)
	assert.Equal(t, "Second edition", active.Record.Fields[0].Subfields[0].Value)

	hist, err = st.GetHistory(ctx, "990001")
	require.NoError(t, err)
	require.NotNil(t, hist)
	assert.False(t, hist.Deleted)
	require.Len(t, hist.Versions, 1)
	assert.Equal(t, "First edition", hist.Versions[0].Record.Fields[0].Subfields[0].Value)

	// run 3: deletion notice
	dir = writeChunkDir(t, []testRecord{
		{mmsID: "990001", datestamp: "2026-03-03T10:00:00Z", deleted: true},
	})
	task, err = eng.SyncDir(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, int64(1), task.Counters.Deleted)
	assert.Equal(t, int64(0), task.NbRecordsAtEndTime)

	active, err = st.GetActive(ctx, "990001")
	require.NoError(t, err)
	assert.Nil(t, active)

	hist, err = st.GetHistory(ctx, "990001")
	require.NoError(t, err)
	require.NotNil(t, hist)
	assert.True(t, hist.Deleted)
	require.Len(t, hist.Versions, 2)
	assert.Equal(t, "Second edition", hist.Versions[1].Record.Fields[0].Subfields[0].Value)
}

// Re-running the same chunk directory must not grow history or change the
// active collection.
func TestEngine_SyncIsIdempotent(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()

	dir := writeChunkDir(t, []testRecord{
		{mmsID: "990001", datestamp: "2026-03-01T10:00:00Z", title: "A title"},
		{mmsID: "990002", datestamp: "2026-03-01T10:00:00Z", title: "Another title"},
	})

	task, err := eng.SyncDir(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, int64(2), task.Counters.Created)

	task, err = eng.SyncDir(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, int64(0), task.Counters.Created)
	assert.Equal(t, int64(0), task.Counters.Updated)
	assert.Equal(t, int64(2), task.Counters.Unchanged)

	for _, id := range []string{"990001", "990002"} {
		hist, err := st.GetHistory(ctx, id)
		require.NoError(t, err)
		assert.Nil(t, hist, "unchanged records must not be versioned")
	}
}

func TestEngine_SuppressionToggle(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()

	dir := writeChunkDir(t, []testRecord{
		{mmsID: "990001", datestamp: "2026-03-01T10:00:00Z", title: "A title"},
	})
	_, err := eng.SyncDir(ctx, dir)
	require.NoError(t, err)

	dir = writeChunkDir(t, []testRecord{
		{mmsID: "990001", datestamp: "2026-03-02T10:00:00Z", title: "A title", suppressed: true},
	})
	task, err := eng.SyncDir(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, int64(1), task.Counters.Suppressed)
	assert.Equal(t, int64(0), task.Counters.Updated)

	active, err := st.GetActive(ctx, "990001")
	require.NoError(t, err)
	assert.True(t, active.Suppressed)

	hist, err := st.GetHistory(ctx, "990001")
	require.NoError(t, err)
	require.Len(t, hist.Versions, 1)
	assert.False(t, hist.Versions[0].Suppressed)
}

// A duplicated identifier within one chunk resolves last-wins, with the
// earlier occurrence versioned into history.
func TestEngine_DuplicateWithinChunkLastWins(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()

	dir := writeChunkDir(t, []testRecord{
		{mmsID: "990001", datestamp: "2026-03-01T10:00:00Z", title: "Earlier occurrence"},
		{mmsID: "990001", datestamp: "2026-03-01T11:00:00Z", title: "Later occurrence"},
	})
	task, err := eng.SyncDir(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, int64(1), task.Counters.Created)
	assert.Equal(t, int64(1), task.Counters.Updated)

	active, err := st.GetActive(ctx, "990001")
	require.NoError(t, err)
	assert.Equal(t, "Later occurrence", active.Record.Fields[0].Subfields[0].Value)

	hist, err := st.GetHistory(ctx, "990001")
	require.NoError(t, err)
	require.Len(t, hist.Versions, 1)
	assert.Equal(t, "Earlier occurrence", hist.Versions[0].Record.Fields[0].Subfields[0].Value)
}

// A stale incoming record is archived to history and never overwrites a
// newer active entry.
func TestEngine_StaleIncomingArchivesOnly(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()

	dir := writeChunkDir(t, []testRecord{
		{mmsID: "990001", datestamp: "2026-03-05T10:00:00Z", title: "Current"},
	})
	_, err := eng.SyncDir(ctx, dir)
	require.NoError(t, err)

	dir = writeChunkDir(t, []testRecord{
		{mmsID: "990001", datestamp: "2026-03-01T10:00:00Z", title: "Late straggler"},
	})
	task, err := eng.SyncDir(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, int64(1), task.Counters.Archived)

	active, err := st.GetActive(ctx, "990001")
	require.NoError(t, err)
	assert.Equal(t, "Current", active.Record.Fields[0].Subfields[0].Value)

	hist, err := st.GetHistory(ctx, "990001")
	require.NoError(t, err)
	require.Len(t, hist.Versions, 1)
	assert.Equal(t, "Late straggler", hist.Versions[0].Record.Fields[0].Subfields[0].Value)
}

// Malformed record encodings are quarantined as data errors and the rest of
// the chunk still processes.
func TestEngine_RecordErrorsDoNotAbortRun(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()

	dir := t.TempDir()
	body := `<?xml version="1.0" encoding="UTF-8"?>
<OAI-PMH xmlns="http://www.openarchives.org/OAI/2.0/">
  <ListRecords>
    <record>
      <header>
        <identifier>oai:example.org:990001</identifier>
      </header>
      <metadata><record><leader>00000nam a2200000 c 4500</leader>
        <controlfield tag="001">990001</controlfield></record></metadata>
    </record>
` + testRecord{mmsID: "990002", datestamp: "2026-03-01T10:00:00Z", title: "Good record"}.xml() + `
  </ListRecords>
</OAI-PMH>`
	require.NoError(t, os.WriteFile(filepath.Join(dir, oai.ChunkFileName("testset", 1)), []byte(body), 0o644))

	task, err := eng.SyncDir(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusCompleted, task.Status)
	assert.Equal(t, int64(1), task.Counters.Created)
	assert.Equal(t, int64(1), task.Counters.DataErrors)
	require.NotEmpty(t, task.DataErrorMessages)
	assert.Contains(t, task.DataErrorMessages[0], "datestamp")

	active, err := st.GetActive(ctx, "990002")
	require.NoError(t, err)
	require.NotNil(t, active)

	// the quarantined record never reached the store
	active, err = st.GetActive(ctx, "990001")
	require.NoError(t, err)
	assert.Nil(t, active)
}

// An unreadable chunk is critical: the run aborts, the task closes failed
// and later chunks are not processed.
func TestEngine_UnreadableChunkFailsRun(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()

	dir := writeChunkDir(t,
		[]testRecord{{mmsID: "990001", datestamp: "2026-03-01T10:00:00Z", title: "Before the failure"}},
	)
	require.NoError(t, os.WriteFile(filepath.Join(dir, oai.ChunkFileName("testset", 2)),
		[]byte("<OAI-PMH><ListRecords><record>"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, oai.ChunkFileName("testset", 3)),
		writeRecordPage(testRecord{mmsID: "990003", datestamp: "2026-03-01T10:00:00Z", title: "After the failure"}), 0o644))

	task, err := eng.SyncDir(ctx, dir)
	require.Error(t, err)
	require.NotNil(t, task)
	assert.Equal(t, model.TaskStatusFailed, task.Status)
	assert.True(t, task.CriticalError)
	require.NotEmpty(t, task.CriticalErrorMessages)
	require.NotNil(t, task.EndTime)

	// chunk 1 was applied, chunk 3 was never reached
	active, err := st.GetActive(ctx, "990001")
	require.NoError(t, err)
	assert.NotNil(t, active)
	active, err = st.GetActive(ctx, "990003")
	require.NoError(t, err)
	assert.Nil(t, active)

	stored, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailed, stored.Status)
}

func writeRecordPage(records ...testRecord) []byte {
	body := `<?xml version="1.0" encoding="UTF-8"?>
<OAI-PMH xmlns="http://www.openarchives.org/OAI/2.0/">
  <ListRecords>
`
	for _, r := range records {
		body += r.xml() + "\n"
	}
	return []byte(body + `  </ListRecords>
</OAI-PMH>`)
}

func TestEngine_HarvestFromTime(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()

	from, err := eng.HarvestFromTime(ctx)
	require.NoError(t, err)
	assert.Nil(t, from, "no completed run means full harvest")

	base := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)
	completed := &model.TaskEntry{ID: "t1", Status: model.TaskStatusCompleted, StartTime: base}
	failed := &model.TaskEntry{ID: "t2", Status: model.TaskStatusFailed, StartTime: base.Add(time.Hour)}
	require.NoError(t, st.CreateTask(ctx, completed))
	require.NoError(t, st.UpdateTask(ctx, completed))
	require.NoError(t, st.CreateTask(ctx, failed))
	require.NoError(t, st.UpdateTask(ctx, failed))

	from, err = eng.HarvestFromTime(ctx)
	require.NoError(t, err)
	require.NotNil(t, from)
	assert.True(t, from.Equal(base), "failed runs must not advance the harvest boundary")
}

// updateFaultStore fails every UpdateTask after the first, simulating a task
// collection that goes away mid-run.
type updateFaultStore struct {
	store.Store
	updates int
}

func (s *updateFaultStore) UpdateTask(ctx context.Context, task *model.TaskEntry) error {
	s.updates++
	if s.updates > 1 {
		return eris.New("task collection unavailable")
	}
	return s.Store.UpdateTask(ctx, task)
}

// A task-collection fault mid-run must not leave the task open: the run
// fails and the task document still reaches a terminal state with the
// critical error recorded.
func TestEngine_TaskStoreFaultClosesTask(t *testing.T) {
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	faulty := &updateFaultStore{Store: st}
	eng := NewEngine(faulty, nil, EngineOptions{
		Retry:     resilience.RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond},
		OpTimeout: 5 * time.Second,
	})

	dir := writeChunkDir(t, []testRecord{
		{mmsID: "990001", datestamp: "2026-03-01T10:00:00Z", title: "A title"},
	})

	task, err := eng.SyncDir(context.Background(), dir)
	require.Error(t, err)
	require.NotNil(t, task)
	assert.Equal(t, model.TaskStatusFailed, task.Status)
	assert.True(t, task.CriticalError)
	require.NotEmpty(t, task.CriticalErrorMessages)
	require.NotNil(t, task.EndTime)
}

// A field-level problem is substituted with the sentinel and reported on the
// task, and the record is still created.
func TestEngine_FieldErrorSubstitutedAndCreated(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()

	dir := t.TempDir()
	body := `<?xml version="1.0" encoding="UTF-8"?>
<OAI-PMH xmlns="http://www.openarchives.org/OAI/2.0/">
  <ListRecords>
    <record>
      <header>
        <identifier>oai:example.org:990001</identifier>
        <datestamp>2026-03-01T10:00:00Z</datestamp>
      </header>
      <metadata>
        <record>
          <leader>00000nam a2200000 c 4500</leader>
          <controlfield tag="001">990001</controlfield>
          <controlfield tag="008">200115s2020    sz ||||| |||| 00| ||ger d</controlfield>
          <datafield tag="245" ind1="?" ind2="0">
            <subfield code="a">A title</subfield>
          </datafield>
        </record>
      </metadata>
    </record>
  </ListRecords>
</OAI-PMH>`
	require.NoError(t, os.WriteFile(filepath.Join(dir, oai.ChunkFileName("testset", 1)), []byte(body), 0o644))

	task, err := eng.SyncDir(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusCompleted, task.Status)
	assert.Equal(t, int64(1), task.Counters.Created)
	assert.Equal(t, int64(1), task.Counters.DataErrors)
	require.NotEmpty(t, task.DataErrorMessages)
	assert.Contains(t, task.DataErrorMessages[0], "ind1")
	assert.Contains(t, task.DataErrorMessages[0], "245")

	active, err := st.GetActive(ctx, "990001")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.True(t, active.DataError)
	assert.Equal(t, marc.Sentinel, active.Record.Fields[0].Ind1)
}

// createFaultStore rejects persistence of one identifier with a transient
// error, simulating a storage fault confined to a single record.
type createFaultStore struct {
	store.Store
	failID   string
	attempts int
}

func (s *createFaultStore) Create(ctx context.Context, entry *model.ActiveEntry) error {
	if entry.MMSID == s.failID {
		s.attempts++
		return resilience.NewTransientError(eris.New("storage unavailable"), 0)
	}
	return s.Store.Create(ctx, entry)
}

// A storage fault on one record is retried and then demoted to a task data
// error; the rest of the batch continues and the run still completes.
func TestEngine_StorageFaultDemotedToDataError(t *testing.T) {
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	flaky := &createFaultStore{Store: st, failID: "990001"}
	eng := NewEngine(flaky, nil, EngineOptions{
		Retry:     resilience.RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond},
		OpTimeout: 5 * time.Second,
	})
	ctx := context.Background()

	dir := writeChunkDir(t, []testRecord{
		{mmsID: "990001", datestamp: "2026-03-01T10:00:00Z", title: "Unlucky record"},
		{mmsID: "990002", datestamp: "2026-03-01T10:00:00Z", title: "Fine record"},
	})

	task, err := eng.SyncDir(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusCompleted, task.Status)
	assert.False(t, task.CriticalError)
	assert.Equal(t, int64(1), task.Counters.Created)
	assert.Equal(t, int64(1), task.Counters.DataErrors)
	require.NotEmpty(t, task.DataErrorMessages)
	assert.Contains(t, task.DataErrorMessages[0], "990001")
	assert.Contains(t, task.DataErrorMessages[0], "create")
	assert.Equal(t, 2, flaky.attempts, "the fault is retried before demotion")

	active, err := st.GetActive(ctx, "990001")
	require.NoError(t, err)
	assert.Nil(t, active)
	active, err = st.GetActive(ctx, "990002")
	require.NoError(t, err)
	require.NotNil(t, active)
}
