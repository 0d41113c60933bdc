package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skuflow/skuflow/internal/jobstate"
	"github.com/skuflow/skuflow/internal/model"
	"github.com/skuflow/skuflow/internal/repository"
	"github.com/skuflow/skuflow/internal/webhook"
)

type fakeOpener struct {
	content string
	err     error
	opens   int
}

func (f *fakeOpener) Open(context.Context, string) (io.ReadCloser, error) {
	f.opens++
	if f.err != nil {
		return nil, f.err
	}
	return io.NopCloser(strings.NewReader(f.content)), nil
}

type fakeUpserter struct {
	batches [][]repository.ProductUpsert
	err     error
}

func (f *fakeUpserter) UpsertBatch(_ context.Context, rows []repository.ProductUpsert) ([]repository.UpsertOutcome, error) {
	if f.err != nil {
		return nil, f.err
	}
	batch := make([]repository.ProductUpsert, len(rows))
	copy(batch, rows)
	f.batches = append(f.batches, batch)

	outcomes := make([]repository.UpsertOutcome, len(rows))
	for i, row := range rows {
		outcomes[i] = repository.UpsertOutcome{
			Product:  model.Product{ID: row.SKU, SKU: row.SKU, Name: row.Name},
			Inserted: i%2 == 0,
		}
	}
	return outcomes, nil
}

type fakeNotifier struct {
	events []webhook.Event
}

func (f *fakeNotifier) NotifyBatch(_ context.Context, events []webhook.Event) {
	f.events = append(f.events, events...)
}

func newTestPipeline(opener *fakeOpener, upserter *fakeUpserter, notifier *fakeNotifier) (*Pipeline, *jobstate.MemoryStore) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	jobs := jobstate.NewMemoryStore()
	return New(log, jobs, upserter, opener, notifier), jobs
}

func mustCreateJob(t *testing.T, jobs *jobstate.MemoryStore) string {
	t.Helper()
	job, err := jobs.Create(context.Background())
	require.NoError(t, err)
	return job.ID
}

func TestRunImportsRows(t *testing.T) {
	ctx := context.Background()
	opener := &fakeOpener{content: "Name,SKU,Description\nWidget,ABC-1,First\nGadget,ABC-2,\nDoohickey,abc-3,Third\n"}
	upserter := &fakeUpserter{}
	notifier := &fakeNotifier{}
	pipeline, jobs := newTestPipeline(opener, upserter, notifier)
	jobID := mustCreateJob(t, jobs)

	require.NoError(t, pipeline.Run(ctx, jobID, "uploads/x/file.csv", "file.csv"))

	job, err := jobs.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, jobstate.StatusCompleted, job.Status)
	assert.Equal(t, 100.0, job.Progress)
	assert.Equal(t, 3, job.ProcessedRows)
	assert.Equal(t, 3, job.TotalRows)
	assert.Equal(t, "Imported 3 rows (0 skipped)", job.Message)

	assert.Equal(t, 2, opener.opens, "one counting pass and one decoding pass")
	require.Len(t, upserter.batches, 1)
	batch := upserter.batches[0]
	require.Len(t, batch, 3)
	assert.Equal(t, "abc-1", batch[0].SKU)
	assert.Equal(t, "abc-3", batch[2].SKU)
	require.NotNil(t, batch[0].Description)
	assert.Equal(t, "First", *batch[0].Description)
	assert.Nil(t, batch[1].Description)

	require.Len(t, notifier.events, 3)
	assert.Equal(t, model.EventRecordCreated, notifier.events[0].Kind)
	assert.Equal(t, model.EventRecordUpdated, notifier.events[1].Kind)
}

func TestRunMissingColumnFailsBeforeUpserts(t *testing.T) {
	ctx := context.Background()
	opener := &fakeOpener{content: "name,description\nWidget,First\n"}
	upserter := &fakeUpserter{}
	pipeline, jobs := newTestPipeline(opener, upserter, &fakeNotifier{})
	jobID := mustCreateJob(t, jobs)

	err := pipeline.Run(ctx, jobID, "k", "file.csv")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing required columns: sku")

	job, getErr := jobs.Get(ctx, jobID)
	require.NoError(t, getErr)
	assert.Equal(t, jobstate.StatusFailed, job.Status)
	assert.Contains(t, job.Error, "missing required columns")
	assert.Empty(t, upserter.batches)
}

func TestRunEmptyFileFails(t *testing.T) {
	ctx := context.Background()
	pipeline, jobs := newTestPipeline(&fakeOpener{content: ""}, &fakeUpserter{}, &fakeNotifier{})
	jobID := mustCreateJob(t, jobs)

	require.Error(t, pipeline.Run(ctx, jobID, "k", "file.csv"))
	job, err := jobs.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, jobstate.StatusFailed, job.Status)
}

func TestRunHeaderOnlyCompletes(t *testing.T) {
	ctx := context.Background()
	pipeline, jobs := newTestPipeline(&fakeOpener{content: "name,sku\n"}, &fakeUpserter{}, &fakeNotifier{})
	jobID := mustCreateJob(t, jobs)

	require.NoError(t, pipeline.Run(ctx, jobID, "k", "file.csv"))
	job, err := jobs.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, jobstate.StatusCompleted, job.Status)
	assert.Equal(t, 0, job.ProcessedRows)
	assert.Equal(t, 0, job.TotalRows)
}

func TestRunSkipsInvalidRows(t *testing.T) {
	ctx := context.Background()
	content := "name,sku,description\n" +
		"Widget,ABC-1,ok\n" +
		",ABC-2,missing name\n" +
		"NoSKU,,missing sku\n" +
		"Gadget,ABC-4,ok\n"
	opener := &fakeOpener{content: content}
	upserter := &fakeUpserter{}
	pipeline, jobs := newTestPipeline(opener, upserter, &fakeNotifier{})
	jobID := mustCreateJob(t, jobs)

	require.NoError(t, pipeline.Run(ctx, jobID, "k", "file.csv"))

	job, err := jobs.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, 4, job.ProcessedRows)
	assert.Equal(t, "Imported 2 rows (2 skipped)", job.Message)
	require.Len(t, upserter.batches, 1)
	assert.Len(t, upserter.batches[0], 2)
}

func TestRunBOMAndHeaderCaseInsensitive(t *testing.T) {
	ctx := context.Background()
	opener := &fakeOpener{content: "\ufeffNAME, Sku ,DESCRIPTION\nWidget,ABC-1,x\n"}
	upserter := &fakeUpserter{}
	pipeline, jobs := newTestPipeline(opener, upserter, &fakeNotifier{})
	jobID := mustCreateJob(t, jobs)

	require.NoError(t, pipeline.Run(ctx, jobID, "k", "file.csv"))
	require.Len(t, upserter.batches, 1)
	assert.Equal(t, "abc-1", upserter.batches[0][0].SKU)
}

func TestRunMalformedQuotingCountedAndSkipped(t *testing.T) {
	ctx := context.Background()
	opener := &fakeOpener{content: "name,sku\nWidget,ABC-1\n\"broken,ABC-2\n"}
	upserter := &fakeUpserter{}
	pipeline, jobs := newTestPipeline(opener, upserter, &fakeNotifier{})
	jobID := mustCreateJob(t, jobs)

	require.NoError(t, pipeline.Run(ctx, jobID, "k", "file.csv"))

	job, err := jobs.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, jobstate.StatusCompleted, job.Status)
	assert.Equal(t, 2, job.TotalRows)
	assert.Equal(t, 2, job.ProcessedRows)
	assert.Equal(t, "Imported 1 rows (1 skipped)", job.Message)
	require.Len(t, upserter.batches, 1)
	assert.Len(t, upserter.batches[0], 1)
}

func TestRunStorageErrorFailsJob(t *testing.T) {
	ctx := context.Background()
	opener := &fakeOpener{content: "name,sku\nWidget,ABC-1\n"}
	upserter := &fakeUpserter{err: errors.New("connection reset")}
	pipeline, jobs := newTestPipeline(opener, upserter, &fakeNotifier{})
	jobID := mustCreateJob(t, jobs)

	err := pipeline.Run(ctx, jobID, "k", "file.csv")
	require.Error(t, err)
	job, getErr := jobs.Get(ctx, jobID)
	require.NoError(t, getErr)
	assert.Equal(t, jobstate.StatusFailed, job.Status)
	assert.Contains(t, job.Error, "connection reset")
}

func TestRunOpenErrorFailsJob(t *testing.T) {
	ctx := context.Background()
	pipeline, jobs := newTestPipeline(&fakeOpener{err: errors.New("no such key")}, &fakeUpserter{}, &fakeNotifier{})
	jobID := mustCreateJob(t, jobs)

	require.Error(t, pipeline.Run(ctx, jobID, "k", "file.csv"))
	job, err := jobs.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, jobstate.StatusFailed, job.Status)
}

func TestDedupeLastWins(t *testing.T) {
	d1, d2 := "first", "second"
	batch := []repository.ProductUpsert{
		{SKU: "a", Name: "A1", Description: &d1},
		{SKU: "b", Name: "B"},
		{SKU: "a", Name: "A2", Description: &d2},
	}
	out := dedupeLastWins(batch)
	require.Len(t, out, 2)
	assert.Equal(t, "a", out[0].SKU)
	assert.Equal(t, "A2", out[0].Name)
	assert.Equal(t, "second", *out[0].Description)
	assert.Equal(t, "b", out[1].SKU)
}

func TestChunkSize(t *testing.T) {
	assert.Equal(t, 1_000, chunkSize(0))
	assert.Equal(t, 1_000, chunkSize(9_999))
	assert.Equal(t, 10_000, chunkSize(10_000))
	assert.Equal(t, 10_000, chunkSize(99_999))
	assert.Equal(t, 20_000, chunkSize(100_000))
}

func TestProgressInterval(t *testing.T) {
	assert.Equal(t, 10, progressInterval(999))
	assert.Equal(t, 50, progressInterval(1_000))
	assert.Equal(t, 100, progressInterval(10_000))
	assert.Equal(t, 1_000, progressInterval(100_000))
}

func TestProgressFor(t *testing.T) {
	assert.Equal(t, 10.0, progressFor(0, 100))
	assert.Equal(t, 50.0, progressFor(50, 100))
	assert.Equal(t, 90.0, progressFor(100, 100))
	assert.Equal(t, 90.0, progressFor(200, 100))
	assert.Equal(t, 90.0, progressFor(0, 0))
}
