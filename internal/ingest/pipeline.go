// Package ingest implements the chunked CSV import pipeline. One job streams
// its staged file twice: a cheap counting pass that also validates headers,
// then a decoding pass that batches rows into conflict-resolving upserts and
// reports progress as it goes.
package ingest

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"strings"

	"github.com/jszwec/csvutil"

	"github.com/skuflow/skuflow/internal/jobstate"
	"github.com/skuflow/skuflow/internal/model"
	"github.com/skuflow/skuflow/internal/repository"
	"github.com/skuflow/skuflow/internal/webhook"
)

const (
	columnName        = "name"
	columnSKU         = "sku"
	columnDescription = "description"
)

// BatchUpserter applies one batch of rows as a single upsert keyed on SKU.
type BatchUpserter interface {
	UpsertBatch(ctx context.Context, rows []repository.ProductUpsert) ([]repository.UpsertOutcome, error)
}

// Notifier receives the mutation events produced by a committed batch.
type Notifier interface {
	NotifyBatch(ctx context.Context, events []webhook.Event)
}

// ObjectOpener streams a staged upload.
type ObjectOpener interface {
	Open(ctx context.Context, objectKey string) (io.ReadCloser, error)
}

// Pipeline executes CSV import jobs. A single job occupies one worker for its
// full duration; chunking exists for memory and progress granularity, not
// parallelism.
type Pipeline struct {
	log      *slog.Logger
	jobs     jobstate.Store
	products BatchUpserter
	objects  ObjectOpener
	notifier Notifier
}

func New(log *slog.Logger, jobs jobstate.Store, products BatchUpserter, objects ObjectOpener, notifier Notifier) *Pipeline {
	return &Pipeline{
		log:      log,
		jobs:     jobs,
		products: products,
		objects:  objects,
		notifier: notifier,
	}
}

// csvRow is the decoded shape of one data row. Columns beyond these are
// ignored.
type csvRow struct {
	Name        string `csv:"name"`
	SKU         string `csv:"sku"`
	Description string `csv:"description"`
}

// Run drives one import job to a terminal state. The returned error mirrors
// what was recorded on the job; committed batches stay committed.
func (p *Pipeline) Run(ctx context.Context, jobID, objectKey, fileName string) error {
	log := p.log.With(slog.String("job_id", jobID), slog.String("file", fileName))
	log.Info("csv import started")

	p.publish(ctx, jobID, jobstate.Delta{
		Status:  jobstate.StatusPtr(jobstate.StatusProcessing),
		Message: jobstate.StringPtr("Starting CSV processing"),
	})

	header, total, err := p.scanFile(ctx, objectKey)
	if err != nil {
		return p.fail(ctx, log, jobID, err)
	}

	chunk := chunkSize(total)
	p.publish(ctx, jobID, jobstate.Delta{
		Progress:  jobstate.Float64Ptr(5),
		TotalRows: jobstate.IntPtr(total),
		Message:   jobstate.StringPtr(fmt.Sprintf("Found %d rows to process (batch size %d)", total, chunk)),
	})

	processed, skipped, err := p.importRows(ctx, log, jobID, objectKey, header, total, chunk)
	if err != nil {
		return p.fail(ctx, log, jobID, err)
	}

	p.publish(ctx, jobID, jobstate.Delta{
		Status:        jobstate.StatusPtr(jobstate.StatusCompleted),
		Progress:      jobstate.Float64Ptr(100),
		ProcessedRows: jobstate.IntPtr(processed),
		Message:       jobstate.StringPtr(fmt.Sprintf("Imported %d rows (%d skipped)", processed-skipped, skipped)),
	})
	log.Info("csv import completed", slog.Int("processed", processed), slog.Int("skipped", skipped))
	return nil
}

// scanFile is the counting pass: it validates the header and counts data
// rows without decoding them. Header problems fail the job before any
// progress is recorded.
func (p *Pipeline) scanFile(ctx context.Context, objectKey string) ([]string, int, error) {
	rc, err := p.objects.Open(ctx, objectKey)
	if err != nil {
		return nil, 0, fmt.Errorf("open staged file: %w", err)
	}
	defer rc.Close()

	reader := newCSVReader(rc)
	header, err := readHeader(reader)
	if err != nil {
		return nil, 0, err
	}

	total := 0
	for {
		if _, err := reader.Read(); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			// Malformed rows are counted here and skipped in the decoding
			// pass, keeping both passes in step.
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				total++
				continue
			}
			return nil, 0, fmt.Errorf("scan row %d: %w", total+1, err)
		}
		total++
	}
	return header, total, nil
}

func (p *Pipeline) importRows(ctx context.Context, log *slog.Logger, jobID, objectKey string, header []string, total, chunk int) (processed, skipped int, err error) {
	rc, err := p.objects.Open(ctx, objectKey)
	if err != nil {
		return 0, 0, fmt.Errorf("reopen staged file: %w", err)
	}
	defer rc.Close()

	reader := newCSVReader(rc)
	if _, err := reader.Read(); err != nil {
		return 0, 0, fmt.Errorf("skip header row: %w", err)
	}

	dec, err := csvutil.NewDecoder(reader, header...)
	if err != nil {
		return 0, 0, fmt.Errorf("create decoder: %w", err)
	}

	interval := progressInterval(total)
	lastPublished := 0
	batch := make([]repository.ProductUpsert, 0, chunk)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := p.flushBatch(ctx, batch); err != nil {
			return err
		}
		batch = batch[:0]
		p.publishProgress(ctx, jobID, processed, total)
		lastPublished = processed
		return nil
	}

	for {
		var row csvRow
		if err := dec.Decode(&row); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			// A malformed row is skipped and counted, same as a row failing
			// field validation.
			processed++
			skipped++
			log.Debug("skipping malformed row", slog.Int("row", processed), slog.String("err", err.Error()))
			continue
		}
		processed++

		sku := strings.TrimSpace(row.SKU)
		name := strings.TrimSpace(row.Name)
		if sku == "" || name == "" {
			skipped++
			continue
		}

		var description *string
		if d := strings.TrimSpace(row.Description); d != "" {
			description = &d
		}
		batch = append(batch, repository.ProductUpsert{
			// SKUs are lowercased so the upsert key is case-insensitive.
			SKU:         strings.ToLower(sku),
			Name:        name,
			Description: description,
			// The active flag is assigned at random and only takes effect on
			// insert; re-imports never flap it.
			Active: rand.Intn(2) == 0,
		})

		if processed-lastPublished >= interval {
			p.publishProgress(ctx, jobID, processed, total)
			lastPublished = processed
		}
		if len(batch) >= chunk {
			if err := flush(); err != nil {
				return processed, skipped, err
			}
		}
	}

	if err := flush(); err != nil {
		return processed, skipped, err
	}
	p.publish(ctx, jobID, jobstate.Delta{
		Progress:      jobstate.Float64Ptr(95),
		ProcessedRows: jobstate.IntPtr(processed),
		Message:       jobstate.StringPtr(fmt.Sprintf("Processed %d/%d rows", processed, total)),
	})
	return processed, skipped, nil
}

// flushBatch applies one batch and hands the resulting mutation events to the
// trigger. Trigger failures are logged inside the notifier and never fail the
// job; a storage failure does.
func (p *Pipeline) flushBatch(ctx context.Context, batch []repository.ProductUpsert) error {
	outcomes, err := p.products.UpsertBatch(ctx, dedupeLastWins(batch))
	if err != nil {
		return fmt.Errorf("upsert batch of %d rows: %w", len(batch), err)
	}

	events := make([]webhook.Event, 0, len(outcomes))
	for i := range outcomes {
		kind := model.EventRecordUpdated
		if outcomes[i].Inserted {
			kind = model.EventRecordCreated
		}
		events = append(events, webhook.Event{Kind: kind, Product: &outcomes[i].Product})
	}
	p.notifier.NotifyBatch(ctx, events)
	return nil
}

// dedupeLastWins collapses duplicate SKUs within one batch, keeping the last
// occurrence, so a single multi-row upsert never touches the same key twice.
func dedupeLastWins(batch []repository.ProductUpsert) []repository.ProductUpsert {
	index := make(map[string]int, len(batch))
	out := batch[:0:0]
	for _, row := range batch {
		if at, ok := index[row.SKU]; ok {
			out[at] = row
			continue
		}
		index[row.SKU] = len(out)
		out = append(out, row)
	}
	return out
}

func (p *Pipeline) fail(ctx context.Context, log *slog.Logger, jobID string, cause error) error {
	log.Error("csv import failed", slog.String("err", cause.Error()))
	p.publish(ctx, jobID, jobstate.Delta{
		Status:  jobstate.StatusPtr(jobstate.StatusFailed),
		Error:   jobstate.StringPtr(cause.Error()),
		Message: jobstate.StringPtr("Import failed"),
	})
	return cause
}

func (p *Pipeline) publishProgress(ctx context.Context, jobID string, processed, total int) {
	p.publish(ctx, jobID, jobstate.Delta{
		Progress:      jobstate.Float64Ptr(progressFor(processed, total)),
		ProcessedRows: jobstate.IntPtr(processed),
		Message:       jobstate.StringPtr(fmt.Sprintf("Processed %d/%d rows", processed, total)),
	})
}

// publish applies a state delta, logging rather than failing on state-store
// errors so a flaky observer path cannot kill an import.
func (p *Pipeline) publish(ctx context.Context, jobID string, delta jobstate.Delta) {
	if _, err := p.jobs.Update(ctx, jobID, delta); err != nil {
		p.log.Error("publish job state failed",
			slog.String("job_id", jobID),
			slog.String("err", err.Error()),
		)
	}
}

func newCSVReader(r io.Reader) *csv.Reader {
	reader := csv.NewReader(r)
	// Ragged rows are handled per row rather than aborting the file.
	reader.FieldsPerRecord = -1
	return reader
}

// readHeader reads and normalizes the header row, then checks the required
// columns. A missing required column is fatal to the whole job.
func readHeader(reader *csv.Reader) ([]string, error) {
	record, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("CSV file is empty or has no header row; expected columns: name, sku, description")
		}
		return nil, fmt.Errorf("read header row: %w", err)
	}

	header := make([]string, len(record))
	for i, col := range record {
		if i == 0 {
			col = strings.TrimPrefix(col, "\ufeff")
		}
		header[i] = strings.ToLower(strings.TrimSpace(col))
	}

	var missing []string
	for _, required := range []string{columnName, columnSKU} {
		found := false
		for _, col := range header {
			if col == required {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, required)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required columns: %s (found: %s)",
			strings.Join(missing, ", "), strings.Join(header, ", "))
	}
	return header, nil
}

// progressFor maps row counts onto the 10-90 band; the ends of the range are
// reserved for setup and finalization so observers always see movement.
func progressFor(processed, total int) float64 {
	if total <= 0 {
		return 90
	}
	progress := 10 + float64(processed)/float64(total)*80
	if progress > 90 {
		progress = 90
	}
	return progress
}

// chunkSize picks the batch size from the row count: small files flush often
// for responsive progress, large files amortize the upsert round-trips.
func chunkSize(totalRows int) int {
	switch {
	case totalRows < 10_000:
		return 1_000
	case totalRows < 100_000:
		return 10_000
	default:
		return 20_000
	}
}

// progressInterval picks how many rows may pass between progress updates in
// addition to the per-batch update.
func progressInterval(totalRows int) int {
	switch {
	case totalRows < 1_000:
		return 10
	case totalRows < 10_000:
		return 50
	case totalRows < 100_000:
		return 100
	default:
		return 1_000
	}
}
