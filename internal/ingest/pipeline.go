// Package ingest turns sales files, receipts, inventory sheets and direct
// sale requests into transactions and stock movements. Rows are committed
// one unit of work at a time so a bad row never undoes its neighbours.
package ingest

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"retailpulse/backend/internal/alerts"
	"retailpulse/backend/internal/cache"
	"retailpulse/backend/internal/catalog"
	"retailpulse/backend/internal/domain"
	"retailpulse/backend/internal/ledger"
	"retailpulse/backend/internal/notify"
	"retailpulse/backend/internal/ocr"
	"retailpulse/backend/internal/store"
)

const (
	MaxQuantity = 1000
	// progressEvery controls how often row counters are flushed while a
	// batch is running.
	progressEvery = 25
)

// Recorder receives ingestion outcomes.
type Recorder interface {
	BatchFinished(batch domain.IngestionBatch, elapsed time.Duration)
	SaleRecorded(kind string, err error)
}

type Pipeline struct {
	repo      store.Repository
	ledger    *ledger.Ledger
	products  *catalog.Resolver
	receipts  *catalog.Resolver
	extractor ocr.Extractor
	notifier  *notify.Notifier
	cache     cache.ReportCache
	validate  *validator.Validate
	now       func() time.Time
	log       zerolog.Logger
	recorder  Recorder
}

type Option func(*Pipeline)

func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

func WithNotifier(n *notify.Notifier) Option {
	return func(p *Pipeline) { p.notifier = n }
}

func WithCache(c cache.ReportCache) Option {
	return func(p *Pipeline) {
		if c != nil {
			p.cache = c
		}
	}
}

func WithExtractor(e ocr.Extractor) Option {
	return func(p *Pipeline) {
		if e != nil {
			p.extractor = e
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(p *Pipeline) { p.recorder = r }
}

func WithSKU(sku catalog.SKUFunc) Option {
	return func(p *Pipeline) { p.products = catalog.New(sku) }
}

func New(repo store.Repository, logger zerolog.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		repo:      repo,
		products:  catalog.New(catalog.RandomSKU),
		receipts:  catalog.New(catalog.NameSKU("SKU-OCR-")),
		cache:     cache.NoopReportCache{},
		validate:  validator.New(),
		now:       func() time.Time { return time.Now().UTC() },
		log:       logger.With().Str("component", "ingest").Logger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.extractor == nil {
		p.extractor = ocr.MockExtractor{Now: p.now}
	}
	p.ledger = ledger.New(alerts.New(p.now))
	return p
}

func (p *Pipeline) today() time.Time {
	now := p.now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

// idSet keeps insertion order.
type idSet struct {
	seen map[string]struct{}
	ids  []string
}

func (s *idSet) add(id string) {
	if id == "" {
		return
	}
	if s.seen == nil {
		s.seen = make(map[string]struct{})
	}
	if _, ok := s.seen[id]; ok {
		return
	}
	s.seen[id] = struct{}{}
	s.ids = append(s.ids, id)
}

func (s *idSet) list() []string {
	if s.ids == nil {
		return []string{}
	}
	return s.ids
}

// run carries the mutable state of one batch.
type run struct {
	batch     *domain.IngestionBatch
	products  idSet
	customers idSet
	started   time.Time
}

func (p *Pipeline) begin(ctx context.Context, batch *domain.IngestionBatch) *run {
	now := p.now()
	batch.Status = domain.BatchProcessing
	batch.StartedAt = &now
	batch.Errors = []domain.RowError{}
	if err := p.repo.UpdateBatch(ctx, *batch); err != nil {
		p.log.Error().Err(err).Str("batch_id", batch.ID).Msg("failed to mark batch processing")
	}
	p.log.Info().Str("tenant_id", batch.TenantID).Str("batch_id", batch.ID).Str("kind", batch.Kind).Str("file", batch.FileName).Msg("batch started")
	return &run{batch: batch, started: time.Now()}
}

func (p *Pipeline) progress(ctx context.Context, r *run, row int) {
	if row%progressEvery != 0 {
		return
	}
	if err := p.repo.UpdateBatch(ctx, *r.batch); err != nil {
		p.log.Warn().Err(err).Str("batch_id", r.batch.ID).Msg("failed to flush batch progress")
	}
}

// rowFailed records a row-level failure on the batch and as a FailedRow.
func (p *Pipeline) rowFailed(ctx context.Context, r *run, entry domain.RowError, number int, data map[string]string) {
	r.batch.RowsFailed++
	r.batch.Errors = append(r.batch.Errors, entry)

	now := p.now()
	failed := domain.FailedRow{
		ID:           uuid.NewString(),
		TenantID:     r.batch.TenantID,
		BatchID:      r.batch.ID,
		BatchKind:    r.batch.Kind,
		RowNumber:    number,
		RowData:      data,
		ErrorMessage: entry.Error,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := p.repo.CreateFailedRow(ctx, failed); err != nil {
		p.log.Error().Err(err).Str("batch_id", r.batch.ID).Int("row", number).Msg("failed to store failed row")
	}
	p.log.Warn().Str("batch_id", r.batch.ID).Int("row", number).Str("error", entry.Error).Msg("row rejected")
}

// finish closes the batch. A file-level BatchError marks it failed with the
// counters reset, since no row was applied. Any other cause, such as a
// cancelled context, marks it failed but keeps the counters of the rows
// that already committed. Otherwise it completes and downstream work is
// triggered.
func (p *Pipeline) finish(ctx context.Context, r *run, cause error) domain.IngestionBatch {
	batch := r.batch
	now := p.now()
	batch.CompletedAt = &now
	// the final write must land even when ctx is what stopped the batch
	persistCtx := context.WithoutCancel(ctx)

	switch {
	case cause == nil:
		batch.Status = domain.BatchCompleted
	case IsBatchError(cause):
		batch.Status = domain.BatchFailed
		batch.ErrorMessage = cause.Error()
		batch.RowsProcessed = 0
		batch.RowsFailed = 0
		batch.CreatedTransactions = 0
		batch.SkippedDuplicates = 0
		batch.ProductsUpdated = 0
		batch.Errors = []domain.RowError{}
	default:
		batch.Status = domain.BatchFailed
		batch.ErrorMessage = "Processing interrupted: " + cause.Error()
	}
	if err := p.repo.UpdateBatch(persistCtx, *batch); err != nil {
		p.log.Error().Err(err).Str("batch_id", batch.ID).Msg("failed to persist batch result")
	}

	elapsed := time.Since(r.started)
	if p.recorder != nil {
		p.recorder.BatchFinished(*batch, elapsed)
	}
	if cause != nil {
		p.log.Error().Err(cause).
			Str("tenant_id", batch.TenantID).
			Str("batch_id", batch.ID).
			Str("kind", batch.Kind).
			Int("rows_processed", batch.RowsProcessed).
			Msg("batch failed")
		if batch.RowsProcessed > 0 {
			p.invalidate(persistCtx, batch.TenantID)
		}
		return *batch
	}

	p.log.Info().
		Str("tenant_id", batch.TenantID).
		Str("batch_id", batch.ID).
		Str("kind", batch.Kind).
		Int("rows", batch.RowCount).
		Int("created", batch.CreatedTransactions).
		Int("skipped", batch.SkippedDuplicates).
		Int("failed", batch.RowsFailed).
		Int("products_updated", batch.ProductsUpdated).
		Dur("elapsed", elapsed).
		Msg("batch completed")

	productIDs := r.products.list()
	p.invalidate(ctx, batch.TenantID)
	p.checkConsistency(ctx, batch.TenantID, productIDs)
	p.notifier.Notify(ctx, domain.IngestionEvent{
		TenantID:            batch.TenantID,
		BatchID:             batch.ID,
		AffectedProductIDs:  productIDs,
		AffectedCustomerIDs: r.customers.list(),
		TransactionCount:    batch.CreatedTransactions,
	})
	return *batch
}

func (p *Pipeline) invalidate(ctx context.Context, tenantID string) {
	if err := p.cache.Delete(ctx, cache.InventoryReportKey(tenantID)); err != nil {
		p.log.Warn().Err(err).Str("tenant_id", tenantID).Msg("report cache invalidation failed")
	}
}
