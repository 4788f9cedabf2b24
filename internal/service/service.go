package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"retailpulse/backend/internal/cache"
	"retailpulse/backend/internal/churn"
	"retailpulse/backend/internal/domain"
	"retailpulse/backend/internal/ingest"
	"retailpulse/backend/internal/store"
	"retailpulse/backend/internal/worker"
)

var (
	ErrUnauthenticated = errors.New("authenticated tenant required")
	ErrUnsupportedFile = errors.New("unsupported file type")
	ErrEmptyUpload     = errors.New("uploaded file is empty")
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
	recentUploads   = 10
)

var (
	tableExtensions   = []string{".csv", ".xlsx"}
	receiptExtensions = []string{".jpg", ".jpeg", ".png", ".webp", ".gif", ".bmp"}
	riskLevels        = []string{domain.RiskLow, domain.RiskMedium, domain.RiskHigh}
	segments          = []string{domain.SegmentChampion, domain.SegmentLoyal, domain.SegmentDormant, domain.SegmentAtRisk, domain.SegmentPotential}
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// Submitter queues background work. *worker.Pool satisfies it.
type Submitter interface {
	Submit(ctx context.Context, name string, fn worker.Task) error
}

type Service struct {
	repo     store.Repository
	pipeline *ingest.Pipeline
	churn    *churn.Service
	pool     Submitter
	cache    cache.ReportCache
	cacheTTL time.Duration
	now      func() time.Time
	log      zerolog.Logger
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithCache(c cache.ReportCache, ttl time.Duration) Option {
	return func(s *Service) {
		if c != nil {
			s.cache = c
		}
		s.cacheTTL = ttl
	}
}

func New(repo store.Repository, pipeline *ingest.Pipeline, churnSvc *churn.Service, pool Submitter, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		repo:     repo,
		pipeline: pipeline,
		churn:    churnSvc,
		pool:     pool,
		cache:    cache.NoopReportCache{},
		cacheTTL: time.Minute,
		now:      func() time.Time { return time.Now().UTC() },
		log:      logger.With().Str("component", "service").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func tenantActor(ctx context.Context) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || strings.TrimSpace(actor.TenantID) == "" {
		return domain.Actor{}, ErrUnauthenticated
	}
	return actor, nil
}

func checkUpload(kind string, fileName string, content []byte) error {
	if len(content) == 0 {
		return fmt.Errorf("%w: %w", store.ErrInvalidInput, ErrEmptyUpload)
	}
	ext := strings.ToLower(filepath.Ext(fileName))
	allowed := tableExtensions
	switch kind {
	case domain.BatchSales, domain.BatchInventory:
	case domain.BatchReceipt:
		allowed = receiptExtensions
	default:
		return fmt.Errorf("%w: unknown upload kind %q", store.ErrInvalidInput, kind)
	}
	if !slices.Contains(allowed, ext) {
		return fmt.Errorf("%w: %w %q (allowed: %s)", store.ErrInvalidInput, ErrUnsupportedFile, ext, strings.Join(allowed, ", "))
	}
	return nil
}

func (s *Service) newBatch(ctx context.Context, actor domain.Actor, kind string, fileName string) (domain.IngestionBatch, error) {
	batch := domain.IngestionBatch{
		ID:         uuid.NewString(),
		TenantID:   actor.TenantID,
		Kind:       kind,
		FileName:   filepath.Base(fileName),
		Status:     domain.BatchPending,
		Errors:     []domain.RowError{},
		UploadedBy: actor.Username,
		CreatedAt:  s.now(),
	}
	if err := s.repo.CreateBatch(ctx, batch); err != nil {
		return domain.IngestionBatch{}, fmt.Errorf("create batch: %w", err)
	}
	return batch, nil
}

func (s *Service) run(ctx context.Context, batch domain.IngestionBatch, content []byte) domain.IngestionBatch {
	switch batch.Kind {
	case domain.BatchReceipt:
		return s.pipeline.IngestReceipt(ctx, batch, content)
	case domain.BatchInventory:
		return s.pipeline.IngestInventory(ctx, batch, bytes.NewReader(content))
	default:
		return s.pipeline.IngestSales(ctx, batch, bytes.NewReader(content))
	}
}

// SubmitUpload records a pending batch and hands it to the worker pool. The
// caller gets the batch id back before any row is read.
func (s *Service) SubmitUpload(ctx context.Context, kind string, fileName string, content []byte) (domain.UploadAccepted, error) {
	actor, err := tenantActor(ctx)
	if err != nil {
		return domain.UploadAccepted{}, err
	}
	if err := checkUpload(kind, fileName, content); err != nil {
		return domain.UploadAccepted{}, err
	}
	batch, err := s.newBatch(ctx, actor, kind, fileName)
	if err != nil {
		return domain.UploadAccepted{}, err
	}

	err = s.pool.Submit(ctx, kind+":"+batch.ID, func(taskCtx context.Context) error {
		done := s.run(taskCtx, batch, content)
		if done.Status == domain.BatchFailed {
			return errors.New(done.ErrorMessage)
		}
		return nil
	})
	if err != nil {
		batch.Status = domain.BatchFailed
		batch.ErrorMessage = "Upload could not be queued: " + err.Error()
		completed := s.now()
		batch.CompletedAt = &completed
		if updateErr := s.repo.UpdateBatch(context.WithoutCancel(ctx), batch); updateErr != nil {
			s.log.Error().Err(updateErr).Str("batch_id", batch.ID).Msg("failed to mark unqueued batch")
		}
		return domain.UploadAccepted{}, fmt.Errorf("queue batch %s: %w", batch.ID, err)
	}

	s.log.Info().Str("tenant_id", actor.TenantID).Str("batch_id", batch.ID).Str("kind", kind).Str("file", batch.FileName).Msg("upload queued")
	return domain.UploadAccepted{BatchID: batch.ID, Kind: kind, Status: batch.Status}, nil
}

// ProcessUpload runs a batch to completion on the calling goroutine.
func (s *Service) ProcessUpload(ctx context.Context, kind string, fileName string, content []byte) (domain.IngestionBatch, error) {
	actor, err := tenantActor(ctx)
	if err != nil {
		return domain.IngestionBatch{}, err
	}
	if err := checkUpload(kind, fileName, content); err != nil {
		return domain.IngestionBatch{}, err
	}
	batch, err := s.newBatch(ctx, actor, kind, fileName)
	if err != nil {
		return domain.IngestionBatch{}, err
	}
	return s.run(ctx, batch, content), nil
}

func (s *Service) GetBatch(ctx context.Context, batchID string) (domain.IngestionBatch, error) {
	actor, err := tenantActor(ctx)
	if err != nil {
		return domain.IngestionBatch{}, err
	}
	batch, err := s.repo.GetBatch(ctx, actor.TenantID, batchID)
	if err != nil {
		return domain.IngestionBatch{}, err
	}
	return *batch, nil
}

func (s *Service) ReceiptPreview(ctx context.Context, batchID string) (domain.ReceiptPreview, error) {
	batch, err := s.GetBatch(ctx, batchID)
	if err != nil {
		return domain.ReceiptPreview{}, err
	}
	if batch.Kind != domain.BatchReceipt {
		return domain.ReceiptPreview{}, fmt.Errorf("receipt %s: %w", batchID, store.ErrNotFound)
	}
	errs := batch.Errors
	if errs == nil {
		errs = []domain.RowError{}
	}
	return domain.ReceiptPreview{
		BatchID:      batch.ID,
		FileName:     batch.FileName,
		Status:       batch.Status,
		Extracted:    batch.Receipt,
		Errors:       errs,
		Created:      batch.CreatedTransactions,
		Skipped:      batch.SkippedDuplicates,
		ErrorMessage: batch.ErrorMessage,
	}, nil
}

// MonitorUploads lists running batches and the most recent finished ones
// from the last 24 hours.
func (s *Service) MonitorUploads(ctx context.Context) (domain.UploadMonitor, error) {
	actor, err := tenantActor(ctx)
	if err != nil {
		return domain.UploadMonitor{}, err
	}
	now := s.now()

	active, err := s.repo.ListBatches(ctx, actor.TenantID, []string{domain.BatchPending, domain.BatchProcessing}, nil, 0)
	if err != nil {
		return domain.UploadMonitor{}, err
	}
	since := now.Add(-24 * time.Hour)
	recent, err := s.repo.ListBatches(ctx, actor.TenantID, []string{domain.BatchCompleted, domain.BatchFailed}, &since, recentUploads)
	if err != nil {
		return domain.UploadMonitor{}, err
	}

	monitor := domain.UploadMonitor{
		ActiveUploads: len(active),
		Active:        make([]domain.UploadProgress, 0, len(active)),
		Recent:        make([]domain.UploadProgress, 0, len(recent)),
	}
	for _, b := range active {
		monitor.Active = append(monitor.Active, progressOf(b, now))
	}
	for _, b := range recent {
		monitor.Recent = append(monitor.Recent, progressOf(b, now))
	}
	return monitor, nil
}

func progressOf(b domain.IngestionBatch, now time.Time) domain.UploadProgress {
	p := domain.UploadProgress{
		BatchID:       b.ID,
		Kind:          b.Kind,
		FileName:      b.FileName,
		Status:        b.Status,
		RowsProcessed: b.RowsProcessed,
		RowsTotal:     b.RowCount,
		StartedAt:     b.StartedAt,
		CompletedAt:   b.CompletedAt,
	}
	if b.RowCount > 0 {
		p.PercentComplete = min(100, b.RowsProcessed*100/b.RowCount)
	}
	if b.Status == domain.BatchCompleted {
		p.PercentComplete = 100
	}
	if b.StartedAt != nil {
		end := now
		if b.CompletedAt != nil {
			end = *b.CompletedAt
		}
		elapsed := end.Sub(*b.StartedAt).Seconds()
		p.ElapsedSeconds = &elapsed
	}
	return p
}

func (s *Service) ListFailedRows(ctx context.Context, filter domain.FailedRowFilter) ([]domain.FailedRow, int, error) {
	actor, err := tenantActor(ctx)
	if err != nil {
		return nil, 0, err
	}
	filter.Limit = pageSize(filter.Limit)
	filter.Offset = max(filter.Offset, 0)
	return s.repo.ListFailedRows(ctx, actor.TenantID, filter)
}

// SubmitRetry queues a failed-row retry on the worker pool.
func (s *Service) SubmitRetry(ctx context.Context, failedRowID string) error {
	actor, err := tenantActor(ctx)
	if err != nil {
		return err
	}
	if _, err := s.repo.GetFailedRow(ctx, actor.TenantID, failedRowID); err != nil {
		return err
	}
	tenantID := actor.TenantID
	return s.pool.Submit(ctx, "retry:"+failedRowID, func(taskCtx context.Context) error {
		_, err := s.pipeline.RetryFailedRow(taskCtx, tenantID, failedRowID)
		return err
	})
}

// RetryNow re-runs a failed row synchronously.
func (s *Service) RetryNow(ctx context.Context, failedRowID string) (ingest.RetryResult, error) {
	actor, err := tenantActor(ctx)
	if err != nil {
		return ingest.RetryResult{}, err
	}
	return s.pipeline.RetryFailedRow(ctx, actor.TenantID, failedRowID)
}

func (s *Service) ListTransactions(ctx context.Context, filter domain.TransactionFilter) ([]domain.Transaction, int, error) {
	actor, err := tenantActor(ctx)
	if err != nil {
		return nil, 0, err
	}
	if err := checkPayment(filter.PaymentMethod); err != nil {
		return nil, 0, err
	}
	filter.Limit = pageSize(filter.Limit)
	filter.Offset = max(filter.Offset, 0)
	return s.repo.ListTransactions(ctx, actor.TenantID, filter)
}

func (s *Service) TransactionSummary(ctx context.Context, filter domain.TransactionFilter) (domain.TransactionSummary, error) {
	actor, err := tenantActor(ctx)
	if err != nil {
		return domain.TransactionSummary{}, err
	}
	if err := checkPayment(filter.PaymentMethod); err != nil {
		return domain.TransactionSummary{}, err
	}
	return s.repo.SummarizeTransactions(ctx, actor.TenantID, filter)
}

func (s *Service) RecordSale(ctx context.Context, req domain.ManualSaleRequest) (domain.ManualSaleResult, error) {
	actor, err := tenantActor(ctx)
	if err != nil {
		return domain.ManualSaleResult{}, err
	}
	return s.pipeline.RecordSale(ctx, actor.TenantID, actor.Username, req)
}

func (s *Service) AdjustStock(ctx context.Context, req domain.StockAdjustmentRequest) (domain.StockAdjustmentResult, error) {
	actor, err := tenantActor(ctx)
	if err != nil {
		return domain.StockAdjustmentResult{}, err
	}
	return s.pipeline.AdjustStock(ctx, actor.TenantID, actor.Username, req)
}

func (s *Service) ListMovements(ctx context.Context, filter domain.MovementFilter) ([]domain.StockMovement, int, error) {
	actor, err := tenantActor(ctx)
	if err != nil {
		return nil, 0, err
	}
	filter.Limit = pageSize(filter.Limit)
	filter.Offset = max(filter.Offset, 0)
	return s.repo.ListMovements(ctx, actor.TenantID, filter)
}

func (s *Service) VerifyLedger(ctx context.Context, productID string) (domain.LedgerVerification, error) {
	actor, err := tenantActor(ctx)
	if err != nil {
		return domain.LedgerVerification{}, err
	}
	return s.pipeline.VerifyLedger(ctx, actor.TenantID, productID)
}

func (s *Service) VerifyTenant(ctx context.Context) ([]domain.LedgerVerification, error) {
	actor, err := tenantActor(ctx)
	if err != nil {
		return nil, err
	}
	return s.pipeline.VerifyTenant(ctx, actor.TenantID)
}

// ListAlerts returns unacknowledged alerts unless acknowledged says
// otherwise.
func (s *Service) ListAlerts(ctx context.Context, acknowledged *bool) ([]domain.StockAlert, error) {
	actor, err := tenantActor(ctx)
	if err != nil {
		return nil, err
	}
	if acknowledged == nil {
		open := false
		acknowledged = &open
	}
	return s.repo.ListAlerts(ctx, actor.TenantID, acknowledged)
}

func (s *Service) AcknowledgeAlert(ctx context.Context, alertID string) (domain.StockAlert, error) {
	actor, err := tenantActor(ctx)
	if err != nil {
		return domain.StockAlert{}, err
	}
	alert, err := s.repo.AcknowledgeAlert(ctx, actor.TenantID, alertID, actor.Username, s.now())
	if err != nil {
		return domain.StockAlert{}, err
	}
	s.invalidate(ctx, actor.TenantID)
	return *alert, nil
}

func (s *Service) RecalculateChurn(ctx context.Context) ([]domain.CustomerChurnScore, error) {
	actor, err := tenantActor(ctx)
	if err != nil {
		return nil, err
	}
	return s.churn.Recalculate(ctx, actor.TenantID)
}

func (s *Service) ChurnScores(ctx context.Context, level string, segment string) ([]domain.CustomerChurnScore, error) {
	actor, err := tenantActor(ctx)
	if err != nil {
		return nil, err
	}
	level = strings.ToLower(strings.TrimSpace(level))
	segment = strings.ToLower(strings.TrimSpace(segment))
	if level != "" && !slices.Contains(riskLevels, level) {
		return nil, fmt.Errorf("%w: unknown risk level %q", store.ErrInvalidInput, level)
	}
	if segment != "" && !slices.Contains(segments, segment) {
		return nil, fmt.Errorf("%w: unknown segment %q", store.ErrInvalidInput, segment)
	}
	return s.churn.Scores(ctx, actor.TenantID, level, segment)
}

func (s *Service) ChurnSummary(ctx context.Context) (domain.ChurnSummary, error) {
	actor, err := tenantActor(ctx)
	if err != nil {
		return domain.ChurnSummary{}, err
	}
	return s.churn.Summary(ctx, actor.TenantID)
}

func (s *Service) invalidate(ctx context.Context, tenantID string) {
	if err := s.cache.Delete(ctx, cache.InventoryReportKey(tenantID)); err != nil {
		s.log.Warn().Err(err).Str("tenant_id", tenantID).Msg("failed to invalidate inventory report")
	}
}

func checkPayment(method string) error {
	if method == "" || domain.IsPaymentMethod(method) {
		return nil
	}
	return fmt.Errorf("%w: unsupported payment method: %s", store.ErrInvalidInput, method)
}

func pageSize(limit int) int {
	if limit <= 0 {
		return defaultPageSize
	}
	return min(limit, maxPageSize)
}
