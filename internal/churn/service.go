package churn

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"retailpulse/backend/internal/cache"
	"retailpulse/backend/internal/domain"
	"retailpulse/backend/internal/notify"
	"retailpulse/backend/internal/store"
)

type Repository interface {
	InTx(ctx context.Context, tenantID string, fn store.TxFunc) error
	ListTenants(ctx context.Context) ([]domain.Tenant, error)
	ListChurnScores(ctx context.Context, tenantID string, level string, segment string) ([]domain.CustomerChurnScore, error)
}

// Observer receives recompute timings.
type Observer interface {
	ChurnRecomputed(tenantID string, customers int, elapsed time.Duration, err error)
}

type Service struct {
	repo     Repository
	cache    cache.ReportCache
	cacheTTL time.Duration
	now      func() time.Time
	log      zerolog.Logger
	observer Observer
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithObserver(o Observer) Option {
	return func(s *Service) { s.observer = o }
}

func NewService(repo Repository, reportCache cache.ReportCache, cacheTTL time.Duration, logger zerolog.Logger, opts ...Option) *Service {
	if reportCache == nil {
		reportCache = cache.NoopReportCache{}
	}
	s := &Service{
		repo:     repo,
		cache:    reportCache,
		cacheTTL: cacheTTL,
		now:      func() time.Time { return time.Now().UTC() },
		log:      logger.With().Str("component", "churn").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Recalculate rescores every customer of the tenant in one unit of work and
// writes the derived totals back onto the customer rows.
func (s *Service) Recalculate(ctx context.Context, tenantID string) ([]domain.CustomerChurnScore, error) {
	start := time.Now()
	now := s.now()
	var scores []domain.CustomerChurnScore

	err := s.repo.InTx(ctx, tenantID, func(ctx context.Context, tx store.Tx) error {
		customers, err := tx.ListCustomers(ctx)
		if err != nil {
			return err
		}
		stats, err := tx.CustomerPurchaseStats(ctx)
		if err != nil {
			return err
		}

		scores = Score(customers, stats, now)
		for i := range scores {
			scores[i].TenantID = tenantID
			scores[i].UpdatedAt = now
			if err := tx.UpsertChurnScore(ctx, scores[i]); err != nil {
				return err
			}
			if err := tx.SetCustomerAggregates(ctx, scores[i].CustomerID, scores[i].TotalSpent, scores[i].LastPurchase); err != nil {
				return err
			}
		}
		return nil
	})
	elapsed := time.Since(start)
	if s.observer != nil {
		s.observer.ChurnRecomputed(tenantID, len(scores), elapsed, err)
	}
	if err != nil {
		return nil, err
	}

	if err := s.cache.Delete(ctx, cache.ChurnSummaryKey(tenantID)); err != nil {
		s.log.Warn().Err(err).Str("tenant_id", tenantID).Msg("churn summary cache invalidation failed")
	}
	s.log.Info().Str("tenant_id", tenantID).Int("customers", len(scores)).Dur("elapsed", elapsed).Msg("churn scores recalculated")
	return scores, nil
}

// RecalculateAll runs Recalculate for every tenant, continuing past
// failures. It returns the number of tenants that failed.
func (s *Service) RecalculateAll(ctx context.Context) (int, error) {
	tenants, err := s.repo.ListTenants(ctx)
	if err != nil {
		return 0, err
	}
	failed := 0
	for _, tenant := range tenants {
		if err := ctx.Err(); err != nil {
			return failed, err
		}
		if _, err := s.Recalculate(ctx, tenant.ID); err != nil {
			failed++
			s.log.Error().Err(err).Str("tenant_id", tenant.ID).Msg("churn recalculation failed")
		}
	}
	return failed, nil
}

func (s *Service) Scores(ctx context.Context, tenantID string, level string, segment string) ([]domain.CustomerChurnScore, error) {
	return s.repo.ListChurnScores(ctx, tenantID, level, segment)
}

func (s *Service) Summary(ctx context.Context, tenantID string) (domain.ChurnSummary, error) {
	key := cache.ChurnSummaryKey(tenantID)
	var cached domain.ChurnSummary
	if found, err := s.cache.Get(ctx, key, &cached); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("churn summary cache read failed")
	} else if found {
		return cached, nil
	}

	scores, err := s.repo.ListChurnScores(ctx, tenantID, "", "")
	if err != nil {
		return domain.ChurnSummary{}, err
	}
	summary := Summarize(tenantID, scores)
	if err := s.cache.Set(ctx, key, summary, s.cacheTTL); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("churn summary cache write failed")
	}
	return summary, nil
}

// Summarize counts scores per risk level and segment.
func Summarize(tenantID string, scores []domain.CustomerChurnScore) domain.ChurnSummary {
	summary := domain.ChurnSummary{
		TenantID:    tenantID,
		Customers:   len(scores),
		ByRiskLevel: map[string]int{domain.RiskHigh: 0, domain.RiskMedium: 0, domain.RiskLow: 0},
		BySegment: map[string]int{
			domain.SegmentChampion: 0, domain.SegmentLoyal: 0, domain.SegmentDormant: 0,
			domain.SegmentAtRisk: 0, domain.SegmentPotential: 0,
		},
		AverageRisk: "0.00",
	}
	if len(scores) == 0 {
		return summary
	}

	total := decimal.Zero
	var latest time.Time
	for _, sc := range scores {
		summary.ByRiskLevel[sc.RiskLevel]++
		summary.BySegment[sc.Segment]++
		total = total.Add(sc.RiskScore)
		if sc.UpdatedAt.After(latest) {
			latest = sc.UpdatedAt
		}
	}
	summary.AverageRisk = total.Div(decimal.NewFromInt(int64(len(scores)))).Round(2).StringFixed(2)
	if !latest.IsZero() {
		summary.LastComputeAt = &latest
	}
	return summary
}

// Hook adapts the service to the downstream notifier.
func (s *Service) Hook() notify.Hook {
	return notify.HookFunc{
		HookName: "churn",
		Fn: func(ctx context.Context, event domain.IngestionEvent) error {
			_, err := s.Recalculate(ctx, event.TenantID)
			return err
		},
	}
}
