package service

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"

	"retailpulse/backend/internal/alerts"
	"retailpulse/backend/internal/cache"
	"retailpulse/backend/internal/domain"
)

// InventoryReport summarises stock for the tenant. The result is cached
// until the next stock change or alert acknowledgment.
func (s *Service) InventoryReport(ctx context.Context) (domain.InventoryReport, error) {
	actor, err := tenantActor(ctx)
	if err != nil {
		return domain.InventoryReport{}, err
	}
	key := cache.InventoryReportKey(actor.TenantID)

	var cached domain.InventoryReport
	found, err := s.cache.Get(ctx, key, &cached)
	if err != nil {
		s.log.Warn().Err(err).Str("tenant_id", actor.TenantID).Msg("inventory report cache read failed")
	}
	if found {
		return cached, nil
	}

	report, err := s.buildInventoryReport(ctx, actor.TenantID)
	if err != nil {
		return domain.InventoryReport{}, err
	}
	if err := s.cache.Set(ctx, key, report, s.cacheTTL); err != nil {
		s.log.Warn().Err(err).Str("tenant_id", actor.TenantID).Msg("inventory report cache write failed")
	}
	return report, nil
}

func (s *Service) buildInventoryReport(ctx context.Context, tenantID string) (domain.InventoryReport, error) {
	products, err := s.repo.ListProducts(ctx, tenantID)
	if err != nil {
		return domain.InventoryReport{}, err
	}
	open := false
	openAlerts, err := s.repo.ListAlerts(ctx, tenantID, &open)
	if err != nil {
		return domain.InventoryReport{}, err
	}

	report := domain.InventoryReport{
		TenantID:           tenantID,
		TotalProducts:      len(products),
		TotalStockValue:    decimal.Zero,
		ProductsByStock:    make([]domain.ProductStockStatus, 0, len(products)),
		ReorderSuggestions: []domain.ReorderSuggestion{},
		GeneratedAt:        s.now(),
	}
	for _, alert := range openAlerts {
		switch alert.AlertType {
		case domain.AlertLowStock:
			report.LowStockCount++
		case domain.AlertOutOfStock:
			report.OutOfStockCount++
		}
	}

	for _, product := range products {
		if product.CurrentStock > 0 {
			report.TotalStockValue = report.TotalStockValue.Add(product.UnitPrice.Mul(decimal.NewFromInt(int64(product.CurrentStock))))
		}
		report.ProductsByStock = append(report.ProductsByStock, domain.ProductStockStatus{
			ProductID:    product.ID,
			Name:         product.Name,
			SKU:          product.SKU,
			CurrentStock: product.CurrentStock,
			ReorderPoint: product.ReorderPoint,
			UnitPrice:    product.UnitPrice,
			Status:       alerts.Status(product.CurrentStock, product.ReorderPoint),
		})
		if suggestion, ok := reorderSuggestion(product); ok {
			report.ReorderSuggestions = append(report.ReorderSuggestions, suggestion)
		}
	}
	report.TotalStockValue = report.TotalStockValue.Round(2)

	sort.SliceStable(report.ProductsByStock, func(i, j int) bool {
		if report.ProductsByStock[i].CurrentStock == report.ProductsByStock[j].CurrentStock {
			return report.ProductsByStock[i].Name < report.ProductsByStock[j].Name
		}
		return report.ProductsByStock[i].CurrentStock > report.ProductsByStock[j].CurrentStock
	})
	sort.SliceStable(report.ReorderSuggestions, func(i, j int) bool {
		if report.ReorderSuggestions[i].CurrentStock == report.ReorderSuggestions[j].CurrentStock {
			return report.ReorderSuggestions[i].SuggestedQty > report.ReorderSuggestions[j].SuggestedQty
		}
		return report.ReorderSuggestions[i].CurrentStock < report.ReorderSuggestions[j].CurrentStock
	})
	return report, nil
}

// reorderSuggestion targets twice the reorder point for products at or
// below it.
func reorderSuggestion(product domain.Product) (domain.ReorderSuggestion, bool) {
	if product.CurrentStock > product.ReorderPoint {
		return domain.ReorderSuggestion{}, false
	}
	qty := product.ReorderPoint*2 - product.CurrentStock
	if qty < 1 {
		qty = 1
	}
	return domain.ReorderSuggestion{
		ProductID:    product.ID,
		Name:         product.Name,
		CurrentStock: product.CurrentStock,
		ReorderPoint: product.ReorderPoint,
		SuggestedQty: qty,
	}, true
}
