// Package alerts keeps the low/out-of-stock alert rows in step with a
// product's stock level.
package alerts

import (
	"context"
	"time"

	"retailpulse/backend/internal/domain"
)

// SystemActor marks acknowledgments made by reconciliation rather than an
// operator.
const SystemActor = "system"

type Store interface {
	UpsertAlert(ctx context.Context, alert domain.StockAlert) error
	AcknowledgeProductAlerts(ctx context.Context, productID string, alertTypes []string, stock int, actor string, at time.Time) error
}

type Machine struct {
	now func() time.Time
}

func New(now func() time.Time) *Machine {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Machine{now: now}
}

// Reconcile moves the product's alerts to the state implied by stock.
// Only a stock of exactly zero is out of stock; negative levels left by
// batch sales are low stock.
func (m *Machine) Reconcile(ctx context.Context, tx Store, product domain.Product, stock int) error {
	at := m.now()
	switch {
	case stock == 0:
		if err := tx.UpsertAlert(ctx, domain.StockAlert{
			ProductID:    product.ID,
			AlertType:    domain.AlertOutOfStock,
			Threshold:    0,
			CurrentStock: stock,
		}); err != nil {
			return err
		}
		return tx.AcknowledgeProductAlerts(ctx, product.ID, []string{domain.AlertLowStock}, stock, SystemActor, at)
	case stock <= product.ReorderPoint:
		if err := tx.UpsertAlert(ctx, domain.StockAlert{
			ProductID:    product.ID,
			AlertType:    domain.AlertLowStock,
			Threshold:    product.ReorderPoint,
			CurrentStock: stock,
		}); err != nil {
			return err
		}
		return tx.AcknowledgeProductAlerts(ctx, product.ID, []string{domain.AlertOutOfStock}, stock, SystemActor, at)
	default:
		return tx.AcknowledgeProductAlerts(ctx, product.ID, []string{domain.AlertLowStock, domain.AlertOutOfStock}, stock, SystemActor, at)
	}
}

// Status classifies a stock level for reporting.
func Status(stock int, reorderPoint int) string {
	switch {
	case stock == 0:
		return domain.StockStatusOut
	case stock <= reorderPoint:
		return domain.StockStatusLow
	default:
		return domain.StockStatusIn
	}
}
