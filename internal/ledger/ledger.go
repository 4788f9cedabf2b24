// Package ledger applies stock movements and keeps the per-product chain of
// stock_before/stock_after contiguous.
package ledger

import (
	"context"
	"fmt"

	"retailpulse/backend/internal/alerts"
	"retailpulse/backend/internal/domain"
	"retailpulse/backend/internal/store"
)

type Store interface {
	alerts.Store
	GetProductForUpdate(ctx context.Context, productID string) (*domain.Product, error)
	UpdateProductStock(ctx context.Context, productID string, stock int) error
	InsertMovement(ctx context.Context, movement domain.StockMovement) (domain.StockMovement, error)
}

// InsufficientStockError is returned by floored movements that would take
// stock below zero.
type InsufficientStockError struct {
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("Insufficient stock. Available: %d", e.Available)
}

func (e *InsufficientStockError) Unwrap() error {
	return store.ErrInsufficientStock
}

// Movement describes one change to a product's stock. Quantity is signed:
// sales pass a negative value.
type Movement struct {
	ProductID     string
	Type          string
	Quantity      int
	ReferenceType string
	ReferenceID   string
	Notes         string
	Actor         string
	// Floor rejects the movement when the resulting stock would be negative.
	Floor bool
}

type Ledger struct {
	alerts *alerts.Machine
}

func New(machine *alerts.Machine) *Ledger {
	if machine == nil {
		machine = alerts.New(nil)
	}
	return &Ledger{alerts: machine}
}

// Apply locks the product, writes the new stock and the movement row, then
// reconciles alerts against the resulting stock.
func (l *Ledger) Apply(ctx context.Context, tx Store, mv Movement) (domain.StockMovement, *domain.Product, error) {
	product, err := tx.GetProductForUpdate(ctx, mv.ProductID)
	if err != nil {
		return domain.StockMovement{}, nil, err
	}
	return l.write(ctx, tx, product, mv, product.CurrentStock+mv.Quantity)
}

// SetLevel moves a product to an absolute stock level, recording the delta
// computed under the lock.
func (l *Ledger) SetLevel(ctx context.Context, tx Store, mv Movement, level int) (domain.StockMovement, *domain.Product, error) {
	product, err := tx.GetProductForUpdate(ctx, mv.ProductID)
	if err != nil {
		return domain.StockMovement{}, nil, err
	}
	mv.Quantity = level - product.CurrentStock
	return l.write(ctx, tx, product, mv, level)
}

func (l *Ledger) write(ctx context.Context, tx Store, product *domain.Product, mv Movement, after int) (domain.StockMovement, *domain.Product, error) {
	before := product.CurrentStock
	if mv.Floor && after < 0 {
		return domain.StockMovement{}, nil, &InsufficientStockError{Available: before}
	}

	if err := tx.UpdateProductStock(ctx, product.ID, after); err != nil {
		return domain.StockMovement{}, nil, err
	}
	movement, err := tx.InsertMovement(ctx, domain.StockMovement{
		ProductID:       product.ID,
		MovementType:    mv.Type,
		QuantityChanged: after - before,
		StockBefore:     before,
		StockAfter:      after,
		ReferenceType:   mv.ReferenceType,
		ReferenceID:     mv.ReferenceID,
		Notes:           mv.Notes,
		Actor:           mv.Actor,
	})
	if err != nil {
		return domain.StockMovement{}, nil, err
	}

	product.CurrentStock = after
	if err := l.alerts.Reconcile(ctx, tx, *product, after); err != nil {
		return domain.StockMovement{}, nil, err
	}
	return movement, product, nil
}

// Verify checks that movements, in sequence order, form an unbroken chain
// starting at zero and ending at the product's current stock.
func Verify(product domain.Product, movements []domain.StockMovement) domain.LedgerVerification {
	result := domain.LedgerVerification{
		ProductID:    product.ID,
		CurrentStock: product.CurrentStock,
		Movements:    len(movements),
		Issues:       []string{},
	}

	running := 0
	for i, m := range movements {
		if m.StockAfter != m.StockBefore+m.QuantityChanged {
			result.Issues = append(result.Issues, fmt.Sprintf("movement %s: stock_after %d != stock_before %d + quantity_changed %d",
				m.ID, m.StockAfter, m.StockBefore, m.QuantityChanged))
		}
		if i > 0 && m.StockBefore != running {
			result.Issues = append(result.Issues, fmt.Sprintf("movement %s: stock_before %d does not continue previous stock_after %d",
				m.ID, m.StockBefore, running))
		}
		if i == 0 && m.StockBefore != 0 {
			result.Issues = append(result.Issues, fmt.Sprintf("movement %s: first movement starts at %d, expected 0", m.ID, m.StockBefore))
		}
		running = m.StockAfter
	}

	result.ExpectedStock = running
	if running != product.CurrentStock {
		result.Issues = append(result.Issues, fmt.Sprintf("current_stock %d differs from ledger total %d", product.CurrentStock, running))
	}
	result.Consistent = len(result.Issues) == 0
	return result
}
