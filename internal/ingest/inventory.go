package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/shopspring/decimal"

	"retailpulse/backend/internal/domain"
	"retailpulse/backend/internal/ledger"
	"retailpulse/backend/internal/store"
)

var inventoryColumns = []string{"Product", "Quantity"}

// stockLevel is one validated inventory row. Quantity is an absolute level.
type stockLevel struct {
	Product   string
	Quantity  int
	UnitPrice decimal.Decimal
	SKU       string
}

// IngestInventory sets absolute stock levels from a CSV or XLSX sheet.
func (p *Pipeline) IngestInventory(ctx context.Context, batch domain.IngestionBatch, content io.Reader) domain.IngestionBatch {
	r := p.begin(ctx, &batch)

	table, err := ReadTable(content, batch.FileName)
	if err == nil {
		err = table.require(inventoryColumns...)
	}
	if err != nil {
		return p.finish(ctx, r, err)
	}

	batch.RowCount = len(table.Rows)
	for i, rec := range table.Rows {
		number := i + 2
		if err := ctx.Err(); err != nil {
			return p.finish(ctx, r, err)
		}

		level, err := parseStockLevel(rec)
		if err == nil {
			var product *domain.Product
			product, err = p.commitStockLevel(ctx, &batch, level)
			if err == nil {
				batch.RowsProcessed++
				batch.ProductsUpdated++
				r.products.add(product.ID)
			}
		}
		if err != nil {
			p.rowFailed(ctx, r, domain.RowError{Row: number, Error: err.Error()}, number, map[string]string(rec))
		}
		p.progress(ctx, r, i+1)
	}
	return p.finish(ctx, r, nil)
}

func parseStockLevel(rec Record) (stockLevel, error) {
	name := rec.Get("Product")
	if name == "" {
		return stockLevel{}, rowErrorf("Product name is required")
	}

	qtyStr := rec.Get("Quantity")
	qty, err := strconv.Atoi(qtyStr)
	if err != nil {
		return stockLevel{}, rowErrorf("Invalid quantity: %s", qtyStr)
	}
	if qty < 0 {
		return stockLevel{}, rowErrorf("Quantity cannot be negative")
	}

	level := stockLevel{Product: name, Quantity: qty, UnitPrice: decimal.Zero, SKU: rec.first("SKU", "sku")}
	if priceStr := rec.first("Unit Price", "unit_price", "UnitPrice"); priceStr != "" {
		price, err := decimal.NewFromString(priceStr)
		if err != nil {
			return stockLevel{}, rowErrorf("Invalid unit price: %s", priceStr)
		}
		if price.IsNegative() {
			return stockLevel{}, rowErrorf("Unit price cannot be negative")
		}
		level.UnitPrice = price.Round(2)
	}
	return level, nil
}

// commitStockLevel creates the product with an initial_load movement or
// moves an existing one to the stated level with an adjustment.
func (p *Pipeline) commitStockLevel(ctx context.Context, batch *domain.IngestionBatch, level stockLevel) (*domain.Product, error) {
	var result *domain.Product
	err := p.repo.InTx(ctx, batch.TenantID, func(ctx context.Context, tx store.Tx) error {
		product, created, err := p.products.ResolveProductWithSKU(ctx, tx, level.Product, level.UnitPrice, level.SKU)
		if err != nil {
			return err
		}

		movementType := domain.MovementInitialLoad
		if !created {
			movementType = domain.MovementAdjustment
			if level.UnitPrice.IsPositive() || (level.SKU != "" && level.SKU != product.SKU) {
				err := tx.UpdateProductCatalog(ctx, product.ID, level.UnitPrice, level.SKU)
				if errors.Is(err, store.ErrConflict) {
					return rowErrorf("SKU %s is already used by another product", level.SKU)
				}
				if err != nil {
					return err
				}
			}
		}

		_, updated, err := p.ledger.SetLevel(ctx, tx, ledger.Movement{
			ProductID:     product.ID,
			Type:          movementType,
			ReferenceType: domain.ReferenceInventoryUpload,
			ReferenceID:   batch.ID,
			Actor:         batch.UploadedBy,
		}, level.Quantity)
		if err != nil {
			return fmt.Errorf("set stock for %s: %w", product.Name, err)
		}
		result = updated
		return nil
	})
	return result, err
}
