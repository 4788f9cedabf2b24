package ingest

import (
	"context"
	"errors"
	"fmt"

	"retailpulse/backend/internal/domain"
	"retailpulse/backend/internal/store"
)

// RetryResult reports the outcome of re-running one failed row.
type RetryResult struct {
	Resolved  bool              `json:"resolved"`
	Duplicate bool              `json:"duplicate,omitempty"`
	FailedRow *domain.FailedRow `json:"failed_row,omitempty"`
}

// RetryFailedRow re-runs the single-row path of the batch kind that
// produced the row. A resolved row is deleted; a row that fails again keeps
// its place with a bumped retry count. Batch counters are not touched.
func (p *Pipeline) RetryFailedRow(ctx context.Context, tenantID string, id string) (RetryResult, error) {
	row, err := p.repo.GetFailedRow(ctx, tenantID, id)
	if err != nil {
		return RetryResult{}, err
	}
	batch, err := p.repo.GetBatch(ctx, tenantID, row.BatchID)
	if err != nil {
		return RetryResult{}, fmt.Errorf("load batch %s: %w", row.BatchID, err)
	}

	event := domain.IngestionEvent{
		TenantID:            tenantID,
		BatchID:             batch.ID,
		AffectedProductIDs:  []string{},
		AffectedCustomerIDs: []string{},
	}
	err = p.replay(ctx, batch, row, &event)

	duplicate := errors.Is(err, store.ErrDuplicate)
	if err != nil && !duplicate {
		if ctx.Err() != nil {
			return RetryResult{}, err
		}
		row.RetryCount++
		row.ErrorMessage = err.Error()
		row.UpdatedAt = p.now()
		if uerr := p.repo.UpdateFailedRow(ctx, *row); uerr != nil {
			return RetryResult{}, uerr
		}
		p.log.Warn().Str("tenant_id", tenantID).Str("failed_row_id", id).Int("retry_count", row.RetryCount).Str("error", row.ErrorMessage).Msg("failed row retry rejected")
		return RetryResult{FailedRow: row}, nil
	}

	if err := p.repo.DeleteFailedRow(ctx, tenantID, id); err != nil {
		return RetryResult{}, err
	}
	p.log.Info().Str("tenant_id", tenantID).Str("failed_row_id", id).Bool("duplicate", duplicate).Msg("failed row resolved")
	if !duplicate {
		p.invalidate(ctx, tenantID)
		p.notifier.Notify(ctx, event)
	}
	return RetryResult{Resolved: true, Duplicate: duplicate}, nil
}

func (p *Pipeline) replay(ctx context.Context, batch *domain.IngestionBatch, row *domain.FailedRow, event *domain.IngestionEvent) error {
	switch row.BatchKind {
	case domain.BatchSales:
		s, err := parseSale(Record(row.RowData), p.today())
		if err != nil {
			return err
		}
		out, err := p.commitSale(ctx, batch.TenantID, s, commitOptions{
			resolver:      p.products,
			referenceType: domain.ReferenceSalesUpload,
			batchID:       batch.ID,
			actor:         batch.UploadedBy,
		})
		if err != nil {
			return err
		}
		event.AffectedProductIDs = append(event.AffectedProductIDs, out.Product.ID)
		if out.CustomerID != "" {
			event.AffectedCustomerIDs = append(event.AffectedCustomerIDs, out.CustomerID)
		}
		event.TransactionCount = 1
		return nil

	case domain.BatchReceipt:
		dateStr, item, err := receiptItemFromRow(row.RowData)
		if err != nil {
			return err
		}
		date, err := receiptDate(dateStr, p.today())
		if err != nil {
			return &RowError{Message: err.Error()}
		}
		out, err := p.commitReceiptItem(ctx, batch, date, item)
		if err != nil {
			return err
		}
		event.AffectedProductIDs = append(event.AffectedProductIDs, out.Product.ID)
		event.TransactionCount = 1
		return nil

	case domain.BatchInventory:
		level, err := parseStockLevel(Record(row.RowData))
		if err != nil {
			return err
		}
		product, err := p.commitStockLevel(ctx, batch, level)
		if err != nil {
			return err
		}
		event.AffectedProductIDs = append(event.AffectedProductIDs, product.ID)
		return nil

	default:
		return fmt.Errorf("%w: unknown batch kind %q", store.ErrInvalidInput, row.BatchKind)
	}
}
