package ingest

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"retailpulse/backend/internal/domain"
	"retailpulse/backend/internal/store"
)

// IngestReceipt extracts a receipt image and records one walk-in cash sale
// per line item.
func (p *Pipeline) IngestReceipt(ctx context.Context, batch domain.IngestionBatch, image []byte) domain.IngestionBatch {
	r := p.begin(ctx, &batch)

	payload, err := p.extractor.Extract(ctx, image, batch.FileName)
	if err != nil {
		return p.finish(ctx, r, batchErrorf("Receipt extraction failed: %v", err))
	}
	batch.Receipt = payload

	date, err := receiptDate(payload.Date, p.today())
	if err != nil {
		return p.finish(ctx, r, err)
	}
	if len(payload.Items) == 0 {
		return p.finish(ctx, r, batchErrorf("Receipt contains no items"))
	}

	batch.RowCount = len(payload.Items)
	for i, item := range payload.Items {
		number := i + 1
		if err := ctx.Err(); err != nil {
			return p.finish(ctx, r, err)
		}

		out, err := p.commitReceiptItem(ctx, &batch, date, item)
		switch {
		case err == nil:
			batch.RowsProcessed++
			batch.CreatedTransactions++
			r.products.add(out.Product.ID)
		case errors.Is(err, store.ErrDuplicate):
			batch.RowsProcessed++
			batch.SkippedDuplicates++
			p.log.Debug().Str("batch_id", batch.ID).Int("item", number).Msg("duplicate receipt item skipped")
		default:
			name := strings.TrimSpace(item.Name)
			if name == "" {
				name = "Unknown"
			}
			p.rowFailed(ctx, r, domain.RowError{Item: number, Name: name, Error: err.Error()}, number, receiptRowData(payload.Date, item))
		}
	}
	return p.finish(ctx, r, nil)
}

// receiptDate defaults an empty date to today. Unlike sales rows, a bad
// receipt date fails the whole batch.
func receiptDate(value string, today time.Time) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return today, nil
	}
	date, err := parseDate(value, today)
	if err != nil {
		return time.Time{}, &BatchError{Message: err.Error()}
	}
	return date, nil
}

func receiptSale(date time.Time, item domain.ReceiptItem, fileName string) (sale, error) {
	name := strings.TrimSpace(item.Name)
	if name == "" {
		return sale{}, rowErrorf("Item name is required")
	}
	if item.Qty <= 0 {
		return sale{}, rowErrorf("Invalid quantity: %d", item.Qty)
	}
	if !item.Price.IsPositive() {
		return sale{}, rowErrorf("Invalid price: %s", item.Price.String())
	}
	amount := item.Price.Round(2)
	return sale{
		Date:          date,
		Product:       name,
		Quantity:      item.Qty,
		Amount:        amount,
		UnitPrice:     amount.Div(decimal.NewFromInt(int64(item.Qty))).Round(2),
		Customer:      domain.WalkInCustomer,
		PaymentMethod: domain.PaymentCash,
		Notes:         "From receipt: " + fileName,
	}, nil
}

func (p *Pipeline) commitReceiptItem(ctx context.Context, batch *domain.IngestionBatch, date time.Time, item domain.ReceiptItem) (committed, error) {
	s, err := receiptSale(date, item, batch.FileName)
	if err != nil {
		return committed{}, err
	}
	return p.commitSale(ctx, batch.TenantID, s, commitOptions{
		resolver:      p.receipts,
		referenceType: domain.ReferenceReceiptUpload,
		batchID:       batch.ID,
		actor:         batch.UploadedBy,
	})
}

func receiptRowData(date string, item domain.ReceiptItem) map[string]string {
	return map[string]string{
		"date":  date,
		"name":  item.Name,
		"qty":   strconv.Itoa(item.Qty),
		"price": item.Price.String(),
	}
}

// receiptItemFromRow rebuilds a receipt line stored on a FailedRow.
func receiptItemFromRow(data map[string]string) (string, domain.ReceiptItem, error) {
	rec := Record(data)
	qty, err := strconv.Atoi(rec.Get("qty"))
	if err != nil {
		return "", domain.ReceiptItem{}, rowErrorf("Invalid quantity: %s", rec.Get("qty"))
	}
	price, err := decimal.NewFromString(rec.Get("price"))
	if err != nil {
		return "", domain.ReceiptItem{}, rowErrorf("Invalid price: %s", rec.Get("price"))
	}
	return rec.Get("date"), domain.ReceiptItem{Name: rec.Get("name"), Qty: qty, Price: price}, nil
}
