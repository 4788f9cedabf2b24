// Package ocr turns a receipt image into structured line items.
package ocr

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"retailpulse/backend/internal/domain"
)

type Extractor interface {
	Extract(ctx context.Context, image []byte, filename string) (*domain.ReceiptPayload, error)
}

// MockExtractor returns a fixed three-line receipt dated today. It stands
// in for a real engine in development and tests.
type MockExtractor struct {
	Now func() time.Time
}

func (m MockExtractor) Extract(ctx context.Context, _ []byte, _ string) (*domain.ReceiptPayload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if m.Now != nil {
		now = m.Now()
	}
	return &domain.ReceiptPayload{
		Date: now.Format("2006-01-02"),
		Items: []domain.ReceiptItem{
			{Name: "Lay's Chips", Qty: 2, Price: decimal.NewFromInt(150)},
			{Name: "Cold Drink", Qty: 1, Price: decimal.NewFromInt(100)},
			{Name: "Bread", Qty: 3, Price: decimal.NewFromInt(75)},
		},
		Total:      decimal.NewFromInt(595),
		Confidence: 95,
	}, nil
}
