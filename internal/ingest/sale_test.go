package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"retailpulse/backend/internal/cache"
	"retailpulse/backend/internal/domain"
	"retailpulse/backend/internal/ledger"
	"retailpulse/backend/internal/store"
)

func TestRecordSaleRejectsOversell(t *testing.T) {
	p, repo, _ := newPipeline(t)
	product := repo.SeedProduct(tenant, "Milk", "SKU-MILK", 4, decimal.NewFromInt(95))

	_, err := p.RecordSale(context.Background(), tenant, "admin", domain.ManualSaleRequest{ProductID: product.ID, Quantity: 5})
	require.Error(t, err)
	assert.Equal(t, "Insufficient stock. Available: 4", err.Error())
	assert.True(t, errors.Is(err, store.ErrInsufficientStock))
	var insufficient *ledger.InsufficientStockError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, 4, insufficient.Available)

	txns, total, err := repo.ListTransactions(context.Background(), tenant, domain.TransactionFilter{})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, txns)
	after, err := repo.GetProduct(context.Background(), tenant, product.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, after.CurrentStock)
}

func TestRecordSaleValidation(t *testing.T) {
	p, repo, _ := newPipeline(t)
	product := repo.SeedProduct(tenant, "Milk", "SKU-MILK", 10, decimal.NewFromInt(95))

	cases := map[string]struct {
		req  domain.ManualSaleRequest
		want string
	}{
		"zero quantity":   {domain.ManualSaleRequest{ProductID: product.ID}, "Quantity must be greater than 0"},
		"unknown method":  {domain.ManualSaleRequest{ProductID: product.ID, Quantity: 1, PaymentMethod: "PayPal"}, "unsupported payment method: PayPal"},
		"future date":     {domain.ManualSaleRequest{ProductID: product.ID, Quantity: 1, Date: "2026-07-01"}, "Date cannot be in the future: 2026-07-01"},
		"bad time":        {domain.ManualSaleRequest{ProductID: product.ID, Quantity: 1, Time: "7pm"}, "Invalid time format (use HH:MM): 7pm"},
		"missing product": {domain.ManualSaleRequest{Quantity: 1}, "invalid input: field productid failed required validation"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := p.RecordSale(context.Background(), tenant, "admin", tc.req)
			require.Error(t, err)
			assert.Equal(t, tc.want, err.Error())
		})
	}

	_, err := p.RecordSale(context.Background(), tenant, "admin", domain.ManualSaleRequest{ProductID: "nope", Quantity: 1})
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = p.RecordSale(context.Background(), tenant, "admin", domain.ManualSaleRequest{ProductID: product.ID, Quantity: 1, CustomerID: "ghost"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRecordSaleUpdatesStockAlertsAndCustomer(t *testing.T) {
	reportCache := cache.NewMemoryReportCache()
	p, repo, events := newPipeline(t, WithCache(reportCache))
	product := repo.SeedProduct(tenant, "Milk", "SKU-MILK", 3, decimal.RequireFromString("95.00"))
	ctx := context.Background()
	require.NoError(t, reportCache.Set(ctx, cache.InventoryReportKey(tenant), map[string]int{"stale": 1}, time.Hour))

	res, err := p.RecordSale(ctx, tenant, "cashier", domain.ManualSaleRequest{
		ProductID:     product.ID,
		CustomerName:  "Rahim",
		Quantity:      3,
		PaymentMethod: "BKASH",
		Date:          "2026-06-29",
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.NewStock)
	assert.Equal(t, "285.00", res.Amount.StringFixed(2))
	assert.Equal(t, domain.PaymentBkash, res.Transaction.PaymentMethod)
	assert.NotEmpty(t, res.MovementID)
	assert.Empty(t, events.events, "manual sales do not notify downstream")

	var dest map[string]int
	found, err := reportCache.Get(ctx, cache.InventoryReportKey(tenant), &dest)
	require.NoError(t, err)
	assert.False(t, found)

	customers, err := repo.ListCustomers(ctx, tenant)
	require.NoError(t, err)
	require.Len(t, customers, 1)
	assert.Equal(t, "285.00", customers[0].TotalPurchases.StringFixed(2))

	unacked := false
	alerts, err := repo.ListAlerts(ctx, tenant, &unacked)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.AlertOutOfStock, alerts[0].AlertType)

	movements, err := repo.ListProductMovements(ctx, tenant, product.ID)
	require.NoError(t, err)
	last := movements[len(movements)-1]
	assert.Equal(t, domain.ReferenceSale, last.ReferenceType)
	assert.Equal(t, res.Transaction.ID, last.ReferenceID)
	assert.Equal(t, "cashier", last.Actor)

	// A repeat of the same sale on the same day is a duplicate.
	require.NoError(t, p.repo.InTx(ctx, tenant, func(ctx context.Context, tx store.Tx) error {
		return tx.UpdateProductStock(ctx, product.ID, 3)
	}))
	_, err = p.RecordSale(ctx, tenant, "cashier", domain.ManualSaleRequest{
		ProductID: product.ID, CustomerName: "Rahim", Quantity: 3, PaymentMethod: "bkash", Date: "2026-06-29",
	})
	assert.ErrorIs(t, err, store.ErrDuplicate)
}

func TestAdjustStock(t *testing.T) {
	p, repo, _ := newPipeline(t)
	product := repo.SeedProduct(tenant, "Rice", "SKU-RICE", 10, decimal.NewFromInt(60))
	ctx := context.Background()

	res, err := p.AdjustStock(ctx, tenant, "admin", domain.StockAdjustmentRequest{ProductID: product.ID, AdjustmentType: "increase", Quantity: 50})
	require.NoError(t, err)
	assert.Equal(t, 60, res.NewStock)
	assert.Equal(t, domain.MovementRestock, res.MovementType)

	_, err = p.AdjustStock(ctx, tenant, "admin", domain.StockAdjustmentRequest{ProductID: product.ID, AdjustmentType: "decrease", Quantity: 61})
	require.Error(t, err)
	assert.Equal(t, "Insufficient stock. Available: 60", err.Error())

	res, err = p.AdjustStock(ctx, tenant, "admin", domain.StockAdjustmentRequest{ProductID: product.ID, AdjustmentType: "decrease", Quantity: 15, Notes: "damaged"})
	require.NoError(t, err)
	assert.Equal(t, 45, res.NewStock)
	assert.Equal(t, domain.MovementAdjustment, res.MovementType)

	movements, err := repo.ListProductMovements(ctx, tenant, product.ID)
	require.NoError(t, err)
	require.Len(t, movements, 3)
	assert.Equal(t, domain.ReferenceManualAdjustment, movements[2].ReferenceType)
	assert.NotEmpty(t, movements[2].ReferenceID)
	assert.NotEqual(t, movements[1].ReferenceID, movements[2].ReferenceID)
	assert.Equal(t, "damaged", movements[2].Notes)

	_, err = p.AdjustStock(ctx, tenant, "admin", domain.StockAdjustmentRequest{ProductID: product.ID, AdjustmentType: "shrink", Quantity: 1})
	assert.ErrorIs(t, err, store.ErrInvalidInput)
	_, err = p.AdjustStock(ctx, tenant, "admin", domain.StockAdjustmentRequest{ProductID: product.ID, AdjustmentType: "increase"})
	assert.EqualError(t, err, "Quantity must be greater than 0")
}
