package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"retailpulse/backend/internal/domain"
	"retailpulse/backend/internal/store"
	"retailpulse/backend/internal/store/memory"
)

func TestApplyChainsSales(t *testing.T) {
	repo := memory.New()
	product := repo.SeedProduct("t1", "Chips", "SKU-CHIPS001", 100, decimal.NewFromInt(30))
	l := New(nil)
	ctx := context.Background()

	var movements []domain.StockMovement
	for _, qty := range []int{5, 10} {
		err := repo.InTx(ctx, "t1", func(ctx context.Context, tx store.Tx) error {
			m, _, err := l.Apply(ctx, tx, Movement{ProductID: product.ID, Type: domain.MovementSale, Quantity: -qty, ReferenceType: domain.ReferenceSalesUpload})
			movements = append(movements, m)
			return err
		})
		require.NoError(t, err)
	}

	assert.Equal(t, 100, movements[0].StockBefore)
	assert.Equal(t, 95, movements[0].StockAfter)
	assert.Equal(t, 95, movements[1].StockBefore)
	assert.Equal(t, 85, movements[1].StockAfter)
	assert.Equal(t, -10, movements[1].QuantityChanged)

	got, err := repo.GetProduct(ctx, "t1", product.ID)
	require.NoError(t, err)
	assert.Equal(t, 85, got.CurrentStock)

	chain, err := repo.ListProductMovements(ctx, "t1", product.ID)
	require.NoError(t, err)
	report := Verify(*got, chain)
	assert.True(t, report.Consistent, "issues: %v", report.Issues)
	assert.Equal(t, 3, report.Movements)
}

func TestApplyAllowsNegativeStockWithoutFloor(t *testing.T) {
	repo := memory.New()
	product := repo.SeedProduct("t1", "Bread", "SKU-BREAD001", 2, decimal.NewFromInt(25))
	l := New(nil)
	ctx := context.Background()

	require.NoError(t, repo.InTx(ctx, "t1", func(ctx context.Context, tx store.Tx) error {
		m, p, err := l.Apply(ctx, tx, Movement{ProductID: product.ID, Type: domain.MovementSale, Quantity: -5})
		require.NoError(t, err)
		assert.Equal(t, -3, m.StockAfter)
		assert.Equal(t, -3, p.CurrentStock)
		return nil
	}))

	open := false
	alerts, err := repo.ListAlerts(ctx, "t1", &open)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.AlertLowStock, alerts[0].AlertType, "negative stock is low, not out")
}

func TestApplyWithFloorRejectsOversell(t *testing.T) {
	repo := memory.New()
	product := repo.SeedProduct("t1", "Milk", "SKU-MILK0001", 3, decimal.NewFromInt(95))
	l := New(nil)
	ctx := context.Background()

	err := repo.InTx(ctx, "t1", func(ctx context.Context, tx store.Tx) error {
		_, _, err := l.Apply(ctx, tx, Movement{ProductID: product.ID, Type: domain.MovementSale, Quantity: -4, Floor: true})
		return err
	})
	var insufficient *InsufficientStockError
	require.True(t, errors.As(err, &insufficient), "got %v", err)
	assert.Equal(t, 3, insufficient.Available)
	assert.ErrorIs(t, err, store.ErrInsufficientStock)
	assert.Equal(t, "Insufficient stock. Available: 3", err.Error())

	got, _ := repo.GetProduct(ctx, "t1", product.ID)
	assert.Equal(t, 3, got.CurrentStock)
}

func TestSetLevelRecordsDelta(t *testing.T) {
	repo := memory.New()
	product := repo.SeedProduct("t1", "Eggs", "SKU-EGGS0001", 40, decimal.NewFromInt(12))
	l := New(nil)
	ctx := context.Background()

	require.NoError(t, repo.InTx(ctx, "t1", func(ctx context.Context, tx store.Tx) error {
		m, _, err := l.SetLevel(ctx, tx, Movement{ProductID: product.ID, Type: domain.MovementAdjustment, ReferenceType: domain.ReferenceInventoryUpload}, 25)
		require.NoError(t, err)
		assert.Equal(t, -15, m.QuantityChanged)
		assert.Equal(t, 40, m.StockBefore)
		assert.Equal(t, 25, m.StockAfter)
		return nil
	}))
}

func TestVerifyDetectsBrokenChain(t *testing.T) {
	product := domain.Product{ID: "p1", CurrentStock: 12}
	movements := []domain.StockMovement{
		{ID: "m1", QuantityChanged: 10, StockBefore: 0, StockAfter: 10},
		{ID: "m2", QuantityChanged: -2, StockBefore: 9, StockAfter: 7},
	}
	report := Verify(product, movements)
	assert.False(t, report.Consistent)
	assert.Equal(t, 7, report.ExpectedStock)
	assert.Len(t, report.Issues, 2)
}
