package catalog

import (
	"context"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"retailpulse/backend/internal/domain"
	"retailpulse/backend/internal/store"
	"retailpulse/backend/internal/store/memory"
)

func TestResolveProductCreatesWithDefaults(t *testing.T) {
	repo := memory.New()
	r := New(nil)
	ctx := context.Background()

	var created *domain.Product
	err := repo.InTx(ctx, "t1", func(ctx context.Context, tx store.Tx) error {
		p, isNew, err := r.ResolveProduct(ctx, tx, "  Chips ", decimal.RequireFromString("30"))
		require.NoError(t, err)
		assert.True(t, isNew)
		created = p
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, "Chips", created.Name)
	assert.Equal(t, "30.00", created.UnitPrice.StringFixed(2))
	assert.Equal(t, domain.DefaultReorderPoint, created.ReorderPoint)
	assert.Equal(t, 0, created.CurrentStock)
	assert.True(t, strings.HasPrefix(created.SKU, "SKU-"), "sku %q", created.SKU)
	assert.Len(t, created.SKU, len("SKU-")+8)
}

func TestResolveProductReturnsExistingUnchanged(t *testing.T) {
	repo := memory.New()
	r := New(nil)
	ctx := context.Background()

	var firstID string
	require.NoError(t, repo.InTx(ctx, "t1", func(ctx context.Context, tx store.Tx) error {
		p, _, err := r.ResolveProduct(ctx, tx, "Bread", decimal.NewFromInt(25))
		firstID = p.ID
		return err
	}))
	require.NoError(t, repo.InTx(ctx, "t1", func(ctx context.Context, tx store.Tx) error {
		p, isNew, err := r.ResolveProduct(ctx, tx, "Bread", decimal.NewFromInt(99))
		require.NoError(t, err)
		assert.False(t, isNew)
		assert.Equal(t, firstID, p.ID)
		assert.Equal(t, "25.00", p.UnitPrice.StringFixed(2))
		return nil
	}))

	products, err := repo.ListProducts(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, products, 1)
}

func TestResolveProductRetriesOnSKUCollision(t *testing.T) {
	repo := memory.New()
	gen := NameSKU("SKU-OCR-")
	r := New(gen)
	ctx := context.Background()
	taken := gen("Eggs")
	repo.SeedProduct("t1", "Milk", taken, 0, decimal.NewFromInt(95))

	require.NoError(t, repo.InTx(ctx, "t1", func(ctx context.Context, tx store.Tx) error {
		p, isNew, err := r.ResolveProduct(ctx, tx, "Eggs", decimal.NewFromInt(12))
		require.NoError(t, err)
		assert.True(t, isNew)
		assert.NotEqual(t, taken, p.SKU)
		assert.True(t, strings.HasPrefix(p.SKU, "SKU-"), "sku %q", p.SKU)
		return nil
	}))
}

func TestResolveProductWithTakenExplicitSKU(t *testing.T) {
	repo := memory.New()
	r := New(nil)
	ctx := context.Background()
	repo.SeedProduct("t1", "Milk", "SKU-MILK", 0, decimal.NewFromInt(95))

	require.NoError(t, repo.InTx(ctx, "t1", func(ctx context.Context, tx store.Tx) error {
		p, isNew, err := r.ResolveProductWithSKU(ctx, tx, "Cream", decimal.NewFromInt(40), "SKU-MILK")
		require.NoError(t, err)
		assert.True(t, isNew)
		assert.NotEqual(t, "SKU-MILK", p.SKU)
		return nil
	}))
}

func TestResolveCustomer(t *testing.T) {
	repo := memory.New()
	r := New(nil)
	ctx := context.Background()

	require.NoError(t, repo.InTx(ctx, "t1", func(ctx context.Context, tx store.Tx) error {
		for _, name := range []string{"", "Walk-in", "walk-in"} {
			c, err := r.ResolveCustomer(ctx, tx, name)
			require.NoError(t, err)
			assert.Nil(t, c, "name %q", name)
		}

		first, err := r.ResolveCustomer(ctx, tx, "Rahim")
		require.NoError(t, err)
		require.NotNil(t, first)
		assert.True(t, first.TotalPurchases.IsZero())

		again, err := r.ResolveCustomer(ctx, tx, "Rahim")
		require.NoError(t, err)
		assert.Equal(t, first.ID, again.ID)
		return nil
	}))

	customers, err := repo.ListCustomers(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, customers, 1)
}

func TestNameSKUIsStable(t *testing.T) {
	gen := NameSKU("SKU-OCR-")
	assert.Equal(t, gen("Bread"), gen("Bread"))
	assert.NotEqual(t, gen("Bread"), gen("Milk"))
	assert.True(t, strings.HasPrefix(gen("Bread"), "SKU-OCR-"))
}
