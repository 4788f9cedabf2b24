// Package catalog resolves product and customer names to rows, creating
// them on first sight.
package catalog

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"retailpulse/backend/internal/domain"
	"retailpulse/backend/internal/store"
)

const maxInsertAttempts = 3

type Store interface {
	FindProductByName(ctx context.Context, name string) (*domain.Product, error)
	InsertProduct(ctx context.Context, product domain.Product) error
	FindCustomerByName(ctx context.Context, name string) (*domain.Customer, error)
	InsertCustomer(ctx context.Context, customer domain.Customer) error
}

// SKUFunc generates a SKU for a product created without one.
type SKUFunc func(name string) string

// RandomSKU returns SKU- followed by eight upper-case hex characters.
func RandomSKU(string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "SKU-" + strings.ToUpper(id[:8])
}

// NameSKU derives a stable SKU from the product name under prefix.
func NameSKU(prefix string) SKUFunc {
	return func(name string) string {
		sum := md5.Sum([]byte(name))
		return prefix + strings.ToUpper(hex.EncodeToString(sum[:])[:8])
	}
}

type Resolver struct {
	sku SKUFunc
}

func New(sku SKUFunc) *Resolver {
	if sku == nil {
		sku = RandomSKU
	}
	return &Resolver{sku: sku}
}

// ResolveProduct returns the product named name, creating it with
// fallbackPrice, the default reorder point and zero stock when absent.
func (r *Resolver) ResolveProduct(ctx context.Context, tx Store, name string, fallbackPrice decimal.Decimal) (*domain.Product, bool, error) {
	return r.ResolveProductWithSKU(ctx, tx, name, fallbackPrice, "")
}

// ResolveProductWithSKU is ResolveProduct with an explicit SKU for the
// created row. An existing product keeps its SKU.
func (r *Resolver) ResolveProductWithSKU(ctx context.Context, tx Store, name string, fallbackPrice decimal.Decimal, sku string) (*domain.Product, bool, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, false, fmt.Errorf("%w: product name is required", store.ErrInvalidInput)
	}

	for attempt := 0; attempt < maxInsertAttempts; attempt++ {
		existing, err := tx.FindProductByName(ctx, name)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, false, err
		}

		// a retry after a SKU conflict must not regenerate the same value
		candidate := sku
		switch {
		case attempt > 0:
			candidate = RandomSKU(name)
		case candidate == "":
			candidate = r.sku(name)
		}
		product := domain.Product{
			ID:           uuid.NewString(),
			Name:         name,
			SKU:          candidate,
			CurrentStock: 0,
			UnitPrice:    fallbackPrice.Round(2),
			ReorderPoint: domain.DefaultReorderPoint,
		}
		err = tx.InsertProduct(ctx, product)
		if err == nil {
			return &product, true, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return nil, false, err
		}
		// lost a race on the name, or the SKU is taken; re-read and retry
	}
	return nil, false, fmt.Errorf("resolve product %q: %w", name, store.ErrConflict)
}

// ResolveCustomer returns nil for the walk-in sentinel.
func (r *Resolver) ResolveCustomer(ctx context.Context, tx Store, name string) (*domain.Customer, error) {
	name = strings.TrimSpace(name)
	if domain.IsWalkIn(name) {
		return nil, nil
	}

	for attempt := 0; attempt < maxInsertAttempts; attempt++ {
		existing, err := tx.FindCustomerByName(ctx, name)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}

		customer := domain.Customer{
			ID:             uuid.NewString(),
			Name:           name,
			TotalPurchases: decimal.Zero,
		}
		err = tx.InsertCustomer(ctx, customer)
		if err == nil {
			return &customer, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("resolve customer %q: %w", name, store.ErrConflict)
}
