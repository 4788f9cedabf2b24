package alerts

import (
	"context"
	"testing"
	"time"

	"retailpulse/backend/internal/domain"
	"retailpulse/backend/internal/store"
	"retailpulse/backend/internal/store/memory"
)

func alertByType(t *testing.T, repo *memory.Store, alertType string) *domain.StockAlert {
	t.Helper()
	all, err := repo.ListAlerts(context.Background(), "t1", nil)
	if err != nil {
		t.Fatalf("list alerts failed: %v", err)
	}
	for _, a := range all {
		if a.AlertType == alertType {
			return &a
		}
	}
	return nil
}

func TestReconcileTransitions(t *testing.T) {
	repo := memory.New()
	fixed := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	m := New(func() time.Time { return fixed })
	product := domain.Product{ID: "p1", ReorderPoint: 50}
	ctx := context.Background()

	reconcile := func(stock int) {
		t.Helper()
		err := repo.InTx(ctx, "t1", func(ctx context.Context, tx store.Tx) error {
			return m.Reconcile(ctx, tx, product, stock)
		})
		if err != nil {
			t.Fatalf("reconcile(%d) failed: %v", stock, err)
		}
	}

	reconcile(100)
	if a := alertByType(t, repo, domain.AlertLowStock); a != nil {
		t.Fatalf("healthy stock must not create alerts, got %+v", a)
	}

	reconcile(30)
	low := alertByType(t, repo, domain.AlertLowStock)
	if low == nil || low.Acknowledged || low.Threshold != 50 || low.CurrentStock != 30 {
		t.Fatalf("expected active low_stock at threshold 50, got %+v", low)
	}

	reconcile(0)
	out := alertByType(t, repo, domain.AlertOutOfStock)
	if out == nil || out.Acknowledged || out.Threshold != 0 {
		t.Fatalf("expected active out_of_stock, got %+v", out)
	}
	low = alertByType(t, repo, domain.AlertLowStock)
	if !low.Acknowledged || low.AcknowledgedBy != SystemActor {
		t.Fatalf("expected low_stock force-acknowledged, got %+v", low)
	}

	reconcile(20)
	low = alertByType(t, repo, domain.AlertLowStock)
	out = alertByType(t, repo, domain.AlertOutOfStock)
	if low.Acknowledged || low.AcknowledgedAt != nil {
		t.Fatalf("expected low_stock reopened, got %+v", low)
	}
	if !out.Acknowledged {
		t.Fatalf("expected out_of_stock acknowledged, got %+v", out)
	}

	reconcile(80)
	for _, alertType := range []string{domain.AlertLowStock, domain.AlertOutOfStock} {
		a := alertByType(t, repo, alertType)
		if !a.Acknowledged || a.CurrentStock != 80 {
			t.Fatalf("expected %s acknowledged with snapshot 80, got %+v", alertType, a)
		}
	}

	all, _ := repo.ListAlerts(ctx, "t1", nil)
	if len(all) != 2 {
		t.Fatalf("expected at most one row per alert type, got %d", len(all))
	}
}

func TestReconcileNegativeStockIsLowStock(t *testing.T) {
	repo := memory.New()
	m := New(nil)
	ctx := context.Background()
	product := domain.Product{ID: "p1", ReorderPoint: 50}

	for _, stock := range []int{0, -3} {
		err := repo.InTx(ctx, "t1", func(ctx context.Context, tx store.Tx) error {
			return m.Reconcile(ctx, tx, product, stock)
		})
		if err != nil {
			t.Fatalf("reconcile(%d) failed: %v", stock, err)
		}
	}
	low := alertByType(t, repo, domain.AlertLowStock)
	if low == nil || low.Acknowledged || low.CurrentStock != -3 {
		t.Fatalf("expected open low_stock for negative stock, got %+v", low)
	}
	if out := alertByType(t, repo, domain.AlertOutOfStock); out == nil || !out.Acknowledged {
		t.Fatalf("expected out_of_stock acknowledged once stock went negative, got %+v", out)
	}
}

func TestStatus(t *testing.T) {
	cases := []struct {
		stock int
		want  string
	}{
		{-1, domain.StockStatusLow},
		{0, domain.StockStatusOut},
		{1, domain.StockStatusLow},
		{50, domain.StockStatusLow},
		{51, domain.StockStatusIn},
	}
	for _, tc := range cases {
		if got := Status(tc.stock, 50); got != tc.want {
			t.Fatalf("Status(%d) = %s, want %s", tc.stock, got, tc.want)
		}
	}
}
