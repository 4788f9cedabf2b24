package ingest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"retailpulse/backend/internal/domain"
	"retailpulse/backend/internal/notify"
	"retailpulse/backend/internal/store"
	"retailpulse/backend/internal/store/memory"
)

const tenant = "shop-1"

var fixedNow = time.Date(2026, 6, 30, 10, 0, 0, 0, time.UTC)

type eventLog struct {
	mu     sync.Mutex
	events []domain.IngestionEvent
}

func (l *eventLog) hook() notify.Hook {
	return notify.HookFunc{HookName: "capture", Fn: func(_ context.Context, e domain.IngestionEvent) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.events = append(l.events, e)
		return nil
	}}
}

func newPipeline(t *testing.T, opts ...Option) (*Pipeline, *memory.Store, *eventLog) {
	t.Helper()
	repo := memory.New()
	repo.AddTenant(domain.Tenant{ID: tenant, Name: "Shop"})
	events := &eventLog{}
	base := []Option{
		WithClock(func() time.Time { return fixedNow }),
		WithNotifier(notify.New(zerolog.Nop(), events.hook())),
	}
	return New(repo, zerolog.Nop(), append(base, opts...)...), repo, events
}

func newBatch(t *testing.T, repo *memory.Store, kind string, fileName string) domain.IngestionBatch {
	t.Helper()
	batch := domain.IngestionBatch{
		ID:         uuid.NewString(),
		TenantID:   tenant,
		Kind:       kind,
		FileName:   fileName,
		Status:     domain.BatchPending,
		UploadedBy: "admin",
		CreatedAt:  fixedNow,
	}
	require.NoError(t, repo.CreateBatch(context.Background(), batch))
	return batch
}

func productByName(t *testing.T, repo *memory.Store, name string) domain.Product {
	t.Helper()
	products, err := repo.ListProducts(context.Background(), tenant)
	require.NoError(t, err)
	for _, p := range products {
		if p.Name == name {
			return p
		}
	}
	t.Fatalf("product %q not found", name)
	return domain.Product{}
}

func TestIngestSalesSkipsIdenticalRow(t *testing.T) {
	p, repo, _ := newPipeline(t)
	csv := "Date,Product,Quantity,Amount,Customer,PaymentMethod\n" +
		"2025-11-01,Chips,5,150,John,cash\n" +
		"2025-11-01,Chips,5,150,John,cash\n"

	got := p.IngestSales(context.Background(), newBatch(t, repo, domain.BatchSales, "sales.csv"), strings.NewReader(csv))

	assert.Equal(t, domain.BatchCompleted, got.Status)
	assert.Equal(t, 2, got.RowCount)
	assert.Equal(t, 2, got.RowsProcessed)
	assert.Equal(t, 1, got.CreatedTransactions)
	assert.Equal(t, 1, got.SkippedDuplicates)
	assert.Zero(t, got.RowsFailed)

	txns, total, err := repo.ListTransactions(context.Background(), tenant, domain.TransactionFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Len(t, txns, 1)

	stored, err := repo.GetBatch(context.Background(), tenant, got.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchCompleted, stored.Status)
	require.NotNil(t, stored.CompletedAt)
}

func TestIngestSalesCreatesProductFromRow(t *testing.T) {
	p, repo, events := newPipeline(t)
	csv := "date,product,quantity,amount,customer\n2025-11-01,New Product,5,150,John\n"

	got := p.IngestSales(context.Background(), newBatch(t, repo, domain.BatchSales, "sales.csv"), strings.NewReader(csv))
	require.Equal(t, 1, got.CreatedTransactions)

	product := productByName(t, repo, "New Product")
	assert.Equal(t, "30.00", product.UnitPrice.StringFixed(2))
	assert.Equal(t, 50, product.ReorderPoint)
	assert.True(t, strings.HasPrefix(product.SKU, "SKU-"), product.SKU)
	assert.Equal(t, -5, product.CurrentStock, "batch ingestion does not floor stock")

	customers, err := repo.ListCustomers(context.Background(), tenant)
	require.NoError(t, err)
	require.Len(t, customers, 1)
	assert.Equal(t, "John", customers[0].Name)
	assert.Equal(t, "150.00", customers[0].TotalPurchases.StringFixed(2))

	require.Len(t, events.events, 1)
	event := events.events[0]
	assert.Equal(t, tenant, event.TenantID)
	assert.Equal(t, []string{product.ID}, event.AffectedProductIDs)
	assert.Equal(t, []string{customers[0].ID}, event.AffectedCustomerIDs)
	assert.Equal(t, 1, event.TransactionCount)

	alerts, err := repo.ListAlerts(context.Background(), tenant, nil)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.AlertLowStock, alerts[0].AlertType)
	assert.Equal(t, -5, alerts[0].CurrentStock)
}

func TestIngestSalesChainsStockMovements(t *testing.T) {
	p, repo, _ := newPipeline(t)
	seeded := repo.SeedProduct(tenant, "Chips", "SKU-CHIPS", 100, decimal.NewFromInt(10))
	csv := "Date,Product,Quantity,Amount\n2025-11-01,Chips,5,50\n2025-11-02,Chips,10,100\n"

	got := p.IngestSales(context.Background(), newBatch(t, repo, domain.BatchSales, "sales.csv"), strings.NewReader(csv))
	require.Equal(t, 2, got.CreatedTransactions)

	product, err := repo.GetProduct(context.Background(), tenant, seeded.ID)
	require.NoError(t, err)
	assert.Equal(t, 85, product.CurrentStock)

	movements, err := repo.ListProductMovements(context.Background(), tenant, seeded.ID)
	require.NoError(t, err)
	require.Len(t, movements, 3)
	sales := movements[1:]
	assert.Equal(t, domain.MovementSale, sales[0].MovementType)
	assert.Equal(t, [2]int{100, 95}, [2]int{sales[0].StockBefore, sales[0].StockAfter})
	assert.Equal(t, [2]int{95, 85}, [2]int{sales[1].StockBefore, sales[1].StockAfter})
	assert.Equal(t, -10, sales[1].QuantityChanged)
	assert.Equal(t, domain.ReferenceSalesUpload, sales[1].ReferenceType)
	assert.Equal(t, got.ID, sales[1].ReferenceID)

	verification, err := p.VerifyLedger(context.Background(), tenant, seeded.ID)
	require.NoError(t, err)
	assert.True(t, verification.Consistent, verification.Issues)
}

func TestIngestSalesMissingColumnFailsBatch(t *testing.T) {
	p, repo, events := newPipeline(t)
	csv := "Date,Product,Quantity\n2025-11-01,Chips,5\n"

	got := p.IngestSales(context.Background(), newBatch(t, repo, domain.BatchSales, "sales.csv"), strings.NewReader(csv))

	assert.Equal(t, domain.BatchFailed, got.Status)
	assert.Equal(t, "Missing required columns: amount", got.ErrorMessage)
	assert.Zero(t, got.CreatedTransactions)
	assert.Zero(t, got.RowsProcessed)
	assert.Empty(t, events.events)

	products, err := repo.ListProducts(context.Background(), tenant)
	require.NoError(t, err)
	assert.Empty(t, products)
}

func TestIngestSalesEmptyFile(t *testing.T) {
	p, repo, _ := newPipeline(t)
	got := p.IngestSales(context.Background(), newBatch(t, repo, domain.BatchSales, "sales.csv"), strings.NewReader(""))
	assert.Equal(t, domain.BatchFailed, got.Status)
	assert.Equal(t, "CSV file is empty", got.ErrorMessage)
}

func TestIngestSalesRowErrorsDoNotAbortBatch(t *testing.T) {
	p, repo, _ := newPipeline(t)
	csv := "Date,Product,Quantity,Amount,Time,PaymentMethod,UnitPrice\n" +
		"2099-01-01,Chips,1,10,,,\n" +
		"2025-11-01,Chips,abc,10,,,\n" +
		"2025-11-01,Chips,1001,10,,,\n" +
		"2025-11-01,Chips,1,0,,,\n" +
		"2025-11-01,Chips,1,10,25:99,,\n" +
		"2025-11-01,Chips,1,10,,,x\n" +
		"11/01/2025,Chips,1,10,,,\n" +
		",Chips,1,10,,,\n" +
		"2025-11-01,Chips,2,20,09:30,PayPal,\n"

	got := p.IngestSales(context.Background(), newBatch(t, repo, domain.BatchSales, "sales.csv"), strings.NewReader(csv))

	assert.Equal(t, domain.BatchCompleted, got.Status)
	assert.Equal(t, 9, got.RowCount)
	assert.Equal(t, 8, got.RowsFailed)
	assert.Equal(t, 1, got.CreatedTransactions)
	require.Len(t, got.Errors, 8)

	want := []domain.RowError{
		{Row: 2, Error: "Date cannot be in the future: 2099-01-01"},
		{Row: 3, Error: "Invalid quantity: abc"},
		{Row: 4, Error: "Quantity exceeds maximum (1000)"},
		{Row: 5, Error: "Amount must be > 0"},
		{Row: 6, Error: "Invalid time format (use HH:MM): 25:99"},
		{Row: 7, Error: "Invalid unit price: x"},
		{Row: 8, Error: "Invalid date format (use YYYY-MM-DD): 11/01/2025"},
		{Row: 9, Error: "Date is required"},
	}
	assert.Equal(t, want, got.Errors)

	txns, _, err := repo.ListTransactions(context.Background(), tenant, domain.TransactionFilter{})
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, domain.PaymentOther, txns[0].PaymentMethod)
	assert.Equal(t, "09:30", txns[0].Time)
	assert.Empty(t, txns[0].CustomerID)

	failed, total, err := repo.ListFailedRows(context.Background(), tenant, domain.FailedRowFilter{BatchID: got.ID})
	require.NoError(t, err)
	assert.Equal(t, 8, total)
	require.Len(t, failed, 8)
	for _, row := range failed {
		assert.Equal(t, domain.BatchSales, row.BatchKind)
		assert.NotEmpty(t, row.RowData["Product"])
	}
}

func TestIngestReceiptRecordsWalkInCashSales(t *testing.T) {
	p, repo, events := newPipeline(t)

	got := p.IngestReceipt(context.Background(), newBatch(t, repo, domain.BatchReceipt, "receipt.jpg"), []byte("img"))

	require.Equal(t, domain.BatchCompleted, got.Status)
	assert.Equal(t, 3, got.RowCount)
	assert.Equal(t, 3, got.CreatedTransactions)
	require.NotNil(t, got.Receipt)
	assert.Equal(t, "595", got.Receipt.Total.String())

	chips := productByName(t, repo, "Lay's Chips")
	assert.True(t, strings.HasPrefix(chips.SKU, "SKU-OCR-"), chips.SKU)
	assert.Equal(t, "75.00", chips.UnitPrice.StringFixed(2))
	assert.Equal(t, -2, chips.CurrentStock)

	txns, _, err := repo.ListTransactions(context.Background(), tenant, domain.TransactionFilter{})
	require.NoError(t, err)
	require.Len(t, txns, 3)
	for _, txn := range txns {
		assert.Equal(t, domain.PaymentCash, txn.PaymentMethod)
		assert.Empty(t, txn.CustomerID)
		assert.Equal(t, "From receipt: receipt.jpg", txn.Notes)
		assert.True(t, txn.Date.Equal(time.Date(2026, 6, 30, 0, 0, 0, 0, time.UTC)))
	}

	customers, err := repo.ListCustomers(context.Background(), tenant)
	require.NoError(t, err)
	assert.Empty(t, customers, "walk-in is never materialized")

	again := p.IngestReceipt(context.Background(), newBatch(t, repo, domain.BatchReceipt, "receipt.jpg"), []byte("img"))
	assert.Equal(t, 3, again.SkippedDuplicates)
	assert.Zero(t, again.CreatedTransactions)
	require.Len(t, events.events, 2)
	assert.Len(t, events.events[0].AffectedProductIDs, 3)
	assert.Empty(t, events.events[0].AffectedCustomerIDs)
}

type stubExtractor struct {
	payload *domain.ReceiptPayload
	err     error
}

func (s stubExtractor) Extract(context.Context, []byte, string) (*domain.ReceiptPayload, error) {
	return s.payload, s.err
}

func TestIngestReceiptItemErrors(t *testing.T) {
	payload := &domain.ReceiptPayload{
		Date: "2026-06-01",
		Items: []domain.ReceiptItem{
			{Name: "Tea", Qty: 2, Price: decimal.NewFromInt(40)},
			{Name: "", Qty: 1, Price: decimal.NewFromInt(10)},
			{Name: "Sugar", Qty: 0, Price: decimal.NewFromInt(10)},
			{Name: "Salt", Qty: 1, Price: decimal.Zero},
		},
	}
	p, repo, _ := newPipeline(t, WithExtractor(stubExtractor{payload: payload}))

	got := p.IngestReceipt(context.Background(), newBatch(t, repo, domain.BatchReceipt, "r.png"), nil)

	assert.Equal(t, domain.BatchCompleted, got.Status)
	assert.Equal(t, 1, got.CreatedTransactions)
	assert.Equal(t, 3, got.RowsFailed)
	assert.Equal(t, []domain.RowError{
		{Item: 2, Name: "Unknown", Error: "Item name is required"},
		{Item: 3, Name: "Sugar", Error: "Invalid quantity: 0"},
		{Item: 4, Name: "Salt", Error: "Invalid price: 0"},
	}, got.Errors)
	assert.Equal(t, "20.00", productByName(t, repo, "Tea").UnitPrice.StringFixed(2))
}

func TestIngestReceiptBatchFailures(t *testing.T) {
	cases := map[string]struct {
		extractor stubExtractor
		message   string
	}{
		"no items":   {stubExtractor{payload: &domain.ReceiptPayload{Date: "2026-06-01"}}, "Receipt contains no items"},
		"bad date":   {stubExtractor{payload: &domain.ReceiptPayload{Date: "June 1"}}, "Invalid date format (use YYYY-MM-DD): June 1"},
		"ocr failed": {stubExtractor{err: assert.AnError}, "Receipt extraction failed: " + assert.AnError.Error()},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			p, repo, events := newPipeline(t, WithExtractor(tc.extractor))
			got := p.IngestReceipt(context.Background(), newBatch(t, repo, domain.BatchReceipt, "r.png"), nil)
			assert.Equal(t, domain.BatchFailed, got.Status)
			assert.Equal(t, tc.message, got.ErrorMessage)
			assert.Empty(t, events.events)
		})
	}
}

func TestIngestInventorySetsAbsoluteLevels(t *testing.T) {
	p, repo, events := newPipeline(t)
	first := "Product,Quantity,Unit Price,SKU\nRice,120,65.5,SKU-RICE\nOil,10,,\n"

	got := p.IngestInventory(context.Background(), newBatch(t, repo, domain.BatchInventory, "stock.csv"), strings.NewReader(first))
	require.Equal(t, domain.BatchCompleted, got.Status)
	assert.Equal(t, 2, got.ProductsUpdated)

	rice := productByName(t, repo, "Rice")
	assert.Equal(t, 120, rice.CurrentStock)
	assert.Equal(t, "SKU-RICE", rice.SKU)
	assert.Equal(t, "65.50", rice.UnitPrice.StringFixed(2))

	second := "product,quantity,unit_price,sku\nRice,30,0,\nRice,-1,,\nOil,x,,\nSalt,5,-2,\n,3,,\n"
	got = p.IngestInventory(context.Background(), newBatch(t, repo, domain.BatchInventory, "stock.csv"), strings.NewReader(second))
	assert.Equal(t, 1, got.ProductsUpdated)
	assert.Equal(t, []domain.RowError{
		{Row: 3, Error: "Quantity cannot be negative"},
		{Row: 4, Error: "Invalid quantity: x"},
		{Row: 5, Error: "Unit price cannot be negative"},
		{Row: 6, Error: "Product name is required"},
	}, got.Errors)

	rice = productByName(t, repo, "Rice")
	assert.Equal(t, 30, rice.CurrentStock)
	assert.Equal(t, "65.50", rice.UnitPrice.StringFixed(2), "zero price keeps the existing price")

	movements, err := repo.ListProductMovements(context.Background(), tenant, rice.ID)
	require.NoError(t, err)
	require.Len(t, movements, 2)
	assert.Equal(t, domain.MovementInitialLoad, movements[0].MovementType)
	assert.Equal(t, 120, movements[0].QuantityChanged)
	assert.Equal(t, domain.MovementAdjustment, movements[1].MovementType)
	assert.Equal(t, -90, movements[1].QuantityChanged)
	assert.Equal(t, domain.ReferenceInventoryUpload, movements[1].ReferenceType)

	unacked := false
	alerts, err := repo.ListAlerts(context.Background(), tenant, &unacked)
	require.NoError(t, err)
	types := map[string]string{}
	for _, a := range alerts {
		types[a.ProductID] = a.AlertType
	}
	assert.Equal(t, domain.AlertLowStock, types[rice.ID])

	require.Len(t, events.events, 2)
	assert.Zero(t, events.events[1].TransactionCount)
	assert.Equal(t, []string{rice.ID}, events.events[1].AffectedProductIDs)
}

func TestVerifyTenantAfterMixedBatches(t *testing.T) {
	p, repo, _ := newPipeline(t)
	p.IngestInventory(context.Background(), newBatch(t, repo, domain.BatchInventory, "stock.csv"),
		strings.NewReader("Product,Quantity\nTea,40\n"))
	p.IngestSales(context.Background(), newBatch(t, repo, domain.BatchSales, "sales.csv"),
		strings.NewReader("Date,Product,Quantity,Amount\n2026-06-01,Tea,3,30\n2026-06-02,Tea,50,500\n"))

	results, err := p.VerifyTenant(context.Background(), tenant)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Consistent, results[0].Issues)
	assert.Equal(t, -13, results[0].CurrentStock)
	assert.Equal(t, 3, results[0].Movements)
}

// cancelAfterCommits cancels the ingestion context once limit units of work
// have committed.
type cancelAfterCommits struct {
	*memory.Store
	mu      sync.Mutex
	limit   int
	commits int
	cancel  context.CancelFunc
}

func (c *cancelAfterCommits) InTx(ctx context.Context, tenantID string, fn store.TxFunc) error {
	if err := c.Store.InTx(ctx, tenantID, fn); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commits++
	if c.commits == c.limit {
		c.cancel()
	}
	return nil
}

func TestIngestSalesCancelledKeepsCommittedCounts(t *testing.T) {
	_, repo, events := newPipeline(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tx := &cancelAfterCommits{Store: repo, limit: 1, cancel: cancel}
	p := New(tx, zerolog.Nop(),
		WithClock(func() time.Time { return fixedNow }),
		WithNotifier(notify.New(zerolog.Nop(), events.hook())),
	)
	csv := "Date,Product,Quantity,Amount,Customer\n" +
		"2026-06-01,Rice,2,120,Nadia\n" +
		"2026-06-02,Rice,1,60,Nadia\n"

	got := p.IngestSales(ctx, newBatch(t, repo, domain.BatchSales, "sales.csv"), strings.NewReader(csv))

	assert.Equal(t, domain.BatchFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, context.Canceled.Error())
	assert.Equal(t, 2, got.RowCount)
	assert.Equal(t, 1, got.RowsProcessed)
	assert.Equal(t, 1, got.CreatedTransactions)
	assert.Empty(t, events.events)

	stored, err := repo.GetBatch(context.Background(), tenant, got.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchFailed, stored.Status)
	assert.Equal(t, 1, stored.CreatedTransactions)
	require.NotNil(t, stored.CompletedAt)

	_, total, err := repo.ListTransactions(context.Background(), tenant, domain.TransactionFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, -2, productByName(t, repo, "Rice").CurrentStock)
}

func TestIngestSalesConcurrentBatchesOnOneProduct(t *testing.T) {
	p, repo, _ := newPipeline(t)
	seeded := repo.SeedProduct(tenant, "Rice", "SKU-RICE", 1000, decimal.NewFromInt(10))

	const workers, rows = 4, 10
	batches := make([]domain.IngestionBatch, workers)
	files := make([]string, workers)
	sold := 0
	for w := range workers {
		batches[w] = newBatch(t, repo, domain.BatchSales, fmt.Sprintf("sales-%d.csv", w))
		var b strings.Builder
		b.WriteString("Date,Product,Quantity,Amount,Customer\n")
		for i := range rows {
			qty := w + 1
			fmt.Fprintf(&b, "2026-06-01,Rice,%d,%d,Buyer %d-%d\n", qty, qty*10, w, i)
			sold += qty
		}
		files[w] = b.String()
	}

	results := make([]domain.IngestionBatch, workers)
	var wg sync.WaitGroup
	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[w] = p.IngestSales(context.Background(), batches[w], strings.NewReader(files[w]))
		}()
	}
	wg.Wait()

	for _, got := range results {
		assert.Equal(t, domain.BatchCompleted, got.Status, got.ErrorMessage)
		assert.Equal(t, rows, got.CreatedTransactions)
	}

	product, err := repo.GetProduct(context.Background(), tenant, seeded.ID)
	require.NoError(t, err)
	assert.Equal(t, 1000-sold, product.CurrentStock)

	verification, err := p.VerifyLedger(context.Background(), tenant, seeded.ID)
	require.NoError(t, err)
	assert.True(t, verification.Consistent, verification.Issues)
	assert.Equal(t, 1+workers*rows, verification.Movements)
	assert.Equal(t, product.CurrentStock, verification.ExpectedStock)
}
