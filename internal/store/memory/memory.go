package memory

import (
	"context"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"retailpulse/backend/internal/domain"
	"retailpulse/backend/internal/store"
)

// Store keeps every tenant in process memory. A unit of work holds the
// write lock for its whole duration, so readers never observe a partially
// applied row.
type Store struct {
	mu sync.RWMutex

	tenants map[string]domain.Tenant
	users   map[string]domain.UserAccount

	products      map[string]domain.Product
	productOrder  []string
	productByName map[string]string

	customers      map[string]domain.Customer
	customerOrder  []string
	customerByName map[string]string

	transactions []domain.Transaction
	fingerprints map[string]string

	movements   []domain.StockMovement
	movementSeq int64

	alerts   map[string]domain.StockAlert
	alertKey map[string]string

	batches    map[string]domain.IngestionBatch
	failedRows map[string]domain.FailedRow
	churn      map[string]domain.CustomerChurnScore
}

func New() *Store {
	return &Store{
		tenants:        make(map[string]domain.Tenant),
		users:          make(map[string]domain.UserAccount),
		products:       make(map[string]domain.Product),
		productByName:  make(map[string]string),
		customers:      make(map[string]domain.Customer),
		customerByName: make(map[string]string),
		fingerprints:   make(map[string]string),
		alerts:         make(map[string]domain.StockAlert),
		alertKey:       make(map[string]string),
		batches:        make(map[string]domain.IngestionBatch),
		failedRows:     make(map[string]domain.FailedRow),
		churn:          make(map[string]domain.CustomerChurnScore),
	}
}

// NewSeeded returns a store with one demo tenant, an admin operator and a
// small opening inventory loaded through initial_load movements.
func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()
	s.AddTenant(domain.Tenant{ID: "demo-store", Name: "Demo Store", CreatedAt: now})

	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" {
		log.Warn().Str("component", "memory-store").Msg("using default dev credentials; set SEED_ADMIN_PASSWORD to override")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(adminPwd), bcrypt.DefaultCost)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to hash seed password")
	}
	s.AddUser(domain.UserAccount{
		Username:  "admin",
		Password:  string(hash),
		Role:      "admin",
		TenantID:  "demo-store",
		Active:    true,
		CreatedAt: now,
	})

	for _, seed := range []struct {
		name  string
		sku   string
		stock int
		price string
	}{
		{"Lay's Chips", "SKU-LAYS0001", 200, "75.00"},
		{"Cold Drink", "SKU-DRNK0001", 120, "100.00"},
		{"Bread", "SKU-BRED0001", 90, "25.00"},
		{"Milk 1L", "SKU-MILK0001", 60, "95.00"},
	} {
		s.SeedProduct("demo-store", seed.name, seed.sku, seed.stock, decimal.RequireFromString(seed.price))
	}
	return s
}

func (s *Store) AddTenant(tenant domain.Tenant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tenant.CreatedAt.IsZero() {
		tenant.CreatedAt = time.Now().UTC()
	}
	s.tenants[tenant.ID] = tenant
}

func (s *Store) AddUser(user domain.UserAccount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[strings.ToLower(user.Username)] = user
}

// SeedProduct creates a product whose opening stock is recorded as an
// initial_load movement so the ledger stays contiguous.
func (s *Store) SeedProduct(tenantID string, name string, sku string, stock int, unitPrice decimal.Decimal) domain.Product {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	product := domain.Product{
		ID:           uuid.NewString(),
		TenantID:     tenantID,
		Name:         name,
		SKU:          sku,
		CurrentStock: stock,
		UnitPrice:    unitPrice.Round(2),
		ReorderPoint: domain.DefaultReorderPoint,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.products[product.ID] = product
	s.productOrder = append(s.productOrder, product.ID)
	s.productByName[nameKey(tenantID, name)] = product.ID

	s.movementSeq++
	s.movements = append(s.movements, domain.StockMovement{
		ID:              uuid.NewString(),
		Sequence:        s.movementSeq,
		TenantID:        tenantID,
		ProductID:       product.ID,
		MovementType:    domain.MovementInitialLoad,
		QuantityChanged: stock,
		StockBefore:     0,
		StockAfter:      stock,
		ReferenceType:   "seed",
		CreatedAt:       now,
	})
	return product
}

func (s *Store) InTx(ctx context.Context, tenantID string, fn store.TxFunc) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{s: s, tenantID: tenantID}
	defer func() {
		if r := recover(); r != nil {
			tx.rollback()
			panic(r)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

func (s *Store) ListTenants(_ context.Context) ([]domain.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tenants := make([]domain.Tenant, 0, len(s.tenants))
	for _, t := range s.tenants {
		tenants = append(tenants, t)
	}
	slices.SortFunc(tenants, func(a, b domain.Tenant) int { return strings.Compare(a.ID, b.ID) })
	return tenants, nil
}

func (s *Store) GetUser(_ context.Context, username string) (*domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[strings.ToLower(strings.TrimSpace(username))]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &user, nil
}

func (s *Store) GetProduct(_ context.Context, tenantID string, productID string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[productID]
	if !ok || p.TenantID != tenantID {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (s *Store) ListProducts(_ context.Context, tenantID string) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.productOrder))
	for _, id := range s.productOrder {
		if p := s.products[id]; p.TenantID == tenantID {
			products = append(products, p)
		}
	}
	return products, nil
}

func (s *Store) GetCustomer(_ context.Context, tenantID string, customerID string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.customers[customerID]
	if !ok || c.TenantID != tenantID {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (s *Store) ListCustomers(_ context.Context, tenantID string) ([]domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listCustomersLocked(tenantID), nil
}

func (s *Store) listCustomersLocked(tenantID string) []domain.Customer {
	customers := make([]domain.Customer, 0, len(s.customerOrder))
	for _, id := range s.customerOrder {
		if c := s.customers[id]; c.TenantID == tenantID {
			customers = append(customers, c)
		}
	}
	return customers
}

func (s *Store) ListTransactions(_ context.Context, tenantID string, filter domain.TransactionFilter) ([]domain.Transaction, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := s.filterTransactionsLocked(tenantID, filter)
	sortTransactions(matched, filter.SortBy, filter.SortDesc)
	total := len(matched)
	return paginate(matched, filter.Offset, filter.Limit), total, nil
}

func (s *Store) SummarizeTransactions(_ context.Context, tenantID string, filter domain.TransactionFilter) (domain.TransactionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary := domain.TransactionSummary{
		TenantID:         tenantID,
		TotalRevenue:     decimal.Zero,
		AverageValue:     decimal.Zero,
		RevenueByProduct: []domain.RevenueBucket{},
		RevenueByPayment: []domain.RevenueBucket{},
	}
	matched := s.filterTransactionsLocked(tenantID, filter)
	if len(matched) == 0 {
		return summary, nil
	}

	byProduct := make(map[string]*domain.RevenueBucket)
	byPayment := make(map[string]*domain.RevenueBucket)
	var first, last time.Time
	for i, txn := range matched {
		summary.TotalRevenue = summary.TotalRevenue.Add(txn.Amount)
		addBucket(byProduct, s.products[txn.ProductID].Name, txn.Amount)
		addBucket(byPayment, txn.PaymentMethod, txn.Amount)
		if i == 0 || txn.Date.Before(first) {
			first = txn.Date
		}
		if i == 0 || txn.Date.After(last) {
			last = txn.Date
		}
	}
	summary.TotalTransactions = len(matched)
	summary.AverageValue = summary.TotalRevenue.Div(decimal.NewFromInt(int64(len(matched)))).Round(2)
	summary.RevenueByProduct = sortedBuckets(byProduct)
	summary.RevenueByPayment = sortedBuckets(byPayment)
	summary.FirstTransactionDate = &first
	summary.LastTransactionDate = &last
	return summary, nil
}

func (s *Store) filterTransactionsLocked(tenantID string, filter domain.TransactionFilter) []domain.Transaction {
	matched := make([]domain.Transaction, 0)
	for _, txn := range s.transactions {
		if txn.TenantID != tenantID {
			continue
		}
		if filter.ProductID != "" && txn.ProductID != filter.ProductID {
			continue
		}
		if filter.CustomerID != "" && txn.CustomerID != filter.CustomerID {
			continue
		}
		if filter.PaymentMethod != "" && txn.PaymentMethod != filter.PaymentMethod {
			continue
		}
		if filter.From != nil && txn.Date.Before(dateOnly(*filter.From)) {
			continue
		}
		if filter.To != nil && txn.Date.After(dateOnly(*filter.To)) {
			continue
		}
		txn.ProductName = s.products[txn.ProductID].Name
		matched = append(matched, txn)
	}
	return matched
}

func (s *Store) ListMovements(_ context.Context, tenantID string, filter domain.MovementFilter) ([]domain.StockMovement, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]domain.StockMovement, 0)
	for i := len(s.movements) - 1; i >= 0; i-- {
		m := s.movements[i]
		if m.TenantID != tenantID {
			continue
		}
		if filter.ProductID != "" && m.ProductID != filter.ProductID {
			continue
		}
		if filter.MovementType != "" && m.MovementType != filter.MovementType {
			continue
		}
		day := dateOnly(m.CreatedAt)
		if filter.From != nil && day.Before(dateOnly(*filter.From)) {
			continue
		}
		if filter.To != nil && day.After(dateOnly(*filter.To)) {
			continue
		}
		matched = append(matched, m)
	}
	total := len(matched)
	return paginate(matched, filter.Offset, filter.Limit), total, nil
}

func (s *Store) ListProductMovements(_ context.Context, tenantID string, productID string) ([]domain.StockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	movements := make([]domain.StockMovement, 0)
	for _, m := range s.movements {
		if m.TenantID == tenantID && m.ProductID == productID {
			movements = append(movements, m)
		}
	}
	return movements, nil
}

func (s *Store) ListAlerts(_ context.Context, tenantID string, acknowledged *bool) ([]domain.StockAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	alerts := make([]domain.StockAlert, 0)
	for _, a := range s.alerts {
		if a.TenantID != tenantID {
			continue
		}
		if acknowledged != nil && a.Acknowledged != *acknowledged {
			continue
		}
		alerts = append(alerts, a)
	}
	slices.SortFunc(alerts, func(a, b domain.StockAlert) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return alerts, nil
}

func (s *Store) AcknowledgeAlert(_ context.Context, tenantID string, alertID string, actor string, at time.Time) (*domain.StockAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	alert, ok := s.alerts[alertID]
	if !ok || alert.TenantID != tenantID {
		return nil, store.ErrNotFound
	}
	alert.Acknowledged = true
	alert.AcknowledgedAt = &at
	alert.AcknowledgedBy = actor
	alert.UpdatedAt = at
	s.alerts[alertID] = alert
	return &alert, nil
}

func (s *Store) CreateBatch(_ context.Context, batch domain.IngestionBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if batch.ID == "" || batch.TenantID == "" {
		return store.ErrInvalidInput
	}
	if _, exists := s.batches[batch.ID]; exists {
		return store.ErrConflict
	}
	s.batches[batch.ID] = cloneBatch(batch)
	return nil
}

func (s *Store) UpdateBatch(_ context.Context, batch domain.IngestionBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.batches[batch.ID]
	if !ok || existing.TenantID != batch.TenantID {
		return store.ErrNotFound
	}
	s.batches[batch.ID] = cloneBatch(batch)
	return nil
}

func (s *Store) GetBatch(_ context.Context, tenantID string, batchID string) (*domain.IngestionBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	batch, ok := s.batches[batchID]
	if !ok || batch.TenantID != tenantID {
		return nil, store.ErrNotFound
	}
	out := cloneBatch(batch)
	return &out, nil
}

func (s *Store) ListBatches(_ context.Context, tenantID string, statuses []string, completedSince *time.Time, limit int) ([]domain.IngestionBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	batches := make([]domain.IngestionBatch, 0)
	for _, b := range s.batches {
		if b.TenantID != tenantID {
			continue
		}
		if len(statuses) > 0 && !slices.Contains(statuses, b.Status) {
			continue
		}
		if completedSince != nil && (b.CompletedAt == nil || b.CompletedAt.Before(*completedSince)) {
			continue
		}
		batches = append(batches, cloneBatch(b))
	}
	slices.SortFunc(batches, func(a, b domain.IngestionBatch) int {
		return batchSortTime(b).Compare(batchSortTime(a))
	})
	if limit > 0 && len(batches) > limit {
		batches = batches[:limit]
	}
	return batches, nil
}

func (s *Store) CreateFailedRow(_ context.Context, row domain.FailedRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	s.failedRows[row.ID] = cloneFailedRow(row)
	return nil
}

func (s *Store) GetFailedRow(_ context.Context, tenantID string, id string) (*domain.FailedRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.failedRows[id]
	if !ok || row.TenantID != tenantID {
		return nil, store.ErrNotFound
	}
	out := cloneFailedRow(row)
	return &out, nil
}

func (s *Store) ListFailedRows(_ context.Context, tenantID string, filter domain.FailedRowFilter) ([]domain.FailedRow, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := make([]domain.FailedRow, 0)
	for _, row := range s.failedRows {
		if row.TenantID != tenantID {
			continue
		}
		if filter.BatchID != "" && row.BatchID != filter.BatchID {
			continue
		}
		day := dateOnly(row.CreatedAt)
		if filter.From != nil && day.Before(dateOnly(*filter.From)) {
			continue
		}
		if filter.To != nil && day.After(dateOnly(*filter.To)) {
			continue
		}
		rows = append(rows, cloneFailedRow(row))
	}
	slices.SortFunc(rows, func(a, b domain.FailedRow) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return b.RowNumber - a.RowNumber
	})
	total := len(rows)
	return paginate(rows, filter.Offset, filter.Limit), total, nil
}

func (s *Store) UpdateFailedRow(_ context.Context, row domain.FailedRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.failedRows[row.ID]
	if !ok || existing.TenantID != row.TenantID {
		return store.ErrNotFound
	}
	s.failedRows[row.ID] = cloneFailedRow(row)
	return nil
}

func (s *Store) DeleteFailedRow(_ context.Context, tenantID string, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.failedRows[id]
	if !ok || row.TenantID != tenantID {
		return store.ErrNotFound
	}
	delete(s.failedRows, id)
	return nil
}

func (s *Store) ListChurnScores(_ context.Context, tenantID string, level string, segment string) ([]domain.CustomerChurnScore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	scores := make([]domain.CustomerChurnScore, 0)
	for _, score := range s.churn {
		if score.TenantID != tenantID {
			continue
		}
		if level != "" && score.RiskLevel != level {
			continue
		}
		if segment != "" && score.Segment != segment {
			continue
		}
		score.CustomerName = s.customers[score.CustomerID].Name
		scores = append(scores, score)
	}
	slices.SortFunc(scores, func(a, b domain.CustomerChurnScore) int {
		if c := b.RiskScore.Cmp(a.RiskScore); c != 0 {
			return c
		}
		return strings.Compare(a.CustomerName, b.CustomerName)
	})
	return scores, nil
}

func nameKey(tenantID string, name string) string {
	return tenantID + "\x00" + name
}

func alertKey(tenantID string, productID string, alertType string) string {
	return tenantID + "\x00" + productID + "\x00" + alertType
}

func dateOnly(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

func paginate[T any](items []T, offset int, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

func sortTransactions(items []domain.Transaction, sortBy string, desc bool) {
	cmp := func(a, b domain.Transaction) int {
		switch sortBy {
		case "amount":
			return a.Amount.Cmp(b.Amount)
		case "created_at":
			return a.CreatedAt.Compare(b.CreatedAt)
		default:
			if c := a.Date.Compare(b.Date); c != 0 {
				return c
			}
			return a.CreatedAt.Compare(b.CreatedAt)
		}
	}
	slices.SortStableFunc(items, func(a, b domain.Transaction) int {
		if desc {
			return cmp(b, a)
		}
		return cmp(a, b)
	})
}

func addBucket(buckets map[string]*domain.RevenueBucket, key string, amount decimal.Decimal) {
	b, ok := buckets[key]
	if !ok {
		b = &domain.RevenueBucket{Key: key, Total: decimal.Zero}
		buckets[key] = b
	}
	b.Count++
	b.Total = b.Total.Add(amount)
}

func sortedBuckets(buckets map[string]*domain.RevenueBucket) []domain.RevenueBucket {
	out := make([]domain.RevenueBucket, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, *b)
	}
	slices.SortFunc(out, func(a, b domain.RevenueBucket) int {
		if c := b.Total.Cmp(a.Total); c != 0 {
			return c
		}
		return strings.Compare(a.Key, b.Key)
	})
	return out
}

func batchSortTime(b domain.IngestionBatch) time.Time {
	if b.CompletedAt != nil {
		return *b.CompletedAt
	}
	return b.CreatedAt
}

func cloneBatch(b domain.IngestionBatch) domain.IngestionBatch {
	b.Errors = slices.Clone(b.Errors)
	if b.Receipt != nil {
		receipt := *b.Receipt
		receipt.Items = slices.Clone(receipt.Items)
		b.Receipt = &receipt
	}
	return b
}

func cloneFailedRow(row domain.FailedRow) domain.FailedRow {
	data := make(map[string]string, len(row.RowData))
	for k, v := range row.RowData {
		data[k] = v
	}
	row.RowData = data
	return row
}

func envOr(key string, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
