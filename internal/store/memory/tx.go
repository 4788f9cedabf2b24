package memory

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"retailpulse/backend/internal/domain"
	"retailpulse/backend/internal/store"
)

// memTx runs under the store's write lock. Every mutation pushes an undo
// closure; rollback replays them newest first.
type memTx struct {
	s        *Store
	tenantID string
	undo     []func()
}

func (tx *memTx) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
}

func (tx *memTx) push(fn func()) {
	tx.undo = append(tx.undo, fn)
}

func (tx *memTx) FindProductByName(_ context.Context, name string) (*domain.Product, error) {
	id, ok := tx.s.productByName[nameKey(tx.tenantID, name)]
	if !ok {
		return nil, store.ErrNotFound
	}
	p := tx.s.products[id]
	return &p, nil
}

func (tx *memTx) GetProductForUpdate(_ context.Context, productID string) (*domain.Product, error) {
	p, ok := tx.s.products[productID]
	if !ok || p.TenantID != tx.tenantID {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (tx *memTx) InsertProduct(_ context.Context, product domain.Product) error {
	key := nameKey(tx.tenantID, product.Name)
	if _, exists := tx.s.productByName[key]; exists {
		return store.ErrConflict
	}
	for _, existing := range tx.s.products {
		if existing.TenantID == tx.tenantID && product.SKU != "" && existing.SKU == product.SKU {
			return store.ErrConflict
		}
	}
	product.TenantID = tx.tenantID
	now := time.Now().UTC()
	if product.CreatedAt.IsZero() {
		product.CreatedAt = now
	}
	product.UpdatedAt = now

	tx.s.products[product.ID] = product
	tx.s.productByName[key] = product.ID
	n := len(tx.s.productOrder)
	tx.s.productOrder = append(tx.s.productOrder, product.ID)
	tx.push(func() {
		delete(tx.s.products, product.ID)
		delete(tx.s.productByName, key)
		tx.s.productOrder = tx.s.productOrder[:n]
	})
	return nil
}

func (tx *memTx) UpdateProductStock(_ context.Context, productID string, stock int) error {
	p, ok := tx.s.products[productID]
	if !ok || p.TenantID != tx.tenantID {
		return store.ErrNotFound
	}
	prev := p
	p.CurrentStock = stock
	p.UpdatedAt = time.Now().UTC()
	tx.s.products[productID] = p
	tx.push(func() { tx.s.products[productID] = prev })
	return nil
}

func (tx *memTx) UpdateProductCatalog(_ context.Context, productID string, unitPrice decimal.Decimal, sku string) error {
	p, ok := tx.s.products[productID]
	if !ok || p.TenantID != tx.tenantID {
		return store.ErrNotFound
	}
	if sku != "" && sku != p.SKU {
		for id, other := range tx.s.products {
			if id != productID && other.TenantID == tx.tenantID && other.SKU == sku {
				return store.ErrConflict
			}
		}
	}
	prev := p
	if unitPrice.IsPositive() {
		p.UnitPrice = unitPrice.Round(2)
	}
	if sku != "" {
		p.SKU = sku
	}
	p.UpdatedAt = time.Now().UTC()
	tx.s.products[productID] = p
	tx.push(func() { tx.s.products[productID] = prev })
	return nil
}

func (tx *memTx) FindCustomerByName(_ context.Context, name string) (*domain.Customer, error) {
	id, ok := tx.s.customerByName[nameKey(tx.tenantID, name)]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := tx.s.customers[id]
	return &c, nil
}

func (tx *memTx) GetCustomer(_ context.Context, customerID string) (*domain.Customer, error) {
	c, ok := tx.s.customers[customerID]
	if !ok || c.TenantID != tx.tenantID {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (tx *memTx) InsertCustomer(_ context.Context, customer domain.Customer) error {
	key := nameKey(tx.tenantID, customer.Name)
	if _, exists := tx.s.customerByName[key]; exists {
		return store.ErrConflict
	}
	customer.TenantID = tx.tenantID
	now := time.Now().UTC()
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = now
	}
	customer.UpdatedAt = now
	if customer.TotalPurchases.IsZero() {
		customer.TotalPurchases = decimal.Zero
	}

	tx.s.customers[customer.ID] = customer
	tx.s.customerByName[key] = customer.ID
	n := len(tx.s.customerOrder)
	tx.s.customerOrder = append(tx.s.customerOrder, customer.ID)
	tx.push(func() {
		delete(tx.s.customers, customer.ID)
		delete(tx.s.customerByName, key)
		tx.s.customerOrder = tx.s.customerOrder[:n]
	})
	return nil
}

func (tx *memTx) AddCustomerPurchase(_ context.Context, customerID string, amount decimal.Decimal, date time.Time) error {
	c, ok := tx.s.customers[customerID]
	if !ok || c.TenantID != tx.tenantID {
		return store.ErrNotFound
	}
	prev := c
	c.TotalPurchases = c.TotalPurchases.Add(amount)
	day := dateOnly(date)
	if c.LastPurchase == nil || day.After(*c.LastPurchase) {
		c.LastPurchase = &day
	}
	c.UpdatedAt = time.Now().UTC()
	tx.s.customers[customerID] = c
	tx.push(func() { tx.s.customers[customerID] = prev })
	return nil
}

func (tx *memTx) SetCustomerAggregates(_ context.Context, customerID string, total decimal.Decimal, lastPurchase *time.Time) error {
	c, ok := tx.s.customers[customerID]
	if !ok || c.TenantID != tx.tenantID {
		return store.ErrNotFound
	}
	prev := c
	c.TotalPurchases = total
	if lastPurchase != nil {
		day := dateOnly(*lastPurchase)
		c.LastPurchase = &day
	} else {
		c.LastPurchase = nil
	}
	c.UpdatedAt = time.Now().UTC()
	tx.s.customers[customerID] = c
	tx.push(func() { tx.s.customers[customerID] = prev })
	return nil
}

func (tx *memTx) ListCustomers(_ context.Context) ([]domain.Customer, error) {
	return tx.s.listCustomersLocked(tx.tenantID), nil
}

func (tx *memTx) CustomerPurchaseStats(_ context.Context) (map[string]domain.PurchaseStats, error) {
	stats := make(map[string]domain.PurchaseStats)
	for _, txn := range tx.s.transactions {
		if txn.TenantID != tx.tenantID || txn.CustomerID == "" {
			continue
		}
		st, ok := stats[txn.CustomerID]
		if !ok {
			st = domain.PurchaseStats{CustomerID: txn.CustomerID, TotalSpent: decimal.Zero}
		}
		st.PurchaseCount++
		st.TotalSpent = st.TotalSpent.Add(txn.Amount)
		if st.LastPurchase == nil || txn.Date.After(*st.LastPurchase) {
			day := txn.Date
			st.LastPurchase = &day
		}
		stats[txn.CustomerID] = st
	}
	return stats, nil
}

func (tx *memTx) FingerprintExists(_ context.Context, fingerprint string) (bool, error) {
	_, exists := tx.s.fingerprints[nameKey(tx.tenantID, fingerprint)]
	return exists, nil
}

func (tx *memTx) InsertTransaction(_ context.Context, txn domain.Transaction) error {
	key := nameKey(tx.tenantID, txn.Fingerprint)
	if _, exists := tx.s.fingerprints[key]; exists {
		return store.ErrDuplicate
	}
	if txn.ID == "" {
		txn.ID = uuid.NewString()
	}
	txn.TenantID = tx.tenantID
	txn.Date = dateOnly(txn.Date)
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now().UTC()
	}

	tx.s.fingerprints[key] = txn.ID
	n := len(tx.s.transactions)
	tx.s.transactions = append(tx.s.transactions, txn)
	tx.push(func() {
		delete(tx.s.fingerprints, key)
		tx.s.transactions = tx.s.transactions[:n]
	})
	return nil
}

func (tx *memTx) InsertMovement(_ context.Context, movement domain.StockMovement) (domain.StockMovement, error) {
	if movement.ID == "" {
		movement.ID = uuid.NewString()
	}
	movement.TenantID = tx.tenantID
	if movement.CreatedAt.IsZero() {
		movement.CreatedAt = time.Now().UTC()
	}
	prevSeq := tx.s.movementSeq
	tx.s.movementSeq++
	movement.Sequence = tx.s.movementSeq

	n := len(tx.s.movements)
	tx.s.movements = append(tx.s.movements, movement)
	tx.push(func() {
		tx.s.movements = tx.s.movements[:n]
		tx.s.movementSeq = prevSeq
	})
	return movement, nil
}

func (tx *memTx) UpsertAlert(_ context.Context, alert domain.StockAlert) error {
	key := alertKey(tx.tenantID, alert.ProductID, alert.AlertType)
	now := time.Now().UTC()

	if id, ok := tx.s.alertKey[key]; ok {
		prev := tx.s.alerts[id]
		next := prev
		next.Threshold = alert.Threshold
		next.CurrentStock = alert.CurrentStock
		next.Acknowledged = false
		next.AcknowledgedAt = nil
		next.AcknowledgedBy = ""
		next.UpdatedAt = now
		tx.s.alerts[id] = next
		tx.push(func() { tx.s.alerts[id] = prev })
		return nil
	}

	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	alert.TenantID = tx.tenantID
	alert.Acknowledged = false
	alert.AcknowledgedAt = nil
	alert.AcknowledgedBy = ""
	alert.CreatedAt = now
	alert.UpdatedAt = now
	tx.s.alerts[alert.ID] = alert
	tx.s.alertKey[key] = alert.ID
	tx.push(func() {
		delete(tx.s.alerts, alert.ID)
		delete(tx.s.alertKey, key)
	})
	return nil
}

func (tx *memTx) AcknowledgeProductAlerts(_ context.Context, productID string, alertTypes []string, stock int, actor string, at time.Time) error {
	for _, alertType := range alertTypes {
		id, ok := tx.s.alertKey[alertKey(tx.tenantID, productID, alertType)]
		if !ok {
			continue
		}
		prev := tx.s.alerts[id]
		next := prev
		next.CurrentStock = stock
		if !next.Acknowledged {
			ackAt := at
			next.Acknowledged = true
			next.AcknowledgedAt = &ackAt
			next.AcknowledgedBy = actor
		}
		next.UpdatedAt = at
		tx.s.alerts[id] = next
		tx.push(func() { tx.s.alerts[id] = prev })
	}
	return nil
}

func (tx *memTx) UpsertChurnScore(_ context.Context, score domain.CustomerChurnScore) error {
	score.TenantID = tx.tenantID
	if score.UpdatedAt.IsZero() {
		score.UpdatedAt = time.Now().UTC()
	}
	prev, existed := tx.s.churn[score.CustomerID]
	tx.s.churn[score.CustomerID] = score
	tx.push(func() {
		if existed {
			tx.s.churn[score.CustomerID] = prev
		} else {
			delete(tx.s.churn, score.CustomerID)
		}
	})
	return nil
}
