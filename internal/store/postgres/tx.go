package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"retailpulse/backend/internal/domain"
	"retailpulse/backend/internal/store"
)

type pgTx struct {
	tx       *sql.Tx
	tenantID string
}

func (t *pgTx) FindProductByName(ctx context.Context, name string) (*domain.Product, error) {
	return scanProduct(t.tx.QueryRowContext(ctx, `
		SELECT `+productColumns+` FROM products WHERE tenant_id = $1 AND name = $2
	`, t.tenantID, name))
}

func (t *pgTx) GetProductForUpdate(ctx context.Context, productID string) (*domain.Product, error) {
	return scanProduct(t.tx.QueryRowContext(ctx, `
		SELECT `+productColumns+` FROM products WHERE tenant_id = $1 AND id = $2 FOR UPDATE
	`, t.tenantID, productID))
}

// InsertProduct uses ON CONFLICT DO NOTHING so a lost race leaves the
// transaction usable for the caller's re-read.
func (t *pgTx) InsertProduct(ctx context.Context, product domain.Product) error {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO products (id, tenant_id, name, sku, current_stock, unit_price, reorder_point, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,now(),now())
		ON CONFLICT DO NOTHING
	`, product.ID, t.tenantID, product.Name, product.SKU, product.CurrentStock, product.UnitPrice.Round(2), product.ReorderPoint)
	if err != nil {
		return err
	}
	return conflictIfNone(res, store.ErrConflict)
}

func (t *pgTx) UpdateProductStock(ctx context.Context, productID string, stock int) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE products SET current_stock = $3, updated_at = now() WHERE tenant_id = $1 AND id = $2
	`, t.tenantID, productID, stock)
	if err != nil {
		return err
	}
	return conflictIfNone(res, store.ErrNotFound)
}

func (t *pgTx) UpdateProductCatalog(ctx context.Context, productID string, unitPrice decimal.Decimal, sku string) error {
	if sku != "" {
		var taken bool
		err := t.tx.QueryRowContext(ctx, `
			SELECT EXISTS (SELECT 1 FROM products WHERE tenant_id = $1 AND sku = $2 AND id <> $3)
		`, t.tenantID, sku, productID).Scan(&taken)
		if err != nil {
			return err
		}
		if taken {
			return store.ErrConflict
		}
	}
	var price any
	if unitPrice.IsPositive() {
		price = unitPrice.Round(2)
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE products
		SET unit_price = COALESCE($3, unit_price), sku = COALESCE($4, sku), updated_at = now()
		WHERE tenant_id = $1 AND id = $2
	`, t.tenantID, productID, price, nullIfEmpty(sku))
	if err != nil {
		return err
	}
	return conflictIfNone(res, store.ErrNotFound)
}

func (t *pgTx) FindCustomerByName(ctx context.Context, name string) (*domain.Customer, error) {
	return scanCustomer(t.tx.QueryRowContext(ctx, `
		SELECT `+customerColumns+` FROM customers WHERE tenant_id = $1 AND name = $2
	`, t.tenantID, name))
}

func (t *pgTx) GetCustomer(ctx context.Context, customerID string) (*domain.Customer, error) {
	return scanCustomer(t.tx.QueryRowContext(ctx, `
		SELECT `+customerColumns+` FROM customers WHERE tenant_id = $1 AND id = $2
	`, t.tenantID, customerID))
}

func (t *pgTx) InsertCustomer(ctx context.Context, customer domain.Customer) error {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO customers (id, tenant_id, name, phone, email, total_purchases, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,0,now(),now())
		ON CONFLICT (tenant_id, name) DO NOTHING
	`, customer.ID, t.tenantID, customer.Name, nullIfEmpty(customer.Phone), nullIfEmpty(customer.Email))
	if err != nil {
		return err
	}
	return conflictIfNone(res, store.ErrConflict)
}

func (t *pgTx) AddCustomerPurchase(ctx context.Context, customerID string, amount decimal.Decimal, date time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE customers
		SET total_purchases = total_purchases + $3,
			last_purchase = GREATEST(COALESCE(last_purchase, $4), $4),
			updated_at = now()
		WHERE tenant_id = $1 AND id = $2
	`, t.tenantID, customerID, amount, nowDateUTC(date))
	if err != nil {
		return err
	}
	return conflictIfNone(res, store.ErrNotFound)
}

func (t *pgTx) SetCustomerAggregates(ctx context.Context, customerID string, total decimal.Decimal, lastPurchase *time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE customers SET total_purchases = $3, last_purchase = $4, updated_at = now()
		WHERE tenant_id = $1 AND id = $2
	`, t.tenantID, customerID, total, nullDate(lastPurchase))
	if err != nil {
		return err
	}
	return conflictIfNone(res, store.ErrNotFound)
}

func (t *pgTx) ListCustomers(ctx context.Context) ([]domain.Customer, error) {
	return listCustomers(ctx, t.tx, t.tenantID)
}

func (t *pgTx) CustomerPurchaseStats(ctx context.Context) (map[string]domain.PurchaseStats, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT customer_id, count(*), COALESCE(sum(amount), 0), max(txn_date)
		FROM transactions
		WHERE tenant_id = $1 AND customer_id IS NOT NULL
		GROUP BY customer_id
	`, t.tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := make(map[string]domain.PurchaseStats)
	for rows.Next() {
		var st domain.PurchaseStats
		var last sql.NullTime
		if err := rows.Scan(&st.CustomerID, &st.PurchaseCount, &st.TotalSpent, &last); err != nil {
			return nil, err
		}
		if last.Valid {
			d := nowDateUTC(last.Time)
			st.LastPurchase = &d
		}
		stats[st.CustomerID] = st
	}
	return stats, rows.Err()
}

func (t *pgTx) FingerprintExists(ctx context.Context, fingerprint string) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM transactions WHERE tenant_id = $1 AND fingerprint = $2)
	`, t.tenantID, fingerprint).Scan(&exists)
	return exists, err
}

// InsertTransaction relies on the (tenant_id, fingerprint) unique key; a
// skipped insert is reported as ErrDuplicate without aborting the tx.
func (t *pgTx) InsertTransaction(ctx context.Context, txn domain.Transaction) error {
	if txn.ID == "" {
		txn.ID = uuid.NewString()
	}
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO transactions (
			id, tenant_id, product_id, customer_id, txn_date, txn_time, quantity, unit_price, amount,
			payment_method, notes, fingerprint, batch_id, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,now())
		ON CONFLICT (tenant_id, fingerprint) DO NOTHING
	`, txn.ID, t.tenantID, txn.ProductID, nullIfEmpty(txn.CustomerID), nowDateUTC(txn.Date), nullIfEmpty(txn.Time),
		txn.Quantity, txn.UnitPrice, txn.Amount, txn.PaymentMethod, nullIfEmpty(txn.Notes), txn.Fingerprint, nullIfEmpty(txn.BatchID))
	if err != nil {
		return err
	}
	return conflictIfNone(res, store.ErrDuplicate)
}

func (t *pgTx) InsertMovement(ctx context.Context, m domain.StockMovement) (domain.StockMovement, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.TenantID = t.tenantID
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO stock_movements (
			id, tenant_id, product_id, movement_type, quantity_changed, stock_before, stock_after,
			reference_type, reference_id, notes, actor, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,now())
		RETURNING seq, created_at
	`, m.ID, t.tenantID, m.ProductID, m.MovementType, m.QuantityChanged, m.StockBefore, m.StockAfter,
		nullIfEmpty(m.ReferenceType), nullIfEmpty(m.ReferenceID), nullIfEmpty(m.Notes), nullIfEmpty(m.Actor)).Scan(&m.Sequence, &m.CreatedAt)
	if err != nil {
		return domain.StockMovement{}, err
	}
	return m, nil
}

func (t *pgTx) UpsertAlert(ctx context.Context, alert domain.StockAlert) error {
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO stock_alerts (id, tenant_id, product_id, alert_type, threshold, current_stock, is_acknowledged, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,false,now(),now())
		ON CONFLICT (tenant_id, product_id, alert_type)
		DO UPDATE SET threshold = EXCLUDED.threshold,
			current_stock = EXCLUDED.current_stock,
			is_acknowledged = false,
			acknowledged_at = NULL,
			acknowledged_by = NULL,
			updated_at = now()
	`, alert.ID, t.tenantID, alert.ProductID, alert.AlertType, alert.Threshold, alert.CurrentStock)
	return err
}

func (t *pgTx) AcknowledgeProductAlerts(ctx context.Context, productID string, alertTypes []string, stock int, actor string, at time.Time) error {
	if len(alertTypes) == 0 {
		return nil
	}
	_, err := t.tx.ExecContext(ctx, `
		UPDATE stock_alerts
		SET current_stock = $4,
			acknowledged_at = CASE WHEN is_acknowledged THEN acknowledged_at ELSE $5 END,
			acknowledged_by = CASE WHEN is_acknowledged THEN acknowledged_by ELSE $6 END,
			is_acknowledged = true,
			updated_at = $5
		WHERE tenant_id = $1 AND product_id = $2 AND alert_type = ANY($3)
	`, t.tenantID, productID, alertTypes, stock, at, nullIfEmpty(actor))
	return err
}

func (t *pgTx) UpsertChurnScore(ctx context.Context, sc domain.CustomerChurnScore) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO customer_churn_scores (
			customer_id, tenant_id, recency_score, frequency_score, monetary_score, rfm_score, rfm_segment,
			churn_risk_score, churn_risk_level, risk_reason, purchase_count, total_spent, avg_purchase_value,
			days_since_purchase, last_purchase, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,now())
		ON CONFLICT (customer_id) DO UPDATE SET
			recency_score = EXCLUDED.recency_score,
			frequency_score = EXCLUDED.frequency_score,
			monetary_score = EXCLUDED.monetary_score,
			rfm_score = EXCLUDED.rfm_score,
			rfm_segment = EXCLUDED.rfm_segment,
			churn_risk_score = EXCLUDED.churn_risk_score,
			churn_risk_level = EXCLUDED.churn_risk_level,
			risk_reason = EXCLUDED.risk_reason,
			purchase_count = EXCLUDED.purchase_count,
			total_spent = EXCLUDED.total_spent,
			avg_purchase_value = EXCLUDED.avg_purchase_value,
			days_since_purchase = EXCLUDED.days_since_purchase,
			last_purchase = EXCLUDED.last_purchase,
			updated_at = now()
	`, sc.CustomerID, t.tenantID, sc.RecencyScore, sc.FrequencyScore, sc.MonetaryScore, sc.RFMScore, sc.Segment,
		sc.RiskScore, sc.RiskLevel, sc.RiskReason, sc.PurchaseCount, sc.TotalSpent, sc.AvgPurchaseValue,
		sc.DaysSincePurchase, nullDate(sc.LastPurchase))
	return err
}

func conflictIfNone(res sql.Result, sentinel error) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sentinel
	}
	return nil
}

var _ store.Tx = (*pgTx)(nil)
var _ store.Repository = (*Store)(nil)
