package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"retailpulse/backend/internal/domain"
	"retailpulse/backend/internal/store"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// InTx runs fn inside one read-committed transaction. Product rows are
// locked with FOR UPDATE by the tx methods that mutate stock.
func (s *Store) InTx(ctx context.Context, tenantID string, fn store.TxFunc) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(ctx, &pgTx{tx: sqlTx, tenantID: tenantID}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

func (s *Store) ListTenants(ctx context.Context) ([]domain.Tenant, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, created_at FROM tenants ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tenants := make([]domain.Tenant, 0, 8)
	for rows.Next() {
		var t domain.Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.CreatedAt); err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

func (s *Store) CreateTenant(ctx context.Context, tenant domain.Tenant) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenants (id, name, created_at) VALUES ($1, $2, now())
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name
	`, tenant.ID, tenant.Name)
	return err
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO operators (username, tenant_id, password, role, active, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
	`, strings.ToLower(user.Username), user.TenantID, user.Password, user.Role, user.Active)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return err
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, username string) (*domain.UserAccount, error) {
	var user domain.UserAccount
	err := s.db.QueryRowContext(ctx, `
		SELECT username, tenant_id, password, role, active, created_at
		FROM operators
		WHERE username = $1
	`, strings.ToLower(strings.TrimSpace(username))).Scan(&user.Username, &user.TenantID, &user.Password, &user.Role, &user.Active, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

const productColumns = `id, tenant_id, name, sku, current_stock, unit_price, reorder_point, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (*domain.Product, error) {
	var p domain.Product
	if err := row.Scan(&p.ID, &p.TenantID, &p.Name, &p.SKU, &p.CurrentStock, &p.UnitPrice, &p.ReorderPoint, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) GetProduct(ctx context.Context, tenantID string, productID string) (*domain.Product, error) {
	return scanProduct(s.db.QueryRowContext(ctx, `
		SELECT `+productColumns+` FROM products WHERE tenant_id = $1 AND id = $2
	`, tenantID, productID))
}

func (s *Store) ListProducts(ctx context.Context, tenantID string) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+productColumns+` FROM products WHERE tenant_id = $1 ORDER BY created_at, name
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, *p)
	}
	return products, rows.Err()
}

const customerColumns = `id, tenant_id, name, phone, email, total_purchases, last_purchase, created_at, updated_at`

func scanCustomer(row rowScanner) (*domain.Customer, error) {
	var c domain.Customer
	var phone, email sql.NullString
	var last sql.NullTime
	if err := row.Scan(&c.ID, &c.TenantID, &c.Name, &phone, &email, &c.TotalPurchases, &last, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	c.Phone = phone.String
	c.Email = email.String
	if last.Valid {
		day := nowDateUTC(last.Time)
		c.LastPurchase = &day
	}
	return &c, nil
}

func (s *Store) GetCustomer(ctx context.Context, tenantID string, customerID string) (*domain.Customer, error) {
	return scanCustomer(s.db.QueryRowContext(ctx, `
		SELECT `+customerColumns+` FROM customers WHERE tenant_id = $1 AND id = $2
	`, tenantID, customerID))
}

func (s *Store) ListCustomers(ctx context.Context, tenantID string) ([]domain.Customer, error) {
	return listCustomers(ctx, s.db, tenantID)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func listCustomers(ctx context.Context, q queryer, tenantID string) ([]domain.Customer, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+customerColumns+` FROM customers WHERE tenant_id = $1 ORDER BY created_at, id
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	customers := make([]domain.Customer, 0, 64)
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, err
		}
		customers = append(customers, *c)
	}
	return customers, rows.Err()
}

// transactionWhere renders the filter as a WHERE clause starting at $1 for
// the tenant.
func transactionWhere(tenantID string, filter domain.TransactionFilter) (string, []any) {
	clauses := []string{"t.tenant_id = $1"}
	args := []any{tenantID}
	add := func(clause string, val any) {
		args = append(args, val)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if filter.ProductID != "" {
		add("t.product_id = $%d", filter.ProductID)
	}
	if filter.CustomerID != "" {
		add("t.customer_id = $%d", filter.CustomerID)
	}
	if filter.PaymentMethod != "" {
		add("t.payment_method = $%d", filter.PaymentMethod)
	}
	if filter.From != nil {
		add("t.txn_date >= $%d", nowDateUTC(*filter.From))
	}
	if filter.To != nil {
		add("t.txn_date <= $%d", nowDateUTC(*filter.To))
	}
	return strings.Join(clauses, " AND "), args
}

func (s *Store) ListTransactions(ctx context.Context, tenantID string, filter domain.TransactionFilter) ([]domain.Transaction, int, error) {
	where, args := transactionWhere(tenantID, filter)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM transactions t WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	order := "t.txn_date, t.created_at"
	switch filter.SortBy {
	case "amount":
		order = "t.amount"
	case "created_at":
		order = "t.created_at"
	}
	if filter.SortDesc {
		order = strings.ReplaceAll(order, ",", " DESC,") + " DESC"
	}

	query := `
		SELECT t.id, t.tenant_id, t.product_id, p.name, t.customer_id, t.txn_date, t.txn_time,
			t.quantity, t.unit_price, t.amount, t.payment_method, t.notes, t.fingerprint, t.batch_id, t.created_at
		FROM transactions t
		JOIN products p ON p.id = t.product_id
		WHERE ` + where + ` ORDER BY ` + order
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	items := make([]domain.Transaction, 0, 64)
	for rows.Next() {
		var txn domain.Transaction
		var customerID, txnTime, notes, batchID sql.NullString
		if err := rows.Scan(&txn.ID, &txn.TenantID, &txn.ProductID, &txn.ProductName, &customerID, &txn.Date, &txnTime,
			&txn.Quantity, &txn.UnitPrice, &txn.Amount, &txn.PaymentMethod, &notes, &txn.Fingerprint, &batchID, &txn.CreatedAt); err != nil {
			return nil, 0, err
		}
		txn.CustomerID = customerID.String
		txn.Time = txnTime.String
		txn.Notes = notes.String
		txn.BatchID = batchID.String
		txn.Date = nowDateUTC(txn.Date)
		items = append(items, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (s *Store) SummarizeTransactions(ctx context.Context, tenantID string, filter domain.TransactionFilter) (domain.TransactionSummary, error) {
	where, args := transactionWhere(tenantID, filter)
	summary := domain.TransactionSummary{
		TenantID:         tenantID,
		TotalRevenue:     decimal.Zero,
		AverageValue:     decimal.Zero,
		RevenueByProduct: []domain.RevenueBucket{},
		RevenueByPayment: []domain.RevenueBucket{},
	}

	var first, last sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*), COALESCE(sum(t.amount), 0), min(t.txn_date), max(t.txn_date)
		FROM transactions t WHERE `+where, args...).Scan(&summary.TotalTransactions, &summary.TotalRevenue, &first, &last)
	if err != nil {
		return summary, err
	}
	if summary.TotalTransactions == 0 {
		return summary, nil
	}
	summary.AverageValue = summary.TotalRevenue.Div(decimal.NewFromInt(int64(summary.TotalTransactions))).Round(2)
	if first.Valid {
		d := nowDateUTC(first.Time)
		summary.FirstTransactionDate = &d
	}
	if last.Valid {
		d := nowDateUTC(last.Time)
		summary.LastTransactionDate = &d
	}

	byProduct, err := s.revenueBuckets(ctx, `
		SELECT p.name, count(*), sum(t.amount)
		FROM transactions t JOIN products p ON p.id = t.product_id
		WHERE `+where+` GROUP BY p.name ORDER BY sum(t.amount) DESC, p.name`, args)
	if err != nil {
		return summary, err
	}
	byPayment, err := s.revenueBuckets(ctx, `
		SELECT t.payment_method, count(*), sum(t.amount)
		FROM transactions t
		WHERE `+where+` GROUP BY t.payment_method ORDER BY sum(t.amount) DESC, t.payment_method`, args)
	if err != nil {
		return summary, err
	}
	summary.RevenueByProduct = byProduct
	summary.RevenueByPayment = byPayment
	return summary, nil
}

func (s *Store) revenueBuckets(ctx context.Context, query string, args []any) ([]domain.RevenueBucket, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	buckets := make([]domain.RevenueBucket, 0, 16)
	for rows.Next() {
		var b domain.RevenueBucket
		if err := rows.Scan(&b.Key, &b.Count, &b.Total); err != nil {
			return nil, err
		}
		buckets = append(buckets, b)
	}
	return buckets, rows.Err()
}

const movementColumns = `seq, id, tenant_id, product_id, movement_type, quantity_changed, stock_before, stock_after,
	reference_type, reference_id, notes, actor, created_at`

func scanMovements(rows *sql.Rows) ([]domain.StockMovement, error) {
	movements := make([]domain.StockMovement, 0, 64)
	for rows.Next() {
		var m domain.StockMovement
		var refType, refID, notes, actor sql.NullString
		if err := rows.Scan(&m.Sequence, &m.ID, &m.TenantID, &m.ProductID, &m.MovementType, &m.QuantityChanged,
			&m.StockBefore, &m.StockAfter, &refType, &refID, &notes, &actor, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.ReferenceType = refType.String
		m.ReferenceID = refID.String
		m.Notes = notes.String
		m.Actor = actor.String
		movements = append(movements, m)
	}
	return movements, rows.Err()
}

func (s *Store) ListMovements(ctx context.Context, tenantID string, filter domain.MovementFilter) ([]domain.StockMovement, int, error) {
	clauses := []string{"tenant_id = $1"}
	args := []any{tenantID}
	add := func(clause string, val any) {
		args = append(args, val)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if filter.ProductID != "" {
		add("product_id = $%d", filter.ProductID)
	}
	if filter.MovementType != "" {
		add("movement_type = $%d", filter.MovementType)
	}
	if filter.From != nil {
		add("created_at >= $%d", nowDateUTC(*filter.From))
	}
	if filter.To != nil {
		add("created_at < $%d", nowDateUTC(*filter.To).AddDate(0, 0, 1))
	}
	where := strings.Join(clauses, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM stock_movements WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + movementColumns + ` FROM stock_movements WHERE ` + where + ` ORDER BY seq DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	movements, err := scanMovements(rows)
	if err != nil {
		return nil, 0, err
	}
	return movements, total, nil
}

func (s *Store) ListProductMovements(ctx context.Context, tenantID string, productID string) ([]domain.StockMovement, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+movementColumns+`
		FROM stock_movements
		WHERE tenant_id = $1 AND product_id = $2
		ORDER BY seq
	`, tenantID, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMovements(rows)
}

const alertColumns = `id, tenant_id, product_id, alert_type, threshold, current_stock, is_acknowledged,
	acknowledged_at, acknowledged_by, created_at, updated_at`

func scanAlert(row rowScanner) (*domain.StockAlert, error) {
	var a domain.StockAlert
	var ackAt sql.NullTime
	var ackBy sql.NullString
	if err := row.Scan(&a.ID, &a.TenantID, &a.ProductID, &a.AlertType, &a.Threshold, &a.CurrentStock, &a.Acknowledged,
		&ackAt, &ackBy, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if ackAt.Valid {
		at := ackAt.Time
		a.AcknowledgedAt = &at
	}
	a.AcknowledgedBy = ackBy.String
	return &a, nil
}

func (s *Store) ListAlerts(ctx context.Context, tenantID string, acknowledged *bool) ([]domain.StockAlert, error) {
	query := `SELECT ` + alertColumns + ` FROM stock_alerts WHERE tenant_id = $1`
	args := []any{tenantID}
	if acknowledged != nil {
		query += ` AND is_acknowledged = $2`
		args = append(args, *acknowledged)
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	alerts := make([]domain.StockAlert, 0, 32)
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, *a)
	}
	return alerts, rows.Err()
}

func (s *Store) AcknowledgeAlert(ctx context.Context, tenantID string, alertID string, actor string, at time.Time) (*domain.StockAlert, error) {
	return scanAlert(s.db.QueryRowContext(ctx, `
		UPDATE stock_alerts
		SET is_acknowledged = true, acknowledged_at = $3, acknowledged_by = $4, updated_at = $3
		WHERE tenant_id = $1 AND id = $2
		RETURNING `+alertColumns, tenantID, alertID, at, nullIfEmpty(actor)))
}

const batchColumns = `id, tenant_id, kind, file_name, status, row_count, rows_processed, rows_failed,
	created_transactions, skipped_duplicates, products_updated, processing_errors, error_message,
	extracted_data, uploaded_by, created_at, started_at, completed_at`

func scanBatch(row rowScanner) (*domain.IngestionBatch, error) {
	var b domain.IngestionBatch
	var errorsJSON, receiptJSON []byte
	var errMsg, uploadedBy sql.NullString
	var startedAt, completedAt sql.NullTime
	if err := row.Scan(&b.ID, &b.TenantID, &b.Kind, &b.FileName, &b.Status, &b.RowCount, &b.RowsProcessed, &b.RowsFailed,
		&b.CreatedTransactions, &b.SkippedDuplicates, &b.ProductsUpdated, &errorsJSON, &errMsg,
		&receiptJSON, &uploadedBy, &b.CreatedAt, &startedAt, &completedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	b.Errors = []domain.RowError{}
	if len(errorsJSON) > 0 {
		if err := json.Unmarshal(errorsJSON, &b.Errors); err != nil {
			return nil, err
		}
	}
	if len(receiptJSON) > 0 {
		var receipt domain.ReceiptPayload
		if err := json.Unmarshal(receiptJSON, &receipt); err != nil {
			return nil, err
		}
		b.Receipt = &receipt
	}
	b.ErrorMessage = errMsg.String
	b.UploadedBy = uploadedBy.String
	if startedAt.Valid {
		t := startedAt.Time
		b.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		b.CompletedAt = &t
	}
	return &b, nil
}

func batchJSON(b domain.IngestionBatch) ([]byte, any, error) {
	errs := b.Errors
	if errs == nil {
		errs = []domain.RowError{}
	}
	errorsJSON, err := json.Marshal(errs)
	if err != nil {
		return nil, nil, err
	}
	var receipt any
	if b.Receipt != nil {
		raw, err := json.Marshal(b.Receipt)
		if err != nil {
			return nil, nil, err
		}
		receipt = raw
	}
	return errorsJSON, receipt, nil
}

func (s *Store) CreateBatch(ctx context.Context, batch domain.IngestionBatch) error {
	if batch.ID == "" || batch.TenantID == "" {
		return store.ErrInvalidInput
	}
	errorsJSON, receipt, err := batchJSON(batch)
	if err != nil {
		return err
	}
	createdAt := batch.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO ingestion_batches (
			id, tenant_id, kind, file_name, status, row_count, rows_processed, rows_failed,
			created_transactions, skipped_duplicates, products_updated, processing_errors, error_message,
			extracted_data, uploaded_by, created_at, started_at, completed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
	`, batch.ID, batch.TenantID, batch.Kind, batch.FileName, batch.Status, batch.RowCount, batch.RowsProcessed, batch.RowsFailed,
		batch.CreatedTransactions, batch.SkippedDuplicates, batch.ProductsUpdated, errorsJSON, nullIfEmpty(batch.ErrorMessage),
		receipt, nullIfEmpty(batch.UploadedBy), createdAt, nullTime(batch.StartedAt), nullTime(batch.CompletedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return err
	}
	return nil
}

func (s *Store) UpdateBatch(ctx context.Context, batch domain.IngestionBatch) error {
	errorsJSON, receipt, err := batchJSON(batch)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE ingestion_batches
		SET status = $3, row_count = $4, rows_processed = $5, rows_failed = $6,
			created_transactions = $7, skipped_duplicates = $8, products_updated = $9,
			processing_errors = $10, error_message = $11, extracted_data = $12,
			started_at = $13, completed_at = $14
		WHERE tenant_id = $1 AND id = $2
	`, batch.TenantID, batch.ID, batch.Status, batch.RowCount, batch.RowsProcessed, batch.RowsFailed,
		batch.CreatedTransactions, batch.SkippedDuplicates, batch.ProductsUpdated,
		errorsJSON, nullIfEmpty(batch.ErrorMessage), receipt, nullTime(batch.StartedAt), nullTime(batch.CompletedAt))
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) GetBatch(ctx context.Context, tenantID string, batchID string) (*domain.IngestionBatch, error) {
	return scanBatch(s.db.QueryRowContext(ctx, `
		SELECT `+batchColumns+` FROM ingestion_batches WHERE tenant_id = $1 AND id = $2
	`, tenantID, batchID))
}

func (s *Store) ListBatches(ctx context.Context, tenantID string, statuses []string, completedSince *time.Time, limit int) ([]domain.IngestionBatch, error) {
	query := `SELECT ` + batchColumns + ` FROM ingestion_batches WHERE tenant_id = $1`
	args := []any{tenantID}
	if len(statuses) > 0 {
		args = append(args, statuses)
		query += fmt.Sprintf(" AND status = ANY($%d)", len(args))
	}
	if completedSince != nil {
		args = append(args, *completedSince)
		query += fmt.Sprintf(" AND completed_at >= $%d", len(args))
	}
	query += ` ORDER BY COALESCE(completed_at, created_at) DESC`
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	batches := make([]domain.IngestionBatch, 0, 16)
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, *b)
	}
	return batches, rows.Err()
}

const failedRowColumns = `id, tenant_id, batch_id, batch_kind, row_number, row_data, error_message, retry_count, created_at, updated_at`

func scanFailedRow(row rowScanner) (*domain.FailedRow, error) {
	var r domain.FailedRow
	var data []byte
	if err := row.Scan(&r.ID, &r.TenantID, &r.BatchID, &r.BatchKind, &r.RowNumber, &data, &r.ErrorMessage,
		&r.RetryCount, &r.CreatedAt, &r.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	r.RowData = map[string]string{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &r.RowData); err != nil {
			return nil, err
		}
	}
	return &r, nil
}

func (s *Store) CreateFailedRow(ctx context.Context, row domain.FailedRow) error {
	data, err := json.Marshal(row.RowData)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO failed_rows (id, tenant_id, batch_id, batch_kind, row_number, row_data, error_message, retry_count, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,now(),now())
	`, row.ID, row.TenantID, row.BatchID, row.BatchKind, row.RowNumber, data, row.ErrorMessage, row.RetryCount)
	return err
}

func (s *Store) GetFailedRow(ctx context.Context, tenantID string, id string) (*domain.FailedRow, error) {
	return scanFailedRow(s.db.QueryRowContext(ctx, `
		SELECT `+failedRowColumns+` FROM failed_rows WHERE tenant_id = $1 AND id = $2
	`, tenantID, id))
}

func (s *Store) ListFailedRows(ctx context.Context, tenantID string, filter domain.FailedRowFilter) ([]domain.FailedRow, int, error) {
	clauses := []string{"tenant_id = $1"}
	args := []any{tenantID}
	add := func(clause string, val any) {
		args = append(args, val)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if filter.BatchID != "" {
		add("batch_id = $%d", filter.BatchID)
	}
	if filter.From != nil {
		add("created_at >= $%d", nowDateUTC(*filter.From))
	}
	if filter.To != nil {
		add("created_at < $%d", nowDateUTC(*filter.To).AddDate(0, 0, 1))
	}
	where := strings.Join(clauses, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM failed_rows WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	query := `SELECT ` + failedRowColumns + ` FROM failed_rows WHERE ` + where + ` ORDER BY created_at DESC, row_number DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	items := make([]domain.FailedRow, 0, 32)
	for rows.Next() {
		r, err := scanFailedRow(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (s *Store) UpdateFailedRow(ctx context.Context, row domain.FailedRow) error {
	data, err := json.Marshal(row.RowData)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE failed_rows
		SET row_data = $3, error_message = $4, retry_count = $5, updated_at = now()
		WHERE tenant_id = $1 AND id = $2
	`, row.TenantID, row.ID, data, row.ErrorMessage, row.RetryCount)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteFailedRow(ctx context.Context, tenantID string, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM failed_rows WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListChurnScores(ctx context.Context, tenantID string, level string, segment string) ([]domain.CustomerChurnScore, error) {
	query := `
		SELECT s.customer_id, s.tenant_id, c.name, s.recency_score, s.frequency_score, s.monetary_score, s.rfm_score,
			s.rfm_segment, s.churn_risk_score, s.churn_risk_level, s.risk_reason, s.purchase_count, s.total_spent,
			s.avg_purchase_value, s.days_since_purchase, s.last_purchase, s.updated_at
		FROM customer_churn_scores s
		JOIN customers c ON c.id = s.customer_id
		WHERE s.tenant_id = $1`
	args := []any{tenantID}
	if level != "" {
		args = append(args, level)
		query += fmt.Sprintf(" AND s.churn_risk_level = $%d", len(args))
	}
	if segment != "" {
		args = append(args, segment)
		query += fmt.Sprintf(" AND s.rfm_segment = $%d", len(args))
	}
	query += ` ORDER BY s.churn_risk_score DESC, c.name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	scores := make([]domain.CustomerChurnScore, 0, 64)
	for rows.Next() {
		var sc domain.CustomerChurnScore
		var last sql.NullTime
		if err := rows.Scan(&sc.CustomerID, &sc.TenantID, &sc.CustomerName, &sc.RecencyScore, &sc.FrequencyScore,
			&sc.MonetaryScore, &sc.RFMScore, &sc.Segment, &sc.RiskScore, &sc.RiskLevel, &sc.RiskReason,
			&sc.PurchaseCount, &sc.TotalSpent, &sc.AvgPurchaseValue, &sc.DaysSincePurchase, &last, &sc.UpdatedAt); err != nil {
			return nil, err
		}
		if last.Valid {
			d := nowDateUTC(last.Time)
			sc.LastPurchase = &d
		}
		scores = append(scores, sc)
	}
	return scores, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nowDateUTC(t time.Time) time.Time {
	return time.Date(t.UTC().Year(), t.UTC().Month(), t.UTC().Day(), 0, 0, 0, 0, time.UTC)
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullDate(val *time.Time) any {
	if val == nil {
		return nil
	}
	return nowDateUTC(*val)
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}
