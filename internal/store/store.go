package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"retailpulse/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrDuplicate         = errors.New("duplicate fingerprint")
	ErrConflict          = errors.New("conflicting write")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidInput      = errors.New("invalid input")
)

// TxFunc is the body of a unit of work. Returning an error rolls back every
// write made through tx.
type TxFunc func(ctx context.Context, tx Tx) error

type Repository interface {
	// InTx runs fn atomically for one tenant. Writes to the same product are
	// serialized through GetProductForUpdate.
	InTx(ctx context.Context, tenantID string, fn TxFunc) error

	ListTenants(ctx context.Context) ([]domain.Tenant, error)
	GetUser(ctx context.Context, username string) (*domain.UserAccount, error)

	GetProduct(ctx context.Context, tenantID string, productID string) (*domain.Product, error)
	ListProducts(ctx context.Context, tenantID string) ([]domain.Product, error)
	GetCustomer(ctx context.Context, tenantID string, customerID string) (*domain.Customer, error)
	ListCustomers(ctx context.Context, tenantID string) ([]domain.Customer, error)

	ListTransactions(ctx context.Context, tenantID string, filter domain.TransactionFilter) ([]domain.Transaction, int, error)
	SummarizeTransactions(ctx context.Context, tenantID string, filter domain.TransactionFilter) (domain.TransactionSummary, error)

	ListMovements(ctx context.Context, tenantID string, filter domain.MovementFilter) ([]domain.StockMovement, int, error)
	ListProductMovements(ctx context.Context, tenantID string, productID string) ([]domain.StockMovement, error)

	ListAlerts(ctx context.Context, tenantID string, acknowledged *bool) ([]domain.StockAlert, error)
	AcknowledgeAlert(ctx context.Context, tenantID string, alertID string, actor string, at time.Time) (*domain.StockAlert, error)

	CreateBatch(ctx context.Context, batch domain.IngestionBatch) error
	UpdateBatch(ctx context.Context, batch domain.IngestionBatch) error
	GetBatch(ctx context.Context, tenantID string, batchID string) (*domain.IngestionBatch, error)
	ListBatches(ctx context.Context, tenantID string, statuses []string, completedSince *time.Time, limit int) ([]domain.IngestionBatch, error)

	CreateFailedRow(ctx context.Context, row domain.FailedRow) error
	GetFailedRow(ctx context.Context, tenantID string, id string) (*domain.FailedRow, error)
	ListFailedRows(ctx context.Context, tenantID string, filter domain.FailedRowFilter) ([]domain.FailedRow, int, error)
	UpdateFailedRow(ctx context.Context, row domain.FailedRow) error
	DeleteFailedRow(ctx context.Context, tenantID string, id string) error

	ListChurnScores(ctx context.Context, tenantID string, level string, segment string) ([]domain.CustomerChurnScore, error)
}

// Tx is bound to the tenant passed to InTx.
type Tx interface {
	FindProductByName(ctx context.Context, name string) (*domain.Product, error)
	GetProductForUpdate(ctx context.Context, productID string) (*domain.Product, error)
	// InsertProduct returns ErrConflict when the name is already taken.
	InsertProduct(ctx context.Context, product domain.Product) error
	UpdateProductStock(ctx context.Context, productID string, stock int) error
	UpdateProductCatalog(ctx context.Context, productID string, unitPrice decimal.Decimal, sku string) error

	FindCustomerByName(ctx context.Context, name string) (*domain.Customer, error)
	GetCustomer(ctx context.Context, customerID string) (*domain.Customer, error)
	// InsertCustomer returns ErrConflict when the name is already taken.
	InsertCustomer(ctx context.Context, customer domain.Customer) error
	AddCustomerPurchase(ctx context.Context, customerID string, amount decimal.Decimal, date time.Time) error
	SetCustomerAggregates(ctx context.Context, customerID string, total decimal.Decimal, lastPurchase *time.Time) error
	ListCustomers(ctx context.Context) ([]domain.Customer, error)
	CustomerPurchaseStats(ctx context.Context) (map[string]domain.PurchaseStats, error)

	FingerprintExists(ctx context.Context, fingerprint string) (bool, error)
	// InsertTransaction returns ErrDuplicate when the fingerprint already exists.
	InsertTransaction(ctx context.Context, txn domain.Transaction) error

	InsertMovement(ctx context.Context, movement domain.StockMovement) (domain.StockMovement, error)

	// UpsertAlert writes the single row for (product, alert type), reopening
	// it when one already exists.
	UpsertAlert(ctx context.Context, alert domain.StockAlert) error
	AcknowledgeProductAlerts(ctx context.Context, productID string, alertTypes []string, stock int, actor string, at time.Time) error

	UpsertChurnScore(ctx context.Context, score domain.CustomerChurnScore) error
}
