package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	DefaultReorderPoint = 50
	WalkInCustomer      = "Walk-in"
)

const (
	PaymentCash   = "cash"
	PaymentBkash  = "bkash"
	PaymentNagad  = "nagad"
	PaymentRocket = "rocket"
	PaymentCard   = "card"
	PaymentCredit = "credit"
	PaymentOther  = "other"
)

var PaymentMethods = []string{
	PaymentCash, PaymentBkash, PaymentNagad, PaymentRocket, PaymentCard, PaymentCredit, PaymentOther,
}

func IsPaymentMethod(method string) bool {
	for _, m := range PaymentMethods {
		if m == method {
			return true
		}
	}
	return false
}

// IsWalkIn reports whether name denotes the anonymous customer.
func IsWalkIn(name string) bool {
	name = strings.TrimSpace(name)
	return name == "" || strings.EqualFold(name, WalkInCustomer)
}

const (
	MovementInitialLoad = "initial_load"
	MovementSale        = "sale"
	MovementAdjustment  = "adjustment"
	MovementReturn      = "return"
	MovementDamage      = "damage"
	MovementRestock     = "restock"
)

const (
	ReferenceSale             = "sale"
	ReferenceSalesUpload      = "sales_upload"
	ReferenceReceiptUpload    = "receipt_upload"
	ReferenceInventoryUpload  = "inventory_upload"
	ReferenceManualAdjustment = "manual_adjustment"
)

const (
	AlertLowStock   = "low_stock"
	AlertOutOfStock = "out_of_stock"
)

const (
	BatchSales     = "sales"
	BatchReceipt   = "receipt"
	BatchInventory = "inventory"
)

const (
	BatchPending    = "pending"
	BatchProcessing = "processing"
	BatchCompleted  = "completed"
	BatchFailed     = "failed"
)

const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

const (
	SegmentChampion  = "champion"
	SegmentLoyal     = "loyal"
	SegmentDormant   = "dormant"
	SegmentAtRisk    = "at_risk"
	SegmentPotential = "potential"
)

const (
	StockStatusIn  = "in_stock"
	StockStatusLow = "low_stock"
	StockStatusOut = "out_of_stock"
)

type Actor struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	TenantID string `json:"tenant_id"`
}

type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type UserAccount struct {
	Username  string    `json:"username"`
	Password  string    `json:"-"`
	Role      string    `json:"role"`
	TenantID  string    `json:"tenant_id"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	TenantID    string `json:"tenant_id"`
	ExpiresAt   string `json:"expires_at"`
}

type Product struct {
	ID           string          `json:"id"`
	TenantID     string          `json:"tenant_id"`
	Name         string          `json:"name"`
	SKU          string          `json:"sku"`
	CurrentStock int             `json:"current_stock"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	ReorderPoint int             `json:"reorder_point"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

type Customer struct {
	ID             string          `json:"id"`
	TenantID       string          `json:"tenant_id"`
	Name           string          `json:"name"`
	Phone          string          `json:"phone,omitempty"`
	Email          string          `json:"email,omitempty"`
	TotalPurchases decimal.Decimal `json:"total_purchases"`
	LastPurchase   *time.Time      `json:"last_purchase,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Transaction is immutable once written. Date carries the calendar day at
// UTC midnight; Time is the optional HH:MM wall clock.
type Transaction struct {
	ID            string          `json:"id"`
	TenantID      string          `json:"tenant_id"`
	ProductID     string          `json:"product_id"`
	ProductName   string          `json:"product_name,omitempty"`
	CustomerID    string          `json:"customer_id,omitempty"`
	Date          time.Time       `json:"date"`
	Time          string          `json:"time,omitempty"`
	Quantity      int             `json:"quantity"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	Amount        decimal.Decimal `json:"amount"`
	PaymentMethod string          `json:"payment_method"`
	Notes         string          `json:"notes,omitempty"`
	Fingerprint   string          `json:"fingerprint"`
	BatchID       string          `json:"batch_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

type StockMovement struct {
	ID              string    `json:"id"`
	Sequence        int64     `json:"sequence"`
	TenantID        string    `json:"tenant_id"`
	ProductID       string    `json:"product_id"`
	MovementType    string    `json:"movement_type"`
	QuantityChanged int       `json:"quantity_changed"`
	StockBefore     int       `json:"stock_before"`
	StockAfter      int       `json:"stock_after"`
	ReferenceType   string    `json:"reference_type,omitempty"`
	ReferenceID     string    `json:"reference_id,omitempty"`
	Notes           string    `json:"notes,omitempty"`
	Actor           string    `json:"actor,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

type StockAlert struct {
	ID             string     `json:"id"`
	TenantID       string     `json:"tenant_id"`
	ProductID      string     `json:"product_id"`
	AlertType      string     `json:"alert_type"`
	Threshold      int        `json:"threshold"`
	CurrentStock   int        `json:"current_stock"`
	Acknowledged   bool       `json:"is_acknowledged"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// RowError is one entry of a batch's processing_errors list. Receipt
// batches identify the failing line by Item and Name instead of Row.
type RowError struct {
	Row   int    `json:"row,omitempty"`
	Item  int    `json:"item,omitempty"`
	Name  string `json:"name,omitempty"`
	Error string `json:"error"`
}

type IngestionBatch struct {
	ID                  string          `json:"id"`
	TenantID            string          `json:"tenant_id"`
	Kind                string          `json:"kind"`
	FileName            string          `json:"file_name"`
	Status              string          `json:"status"`
	RowCount            int             `json:"row_count"`
	RowsProcessed       int             `json:"rows_processed"`
	RowsFailed          int             `json:"rows_failed"`
	CreatedTransactions int             `json:"created_transactions"`
	SkippedDuplicates   int             `json:"skipped_duplicates"`
	ProductsUpdated     int             `json:"products_updated"`
	Errors              []RowError      `json:"processing_errors"`
	ErrorMessage        string          `json:"error_message,omitempty"`
	Receipt             *ReceiptPayload `json:"extracted_data,omitempty"`
	UploadedBy          string          `json:"uploaded_by,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	StartedAt           *time.Time      `json:"processing_started_at,omitempty"`
	CompletedAt         *time.Time      `json:"processing_completed_at,omitempty"`
}

type FailedRow struct {
	ID           string            `json:"id"`
	TenantID     string            `json:"tenant_id"`
	BatchID      string            `json:"batch_id"`
	BatchKind    string            `json:"batch_kind"`
	RowNumber    int               `json:"row_number"`
	RowData      map[string]string `json:"row_data"`
	ErrorMessage string            `json:"error_message"`
	RetryCount   int               `json:"retry_count"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

type FailedRowFilter struct {
	BatchID string
	From    *time.Time
	To      *time.Time
	Limit   int
	Offset  int
}

type ReceiptItem struct {
	Name  string          `json:"name"`
	Qty   int             `json:"qty"`
	Price decimal.Decimal `json:"price"`
}

// ReceiptPayload is the structured output of the OCR collaborator.
type ReceiptPayload struct {
	Date       string          `json:"date"`
	VendorName string          `json:"vendor_name,omitempty"`
	Items      []ReceiptItem   `json:"items"`
	Total      decimal.Decimal `json:"total"`
	Confidence float64         `json:"confidence"`
}

type CustomerChurnScore struct {
	CustomerID        string          `json:"customer_id"`
	TenantID          string          `json:"tenant_id"`
	CustomerName      string          `json:"customer_name"`
	RecencyScore      int             `json:"recency_score"`
	FrequencyScore    int             `json:"frequency_score"`
	MonetaryScore     int             `json:"monetary_score"`
	RFMScore          int             `json:"rfm_score"`
	Segment           string          `json:"rfm_segment"`
	RiskScore         decimal.Decimal `json:"churn_risk_score"`
	RiskLevel         string          `json:"churn_risk_level"`
	RiskReason        string          `json:"risk_reason"`
	PurchaseCount     int             `json:"purchase_count"`
	TotalSpent        decimal.Decimal `json:"total_spent"`
	AvgPurchaseValue  decimal.Decimal `json:"avg_purchase_value"`
	DaysSincePurchase int             `json:"days_since_purchase"`
	LastPurchase      *time.Time      `json:"last_purchase,omitempty"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// PurchaseStats aggregates one customer's transaction history.
type PurchaseStats struct {
	CustomerID    string
	PurchaseCount int
	TotalSpent    decimal.Decimal
	LastPurchase  *time.Time
}

type ChurnSummary struct {
	TenantID      string         `json:"tenant_id"`
	Customers     int            `json:"customers"`
	ByRiskLevel   map[string]int `json:"by_risk_level"`
	BySegment     map[string]int `json:"by_segment"`
	AverageRisk   string         `json:"average_risk_score"`
	LastComputeAt *time.Time     `json:"last_computed_at,omitempty"`
}

// IngestionEvent is handed to downstream hooks once per completed batch.
type IngestionEvent struct {
	TenantID            string   `json:"tenant_id"`
	BatchID             string   `json:"batch_id,omitempty"`
	AffectedProductIDs  []string `json:"affected_product_ids"`
	AffectedCustomerIDs []string `json:"affected_customer_ids"`
	TransactionCount    int      `json:"transaction_count"`
}

type ManualSaleRequest struct {
	ProductID     string           `json:"product_id" validate:"required"`
	CustomerID    string           `json:"customer_id,omitempty"`
	CustomerName  string           `json:"customer_name,omitempty" validate:"max=255"`
	Quantity      int              `json:"quantity"`
	UnitPrice     *decimal.Decimal `json:"unit_price,omitempty"`
	PaymentMethod string           `json:"payment_method,omitempty"`
	Notes         string           `json:"notes,omitempty" validate:"max=1000"`
	Date          string           `json:"date,omitempty"`
	Time          string           `json:"time,omitempty"`
}

type ManualSaleResult struct {
	Transaction Transaction     `json:"transaction"`
	MovementID  string          `json:"movement_id"`
	NewStock    int             `json:"new_stock"`
	Amount      decimal.Decimal `json:"amount"`
}

type StockAdjustmentRequest struct {
	ProductID      string `json:"product_id" validate:"required"`
	AdjustmentType string `json:"adjustment_type" validate:"required,oneof=increase decrease"`
	Quantity       int    `json:"quantity"`
	Notes          string `json:"notes,omitempty" validate:"max=1000"`
}

type StockAdjustmentResult struct {
	Success      bool   `json:"success"`
	NewStock     int    `json:"new_stock"`
	MovementType string `json:"movement_type"`
	MovementID   string `json:"movement_id"`
}

type MovementFilter struct {
	ProductID    string
	MovementType string
	From         *time.Time
	To           *time.Time
	Limit        int
	Offset       int
}

type TransactionFilter struct {
	ProductID     string
	CustomerID    string
	PaymentMethod string
	From          *time.Time
	To            *time.Time
	SortBy        string
	SortDesc      bool
	Limit         int
	Offset        int
}

type RevenueBucket struct {
	Key   string          `json:"key"`
	Count int             `json:"count"`
	Total decimal.Decimal `json:"total"`
}

type TransactionSummary struct {
	TenantID             string          `json:"tenant_id"`
	TotalRevenue         decimal.Decimal `json:"total_revenue"`
	TotalTransactions    int             `json:"total_transactions"`
	AverageValue         decimal.Decimal `json:"average_transaction_value"`
	RevenueByProduct     []RevenueBucket `json:"revenue_by_product"`
	RevenueByPayment     []RevenueBucket `json:"revenue_by_payment_method"`
	FirstTransactionDate *time.Time      `json:"first_transaction_date,omitempty"`
	LastTransactionDate  *time.Time      `json:"last_transaction_date,omitempty"`
}

type ProductStockStatus struct {
	ProductID    string          `json:"product_id"`
	Name         string          `json:"name"`
	SKU          string          `json:"sku"`
	CurrentStock int             `json:"current_stock"`
	ReorderPoint int             `json:"reorder_point"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	Status       string          `json:"status"`
}

type ReorderSuggestion struct {
	ProductID    string `json:"product_id"`
	Name         string `json:"name"`
	CurrentStock int    `json:"current_stock"`
	ReorderPoint int    `json:"reorder_point"`
	SuggestedQty int    `json:"suggested_qty"`
}

type InventoryReport struct {
	TenantID           string               `json:"tenant_id"`
	TotalProducts      int                  `json:"total_products"`
	TotalStockValue    decimal.Decimal      `json:"total_stock_value"`
	LowStockCount      int                  `json:"low_stock_count"`
	OutOfStockCount    int                  `json:"out_of_stock_count"`
	ProductsByStock    []ProductStockStatus `json:"products_by_stock"`
	ReorderSuggestions []ReorderSuggestion  `json:"reorder_suggestions"`
	GeneratedAt        time.Time            `json:"generated_at"`
}

// LedgerVerification reports whether a product's movement chain is
// contiguous and matches its current stock counter.
type LedgerVerification struct {
	ProductID     string   `json:"product_id"`
	CurrentStock  int      `json:"current_stock"`
	Movements     int      `json:"movements"`
	ExpectedStock int      `json:"expected_stock"`
	Consistent    bool     `json:"consistent"`
	Issues        []string `json:"issues,omitempty"`
}

type UploadProgress struct {
	BatchID         string     `json:"batch_id"`
	Kind            string     `json:"kind"`
	FileName        string     `json:"file_name"`
	Status          string     `json:"status"`
	RowsProcessed   int        `json:"rows_processed"`
	RowsTotal       int        `json:"rows_total"`
	PercentComplete int        `json:"percent_complete"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	ElapsedSeconds  *float64   `json:"elapsed_seconds,omitempty"`
}

type UploadMonitor struct {
	ActiveUploads int              `json:"active_uploads"`
	Active        []UploadProgress `json:"active_uploads_list"`
	Recent        []UploadProgress `json:"recent_uploads"`
}

// ReceiptPreview is the extracted payload of a receipt batch alongside the
// per-item outcome.
type ReceiptPreview struct {
	BatchID      string          `json:"batch_id"`
	FileName     string          `json:"file_name"`
	Status       string          `json:"status"`
	Extracted    *ReceiptPayload `json:"extracted_data,omitempty"`
	Errors       []RowError      `json:"processing_errors"`
	Created      int             `json:"created_transactions"`
	Skipped      int             `json:"skipped_duplicates"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

type UploadAccepted struct {
	BatchID string `json:"batch_id"`
	Kind    string `json:"kind"`
	Status  string `json:"status"`
}
