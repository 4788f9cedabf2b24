package ingest

import (
	"context"
	"errors"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"retailpulse/backend/internal/catalog"
	"retailpulse/backend/internal/domain"
	"retailpulse/backend/internal/fingerprint"
	"retailpulse/backend/internal/ledger"
	"retailpulse/backend/internal/store"
)

var (
	salesColumns = []string{"Date", "Product", "Quantity", "Amount"}
	maxAmount    = decimal.NewFromInt(10_000_000)
)

// sale is a validated sales line ready to be committed.
type sale struct {
	Date          time.Time
	Time          string
	Product       string
	Quantity      int
	Amount        decimal.Decimal
	UnitPrice     decimal.Decimal
	Customer      string
	PaymentMethod string
	Notes         string
}

func (s sale) fingerprint() string {
	return fingerprint.Compute(fingerprint.Sale{
		Date:     s.Date,
		Product:  s.Product,
		Quantity: s.Quantity,
		Amount:   s.Amount,
		Customer: s.Customer,
	})
}

// committed describes the rows a sale touched.
type committed struct {
	Product     *domain.Product
	CustomerID  string
	Transaction domain.Transaction
	Movement    domain.StockMovement
}

// IngestSales processes a sales CSV or XLSX file for an existing batch.
func (p *Pipeline) IngestSales(ctx context.Context, batch domain.IngestionBatch, content io.Reader) domain.IngestionBatch {
	r := p.begin(ctx, &batch)

	table, err := ReadTable(content, batch.FileName)
	if err == nil {
		err = table.require(salesColumns...)
	}
	if err != nil {
		return p.finish(ctx, r, err)
	}

	batch.RowCount = len(table.Rows)
	today := p.today()
	for i, rec := range table.Rows {
		number := i + 2
		if err := ctx.Err(); err != nil {
			return p.finish(ctx, r, err)
		}

		s, err := parseSale(rec, today)
		if err == nil {
			var out committed
			out, err = p.commitSale(ctx, batch.TenantID, s, commitOptions{
				resolver:      p.products,
				referenceType: domain.ReferenceSalesUpload,
				batchID:       batch.ID,
				actor:         batch.UploadedBy,
			})
			if err == nil {
				batch.RowsProcessed++
				batch.CreatedTransactions++
				r.products.add(out.Product.ID)
				r.customers.add(out.CustomerID)
			}
		}
		switch {
		case err == nil:
		case errors.Is(err, store.ErrDuplicate):
			batch.RowsProcessed++
			batch.SkippedDuplicates++
			p.log.Debug().Str("batch_id", batch.ID).Int("row", number).Msg("duplicate row skipped")
		default:
			p.rowFailed(ctx, r, domain.RowError{Row: number, Error: err.Error()}, number, map[string]string(rec))
		}
		p.progress(ctx, r, i+1)
	}
	return p.finish(ctx, r, nil)
}

func parseSale(rec Record, today time.Time) (sale, error) {
	dateStr := rec.Get("Date")
	product := rec.Get("Product")
	qtyStr := rec.Get("Quantity")
	amountStr := rec.Get("Amount")

	switch {
	case dateStr == "":
		return sale{}, rowErrorf("Date is required")
	case product == "":
		return sale{}, rowErrorf("Product is required")
	case qtyStr == "":
		return sale{}, rowErrorf("Quantity is required")
	case amountStr == "":
		return sale{}, rowErrorf("Amount is required")
	}

	date, err := parseDate(dateStr, today)
	if err != nil {
		return sale{}, err
	}
	qty, err := parseQuantity(qtyStr)
	if err != nil {
		return sale{}, err
	}
	amount, err := parseAmount(amountStr)
	if err != nil {
		return sale{}, err
	}

	s := sale{
		Date:          date,
		Product:       product,
		Quantity:      qty,
		Amount:        amount,
		Customer:      rec.Get("Customer"),
		PaymentMethod: normalizePayment(rec.Get("PaymentMethod")),
		Notes:         rec.Get("Notes"),
	}
	if domain.IsWalkIn(s.Customer) {
		s.Customer = domain.WalkInCustomer
	}
	if t := rec.Get("Time"); t != "" {
		parsed, err := time.Parse("15:04", t)
		if err != nil {
			return sale{}, rowErrorf("Invalid time format (use HH:MM): %s", t)
		}
		s.Time = parsed.Format("15:04")
	}
	if up := rec.Get("UnitPrice"); up != "" {
		price, err := decimal.NewFromString(up)
		if err != nil {
			return sale{}, rowErrorf("Invalid unit price: %s", up)
		}
		s.UnitPrice = price.Round(2)
	} else {
		s.UnitPrice = amount.Div(decimal.NewFromInt(int64(qty))).Round(2)
	}
	return s, nil
}

func parseDate(value string, today time.Time) (time.Time, error) {
	date, err := time.Parse("2006-01-02", value)
	if err != nil {
		return time.Time{}, rowErrorf("Invalid date format (use YYYY-MM-DD): %s", value)
	}
	if date.After(today) {
		return time.Time{}, rowErrorf("Date cannot be in the future: %s", value)
	}
	return date, nil
}

func parseQuantity(value string) (int, error) {
	qty, err := strconv.Atoi(value)
	if err != nil {
		return 0, rowErrorf("Invalid quantity: %s", value)
	}
	if qty <= 0 {
		return 0, rowErrorf("Quantity must be > 0")
	}
	if qty > MaxQuantity {
		return 0, rowErrorf("Quantity exceeds maximum (%d)", MaxQuantity)
	}
	return qty, nil
}

func parseAmount(value string) (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Decimal{}, rowErrorf("Invalid amount: %s", value)
	}
	if !amount.IsPositive() {
		return decimal.Decimal{}, rowErrorf("Amount must be > 0")
	}
	if amount.GreaterThan(maxAmount) {
		return decimal.Decimal{}, rowErrorf("Amount exceeds maximum (%s)", maxAmount.String())
	}
	return amount.Round(2), nil
}

// normalizePayment lower-cases the method; batch paths coerce unknown
// values to "other".
func normalizePayment(value string) string {
	method := strings.ToLower(strings.TrimSpace(value))
	if method == "" {
		return domain.PaymentCash
	}
	if !domain.IsPaymentMethod(method) {
		return domain.PaymentOther
	}
	return method
}

type commitOptions struct {
	resolver      *catalog.Resolver
	referenceType string
	batchID       string
	actor         string
}

// commitSale writes one sale in its own unit of work. It returns
// store.ErrDuplicate when the fingerprint is already known.
func (p *Pipeline) commitSale(ctx context.Context, tenantID string, s sale, opts commitOptions) (committed, error) {
	var out committed
	token := s.fingerprint()

	err := p.repo.InTx(ctx, tenantID, func(ctx context.Context, tx store.Tx) error {
		seen, err := fingerprint.Seen(ctx, tx, token)
		if err != nil {
			return err
		}
		if seen {
			return store.ErrDuplicate
		}

		product, _, err := opts.resolver.ResolveProduct(ctx, tx, s.Product, s.UnitPrice)
		if err != nil {
			return err
		}
		customer, err := opts.resolver.ResolveCustomer(ctx, tx, s.Customer)
		if err != nil {
			return err
		}

		txn := domain.Transaction{
			ID:            uuid.NewString(),
			TenantID:      tenantID,
			ProductID:     product.ID,
			ProductName:   product.Name,
			Date:          s.Date,
			Time:          s.Time,
			Quantity:      s.Quantity,
			UnitPrice:     s.UnitPrice,
			Amount:        s.Amount,
			PaymentMethod: s.PaymentMethod,
			Notes:         s.Notes,
			Fingerprint:   token,
			BatchID:       opts.batchID,
			CreatedAt:     p.now(),
		}
		if customer != nil {
			txn.CustomerID = customer.ID
		}
		if err := tx.InsertTransaction(ctx, txn); err != nil {
			return err
		}

		referenceID := opts.batchID
		if referenceID == "" {
			referenceID = txn.ID
		}
		movement, updated, err := p.ledger.Apply(ctx, tx, ledger.Movement{
			ProductID:     product.ID,
			Type:          domain.MovementSale,
			Quantity:      -s.Quantity,
			ReferenceType: opts.referenceType,
			ReferenceID:   referenceID,
			Actor:         opts.actor,
		})
		if err != nil {
			return err
		}

		if customer != nil {
			if err := tx.AddCustomerPurchase(ctx, customer.ID, s.Amount, s.Date); err != nil {
				return err
			}
		}

		out = committed{Product: updated, CustomerID: txn.CustomerID, Transaction: txn, Movement: movement}
		return nil
	})
	return out, err
}
