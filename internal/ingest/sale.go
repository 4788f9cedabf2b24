package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"retailpulse/backend/internal/domain"
	"retailpulse/backend/internal/fingerprint"
	"retailpulse/backend/internal/ledger"
	"retailpulse/backend/internal/store"
)

// RecordSale books a single sale synchronously. Unlike batch ingestion it
// rejects unknown payment methods and refuses to oversell.
func (p *Pipeline) RecordSale(ctx context.Context, tenantID string, actor string, req domain.ManualSaleRequest) (result domain.ManualSaleResult, err error) {
	defer func() {
		if p.recorder != nil {
			p.recorder.SaleRecorded(domain.ReferenceSale, err)
		}
	}()

	if err := p.validateRequest(req); err != nil {
		return domain.ManualSaleResult{}, err
	}
	if req.Quantity <= 0 {
		return domain.ManualSaleResult{}, rowErrorf("Quantity must be greater than 0")
	}
	method := strings.ToLower(strings.TrimSpace(req.PaymentMethod))
	if method == "" {
		method = domain.PaymentCash
	}
	if !domain.IsPaymentMethod(method) {
		return domain.ManualSaleResult{}, rowErrorf("unsupported payment method: %s", req.PaymentMethod)
	}

	today := p.today()
	date := today
	if req.Date != "" {
		if date, err = parseDate(strings.TrimSpace(req.Date), today); err != nil {
			return domain.ManualSaleResult{}, err
		}
	}
	clock := ""
	if req.Time != "" {
		parsed, err := time.Parse("15:04", strings.TrimSpace(req.Time))
		if err != nil {
			return domain.ManualSaleResult{}, rowErrorf("Invalid time format (use HH:MM): %s", req.Time)
		}
		clock = parsed.Format("15:04")
	}
	if req.UnitPrice != nil && req.UnitPrice.IsNegative() {
		return domain.ManualSaleResult{}, rowErrorf("Unit price cannot be negative")
	}

	err = p.repo.InTx(ctx, tenantID, func(ctx context.Context, tx store.Tx) error {
		product, err := tx.GetProductForUpdate(ctx, req.ProductID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("product %s: %w", req.ProductID, store.ErrNotFound)
			}
			return err
		}

		var customer *domain.Customer
		switch {
		case strings.TrimSpace(req.CustomerID) != "":
			customer, err = tx.GetCustomer(ctx, strings.TrimSpace(req.CustomerID))
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("customer %s: %w", req.CustomerID, store.ErrNotFound)
			}
		default:
			customer, err = p.products.ResolveCustomer(ctx, tx, req.CustomerName)
		}
		if err != nil {
			return err
		}

		unitPrice := product.UnitPrice
		if req.UnitPrice != nil {
			unitPrice = req.UnitPrice.Round(2)
		}
		amount := unitPrice.Mul(decimal.NewFromInt(int64(req.Quantity))).Round(2)
		customerName := domain.WalkInCustomer
		if customer != nil {
			customerName = customer.Name
		}

		token := fingerprint.Compute(fingerprint.Sale{
			Date:     date,
			Product:  product.Name,
			Quantity: req.Quantity,
			Amount:   amount,
			Customer: customerName,
		})
		seen, err := fingerprint.Seen(ctx, tx, token)
		if err != nil {
			return err
		}
		if seen {
			return store.ErrDuplicate
		}

		txn := domain.Transaction{
			ID:            uuid.NewString(),
			TenantID:      tenantID,
			ProductID:     product.ID,
			ProductName:   product.Name,
			Date:          date,
			Time:          clock,
			Quantity:      req.Quantity,
			UnitPrice:     unitPrice,
			Amount:        amount,
			PaymentMethod: method,
			Notes:         strings.TrimSpace(req.Notes),
			Fingerprint:   token,
			CreatedAt:     p.now(),
		}
		if customer != nil {
			txn.CustomerID = customer.ID
		}

		movement, updated, err := p.ledger.Apply(ctx, tx, ledger.Movement{
			ProductID:     product.ID,
			Type:          domain.MovementSale,
			Quantity:      -req.Quantity,
			ReferenceType: domain.ReferenceSale,
			ReferenceID:   txn.ID,
			Notes:         txn.Notes,
			Actor:         actor,
			Floor:         true,
		})
		if err != nil {
			return err
		}
		if err := tx.InsertTransaction(ctx, txn); err != nil {
			return err
		}
		if customer != nil {
			if err := tx.AddCustomerPurchase(ctx, customer.ID, amount, date); err != nil {
				return err
			}
		}

		result = domain.ManualSaleResult{
			Transaction: txn,
			MovementID:  movement.ID,
			NewStock:    updated.CurrentStock,
			Amount:      amount,
		}
		return nil
	})
	if err != nil {
		return domain.ManualSaleResult{}, err
	}

	p.invalidate(ctx, tenantID)
	p.log.Info().
		Str("tenant_id", tenantID).
		Str("product_id", req.ProductID).
		Int("quantity", req.Quantity).
		Int("new_stock", result.NewStock).
		Msg("sale recorded")
	return result, nil
}

// AdjustStock applies an operator stock correction. Decreases may not take
// stock below zero.
func (p *Pipeline) AdjustStock(ctx context.Context, tenantID string, actor string, req domain.StockAdjustmentRequest) (result domain.StockAdjustmentResult, err error) {
	defer func() {
		if p.recorder != nil {
			p.recorder.SaleRecorded(domain.ReferenceManualAdjustment, err)
		}
	}()

	if err := p.validateRequest(req); err != nil {
		return domain.StockAdjustmentResult{}, err
	}
	if req.Quantity <= 0 {
		return domain.StockAdjustmentResult{}, rowErrorf("Quantity must be greater than 0")
	}

	mv := ledger.Movement{
		ProductID:     req.ProductID,
		Type:          domain.MovementRestock,
		Quantity:      req.Quantity,
		ReferenceType: domain.ReferenceManualAdjustment,
		ReferenceID:   uuid.NewString(),
		Notes:         strings.TrimSpace(req.Notes),
		Actor:         actor,
	}
	if req.AdjustmentType == "decrease" {
		mv.Type = domain.MovementAdjustment
		mv.Quantity = -req.Quantity
		mv.Floor = true
	}

	err = p.repo.InTx(ctx, tenantID, func(ctx context.Context, tx store.Tx) error {
		movement, product, err := p.ledger.Apply(ctx, tx, mv)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("product %s: %w", req.ProductID, store.ErrNotFound)
		}
		if err != nil {
			return err
		}
		result = domain.StockAdjustmentResult{
			Success:      true,
			NewStock:     product.CurrentStock,
			MovementType: movement.MovementType,
			MovementID:   movement.ID,
		}
		return nil
	})
	if err != nil {
		return domain.StockAdjustmentResult{}, err
	}

	p.invalidate(ctx, tenantID)
	p.log.Info().Str("tenant_id", tenantID).Str("product_id", req.ProductID).Str("type", mv.Type).Int("new_stock", result.NewStock).Msg("stock adjusted")
	return result, nil
}

func (p *Pipeline) validateRequest(req any) error {
	err := p.validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return fmt.Errorf("%w: field %s failed %s validation", store.ErrInvalidInput, strings.ToLower(fe.Field()), fe.Tag())
	}
	return fmt.Errorf("%w: %v", store.ErrInvalidInput, err)
}
