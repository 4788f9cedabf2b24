package ingest

import (
	"context"

	"retailpulse/backend/internal/domain"
	"retailpulse/backend/internal/ledger"
)

// VerifyLedger checks one product's movement chain against its stock.
func (p *Pipeline) VerifyLedger(ctx context.Context, tenantID string, productID string) (domain.LedgerVerification, error) {
	product, err := p.repo.GetProduct(ctx, tenantID, productID)
	if err != nil {
		return domain.LedgerVerification{}, err
	}
	movements, err := p.repo.ListProductMovements(ctx, tenantID, productID)
	if err != nil {
		return domain.LedgerVerification{}, err
	}
	return ledger.Verify(*product, movements), nil
}

// VerifyTenant runs VerifyLedger over every product of the tenant.
func (p *Pipeline) VerifyTenant(ctx context.Context, tenantID string) ([]domain.LedgerVerification, error) {
	products, err := p.repo.ListProducts(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.LedgerVerification, 0, len(products))
	for _, product := range products {
		movements, err := p.repo.ListProductMovements(ctx, tenantID, product.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, ledger.Verify(product, movements))
	}
	return out, nil
}

// checkConsistency logs warnings for products a batch touched. It never
// fails the batch.
func (p *Pipeline) checkConsistency(ctx context.Context, tenantID string, productIDs []string) {
	for _, id := range productIDs {
		result, err := p.VerifyLedger(ctx, tenantID, id)
		if err != nil {
			p.log.Warn().Err(err).Str("tenant_id", tenantID).Str("product_id", id).Msg("consistency check could not load product")
			continue
		}
		if result.CurrentStock < 0 {
			p.log.Warn().Str("tenant_id", tenantID).Str("product_id", id).Int("stock", result.CurrentStock).Msg("product has negative stock")
		}
		if !result.Consistent {
			p.log.Warn().Str("tenant_id", tenantID).Str("product_id", id).Strs("issues", result.Issues).Msg("stock ledger inconsistent")
		}
	}
}
