// Package fingerprint derives the duplicate-suppression token for a sale.
package fingerprint

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"retailpulse/backend/internal/domain"
)

const walkInToken = "walk-in"

// Sale carries the fields that define a transaction's identity.
type Sale struct {
	Date     time.Time
	Product  string
	Quantity int
	Amount   decimal.Decimal
	Customer string
}

// Compute returns the hex MD5 of date|product|qty|amount|customer. Empty or
// walk-in customers collapse to one token so receipts and CSV rows agree.
func Compute(s Sale) string {
	customer := strings.TrimSpace(s.Customer)
	if domain.IsWalkIn(customer) {
		customer = walkInToken
	}
	input := strings.Join([]string{
		s.Date.UTC().Format("2006-01-02"),
		strings.TrimSpace(s.Product),
		strconv.Itoa(s.Quantity),
		s.Amount.StringFixed(2),
		customer,
	}, "|")
	sum := md5.Sum([]byte(input))
	return hex.EncodeToString(sum[:])
}

// Lookup is the slice of a unit of work the guard needs.
type Lookup interface {
	FingerprintExists(ctx context.Context, fingerprint string) (bool, error)
}

// Seen reports whether the tenant bound to lookup already holds token.
func Seen(ctx context.Context, lookup Lookup, token string) (bool, error) {
	return lookup.FingerprintExists(ctx, token)
}
