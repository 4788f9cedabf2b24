// Package churn ranks a tenant's customers by recency, frequency and
// monetary value and derives a churn risk for each.
package churn

import (
	"cmp"
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"retailpulse/backend/internal/domain"
)

// NoPurchaseDays is the recency assigned to customers who never bought.
const NoPurchaseDays = 365

var (
	recencyWeight   = decimal.RequireFromString("0.4")
	frequencyWeight = decimal.RequireFromString("0.3")
	monetaryWeight  = decimal.RequireFromString("0.3")
	hundred         = decimal.NewFromInt(100)
	five            = decimal.NewFromInt(5)
	highThreshold   = decimal.NewFromInt(70)
	mediumThreshold = decimal.NewFromInt(40)
)

type metrics struct {
	customer      domain.Customer
	purchaseCount int
	totalSpent    decimal.Decimal
	avgValue      decimal.Decimal
	daysSince     int
	lastPurchase  *time.Time
}

// Score computes one CustomerChurnScore per customer. Customers with
// purchases are ranked ahead of those without, each group in input order,
// which fixes tie-breaking. When nobody has purchased, every score is 1.
func Score(customers []domain.Customer, stats map[string]domain.PurchaseStats, today time.Time) []domain.CustomerChurnScore {
	if len(customers) == 0 {
		return []domain.CustomerChurnScore{}
	}
	today = dateOnly(today)

	cohort := make([]metrics, 0, len(customers))
	idle := make([]metrics, 0)
	for _, c := range customers {
		st, ok := stats[c.ID]
		if !ok || st.PurchaseCount == 0 {
			idle = append(idle, metrics{
				customer:   c,
				totalSpent: decimal.Zero,
				avgValue:   decimal.Zero,
				daysSince:  NoPurchaseDays,
			})
			continue
		}
		m := metrics{
			customer:      c,
			purchaseCount: st.PurchaseCount,
			totalSpent:    st.TotalSpent.Round(2),
			avgValue:      st.TotalSpent.Div(decimal.NewFromInt(int64(st.PurchaseCount))).Round(2),
			daysSince:     NoPurchaseDays,
		}
		if st.LastPurchase != nil {
			last := dateOnly(*st.LastPurchase)
			m.lastPurchase = &last
			m.daysSince = int(today.Sub(last).Hours() / 24)
		}
		cohort = append(cohort, m)
	}
	allIdle := len(cohort) == 0
	cohort = append(cohort, idle...)

	recency := map[string]int{}
	frequency := map[string]int{}
	monetary := map[string]int{}
	if !allIdle {
		recency = rank(cohort, func(a, b metrics) int { return cmp.Compare(a.daysSince, b.daysSince) })
		frequency = rank(cohort, func(a, b metrics) int { return cmp.Compare(b.purchaseCount, a.purchaseCount) })
		monetary = rank(cohort, func(a, b metrics) int { return b.totalSpent.Cmp(a.totalSpent) })
	}

	scores := make([]domain.CustomerChurnScore, 0, len(cohort))
	for _, m := range cohort {
		r := scoreOr1(recency, m.customer.ID)
		f := scoreOr1(frequency, m.customer.ID)
		mo := scoreOr1(monetary, m.customer.ID)
		risk := RiskScore(r, f, mo)

		scores = append(scores, domain.CustomerChurnScore{
			CustomerID:        m.customer.ID,
			TenantID:          m.customer.TenantID,
			CustomerName:      m.customer.Name,
			RecencyScore:      r,
			FrequencyScore:    f,
			MonetaryScore:     mo,
			RFMScore:          r + f + mo,
			Segment:           Segment(r, f, mo, m.daysSince),
			RiskScore:         risk,
			RiskLevel:         RiskLevel(risk),
			RiskReason:        reason(m, r, f, mo),
			PurchaseCount:     m.purchaseCount,
			TotalSpent:        m.totalSpent,
			AvgPurchaseValue:  m.avgValue,
			DaysSincePurchase: m.daysSince,
			LastPurchase:      m.lastPurchase,
		})
	}
	return scores
}

// rank assigns 5..1 by 1-based position over the stably sorted cohort:
// position/total <= 0.2 scores 5, <= 0.4 scores 4 and so on.
func rank(cohort []metrics, better func(a, b metrics) int) map[string]int {
	sorted := slices.Clone(cohort)
	slices.SortStableFunc(sorted, better)

	total := float64(len(sorted))
	out := make(map[string]int, len(sorted))
	for i, m := range sorted {
		percentile := float64(i+1) / total
		switch {
		case percentile <= 0.2:
			out[m.customer.ID] = 5
		case percentile <= 0.4:
			out[m.customer.ID] = 4
		case percentile <= 0.6:
			out[m.customer.ID] = 3
		case percentile <= 0.8:
			out[m.customer.ID] = 2
		default:
			out[m.customer.ID] = 1
		}
	}
	return out
}

func scoreOr1(scores map[string]int, id string) int {
	if s, ok := scores[id]; ok {
		return s
	}
	return 1
}

// RiskScore is 100 minus the weighted engagement on a 0-100 scale, rounded
// half-up to two places and clamped to [0, 100].
func RiskScore(recency, frequency, monetary int) decimal.Decimal {
	engagement := decimal.NewFromInt(int64(recency)).Mul(recencyWeight).
		Add(decimal.NewFromInt(int64(frequency)).Mul(frequencyWeight)).
		Add(decimal.NewFromInt(int64(monetary)).Mul(monetaryWeight)).
		Div(five).Mul(hundred)
	risk := hundred.Sub(engagement).Round(2)
	if risk.GreaterThan(hundred) {
		return hundred
	}
	if risk.IsNegative() {
		return decimal.Zero
	}
	return risk
}

func RiskLevel(risk decimal.Decimal) string {
	switch {
	case risk.GreaterThanOrEqual(highThreshold):
		return domain.RiskHigh
	case risk.GreaterThanOrEqual(mediumThreshold):
		return domain.RiskMedium
	default:
		return domain.RiskLow
	}
}

// Segment applies the first matching rule.
func Segment(recency, frequency, monetary, daysSince int) string {
	switch {
	case recency >= 4 && frequency >= 4 && monetary >= 4:
		return domain.SegmentChampion
	case recency >= 3 && frequency >= 3:
		return domain.SegmentLoyal
	case daysSince > 90:
		return domain.SegmentDormant
	case recency <= 2:
		return domain.SegmentAtRisk
	default:
		return domain.SegmentPotential
	}
}

func reason(m metrics, recency, frequency, monetary int) string {
	switch {
	case m.purchaseCount == 0:
		return "No purchases recorded yet"
	case m.daysSince >= 120 || recency <= 2:
		return fmt.Sprintf("Last purchase %d days ago", m.daysSince)
	case frequency <= 2:
		return fmt.Sprintf("Only %d purchases so far", m.purchaseCount)
	case monetary <= 2:
		return fmt.Sprintf("Low average spend (৳%d) compared to peers", m.avgValue.IntPart())
	default:
		return "Healthy engagement maintained"
	}
}

func dateOnly(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
