package churn

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"retailpulse/backend/internal/domain"
)

var today = time.Date(2026, 6, 30, 15, 0, 0, 0, time.UTC)

func daysAgo(n int) *time.Time {
	d := time.Date(2026, 6, 30, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -n)
	return &d
}

func byID(scores []domain.CustomerChurnScore) map[string]domain.CustomerChurnScore {
	out := make(map[string]domain.CustomerChurnScore, len(scores))
	for _, s := range scores {
		out[s.CustomerID] = s
	}
	return out
}

func TestScoreRecencyExtremes(t *testing.T) {
	customers := make([]domain.Customer, 0, 5)
	stats := map[string]domain.PurchaseStats{}
	for i, days := range []int{40, 3, 200, 75, 10} {
		id := fmt.Sprintf("c%d", i)
		customers = append(customers, domain.Customer{ID: id, Name: id})
		stats[id] = domain.PurchaseStats{CustomerID: id, PurchaseCount: 1, TotalSpent: decimal.NewFromInt(100), LastPurchase: daysAgo(days)}
	}

	scores := byID(Score(customers, stats, today))
	require.Len(t, scores, 5)
	assert.Equal(t, 5, scores["c1"].RecencyScore, "3 days ago is most recent")
	assert.Equal(t, 1, scores["c2"].RecencyScore, "200 days ago is least recent")
	assert.Equal(t, 75, scores["c3"].DaysSincePurchase)
	assert.Equal(t, 200, scores["c2"].DaysSincePurchase)
	assert.Equal(t, domain.SegmentDormant, scores["c2"].Segment)
	assert.Equal(t, "Last purchase 200 days ago", scores["c2"].RiskReason)
}

func TestScoreTiesFollowInputOrder(t *testing.T) {
	customers := []domain.Customer{{ID: "a"}, {ID: "b"}, {ID: "c"}, {ID: "d"}, {ID: "e"}}
	stats := map[string]domain.PurchaseStats{}
	for _, c := range customers {
		stats[c.ID] = domain.PurchaseStats{CustomerID: c.ID, PurchaseCount: 2, TotalSpent: decimal.NewFromInt(50), LastPurchase: daysAgo(10)}
	}
	scores := byID(Score(customers, stats, today))
	assert.Equal(t, 5, scores["a"].FrequencyScore)
	assert.Equal(t, 4, scores["b"].FrequencyScore)
	assert.Equal(t, 1, scores["e"].FrequencyScore)
	assert.Equal(t, 5, scores["a"].RecencyScore)
	assert.Equal(t, 1, scores["e"].MonetaryScore)
}

func TestScoreCustomersWithoutPurchases(t *testing.T) {
	customers := []domain.Customer{{ID: "buyer"}, {ID: "idle"}}
	stats := map[string]domain.PurchaseStats{
		"buyer": {CustomerID: "buyer", PurchaseCount: 3, TotalSpent: decimal.NewFromInt(900), LastPurchase: daysAgo(1)},
	}
	scores := byID(Score(customers, stats, today))

	idle := scores["idle"]
	assert.Equal(t, NoPurchaseDays, idle.DaysSincePurchase)
	assert.Equal(t, 0, idle.PurchaseCount)
	assert.Nil(t, idle.LastPurchase)
	assert.Equal(t, "No purchases recorded yet", idle.RiskReason)
	assert.Equal(t, "0.00", idle.AvgPurchaseValue.StringFixed(2))

	buyer := scores["buyer"]
	assert.Equal(t, "300.00", buyer.AvgPurchaseValue.StringFixed(2))
	assert.Greater(t, buyer.RecencyScore, idle.RecencyScore)
}

func TestScoreAllIdleGetsBaseline(t *testing.T) {
	scores := Score([]domain.Customer{{ID: "x"}, {ID: "y"}}, nil, today)
	for _, s := range scores {
		assert.Equal(t, 1, s.RecencyScore)
		assert.Equal(t, 3, s.RFMScore)
		assert.Equal(t, "80.00", s.RiskScore.StringFixed(2))
		assert.Equal(t, domain.RiskHigh, s.RiskLevel)
	}
}

func TestScoreEmptyCohort(t *testing.T) {
	assert.Empty(t, Score(nil, nil, today))
}

func TestRiskScoreAndLevelBounds(t *testing.T) {
	cases := []struct {
		r, f, m int
		risk    string
		level   string
	}{
		{5, 5, 5, "0.00", domain.RiskLow},
		{1, 1, 1, "80.00", domain.RiskHigh},
		{3, 3, 3, "40.00", domain.RiskMedium},
		{5, 1, 1, "48.00", domain.RiskMedium},
		{2, 2, 1, "66.00", domain.RiskMedium},
		{1, 2, 1, "74.00", domain.RiskHigh},
		{4, 4, 3, "26.00", domain.RiskLow},
	}
	for _, tc := range cases {
		risk := RiskScore(tc.r, tc.f, tc.m)
		assert.Equal(t, tc.risk, risk.StringFixed(2), "r=%d f=%d m=%d", tc.r, tc.f, tc.m)
		assert.Equal(t, tc.level, RiskLevel(risk))
		assert.True(t, risk.GreaterThanOrEqual(decimal.Zero) && risk.LessThanOrEqual(decimal.NewFromInt(100)))
	}

	assert.Equal(t, domain.RiskHigh, RiskLevel(decimal.RequireFromString("70")))
	assert.Equal(t, domain.RiskMedium, RiskLevel(decimal.RequireFromString("69.99")))
	assert.Equal(t, domain.RiskMedium, RiskLevel(decimal.RequireFromString("40")))
	assert.Equal(t, domain.RiskLow, RiskLevel(decimal.RequireFromString("39.99")))
}

func TestSegmentOrder(t *testing.T) {
	assert.Equal(t, domain.SegmentChampion, Segment(4, 4, 4, 200))
	assert.Equal(t, domain.SegmentLoyal, Segment(3, 3, 1, 200))
	assert.Equal(t, domain.SegmentDormant, Segment(2, 5, 5, 91))
	assert.Equal(t, domain.SegmentAtRisk, Segment(2, 5, 5, 90))
	assert.Equal(t, domain.SegmentPotential, Segment(3, 2, 5, 30))
}
