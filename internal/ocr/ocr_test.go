package ocr

import (
	"context"
	"testing"
	"time"
)

func TestMockExtractorReturnsFixedReceipt(t *testing.T) {
	now := time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC)
	payload, err := MockExtractor{Now: func() time.Time { return now }}.Extract(context.Background(), nil, "r.jpg")
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}
	if payload.Date != "2026-04-02" {
		t.Fatalf("unexpected date %q", payload.Date)
	}
	if len(payload.Items) != 3 || payload.Items[0].Name != "Lay's Chips" || payload.Items[2].Qty != 3 {
		t.Fatalf("unexpected items: %+v", payload.Items)
	}
	if payload.Total.String() != "595" || payload.Confidence != 95 {
		t.Fatalf("unexpected totals: %s %v", payload.Total, payload.Confidence)
	}
}

func TestParseReceiptJSONAcceptsFencedOutput(t *testing.T) {
	content := "```json\n{\"date\":\"2026-04-01\",\"items\":[{\"name\":\" Milk \",\"qty\":2,\"price\":190.5}],\"total\":190.5,\"confidence\":88}\n```"
	payload, err := parseReceiptJSON(content)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(payload.Items) != 1 || payload.Items[0].Name != "Milk" || payload.Items[0].Qty != 2 {
		t.Fatalf("unexpected items: %+v", payload.Items)
	}
	if payload.Items[0].Price.StringFixed(2) != "190.50" {
		t.Fatalf("unexpected price %s", payload.Items[0].Price)
	}
}

func TestParseReceiptJSONRejectsGarbage(t *testing.T) {
	if _, err := parseReceiptJSON("not json"); err == nil {
		t.Fatalf("expected decode error")
	}
}
