package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"retailpulse/backend/internal/domain"
)

type countingObserver struct {
	calls  int
	failed int
}

func (o *countingObserver) HookFinished(_ string, _ time.Duration, err error) {
	o.calls++
	if err != nil {
		o.failed++
	}
}

func TestNotifySwallowsHookFailures(t *testing.T) {
	var got []domain.IngestionEvent
	obs := &countingObserver{}
	n := New(zerolog.Nop(),
		HookFunc{HookName: "panics", Fn: func(context.Context, domain.IngestionEvent) error { panic("kaboom") }},
		HookFunc{HookName: "fails", Fn: func(context.Context, domain.IngestionEvent) error { return errors.New("down") }},
		HookFunc{HookName: "records", Fn: func(_ context.Context, e domain.IngestionEvent) error {
			got = append(got, e)
			return nil
		}},
	).WithObserver(obs)

	event := domain.IngestionEvent{TenantID: "t1", AffectedProductIDs: []string{"p1"}, TransactionCount: 3}
	n.Notify(context.Background(), event)

	if len(got) != 1 || got[0].TransactionCount != 3 {
		t.Fatalf("expected later hooks to still run, got %+v", got)
	}
	if obs.calls != 3 || obs.failed != 2 {
		t.Fatalf("unexpected observer counts: %+v", obs)
	}
}

func TestNilNotifierIsNoop(t *testing.T) {
	var n *Notifier
	n.Notify(context.Background(), domain.IngestionEvent{TenantID: "t1"})
}

func TestForecastHookIgnoresEmptyEvents(t *testing.T) {
	h := NewForecastHook(zerolog.Nop())
	if err := h.Handle(context.Background(), domain.IngestionEvent{TenantID: "t1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.Name() != "forecast" {
		t.Fatalf("unexpected name %q", h.Name())
	}
}
