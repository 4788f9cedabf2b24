// Package notify fans a completed ingestion batch out to downstream
// recomputation hooks.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"retailpulse/backend/internal/domain"
)

type Hook interface {
	Name() string
	Handle(ctx context.Context, event domain.IngestionEvent) error
}

// HookFunc adapts a function to Hook.
type HookFunc struct {
	HookName string
	Fn       func(ctx context.Context, event domain.IngestionEvent) error
}

func (h HookFunc) Name() string { return h.HookName }

func (h HookFunc) Handle(ctx context.Context, event domain.IngestionEvent) error {
	return h.Fn(ctx, event)
}

// Observer is told the outcome of every hook call.
type Observer interface {
	HookFinished(hook string, elapsed time.Duration, err error)
}

type Notifier struct {
	hooks    []Hook
	log      zerolog.Logger
	observer Observer
}

func New(logger zerolog.Logger, hooks ...Hook) *Notifier {
	return &Notifier{
		hooks: hooks,
		log:   logger.With().Str("component", "notifier").Logger(),
	}
}

func (n *Notifier) WithObserver(o Observer) *Notifier {
	n.observer = o
	return n
}

// Notify runs every hook in order on the caller's goroutine. Hook errors and
// panics are logged and never returned.
func (n *Notifier) Notify(ctx context.Context, event domain.IngestionEvent) {
	if n == nil {
		return
	}
	for _, hook := range n.hooks {
		start := time.Now()
		err := n.call(ctx, hook, event)
		elapsed := time.Since(start)
		if err != nil {
			n.log.Error().Err(err).
				Str("hook", hook.Name()).
				Str("tenant_id", event.TenantID).
				Str("batch_id", event.BatchID).
				Msg("downstream hook failed")
		} else {
			n.log.Debug().Str("hook", hook.Name()).Str("tenant_id", event.TenantID).Dur("elapsed", elapsed).Msg("downstream hook done")
		}
		if n.observer != nil {
			n.observer.HookFinished(hook.Name(), elapsed, err)
		}
	}
}

func (n *Notifier) call(ctx context.Context, hook Hook, event domain.IngestionEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hook panicked: %v", r)
		}
	}()
	return hook.Handle(ctx, event)
}

// ForecastHook records a forecast regeneration request for the affected
// products. The forecasting engine itself lives outside this service.
type ForecastHook struct {
	log zerolog.Logger
}

func NewForecastHook(logger zerolog.Logger) ForecastHook {
	return ForecastHook{log: logger.With().Str("component", "forecast-hook").Logger()}
}

func (ForecastHook) Name() string { return "forecast" }

func (h ForecastHook) Handle(_ context.Context, event domain.IngestionEvent) error {
	if len(event.AffectedProductIDs) == 0 {
		return nil
	}
	h.log.Info().
		Str("tenant_id", event.TenantID).
		Strs("product_ids", event.AffectedProductIDs).
		Int("transactions", event.TransactionCount).
		Msg("forecast regeneration requested")
	return nil
}
