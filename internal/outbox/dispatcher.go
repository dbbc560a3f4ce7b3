package outbox

import (
	"context"
	"log/slog"
	"time"
)

const maxAttempts = 10

// Handler processes one outbox message payload. A nil return marks the
// message sent; an error schedules a retry with backoff.
type Handler func(ctx context.Context, payload []byte) error

type Dispatcher struct {
	repo      *Repository
	handlers  map[string]Handler
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
}

func NewDispatcher(repo *Repository, interval time.Duration, batchSize int, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		repo:      repo,
		handlers:  make(map[string]Handler),
		interval:  interval,
		batchSize: batchSize,
		logger:    logger,
	}
}

func (d *Dispatcher) Register(kind string, handler Handler) {
	d.handlers[kind] = handler
}

func (d *Dispatcher) Start(ctx context.Context) {
	go d.loop(ctx)
}

func (d *Dispatcher) loop(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		if err := d.dispatch(ctx); err != nil {
			d.logger.Error("outbox dispatch failed", "err", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context) error {
	batch, err := d.repo.lockBatch(ctx, d.batchSize, time.Now())
	if err != nil {
		return err
	}

	for _, msg := range batch {
		handler, ok := d.handlers[msg.Kind]
		if !ok {
			d.logger.Error("no outbox handler registered", "kind", msg.Kind, "msg_id", msg.ID)
			if err := d.repo.markFailure(ctx, msg, maxAttempts); err != nil {
				return err
			}
			continue
		}

		handleCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := handler(handleCtx, msg.Payload)
		cancel()

		if err != nil {
			d.logger.Warn("outbox handler failed", "kind", msg.Kind, "msg_id", msg.ID, "attempts", msg.Attempts+1, "err", err)
			if err := d.repo.markFailure(ctx, msg, maxAttempts); err != nil {
				return err
			}
			continue
		}

		if err := d.repo.markSent(ctx, msg.ID); err != nil {
			return err
		}
	}

	return nil
}
