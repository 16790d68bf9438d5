package feed

import (
	"context"
	"sync/atomic"
	"time"

	"qms/prayerroom-service/internal/models"

	"go.uber.org/zap"
)

type Source interface {
	ListChangeEvents(ctx context.Context, afterSeq int64, limit int) ([]models.ChangeEvent, error)
	GetFeedOffset(ctx context.Context) (int64, error)
	UpdateFeedOffset(ctx context.Context, seq int64) error
}

type RelayConfig struct {
	PollInterval time.Duration
	BatchSize    int
}

// Relay tails the change log in sequence order and broadcasts each event
// once it has been committed. Sources must hand out sequence numbers in
// commit order, since the offset moves past every event read. The offset is
// persisted after every batch; a restart may redeliver the last batch.
type Relay struct {
	source   Source
	hub      *Hub
	interval time.Duration
	batch    int
	logger   *zap.Logger
	offset   int64
	loaded   bool
	running  int32
}

func NewRelay(source Source, hub *Hub, cfg RelayConfig, logger *zap.Logger) *Relay {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{source: source, hub: hub, interval: interval, batch: batch, logger: logger}
}

func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.PollOnce(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("change feed poll failed", zap.Error(err))
			}
		}
	}
}

// PollOnce relays at most one batch. Overlapping calls are skipped.
func (r *Relay) PollOnce(ctx context.Context) (int, error) {
	if !atomic.CompareAndSwapInt32(&r.running, 0, 1) {
		return 0, nil
	}
	defer atomic.StoreInt32(&r.running, 0)

	if !r.loaded {
		offset, err := r.source.GetFeedOffset(ctx)
		if err != nil {
			return 0, err
		}
		r.offset = offset
		r.loaded = true
	}

	pollCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	events, err := r.source.ListChangeEvents(pollCtx, r.offset, r.batch)
	cancel()
	if err != nil {
		return 0, err
	}
	for _, event := range events {
		r.hub.Broadcast(event)
		r.offset = event.Seq
	}
	if len(events) == 0 {
		return 0, nil
	}

	saveCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.source.UpdateFeedOffset(saveCtx, r.offset); err != nil {
		r.logger.Warn("change feed offset not saved", zap.Int64("seq", r.offset), zap.Error(err))
	}
	return len(events), nil
}
