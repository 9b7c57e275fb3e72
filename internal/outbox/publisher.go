package outbox

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/prepflowlabs/prepflow-cloud/internal/config"
	"github.com/prepflowlabs/prepflow-cloud/internal/realtime"
)

const (
	// WarnPayloadBytes is the serialized envelope size above which a publish
	// is allowed but flagged as oversized.
	WarnPayloadBytes = 32 * 1024
	// MaxPayloadBytes is the hard limit; larger envelopes are rejected
	// permanently since retrying cannot shrink them.
	MaxPayloadBytes = 64 * 1024

	// DefaultPublishLimit bounds a run when the caller does not say otherwise.
	DefaultPublishLimit = 100
	// MaxPublishLimit caps a caller-supplied limit.
	MaxPublishLimit = 500

	errPayloadTooLarge = "payload too large"
)

type sizeClass int

const (
	sizeOK sizeClass = iota
	sizeWarn
	sizeReject
)

func classifySize(n int) sizeClass {
	switch {
	case n > MaxPayloadBytes:
		return sizeReject
	case n > WarnPayloadBytes:
		return sizeWarn
	default:
		return sizeOK
	}
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultPublishLimit
	}
	if limit > MaxPublishLimit {
		return MaxPublishLimit
	}
	return limit
}

// Report summarizes one publish cycle.
type Report struct {
	Published            int     `json:"published"`
	Failed               int     `json:"failed"`
	Skipped              int     `json:"skipped"`
	OldestPendingSeconds float64 `json:"oldestPendingSeconds"`
}

// Publisher drains pending outbox events to the realtime channel. It runs as
// a polling loop and is also invoked directly by the publish trigger
// endpoint; both paths share PublishPending.
type Publisher struct {
	db           *gorm.DB
	store        *Store
	channel      realtime.Channel
	logger       *zap.Logger
	pollInterval time.Duration
	batchLimit   int
}

func NewPublisher(db *gorm.DB, store *Store, channel realtime.Channel, cfg *config.Config, logger *zap.Logger) *Publisher {
	interval := time.Duration(cfg.PublishIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Publisher{
		db:           db,
		store:        store,
		channel:      channel,
		logger:       logger.Named("outbox.publisher"),
		pollInterval: interval,
		batchLimit:   clampLimit(cfg.PublishBatchLimit),
	}
}

// Run polls the outbox until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) {
	if _, err := p.PublishPending(ctx, p.batchLimit); err != nil {
		p.logger.Error("outbox_initial_poll_failed", zap.Error(err))
	}

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.PublishPending(ctx, p.batchLimit); err != nil {
				p.logger.Error("outbox_poll_failed", zap.Error(err))
			}
		}
	}
}

// PublishPending claims up to limit pending events oldest-first and pushes
// them to the channel. Per-event outcomes are recorded on the rows; only a
// failure of the batch selection itself is returned as an error.
func (p *Publisher) PublishPending(ctx context.Context, limit int) (Report, error) {
	var report Report
	limit = clampLimit(limit)

	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		events, err := p.store.ClaimPending(tx, limit)
		if err != nil {
			return err
		}

		for i := range events {
			p.publishOne(ctx, tx, &events[i], &report)
		}
		return nil
	})
	if err != nil {
		return Report{}, err
	}

	if age, err := p.store.OldestPendingAge(ctx); err == nil {
		report.OldestPendingSeconds = age.Seconds()
		oldestPendingGauge.Set(age.Seconds())
	} else {
		p.logger.Warn("outbox_oldest_pending_failed", zap.Error(err))
	}

	return report, nil
}

func (p *Publisher) publishOne(ctx context.Context, tx *gorm.DB, ev *Event, report *Report) {
	envelope := BuildEnvelope(ev)
	raw, err := json.Marshal(envelope)
	if err != nil {
		// Payload column is jsonb, so this should not happen; treat it as
		// permanent since the content will not change on retry.
		p.markFailed(tx, ev, "envelope serialization failed: "+err.Error(), report)
		return
	}

	switch classifySize(len(raw)) {
	case sizeReject:
		p.markFailed(tx, ev, errPayloadTooLarge, report)
		return
	case sizeWarn:
		oversizedWarnTotal.Inc()
		p.logger.Warn("outbox_payload_oversized",
			zap.Int64("event_id", ev.ID),
			zap.String("event_type", ev.EventType),
			zap.Int("bytes", len(raw)),
		)
	}

	if err := p.channel.Publish(ctx, realtime.TenantTopic(ev.TenantID), raw); err != nil {
		// Transport failure: leave the row pending so the next run retries
		// naturally, without consuming the failed terminal state.
		report.Skipped++
		skippedTotal.Inc()
		p.logger.Warn("outbox_publish_transport_failed",
			zap.Error(err),
			zap.Int64("event_id", ev.ID),
			zap.String("event_type", ev.EventType),
		)
		return
	}

	marked, err := p.store.MarkPublished(tx, ev.ID)
	if err != nil {
		p.logger.Error("outbox_mark_published_failed", zap.Error(err), zap.Int64("event_id", ev.ID))
		report.Skipped++
		skippedTotal.Inc()
		return
	}
	if !marked {
		// Row left pending state under us; do not count it as published.
		p.logger.Warn("outbox_mark_published_no_row", zap.Int64("event_id", ev.ID))
		report.Skipped++
		skippedTotal.Inc()
		return
	}
	report.Published++
	publishedTotal.Inc()
}

func (p *Publisher) markFailed(tx *gorm.DB, ev *Event, reason string, report *Report) {
	marked, err := p.store.MarkFailed(tx, ev.ID, reason)
	if err != nil {
		p.logger.Error("outbox_mark_failed_failed", zap.Error(err), zap.Int64("event_id", ev.ID))
		report.Skipped++
		skippedTotal.Inc()
		return
	}
	if !marked {
		p.logger.Warn("outbox_mark_failed_no_row", zap.Int64("event_id", ev.ID))
		report.Skipped++
		skippedTotal.Inc()
		return
	}
	report.Failed++
	failedTotal.Inc()
	p.logger.Warn("outbox_event_rejected",
		zap.Int64("event_id", ev.ID),
		zap.String("event_type", ev.EventType),
		zap.String("reason", reason),
	)
}
