package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/prepflowlabs/prepflow-cloud/internal/config"
	"github.com/prepflowlabs/prepflow-cloud/internal/cryptoutils"
)

// claimLease keeps claimed deliveries invisible to overlapping dispatcher
// runs while an attempt is in flight.
const claimLease = 5 * time.Minute

// Backoff returns the delay before the next attempt: baseMs doubled per
// completed attempt, capped at maxMs.
func Backoff(attempt, baseMs, maxMs int) time.Duration {
	if baseMs <= 0 {
		baseMs = DefaultRetryDelayMs
	}
	if maxMs <= 0 {
		maxMs = 30000
	}
	delay := int64(baseMs)
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= int64(maxMs) {
			delay = int64(maxMs)
			break
		}
	}
	if delay > int64(maxMs) {
		delay = int64(maxMs)
	}
	return time.Duration(delay) * time.Millisecond
}

// AttemptOutcome summarizes one processed delivery.
type AttemptOutcome struct {
	DeliveryLogID int64          `json:"deliveryLogId,string"`
	WebhookID     int64          `json:"webhookId,string"`
	Success       bool           `json:"success"`
	AttemptNumber int            `json:"attemptNumber"`
	FinalStatus   DeliveryStatus `json:"finalStatus"`
}

// DispatchReport is returned by the manual dispatch trigger.
type DispatchReport struct {
	Retried int              `json:"retried"`
	Results []AttemptOutcome `json:"results"`
}

// Dispatcher drains due delivery logs, performs HTTP attempts, and applies
// the retry and auto-disable policy.
type Dispatcher struct {
	repo   *Repository
	sender Sender
	logger *zap.Logger

	secretKey        string
	disableThreshold int
	maxBackoffMs     int
	pollInterval     time.Duration
	batchLimit       int
	limiter          *rate.Limiter
}

func NewDispatcher(repo *Repository, sender Sender, cfg *config.Config, logger *zap.Logger) *Dispatcher {
	perMinute := cfg.DispatchRatePerMinute
	if perMinute <= 0 {
		perMinute = 300
	}
	burst := cfg.DispatchBurst
	if burst <= 0 {
		burst = 1
	}
	interval := time.Duration(cfg.DispatchIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Dispatcher{
		repo:             repo,
		sender:           sender,
		logger:           logger.Named("webhook.dispatcher"),
		secretKey:        cfg.SecretEncryptionKey,
		disableThreshold: cfg.WebhookDisableThreshold,
		maxBackoffMs:     cfg.WebhookMaxBackoffMs,
		pollInterval:     interval,
		batchLimit:       cfg.DispatchBatchLimit,
		limiter:          rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), burst),
	}
}

// Run drains due deliveries on a fixed interval until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	if _, err := d.DispatchDue(ctx, d.batchLimit); err != nil {
		d.logger.Error("webhook_initial_dispatch_failed", zap.Error(err))
	}

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("webhook_dispatcher_stopped")
			return
		case <-ticker.C:
			if _, err := d.DispatchDue(ctx, d.batchLimit); err != nil {
				d.logger.Error("webhook_dispatch_failed", zap.Error(err))
			}
		}
	}
}

// DispatchDue claims up to limit due deliveries and attempts each one,
// pacing attempts through the shared rate limiter.
func (d *Dispatcher) DispatchDue(ctx context.Context, limit int) (*DispatchReport, error) {
	if limit <= 0 {
		limit = d.batchLimit
	}
	logs, err := d.repo.ClaimDue(ctx, limit, claimLease)
	if err != nil {
		return nil, fmt.Errorf("claim due deliveries: %w", err)
	}

	report := &DispatchReport{Results: make([]AttemptOutcome, 0, len(logs))}
	for i := range logs {
		if err := d.limiter.Wait(ctx); err != nil {
			return report, err
		}
		outcome := d.attempt(ctx, &logs[i])
		report.Retried++
		report.Results = append(report.Results, outcome)
	}
	return report, nil
}

// RetryOne forces an immediate attempt for a single delivery, regardless of
// its schedule. Terminal deliveries are not eligible.
func (d *Dispatcher) RetryOne(ctx context.Context, deliveryLogID int64) (*AttemptOutcome, error) {
	log, err := d.repo.ClaimByID(ctx, deliveryLogID, claimLease)
	if err != nil {
		return nil, err
	}
	outcome := d.attempt(ctx, log)
	return &outcome, nil
}

// attempt runs one delivery attempt for an already-claimed log and records
// its outcome.
func (d *Dispatcher) attempt(ctx context.Context, log *DeliveryLog) AttemptOutcome {
	outcome := AttemptOutcome{
		DeliveryLogID: log.ID,
		WebhookID:     log.WebhookID,
		AttemptNumber: log.AttemptNumber,
	}

	hook, err := d.repo.FindWebhookForDelivery(ctx, log.WebhookID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			d.finishTerminal(ctx, log, "webhook configuration deleted")
			outcome.FinalStatus = log.Status
			return outcome
		}
		d.logger.Error("webhook_resolve_failed",
			zap.Int64("delivery_log_id", log.ID),
			zap.Error(err))
		d.reschedule(ctx, log, DefaultRetryDelayMs, "webhook lookup failed")
		outcome.FinalStatus = log.Status
		return outcome
	}

	if hook.DeletedAt != nil {
		d.finishTerminal(ctx, log, "webhook configuration deleted")
		outcome.FinalStatus = log.Status
		return outcome
	}
	if hook.Status != StatusActive {
		d.finishTerminal(ctx, log, fmt.Sprintf("webhook is %s", hook.Status))
		outcome.FinalStatus = log.Status
		return outcome
	}

	secret, apiKey, err := d.credentials(hook)
	if err != nil {
		d.logger.Error("webhook_decrypt_failed",
			zap.Int64("webhook_id", hook.ID),
			zap.Error(err))
		d.finishTerminal(ctx, log, "credential decryption failed")
		outcome.FinalStatus = log.Status
		return outcome
	}

	result := d.sender.Send(ctx, hook, secret, apiKey, []byte(log.Payload))
	log.HTTPResponseStatus = result.HTTPStatus
	log.ResponseBody = result.ResponseBody
	log.ErrorMessage = result.ErrorMessage

	if result.Success {
		now := time.Now().UTC()
		log.Status = DeliverySuccess
		log.DeliveredAt = &now
		log.NextRetryAt = nil
		deliveredTotal.Inc()
		if err := d.repo.FinishAttempt(ctx, log); err != nil {
			d.logger.Error("delivery_update_failed", zap.Int64("delivery_log_id", log.ID), zap.Error(err))
		}
		if err := d.repo.RecordSuccess(ctx, hook.ID); err != nil {
			d.logger.Error("webhook_health_update_failed", zap.Int64("webhook_id", hook.ID), zap.Error(err))
		}
		d.logger.Info("webhook_delivered",
			zap.Int64("delivery_log_id", log.ID),
			zap.Int64("webhook_id", hook.ID),
			zap.Int("attempt", log.AttemptNumber))

		outcome.Success = true
		outcome.FinalStatus = DeliverySuccess
		return outcome
	}

	retryCount := hook.RetryCount
	if retryCount <= 0 {
		retryCount = DefaultRetryCount
	}
	if log.AttemptNumber < retryCount {
		d.reschedule(ctx, log, hook.RetryDelayMs, result.ErrorMessage)
	} else {
		d.finishTerminal(ctx, log, result.ErrorMessage)
	}

	disabled, err := d.repo.RecordFailure(ctx, hook.ID, d.disableThreshold)
	if err != nil {
		d.logger.Error("webhook_health_update_failed", zap.Int64("webhook_id", hook.ID), zap.Error(err))
	}
	if disabled {
		disabledTotal.Inc()
		d.logger.Warn("webhook_auto_disabled",
			zap.Int64("webhook_id", hook.ID),
			zap.Int("threshold", d.disableThreshold))
	}

	d.logger.Warn("webhook_delivery_failed",
		zap.Int64("delivery_log_id", log.ID),
		zap.Int64("webhook_id", hook.ID),
		zap.Int("attempt", log.AttemptNumber),
		zap.String("error", result.ErrorMessage))

	outcome.FinalStatus = log.Status
	return outcome
}

// reschedule marks the delivery retrying with exponential backoff from the
// attempt that just failed.
func (d *Dispatcher) reschedule(ctx context.Context, log *DeliveryLog, baseDelayMs int, message string) {
	next := time.Now().UTC().Add(Backoff(log.AttemptNumber, baseDelayMs, d.maxBackoffMs))
	log.Status = DeliveryRetrying
	log.NextRetryAt = &next
	log.ErrorMessage = message
	retriedTotal.Inc()
	if err := d.repo.FinishAttempt(ctx, log); err != nil {
		d.logger.Error("delivery_update_failed", zap.Int64("delivery_log_id", log.ID), zap.Error(err))
	}
}

// finishTerminal marks the delivery permanently failed.
func (d *Dispatcher) finishTerminal(ctx context.Context, log *DeliveryLog, message string) {
	now := time.Now().UTC()
	log.Status = DeliveryFailed
	log.FailedAt = &now
	log.NextRetryAt = nil
	log.ErrorMessage = message
	failedTotal.Inc()
	if err := d.repo.FinishAttempt(ctx, log); err != nil {
		d.logger.Error("delivery_update_failed", zap.Int64("delivery_log_id", log.ID), zap.Error(err))
	}
}

func (d *Dispatcher) credentials(w *Webhook) (secret, apiKey string, err error) {
	if w.Secret != "" {
		secret, err = cryptoutils.Decrypt(w.Secret, d.secretKey)
		if err != nil {
			return "", "", fmt.Errorf("decrypt secret: %w", err)
		}
	}
	if w.APIKey != "" {
		apiKey, err = cryptoutils.Decrypt(w.APIKey, d.secretKey)
		if err != nil {
			return "", "", fmt.Errorf("decrypt api key: %w", err)
		}
	}
	return secret, apiKey, nil
}
