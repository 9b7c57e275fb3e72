package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/prepflowlabs/prepflow-cloud/internal/outbox"
	"github.com/prepflowlabs/prepflow-cloud/internal/webhook"
)

// TriggerHandler exposes the cron-style batch triggers. Both endpoints
// tolerate absent or malformed bodies and fall back to defaults.
type TriggerHandler struct {
	publisher  *outbox.Publisher
	dispatcher *webhook.Dispatcher
	logger     *zap.Logger
}

func NewTriggerHandler(publisher *outbox.Publisher, dispatcher *webhook.Dispatcher, logger *zap.Logger) *TriggerHandler {
	return &TriggerHandler{
		publisher:  publisher,
		dispatcher: dispatcher,
		logger:     logger.Named("api.trigger"),
	}
}

type publishRequest struct {
	Limit int `json:"limit"`
}

func (h *TriggerHandler) PublishOutbox(c *gin.Context) {
	var req publishRequest
	// Malformed body means default batch size, not a client error.
	_ = c.ShouldBindJSON(&req)

	report, err := h.publisher.PublishPending(c.Request.Context(), req.Limit)
	if err != nil {
		h.logger.Error("outbox_trigger_failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "publish cycle failed"})
		return
	}
	c.JSON(http.StatusOK, report)
}

type retryRequest struct {
	MaxRetries    int    `json:"maxRetries"`
	DeliveryLogID string `json:"deliveryLogId"`
}

func (h *TriggerHandler) RetryWebhooks(c *gin.Context) {
	var req retryRequest
	_ = c.ShouldBindJSON(&req)

	if req.DeliveryLogID != "" {
		id, err := strconv.ParseInt(req.DeliveryLogID, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid deliveryLogId"})
			return
		}
		outcome, err := h.dispatcher.RetryOne(c.Request.Context(), id)
		if err != nil {
			if errors.Is(err, webhook.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "delivery log not found or not retryable"})
				return
			}
			h.logger.Error("webhook_retry_failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "retry failed"})
			return
		}
		c.JSON(http.StatusOK, webhook.DispatchReport{
			Retried: 1,
			Results: []webhook.AttemptOutcome{*outcome},
		})
		return
	}

	report, err := h.dispatcher.DispatchDue(c.Request.Context(), req.MaxRetries)
	if err != nil {
		h.logger.Error("webhook_retry_failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "retry cycle failed"})
		return
	}
	c.JSON(http.StatusOK, report)
}
