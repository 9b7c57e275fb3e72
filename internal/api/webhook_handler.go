package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/prepflowlabs/prepflow-cloud/internal/auth"
	"github.com/prepflowlabs/prepflow-cloud/internal/webhook"
)

// WebhookHandler exposes tenant-scoped webhook configuration.
type WebhookHandler struct {
	service *webhook.Service
}

func NewWebhookHandler(service *webhook.Service) *WebhookHandler {
	return &WebhookHandler{service: service}
}

func (h *WebhookHandler) List(c *gin.Context) {
	hooks, err := h.service.List(
		c.Request.Context(),
		auth.TenantID(c),
		webhook.Status(c.Query("status")),
		c.Query("entityType"),
	)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list webhooks"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": hooks})
}

func (h *WebhookHandler) Create(c *gin.Context) {
	var in webhook.Input
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	hook, err := h.service.Create(c.Request.Context(), auth.TenantID(c), in)
	if err != nil {
		status, msg := classifyWebhookErr(err)
		c.JSON(status, gin.H{"error": msg})
		return
	}
	c.JSON(http.StatusCreated, hook)
}

func (h *WebhookHandler) Update(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	var in webhook.Input
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	hook, err := h.service.Update(c.Request.Context(), auth.TenantID(c), id, in)
	if err != nil {
		status, msg := classifyWebhookErr(err)
		c.JSON(status, gin.H{"error": msg})
		return
	}
	c.JSON(http.StatusOK, hook)
}

func (h *WebhookHandler) Get(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	hook, err := h.service.Get(c.Request.Context(), auth.TenantID(c), id)
	if err != nil {
		status, msg := classifyWebhookErr(err)
		c.JSON(status, gin.H{"error": msg})
		return
	}
	c.JSON(http.StatusOK, hook)
}

func (h *WebhookHandler) Delete(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	if err := h.service.Delete(c.Request.Context(), auth.TenantID(c), id); err != nil {
		status, msg := classifyWebhookErr(err)
		c.JSON(status, gin.H{"error": msg})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *WebhookHandler) Activate(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	hook, err := h.service.Activate(c.Request.Context(), auth.TenantID(c), id)
	if err != nil {
		status, msg := classifyWebhookErr(err)
		c.JSON(status, gin.H{"error": msg})
		return
	}
	c.JSON(http.StatusOK, hook)
}

func (h *WebhookHandler) Deliveries(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	logs, err := h.service.ListDeliveries(c.Request.Context(), auth.TenantID(c), id, limit)
	if err != nil {
		status, msg := classifyWebhookErr(err)
		c.JSON(status, gin.H{"error": msg})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deliveries": logs})
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid webhook id"})
		return 0, false
	}
	return id, true
}

func classifyWebhookErr(err error) (int, string) {
	switch {
	case errors.Is(err, webhook.ErrNotFound):
		return http.StatusNotFound, "webhook not found"
	case errors.Is(err, webhook.ErrInvalidURL),
		errors.Is(err, webhook.ErrInvalidEventType),
		errors.Is(err, webhook.ErrInvalidEntityType):
		return http.StatusBadRequest, err.Error()
	default:
		return http.StatusInternalServerError, "internal error"
	}
}
