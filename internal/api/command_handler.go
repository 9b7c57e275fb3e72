package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/prepflowlabs/prepflow-cloud/internal/auth"
	"github.com/prepflowlabs/prepflow-cloud/internal/command"
)

// CommandHandler runs named commands for the authenticated tenant.
type CommandHandler struct {
	runner *command.Runner
	logger *zap.Logger
}

func NewCommandHandler(runner *command.Runner, logger *zap.Logger) *CommandHandler {
	return &CommandHandler{runner: runner, logger: logger.Named("api.command")}
}

func (h *CommandHandler) Run(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable request body"})
		return
	}
	if len(body) > 0 && !json.Valid(body) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	key := c.GetHeader("Idempotency-Key")
	if key == "" {
		key = c.GetHeader("X-Idempotency-Key")
	}

	result, err := h.runner.Run(c.Request.Context(), command.Invocation{
		Name:           c.Param("name"),
		TenantID:       auth.TenantID(c),
		UserID:         auth.UserID(c),
		Payload:        body,
		IdempotencyKey: key,
	})
	if err != nil {
		if errors.Is(err, command.ErrUnknownCommand) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("command_run_failed",
			zap.String("command", c.Param("name")),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "command execution failed"})
		return
	}

	status := http.StatusOK
	if !result.Success {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, result)
}
