package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redwing-381/projectx/internal/commands"
	"github.com/redwing-381/projectx/internal/devices"
	"github.com/redwing-381/projectx/internal/ingest"
	"github.com/redwing-381/projectx/internal/monitoring"
	"go.uber.org/zap"
)

type notificationPayload struct {
	ID        string `json:"id"`
	App       string `json:"app"`
	Sender    string `json:"sender"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

type notificationBatchPayload struct {
	DeviceID      *string                `json:"device_id"`
	Notifications *[]notificationPayload `json:"notifications"`
}

type batchResponsePayload struct {
	Success           bool   `json:"success"`
	Processed         int    `json:"processed"`
	UrgentCount       int    `json:"urgent_count"`
	MonitoringEnabled bool   `json:"monitoring_enabled"`
	Message           string `json:"message"`
}

func (h *httpHandler) handleNotifications(c *gin.Context) {
	var request notificationBatchPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_request", "detail": "request body must be a JSON object"})
		return
	}
	if request.DeviceID == nil || strings.TrimSpace(*request.DeviceID) == "" {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_request", "detail": "device_id is required"})
		return
	}
	if request.Notifications == nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_request", "detail": "notifications is required"})
		return
	}
	deviceID := strings.TrimSpace(*request.DeviceID)
	if !h.authorizeDevice(c, deviceID) {
		return
	}

	batch := make([]ingest.Notification, 0, len(*request.Notifications))
	for _, notification := range *request.Notifications {
		batch = append(batch, ingest.Notification{
			ID:        notification.ID,
			App:       notification.App,
			Sender:    notification.Sender,
			Text:      notification.Text,
			Timestamp: notification.Timestamp,
		})
	}

	result, err := h.gateway.SubmitBatch(c.Request.Context(), deviceID, batch)
	if err != nil {
		var validationErr *ingest.ValidationError
		if errors.As(err, &validationErr) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_request", "detail": validationErr.Field + " " + validationErr.Reason})
			return
		}
		h.writeInternalError(c, "ingest_failed", err)
		return
	}
	c.JSON(http.StatusOK, batchResponsePayload{
		Success:           true,
		Processed:         result.Processed,
		UrgentCount:       result.UrgentCount,
		MonitoringEnabled: result.MonitoringEnabled,
		Message:           result.Message,
	})
}

type commandPayload struct {
	ID        uint   `json:"id"`
	Command   string `json:"command"`
	CreatedAt string `json:"created_at"`
}

type commandListPayload struct {
	Commands          []commandPayload `json:"commands"`
	MonitoringEnabled bool             `json:"monitoring_enabled"`
}

func (h *httpHandler) handlePollCommands(c *gin.Context) {
	deviceID := strings.TrimSpace(c.Param("device_id"))
	if !h.authorizeDevice(c, deviceID) {
		return
	}
	wait, err := parseWait(c.Query("wait"), h.waitCeiling)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_wait"})
		return
	}

	pending, err := h.pollCommands(c.Request.Context(), deviceID, wait)
	if err != nil {
		h.writeInternalError(c, "poll_failed", err)
		return
	}

	monitoringEnabled := true
	device, err := h.devices.Get(c.Request.Context(), deviceID)
	switch {
	case err == nil:
		monitoringEnabled = device.MonitoringEnabled
	case !errors.Is(err, devices.ErrDeviceNotFound):
		h.writeInternalError(c, "poll_failed", err)
		return
	}

	response := commandListPayload{Commands: make([]commandPayload, 0, len(pending)), MonitoringEnabled: monitoringEnabled}
	for _, command := range pending {
		response.Commands = append(response.Commands, commandPayload{
			ID:        command.ID,
			Command:   string(command.Type),
			CreatedAt: command.CreatedAt().Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, response)
}

// pollCommands returns pending commands, waiting up to wait for one to arrive.
// The subscription is taken before the first read so an enqueue in between is not missed.
func (h *httpHandler) pollCommands(ctx context.Context, deviceID string, wait time.Duration) ([]commands.Command, error) {
	notifier := h.commands.Notifier()
	if wait <= 0 || notifier == nil {
		return h.commands.Poll(ctx, deviceID)
	}
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	signals, cleanup := notifier.Subscribe(waitCtx, deviceID)
	defer cleanup()

	pending, err := h.commands.Poll(ctx, deviceID)
	if err != nil || len(pending) > 0 {
		return pending, err
	}
	select {
	case <-signals:
	case <-waitCtx.Done():
	}
	return h.commands.Poll(ctx, deviceID)
}

func parseWait(raw string, ceiling time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	wait, err := time.ParseDuration(raw)
	if err != nil {
		seconds, convErr := strconv.Atoi(raw)
		if convErr != nil {
			return 0, err
		}
		wait = time.Duration(seconds) * time.Second
	}
	if wait < 0 {
		return 0, errors.New("wait must not be negative")
	}
	if wait > ceiling {
		wait = ceiling
	}
	return wait, nil
}

type ackRequestPayload struct {
	CommandID *uint `json:"command_id"`
}

func (h *httpHandler) handleAckCommand(c *gin.Context) {
	deviceID := strings.TrimSpace(c.Param("device_id"))
	if !h.authorizeDevice(c, deviceID) {
		return
	}
	var request ackRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.CommandID == nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_request", "detail": "command_id is required"})
		return
	}
	command, err := h.commands.Acknowledge(c.Request.Context(), deviceID, *request.CommandID)
	if errors.Is(err, commands.ErrCommandNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "Command not found"})
		return
	}
	if err != nil {
		h.writeInternalError(c, "ack_failed", err)
		return
	}
	h.logger.Info("command acknowledged by device",
		zap.String("device_id", deviceID),
		zap.Uint("command_id", command.ID),
	)
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Command acknowledged"})
}

func (h *httpHandler) handleMobileControl(enabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		deviceID := strings.TrimSpace(c.Query("device_id"))
		var (
			result monitoring.ControlResult
			err    error
		)
		if enabled {
			result, err = h.monitoring.StartDevice(c.Request.Context(), deviceID)
		} else {
			result, err = h.monitoring.StopDevice(c.Request.Context(), deviceID)
		}
		if errors.Is(err, devices.ErrDeviceNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "Device not found"})
			return
		}
		if err != nil {
			h.writeInternalError(c, "control_failed", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "message": result.Message})
	}
}

func (h *httpHandler) handleMobileStatus(c *gin.Context) {
	status, err := h.monitoring.Mobile(c.Request.Context())
	if err != nil {
		h.writeInternalError(c, "status_failed", err)
		return
	}
	c.JSON(http.StatusOK, status)
}
