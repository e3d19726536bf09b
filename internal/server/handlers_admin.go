package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redwing-381/projectx/internal/history"
	"github.com/redwing-381/projectx/internal/monitoring"
	"github.com/redwing-381/projectx/internal/rules"
	"go.uber.org/zap"
)

func (h *httpHandler) handleMonitoringStatus(c *gin.Context) {
	status, err := h.monitoring.Status(c.Request.Context())
	if err != nil {
		h.writeInternalError(c, "status_failed", err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *httpHandler) handleUnifiedStatus(c *gin.Context) {
	status, err := h.monitoring.Unified(c.Request.Context())
	if err != nil {
		h.writeInternalError(c, "status_failed", err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *httpHandler) handleMonitoringToggle(enabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		includeMobile, _ := strconv.ParseBool(c.DefaultQuery("include_mobile", "false"))
		var (
			result monitoring.ControlResult
			err    error
		)
		if enabled {
			result, err = h.monitoring.Start(c.Request.Context(), includeMobile)
		} else {
			result, err = h.monitoring.Stop(c.Request.Context(), includeMobile)
		}
		if err != nil {
			h.writeInternalError(c, "control_failed", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "message": result.Message})
	}
}

func (h *httpHandler) handleMonitoringAll(enabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		var (
			result monitoring.ControlResult
			err    error
		)
		if enabled {
			result, err = h.monitoring.StartAll(c.Request.Context())
		} else {
			result, err = h.monitoring.StopAll(c.Request.Context())
		}
		if err != nil {
			h.writeInternalError(c, "control_failed", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "message": result.Message, "devices": len(result.Devices)})
	}
}

type intervalRequestPayload struct {
	Minutes *int `json:"minutes"`
}

func (h *httpHandler) handleMonitoringInterval(c *gin.Context) {
	var request intervalRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Minutes == nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_request", "detail": "minutes is required"})
		return
	}
	status, err := h.monitoring.SetInterval(c.Request.Context(), *request.Minutes)
	if errors.Is(err, monitoring.ErrInvalidInterval) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_interval", "detail": err.Error()})
		return
	}
	if err != nil {
		h.writeInternalError(c, "settings_failed", err)
		return
	}
	c.JSON(http.StatusOK, status)
}

type historyRecordPayload struct {
	ID         uint   `json:"id"`
	MessageID  string `json:"message_id"`
	DeviceID   string `json:"device_id,omitempty"`
	Source     string `json:"source"`
	Sender     string `json:"sender"`
	Subject    string `json:"subject"`
	Snippet    string `json:"snippet"`
	Urgency    string `json:"urgency"`
	Reason     string `json:"reason"`
	SMSSent    bool   `json:"sms_sent"`
	CreatedAt  string `json:"created_at"`
	CapturedAt string `json:"captured_at,omitempty"`
}

type historyPagePayload struct {
	Alerts     []historyRecordPayload `json:"alerts"`
	Total      int64                  `json:"total"`
	Page       int                    `json:"page"`
	PageSize   int                    `json:"page_size"`
	TotalPages int                    `json:"total_pages"`
}

func (h *httpHandler) handleHistory(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	result, err := h.history.List(c.Request.Context(), history.Query{
		Urgency: c.Query("urgency"),
		Search:  c.Query("search"),
		Source:  c.Query("source"),
		Page:    page,
	})
	if err != nil {
		h.writeInternalError(c, "history_failed", err)
		return
	}
	response := historyPagePayload{
		Alerts:     make([]historyRecordPayload, 0, len(result.Records)),
		Total:      result.Total,
		Page:       result.Page,
		PageSize:   result.PageSize,
		TotalPages: result.TotalPages,
	}
	for _, record := range result.Records {
		entry := historyRecordPayload{
			ID:        record.ID,
			MessageID: record.MessageID,
			DeviceID:  record.DeviceID,
			Source:    record.Source,
			Sender:    record.Sender,
			Subject:   record.Subject,
			Snippet:   record.TextPreview,
			Urgency:   record.Urgency,
			Reason:    record.Reason,
			SMSSent:   record.SMSSent,
			CreatedAt: record.CreatedAt.UTC().Format(time.RFC3339),
		}
		if record.CapturedAtMillis > 0 {
			entry.CapturedAt = time.UnixMilli(record.CapturedAtMillis).UTC().Format(time.RFC3339)
		}
		response.Alerts = append(response.Alerts, entry)
	}
	c.JSON(http.StatusOK, response)
}

type ruleRequestPayload struct {
	Value string `json:"value"`
}

type rulePayload struct {
	ID        uint   `json:"id"`
	Value     string `json:"value"`
	CreatedAt string `json:"created_at"`
}

func (h *httpHandler) handleListVIPSenders(c *gin.Context) {
	senders, err := h.rules.ListVIPSenders(c.Request.Context())
	if err != nil {
		h.writeInternalError(c, "rules_failed", err)
		return
	}
	payload := make([]rulePayload, 0, len(senders))
	for _, sender := range senders {
		payload = append(payload, rulePayload{ID: sender.ID, Value: sender.Value, CreatedAt: sender.CreatedAt.UTC().Format(time.RFC3339)})
	}
	c.JSON(http.StatusOK, gin.H{"vip_senders": payload})
}

func (h *httpHandler) handleAddVIPSender(c *gin.Context) {
	var request ruleRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_request", "detail": "value is required"})
		return
	}
	sender, err := h.rules.AddVIPSender(c.Request.Context(), request.Value)
	if !h.writeRuleError(c, err) {
		return
	}
	h.refreshRules(c)
	c.JSON(http.StatusCreated, rulePayload{ID: sender.ID, Value: sender.Value, CreatedAt: sender.CreatedAt.UTC().Format(time.RFC3339)})
}

func (h *httpHandler) handleDeleteVIPSender(c *gin.Context) {
	id, ok := parseRuleID(c)
	if !ok {
		return
	}
	if !h.writeRuleError(c, h.rules.DeleteVIPSender(c.Request.Context(), id)) {
		return
	}
	h.refreshRules(c)
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListKeywords(c *gin.Context) {
	keywords, err := h.rules.ListKeywords(c.Request.Context())
	if err != nil {
		h.writeInternalError(c, "rules_failed", err)
		return
	}
	payload := make([]rulePayload, 0, len(keywords))
	for _, keyword := range keywords {
		payload = append(payload, rulePayload{ID: keyword.ID, Value: keyword.Keyword, CreatedAt: keyword.CreatedAt.UTC().Format(time.RFC3339)})
	}
	c.JSON(http.StatusOK, gin.H{"keywords": payload})
}

func (h *httpHandler) handleAddKeyword(c *gin.Context) {
	var request ruleRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_request", "detail": "value is required"})
		return
	}
	keyword, err := h.rules.AddKeyword(c.Request.Context(), request.Value)
	if !h.writeRuleError(c, err) {
		return
	}
	h.refreshRules(c)
	c.JSON(http.StatusCreated, rulePayload{ID: keyword.ID, Value: keyword.Keyword, CreatedAt: keyword.CreatedAt.UTC().Format(time.RFC3339)})
}

func (h *httpHandler) handleDeleteKeyword(c *gin.Context) {
	id, ok := parseRuleID(c)
	if !ok {
		return
	}
	if !h.writeRuleError(c, h.rules.DeleteKeyword(c.Request.Context(), id)) {
		return
	}
	h.refreshRules(c)
	c.Status(http.StatusNoContent)
}

func parseRuleID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id"})
		return 0, false
	}
	return uint(id), true
}

// writeRuleError writes the response for a failed rule edit and reports whether err was nil.
func (h *httpHandler) writeRuleError(c *gin.Context, err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, rules.ErrInvalidValue):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_request", "detail": "value is required"})
	case errors.Is(err, rules.ErrDuplicate):
		c.JSON(http.StatusConflict, gin.H{"error": "duplicate_rule"})
	case errors.Is(err, rules.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "rule_not_found"})
	default:
		h.writeInternalError(c, "rules_failed", err)
	}
	return false
}

func (h *httpHandler) refreshRules(c *gin.Context) {
	if h.refresher == nil {
		return
	}
	if err := h.refresher.Refresh(c.Request.Context()); err != nil {
		h.logger.Warn("rule cache refresh failed", zap.Error(err))
	}
}

type deviceTokenRequestPayload struct {
	DeviceID string `json:"device_id"`
}

type deviceTokenResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleIssueDeviceToken(c *gin.Context) {
	if h.tokens == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "device_tokens_disabled"})
		return
	}
	var request deviceTokenRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.DeviceID) == "" {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_request", "detail": "device_id is required"})
		return
	}
	token, expiresIn, err := h.tokens.IssueDeviceToken(request.DeviceID)
	if err != nil {
		h.logger.Error("failed to issue device token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}
	c.JSON(http.StatusOK, deviceTokenResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}
