package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redwing-381/projectx/internal/auth"
	"github.com/redwing-381/projectx/internal/commands"
	"github.com/redwing-381/projectx/internal/devices"
	"github.com/redwing-381/projectx/internal/history"
	"github.com/redwing-381/projectx/internal/ingest"
	"github.com/redwing-381/projectx/internal/monitoring"
	"github.com/redwing-381/projectx/internal/ratelimit"
	"github.com/redwing-381/projectx/internal/rules"
	"go.uber.org/zap"
)

const (
	principalContextKey = "projectx_principal"

	defaultAppName     = "ProjectX"
	defaultWaitCeiling = 30 * time.Second
)

var (
	errMissingGateway    = errors.New("ingestion gateway dependency required")
	errMissingCommands   = errors.New("command service dependency required")
	errMissingMonitoring = errors.New("monitoring service dependency required")
	errMissingDevices    = errors.New("device registry dependency required")
	errMissingHistory    = errors.New("history store dependency required")
	errMissingRules      = errors.New("rule store dependency required")
)

// RuleRefresher reloads cached classification rules after an edit.
type RuleRefresher interface {
	Refresh(ctx context.Context) error
}

type Dependencies struct {
	Authenticator      *auth.Authenticator
	TokenIssuer        *auth.TokenIssuer
	Gateway            *ingest.Gateway
	Commands           *commands.Service
	Monitoring         *monitoring.Service
	Devices            *devices.Registry
	History            *history.Store
	Rules              *rules.Store
	RuleRefresher      RuleRefresher
	RateLimiter        ratelimit.Limiter
	CommandWaitCeiling time.Duration
	AppName            string
	Logger             *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.Gateway == nil:
		return nil, errMissingGateway
	case deps.Commands == nil:
		return nil, errMissingCommands
	case deps.Monitoring == nil:
		return nil, errMissingMonitoring
	case deps.Devices == nil:
		return nil, errMissingDevices
	case deps.History == nil:
		return nil, errMissingHistory
	case deps.Rules == nil:
		return nil, errMissingRules
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	authenticator := deps.Authenticator
	if authenticator == nil {
		authenticator = auth.NewAuthenticator("", nil)
	}
	if !authenticator.Enabled() {
		logger.Warn("api authentication disabled: no api key or signing secret configured")
	}
	waitCeiling := deps.CommandWaitCeiling
	if waitCeiling <= 0 {
		waitCeiling = defaultWaitCeiling
	}
	appName := deps.AppName
	if appName == "" {
		appName = defaultAppName
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		authenticator: authenticator,
		tokens:        deps.TokenIssuer,
		gateway:       deps.Gateway,
		commands:      deps.Commands,
		monitoring:    deps.Monitoring,
		devices:       deps.Devices,
		history:       deps.History,
		rules:         deps.Rules,
		refresher:     deps.RuleRefresher,
		waitCeiling:   waitCeiling,
		appName:       appName,
		logger:        logger,
	}

	router.GET("/health", handler.handleHealth)

	api := router.Group("/api")
	api.Use(handler.authorizeRequest)

	ingestRoutes := api.Group("")
	if deps.RateLimiter != nil {
		ingestRoutes.Use(ratelimit.Middleware(deps.RateLimiter, principalKey, logger))
	}
	ingestRoutes.POST("/notifications", handler.handleNotifications)

	api.GET("/mobile/commands/:device_id", handler.handlePollCommands)
	api.POST("/mobile/commands/:device_id/ack", handler.handleAckCommand)

	admin := api.Group("")
	admin.Use(handler.requireAdmin)
	admin.POST("/mobile/control/start", handler.handleMobileControl(true))
	admin.POST("/mobile/control/stop", handler.handleMobileControl(false))
	admin.GET("/mobile/status", handler.handleMobileStatus)
	admin.GET("/monitoring", handler.handleMonitoringStatus)
	admin.GET("/monitoring/unified", handler.handleUnifiedStatus)
	admin.POST("/monitoring/start", handler.handleMonitoringToggle(true))
	admin.POST("/monitoring/stop", handler.handleMonitoringToggle(false))
	admin.POST("/monitoring/start-all", handler.handleMonitoringAll(true))
	admin.POST("/monitoring/stop-all", handler.handleMonitoringAll(false))
	admin.POST("/monitoring/interval", handler.handleMonitoringInterval)
	admin.GET("/history", handler.handleHistory)
	admin.GET("/vip-senders", handler.handleListVIPSenders)
	admin.POST("/vip-senders", handler.handleAddVIPSender)
	admin.DELETE("/vip-senders/:id", handler.handleDeleteVIPSender)
	admin.GET("/keywords", handler.handleListKeywords)
	admin.POST("/keywords", handler.handleAddKeyword)
	admin.DELETE("/keywords/:id", handler.handleDeleteKeyword)
	admin.POST("/auth/device-token", handler.handleIssueDeviceToken)

	return router, nil
}

type httpHandler struct {
	authenticator *auth.Authenticator
	tokens        *auth.TokenIssuer
	gateway       *ingest.Gateway
	commands      *commands.Service
	monitoring    *monitoring.Service
	devices       *devices.Registry
	history       *history.Store
	rules         *rules.Store
	refresher     RuleRefresher
	waitCeiling   time.Duration
	appName       string
	logger        *zap.Logger
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	})
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "app_name": h.appName})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	principal, err := h.authenticator.Authenticate(auth.BearerToken(c.GetHeader("Authorization")))
	switch {
	case errors.Is(err, auth.ErrMissingCredential):
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication_required"})
		return
	case err != nil:
		h.logger.Info("credential rejected", zap.String("path", c.FullPath()), zap.String("client_ip", c.ClientIP()))
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid_credential"})
		return
	}
	c.Set(principalContextKey, principal)
	c.Next()
}

func (h *httpHandler) requireAdmin(c *gin.Context) {
	if !currentPrincipal(c).Admin {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin_required"})
		return
	}
	c.Next()
}

func currentPrincipal(c *gin.Context) auth.Principal {
	value, ok := c.Get(principalContextKey)
	if !ok {
		return auth.Principal{}
	}
	principal, _ := value.(auth.Principal)
	return principal
}

// principalKey scopes rate limits to the device when a device token is used.
func principalKey(c *gin.Context) string {
	if principal := currentPrincipal(c); principal.DeviceID != "" {
		return "device:" + principal.DeviceID
	}
	return "ip:" + c.ClientIP()
}

// authorizeDevice rejects a device token acting on another device.
func (h *httpHandler) authorizeDevice(c *gin.Context, deviceID string) bool {
	if currentPrincipal(c).CanActOn(deviceID) {
		return true
	}
	c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "device_forbidden"})
	return false
}

type codedError interface {
	Code() string
}

func (h *httpHandler) writeInternalError(c *gin.Context, category string, err error) {
	payload := gin.H{"error": category}
	var coded codedError
	if errors.As(err, &coded) {
		payload["code"] = coded.Code()
	}
	h.logger.Error("request failed",
		zap.String("path", c.FullPath()),
		zap.String("category", category),
		zap.Error(err),
	)
	c.JSON(http.StatusInternalServerError, payload)
}
