package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/taskboard/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/taskboard/backend/internal/notifications"
	"github.com/MarcoPoloResearchLab/taskboard/backend/internal/realtime"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	userIDContextKey  = "taskboard_user_id"
	defaultSendBuffer = 64
)

var (
	errMissingAuthenticator = errors.New("authenticator dependency required")
	errMissingStore         = errors.New("notification store dependency required")
	errMissingNotifier      = errors.New("notifier dependency required")
	errMissingMembers       = errors.New("membership dependency required")
	errMissingGateway       = errors.New("realtime gateway dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// EventNotifier runs the notification pipeline for project events.
type EventNotifier interface {
	Notify(ctx context.Context, event notifications.Event) ([]notifications.Notification, error)
	PushUnreadCount(ctx context.Context, projectID, userID string) error
}

// MembershipChecker answers whether a user belongs to a project.
type MembershipChecker interface {
	IsMember(ctx context.Context, projectID, userID string) (bool, error)
}

// Dependencies wires the HTTP surface.
type Dependencies struct {
	Authenticator  realtime.Authenticator
	Store          *notifications.Store
	Notifier       EventNotifier
	Members        MembershipChecker
	Gateway        *realtime.Gateway
	AllowedOrigins []string
	SendBuffer     int
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin router serving REST, websocket, health and metrics endpoints.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Authenticator == nil {
		return nil, errMissingAuthenticator
	}
	if deps.Store == nil {
		return nil, errMissingStore
	}
	if deps.Notifier == nil {
		return nil, errMissingNotifier
	}
	if deps.Members == nil {
		return nil, errMissingMembers
	}
	if deps.Gateway == nil {
		return nil, errMissingGateway
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sendBuffer := deps.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		authenticator: deps.Authenticator,
		store:         deps.Store,
		notifier:      deps.Notifier,
		members:       deps.Members,
		gateway:       deps.Gateway,
		upgrader:      newUpgrader(deps.AllowedOrigins),
		sendBuffer:    sendBuffer,
		logger:        logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/realtime", handler.handleRealtime)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/notifications", handler.handleListNotifications)
	protected.GET("/notifications/count", handler.handleCountNotifications)
	protected.PATCH("/notifications/read-all", handler.handleMarkAllRead)
	protected.PATCH("/notifications/:id/read", handler.handleMarkRead)
	protected.DELETE("/notifications/:id", handler.handleDeleteNotification)
	protected.DELETE("/notifications", handler.handleDeleteAll)
	protected.POST("/projects/:projectId/events", handler.handleProjectEvent)
	protected.GET("/realtime/projects/:projectId/connections", handler.handleProjectConnections)

	return router, nil
}

func corsMiddleware(allowedOrigins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 || containsWildcard(allowedOrigins) {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

func containsWildcard(origins []string) bool {
	for _, origin := range origins {
		if strings.TrimSpace(origin) == "*" {
			return true
		}
	}
	return false
}

type httpHandler struct {
	authenticator realtime.Authenticator
	store         *notifications.Store
	notifier      EventNotifier
	members       MembershipChecker
	gateway       *realtime.Gateway
	upgrader      *websocket.Upgrader
	sendBuffer    int
	logger        *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "connections": h.gateway.ConnectionCount()})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	userID, err := h.authenticator.Authenticate(c.Request.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}

// UserResolver maps validated session claims onto a canonical user id.
type UserResolver interface {
	ResolveCanonicalUserID(ctx context.Context, claims auth.SessionClaims) (string, error)
}

// SessionAuthenticator verifies session tokens and resolves the canonical user id.
type SessionAuthenticator struct {
	validator *auth.SessionValidator
	users     UserResolver
}

// NewSessionAuthenticator composes the session validator with user resolution.
// A nil resolver trusts the user id carried in the token.
func NewSessionAuthenticator(validator *auth.SessionValidator, users UserResolver) (*SessionAuthenticator, error) {
	if validator == nil {
		return nil, errMissingAuthenticator
	}
	return &SessionAuthenticator{validator: validator, users: users}, nil
}

// Authenticate implements realtime.Authenticator.
func (a *SessionAuthenticator) Authenticate(ctx context.Context, credential string) (string, error) {
	claims, err := a.validator.ValidateToken(credential)
	if err != nil {
		return "", err
	}
	if a.users == nil {
		return claims.UserID, nil
	}
	return a.users.ResolveCanonicalUserID(ctx, claims)
}
