package realtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/taskboard/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/taskboard/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/taskboard/backend/internal/notifications"
	"go.uber.org/zap"
)

const (
	defaultAuthTimeout = 5 * time.Second

	authReasonMissing = "missing"
	authReasonExpired = "expired"
	authReasonInvalid = "invalid"
	authReasonTimeout = "timeout"

	messageAuthRequired = "Authentication required"
	messageAuthError    = "Authentication failed"
	messageTokenExpired = "Token expired"
)

var (
	// ErrAuthRequired indicates the handshake carried no credential.
	ErrAuthRequired = errors.New("realtime: authentication required")
	// ErrAuthFailed indicates the credential could not be verified.
	ErrAuthFailed = errors.New("realtime: authentication failed")
	// ErrIdentityMismatch indicates a control message claimed another user's identity.
	ErrIdentityMismatch = errors.New("realtime: identity mismatch")

	errAuthTimeout       = errors.New("credential verification timed out")
	errMissingRegistry   = errors.New("connection registry is required")
	errMissingStore      = errors.New("notification store is required")
	errMissingVerifier   = errors.New("authenticator is required")
	errMissingConnection = errors.New("connection id and transport are required")
)

// Authenticator verifies a handshake credential and returns the canonical user id.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (string, error)
}

// NotificationStore is the subset of the notification store used by live sessions.
type NotificationStore interface {
	Get(ctx context.Context, notificationID string) (notifications.Notification, error)
	ListUnread(ctx context.Context, userID, projectID string) ([]notifications.Notification, error)
	CountUnread(ctx context.Context, userID, projectID string) (int64, error)
	MarkRead(ctx context.Context, notificationID string) (notifications.Notification, error)
	MarkAllRead(ctx context.Context, userID, projectID string) (int64, error)
}

// GatewayConfig describes the dependencies of the realtime gateway.
type GatewayConfig struct {
	Registry      *Registry
	Store         NotificationStore
	Authenticator Authenticator
	Logger        *zap.Logger
	AuthTimeout   time.Duration
}

// Gateway authenticates connections, owns the registry, and pushes notifications to live sessions.
type Gateway struct {
	registry      *Registry
	store         NotificationStore
	authenticator Authenticator
	logger        *zap.Logger
	authTimeout   time.Duration
}

// NewGateway validates the configuration and returns a Gateway.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Authenticator == nil {
		return nil, errMissingVerifier
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	authTimeout := cfg.AuthTimeout
	if authTimeout <= 0 {
		authTimeout = defaultAuthTimeout
	}
	return &Gateway{
		registry:      cfg.Registry,
		store:         cfg.Store,
		authenticator: cfg.Authenticator,
		logger:        logger,
		authTimeout:   authTimeout,
	}, nil
}

// Open authenticates a freshly accepted connection. On failure the matching auth signal
// is sent, the connection is closed, and an error is returned.
func (g *Gateway) Open(ctx context.Context, connectionID string, conn Conn, credential string) (*Session, error) {
	connectionID = strings.TrimSpace(connectionID)
	if connectionID == "" || conn == nil {
		return nil, errMissingConnection
	}
	credential = strings.TrimSpace(credential)
	if credential == "" {
		g.reject(connectionID, conn, EventAuthRequired, messageAuthRequired, authReasonMissing)
		g.logger.Info("realtime handshake without credential", zap.String("connection_id", connectionID))
		return nil, ErrAuthRequired
	}

	userID, err := g.authenticate(ctx, credential)
	switch {
	case err == nil:
	case errors.Is(err, auth.ErrExpiredSessionToken):
		g.reject(connectionID, conn, EventTokenExpired, messageTokenExpired, authReasonExpired)
		g.logger.Info("realtime credential expired", zap.String("connection_id", connectionID))
		return nil, fmt.Errorf("%w: %w", ErrAuthFailed, err)
	default:
		reason := authReasonInvalid
		if errors.Is(err, errAuthTimeout) {
			reason = authReasonTimeout
		}
		g.reject(connectionID, conn, EventAuthError, messageAuthError, reason)
		g.logger.Warn("realtime authentication failed",
			zap.String("connection_id", connectionID),
			zap.String("reason", reason),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrAuthFailed, err)
	}

	g.registry.Register(connectionID, userID, conn)
	metrics.SetRealtimeConnections(g.registry.Len())
	g.logger.Debug("realtime connection registered",
		zap.String("connection_id", connectionID),
		zap.String("user_id", userID))
	return &Session{gateway: g, connectionID: connectionID, userID: userID, conn: conn}, nil
}

// PushToUser delivers a notification to every live connection of the user.
func (g *Gateway) PushToUser(userID string, notification notifications.Notification) {
	envelope := Envelope{Event: EventNewNotification, Data: NewNotificationPayload{Notification: notification}}
	for _, recipient := range g.registry.connsForUser(userID) {
		g.send(recipient, envelope)
	}
}

// PushCountUpdate delivers the unread count to the user's connections subscribed to projectID.
func (g *Gateway) PushCountUpdate(projectID, userID string, count int64) {
	envelope := Envelope{Event: EventNotificationCountUpdate, Data: CountUpdatePayload{ProjectID: projectID, Count: count}}
	for _, recipient := range g.registry.connsForUserInProject(userID, projectID) {
		g.send(recipient, envelope)
	}
}

// ConnectionsForProject lists the connections subscribed to the project.
func (g *Gateway) ConnectionsForProject(projectID string) []string {
	return g.registry.ConnectionsForProject(projectID)
}

// ConnectionCount returns the number of authenticated connections.
func (g *Gateway) ConnectionCount() int {
	return g.registry.Len()
}

func (g *Gateway) authenticate(ctx context.Context, credential string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.authTimeout)
	defer cancel()

	type outcome struct {
		userID string
		err    error
	}
	result := make(chan outcome, 1)
	go func() {
		userID, err := g.authenticator.Authenticate(ctx, credential)
		result <- outcome{userID: userID, err: err}
	}()

	select {
	case verified := <-result:
		if verified.err != nil {
			return "", verified.err
		}
		if strings.TrimSpace(verified.userID) == "" {
			return "", auth.ErrMissingSessionSubject
		}
		return verified.userID, nil
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %w", errAuthTimeout, ctx.Err())
	}
}

func (g *Gateway) reject(connectionID string, conn Conn, event, message, reason string) {
	metrics.IncrementAuthFailure(reason)
	g.send(target{connectionID: connectionID, conn: conn}, messageEnvelope(event, message))
	if err := conn.Close(); err != nil {
		g.logger.Debug("realtime close failed", zap.String("connection_id", connectionID), zap.Error(err))
	}
}

func (g *Gateway) send(recipient target, envelope Envelope) {
	if err := recipient.conn.Send(envelope); err != nil {
		g.logger.Debug("realtime send dropped",
			zap.String("connection_id", recipient.connectionID),
			zap.String("event", envelope.Event),
			zap.Error(err))
		return
	}
	metrics.IncrementRealtimeEvent(envelope.Event)
}

func (g *Gateway) unregister(connectionID string) {
	if g.registry.Unregister(connectionID) {
		metrics.SetRealtimeConnections(g.registry.Len())
		g.logger.Debug("realtime connection unregistered", zap.String("connection_id", connectionID))
	}
}
