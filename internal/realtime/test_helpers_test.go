package realtime

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/MarcoPoloResearchLab/taskboard/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/taskboard/backend/internal/notifications"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type recordingConn struct {
	mu        sync.Mutex
	envelopes []Envelope
	closed    bool
}

func (c *recordingConn) Send(envelope Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}
	c.envelopes = append(c.envelopes, envelope)
	return nil
}

func (c *recordingConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *recordingConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *recordingConn) events() []Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Envelope(nil), c.envelopes...)
}

func (c *recordingConn) last(t *testing.T) Envelope {
	t.Helper()
	events := c.events()
	if len(events) == 0 {
		t.Fatalf("expected at least one envelope")
	}
	return events[len(events)-1]
}

func (c *recordingConn) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envelopes = nil
}

func (c *recordingConn) count(event string) int {
	total := 0
	for _, envelope := range c.events() {
		if envelope.Event == event {
			total++
		}
	}
	return total
}

type tokenAuthenticator map[string]string

func (a tokenAuthenticator) Authenticate(_ context.Context, credential string) (string, error) {
	if credential == "expired" {
		return "", auth.ErrExpiredSessionToken
	}
	userID, ok := a[credential]
	if !ok {
		return "", auth.ErrInvalidSessionToken
	}
	return userID, nil
}

type blockingAuthenticator struct{}

func (blockingAuthenticator) Authenticate(ctx context.Context, _ string) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

type staticMembers map[string][]string

func (m staticMembers) MemberIDs(_ context.Context, projectID string) ([]string, error) {
	return m[projectID], nil
}

func newTestStore(t *testing.T) *notifications.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "realtime.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(&notifications.Notification{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	store, err := notifications.NewStore(notifications.StoreConfig{
		Database:   db,
		IDProvider: notifications.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	return store
}

var testTokens = tokenAuthenticator{
	"token-u":  "user-u",
	"token-u1": "user-1",
	"token-u2": "user-2",
	"token-u3": "user-3",
}

func newTestGateway(t *testing.T, logger *zap.Logger) (*Gateway, *notifications.Store) {
	t.Helper()
	store := newTestStore(t)
	gateway, err := NewGateway(GatewayConfig{
		Registry:      NewRegistry(),
		Store:         store,
		Authenticator: testTokens,
		Logger:        logger,
	})
	if err != nil {
		t.Fatalf("failed to build gateway: %v", err)
	}
	return gateway, store
}

func openSession(t *testing.T, gateway *Gateway, connectionID, credential string) (*Session, *recordingConn) {
	t.Helper()
	conn := &recordingConn{}
	session, err := gateway.Open(context.Background(), connectionID, conn, credential)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	return session, conn
}

func handle(t *testing.T, session *Session, raw string) {
	t.Helper()
	if err := session.Handle(context.Background(), []byte(raw)); err != nil {
		t.Fatalf("handle %s failed: %v", raw, err)
	}
}

func errorMessage(t *testing.T, envelope Envelope) string {
	t.Helper()
	if envelope.Event != EventError {
		t.Fatalf("expected error event, got %s", envelope.Event)
	}
	payload, ok := envelope.Data.(MessagePayload)
	if !ok {
		t.Fatalf("unexpected error payload %#v", envelope.Data)
	}
	return payload.Message
}

// checkRegistryInvariants verifies both indices agree with the connection records.
func checkRegistryInvariants(t *testing.T, registry *Registry) {
	t.Helper()
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	for projectID, bucket := range registry.byProject {
		if len(bucket) == 0 {
			t.Fatalf("empty project bucket %s retained", projectID)
		}
		for connectionID := range bucket {
			entry, ok := registry.connections[connectionID]
			if !ok {
				t.Fatalf("project %s references unknown connection %s", projectID, connectionID)
			}
			if entry.projectID != projectID {
				t.Fatalf("connection %s in bucket %s but subscribed to %q", connectionID, projectID, entry.projectID)
			}
		}
	}
	for userID, bucket := range registry.byUser {
		if len(bucket) == 0 {
			t.Fatalf("empty user bucket %s retained", userID)
		}
		for connectionID := range bucket {
			entry, ok := registry.connections[connectionID]
			if !ok || entry.userID != userID {
				t.Fatalf("user %s references mismatched connection %s", userID, connectionID)
			}
		}
	}
	for connectionID, entry := range registry.connections {
		if _, ok := registry.byUser[entry.userID][connectionID]; !ok {
			t.Fatalf("connection %s missing from user index", connectionID)
		}
		if entry.projectID != "" {
			if _, ok := registry.byProject[entry.projectID][connectionID]; !ok {
				t.Fatalf("connection %s missing from project index %s", connectionID, entry.projectID)
			}
		}
	}
}
