package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/taskboard/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/taskboard/backend/internal/database"
	"github.com/MarcoPoloResearchLab/taskboard/backend/internal/notifications"
	"github.com/MarcoPoloResearchLab/taskboard/backend/internal/projects"
	"github.com/MarcoPoloResearchLab/taskboard/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/taskboard/backend/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	testSigningSecret = "test-signing-secret"
	testIssuer        = "taskboard-test"
)

type testServer struct {
	handler  http.Handler
	store    *notifications.Store
	members  *projects.Directory
	gateway  *realtime.Gateway
	issuer   *auth.SessionIssuer
	notifier *notifications.Notifier
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "taskboard.db"), logger)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	store, err := notifications.NewStore(notifications.StoreConfig{Database: db, IDProvider: notifications.NewUUIDProvider()})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	members, err := projects.NewDirectory(projects.DirectoryConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build member directory: %v", err)
	}
	directory, err := notifications.NewDirectory(notifications.DirectoryConfig{Store: store, Members: members})
	if err != nil {
		t.Fatalf("failed to build notification directory: %v", err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
	})
	if err != nil {
		t.Fatalf("failed to build validator: %v", err)
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build user service: %v", err)
	}
	authenticator, err := NewSessionAuthenticator(validator, userService)
	if err != nil {
		t.Fatalf("failed to build authenticator: %v", err)
	}
	gateway, err := realtime.NewGateway(realtime.GatewayConfig{
		Registry:      realtime.NewRegistry(),
		Store:         store,
		Authenticator: authenticator,
		AuthTimeout:   time.Second,
	})
	if err != nil {
		t.Fatalf("failed to build gateway: %v", err)
	}
	notifier, err := notifications.NewNotifier(notifications.NotifierConfig{
		Directory: directory,
		Pusher:    gateway,
		Names:     userService,
	})
	if err != nil {
		t.Fatalf("failed to build notifier: %v", err)
	}
	handler, err := NewHTTPHandler(Dependencies{
		Authenticator: authenticator,
		Store:         store,
		Notifier:      notifier,
		Members:       members,
		Gateway:       gateway,
		SendBuffer:    16,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	issuer, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to build issuer: %v", err)
	}
	return &testServer{
		handler:  handler,
		store:    store,
		members:  members,
		gateway:  gateway,
		issuer:   issuer,
		notifier: notifier,
	}
}

func (s *testServer) token(t *testing.T, userID, displayName string) string {
	t.Helper()
	token, _, err := s.issuer.Issue(auth.SessionIdentity{UserID: userID, DisplayName: displayName})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (s *testServer) addMembers(t *testing.T, projectID string, userIDs ...string) {
	t.Helper()
	for _, userID := range userIDs {
		if err := s.members.AddMember(context.Background(), projectID, userID, projects.RoleMember); err != nil {
			t.Fatalf("failed to add member: %v", err)
		}
	}
}

func (s *testServer) seed(t *testing.T, userID, projectID string) notifications.Notification {
	t.Helper()
	notification, err := s.store.Create(context.Background(), notifications.CreateParams{
		RecipientID: userID,
		ProjectID:   projectID,
		Type:        notifications.TypeTaskUpdated,
		Message:     "Task updated: Fix login",
	})
	if err != nil {
		t.Fatalf("failed to seed notification: %v", err)
	}
	return notification
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&payload).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	request := httptest.NewRequest(method, path, &payload)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to decode body %q: %v", recorder.Body.String(), err)
	}
}
