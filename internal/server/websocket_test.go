package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/taskboard/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/taskboard/backend/internal/realtime"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type wireEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func dialRealtime(t *testing.T, httpServer *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	target := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/realtime"
	if token != "" {
		target += "?access_token=" + url.QueryEscape(token)
	}
	socket, response, err := websocket.DefaultDialer.Dial(target, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	if response.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected protocol switch, got %d", response.StatusCode)
	}
	t.Cleanup(func() {
		_ = socket.Close()
	})
	return socket
}

func readEnvelope(t *testing.T, socket *websocket.Conn) wireEnvelope {
	t.Helper()
	_ = socket.SetReadDeadline(time.Now().Add(2 * time.Second))
	var envelope wireEnvelope
	if err := socket.ReadJSON(&envelope); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	return envelope
}

func readUntil(t *testing.T, socket *websocket.Conn, event string) wireEnvelope {
	t.Helper()
	for range 10 {
		envelope := readEnvelope(t, socket)
		if envelope.Event == event {
			return envelope
		}
	}
	t.Fatalf("event %s not received", event)
	return wireEnvelope{}
}

func expectClosed(t *testing.T, socket *websocket.Conn) {
	t.Helper()
	_ = socket.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := socket.ReadMessage(); err == nil {
		t.Fatalf("expected the server to close the socket")
	} else if netErr, ok := err.(interface{ Timeout() bool }); ok && netErr.Timeout() {
		t.Fatalf("socket stayed open: %v", err)
	}
}

func sendEnvelope(t *testing.T, socket *websocket.Conn, event string, data any) {
	t.Helper()
	if err := socket.WriteJSON(map[string]any{"event": event, "data": data}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func waitForConnections(t *testing.T, server *testServer, expected int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if server.gateway.ConnectionCount() == expected {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %d connections, got %d", expected, server.gateway.ConnectionCount())
}

func TestRealtimeRejectsMissingCredential(t *testing.T) {
	server := newTestServer(t)
	httpServer := httptest.NewServer(server.handler)
	defer httpServer.Close()

	socket := dialRealtime(t, httpServer, "")
	if envelope := readEnvelope(t, socket); envelope.Event != realtime.EventAuthRequired {
		t.Fatalf("expected %s, got %s", realtime.EventAuthRequired, envelope.Event)
	}
	expectClosed(t, socket)
}

func TestRealtimeSignalsExpiredToken(t *testing.T) {
	server := newTestServer(t)
	httpServer := httptest.NewServer(server.handler)
	defer httpServer.Close()

	issuer, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		TokenTTL:      time.Minute,
		Clock:         func() time.Time { return time.Now().Add(-time.Hour) },
	})
	if err != nil {
		t.Fatalf("failed to build issuer: %v", err)
	}
	expired, _, err := issuer.Issue(auth.SessionIdentity{UserID: "user-1"})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	socket := dialRealtime(t, httpServer, expired)
	if envelope := readEnvelope(t, socket); envelope.Event != realtime.EventTokenExpired {
		t.Fatalf("expected %s, got %s", realtime.EventTokenExpired, envelope.Event)
	}
	expectClosed(t, socket)
}

func TestRealtimeSignalsInvalidToken(t *testing.T) {
	server := newTestServer(t)
	httpServer := httptest.NewServer(server.handler)
	defer httpServer.Close()

	socket := dialRealtime(t, httpServer, "not-a-jwt")
	if envelope := readEnvelope(t, socket); envelope.Event != realtime.EventAuthError {
		t.Fatalf("expected %s, got %s", realtime.EventAuthError, envelope.Event)
	}
	expectClosed(t, socket)
}

func TestRealtimeDeliversProjectEventsToLiveRecipient(t *testing.T) {
	server := newTestServer(t)
	httpServer := httptest.NewServer(server.handler)
	defer httpServer.Close()
	server.addMembers(t, "P1", "user-1", "user-2", "user-3")

	socket := dialRealtime(t, httpServer, server.token(t, "user-2", ""))
	sendEnvelope(t, socket, realtime.EventJoinProject, map[string]string{"projectId": "P1", "userId": "user-2"})

	snapshot := readEnvelope(t, socket)
	if snapshot.Event != realtime.EventUnreadNotifications {
		t.Fatalf("expected snapshot, got %s", snapshot.Event)
	}
	var emptySnapshot struct {
		Notifications []json.RawMessage `json:"notifications"`
		Count         int               `json:"count"`
	}
	if err := json.Unmarshal(snapshot.Data, &emptySnapshot); err != nil {
		t.Fatalf("failed to decode snapshot: %v", err)
	}
	if emptySnapshot.Count != 0 || emptySnapshot.Notifications == nil || len(emptySnapshot.Notifications) != 0 {
		t.Fatalf("expected empty snapshot, got %s", string(snapshot.Data))
	}

	recorder := server.do(t, http.MethodPost, "/projects/P1/events", server.token(t, "user-1", ""), projectEventRequest{
		Type:    "TASK_CREATED",
		Subject: "Fix login",
	})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", recorder.Code)
	}

	pushed := readUntil(t, socket, realtime.EventNewNotification)
	var payload struct {
		Notification struct {
			ID         string `json:"id"`
			UserID     string `json:"userId"`
			Message    string `json:"message"`
			Type       string `json:"type"`
			EntityType string `json:"entityType"`
		} `json:"notification"`
	}
	if err := json.Unmarshal(pushed.Data, &payload); err != nil {
		t.Fatalf("failed to decode push: %v", err)
	}
	if payload.Notification.UserID != "user-2" || payload.Notification.Message != "New task created: Fix login" ||
		payload.Notification.Type != "TASK_CREATED" || payload.Notification.EntityType != "task" {
		t.Fatalf("unexpected pushed notification %s", string(pushed.Data))
	}

	countUpdate := readUntil(t, socket, realtime.EventNotificationCountUpdate)
	var count realtime.CountUpdatePayload
	if err := json.Unmarshal(countUpdate.Data, &count); err != nil {
		t.Fatalf("failed to decode count: %v", err)
	}
	if count.Count != 1 || count.ProjectID != "P1" {
		t.Fatalf("unexpected count update %#v", count)
	}

	sendEnvelope(t, socket, realtime.EventMarkAsRead, map[string]string{"notificationId": payload.Notification.ID})
	acknowledged := readUntil(t, socket, realtime.EventNotificationMarkedRead)
	if !strings.Contains(string(acknowledged.Data), payload.Notification.ID) {
		t.Fatalf("unexpected acknowledgement %s", string(acknowledged.Data))
	}

	var connections struct {
		Connections []string `json:"connections"`
	}
	decodeBody(t, server.do(t, http.MethodGet, "/realtime/projects/P1/connections", server.token(t, "user-1", ""), nil), &connections)
	if len(connections.Connections) != 1 {
		t.Fatalf("expected one connection in the room, got %v", connections.Connections)
	}

	_ = socket.Close()
	waitForConnections(t, server, 0)
	if got := server.gateway.ConnectionsForProject("P1"); len(got) != 0 {
		t.Fatalf("expected abrupt disconnect to empty the room, got %v", got)
	}
}

func TestRealtimeClosesAfterMalformedMessage(t *testing.T) {
	server := newTestServer(t)
	httpServer := httptest.NewServer(server.handler)
	defer httpServer.Close()

	socket := dialRealtime(t, httpServer, server.token(t, "user-1", ""))
	if err := socket.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if envelope := readEnvelope(t, socket); envelope.Event != realtime.EventError {
		t.Fatalf("expected error event, got %s", envelope.Event)
	}
	expectClosed(t, socket)
	waitForConnections(t, server, 0)
}

func serveSocketConn(t *testing.T, buffer int, drive func(conn *socketConn)) *websocket.Conn {
	t.Helper()
	httpServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		socket, err := newUpgrader(nil).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		drive(newSocketConn(socket, buffer))
	}))
	t.Cleanup(httpServer.Close)

	socket, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(httpServer.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() {
		_ = socket.Close()
	})
	return socket
}

func countEnvelope(sequence int) realtime.Envelope {
	return realtime.Envelope{
		Event: realtime.EventNotificationCountUpdate,
		Data:  realtime.CountUpdatePayload{ProjectID: "P1", Count: int64(sequence)},
	}
}

func expectSequence(t *testing.T, socket *websocket.Conn, total int) {
	t.Helper()
	for sequence := range total {
		envelope := readEnvelope(t, socket)
		var payload realtime.CountUpdatePayload
		if err := json.Unmarshal(envelope.Data, &payload); err != nil {
			t.Fatalf("failed to decode envelope %d: %v", sequence, err)
		}
		if payload.Count != int64(sequence) {
			t.Fatalf("out of order delivery: position %d carried %d", sequence, payload.Count)
		}
	}
	expectClosed(t, socket)
}

func TestSocketConnDeliversSendsInOrder(t *testing.T) {
	const total = 50
	socket := serveSocketConn(t, 64, func(conn *socketConn) {
		go func() {
			for sequence := range total {
				if err := conn.Send(countEnvelope(sequence)); err != nil {
					return
				}
			}
			_ = conn.Close()
		}()
		conn.writeLoop(zap.NewNop())
	})
	expectSequence(t, socket, total)
}

func TestSocketConnFlushesQueueInOrderWhenBufferOverflows(t *testing.T) {
	const total = 8
	overflow := make(chan error, 1)
	socket := serveSocketConn(t, total, func(conn *socketConn) {
		for sequence := range total {
			if err := conn.Send(countEnvelope(sequence)); err != nil {
				overflow <- err
				return
			}
		}
		overflow <- conn.Send(countEnvelope(total))
		conn.writeLoop(zap.NewNop())
	})

	expectSequence(t, socket, total)
	select {
	case err := <-overflow:
		if !errors.Is(err, errSendBufferFull) {
			t.Fatalf("expected send buffer full, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("overflow send never returned")
	}
}
