package server

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/taskboard/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/taskboard/backend/internal/realtime"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	socketWriteWait      = 10 * time.Second
	socketPongWait       = 60 * time.Second
	socketPingPeriod     = (socketPongWait * 9) / 10
	socketMaxMessageSize = 64 * 1024
)

var (
	errSocketClosed   = errors.New("realtime socket closed")
	errSendBufferFull = errors.New("realtime send buffer full")
)

func newUpgrader(allowedOrigins []string) *websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || containsWildcard(allowedOrigins)
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if allowAll || origin == "" {
				return true
			}
			return originAllowed(allowedOrigins, origin)
		},
	}
}

func (h *httpHandler) handleRealtime(c *gin.Context) {
	credential := auth.CredentialFromRequest(c.Request)
	socket, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Debug("realtime upgrade failed", zap.Error(err))
		return
	}

	conn := newSocketConn(socket, h.sendBuffer)
	go conn.writeLoop(h.logger)

	connectionID := uuid.NewString()
	ctx := c.Request.Context()
	session, err := h.gateway.Open(ctx, connectionID, conn, credential)
	if err != nil {
		<-conn.done
		return
	}

	conn.readLoop(func(raw []byte) error {
		return session.Handle(ctx, raw)
	}, h.logger)
	session.Close()
	_ = conn.Close()
	<-conn.done
}

// socketConn adapts a websocket to realtime.Conn with a single writer goroutine.
type socketConn struct {
	socket    *websocket.Conn
	outbound  chan realtime.Envelope
	closing   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newSocketConn(socket *websocket.Conn, buffer int) *socketConn {
	return &socketConn{
		socket:   socket,
		outbound: make(chan realtime.Envelope, buffer),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Send queues an envelope. A full queue closes the connection; the client resyncs on rejoin.
func (c *socketConn) Send(envelope realtime.Envelope) error {
	select {
	case <-c.closing:
		return errSocketClosed
	default:
	}
	select {
	case c.outbound <- envelope:
		return nil
	default:
		_ = c.Close()
		return errSendBufferFull
	}
}

// Close asks the writer to flush queued envelopes, send a close frame, and release the socket.
func (c *socketConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closing)
	})
	return nil
}

func (c *socketConn) writeLoop(logger *zap.Logger) {
	ticker := time.NewTicker(socketPingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.socket.Close()
		close(c.done)
	}()

	for {
		select {
		case envelope := <-c.outbound:
			if err := c.write(envelope); err != nil {
				logger.Debug("realtime write failed", zap.Error(err))
				_ = c.Close()
				return
			}
		case <-ticker.C:
			_ = c.socket.SetWriteDeadline(time.Now().Add(socketWriteWait))
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.Close()
				return
			}
		case <-c.closing:
			c.flush(logger)
			_ = c.socket.SetWriteDeadline(time.Now().Add(socketWriteWait))
			_ = c.socket.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *socketConn) flush(logger *zap.Logger) {
	for {
		select {
		case envelope := <-c.outbound:
			if err := c.write(envelope); err != nil {
				logger.Debug("realtime flush failed", zap.Error(err))
				return
			}
		default:
			return
		}
	}
}

func (c *socketConn) write(envelope realtime.Envelope) error {
	_ = c.socket.SetWriteDeadline(time.Now().Add(socketWriteWait))
	return c.socket.WriteJSON(envelope)
}

func (c *socketConn) readLoop(handle func([]byte) error, logger *zap.Logger) {
	c.socket.SetReadLimit(socketMaxMessageSize)
	_ = c.socket.SetReadDeadline(time.Now().Add(socketPongWait))
	c.socket.SetPongHandler(func(string) error {
		return c.socket.SetReadDeadline(time.Now().Add(socketPongWait))
	})
	for {
		messageType, raw, err := c.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("realtime socket closed unexpectedly", zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if err := handle(raw); err != nil {
			logger.Info("closing realtime socket after malformed message", zap.Error(err))
			return
		}
	}
}

func originAllowed(allowedOrigins []string, origin string) bool {
	for _, allowed := range allowedOrigins {
		if strings.EqualFold(strings.TrimSpace(allowed), origin) {
			return true
		}
	}
	return false
}
