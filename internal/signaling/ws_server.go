package signaling

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/geosignal-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/geosignal-relay/internal/ratelimit"
)

const (
	wsWriteWait  = 1 * time.Second
	wsCloseGrace = 1 * time.Second

	defaultIdleTimeout     = 60 * time.Second
	defaultPingInterval    = 20 * time.Second
	defaultMaxMessageBytes = int64(64 * 1024)
)

type WebSocketConfig struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	MaxMessageBytes   int64
	MessagesPerSecond int
	BytesPerSecond    int
	SendQueueSize     int
	IdleTimeout       time.Duration
	PingInterval      time.Duration

	// Clock drives the per-connection rate limiter. Defaults to the real
	// clock.
	Clock ratelimit.Clock
}

// WebSocketServer upgrades HTTP requests to signaling connections and
// attaches them to a Hub.
type WebSocketServer struct {
	hub      *Hub
	cfg      WebSocketConfig
	upgrader websocket.Upgrader
}

func NewWebSocketServer(hub *Hub, cfg WebSocketConfig) *WebSocketServer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = hub.metrics
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = defaultMaxMessageBytes
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.IdleTimeout {
		cfg.PingInterval = cfg.IdleTimeout / 3
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = defaultSendQueueSize
	}
	if cfg.Clock == nil {
		cfg.Clock = ratelimit.RealClock{}
	}
	return &WebSocketServer{
		hub: hub,
		cfg: cfg,
		upgrader: websocket.Upgrader{
			// Origin checks are enforced by the httpserver origin middleware.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (s *WebSocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.cfg.Logger.Debug("websocket upgrade failed", "err", err, "remote_addr", r.RemoteAddr)
		return
	}

	c := NewClient(s.cfg.SendQueueSize)
	ws := &wsConn{
		srv:     s,
		conn:    conn,
		client:  c,
		logger:  s.cfg.Logger.With("conn_id", c.ID()),
		limiter: ratelimit.NewConnLimiter(s.cfg.Clock, int64(s.cfg.MessagesPerSecond), int64(s.cfg.BytesPerSecond)),
	}
	if !s.hub.Join(c) {
		ws.closeWith(websocket.CloseGoingAway, "server shutting down")
		_ = conn.Close()
		return
	}
	ws.logger.Debug("websocket connected", "remote_addr", r.RemoteAddr)
	ws.run()
}

type wsConn struct {
	srv     *WebSocketServer
	conn    *websocket.Conn
	client  *Client
	logger  *slog.Logger
	limiter *ratelimit.ConnLimiter
}

func (ws *wsConn) run() {
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ws.writePump()
	}()

	ws.readLoop()

	ws.srv.hub.Leave(ws.client)
	select {
	case <-writerDone:
	case <-time.After(wsCloseGrace + wsWriteWait):
	}
	_ = ws.conn.Close()
}

func (ws *wsConn) readLoop() {
	cfg := ws.srv.cfg
	ws.conn.SetReadLimit(cfg.MaxMessageBytes)
	_ = ws.conn.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
	ws.conn.SetPongHandler(func(string) error {
		return ws.conn.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
	})

	for {
		msgType, data, err := ws.conn.ReadMessage()
		if err != nil {
			switch {
			case isTimeout(err):
				ws.logger.Info("closing idle websocket")
				ws.closeWith(websocket.CloseNormalClosure, "idle timeout")
			case errors.Is(err, websocket.ErrReadLimit):
				ws.logger.Warn("signaling message too large", "max_bytes", cfg.MaxMessageBytes)
			case websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
				ws.logger.Debug("websocket closed unexpectedly", "err", err)
			}
			return
		}
		_ = ws.conn.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))

		// Over-limit frames are dropped but the connection stays up.
		if ok, reason := ws.limiter.Allow(len(data)); !ok {
			cfg.Metrics.Drop(metrics.DropReasonRateLimited)
			ws.logger.Debug("signaling message rate limited", "limit", string(reason))
			continue
		}
		if msgType != websocket.TextMessage {
			cfg.Metrics.Drop(metrics.DropReasonMalformed)
			ws.logger.Warn("ignoring non-text websocket frame")
			continue
		}

		env, err := parseEnvelope(data)
		if err != nil {
			cfg.Metrics.Drop(metrics.DropReasonMalformed)
			ws.logger.Warn("ignoring malformed signaling frame", "err", err)
			continue
		}
		if !ws.srv.hub.Deliver(ws.client, env) {
			ws.closeWith(websocket.CloseGoingAway, "server shutting down")
			return
		}
	}
}

func (ws *wsConn) writePump() {
	ticker := time.NewTicker(ws.srv.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-ws.client.Outbound():
			if !ok {
				// Detached by the hub. Give the peer a moment to answer the
				// close frame before the read loop is cut off.
				ws.closeWith(websocket.CloseGoingAway, "connection closed")
				_ = ws.conn.SetReadDeadline(time.Now().Add(wsCloseGrace))
				return
			}
			_ = ws.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := ws.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				ws.logger.Debug("websocket write failed", "err", err)
				_ = ws.conn.Close()
				return
			}
		case <-ticker.C:
			if err := ws.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				ws.logger.Debug("websocket ping failed", "err", err)
				_ = ws.conn.Close()
				return
			}
		}
	}
}

func (ws *wsConn) closeWith(code int, reason string) {
	_ = ws.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
