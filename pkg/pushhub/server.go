package pushhub

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"fx_platform/internal/config"
	"fx_platform/internal/core"
	"fx_platform/pkg/telemetry"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Server upgrades WebSocket connections and attaches each one to the hub.
// Subscriptions are declared on the dial URL: /ws?accounts=1001,1002; an
// empty list subscribes to every account.
type Server struct {
	hub      *Hub
	cfg      config.PushConfig
	logger   core.ILogger
	upgrader websocket.Upgrader
	srv      *http.Server
	mu       sync.Mutex

	connSemaphore chan struct{}
	ipLimiters    sync.Map // remote ip -> *rate.Limiter
}

func NewServer(cfg config.PushConfig, hub *Hub, logger core.ILogger) *Server {
	s := &Server{
		hub:           hub,
		cfg:           cfg,
		logger:        logger.WithField("component", "push_server"),
		connSemaphore: make(chan struct{}, cfg.MaxConnections),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Handler returns the /ws handler; tests mount it on httptest servers.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	return mux
}

// Start serves in the background until the context ends.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	s.srv = &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: s.Handler(),
	}
	s.mu.Unlock()

	s.logger.Info("Push server listening", "addr", s.cfg.ListenAddr)

	errChan := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		return s.Stop(context.Background())
	}
}

// Stop shuts the listener down; connected pumps end when the hub closes
// their subscribers.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Non-browser clients (tests, gateway-side consumers) carry no
		// Origin header; the gateway enforces auth in front of us.
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		s.reject("invalid_origin")
		return false
	}
	originStr := parsed.Scheme + "://" + parsed.Host
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || originStr == allowed {
			return true
		}
	}
	s.logger.Warn("Rejected subscriber from unauthorized origin", "origin", origin, "remote_addr", r.RemoteAddr)
	s.reject("invalid_origin")
	return false
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.cfg.DialsPerIPPerSec > 0 {
		ip := remoteIP(r)
		if !s.ipLimiter(ip).Allow() {
			s.logger.Warn("Dial rate limit exceeded", "ip", ip)
			s.reject("rate_limit")
			http.Error(w, "Too many requests", http.StatusTooManyRequests)
			return
		}
	}

	select {
	case s.connSemaphore <- struct{}{}:
		defer func() { <-s.connSemaphore }()
	default:
		s.logger.Warn("Max subscriber connections reached")
		s.reject("connection_limit")
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return
	}

	accounts, err := parseAccounts(r.URL.Query().Get("accounts"))
	if err != nil {
		s.reject("bad_request")
		http.Error(w, "invalid accounts parameter", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	sub := NewSubscriber(uuid.New().String(), accounts, s.cfg.SendBuffer)
	s.hub.Register(sub)
	sub.Send(Message{Type: TypeWelcome, Data: map[string]interface{}{"accounts": accounts}})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.writePump(conn, sub)
	}()
	go func() {
		defer wg.Done()
		s.readPump(conn, sub)
	}()
	wg.Wait()

	s.hub.Unregister(sub)
	conn.Close()
}

// writePump drains the subscriber's buffer onto the wire and keeps the
// connection alive with pings.
func (s *Server) writePump(conn *websocket.Conn, sub *Subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		// Unblocks the read pump when the write side fails first.
		conn.Close()
	}()

	for {
		select {
		case msg, ok := <-sub.Messages():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				s.logger.Warn("Write failed", "subscriber_id", sub.id, "error", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes inbound frames only to service pongs and detect close.
func (s *Server) readPump(conn *websocket.Conn, sub *Subscriber) {
	defer s.hub.Unregister(sub)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn("Read failed", "subscriber_id", sub.id, "error", err)
			}
			return
		}
	}
}

func (s *Server) reject(reason string) {
	if m := telemetry.GetGlobalMetrics().PushRejectsTotal; m != nil {
		m.Add(context.Background(), 1)
	}
	_ = reason
}

func (s *Server) ipLimiter(ip string) *rate.Limiter {
	if val, ok := s.ipLimiters.Load(ip); ok {
		return val.(*rate.Limiter)
	}
	limiter := rate.NewLimiter(rate.Limit(s.cfg.DialsPerIPPerSec), s.cfg.DialBurstPerIP)
	actual, _ := s.ipLimiters.LoadOrStore(ip, limiter)
	return actual.(*rate.Limiter)
}

func parseAccounts(raw string) ([]int64, error) {
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
