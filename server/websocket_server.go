package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"github.com/tligentia/PacientIA/audio"
	"github.com/tligentia/PacientIA/config"
	"github.com/tligentia/PacientIA/messages"
	"github.com/tligentia/PacientIA/observe"
	"github.com/tligentia/PacientIA/session"
)

// Server exposes live voice sessions to the web UI over WebSocket
type Server struct {
	httpServer     *http.Server
	upgrader       websocket.Upgrader
	sessionManager *session.Manager
	config         *config.Config
	metrics        *observe.Metrics
	logger         *slog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
}

// NewServerWebsocket wires the HTTP routes. metricsHandler may be nil, in
// which case /metrics is not served.
func NewServerWebsocket(cfg *config.Config, sessionManager *session.Manager, metrics *observe.Metrics, metricsHandler http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		sessionManager: sessionManager,
		config:         cfg,
		metrics:        metrics,
		logger:         observe.Component(logger, "websocket-server"),
		clients:        make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:    64 * 1024, // 64KB for audio chunks
			WriteBufferSize:   64 * 1024, // 64KB for audio chunks
			EnableCompression: true,
			CheckOrigin: func(r *http.Request) bool {
				// Check allowed origins
				origin := r.Header.Get("Origin")
				for _, allowed := range cfg.AllowedOrigins {
					if allowed == "*" || allowed == origin {
						return true
					}
				}
				return false
			},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the route multiplexer
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start begins listening for connections. It returns nil after Shutdown.
func (s *Server) Start() error {
	s.logger.Info("websocket server starting", "port", s.config.Port, "endpoint", fmt.Sprintf("ws://localhost:%d/ws", s.config.Port))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops every session, closes open sockets and stops the listener
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	s.sessionManager.Shutdown(ctx)

	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		c.close()
	}

	return s.httpServer.Shutdown(ctx)
}

func (s *Server) track(c *client, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if on {
		s.clients[c] = struct{}{}
	} else {
		delete(s.clients, c)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Upgrade HTTP to WebSocket
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	c := newClient(conn, s.config.KeepAlivePeriod, s.logger)
	br := newBridge(c, s.config.MaxBufferSize)

	hooks := br.hooks()
	// The registry may close the session on inactivity; the socket goes with it.
	hooks.OnClosed = c.close

	ctrl, err := s.sessionManager.CreateSession(r.Context(), br, hooks)
	if err != nil {
		s.logger.Warn("failed to create session", "error", err)
		// Send error and close
		if data, mErr := sonic.Marshal(messages.NewErrorMessage("", messages.ErrCodeSessionFailed, err.Error())); mErr == nil {
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			_ = conn.WriteMessage(websocket.TextMessage, data)
		}
		_ = conn.Close()
		return
	}

	id := ctrl.ID()
	br.sessionID = id
	logger := s.logger.With("session_id", id)
	logger.Info("new session created", "remote_addr", r.RemoteAddr)

	s.track(c, true)
	go c.writePump()
	c.queueMessage(messages.NewStatusMessage(id, ctrl.Status().String(), ""))

	s.readPump(ctrl, br, c, logger)

	// Clean up
	_ = s.sessionManager.RemoveSession(context.Background(), id)
	c.close()
	s.track(c, false)
	logger.Info("session closed")
}

// readPump reads UI input until the socket closes. Binary messages are
// captured audio; text messages are JSON commands.
func (s *Server) readPump(ctrl *session.Controller, br *bridge, c *client, logger *slog.Logger) {
	conn := c.conn
	conn.SetReadLimit(int64(s.config.MaxBufferSize))

	extend := func() {}
	if s.config.KeepAlivePeriod > 0 {
		extend = func() { _ = conn.SetReadDeadline(time.Now().Add(2 * s.config.KeepAlivePeriod)) }
		conn.SetPongHandler(func(string) error {
			extend()
			return nil
		})
	}
	extend()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("client connection lost", "error", err)
			}
			return
		}
		extend()
		ctrl.Touch()

		if messageType == websocket.BinaryMessage {
			if err := br.feed(data); errors.Is(err, audio.ErrBufferFull) {
				s.metrics.RecordFrameDropped(context.Background(), "buffer_full")
				c.queueMessage(messages.NewErrorMessage(ctrl.ID(), messages.ErrCodeBufferFull,
					fmt.Sprintf("Audio buffer full (max %d bytes)", br.framer.MaxSize())))
			}
			continue
		}

		var msg messages.ClientMessage
		if err := sonic.Unmarshal(data, &msg); err != nil {
			c.queueMessage(messages.NewErrorMessage(ctrl.ID(), messages.ErrCodeInvalidMessage, "Invalid message format"))
			continue
		}
		s.processClientMessage(ctrl, br, c, &msg)
	}
}

func (s *Server) processClientMessage(ctrl *session.Controller, br *bridge, c *client, msg *messages.ClientMessage) {
	switch msg.Type {
	case messages.TypeControl:
		var payload messages.ControlPayload
		if err := sonic.Unmarshal(msg.Payload, &payload); err != nil {
			c.queueMessage(messages.NewErrorMessage(ctrl.ID(), messages.ErrCodeInvalidMessage, "Invalid control payload"))
			return
		}
		s.handleControlMessage(ctrl, br, c, &payload)

	case messages.TypePlaybackEnded:
		var payload messages.PlaybackEndedPayload
		if err := sonic.Unmarshal(msg.Payload, &payload); err != nil {
			c.queueMessage(messages.NewErrorMessage(ctrl.ID(), messages.ErrCodeInvalidMessage, "Invalid playback_ended payload"))
			return
		}
		br.playbackEnded(payload.ID)

	default:
		c.queueMessage(messages.NewErrorMessage(ctrl.ID(), messages.ErrCodeInvalidMessage, "Unknown message type: "+msg.Type))
	}
}

func (s *Server) handleControlMessage(ctrl *session.Controller, br *bridge, c *client, payload *messages.ControlPayload) {
	switch payload.Action {
	case messages.ActionStart:
		br.setMicDenied(payload.MicDenied)
		ctrl.Start()
	case messages.ActionStop:
		ctrl.Stop()
	case messages.ActionToggle:
		br.setMicDenied(payload.MicDenied)
		ctrl.Toggle()
	case messages.ActionPing:
		c.queueMessage(messages.NewPongMessage(ctrl.ID()))
	default:
		c.queueMessage(messages.NewErrorMessage(ctrl.ID(), messages.ErrCodeInvalidMessage, "Unknown control action: "+payload.Action))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body, err := sonic.Marshal(map[string]any{
		"status":   "ok",
		"sessions": s.sessionManager.GetActiveSessionCount(),
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
