package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/tligentia/PacientIA/audio"
	"github.com/tligentia/PacientIA/config"
	"github.com/tligentia/PacientIA/observe"
)

// ErrMaxSessions is returned when the registry is full
var ErrMaxSessions = errors.New("maximum sessions reached")

const (
	activeSessionsKey = "active_sessions"
	redisOpTimeout    = 2 * time.Second
	mirrorQueueSize   = 256
)

func sessionKey(id string) string { return "session:" + id }

// Manager manages all live sessions of the bridge server and mirrors their
// status into Redis when it is reachable
type Manager struct {
	sessions  map[string]*Controller
	mu        sync.RWMutex
	redis     *redis.Client
	config    *config.Config
	connector Connector
	metrics   *observe.Metrics
	logger    *slog.Logger

	// Redis writes from session loops go through one worker, in order.
	mirror     chan mirrorOp
	stop       chan struct{}
	stopOnce   sync.Once
	mirrorCtx  context.Context
	cancel     context.CancelFunc
	mirrorDone sync.WaitGroup
}

// mirrorOp is one queued write to the Redis registry. A removal is ordered
// after every status queued before it, so a closed session is not rewritten.
type mirrorOp struct {
	sessionID string
	status    Status
	at        time.Time
	remove    bool
}

// NewManager creates a session manager. An empty RedisURL, or a Redis that
// does not answer a ping, leaves the registry in memory only.
func NewManager(cfg *config.Config, connector Connector, metrics *observe.Metrics, logger *slog.Logger) (*Manager, error) {
	if connector == nil {
		return nil, errors.New("session manager needs a connector")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = observe.Component(logger, "session-manager")

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisURL,
			Password: cfg.RedisPassword,
			DB:       0,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			// Redis unavailable, continue without it
			logger.Warn("redis unavailable, session registry is in-memory only", "addr", cfg.RedisURL, "error", err)
			_ = redisClient.Close()
			redisClient = nil
		}
	}

	return newManager(cfg, connector, metrics, logger, redisClient), nil
}

func newManager(cfg *config.Config, connector Connector, metrics *observe.Metrics, logger *slog.Logger, redisClient *redis.Client) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	sm := &Manager{
		sessions:  make(map[string]*Controller),
		redis:     redisClient,
		config:    cfg,
		connector: connector,
		metrics:   metrics,
		logger:    logger,
		mirror:    make(chan mirrorOp, mirrorQueueSize),
		stop:      make(chan struct{}),
		mirrorCtx: ctx,
		cancel:    cancel,
	}
	if redisClient != nil {
		sm.mirrorDone.Add(1)
		go sm.runMirror()
	}
	return sm
}

// CreateSession registers a new idle session on devices. hooks receive the
// session's outputs; status changes are also mirrored to Redis.
func (sm *Manager) CreateSession(ctx context.Context, devices audio.Devices, hooks Hooks) (*Controller, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if len(sm.sessions) >= sm.config.MaxSessions {
		return nil, ErrMaxSessions
	}

	sessionID := uuid.New().String()

	onStatus := hooks.OnStatus
	hooks.OnStatus = func(s Status) {
		sm.recordStatus(sessionID, s)
		if onStatus != nil {
			onStatus(s)
		}
	}

	c := NewController(sessionID, devices, sm.connector, Options{
		SendQueueSize:  sm.config.SendQueueSize,
		ConnectTimeout: sm.config.LiveConnectTimeout,
		Logger:         sm.logger,
		Metrics:        sm.metrics,
		Hooks:          hooks,
	})

	sm.storeSession(ctx, sessionID, c)
	return c, nil
}

// storeSession saves a session to memory and Redis
func (sm *Manager) storeSession(ctx context.Context, sessionID string, c *Controller) {
	sm.sessions[sessionID] = c

	if sm.redis != nil {
		now := time.Now().Format(time.RFC3339)
		pipe := sm.redis.TxPipeline()
		pipe.HSet(ctx, sessionKey(sessionID), map[string]any{
			"created_at":    now,
			"last_activity": now,
			"status":        c.Status().String(),
		})
		pipe.SAdd(ctx, activeSessionsKey, sessionID)
		pipe.Expire(ctx, sessionKey(sessionID), sm.config.SessionTimeout)
		if _, err := pipe.Exec(ctx); err != nil {
			sm.logger.Warn("failed to register session in redis", "session_id", sessionID, "error", err)
		}
	}
}

// recordStatus queues a status change for Redis. It runs on the session
// loop and never blocks; updates are dropped while the queue is full.
func (sm *Manager) recordStatus(sessionID string, s Status) {
	if sm.redis == nil {
		return
	}
	select {
	case <-sm.stop:
	case sm.mirror <- mirrorOp{sessionID: sessionID, status: s, at: time.Now()}:
	default:
		sm.logger.Debug("redis mirror queue full, dropping status", "session_id", sessionID, "status", s.String())
	}
}

func (sm *Manager) runMirror() {
	defer sm.mirrorDone.Done()
	for {
		select {
		case op := <-sm.mirror:
			sm.applyMirror(op)
		case <-sm.stop:
			for sm.mirrorCtx.Err() == nil {
				select {
				case op := <-sm.mirror:
					sm.applyMirror(op)
				default:
					return
				}
			}
			return
		}
	}
}

func (sm *Manager) applyMirror(op mirrorOp) {
	ctx, cancel := context.WithTimeout(sm.mirrorCtx, redisOpTimeout)
	defer cancel()

	pipe := sm.redis.TxPipeline()
	if op.remove {
		pipe.Del(ctx, sessionKey(op.sessionID))
		pipe.SRem(ctx, activeSessionsKey, op.sessionID)
		if _, err := pipe.Exec(ctx); err != nil {
			sm.logger.Warn("failed to remove session from redis", "session_id", op.sessionID, "error", err)
		}
		return
	}
	pipe.HSet(ctx, sessionKey(op.sessionID), map[string]any{
		"status":        op.status.String(),
		"last_activity": op.at.Format(time.RFC3339),
	})
	pipe.Expire(ctx, sessionKey(op.sessionID), sm.config.SessionTimeout)
	if _, err := pipe.Exec(ctx); err != nil {
		sm.logger.Debug("failed to mirror session status", "session_id", op.sessionID, "status", op.status.String(), "error", err)
	}
}

// stopMirror drains the queue, giving up on in-flight writes once ctx is done.
func (sm *Manager) stopMirror(ctx context.Context) {
	sm.stopOnce.Do(func() {
		close(sm.stop)
		drained := make(chan struct{})
		go func() {
			sm.mirrorDone.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-ctx.Done():
			sm.cancel()
			<-drained
		}
		sm.cancel()
	})
}

// GetSession retrieves a session by ID
func (sm *Manager) GetSession(sessionID string) (*Controller, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	c, exists := sm.sessions[sessionID]
	return c, exists
}

// RemoveSession closes and forgets a session
func (sm *Manager) RemoveSession(ctx context.Context, sessionID string) error {
	sm.mu.Lock()
	c, exists := sm.sessions[sessionID]
	delete(sm.sessions, sessionID)
	sm.mu.Unlock()

	if !exists {
		return nil
	}

	c.Close()
	sm.forget(ctx, sessionID)
	return nil
}

func (sm *Manager) forget(ctx context.Context, sessionID string) {
	if sm.redis == nil {
		return
	}
	select {
	case sm.mirror <- mirrorOp{sessionID: sessionID, remove: true}:
	case <-sm.stop:
	case <-ctx.Done():
		sm.logger.Warn("failed to remove session from redis", "session_id", sessionID, "error", ctx.Err())
	}
}

// GetActiveSessionCount returns current session count
func (sm *Manager) GetActiveSessionCount() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// CleanupInactiveSessions removes sessions idle for longer than the
// configured timeout and returns how many were removed
func (sm *Manager) CleanupInactiveSessions(ctx context.Context) int {
	now := time.Now()

	sm.mu.Lock()
	var stale []*Controller
	for id, c := range sm.sessions {
		if now.Sub(c.LastActivity()) > sm.config.SessionTimeout {
			stale = append(stale, c)
			delete(sm.sessions, id)
		}
	}
	sm.mu.Unlock()

	for _, c := range stale {
		sm.logger.Info("closing inactive session", "session_id", c.ID())
		c.Close()
		sm.forget(ctx, c.ID())
	}
	return len(stale)
}

// StartCleanupRoutine runs periodic cleanup of inactive sessions until ctx
// is done
func (sm *Manager) StartCleanupRoutine(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sm.CleanupInactiveSessions(ctx)
		}
	}
}

// Shutdown closes all sessions and flushes the Redis mirror until ctx is done
func (sm *Manager) Shutdown(ctx context.Context) {
	sm.mu.Lock()
	sessions := sm.sessions
	sm.sessions = make(map[string]*Controller)
	sm.mu.Unlock()

	for id, c := range sessions {
		c.Close()
		sm.forget(ctx, id)
	}

	sm.stopMirror(ctx)
	if sm.redis != nil {
		if err := sm.redis.Close(); err != nil {
			sm.logger.Warn("failed to close redis client", "error", err)
		}
	}
}
