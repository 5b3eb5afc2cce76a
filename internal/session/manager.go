package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/exprisk/orchestrator/internal/circuitbreaker"
	"github.com/exprisk/orchestrator/internal/clock"
	"github.com/exprisk/orchestrator/internal/metrics"
)

// Config holds session manager settings.
type Config struct {
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	TTL           time.Duration `mapstructure:"ttl"`
	MaxCached     int           `mapstructure:"max_cached"`
	MaxHistory    int           `mapstructure:"max_history"`
	LockTTL       time.Duration `mapstructure:"lock_ttl"`
}

func (c *Config) applyDefaults() {
	if c.TTL <= 0 {
		c.TTL = 24 * time.Hour
	}
	if c.MaxCached <= 0 {
		c.MaxCached = 10000
	}
	if c.MaxHistory <= 0 {
		c.MaxHistory = 100
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 5 * time.Minute
	}
}

// Manager persists sessions in Redis behind a circuit breaker, with a local
// LRU cache in front. It also owns the per-session in-flight lock that keeps
// orchestration strictly sequential within a session.
type Manager struct {
	client *circuitbreaker.RedisWrapper
	cfg    Config
	clk    clock.Clock
	logger *zap.Logger

	mu          sync.RWMutex
	localCache  map[string]*Session
	cacheAccess map[string]time.Time
}

// NewManager connects to Redis and verifies the connection.
func NewManager(cfg Config, clk clock.Clock, logger *zap.Logger) (*Manager, error) {
	cfg.applyDefaults()
	if clk == nil {
		clk = clock.Real{}
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           0,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	client := circuitbreaker.NewRedisWrapper(redisClient, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Manager{
		client:      client,
		cfg:         cfg,
		clk:         clk,
		logger:      logger,
		localCache:  make(map[string]*Session),
		cacheAccess: make(map[string]time.Time),
	}, nil
}

// Create creates a new session with a generated id.
func (m *Manager) Create(ctx context.Context) (*Session, error) {
	return m.createWithID(ctx, uuid.New().String())
}

// GetOrCreate loads a session or creates it with the given id when missing
// or expired.
func (m *Manager) GetOrCreate(ctx context.Context, sessionID string) (*Session, error) {
	if sessionID == "" {
		return m.Create(ctx)
	}
	sess, err := m.Get(ctx, sessionID)
	if err == nil {
		return sess, nil
	}
	if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrSessionExpired) {
		return m.createWithID(ctx, sessionID)
	}
	return nil, err
}

func (m *Manager) createWithID(ctx context.Context, sessionID string) (*Session, error) {
	now := m.clk.Now()
	sess := &Session{
		ID:        sessionID,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(m.cfg.TTL),
		History:   make([]Turn, 0),
	}
	if err := m.save(ctx, sess); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}

	m.mu.Lock()
	m.localCache[sessionID] = sess.Clone()
	m.cacheAccess[sessionID] = now
	m.evictIfNeeded()
	metrics.SessionCacheSize.Set(float64(len(m.localCache)))
	m.mu.Unlock()

	m.logger.Info("created session", zap.String("session_id", sessionID))
	metrics.SessionsCreated.Inc()
	return sess, nil
}

// Get loads a session from the local cache or Redis. The result is the
// caller's own copy; cached sessions are never handed out directly.
func (m *Manager) Get(ctx context.Context, sessionID string) (*Session, error) {
	m.mu.RLock()
	cached, ok := m.localCache[sessionID]
	m.mu.RUnlock()
	if ok {
		metrics.SessionCacheHits.Inc()
		if cached.IsExpired(m.clk.Now()) {
			_ = m.Delete(ctx, sessionID)
			return nil, ErrSessionExpired
		}
		m.mu.Lock()
		m.cacheAccess[sessionID] = m.clk.Now()
		m.mu.Unlock()
		return cached.Clone(), nil
	}
	metrics.SessionCacheMisses.Inc()

	data, err := m.client.Get(ctx, m.sessionKey(sessionID))
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	} else if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	var sess Session
	if err := json.Unmarshal([]byte(data), &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	if sess.IsExpired(m.clk.Now()) {
		_ = m.Delete(ctx, sessionID)
		return nil, ErrSessionExpired
	}

	m.mu.Lock()
	m.localCache[sessionID] = &sess
	m.cacheAccess[sessionID] = m.clk.Now()
	m.evictIfNeeded()
	metrics.SessionCacheSize.Set(float64(len(m.localCache)))
	m.mu.Unlock()

	return sess.Clone(), nil
}

// Update persists a modified session, trimming history to the configured cap.
func (m *Manager) Update(ctx context.Context, sess *Session) error {
	if sess == nil {
		return fmt.Errorf("session is nil")
	}
	sess.UpdatedAt = m.clk.Now()
	if len(sess.History) > m.cfg.MaxHistory {
		sess.History = sess.History[len(sess.History)-m.cfg.MaxHistory:]
	}

	if err := m.save(ctx, sess); err != nil {
		return fmt.Errorf("save session: %w", err)
	}

	m.mu.Lock()
	m.localCache[sess.ID] = sess.Clone()
	m.mu.Unlock()
	return nil
}

// Delete removes a session from Redis and the local cache.
func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	if err := m.client.Del(ctx, m.sessionKey(sessionID), m.lockKey(sessionID)); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}

	m.mu.Lock()
	delete(m.localCache, sessionID)
	delete(m.cacheAccess, sessionID)
	metrics.SessionCacheSize.Set(float64(len(m.localCache)))
	m.mu.Unlock()

	m.logger.Info("deleted session", zap.String("session_id", sessionID))
	return nil
}

// Acquire claims the session's in-flight lock for one orchestration cycle.
// Returns ErrSessionBusy when another cycle holds it. The lock TTL bounds
// how long a crashed owner can wedge the session.
func (m *Manager) Acquire(ctx context.Context, sessionID, cycleID string) error {
	ok, err := m.client.SetNX(ctx, m.lockKey(sessionID), cycleID, m.cfg.LockTTL)
	if err != nil {
		return fmt.Errorf("acquire session lock: %w", err)
	}
	if !ok {
		metrics.SessionConflicts.Inc()
		return ErrSessionBusy
	}
	return nil
}

// Release frees the session's in-flight lock.
func (m *Manager) Release(ctx context.Context, sessionID string) {
	if err := m.client.Del(ctx, m.lockKey(sessionID)); err != nil {
		m.logger.Warn("release session lock failed",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
	}
}

// Close closes the underlying Redis client.
func (m *Manager) Close() error {
	return m.client.Close()
}

// RedisWrapper exposes the breaker-wrapped client for health checks.
func (m *Manager) RedisWrapper() *circuitbreaker.RedisWrapper {
	return m.client
}

func (m *Manager) sessionKey(sessionID string) string {
	return "session:" + sessionID
}

func (m *Manager) lockKey(sessionID string) string {
	return "session:lock:" + sessionID
}

func (m *Manager) save(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	ttl := sess.ExpiresAt.Sub(m.clk.Now())
	if ttl <= 0 {
		ttl = m.cfg.TTL
	}
	return m.client.Set(ctx, m.sessionKey(sess.ID), data, ttl)
}

// evictIfNeeded drops the least recently used half of the cache when it
// grows past the cap. Caller holds m.mu.
func (m *Manager) evictIfNeeded() {
	if len(m.localCache) <= m.cfg.MaxCached {
		return
	}

	type accessEntry struct {
		id   string
		last time.Time
	}
	entries := make([]accessEntry, 0, len(m.localCache))
	for id := range m.localCache {
		entries = append(entries, accessEntry{id: id, last: m.cacheAccess[id]})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].last.Before(entries[j].last)
	})

	toRemove := m.cfg.MaxCached / 2
	for i := 0; i < toRemove && i < len(entries); i++ {
		delete(m.localCache, entries[i].id)
		delete(m.cacheAccess, entries[i].id)
		metrics.SessionCacheEvictions.Inc()
	}
}
