// Package services wires the credential, store, inference and chat services
// together and routes their events.
package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/j-veylop/agent-dashboard/internal/config"
	"github.com/j-veylop/agent-dashboard/internal/db"
	"github.com/j-veylop/agent-dashboard/internal/logger"
	"github.com/j-veylop/agent-dashboard/internal/models"
	"github.com/j-veylop/agent-dashboard/internal/services/chat"
	"github.com/j-veylop/agent-dashboard/internal/services/credentials"
	"github.com/j-veylop/agent-dashboard/internal/services/inference"
	"github.com/j-veylop/agent-dashboard/internal/services/notify"
)

// StatsEvent summarizes turn activity since startup.
type StatsEvent struct {
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	InFlight  int64 `json:"in_flight"`
}

// Manager owns the long-lived services.
type Manager struct {
	cfg         *config.Config
	cache       *credentials.Cache
	selector    *credentials.Selector
	fileToken   *credentials.FileToken
	database    *db.DB
	pgStore     *db.PGStore
	store       chat.Store
	inference   *inference.Client
	broadcaster *notify.Broadcaster
	redis       *notify.RedisPublisher
	processor   *chat.Processor
	events      chan notify.TurnEvent
	stopChan    chan struct{}
	routeDone   chan struct{}
	stats       StatsEvent
	mu          sync.RWMutex
	closeOnce   sync.Once
}

// NewManager creates the services described by cfg.
func NewManager(ctx context.Context, cfg *config.Config) (*Manager, error) {
	m := &Manager{
		cfg:         cfg,
		broadcaster: notify.NewBroadcaster(),
		stopChan:    make(chan struct{}),
		routeDone:   make(chan struct{}),
	}

	m.cache = credentials.NewCache(credentials.CacheConfig{
		Host:         cfg.Host,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
	})
	m.selector = credentials.NewSelector(m.cache)

	if cfg.TokenFile != "" {
		ft, err := credentials.NewFileToken(cfg.TokenFile)
		if err != nil {
			return nil, err
		}
		m.fileToken = ft
	}

	if err := m.openStore(ctx); err != nil {
		m.closeResources()
		return nil, err
	}

	m.inference = inference.NewClient(inference.Config{
		HTTPClient:  &http.Client{},
		EndpointURL: cfg.EndpointURL,
		Kind:        cfg.EndpointKind,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
	})

	publishers := notify.Multi{m.broadcaster}
	if cfg.RedisURL != "" {
		rp, err := notify.NewRedisPublisher(ctx, cfg.RedisURL)
		if err != nil {
			m.closeResources()
			return nil, err
		}
		m.redis = rp
		publishers = append(publishers, rp)
	}

	m.processor = chat.NewProcessor(chat.Config{
		Store:            m.store,
		Selector:         m.selector,
		Invoker:          m.inference,
		Publisher:        publishers,
		InferenceTimeout: cfg.InferenceTimeout,
		MaxConcurrent:    cfg.MaxConcurrentTasks,
	})

	m.events = m.broadcaster.Subscribe()
	go m.routeEvents()

	return m, nil
}

func (m *Manager) openStore(ctx context.Context) error {
	switch m.cfg.StoreDriver {
	case config.StorePostgres:
		connector := db.NewConnector(db.ConnectorConfig{
			Host:      m.cfg.PGHost,
			Port:      m.cfg.PGPort,
			Database:  m.cfg.PGDatabase,
			User:      m.cfg.PGUser,
			VerifyTLS: m.cfg.PGSSLVerify,
		})
		m.pgStore = db.NewPGStore(connector, m.storeCredential)
		m.store = m.pgStore

		if err := m.pgStore.EnsureSchema(m.WithFallback(ctx)); err != nil {
			if errors.Is(err, db.ErrUnauthenticated) {
				logger.Warn("postgres schema not verified: no credential at startup")
				return nil
			}
			return fmt.Errorf("failed to initialize postgres schema: %w", err)
		}
	default:
		database, err := db.New(m.cfg.DatabasePath)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		m.database = database
		m.store = database
	}
	return nil
}

// storeCredential resolves the Postgres password for ctx with the same
// precedence as inference calls.
func (m *Manager) storeCredential(ctx context.Context) *models.Credential {
	return m.selector.Select(ctx).Credential
}

// routeEvents tracks turn activity from the in-process event stream.
func (m *Manager) routeEvents() {
	defer close(m.routeDone)
	for {
		select {
		case event, ok := <-m.events:
			if !ok {
				return
			}
			m.handleTurnEvent(event)
		case <-m.stopChan:
			return
		}
	}
}

func (m *Manager) handleTurnEvent(event notify.TurnEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch event.Type {
	case notify.EventTurnSubmitted:
		m.stats.Submitted++
		m.stats.InFlight++
	case notify.EventTurnCompleted:
		m.stats.Completed++
		m.stats.InFlight--
	case notify.EventTurnFailed:
		m.stats.Failed++
		m.stats.InFlight--
		logger.Debug("turn failed", "turn_id", event.TurnID, "session_id", event.SessionID)
	}
}

// GetStats returns turn counters since startup.
func (m *Manager) GetStats() StatsEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

// FallbackToken returns the static delegated token: the token file's current
// content when configured, otherwise DATABRICKS_TOKEN.
func (m *Manager) FallbackToken() string {
	if m.fileToken != nil {
		if v := m.fileToken.Value(); v != "" {
			return v
		}
	}
	return m.cfg.StaticToken
}

// WithFallback returns ctx carrying the fallback token as the delegated
// credential, for work that does not originate from an HTTP request.
func (m *Manager) WithFallback(ctx context.Context) context.Context {
	if credentials.DelegatedFromContext(ctx) != nil {
		return ctx
	}
	if token := m.FallbackToken(); token != "" {
		return credentials.WithDelegated(ctx, &models.Credential{Value: token})
	}
	return ctx
}

// RecoverStale fails turns left processing by a previous run. A turn is
// stale once it is older than twice the inference timeout.
func (m *Manager) RecoverStale(ctx context.Context) (int64, error) {
	return m.processor.RecoverStale(m.WithFallback(ctx), 2*m.cfg.InferenceTimeout)
}

// Subscribe returns a channel of turn events.
func (m *Manager) Subscribe() chan notify.TurnEvent {
	return m.broadcaster.Subscribe()
}

// Unsubscribe removes a channel returned by Subscribe.
func (m *Manager) Unsubscribe(ch chan notify.TurnEvent) {
	m.broadcaster.Unsubscribe(ch)
}

// Processor returns the chat processor.
func (m *Manager) Processor() *chat.Processor {
	return m.processor
}

// Selector returns the credential selector.
func (m *Manager) Selector() *credentials.Selector {
	return m.selector
}

// Cache returns the machine credential cache.
func (m *Manager) Cache() *credentials.Cache {
	return m.cache
}

// Store returns the configured turn store.
func (m *Manager) Store() chat.Store {
	return m.store
}

// Database returns the SQLite store, or nil when Postgres is configured.
func (m *Manager) Database() *db.DB {
	return m.database
}

// Close waits for in-flight turns up to ctx's deadline and then releases
// every resource.
func (m *Manager) Close(ctx context.Context) error {
	var errs []error
	m.closeOnce.Do(func() {
		if m.processor != nil {
			if err := m.processor.Close(ctx); err != nil {
				errs = append(errs, fmt.Errorf("waiting for in-flight turns: %w", err))
			}
		}
		close(m.stopChan)
		<-m.routeDone
		errs = append(errs, m.closeResources()...)
	})
	return errors.Join(errs...)
}

func (m *Manager) closeResources() []error {
	var errs []error

	m.broadcaster.Close()

	if m.redis != nil {
		if err := m.redis.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if m.fileToken != nil {
		if err := m.fileToken.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if m.database != nil {
		if err := m.database.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// shutdownGrace bounds how long Shutdown waits for in-flight turns.
const shutdownGrace = 30 * time.Second

// Shutdown is Close with a default grace period.
func (m *Manager) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return m.Close(ctx)
}
