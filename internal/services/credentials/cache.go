package credentials

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/j-veylop/agent-dashboard/internal/logger"
	"github.com/j-veylop/agent-dashboard/internal/models"
)

// CacheConfig holds the client-credentials settings for the machine identity.
type CacheConfig struct {
	Host         string
	ClientID     string
	ClientSecret string

	// HTTPClient is used for the exchange. Nil uses a client with a 10s timeout.
	HTTPClient *http.Client

	// Now is the clock. Nil uses time.Now.
	Now func() time.Time
}

// Cache holds one machine credential and refreshes it through the
// client-credentials exchange. It is constructed once per process and shared;
// a single slot is enough because only one machine identity is configured.
type Cache struct {
	cfg     CacheConfig
	current *models.Credential
	group   singleflight.Group
	mu      sync.RWMutex
}

// NewCache creates a credential cache.
func NewCache(cfg CacheConfig) *Cache {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Cache{cfg: cfg}
}

// Get returns a usable machine credential, refreshing when the cached one is
// missing or within the safety margin of expiry. Failures are logged and
// reported as ok=false; Get never returns an error.
func (c *Cache) Get(ctx context.Context) (*models.Credential, bool) {
	c.mu.RLock()
	cached := c.current
	c.mu.RUnlock()

	if cached.UsableAt(c.cfg.Now()) {
		return cached, true
	}

	if c.cfg.Host == "" || c.cfg.ClientID == "" || c.cfg.ClientSecret == "" {
		logger.Debug("machine credential not configured")
		return nil, false
	}

	v, err, _ := c.group.Do("refresh", func() (any, error) {
		return c.refresh(ctx)
	})
	if err != nil {
		logger.Warn("machine credential refresh failed", "host", c.cfg.Host, "error", err)
		return nil, false
	}
	return v.(*models.Credential), true
}

// Peek returns the cached credential without refreshing.
func (c *Cache) Peek() *models.Credential {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Invalidate drops the cached credential so the next Get refreshes.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.current = nil
	c.mu.Unlock()
}

func (c *Cache) refresh(ctx context.Context) (*models.Credential, error) {
	// Another flight may have finished between the caller's check and now.
	c.mu.RLock()
	cached := c.current
	c.mu.RUnlock()
	if cached.UsableAt(c.cfg.Now()) {
		return cached, nil
	}

	// A caller that gave up must not cancel the refresh shared with others.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
	defer cancel()

	tokenResp, err := ExchangeClientCredentials(ctx, c.cfg.HTTPClient, c.cfg.Host, c.cfg.ClientID, c.cfg.ClientSecret)
	if err != nil {
		return nil, err
	}

	now := c.cfg.Now()
	cred := &models.Credential{
		Value:     tokenResp.AccessToken,
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Duration(tokenResp.ExpiresIn) * time.Second),
	}

	c.mu.Lock()
	c.current = cred
	c.mu.Unlock()

	logger.Info("machine credential refreshed", "expires_at", cred.ExpiresAt.UTC().Format(time.RFC3339))
	return cred, nil
}
