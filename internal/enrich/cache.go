package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/example/notification-pipeline/internal/notification"
	"github.com/example/notification-pipeline/internal/store"
)

var cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "enrichment_cache_lookups_total",
	Help: "Enrichment cache lookups by kind and result",
}, []string{"kind", "result"})

func UserKey(userID string) string   { return "user:" + userID }
func TemplateKey(code string) string { return "template:code:" + code }

// DefaultFetchTimeout bounds a shared lookup on a cache miss.
const DefaultFetchTimeout = 10 * time.Second

type CacheTTLs struct {
	User     time.Duration
	Template time.Duration
}

// Cache is a read-through cache over the lookup services. Concurrent misses
// for the same key inside one process share a single lookup. Store errors
// degrade to a direct lookup.
type Cache struct {
	store     store.Store
	users     UserLookup
	templates TemplateLookup
	ttl       CacheTTLs
	timeout   time.Duration
	logger    zerolog.Logger
	group     singleflight.Group
}

func NewCache(s store.Store, users UserLookup, templates TemplateLookup, ttl CacheTTLs, logger zerolog.Logger) *Cache {
	return &Cache{store: s, users: users, templates: templates, ttl: ttl, timeout: DefaultFetchTimeout, logger: logger}
}

// WithFetchTimeout bounds the lookup behind a miss, fallbacks included.
func (c *Cache) WithFetchTimeout(d time.Duration) *Cache {
	if d > 0 {
		c.timeout = d
	}
	return c
}

func (c *Cache) GetUser(ctx context.Context, userID string) (notification.UserData, error) {
	var u notification.UserData
	err := c.readThrough(ctx, "user", UserKey(userID), c.ttl.User, &u, func(ctx context.Context) (any, error) {
		return c.users.GetUser(ctx, userID)
	})
	return u, err
}

func (c *Cache) GetTemplate(ctx context.Context, code string) (notification.TemplateData, error) {
	var t notification.TemplateData
	err := c.readThrough(ctx, "template", TemplateKey(code), c.ttl.Template, &t, func(ctx context.Context) (any, error) {
		return c.templates.GetTemplate(ctx, code)
	})
	return t, err
}

func (c *Cache) readThrough(ctx context.Context, kind, key string, ttl time.Duration, out any, fetch func(context.Context) (any, error)) error {
	raw, err := c.store.Get(ctx, key)
	switch {
	case err == nil:
		if jerr := json.Unmarshal([]byte(raw), out); jerr == nil {
			cacheLookups.WithLabelValues(kind, "hit").Inc()
			return nil
		}
		c.logger.Warn().Str("key", key).Msg("discarding undecodable cache entry")
	case !errors.Is(err, store.ErrKeyNotFound):
		c.logger.Warn().Err(err).Str("key", key).Msg("cache read failed")
	}
	cacheLookups.WithLabelValues(kind, "miss").Inc()

	v, err, _ := c.group.Do(key, func() (any, error) {
		// the shared lookup ignores caller cancellation
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		v, err := fetch(fetchCtx)
		if err != nil {
			return nil, err
		}
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		if err := c.store.Set(fetchCtx, key, string(encoded), ttl); err != nil {
			c.logger.Warn().Err(err).Str("key", key).Msg("cache write failed")
		}
		return encoded, nil
	})
	if err != nil {
		return err
	}
	return json.Unmarshal(v.([]byte), out)
}

// Invalidate drops cached entries so the next read goes to the services.
func (c *Cache) Invalidate(ctx context.Context, keys ...string) error {
	var errs []error
	for _, k := range keys {
		errs = append(errs, c.store.Delete(ctx, k))
	}
	return errors.Join(errs...)
}
