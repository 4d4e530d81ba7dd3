package access

import (
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"

	"github.com/pthm/veil/pkg/events"
)

// Cache holds resolved policy sets and fetched rule lists across requests.
// It is safe for concurrent use. Entries expire after the TTL and the whole
// cache is purged when the bus reports an access change, so readers may see
// stale data only until the invalidating event has been published.
type Cache struct {
	lru         *expirable.LRU[string, any]
	log         logrus.FieldLogger
	mu          sync.Mutex
	unsubscribe func()
}

// CacheOption configures a Cache.
type CacheOption func(*cacheConfig)

type cacheConfig struct {
	size int
	ttl  time.Duration
	log  logrus.FieldLogger
}

// WithCacheSize bounds the number of entries. Default 1024.
func WithCacheSize(n int) CacheOption {
	return func(c *cacheConfig) { c.size = n }
}

// WithCacheTTL sets the entry lifetime. Default one minute; zero or less
// disables expiry.
func WithCacheTTL(ttl time.Duration) CacheOption {
	return func(c *cacheConfig) { c.ttl = ttl }
}

// WithCacheLogger sets the logger used for invalidation messages.
func WithCacheLogger(log logrus.FieldLogger) CacheOption {
	return func(c *cacheConfig) { c.log = log }
}

// NewCache creates a cache.
func NewCache(opts ...CacheOption) *Cache {
	cfg := cacheConfig{size: 1024, ttl: time.Minute}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.log == nil {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		cfg.log = l
	}
	return &Cache{
		lru: expirable.NewLRU[string, any](cfg.size, nil, cfg.ttl),
		log: cfg.log,
	}
}

// Subscribe purges the cache whenever bus publishes an access topic. A
// previous subscription is replaced.
func (c *Cache) Subscribe(bus events.Bus) {
	unsubscribe := bus.Subscribe(func(evt events.Event) {
		c.log.WithFields(logrus.Fields{"topic": evt.Topic, "event": evt.ID}).Info("access changed, purging permission cache")
		c.Invalidate()
	}, events.AccessTopics...)

	c.mu.Lock()
	prev := c.unsubscribe
	c.unsubscribe = unsubscribe
	c.mu.Unlock()
	if prev != nil {
		prev()
	}
}

// Close drops the bus subscription.
func (c *Cache) Close() {
	c.mu.Lock()
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	c.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

// Invalidate removes every entry.
func (c *Cache) Invalidate() {
	c.lru.Purge()
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	return c.lru.Len()
}

func (c *Cache) policies(key string) ([]AttachedPolicy, bool) {
	v, ok := c.lru.Get("policies:" + key)
	if !ok {
		return nil, false
	}
	p, ok := v.([]AttachedPolicy)
	return p, ok
}

func (c *Cache) setPolicies(key string, p []AttachedPolicy) {
	c.lru.Add("policies:"+key, p)
}

func (c *Cache) chain(role string) ([]string, bool) {
	v, ok := c.lru.Get("roles:" + role)
	if !ok {
		return nil, false
	}
	r, ok := v.([]string)
	return r, ok
}

func (c *Cache) setChain(role string, chain []string) {
	c.lru.Add("roles:"+role, chain)
}

func (c *Cache) permissions(policies []string, action Action) ([]Permission, bool) {
	v, ok := c.lru.Get(permissionKey(policies, action))
	if !ok {
		return nil, false
	}
	p, ok := v.([]Permission)
	return p, ok
}

func (c *Cache) setPermissions(policies []string, action Action, p []Permission) {
	c.lru.Add(permissionKey(policies, action), p)
}

func permissionKey(policies []string, action Action) string {
	return "permissions:" + string(action) + ":" + strings.Join(policies, ",")
}
