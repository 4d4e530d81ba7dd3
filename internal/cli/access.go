package cli

import (
	"database/sql"

	"github.com/sirupsen/logrus"

	"github.com/pthm/veil/internal/sqlgen"
	"github.com/pthm/veil/pkg/access"
	"github.com/pthm/veil/pkg/events"
)

// AccessService wires the access store named by the config to a cached
// access.Service. With cfg.Access set the store is the fixture file,
// otherwise it reads the veil_* tables through db. The returned function
// releases the cache subscription.
func AccessService(cfg *Config, db *sql.DB, dialect sqlgen.Dialect, log logrus.FieldLogger) (*access.Service, func(), error) {
	ttl, err := cfg.Cache.Duration()
	if err != nil {
		return nil, nil, ConfigError("cache", err)
	}

	bus := events.NewHub()
	cacheOpts := []access.CacheOption{access.WithCacheLogger(log)}
	if cfg.Cache.Size > 0 {
		cacheOpts = append(cacheOpts, access.WithCacheSize(cfg.Cache.Size))
	}
	if ttl > 0 {
		cacheOpts = append(cacheOpts, access.WithCacheTTL(ttl))
	}
	cache := access.NewCache(cacheOpts...)
	cache.Subscribe(bus)

	var store access.Store
	switch {
	case cfg.Access != "":
		mem, err := access.LoadFixture(cfg.Access, bus)
		if err != nil {
			cache.Close()
			return nil, nil, SchemaParseError("loading access fixture", err)
		}
		store = mem
	case db != nil:
		store = access.NewSQLStore(db, access.WithPlaceholder(dialect.Placeholder()), access.WithBus(bus))
	default:
		cache.Close()
		return nil, nil, ConfigError("access", errNoAccessStore)
	}

	svc := access.NewService(store, access.WithCache(cache), access.WithLogger(log))
	return svc, cache.Close, nil
}
