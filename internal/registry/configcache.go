package registry

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const defaultConfigCleanup = 10 * time.Minute

// ConfigCache keeps registration configs in process memory. Configs are never
// updated after creation, so entries only leave the cache by expiry.
type ConfigCache struct {
	cache *gocache.Cache
}

// NewConfigCache returns a cache whose entries expire after ttl.
func NewConfigCache(ttl time.Duration) *ConfigCache {
	return &ConfigCache{cache: gocache.New(ttl, defaultConfigCleanup)}
}

func (c *ConfigCache) Get(id string) (RegistrationConfig, bool) {
	if c == nil {
		return RegistrationConfig{}, false
	}
	v, ok := c.cache.Get(id)
	if !ok {
		return RegistrationConfig{}, false
	}
	cfg, ok := v.(RegistrationConfig)
	return cfg, ok
}

func (c *ConfigCache) Set(cfg RegistrationConfig) {
	if c == nil {
		return
	}
	c.cache.SetDefault(cfg.ID, cfg)
}

// Len reports the number of cached configs, expired entries included.
func (c *ConfigCache) Len() int {
	if c == nil {
		return 0
	}
	return c.cache.ItemCount()
}
