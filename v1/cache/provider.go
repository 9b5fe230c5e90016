package cache

// RedisProvider hands out Redis-backed caches wrapped in the retry layer. All
// caches share one Conn, so a connection recreated while serving one handle
// is seen by every later one.
type RedisProvider struct {
	conn          *Conn
	cacheOpts     []RedisOption
	resilientOpts []ResilientOption
}

// ProviderOption configures a RedisProvider.
type ProviderOption func(*RedisProvider)

// WithCacheOptions sets the options applied to every RedisCache.
func WithCacheOptions(opts ...RedisOption) ProviderOption {
	return func(p *RedisProvider) { p.cacheOpts = append(p.cacheOpts, opts...) }
}

// WithResilience sets the retry options applied to every cache.
func WithResilience(opts ...ResilientOption) ProviderOption {
	return func(p *RedisProvider) { p.resilientOpts = append(p.resilientOpts, opts...) }
}

// NewRedisProvider returns a provider over conn.
func NewRedisProvider(conn *Conn, opts ...ProviderOption) *RedisProvider {
	p := &RedisProvider{conn: conn}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// GetCache implements Provider.
func (p *RedisProvider) GetCache() Cache {
	return NewResilient(NewRedis(p.conn, p.cacheOpts...), p.conn, p.resilientOpts...)
}

// Conn returns the shared connection.
func (p *RedisProvider) Conn() *Conn { return p.conn }

// Close closes the shared connection.
func (p *RedisProvider) Close() error { return p.conn.Close() }

// MemoryProvider serves a single MemoryCache. The cache is the store, so every
// handle must see the same state.
type MemoryProvider struct {
	cache *MemoryCache
}

// NewMemoryProvider returns a provider over c.
func NewMemoryProvider(c *MemoryCache) *MemoryProvider {
	return &MemoryProvider{cache: c}
}

// GetCache implements Provider.
func (p *MemoryProvider) GetCache() Cache { return p.cache }
