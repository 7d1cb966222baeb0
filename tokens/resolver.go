package tokens

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/latinumai/x402-facilitator/logger"
	"github.com/latinumai/x402-facilitator/utils"
)

const (
	defaultCacheSize = 1024
	defaultCacheTTL  = time.Hour
	truncateAt       = 8
)

// Metadata is what a chain reports about a token.
type Metadata struct {
	Symbol   string
	Decimals uint8
}

// MetadataSource fetches token metadata from a remote node.
type MetadataSource interface {
	TokenMetadata(ctx context.Context, id string) (*Metadata, error)
}

// Resolver turns token identifiers into labels and decimals for messages.
// Remote answers are cached; failures are not.
type Resolver struct {
	registry *Registry
	source   MetadataSource
	cache    *expirable.LRU[string, *Metadata]
	timeout  time.Duration
	logger   logger.Logger
}

type ResolverOption func(*Resolver)

func WithCache(size int, ttl time.Duration) ResolverOption {
	return func(r *Resolver) {
		r.cache = expirable.NewLRU[string, *Metadata](size, nil, ttl)
	}
}

// WithLookupTimeout bounds each remote query.
func WithLookupTimeout(d time.Duration) ResolverOption {
	return func(r *Resolver) {
		r.timeout = d
	}
}

func WithLogger(l logger.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = l
	}
}

// NewResolver creates a resolver. A nil source resolves from the registry only.
func NewResolver(registry *Registry, source MetadataSource, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		registry: registry,
		source:   source,
		logger:   logger.NoopLogger{},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.cache == nil {
		r.cache = expirable.NewLRU[string, *Metadata](defaultCacheSize, nil, defaultCacheTTL)
	}
	return r
}

// Rebind returns a resolver for a new source that shares r's cache.
// expirable.LRU v2 starts a cleanup goroutine per cache that cannot be
// stopped, so a re-registered network keeps its cache.
func (r *Resolver) Rebind(source MetadataSource) *Resolver {
	cp := *r
	cp.source = source
	return &cp
}

// Close drops every cached entry.
func (r *Resolver) Close() {
	r.cache.Purge()
}

// Label never fails: registry, then remote symbol, then a truncated id.
// An empty id is the native asset.
func (r *Resolver) Label(ctx context.Context, id string) string {
	if id == "" {
		return r.registry.Native()
	}
	if l, ok := r.registry.Lookup(id); ok {
		return l
	}
	if md := r.metadata(ctx, id); md != nil && md.Symbol != "" {
		return md.Symbol
	}
	return utils.Truncate(id, truncateAt)
}

// Decimals returns the token's decimals when the node knows them.
func (r *Resolver) Decimals(ctx context.Context, id string) (uint8, bool) {
	md := r.metadata(ctx, id)
	if md == nil {
		return 0, false
	}
	return md.Decimals, true
}

func (r *Resolver) metadata(ctx context.Context, id string) (md *Metadata) {
	if md, ok := r.cache.Get(id); ok {
		return md
	}
	if r.source == nil {
		return nil
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Warn("token metadata lookup panicked", map[string]any{"token": id, "panic": p})
			md = nil
		}
	}()

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	got, err := r.source.TokenMetadata(ctx, id)
	if err != nil || got == nil {
		r.logger.Debug("token metadata unavailable", map[string]any{"token": id, "error": err})
		return nil
	}
	r.cache.Add(id, got)
	return got
}
