package config

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"
)

// Kind names one cacheable tenant-config category.
type Kind string

const (
	KindTenant        Kind = "tenant"
	KindSecretary     Kind = "secretary"
	KindCredentials   Kind = "credentials"
	KindTransferRules Kind = "transfer_rules"
	KindTimeCondition Kind = "time_condition"
)

type cacheKey struct {
	kind   Kind
	tenant string
	sub    string // secretary id or provider name, "" otherwise
}

type cacheEntry struct {
	key     cacheKey
	value   any
	loaded  time.Time
	element *list.Element
}

// Loader fronts a [Store] with a per-entry TTL and an LRU size cap. It
// implements [Store] itself so callers need not care whether a value was
// cached.
type Loader struct {
	store  Store
	ttl    time.Duration
	max    int
	logger *slog.Logger

	mu      sync.Mutex
	entries map[cacheKey]*cacheEntry
	lru     *list.List // front = most recently used

	now func() time.Time
}

// Compile-time interface check.
var _ Store = (*Loader)(nil)

// NewLoader creates a caching loader. ttl and max fall back to 5 minutes
// and 256 entries when non-positive.
func NewLoader(store Store, ttl time.Duration, max int, logger *slog.Logger) *Loader {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if max <= 0 {
		max = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		store:   store,
		ttl:     ttl,
		max:     max,
		logger:  logger.With("component", "config.loader"),
		entries: make(map[cacheKey]*cacheEntry),
		lru:     list.New(),
		now:     time.Now,
	}
}

// SecretaryTenant returns the cached secretary-to-tenant mapping. The key
// has no tenant; Invalidate("", KindTenant) drops these entries.
func (l *Loader) SecretaryTenant(ctx context.Context, secretaryID string) (string, error) {
	key := cacheKey{kind: KindTenant, sub: secretaryID}
	v, err := l.get(ctx, key, func(ctx context.Context) (any, error) {
		return l.store.SecretaryTenant(ctx, secretaryID)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Secretary returns the cached secretary config, loading on miss or expiry.
func (l *Loader) Secretary(ctx context.Context, tenantID, secretaryID string) (*SecretaryConfig, error) {
	key := cacheKey{kind: KindSecretary, tenant: tenantID, sub: secretaryID}
	v, err := l.get(ctx, key, func(ctx context.Context) (any, error) {
		return l.store.Secretary(ctx, tenantID, secretaryID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*SecretaryConfig), nil
}

// Credentials returns the cached provider credentials.
func (l *Loader) Credentials(ctx context.Context, tenantID, provider string) (*ProviderCredentials, error) {
	key := cacheKey{kind: KindCredentials, tenant: tenantID, sub: provider}
	v, err := l.get(ctx, key, func(ctx context.Context) (any, error) {
		return l.store.Credentials(ctx, tenantID, provider)
	})
	if err != nil {
		return nil, err
	}
	return v.(*ProviderCredentials), nil
}

// TransferRules returns the cached transfer policy.
func (l *Loader) TransferRules(ctx context.Context, tenantID string) (*TransferRules, error) {
	key := cacheKey{kind: KindTransferRules, tenant: tenantID}
	v, err := l.get(ctx, key, func(ctx context.Context) (any, error) {
		return l.store.TransferRules(ctx, tenantID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*TransferRules), nil
}

// TimeCondition returns the cached business-hours condition.
func (l *Loader) TimeCondition(ctx context.Context, tenantID string) (*TimeCondition, error) {
	key := cacheKey{kind: KindTimeCondition, tenant: tenantID}
	v, err := l.get(ctx, key, func(ctx context.Context) (any, error) {
		return l.store.TimeCondition(ctx, tenantID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*TimeCondition), nil
}

// Invalidate drops cached entries. Empty tenant matches all tenants; empty
// kind matches all kinds.
func (l *Loader) Invalidate(tenant string, kind Kind) {
	l.mu.Lock()
	defer l.mu.Unlock()
	dropped := 0
	for key, entry := range l.entries {
		if tenant != "" && key.tenant != tenant {
			continue
		}
		if kind != "" && key.kind != kind {
			continue
		}
		l.lru.Remove(entry.element)
		delete(l.entries, key)
		dropped++
	}
	if dropped > 0 {
		l.logger.Debug("cache invalidated", "tenant", tenant, "kind", string(kind), "dropped", dropped)
	}
}

// Len returns the number of live cache entries.
func (l *Loader) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *Loader) get(ctx context.Context, key cacheKey, load func(context.Context) (any, error)) (any, error) {
	l.mu.Lock()
	if entry, ok := l.entries[key]; ok {
		if l.now().Sub(entry.loaded) < l.ttl {
			l.lru.MoveToFront(entry.element)
			v := entry.value
			l.mu.Unlock()
			return v, nil
		}
		l.lru.Remove(entry.element)
		delete(l.entries, key)
	}
	l.mu.Unlock()

	// Loaded outside the lock: a slow store must not block unrelated
	// tenants. Concurrent misses for the same key both load; last one wins.
	v, err := load(ctx)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if old, ok := l.entries[key]; ok {
		l.lru.Remove(old.element)
	}
	entry := &cacheEntry{key: key, value: v, loaded: l.now()}
	entry.element = l.lru.PushFront(entry)
	l.entries[key] = entry

	for len(l.entries) > l.max {
		oldest := l.lru.Back()
		if oldest == nil {
			break
		}
		victim := oldest.Value.(*cacheEntry)
		l.lru.Remove(oldest)
		delete(l.entries, victim.key)
	}
	return v, nil
}
