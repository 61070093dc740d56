package config

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// countingStore serves canned tenant config and counts loads per key.
type countingStore struct {
	mu      sync.Mutex
	loads   map[string]int
	failAll bool
}

func newCountingStore() *countingStore {
	return &countingStore{loads: make(map[string]int)}
}

func (s *countingStore) count(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads[key]
}

func (s *countingStore) record(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads[key]++
	if s.failAll {
		return errors.New("store down")
	}
	return nil
}

func (s *countingStore) SecretaryTenant(ctx context.Context, secretaryID string) (string, error) {
	if err := s.record("tenant/" + secretaryID); err != nil {
		return "", err
	}
	return "t-" + secretaryID, nil
}

func (s *countingStore) Secretary(ctx context.Context, tenantID, secretaryID string) (*SecretaryConfig, error) {
	if err := s.record("secretary/" + tenantID + "/" + secretaryID); err != nil {
		return nil, err
	}
	n := s.count("secretary/" + tenantID + "/" + secretaryID)
	return &SecretaryConfig{
		TenantID:    tenantID,
		SecretaryID: secretaryID,
		DisplayName: fmt.Sprintf("load-%d", n),
	}, nil
}

func (s *countingStore) Credentials(ctx context.Context, tenantID, provider string) (*ProviderCredentials, error) {
	if err := s.record("credentials/" + tenantID + "/" + provider); err != nil {
		return nil, err
	}
	return &ProviderCredentials{Provider: provider, APIKey: "key-" + tenantID}, nil
}

func (s *countingStore) TransferRules(ctx context.Context, tenantID string) (*TransferRules, error) {
	if err := s.record("transfer_rules/" + tenantID); err != nil {
		return nil, err
	}
	return &TransferRules{Announced: true}, nil
}

func (s *countingStore) TimeCondition(ctx context.Context, tenantID string) (*TimeCondition, error) {
	if err := s.record("time_condition/" + tenantID); err != nil {
		return nil, err
	}
	return &TimeCondition{Start: "09:00", End: "18:00", Days: []int{1}}, nil
}

var _ Store = (*countingStore)(nil)

func TestLoader_CachesWithinTTL(t *testing.T) {
	t.Parallel()

	store := newCountingStore()
	l := NewLoader(store, time.Minute, 16, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := l.Secretary(ctx, "t1", "s1"); err != nil {
			t.Fatalf("Secretary: %v", err)
		}
	}
	if got := store.count("secretary/t1/s1"); got != 1 {
		t.Errorf("store loads = %d, want 1", got)
	}
}

func TestLoader_TTLExpiry(t *testing.T) {
	t.Parallel()

	store := newCountingStore()
	l := NewLoader(store, time.Minute, 16, nil)

	clock := time.Now()
	l.now = func() time.Time { return clock }

	ctx := context.Background()
	if _, err := l.Secretary(ctx, "t1", "s1"); err != nil {
		t.Fatal(err)
	}

	clock = clock.Add(59 * time.Second)
	if _, err := l.Secretary(ctx, "t1", "s1"); err != nil {
		t.Fatal(err)
	}
	if got := store.count("secretary/t1/s1"); got != 1 {
		t.Fatalf("loads before expiry = %d, want 1", got)
	}

	clock = clock.Add(2 * time.Second)
	cfg, err := l.Secretary(ctx, "t1", "s1")
	if err != nil {
		t.Fatal(err)
	}
	if got := store.count("secretary/t1/s1"); got != 2 {
		t.Errorf("loads after expiry = %d, want 2", got)
	}
	if cfg.DisplayName != "load-2" {
		t.Errorf("expected fresh value, got %q", cfg.DisplayName)
	}
}

func TestLoader_LRUEviction(t *testing.T) {
	t.Parallel()

	store := newCountingStore()
	l := NewLoader(store, time.Minute, 2, nil)
	ctx := context.Background()

	if _, err := l.TransferRules(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if _, err := l.TransferRules(ctx, "t2"); err != nil {
		t.Fatal(err)
	}
	// Touch t1 so t2 is the least recently used.
	if _, err := l.TransferRules(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if _, err := l.TransferRules(ctx, "t3"); err != nil {
		t.Fatal(err)
	}

	if got := l.Len(); got != 2 {
		t.Errorf("Len = %d, want 2", got)
	}
	// t1 survived the eviction, t2 did not.
	if _, err := l.TransferRules(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if got := store.count("transfer_rules/t1"); got != 1 {
		t.Errorf("t1 loads = %d, want 1", got)
	}
	if _, err := l.TransferRules(ctx, "t2"); err != nil {
		t.Fatal(err)
	}
	if got := store.count("transfer_rules/t2"); got != 2 {
		t.Errorf("t2 loads = %d, want 2 (evicted then reloaded)", got)
	}
}

func TestLoader_InvalidateThenGetReloads(t *testing.T) {
	t.Parallel()

	store := newCountingStore()
	l := NewLoader(store, time.Minute, 16, nil)
	ctx := context.Background()

	first, err := l.Secretary(ctx, "t1", "s1")
	if err != nil {
		t.Fatal(err)
	}
	if first.DisplayName != "load-1" {
		t.Fatalf("first load = %q", first.DisplayName)
	}

	l.Invalidate("t1", KindSecretary)

	second, err := l.Secretary(ctx, "t1", "s1")
	if err != nil {
		t.Fatal(err)
	}
	if second.DisplayName != "load-2" {
		t.Errorf("post-invalidate load = %q, want load-2", second.DisplayName)
	}
}

func TestLoader_InvalidateScoping(t *testing.T) {
	t.Parallel()

	store := newCountingStore()
	l := NewLoader(store, time.Minute, 16, nil)
	ctx := context.Background()

	if _, err := l.Secretary(ctx, "t1", "s1"); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Credentials(ctx, "t1", "openai"); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Secretary(ctx, "t2", "s1"); err != nil {
		t.Fatal(err)
	}

	// Drop only t1's secretary entry.
	l.Invalidate("t1", KindSecretary)
	if got := l.Len(); got != 2 {
		t.Errorf("Len after scoped invalidate = %d, want 2", got)
	}

	// Empty kind drops everything for t1.
	l.Invalidate("t1", "")
	if got := l.Len(); got != 1 {
		t.Errorf("Len after tenant invalidate = %d, want 1", got)
	}

	// Empty tenant and kind drops the whole cache.
	l.Invalidate("", "")
	if got := l.Len(); got != 0 {
		t.Errorf("Len after full invalidate = %d, want 0", got)
	}
}

func TestLoader_StoreErrorNotCached(t *testing.T) {
	t.Parallel()

	store := newCountingStore()
	store.failAll = true
	l := NewLoader(store, time.Minute, 16, nil)
	ctx := context.Background()

	if _, err := l.TimeCondition(ctx, "t1"); err == nil {
		t.Fatal("expected store error")
	}

	store.mu.Lock()
	store.failAll = false
	store.mu.Unlock()

	if _, err := l.TimeCondition(ctx, "t1"); err != nil {
		t.Fatalf("expected recovery after store error: %v", err)
	}
	if got := store.count("time_condition/t1"); got != 2 {
		t.Errorf("loads = %d, want 2", got)
	}
}

func TestLoader_SecretaryTenantCached(t *testing.T) {
	t.Parallel()

	store := newCountingStore()
	l := NewLoader(store, time.Minute, 16, nil)
	ctx := context.Background()

	for range 3 {
		tenant, err := l.SecretaryTenant(ctx, "sec-1")
		if err != nil {
			t.Fatalf("SecretaryTenant() error = %v", err)
		}
		if tenant != "t-sec-1" {
			t.Fatalf("tenant = %q", tenant)
		}
	}
	if got := store.count("tenant/sec-1"); got != 1 {
		t.Errorf("loads = %d, want 1", got)
	}

	l.Invalidate("", KindTenant)
	if _, err := l.SecretaryTenant(ctx, "sec-1"); err != nil {
		t.Fatalf("SecretaryTenant() after invalidate error = %v", err)
	}
	if got := store.count("tenant/sec-1"); got != 2 {
		t.Errorf("loads after invalidate = %d, want 2", got)
	}
}
