package app

import (
	"context"
	"fmt"
	"testing"

	"github.com/vocero-ai/vocero/internal/config"
	"github.com/vocero-ai/vocero/internal/server"
	"github.com/vocero-ai/vocero/internal/switchctl"
	"github.com/vocero-ai/vocero/pkg/provider"
	"github.com/vocero-ai/vocero/pkg/provider/mock"
)

// fakeStore serves canned tenant config keyed by secretary id.
type fakeStore struct {
	secretaries map[string]*config.SecretaryConfig
	creds       map[string]config.ProviderCredentials
	rules       *config.TransferRules
	timecond    *config.TimeCondition
}

var _ config.Store = (*fakeStore)(nil)

func (f *fakeStore) SecretaryTenant(_ context.Context, secretaryID string) (string, error) {
	sec, ok := f.secretaries[secretaryID]
	if !ok {
		return "", fmt.Errorf("secretary %s: %w", secretaryID, config.ErrNotFound)
	}
	return sec.TenantID, nil
}

func (f *fakeStore) Secretary(_ context.Context, tenantID, secretaryID string) (*config.SecretaryConfig, error) {
	sec, ok := f.secretaries[secretaryID]
	if !ok || sec.TenantID != tenantID {
		return nil, config.ErrNotFound
	}
	return sec, nil
}

func (f *fakeStore) Credentials(_ context.Context, _, providerName string) (*config.ProviderCredentials, error) {
	c, ok := f.creds[providerName]
	if !ok {
		return nil, config.ErrNotFound
	}
	return &c, nil
}

func (f *fakeStore) TransferRules(context.Context, string) (*config.TransferRules, error) {
	if f.rules == nil {
		return nil, config.ErrNotFound
	}
	return f.rules, nil
}

func (f *fakeStore) TimeCondition(context.Context, string) (*config.TimeCondition, error) {
	if f.timecond == nil {
		return nil, config.ErrNotFound
	}
	return f.timecond, nil
}

func mockRegistry() *provider.Registry {
	reg := provider.NewRegistry()
	mock.New().Register(reg, "mock")
	return reg
}

func storeFixture() *fakeStore {
	return &fakeStore{
		secretaries: map[string]*config.SecretaryConfig{
			"sec-1": {
				TenantID:    "t1",
				SecretaryID: "sec-1",
				DisplayName: "Clara",
				Greeting:    "Olá!",
				Provider:    "mock",
				Language:    "pt-BR",
				BargeIn:     true,
			},
		},
		creds: map[string]config.ProviderCredentials{
			"mock": {Provider: "mock", APIKey: "k"},
		},
		rules: &config.TransferRules{
			Announced: true,
			Destinations: []config.TransferDestination{
				{Kind: config.DestExtension, Name: "Vendas", Number: "101"},
			},
		},
	}
}

func newTestApp(t *testing.T, cfg *config.Config, store config.Store) *App {
	t.Helper()
	if cfg == nil {
		cfg = &config.Config{}
	}
	opts := []Option{
		WithControl(switchctl.NewMock()),
		WithProviders(mockRegistry()),
	}
	if store != nil {
		opts = append(opts, WithStore(store))
	}
	a, err := New(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { a.Shutdown(context.Background()) })
	return a
}

func TestApp_SessionFromTenantStore(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, nil, storeFixture())
	p := server.StreamParams{SecretaryID: "sec-1", CallUUID: "call-1", CallerID: "+5511"}

	sess, err := a.newSession(context.Background(), p)
	if err != nil {
		t.Fatalf("newSession() error = %v", err)
	}
	if sess == nil {
		t.Fatal("nil session")
	}
}

func TestApp_SessionUnknownSecretary(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, nil, storeFixture())
	p := server.StreamParams{SecretaryID: "nope", CallUUID: "call-1", CallerID: "+5511"}

	if _, err := a.newSession(context.Background(), p); err == nil {
		t.Fatal("expected error for unknown secretary")
	}
}

func TestApp_ResolveTenantOutsideHours(t *testing.T) {
	t.Parallel()

	store := storeFixture()
	// A zero-length daily window is closed at every instant.
	store.timecond = &config.TimeCondition{
		Start: "00:00", End: "00:00", Days: []int{0, 1, 2, 3, 4, 5, 6},
		ClosedMessage: "Estamos fechados.",
	}
	a := newTestApp(t, nil, store)

	ts, err := a.resolveTenant(context.Background(), server.StreamParams{SecretaryID: "sec-1"})
	if err != nil {
		t.Fatalf("resolveTenant() error = %v", err)
	}
	if !ts.outsideHours {
		t.Fatal("expected outsideHours")
	}
	if ts.outsideMessage != "Estamos fechados." {
		t.Fatalf("outsideMessage = %q", ts.outsideMessage)
	}
	if ts.rules == nil || !ts.rules.Announced {
		t.Fatalf("rules not loaded: %+v", ts.rules)
	}
}

func TestApp_ResolveTenantMissingCredentials(t *testing.T) {
	t.Parallel()

	store := storeFixture()
	store.creds = nil
	a := newTestApp(t, nil, store)

	if _, err := a.resolveTenant(context.Background(), server.StreamParams{SecretaryID: "sec-1"}); err == nil {
		t.Fatal("expected error when no credentials resolve")
	}
}

func TestApp_StaticTenantFallback(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{}
	cfg.Providers.OpenAI.APIKey = "sk-test"
	a := newTestApp(t, cfg, nil)

	ts, err := a.resolveTenant(context.Background(), server.StreamParams{SecretaryID: "sec-1"})
	if err != nil {
		t.Fatalf("resolveTenant() error = %v", err)
	}
	if ts.tenantID != "default" {
		t.Fatalf("tenantID = %q", ts.tenantID)
	}
	if ts.secretary.Provider != "openai" {
		t.Fatalf("provider = %q", ts.secretary.Provider)
	}
	if _, ok := ts.credentials["openai"]; !ok {
		t.Fatal("static openai credentials missing")
	}
}

func TestApp_StaticTenantNoCredentials(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, &config.Config{}, nil)

	if _, err := a.resolveTenant(context.Background(), server.StreamParams{SecretaryID: "sec-1"}); err == nil {
		t.Fatal("expected error without any provider credentials")
	}
}

func TestApp_ExtensionAvailable(t *testing.T) {
	t.Parallel()

	ctl := switchctl.NewMock()
	ctl.Responses["sofia_contact 101"] = "sofia/internal/sip:101@10.0.0.5"
	ctl.Responses["sofia_contact 999"] = "error/user_not_registered"

	a := newTestApp(t, nil, storeFixture())
	a.control = ctl

	ok, err := a.extensionAvailable(context.Background(), "101")
	if err != nil || !ok {
		t.Fatalf("extensionAvailable(101) = %v, %v; want true", ok, err)
	}
	ok, err = a.extensionAvailable(context.Background(), "999")
	if err != nil || ok {
		t.Fatalf("extensionAvailable(999) = %v, %v; want false", ok, err)
	}
}

func TestApp_SimpleAPIErrorResponse(t *testing.T) {
	t.Parallel()

	ctl := switchctl.NewMock()
	ctl.Responses["uuid_hold"] = "-ERR no such channel"

	a := newTestApp(t, nil, storeFixture())
	a.control = ctl

	if err := a.simpleAPI(context.Background(), "uuid_hold call-1"); err == nil {
		t.Fatal("expected error for -ERR response")
	}
}
