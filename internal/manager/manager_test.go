package manager

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RCrewX/ton-provider-system/internal/config"
	"github.com/RCrewX/ton-provider-system/internal/provider"
)

func testServer(t *testing.T, seqno uint64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"ok":true,"result":{"last":{"seqno":%d}}}`, seqno)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testRegistryFile(urls map[string]string, priorities map[string]int, rps int) *config.RegistryFile {
	f := &config.RegistryFile{
		Version:   "1",
		Providers: map[string]config.ProviderSpec{},
	}
	for id, url := range urls {
		prio := priorities[id]
		r := rps
		f.Providers[id] = config.ProviderSpec{
			Type:      "custom",
			Network:   "testnet",
			Endpoints: map[string]string{provider.APIv2: url},
			RPS:       &r,
			Priority:  &prio,
		}
		f.Defaults.Testnet = append(f.Defaults.Testnet, id)
	}
	return f
}

func newTestManager(t *testing.T, reg *config.RegistryFile, probeOnStart bool) *Manager {
	t.Helper()
	m := New(Options{
		Network:      provider.Testnet,
		Registry:     reg,
		ProbeOnStart: probeOnStart,
		Getenv:       func(string) string { return "" },
	})
	require.NoError(t, m.Init(context.Background()))
	t.Cleanup(m.Destroy)
	return m
}

func TestManager_NotInitialized(t *testing.T) {
	m := New(Options{Network: provider.Testnet})

	_, err := m.ResolveEndpoint(context.Background())
	assert.ErrorIs(t, err, ErrNotInitialized)

	_, _, err = m.ResolveEndpointWithRateLimit(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestManager_InitRejectsInvalidRegistry(t *testing.T) {
	m := New(Options{
		Network: provider.Testnet,
		Registry: &config.RegistryFile{
			Providers: map[string]config.ProviderSpec{
				"broken": {Network: "testnet"},
			},
			Defaults: config.DefaultsSpec{Testnet: []string{"ghost"}},
		},
	})

	err := m.Init(context.Background())
	require.Error(t, err)

	var verr *config.ValidationError
	assert.ErrorAs(t, err, &verr)

	// The manager stays uninitialized after a failed init.
	_, err = m.ResolveEndpoint(context.Background())
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestManager_ResolveAndFailover(t *testing.T) {
	fast := testServer(t, 1000)
	slow := testServer(t, 1000)

	reg := testRegistryFile(
		map[string]string{"p1": fast.URL, "p2": slow.URL},
		map[string]int{"p1": 10, "p2": 20},
		100)
	m := newTestManager(t, reg, true)

	url, err := m.ResolveEndpoint(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fast.URL+"/jsonRPC", url)
	assert.Equal(t, "p1", m.GetActiveProviderInfo().ID)

	// A reported 429 demotes p1 and fails over to p2.
	m.ReportError(errors.New("HTTP 429 Too Many Requests"))

	url, err = m.ResolveEndpoint(context.Background())
	require.NoError(t, err)
	assert.Equal(t, slow.URL+"/jsonRPC", url)
	assert.Equal(t, "p2", m.GetActiveProviderInfo().ID)

	st := m.GetState()
	require.Contains(t, st.Providers, "p1")
	assert.Equal(t, provider.StatusDegraded, st.Providers["p1"].Health.Status)
	assert.NotZero(t, st.Providers["p1"].RateLimit.CurrentBackoff)
}

func TestManager_ReportErrorClassification(t *testing.T) {
	srv := testServer(t, 1000)
	reg := testRegistryFile(map[string]string{"p1": srv.URL}, map[string]int{"p1": 10}, 100)

	tests := []struct {
		name string
		err  error
		want provider.Status
	}{
		{"rate limit", errors.New("rate limit exceeded"), provider.StatusDegraded},
		{"bad gateway", errors.New("502 Bad Gateway"), provider.StatusOffline},
		{"service unavailable", errors.New("503 service unavailable"), provider.StatusOffline},
		{"not found", errors.New("404 not found"), provider.StatusOffline},
		{"timeout", errors.New("request timeout"), provider.StatusOffline},
		{"unrecognized", errors.New("something odd"), provider.StatusDegraded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager(t, reg, true)
			_, err := m.ResolveEndpoint(context.Background())
			require.NoError(t, err)

			m.ReportError(tt.err)

			st := m.GetState()
			require.Contains(t, st.Providers, "p1")
			assert.Equal(t, tt.want, st.Providers["p1"].Health.Status)
			assert.False(t, st.Providers["p1"].Health.Success)
		})
	}
}

func TestManager_FallbackWhenNothingSelectable(t *testing.T) {
	srv := testServer(t, 1000)
	reg := testRegistryFile(map[string]string{"p1": srv.URL}, map[string]int{"p1": 10}, 100)
	m := newTestManager(t, reg, true)

	_, err := m.ResolveEndpoint(context.Background())
	require.NoError(t, err)

	// Knock the only provider offline; it is now inside its cooldown.
	m.ReportError(errors.New("502 bad gateway"))

	url, err := m.ResolveEndpoint(context.Background())
	require.NoError(t, err)
	assert.Equal(t, config.FallbackTestnetURL, url)
	assert.True(t, m.GetActiveProviderInfo().Fallback)
}

func TestManager_CustomEndpointBypass(t *testing.T) {
	srv := testServer(t, 1000)
	reg := testRegistryFile(map[string]string{"p1": srv.URL}, map[string]int{"p1": 10}, 100)
	m := newTestManager(t, reg, true)

	m.SetCustomEndpoint("  https://my.proxy/api/v2/jsonRPC ")
	assert.True(t, m.IsUsingCustomEndpoint())

	url, err := m.ResolveEndpoint(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "https://my.proxy/api/v2/jsonRPC", url,
		"custom endpoint is returned verbatim after trimming")

	info := m.GetActiveProviderInfo()
	assert.True(t, info.IsCustom)

	// Rate-limited resolution also bypasses token acquisition.
	url, acquired, err := m.ResolveEndpointWithRateLimit(context.Background(), 10*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, acquired)
	assert.Equal(t, "https://my.proxy/api/v2/jsonRPC", url)

	m.SetCustomEndpoint("")
	assert.False(t, m.IsUsingCustomEndpoint())
}

func TestManager_OverrideRoundTrips(t *testing.T) {
	srv := testServer(t, 1000)
	reg := testRegistryFile(
		map[string]string{"p1": srv.URL, "p2": srv.URL},
		map[string]int{"p1": 10, "p2": 20},
		100)
	m := newTestManager(t, reg, true)

	m.SetSelectedProvider("p2")
	assert.Equal(t, "p2", m.GetSelectedProviderID())
	best := m.GetBestProvider()
	require.NotNil(t, best)
	assert.Equal(t, "p2", best.ID)
	assert.False(t, m.GetState().AutoSelect)

	m.SetAutoSelect(true)
	assert.Empty(t, m.GetSelectedProviderID())
	assert.True(t, m.GetState().AutoSelect)
}

func TestManager_RateLimitedResolve(t *testing.T) {
	srv := testServer(t, 1000)
	reg := testRegistryFile(map[string]string{"p1": srv.URL}, map[string]int{"p1": 10}, 100)
	m := newTestManager(t, reg, true)

	url, acquired, err := m.ResolveEndpointWithRateLimit(context.Background(), 2*time.Second)
	require.NoError(t, err)
	assert.True(t, acquired)
	assert.Equal(t, srv.URL+"/jsonRPC", url)
	m.ReportSuccess()
}

func TestManager_RateLimitTimeoutFallsBack(t *testing.T) {
	srv := testServer(t, 1000)
	// rps=1 sizes the bucket to a single token with a 1.2s spacing
	// floor, so a tight timeout cannot acquire at all.
	reg := testRegistryFile(map[string]string{"p1": srv.URL}, map[string]int{"p1": 10}, 1)
	m := newTestManager(t, reg, false)

	url, acquired, err := m.ResolveEndpointWithRateLimit(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, acquired)
	assert.Equal(t, config.FallbackTestnetURL, url)
}

func TestManager_SubscribeEmitsOnOverrides(t *testing.T) {
	srv := testServer(t, 1000)
	reg := testRegistryFile(map[string]string{"p1": srv.URL}, map[string]int{"p1": 10}, 100)
	m := newTestManager(t, reg, false)

	var events []State
	unsub := m.Subscribe(func(st State) { events = append(events, st) })

	m.SetCustomEndpoint("https://x.example.org")
	m.SetAutoSelect(true)
	require.NotEmpty(t, events)
	assert.Equal(t, "https://x.example.org", events[0].CustomEndpoint)

	n := len(events)
	unsub()
	m.SetAutoSelect(false)
	assert.Len(t, events, n, "unsubscribed listener receives nothing")
}

func TestManager_InitIdempotent(t *testing.T) {
	srv := testServer(t, 1000)
	reg := testRegistryFile(map[string]string{"p1": srv.URL}, map[string]int{"p1": 10}, 100)
	m := newTestManager(t, reg, false)

	require.NoError(t, m.Init(context.Background()))
	require.NoError(t, m.Init(context.Background()))
}

func TestManager_UpdateConfig(t *testing.T) {
	srv := testServer(t, 1000)
	reg := testRegistryFile(map[string]string{"p1": srv.URL}, map[string]int{"p1": 10}, 100)
	m := newTestManager(t, reg, false)

	next := testRegistryFile(
		map[string]string{"p1": srv.URL, "p3": srv.URL},
		map[string]int{"p1": 10, "p3": 5},
		100)
	require.NoError(t, m.UpdateConfig(next))

	st := m.GetState()
	assert.Contains(t, st.Providers, "p3")

	bad := &config.RegistryFile{Defaults: config.DefaultsSpec{Testnet: []string{"nope"}}}
	assert.Error(t, m.UpdateConfig(bad))
}

func TestGetInstance_Singleton(t *testing.T) {
	ResetInstances()
	t.Cleanup(ResetInstances)

	a := GetInstance(provider.Testnet)
	b := GetInstance(provider.Testnet)
	c := GetInstance(provider.Mainnet)

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
}
