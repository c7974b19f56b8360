package health

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RCrewX/ton-provider-system/internal/limiter"
	"github.com/RCrewX/ton-provider-system/internal/provider"
)

func fastLimiters(ids ...string) *limiter.Set {
	s := limiter.NewSet(nil)
	for _, id := range ids {
		s.Configure(id, limiter.Config{RPS: 1000, BurstSize: 1000})
	}
	return s
}

func testProvider(id string, typ provider.Type, endpoint string) *provider.Resolved {
	return &provider.Resolved{
		Config: provider.Config{
			ID:                id,
			Type:              typ,
			Network:           provider.Testnet,
			RPS:               1000,
			Enabled:           true,
			BrowserCompatible: true,
		},
		Endpoints: map[string]string{provider.APIv2: endpoint},
	}
}

func masterchainHandler(seqno uint64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"ok":true,"result":{"last":{"seqno":%d}}}`, seqno)
	}
}

func TestChecker_ProbeSuccess(t *testing.T) {
	srv := httptest.NewServer(masterchainHandler(1000))
	defer srv.Close()

	c := NewChecker(CheckerConfig{}, fastLimiters("p1"), nil, nil)
	p := testProvider("p1", provider.TypeToncenter, srv.URL+"/api/v2")

	res := c.Probe(context.Background(), p)

	assert.Equal(t, provider.StatusAvailable, res.Status)
	assert.True(t, res.Success)
	require.NotNil(t, res.Seqno)
	assert.Equal(t, uint64(1000), *res.Seqno)
	require.NotNil(t, res.LatencyMs)
	assert.Zero(t, res.BlocksBehind)
	assert.True(t, res.BrowserCompatible)
	assert.Equal(t, uint64(1000), c.HighestSeqno(provider.Testnet))
}

func TestChecker_StaleDetection(t *testing.T) {
	fresh := httptest.NewServer(masterchainHandler(1000))
	defer fresh.Close()
	lagging := httptest.NewServer(masterchainHandler(980))
	defer lagging.Close()

	c := NewChecker(CheckerConfig{MaxBlocksBehind: 10}, fastLimiters("p1", "p2"), nil, nil)
	ctx := context.Background()

	c.Probe(ctx, testProvider("p1", provider.TypeToncenter, fresh.URL+"/api/v2"))
	res := c.Probe(ctx, testProvider("p2", provider.TypeToncenter, lagging.URL+"/api/v2"))

	assert.Equal(t, provider.StatusStale, res.Status)
	assert.True(t, res.Success)
	assert.Equal(t, uint64(20), res.BlocksBehind)
}

func TestChecker_HighestSeqnoMonotone(t *testing.T) {
	c := NewChecker(CheckerConfig{}, fastLimiters(), nil, nil)

	assert.Equal(t, uint64(500), c.observeSeqno(provider.Testnet, 500))
	assert.Equal(t, uint64(500), c.observeSeqno(provider.Testnet, 300), "regressions are dropped")
	assert.Equal(t, uint64(700), c.observeSeqno(provider.Testnet, 700))

	// Networks do not share a counter.
	assert.Equal(t, uint64(10), c.observeSeqno(provider.Mainnet, 10))
}

func TestChecker_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	limiters := fastLimiters("p1")
	// The first 429 backoff is MinDelay x BackoffMultiplier, so the
	// bucket needs a non-zero spacing floor for it to show.
	limiters.Configure("p1", limiter.Config{MinDelay: 10 * time.Millisecond})
	c := NewChecker(CheckerConfig{}, limiters, nil, nil)
	res := c.Probe(context.Background(), testProvider("p1", provider.TypeToncenter, srv.URL+"/api/v2"))

	assert.Equal(t, provider.StatusDegraded, res.Status)
	assert.False(t, res.Success)
	assert.NotZero(t, limiters.Get("p1").GetState().CurrentBackoff,
		"a 429 must feed the provider's rate limiter")
}

func TestChecker_PermanentError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := NewChecker(CheckerConfig{}, fastLimiters("p1"), nil, nil)
	res := c.Probe(context.Background(), testProvider("p1", provider.TypeToncenter, srv.URL+"/api/v2"))

	assert.Equal(t, provider.StatusOffline, res.Status)
	assert.False(t, res.Success)
}

func TestChecker_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	defer srv.Close()

	c := NewChecker(CheckerConfig{ProbeTimeout: 150 * time.Millisecond}, fastLimiters("p1"), nil, nil)
	res := c.Probe(context.Background(), testProvider("p1", provider.TypeToncenter, srv.URL+"/api/v2"))

	assert.Equal(t, provider.StatusOffline, res.Status)
	assert.False(t, res.Success)
	assert.Nil(t, res.LatencyMs, "timeouts record no latency")
}

func TestChecker_InvalidSeqno(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ok":true,"result":{"last":{"seqno":0}}}`)
	}))
	defer srv.Close()

	c := NewChecker(CheckerConfig{}, fastLimiters("p1"), nil, nil)
	res := c.Probe(context.Background(), testProvider("p1", provider.TypeToncenter, srv.URL+"/api/v2"))

	assert.Equal(t, provider.StatusOffline, res.Status)
	assert.Contains(t, res.Error, "invalid seqno")
}

func TestChecker_OnFinalityPublicFallback(t *testing.T) {
	var rpcHits, publicHits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/rpc":
			rpcHits++
			http.Error(w, "backend error", http.StatusInternalServerError)
		case "/public":
			publicHits++
			assert.Empty(t, r.Header.Get("apikey"), "fallback must drop the key header")
			fmt.Fprint(w, `{"ok":true,"result":{"last":{"seqno":555}}}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewChecker(CheckerConfig{}, fastLimiters("onf"), nil, nil)
	p := testProvider("onf", provider.TypeOnfinality, srv.URL)
	p.Key = "k"
	p.APIKey = "k"

	res := c.Probe(context.Background(), p)

	assert.Equal(t, 1, rpcHits)
	assert.Equal(t, 1, publicHits)
	assert.Equal(t, provider.StatusAvailable, res.Status)
	assert.True(t, res.Success)
}

func TestChecker_TatumRequiresKey(t *testing.T) {
	c := NewChecker(CheckerConfig{}, fastLimiters("tatum"), nil, nil)
	p := testProvider("tatum", provider.TypeTatum, "https://ton-mainnet.gateway.tatum.io")

	res := c.Probe(context.Background(), p)

	assert.Equal(t, provider.StatusOffline, res.Status)
	assert.Contains(t, res.Error, "api key")
}

func TestChecker_UnresolvedTemplate(t *testing.T) {
	c := NewChecker(CheckerConfig{}, fastLimiters("p1"), nil, nil)
	p := testProvider("p1", provider.TypeChainstack, "https://example.com/{key}/api/v2")

	res := c.Probe(context.Background(), p)

	assert.Equal(t, provider.StatusOffline, res.Status)
	assert.Contains(t, res.Error, "missing api key")
}

func TestChecker_CORSFlipsBrowserCompatible(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "request blocked by CORS policy", http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewChecker(CheckerConfig{}, fastLimiters("p1"), nil, nil)
	res := c.Probe(context.Background(), testProvider("p1", provider.TypeToncenter, srv.URL+"/api/v2"))

	assert.False(t, res.BrowserCompatible)

	// The flip is sticky across later probes.
	res = c.Probe(context.Background(), testProvider("p1", provider.TypeToncenter, srv.URL+"/api/v2"))
	assert.False(t, res.BrowserCompatible)
}

func TestChecker_MarkPreservesDiagnostics(t *testing.T) {
	srv := httptest.NewServer(masterchainHandler(1000))
	defer srv.Close()

	c := NewChecker(CheckerConfig{}, fastLimiters("p1"), nil, nil)
	p := testProvider("p1", provider.TypeToncenter, srv.URL+"/api/v2")
	c.Probe(context.Background(), p)

	c.MarkOffline("p1", provider.Testnet, "reported 502")

	res := c.Result("p1", provider.Testnet)
	require.NotNil(t, res)
	assert.Equal(t, provider.StatusOffline, res.Status)
	assert.False(t, res.Success)
	require.NotNil(t, res.Seqno, "marks keep the last seqno for diagnostics")
	assert.Equal(t, uint64(1000), *res.Seqno)
	assert.Equal(t, "reported 502", res.Error)

	c.MarkDegraded("p1", provider.Testnet, "reported 429")
	res = c.Result("p1", provider.Testnet)
	assert.Equal(t, provider.StatusDegraded, res.Status)
	assert.False(t, res.Success)
}

func TestChecker_ProbeAll(t *testing.T) {
	srv := httptest.NewServer(masterchainHandler(2000))
	defer srv.Close()

	c := NewChecker(CheckerConfig{SweepRPS: 1000}, fastLimiters("a", "b", "c"), nil, nil)
	providers := []*provider.Resolved{
		testProvider("a", provider.TypeToncenter, srv.URL+"/api/v2"),
		testProvider("b", provider.TypeToncenter, srv.URL+"/api/v2"),
		testProvider("c", provider.TypeToncenter, srv.URL+"/api/v2"),
	}

	c.ProbeAll(context.Background(), providers)

	snap := c.Snapshot(provider.Testnet)
	require.Len(t, snap, 3)
	for id, res := range snap {
		assert.True(t, res.Success, "provider %s", id)
		assert.Equal(t, provider.StatusAvailable, res.Status)
	}
}
