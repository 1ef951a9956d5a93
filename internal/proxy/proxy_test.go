package proxy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HiImSmiley/socketleyd/internal/discovery"
	"github.com/HiImSmiley/socketleyd/internal/rt"
)

func newTestProxy(t *testing.T, cfg *rt.ProxyConfig, resolver discovery.Resolver) *Proxy {
	t.Helper()
	r := rt.New("px", rt.KindProxy)
	r.Proxy = cfg
	return New(r, nil, nil, resolver, nil)
}

func TestCandidatesExplicitBackends(t *testing.T) {
	p := newTestProxy(t, &rt.ProxyConfig{Backends: []string{"a:1", "b:1"}}, discovery.NewStatic(nil))
	addrs, err := p.candidates()
	require.NoError(t, err)
	assert.Len(t, addrs, 2)
}

func TestCandidatesNoBackendsFails(t *testing.T) {
	p := newTestProxy(t, &rt.ProxyConfig{}, discovery.NewStatic(nil))
	_, err := p.candidates()
	assert.Error(t, err, "expected an error with no backends and no discovery group configured")
}

func TestCandidatesResolvesRuntimeNames(t *testing.T) {
	p := newTestProxy(t, &rt.ProxyConfig{Backends: []string{"api", "10.1.1.1:80"}}, discovery.NewStatic(nil))
	p.ResolveName = func(name string) (string, bool) {
		if name == "api" {
			return "127.0.0.1:17100", true
		}
		return "", false
	}
	addrs, err := p.candidates()
	require.NoError(t, err)
	assert.Equal(t, []string{"127.0.0.1:17100", "10.1.1.1:80"}, addrs)
}

func TestCandidatesUnresolvableNameDropped(t *testing.T) {
	p := newTestProxy(t, &rt.ProxyConfig{Backends: []string{"ghost"}}, discovery.NewStatic(nil))
	_, err := p.candidates()
	assert.Error(t, err, "a name-only backend list with no resolver must fail")
}

func TestCandidatesUsesDiscoveryGroup(t *testing.T) {
	resolver := discovery.NewStatic(map[string][]string{"web": {"10.0.0.1:80"}})
	p := newTestProxy(t, &rt.ProxyConfig{DiscoveryGroup: "web"}, resolver)
	addrs, err := p.candidates()
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1:80"}, addrs)
}

func TestSelectRoundRobinCyclesBackends(t *testing.T) {
	p := newTestProxy(t, &rt.ProxyConfig{Backends: []string{"a:1", "b:1"}, Selection: "round_robin"}, discovery.NewStatic(nil))
	seen := map[string]int{}
	for i := 0; i < 4; i++ {
		addr, err := p.Select("", "", nil)
		require.NoError(t, err)
		seen[addr]++
	}
	assert.Equal(t, 2, seen["a:1"])
	assert.Equal(t, 2, seen["b:1"])
}

func TestSelectSkipsOpenBreaker(t *testing.T) {
	p := newTestProxy(t, &rt.ProxyConfig{Backends: []string{"a:1", "b:1"}, Selection: "round_robin"}, discovery.NewStatic(nil))
	cb := p.breaker("a:1")
	for i := 0; i < defaultThreshold; i++ {
		cb.recordFailure()
	}
	for i := 0; i < 4; i++ {
		addr, err := p.Select("", "", nil)
		require.NoError(t, err)
		assert.NotEqual(t, "a:1", addr, "Select should never return a backend whose breaker is open")
	}
}

func TestSelectSkipsUnhealthyBackend(t *testing.T) {
	p := newTestProxy(t, &rt.ProxyConfig{Backends: []string{"a:1", "b:1"}, Selection: "round_robin"}, discovery.NewStatic(nil))
	p.mu.Lock()
	p.healthy["a:1"] = false
	p.mu.Unlock()
	for i := 0; i < 4; i++ {
		addr, err := p.Select("", "", nil)
		require.NoError(t, err)
		assert.Equal(t, "b:1", addr, "Select should never return an unhealthy backend")
	}
}

func TestSelectHonorsExclusion(t *testing.T) {
	p := newTestProxy(t, &rt.ProxyConfig{Backends: []string{"a:1", "b:1"}}, discovery.NewStatic(nil))
	addr, err := p.Select("", "", map[string]bool{"a:1": true})
	require.NoError(t, err)
	assert.Equal(t, "b:1", addr)

	_, err = p.Select("", "", map[string]bool{"a:1": true, "b:1": true})
	assert.Error(t, err, "excluding every backend must fail selection")
}

func TestSelectAllBackendsDownFails(t *testing.T) {
	p := newTestProxy(t, &rt.ProxyConfig{Backends: []string{"a:1"}}, discovery.NewStatic(nil))
	cb := p.breaker("a:1")
	for i := 0; i < defaultThreshold; i++ {
		cb.recordFailure()
	}
	_, err := p.Select("", "", nil)
	assert.Error(t, err, "expected Select to fail when every backend's breaker is open")
}

func TestSelectHookOverridesChoice(t *testing.T) {
	r := rt.New("px", rt.KindProxy)
	r.Proxy = &rt.ProxyConfig{Backends: []string{"a:1", "b:1"}, Selection: "hook"}
	p := New(r, nil, nil, discovery.NewStatic(nil), func(method, path string, backends []string) string { return "forced:1" })
	addr, err := p.Select("GET", "/x", nil)
	require.NoError(t, err)
	assert.Equal(t, "forced:1", addr)
}

func TestSelectHookNilFallsThroughToRoundRobin(t *testing.T) {
	r := rt.New("px", rt.KindProxy)
	r.Proxy = &rt.ProxyConfig{Backends: []string{"a:1", "b:1"}, Selection: "hook"}
	p := New(r, nil, nil, discovery.NewStatic(nil), func(method, path string, backends []string) string { return "" })
	addr, err := p.Select("GET", "/x", nil)
	require.NoError(t, err)
	assert.Contains(t, []string{"a:1", "b:1"}, addr)
}

func TestRouteHTTPStripsPrefix(t *testing.T) {
	rewritten, ok := RouteHTTP("/gw", "/gw/api/users")
	require.True(t, ok)
	assert.Equal(t, "/api/users", rewritten)
}

func TestRouteHTTPBareNameRewritesToRoot(t *testing.T) {
	rewritten, ok := RouteHTTP("/gw", "/gw")
	require.True(t, ok)
	assert.Equal(t, "/", rewritten)
}

func TestRouteHTTPMismatchFails(t *testing.T) {
	_, ok := RouteHTTP("/gw", "/other/x")
	assert.False(t, ok, "a path outside the proxy's prefix must 404")
}

func TestRouteHTTPRejectsPrefixLookalike(t *testing.T) {
	_, ok := RouteHTTP("/gw", "/gwx/api")
	assert.False(t, ok, "/gwx must not match the /gw prefix")
}

func TestShouldRetryRespectsIdempotency(t *testing.T) {
	p := newTestProxy(t, &rt.ProxyConfig{}, discovery.NewStatic(nil))
	assert.True(t, p.ShouldRetry("GET"))
	assert.True(t, p.ShouldRetry("PUT"))
	assert.False(t, p.ShouldRetry("POST"))
	assert.True(t, p.ShouldRetry(""), "TCP-mode sessions carry no method and are replayable")
}

func TestShouldRetryAllOverridesNonIdempotent(t *testing.T) {
	p := newTestProxy(t, &rt.ProxyConfig{RetryAll: true}, discovery.NewStatic(nil))
	assert.True(t, p.ShouldRetry("POST"))
}

func TestBackendPoolBoundedPutGet(t *testing.T) {
	pool := newBackendPool(2)
	require.True(t, pool.Put("a:1", 10))
	require.True(t, pool.Put("a:1", 11))
	assert.False(t, pool.Put("a:1", 12), "the pool must reject fds past its per-backend cap")

	fd, ok := pool.Get("a:1")
	require.True(t, ok)
	assert.Equal(t, 11, fd, "Get should pop the most recently parked fd")
	_, ok = pool.Get("b:1")
	assert.False(t, ok)
}

func TestBackendPoolRemoveDropsParkedFD(t *testing.T) {
	pool := newBackendPool(4)
	pool.Put("a:1", 10)
	pool.Remove(10)
	_, ok := pool.Get("a:1")
	assert.False(t, ok, "a removed fd must not be handed out again")
}

func TestBackendPoolSweepIdle(t *testing.T) {
	pool := newBackendPool(4)
	pool.Put("a:1", 10)
	pool.mu.Lock()
	pool.idle["a:1"][0].since = time.Now().Add(-time.Hour)
	pool.mu.Unlock()
	pool.Put("a:1", 11)

	swept := pool.SweepIdle(time.Minute)
	assert.Equal(t, []int{10}, swept, "only the stale fd should be swept")
	fd, ok := pool.Get("a:1")
	require.True(t, ok)
	assert.Equal(t, 11, fd)
}

func TestBreakerUsesConfiguredThreshold(t *testing.T) {
	cb := newCircuitBreaker(3, 2*time.Second)
	cb.recordFailure()
	cb.recordFailure()
	assert.True(t, cb.allow(), "two failures are below the configured threshold of three")
	cb.recordFailure()
	assert.False(t, cb.allow(), "the third failure must trip the breaker")
}

func TestBreakerHalfOpensAfterConfiguredTimeout(t *testing.T) {
	cb := newCircuitBreaker(1, 10*time.Millisecond)
	cb.recordFailure()
	require.False(t, cb.allow())
	time.Sleep(20 * time.Millisecond)
	assert.True(t, cb.allow(), "the breaker should half-open once the open timeout elapses")
	cb.recordSuccess()
	assert.Equal(t, cbClosed, cb.state)
}
