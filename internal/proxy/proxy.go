// Package proxy implements the proxy engine (spec §4.6): backend
// resolution, load-balanced selection, HTTP and TCP forwarding modes,
// health checking, circuit breaking, and retries. The circuit breaker
// (breaker.go) and connection pool (pool.go) are adapted from
// thushan/olla's OllaProxyService; health checks use
// hashicorp/go-retryablehttp (pulled in because periodic HTTP probing
// with backoff-and-retry is exactly that library's purpose) instead of a
// bare net/http.Client.
package proxy

import (
	"context"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/HiImSmiley/socketleyd/internal/discovery"
	"github.com/HiImSmiley/socketleyd/internal/engine"
	"github.com/HiImSmiley/socketleyd/internal/errs"
	"github.com/HiImSmiley/socketleyd/internal/logging"
	"github.com/HiImSmiley/socketleyd/internal/rt"
)

const (
	defaultHealthInterval = 10 * time.Second
	defaultHealthFailures = 3
	defaultPoolIdle       = 60 * time.Second
)

// SelectHook lets an external callback override backend selection
// (spec §4.6's "hook-driven" selection mode); the daemon never executes
// scripting itself (see Non-goals) but leaves this seam for whatever
// component ends up loading one. Returning "" falls through to
// round-robin.
type SelectHook func(method, path string, backends []string) string

// Proxy runs one proxy-kind runtime.
type Proxy struct {
	Runtime  *rt.Runtime
	loop     *engine.Loop
	log      *logging.Logger
	resolver discovery.Resolver
	hook     SelectHook

	// ResolveName maps a backend entry that is a runtime name (no
	// host:port colon) to that runtime's loopback address (spec §4.6's
	// name-keyed backend entries). Set by the daemon, which owns the
	// registry; nil leaves name entries unresolvable.
	ResolveName func(name string) (addr string, ok bool)

	listenFD int

	mu          sync.Mutex
	rrIndex     int
	breakers    map[string]*circuitBreaker
	pool        *backendPool
	healthy     map[string]bool
	healthFails map[string]int
	sessions    map[int]*session // keyed by client fd
	backendOf   map[int]int      // backend fd -> client fd
	stopped     bool
}

// New creates a Proxy for runtime r.
func New(r *rt.Runtime, loop *engine.Loop, log *logging.Logger, resolver discovery.Resolver, hook SelectHook) *Proxy {
	poolSize := 16
	if r.Proxy != nil && r.Proxy.PoolSize > 0 {
		poolSize = r.Proxy.PoolSize
	}
	return &Proxy{
		Runtime: r, loop: loop, log: log, resolver: resolver, hook: hook,
		breakers:    make(map[string]*circuitBreaker),
		pool:        newBackendPool(poolSize),
		healthy:     make(map[string]bool),
		healthFails: make(map[string]int),
		sessions:    make(map[int]*session),
		backendOf:   make(map[int]int),
	}
}

// candidates resolves the configured backend list: explicit host:port
// entries pass through, bare runtime names resolve to that runtime's
// loopback address, and a discovery group resolves through the external
// collaborator (spec §4.6's three backend entry forms).
func (p *Proxy) candidates() ([]string, error) {
	cfg := p.Runtime.Proxy
	if cfg.DiscoveryGroup != "" {
		return p.resolver.Resolve(cfg.DiscoveryGroup)
	}
	if len(cfg.Backends) == 0 {
		return nil, errs.NewForRuntime("proxy.candidates", p.Runtime.Name, errs.CodeInvalidArgument, "no backends configured")
	}
	out := make([]string, 0, len(cfg.Backends))
	for _, entry := range cfg.Backends {
		if strings.Contains(entry, ":") {
			out = append(out, entry)
			continue
		}
		if p.ResolveName != nil {
			if addr, ok := p.ResolveName(entry); ok {
				out = append(out, addr)
			}
		}
	}
	if len(out) == 0 {
		return nil, errs.NewForRuntime("proxy.candidates", p.Runtime.Name, errs.CodeUnavailable, "no backend entry resolved")
	}
	return out, nil
}

// Select picks the next backend address per the configured strategy.
// "Available" excludes backends whose health state is unhealthy, whose
// circuit breaker denies traffic, or that the caller has already tried
// on this request (spec §4.6's retry exclusion). method/path feed the
// hook-driven strategy; they are empty in TCP mode.
func (p *Proxy) Select(method, path string, exclude map[string]bool) (string, error) {
	all, err := p.candidates()
	if err != nil {
		return "", err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	eligibleSet := make(map[string]bool, len(all))
	var eligible []string
	for _, addr := range all {
		if exclude[addr] {
			continue
		}
		if healthy, known := p.healthy[addr]; known && !healthy {
			continue
		}
		if p.breakerLocked(addr).allow() {
			eligibleSet[addr] = true
			eligible = append(eligible, addr)
		}
	}
	if len(eligible) == 0 {
		return "", errs.NewForRuntime("proxy.Select", p.Runtime.Name, errs.CodeUnavailable, "all backends unavailable")
	}

	switch p.Runtime.Proxy.Selection {
	case "random":
		return eligible[rand.Intn(len(eligible))], nil
	case "hook":
		if p.hook != nil {
			if addr := p.hook(method, path, eligible); addr != "" {
				return addr, nil
			}
		}
		fallthrough
	default:
		// Round-robin: a monotonic counter modulo the full backend
		// list, skipping unavailable entries, so each backend keeps a
		// stable slot as availability flaps.
		for range all {
			p.rrIndex++
			if addr := all[p.rrIndex%len(all)]; eligibleSet[addr] {
				return addr, nil
			}
		}
		return eligible[0], nil
	}
}

func (p *Proxy) breakerLocked(addr string) *circuitBreaker {
	cb, ok := p.breakers[addr]
	if !ok {
		cfg := p.Runtime.Proxy
		cb = newCircuitBreaker(cfg.CircuitThreshold, cfg.CircuitTimeout)
		p.breakers[addr] = cb
	}
	return cb
}

func (p *Proxy) breaker(addr string) *circuitBreaker {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.breakerLocked(addr)
}

func (p *Proxy) healthInterval() time.Duration {
	if cfg := p.Runtime.Proxy; cfg.HealthInterval > 0 {
		return cfg.HealthInterval
	}
	return defaultHealthInterval
}

func (p *Proxy) healthFailureThreshold() int {
	if cfg := p.Runtime.Proxy; cfg.HealthFailures > 0 {
		return cfg.HealthFailures
	}
	return defaultHealthFailures
}

// StartHealthChecks arms the periodic timer that probes every configured
// backend; consecutive failures at or past the threshold flip a backend
// unhealthy, any success flips it healthy and clears the counter (spec
// §4.6's health checking, kept separate from the circuit breaker, which
// only traffic errors feed).
func (p *Proxy) StartHealthChecks() {
	p.loop.SubmitTimeout(p.healthInterval(), healthTick{p})
}

type healthTick struct{ p *Proxy }

func (h healthTick) OnCompletion(engine.OpKind, int, int32, uint32, []byte) {
	h.p.mu.Lock()
	stopped := h.p.stopped
	h.p.mu.Unlock()
	if stopped {
		return
	}
	h.p.runHealthChecks()
	h.p.sweepPool()
	h.p.loop.SubmitTimeout(h.p.healthInterval(), h)
}

func (p *Proxy) runHealthChecks() {
	backends, err := p.candidates()
	if err != nil {
		return
	}
	threshold := p.healthFailureThreshold()
	for _, addr := range backends {
		up := p.probe(addr)
		p.mu.Lock()
		if up {
			p.healthFails[addr] = 0
			p.healthy[addr] = true
		} else {
			p.healthFails[addr]++
			if p.healthFails[addr] >= threshold {
				p.healthy[addr] = false
			}
		}
		p.mu.Unlock()
	}
}

// sweepPool closes idle pooled backend connections past their idle
// timeout, on the same tick as health checking.
func (p *Proxy) sweepPool() {
	maxAge := defaultPoolIdle
	if cfg := p.Runtime.Proxy; cfg.PoolIdleTimeout > 0 {
		maxAge = cfg.PoolIdleTimeout
	}
	for _, fd := range p.pool.SweepIdle(maxAge) {
		p.loop.SubmitShutdown(fd, discardHandler{p.loop})
	}
}

func (p *Proxy) probe(addr string) bool {
	cfg := p.Runtime.Proxy
	if cfg.HealthCheck == "http" {
		return p.probeHTTP(addr)
	}
	return p.probeTCP(addr)
}

const tcpProbeTimeout = 3 * time.Second

// probeTCP opens a TCP connection to addr and closes it immediately,
// the liveness check spec §4.6 requires for health_check=tcp backends.
func (p *Proxy) probeTCP(addr string) bool {
	conn, err := net.DialTimeout("tcp", addr, tcpProbeTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func (p *Proxy) probeHTTP(addr string) bool {
	client := retryablehttp.NewClient()
	client.RetryMax = 1
	client.Logger = nil
	url := "http://" + addr + p.Runtime.Proxy.HealthPath
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// RouteHTTP decides whether to forward an HTTP request based on a path
// prefix (routeHTTPRequest passes "/<proxy name>"), stripping it before
// forwarding (spec §4.6 HTTP mode). Returns ok=false (caller should
// respond 404) on mismatch.
func RouteHTTP(prefix, path string) (rewritten string, ok bool) {
	if prefix == "" {
		return path, true
	}
	if path != prefix && !strings.HasPrefix(path, prefix+"/") {
		return "", false
	}
	rest := strings.TrimPrefix(path, prefix)
	if rest == "" {
		rest = "/"
	}
	return rest, true
}

// isIdempotent reports whether an HTTP method is safe to retry after a
// mid-flight backend failure without an explicit retry-all override.
func isIdempotent(method string) bool {
	switch strings.ToUpper(method) {
	case "GET", "HEAD", "OPTIONS", "PUT", "DELETE":
		return true
	default:
		return false
	}
}

// ShouldRetry reports whether a request may be replayed against a
// different backend after an I/O failure, per spec §4.6's retry policy.
// TCP-mode sessions carry an empty method and are always replayable
// before any response byte has been forwarded.
func (p *Proxy) ShouldRetry(method string) bool {
	if method == "" || p.Runtime.Proxy.RetryAll {
		return true
	}
	return isIdempotent(method)
}
