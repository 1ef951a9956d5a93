// Package rt defines the Runtime type shared by every managed object the
// daemon supervises: servers, clients, proxies, and caches. It replaces
// the predecessor project's single-purpose Device type (backend.go in
// the teacher package) with a tagged-variant struct, per spec §9's
// explicit redesign note preferring a closed type set over dynamic
// dispatch through an interface hierarchy.
package rt

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/HiImSmiley/socketleyd/internal/metrics"
)

// State is the runtime lifecycle state machine (spec §3.6).
type State int

const (
	StateCreated State = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ChildPolicy controls what happens to a runtime's dependents when it is
// stopped or removed (spec §4.2's ownership-graph propagation).
type ChildPolicy int

const (
	ChildPolicyIgnore ChildPolicy = iota
	ChildPolicyStop
	ChildPolicyRemove
)

// Kind identifies which variant config is populated on a Runtime.
type Kind int

const (
	KindServer Kind = iota
	KindClient
	KindProxy
	KindCache
)

func (k Kind) String() string {
	switch k {
	case KindServer:
		return "server"
	case KindClient:
		return "client"
	case KindProxy:
		return "proxy"
	case KindCache:
		return "cache"
	default:
		return "unknown"
	}
}

// Runtime is the tagged-variant managed object. Exactly one of Server,
// Client, Proxy, Cache is non-nil, selected by Kind.
type Runtime struct {
	ID   uuid.UUID
	Name string
	Kind Kind

	mu    sync.RWMutex
	state State

	CreatedAt time.Time
	StartedAt time.Time

	LinkedCache string // name of a cache runtime this one reports into, if any
	Owner       string // name of the runtime that created/manages this one, if any
	Group       string // free-form grouping label (spec §3.2's "group label")
	ChildPolicy ChildPolicy
	External    bool // foreign process registered via `attach`; the daemon tracks metadata only
	PID         int  // the foreign process id for an external runtime, 0 otherwise
	WasRunning  bool // persisted flag driving boot-time auto-start

	Metrics *metrics.Runtime

	Server *ServerConfig
	Client *ClientConfig
	Proxy  *ProxyConfig
	Cache  *CacheConfig

	// Script, if non-empty, names a Lua callback module; the daemon never
	// loads or executes it (out of scope, see spec.md Non-goals) but a
	// Runtime still carries the reference so `show`/`dump` can report it
	// to the external scripting collaborator.
	Script string
}

// New creates a Runtime with a freshly generated identity in StateCreated.
func New(name string, kind Kind) *Runtime {
	return &Runtime{
		ID:        uuid.New(),
		Name:      name,
		Kind:      kind,
		state:     StateCreated,
		CreatedAt: time.Now(),
		Metrics:   metrics.New(),
	}
}

// State returns the current lifecycle state.
func (r *Runtime) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// allowedTransitions enumerates the lifecycle edges spec §3.6 permits.
var allowedTransitions = map[State][]State{
	StateCreated:  {StateStarting, StateFailed},
	StateStarting: {StateRunning, StateFailed},
	StateRunning:  {StateStopping, StateFailed},
	StateStopping: {StateStopped, StateFailed},
	StateStopped:  {StateStarting},
	StateFailed:   {StateStarting, StateStopped},
}

// Transition moves the runtime to next if the edge is legal, reporting
// whether the transition was applied.
func (r *Runtime) Transition(next State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, allowed := range allowedTransitions[r.state] {
		if allowed == next {
			r.state = next
			if next == StateRunning {
				r.StartedAt = time.Now()
			}
			return true
		}
	}
	return false
}

// ServerConfig holds the fields unique to a server-kind runtime (spec §4.4).
// mapstructure tags name the `edit` control command's flag keys (spec
// §4.8: "edit's flag-map -> config-struct application").
type ServerConfig struct {
	Proto       string        `mapstructure:"proto"` // "tcp" or "udp"
	BindAddr    string        `mapstructure:"bind"`
	Mode        string        `mapstructure:"mode"` // "inout", "in", "out", "master"
	StaticDir   string        `mapstructure:"static_dir"`
	MasterKey   string        `mapstructure:"master_key"`
	MaxConns    int           `mapstructure:"max_conns"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
	WSEnabled   bool          `mapstructure:"ws"`

	// DrainOnStop flushes queued writes with best-effort blocking writes
	// before teardown instead of half-closing immediately (spec §3.2).
	DrainOnStop bool `mapstructure:"drain_on_stop"`

	// RouteTo names a sub-server runtime every accepted connection's
	// messages are forwarded to instead of being dispatched locally
	// (spec §4.4's routed connections, resolved by name).
	RouteTo string `mapstructure:"route_to"`

	// StoreMessages stores every dispatched message into the linked
	// cache under a monotonically increasing key (spec §4.7's second
	// linked-cache mode).
	StoreMessages bool `mapstructure:"store_messages"`

	// Upstreams lists outbound host:port targets the server maintains
	// lightweight reconnecting client connections to (spec §4.4).
	Upstreams []string `mapstructure:"upstreams"`

	// TLS configuration is tracked for `show`/`edit` round-trips; the
	// certificate loading itself is an external collaborator (spec.md
	// Non-goals).
	TLSEnabled bool   `mapstructure:"tls"`
	TLSCert    string `mapstructure:"tls_cert"`
	TLSKey     string `mapstructure:"tls_key"`

	LogPath string `mapstructure:"log_path"`

	// ForwardToMaster controls what happens to a non-master message in
	// master mode (spec §4.4): forwarded to the authenticated master
	// connection when true, dropped when false.
	ForwardToMaster bool `mapstructure:"forward_to_master"`

	// ConnRateLimit and GlobalRateLimit are token-bucket ceilings in
	// messages/sec (spec §3.2); zero disables the corresponding check.
	ConnRateLimit   float64 `mapstructure:"conn_rate_limit"`
	ConnRateBurst   float64 `mapstructure:"conn_rate_burst"`
	GlobalRateLimit float64 `mapstructure:"global_rate_limit"`
	GlobalRateBurst float64 `mapstructure:"global_rate_burst"`
}

// ClientConfig holds the fields unique to a client-kind runtime (spec §4.5).
type ClientConfig struct {
	Proto      string `mapstructure:"proto"`
	RemoteAddr string `mapstructure:"remote"`
	Mode       string `mapstructure:"mode"`
	Reconnect  bool   `mapstructure:"reconnect"`

	// MaxAttempts bounds reconnect attempts; 0 means retry forever
	// (spec §4.5's "attempts count up; 0 = infinite").
	MaxAttempts int `mapstructure:"max_attempts"`

	TLSEnabled bool   `mapstructure:"tls"`
	TLSCert    string `mapstructure:"tls_cert"`
	TLSKey     string `mapstructure:"tls_key"`
}

// ProxyConfig holds the fields unique to a proxy-kind runtime (spec §4.6).
type ProxyConfig struct {
	ListenAddr     string        `mapstructure:"bind"`
	Mode           string        `mapstructure:"mode"` // "http" or "tcp"
	Backends       []string      `mapstructure:"backends"`
	DiscoveryGroup string        `mapstructure:"group"`
	Selection      string        `mapstructure:"selection"` // "round_robin", "random", "hook"
	PathPrefix     string        `mapstructure:"prefix"`
	HealthCheck    string        `mapstructure:"health_check"` // "tcp" or "http"
	HealthPath     string        `mapstructure:"health_path"`
	HealthInterval time.Duration `mapstructure:"health_interval"`
	HealthFailures int           `mapstructure:"health_failures"` // consecutive failures before unhealthy
	RetryAll       bool          `mapstructure:"retry_all"`
	Retries        int           `mapstructure:"retries"` // replay attempts after a pre-response backend failure

	// Circuit breaker tuning (spec §4.6.3); zero values select the
	// engine defaults.
	CircuitThreshold int           `mapstructure:"circuit_threshold"`
	CircuitTimeout   time.Duration `mapstructure:"circuit_timeout"`

	// Backend connection pool bounds (spec §4.6's pool + idle sweep).
	PoolSize        int           `mapstructure:"pool_size"`
	PoolIdleTimeout time.Duration `mapstructure:"pool_idle_timeout"`
}

// CacheConfig holds the fields unique to a cache-kind runtime (spec §4.7).
type CacheConfig struct {
	BindAddr     string `mapstructure:"bind"`     // wire listener address; empty = no network surface
	AccessMode   string `mapstructure:"access"`   // "readonly", "readwrite", "admin"
	Eviction     string `mapstructure:"eviction"` // "none", "allkeys-lru", "allkeys-random"
	MaxKeys      int    `mapstructure:"max_keys"`
	MaxMemory    int64  `mapstructure:"maxmemory"` // keyspace byte budget; 0 = unbounded
	RESPEnabled  bool   `mapstructure:"resp"`
	SnapshotPath string `mapstructure:"snapshot_path"`
	FollowOf     string `mapstructure:"follow"` // remote host:port this cache replicates from, if any
}
