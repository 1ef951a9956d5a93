package daemon

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/HiImSmiley/socketleyd/internal/errs"
	"github.com/HiImSmiley/socketleyd/internal/persist"
	"github.com/HiImSmiley/socketleyd/internal/rt"
)

// immutableWhileRunning lists per-kind flag keys spec §3.6 forbids
// editing on a running runtime (port, TLS, protocol choice, target,
// backends).
var immutableWhileRunning = map[rt.Kind]map[string]bool{
	rt.KindServer: {"bind": true, "proto": true, "tls": true, "tls_cert": true, "tls_key": true},
	rt.KindClient: {"remote": true, "proto": true, "tls": true, "tls_cert": true, "tls_key": true},
	rt.KindProxy:  {"bind": true, "backends": true, "mode": true},
	rt.KindCache:  {"bind": true},
}

// Edit applies a flag map to a runtime's type-specific configuration,
// rejecting any key that is immutable while the runtime is running
// (spec §3.6).
func (d *Daemon) Edit(name string, flags map[string]string) error {
	r, err := d.Registry.Get(name)
	if err != nil {
		return err
	}
	running := r.State() == rt.StateRunning
	if running {
		forbidden := immutableWhileRunning[r.Kind]
		for k := range flags {
			if forbidden[k] {
				return errs.NewForRuntime("daemon.Edit", name, errs.CodeStateTransition,
					"cannot change "+k+" while running")
			}
		}
	}

	input := make(map[string]interface{}, len(flags))
	for k, v := range flags {
		input[k] = v
	}

	var target interface{}
	switch r.Kind {
	case rt.KindServer:
		target = r.Server
	case rt.KindClient:
		target = r.Client
	case rt.KindProxy:
		target = r.Proxy
	case rt.KindCache:
		target = r.Cache
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           target,
	})
	if err != nil {
		return errs.Wrap("daemon.Edit", err)
	}
	if err := dec.Decode(input); err != nil {
		return errs.NewForRuntime("daemon.Edit", name, errs.CodeInvalidArgument, err.Error())
	}
	return d.saveSidecar(r)
}

func (d *Daemon) saveSidecar(r *rt.Runtime) error {
	return persist.Save(d.StateDir, r, r.State() == rt.StateRunning)
}

// Send executes the control-channel `send` command: deliver a line to a
// running server (broadcast) or client (outbound write) runtime.
func (d *Daemon) Send(name string, line []byte) error {
	r, err := d.Registry.Get(name)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	switch r.Kind {
	case rt.KindServer:
		s, ok := d.servers[name]
		if !ok {
			return errs.NewForRuntime("daemon.Send", name, errs.CodeStateTransition, "not running")
		}
		s.Broadcast(line)
	case rt.KindClient:
		c, ok := d.clients[name]
		if !ok {
			return errs.NewForRuntime("daemon.Send", name, errs.CodeStateTransition, "not running")
		}
		c.Send(line)
	case rt.KindCache:
		c, ok := d.caches[name]
		if !ok {
			return errs.NewForRuntime("daemon.Send", name, errs.CodeStateTransition, "not running")
		}
		c.Execute(strings.Fields(string(line)))
	default:
		return errs.NewForRuntime("daemon.Send", name, errs.CodeInvalidArgument, "runtime does not accept send")
	}
	return nil
}

// Action runs an ad-hoc operation against a runtime by name, the
// catch-all `action` control command (spec §4.8) for verbs that don't
// warrant their own command: "flush"/"load" for caches, "reload" for
// proxy health/backends.
func (d *Daemon) Action(name, action string, args []string) (string, error) {
	r, err := d.Registry.Get(name)
	if err != nil {
		return "", err
	}
	switch r.Kind {
	case rt.KindCache:
		d.mu.Lock()
		c, ok := d.caches[name]
		d.mu.Unlock()
		if !ok {
			return "", errs.NewForRuntime("daemon.Action", name, errs.CodeStateTransition, "not running")
		}
		reply := c.Execute(append([]string{strings.ToUpper(action)}, args...))
		if reply.Err != "" {
			return "", errs.NewForRuntime("daemon.Action", name, errs.CodeInvalidArgument, reply.Err)
		}
		return reply.Str, nil
	case rt.KindProxy:
		if action == "reload" {
			d.mu.Lock()
			p, ok := d.proxies[name]
			d.mu.Unlock()
			if ok {
				p.StartHealthChecks()
			}
			return "reloaded", nil
		}
	}
	return "", errs.NewForRuntime("daemon.Action", name, errs.CodeInvalidArgument, "unsupported action "+action)
}

// Stats renders a runtime's counter snapshot as a human-readable line
// (spec §4.8 `stats`).
func (d *Daemon) Stats(name string) (string, error) {
	r, err := d.Registry.Get(name)
	if err != nil {
		return "", err
	}
	s := r.Metrics.Snapshot()
	return "accepted=" + strconv.FormatUint(s.ConnectionsAccepted, 10) +
		" active=" + strconv.FormatInt(s.ConnectionsActive, 10) +
		" peak=" + strconv.FormatInt(s.PeakConnections, 10) +
		" rejected=" + strconv.FormatUint(s.ConnectionsRejected, 10) +
		" messages=" + strconv.FormatUint(s.Messages, 10) +
		" bytes_in=" + strconv.FormatUint(s.BytesRead, 10) +
		" bytes_out=" + strconv.FormatUint(s.BytesWritten, 10) +
		" errors=" + strconv.FormatUint(s.Errors, 10) +
		" uptime_ns=" + strconv.FormatUint(s.UptimeNs, 10), nil
}

// Reload re-reads every persisted sidecar's group membership into the
// discovery resolver, the daemon-wide equivalent of the control
// channel's `reload` command; `reload-lua` is a no-op here since Lua
// scripting is an external collaborator (spec.md Non-goals).
func (d *Daemon) Reload() error {
	sidecars, err := persist.LoadAll(d.StateDir)
	if err != nil {
		return err
	}
	for _, sc := range sidecars {
		if sc.Kind == "proxy" && sc.Proxy != nil && sc.Proxy.DiscoveryGroup != "" {
			d.Resolver.Set(sc.Proxy.DiscoveryGroup, sc.Proxy.Backends)
		}
	}
	return nil
}

// Import recreates a runtime from a `dump`-formatted JSON blob (spec
// §4.8 `import`), the inverse of Dump.
func (d *Daemon) Import(data []byte) (string, error) {
	var sc persist.Sidecar
	if err := json.Unmarshal(data, &sc); err != nil {
		return "", errs.Wrap("daemon.Import", err)
	}
	r := sc.ToRuntime()
	if err := d.Registry.Create(r); err != nil {
		return "", err
	}
	if err := d.saveSidecar(r); err != nil {
		d.Log.Warn("failed to persist imported runtime", "name", r.Name, "err", err)
	}
	return r.Name, nil
}
