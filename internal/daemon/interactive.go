package daemon

import (
	"strings"

	"github.com/HiImSmiley/socketleyd/internal/cache"
	"github.com/HiImSmiley/socketleyd/internal/errs"
	"github.com/HiImSmiley/socketleyd/internal/rt"
)

// Attach registers sessionFD as an interactive observer of name's output
// (spec §4.8 `start <name> -i`), returning the runtime's kind so the
// control channel knows how framing the raw byte stream should behave.
func (d *Daemon) Attach(name string, sessionFD int, sink func([]byte)) (rt.Kind, error) {
	r, err := d.Registry.Get(name)
	if err != nil {
		return 0, err
	}
	if r.State() != rt.StateRunning {
		return 0, errs.NewForRuntime("daemon.Attach", name, errs.CodeStateTransition, "not running")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	switch r.Kind {
	case rt.KindServer:
		if s, ok := d.servers[name]; ok {
			s.Attach(sessionFD, sink)
		}
	case rt.KindClient:
		if c, ok := d.clients[name]; ok {
			c.Sink = sink
		}
	}
	return r.Kind, nil
}

// Detach removes sessionFD's interactive registration, called when the
// attached control-channel client disconnects.
func (d *Daemon) Detach(name string, sessionFD int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.servers[name]; ok {
		s.Detach(sessionFD)
	}
	if c, ok := d.clients[name]; ok {
		c.Sink = nil
	}
}

// Forward delivers a raw line typed into an interactive session to the
// attached runtime: broadcast for a server, send for a client, execute
// for a cache (spec §4.8).
func (d *Daemon) Forward(name string, line []byte) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.servers[name]; ok {
		s.Broadcast(line)
		return nil
	}
	if c, ok := d.clients[name]; ok {
		c.Send(line)
		return nil
	}
	if c, ok := d.caches[name]; ok {
		reply := c.Execute(strings.Fields(string(line)))
		return append(cache.EncodeLine(reply), '\n')
	}
	return nil
}
