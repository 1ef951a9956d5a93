package daemon

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/HiImSmiley/socketleyd/internal/errs"
	"github.com/HiImSmiley/socketleyd/internal/rt"
)

// Execute parses and runs one control-channel command line, implementing
// internal/control.Dispatcher. It mirrors the teacher's ctrl.Controller
// shape (one exported Go method per verb, checked for an error) except
// the verb comes from a parsed line instead of a direct Go call, and the
// result is a (status-byte, body) pair per spec §6.1 instead of a raw
// int32.
func (d *Daemon) Execute(cmd string, args []string) (byte, string) {
	switch cmd {
	case "create":
		return d.cmdCreate(args)
	case "start":
		return d.cmdStart(args)
	case "stop":
		return d.cmdStop(args)
	case "remove":
		return d.cmdRemove(args)
	case "ls", "ps":
		return d.cmdList(args)
	case "send":
		return d.cmdSend(args)
	case "edit":
		return d.cmdEdit(args)
	case "show", "dump":
		return d.cmdDump(args)
	case "import":
		return d.cmdImport(args)
	case "action":
		return d.cmdAction(args)
	case "stats":
		return d.cmdStats(args)
	case "reload":
		if err := d.Reload(); err != nil {
			return statusOf(err), err.Error()
		}
		return 0, "reloaded"
	case "reload-lua":
		return 0, "" // external collaborator, see spec.md Non-goals
	case "owner":
		return d.cmdOwner(args)
	case "attach":
		return d.cmdAttach(args)
	default:
		return 1, "unknown command " + cmd
	}
}

func statusOf(err error) byte {
	if err == nil {
		return 0
	}
	if _, ok := err.(*errs.Error); ok {
		return 1
	}
	return 2
}

func parseKind(s string) (rt.Kind, bool) {
	switch s {
	case "server":
		return rt.KindServer, true
	case "client":
		return rt.KindClient, true
	case "proxy":
		return rt.KindProxy, true
	case "cache":
		return rt.KindCache, true
	default:
		return 0, false
	}
}

func (d *Daemon) cmdCreate(args []string) (byte, string) {
	if len(args) < 2 {
		return 1, "usage: create <type> <name>"
	}
	kind, ok := parseKind(args[0])
	if !ok {
		return 1, "unknown runtime type " + args[0]
	}
	r, err := d.Create(kind, args[1])
	if err != nil {
		return statusOf(err), err.Error()
	}
	return 0, r.Name
}

func (d *Daemon) cmdStart(args []string) (byte, string) {
	if len(args) < 1 {
		return 1, "usage: start <name> [-i]"
	}
	return d.applyToMatches(args[0], d.Start, "started")
}

func (d *Daemon) cmdStop(args []string) (byte, string) {
	if len(args) < 1 {
		return 1, "usage: stop <name>"
	}
	return d.applyToMatches(args[0], d.Stop, "stopped")
}

func (d *Daemon) cmdRemove(args []string) (byte, string) {
	if len(args) < 1 {
		return 1, "usage: remove <name>"
	}
	return d.applyToMatches(args[0], d.Remove, "removed")
}

// applyToMatches expands name-or-glob spec §4.8 requires ("name
// arguments accept glob patterns") and applies verb to every match,
// stopping at the first failure.
func (d *Daemon) applyToMatches(nameOrGlob string, verb func(string) error, okBody string) (byte, string) {
	if !strings.ContainsAny(nameOrGlob, "*?[") {
		if err := verb(nameOrGlob); err != nil {
			return statusOf(err), err.Error()
		}
		return 0, okBody
	}
	matches, err := d.List(nameOrGlob)
	if err != nil {
		return statusOf(err), err.Error()
	}
	if len(matches) == 0 {
		return 1, "no runtime matches " + nameOrGlob
	}
	for _, r := range matches {
		if err := verb(r.Name); err != nil {
			return statusOf(err), r.Name + ": " + err.Error()
		}
	}
	return 0, okBody
}

func (d *Daemon) cmdList(args []string) (byte, string) {
	pattern := "*"
	if len(args) > 0 {
		pattern = args[0]
	}
	runtimes, err := d.List(pattern)
	if err != nil {
		return statusOf(err), err.Error()
	}
	lines := make([]string, 0, len(runtimes))
	for _, r := range runtimes {
		lines = append(lines, fmt.Sprintf("%s\t%s\t%s", r.Name, r.Kind, r.State()))
	}
	return 0, strings.Join(lines, "\n")
}

func (d *Daemon) cmdSend(args []string) (byte, string) {
	if len(args) < 2 {
		return 1, "usage: send <name> <line...>"
	}
	line := strings.Join(args[1:], " ")
	if err := d.Send(args[0], []byte(line)); err != nil {
		return statusOf(err), err.Error()
	}
	return 0, "sent"
}

func (d *Daemon) cmdEdit(args []string) (byte, string) {
	if len(args) < 2 {
		return 1, "usage: edit <name> <key=value...>"
	}
	flags := make(map[string]string, len(args)-1)
	for _, kv := range args[1:] {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			return 1, "malformed flag " + kv
		}
		flags[parts[0]] = parts[1]
	}
	if err := d.Edit(args[0], flags); err != nil {
		return statusOf(err), err.Error()
	}
	return 0, "edited"
}

func (d *Daemon) cmdDump(args []string) (byte, string) {
	if len(args) < 1 {
		return 1, "usage: show <name>"
	}
	body, err := d.Dump(args[0])
	if err != nil {
		return statusOf(err), err.Error()
	}
	return 0, body
}

func (d *Daemon) cmdImport(args []string) (byte, string) {
	if len(args) < 1 {
		return 1, "usage: import <json>"
	}
	name, err := d.Import([]byte(strings.Join(args, " ")))
	if err != nil {
		return statusOf(err), err.Error()
	}
	return 0, name
}

func (d *Daemon) cmdAction(args []string) (byte, string) {
	if len(args) < 2 {
		return 1, "usage: action <name> <action> [args...]"
	}
	body, err := d.Action(args[0], args[1], args[2:])
	if err != nil {
		return statusOf(err), err.Error()
	}
	return 0, body
}

func (d *Daemon) cmdStats(args []string) (byte, string) {
	if len(args) < 1 {
		return 1, "usage: stats <name>"
	}
	body, err := d.Stats(args[0])
	if err != nil {
		return statusOf(err), err.Error()
	}
	return 0, body
}

func (d *Daemon) cmdOwner(args []string) (byte, string) {
	if len(args) < 2 {
		return 1, "usage: owner <name> <owner> [stop|remove]"
	}
	policy := rt.ChildPolicyIgnore
	if len(args) > 2 {
		switch args[2] {
		case "stop":
			policy = rt.ChildPolicyStop
		case "remove":
			policy = rt.ChildPolicyRemove
		}
	}
	if err := d.Owner(args[0], args[1], policy); err != nil {
		return statusOf(err), err.Error()
	}
	return 0, "ok"
}

// cmdAttach registers a foreign process as an external runtime (spec
// §4.8): the daemon tracks its name/port/PID but never owns its I/O.
func (d *Daemon) cmdAttach(args []string) (byte, string) {
	if len(args) < 2 {
		return 1, "usage: attach <name> <port> [pid]"
	}
	port, err := strconv.Atoi(args[1])
	if err != nil || port < 1 || port > 65535 {
		return 1, "invalid port " + args[1]
	}
	pid := 0
	if len(args) > 2 {
		if pid, err = strconv.Atoi(args[2]); err != nil {
			return 1, "invalid pid " + args[2]
		}
	}

	r, err := d.Registry.Get(args[0])
	if err != nil {
		r = rt.New(args[0], rt.KindServer)
		r.Server = &rt.ServerConfig{Proto: "tcp"}
		if err := d.Registry.Create(r); err != nil {
			return statusOf(err), err.Error()
		}
	}
	r.External = true
	r.PID = pid
	if r.Server != nil {
		r.Server.BindAddr = "0.0.0.0:" + args[1]
	}
	if r.State() == rt.StateCreated {
		r.Transition(rt.StateStarting)
	}
	r.Transition(rt.StateRunning)
	return 0, "attached"
}
