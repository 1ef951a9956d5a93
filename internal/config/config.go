// Package config loads the daemon's boot configuration file and watches
// the state directory for external edits, the same JSON-first,
// no-reflection-framework discipline the predecessor project uses for
// its on-wire structs, plus an fsnotify watch the predecessor had no
// analogue for (it never needed to watch anything; socketleyd's state
// directory can be edited by an external sidecar between control
// commands).
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/HiImSmiley/socketleyd/internal/logging"
)

// File is the boot-time configuration file schema (spec §6.2).
type File struct {
	LogLevel    string `json:"log_level"`
	MetricsPort int    `json:"metrics_port"`
}

// DefaultFile returns the default configuration (log level "info", no
// metrics port) used when no config file is present.
func DefaultFile() *File {
	return &File{LogLevel: "info", MetricsPort: 0}
}

// Load reads and parses the config file at path. A missing file is not
// an error; DefaultFile() is returned instead.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultFile(), nil
		}
		return nil, err
	}
	f := DefaultFile()
	if err := json.Unmarshal(data, f); err != nil {
		return nil, err
	}
	return f, nil
}

// LevelValue maps the config file's string log level to a logging.LogLevel.
func (f *File) LevelValue() logging.LogLevel {
	switch f.LogLevel {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}

// Watcher watches a directory for config/state file changes and invokes
// a callback on each write, create or rename event. Bursts are not
// coalesced: an editor's save-as-rename that produces several events for
// one logical edit invokes the callback once per event.
type Watcher struct {
	w        *fsnotify.Watcher
	mu       sync.Mutex
	onChange func(path string)
	done     chan struct{}
}

// NewWatcher creates a Watcher rooted at dir. Call Start to begin
// delivering events and Close to stop.
func NewWatcher(dir string, onChange func(path string)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, err
	}
	return &Watcher{w: fw, onChange: onChange, done: make(chan struct{})}, nil
}

// Start runs the watch loop in a background goroutine. The daemon's
// single loop thread is never blocked by this; onChange is expected to
// enqueue a wakeup on the loop rather than mutate loop state directly.
func (w *Watcher) Start() {
	go func() {
		for {
			select {
			case ev, ok := <-w.w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					w.mu.Lock()
					cb := w.onChange
					w.mu.Unlock()
					if cb != nil {
						cb(ev.Name)
					}
				}
			case _, ok := <-w.w.Errors:
				if !ok {
					return
				}
			case <-w.done:
				return
			}
		}
	}()
}

// Close stops the watch loop and releases the underlying inotify fd.
func (w *Watcher) Close() error {
	close(w.done)
	return w.w.Close()
}

// StateDir picks the per-runtime JSON sidecar directory: an
// XDG-style user directory unless an install marker file exists at
// /etc/socketleyd/installed, in which case /var/lib/socketleyd is used
// (spec §6.3's filesystem-layout selection rule).
func StateDir() string {
	if _, err := os.Stat("/etc/socketleyd/installed"); err == nil {
		return "/var/lib/socketleyd"
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "socketleyd")
	}
	return filepath.Join(home, ".config", "socketleyd")
}

// RunDir picks the control-socket directory using the same
// install-marker rule as StateDir.
func RunDir() string {
	if _, err := os.Stat("/etc/socketleyd/installed"); err == nil {
		return "/run/socketleyd"
	}
	return StateDir()
}
