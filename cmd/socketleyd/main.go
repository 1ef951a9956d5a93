// Command socketleyd is the supervisor daemon entrypoint: it wires the
// completion engine, the runtime registry, the control channel, and
// state persistence together and runs until a signal arrives. Flag
// parsing here is deliberately minimal (a config-file path and nothing
// else) — full CLI argument parsing is an external collaborator per
// spec.md's Non-goals, the same way the teacher's cmd/ublk-mem left
// backend-specific flags to its own main but kept the daemon's
// bring-up/signal/shutdown sequence in main.go.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/HiImSmiley/socketleyd/internal/config"
	"github.com/HiImSmiley/socketleyd/internal/control"
	"github.com/HiImSmiley/socketleyd/internal/daemon"
	"github.com/HiImSmiley/socketleyd/internal/engine"
	"github.com/HiImSmiley/socketleyd/internal/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "socketleyd:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to the boot configuration file (default: $SOCKETLEYD_CONFIG or state dir/config.json)")
	flag.Parse()

	stateDir := config.StateDir()
	runDir := config.RunDir()

	cfgPath := *configPath
	if cfgPath == "" {
		if env := os.Getenv("SOCKETLEYD_CONFIG"); env != "" {
			cfgPath = env
		} else {
			cfgPath = filepath.Join(stateDir, "config.json")
		}
	}
	file, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(&logging.Config{Level: file.LevelValue(), Output: os.Stderr})
	logging.SetDefault(logger)

	loop, err := engine.New(engine.DefaultOptions, logger)
	if err != nil {
		return fmt.Errorf("creating completion engine: %w", err)
	}
	defer loop.Close()

	d := daemon.New(loop, logger, stateDir)

	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return fmt.Errorf("creating run dir: %w", err)
	}
	socketPath := filepath.Join(runDir, "socketleyd.sock")
	ch := control.New(loop, logger, d, socketPath)
	if err := ch.Start(); err != nil {
		return fmt.Errorf("starting control channel: %w", err)
	}

	watcher, err := config.NewWatcher(stateDir, func(path string) {
		logger.Debug("state directory changed", "path", path)
	})
	if err != nil {
		logger.Warn("failed to start config watcher", "err", err)
	} else {
		watcher.Start()
		defer watcher.Close()
	}

	if err := d.Restore(); err != nil {
		logger.Warn("failed to restore persisted runtimes", "err", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	signal.Ignore(syscall.SIGPIPE)
	go func() {
		for sig := range sigCh {
			logger.Info("received signal", "signal", sig.String())
			cancel()
			unix.Write(loop.WakeFD(), []byte{0})
			if sig != syscall.SIGHUP {
				return
			}
		}
	}()

	logger.Info("socketleyd started", "socket", socketPath, "state_dir", stateDir)
	if err := loop.Run(ctx); err != nil {
		logger.Error("loop exited with error", "err", err)
	}

	d.ShutdownAll()
	ch.Stop()
	logger.Info("socketleyd stopped")
	return nil
}
