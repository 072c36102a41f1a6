// Command meshbbs runs the mesh-radio bulletin board server: it opens the
// serial link to the radio, loads configuration and durable storage, and
// drives the server until told to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.bug.st/serial"

	"github.com/stlalpha/meshbbs/internal/config"
	"github.com/stlalpha/meshbbs/internal/logging"
	"github.com/stlalpha/meshbbs/internal/server"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configDir = flag.String("config", "configs", "directory containing config.json")
		debugFlag = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	logging.DebugEnabled = *debugFlag || envTruthy("DEBUG") || envTruthy("MESHBBS_DEBUG")

	basePath, err := os.Getwd()
	if err != nil {
		logging.Error("getting working directory: %v", err)
		return 1
	}
	logPath := filepath.Join(basePath, "data", "logs", "meshbbs.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		logging.Error("creating log directory: %v", err)
		return 1
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		logging.Warn("opening log file %s: %v, logging to stderr only", logPath, err)
	} else {
		defer logFile.Close()
		log.SetOutput(io.MultiWriter(os.Stderr, logFile))
	}

	logging.Info("starting meshbbs")

	cfg, err := config.Load(*configDir)
	if err != nil {
		logging.Error("loading configuration: %v", err)
		return 1
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logging.Error("creating data directory %s: %v", cfg.DataDir, err)
		return 1
	}

	stores, err := server.OpenStores(cfg.DataDir)
	if err != nil {
		logging.Error("opening storage: %v", err)
		return 1
	}

	var cfgMu sync.RWMutex
	watcher, err := config.NewWatcher(*configDir, &cfg, &cfgMu)
	if err != nil {
		logging.Warn("config watcher disabled: %v", err)
	} else {
		defer watcher.Stop()
	}

	port, err := openSerial(cfg.SerialPort)
	if err != nil {
		if cfg.RequireDeviceAtStartup {
			logging.Error("opening serial port %s: %v", cfg.SerialPort, err)
			return 2
		}
		logging.Warn("opening serial port %s: %v; continuing without a radio attached", cfg.SerialPort, err)
	} else {
		defer port.Close()
	}

	if port == nil {
		logging.Error("no serial transport available; nothing to serve")
		return 2
	}

	srv := server.New(&cfg, stores, port)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	logging.Info("meshbbs serving on %s (board %q)", cfg.SerialPort, cfg.BoardName)
	if err := srv.Run(ctx); err != nil {
		logging.Error("server stopped: %v", err)
		return 1
	}
	logging.Info("meshbbs shut down cleanly")
	return 0
}

// openSerial opens the radio's serial port at a fixed baud rate; Meshtastic
// devices' serial API runs at 115200 regardless of the underlying radio.
func openSerial(name string) (serial.Port, error) {
	mode := &serial.Mode{BaudRate: 115200}
	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", name, err)
	}
	if err := port.SetReadTimeout(500 * time.Millisecond); err != nil {
		port.Close()
		return nil, fmt.Errorf("setting read timeout on %s: %w", name, err)
	}
	return port, nil
}

func envTruthy(name string) bool {
	v := strings.TrimSpace(os.Getenv(name))
	return v == "1" || strings.EqualFold(v, "true")
}
