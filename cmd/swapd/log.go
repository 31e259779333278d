package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"

	"github.com/shieldswap/swapd/cancel"
	"github.com/shieldswap/swapd/chainclient"
	"github.com/shieldswap/swapd/epoch"
	"github.com/shieldswap/swapd/handshake"
	"github.com/shieldswap/swapd/p2p"
	"github.com/shieldswap/swapd/protocol/alice"
	"github.com/shieldswap/swapd/protocol/bob"
	"github.com/shieldswap/swapd/shld"
	"github.com/shieldswap/swapd/swap"
	"github.com/shieldswap/swapd/swapdb"
)

// logRotator persists every line logWriter sees, once initLogRotator has
// given it somewhere to write, matching lnd's jrick/logrotate convention.
var logRotator *rotator.Rotator

// logWriter tees log output to stdout and, once initLogRotator has run, to
// the rotated log file.
type logWriter struct{}

func (logWriter) Write(p []byte) (int, error) {
	os.Stdout.Write(p)
	if logRotator != nil {
		logRotator.Write(p)
	}
	return len(p), nil
}

var backendLog = btclog.NewBackend(logWriter{})

// subsystemLoggers holds every logger addSubLogger has handed out, so
// setLogLevels can restate the configured level across all of them once
// the config is known.
var subsystemLoggers = make(map[string]btclog.Logger)

func addSubLogger(tag string) btclog.Logger {
	l := backendLog.Logger(tag)
	subsystemLoggers[tag] = l
	return l
}

// initLogRotator creates the rotated log file at logFile, called once
// config.Config.LogFilePath is known.
func initLogRotator(logFile string) error {
	if err := os.MkdirAll(filepath.Dir(logFile), 0700); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	r, err := rotator.New(logFile, 10*1024, false, 3)
	if err != nil {
		return fmt.Errorf("create log rotator: %w", err)
	}
	logRotator = r
	return nil
}

// setLogLevels applies levelStr to every subsystem logger registered so
// far, falling back to info on an unrecognized level string rather than
// refusing to start.
func setLogLevels(levelStr string) {
	level, ok := btclog.LevelFromString(levelStr)
	if !ok {
		level = btclog.LevelInfo
	}
	for _, l := range subsystemLoggers {
		l.SetLevel(level)
	}
}

// useLoggers wires every package-level log var this daemon's dependency
// graph exposes to its own tagged subsystem logger, the same per-package
// UseLogger convention the teacher's SetupLoggers follows, just without
// its build.RotatingLogWriter indirection since this daemon has no
// equivalent of the teacher's own build package.
func useLoggers() {
	swap.UseLogger(addSubLogger("SWAP"))
	alice.UseLogger(addSubLogger("ALCE"))
	bob.UseLogger(addSubLogger("BOB"))
	handshake.UseLogger(addSubLogger("HNDS"))
	p2p.UseLogger(addSubLogger("P2P"))
	chainclient.UseLogger(addSubLogger("CHCL"))
	shld.UseLogger(addSubLogger("SHLD"))
	swapdb.UseLogger(addSubLogger("SWDB"))
	cancel.UseLogger(addSubLogger("CNCL"))
	epoch.UseLogger(addSubLogger("EPCH"))
}

// swpdLog is this file's own logger, for messages that don't belong to any
// one subsystem package (startup, shutdown, signal handling).
var swpdLog = addSubLogger("SWPD")
