package swapdb

import "github.com/btcsuite/btclog"

// log is this package's subsystem logger, wired to a real backend by
// UseLogger (see cmd/swapd/log.go); it discards everything until then,
// matching the teacher's per-subsystem btclog.Logger convention.
var log btclog.Logger = btclog.Disabled

// UseLogger sets the package's subsystem logger.
func UseLogger(logger btclog.Logger) {
	log = logger
}
