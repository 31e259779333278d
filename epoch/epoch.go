// Package epoch derives a swap's current timelock epoch from the lock
// transaction's confirmation depth and drives a poll loop that notifies a
// caller when the epoch changes (spec.md §4.7, component C8). The poll
// loop's registration/notification shape mirrors chainntfs.ChainNotifier's
// RegisterBlockEpochNtfn, generalized from raw block-connect events to the
// swap-specific {None, Cancel, Punish} epoch derived from it.
package epoch

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/shieldswap/swapd/chainclient"
)

// Epoch is a swap's current position relative to its cancel and punish
// timelocks.
type Epoch int

const (
	// None means the lock has not yet reached the cancel timelock (or is
	// not yet confirmed at all).
	None Epoch = iota
	// Cancel means TxCancel may now be broadcast.
	Cancel
	// Punish means TxPunish may now be broadcast, assuming TxCancel has
	// already confirmed and TxRefund has not appeared.
	Punish
)

func (e Epoch) String() string {
	switch e {
	case None:
		return "None"
	case Cancel:
		return "Cancel"
	case Punish:
		return "Punish"
	default:
		return fmt.Sprintf("Epoch(%d)", int(e))
	}
}

// Current computes the epoch for a lock transaction given the chain's tip
// height and the lock's own confirmation height. A lock tx that has not
// confirmed is always None; confHeight must be at least 1 otherwise.
func Current(tipHeight, confHeight uint32, cancelTimelock, punishTimelock uint32) (Epoch, error) {
	if confHeight == 0 {
		return None, nil
	}
	if confHeight > tipHeight {
		return None, fmt.Errorf("epoch: confirmation height %d ahead of tip %d", confHeight, tipHeight)
	}

	depth := tipHeight - confHeight
	switch {
	case depth < cancelTimelock:
		return None, nil
	case depth < cancelTimelock+punishTimelock:
		return Cancel, nil
	default:
		return Punish, nil
	}
}

// CurrentEpoch fetches the lock transaction's confirmation height and the
// wallet's tip height and computes its epoch, per spec.md §4.7. If the
// lock transaction is not yet confirmed, it returns None with no error.
func CurrentEpoch(ctx context.Context, wallet chainclient.BtcWallet, lockTxid chainhash.Hash,
	cancelTimelock, punishTimelock uint32) (Epoch, error) {

	tipHeight, err := wallet.BlockHeight(ctx)
	if err != nil {
		return None, fmt.Errorf("epoch: tip height: %w", err)
	}

	confHeight, ok, err := wallet.ConfirmationHeight(ctx, lockTxid)
	if err != nil {
		return None, fmt.Errorf("epoch: lock confirmation height: %w", err)
	}
	if !ok {
		return None, nil
	}

	return Current(tipHeight, confHeight, cancelTimelock, punishTimelock)
}

// Monitor polls CurrentEpoch on a force-able ticker (spec.md §4.7: period
// bitcoin_avg_block_time/4) and sends on transitions exactly once, the
// first time each new epoch value is reached; callers wanting today's
// epoch immediately should call CurrentEpoch directly before starting
// Monitor.
type Monitor struct {
	wallet                         chainclient.BtcWallet
	lockTxid                       chainhash.Hash
	cancelTimelock, punishTimelock uint32

	ticker  ticker.Ticker
	updates chan Epoch
	quit    chan struct{}
}

// NewMonitor constructs a Monitor that polls on every tick of t.
func NewMonitor(wallet chainclient.BtcWallet, lockTxid chainhash.Hash,
	cancelTimelock, punishTimelock uint32, t ticker.Ticker) *Monitor {

	return &Monitor{
		wallet:         wallet,
		lockTxid:       lockTxid,
		cancelTimelock: cancelTimelock,
		punishTimelock: punishTimelock,
		ticker:         t,
		updates:        make(chan Epoch, 1),
		quit:           make(chan struct{}),
	}
}

// Updates returns the channel Monitor sends newly-reached epochs on.
func (m *Monitor) Updates() <-chan Epoch {
	return m.updates
}

// Start begins polling in a new goroutine, resuming is implicit: the
// caller should seed `last` with the epoch already persisted for this swap
// so a restart doesn't re-announce an epoch already acted on.
func (m *Monitor) Start(ctx context.Context, last Epoch) {
	m.ticker.Resume()
	go m.run(ctx, last)
}

// Stop halts polling.
func (m *Monitor) Stop() {
	close(m.quit)
	m.ticker.Stop()
}

func (m *Monitor) run(ctx context.Context, last Epoch) {
	for {
		select {
		case <-m.quit:
			return
		case <-ctx.Done():
			return
		case <-m.ticker.Ticks():
			current, err := CurrentEpoch(ctx, m.wallet, m.lockTxid, m.cancelTimelock, m.punishTimelock)
			if err != nil {
				continue
			}
			if current != last {
				last = current
				select {
				case m.updates <- current:
				case <-m.quit:
					return
				case <-ctx.Done():
					return
				}
			}
		}
	}
}
