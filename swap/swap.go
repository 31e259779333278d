// Package swap is the top-level glue tying the transport (p2p), the
// execution-setup state machine (handshake), and the two post-handshake
// swap drivers (protocol/alice, protocol/bob) into one daemon-facing
// surface: initiating a swap as the BTC buyer, answering an inbound one as
// the BTC seller, answering quote requests, and resuming every in-flight
// swap after a restart (spec.md §3, §4.1).
//
// Manager plays the role the teacher's Switch plays for htlcswitch.Switch's
// "central messaging bus" one level up: where p2p.Node multiplexes wire
// traffic by swap ID, Manager multiplexes whole swap lifecycles, owning one
// goroutine per running Driver and the bookkeeping needed to find it again
// after a crash.
package swap

import (
	"context"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/google/uuid"

	"github.com/shieldswap/swapd/chainclient"
	"github.com/shieldswap/swapd/handshake"
	"github.com/shieldswap/swapd/metrics"
	"github.com/shieldswap/swapd/p2p"
	"github.com/shieldswap/swapd/protocol/alice"
	"github.com/shieldswap/swapd/protocol/bob"
	"github.com/shieldswap/swapd/rate"
	"github.com/shieldswap/swapd/shld"
	"github.com/shieldswap/swapd/swapdb"
)

// DefaultParams bundles the negotiation defaults a Manager applies to
// every swap it initiates or accepts: timelocks, confirmation depth, and
// network. BtcAmount and ShldAmount are filled in per swap.
type DefaultParams struct {
	CancelTimelock       uint32
	PunishTimelock       uint32
	MinShldConfirmations uint32
	Net                  *chaincfg.Params

	// PollInterval overrides the interval each Driver this Manager builds
	// waits between polls of on-chain state. Zero keeps the Driver's own
	// production default; harnesses that mine blocks instantly set this to
	// something far shorter.
	PollInterval time.Duration
}

// Manager owns one Bitcoin wallet, one shielded-chain wallet, one p2p.Node,
// and the two swapdb.Store instances that hold Alice-role and Bob-role
// swap state, mirroring original_source's database/{alice,bob}.rs split: a
// swap ID only ever has state in one of the two stores, never both, since a
// single party never plays both roles in the same swap.
type Manager struct {
	node       *p2p.Node
	wallet     chainclient.BtcWallet
	shldWallet shld.Wallet
	aliceStore swapdb.Store
	bobStore   swapdb.Store
	meta       swapdb.Store
	defaults   DefaultParams
	rate       rate.Rate

	mu           sync.Mutex
	aliceDrivers map[uuid.UUID]*alice.Driver
	bobDrivers   map[uuid.UUID]*bob.Driver
	wg           sync.WaitGroup

	metrics *metrics.Metrics
}

// SetMetrics wires m as the target of this Manager's observability,
// recording how many swap drivers are running at any moment. A nil
// Manager.metrics (the default) makes every observation a no-op, so
// tests and callers that don't care about metrics don't need to set one.
func (m *Manager) SetMetrics(mx *metrics.Metrics) { m.metrics = mx }

// New wires a Manager to node, installing it as the quote and
// execution-setup handler for every inbound connection node accepts.
func New(node *p2p.Node, wallet chainclient.BtcWallet, shldWallet shld.Wallet,
	aliceStore, bobStore, meta swapdb.Store, defaults DefaultParams, r rate.Rate) *Manager {

	m := &Manager{
		node:         node,
		wallet:       wallet,
		shldWallet:   shldWallet,
		aliceStore:   aliceStore,
		bobStore:     bobStore,
		meta:         meta,
		defaults:     defaults,
		rate:         r,
		aliceDrivers: make(map[uuid.UUID]*alice.Driver),
		bobDrivers:   make(map[uuid.UUID]*bob.Driver),
	}
	node.SetQuoteHandler(m.handleQuoteRequest)
	node.SetSetupHandler(m.handleIncomingSetup)
	return m
}

// Wait blocks until every Driver goroutine this Manager started has
// returned, used by callers shutting down cleanly.
func (m *Manager) Wait() { m.wg.Wait() }

func (m *Manager) registerAlice(swapID uuid.UUID, d *alice.Driver) {
	m.mu.Lock()
	m.aliceDrivers[swapID] = d
	m.mu.Unlock()
	m.incActive()
}

func (m *Manager) registerBob(swapID uuid.UUID, d *bob.Driver) {
	m.mu.Lock()
	m.bobDrivers[swapID] = d
	m.mu.Unlock()
	m.incActive()
}

func (m *Manager) forget(swapID uuid.UUID) {
	m.mu.Lock()
	delete(m.aliceDrivers, swapID)
	delete(m.bobDrivers, swapID)
	m.mu.Unlock()
	m.node.Forget(swapID)
	m.decActive()
}

func (m *Manager) incActive() {
	if m.metrics != nil {
		m.metrics.SwapsActive.Inc()
	}
}

func (m *Manager) decActive() {
	if m.metrics != nil {
		m.metrics.SwapsActive.Dec()
	}
}

// AliceDriver returns the running Driver for a swap Manager initiated, if
// any, for callers that want to inspect its live status.
func (m *Manager) AliceDriver(swapID uuid.UUID) (*alice.Driver, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.aliceDrivers[swapID]
	return d, ok
}

// BobDriver returns the running Driver for a swap Manager accepted, if
// any.
func (m *Manager) BobDriver(swapID uuid.UUID) (*bob.Driver, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.bobDrivers[swapID]
	return d, ok
}

func (m *Manager) runAlice(ctx context.Context, swapID uuid.UUID, d *alice.Driver) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.forget(swapID)
		if err := d.Run(ctx); err != nil {
			log.Errorf("swap %s: alice driver exited: %v", swapID, err)
		}
	}()
}

func (m *Manager) runBob(ctx context.Context, swapID uuid.UUID, d *bob.Driver) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.forget(swapID)
		if err := d.Run(ctx); err != nil {
			log.Errorf("swap %s: bob driver exited: %v", swapID, err)
		}
	}()
}

func (m *Manager) handshakeParams(btcAmount btcutil.Amount, shldAmount uint64) handshake.Params {
	return handshake.Params{
		BtcAmount:            btcAmount,
		ShldAmount:           shldAmount,
		CancelTimelock:       m.defaults.CancelTimelock,
		PunishTimelock:       m.defaults.PunishTimelock,
		MinShldConfirmations: m.defaults.MinShldConfirmations,
		Net:                  m.defaults.Net,
	}
}
