// Package harness wires both sides of a swap against in-memory wallets and
// a real libp2p transport for end-to-end tests, the way the teacher's
// lnd_test.go itest harness wires a miner and a handful of lnd nodes
// against a live regtest backend. Nothing here is production code; it
// exists so harness_test.go can drive whole swaps, including restarts and
// stalled counterparties, without a real Bitcoin or shielded-chain node.
package harness

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"

	"github.com/shieldswap/swapd/chainclient"
	"github.com/shieldswap/swapd/handshake"
	"github.com/shieldswap/swapd/p2p"
	"github.com/shieldswap/swapd/protocol/alice"
	"github.com/shieldswap/swapd/protocol/bob"
	"github.com/shieldswap/swapd/rate"
	"github.com/shieldswap/swapd/shld"
	"github.com/shieldswap/swapd/swap"
	"github.com/shieldswap/swapd/swapdb"
	swapwire "github.com/shieldswap/swapd/wire"
)

// DefaultRate quotes 100 satoshi per whole shielded coin, chosen only to
// keep the math in tests readable.
var DefaultRate = rate.Rate{AskPerCoin: 100}

// Party bundles one side's backend: a libp2p host and the p2p.Node built
// on it, a mock Bitcoin wallet, a mock shielded wallet, and the three
// stores a swap.Manager needs.
type Party struct {
	Host       host.Host
	Node       *p2p.Node
	Wallet     *chainclient.MockWallet
	Shld       *shld.MockWallet
	ShldWallet shld.Wallet
	AliceStore *swapdb.BoltStore
	BobStore   *swapdb.BoltStore
	Meta       *swapdb.BoltStore
}

// NewPair builds Alice's and Bob's Party, both backed by the same mock
// Bitcoin wallet and the same mock shielded wallet: the two chains both
// sides of a real swap watch together. utxos seeds the shared Bitcoin
// wallet's spendable set, which only the funding side (B) ever draws
// from; a lone shared wallet per chain is what lets one side's
// broadcasts and transfers show up in the other side's polls at all,
// the same way regtest itself would.
func NewPair(t *testing.T, utxos []chainclient.Utxo) (alicep, bobp *Party) {
	t.Helper()

	wallet := chainclient.NewMockWallet(utxos, 1000)
	shldWallet := shld.NewMockWallet(1)
	return newParty(t, wallet, shldWallet), newParty(t, wallet, shldWallet)
}

func newParty(t *testing.T, wallet *chainclient.MockWallet, shldWallet *shld.MockWallet) *Party {
	t.Helper()

	h, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })

	return &Party{
		Host:       h,
		Node:       p2p.New(h),
		Wallet:     wallet,
		Shld:       shldWallet,
		ShldWallet: shldWallet,
		AliceStore: openStore(t),
		BobStore:   openStore(t),
		Meta:       openStore(t),
	}
}

// Manager wraps p's wallets, stores, and node into a swap.Manager using
// defaults.
func (p *Party) Manager(defaults swap.DefaultParams) *swap.Manager {
	return swap.New(p.Node, p.Wallet, p.ShldWallet, p.AliceStore, p.BobStore, p.Meta, defaults, DefaultRate)
}

// Short replaces p's shielded wallet with one that delivers only fraction
// of whatever amount its caller asks it to transfer, for the
// insufficient-shielded-lock scenario. It must be called before building a
// Manager or driving a handshake by hand.
func (p *Party) Short(fraction float64) {
	p.ShldWallet = &shortingWallet{MockWallet: p.Shld, fraction: fraction}
}

func openStore(t *testing.T) *swapdb.BoltStore {
	t.Helper()
	s, err := swapdb.OpenBoltStore(t.TempDir() + "/swaps.db")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// NewUtxo builds a spendable test utxo of the given value, its pubkey
// script a fresh throwaway pubkey since the mock wallet never inspects it.
func NewUtxo(t *testing.T, value btcutil.Amount) chainclient.Utxo {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	return chainclient.Utxo{
		OutPoint: wire.OutPoint{Index: 0},
		Value:    value,
		PkScript: priv.PubKey().SerializeCompressed(),
	}
}

// Connect dials b from a over libp2p, the precondition for either side to
// open an execution-setup or quote stream to the other.
func Connect(t *testing.T, ctx context.Context, a, b *Party) {
	t.Helper()
	require.NoError(t, a.Host.Connect(ctx, peer.AddrInfo{ID: b.Host.ID(), Addrs: b.Host.Addrs()}))
}

// Defaults returns swap.DefaultParams with both timelocks at 1 block,
// regtest parameters, and a poll interval fast enough for tests.
//
// MinShldConfirmations is 0: bob.Driver.verifyShldLocked checks
// confirmation depth exactly once rather than polling, so any nonzero
// value would race the Miner's tick against however long the M4 round
// trip over the real libp2p transport happens to take. Confirmation-
// depth gating itself is exercised directly against the mock in
// protocol/bob's own tests; the scenarios here care about routing,
// timelocks, and resumability.
func Defaults() swap.DefaultParams {
	return swap.DefaultParams{
		CancelTimelock:       1,
		PunishTimelock:       1,
		MinShldConfirmations: 0,
		Net:                  &chaincfg.RegressionNetParams,
		PollInterval:         5 * time.Millisecond,
	}
}

// HandshakeParams builds handshake.Params for a swap of the given size
// under defaults.
func HandshakeParams(defaults swap.DefaultParams, btcAmount btcutil.Amount, shldAmount uint64) handshake.Params {
	return handshake.Params{
		BtcAmount:            btcAmount,
		ShldAmount:           shldAmount,
		CancelTimelock:       defaults.CancelTimelock,
		PunishTimelock:       defaults.PunishTimelock,
		MinShldConfirmations: defaults.MinShldConfirmations,
		Net:                  defaults.Net,
	}
}

// Miner advances both chains' block heights on a fixed tick, standing in
// for the regtest node the teacher's itest harness mines against. It
// takes the two shared wallets a NewPair built, not the parties
// themselves, since mining a wallet once per party sharing it would
// double-count every tick.
type Miner struct {
	wallet     *chainclient.MockWallet
	shldWallet *shld.MockWallet
	ticker     *time.Ticker
	quit       chan struct{}
}

// NewMiner starts mining one block on both chains every interval, until
// Stop is called.
func NewMiner(interval time.Duration, wallet *chainclient.MockWallet, shldWallet *shld.MockWallet) *Miner {
	m := &Miner{
		wallet:     wallet,
		shldWallet: shldWallet,
		ticker:     time.NewTicker(interval),
		quit:       make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *Miner) run() {
	for {
		select {
		case <-m.quit:
			return
		case <-m.ticker.C:
			m.wallet.MineBlocks(1)
			m.shldWallet.MineBlocks(1)
		}
	}
}

// Stop halts mining.
func (m *Miner) Stop() {
	m.ticker.Stop()
	close(m.quit)
}

// shortingWallet wraps a shld.MockWallet so Transfer actually sends only a
// fraction of the amount its caller asked for, the only way to produce an
// observably-short shielded lock against a driver that always transfers
// its own agreed ShldAmount in full.
type shortingWallet struct {
	*shld.MockWallet
	fraction float64
}

func (w *shortingWallet) Transfer(ctx context.Context, spend shld.SpendPublicKey, view shld.ViewPublicKey,
	amount shld.Amount) (*shld.TransferProof, error) {

	short := shld.Amount(float64(amount) * w.fraction)
	return w.MockWallet.Transfer(ctx, spend, view, short)
}

// AliceSetup drives the A side of the execution-setup handshake against
// remote using params, the same M0..M3 sequence swap.Manager.Initiate runs
// internally, and returns the resulting Driver unstarted so the caller can
// run, cancel, or resume it by hand.
func AliceSetup(ctx context.Context, p *Party, remote peer.ID, params handshake.Params) (*alice.Driver, error) {
	h, m0, err := handshake.NewAliceHandshake(uuid.New(), p.Wallet, params)
	if err != nil {
		return nil, err
	}

	conn, err := p.Node.OpenHandle(ctx, remote, h.SwapID())
	if err != nil {
		return nil, err
	}
	if err := conn.SendM0(ctx, m0); err != nil {
		conn.CloseSetupStream()
		return nil, err
	}
	m1, err := conn.ReceiveM1(ctx)
	if err != nil {
		conn.CloseSetupStream()
		return nil, err
	}
	m2, err := h.ProcessM1(ctx, m1)
	if err != nil {
		conn.CloseSetupStream()
		return nil, err
	}
	if err := conn.SendM2(ctx, m2); err != nil {
		conn.CloseSetupStream()
		return nil, err
	}
	m3, err := conn.ReceiveM3(ctx)
	if err != nil {
		conn.CloseSetupStream()
		return nil, err
	}
	if err := h.ProcessM3(m3); err != nil {
		conn.CloseSetupStream()
		return nil, err
	}
	conn.CloseSetupStream()

	return alice.NewDriver(h, p.Wallet, p.ShldWallet, p.AliceStore, conn)
}

// BobSetup installs a one-shot execution-setup handler on p.Node that
// completes the B side of the handshake exactly as
// swap.Manager.handleIncomingSetup does, then delivers the resulting
// Driver, unstarted, on the returned channel.
func BobSetup(p *Party) <-chan *bob.Driver {
	out := make(chan *bob.Driver, 1)
	p.Node.SetSetupHandler(func(ctx context.Context, remote peer.ID, conn *p2p.Handle, m0 *swapwire.M0) {
		h := handshake.NewBobHandshake(p.Wallet, &chaincfg.RegressionNetParams)

		m1, err := h.ProcessM0(ctx, m0)
		if err != nil {
			conn.CloseSetupStream()
			out <- nil
			return
		}
		if err := conn.SendM1(ctx, m1); err != nil {
			conn.CloseSetupStream()
			out <- nil
			return
		}
		m2, err := conn.ReceiveM2(ctx)
		if err != nil {
			conn.CloseSetupStream()
			out <- nil
			return
		}
		m3, err := h.ProcessM2(ctx, m2)
		if err != nil {
			conn.CloseSetupStream()
			out <- nil
			return
		}
		if err := conn.SendM3(ctx, m3); err != nil {
			conn.CloseSetupStream()
			out <- nil
			return
		}
		conn.CloseSetupStream()

		driver, err := bob.NewDriver(h, p.Wallet, p.ShldWallet, p.BobStore, conn)
		if err != nil {
			out <- nil
			return
		}
		out <- driver
	})
	return out
}
