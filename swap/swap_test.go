package swap

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
	"github.com/shieldswap/swapd/p2p"
	"github.com/shieldswap/swapd/rate"
	"github.com/shieldswap/swapd/shld"
	"github.com/shieldswap/swapd/swapdb"
)

func newTestHost(t *testing.T) host.Host {
	t.Helper()
	h, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

func connect(t *testing.T, ctx context.Context, a, b host.Host) {
	t.Helper()
	require.NoError(t, a.Connect(ctx, peer.AddrInfo{ID: b.ID(), Addrs: b.Addrs()}))
}

func openTestStore(t *testing.T) *swapdb.BoltStore {
	t.Helper()
	s, err := swapdb.OpenBoltStore(t.TempDir() + "/swaps.db")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newMockUtxo(t *testing.T, value btcutil.Amount) chainclient.Utxo {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	return chainclient.Utxo{
		OutPoint: wire.OutPoint{Index: 0},
		Value:    value,
		PkScript: priv.PubKey().SerializeCompressed(),
	}
}

func testDefaults() DefaultParams {
	return DefaultParams{
		CancelTimelock:       10,
		PunishTimelock:       20,
		MinShldConfirmations: 3,
		Net:                  &chaincfg.RegressionNetParams,
	}
}

func TestMetaRecordRoundTrip(t *testing.T) {
	store := openTestStore(t)
	m := &Manager{meta: store}

	swapID := uuid.New()
	remote := peer.ID("fake-peer-id-bytes")

	require.NoError(t, m.putMeta(context.Background(), swapID, RoleBob, remote))

	role, got, err := m.getMeta(context.Background(), swapID)
	require.NoError(t, err)
	require.Equal(t, RoleBob, role)
	require.Equal(t, remote, got)
}

func TestRoleString(t *testing.T) {
	require.Equal(t, "alice", RoleAlice.String())
	require.Equal(t, "bob", RoleBob.String())
	require.Equal(t, "unknown", Role(99).String())
}

func TestHandleQuoteRequestClampsToSpendableBalance(t *testing.T) {
	wallet := chainclient.NewMockWallet([]chainclient.Utxo{newMockUtxo(t, 5_000_000)}, 1000)
	shldWallet := shld.NewMockWallet(1)

	aliceStore, bobStore, meta := openTestStore(t), openTestStore(t), openTestStore(t)
	node := p2p.New(newTestHost(t))

	m := New(node, wallet, shldWallet, aliceStore, bobStore, meta, testDefaults(), rate.Rate{AskPerCoin: 100})

	resp, err := m.handleQuoteRequest(context.Background(), peer.ID("remote"), nil)
	require.NoError(t, err)
	require.Equal(t, uint64(5_000_000), resp.MaxBtcAmount)
	require.Equal(t, int64(100), resp.AskPerCoin)
	require.Greater(t, resp.ShldAmount, uint64(0))
}

// TestInitiateAndAcceptDriveExecutionSetupToCompletion exercises the whole
// wire lifecycle two Managers see when one (A) calls Initiate against the
// other (B): the M0..M3 exchange over a real execution-setup stream, and
// both sides ending up with a running Driver for the same swap ID.
func TestInitiateAndAcceptDriveExecutionSetupToCompletion(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	aliceHost, bobHost := newTestHost(t), newTestHost(t)
	connect(t, ctx, aliceHost, bobHost)

	aliceNode := p2p.New(aliceHost)
	bobNode := p2p.New(bobHost)

	aliceWallet := chainclient.NewMockWallet(nil, 1000)
	bobWallet := chainclient.NewMockWallet([]chainclient.Utxo{newMockUtxo(t, 1_000_000)}, 1000)
	aliceShld := shld.NewMockWallet(1)
	bobShld := shld.NewMockWallet(1)

	defaults := testDefaults()

	aliceMgr := New(aliceNode, aliceWallet, aliceShld,
		openTestStore(t), openTestStore(t), openTestStore(t), defaults, rate.Rate{AskPerCoin: 100})
	bobMgr := New(bobNode, bobWallet, bobShld,
		openTestStore(t), openTestStore(t), openTestStore(t), defaults, rate.Rate{AskPerCoin: 100})

	swapID, err := aliceMgr.Initiate(ctx, bobHost.ID(), 200_000, 100_000)
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, swapID)

	_, ok := aliceMgr.AliceDriver(swapID)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		_, ok := bobMgr.BobDriver(swapID)
		return ok
	}, 5*time.Second, 20*time.Millisecond)

	role, remote, err := aliceMgr.getMeta(ctx, swapID)
	require.NoError(t, err)
	require.Equal(t, RoleAlice, role)
	require.Equal(t, bobHost.ID(), remote)
}
