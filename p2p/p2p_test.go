package p2p

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"

	swapwire "github.com/shieldswap/swapd/wire"
)

func TestLoopbackHandleCarriesExecutionSetup(t *testing.T) {
	swapID := uuid.New()
	a, b := NewLoopback(swapID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	m0 := &swapwire.M0{BtcAmount: 250_000, ShldAmount: 100_000_000_000}
	copy(m0.SwapID[:], swapID[:])

	errCh := make(chan error, 1)
	go func() { errCh <- a.SendM0(ctx, m0) }()

	gotM0, err := b.ReceiveM0(ctx)
	require.NoError(t, err)
	require.NoError(t, <-errCh)
	require.Equal(t, m0.BtcAmount, gotM0.BtcAmount)
	require.Equal(t, m0.SwapID, gotM0.SwapID)

	m1 := &swapwire.M1{}
	copy(m1.SwapID[:], swapID[:])
	go func() { errCh <- b.SendM1(ctx, m1) }()
	gotM1, err := a.ReceiveM1(ctx)
	require.NoError(t, err)
	require.NoError(t, <-errCh)
	require.Equal(t, m1.SwapID, gotM1.SwapID)

	m2 := &swapwire.M2{CancelSigA: []byte("cancel-a")}
	go func() { errCh <- a.SendM2(ctx, m2) }()
	gotM2, err := b.ReceiveM2(ctx)
	require.NoError(t, err)
	require.NoError(t, <-errCh)
	require.Equal(t, m2.CancelSigA, gotM2.CancelSigA)

	m3 := &swapwire.M3{CancelSigB: []byte("cancel-b")}
	go func() { errCh <- b.SendM3(ctx, m3) }()
	gotM3, err := a.ReceiveM3(ctx)
	require.NoError(t, err)
	require.NoError(t, <-errCh)
	require.Equal(t, m3.CancelSigB, gotM3.CancelSigB)

	require.NoError(t, a.CloseSetupStream())
	require.NoError(t, b.CloseSetupStream())
}

func TestLoopbackHandleCarriesTransferProofAndEncSig(t *testing.T) {
	swapID := uuid.New()
	a, b := NewLoopback(swapID)
	ctx := context.Background()

	m4 := &swapwire.M4{Proof: swapwire.TransferProof{TxID: "deadbeef"}}
	copy(m4.SwapID[:], swapID[:])
	require.NoError(t, a.SendM4(ctx, m4))

	got, err := b.ReceiveM4(ctx)
	require.NoError(t, err)
	require.Equal(t, "deadbeef", got.Proof.TxID)

	encSig := &swapwire.EncSig{EncryptedRedeemB: swapwire.EncryptedSignature{R: []byte("r"), S: []byte("s")}}
	copy(encSig.SwapID[:], swapID[:])
	require.NoError(t, b.SendEncSig(ctx, encSig))

	gotEncSig, err := a.ReceiveEncSig(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("r"), gotEncSig.EncryptedRedeemB.R)
}

func newTestHost(t *testing.T) *Node {
	t.Helper()
	h, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return New(h)
}

func connect(t *testing.T, a, b *Node) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := a.Host().Connect(ctx, peer.AddrInfo{ID: b.Host().ID(), Addrs: b.Host().Addrs()})
	require.NoError(t, err)
}

func TestNodeQuoteRoundTrip(t *testing.T) {
	maker := newTestHost(t)
	taker := newTestHost(t)
	connect(t, taker, maker)

	maker.SetQuoteHandler(func(_ context.Context, _ peer.ID, req *swapwire.QuoteRequest) (*swapwire.QuoteResponse, error) {
		return &swapwire.QuoteResponse{
			AskPerCoin:   250_000,
			MaxBtcAmount: 10_000_000,
			ShldAmount:   req.BtcAmount * 400,
		}, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := taker.RequestQuote(ctx, maker.Host().ID(), &swapwire.QuoteRequest{BtcAmount: 1_000})
	require.NoError(t, err)
	require.Equal(t, int64(250_000), resp.AskPerCoin)
	require.Equal(t, uint64(400_000), resp.ShldAmount)
}

func TestNodeExecutionSetupThenTransferProofAndEncSig(t *testing.T) {
	alice := newTestHost(t)
	bob := newTestHost(t)
	connect(t, alice, bob)

	swapID := uuid.New()
	setupDone := make(chan struct{})

	bob.SetSetupHandler(func(ctx context.Context, _ peer.ID, h *Handle, m0 *swapwire.M0) {
		defer close(setupDone)
		require.Equal(t, swapID, uuid.UUID(m0.SwapID))

		m1 := &swapwire.M1{}
		copy(m1.SwapID[:], swapID[:])
		require.NoError(t, h.SendM1(ctx, m1))

		_, err := h.ReceiveM2(ctx)
		require.NoError(t, err)

		m3 := &swapwire.M3{CancelSigB: []byte("cancel-b")}
		require.NoError(t, h.SendM3(ctx, m3))
		require.NoError(t, h.CloseSetupStream())
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	handle, err := alice.OpenHandle(ctx, bob.Host().ID(), swapID)
	require.NoError(t, err)

	m0 := &swapwire.M0{BtcAmount: 500_000}
	copy(m0.SwapID[:], swapID[:])
	require.NoError(t, handle.SendM0(ctx, m0))

	_, err = handle.ReceiveM1(ctx)
	require.NoError(t, err)
	require.NoError(t, handle.SendM2(ctx, &swapwire.M2{CancelSigA: []byte("cancel-a")}))

	m3, err := handle.ReceiveM3(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("cancel-b"), m3.CancelSigB)
	require.NoError(t, handle.CloseSetupStream())

	select {
	case <-setupDone:
	case <-time.After(5 * time.Second):
		t.Fatal("setup handler did not finish")
	}

	m4 := &swapwire.M4{Proof: swapwire.TransferProof{TxID: "deadbeef"}}
	copy(m4.SwapID[:], swapID[:])
	require.NoError(t, handle.SendM4(ctx, m4))

	bobHandle := bob.handles[swapID]
	require.NotNil(t, bobHandle)
	gotM4, err := bobHandle.ReceiveM4(ctx)
	require.NoError(t, err)
	require.Equal(t, "deadbeef", gotM4.Proof.TxID)

	encSig := &swapwire.EncSig{EncryptedRedeemB: swapwire.EncryptedSignature{R: []byte("r"), S: []byte("s")}}
	copy(encSig.SwapID[:], swapID[:])
	require.NoError(t, bobHandle.SendEncSig(ctx, encSig))

	gotEncSig, err := handle.ReceiveEncSig(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("r"), gotEncSig.EncryptedRedeemB.R)
}
