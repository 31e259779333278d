package epoch

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shieldswap/swapd/chainclient"
)

func TestCurrentUnconfirmedIsNone(t *testing.T) {
	e, err := Current(1000, 0, 10, 20)
	require.NoError(t, err)
	assert.Equal(t, None, e)
}

func TestCurrentTransitions(t *testing.T) {
	const cancelTimelock, punishTimelock = 10, 20

	cases := []struct {
		depth uint32
		want  Epoch
	}{
		{0, None},
		{9, None},
		{10, Cancel},
		{29, Cancel},
		{30, Punish},
		{100, Punish},
	}

	for _, c := range cases {
		e, err := Current(1000, 1000-c.depth, cancelTimelock, punishTimelock)
		require.NoError(t, err)
		assert.Equal(t, c.want, e, "depth=%d", c.depth)
	}
}

func TestCurrentConfirmationAheadOfTipErrors(t *testing.T) {
	_, err := Current(100, 200, 10, 20)
	assert.Error(t, err)
}

func TestCurrentEpochUsesWalletHeights(t *testing.T) {
	w := chainclient.NewMockWallet(nil, 1000)
	ctx := context.Background()

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Index: 0}, nil, nil))
	require.NoError(t, w.Broadcast(ctx, tx)) // confirms at height+1 = 2

	for i := 0; i < 20; i++ {
		w.MineBlocks(1)
	}

	e, err := CurrentEpoch(ctx, w, tx.TxHash(), 5, 10)
	require.NoError(t, err)
	assert.Equal(t, Punish, e)
}

func TestCurrentEpochUnknownTxIsNone(t *testing.T) {
	w := chainclient.NewMockWallet(nil, 1000)
	var unknown chainhash.Hash
	e, err := CurrentEpoch(context.Background(), w, unknown, 5, 10)
	require.NoError(t, err)
	assert.Equal(t, None, e)
}

// fakeTicker is a minimal ticker.Ticker for tests, letting us fire ticks
// deterministically instead of waiting on wall-clock time.
type fakeTicker struct {
	ticks chan time.Time
}

func newFakeTicker() *fakeTicker {
	return &fakeTicker{ticks: make(chan time.Time, 1)}
}

func (f *fakeTicker) Resume()             {}
func (f *fakeTicker) Pause()              {}
func (f *fakeTicker) Stop()               {}
func (f *fakeTicker) Ticks() <-chan time.Time { return f.ticks }
func (f *fakeTicker) fire()               { f.ticks <- time.Now() }

func TestMonitorSendsOnEpochTransition(t *testing.T) {
	w := chainclient.NewMockWallet(nil, 1000)
	ctx := context.Background()

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Index: 0}, nil, nil))
	require.NoError(t, w.Broadcast(ctx, tx))

	ft := newFakeTicker()
	m := NewMonitor(w, tx.TxHash(), 5, 10, ft)
	m.Start(ctx, None)
	defer m.Stop()

	for i := 0; i < 10; i++ {
		w.MineBlocks(1)
	}
	ft.fire()

	select {
	case e := <-m.Updates():
		assert.Equal(t, Cancel, e)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for epoch update")
	}
}
