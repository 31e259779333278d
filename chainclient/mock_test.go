package chainclient

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testUtxos() []Utxo {
	return []Utxo{
		{OutPoint: wire.OutPoint{Index: 0}, Value: 50_000, PkScript: []byte{0x00}},
		{OutPoint: wire.OutPoint{Index: 1}, Value: 30_000, PkScript: []byte{0x00}},
	}
}

func TestMockWalletFundingUtxosSelectsEnough(t *testing.T) {
	w := NewMockWallet(testUtxos(), 1000)
	ctx := context.Background()

	selected, err := w.FundingUtxos(ctx, 60_000)
	require.NoError(t, err)
	assert.Len(t, selected, 2)

	selected, err = w.FundingUtxos(ctx, 10_000)
	require.NoError(t, err)
	assert.Len(t, selected, 1)
}

func TestMockWalletFundingUtxosInsufficientFunds(t *testing.T) {
	w := NewMockWallet(testUtxos(), 1000)
	_, err := w.FundingUtxos(context.Background(), 1_000_000)
	assert.Error(t, err)
}

func TestMockWalletBroadcastAndGetTransaction(t *testing.T) {
	w := NewMockWallet(testUtxos(), 1000)
	ctx := context.Background()

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Index: 0}, nil, nil))
	tx.AddTxOut(wire.NewTxOut(1000, []byte{0x00}))

	require.NoError(t, w.Broadcast(ctx, tx))

	got, err := w.GetTransaction(ctx, tx.TxHash())
	require.NoError(t, err)
	assert.Equal(t, tx.TxHash(), got.TxHash())

	unknown := wire.NewMsgTx(wire.TxVersion)
	_, err = w.GetTransaction(ctx, unknown.TxHash())
	assert.Error(t, err)
}

func TestMockWalletBlockHeightAndMineBlocks(t *testing.T) {
	w := NewMockWallet(testUtxos(), 1000)
	ctx := context.Background()

	height, err := w.BlockHeight(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, height)

	w.MineBlocks(5)
	height, err = w.BlockHeight(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 6, height)
}

func TestMockWalletWaitForConfirmation(t *testing.T) {
	w := NewMockWallet(testUtxos(), 1000)
	ctx := context.Background()

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Index: 0}, nil, nil))
	require.NoError(t, w.Broadcast(ctx, tx))

	// Broadcast confirms at height+1 = 2, one block ahead of the tip, so
	// the transaction has no confirmations yet; mining 3 blocks brings the
	// tip to 4, which is 3 confirmations.
	_, err := w.WaitForConfirmation(ctx, tx.TxHash(), 3)
	assert.Error(t, err)

	w.MineBlocks(3)
	confHeight, err := w.WaitForConfirmation(ctx, tx.TxHash(), 3)
	require.NoError(t, err)
	assert.EqualValues(t, 2, confHeight)
}

func TestMockWalletConfirmationHeight(t *testing.T) {
	w := NewMockWallet(testUtxos(), 1000)
	ctx := context.Background()

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Index: 0}, nil, nil))

	_, ok, err := w.ConfirmationHeight(ctx, tx.TxHash())
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, w.Broadcast(ctx, tx))
	height, ok, err := w.ConfirmationHeight(ctx, tx.TxHash())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.EqualValues(t, 2, height)
}

func TestMockWalletWatchForSpend(t *testing.T) {
	w := NewMockWallet(testUtxos(), 1000)
	ctx := context.Background()

	spent := wire.OutPoint{Index: 7}
	_, err := w.WatchForSpend(ctx, spent)
	assert.ErrorIs(t, err, ErrSpendNotFound)

	spender := wire.NewMsgTx(wire.TxVersion)
	spender.AddTxIn(wire.NewTxIn(&spent, nil, nil))
	require.NoError(t, w.Broadcast(ctx, spender))

	got, err := w.WatchForSpend(ctx, spent)
	require.NoError(t, err)
	assert.Equal(t, spender.TxHash(), got.TxHash())
}

func TestMockWalletFeeRatePerKvB(t *testing.T) {
	w := NewMockWallet(testUtxos(), btcutil.Amount(2500))
	rate, err := w.FeeRatePerKvB(context.Background(), 6)
	require.NoError(t, err)
	assert.EqualValues(t, 2500, rate)
}

func TestMockWalletSignFundingInputOutOfRange(t *testing.T) {
	w := NewMockWallet(testUtxos(), 1000)
	tx := wire.NewMsgTx(wire.TxVersion)
	err := w.SignFundingInput(context.Background(), tx, 0, testUtxos()[0])
	assert.Error(t, err)
}
