package shld

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockWalletTransferAndWatch(t *testing.T) {
	w := NewMockWallet(1000)
	ctx := context.Background()

	var spend SpendPublicKey
	var view ViewPublicKey
	spend[0] = 0xaa
	view[0] = 0xbb

	proof, err := w.Transfer(ctx, spend, view, 500)
	require.NoError(t, err)
	require.NotEmpty(t, proof.TxHash)

	err = w.WatchForTransfer(ctx, spend, view, proof, 500, 3)
	assert.Error(t, err, "should not be confirmed yet")

	w.MineBlocks(3)
	err = w.WatchForTransfer(ctx, spend, view, proof, 500, 3)
	assert.NoError(t, err)
}

func TestMockWalletWatchInsufficientFunds(t *testing.T) {
	w := NewMockWallet(1000)
	ctx := context.Background()

	var spend SpendPublicKey
	var view ViewPublicKey

	proof, err := w.Transfer(ctx, spend, view, 100)
	require.NoError(t, err)
	w.MineBlocks(5)

	err = w.WatchForTransfer(ctx, spend, view, proof, 500, 3)
	var insufficient *InsufficientFundsError
	require.ErrorAs(t, err, &insufficient)
	assert.EqualValues(t, 500, insufficient.Expected)
	assert.EqualValues(t, 100, insufficient.Actual)
}

func TestMockWalletCreateAndLoadWalletForOutput(t *testing.T) {
	w := NewMockWallet(1000)
	ctx := context.Background()

	var s [32]byte
	s[0] = 0x42
	require.NoError(t, w.CreateAndLoadWalletForOutput(ctx, s, [32]byte{}, 777))

	loaded := w.LoadedWallets()
	assert.Equal(t, uint64(777), loaded[s])
}

func TestMockWalletBlockHeight(t *testing.T) {
	w := NewMockWallet(1000)
	height, err := w.BlockHeight(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1000, height)

	w.MineBlocks(10)
	height, err = w.BlockHeight(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1010, height)
}
