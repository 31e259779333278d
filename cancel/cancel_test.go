package cancel

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/shieldswap/swapd/chainclient"
	"github.com/shieldswap/swapd/onchain"
	"github.com/shieldswap/swapd/swapdb"
)

func genKey(t *testing.T) *btcec.PrivateKey {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	return priv
}

func openTestStore(t *testing.T) *swapdb.BoltStore {
	t.Helper()
	dir := t.TempDir()
	s, err := swapdb.OpenBoltStore(filepath.Join(dir, "swaps.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// lockedWallet builds a MockWallet with a confirmed TxLock ready to cancel.
func lockedWallet(t *testing.T, a, b *btcec.PrivateKey, cancelTimelock uint32) (*chainclient.MockWallet, *wire.MsgTx, []byte) {
	t.Helper()

	changeScript, err := onchain.P2WPKHScript(a.PubKey(), &chaincfg.RegressionNetParams)
	require.NoError(t, err)

	txLock, lockRedeemScript, err := onchain.BuildTxLock(onchain.LockParams{
		Inputs:         []wire.TxIn{*wire.NewTxIn(&wire.OutPoint{Index: 0}, nil, nil)},
		ChangeScript:   changeScript,
		APub:           a.PubKey(),
		BPub:           b.PubKey(),
		CancelTimelock: cancelTimelock,
		LockAmount:     100_000,
	})
	require.NoError(t, err)

	w := chainclient.NewMockWallet(nil, 1000)
	require.NoError(t, w.Broadcast(context.Background(), txLock))
	return w, txLock, lockRedeemScript
}

func baseObligation(id uuid.UUID, a, b *btcec.PrivateKey, txLock *wire.MsgTx, lockRedeemScript []byte,
	cancelTimelock, punishTimelock uint32) Obligation {

	return Obligation{
		SwapID:           id,
		LockTxid:         txLock.TxHash(),
		LockRedeemScript: lockRedeemScript,
		CancelTimelock:   cancelTimelock,
		APub:             a.PubKey(),
		BPub:             b.PubKey(),
		CancelSigA:       []byte("a-cancel-sig"),
		CancelSigB:       []byte("b-cancel-sig"),
		PunishPub:        a.PubKey(),
		PunishTimelock:   punishTimelock,
		Fee:              500,
	}
}

func TestCancelBeforeTimelockWithoutForce(t *testing.T) {
	a, b := genKey(t), genKey(t)
	w, txLock, lockRedeemScript := lockedWallet(t, a, b, 10)
	store := openTestStore(t)

	// Mine one block so the lock's own confirmation height isn't ahead of
	// the wallet's reported tip, without yet reaching the cancel timelock.
	w.MineBlocks(1)

	ob := baseObligation(uuid.New(), a, b, txLock, lockRedeemScript, 10, 20)

	_, err := Cancel(context.Background(), w, store, ob, false, []byte("cancelled"))
	require.ErrorIs(t, err, ErrCancelTimelockNotExpiredYet)
}

func TestCancelForceIgnoresTimelock(t *testing.T) {
	a, b := genKey(t), genKey(t)
	w, txLock, lockRedeemScript := lockedWallet(t, a, b, 10)
	store := openTestStore(t)
	id := uuid.New()

	ob := baseObligation(id, a, b, txLock, lockRedeemScript, 10, 20)

	txid, err := Cancel(context.Background(), w, store, ob, true, []byte("cancelled"))
	require.NoError(t, err)
	require.NotZero(t, txid)

	got, err := w.GetTransaction(context.Background(), txid)
	require.NoError(t, err)
	require.Equal(t, txid, got.TxHash())

	state, err := store.GetState(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, []byte("cancelled"), state)
}

func TestCancelAfterTimelockSucceedsAndIsIdempotent(t *testing.T) {
	a, b := genKey(t), genKey(t)
	w, txLock, lockRedeemScript := lockedWallet(t, a, b, 10)
	store := openTestStore(t)
	id := uuid.New()

	ob := baseObligation(id, a, b, txLock, lockRedeemScript, 10, 20)

	for i := 0; i < 11; i++ {
		w.MineBlocks(1)
	}

	txid, err := Cancel(context.Background(), w, store, ob, false, []byte("cancelled"))
	require.NoError(t, err)
	require.NotZero(t, txid)

	// A second call observes TxCancel already on chain and persists the
	// cancelled state instead of erroring out of the swap.
	txid2, err := Cancel(context.Background(), w, store, ob, false, []byte("cancelled"))
	var already *AlreadyPublishedError
	require.True(t, errors.As(err, &already))
	require.Equal(t, txid, txid2)

	got, err := store.GetState(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, []byte("cancelled"), got)
}

func TestPunishBeforeTimelockWithoutForce(t *testing.T) {
	a, b := genKey(t), genKey(t)
	w, txLock, lockRedeemScript := lockedWallet(t, a, b, 10)
	store := openTestStore(t)
	id := uuid.New()

	ob := baseObligation(id, a, b, txLock, lockRedeemScript, 10, 20)
	for i := 0; i < 11; i++ {
		w.MineBlocks(1)
	}
	cancelTxid, err := Cancel(context.Background(), w, store, ob, false, nil)
	require.NoError(t, err)

	// Sync the wallet's tip past TxCancel's own confirmation height
	// without yet reaching the punish timelock.
	w.MineBlocks(1)

	punishDest, err := onchain.P2WPKHScript(a.PubKey(), &chaincfg.RegressionNetParams)
	require.NoError(t, err)

	pob := PunishObligation{
		Obligation: ob,
		CancelTxid: cancelTxid,
		ASig:       []byte("a-punish-sig"),
		PunishDest: punishDest,
	}

	_, err = Punish(context.Background(), w, pob, false, 300)
	require.ErrorIs(t, err, ErrPunishTimelockNotExpiredYet)
}

func TestPunishAfterTimelockSucceeds(t *testing.T) {
	a, b := genKey(t), genKey(t)
	w, txLock, lockRedeemScript := lockedWallet(t, a, b, 10)
	store := openTestStore(t)
	id := uuid.New()

	ob := baseObligation(id, a, b, txLock, lockRedeemScript, 10, 20)
	for i := 0; i < 11; i++ {
		w.MineBlocks(1)
	}
	cancelTxid, err := Cancel(context.Background(), w, store, ob, false, nil)
	require.NoError(t, err)

	for i := 0; i < 21; i++ {
		w.MineBlocks(1)
	}

	punishDest, err := onchain.P2WPKHScript(a.PubKey(), &chaincfg.RegressionNetParams)
	require.NoError(t, err)

	pob := PunishObligation{
		Obligation: ob,
		CancelTxid: cancelTxid,
		ASig:       []byte("a-punish-sig"),
		PunishDest: punishDest,
	}

	txid, err := Punish(context.Background(), w, pob, false, 300)
	require.NoError(t, err)
	require.NotZero(t, txid)
}

func TestRefundSucceeds(t *testing.T) {
	a, b := genKey(t), genKey(t)
	w, txLock, lockRedeemScript := lockedWallet(t, a, b, 10)
	store := openTestStore(t)
	id := uuid.New()

	ob := baseObligation(id, a, b, txLock, lockRedeemScript, 10, 20)
	for i := 0; i < 11; i++ {
		w.MineBlocks(1)
	}
	cancelTxid, err := Cancel(context.Background(), w, store, ob, false, nil)
	require.NoError(t, err)

	refundDest, err := onchain.P2WPKHScript(b.PubKey(), &chaincfg.RegressionNetParams)
	require.NoError(t, err)

	rob := RefundObligation{
		Obligation: ob,
		CancelTxid: cancelTxid,
		ASig:       []byte("a-refund-sig"),
		BSig:       []byte("b-refund-sig"),
		RefundDest: refundDest,
	}

	txid, err := Refund(context.Background(), w, rob, 300)
	require.NoError(t, err)
	require.NotZero(t, txid)

	// Once broadcast, punish can no longer claim the same output: the
	// wallet already shows a spend of the cancel outpoint via refund.
	got, err := w.GetTransaction(context.Background(), txid)
	require.NoError(t, err)
	require.Equal(t, cancelTxid, got.TxIn[0].PreviousOutPoint.Hash)
}
