package onchain

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

func genKey(t *testing.T) *btcec.PrivateKey {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	return priv
}

func TestBuildTxLockAndCancel(t *testing.T) {
	a := genKey(t)
	b := genKey(t)
	aPunish := genKey(t)

	var prevHash chainhash.Hash
	inputs := []wire.TxIn{*wire.NewTxIn(&wire.OutPoint{Hash: prevHash, Index: 0}, nil, nil)}

	changeScript, err := P2WPKHScript(a.PubKey(), &chaincfg.RegressionNetParams)
	require.NoError(t, err)

	txLock, lockRedeemScript, err := BuildTxLock(LockParams{
		Inputs:         inputs,
		ChangeScript:   changeScript,
		ChangeValue:    1000,
		APub:           a.PubKey(),
		BPub:           b.PubKey(),
		CancelTimelock: 72,
		LockAmount:     100_000,
	})
	require.NoError(t, err)
	require.Len(t, txLock.TxOut, 2)
	require.NotEmpty(t, lockRedeemScript)

	txCancel, cancelRedeemScript, err := BuildTxCancel(
		txLock, lockRedeemScript, 72, a.PubKey(), b.PubKey(), aPunish.PubKey(), 144, 500,
	)
	require.NoError(t, err)
	require.Equal(t, int64(100_000-500), txCancel.TxOut[0].Value)
	require.Equal(t, uint32(72), txCancel.TxIn[0].Sequence)
	require.NotEmpty(t, cancelRedeemScript)
}

func TestCancelRedeemScriptBranches(t *testing.T) {
	a := genKey(t)
	b := genKey(t)
	aPunish := genKey(t)

	redeemScript, err := CancelRedeemScript(a.PubKey(), b.PubKey(), aPunish.PubKey(), 144)
	require.NoError(t, err)
	require.NotEmpty(t, redeemScript)

	aSig := []byte("a-sig")
	bSig := []byte("b-sig")
	refundWitness := RefundWitness(redeemScript, a.PubKey().SerializeCompressed(), aSig,
		b.PubKey().SerializeCompressed(), bSig)
	require.Len(t, refundWitness, 5)
	require.Nil(t, refundWitness[0])
	require.Nil(t, refundWitness[len(refundWitness)-2])
	require.Equal(t, redeemScript, refundWitness[len(refundWitness)-1])

	punishWitness := PunishWitness(redeemScript, []byte("a-punish-sig"))
	require.Equal(t, wire.TxWitness{[]byte("a-punish-sig"), ifBranchElement(true), redeemScript}, punishWitness)
}

func TestDustLimit(t *testing.T) {
	limit := DustLimit(1000)
	require.Greater(t, int64(limit), int64(0))
}

func TestWitnessSigHashDeterministic(t *testing.T) {
	a := genKey(t)
	b := genKey(t)

	var prevHash chainhash.Hash
	inputs := []wire.TxIn{*wire.NewTxIn(&wire.OutPoint{Hash: prevHash, Index: 0}, nil, nil)}

	txLock, lockRedeemScript, err := BuildTxLock(LockParams{
		Inputs:         inputs,
		APub:           a.PubKey(),
		BPub:           b.PubKey(),
		CancelTimelock: 72,
		LockAmount:     100_000,
	})
	require.NoError(t, err)

	txRedeem, err := BuildTxRedeem(txLock, lockRedeemScript, lockRedeemScript, 200)
	require.NoError(t, err)

	h1, err := WitnessSigHash(txRedeem, 0, lockRedeemScript, 100_000)
	require.NoError(t, err)
	h2, err := WitnessSigHash(txRedeem, 0, lockRedeemScript, 100_000)
	require.NoError(t, err)
	require.Equal(t, h1, h2)
}
