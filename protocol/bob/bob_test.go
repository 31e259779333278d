package bob

import (
	"context"
	"crypto/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/shieldswap/swapd/adaptor"
	"github.com/shieldswap/swapd/chainclient"
	"github.com/shieldswap/swapd/dleq"
	"github.com/shieldswap/swapd/epoch"
	"github.com/shieldswap/swapd/onchain"
	"github.com/shieldswap/swapd/shld"
	"github.com/shieldswap/swapd/swapdb"
	swapwire "github.com/shieldswap/swapd/wire"
)

func genKey(t *testing.T) *btcec.PrivateKey {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	return priv
}

func genScalar(t *testing.T) dleq.Scalar {
	t.Helper()
	s, err := dleq.RandomScalar(rand.Reader)
	require.NoError(t, err)
	return s
}

func openTestStore(t *testing.T) *swapdb.BoltStore {
	t.Helper()
	dir := t.TempDir()
	s, err := swapdb.OpenBoltStore(filepath.Join(dir, "swaps.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// fixture is a fully self-consistent two-party swap setup built the way
// handshake would have built it, without going through the wire messages,
// so Driver tests can exercise State transitions directly.
type fixture struct {
	swapID uuid.UUID

	swapPrivA, swapPrivB *btcec.PrivateKey
	punishPrivA          *btcec.PrivateKey
	redeemPrivA          *btcec.PrivateKey
	refundPrivB          *btcec.PrivateKey

	sa, sb           dleq.Scalar
	aImages, bImages dleq.Images
	viewHalfA, viewHalfB [32]byte

	cancelTimelock, punishTimelock uint32
	fee                            int64

	fundingUtxo chainclient.Utxo

	txLock             *wire.MsgTx
	lockRedeemScript   []byte
	txCancel           *wire.MsgTx
	cancelRedeemScript []byte

	cancelSigA []byte

	encryptedRefundA *adaptor.Signature
	completedRefundA *adaptor.CompletedSignature
	txRefund         *wire.MsgTx
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		swapID:         uuid.New(),
		swapPrivA:      genKey(t),
		swapPrivB:      genKey(t),
		punishPrivA:    genKey(t),
		redeemPrivA:    genKey(t),
		refundPrivB:    genKey(t),
		cancelTimelock: 10,
		punishTimelock: 20,
		fee:            500,
		fundingUtxo:    chainclient.Utxo{OutPoint: wire.OutPoint{Index: 0}, Value: 300_000, PkScript: []byte{0x00, 0x14}},
	}

	f.sa = genScalar(t)
	f.sb = genScalar(t)
	f.aImages = f.sa.Image()
	f.bImages = f.sb.Image()
	_, _ = rand.Read(f.viewHalfA[:])
	_, _ = rand.Read(f.viewHalfB[:])

	changeScript, err := onchain.P2WPKHScript(f.swapPrivB.PubKey(), &chaincfg.RegressionNetParams)
	require.NoError(t, err)

	txLock, lockRedeemScript, err := onchain.BuildTxLock(onchain.LockParams{
		Inputs:         []wire.TxIn{*wire.NewTxIn(&f.fundingUtxo.OutPoint, nil, nil)},
		ChangeScript:   changeScript,
		APub:           f.swapPrivA.PubKey(),
		BPub:           f.swapPrivB.PubKey(),
		CancelTimelock: f.cancelTimelock,
		LockAmount:     200_000,
	})
	require.NoError(t, err)
	f.txLock = txLock
	f.lockRedeemScript = lockRedeemScript

	txCancel, cancelRedeemScript, err := onchain.BuildTxCancel(
		txLock, lockRedeemScript, f.cancelTimelock,
		f.swapPrivA.PubKey(), f.swapPrivB.PubKey(), f.punishPrivA.PubKey(), f.punishTimelock, f.fee,
	)
	require.NoError(t, err)
	f.txCancel = txCancel
	f.cancelRedeemScript = cancelRedeemScript

	cancelHash, err := onchain.WitnessSigHash(txCancel, 0, lockRedeemScript, txLock.TxOut[0].Value)
	require.NoError(t, err)
	f.cancelSigA = onchain.SignDER(f.swapPrivA, cancelHash)

	refundDest, err := onchain.P2WPKHScript(f.refundPrivB.PubKey(), &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	txRefund, err := onchain.BuildTxRefund(txCancel, cancelRedeemScript, refundDest, f.fee)
	require.NoError(t, err)
	f.txRefund = txRefund

	refundHash, err := onchain.WitnessSigHash(txRefund, 0, cancelRedeemScript, txCancel.TxOut[0].Value)
	require.NoError(t, err)
	encryptedRefundA, err := adaptor.EncSign(f.swapPrivA, refundHash, f.bImages.Secp)
	require.NoError(t, err)
	f.encryptedRefundA = encryptedRefundA

	y := f.sb.SecpModNScalar()
	completedRefundA, err := adaptor.Decrypt(encryptedRefundA, &y)
	require.NoError(t, err)
	require.True(t, completedRefundA.Verify(refundHash, f.swapPrivA.PubKey()))
	f.completedRefundA = completedRefundA

	return f
}

// bobState builds the State a completed handshake would have produced for
// role B, at StatusStarted.
func (f *fixture) bobState() State {
	return State{
		SwapID:               f.swapID,
		Status:               StatusStarted,
		BtcAmount:            200_000,
		ShldAmount:           100_000,
		CancelTimelock:       f.cancelTimelock,
		PunishTimelock:       f.punishTimelock,
		MinShldConfirmations: 3,
		NetName:              chaincfg.RegressionNetParams.Name,
		SwapPriv:             privBytes(f.swapPrivB),
		RefundPriv:           privBytes(f.refundPrivB),
		SwapPubA:             pubBytes(f.swapPrivA.PubKey()),
		PunishPubA:           pubBytes(f.punishPrivA.PubKey()),
		RedeemPubA:           pubBytes(f.redeemPrivA.PubKey()),
		LockRedeemScript:     f.lockRedeemScript,
		CancelRedeemScript:   f.cancelRedeemScript,
		TxLock:               mustSerialize(f.txLock),
		TxCancel:             mustSerialize(f.txCancel),
		TxRefund:             mustSerialize(f.txRefund),
		CancelSigA:           f.cancelSigA,
		CompletedRefundA:     encodeSig(f.completedRefundA.R, f.completedRefundA.S),
		FundingUtxos:         encodeUtxos([]chainclient.Utxo{f.fundingUtxo}),
		AImageSecp:           pubBytes(f.aImages.Secp),
		AImageEd:             edBytes(f.aImages.Ed),
		ShieldedScalar:       f.sb.Bytes32(),
		ViewKeyHalfA:         f.viewHalfA,
		ViewKeyHalfB:         f.viewHalfB,
		LastEpoch:            epoch.None,
		Fee:                  f.fee,
	}
}

func mustSerialize(tx *wire.MsgTx) []byte {
	b, err := serializeTx(tx)
	if err != nil {
		panic(err)
	}
	return b
}

// fakeTransport is a Transport that hands back a canned transfer proof and
// records what B sends.
type fakeTransport struct {
	m4Out       *swapwire.M4
	m4Err       error
	sentEncSig  *swapwire.EncSig
}

func (ft *fakeTransport) ReceiveM4(_ context.Context) (*swapwire.M4, error) {
	if ft.m4Err != nil {
		return nil, ft.m4Err
	}
	return ft.m4Out, nil
}

func (ft *fakeTransport) SendEncSig(_ context.Context, encSig *swapwire.EncSig) error {
	ft.sentEncSig = encSig
	return nil
}

func TestDriverHappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	wallet := chainclient.NewMockWallet([]chainclient.Utxo{f.fundingUtxo}, 1000)
	shldWallet := shld.NewMockWallet(1)
	store := openTestStore(t)
	transport := &fakeTransport{}

	d := Resume(f.bobState(), wallet, shldWallet, store, transport)
	d.pollInterval = 5 * time.Millisecond

	// lockBtc broadcasts TxLock itself, then waits for one confirmation; mine
	// that confirming block concurrently rather than ahead of time.
	lockDone := make(chan error, 1)
	go func() { lockDone <- d.lockBtc(ctx) }()
	time.Sleep(20 * time.Millisecond)
	wallet.MineBlocks(1)
	require.NoError(t, <-lockDone)
	require.Equal(t, StatusBtcLocked, d.state.Status)

	// A locks her shielded leg and sends B the transfer proof.
	spend, view, err := d.combinedAddress()
	require.NoError(t, err)
	proof, err := shldWallet.Transfer(ctx, spend, view, shld.Amount(f.bobState().ShldAmount))
	require.NoError(t, err)
	transport.m4Out = &swapwire.M4{Proof: swapwire.TransferProof{
		TxID: proof.TxHash, TxKey: proof.TxKey,
	}}

	require.NoError(t, d.awaitTransferProof(ctx))
	require.Equal(t, StatusShldLockProofReceived, d.state.Status)

	shldWallet.MineBlocks(3)
	require.NoError(t, d.verifyShldLocked(ctx))
	require.Equal(t, StatusShldLocked, d.state.Status)

	require.NoError(t, d.sendEncSig(ctx))
	require.Equal(t, StatusEncSigSent, d.state.Status)
	require.NotNil(t, transport.sentEncSig)

	// A decrypts B's redeem share and broadcasts TxRedeem.
	encryptedRedeemB, err := swapwire.DecodeEncryptedSignature(transport.sentEncSig.EncryptedRedeemB)
	require.NoError(t, err)
	redeemDest, err := onchain.P2WPKHScript(f.redeemPrivA.PubKey(), &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	feeRate, err := wallet.FeeRatePerKvB(ctx, 6)
	require.NoError(t, err)
	txRedeem, err := onchain.BuildTxRedeem(f.txLock, f.lockRedeemScript, redeemDest, estimateFee(feeRate))
	require.NoError(t, err)
	redeemHash, err := onchain.WitnessSigHash(txRedeem, 0, f.lockRedeemScript, f.txLock.TxOut[0].Value)
	require.NoError(t, err)

	ySa := f.sa.SecpModNScalar()
	completedRedeemB, err := adaptor.Decrypt(encryptedRedeemB, &ySa)
	require.NoError(t, err)
	require.True(t, completedRedeemB.Verify(redeemHash, f.swapPrivB.PubKey()))

	aSig := onchain.SignDER(f.swapPrivA, redeemHash)
	bSig := onchain.DERFromCompletedSignature(completedRedeemB)
	txRedeem.TxIn[0].Witness = onchain.RedeemWitness(
		f.lockRedeemScript,
		f.swapPrivA.PubKey().SerializeCompressed(), aSig,
		f.swapPrivB.PubKey().SerializeCompressed(), bSig,
	)
	require.NoError(t, wallet.Broadcast(ctx, txRedeem))

	require.NoError(t, d.awaitBtcRedeemed(ctx))
	require.Equal(t, StatusBtcRedeemed, d.state.Status)

	require.NoError(t, d.redeemShielded(ctx))
	require.Equal(t, StatusShldRedeemed, d.state.Status)
	require.True(t, d.state.Status.IsFinal())
	require.True(t, d.state.RecoveredSAKnown)
	require.Equal(t, f.sa.Bytes32(), d.state.RecoveredSA)

	loaded := shldWallet.LoadedWallets()
	require.Len(t, loaded, 1)
}

func TestDriverRunPersistsStateOnEveryTransition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	wallet := chainclient.NewMockWallet([]chainclient.Utxo{f.fundingUtxo}, 1000)
	shldWallet := shld.NewMockWallet(1)
	store := openTestStore(t)
	transport := &fakeTransport{}

	d := Resume(f.bobState(), wallet, shldWallet, store, transport)
	require.NoError(t, d.checkpoint(ctx))

	raw, err := store.GetState(ctx, f.swapID)
	require.NoError(t, err)
	persisted, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, StatusStarted, persisted.Status)
}

func TestRecoverRedeemScalarFromObservedTxRedeem(t *testing.T) {
	f := newFixture(t)

	redeemDest, err := onchain.P2WPKHScript(f.redeemPrivA.PubKey(), &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	txRedeem, err := onchain.BuildTxRedeem(f.txLock, f.lockRedeemScript, redeemDest, f.fee)
	require.NoError(t, err)
	redeemHash, err := onchain.WitnessSigHash(txRedeem, 0, f.lockRedeemScript, f.txLock.TxOut[0].Value)
	require.NoError(t, err)

	encryptedRedeemB, err := adaptor.EncSign(f.swapPrivB, redeemHash, f.aImages.Secp)
	require.NoError(t, err)
	ySa := f.sa.SecpModNScalar()
	completedRedeemB, err := adaptor.Decrypt(encryptedRedeemB, &ySa)
	require.NoError(t, err)

	aSig := onchain.SignDER(f.swapPrivA, redeemHash)
	bSig := onchain.DERFromCompletedSignature(completedRedeemB)
	txRedeem.TxIn[0].Witness = onchain.RedeemWitness(
		f.lockRedeemScript,
		f.swapPrivA.PubKey().SerializeCompressed(), aSig,
		f.swapPrivB.PubKey().SerializeCompressed(), bSig,
	)

	state := f.bobState()
	state.EncryptedRedeemB = encodeSig(encryptedRedeemB.R, encryptedRedeemB.S)

	recovered, err := recoverRedeemScalar(txRedeem, state)
	require.NoError(t, err)
	require.Equal(t, f.sa.Bytes32(), recovered)
}

func TestCancelBranchPublishesCancelThenRefunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	wallet := chainclient.NewMockWallet([]chainclient.Utxo{f.fundingUtxo}, 1000)
	require.NoError(t, wallet.Broadcast(ctx, f.txLock))
	for i := 0; i < int(f.cancelTimelock)+2; i++ {
		wallet.MineBlocks(1)
	}

	shldWallet := shld.NewMockWallet(1)
	store := openTestStore(t)
	transport := &fakeTransport{}

	state := f.bobState()
	state.Status = StatusBtcLocked
	d := Resume(state, wallet, shldWallet, store, transport)

	advanced, err := d.maybeEnterCancelBranch(ctx)
	require.NoError(t, err)
	require.True(t, advanced)
	require.Equal(t, StatusCancelTimelockExpired, d.state.Status)

	require.NoError(t, d.publishCancel(ctx))
	require.Equal(t, StatusBtcCancelled, d.state.Status)

	require.NoError(t, d.publishRefund(ctx))
	require.Equal(t, StatusBtcRefunded, d.state.Status)
	require.True(t, d.state.Status.IsFinal())

	got, err := wallet.GetTransaction(ctx, f.txRefund.TxHash())
	require.NoError(t, err)
	require.Equal(t, f.txCancel.TxHash(), got.TxIn[0].PreviousOutPoint.Hash)
}

func TestStatusStrings(t *testing.T) {
	require.Equal(t, "Started", StatusStarted.String())
	require.Equal(t, "ShldRedeemed", StatusShldRedeemed.String())
	require.Contains(t, Status(999).String(), "Status(999)")
}

func TestMultiSigWitnessIndexAgreesWithSpendMultiSigOrdering(t *testing.T) {
	a, b := genKey(t), genKey(t)

	idxA, err := multiSigWitnessIndex(a.PubKey(), b.PubKey(), aSlot)
	require.NoError(t, err)
	idxB, err := multiSigWitnessIndex(a.PubKey(), b.PubKey(), bSlot)
	require.NoError(t, err)
	require.NotEqual(t, idxA, idxB)

	_, err = multiSigWitnessIndex(a.PubKey(), b.PubKey(), 99)
	require.Error(t, err)
}
