package alice

import (
	"context"
	"crypto/rand"
	"path/filepath"
	"testing"

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

// fixture is a fully self-consistent two-party swap setup, built the way
// handshake would have built it but without going through the wire
// messages, so Driver tests can exercise State transitions directly.
type fixture struct {
	swapID uuid.UUID

	swapPrivA, swapPrivB *btcec.PrivateKey
	punishPrivA          *btcec.PrivateKey
	redeemPrivA          *btcec.PrivateKey
	refundPrivB          *btcec.PrivateKey

	sa, sb         dleq.Scalar
	aImages, bImages dleq.Images
	viewHalfA, viewHalfB [32]byte

	cancelTimelock, punishTimelock uint32
	fee                            int64

	txLock             *wire.MsgTx
	lockRedeemScript   []byte
	txCancel           *wire.MsgTx
	cancelRedeemScript []byte

	cancelSigA, cancelSigB []byte

	encryptedRefundA *adaptor.Signature
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
	}

	f.sa = genScalar(t)
	f.sb = genScalar(t)
	f.aImages = f.sa.Image()
	f.bImages = f.sb.Image()
	_, _ = rand.Read(f.viewHalfA[:])
	_, _ = rand.Read(f.viewHalfB[:])

	changeScript, err := onchain.P2WPKHScript(f.swapPrivA.PubKey(), &chaincfg.RegressionNetParams)
	require.NoError(t, err)

	txLock, lockRedeemScript, err := onchain.BuildTxLock(onchain.LockParams{
		Inputs:         []wire.TxIn{*wire.NewTxIn(&wire.OutPoint{Index: 0}, nil, nil)},
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
	f.cancelSigB = onchain.SignDER(f.swapPrivB, cancelHash)

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

	return f
}

// aliceState builds the State a completed handshake would have produced for
// role A, at StatusStarted.
func (f *fixture) aliceState() State {
	return State{
		SwapID:               f.swapID,
		Status:               StatusStarted,
		BtcAmount:            200_000,
		ShldAmount:           100_000,
		CancelTimelock:       f.cancelTimelock,
		PunishTimelock:       f.punishTimelock,
		MinShldConfirmations: 3,
		NetName:              chaincfg.RegressionNetParams.Name,
		SwapPriv:             privBytes(f.swapPrivA),
		PunishPriv:           privBytes(f.punishPrivA),
		SwapPubB:             pubBytes(f.swapPrivB.PubKey()),
		RedeemPriv:           privBytes(f.redeemPrivA),
		LockRedeemScript:     f.lockRedeemScript,
		CancelRedeemScript:   f.cancelRedeemScript,
		TxLock:               mustSerialize(f.txLock),
		TxCancel:             mustSerialize(f.txCancel),
		TxLockOutpoint:       wire.OutPoint{Hash: f.txLock.TxHash(), Index: 0},
		CancelSigB:           f.cancelSigB,
		EncryptedRefundA:     encodeSig(f.encryptedRefundA.R, f.encryptedRefundA.S),
		BImageSecp:           pubBytes(f.bImages.Secp),
		BImageEd:             edBytes(f.bImages.Ed),
		ShieldedScalar:       f.sa.Bytes32(),
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

// fakeTransport is a Transport that hands back a canned encrypted redeem
// share and records what A sends.
type fakeTransport struct {
	sentM4     *swapwire.M4
	encSigOut  *swapwire.EncSig
	encSigErr  error
}

func (ft *fakeTransport) SendM4(_ context.Context, m4 *swapwire.M4) error {
	ft.sentM4 = m4
	return nil
}

func (ft *fakeTransport) ReceiveEncSig(_ context.Context) (*swapwire.EncSig, error) {
	if ft.encSigErr != nil {
		return nil, ft.encSigErr
	}
	return ft.encSigOut, nil
}

func TestDriverHappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	wallet := chainclient.NewMockWallet(nil, 1000)
	require.NoError(t, wallet.Broadcast(ctx, f.txLock))
	wallet.MineBlocks(1)

	shldWallet := shld.NewMockWallet(1)

	store := openTestStore(t)
	transport := &fakeTransport{}

	d := Resume(f.aliceState(), wallet, shldWallet, store, transport)

	require.NoError(t, d.awaitBtcLocked(ctx))
	require.Equal(t, StatusBtcLocked, d.state.Status)

	require.NoError(t, d.lockShielded(ctx))
	require.Equal(t, StatusShldLocked, d.state.Status)
	require.NotNil(t, transport.sentM4)

	// Build B's encrypted redeem share the way handshake.BobHandshake
	// would, under A's secp adaptor image, and hand it back via transport.
	redeemDest, err := redeemDestScript(d.state)
	require.NoError(t, err)
	feeRate, err := wallet.FeeRatePerKvB(ctx, 6)
	require.NoError(t, err)
	txRedeem, err := onchain.BuildTxRedeem(f.txLock, f.lockRedeemScript, redeemDest, estimateFee(feeRate))
	require.NoError(t, err)
	redeemHash, err := onchain.WitnessSigHash(txRedeem, 0, f.lockRedeemScript, f.txLock.TxOut[0].Value)
	require.NoError(t, err)
	encryptedRedeemB, err := adaptor.EncSign(f.swapPrivB, redeemHash, f.aImages.Secp)
	require.NoError(t, err)
	transport.encSigOut = &swapwire.EncSig{EncryptedRedeemB: swapwire.EncodeEncryptedSignature(encryptedRedeemB)}

	require.NoError(t, d.awaitEncSig(ctx))
	require.Equal(t, StatusEncSigLearned, d.state.Status)

	require.NoError(t, d.redeemBtc(ctx))
	require.Equal(t, StatusBtcRedeemed, d.state.Status)
	require.True(t, d.state.Status.IsFinal())

	got, err := wallet.GetTransaction(ctx, txRedeem.TxHash())
	require.NoError(t, err)
	require.Equal(t, txRedeem.TxHash(), got.TxHash())
}

func TestDriverRunPersistsStateOnEveryTransition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	wallet := chainclient.NewMockWallet(nil, 1000)
	shldWallet := shld.NewMockWallet(1)
	store := openTestStore(t)
	transport := &fakeTransport{}

	d := Resume(f.aliceState(), wallet, shldWallet, store, transport)
	require.NoError(t, d.checkpoint(ctx))

	raw, err := store.GetState(ctx, f.swapID)
	require.NoError(t, err)
	persisted, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, StatusStarted, persisted.Status)
}

func TestRecoverRefundScalarFromObservedTxRefund(t *testing.T) {
	f := newFixture(t)

	y := f.sb.SecpModNScalar()
	completedRefund, err := adaptor.Decrypt(f.encryptedRefundA, &y)
	require.NoError(t, err)

	refundHash, err := onchain.WitnessSigHash(f.txRefund, 0, f.cancelRedeemScript, f.txCancel.TxOut[0].Value)
	require.NoError(t, err)
	require.True(t, completedRefund.Verify(refundHash, f.swapPrivA.PubKey()))

	bSig := onchain.SignDER(f.swapPrivB, refundHash)
	aSig := onchain.DERFromCompletedSignature(completedRefund)

	f.txRefund.TxIn[0].Witness = onchain.RefundWitness(
		f.cancelRedeemScript,
		f.swapPrivA.PubKey().SerializeCompressed(), aSig,
		f.swapPrivB.PubKey().SerializeCompressed(), bSig,
	)

	state := f.aliceState()
	recovered, err := recoverRefundScalar(f.txRefund, state)
	require.NoError(t, err)
	require.Equal(t, f.sb.Bytes32(), recovered)
}

func TestCancelBranchPublishesCancelThenRecoversFromRefund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	wallet := chainclient.NewMockWallet(nil, 1000)
	require.NoError(t, wallet.Broadcast(ctx, f.txLock))
	for i := 0; i < int(f.cancelTimelock)+2; i++ {
		wallet.MineBlocks(1)
	}

	shldWallet := shld.NewMockWallet(1)
	store := openTestStore(t)
	transport := &fakeTransport{}

	state := f.aliceState()
	state.Status = StatusBtcLocked
	d := Resume(state, wallet, shldWallet, store, transport)

	advanced, err := d.maybeEnterCancelBranch(ctx)
	require.NoError(t, err)
	require.True(t, advanced)
	require.Equal(t, StatusCancelTimelockExpired, d.state.Status)

	require.NoError(t, d.publishCancel(ctx))
	require.Equal(t, StatusBtcCancelled, d.state.Status)

	// B observes the cancel and refunds, leaking s_b; simulate that by
	// broadcasting a correctly-witnessed TxRefund against the wallet B
	// would use.
	y := f.sb.SecpModNScalar()
	completedRefund, err := adaptor.Decrypt(f.encryptedRefundA, &y)
	require.NoError(t, err)
	refundHash, err := onchain.WitnessSigHash(f.txRefund, 0, f.cancelRedeemScript, f.txCancel.TxOut[0].Value)
	require.NoError(t, err)
	bSig := onchain.SignDER(f.swapPrivB, refundHash)
	aSig := onchain.DERFromCompletedSignature(completedRefund)
	f.txRefund.TxIn[0].Witness = onchain.RefundWitness(
		f.cancelRedeemScript,
		f.swapPrivA.PubKey().SerializeCompressed(), aSig,
		f.swapPrivB.PubKey().SerializeCompressed(), bSig,
	)
	require.NoError(t, wallet.Broadcast(ctx, f.txRefund))

	require.NoError(t, d.watchAfterCancel(ctx))
	require.Equal(t, StatusBtcRefunded, d.state.Status)
	require.True(t, d.state.RecoveredSBKnown)
	require.Equal(t, f.sb.Bytes32(), d.state.RecoveredSB)

	require.NoError(t, d.reclaimShielded(ctx))
	require.Equal(t, StatusShldRefunded, d.state.Status)
	require.True(t, d.state.Status.IsFinal())

	loaded := shldWallet.LoadedWallets()
	require.Len(t, loaded, 1)
}

func TestStatusStrings(t *testing.T) {
	require.Equal(t, "Started", StatusStarted.String())
	require.Equal(t, "ShldRefunded", StatusShldRefunded.String())
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
