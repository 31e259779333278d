// Package handshake drives the M0-M4 message exchange that sets up a
// swap's on-chain leg (spec.md §4.1, component C6): establishing each
// party's shielded spend-key half, building and countersigning TxLock and
// TxCancel, and pre-committing A's encrypted refund signature share. B's
// encrypted redeem signature share is deliberately not part of M0-M4: see
// EncryptRedeemShare and ProcessEncSig.
//
// AliceHandshake and BobHandshake play the role ChannelReservation plays
// in the teacher: an object that accumulates the counterparty's
// contribution message by message, validating each as it arrives, and
// exposing the next outgoing message once its own side is ready —
// generalized from a single funding negotiation to the swap's five-step,
// role-asymmetric exchange.
package handshake

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"io"

	"filippo.io/edwards25519"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	btcwire "github.com/btcsuite/btcd/wire"
	"github.com/google/uuid"

	"github.com/shieldswap/swapd/adaptor"
	"github.com/shieldswap/swapd/chainclient"
	"github.com/shieldswap/swapd/dleq"
	"github.com/shieldswap/swapd/onchain"
	"github.com/shieldswap/swapd/shld"
	swapwire "github.com/shieldswap/swapd/wire"
)

// CombinedShieldedAddress derives the swap's shared shielded-chain address
// (spec.md §4.4 step 2, §4.5 step 4) from each party's spend-key image and
// view-key half: the spend key is S_a+S_b, a point addition of the two
// ed25519 images; the view key is v_a+v_b, a scalar addition of the two
// private halves.
func CombinedShieldedAddress(aImages, bImages dleq.Images, viewHalfA, viewHalfB [32]byte) (shld.SpendPublicKey, shld.ViewPublicKey) {
	combinedSpend := edwards25519.NewIdentityPoint().Add(aImages.Ed, bImages.Ed)

	combinedView := dleq.ScalarFromBytes(viewHalfA[:]).Add(dleq.ScalarFromBytes(viewHalfB[:]))

	var spend shld.SpendPublicKey
	var view shld.ViewPublicKey
	copy(spend[:], combinedSpend.Bytes())
	view = combinedView.Bytes32()
	return spend, view
}

// estimatedSpendVBytes is a rough virtual size for a single-input,
// single-output P2WSH spend, used to size TxCancel/TxRefund/TxPunish's fee
// until a real vsize estimator (grounded on an actual built transaction)
// replaces it.
const estimatedSpendVBytes = 200

func estimateFee(feeRatePerKvB btcutil.Amount) int64 {
	fee := int64(feeRatePerKvB) * estimatedSpendVBytes / 1000
	if fee < 1 {
		fee = 1
	}
	return fee
}

// Params describes the swap A proposes in M0.
type Params struct {
	BtcAmount            btcutil.Amount
	ShldAmount           uint64
	CancelTimelock       uint32
	PunishTimelock       uint32
	MinShldConfirmations uint32
	Net                  *chaincfg.Params
}

// shieldedHalf is one party's contribution to the shared shielded spend
// key, together with the cross-curve proof that its secp256k1 and ed25519
// images represent the same scalar (spec.md §4.1, component C1).
type shieldedHalf struct {
	scalar dleq.Scalar
	images dleq.Images
	proof  dleq.Proof
}

func newShieldedHalf() (shieldedHalf, error) {
	s, err := dleq.RandomScalar(rand.Reader)
	if err != nil {
		return shieldedHalf{}, fmt.Errorf("handshake: random shielded half: %w", err)
	}
	proof, images, err := dleq.Prove(s, rand.Reader)
	if err != nil {
		return shieldedHalf{}, fmt.Errorf("handshake: prove shielded half: %w", err)
	}
	return shieldedHalf{scalar: s, images: images, proof: proof}, nil
}

func randomViewKeyHalf() ([32]byte, error) {
	var b [32]byte
	_, err := io.ReadFull(rand.Reader, b[:])
	return b, err
}

// AliceHandshake runs the A side of the handshake: the party who proposes
// the swap, locks nothing on Bitcoin, and ultimately redeems TxLock using
// a signature Bob decrypts for her.
type AliceHandshake struct {
	swapID uuid.UUID
	params Params
	wallet chainclient.BtcWallet

	shielded shieldedHalf

	swapPriv   *btcec.PrivateKey
	punishPriv *btcec.PrivateKey
	redeemPriv *btcec.PrivateKey

	viewKeyHalfA [32]byte

	// Populated once Bob's contribution (M1) arrives.
	swapPubB     *btcec.PublicKey
	refundPubB   *btcec.PublicKey
	bImages      dleq.Images
	viewKeyHalfB [32]byte

	txLock           *btcwire.MsgTx
	lockRedeemScript []byte

	txCancel           *btcwire.MsgTx
	cancelRedeemScript []byte
	cancelSigA         []byte
	encryptedRefundA   *adaptor.Signature
	fee                int64

	// Populated once M3 arrives.
	cancelSigB       []byte
	txLockOutpoint   btcwire.OutPoint

	// Populated once ProcessEncSig succeeds.
	encryptedRedeemB *adaptor.Signature
	completedRedeemB *adaptor.CompletedSignature
	txRedeem         *btcwire.MsgTx
}

// NewAliceHandshake generates A's side of the shared shielded spend key,
// her single-purpose Bitcoin keys, and returns M0. wallet is used only for
// fee estimation once B's contribution arrives.
func NewAliceHandshake(swapID uuid.UUID, wallet chainclient.BtcWallet, params Params) (*AliceHandshake, *swapwire.M0, error) {
	shielded, err := newShieldedHalf()
	if err != nil {
		return nil, nil, err
	}

	swapPriv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, nil, err
	}
	punishPriv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, nil, err
	}
	redeemPriv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, nil, err
	}
	viewKeyHalfA, err := randomViewKeyHalf()
	if err != nil {
		return nil, nil, err
	}

	h := &AliceHandshake{
		swapID:       swapID,
		wallet:       wallet,
		params:       params,
		shielded:     shielded,
		swapPriv:     swapPriv,
		punishPriv:   punishPriv,
		redeemPriv:   redeemPriv,
		viewKeyHalfA: viewKeyHalfA,
	}

	m0 := &swapwire.M0{
		BtcAmount:            uint64(params.BtcAmount),
		ShldAmount:           params.ShldAmount,
		CancelTimelock:       params.CancelTimelock,
		PunishTimelock:       params.PunishTimelock,
		MinShldConfirmations: params.MinShldConfirmations,
		DleqProofA:           swapwire.EncodeDLEQProof(shielded.proof, shielded.images),
		ViewKeyHalfA:         viewKeyHalfA,
	}
	copy(m0.SwapID[:], swapID[:])
	copy(m0.SPubA[:], shielded.images.Secp.SerializeCompressed())
	copy(m0.SPubAEd[:], shielded.images.Ed.Bytes())
	copy(m0.PunishPubA[:], punishPriv.PubKey().SerializeCompressed())
	copy(m0.SwapPubA[:], swapPriv.PubKey().SerializeCompressed())
	copy(m0.RedeemPubA[:], redeemPriv.PubKey().SerializeCompressed())

	return h, m0, nil
}

// ProcessM1 validates Bob's contribution, builds and countersigns TxCancel,
// and returns M2.
func (h *AliceHandshake) ProcessM1(ctx context.Context, m1 *swapwire.M1) (*swapwire.M2, error) {
	bImages, err := swapwire.DecodeDLEQImages(m1.SPubB, m1.SPubBEd)
	if err != nil {
		return nil, fmt.Errorf("handshake: decode B's images: %w", err)
	}
	bProof, err := swapwire.DecodeDLEQProof(m1.DleqProofB)
	if err != nil {
		return nil, fmt.Errorf("handshake: decode B's dleq proof: %w", err)
	}
	if !dleq.Verify(bProof, bImages) {
		return nil, fmt.Errorf("handshake: B's dleq proof does not verify")
	}

	swapPubB, err := btcec.ParsePubKey(m1.SwapPubB[:])
	if err != nil {
		return nil, fmt.Errorf("handshake: parse B's swap pubkey: %w", err)
	}
	refundPubB, err := btcec.ParsePubKey(m1.RefundPubB[:])
	if err != nil {
		return nil, fmt.Errorf("handshake: parse B's refund pubkey: %w", err)
	}

	var txLock btcwire.MsgTx
	if err := txLock.Deserialize(bytes.NewReader(m1.UnsignedTxLock)); err != nil {
		return nil, fmt.Errorf("handshake: deserialize TxLock: %w", err)
	}
	if len(txLock.TxOut) == 0 {
		return nil, fmt.Errorf("handshake: TxLock has no outputs")
	}

	_, wantLockOut, err := onchain.LockPkScript(
		h.swapPriv.PubKey(), swapPubB, h.params.CancelTimelock, int64(h.params.BtcAmount),
	)
	if err != nil {
		return nil, err
	}
	if txLock.TxOut[0].Value != wantLockOut.Value || !bytes.Equal(txLock.TxOut[0].PkScript, wantLockOut.PkScript) {
		return nil, fmt.Errorf("handshake: TxLock's lock output does not match the agreed script/amount")
	}

	h.swapPubB = swapPubB
	h.refundPubB = refundPubB
	h.bImages = bImages
	h.viewKeyHalfB = m1.ViewKeyHalfB
	h.txLock = &txLock
	h.lockRedeemScript = m1.LockRedeemScript

	feeRate, err := h.wallet.FeeRatePerKvB(ctx, 6)
	if err != nil {
		return nil, err
	}
	fee := estimateFee(feeRate)

	txCancel, cancelRedeemScript, err := onchain.BuildTxCancel(
		h.txLock, h.lockRedeemScript, h.params.CancelTimelock,
		h.swapPriv.PubKey(), h.swapPubB, h.punishPriv.PubKey(), h.params.PunishTimelock, fee,
	)
	if err != nil {
		return nil, fmt.Errorf("handshake: build TxCancel: %w", err)
	}
	h.txCancel = txCancel
	h.cancelRedeemScript = cancelRedeemScript
	h.fee = fee

	cancelHash, err := onchain.WitnessSigHash(txCancel, 0, h.lockRedeemScript, h.txLock.TxOut[0].Value)
	if err != nil {
		return nil, err
	}
	h.cancelSigA = onchain.SignDER(h.swapPriv, cancelHash)

	refundFee := estimateFee(feeRate)
	refundDest, err := onchain.P2WPKHScript(h.refundPubB, h.params.Net)
	if err != nil {
		return nil, err
	}
	txRefund, err := onchain.BuildTxRefund(h.txCancel, h.cancelRedeemScript, refundDest, refundFee)
	if err != nil {
		return nil, fmt.Errorf("handshake: build TxRefund: %w", err)
	}
	refundHash, err := onchain.WitnessSigHash(txRefund, 0, h.cancelRedeemScript, h.txCancel.TxOut[0].Value)
	if err != nil {
		return nil, err
	}
	encryptedRefundA, err := adaptor.EncSign(h.swapPriv, refundHash, h.bImages.Secp)
	if err != nil {
		return nil, fmt.Errorf("handshake: encrypt refund signature: %w", err)
	}
	h.encryptedRefundA = encryptedRefundA

	m2 := &swapwire.M2{
		CancelSigA:       h.cancelSigA,
		EncryptedRefundA: swapwire.EncodeEncryptedSignature(encryptedRefundA),
	}
	copy(m2.SwapID[:], h.swapID[:])
	return m2, nil
}

// ProcessM3 validates Bob's TxCancel signature and records TxLock's
// outpoint once B has broadcast it. B's encrypted redeem signature share
// arrives later, as a separate EncSig message, once B has verified A's
// shielded transfer (spec.md §4.5 step 5) — see ProcessEncSig.
func (h *AliceHandshake) ProcessM3(m3 *swapwire.M3) error {
	if h.txCancel == nil {
		return fmt.Errorf("handshake: ProcessM3 called before ProcessM1")
	}

	cancelHash, err := onchain.WitnessSigHash(h.txCancel, 0, h.lockRedeemScript, h.txLock.TxOut[0].Value)
	if err != nil {
		return err
	}
	if err := verifyDERSignature(m3.CancelSigB, cancelHash, h.swapPubB); err != nil {
		return fmt.Errorf("handshake: B's cancel signature: %w", err)
	}
	h.cancelSigB = m3.CancelSigB

	h.txLockOutpoint = btcwire.OutPoint{
		Hash:  chainhash.Hash(m3.TxLockTxID),
		Index: m3.TxLockVout,
	}
	return nil
}

// ProcessEncSig validates and stores B's encrypted TxRedeem signature
// share, received once B has verified A's shielded transfer. A can
// decrypt it immediately: B encrypted it under SPubA, A's own shielded
// spend-key image.
func (h *AliceHandshake) ProcessEncSig(ctx context.Context, encSig *swapwire.EncSig) error {
	if h.txLockOutpoint == (btcwire.OutPoint{}) {
		return fmt.Errorf("handshake: ProcessEncSig called before ProcessM3")
	}

	encryptedRedeemB, err := swapwire.DecodeEncryptedSignature(encSig.EncryptedRedeemB)
	if err != nil {
		return fmt.Errorf("handshake: decode B's encrypted redeem signature: %w", err)
	}

	redeemDest, err := onchain.P2WPKHScript(h.redeemPriv.PubKey(), h.params.Net)
	if err != nil {
		return err
	}
	// Rebuild TxRedeem with the exact fee B used, not a fresh estimate: a
	// different fee changes the sighash and invalidates EncryptedRedeemB.
	txRedeem, err := onchain.BuildTxRedeem(h.txLock, h.lockRedeemScript, redeemDest, encSig.RedeemFee)
	if err != nil {
		return err
	}
	redeemHash, err := onchain.WitnessSigHash(txRedeem, 0, h.lockRedeemScript, h.txLock.TxOut[0].Value)
	if err != nil {
		return err
	}
	y := h.shielded.scalar.SecpModNScalar()
	completed, err := adaptor.Decrypt(encryptedRedeemB, &y)
	if err != nil {
		return fmt.Errorf("handshake: decrypt B's redeem signature: %w", err)
	}
	if !completed.Verify(redeemHash, h.swapPubB) {
		return fmt.Errorf("handshake: B's encrypted redeem signature does not decrypt to a valid signature")
	}
	h.encryptedRedeemB = encryptedRedeemB
	h.completedRedeemB = completed
	h.txRedeem = txRedeem
	return nil
}

// BuildM4 wraps a shielded-chain transfer proof, the final handshake
// message, sent once A has broadcast her transfer to B's one-time address.
func (h *AliceHandshake) BuildM4(proof swapwire.TransferProof) *swapwire.M4 {
	m4 := &swapwire.M4{Proof: proof}
	copy(m4.SwapID[:], h.swapID[:])
	return m4
}

// ShieldedHalf returns A's own shielded spend-key scalar, never sent to B.
// A uses it to decrypt B's redeem share and, on the refund path, to
// assemble the full shielded spend key with s_b; B learns it only once it
// leaks via TxRedeem.
func (h *AliceHandshake) ShieldedHalf() dleq.Scalar { return h.shielded.scalar }

// EncryptedRedeemB returns B's encrypted redeem signature share. B
// encrypted it under SPubA, so A already decrypted and verified it during
// ProcessEncSig; this accessor exists so the caller can persist it
// alongside the rest of the handshake's output.
func (h *AliceHandshake) EncryptedRedeemB() *adaptor.Signature { return h.encryptedRedeemB }

// CompletedRedeemB returns B's redeem signature share already decrypted
// with A's own shielded half, ready to combine with A's regular signature
// into TxRedeem's witness.
func (h *AliceHandshake) CompletedRedeemB() *adaptor.CompletedSignature { return h.completedRedeemB }

// TxRedeem returns the exact TxRedeem built during ProcessEncSig, the one
// CompletedRedeemB was verified against. The caller must broadcast this
// transaction, not one rebuilt independently: a different fee or
// destination script would change its sighash and invalidate the decrypted
// signature.
func (h *AliceHandshake) TxRedeem() *btcwire.MsgTx { return h.txRedeem }

// EncryptedRefundA returns A's own encrypted TxRefund signature share,
// created in ProcessM1 and encrypted under B's shielded spend-key image. A
// cannot decrypt it herself; she keeps it so that if B later broadcasts
// TxRefund, she can run adaptor.Recover against the completed signature she
// observes on chain to learn s_b.
func (h *AliceHandshake) EncryptedRefundA() *adaptor.Signature { return h.encryptedRefundA }

// SwapPriv returns A's Bitcoin swap signing key.
func (h *AliceHandshake) SwapPriv() *btcec.PrivateKey { return h.swapPriv }

// PunishPriv returns A's single-purpose punish signing key.
func (h *AliceHandshake) PunishPriv() *btcec.PrivateKey { return h.punishPriv }

// RedeemPriv returns A's single-purpose TxRedeem destination key, the one
// ProcessEncSig builds TxRedeem's output script against.
func (h *AliceHandshake) RedeemPriv() *btcec.PrivateKey { return h.redeemPriv }

// Fee returns the fee, in satoshis, TxCancel was built with. Callers
// rebuilding TxCancel from an Obligation later (package cancel) must pass
// this exact value back, or the rebuilt transaction won't match the
// signatures already exchanged over it.
func (h *AliceHandshake) Fee() int64 { return h.fee }

// BImages returns B's shielded spend-key images, needed together with A's
// own to derive the swap's combined shielded-chain address.
func (h *AliceHandshake) BImages() dleq.Images { return h.bImages }

// ViewKeyHalfB returns B's shielded view-key half, received in M1.
func (h *AliceHandshake) ViewKeyHalfB() [32]byte { return h.viewKeyHalfB }

// ViewKeyHalfA returns A's own shielded view-key half.
func (h *AliceHandshake) ViewKeyHalfA() [32]byte { return h.viewKeyHalfA }

// SwapPubB returns B's Bitcoin swap signing pubkey, needed to verify
// signatures and recover adaptor secrets from transactions B completes.
func (h *AliceHandshake) SwapPubB() *btcec.PublicKey { return h.swapPubB }

// SwapID returns the swap identifier A generated for M0.
func (h *AliceHandshake) SwapID() uuid.UUID { return h.swapID }

// Params returns the swap parameters A proposed in M0.
func (h *AliceHandshake) Params() Params { return h.params }

// CombinedShieldedAddress returns the swap's shared shielded-chain address,
// derived from A's own shielded half and B's, learned from M1.
func (h *AliceHandshake) CombinedShieldedAddress() (shld.SpendPublicKey, shld.ViewPublicKey) {
	return CombinedShieldedAddress(h.shielded.images, h.bImages, h.viewKeyHalfA, h.viewKeyHalfB)
}

// TxLock, TxCancel and their redeem scripts, needed by the caller to
// broadcast/spend them later.
func (h *AliceHandshake) TxLock() *btcwire.MsgTx           { return h.txLock }
func (h *AliceHandshake) TxCancel() *btcwire.MsgTx         { return h.txCancel }
func (h *AliceHandshake) LockRedeemScript() []byte         { return h.lockRedeemScript }
func (h *AliceHandshake) CancelRedeemScript() []byte       { return h.cancelRedeemScript }
func (h *AliceHandshake) CancelSigB() []byte               { return h.cancelSigB }
func (h *AliceHandshake) TxLockOutpoint() btcwire.OutPoint { return h.txLockOutpoint }

// BobHandshake runs the B side: the party who receives A's proposal, locks
// BTC, and ultimately refunds via a signature he decrypts himself.
type BobHandshake struct {
	swapID uuid.UUID
	wallet chainclient.BtcWallet
	net    *chaincfg.Params

	params Params

	shielded shieldedHalf

	swapPriv   *btcec.PrivateKey
	refundPriv *btcec.PrivateKey

	viewKeyHalfB [32]byte

	swapPubA     *btcec.PublicKey
	punishPubA   *btcec.PublicKey
	redeemPubA   *btcec.PublicKey
	aImages      dleq.Images
	viewKeyHalfA [32]byte

	txLock           *btcwire.MsgTx
	lockRedeemScript []byte

	txCancel           *btcwire.MsgTx
	cancelRedeemScript []byte
	cancelSigB         []byte
	encryptedRedeemB   *adaptor.Signature
	fee                int64

	fundingUtxos []chainclient.Utxo

	cancelSigA       []byte
	encryptedRefundA *adaptor.Signature
	completedRefundA *adaptor.CompletedSignature
	txRefund         *btcwire.MsgTx

	txRedeem *btcwire.MsgTx
}

// NewBobHandshake prepares to receive A's proposal.
func NewBobHandshake(wallet chainclient.BtcWallet, net *chaincfg.Params) *BobHandshake {
	return &BobHandshake{wallet: wallet, net: net}
}

// ProcessM0 validates A's proposal, builds B's own shielded-key half and
// Bitcoin keys, constructs the unsigned TxLock, and returns M1. ctx governs
// the wallet calls used to fund TxLock.
func (h *BobHandshake) ProcessM0(ctx context.Context, m0 *swapwire.M0) (*swapwire.M1, error) {
	aImages, err := swapwire.DecodeDLEQImages(m0.SPubA, m0.SPubAEd)
	if err != nil {
		return nil, fmt.Errorf("handshake: decode A's images: %w", err)
	}
	aProof, err := swapwire.DecodeDLEQProof(m0.DleqProofA)
	if err != nil {
		return nil, fmt.Errorf("handshake: decode A's dleq proof: %w", err)
	}
	if !dleq.Verify(aProof, aImages) {
		return nil, fmt.Errorf("handshake: A's dleq proof does not verify")
	}

	swapPubA, err := btcec.ParsePubKey(m0.SwapPubA[:])
	if err != nil {
		return nil, fmt.Errorf("handshake: parse A's swap pubkey: %w", err)
	}
	punishPubA, err := btcec.ParsePubKey(m0.PunishPubA[:])
	if err != nil {
		return nil, fmt.Errorf("handshake: parse A's punish pubkey: %w", err)
	}
	redeemPubA, err := btcec.ParsePubKey(m0.RedeemPubA[:])
	if err != nil {
		return nil, fmt.Errorf("handshake: parse A's redeem pubkey: %w", err)
	}

	shielded, err := newShieldedHalf()
	if err != nil {
		return nil, err
	}
	swapPriv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	refundPriv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	viewKeyHalfB, err := randomViewKeyHalf()
	if err != nil {
		return nil, err
	}

	h.swapID = uuid.UUID(m0.SwapID)
	h.params = Params{
		BtcAmount:            btcutil.Amount(m0.BtcAmount),
		ShldAmount:           m0.ShldAmount,
		CancelTimelock:       m0.CancelTimelock,
		PunishTimelock:       m0.PunishTimelock,
		MinShldConfirmations: m0.MinShldConfirmations,
		Net:                  h.net,
	}
	h.shielded = shielded
	h.swapPriv = swapPriv
	h.refundPriv = refundPriv
	h.viewKeyHalfB = viewKeyHalfB
	h.swapPubA = swapPubA
	h.punishPubA = punishPubA
	h.redeemPubA = redeemPubA
	h.aImages = aImages
	h.viewKeyHalfA = m0.ViewKeyHalfA

	utxos, err := h.wallet.FundingUtxos(ctx, btcutil.Amount(m0.BtcAmount)+1000)
	if err != nil {
		return nil, fmt.Errorf("handshake: fund TxLock: %w", err)
	}
	changeScript, err := h.wallet.ChangeScript(ctx)
	if err != nil {
		return nil, err
	}

	var inputs []btcwire.TxIn
	var total btcutil.Amount
	for _, u := range utxos {
		inputs = append(inputs, *btcwire.NewTxIn(&u.OutPoint, nil, nil))
		total += u.Value
	}
	changeValue := int64(total - btcutil.Amount(m0.BtcAmount) - 1000)

	txLock, lockRedeemScript, err := onchain.BuildTxLock(onchain.LockParams{
		Inputs:         inputs,
		ChangeScript:   changeScript,
		ChangeValue:    changeValue,
		APub:           swapPubA,
		BPub:           swapPriv.PubKey(),
		CancelTimelock: m0.CancelTimelock,
		LockAmount:     int64(m0.BtcAmount),
	})
	if err != nil {
		return nil, fmt.Errorf("handshake: build TxLock: %w", err)
	}
	h.txLock = txLock
	h.lockRedeemScript = lockRedeemScript
	h.fundingUtxos = utxos

	var buf bytes.Buffer
	if err := txLock.Serialize(&buf); err != nil {
		return nil, err
	}

	m1 := &swapwire.M1{
		DleqProofB:       swapwire.EncodeDLEQProof(shielded.proof, shielded.images),
		ViewKeyHalfB:     viewKeyHalfB,
		UnsignedTxLock:   buf.Bytes(),
		LockRedeemScript: lockRedeemScript,
	}
	copy(m1.SwapID[:], h.swapID[:])
	copy(m1.SPubB[:], shielded.images.Secp.SerializeCompressed())
	copy(m1.SPubBEd[:], shielded.images.Ed.Bytes())
	copy(m1.RefundPubB[:], refundPriv.PubKey().SerializeCompressed())
	copy(m1.SwapPubB[:], swapPriv.PubKey().SerializeCompressed())

	return m1, nil
}

// ProcessM2 validates A's TxCancel signature and her encrypted refund
// share, then builds B's own TxCancel signature. B's encrypted redeem
// share is built later, by EncryptRedeemShare. Per invariant I2 (spec.md §4.2), the caller must not broadcast
// TxLock until this returns successfully.
func (h *BobHandshake) ProcessM2(ctx context.Context, m2 *swapwire.M2) (*swapwire.M3, error) {
	if h.txLock == nil {
		return nil, fmt.Errorf("handshake: ProcessM2 called before ProcessM0")
	}

	feeRate, err := h.wallet.FeeRatePerKvB(ctx, 6)
	if err != nil {
		return nil, err
	}
	fee := estimateFee(feeRate)

	txCancel, cancelRedeemScript, err := onchain.BuildTxCancel(
		h.txLock, h.lockRedeemScript, h.params.CancelTimelock,
		h.swapPubA, h.swapPriv.PubKey(), h.punishPubA, h.params.PunishTimelock, fee,
	)
	if err != nil {
		return nil, fmt.Errorf("handshake: build TxCancel: %w", err)
	}
	h.txCancel = txCancel
	h.cancelRedeemScript = cancelRedeemScript
	h.fee = fee

	cancelHash, err := onchain.WitnessSigHash(txCancel, 0, h.lockRedeemScript, h.txLock.TxOut[0].Value)
	if err != nil {
		return nil, err
	}
	if err := verifyDERSignature(m2.CancelSigA, cancelHash, h.swapPubA); err != nil {
		return nil, fmt.Errorf("handshake: A's cancel signature: %w", err)
	}
	h.cancelSigA = m2.CancelSigA

	encryptedRefundA, err := swapwire.DecodeEncryptedSignature(m2.EncryptedRefundA)
	if err != nil {
		return nil, fmt.Errorf("handshake: decode A's encrypted refund signature: %w", err)
	}
	h.encryptedRefundA = encryptedRefundA

	refundDest, err := onchain.P2WPKHScript(h.refundPriv.PubKey(), h.net)
	if err != nil {
		return nil, err
	}
	txRefund, err := onchain.BuildTxRefund(txCancel, cancelRedeemScript, refundDest, fee)
	if err != nil {
		return nil, err
	}
	refundHash, err := onchain.WitnessSigHash(txRefund, 0, cancelRedeemScript, txCancel.TxOut[0].Value)
	if err != nil {
		return nil, err
	}
	// B can decrypt immediately: A encrypted this share under SPubB, B's
	// own shielded spend-key image.
	y := h.shielded.scalar.SecpModNScalar()
	completedRefund, err := adaptor.Decrypt(encryptedRefundA, &y)
	if err != nil {
		return nil, fmt.Errorf("handshake: decrypt A's refund signature: %w", err)
	}
	if !completedRefund.Verify(refundHash, h.swapPubA) {
		return nil, fmt.Errorf("handshake: A's encrypted refund signature does not decrypt to a valid signature")
	}
	h.completedRefundA = completedRefund
	h.txRefund = txRefund

	cancelSigB := onchain.SignDER(h.swapPriv, cancelHash)
	h.cancelSigB = cancelSigB

	lockTxid := h.txLock.TxHash()
	m3 := &swapwire.M3{
		CancelSigB: cancelSigB,
		TxLockVout: 0,
	}
	copy(m3.SwapID[:], h.swapID[:])
	copy(m3.TxLockTxID[:], lockTxid[:])
	return m3, nil
}

// ProcessM4 records A's shielded transfer proof.
func (h *BobHandshake) ProcessM4(m4 *swapwire.M4) swapwire.TransferProof {
	return m4.Proof
}

// EncryptRedeemShare builds TxRedeem and returns B's encrypted redeem
// signature share, encrypted under A's shielded spend-key image so only
// decrypting it with s_a produces a valid signature. The caller must not
// call this until B has independently verified A's shielded transfer
// (spec.md §4.5 step 5, ShldLocked → EncSigSent): this is the one
// capability that lets A take B's BTC, so B must withhold it until he has
// been paid.
func (h *BobHandshake) EncryptRedeemShare(ctx context.Context) (*swapwire.EncSig, error) {
	if h.txLock == nil {
		return nil, fmt.Errorf("handshake: EncryptRedeemShare called before ProcessM0")
	}

	redeemDest, err := onchain.P2WPKHScript(h.redeemPubA, h.net)
	if err != nil {
		return nil, err
	}
	feeRate, err := h.wallet.FeeRatePerKvB(ctx, 6)
	if err != nil {
		return nil, err
	}
	redeemFee := estimateFee(feeRate)
	txRedeem, err := onchain.BuildTxRedeem(h.txLock, h.lockRedeemScript, redeemDest, redeemFee)
	if err != nil {
		return nil, err
	}
	redeemHash, err := onchain.WitnessSigHash(txRedeem, 0, h.lockRedeemScript, h.txLock.TxOut[0].Value)
	if err != nil {
		return nil, err
	}
	encryptedRedeemB, err := adaptor.EncSign(h.swapPriv, redeemHash, h.aImages.Secp)
	if err != nil {
		return nil, fmt.Errorf("handshake: encrypt redeem signature: %w", err)
	}
	h.encryptedRedeemB = encryptedRedeemB
	h.txRedeem = txRedeem

	// RedeemFee travels with the message so A rebuilds byte-identical
	// TxRedeem instead of estimating her own fee: a mismatch would change
	// the sighash and make this signature undecryptable-to-valid for her.
	encSig := &swapwire.EncSig{
		EncryptedRedeemB: swapwire.EncodeEncryptedSignature(encryptedRedeemB),
		RedeemFee:        redeemFee,
	}
	copy(encSig.SwapID[:], h.swapID[:])
	return encSig, nil
}

// ShieldedHalf returns B's shielded spend-key scalar.
func (h *BobHandshake) ShieldedHalf() dleq.Scalar { return h.shielded.scalar }

// EncryptedRedeemB returns B's own encrypted TxRedeem signature share,
// created in EncryptRedeemShare and encrypted under A's shielded spend-key
// image. B cannot decrypt it himself; once A broadcasts TxRedeem, B runs
// adaptor.Recover against the completed signature in its witness to learn
// s_a.
func (h *BobHandshake) EncryptedRedeemB() *adaptor.Signature { return h.encryptedRedeemB }

// TxRedeem returns the exact TxRedeem B built in EncryptRedeemShare, the
// one his encrypted signature share is valid against.
func (h *BobHandshake) TxRedeem() *btcwire.MsgTx { return h.txRedeem }

// EncryptedRefundA returns A's encrypted refund signature share, ready for
// Decrypt with B's own shielded half once B wants to refund.
func (h *BobHandshake) EncryptedRefundA() *adaptor.Signature { return h.encryptedRefundA }

// CompletedRefundA returns A's refund signature share already decrypted
// with B's own shielded half, ready to combine with B's regular signature
// into TxRefund's witness.
func (h *BobHandshake) CompletedRefundA() *adaptor.CompletedSignature { return h.completedRefundA }

// TxRefund returns the exact TxRefund built during ProcessM2, the one
// CompletedRefundA was verified against. The caller must broadcast this
// transaction, not one rebuilt independently, for the same reason
// AliceHandshake.TxRedeem documents.
func (h *BobHandshake) TxRefund() *btcwire.MsgTx { return h.txRefund }

func (h *BobHandshake) SwapPriv() *btcec.PrivateKey   { return h.swapPriv }
func (h *BobHandshake) RefundPriv() *btcec.PrivateKey { return h.refundPriv }
func (h *BobHandshake) TxLock() *btcwire.MsgTx        { return h.txLock }
func (h *BobHandshake) TxCancel() *btcwire.MsgTx      { return h.txCancel }
func (h *BobHandshake) LockRedeemScript() []byte      { return h.lockRedeemScript }
func (h *BobHandshake) CancelRedeemScript() []byte    { return h.cancelRedeemScript }
func (h *BobHandshake) CancelSigA() []byte            { return h.cancelSigA }

// Fee returns the fee, in satoshis, TxCancel was built with; see
// AliceHandshake.Fee.
func (h *BobHandshake) Fee() int64 { return h.fee }

// FundingUtxos returns the wallet outputs TxLock's unsigned funding inputs
// spend, in the same order, so the caller can sign each one before
// broadcasting.
func (h *BobHandshake) FundingUtxos() []chainclient.Utxo { return h.fundingUtxos }

// AImages returns A's shielded spend-key images.
func (h *BobHandshake) AImages() dleq.Images { return h.aImages }

// PunishPubA returns A's single-purpose punish pubkey, learned from M0.
func (h *BobHandshake) PunishPubA() *btcec.PublicKey { return h.punishPubA }

// RedeemPubA returns A's single-purpose TxRedeem destination pubkey,
// learned from M0, the one EncryptRedeemShare builds TxRedeem's output
// script against.
func (h *BobHandshake) RedeemPubA() *btcec.PublicKey { return h.redeemPubA }

// ViewKeyHalfA returns A's shielded view-key half, received in M0.
func (h *BobHandshake) ViewKeyHalfA() [32]byte { return h.viewKeyHalfA }

// ViewKeyHalfB returns B's own shielded view-key half.
func (h *BobHandshake) ViewKeyHalfB() [32]byte { return h.viewKeyHalfB }

// SwapPubA returns A's Bitcoin swap signing pubkey.
func (h *BobHandshake) SwapPubA() *btcec.PublicKey { return h.swapPubA }

// SwapID returns the swap identifier carried in M0.
func (h *BobHandshake) SwapID() uuid.UUID { return h.swapID }

// Params returns the negotiated swap parameters learned from M0.
func (h *BobHandshake) Params() Params { return h.params }

// CombinedShieldedAddress returns the swap's shared shielded-chain address,
// derived from B's own shielded half and A's, learned from M0.
func (h *BobHandshake) CombinedShieldedAddress() (shld.SpendPublicKey, shld.ViewPublicKey) {
	return CombinedShieldedAddress(h.aImages, h.shielded.images, h.viewKeyHalfA, h.viewKeyHalfB)
}

// verifyDERSignature checks a DER-plus-sighash-type witness signature
// against hash under pub.
func verifyDERSignature(sig []byte, hash [32]byte, pub *btcec.PublicKey) error {
	parsed, err := onchain.ExtractWitnessSignature(sig)
	if err != nil {
		return err
	}
	if !parsed.Verify(hash[:], pub) {
		return fmt.Errorf("signature does not verify")
	}
	return nil
}

