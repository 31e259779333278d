// Package bob drives a swap through role B's state machine once the
// initial handshake (package handshake) has completed: funding and
// broadcasting TxLock, waiting for A's shielded payment to confirm,
// handing over the encrypted redeem share, recovering A's shielded scalar
// from her completed TxRedeem, and, if the happy path stalls, cancelling
// and refunding (spec.md §4.5, component C7).
//
// Like package alice, Driver's shape is grounded on contractcourt's
// htlcTimeoutResolver: a persisted, step-gated Resolve loop driven purely
// off an encoded State, resumable after a restart without any reference
// to the *handshake.BobHandshake that produced it.
package bob

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"filippo.io/edwards25519"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	btcwire "github.com/btcsuite/btcd/wire"
	secp256k1 "github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/shieldswap/swapd/adaptor"
	"github.com/shieldswap/swapd/cancel"
	"github.com/shieldswap/swapd/chainclient"
	"github.com/shieldswap/swapd/dleq"
	"github.com/shieldswap/swapd/epoch"
	"github.com/shieldswap/swapd/handshake"
	"github.com/shieldswap/swapd/onchain"
	"github.com/shieldswap/swapd/shld"
	"github.com/shieldswap/swapd/swapdb"
	swapwire "github.com/shieldswap/swapd/wire"
)

// Status is a position in role B's state machine (spec.md §4.5).
type Status int

const (
	StatusStarted Status = iota
	StatusBtcLocked
	StatusShldLockProofReceived
	StatusShldLocked
	StatusEncSigSent
	StatusBtcRedeemed
	StatusShldRedeemed
	StatusCancelTimelockExpired
	StatusBtcCancelled
	StatusBtcRefunded
)

func (s Status) String() string {
	switch s {
	case StatusStarted:
		return "Started"
	case StatusBtcLocked:
		return "BtcLocked"
	case StatusShldLockProofReceived:
		return "ShldLockProofReceived"
	case StatusShldLocked:
		return "ShldLocked"
	case StatusEncSigSent:
		return "EncSigSent"
	case StatusBtcRedeemed:
		return "BtcRedeemed"
	case StatusShldRedeemed:
		return "ShldRedeemed"
	case StatusCancelTimelockExpired:
		return "CancelTimelockExpired"
	case StatusBtcCancelled:
		return "BtcCancelled"
	case StatusBtcRefunded:
		return "BtcRefunded"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// IsFinal reports whether s is one of the state machine's terminal states.
func (s Status) IsFinal() bool {
	switch s {
	case StatusShldRedeemed, StatusBtcRefunded:
		return true
	default:
		return false
	}
}

// sigBytes is a durable (R, S) pair, the serialized form of an
// *adaptor.Signature or *adaptor.CompletedSignature.
type sigBytes struct {
	R [32]byte `cbor:"1,keyasint"`
	S [32]byte `cbor:"2,keyasint"`
}

func encodeSig(r, s *secp256k1.ModNScalar) sigBytes {
	var out sigBytes
	out.R = r.Bytes()
	out.S = s.Bytes()
	return out
}

func (b sigBytes) scalars() (r, s secp256k1.ModNScalar) {
	r.SetBytes(&b.R)
	s.SetBytes(&b.S)
	return r, s
}

func (b sigBytes) signature() *adaptor.Signature {
	r, s := b.scalars()
	return &adaptor.Signature{R: &r, S: &s}
}

func (b sigBytes) completed() *adaptor.CompletedSignature {
	r, s := b.scalars()
	return adaptor.NewCompletedSignature(&r, &s)
}

// utxoBytes is the durable form of a chainclient.Utxo, needed only until
// TxLock's funding inputs are signed and broadcast.
type utxoBytes struct {
	OutPoint btcwire.OutPoint `cbor:"1,keyasint"`
	Value    int64            `cbor:"2,keyasint"`
	PkScript []byte           `cbor:"3,keyasint"`
}

func encodeUtxos(utxos []chainclient.Utxo) []utxoBytes {
	out := make([]utxoBytes, len(utxos))
	for i, u := range utxos {
		out[i] = utxoBytes{OutPoint: u.OutPoint, Value: int64(u.Value), PkScript: u.PkScript}
	}
	return out
}

func decodeUtxos(in []utxoBytes) []chainclient.Utxo {
	out := make([]chainclient.Utxo, len(in))
	for i, u := range in {
		out[i] = chainclient.Utxo{OutPoint: u.OutPoint, Value: btcutil.Amount(u.Value), PkScript: u.PkScript}
	}
	return out
}

// State is the durable, restart-safe snapshot of one swap's role-B driver.
// It holds no reference to a *handshake.BobHandshake: once the handshake
// completes, State carries everything the driver needs to resume
// independently, the same separation package alice draws for role A.
type State struct {
	SwapID uuid.UUID `cbor:"1,keyasint"`
	Status Status    `cbor:"2,keyasint"`

	BtcAmount            uint64 `cbor:"3,keyasint"`
	ShldAmount           uint64 `cbor:"4,keyasint"`
	CancelTimelock       uint32 `cbor:"5,keyasint"`
	PunishTimelock       uint32 `cbor:"6,keyasint"`
	MinShldConfirmations uint32 `cbor:"7,keyasint"`
	NetName              string `cbor:"8,keyasint"`

	SwapPriv   [32]byte `cbor:"9,keyasint"`
	RefundPriv [32]byte `cbor:"10,keyasint"`
	SwapPubA   [33]byte `cbor:"11,keyasint"`
	PunishPubA [33]byte `cbor:"12,keyasint"`
	RedeemPubA [33]byte `cbor:"13,keyasint"`

	LockRedeemScript   []byte           `cbor:"14,keyasint"`
	CancelRedeemScript []byte           `cbor:"15,keyasint"`
	TxLock             []byte           `cbor:"16,keyasint"`
	TxCancel           []byte           `cbor:"17,keyasint"`
	TxRefund           []byte           `cbor:"18,keyasint"`
	// CancelSigA is A's signature over TxCancel, the counterparty share Bob
	// reuses verbatim. Bob's own half is recomputed on demand in
	// obligation() rather than stored, since Bob always holds swapPriv.
	CancelSigA       []byte   `cbor:"19,keyasint"`
	CompletedRefundA sigBytes `cbor:"21,keyasint"`
	FundingUtxos       []utxoBytes      `cbor:"22,keyasint"`

	AImageSecp     [33]byte `cbor:"23,keyasint"`
	AImageEd       [32]byte `cbor:"24,keyasint"`
	ShieldedScalar [32]byte `cbor:"25,keyasint"`
	ViewKeyHalfA   [32]byte `cbor:"26,keyasint"`
	ViewKeyHalfB   [32]byte `cbor:"27,keyasint"`

	// Populated once EncryptRedeemShare's equivalent runs.
	EncryptedRedeemB sigBytes `cbor:"28,keyasint"`

	// Populated once A's shielded transfer proof (M4) arrives.
	TransferTxHash string   `cbor:"29,keyasint"`
	TransferTxKey  [32]byte `cbor:"30,keyasint"`

	LastEpoch epoch.Epoch `cbor:"31,keyasint"`

	// Populated once B recovers s_a from an observed TxRedeem.
	RecoveredSA      [32]byte `cbor:"32,keyasint"`
	RecoveredSAKnown bool     `cbor:"33,keyasint"`

	Fee int64 `cbor:"34,keyasint"`

	// RedeemFee is the fee B used to build TxRedeem in sendEncSig, sent to
	// A alongside EncryptedRedeemB so she rebuilds the identical
	// transaction rather than estimating her own fee.
	RedeemFee int64 `cbor:"35,keyasint"`
}

// Encode serializes s as the opaque blob swapdb.Store persists.
func (s State) Encode() ([]byte, error) {
	return cbor.Marshal(s)
}

// Decode parses a blob previously produced by Encode.
func Decode(b []byte) (State, error) {
	var s State
	if err := cbor.Unmarshal(b, &s); err != nil {
		return State{}, fmt.Errorf("bob: decode state: %w", err)
	}
	return s, nil
}

// Transport is the messaging capability Driver needs from the swap's
// session with A, beyond what package handshake already consumed to reach
// M3: waiting for A's shielded transfer proof and handing over B's
// encrypted redeem share. A concrete implementation lives in package p2p.
type Transport interface {
	ReceiveM4(ctx context.Context) (*swapwire.M4, error)
	SendEncSig(ctx context.Context, encSig *swapwire.EncSig) error
}

// Driver runs one swap's role-B state machine to completion or to a
// terminal cancellation outcome.
type Driver struct {
	wallet     chainclient.BtcWallet
	shldWallet shld.Wallet
	store      swapdb.Store
	transport  Transport

	state State

	pollInterval time.Duration
}

// NewDriver seeds a fresh Driver from a completed handshake, the point
// spec.md §4.1 hands off into §4.5's state machine. TxLock has not been
// broadcast yet; Run's first step signs its funding inputs and does so.
func NewDriver(h *handshake.BobHandshake, wallet chainclient.BtcWallet, shldWallet shld.Wallet,
	store swapdb.Store, transport Transport) (*Driver, error) {

	txLock, err := serializeTx(h.TxLock())
	if err != nil {
		return nil, err
	}
	txCancel, err := serializeTx(h.TxCancel())
	if err != nil {
		return nil, err
	}
	txRefund, err := serializeTx(h.TxRefund())
	if err != nil {
		return nil, err
	}

	params := h.Params()
	completedRefundA := h.CompletedRefundA()

	state := State{
		SwapID:               h.SwapID(),
		Status:                StatusStarted,
		BtcAmount:             uint64(params.BtcAmount),
		ShldAmount:            params.ShldAmount,
		CancelTimelock:        params.CancelTimelock,
		PunishTimelock:        params.PunishTimelock,
		MinShldConfirmations:  params.MinShldConfirmations,
		NetName:               params.Net.Name,
		SwapPriv:              privBytes(h.SwapPriv()),
		RefundPriv:            privBytes(h.RefundPriv()),
		SwapPubA:              pubBytes(h.SwapPubA()),
		PunishPubA:            pubBytes(h.PunishPubA()),
		RedeemPubA:            pubBytes(h.RedeemPubA()),
		LockRedeemScript:      h.LockRedeemScript(),
		CancelRedeemScript:    h.CancelRedeemScript(),
		TxLock:                txLock,
		TxCancel:              txCancel,
		TxRefund:              txRefund,
		CancelSigA:            h.CancelSigA(),
		CompletedRefundA:      encodeSig(completedRefundA.R, completedRefundA.S),
		FundingUtxos:          encodeUtxos(h.FundingUtxos()),
		AImageSecp:            pubBytes(h.AImages().Secp),
		AImageEd:              edBytes(h.AImages().Ed),
		ShieldedScalar:        h.ShieldedHalf().Bytes32(),
		ViewKeyHalfA:          h.ViewKeyHalfA(),
		ViewKeyHalfB:          h.ViewKeyHalfB(),
		LastEpoch:             epoch.None,
		Fee:                   h.Fee(),
	}

	return &Driver{
		wallet:       wallet,
		shldWallet:   shldWallet,
		store:        store,
		transport:    transport,
		state:        state,
		pollInterval: 2 * time.Second,
	}, nil
}

// Resume rebuilds a Driver from a previously persisted State, the path
// taken after a restart: no handshake object is involved at all.
func Resume(state State, wallet chainclient.BtcWallet, shldWallet shld.Wallet,
	store swapdb.Store, transport Transport) *Driver {

	return &Driver{
		wallet:       wallet,
		shldWallet:   shldWallet,
		store:        store,
		transport:    transport,
		state:        state,
		pollInterval: 2 * time.Second,
	}
}

// State returns the driver's current snapshot.
func (d *Driver) State() State { return d.state }

// SetPollInterval overrides the interval Run waits between polls of
// on-chain state, letting tests and harnesses that mine blocks instantly
// avoid waiting out the production default.
func (d *Driver) SetPollInterval(interval time.Duration) { d.pollInterval = interval }

func (d *Driver) checkpoint(ctx context.Context) error {
	blob, err := d.state.Encode()
	if err != nil {
		return err
	}
	return d.store.InsertLatestState(ctx, d.state.SwapID, blob)
}

func (d *Driver) setStatus(ctx context.Context, status Status) error {
	d.state.Status = status
	return d.checkpoint(ctx)
}

func privBytes(p *btcec.PrivateKey) [32]byte {
	var out [32]byte
	copy(out[:], p.Serialize())
	return out
}

func pubBytes(p *secp256k1.PublicKey) [33]byte {
	var out [33]byte
	copy(out[:], p.SerializeCompressed())
	return out
}

func edBytes(p *edwards25519.Point) [32]byte {
	var out [32]byte
	copy(out[:], p.Bytes())
	return out
}

func parseEdPoint(b []byte) (*edwards25519.Point, error) {
	return edwards25519.NewIdentityPoint().SetBytes(b)
}

func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func serializeTx(tx *btcwire.MsgTx) ([]byte, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("bob: serialize tx: %w", err)
	}
	return buf.Bytes(), nil
}

func deserializeTx(b []byte) (*btcwire.MsgTx, error) {
	tx := btcwire.NewMsgTx(btcwire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("bob: deserialize tx: %w", err)
	}
	return tx, nil
}

// Run drives the state machine until it reaches a terminal status or ctx is
// cancelled. It is safe to call again after a transient error: Run always
// resumes from whatever State last checkpointed.
func (d *Driver) Run(ctx context.Context) error {
	if err := d.checkpoint(ctx); err != nil {
		return err
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.state.Status.IsFinal() {
			return nil
		}

		advanced, err := d.maybeEnterCancelBranch(ctx)
		if err != nil {
			return err
		}
		if advanced {
			continue
		}

		if isCancelBranchStatus(d.state.Status) {
			if err := d.stepCancelBranch(ctx); err != nil {
				return err
			}
			continue
		}

		switch d.state.Status {
		case StatusStarted:
			err = d.lockBtc(ctx)
		case StatusBtcLocked:
			err = d.awaitTransferProof(ctx)
		case StatusShldLockProofReceived:
			err = d.verifyShldLocked(ctx)
		case StatusShldLocked:
			err = d.sendEncSig(ctx)
		case StatusEncSigSent:
			err = d.awaitBtcRedeemed(ctx)
		case StatusBtcRedeemed:
			err = d.redeemShielded(ctx)
		default:
			return fmt.Errorf("bob: unhandled status %v", d.state.Status)
		}
		if err != nil {
			return err
		}
	}
}

func isCancelBranchStatus(s Status) bool {
	switch s {
	case StatusCancelTimelockExpired, StatusBtcCancelled, StatusBtcRefunded:
		return true
	default:
		return false
	}
}

// maybeEnterCancelBranch implements spec.md §4.4's "continuously armed"
// rule for role B: from BtcLocked onward, whenever the lock's epoch leaves
// None, B abandons the happy path and moves onto refunding his own BTC,
// even if he was about to hand over his encrypted redeem share. It does
// nothing once already on that branch or once the shielded funds have
// been claimed.
func (d *Driver) maybeEnterCancelBranch(ctx context.Context) (bool, error) {
	switch d.state.Status {
	case StatusStarted, StatusShldRedeemed:
		return false, nil
	}
	if isCancelBranchStatus(d.state.Status) {
		return false, nil
	}

	lockTx, err := deserializeTx(d.state.TxLock)
	if err != nil {
		return false, err
	}
	current, err := epoch.CurrentEpoch(ctx, d.wallet, lockTx.TxHash(), d.state.CancelTimelock, d.state.PunishTimelock)
	if err != nil {
		return false, err
	}
	d.state.LastEpoch = current
	if current == epoch.None {
		return false, nil
	}

	return true, d.setStatus(ctx, StatusCancelTimelockExpired)
}

func (d *Driver) obligation() cancel.Obligation {
	lockTx, _ := deserializeTx(d.state.TxLock)
	cancelTx, _ := deserializeTx(d.state.TxCancel)
	swapPubA, _ := btcec.ParsePubKey(d.state.SwapPubA[:])
	punishPubA, _ := btcec.ParsePubKey(d.state.PunishPubA[:])
	swapPriv := btcec.PrivKeyFromBytes(d.state.SwapPriv[:])

	return cancel.Obligation{
		SwapID:           d.state.SwapID,
		LockTxid:         lockTx.TxHash(),
		LockRedeemScript: d.state.LockRedeemScript,
		CancelTimelock:   d.state.CancelTimelock,
		APub:             swapPubA,
		BPub:             swapPriv.PubKey(),
		CancelSigA:       d.state.CancelSigA,
		CancelSigB:       onchain.SignDER(swapPriv, mustSigHash(cancelTx, d.state.LockRedeemScript, lockTx.TxOut[0].Value)),
		PunishPub:        punishPubA,
		PunishTimelock:   d.state.PunishTimelock,
		Fee:              d.state.Fee,
	}
}

func mustSigHash(tx *btcwire.MsgTx, redeemScript []byte, inputValue int64) [32]byte {
	h, err := onchain.WitnessSigHash(tx, 0, redeemScript, inputValue)
	if err != nil {
		panic("bob: sighash of our own deserialized tx: " + err.Error())
	}
	return h
}

// lockBtc signs TxLock's wallet-owned funding inputs and broadcasts it,
// the step only B performs since he is the one funding the swap's BTC leg.
func (d *Driver) lockBtc(ctx context.Context) error {
	txLock, err := deserializeTx(d.state.TxLock)
	if err != nil {
		return err
	}

	utxos := decodeUtxos(d.state.FundingUtxos)
	for i, u := range utxos {
		if err := d.wallet.SignFundingInput(ctx, txLock, i, u); err != nil {
			return fmt.Errorf("bob: sign funding input %d: %w", i, err)
		}
	}

	if err := d.wallet.Broadcast(ctx, txLock); err != nil {
		return fmt.Errorf("bob: broadcast TxLock: %w", err)
	}

	for {
		if _, err := d.wallet.WaitForConfirmation(ctx, txLock.TxHash(), 1); err == nil {
			break
		}
		if err := sleep(ctx, d.pollInterval); err != nil {
			return err
		}
	}

	return d.setStatus(ctx, StatusBtcLocked)
}

// awaitTransferProof blocks for A's shielded transfer proof (M4).
func (d *Driver) awaitTransferProof(ctx context.Context) error {
	m4, err := d.transport.ReceiveM4(ctx)
	if err != nil {
		return fmt.Errorf("bob: receive M4: %w", err)
	}

	d.state.TransferTxHash = m4.Proof.TxID
	d.state.TransferTxKey = m4.Proof.TxKey

	return d.setStatus(ctx, StatusShldLockProofReceived)
}

// verifyShldLocked independently confirms A's shielded transfer reached
// the swap's combined address with enough confirmations and the agreed
// amount before B hands over anything that lets A take his BTC (spec.md
// §4.5 step 5).
func (d *Driver) verifyShldLocked(ctx context.Context) error {
	spend, view, err := d.combinedAddress()
	if err != nil {
		return err
	}

	proof := &shld.TransferProof{TxHash: d.state.TransferTxHash, TxKey: d.state.TransferTxKey}
	err = d.shldWallet.WatchForTransfer(
		ctx, spend, view, proof, shld.Amount(d.state.ShldAmount), d.state.MinShldConfirmations,
	)
	if err != nil {
		return fmt.Errorf("bob: verify shielded transfer: %w", err)
	}

	return d.setStatus(ctx, StatusShldLocked)
}

// sendEncSig builds B's encrypted redeem share, the same way
// handshake.BobHandshake.EncryptRedeemShare did during setup, but against
// State rather than an in-memory handshake, and hands it to A. Only once
// this is sent can A redeem TxLock.
func (d *Driver) sendEncSig(ctx context.Context) error {
	lockTx, err := deserializeTx(d.state.TxLock)
	if err != nil {
		return err
	}
	redeemPubA, err := btcec.ParsePubKey(d.state.RedeemPubA[:])
	if err != nil {
		return err
	}
	netParams, err := onchain.ParamsByName(d.state.NetName)
	if err != nil {
		return err
	}
	redeemDest, err := onchain.P2WPKHScript(redeemPubA, netParams)
	if err != nil {
		return err
	}

	// RedeemFee is checkpointed before signing so a resumed retry of this
	// step reuses the exact fee already committed to, rather than
	// re-estimating and producing a signature over a different sighash
	// than whatever A may already have received.
	if d.state.RedeemFee == 0 {
		feeRate, err := d.wallet.FeeRatePerKvB(ctx, 6)
		if err != nil {
			return err
		}
		d.state.RedeemFee = estimateFee(feeRate)
		if err := d.checkpoint(ctx); err != nil {
			return err
		}
	}

	txRedeem, err := onchain.BuildTxRedeem(lockTx, d.state.LockRedeemScript, redeemDest, d.state.RedeemFee)
	if err != nil {
		return err
	}
	redeemHash, err := onchain.WitnessSigHash(txRedeem, 0, d.state.LockRedeemScript, lockTx.TxOut[0].Value)
	if err != nil {
		return err
	}

	swapPriv := btcec.PrivKeyFromBytes(d.state.SwapPriv[:])
	aImage, err := btcec.ParsePubKey(d.state.AImageSecp[:])
	if err != nil {
		return err
	}
	encryptedRedeemB, err := adaptor.EncSign(swapPriv, redeemHash, aImage)
	if err != nil {
		return fmt.Errorf("bob: encrypt redeem signature: %w", err)
	}
	d.state.EncryptedRedeemB = encodeSig(encryptedRedeemB.R, encryptedRedeemB.S)
	if err := d.checkpoint(ctx); err != nil {
		return err
	}

	encSig := &swapwire.EncSig{
		EncryptedRedeemB: swapwire.EncodeEncryptedSignature(encryptedRedeemB),
		RedeemFee:        d.state.RedeemFee,
	}
	copy(encSig.SwapID[:], d.state.SwapID[:])
	if err := d.transport.SendEncSig(ctx, encSig); err != nil {
		return fmt.Errorf("bob: send EncSig: %w", err)
	}

	return d.setStatus(ctx, StatusEncSigSent)
}

// awaitBtcRedeemed watches for A's TxRedeem spending TxLock, extracting
// her completed redeem signature once seen.
func (d *Driver) awaitBtcRedeemed(ctx context.Context) error {
	lockTx, err := deserializeTx(d.state.TxLock)
	if err != nil {
		return err
	}

	for {
		_, err := d.wallet.WatchForSpend(ctx, btcwire.OutPoint{Hash: lockTx.TxHash(), Index: 0})
		if err == nil {
			return d.setStatus(ctx, StatusBtcRedeemed)
		}
		if err != chainclient.ErrSpendNotFound {
			return err
		}
		if err := sleep(ctx, d.pollInterval); err != nil {
			return err
		}
	}
}

// redeemShielded recovers s_a from the TxRedeem A broadcast and combines
// it with B's own shielded half to claim the funds A paid into the swap's
// combined address — the mirror image of package alice's reclaimShielded,
// and the swap's normal completion for role B.
func (d *Driver) redeemShielded(ctx context.Context) error {
	lockTx, err := deserializeTx(d.state.TxLock)
	if err != nil {
		return err
	}
	spendTx, err := d.wallet.WatchForSpend(ctx, btcwire.OutPoint{Hash: lockTx.TxHash(), Index: 0})
	if err != nil {
		return fmt.Errorf("bob: fetch TxRedeem: %w", err)
	}

	sa, err := recoverRedeemScalar(spendTx, d.state)
	if err != nil {
		return err
	}
	d.state.RecoveredSA = sa
	d.state.RecoveredSAKnown = true
	if err := d.checkpoint(ctx); err != nil {
		return err
	}

	saScalar := dleq.ScalarFromBytes(d.state.RecoveredSA[:])
	sbScalar := dleq.ScalarFromBytes(d.state.ShieldedScalar[:])
	s := saScalar.Add(sbScalar)

	va := dleq.ScalarFromBytes(d.state.ViewKeyHalfA[:])
	vb := dleq.ScalarFromBytes(d.state.ViewKeyHalfB[:])
	v := va.Add(vb)

	if err := d.shldWallet.CreateAndLoadWalletForOutput(ctx, s.Bytes32(), v.Bytes32(), 0); err != nil {
		return fmt.Errorf("bob: redeem shielded funds: %w", err)
	}

	return d.setStatus(ctx, StatusShldRedeemed)
}

// stepCancelBranch advances the cancellation branch by exactly one action
// per call, checkpointing after each: CancelTimelockExpired -> BtcCancelled
// -> BtcRefunded. B never needs to wait for punishTimelock himself — his
// refund branch is available as soon as TxCancel confirms.
func (d *Driver) stepCancelBranch(ctx context.Context) error {
	switch d.state.Status {
	case StatusCancelTimelockExpired:
		return d.publishCancel(ctx)
	case StatusBtcCancelled:
		return d.publishRefund(ctx)
	case StatusBtcRefunded:
		return nil
	default:
		return fmt.Errorf("bob: not a cancel-branch status: %v", d.state.Status)
	}
}

// publishCancel submits TxCancel if it isn't already on chain; if A beat
// him to it, Cancel reports *cancel.AlreadyPublishedError and State still
// advances, per spec.md §4.6.
func (d *Driver) publishCancel(ctx context.Context) error {
	ob := d.obligation()
	_, err := cancel.Cancel(ctx, d.wallet, d.store, ob, false, nil)
	var already *cancel.AlreadyPublishedError
	if err != nil && !isAlreadyPublished(err, &already) {
		return fmt.Errorf("bob: cancel: %w", err)
	}
	return d.setStatus(ctx, StatusBtcCancelled)
}

// publishRefund broadcasts TxRefund, assembling its witness from A's
// already-decrypted completed refund share plus B's own signature.
func (d *Driver) publishRefund(ctx context.Context) error {
	txRefund, err := deserializeTx(d.state.TxRefund)
	if err != nil {
		return err
	}
	txCancel, err := deserializeTx(d.state.TxCancel)
	if err != nil {
		return err
	}

	swapPriv := btcec.PrivKeyFromBytes(d.state.SwapPriv[:])
	swapPubA, err := btcec.ParsePubKey(d.state.SwapPubA[:])
	if err != nil {
		return err
	}

	refundHash, err := onchain.WitnessSigHash(txRefund, 0, d.state.CancelRedeemScript, txCancel.TxOut[0].Value)
	if err != nil {
		return err
	}
	bSig := onchain.SignDER(swapPriv, refundHash)
	aSig := onchain.DERFromCompletedSignature(d.state.CompletedRefundA.completed())

	txRefund.TxIn[0].Witness = onchain.RefundWitness(
		d.state.CancelRedeemScript, swapPubA.SerializeCompressed(), aSig,
		swapPriv.PubKey().SerializeCompressed(), bSig,
	)

	if err := d.wallet.Broadcast(ctx, txRefund); err != nil {
		return fmt.Errorf("bob: broadcast TxRefund: %w", err)
	}

	return d.setStatus(ctx, StatusBtcRefunded)
}

// recoverRedeemScalar extracts A's completed redeem signature from
// spendTx's witness — the slot matching B's own swap pubkey, since B
// originally adaptor-signed under that key with a.Image's secret baked
// in — and recovers s_a from it.
func recoverRedeemScalar(spendTx *btcwire.MsgTx, state State) ([32]byte, error) {
	swapPubA, err := btcec.ParsePubKey(state.SwapPubA[:])
	if err != nil {
		return [32]byte{}, err
	}
	swapPriv := btcec.PrivKeyFromBytes(state.SwapPriv[:])
	bPub := swapPriv.PubKey()

	idx, err := multiSigWitnessIndex(swapPubA, bPub, bSlot)
	if err != nil {
		return [32]byte{}, err
	}
	if idx >= len(spendTx.TxIn[0].Witness) {
		return [32]byte{}, fmt.Errorf("bob: TxRedeem witness too short")
	}

	completed, err := onchain.CompletedSignatureFromWitness(spendTx.TxIn[0].Witness[idx])
	if err != nil {
		return [32]byte{}, fmt.Errorf("bob: extract redeem signature: %w", err)
	}

	aImage, err := btcec.ParsePubKey(state.AImageSecp[:])
	if err != nil {
		return [32]byte{}, err
	}

	y, err := adaptor.RecoverKnown(state.EncryptedRedeemB.signature(), completed, aImage)
	if err != nil {
		return [32]byte{}, fmt.Errorf("bob: recover s_a: %w", err)
	}

	return dleq.ScalarFromModNScalar(y).Bytes32(), nil
}

// aSlot and bSlot name the two witness positions multiSigWitnessIndex can
// resolve, matching onchain.spendMultiSig's pubkey-sorted ordering.
const (
	aSlot = 0
	bSlot = 1
)

// multiSigWitnessIndex returns the witness element index holding whichever
// of aPub/bPub's signature the caller asked for (0 for aPub, 1 for bPub),
// replicating onchain.spendMultiSig's sorted-pubkey placement without
// exporting that unexported helper.
func multiSigWitnessIndex(aPub, bPub *btcec.PublicKey, which int) (int, error) {
	aBytes := aPub.SerializeCompressed()
	bBytes := bPub.SerializeCompressed()

	aFirst := bytes.Compare(aBytes, bBytes) < 0
	// Witness layout is [nil, sig(first), sig(second), selector, script].
	if which == aSlot {
		if aFirst {
			return 1, nil
		}
		return 2, nil
	}
	if which == bSlot {
		if aFirst {
			return 2, nil
		}
		return 1, nil
	}
	return 0, fmt.Errorf("bob: unknown witness slot %d", which)
}

func isAlreadyPublished(err error, target **cancel.AlreadyPublishedError) bool {
	ap, ok := err.(*cancel.AlreadyPublishedError)
	if ok {
		*target = ap
	}
	return ok
}

// combinedAddress rebuilds the swap's shared shielded address from State's
// raw scalar/image material, the State-only equivalent of
// handshake.BobHandshake.CombinedShieldedAddress.
func (d *Driver) combinedAddress() (shld.SpendPublicKey, shld.ViewPublicKey, error) {
	bImage := dleq.ScalarFromBytes(d.state.ShieldedScalar[:]).Image()

	aSecp, err := btcec.ParsePubKey(d.state.AImageSecp[:])
	if err != nil {
		return shld.SpendPublicKey{}, shld.ViewPublicKey{}, err
	}
	aEd, err := parseEdPoint(d.state.AImageEd[:])
	if err != nil {
		return shld.SpendPublicKey{}, shld.ViewPublicKey{}, err
	}
	aImage := dleq.Images{Secp: (*secp256k1.PublicKey)(aSecp), Ed: aEd}

	spend, view := handshake.CombinedShieldedAddress(aImage, bImage, d.state.ViewKeyHalfA, d.state.ViewKeyHalfB)
	return spend, view, nil
}

func estimateFee(feeRate btcutil.Amount) int64 {
	const estimatedVBytes = 200
	return int64(feeRate) * estimatedVBytes / 1000
}
