// Package alice drives a swap through role A's state machine once the
// initial handshake (package handshake) has completed: waiting for TxLock,
// paying the shielded leg, decrypting B's redeem share, redeeming, and, if
// the happy path stalls, cancelling, punishing, or recovering a refunded
// counterparty scalar (spec.md §4.4, component C7).
//
// The shape is grounded on contractcourt's resolvers, in particular
// htlcTimeoutResolver: a persisted, step-gated Resolve loop that checkpoints
// after every side effect and can pick up from any point after a restart
// using only its own encoded state, never an in-memory negotiation object.
// Driver plays that role here; State is its encoded form. Unlike the
// teacher's resolvers, which rely on a shared ChainNotifier's push
// subscriptions, Driver polls chainclient.BtcWallet and shld.Wallet
// directly, since spec.md §5 specifies single-threaded cooperative
// scheduling per swap rather than a fan-out notification system.
package alice

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"filippo.io/edwards25519"
	"github.com/btcsuite/btcd/btcec/v2"
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

// Status is a position in role A's state machine (spec.md §4.4).
type Status int

const (
	StatusStarted Status = iota
	StatusBtcLocked
	StatusShldLocked
	StatusEncSigLearned
	StatusBtcRedeemed
	StatusCancelTimelockExpired
	StatusBtcCancelled
	StatusBtcPunishable
	StatusBtcPunished
	StatusBtcRefunded
	StatusShldRefunded
	StatusSafelyAborted
)

func (s Status) String() string {
	switch s {
	case StatusStarted:
		return "Started"
	case StatusBtcLocked:
		return "BtcLocked"
	case StatusShldLocked:
		return "ShldLocked"
	case StatusEncSigLearned:
		return "EncSigLearned"
	case StatusBtcRedeemed:
		return "BtcRedeemed"
	case StatusCancelTimelockExpired:
		return "CancelTimelockExpired"
	case StatusBtcCancelled:
		return "BtcCancelled"
	case StatusBtcPunishable:
		return "BtcPunishable"
	case StatusBtcPunished:
		return "BtcPunished"
	case StatusBtcRefunded:
		return "BtcRefunded"
	case StatusShldRefunded:
		return "ShldRefunded"
	case StatusSafelyAborted:
		return "SafelyAborted"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// IsFinal reports whether s is one of the state machine's terminal states.
func (s Status) IsFinal() bool {
	switch s {
	case StatusBtcRedeemed, StatusBtcPunished, StatusShldRefunded, StatusSafelyAborted:
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

// State is the durable, restart-safe snapshot of one swap's role-A driver.
// It deliberately holds no reference to a *handshake.AliceHandshake: once
// the handshake completes, State carries everything the driver needs to
// resume independently of that in-memory object, the same separation the
// teacher draws between an active htlcswitch circuit and its on-disk
// CircuitMap entry.
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
	PunishPriv [32]byte `cbor:"10,keyasint"`
	SwapPubB   [33]byte `cbor:"11,keyasint"`
	RedeemPriv [32]byte `cbor:"33,keyasint"`

	LockRedeemScript   []byte            `cbor:"12,keyasint"`
	CancelRedeemScript []byte            `cbor:"13,keyasint"`
	TxLock             []byte            `cbor:"14,keyasint"`
	TxCancel           []byte            `cbor:"15,keyasint"`
	TxLockOutpoint     btcwire.OutPoint  `cbor:"16,keyasint"`
	CancelSigB         []byte            `cbor:"17,keyasint"`

	EncryptedRefundA sigBytes `cbor:"18,keyasint"`
	BImageSecp       [33]byte `cbor:"19,keyasint"`
	BImageEd         [32]byte `cbor:"32,keyasint"`
	ShieldedScalar   [32]byte `cbor:"20,keyasint"`
	ViewKeyHalfA     [32]byte `cbor:"21,keyasint"`
	ViewKeyHalfB     [32]byte `cbor:"22,keyasint"`

	// Populated once ProcessEncSig/EncSig processing succeeds.
	TxRedeem         []byte   `cbor:"23,keyasint"`
	CompletedRedeemB sigBytes `cbor:"24,keyasint"`

	// Populated once A broadcasts her shielded transfer.
	TransferTxHash      string   `cbor:"25,keyasint"`
	TransferTxKey       [32]byte `cbor:"26,keyasint"`
	TransferRestoreHt   uint64   `cbor:"27,keyasint"`

	LastEpoch epoch.Epoch `cbor:"28,keyasint"`

	// Populated once A recovers s_b from an observed TxRefund.
	RecoveredSB      [32]byte `cbor:"29,keyasint"`
	RecoveredSBKnown bool     `cbor:"30,keyasint"`

	Fee int64 `cbor:"31,keyasint"`
}

// Encode serializes s as the opaque blob swapdb.Store persists.
func (s State) Encode() ([]byte, error) {
	return cbor.Marshal(s)
}

// Decode parses a blob previously produced by Encode.
func Decode(b []byte) (State, error) {
	var s State
	if err := cbor.Unmarshal(b, &s); err != nil {
		return State{}, fmt.Errorf("alice: decode state: %w", err)
	}
	return s, nil
}

// Transport is the messaging capability Driver needs from the swap's
// session with B, beyond what package handshake already consumed to reach
// M3: handing A's shielded transfer proof onward and waiting for B's
// encrypted redeem share. A concrete implementation lives in package p2p.
type Transport interface {
	SendM4(ctx context.Context, m4 *swapwire.M4) error
	ReceiveEncSig(ctx context.Context) (*swapwire.EncSig, error)
}

// Driver runs one swap's role-A state machine to completion or to a
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
// spec.md §4.1 hands off into §4.4's state machine. The caller must persist
// the returned Driver's first checkpoint (Run does this itself as its first
// step) before telling B to broadcast TxLock, so a crash immediately after
// handoff still has a resumable record.
func NewDriver(h *handshake.AliceHandshake, wallet chainclient.BtcWallet, shldWallet shld.Wallet,
	store swapdb.Store, transport Transport) (*Driver, error) {

	txLock, err := serializeTx(h.TxLock())
	if err != nil {
		return nil, err
	}
	txCancel, err := serializeTx(h.TxCancel())
	if err != nil {
		return nil, err
	}

	params := h.Params()
	encryptedRefundA := h.EncryptedRefundA()

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
		PunishPriv:            privBytes(h.PunishPriv()),
		SwapPubB:              pubBytes(h.SwapPubB()),
		RedeemPriv:            privBytes(h.RedeemPriv()),
		LockRedeemScript:      h.LockRedeemScript(),
		CancelRedeemScript:    h.CancelRedeemScript(),
		TxLock:                txLock,
		TxCancel:              txCancel,
		TxLockOutpoint:        h.TxLockOutpoint(),
		CancelSigB:            h.CancelSigB(),
		EncryptedRefundA:      encodeSig(encryptedRefundA.R, encryptedRefundA.S),
		BImageSecp:            pubBytes(h.BImages().Secp),
		BImageEd:              edBytes(h.BImages().Ed),
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
		return nil, fmt.Errorf("alice: serialize tx: %w", err)
	}
	return buf.Bytes(), nil
}

func deserializeTx(b []byte) (*btcwire.MsgTx, error) {
	tx := btcwire.NewMsgTx(btcwire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("alice: deserialize tx: %w", err)
	}
	return tx, nil
}

// Run drives the state machine until it reaches a terminal status or ctx is
// cancelled. It is safe to call again after a transient error: Run always
// resumes from whatever State last checkpointed.
func (d *Driver) Run(ctx context.Context) error {
	// First checkpoint: makes a freshly-seeded Driver resumable even if the
	// process dies before anything else happens.
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
			err = d.awaitBtcLocked(ctx)
		case StatusBtcLocked:
			err = d.lockShielded(ctx)
		case StatusShldLocked:
			err = d.awaitEncSig(ctx)
		case StatusEncSigLearned:
			err = d.redeemBtc(ctx)
		default:
			return fmt.Errorf("alice: unhandled status %v", d.state.Status)
		}
		if err != nil {
			return err
		}
	}
}

func isCancelBranchStatus(s Status) bool {
	switch s {
	case StatusCancelTimelockExpired, StatusBtcCancelled, StatusBtcPunishable,
		StatusBtcPunished, StatusBtcRefunded, StatusShldRefunded:
		return true
	default:
		return false
	}
}

// maybeEnterCancelBranch implements spec.md §4.4's "continuously armed"
// rule: from BtcLocked onward, whenever the lock's epoch leaves None, A
// abandons the happy path and moves onto the cancellation branch, even if
// she was about to redeem. It does nothing once already on that branch or
// once BTC has been redeemed.
func (d *Driver) maybeEnterCancelBranch(ctx context.Context) (bool, error) {
	switch d.state.Status {
	case StatusStarted, StatusBtcRedeemed:
		return false, nil
	}
	if isCancelBranchStatus(d.state.Status) {
		return false, nil
	}

	txid, err := deserializeTx(d.state.TxLock)
	if err != nil {
		return false, err
	}
	current, err := epoch.CurrentEpoch(ctx, d.wallet, txid.TxHash(), d.state.CancelTimelock, d.state.PunishTimelock)
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
	swapPubB, _ := btcec.ParsePubKey(d.state.SwapPubB[:])

	swapPriv := btcec.PrivKeyFromBytes(d.state.SwapPriv[:])

	punishPriv := btcec.PrivKeyFromBytes(d.state.PunishPriv[:])

	return cancel.Obligation{
		SwapID:           d.state.SwapID,
		LockTxid:         lockTx.TxHash(),
		LockRedeemScript: d.state.LockRedeemScript,
		CancelTimelock:   d.state.CancelTimelock,
		APub:             swapPriv.PubKey(),
		BPub:             swapPubB,
		CancelSigA:       onchain.SignDER(swapPriv, mustSigHash(cancelTx, d.state.LockRedeemScript, lockTx.TxOut[0].Value)),
		CancelSigB:       d.state.CancelSigB,
		PunishPub:        punishPriv.PubKey(),
		PunishTimelock:   d.state.PunishTimelock,
		Fee:              d.state.Fee,
	}
}

func mustSigHash(tx *btcwire.MsgTx, redeemScript []byte, inputValue int64) [32]byte {
	h, err := onchain.WitnessSigHash(tx, 0, redeemScript, inputValue)
	if err != nil {
		panic("alice: sighash of our own deserialized tx: " + err.Error())
	}
	return h
}

// awaitBtcLocked waits for TxLock, which B broadcasts, to confirm.
func (d *Driver) awaitBtcLocked(ctx context.Context) error {
	lockTx, err := deserializeTx(d.state.TxLock)
	if err != nil {
		return err
	}

	for {
		if _, err := d.wallet.WaitForConfirmation(ctx, lockTx.TxHash(), 1); err == nil {
			return d.setStatus(ctx, StatusBtcLocked)
		}
		if err := sleep(ctx, d.pollInterval); err != nil {
			return err
		}
	}
}

// lockShielded sends A's shielded-chain leg and hands B the proof.
func (d *Driver) lockShielded(ctx context.Context) error {
	spend, view, err := d.combinedAddress()
	if err != nil {
		return err
	}

	proof, err := d.shldWallet.Transfer(ctx, spend, view, shld.Amount(d.state.ShldAmount))
	if err != nil {
		return fmt.Errorf("alice: shielded transfer: %w", err)
	}

	restoreHeight, err := d.shldWallet.BlockHeight(ctx)
	if err != nil {
		return err
	}

	d.state.TransferTxHash = proof.TxHash
	d.state.TransferTxKey = proof.TxKey
	d.state.TransferRestoreHt = restoreHeight
	if err := d.checkpoint(ctx); err != nil {
		return err
	}

	m4 := &swapwire.M4{Proof: swapwire.TransferProof{
		TxID:               proof.TxHash,
		RestoreBlockHeight: restoreHeight,
		TxKey:              proof.TxKey,
	}}
	copy(m4.SwapID[:], d.state.SwapID[:])
	if err := d.transport.SendM4(ctx, m4); err != nil {
		return fmt.Errorf("alice: send M4: %w", err)
	}

	return d.setStatus(ctx, StatusShldLocked)
}

// awaitEncSig blocks for B's encrypted redeem share and, once received,
// decrypts and verifies it the same way handshake.AliceHandshake.ProcessEncSig
// did during setup, but against State rather than an in-memory handshake.
func (d *Driver) awaitEncSig(ctx context.Context) error {
	encSig, err := d.transport.ReceiveEncSig(ctx)
	if err != nil {
		return fmt.Errorf("alice: receive EncSig: %w", err)
	}

	encryptedRedeemB, err := swapwire.DecodeEncryptedSignature(encSig.EncryptedRedeemB)
	if err != nil {
		return fmt.Errorf("alice: decode B's encrypted redeem signature: %w", err)
	}

	lockTx, err := deserializeTx(d.state.TxLock)
	if err != nil {
		return err
	}
	swapPubB, err := btcec.ParsePubKey(d.state.SwapPubB[:])
	if err != nil {
		return err
	}

	redeemDest, err := redeemDestScript(d.state)
	if err != nil {
		return err
	}
	// Rebuild TxRedeem with the exact fee B signed over, carried on EncSig,
	// rather than a fresh estimate: a different fee changes the sighash and
	// makes B's encrypted signature decrypt to something invalid for her.
	txRedeem, err := onchain.BuildTxRedeem(lockTx, d.state.LockRedeemScript, redeemDest, encSig.RedeemFee)
	if err != nil {
		return err
	}
	redeemHash, err := onchain.WitnessSigHash(txRedeem, 0, d.state.LockRedeemScript, lockTx.TxOut[0].Value)
	if err != nil {
		return err
	}

	var y secp256k1.ModNScalar
	y.SetBytes(&d.state.ShieldedScalar)
	completed, err := adaptor.Decrypt(encryptedRedeemB, &y)
	if err != nil {
		return fmt.Errorf("alice: decrypt B's redeem signature: %w", err)
	}
	if !completed.Verify(redeemHash, swapPubB) {
		return fmt.Errorf("alice: B's encrypted redeem signature does not decrypt to a valid signature")
	}

	txRedeemBytes, err := serializeTx(txRedeem)
	if err != nil {
		return err
	}
	d.state.TxRedeem = txRedeemBytes
	d.state.CompletedRedeemB = encodeSig(completed.R, completed.S)

	return d.setStatus(ctx, StatusEncSigLearned)
}

// redeemBtc broadcasts TxRedeem, assembling its witness from A's own
// signature plus B's already-decrypted redeem share.
func (d *Driver) redeemBtc(ctx context.Context) error {
	txRedeem, err := deserializeTx(d.state.TxRedeem)
	if err != nil {
		return err
	}

	swapPriv := btcec.PrivKeyFromBytes(d.state.SwapPriv[:])
	swapPubB, err := btcec.ParsePubKey(d.state.SwapPubB[:])
	if err != nil {
		return err
	}

	lockTx, err := deserializeTx(d.state.TxLock)
	if err != nil {
		return err
	}
	redeemHash, err := onchain.WitnessSigHash(txRedeem, 0, d.state.LockRedeemScript, lockTx.TxOut[0].Value)
	if err != nil {
		return err
	}
	aSig := onchain.SignDER(swapPriv, redeemHash)
	bSig := onchain.DERFromCompletedSignature(d.state.CompletedRedeemB.completed())

	txRedeem.TxIn[0].Witness = onchain.RedeemWitness(
		d.state.LockRedeemScript, swapPriv.PubKey().SerializeCompressed(), aSig,
		swapPubB.SerializeCompressed(), bSig,
	)

	if err := d.wallet.Broadcast(ctx, txRedeem); err != nil {
		return fmt.Errorf("alice: broadcast TxRedeem: %w", err)
	}

	return d.setStatus(ctx, StatusBtcRedeemed)
}

// stepCancelBranch advances the cancellation branch by exactly one action
// per call, checkpointing after each: spec.md §4.4's CancelTimelockExpired
// -> BtcCancelled -> {BtcPunishable -> BtcPunished | BtcRefunded ->
// ShldRefunded} path.
func (d *Driver) stepCancelBranch(ctx context.Context) error {
	switch d.state.Status {
	case StatusCancelTimelockExpired:
		return d.publishCancel(ctx)
	case StatusBtcCancelled:
		return d.watchAfterCancel(ctx)
	case StatusBtcPunishable:
		return d.publishPunish(ctx)
	case StatusBtcRefunded:
		return d.reclaimShielded(ctx)
	case StatusBtcPunished, StatusShldRefunded:
		return nil
	default:
		return fmt.Errorf("alice: not a cancel-branch status: %v", d.state.Status)
	}
}

// publishCancel submits TxCancel if it isn't already on chain; if B beat
// her to it, Cancel reports *cancel.AlreadyPublishedError and State still
// advances, per spec.md §4.6.
func (d *Driver) publishCancel(ctx context.Context) error {
	ob := d.obligation()
	_, err := cancel.Cancel(ctx, d.wallet, d.store, ob, false, nil)
	var already *cancel.AlreadyPublishedError
	if err != nil && !isAlreadyPublished(err, &already) {
		return fmt.Errorf("alice: cancel: %w", err)
	}
	return d.setStatus(ctx, StatusBtcCancelled)
}

// watchAfterCancel waits for either TxRefund (B redeeming via his refund
// branch, which leaks s_b) or the punish epoch to open.
func (d *Driver) watchAfterCancel(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		cancelTx, err := d.cancelOutpoint(ctx)
		if err != nil {
			return err
		}

		if spendTx, err := d.wallet.WatchForSpend(ctx, cancelTx); err == nil {
			d.state.RecoveredSB, err = recoverRefundScalar(spendTx, d.state)
			if err != nil {
				return err
			}
			d.state.RecoveredSBKnown = true
			return d.setStatus(ctx, StatusBtcRefunded)
		} else if err != chainclient.ErrSpendNotFound {
			return err
		}

		lockTx, err := deserializeTx(d.state.TxLock)
		if err != nil {
			return err
		}
		current, err := epoch.CurrentEpoch(ctx, d.wallet, lockTx.TxHash(), d.state.CancelTimelock, d.state.PunishTimelock)
		if err != nil {
			return err
		}
		if current == epoch.Punish {
			return d.setStatus(ctx, StatusBtcPunishable)
		}

		if err := sleep(ctx, d.pollInterval); err != nil {
			return err
		}
	}
}

func (d *Driver) cancelOutpoint(_ context.Context) (btcwire.OutPoint, error) {
	txCancel, err := deserializeTx(d.state.TxCancel)
	if err != nil {
		return btcwire.OutPoint{}, err
	}
	return btcwire.OutPoint{Hash: txCancel.TxHash(), Index: 0}, nil
}

// publishPunish submits TxPunish, spending TxCancel's punish branch with
// A's punish key alone.
func (d *Driver) publishPunish(ctx context.Context) error {
	txCancel, err := deserializeTx(d.state.TxCancel)
	if err != nil {
		return err
	}

	punishPriv := btcec.PrivKeyFromBytes(d.state.PunishPriv[:])

	cancelRedeemScript := d.state.CancelRedeemScript
	punishHash, err := onchain.WitnessSigHash(txCancel, 0, cancelRedeemScript, txCancel.TxOut[0].Value)
	if err != nil {
		return err
	}

	punishDest, err := redeemDestScript(d.state)
	if err != nil {
		return err
	}

	pob := cancel.PunishObligation{
		Obligation: d.obligation(),
		CancelTxid: txCancel.TxHash(),
		ASig:       onchain.SignDER(punishPriv, punishHash),
		PunishDest: punishDest,
	}

	_, err = cancel.Punish(ctx, d.wallet, pob, false, d.state.Fee)
	var already *cancel.AlreadyPublishedError
	if err != nil && err != cancel.ErrPunishTimelockNotExpiredYet && !isAlreadyPublished(err, &already) {
		return fmt.Errorf("alice: punish: %w", err)
	}
	if err == cancel.ErrPunishTimelockNotExpiredYet {
		return sleep(ctx, d.pollInterval)
	}
	return d.setStatus(ctx, StatusBtcPunished)
}

// reclaimShielded uses the recovered s_b, combined with A's own shielded
// half, to open a wallet for the shared one-time shielded address and pull
// the funds B never should have been able to keep her from.
func (d *Driver) reclaimShielded(ctx context.Context) error {
	sa := dleq.ScalarFromBytes(d.state.ShieldedScalar[:])
	sb := dleq.ScalarFromBytes(d.state.RecoveredSB[:])
	s := sa.Add(sb)

	va := dleq.ScalarFromBytes(d.state.ViewKeyHalfA[:])
	vb := dleq.ScalarFromBytes(d.state.ViewKeyHalfB[:])
	v := va.Add(vb)

	if err := d.shldWallet.CreateAndLoadWalletForOutput(ctx, s.Bytes32(), v.Bytes32(), d.state.TransferRestoreHt); err != nil {
		return fmt.Errorf("alice: reclaim shielded funds: %w", err)
	}
	return d.setStatus(ctx, StatusShldRefunded)
}

// recoverRefundScalar extracts B's completed refund signature from
// spendTx's witness and recovers s_b from it, exploiting exactly the
// adaptor-secret leak spec.md §1 calls the mechanism that makes the swap
// atomic.
func recoverRefundScalar(spendTx *btcwire.MsgTx, state State) ([32]byte, error) {
	swapPriv := btcec.PrivKeyFromBytes(state.SwapPriv[:])
	swapPubB, err := btcec.ParsePubKey(state.SwapPubB[:])
	if err != nil {
		return [32]byte{}, err
	}

	aPub, bPub := swapPriv.PubKey(), swapPubB
	idx, err := multiSigWitnessIndex(aPub, bPub, aSlot)
	if err != nil {
		return [32]byte{}, err
	}
	if idx >= len(spendTx.TxIn[0].Witness) {
		return [32]byte{}, fmt.Errorf("alice: TxRefund witness too short")
	}

	completed, err := onchain.CompletedSignatureFromWitness(spendTx.TxIn[0].Witness[idx])
	if err != nil {
		return [32]byte{}, fmt.Errorf("alice: extract refund signature: %w", err)
	}

	bImage, err := btcec.ParsePubKey(state.BImageSecp[:])
	if err != nil {
		return [32]byte{}, err
	}

	y, err := adaptor.RecoverKnown(state.EncryptedRefundA.signature(), completed, bImage)
	if err != nil {
		return [32]byte{}, fmt.Errorf("alice: recover s_b: %w", err)
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
	return 0, fmt.Errorf("alice: unknown witness slot %d", which)
}

func isAlreadyPublished(err error, target **cancel.AlreadyPublishedError) bool {
	ap, ok := err.(*cancel.AlreadyPublishedError)
	if ok {
		*target = ap
	}
	return ok
}

func redeemDestScript(state State) ([]byte, error) {
	redeemPriv := btcec.PrivKeyFromBytes(state.RedeemPriv[:])
	netParams, err := onchain.ParamsByName(state.NetName)
	if err != nil {
		return nil, err
	}
	return onchain.P2WPKHScript(redeemPriv.PubKey(), netParams)
}

// combinedAddress rebuilds the swap's shared shielded address from State's
// raw scalar/image material, the State-only equivalent of
// handshake.AliceHandshake.CombinedShieldedAddress.
func (d *Driver) combinedAddress() (shld.SpendPublicKey, shld.ViewPublicKey, error) {
	aImage := dleq.ScalarFromBytes(d.state.ShieldedScalar[:]).Image()

	bSecp, err := btcec.ParsePubKey(d.state.BImageSecp[:])
	if err != nil {
		return shld.SpendPublicKey{}, shld.ViewPublicKey{}, err
	}
	bEd, err := parseEdPoint(d.state.BImageEd[:])
	if err != nil {
		return shld.SpendPublicKey{}, shld.ViewPublicKey{}, err
	}
	bImage := dleq.Images{Secp: (*secp256k1.PublicKey)(bSecp), Ed: bEd}

	spend, view := handshake.CombinedShieldedAddress(aImage, bImage, d.state.ViewKeyHalfA, d.state.ViewKeyHalfB)
	return spend, view, nil
}
