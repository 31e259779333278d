// Package cancel implements the swap's cancel/refund/punish driver
// (spec.md §4.6, component C9): the operations that move a stalled swap
// off the happy path once a timelock has opened. It is grounded on the
// teacher's breacharbiter.go: Obligation plays retributionInfo's role (a
// durable record of what can be claimed and how), and Cancel/Refund/Punish
// follow exactRetribution's build-witness-then-broadcast shape, generalized
// from channel-breach retribution to swap cancellation. The package runs no
// goroutine of its own; callers decide when to invoke each operation.
package cancel

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/google/uuid"

	"github.com/shieldswap/swapd/chainclient"
	"github.com/shieldswap/swapd/epoch"
	"github.com/shieldswap/swapd/onchain"
	"github.com/shieldswap/swapd/swapdb"
)

// ErrCancelTimelockNotExpiredYet is returned when the cancel epoch has not
// opened and the caller did not pass force.
var ErrCancelTimelockNotExpiredYet = errors.New("cancel: timelock not expired yet")

// ErrPunishTimelockNotExpiredYet is Punish's analogue of
// ErrCancelTimelockNotExpiredYet.
var ErrPunishTimelockNotExpiredYet = errors.New("cancel: punish timelock not expired yet")

// AlreadyPublishedError is returned when the expected transaction is
// already on chain; Txid is the observed transaction.
type AlreadyPublishedError struct {
	Txid chainhash.Hash
}

func (e *AlreadyPublishedError) Error() string {
	return fmt.Sprintf("cancel: %s already published", e.Txid)
}

// Obligation is the durable record of what a swap can claim on the cancel
// path and how, standing in for breacharbiter's retributionInfo.
type Obligation struct {
	SwapID uuid.UUID

	LockTxid         chainhash.Hash
	LockRedeemScript []byte
	CancelTimelock   uint32

	APub, BPub *btcec.PublicKey
	CancelSigA []byte
	CancelSigB []byte

	// PunishPub is A's single-purpose punish key, the sole signer on
	// TxCancel's punish branch (onchain.CancelRedeemScript).
	PunishPub      *btcec.PublicKey
	PunishTimelock uint32

	Fee int64
}

// persistCancelled writes state (an opaque, caller-serialized snapshot of
// the swap's BtcCancelled state) for swapID, matching spec.md §4.6's "state
// is advanced to BtcCancelled and persisted before returning."
func persistCancelled(ctx context.Context, store swapdb.Store, swapID uuid.UUID, state []byte) error {
	if state == nil {
		return nil
	}
	return store.InsertLatestState(ctx, swapID, state)
}

// Cancel submits TxCancel, spending TxLock via its CSV-gated branch with
// both parties' already-exchanged plain signatures. If TxCancel is found
// already on chain, cancelledState is persisted and
// *AlreadyPublishedError is returned instead of an error from Cancel
// itself — the caller's state machine should treat that as the expected
// advance, not a failure (spec.md §4.6).
func Cancel(ctx context.Context, wallet chainclient.BtcWallet, store swapdb.Store,
	ob Obligation, force bool, cancelledState []byte) (chainhash.Hash, error) {

	if !force {
		current, err := epoch.CurrentEpoch(ctx, wallet, ob.LockTxid, ob.CancelTimelock, ob.PunishTimelock)
		if err != nil {
			return chainhash.Hash{}, err
		}
		if current == epoch.None {
			return chainhash.Hash{}, ErrCancelTimelockNotExpiredYet
		}
	}

	lockTx, err := wallet.GetTransaction(ctx, ob.LockTxid)
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("cancel: fetch TxLock: %w", err)
	}

	txCancel, _, err := onchain.BuildTxCancel(
		lockTx, ob.LockRedeemScript, ob.CancelTimelock, ob.APub, ob.BPub, ob.PunishPub, ob.PunishTimelock, ob.Fee,
	)
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("cancel: build TxCancel: %w", err)
	}
	txid := txCancel.TxHash()

	if existing, err := wallet.GetTransaction(ctx, txid); err == nil && existing != nil {
		if persistErr := persistCancelled(ctx, store, ob.SwapID, cancelledState); persistErr != nil {
			return chainhash.Hash{}, persistErr
		}
		return txid, &AlreadyPublishedError{Txid: txid}
	}

	txCancel.TxIn[0].Witness = onchain.CancelWitness(
		ob.LockRedeemScript, ob.APub.SerializeCompressed(), ob.CancelSigA,
		ob.BPub.SerializeCompressed(), ob.CancelSigB,
	)

	if err := wallet.Broadcast(ctx, txCancel); err != nil {
		return chainhash.Hash{}, fmt.Errorf("cancel: broadcast TxCancel: %w", err)
	}

	if err := persistCancelled(ctx, store, ob.SwapID, cancelledState); err != nil {
		return chainhash.Hash{}, err
	}
	return txid, nil
}

// RefundObligation carries what Refund needs beyond Obligation: TxCancel's
// own txid plus the refund-branch witness material. ASig is B's decryption
// of A's pre-committed encrypted refund signature share.
type RefundObligation struct {
	Obligation
	CancelTxid chainhash.Hash
	ASig, BSig []byte
	RefundDest []byte
}

// Refund submits TxRefund, spending TxCancel's refund (OP_ELSE) branch.
// Unlike Cancel, only B is ever in a position to call this: A's signature
// share only exists pre-encrypted under B's adaptor point.
func Refund(ctx context.Context, wallet chainclient.BtcWallet, ob RefundObligation, fee int64) (chainhash.Hash, error) {
	cancelTx, err := wallet.GetTransaction(ctx, ob.CancelTxid)
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("cancel: fetch TxCancel: %w", err)
	}

	cancelRedeemScript, err := onchain.CancelRedeemScript(ob.APub, ob.BPub, ob.PunishPub, ob.PunishTimelock)
	if err != nil {
		return chainhash.Hash{}, err
	}

	txRefund, err := onchain.BuildTxRefund(cancelTx, cancelRedeemScript, ob.RefundDest, fee)
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("cancel: build TxRefund: %w", err)
	}
	txid := txRefund.TxHash()

	if existing, err := wallet.GetTransaction(ctx, txid); err == nil && existing != nil {
		return txid, &AlreadyPublishedError{Txid: txid}
	}

	txRefund.TxIn[0].Witness = onchain.RefundWitness(
		cancelRedeemScript, ob.APub.SerializeCompressed(), ob.ASig, ob.BPub.SerializeCompressed(), ob.BSig,
	)

	if err := wallet.Broadcast(ctx, txRefund); err != nil {
		return chainhash.Hash{}, fmt.Errorf("cancel: broadcast TxRefund: %w", err)
	}
	return txid, nil
}

// PunishObligation carries what Punish needs beyond Obligation.
type PunishObligation struct {
	Obligation
	CancelTxid chainhash.Hash
	ASig       []byte
	PunishDest []byte
}

// Punish submits TxPunish, spending TxCancel's punish (OP_IF) branch with
// A's signature alone, once punishTimelock has elapsed since TxCancel
// confirmed without a refund.
func Punish(ctx context.Context, wallet chainclient.BtcWallet, ob PunishObligation, force bool, fee int64) (chainhash.Hash, error) {
	if !force {
		confHeight, ok, err := wallet.ConfirmationHeight(ctx, ob.CancelTxid)
		if err != nil {
			return chainhash.Hash{}, err
		}
		if !ok {
			return chainhash.Hash{}, ErrPunishTimelockNotExpiredYet
		}
		tip, err := wallet.BlockHeight(ctx)
		if err != nil {
			return chainhash.Hash{}, err
		}
		if tip-confHeight < ob.PunishTimelock {
			return chainhash.Hash{}, ErrPunishTimelockNotExpiredYet
		}
	}

	cancelTx, err := wallet.GetTransaction(ctx, ob.CancelTxid)
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("cancel: fetch TxCancel: %w", err)
	}

	cancelRedeemScript, err := onchain.CancelRedeemScript(ob.APub, ob.BPub, ob.PunishPub, ob.PunishTimelock)
	if err != nil {
		return chainhash.Hash{}, err
	}

	txPunish, err := onchain.BuildTxPunish(cancelTx, cancelRedeemScript, ob.PunishTimelock, ob.PunishDest, fee)
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("cancel: build TxPunish: %w", err)
	}
	txid := txPunish.TxHash()

	if existing, err := wallet.GetTransaction(ctx, txid); err == nil && existing != nil {
		return txid, &AlreadyPublishedError{Txid: txid}
	}

	txPunish.TxIn[0].Witness = onchain.PunishWitness(cancelRedeemScript, ob.ASig)

	if err := wallet.Broadcast(ctx, txPunish); err != nil {
		return chainhash.Hash{}, fmt.Errorf("cancel: broadcast TxPunish: %w", err)
	}
	return txid, nil
}
