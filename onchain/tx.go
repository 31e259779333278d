package onchain

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"
)

// P2WSHOutputSize is the byte size of a P2WSH output, used for dust-limit
// and fee-size calculations (mirrors lnwallet's P2WPKHSize/P2WSHSize
// constants used throughout sweep/txgenerator.go).
const P2WSHOutputSize = 43

// DustLimit returns the minimum economically-spendable output value for a
// P2WSH output at the given relay fee rate, generalizing
// sweep/txgenerator.go's dust-limit check from P2WPKH sweep outputs to the
// swap's P2WSH lock/cancel outputs.
func DustLimit(relayFeePerKVB btcutil.Amount) btcutil.Amount {
	return txrules.GetDustThreshold(P2WSHOutputSize, relayFeePerKVB)
}

// LockParams describes the inputs needed to build TxLock.
type LockParams struct {
	Inputs         []wire.TxIn
	ChangeScript   []byte
	ChangeValue    int64
	APub, BPub     *btcec.PublicKey
	CancelTimelock uint32
	LockAmount     int64
}

// BuildTxLock constructs TxLock: an arbitrary-input transaction with one
// P2WSH output locking LockAmount to the 2-of-2/CSV redeem script, plus an
// optional change output for the funder.
func BuildTxLock(p LockParams) (*wire.MsgTx, []byte, error) {
	redeemScript, lockOut, err := LockPkScript(p.APub, p.BPub, p.CancelTimelock, p.LockAmount)
	if err != nil {
		return nil, nil, err
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	for _, in := range p.Inputs {
		in := in
		tx.AddTxIn(&in)
	}
	tx.AddTxOut(lockOut)
	if p.ChangeValue > 0 {
		tx.AddTxOut(wire.NewTxOut(p.ChangeValue, p.ChangeScript))
	}

	return tx, redeemScript, nil
}

// lockOutPoint returns the outpoint of TxLock's lock output, assuming it is
// always the transaction's first output (the convention every builder
// below assumes).
func lockOutPoint(txLock *wire.MsgTx) wire.OutPoint {
	return wire.OutPoint{Hash: txLock.TxHash(), Index: 0}
}

// BuildTxCancel spends TxLock's lock output via the CSV-gated cancel
// branch, re-locking the funds into CancelRedeemScript so that either the
// refund or punish path can later claim them.
func BuildTxCancel(txLock *wire.MsgTx, lockRedeemScript []byte, cancelTimelock uint32,
	aPub, bPub, punishPub *btcec.PublicKey, punishTimelock uint32, fee int64) (*wire.MsgTx, []byte, error) {

	lockOut := txLock.TxOut[0]
	cancelAmt := lockOut.Value - fee
	if cancelAmt <= 0 {
		return nil, nil, fmt.Errorf("onchain: fee %d exceeds lock value %d", fee, lockOut.Value)
	}

	redeemScript, cancelOut, err := CancelPkScript(aPub, bPub, punishPub, punishTimelock, cancelAmt)
	if err != nil {
		return nil, nil, err
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	in := wire.NewTxIn(&wire.OutPoint{Hash: txLock.TxHash(), Index: 0}, nil, nil)
	in.Sequence = uint32(cancelTimelock)
	tx.AddTxIn(in)
	tx.AddTxOut(cancelOut)

	return tx, redeemScript, nil
}

// BuildTxRedeem spends TxLock directly via the cooperative (non-timelocked)
// branch, paying the full lock value (minus fee) to A's redeem address —
// the path A takes once she holds B's decrypted redeem signature share,
// which in turn leaks s_a to B the moment this transaction confirms.
func BuildTxRedeem(txLock *wire.MsgTx, redeemScript []byte, toScript []byte, fee int64) (*wire.MsgTx, error) {
	lockOut := txLock.TxOut[0]
	outVal := lockOut.Value - fee
	if outVal <= 0 {
		return nil, fmt.Errorf("onchain: fee %d exceeds lock value %d", fee, lockOut.Value)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Hash: txLock.TxHash(), Index: 0}, nil, nil))
	tx.AddTxOut(wire.NewTxOut(outVal, toScript))
	return tx, nil
}

// BuildTxRefund spends TxCancel's output via its refund (OP_ELSE) branch,
// paying B's refund address — B reclaims the BTC it locked. No additional
// CSV delay applies, but the branch still requires both signatures: A's
// share only ever exists pre-encrypted under S_b, so B decrypts it, supplies
// his own real signature, and is the one who actually broadcasts.
func BuildTxRefund(txCancel *wire.MsgTx, cancelRedeemScript []byte, refundScript []byte, fee int64) (*wire.MsgTx, error) {
	cancelOut := txCancel.TxOut[0]
	outVal := cancelOut.Value - fee
	if outVal <= 0 {
		return nil, fmt.Errorf("onchain: fee %d exceeds cancel value %d", fee, cancelOut.Value)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Hash: txCancel.TxHash(), Index: 0}, nil, nil))
	tx.AddTxOut(wire.NewTxOut(outVal, refundScript))
	return tx, nil
}

// BuildTxPunish spends TxCancel's output via its CSV-gated punish (if)
// branch, paying A's punish address once punishTimelock has elapsed since
// TxCancel confirmed without B refunding.
func BuildTxPunish(txCancel *wire.MsgTx, cancelRedeemScript []byte, punishTimelock uint32,
	punishScript []byte, fee int64) (*wire.MsgTx, error) {

	cancelOut := txCancel.TxOut[0]
	outVal := cancelOut.Value - fee
	if outVal <= 0 {
		return nil, fmt.Errorf("onchain: fee %d exceeds cancel value %d", fee, cancelOut.Value)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	in := wire.NewTxIn(&wire.OutPoint{Hash: txCancel.TxHash(), Index: 0}, nil, nil)
	in.Sequence = uint32(punishTimelock)
	tx.AddTxIn(in)
	tx.AddTxOut(wire.NewTxOut(outVal, punishScript))
	return tx, nil
}

// P2WPKHScript returns the standard P2WPKH pkScript for pub on the given
// network, used to build the refund/redeem/punish destination outputs.
func P2WPKHScript(pub *btcec.PublicKey, net *chaincfg.Params) ([]byte, error) {
	pkHash := btcutil.Hash160(pub.SerializeCompressed())
	addr, err := btcutil.NewAddressWitnessPubKeyHash(pkHash, net)
	if err != nil {
		return nil, err
	}
	return txscript.PayToAddrScript(addr)
}
