// Package onchain builds and signs the five Bitcoin transactions that make
// up a swap's on-chain leg — TxLock, TxCancel, TxRefund, TxRedeem, and
// TxPunish — and the P2WSH scripts they spend between (spec.md §4.2).
//
// Script construction follows the same small, pure helper-function style as
// the teacher's lnwallet/script_utils.go (witnessScriptHash,
// genMultiSigScript, genFundingPkScript), generalized from a plain 2-of-2
// funding output to the CSV-gated branches the swap protocol needs.
package onchain

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// witnessScriptHash wraps a redeem script in a version-0 P2WSH pkScript.
func witnessScriptHash(redeemScript []byte) ([]byte, error) {
	bldr := txscript.NewScriptBuilder()
	bldr.AddOp(txscript.OP_0)
	scriptHash := sha256Sum(redeemScript)
	bldr.AddData(scriptHash[:])
	return bldr.Script()
}

// sortPubKeys returns aPub, bPub in ascending lexicographic order, the
// convention genMultiSigScript follows so that witness signature order is
// deterministic on both sides of the swap.
func sortPubKeys(aPub, bPub []byte) (first, second []byte) {
	if bytes.Compare(aPub, bPub) <= 0 {
		return aPub, bPub
	}
	return bPub, aPub
}

// multiSigScript builds a bare 2-of-2 CHECKMULTISIG script over the two
// compressed pubkeys, sorted lexicographically.
func multiSigScript(aPub, bPub []byte) ([]byte, error) {
	if len(aPub) != 33 || len(bPub) != 33 {
		return nil, fmt.Errorf("onchain: compressed pubkeys only, got %d/%d bytes",
			len(aPub), len(bPub))
	}

	first, second := sortPubKeys(aPub, bPub)

	bldr := txscript.NewScriptBuilder()
	bldr.AddOp(txscript.OP_2)
	bldr.AddData(first)
	bldr.AddData(second)
	bldr.AddOp(txscript.OP_2)
	bldr.AddOp(txscript.OP_CHECKMULTISIG)
	return bldr.Script()
}

// LockRedeemScript builds TxLock's redeem script:
//
//	OP_IF
//	    2 <A_pub> <B_pub> 2 CHECKMULTISIG         ; cooperative redeem, any time
//	OP_ELSE
//	    <cancelTimelock> CSV DROP
//	    2 <A_pub> <B_pub> 2 CHECKMULTISIG         ; cancel path, after cancelTimelock
//	OP_ENDIF
//
// Both branches require both parties' signatures; the difference is purely
// the CSV gate on the cancel branch, which lets either party broadcast
// TxCancel once the cancel epoch (spec.md §4.2) has been reached.
func LockRedeemScript(aPub, bPub *btcec.PublicKey, cancelTimelock uint32) ([]byte, error) {
	multisig, err := multiSigScript(aPub.SerializeCompressed(), bPub.SerializeCompressed())
	if err != nil {
		return nil, err
	}

	bldr := txscript.NewScriptBuilder()
	bldr.AddOp(txscript.OP_IF)
	bldr.AddOps(multisig)
	bldr.AddOp(txscript.OP_ELSE)
	bldr.AddInt64(int64(cancelTimelock))
	bldr.AddOp(txscript.OP_CHECKSEQUENCEVERIFY)
	bldr.AddOp(txscript.OP_DROP)
	bldr.AddOps(multisig)
	bldr.AddOp(txscript.OP_ENDIF)
	return bldr.Script()
}

// LockPkScript returns TxLock's redeem script and its P2WSH pkScript/value
// pair, ready to drop into TxLock's sole relevant output.
func LockPkScript(aPub, bPub *btcec.PublicKey, cancelTimelock uint32, amt int64) ([]byte, *wire.TxOut, error) {
	if amt <= 0 {
		return nil, nil, fmt.Errorf("onchain: lock amount must be positive, got %d", amt)
	}

	redeemScript, err := LockRedeemScript(aPub, bPub, cancelTimelock)
	if err != nil {
		return nil, nil, err
	}

	pkScript, err := witnessScriptHash(redeemScript)
	if err != nil {
		return nil, nil, err
	}

	return redeemScript, wire.NewTxOut(amt, pkScript), nil
}

// CancelRedeemScript builds TxCancel's output redeem script. The refund
// path still requires both parties' signatures, just as TxLock did — A's
// share is only ever handed over pre-encrypted under B's adaptor point, so
// B is the one who actually completes and broadcasts TxRefund, and doing
// so leaks s_b to A the moment she observes the completed signature on
// chain. The punish path lets A claim the output unilaterally once
// punishTimelock elapses without a refund, the griefing protection for the
// party who already sent the shielded funds (spec.md §4.2, §4.6):
//
//	OP_IF
//	    <punishTimelock> CSV DROP
//	    <A_punish_pub> CHECKSIG                   ; punish path, A alone
//	OP_ELSE
//	    2 <A_pub> <B_pub> 2 CHECKMULTISIG         ; refund path, both
//	OP_ENDIF
//
// punishPub is A's single-purpose punish key (spec.md §4.1's PunishPubA),
// distinct from aPub, the swap multisig key she also used for TxLock/TxCancel.
func CancelRedeemScript(aPub, bPub, punishPub *btcec.PublicKey, punishTimelock uint32) ([]byte, error) {
	multisig, err := multiSigScript(aPub.SerializeCompressed(), bPub.SerializeCompressed())
	if err != nil {
		return nil, err
	}

	bldr := txscript.NewScriptBuilder()
	bldr.AddOp(txscript.OP_IF)
	bldr.AddInt64(int64(punishTimelock))
	bldr.AddOp(txscript.OP_CHECKSEQUENCEVERIFY)
	bldr.AddOp(txscript.OP_DROP)
	bldr.AddData(punishPub.SerializeCompressed())
	bldr.AddOp(txscript.OP_CHECKSIG)
	bldr.AddOp(txscript.OP_ELSE)
	bldr.AddOps(multisig)
	bldr.AddOp(txscript.OP_ENDIF)
	return bldr.Script()
}

// CancelPkScript returns TxCancel's redeem script and its P2WSH
// pkScript/value pair.
func CancelPkScript(aPub, bPub, punishPub *btcec.PublicKey, punishTimelock uint32, amt int64) ([]byte, *wire.TxOut, error) {
	if amt <= 0 {
		return nil, nil, fmt.Errorf("onchain: cancel amount must be positive, got %d", amt)
	}

	redeemScript, err := CancelRedeemScript(aPub, bPub, punishPub, punishTimelock)
	if err != nil {
		return nil, nil, err
	}

	pkScript, err := witnessScriptHash(redeemScript)
	if err != nil {
		return nil, nil, err
	}

	return redeemScript, wire.NewTxOut(amt, pkScript), nil
}

// spendMultiSig builds the witness stack for a 2-of-2 CHECKMULTISIG P2WSH
// output, ordering the two signatures to match the sorted pubkey order
// baked into the redeem script.
func spendMultiSig(redeemScript, aPub, aSig, bPub, bSig []byte) [][]byte {
	witness := make([][]byte, 0, 4)
	witness = append(witness, nil) // extra OP_CHECKMULTISIG stack pop

	first, _ := sortPubKeys(aPub, bPub)
	if bytes.Equal(first, aPub) {
		witness = append(witness, aSig, bSig)
	} else {
		witness = append(witness, bSig, aSig)
	}

	witness = append(witness, redeemScript)
	return witness
}
