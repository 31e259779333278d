package onchain

import (
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/shieldswap/swapd/adaptor"
)

func sha256Sum(b []byte) [32]byte {
	return sha256.Sum256(b)
}

// WitnessSigHash computes the BIP143 witness signature hash for input idx
// of tx, spending a P2WSH output worth inputValue under redeemScript.
func WitnessSigHash(tx *wire.MsgTx, idx int, redeemScript []byte, inputValue int64) ([32]byte, error) {
	sigHashes := txscript.NewTxSigHashes(tx, txscript.NewCannedPrevOutputFetcher(nil, 0))
	digest, err := txscript.CalcWitnessSigHash(
		redeemScript, sigHashes, txscript.SigHashAll, tx, idx, inputValue,
	)
	if err != nil {
		return [32]byte{}, err
	}

	var out [32]byte
	copy(out[:], digest)
	return out, nil
}

// ifBranchElement returns the witness stack element selecting an OP_IF
// branch: true takes OP_IF's branch, false takes OP_ELSE's.
func ifBranchElement(takeIf bool) []byte {
	if takeIf {
		return []byte{1}
	}
	return nil
}

// RedeemWitness builds the witness stack for spending TxLock's cooperative
// (OP_IF) branch with both parties' regular signatures.
func RedeemWitness(lockRedeemScript []byte, aPub, aSig, bPub, bSig []byte) wire.TxWitness {
	inner := spendMultiSig(lockRedeemScript, aPub, aSig, bPub, bSig)
	return appendBranchSelector(inner, lockRedeemScript, true)
}

// CancelWitness builds the witness stack for spending TxLock's CSV-gated
// (OP_ELSE) cancel branch with both parties' plain signatures, the
// CancelSigA/CancelSigB pair exchanged in M2 and M3.
func CancelWitness(lockRedeemScript []byte, aPub, aSig, bPub, bSig []byte) wire.TxWitness {
	inner := spendMultiSig(lockRedeemScript, aPub, aSig, bPub, bSig)
	return appendBranchSelector(inner, lockRedeemScript, false)
}

// appendBranchSelector drops the trailing redeem-script witness element,
// re-appends the OP_IF/OP_ELSE selector before it, per BIP-141's ordering
// for P2WSH scripts with a leading conditional.
func appendBranchSelector(inner [][]byte, redeemScript []byte, takeIf bool) wire.TxWitness {
	// inner is [nil, sig, sig, redeemScript]; splice the selector in
	// just before the redeem script.
	out := make(wire.TxWitness, 0, len(inner)+1)
	out = append(out, inner[:len(inner)-1]...)
	out = append(out, ifBranchElement(takeIf))
	out = append(out, redeemScript)
	return out
}

// RefundWitness builds the witness stack for spending TxCancel's refund
// (OP_ELSE) branch. aSig is ordinarily B's decryption of A's pre-committed
// encrypted refund signature share, combined with bSig, B's own regular
// signature — B is the only party able to assemble and broadcast this
// witness.
func RefundWitness(cancelRedeemScript []byte, aPub, aSig, bPub, bSig []byte) wire.TxWitness {
	inner := spendMultiSig(cancelRedeemScript, aPub, aSig, bPub, bSig)
	return appendBranchSelector(inner, cancelRedeemScript, false)
}

// PunishWitness builds the witness stack for spending TxCancel's punish
// (OP_IF) branch with A's signature alone, after punishTimelock has
// elapsed.
func PunishWitness(cancelRedeemScript []byte, aPunishSig []byte) wire.TxWitness {
	return wire.TxWitness{aPunishSig, ifBranchElement(true), cancelRedeemScript}
}

// SignDER produces a DER-encoded ECDSA signature with the mandatory
// SigHashAll type byte appended, the format CHECKMULTISIG/CHECKSIG expect
// in a witness stack.
func SignDER(priv *btcec.PrivateKey, hash [32]byte) []byte {
	sig := ecdsa.Sign(priv, hash[:])
	return append(sig.Serialize(), byte(txscript.SigHashAll))
}

// ExtractWitnessSignature strips the trailing sighash-type byte from a
// witness signature and parses the remaining DER bytes, the inverse of
// SignDER. It's used when recovering an adaptor secret from a published
// transaction's witness (spec.md §4.1, "Adaptor-secret recovery"):
// ExtractWitnessSignature first, then adaptor.Recover against the
// matching encrypted signature.
func ExtractWitnessSignature(witnessSig []byte) (*ecdsa.Signature, error) {
	if len(witnessSig) == 0 {
		return nil, fmt.Errorf("onchain: empty witness signature")
	}
	der := witnessSig[:len(witnessSig)-1]
	return ecdsa.ParseDERSignature(der)
}

// CompletedSignatureFromWitness extracts and converts a witness signature
// into an *adaptor.CompletedSignature, ready to pass to adaptor.Recover.
func CompletedSignatureFromWitness(witnessSig []byte) (*adaptor.CompletedSignature, error) {
	sig, err := ExtractWitnessSignature(witnessSig)
	if err != nil {
		return nil, err
	}
	r := sig.R()
	s := sig.S()
	return adaptor.NewCompletedSignature(&r, &s), nil
}

// DERFromCompletedSignature encodes a decrypted adaptor.CompletedSignature
// as a DER-plus-sighash-type witness signature, the inverse of
// CompletedSignatureFromWitness, so a signature share decrypted via
// adaptor.Decrypt can be placed directly into RedeemWitness/RefundWitness.
func DERFromCompletedSignature(sig *adaptor.CompletedSignature) []byte {
	s := ecdsa.NewSignature(sig.R, sig.S)
	return append(s.Serialize(), byte(txscript.SigHashAll))
}
