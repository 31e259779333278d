// Package adaptor implements ECDSA adaptor signatures on secp256k1: a
// signature that verifies against one public key but can only be turned
// into a valid, standard ECDSA signature by someone who knows the discrete
// log of a second "encryption" public key. Publishing the completed
// signature on-chain reveals that discrete log to anyone watching — the
// mechanism that makes the swap atomic (spec.md §1, §4.1).
//
// The construction mirrors plain ECDSA signing, generalized so the s-value
// is computed with respect to an auxiliary point Y instead of the identity:
// EncSign produces (R, s') where R = k·Y for a nonce k, and
// s' = k⁻¹(H(m) + r·x) using r = R.X mod n. Decrypt divides out the
// counterparty's secret y to recover a signature that verifies normally
// against the signer's public key; Recover runs the same division in
// reverse to extract y from a decrypted signature observed on-chain.
package adaptor

import (
	"crypto/sha256"
	"errors"

	secp256k1 "github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// ErrZeroScalar is returned when a nonce or s-value degenerates to zero and
// the signer must retry with a different nonce.
var ErrZeroScalar = errors.New("adaptor: degenerate zero scalar, retry signing")

// Signature is an encrypted ECDSA signature: it does not verify against the
// signer's public key directly. Decrypting it with the discrete log of Y
// yields a CompletedSignature that does.
type Signature struct {
	R *secp256k1.ModNScalar // r = (k*Y).X mod n
	S *secp256k1.ModNScalar // encrypted s' = k^-1 (H(m) + r*x)
}

// CompletedSignature is a standard ECDSA signature obtained by decrypting a
// Signature, or observed directly on-chain.
type CompletedSignature struct {
	R *secp256k1.ModNScalar
	S *secp256k1.ModNScalar
}

// NewCompletedSignature wraps an (r, s) pair observed elsewhere — typically
// parsed out of a transaction witness — as a CompletedSignature so it can
// be passed to Recover.
func NewCompletedSignature(r, s *secp256k1.ModNScalar) *CompletedSignature {
	return &CompletedSignature{R: r, S: s}
}

// EncSign produces an encrypted signature over hash under private key priv,
// encrypted under the public point Y (the counterparty's adaptor public
// key). The nonce is derived deterministically from priv, hash and Y, so
// repeated calls with the same inputs reproduce the same encrypted
// signature.
func EncSign(priv *secp256k1.PrivateKey, hash [32]byte, y *secp256k1.PublicKey) (*Signature, error) {
	var x secp256k1.ModNScalar
	x.Set(&priv.Key)

	for attempt := 0; attempt < 32; attempt++ {
		k, err := deterministicNonce(priv, hash[:], y, attempt)
		if err != nil {
			return nil, err
		}

		var yJac secp256k1.JacobianPoint
		y.AsJacobian(&yJac)

		var rJac secp256k1.JacobianPoint
		secp256k1.ScalarMultNonConst(&k, &yJac, &rJac)
		rJac.ToAffine()

		if rJac.X.IsZero() && rJac.Y.IsZero() {
			continue
		}

		r := fieldToModNScalar(&rJac.X)
		if r.IsZero() {
			continue
		}

		var e secp256k1.ModNScalar
		e.SetByteSlice(hash[:])

		var kInv secp256k1.ModNScalar
		kInv.Set(&k).InverseNonConst()

		var rx, sPrime secp256k1.ModNScalar
		rx.Set(&r).Mul(&x)
		sPrime.Set(&e).Add(&rx)
		sPrime.Mul(&kInv)

		if sPrime.IsZero() {
			continue
		}

		return &Signature{R: &r, S: &sPrime}, nil
	}

	return nil, ErrZeroScalar
}

// Decrypt completes an encrypted signature using the discrete log y of the
// public point it was encrypted under, producing a standard ECDSA
// signature that verifies against the original signer's public key.
func Decrypt(sig *Signature, y *secp256k1.ModNScalar) (*CompletedSignature, error) {
	if y.IsZero() {
		return nil, ErrZeroScalar
	}

	var yInv secp256k1.ModNScalar
	yInv.Set(y).InverseNonConst()

	var s secp256k1.ModNScalar
	s.Set(sig.S).Mul(&yInv)
	if s.IsOverHalfOrder() {
		s.Negate()
	}

	if s.IsZero() {
		return nil, ErrZeroScalar
	}

	var r secp256k1.ModNScalar
	r.Set(sig.R)

	return &CompletedSignature{R: &r, S: &s}, nil
}

// Verify checks that sig verifies against pub for the given message hash,
// using the standard ECDSA verification equation.
func (sig *CompletedSignature) Verify(hash [32]byte, pub *secp256k1.PublicKey) bool {
	if sig.R.IsZero() || sig.S.IsZero() {
		return false
	}

	var e secp256k1.ModNScalar
	e.SetByteSlice(hash[:])

	var sInv secp256k1.ModNScalar
	sInv.Set(sig.S).InverseNonConst()

	var u1, u2 secp256k1.ModNScalar
	u1.Set(&e).Mul(&sInv)
	u2.Set(sig.R).Mul(&sInv)

	var u1G, u2Pub, sum secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(&u1, &u1G)

	var pubJac secp256k1.JacobianPoint
	pub.AsJacobian(&pubJac)
	secp256k1.ScalarMultNonConst(&u2, &pubJac, &u2Pub)

	secp256k1.AddNonConst(&u1G, &u2Pub, &sum)
	sum.ToAffine()

	if sum.X.IsZero() && sum.Y.IsZero() {
		return false
	}

	v := fieldToModNScalar(&sum.X)
	return v.Equals(sig.R)
}

// Recover extracts the adaptor secret y from a completed signature and the
// encrypted signature it was derived from, exploiting s' = y * s (mod n).
// Because Decrypt always normalizes s to the low half of the order while
// the original encrypted s' may have been produced from either sign of the
// nonce point, Recover returns both candidates; the caller checks each
// against the known adaptor public key (spec.md §4.1, "Adaptor-secret
// recovery").
func Recover(encrypted *Signature, completed *CompletedSignature) (y, yNeg *secp256k1.ModNScalar) {
	var sInv secp256k1.ModNScalar
	sInv.Set(completed.S).InverseNonConst()

	var cand secp256k1.ModNScalar
	cand.Set(encrypted.S).Mul(&sInv)

	var negCand secp256k1.ModNScalar
	negCand.Set(&cand).Negate()

	return &cand, &negCand
}

// ErrSecretNotFound is returned by RecoverKnown when neither candidate
// Recover produces matches the expected adaptor public key.
var ErrSecretNotFound = errors.New("adaptor: recovered scalar does not match known public key")

// RecoverKnown wraps Recover for the common case where the caller already
// knows the adaptor public key the secret must correspond to (the
// counterparty's shielded spend-key image), picking whichever of Recover's
// two candidates actually maps to it under scalar-base multiplication.
func RecoverKnown(encrypted *Signature, completed *CompletedSignature, known *secp256k1.PublicKey) (*secp256k1.ModNScalar, error) {
	y, yNeg := Recover(encrypted, completed)
	for _, cand := range []*secp256k1.ModNScalar{y, yNeg} {
		var jac secp256k1.JacobianPoint
		secp256k1.ScalarBaseMultNonConst(cand, &jac)
		jac.ToAffine()
		pub := secp256k1.NewPublicKey(&jac.X, &jac.Y)
		if pub.IsEqual(known) {
			return cand, nil
		}
	}
	return nil, ErrSecretNotFound
}

// deterministicNonce derives a nonce scalar for EncSign from the private
// key, message hash, encryption point, and a retry counter, so the same
// inputs always produce the same encrypted signature absent a degenerate
// retry.
func deterministicNonce(priv *secp256k1.PrivateKey, hash []byte, y *secp256k1.PublicKey, attempt int) (secp256k1.ModNScalar, error) {
	h := sha256.New()
	h.Write(priv.Serialize())
	h.Write(hash)
	h.Write(y.SerializeCompressed())
	h.Write([]byte{byte(attempt)})
	digest := h.Sum(nil)

	var k secp256k1.ModNScalar
	k.SetByteSlice(digest)
	return k, nil
}

// fieldToModNScalar reduces a secp256k1 field element (mod p) into a scalar
// (mod n) by round-tripping through its canonical byte encoding, which
// SetBytes reduces mod n as needed.
func fieldToModNScalar(f *secp256k1.FieldVal) secp256k1.ModNScalar {
	fc := *f
	fc.Normalize()
	var buf [32]byte
	fc.PutBytes(&buf)

	var s secp256k1.ModNScalar
	s.SetBytes(&buf)
	return s
}
