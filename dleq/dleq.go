// Package dleq proves and verifies that the same scalar is the discrete log
// of a point on secp256k1 and of a point on the ed25519 group, without
// revealing the scalar. It is the cryptographic linchpin that lets each
// party trust that decrypting the other's adaptor signature yields the
// correct shielded-chain spend-key half (spec.md §1, §4.1).
//
// The two groups have different (and differently-sized) orders, so a plain
// Schnorr-style equality proof doesn't directly apply. Proof below uses the
// "oversized nonce" technique: the prover's nonce is drawn from a range far
// larger than the challenge-times-secret term, so the (unreduced) response
// statistically hides the secret while still satisfying a verification
// equation in each group. This mirrors the role CrossCurveDLEQProof plays
// in original_source/swap/src/protocol/bob/state.rs, implemented directly
// rather than via a borrowed bit-decomposition proof system.
package dleq

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"
	"math/big"

	"filippo.io/edwards25519"
	"github.com/btcsuite/btcd/btcec/v2"
	secp256k1 "github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// edOrder is the order of the ed25519 group, L = 2^252 +
// 27742317777372353535851937790883648493.
var edOrder = func() *big.Int {
	l, ok := new(big.Int).SetString("27742317777372353535851937790883648493", 10)
	if !ok {
		panic("dleq: bad ed25519 order constant")
	}
	l.Add(l, new(big.Int).Lsh(big.NewInt(1), 252))
	return l
}()

const (
	// challengeBits bounds the Fiat-Shamir challenge.
	challengeBits = 128
	// slackBits is the statistical security margin added to the nonce so
	// that the response hides the secret.
	slackBits = 128
)

// Scalar is a secret value shared across both curves: s < edOrder, valid as
// a scalar on both secp256k1 (whose order exceeds edOrder) and ed25519.
type Scalar struct {
	v *big.Int
}

// RandomScalar draws a uniformly random scalar in [1, edOrder).
func RandomScalar(rng io.Reader) (Scalar, error) {
	if rng == nil {
		rng = rand.Reader
	}
	max := new(big.Int).Sub(edOrder, big.NewInt(1))
	v, err := randBigInt(rng, max)
	if err != nil {
		return Scalar{}, err
	}
	return Scalar{v: v.Add(v, big.NewInt(1))}, nil
}

// ScalarFromBytes interprets 32 little-endian bytes as a scalar, reducing
// modulo edOrder.
func ScalarFromBytes(b []byte) Scalar {
	le := make([]byte, len(b))
	copy(le, b)
	reverse(le)
	v := new(big.Int).SetBytes(le)
	v.Mod(v, edOrder)
	return Scalar{v: v}
}

// Add returns s + other mod edOrder.
func (s Scalar) Add(other Scalar) Scalar {
	v := new(big.Int).Add(s.v, other.v)
	v.Mod(v, edOrder)
	return Scalar{v: v}
}

// Bytes32 encodes the scalar as 32 little-endian bytes, the ed25519
// convention (spec.md §6 "Scalars: 32-byte little-endian for ed25519").
func (s Scalar) Bytes32() [32]byte {
	var out [32]byte
	b := s.v.Bytes()
	for i := 0; i < len(b) && i < 32; i++ {
		out[i] = b[len(b)-1-i]
	}
	return out
}

// secpScalar returns s reduced into a secp256k1 ModNScalar. Because edOrder
// is smaller than the secp256k1 group order, no reduction is needed beyond
// the natural fit.
func (s Scalar) secpScalar() secp256k1.ModNScalar {
	var sc secp256k1.ModNScalar
	b := s.v.Bytes()
	var buf [32]byte
	copy(buf[32-len(b):], b)
	sc.SetBytes(&buf)
	return sc
}

// SecpModNScalar exports s as a secp256k1 ModNScalar, the form
// adaptor.Decrypt and adaptor.Recover need as the discrete log behind a
// shielded spend-key half's secp256k1 image.
func (s Scalar) SecpModNScalar() secp256k1.ModNScalar {
	return s.secpScalar()
}

// ScalarFromModNScalar rebuilds a Scalar from a secp256k1 ModNScalar, the
// inverse of SecpModNScalar. It's used to turn the value adaptor.Recover
// extracts from a published transaction back into a shielded spend-key
// half; the caller must already know the value is < edOrder (true of every
// adaptor secret this package produces), since this reduces mod edOrder
// without checking for loss.
func ScalarFromModNScalar(y *secp256k1.ModNScalar) Scalar {
	buf := y.Bytes()
	v := new(big.Int).SetBytes(buf[:])
	v.Mod(v, edOrder)
	return Scalar{v: v}
}

func (s Scalar) edScalar() *edwards25519.Scalar {
	b := s.Bytes32()
	sc, err := edwards25519.NewScalar().SetCanonicalBytes(b[:])
	if err != nil {
		// s < edOrder by construction, so this cannot happen.
		panic("dleq: scalar not canonical: " + err.Error())
	}
	return sc
}

// Images are the two public points a Scalar maps to.
type Images struct {
	Secp *secp256k1.PublicKey // s·G_btc
	Ed   *edwards25519.Point  // s·G_shld
}

// Image computes the secp256k1 and ed25519 images of s.
func (s Scalar) Image() Images {
	sc := s.secpScalar()
	var jac secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(&sc, &jac)
	jac.ToAffine()
	secpPub := secp256k1.NewPublicKey(&jac.X, &jac.Y)

	edPt := edwards25519.NewIdentityPoint().ScalarBaseMult(s.edScalar())

	return Images{Secp: secpPub, Ed: edPt}
}

// Proof is a cross-curve DLEQ proof (spec.md §4.1).
type Proof struct {
	RSecp *secp256k1.PublicKey // k·G_btc
	REd   *edwards25519.Point  // k·G_shld
	Z     *big.Int             // unreduced response k + e*s
}

// Prove produces a proof that the same scalar s underlies both images
// returned.
func Prove(s Scalar, rng io.Reader) (Proof, Images, error) {
	if rng == nil {
		rng = rand.Reader
	}

	images := s.Image()

	nonceBits := 252 + challengeBits + slackBits
	kMax := new(big.Int).Lsh(big.NewInt(1), uint(nonceBits))
	k, err := randBigInt(rng, kMax)
	if err != nil {
		return Proof{}, Images{}, err
	}

	kSecpSc := bigIntToSecpScalar(new(big.Int).Mod(k, secpOrder()))
	var rSecpJac secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(&kSecpSc, &rSecpJac)
	rSecpJac.ToAffine()
	rSecp := secp256k1.NewPublicKey(&rSecpJac.X, &rSecpJac.Y)

	kEdSc := bigIntToEdScalar(new(big.Int).Mod(k, edOrder))
	rEd := edwards25519.NewIdentityPoint().ScalarBaseMult(kEdSc)

	e := challenge(rSecp, rEd, images.Secp, images.Ed)

	z := new(big.Int).Mul(e, s.v)
	z.Add(z, k)

	return Proof{RSecp: rSecp, REd: rEd, Z: z}, images, nil
}

// Verify checks that proof attests the same scalar underlies both images.
func Verify(proof Proof, images Images) bool {
	if proof.RSecp == nil || proof.REd == nil || proof.Z == nil {
		return false
	}

	e := challenge(proof.RSecp, proof.REd, images.Secp, images.Ed)

	// secp256k1 side: z·G_btc == R_btc + e·S_btc
	zSecp := bigIntToSecpScalar(new(big.Int).Mod(proof.Z, secpOrder()))
	var lhsSecp secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(&zSecp, &lhsSecp)
	lhsSecp.ToAffine()

	eSecp := bigIntToSecpScalar(new(big.Int).Mod(e, secpOrder()))
	var sImgJac, eSImgJac, rJac, rhsSecp secp256k1.JacobianPoint
	images.Secp.AsJacobian(&sImgJac)
	secp256k1.ScalarMultNonConst(&eSecp, &sImgJac, &eSImgJac)
	proof.RSecp.AsJacobian(&rJac)
	secp256k1.AddNonConst(&rJac, &eSImgJac, &rhsSecp)
	rhsSecp.ToAffine()

	if lhsSecp.X != rhsSecp.X || lhsSecp.Y != rhsSecp.Y {
		return false
	}

	// ed25519 side: z·G_shld == R_shld + e·S_shld
	zEd := bigIntToEdScalar(new(big.Int).Mod(proof.Z, edOrder))
	lhsEd := edwards25519.NewIdentityPoint().ScalarBaseMult(zEd)

	eEd := bigIntToEdScalar(new(big.Int).Mod(e, edOrder))
	rhsEd := edwards25519.NewIdentityPoint().ScalarMult(eEd, images.Ed)
	rhsEd = edwards25519.NewIdentityPoint().Add(proof.REd, rhsEd)

	return lhsEd.Equal(rhsEd) == 1
}

func challenge(rSecp *secp256k1.PublicKey, rEd *edwards25519.Point,
	sSecp *secp256k1.PublicKey, sEd *edwards25519.Point) *big.Int {

	h := sha256.New()
	h.Write(rSecp.SerializeCompressed())
	h.Write(rEd.Bytes())
	h.Write(sSecp.SerializeCompressed())
	h.Write(sEd.Bytes())
	digest := h.Sum(nil)

	e := new(big.Int).SetBytes(digest)
	mod := new(big.Int).Lsh(big.NewInt(1), challengeBits)
	return e.Mod(e, mod)
}

func secpOrder() *big.Int {
	return btcec.S256().Params().N
}

func bigIntToSecpScalar(v *big.Int) secp256k1.ModNScalar {
	var sc secp256k1.ModNScalar
	b := v.Bytes()
	var buf [32]byte
	copy(buf[32-len(b):], b)
	sc.SetBytes(&buf)
	return sc
}

func bigIntToEdScalar(v *big.Int) *edwards25519.Scalar {
	var le [32]byte
	b := v.Bytes()
	for i := 0; i < len(b) && i < 32; i++ {
		le[i] = b[len(b)-1-i]
	}
	sc, err := edwards25519.NewScalar().SetCanonicalBytes(le[:])
	if err != nil {
		panic("dleq: non-canonical scalar: " + err.Error())
	}
	return sc
}

func randBigInt(rng io.Reader, max *big.Int) (*big.Int, error) {
	if max.Sign() <= 0 {
		return nil, errors.New("dleq: non-positive bound")
	}
	bitLen := max.BitLen()
	byteLen := (bitLen + 7) / 8
	for {
		buf := make([]byte, byteLen)
		if _, err := io.ReadFull(rng, buf); err != nil {
			return nil, err
		}
		v := new(big.Int).SetBytes(buf)
		v.Mod(v, max)
		return v, nil
	}
}

func reverse(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}
