package wire

import (
	"math/big"

	"filippo.io/edwards25519"
	"github.com/btcsuite/btcd/btcec/v2"
	secp256k1 "github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/shieldswap/swapd/adaptor"
	"github.com/shieldswap/swapd/dleq"
)

func parseEdPoint(b []byte) (*edwards25519.Point, error) {
	return edwards25519.NewIdentityPoint().SetBytes(b)
}

// EncodeDLEQProof converts a dleq.Proof/dleq.Images pair into wire form.
func EncodeDLEQProof(proof dleq.Proof, images dleq.Images) DLEQProof {
	var out DLEQProof
	copy(out.RSecp[:], proof.RSecp.SerializeCompressed())
	copy(out.REd[:], proof.REd.Bytes())
	out.Z = proof.Z.Bytes()
	return out
}

// DecodeDLEQProof parses a wire DLEQProof back into a dleq.Proof. It takes
// only the proof: the public images it proves travel as separate
// SPub/SPubEd fields on the message, since they are also needed outside
// the proof.
func DecodeDLEQProof(w DLEQProof) (dleq.Proof, error) {
	rSecp, err := btcec.ParsePubKey(w.RSecp[:])
	if err != nil {
		return dleq.Proof{}, err
	}

	rEd, err := parseEdPoint(w.REd[:])
	if err != nil {
		return dleq.Proof{}, err
	}

	z := new(big.Int).SetBytes(w.Z)

	return dleq.Proof{
		RSecp: (*secp256k1.PublicKey)(rSecp),
		REd:   rEd,
		Z:     z,
	}, nil
}

// DecodeDLEQImages parses the secp256k1/ed25519 public images a message
// carries alongside a DLEQProof.
func DecodeDLEQImages(secpBytes [33]byte, edBytes [32]byte) (dleq.Images, error) {
	secpPub, err := btcec.ParsePubKey(secpBytes[:])
	if err != nil {
		return dleq.Images{}, err
	}

	edPt, err := parseEdPoint(edBytes[:])
	if err != nil {
		return dleq.Images{}, err
	}

	return dleq.Images{Secp: (*secp256k1.PublicKey)(secpPub), Ed: edPt}, nil
}

// EncodeEncryptedSignature converts an adaptor.Signature into wire form.
func EncodeEncryptedSignature(sig *adaptor.Signature) EncryptedSignature {
	rBytes := sig.R.Bytes()
	sBytes := sig.S.Bytes()
	return EncryptedSignature{R: rBytes[:], S: sBytes[:]}
}

// DecodeEncryptedSignature parses a wire EncryptedSignature back into an
// adaptor.Signature.
func DecodeEncryptedSignature(w EncryptedSignature) (*adaptor.Signature, error) {
	var r, s secp256k1.ModNScalar
	var rBuf, sBuf [32]byte
	copy(rBuf[32-len(w.R):], w.R)
	copy(sBuf[32-len(w.S):], w.S)
	r.SetBytes(&rBuf)
	s.SetBytes(&sBuf)
	return &adaptor.Signature{R: &r, S: &s}, nil
}
