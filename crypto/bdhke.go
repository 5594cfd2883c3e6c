// Package crypto implements the blind Diffie-Hellman key exchange (BDHKE)
// that underlies Cashu's blind signatures, plus the BIP32-derived keysets
// that supply the per-amount signing keys.
package crypto

import (
	"crypto/sha256"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// HashToCurve deterministically maps message onto a point on the curve,
// rehashing until the candidate x-coordinate lands on a valid point.
func HashToCurve(message []byte) *secp256k1.PublicKey {
	var point *secp256k1.PublicKey

	for point == nil || !point.IsOnCurve() {
		hash := sha256.Sum256(message)
		pkhash := append([]byte{0x02}, hash[:]...)
		point, _ = secp256k1.ParsePubKey(pkhash)
		message = hash[:]
	}
	return point
}

// B_ = Y + rG
func BlindMessage(secret []byte, blindingFactor []byte) (*secp256k1.PublicKey, *secp256k1.PrivateKey) {
	var ypoint, rpoint, blindedMessage secp256k1.JacobianPoint

	Y := HashToCurve(secret)
	Y.AsJacobian(&ypoint)

	r, rpub := btcec.PrivKeyFromBytes(blindingFactor)
	rpub.AsJacobian(&rpoint)

	// blindedMessage = Y + rG (rpub)
	secp256k1.AddNonConst(&ypoint, &rpoint, &blindedMessage)
	blindedMessage.ToAffine()
	B_ := secp256k1.NewPublicKey(&blindedMessage.X, &blindedMessage.Y)

	return B_, r
}

// C_ = kB_
func SignBlindedMessage(B_ *secp256k1.PublicKey, k *secp256k1.PrivateKey) *secp256k1.PublicKey {
	var bpoint, result secp256k1.JacobianPoint
	B_.AsJacobian(&bpoint)

	// result = k * B_
	secp256k1.ScalarMultNonConst(&k.Key, &bpoint, &result)
	result.ToAffine()
	C_ := secp256k1.NewPublicKey(&result.X, &result.Y)

	return C_
}

// C = C_ - rK
func UnblindSignature(C_ *secp256k1.PublicKey, r *secp256k1.PrivateKey,
	K *secp256k1.PublicKey) *secp256k1.PublicKey {

	var Kpoint, rKPoint, CPoint secp256k1.JacobianPoint
	K.AsJacobian(&Kpoint)

	var rNeg secp256k1.ModNScalar
	rNeg.NegateVal(&r.Key)

	secp256k1.ScalarMultNonConst(&rNeg, &Kpoint, &rKPoint)

	var C_Point secp256k1.JacobianPoint
	C_.AsJacobian(&C_Point)
	secp256k1.AddNonConst(&C_Point, &rKPoint, &CPoint)
	CPoint.ToAffine()

	C := secp256k1.NewPublicKey(&CPoint.X, &CPoint.Y)
	return C
}

// k * HashToCurve(secret) == C
func Verify(secret []byte, k *secp256k1.PrivateKey, C *secp256k1.PublicKey) bool {
	var Ypoint, result secp256k1.JacobianPoint
	Y := HashToCurve(secret)
	Y.AsJacobian(&Ypoint)

	secp256k1.ScalarMultNonConst(&k.Key, &Ypoint, &result)
	result.ToAffine()
	pk := secp256k1.NewPublicKey(&result.X, &result.Y)

	return C.IsEqual(pk)
}

// DLEQProof is a non-interactive Schnorr proof that the same scalar k
// satisfies both C_ = kB_ and A = kG, letting a holder verify a blind
// signature came from the key it claims without trusting the mint.
type DLEQProof struct {
	E *secp256k1.ModNScalar
	S *secp256k1.ModNScalar
}

func scalarFromTranscript(points ...*secp256k1.PublicKey) *secp256k1.ModNScalar {
	hasher := sha256.New()
	for _, p := range points {
		hasher.Write(p.SerializeCompressed())
	}
	var e secp256k1.ModNScalar
	e.SetByteSlice(hasher.Sum(nil))
	return &e
}

// GenerateDLEQ produces a proof that C_ = kB_ for the same private key k
// whose public key A is published as part of the keyset.
// r is random, R1 = rG, R2 = rB_, e = H(R1||R2||A||B_||C_), s = r + e*k.
func GenerateDLEQ(k *secp256k1.PrivateKey, B_, C_ *secp256k1.PublicKey) (*DLEQProof, error) {
	r, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}

	var bpoint, r2point secp256k1.JacobianPoint
	B_.AsJacobian(&bpoint)
	secp256k1.ScalarMultNonConst(&r.Key, &bpoint, &r2point)
	r2point.ToAffine()
	R2 := secp256k1.NewPublicKey(&r2point.X, &r2point.Y)

	R1 := r.PubKey()
	A := k.PubKey()

	e := scalarFromTranscript(R1, R2, A, B_, C_)

	var s secp256k1.ModNScalar
	s.Set(e)
	s.Mul(&k.Key)
	s.Add(&r.Key)

	return &DLEQProof{E: e, S: &s}, nil
}

// VerifyDLEQ checks a DLEQ proof against the mint's public key A for the
// amount in question, the blinded message B_, and the blinded signature
// C_ it allegedly signed.
func VerifyDLEQ(proof *DLEQProof, A, B_, C_ *secp256k1.PublicKey) bool {
	var apoint, bpoint, cpoint secp256k1.JacobianPoint
	A.AsJacobian(&apoint)
	B_.AsJacobian(&bpoint)
	C_.AsJacobian(&cpoint)

	// R1 = sG - eA
	var sG, eA, eANeg, R1Point secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(proof.S, &sG)
	secp256k1.ScalarMultNonConst(proof.E, &apoint, &eA)
	eA.ToAffine()
	negA := secp256k1.NewPublicKey(&eA.X, new(secp256k1.FieldVal).NegateVal(&eA.Y, 1).Normalize())
	negA.AsJacobian(&eANeg)
	secp256k1.AddNonConst(&sG, &eANeg, &R1Point)
	R1Point.ToAffine()
	R1 := secp256k1.NewPublicKey(&R1Point.X, &R1Point.Y)

	// R2 = sB_ - eC_
	var sB, eC, eCNeg, R2Point secp256k1.JacobianPoint
	secp256k1.ScalarMultNonConst(proof.S, &bpoint, &sB)
	secp256k1.ScalarMultNonConst(proof.E, &cpoint, &eC)
	eC.ToAffine()
	negC := secp256k1.NewPublicKey(&eC.X, new(secp256k1.FieldVal).NegateVal(&eC.Y, 1).Normalize())
	negC.AsJacobian(&eCNeg)
	secp256k1.AddNonConst(&sB, &eCNeg, &R2Point)
	R2Point.ToAffine()
	R2 := secp256k1.NewPublicKey(&R2Point.X, &R2Point.Y)

	expected := scalarFromTranscript(R1, R2, A, B_, C_)
	return expected.Equals(proof.E)
}
