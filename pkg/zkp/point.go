package zkp

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// PointSize is the length of a compressed point encoding.
const PointSize = 33

var ErrPointAtInfinity = errors.New("point at infinity")

// Point is a secp256k1 group element kept in affine form.
type Point struct {
	p secp256k1.JacobianPoint
}

// ParsePoint decodes a compressed or uncompressed SEC1 point.
func ParsePoint(b []byte) (*Point, error) {
	pub, err := secp256k1.ParsePubKey(b)
	if err != nil {
		return nil, fmt.Errorf("invalid point: %w", err)
	}
	var pt Point
	pub.AsJacobian(&pt.p)
	return &pt, nil
}

func pointFromXY(x, y *secp256k1.FieldVal) *Point {
	var one secp256k1.FieldVal
	one.SetInt(1)
	return &Point{p: secp256k1.MakeJacobianPoint(x, y, &one)}
}

func (pt *Point) IsInfinity() bool {
	return pt.p.Z.IsZero() || (pt.p.X.IsZero() && pt.p.Y.IsZero())
}

// Mul returns k*pt.
func (pt *Point) Mul(k *secp256k1.ModNScalar) *Point {
	var r Point
	secp256k1.ScalarMultNonConst(k, &pt.p, &r.p)
	r.p.ToAffine()
	return &r
}

// Add returns pt+q.
func (pt *Point) Add(q *Point) *Point {
	var r Point
	secp256k1.AddNonConst(&pt.p, &q.p, &r.p)
	r.p.ToAffine()
	return &r
}

func (pt *Point) Equal(q *Point) bool {
	if pt.IsInfinity() || q.IsInfinity() {
		return pt.IsInfinity() && q.IsInfinity()
	}
	return pt.p.X.Equals(&q.p.X) && pt.p.Y.Equals(&q.p.Y)
}

// Bytes returns the 33 byte compressed encoding. The point at infinity has no encoding.
func (pt *Point) Bytes() ([]byte, error) {
	if pt.IsInfinity() {
		return nil, ErrPointAtInfinity
	}
	x, y := pt.p.X, pt.p.Y
	return secp256k1.NewPublicKey(&x, &y).SerializeCompressed(), nil
}

// MustBytes is Bytes for points known to be finite, such as multiples of a hash-to-curve base by a non-zero scalar.
func (pt *Point) MustBytes() []byte {
	b, err := pt.Bytes()
	if err != nil {
		panic(err)
	}
	return b
}

func (pt *Point) String() string {
	b, err := pt.Bytes()
	if err != nil {
		return "infinity"
	}
	return hex.EncodeToString(b)
}

// ScalarFromBytes reduces a big-endian 32 byte value modulo the group order.
func ScalarFromBytes(b [32]byte) *secp256k1.ModNScalar {
	var s secp256k1.ModNScalar
	s.SetBytes(&b)
	return &s
}

// ParseScalar decodes a canonical (non-overflowing) 32 byte scalar.
func ParseScalar(b []byte) (*secp256k1.ModNScalar, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("invalid scalar length %d", len(b))
	}
	var s secp256k1.ModNScalar
	if overflow := s.SetByteSlice(b); overflow {
		return nil, errors.New("scalar exceeds group order")
	}
	return &s, nil
}
