package zkp

import (
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// DLEQProofSize is the encoded size of a DLEQProof (challenge || response).
const DLEQProofSize = 64

var ErrInvalidProof = errors.New("invalid DLEQ proof")

// DLEQProof proves knowledge of k with P = k*G and N = k*H without revealing k
// (Chaum-Pedersen, made non-interactive with a Transcript).
type DLEQProof struct {
	C secp256k1.ModNScalar
	S secp256k1.ModNScalar
}

// DLEQStatement is the public part of the relation.
type DLEQStatement struct {
	G, P *Point
	H, N *Point
}

func (st *DLEQStatement) bind(t *Transcript) {
	t.AppendPoint("G", st.G)
	t.AppendPoint("P", st.P)
	t.AppendPoint("H", st.H)
	t.AppendPoint("N", st.N)
}

// ProveDLEQ produces a proof for the statement. The transcript must already hold every public
// input the proof should be bound to. The nonce is derived from k and the transcript, so equal
// inputs yield equal proofs.
func ProveDLEQ(t *Transcript, st *DLEQStatement, k *secp256k1.ModNScalar) (*DLEQProof, error) {
	if k.IsZero() {
		return nil, errors.New("zero witness")
	}
	if !st.G.Mul(k).Equal(st.P) || !st.H.Mul(k).Equal(st.N) {
		return nil, errors.New("witness does not satisfy statement")
	}

	st.bind(t)

	kb := k.Bytes()
	r := ScalarFromBytes(t.clone().digest(PersonNonce, kb[:]))
	for i := range kb {
		kb[i] = 0
	}
	if r.IsZero() {
		return nil, errors.New("degenerate nonce")
	}

	t.AppendPoint("A1", st.G.Mul(r))
	t.AppendPoint("A2", st.H.Mul(r))
	c := t.Challenge("c")

	// s = r + c*k
	var s secp256k1.ModNScalar
	s.Mul2(c, k).Add(r)
	r.Zero()

	return &DLEQProof{C: *c, S: s}, nil
}

// VerifyDLEQ checks the proof against a transcript holding the same public inputs the prover bound.
func VerifyDLEQ(t *Transcript, st *DLEQStatement, proof *DLEQProof) error {
	if st.P.IsInfinity() || st.N.IsInfinity() {
		return fmt.Errorf("%w: degenerate statement", ErrInvalidProof)
	}
	st.bind(t)

	// A1 = s*G - c*P, A2 = s*H - c*N
	var negC secp256k1.ModNScalar
	negC.NegateVal(&proof.C)
	a1 := st.G.Mul(&proof.S).Add(st.P.Mul(&negC))
	a2 := st.H.Mul(&proof.S).Add(st.N.Mul(&negC))
	if a1.IsInfinity() || a2.IsInfinity() {
		return ErrInvalidProof
	}

	t.AppendPoint("A1", a1)
	t.AppendPoint("A2", a2)
	if !t.Challenge("c").Equals(&proof.C) {
		return ErrInvalidProof
	}
	return nil
}

func (p *DLEQProof) Bytes() []byte {
	out := make([]byte, 0, DLEQProofSize)
	c, s := p.C.Bytes(), p.S.Bytes()
	out = append(out, c[:]...)
	return append(out, s[:]...)
}

func ParseDLEQProof(b []byte) (*DLEQProof, error) {
	if len(b) != DLEQProofSize {
		return nil, fmt.Errorf("invalid proof length %d", len(b))
	}
	c, err := ParseScalar(b[:32])
	if err != nil {
		return nil, err
	}
	s, err := ParseScalar(b[32:])
	if err != nil {
		return nil, err
	}
	return &DLEQProof{C: *c, S: *s}, nil
}
