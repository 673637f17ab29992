package zkp

import (
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// Transcript accumulates labelled public values for a Fiat-Shamir challenge.
type Transcript struct {
	msgs [][]byte
}

func NewTranscript(protocol string) *Transcript {
	t := &Transcript{}
	t.Append("protocol", []byte(protocol))
	return t
}

func (t *Transcript) Append(label string, data []byte) {
	t.msgs = append(t.msgs, []byte(label), append([]byte(nil), data...))
}

func (t *Transcript) AppendPoint(label string, p *Point) {
	t.Append(label, p.MustBytes())
}

func (t *Transcript) digest(person string, extra ...[]byte) [32]byte {
	h := newHash(person)
	for _, m := range t.msgs {
		writeFramed(h, m)
	}
	for _, m := range extra {
		writeFramed(h, m)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Challenge derives the challenge scalar from everything appended so far.
func (t *Transcript) Challenge(label string) *secp256k1.ModNScalar {
	return ScalarFromBytes(t.digest(PersonTranscript, []byte(label)))
}

// clone copies the transcript so that a prover can derive a nonce without mutating the
// shared state.
func (t *Transcript) clone() *Transcript {
	c := &Transcript{msgs: make([][]byte, len(t.msgs))}
	copy(c.msgs, t.msgs)
	return c
}
