// Package keys implements one-time payment keys: generation, export and encrypted storage.
package keys

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/mr-tron/base58"
	"go.uber.org/zap/zapcore"

	"github.com/hussein-aitlahcen/requestNetwork/pkg/common"
)

// KeySize is the length of a raw payment key.
const KeySize = 32

// maxDraws bounds the rejection sampling of out-of-range scalars. The probability of a single
// rejection is below 2^-127.
const maxDraws = 8

const redacted = "PaymentKey(redacted)"

// PaymentKey is a one-time secret scalar. It formats as redacted under every verb and zap
// encoder so it cannot end up in logs. Use Export for deliberate serialization.
type PaymentKey struct {
	k secp256k1.ModNScalar
}

// KeyManager draws payment keys from an entropy source.
type KeyManager struct {
	entropy io.Reader
}

// NewKeyManager returns a KeyManager reading from r, or crypto/rand if r is nil.
func NewKeyManager(r io.Reader) *KeyManager {
	if r == nil {
		r = rand.Reader
	}
	return &KeyManager{entropy: r}
}

// GenerateKey returns a fresh uniformly random non-zero key. Entropy failures return an EntropySourceError.
func (m *KeyManager) GenerateKey() (*PaymentKey, error) {
	var buf [KeySize]byte
	defer clear(buf[:])

	for i := 0; i < maxDraws; i++ {
		if _, err := io.ReadFull(m.entropy, buf[:]); err != nil {
			return nil, &common.EntropySourceError{Cause: err}
		}
		key := &PaymentKey{}
		if overflow := key.k.SetByteSlice(buf[:]); overflow || key.k.IsZero() {
			continue
		}
		return key, nil
	}
	return nil, &common.EntropySourceError{Cause: errors.New("entropy source produced no valid scalar")}
}

// PaymentKeyFromBytes builds a key from its raw 32 byte encoding.
func PaymentKeyFromBytes(b []byte) (*PaymentKey, error) {
	if len(b) != KeySize {
		return nil, fmt.Errorf("invalid payment key length %d", len(b))
	}
	key := &PaymentKey{}
	if overflow := key.k.SetByteSlice(b); overflow {
		return nil, errors.New("payment key exceeds group order")
	}
	if key.k.IsZero() {
		return nil, errors.New("payment key is zero")
	}
	return key, nil
}

// Scalar returns a copy of the secret scalar for proof construction. Callers must Zero it.
func (k *PaymentKey) Scalar() *secp256k1.ModNScalar {
	var s secp256k1.ModNScalar
	s.Set(&k.k)
	return &s
}

// Bytes returns the raw key. Callers must clear the result.
func (k *PaymentKey) Bytes() []byte {
	b := k.k.Bytes()
	out := make([]byte, KeySize)
	copy(out, b[:])
	clear(b[:])
	return out
}

// Equal compares two keys.
func (k *PaymentKey) Equal(o *PaymentKey) bool {
	return k.k.Equals(&o.k)
}

// Destroy zeroes the key. A destroyed key can no longer be used.
func (k *PaymentKey) Destroy() {
	k.k.Zero()
}

func (k *PaymentKey) IsDestroyed() bool {
	return k.k.IsZero()
}

func (k PaymentKey) String() string { return redacted }

func (k PaymentKey) GoString() string { return redacted }

func (k PaymentKey) Format(f fmt.State, _ rune) { _, _ = io.WriteString(f, redacted) }

func (k PaymentKey) MarshalText() ([]byte, error) { return []byte(redacted), nil }

func (k PaymentKey) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("key", "redacted")
	return nil
}

// Export encodes the key as base58(key || checksum), the checksum being the first four bytes
// of keccak256(key).
func (k *PaymentKey) Export() string {
	raw := k.Bytes()
	defer clear(raw)
	sum := crypto.Keccak256(raw)[:4]
	buf := append(append(make([]byte, 0, KeySize+4), raw...), sum...)
	defer clear(buf)
	return base58.Encode(buf)
}

// ParsePaymentKey decodes the output of Export.
func ParsePaymentKey(s string) (*PaymentKey, error) {
	buf, err := base58.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("invalid payment key encoding: %w", err)
	}
	defer clear(buf)
	if len(buf) != KeySize+4 {
		return nil, fmt.Errorf("invalid payment key length %d", len(buf))
	}
	if !bytes.Equal(crypto.Keccak256(buf[:KeySize])[:4], buf[KeySize:]) {
		return nil, errors.New("payment key checksum mismatch")
	}
	return PaymentKeyFromBytes(buf[:KeySize])
}
