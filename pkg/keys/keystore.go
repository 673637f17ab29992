package keys

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"golang.org/x/crypto/openpgp/armor" // nolint
	"golang.org/x/crypto/scrypt"
)

const (
	PaymentKeyArmoredBlock = "ZPAY PAYMENT KEY"

	saltLen  = 32
	nonceLen = 12
)

// ScryptParams are the key-derivation parameters of a keystore file.
type ScryptParams struct {
	N, R, P int
}

// DefaultScryptParams costs ~256MB and about a second per derivation.
var DefaultScryptParams = ScryptParams{N: 1 << 18, R: 8, P: 1}

var ErrInvalidPassword = errors.New("invalid password")

// WriteKeystore encrypts key with password and writes it as an armored block. Existing
// non-empty files are never overwritten.
func WriteKeystore(path string, key *PaymentKey, password []byte, params ScryptParams) error {
	if fi, err := os.Stat(path); err == nil && fi.Size() > 0 {
		return fmt.Errorf("refusing to overwrite %s: %w", path, os.ErrExist)
	}

	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}
	nonce := make([]byte, nonceLen)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	aead, err := newAEAD(password, salt, params)
	if err != nil {
		return err
	}

	plaintext := key.Bytes()
	defer clear(plaintext)
	ciphertext := aead.Seal(nil, nonce, plaintext, []byte(PaymentKeyArmoredBlock))

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	headers := map[string]string{
		"KDF":   "scrypt",
		"N":     strconv.Itoa(params.N),
		"R":     strconv.Itoa(params.R),
		"P":     strconv.Itoa(params.P),
		"Salt":  base64.StdEncoding.EncodeToString(salt),
		"Nonce": base64.StdEncoding.EncodeToString(nonce),
	}
	a, err := armor.Encode(f, PaymentKeyArmoredBlock, headers)
	if err != nil {
		return fmt.Errorf("failed to create armor writer: %w", err)
	}
	if _, err := a.Write(ciphertext); err != nil {
		return fmt.Errorf("failed to write key: %w", err)
	}
	if err := a.Close(); err != nil {
		return fmt.Errorf("failed to close armor writer: %w", err)
	}
	return nil
}

// ReadKeystore decrypts a key written by WriteKeystore.
func ReadKeystore(path string, password []byte) (*PaymentKey, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	p, err := armor.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read armored file: %w", err)
	}
	if p.Type != PaymentKeyArmoredBlock {
		return nil, fmt.Errorf("invalid block type: %s", p.Type)
	}
	if p.Header["KDF"] != "scrypt" {
		return nil, fmt.Errorf("unsupported kdf %q", p.Header["KDF"])
	}

	var params ScryptParams
	for name, dst := range map[string]*int{"N": &params.N, "R": &params.R, "P": &params.P} {
		v, err := strconv.Atoi(p.Header[name])
		if err != nil {
			return nil, fmt.Errorf("invalid scrypt parameter %s: %w", name, err)
		}
		*dst = v
	}
	salt, err := base64.StdEncoding.DecodeString(p.Header["Salt"])
	if err != nil {
		return nil, fmt.Errorf("failed to decode salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(p.Header["Nonce"])
	if err != nil || len(nonce) != nonceLen {
		return nil, errors.New("failed to decode nonce")
	}

	ciphertext, err := io.ReadAll(p.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	aead, err := newAEAD(password, salt, params)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(PaymentKeyArmoredBlock))
	if err != nil {
		return nil, ErrInvalidPassword
	}
	defer clear(plaintext)

	return PaymentKeyFromBytes(plaintext)
}

func newAEAD(password, salt []byte, params ScryptParams) (cipher.AEAD, error) {
	key, err := scrypt.Key(password, salt, params.N, params.R, params.P, 32)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	defer clear(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
