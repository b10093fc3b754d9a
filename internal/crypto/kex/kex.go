// Package kex is the client side of the relay handshake: X25519 key pairs whose
// public halves travel as the opaque inviterKey / recipientKey strings, and a
// safety code both parties can compare out of band.
package kex

import (
	"bytes"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the length of X25519 public/private keys and shared secrets.
const KeySize = 32

const (
	safetyCodeInfo  = "chatty safety code v1"
	safetyCodeBytes = 10
)

var ErrLowEntropy = errors.New("public key yielded low-entropy shared secret")

// KeyPair holds an X25519 key pair.
type KeyPair struct {
	Public  []byte
	Private []byte
}

var (
	curve          = ecdh.X25519()
	validationPriv *ecdh.PrivateKey
)

func init() {
	priv, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		panic(fmt.Errorf("init validation key: %w", err))
	}
	validationPriv = priv
}

// GenerateKeyPair produces a fresh X25519 key pair using the provided source of randomness.
func GenerateKeyPair(r io.Reader) (KeyPair, error) {
	if r == nil {
		r = rand.Reader
	}
	priv, err := curve.GenerateKey(r)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate x25519 key: %w", err)
	}
	return KeyPair{
		Public:  append([]byte(nil), priv.PublicKey().Bytes()...),
		Private: append([]byte(nil), priv.Bytes()...),
	}, nil
}

// Encode renders the public key in the form sent through the relay.
func (k KeyPair) Encode() string {
	return EncodePublic(k.Public)
}

// EncodePublic base64url-encodes a public key.
func EncodePublic(pub []byte) string {
	return base64.RawURLEncoding.EncodeToString(pub)
}

// DecodePublic parses and validates a public key received through the relay.
func DecodePublic(s string) ([]byte, error) {
	pub, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if err := ValidatePublicKey(pub); err != nil {
		return nil, err
	}
	return pub, nil
}

// ValidatePublicKey ensures the provided key has the expected size and does not yield a zero shared secret.
func ValidatePublicKey(pub []byte) error {
	if len(pub) != KeySize {
		return fmt.Errorf("public key must be %d bytes (got %d)", KeySize, len(pub))
	}
	parsed, err := curve.NewPublicKey(pub)
	if err != nil {
		return fmt.Errorf("invalid public key: %w", err)
	}
	secret, err := validationPriv.ECDH(parsed)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLowEntropy, err)
	}
	defer zeroBytes(secret)
	if isZero(secret) {
		return ErrLowEntropy
	}
	return nil
}

// SharedSecret computes the X25519 shared secret for the provided private/public key pair.
func SharedSecret(private, peerPublic []byte) ([]byte, error) {
	if len(private) != KeySize {
		return nil, fmt.Errorf("private key must be %d bytes (got %d)", KeySize, len(private))
	}
	if err := ValidatePublicKey(peerPublic); err != nil {
		return nil, err
	}

	privKey, err := curve.NewPrivateKey(private)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	pubKey, err := curve.NewPublicKey(peerPublic)
	if err != nil {
		return nil, fmt.Errorf("parse peer public key: %w", err)
	}
	secret, err := privKey.ECDH(pubKey)
	if err != nil {
		return nil, fmt.Errorf("derive shared secret: %w", err)
	}
	if isZero(secret) {
		return nil, ErrLowEntropy
	}
	return secret, nil
}

// SafetyCode derives a short code from the shared secret and both public keys.
// Both parties get the same code regardless of who offered first.
func SafetyCode(sharedSecret, pubA, pubB []byte) (string, error) {
	if len(sharedSecret) == 0 {
		return "", errors.New("shared secret required")
	}
	lo, hi := pubA, pubB
	if bytes.Compare(lo, hi) > 0 {
		lo, hi = hi, lo
	}
	salt := make([]byte, 0, len(lo)+len(hi))
	salt = append(salt, lo...)
	salt = append(salt, hi...)

	out := make([]byte, safetyCodeBytes)
	if _, err := io.ReadFull(hkdf.New(sha256.New, sharedSecret, salt, []byte(safetyCodeInfo)), out); err != nil {
		return "", fmt.Errorf("derive safety code: %w", err)
	}
	enc := strings.ToUpper(hex.EncodeToString(out))

	groups := make([]string, 0, len(enc)/4)
	for i := 0; i < len(enc); i += 4 {
		groups = append(groups, enc[i:i+4])
	}
	return strings.Join(groups, "-"), nil
}

// Agree runs SharedSecret and SafetyCode for one side of the exchange.
func Agree(self KeyPair, peerPublic []byte) (string, error) {
	secret, err := SharedSecret(self.Private, peerPublic)
	if err != nil {
		return "", err
	}
	defer zeroBytes(secret)
	return SafetyCode(secret, self.Public, peerPublic)
}

func isZero(b []byte) bool {
	acc := byte(0)
	for _, v := range b {
		acc |= v
	}
	return acc == 0
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
