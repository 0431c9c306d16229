package keyring

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// KeySize is the length of a WireGuard key.
const KeySize = curve25519.ScalarSize

// Key is a WireGuard private or public key.
type Key [KeySize]byte

// GeneratePrivateKey returns a new clamped Curve25519 private key.
func GeneratePrivateKey() (Key, error) {
	var k Key
	if _, err := rand.Read(k[:]); err != nil {
		return Key{}, err
	}
	k[0] &= 248
	k[31] = (k[31] & 127) | 64
	return k, nil
}

// ParseKey decodes a base64 key as used in WireGuard configuration files.
func ParseKey(s string) (Key, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return Key{}, fmt.Errorf("invalid key: %w", err)
	}
	if len(b) != KeySize {
		return Key{}, fmt.Errorf("invalid key: %d bytes, want %d", len(b), KeySize)
	}
	var k Key
	copy(k[:], b)
	return k, nil
}

// PublicKey derives the public key of a private key.
func (k Key) PublicKey() (Key, error) {
	pub, err := curve25519.X25519(k[:], curve25519.Basepoint)
	if err != nil {
		return Key{}, err
	}
	var p Key
	copy(p[:], pub)
	return p, nil
}

// String returns the base64 form of the key.
func (k Key) String() string {
	return base64.StdEncoding.EncodeToString(k[:])
}

// WireGuardKey returns the device's private key, generating and storing
// one on first use.
func (s *Store) WireGuardKey() (Key, error) {
	stored, err := s.Get(wireguardKeyKey)
	if errors.Is(err, ErrNotFound) {
		return s.RotateWireGuardKey()
	}
	if err != nil {
		return Key{}, err
	}
	return ParseKey(stored)
}

// RotateWireGuardKey replaces the device's private key with a new one.
func (s *Store) RotateWireGuardKey() (Key, error) {
	k, err := GeneratePrivateKey()
	if err != nil {
		return Key{}, err
	}
	if err := s.Set(wireguardKeyKey, k.String()); err != nil {
		return Key{}, err
	}
	return k, nil
}
