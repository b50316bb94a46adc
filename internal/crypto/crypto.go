// Package crypto implements the key-exchange and session encryption
// primitives for CipherChat: RSA-OAEP wrapping of a per-connection session
// secret, HKDF derivation of the symmetric key, and AES-256-GCM sealing of
// every message body after the handshake.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// rsaKeyBits sizes the server's long-lived key pair.
	rsaKeyBits = 2048

	// SecretSize is the length of the session secret a client wraps for
	// the server during the handshake.
	SecretSize = 32

	sessionKeySize = 32
	hkdfInfo       = "cipherchat/1 session key"
)

// ErrDecrypt is returned when a ciphertext fails authentication: the peer
// holds a different key or the frame was tampered with. It is fatal to the
// session that produced it.
var ErrDecrypt = errors.New("decryption failed")

// ErrBadPublicKey is returned when a handshake frame carries a key that is
// not a valid PEM-encoded RSA public key.
var ErrBadPublicKey = errors.New("malformed public key")

// GenerateKeyPair creates the server's RSA key pair. It is generated once
// per process and reused for every connection.
func GenerateKeyPair() (*rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate RSA key: %w", err)
	}
	return key, nil
}

// MarshalPublicKey encodes a public key as a PEM block suitable for the
// server_key handshake frame.
func MarshalPublicKey(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	return string(pem.EncodeToMemory(block)), nil
}

// ParsePublicKey decodes the PEM public key received in a server_key frame.
func ParsePublicKey(pemText string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		return nil, ErrBadPublicKey
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPublicKey, err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, ErrBadPublicKey
	}
	return pub, nil
}

// NewSessionSecret draws a fresh random session secret.
func NewSessionSecret() ([]byte, error) {
	secret := make([]byte, SecretSize)
	if _, err := io.ReadFull(rand.Reader, secret); err != nil {
		return nil, fmt.Errorf("generate session secret: %w", err)
	}
	return secret, nil
}

// WrapSecret encrypts the session secret under the server's public key with
// RSA-OAEP-SHA256.
func WrapSecret(pub *rsa.PublicKey, secret []byte) ([]byte, error) {
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, secret, nil)
	if err != nil {
		return nil, fmt.Errorf("wrap session secret: %w", err)
	}
	return wrapped, nil
}

// UnwrapSecret recovers the session secret with the server's private key.
func UnwrapSecret(priv *rsa.PrivateKey, wrapped []byte) ([]byte, error) {
	secret, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, wrapped, nil)
	if err != nil {
		return nil, fmt.Errorf("unwrap session secret: %w", err)
	}
	if len(secret) != SecretSize {
		return nil, fmt.Errorf("unwrapped secret is %d bytes, want %d", len(secret), SecretSize)
	}
	return secret, nil
}

// DeriveSessionKey expands the wrapped secret into the AES-256 session key
// with HKDF-SHA256. Both ends derive independently and must agree.
func DeriveSessionKey(secret []byte) ([]byte, error) {
	h := hkdf.New(sha256.New, secret, nil, []byte(hkdfInfo))
	key := make([]byte, sessionKeySize)
	if _, err := io.ReadFull(h, key); err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}
	return key, nil
}

// Cipher seals and opens message bodies with one session's AES-GCM key.
// It is safe for concurrent use.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher builds the session cipher from a derived key.
func NewCipher(key []byte) (*Cipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init session cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init session cipher: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Seal encrypts a message body under a fresh random nonce and returns both.
func (c *Cipher) Seal(plaintext []byte) (nonce, ciphertext []byte, err error) {
	nonce = make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}
	return nonce, c.aead.Seal(nil, nonce, plaintext, nil), nil
}

// Open decrypts and authenticates a sealed body. Any failure is reported as
// ErrDecrypt; the caller must treat it as fatal for the session.
func (c *Cipher) Open(nonce, ciphertext []byte) ([]byte, error) {
	if len(nonce) != c.aead.NonceSize() {
		return nil, ErrDecrypt
	}
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}
