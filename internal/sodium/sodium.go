// Package sodium wraps the primitives PeerLinks needs from a libsodium-style
// crypto library: Ed25519 signatures, X25519 sealed boxes, XSalsa20-Poly1305
// secret boxes, keyed BLAKE2b hashing and a CSPRNG. It has no state of its own.
package sodium

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	PublicKeySize     = ed25519.PublicKeySize
	PrivateKeySize    = ed25519.PrivateKeySize
	SignatureSize     = ed25519.SignatureSize
	BoxPublicKeySize  = 32
	BoxPrivateKeySize = 32
	SecretKeySize     = 32
	NonceSize         = 24
	HashSize          = 32
)

var (
	ErrOpenFailed        = errors.New("sodium: box/secretbox open failed")
	ErrInvalidKeySize    = errors.New("sodium: invalid key size")
	ErrInvalidNonceSize  = errors.New("sodium: invalid nonce size")
	ErrInvalidCipherSize = errors.New("sodium: ciphertext too short")
)

// GenerateSigningKeyPair creates a fresh Ed25519 key pair using the CSPRNG.
func GenerateSigningKeyPair() (pub ed25519.PublicKey, priv ed25519.PrivateKey, err error) {
	return ed25519.GenerateKey(rand.Reader)
}

// Sign produces an Ed25519 signature over msg.
func Sign(priv ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(priv, msg)
}

// Verify checks an Ed25519 signature over msg.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != PublicKeySize || len(sig) != SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, err
	}
	return b, nil
}

// GenerateBoxKeyPair creates a fresh X25519 key pair for sealed-box use.
func GenerateBoxKeyPair() (pub, priv *[32]byte, err error) {
	return box.GenerateKey(rand.Reader)
}

// SealAnonymous seals msg to recipientPub using an ephemeral sender key the
// recipient cannot identify (libsodium's crypto_box_seal).
func SealAnonymous(recipientPub *[32]byte, msg []byte) ([]byte, error) {
	return box.SealAnonymous(nil, msg, recipientPub, rand.Reader)
}

// OpenAnonymous opens a sealed box addressed to (recipientPub, recipientPriv).
func OpenAnonymous(recipientPub, recipientPriv *[32]byte, sealed []byte) ([]byte, error) {
	out, ok := box.OpenAnonymous(nil, sealed, recipientPub, recipientPriv)
	if !ok {
		return nil, ErrOpenFailed
	}
	return out, nil
}

// SecretBoxSeal encrypts data under key with a fresh random nonce, returning
// (nonce, box). This is XSalsa20-Poly1305 secretbox.
func SecretBoxSeal(key *[SecretKeySize]byte, data []byte) (nonce [NonceSize]byte, sealed []byte, err error) {
	if _, err = io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nonce, nil, err
	}
	sealed = secretbox.Seal(nil, data, &nonce, key)
	return nonce, sealed, nil
}

// SecretBoxSealDeterministic encrypts data under key and the supplied nonce.
// Reusing a nonce under the same key for different plaintexts is unsafe;
// callers must derive nonce from the plaintext itself (e.g. DeriveNonce) so
// that encrypting the same content twice, even on different peers, always
// reproduces the same ciphertext and hash.
func SecretBoxSealDeterministic(key *[SecretKeySize]byte, nonce [NonceSize]byte, data []byte) []byte {
	return secretbox.Seal(nil, data, &nonce, key)
}

// DeriveNonce derives a content-addressed nonce from data: the first 24
// bytes of its unkeyed BLAKE2b-256 digest.
func DeriveNonce(data []byte) [NonceSize]byte {
	var nonce [NonceSize]byte
	h := Hash(data)
	copy(nonce[:], h[:NonceSize])
	return nonce
}

// SecretBoxOpen decrypts a box produced by SecretBoxSeal.
func SecretBoxOpen(key *[SecretKeySize]byte, nonce [NonceSize]byte, sealed []byte) ([]byte, error) {
	out, ok := secretbox.Open(nil, sealed, &nonce, key)
	if !ok {
		return nil, ErrOpenFailed
	}
	return out, nil
}

// Hash returns the unkeyed BLAKE2b-256 digest of data.
func Hash(data []byte) [HashSize]byte {
	return blake2b.Sum256(data)
}

// KeyedHash returns the BLAKE2b-256 digest of data keyed by key, matching
// libsodium's crypto_generichash with a key — used to derive channel ids,
// symmetric encryption keys and invite request ids from a public value so
// that only holders of the pre-image can reproduce the derived value.
func KeyedHash(key string, data []byte) ([HashSize]byte, error) {
	var out [HashSize]byte
	h, err := blake2b.New256([]byte(key))
	if err != nil {
		return out, err
	}
	if _, err := h.Write(data); err != nil {
		return out, err
	}
	copy(out[:], h.Sum(nil))
	return out, nil
}

// AsBoxKey converts a slice into a fixed 32-byte array pointer, validating length.
func AsBoxKey(b []byte) (*[32]byte, error) {
	if len(b) != 32 {
		return nil, ErrInvalidKeySize
	}
	var out [32]byte
	copy(out[:], b)
	return &out, nil
}
