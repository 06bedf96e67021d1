// Package mnemonic derives an Ed25519 identity key from a BIP-39 phrase (so
// the phrase restores the same key), and derives a cosmetic base58 display id
// from a public key. It has no key-to-phrase export: a key not derived from a
// phrase cannot be backed up as one. It does not encrypt the phrase at rest — passphrase-based
// key derivation for storage is explicitly out of scope here; callers that
// need encrypted persistence should seal the phrase themselves.
package mnemonic

import (
	"crypto/ed25519"
	"errors"
	"strings"

	"github.com/mr-tron/base58/base58"

	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/blake2b"
)

const entropyBits = 256

var (
	ErrInvalidMnemonic = errors.New("mnemonic: invalid phrase")
	ErrEmptyMnemonic   = errors.New("mnemonic: phrase is required")
)

// Generate creates a fresh 24-word mnemonic and the Ed25519 identity key
// derived from it.
func Generate() (phrase string, priv ed25519.PrivateKey, err error) {
	entropy, err := bip39.NewEntropy(entropyBits)
	if err != nil {
		return "", nil, err
	}
	phrase, err = bip39.NewMnemonic(entropy)
	if err != nil {
		return "", nil, err
	}
	priv, err = deriveKey(phrase)
	return phrase, priv, err
}

// Import restores the Ed25519 identity key a previously generated phrase
// derives.
func Import(phrase string) (ed25519.PrivateKey, error) {
	phrase = strings.TrimSpace(phrase)
	if phrase == "" {
		return nil, ErrEmptyMnemonic
	}
	if !bip39.IsMnemonicValid(phrase) {
		return nil, ErrInvalidMnemonic
	}
	return deriveKey(phrase)
}

func deriveKey(phrase string) (ed25519.PrivateKey, error) {
	seed := bip39.NewSeed(phrase, "")
	// ed25519.NewKeyFromSeed wants exactly SeedSize bytes; the BIP-39 seed is
	// 64 bytes, so only its first half feeds key generation.
	return ed25519.NewKeyFromSeed(seed[:ed25519.SeedSize]), nil
}

// DisplayID derives a short, cosmetic base58 identifier from a public key
// for humans to read aloud or compare at a glance. It is not used in any
// wire format or trust decision — PublicKey itself is the authoritative
// identifier everywhere that matters.
func DisplayID(publicKey ed25519.PublicKey) (string, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return "", errors.New("mnemonic: invalid public key size")
	}
	h := blake2b.Sum256(publicKey)
	return "pl1" + base58.Encode(h[:]), nil
}
