// Package message implements construction, encryption, decryption and
// verification of channel messages.
package message

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"time"

	"peerlinks/internal/chain"
	"peerlinks/internal/sodium"
	"peerlinks/internal/wire"
)

var (
	ErrDecryptionFailed = errors.New("message: decryption failed")
	ErrInvalidJSON      = errors.New("message: invalid json body")
	ErrBadSignature     = errors.New("message: signature verification failed")
)

// Message is a still-encrypted record as held in storage: cleartext routing
// metadata (channel id, parents, height) plus an opaque encrypted payload.
type Message struct {
	ChannelID        []byte
	Parents          [][]byte
	Height           int64
	Nonce            [sodium.NonceSize]byte
	EncryptedContent []byte
	Hash             [sodium.HashSize]byte
}

// Content is the decrypted, signed payload sealed inside a Message.
type Content struct {
	TBS       wire.ChannelMessageTBS
	Signature []byte
}

// Encrypt seals a signed wire.ChannelMessage under the channel's symmetric
// key and computes the resulting storage record and its content hash. The
// nonce is derived from the signed content rather than drawn from the
// CSPRNG, so that any peer encrypting the same signed message independently
// (as happens when relaying a message received in plaintext form during
// sync) reproduces byte-identical ciphertext and hash — required for the
// CRDT convergence invariant.
func Encrypt(channelID []byte, encryptionKey *[sodium.SecretKeySize]byte, signed wire.ChannelMessage) (Message, error) {
	plain := signed.Marshal()
	nonce := sodium.DeriveNonce(plain)
	sealed := sodium.SecretBoxSealDeterministic(encryptionKey, nonce, plain)
	sm := wire.SerializedMessage{
		ChannelID:        channelID,
		Parents:          signed.TBS.Parents,
		Height:           signed.TBS.Height,
		Nonce:            nonce[:],
		EncryptedContent: sealed,
	}
	m := Message{
		ChannelID:        append([]byte(nil), channelID...),
		Parents:          signed.TBS.Parents,
		Height:           signed.TBS.Height,
		EncryptedContent: sealed,
		Hash:             sodium.Hash(sm.Marshal()),
	}
	copy(m.Nonce[:], nonce[:])
	return m, nil
}

// Decrypt opens a Message's encrypted content, validating that a JSON body
// actually parses as JSON. Any failure here is ban-worthy against the sender.
func Decrypt(encryptionKey *[sodium.SecretKeySize]byte, m Message) (Content, error) {
	var nonce [sodium.NonceSize]byte
	copy(nonce[:], m.Nonce[:])
	plain, err := sodium.SecretBoxOpen(encryptionKey, nonce, m.EncryptedContent)
	if err != nil {
		return Content{}, ErrDecryptionFailed
	}
	cm, err := wire.UnmarshalChannelMessage(plain)
	if err != nil {
		return Content{}, ErrDecryptionFailed
	}
	if !cm.TBS.Body.IsRoot && !json.Valid([]byte(cm.TBS.Body.JSON)) {
		return Content{}, ErrInvalidJSON
	}
	return Content{TBS: cm.TBS, Signature: cm.Signature}, nil
}

// Verify decrypts m and checks its chain and Ed25519 signature against
// channelPubKey/channelID, returning the decrypted Content on success.
func Verify(channelPubKey ed25519.PublicKey, channelID []byte, encryptionKey *[sodium.SecretKeySize]byte, m Message) (Content, error) {
	content, err := Decrypt(encryptionKey, m)
	if err != nil {
		return Content{}, err
	}
	c := chain.FromWire(content.TBS.Chain)
	at := time.Unix(0, int64(content.TBS.Timestamp*1e9)).UTC()
	leaf, err := c.Verify(channelPubKey, channelID, at)
	if err != nil {
		return Content{}, err
	}
	if !sodium.Verify(leaf, content.TBS.Marshal(), content.Signature) {
		return Content{}, ErrBadSignature
	}
	return content, nil
}

// IsRoot reports whether content describes a channel's root message.
func IsRoot(content Content) bool {
	return len(content.TBS.Parents) == 0
}
