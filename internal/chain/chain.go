// Package chain implements signed delegation links and ordered chains that
// bind a channel's root key to a trustee key.
package chain

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"time"

	"peerlinks/internal/sodium"
	"peerlinks/internal/wire"
)

const (
	MaxDisplayNameLength = 128
	MaxChainLength       = 3
	ExpirationDelta      = 99 * 24 * time.Hour
)

// maxBodyJSONSize bounds a message body's JSON field by how many links deep
// its signer's chain is: a signer closer to the channel root is trusted with
// more room. Shared by identity.SignMessageBody (sign-time rejection) and
// channel.Receive (the same limit, enforced ban-worthy on the receive path).
var maxBodyJSONSize = map[int]int{
	1: 2097152,
	2: 524288,
	3: 8192,
}

// MaxBodyJSONSize returns the maximum encoded length of a message body's
// JSON field for a signer delegated chainLen links deep. A root-signed
// message (chainLen == 0) is unbounded, reported as limit == -1. ok is false
// when chainLen exceeds MaxChainLength, which callers should treat as an
// invalid chain rather than a size violation.
func MaxBodyJSONSize(chainLen int) (limit int, ok bool) {
	if chainLen == 0 {
		return -1, true
	}
	limit, ok = maxBodyJSONSize[chainLen]
	return limit, ok
}

var (
	ErrDisplayNameTooLong = errors.New("chain: trustee display name too long")
	ErrInvalidValidity    = errors.New("chain: valid_to must be after valid_from and within 99 days")
	ErrChainTooLong       = errors.New("chain: length exceeds 3 links")
	ErrInvalidChain       = errors.New("chain: invalid link in chain")
	ErrLinkExpired        = errors.New("chain: link not valid at timestamp")
	ErrBadSignature       = errors.New("chain: signature verification failed")
)

// Link is a signed, time-bounded delegation from a signer to a trustee key.
// A Link holds no channel id: the id is supplied by sender and receiver alike
// when signing and verifying, and never travels on the wire.
type Link struct {
	TrusteePubKey      ed25519.PublicKey
	TrusteeDisplayName string
	ValidFrom          time.Time
	ValidTo            time.Time
	Signature          []byte
}

// Chain is an ordered sequence of 0-3 Links walked from a channel's root
// public key to a leaf signer key.
type Chain []Link

// Issue signs a new Link delegating to trustee on behalf of channelID, under
// issuerPriv. validFrom/validTo default to [now, now+99d] when zero.
func Issue(issuerPriv ed25519.PrivateKey, channelID []byte, trusteePub ed25519.PublicKey, displayName string, validFrom, validTo time.Time) (Link, error) {
	if len(displayName) > MaxDisplayNameLength {
		return Link{}, ErrDisplayNameTooLong
	}
	if validFrom.IsZero() {
		validFrom = time.Now().UTC()
	}
	if validTo.IsZero() {
		validTo = validFrom.Add(ExpirationDelta)
	}
	if !validTo.After(validFrom) || validTo.Sub(validFrom) > ExpirationDelta {
		return Link{}, ErrInvalidValidity
	}
	tbs := toTBS(Link{
		TrusteePubKey:      trusteePub,
		TrusteeDisplayName: displayName,
		ValidFrom:          validFrom,
		ValidTo:            validTo,
	})
	sig := sodium.Sign(issuerPriv, tbs.MarshalForSigning(channelID))
	return Link{
		TrusteePubKey:      append(ed25519.PublicKey(nil), trusteePub...),
		TrusteeDisplayName: displayName,
		ValidFrom:          validFrom,
		ValidTo:            validTo,
		Signature:          sig,
	}, nil
}

func toTBS(l Link) wire.LinkTBS {
	return wire.LinkTBS{
		TrusteePubKey:      l.TrusteePubKey,
		TrusteeDisplayName: l.TrusteeDisplayName,
		ValidFrom:          float64(l.ValidFrom.UnixNano()) / 1e9,
		ValidTo:            float64(l.ValidTo.UnixNano()) / 1e9,
	}
}

// Verify checks that l was signed by signer and is valid at timestamp.
func (l Link) Verify(signer ed25519.PublicKey, channelID []byte, timestamp time.Time) error {
	if len(l.TrusteeDisplayName) > MaxDisplayNameLength {
		return ErrDisplayNameTooLong
	}
	if timestamp.Before(l.ValidFrom) || !timestamp.Before(l.ValidTo) {
		return ErrLinkExpired
	}
	tbs := toTBS(l)
	if !sodium.Verify(signer, tbs.MarshalForSigning(channelID), l.Signature) {
		return ErrBadSignature
	}
	return nil
}

// Verify walks the chain starting from the channel's root public key,
// verifying every link in order and returning the terminal "leaf" signer key
// authorized to sign messages. An empty chain means the root key itself is
// the signer.
func (c Chain) Verify(channelPubKey ed25519.PublicKey, channelID []byte, timestamp time.Time) (ed25519.PublicKey, error) {
	if len(c) > MaxChainLength {
		return nil, ErrChainTooLong
	}
	current := channelPubKey
	for _, link := range c {
		if err := link.Verify(current, channelID, timestamp); err != nil {
			return nil, err
		}
		current = link.TrusteePubKey
	}
	return current, nil
}

// IsBetterThan orders chains for chain-of-trust selection: shorter wins;
// equal-length chains tie-break on byte-compare of the last link's trustee key.
func (c Chain) IsBetterThan(other Chain) bool {
	if len(c) != len(other) {
		return len(c) < len(other)
	}
	if len(c) == 0 {
		return false
	}
	return bytes.Compare(c[len(c)-1].TrusteePubKey, other[len(other)-1].TrusteePubKey) < 0
}

// ToWire converts a Chain to its wire representation.
func ToWire(c Chain) []wire.Link {
	out := make([]wire.Link, 0, len(c))
	for _, l := range c {
		out = append(out, wire.Link{TBS: toTBS(l), Signature: l.Signature})
	}
	return out
}

// FromWire converts wire links back into a Chain, without verifying them.
func FromWire(links []wire.Link) Chain {
	out := make(Chain, 0, len(links))
	for _, wl := range links {
		out = append(out, Link{
			TrusteePubKey:      ed25519.PublicKey(wl.TBS.TrusteePubKey),
			TrusteeDisplayName: wl.TBS.TrusteeDisplayName,
			ValidFrom:          unixToTime(wl.TBS.ValidFrom),
			ValidTo:            unixToTime(wl.TBS.ValidTo),
			Signature:          wl.Signature,
		})
	}
	return out
}

func unixToTime(secs float64) time.Time {
	return time.Unix(0, int64(secs*1e9)).UTC()
}

// LeafKey returns the trustee key the chain delegates to, or the channel root
// key if the chain is empty.
func (c Chain) LeafKey(channelPubKey ed25519.PublicKey) ed25519.PublicKey {
	if len(c) == 0 {
		return channelPubKey
	}
	return c[len(c)-1].TrusteePubKey
}
