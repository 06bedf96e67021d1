package identity

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"peerlinks/internal/chain"
	"peerlinks/internal/sodium"
	"peerlinks/internal/wire"
)

var (
	ErrNoChainForChannel = errors.New("identity: no chain held for channel")
	ErrNotInvited        = errors.New("identity: invite does not target this identity")
	ErrBodyTooLarge      = errors.New("identity: body json exceeds limit for chain length")
)

// Self is a local peer's signing identity plus the set of chains it holds
// into channels it has joined, guarded by a read-write mutex.
type Self struct {
	mu         sync.RWMutex
	PublicKey  ed25519.PublicKey
	privateKey ed25519.PrivateKey
	chains     map[string]chain.Chain // keyed by channel id as a raw byte string
}

// NewSelf generates a fresh Ed25519 identity key pair.
func NewSelf() (*Self, error) {
	pub, priv, err := sodium.GenerateSigningKeyPair()
	if err != nil {
		return nil, err
	}
	return &Self{
		PublicKey:  pub,
		privateKey: priv,
		chains:     make(map[string]chain.Chain),
	}, nil
}

// FromPrivateKey restores a Self from a previously generated Ed25519 private key.
func FromPrivateKey(priv ed25519.PrivateKey) (*Self, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, errors.New("identity: invalid private key size")
	}
	pub := priv.Public().(ed25519.PublicKey)
	return &Self{
		PublicKey:  pub,
		privateKey: append(ed25519.PrivateKey(nil), priv...),
		chains:     make(map[string]chain.Chain),
	}, nil
}

// PrivateKey returns a defensive copy of the identity's private key.
func (s *Self) PrivateKey() ed25519.PrivateKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append(ed25519.PrivateKey(nil), s.privateKey...)
}

// AddChain stores the best chain known for channelID, keeping whichever of
// the existing and the new chain is better according to chain.IsBetterThan.
func (s *Self) AddChain(channelID []byte, c chain.Chain) {
	key := string(channelID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.chains[key]; ok && existing.IsBetterThan(c) {
		return
	}
	s.chains[key] = c
}

// GetChain returns the chain held for channelID, if any.
func (s *Self) GetChain(channelID []byte) (chain.Chain, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chains[string(channelID)]
	return c, ok
}

// IssueLink delegates a time-bounded Link to trusteePub on behalf of
// channelID, signed by this identity's private key.
func (s *Self) IssueLink(channelID []byte, trusteePub ed25519.PublicKey, displayName string, validFrom, validTo time.Time) (chain.Link, error) {
	priv := s.PrivateKey()
	return chain.Issue(priv, channelID, trusteePub, displayName, validFrom, validTo)
}

// SignMessageBody signs a ChannelMessageTBS payload with this identity's
// leaf key for channelID, attaching whatever chain is currently held. Fails
// with ErrNoChainForChannel if this identity holds no chain at all for
// channelID: a channel's root signer must first record that explicitly as a
// zero-length chain via AddChain, so "never invited into this channel" is
// distinguishable from "roots this channel". Fails with ErrBodyTooLarge if
// the body's JSON exceeds the limit for the held chain's length.
func (s *Self) SignMessageBody(channelID []byte, tbs wire.ChannelMessageTBS) (wire.ChannelMessage, error) {
	c, ok := s.GetChain(channelID)
	if !ok {
		return wire.ChannelMessage{}, ErrNoChainForChannel
	}
	limit, ok := chain.MaxBodyJSONSize(len(c))
	if !ok {
		return wire.ChannelMessage{}, chain.ErrChainTooLong
	}
	if limit >= 0 && len(tbs.Body.JSON) > limit {
		return wire.ChannelMessage{}, ErrBodyTooLarge
	}
	tbs.Chain = chain.ToWire(c)
	sig := sodium.Sign(s.PrivateKey(), tbs.Marshal())
	return wire.ChannelMessage{TBS: tbs, Signature: sig}, nil
}

// InviteRequestEnvelope is what a prospective member advertises to an
// inviter: an ephemeral box key plus the trustee key the invite should name.
type InviteRequestEnvelope struct {
	RequestID  [32]byte
	BoxPub     *[32]byte
	boxPriv    *[32]byte
	TrusteePub ed25519.PublicKey
}

// RequestInvite produces the sealed-box keypair and request id a would-be
// member advertises out of band to an inviter. The returned Decrypt closure
// opens the EncryptedInvite sealed back in response.
func (s *Self) RequestInvite() (InviteRequestEnvelope, func(sealed []byte) (wire.Invite, error), error) {
	boxPub, boxPriv, err := sodium.GenerateBoxKeyPair()
	if err != nil {
		return InviteRequestEnvelope{}, nil, err
	}
	requestID, err := InviteRequestID(s.PublicKey)
	if err != nil {
		return InviteRequestEnvelope{}, nil, err
	}
	env := InviteRequestEnvelope{
		RequestID:  requestID,
		BoxPub:     boxPub,
		boxPriv:    boxPriv,
		TrusteePub: append(ed25519.PublicKey(nil), s.PublicKey...),
	}
	decrypt := func(sealed []byte) (wire.Invite, error) {
		plain, err := sodium.OpenAnonymous(boxPub, boxPriv, sealed)
		if err != nil {
			return wire.Invite{}, err
		}
		return wire.UnmarshalInvite(plain)
	}
	return env, decrypt, nil
}

// InviteRequestID derives the request id a peer uses to route an
// EncryptedInvite back to the requester that advertised trusteePub.
func InviteRequestID(trusteePub ed25519.PublicKey) ([32]byte, error) {
	return sodium.KeyedHash("peerlinks-invite", trusteePub)
}

// IssueInvite seals an Invite (the channel's public key, name, and a chain
// delegating to the requester's trustee key) to the requester's box key.
func (s *Self) IssueInvite(channelID []byte, channelPub ed25519.PublicKey, channelName string, requesterBoxPub *[32]byte, requesterTrusteePub ed25519.PublicKey, displayName string) ([]byte, error) {
	link, err := s.IssueLink(channelID, requesterTrusteePub, displayName, time.Time{}, time.Time{})
	if err != nil {
		return nil, err
	}
	existing, _ := s.GetChain(channelID)
	full := append(append(chain.Chain{}, existing...), link)
	inv := wire.Invite{
		ChannelPubKey: append([]byte(nil), channelPub...),
		ChannelName:   channelName,
		Chain:         chain.ToWire(full),
	}
	return sodium.SealAnonymous(requesterBoxPub, inv.Marshal())
}

// contactCard is a portable, signed advertisement of this identity's public
// key and display name, used for out-of-band introductions.
type contactCard struct {
	DisplayName string `json:"display_name"`
	PublicKey   []byte `json:"public_key"`
	Signature   []byte `json:"signature"`
}

// SelfCard returns a signed card advertising this identity under displayName.
func (s *Self) SelfCard(displayName string) ([]byte, error) {
	card := contactCard{
		DisplayName: displayName,
		PublicKey:   append([]byte(nil), s.PublicKey...),
	}
	signingBytes, err := json.Marshal(struct {
		DisplayName string `json:"display_name"`
		PublicKey   []byte `json:"public_key"`
	}{card.DisplayName, card.PublicKey})
	if err != nil {
		return nil, err
	}
	card.Signature = sodium.Sign(s.PrivateKey(), signingBytes)
	return json.Marshal(card)
}
