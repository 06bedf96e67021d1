// Package protocol is the top-level container a node embeds: the set of
// local identities and channels it holds, the live peer sessions it is
// talking to, and the load/save glue that persists identities and channel
// metadata through a storage.Storage. Invite exchange itself is driven
// per-session through the peer.Peer Connect returns. All owned state is
// guarded by a single mutex.
package protocol

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"peerlinks/internal/chain"
	"peerlinks/internal/channel"
	"peerlinks/internal/identity"
	"peerlinks/internal/peer"
	"peerlinks/internal/storage"
	"peerlinks/internal/waitlist"
	"peerlinks/internal/wire"
)

const (
	identityPrefix = "identity"
	channelPrefix  = "channel"
)

var (
	ErrDuplicateIdentity = errors.New("protocol: identity name already in use")
	ErrDuplicateChannel  = errors.New("protocol: channel name already in use")
	ErrUnknownIdentity   = errors.New("protocol: no identity with that name")
	ErrUnknownChannel    = errors.New("protocol: no channel with that name")
	ErrInviteExpired     = errors.New("protocol: invite chain is no longer valid")
)

// ChannelHandle pairs a Channel with the identity that owns it locally, so
// reconnecting peers can be bound to the right SyncAgent authentication.
type ChannelHandle struct {
	Name     string
	Channel  *channel.Channel
	Identity *identity.Self
}

// Protocol is the node: every identity and channel it holds locally, plus
// the live peer sessions currently syncing them.
type Protocol struct {
	store storage.Storage

	mu         sync.Mutex
	identities map[string]*identity.Self
	channels   map[string]*ChannelHandle
	peers      map[string]*peer.Peer // keyed by remoteKey(remote peer id), the raw id bytes

	localPeerID []byte
	peerJoined  *waitlist.List[string, *peer.Peer]
}

// New creates an empty Protocol backed by store. localPeerID is this node's
// 32-byte peer id, sent in every session's Hello.
func New(store storage.Storage, localPeerID []byte) *Protocol {
	return &Protocol{
		store:       store,
		identities:  make(map[string]*identity.Self),
		channels:    make(map[string]*ChannelHandle),
		peers:       make(map[string]*peer.Peer),
		localPeerID: localPeerID,
		peerJoined:  waitlist.New[string, *peer.Peer](),
	}
}

type storedIdentity struct {
	Name       string `json:"name"`
	PrivateKey []byte `json:"private_key"`
}

type storedChannel struct {
	Name      string `json:"name"`
	PublicKey []byte `json:"public_key"`
	IsFeed    bool   `json:"is_feed"`
}

// Load restores every identity and channel that CreateIdentity and
// AddChannel persisted to store. Restored channels carry no owning identity.
func (p *Protocol) Load() error {
	keys, err := p.store.GetEntityKeys(identityPrefix)
	if err != nil {
		return err
	}
	for _, k := range keys {
		data, ok, err := p.store.RetrieveEntity(identityPrefix, k)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		var si storedIdentity
		if err := json.Unmarshal(data, &si); err != nil {
			return fmt.Errorf("protocol: corrupt identity %q: %w", k, err)
		}
		self, err := identity.FromPrivateKey(si.PrivateKey)
		if err != nil {
			return err
		}
		p.mu.Lock()
		p.identities[si.Name] = self
		p.mu.Unlock()
	}

	keys, err = p.store.GetEntityKeys(channelPrefix)
	if err != nil {
		return err
	}
	for _, k := range keys {
		data, ok, err := p.store.RetrieveEntity(channelPrefix, k)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		var sc storedChannel
		if err := json.Unmarshal(data, &sc); err != nil {
			return fmt.Errorf("protocol: corrupt channel %q: %w", k, err)
		}
		ch, err := channel.New(ed25519.PublicKey(sc.PublicKey), sc.Name, sc.IsFeed, p.store)
		if err != nil {
			return err
		}
		p.mu.Lock()
		p.channels[sc.Name] = &ChannelHandle{Name: sc.Name, Channel: ch}
		p.mu.Unlock()
	}
	return nil
}

func (p *Protocol) persistIdentity(name string, self *identity.Self) error {
	data, err := json.Marshal(storedIdentity{Name: name, PrivateKey: self.PrivateKey()})
	if err != nil {
		return err
	}
	return p.store.StoreEntity(identityPrefix, name, data)
}

func (p *Protocol) persistChannel(name string, ch *channel.Channel) error {
	data, err := json.Marshal(storedChannel{Name: name, PublicKey: ch.PublicKey, IsFeed: ch.IsFeed})
	if err != nil {
		return err
	}
	return p.store.StoreEntity(channelPrefix, name, data)
}

// CreateIdentity generates a fresh identity under name, plus a feed channel
// (IsFeed set) rooted at it, whose root message it signs and stores. name
// must be unused. Peers syncing the feed authenticate as on any channel:
// their sync requests must carry a chain valid for it.
func (p *Protocol) CreateIdentity(name string) (*identity.Self, *ChannelHandle, error) {
	p.mu.Lock()
	if _, exists := p.identities[name]; exists {
		p.mu.Unlock()
		return nil, nil, ErrDuplicateIdentity
	}
	p.mu.Unlock()

	self, err := identity.NewSelf()
	if err != nil {
		return nil, nil, err
	}
	feedName := name + ":feed"
	feed, err := channel.New(self.PublicKey, feedName, true, p.store)
	if err != nil {
		return nil, nil, err
	}
	// The creator signs the feed's root message as the channel's root key
	// itself, not a delegated trustee: record that explicitly as a
	// zero-length chain so SignMessageBody can tell "roots this channel"
	// apart from "was never invited into it".
	self.AddChain(feed.ID, chain.Chain{})
	rootMsg, err := self.SignMessageBody(feed.ID, wire.ChannelMessageTBS{
		Height: 0, Timestamp: float64(time.Now().Unix()), Body: wire.Body{IsRoot: true},
	})
	if err != nil {
		return nil, nil, err
	}
	rootEnc, err := feed.EncryptMessage(rootMsg)
	if err != nil {
		return nil, nil, err
	}
	if _, err := feed.Receive(rootEnc); err != nil {
		return nil, nil, err
	}

	p.mu.Lock()
	if _, exists := p.identities[name]; exists {
		p.mu.Unlock()
		return nil, nil, ErrDuplicateIdentity
	}
	p.identities[name] = self
	handle := &ChannelHandle{Name: feedName, Channel: feed, Identity: self}
	p.channels[feedName] = handle
	p.mu.Unlock()

	if err := p.persistIdentity(name, self); err != nil {
		return nil, nil, err
	}
	if err := p.persistChannel(feedName, feed); err != nil {
		return nil, nil, err
	}
	return self, handle, nil
}

// AddChannel registers an already-known channel (one this node was invited
// into, or one it is creating as a new root) under name, which must be
// unused. owner, if non-nil, is the local identity that will authenticate
// sync requests for it.
func (p *Protocol) AddChannel(name string, ch *channel.Channel, owner *identity.Self) (*ChannelHandle, error) {
	p.mu.Lock()
	if _, exists := p.channels[name]; exists {
		p.mu.Unlock()
		return nil, ErrDuplicateChannel
	}
	handle := &ChannelHandle{Name: name, Channel: ch, Identity: owner}
	p.channels[name] = handle
	p.mu.Unlock()

	if err := p.persistChannel(name, ch); err != nil {
		return nil, err
	}
	return handle, nil
}

// ChannelFromInvite validates inv's chain against its channel root key and,
// if still valid at the current time, constructs and registers the channel
// it names, with self holding the delegated chain as its member identity.
func (p *Protocol) ChannelFromInvite(name string, inv wire.Invite, self *identity.Self) (*ChannelHandle, error) {
	ch, err := channel.New(ed25519.PublicKey(inv.ChannelPubKey), inv.ChannelName, false, p.store)
	if err != nil {
		return nil, err
	}
	c := chain.FromWire(inv.Chain)
	if _, err := c.Verify(ch.PublicKey, ch.ID, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInviteExpired, err)
	}
	self.AddChain(ch.ID, c)
	return p.AddChannel(name, ch, self)
}

// Identity looks up a previously created or restored identity by name.
func (p *Protocol) Identity(name string) (*identity.Self, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	self, ok := p.identities[name]
	if !ok {
		return nil, ErrUnknownIdentity
	}
	return self, nil
}

// Channel looks up a previously added channel by name.
func (p *Protocol) Channel(name string) (*ChannelHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	handle, ok := p.channels[name]
	if !ok {
		return nil, ErrUnknownChannel
	}
	return handle, nil
}

// Connect performs the Hello handshake over conn, binds every locally held
// channel that has an owning identity to the new session (channels without
// one are not bound), registers it in the peer set, and starts its packet
// dispatch loop in the background.
func (p *Protocol) Connect(conn peer.Framer) (*peer.Peer, error) {
	sess := peer.New(conn, p.localPeerID, func(err error) {
		// A banned session is already closed by Peer itself; the Run
		// goroutine below drops it from the peer set when Run returns.
	})
	if err := sess.Handshake(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	for _, handle := range p.channels {
		if handle.Identity == nil {
			continue
		}
		sess.Bind(handle.Channel, handle.Identity)
	}
	key := remoteKey(sess.RemoteID)
	p.peers[key] = sess
	p.mu.Unlock()

	go func() {
		_ = sess.Run()
		p.mu.Lock()
		delete(p.peers, key)
		p.mu.Unlock()
	}()

	p.peerJoined.Resolve(key, sess)
	return sess, nil
}

// WaitForPeer blocks until a session from the peer identified by remotePeerID
// has completed its handshake, or ctx is cancelled.
func (p *Protocol) WaitForPeer(ctx context.Context, remotePeerID []byte) (*peer.Peer, error) {
	p.mu.Lock()
	if sess, ok := p.peers[remoteKey(remotePeerID)]; ok {
		p.mu.Unlock()
		return sess, nil
	}
	p.mu.Unlock()
	return p.peerJoined.Wait(ctx, remoteKey(remotePeerID))
}

// Close terminates every live peer session.
func (p *Protocol) Close() error {
	p.mu.Lock()
	peers := p.peers
	p.peers = make(map[string]*peer.Peer)
	p.mu.Unlock()

	var firstErr error
	for _, sess := range peers {
		if err := sess.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.peerJoined.Close(nil)
	return firstErr
}

func remoteKey(id []byte) string {
	return string(id)
}
