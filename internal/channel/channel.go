// Package channel implements the DAG acceptance protocol, posting, querying
// and bulk fetch for a single channel, plus the discovery-and-fetch sync
// driver a SyncAgent runs against a remote peer.
package channel

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"peerlinks/internal/chain"
	"peerlinks/internal/identity"
	"peerlinks/internal/message"
	"peerlinks/internal/metrics"
	"peerlinks/internal/sodium"
	"peerlinks/internal/storage"
	"peerlinks/internal/wire"
)

const (
	MaxParents         = 128
	MaxParentDelta     = 30 * 24 * time.Hour
	FutureTolerance    = 120 * time.Second
	MaxQueryLimit      = 1024
	MaxUnresolvedCount = 262144
	MaxBulkCount       = 128
	MaxLeavesCount     = 128
)

// BanError marks a protocol violation attributable to the remote peer. A
// Peer that encounters one anywhere in packet processing sends Error{reason}
// and closes the session.
type BanError struct {
	Reason string
}

func (e *BanError) Error() string { return e.Reason }

func ban(format string, args ...any) *BanError {
	metrics.MessagesRejected.WithLabelValues("ban").Inc()
	return &BanError{Reason: fmt.Sprintf(format, args...)}
}

var (
	ErrNoLeaves        = errors.New("channel: no leaves available to post from")
	ErrNotSynchronized = errors.New("channel: channel has no messages yet")
	ErrRootBody        = errors.New("channel: post() cannot submit a root body")
)

// Channel holds a channel's cryptographic identity and coordinates access to
// its storage-backed message DAG. Channel exclusively owns the symmetric
// encryption key; Identity exclusively owns signing keys.
type Channel struct {
	PublicKey     ed25519.PublicKey
	Name          string
	IsFeed        bool
	ID            []byte
	encryptionKey [sodium.SecretKeySize]byte
	store         storage.Storage
}

// New derives a channel's id and symmetric key from its root public key.
func New(publicKey ed25519.PublicKey, name string, isFeed bool, store storage.Storage) (*Channel, error) {
	id, err := sodium.KeyedHash("peerlinks-channel-id", publicKey)
	if err != nil {
		return nil, err
	}
	key, err := sodium.KeyedHash("peerlinks-symmetric", publicKey)
	if err != nil {
		return nil, err
	}
	return &Channel{
		PublicKey:     append(ed25519.PublicKey(nil), publicKey...),
		Name:          name,
		IsFeed:        isFeed,
		ID:            append([]byte(nil), id[:]...),
		encryptionKey: key,
		store:         store,
	}, nil
}

// Encrypt seals data under the channel's symmetric key.
func (c *Channel) Encrypt(data []byte) (nonce [sodium.NonceSize]byte, box []byte, err error) {
	return sodium.SecretBoxSeal(&c.encryptionKey, data)
}

// Decrypt opens a box sealed under the channel's symmetric key. MAC failure
// is ban-worthy against whoever sent it.
func (c *Channel) Decrypt(nonce [sodium.NonceSize]byte, box []byte) ([]byte, error) {
	out, err := sodium.SecretBoxOpen(&c.encryptionKey, nonce, box)
	if err != nil {
		return nil, ban("decryption failed")
	}
	return out, nil
}

// EncryptMessage seals an already-signed wire.ChannelMessage under the
// channel's symmetric key, producing the storage-ready Message a caller can
// pass to Receive. Exposed for constructing messages Post cannot build
// itself, such as a channel's root message.
func (c *Channel) EncryptMessage(signed wire.ChannelMessage) (message.Message, error) {
	return message.Encrypt(c.ID, &c.encryptionKey, signed)
}

func jsonLimit(chainLen int) (int, error) {
	limit, ok := chain.MaxBodyJSONSize(chainLen)
	if !ok {
		return 0, ban("chain length %d out of range for JSON limit", chainLen)
	}
	return limit, nil
}

// Receive runs the acceptance protocol for an inbound message. Returns false
// (no error) for an already-known duplicate; a *BanError for any of the
// ten ordered protocol violations.
func (c *Channel) Receive(m message.Message) (bool, error) {
	has, err := c.store.HasMessage(c.ID, m.Hash)
	if err != nil {
		return false, err
	}
	if has {
		return false, nil
	}

	content, err := message.Verify(c.PublicKey, c.ID, &c.encryptionKey, m)
	if err != nil {
		return false, ban("invalid signature or chain: %v", err)
	}

	if len(m.Parents) > MaxParents {
		return false, ban("too many parents: %d", len(m.Parents))
	}

	parentMsgs := make([]message.Message, 0, len(m.Parents))
	var parentMaxTimestamp float64
	var parentMaxHeight int64 = -1
	for _, p := range m.Parents {
		var ph [32]byte
		copy(ph[:], p)
		pm, ok, err := c.store.GetMessage(c.ID, ph)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, ban("parent not found: %s", hex.EncodeToString(p))
		}
		parentMsgs = append(parentMsgs, pm)
		pc, err := message.Verify(c.PublicKey, c.ID, &c.encryptionKey, pm)
		if err != nil {
			return false, ban("stored parent failed verification: %v", err)
		}
		if pc.TBS.Timestamp > parentMaxTimestamp {
			parentMaxTimestamp = pc.TBS.Timestamp
		}
		if pm.Height > parentMaxHeight {
			parentMaxHeight = pm.Height
		}
	}

	for _, pm := range parentMsgs {
		pc, _ := message.Verify(c.PublicKey, c.ID, &c.encryptionKey, pm)
		if pc.TBS.Timestamp < parentMaxTimestamp-float64(MaxParentDelta/time.Second) {
			return false, ban("parent timestamp outside max delta window")
		}
	}

	expectedHeight := int64(0)
	if len(m.Parents) > 0 {
		expectedHeight = parentMaxHeight + 1
	}
	if content.TBS.Height != expectedHeight {
		return false, ban("height mismatch: expected %d, got %d", expectedHeight, content.TBS.Height)
	}

	now := float64(time.Now().UTC().Unix())
	if content.TBS.Timestamp > now+float64(FutureTolerance/time.Second) {
		return false, ban("message timestamp too far in the future")
	}
	if len(m.Parents) > 0 && content.TBS.Timestamp < parentMaxTimestamp {
		return false, ban("message timestamp precedes a parent")
	}

	if len(m.Parents) == 0 {
		if !content.TBS.Body.IsRoot {
			return false, ban("root-shaped message must carry a Root body")
		}
		count, err := c.store.GetMessageCount(c.ID)
		if err != nil {
			return false, err
		}
		if count > 0 {
			existing, _, _ := c.store.GetMessageAtOffset(c.ID, 0)
			if existing.Height == 0 && len(existing.Parents) == 0 {
				return false, ban("duplicate root message")
			}
		}
	} else if content.TBS.Body.IsRoot {
		return false, ban("non-root message must not carry a Root body")
	}

	limit, err := jsonLimit(len(content.TBS.Chain))
	if err != nil {
		return false, err
	}
	if limit >= 0 && len(content.TBS.Body.JSON) > limit {
		return false, ban("json body exceeds limit for chain length %d", len(content.TBS.Chain))
	}

	added, err := c.store.AddMessage(c.ID, m)
	if err != nil {
		return false, err
	}
	if added {
		metrics.MessagesAccepted.Inc()
	}
	return added, nil
}

// Post signs, encrypts and stores a new message authored by identity.
func (c *Channel) Post(id *identity.Self, body wire.Body, timestamp time.Time) (message.Message, error) {
	if body.IsRoot {
		return message.Message{}, ErrRootBody
	}
	leaves, err := c.store.GetLeaves(c.ID)
	if err != nil {
		return message.Message{}, err
	}
	count, err := c.store.GetMessageCount(c.ID)
	if err != nil {
		return message.Message{}, err
	}
	if len(leaves) == 0 {
		if count == 0 {
			return message.Message{}, ErrNotSynchronized
		}
		return message.Message{}, ErrNoLeaves
	}

	var maxLeafTimestamp float64
	var maxLeafHeight int64
	for _, l := range leaves {
		lc, err := message.Verify(c.PublicKey, c.ID, &c.encryptionKey, l)
		if err != nil {
			continue
		}
		if lc.TBS.Timestamp > maxLeafTimestamp {
			maxLeafTimestamp = lc.TBS.Timestamp
		}
		if l.Height > maxLeafHeight {
			maxLeafHeight = l.Height
		}
	}

	cutoff := maxLeafTimestamp - float64(MaxParentDelta/time.Second)
	var parents [][]byte
	for _, l := range leaves {
		lc, err := message.Verify(c.PublicKey, c.ID, &c.encryptionKey, l)
		if err != nil {
			continue
		}
		if lc.TBS.Timestamp >= cutoff {
			h := l.Hash
			parents = append(parents, h[:])
		}
	}

	ts := float64(timestamp.UTC().Unix())
	if maxLeafTimestamp > ts {
		ts = maxLeafTimestamp
	}

	tbs := wire.ChannelMessageTBS{
		Parents:   parents,
		Height:    maxLeafHeight + 1,
		Timestamp: ts,
		Body:      body,
	}
	signed, err := id.SignMessageBody(c.ID, tbs)
	if err != nil {
		return message.Message{}, err
	}
	m, err := message.Encrypt(c.ID, &c.encryptionKey, signed)
	if err != nil {
		return message.Message{}, err
	}
	if _, err := c.store.AddMessage(c.ID, m); err != nil {
		return message.Message{}, err
	}
	return m, nil
}

// Query returns an abbreviated slice of the DAG for cheap discovery.
func (c *Channel) Query(cursor storage.Cursor, isBackward bool, limit int) (wire.QueryResponse, error) {
	if limit <= 0 || limit > MaxQueryLimit {
		limit = MaxQueryLimit
	}
	res, err := c.store.Query(c.ID, cursor, isBackward, limit)
	if err != nil {
		return wire.QueryResponse{}, err
	}
	resp := wire.QueryResponse{}
	for _, m := range res.Messages {
		resp.AbbreviatedMessages = append(resp.AbbreviatedMessages, wire.Abbreviated{
			Parents: m.Parents,
			Hash:    append([]byte(nil), m.Hash[:]...),
		})
	}
	if res.HasForward {
		resp.ForwardHash = append([]byte(nil), res.ForwardHash[:]...)
	}
	if res.HasBackward {
		resp.BackwardHash = append([]byte(nil), res.BackwardHash[:]...)
	}
	return resp, nil
}

// Bulk returns the subset of hashes present in storage, in input order.
func (c *Channel) Bulk(hashes [][]byte) (wire.BulkResponse, error) {
	fixed := make([][32]byte, len(hashes))
	for i, h := range hashes {
		copy(fixed[i][:], h)
	}
	msgs, err := c.store.GetMessages(c.ID, fixed)
	if err != nil {
		return wire.BulkResponse{}, err
	}
	resp := wire.BulkResponse{ForwardIndex: uint32(len(hashes))}
	for _, m := range msgs {
		if m == nil {
			continue
		}
		content, err := message.Decrypt(&c.encryptionKey, *m)
		if err != nil {
			continue
		}
		resp.Messages = append(resp.Messages, wire.ChannelMessage{TBS: content.TBS, Signature: content.Signature})
	}
	return resp, nil
}

// Remote is the minimal surface channel.Sync needs from the other side of a
// SyncAgent's connection — implemented by SyncAgent in production, and
// directly by a peer Channel in tests.
type Remote interface {
	RemoteQuery(cursor storage.Cursor, isBackward bool, limit int) (wire.QueryResponse, error)
	RemoteBulk(hashes [][]byte) (wire.BulkResponse, error)
}

// Sync runs the discovery-and-fetch loop against remote, returning the
// number of newly received messages.
func (c *Channel) Sync(remote Remote) (int, error) {
	leaves, err := c.store.GetLeaves(c.ID)
	if err != nil {
		return 0, err
	}
	minLeafHeight := int64(0)
	for i, l := range leaves {
		if i == 0 || l.Height < minLeafHeight {
			minLeafHeight = l.Height
		}
	}

	cursor := storage.Cursor{HasHeight: true, Height: minLeafHeight}
	unresolved := make(map[[32]byte]struct{})
	received := 0
	isFull := !cursor.HasHash && cursor.Height == 0

	for {
		isBackward := len(unresolved) > 0
		resp, err := remote.RemoteQuery(cursor, isBackward, MaxQueryLimit)
		if err != nil {
			return received, err
		}
		if len(resp.AbbreviatedMessages) > MaxQueryLimit {
			return received, ban("query response exceeds max query limit")
		}

		var known [][]byte
		var external [][]byte
		seenThisResponse := make(map[[32]byte]struct{})
		for _, a := range resp.AbbreviatedMessages {
			var h [32]byte
			copy(h[:], a.Hash)
			seenThisResponse[h] = struct{}{}
		}
		for _, a := range resp.AbbreviatedMessages {
			var h [32]byte
			copy(h[:], a.Hash)
			has, _ := c.store.HasMessage(c.ID, h)
			if has {
				continue
			}
			allParentsResolvable := true
			for _, p := range a.Parents {
				var ph [32]byte
				copy(ph[:], p)
				if _, local := seenThisResponse[ph]; local {
					continue
				}
				if ok, _ := c.store.HasMessage(c.ID, ph); ok {
					continue
				}
				allParentsResolvable = false
				external = append(external, p)
			}
			if allParentsResolvable {
				known = append(known, append([]byte(nil), a.Hash...))
			}
		}

		if len(known) > 0 {
			bulkResp, err := remote.RemoteBulk(known)
			if err != nil {
				return received, err
			}
			for _, wm := range bulkResp.Messages {
				m, err := message.Encrypt(c.ID, &c.encryptionKey, wm)
				if err != nil {
					return received, err
				}
				ok, err := c.Receive(m)
				if err != nil {
					return received, err
				}
				if ok {
					received++
				}
			}
		}

		for _, a := range resp.AbbreviatedMessages {
			var h [32]byte
			copy(h[:], a.Hash)
			delete(unresolved, h)
		}
		for _, p := range external {
			var ph [32]byte
			copy(ph[:], p)
			unresolved[ph] = struct{}{}
		}

		if len(unresolved) > MaxUnresolvedCount {
			cursor = storage.Cursor{HasHeight: true, Height: 0}
			unresolved = make(map[[32]byte]struct{})
			isFull = true
			continue
		}

		if isFull && len(external) > 0 {
			return received, ban("missing parent in full sync")
		}

		if len(unresolved) == 0 {
			if len(resp.ForwardHash) > 0 {
				var fh [32]byte
				copy(fh[:], resp.ForwardHash)
				cursor = storage.Cursor{HasHash: true, Hash: fh}
				continue
			}
			return received, nil
		}
		if len(resp.BackwardHash) == 0 {
			return received, nil
		}
		var bh [32]byte
		copy(bh[:], resp.BackwardHash)
		cursor = storage.Cursor{HasHash: true, Hash: bh}
	}
}
