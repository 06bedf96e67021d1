// Package syncagent drives per-(peer, channel) synchronization: it
// implements channel.Remote against a network peer by sealing outgoing
// Query/Bulk requests, allocating and matching sequence numbers, racing
// requests against a timeout, and coalescing concurrent synchronize() calls
// into at most one pending re-run.
package syncagent

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"peerlinks/internal/chain"
	"peerlinks/internal/channel"
	"peerlinks/internal/identity"
	"peerlinks/internal/metrics"
	"peerlinks/internal/sodium"
	"peerlinks/internal/storage"
	"peerlinks/internal/wire"
)

const requestTimeout = 15 * time.Second

type state int

const (
	stateIdle state = iota
	stateActive
	statePending
)

// Sender delivers a framed SyncRequest to the remote side of the session
// this agent is paired with. Implemented by the owning Peer.
type Sender interface {
	SendSyncRequest(req wire.SyncRequest) error
}

type pendingKind int

const (
	pendingQuery pendingKind = iota
	pendingBulk
)

type pendingRequest struct {
	kind pendingKind
	resp chan pendingResult
}

type pendingResult struct {
	query *wire.QueryResponse
	bulk  *wire.BulkResponse
	err   error
}

// Agent is owned by a Peer and keyed by channel identity: one per (Peer,
// Channel) pair.
type Agent struct {
	ch          *channel.Channel
	identity    *identity.Self
	sender      Sender
	onSyncError func(error)

	mu      sync.Mutex
	state   state
	seq     uint32
	pending map[uint32]*pendingRequest
}

// New creates an Agent. id authenticates the agent's outgoing requests: each
// is signed with id's key and carries id's chain for ch (empty when id is ch's
// root). The responder's HandleSyncRequest accepts only a request whose chain
// verifies against ch's root key and whose signature is by that chain's leaf
// key, so a request from an identity holding no chain for ch — for example a
// fresh ephemeral identity reading a feed — is rejected as ban-worthy.
// onSyncError, if non-nil, is called with any error channel.Sync returns
// (typically a *channel.BanError the owning Peer should act on).
func New(ch *channel.Channel, id *identity.Self, sender Sender, onSyncError func(error)) *Agent {
	return &Agent{
		ch:          ch,
		identity:    id,
		sender:      sender,
		onSyncError: onSyncError,
		pending:     make(map[uint32]*pendingRequest),
	}
}

// Synchronize requests a sync run: idle starts one now; active arranges
// exactly one more run after the current one finishes; pending coalesces
// further calls without queuing.
func (a *Agent) Synchronize() {
	a.mu.Lock()
	switch a.state {
	case stateIdle:
		a.state = stateActive
		a.mu.Unlock()
		go a.run()
		return
	case stateActive:
		a.state = statePending
	case statePending:
	}
	a.mu.Unlock()
}

func (a *Agent) run() {
	for {
		if _, err := a.ch.Sync(a); err != nil && a.onSyncError != nil {
			a.onSyncError(err)
		}
		metrics.SyncRounds.Inc()
		a.mu.Lock()
		if a.state == statePending {
			a.state = stateActive
			a.mu.Unlock()
			continue
		}
		a.state = stateIdle
		a.mu.Unlock()
		return
	}
}

// Destroy fails every pending request with err. A response that arrives
// afterwards for one of those requests carries a seq no longer pending, which
// ReceiveSyncResponse treats as ban-worthy.
func (a *Agent) Destroy(err error) {
	a.mu.Lock()
	pending := a.pending
	a.pending = make(map[uint32]*pendingRequest)
	a.mu.Unlock()
	for _, pr := range pending {
		pr.resp <- pendingResult{err: err}
	}
}

// requestEnvelope is the plaintext sealed inside a SyncRequest's box: the
// requester's chain for this channel plus the query/bulk content, signed by
// the chain's leaf key so the responder can authenticate the requester as a
// channel member before doing any work on its behalf.
type requestEnvelope struct {
	Chain     []wire.Link
	Content   wire.SyncRequestContent
	Signature []byte
}

func (a *Agent) signedEnvelope(content wire.SyncRequestContent) (requestEnvelope, error) {
	c, _ := a.identity.GetChain(a.ch.ID)
	env := requestEnvelope{Chain: chain.ToWire(c), Content: content}
	tbs, err := envelopeTBS(env.Chain, env.Content)
	if err != nil {
		return requestEnvelope{}, err
	}
	env.Signature = sodium.Sign(a.identity.PrivateKey(), tbs)
	return env, nil
}

func envelopeTBS(links []wire.Link, content wire.SyncRequestContent) ([]byte, error) {
	return json.Marshal(struct {
		Chain   []wire.Link
		Content wire.SyncRequestContent
	}{links, content})
}

func ban(format string, args ...any) *channel.BanError {
	return &channel.BanError{Reason: fmt.Sprintf(format, args...)}
}

// request seals content, registers a pending entry under a fresh seq, sends
// it and waits for either a matching response or the 15s timeout. A timeout
// resolves as an empty response (nil, nil) rather than an error and drops the
// pending entry; a response that arrives after that has an unknown seq, which
// ReceiveSyncResponse treats as ban-worthy.
func (a *Agent) request(kind pendingKind, content wire.SyncRequestContent) (pendingResult, error) {
	env, err := a.signedEnvelope(content)
	if err != nil {
		return pendingResult{}, err
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return pendingResult{}, err
	}
	nonce, box, err := a.ch.Encrypt(payload)
	if err != nil {
		return pendingResult{}, err
	}

	a.mu.Lock()
	seq := a.seq
	a.seq++ // wraps on overflow, which is fine: seq only needs to be unique among in-flight requests
	pr := &pendingRequest{kind: kind, resp: make(chan pendingResult, 1)}
	a.pending[seq] = pr
	a.mu.Unlock()

	if err := a.sender.SendSyncRequest(wire.SyncRequest{
		ChannelID: a.ch.ID,
		Seq:       seq,
		Nonce:     nonce[:],
		Box:       box,
	}); err != nil {
		a.dropPending(seq)
		return pendingResult{}, err
	}

	select {
	case r := <-pr.resp:
		if r.err != nil {
			return pendingResult{}, r.err
		}
		return r, nil
	case <-time.After(requestTimeout):
		a.dropPending(seq)
		return pendingResult{}, nil
	}
}

func (a *Agent) dropPending(seq uint32) {
	a.mu.Lock()
	delete(a.pending, seq)
	a.mu.Unlock()
}

// RemoteQuery implements channel.Remote.
func (a *Agent) RemoteQuery(cursor storage.Cursor, isBackward bool, limit int) (wire.QueryResponse, error) {
	q := &wire.Query{IsBackward: isBackward, Limit: uint32(limit)}
	if cursor.HasHash {
		q.Hash = append([]byte(nil), cursor.Hash[:]...)
	} else {
		q.HasHeight = true
		q.Height = cursor.Height
	}
	result, err := a.request(pendingQuery, wire.SyncRequestContent{Query: q})
	if err != nil {
		return wire.QueryResponse{}, err
	}
	if result.query == nil {
		return wire.QueryResponse{}, nil
	}
	return *result.query, nil
}

// RemoteBulk implements channel.Remote.
func (a *Agent) RemoteBulk(hashes [][]byte) (wire.BulkResponse, error) {
	result, err := a.request(pendingBulk, wire.SyncRequestContent{Bulk: &wire.Bulk{Hashes: hashes}})
	if err != nil {
		return wire.BulkResponse{}, err
	}
	if result.bulk == nil {
		return wire.BulkResponse{}, nil
	}
	return *result.bulk, nil
}

// ReceiveSyncResponse matches an inbound SyncResponse to its pending request
// by seq and delivers the decrypted content. An unknown seq, or a response
// whose content doesn't match what was asked for, is ban-worthy.
func (a *Agent) ReceiveSyncResponse(resp wire.SyncResponse) error {
	a.mu.Lock()
	pr, ok := a.pending[resp.Seq]
	if ok {
		delete(a.pending, resp.Seq)
	}
	a.mu.Unlock()
	if !ok {
		return ban("unexpected sync response for seq %d", resp.Seq)
	}

	plain, err := openEmbeddedNonce(a.ch, resp.Box)
	if err != nil {
		return err
	}
	var content wire.SyncResponseContent
	if err := json.Unmarshal(plain, &content); err != nil {
		return ban("malformed sync response body: %v", err)
	}

	switch pr.kind {
	case pendingQuery:
		if content.QueryResponse == nil {
			return ban("expected QueryResponse, got something else")
		}
		pr.resp <- pendingResult{query: content.QueryResponse}
	case pendingBulk:
		if content.BulkResponse == nil {
			return ban("expected BulkResponse, got something else")
		}
		pr.resp <- pendingResult{bulk: content.BulkResponse}
	}
	return nil
}

// HandleSyncRequest services an inbound request, authenticating the
// requester's chain and signature before running the requested Query or
// Bulk against ch, and sealing the result as the SyncResponse to send back.
func (a *Agent) HandleSyncRequest(req wire.SyncRequest) (wire.SyncResponse, error) {
	var nonce [sodium.NonceSize]byte
	copy(nonce[:], req.Nonce)
	plain, err := a.ch.Decrypt(nonce, req.Box)
	if err != nil {
		return wire.SyncResponse{}, err
	}

	var env requestEnvelope
	if err := json.Unmarshal(plain, &env); err != nil {
		return wire.SyncResponse{}, ban("malformed sync request body: %v", err)
	}
	tbs, err := envelopeTBS(env.Chain, env.Content)
	if err != nil {
		return wire.SyncResponse{}, err
	}
	leaf, err := chain.FromWire(env.Chain).Verify(a.ch.PublicKey, a.ch.ID, time.Now().UTC())
	if err != nil {
		return wire.SyncResponse{}, ban("sync request chain invalid: %v", err)
	}
	if !sodium.Verify(leaf, tbs, env.Signature) {
		return wire.SyncResponse{}, ban("sync request signature invalid")
	}

	var respContent wire.SyncResponseContent
	switch {
	case env.Content.Query != nil:
		cursor := cursorFromQuery(*env.Content.Query)
		limit := int(env.Content.Query.Limit)
		qr, err := a.ch.Query(cursor, env.Content.Query.IsBackward, limit)
		if err != nil {
			return wire.SyncResponse{}, err
		}
		respContent.QueryResponse = &qr
	case env.Content.Bulk != nil:
		br, err := a.ch.Bulk(env.Content.Bulk.Hashes)
		if err != nil {
			return wire.SyncResponse{}, err
		}
		respContent.BulkResponse = &br
	default:
		return wire.SyncResponse{}, ban("sync request carries neither query nor bulk")
	}

	payload, err := json.Marshal(respContent)
	if err != nil {
		return wire.SyncResponse{}, err
	}
	box, err := sealEmbeddedNonce(a.ch, payload)
	if err != nil {
		return wire.SyncResponse{}, err
	}
	return wire.SyncResponse{ChannelID: a.ch.ID, Seq: req.Seq, Box: box}, nil
}

func cursorFromQuery(q wire.Query) storage.Cursor {
	if q.HasHeight {
		return storage.Cursor{HasHeight: true, Height: q.Height}
	}
	var h [32]byte
	copy(h[:], q.Hash)
	return storage.Cursor{HasHash: true, Hash: h}
}

// sealEmbeddedNonce/openEmbeddedNonce encode a SyncResponse's box as
// nonce||ciphertext: the wire schema gives SyncResponse no separate nonce
// field (unlike SyncRequest), so the nonce travels as a prefix of Box
// instead.
func sealEmbeddedNonce(ch *channel.Channel, payload []byte) ([]byte, error) {
	nonce, box, err := ch.Encrypt(payload)
	if err != nil {
		return nil, err
	}
	return append(append([]byte(nil), nonce[:]...), box...), nil
}

func openEmbeddedNonce(ch *channel.Channel, sealed []byte) ([]byte, error) {
	if len(sealed) < sodium.NonceSize {
		return nil, ban("sync response box too short")
	}
	var nonce [sodium.NonceSize]byte
	copy(nonce[:], sealed[:sodium.NonceSize])
	return ch.Decrypt(nonce, sealed[sodium.NonceSize:])
}
