// Package peer drives a single network session: the Hello handshake,
// implicit per-channel subscription via a SyncAgent each, dispatch of the
// Packet oneof, and ban-worthy termination on protocol violation. It owns no
// framing or transport — that is netframe's job — only the session state
// machine above it.
package peer

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"peerlinks/internal/channel"
	"peerlinks/internal/identity"
	"peerlinks/internal/metrics"
	"peerlinks/internal/syncagent"
	"peerlinks/internal/waitlist"
	"peerlinks/internal/wire"
)

const (
	helloVersion  = 1
	peerIDSize    = 32
	maxBanReason  = 1024
	pingInterval  = 30 * time.Second
	pingRateBurst = 4
)

// Framer is the framed packet transport a Peer drives. netframe.Conn
// satisfies it; tests can supply an in-memory fake.
type Framer interface {
	Send(wire.Packet) error
	Receive() (wire.Packet, error)
	SendBytes([]byte) error
	ReceiveBytes() ([]byte, error)
	Close() error
}

type boundChannel struct {
	ch    *channel.Channel
	agent *syncagent.Agent
}

// Peer manages one session against a remote node: the handshake, the set of
// channels subscribed over this session, and packet dispatch.
type Peer struct {
	conn   Framer
	localID []byte
	RemoteID []byte

	mu        sync.Mutex
	channels  map[string]*boundChannel
	invites   *waitlist.List[string, wire.EncryptedInvite]
	closed    bool
	connected bool

	pingLimiter *rate.Limiter
	onBanned    func(error)
}

// New wraps conn with session state. localID is this node's 32-byte peer id,
// sent in Hello. onBanned, if non-nil, is called once when the session is
// terminated for a protocol violation (before the connection is closed).
func New(conn Framer, localID []byte, onBanned func(error)) *Peer {
	return &Peer{
		conn:        conn,
		localID:     localID,
		channels:    make(map[string]*boundChannel),
		invites:     waitlist.New[string, wire.EncryptedInvite](),
		pingLimiter: rate.NewLimiter(rate.Every(pingInterval/pingRateBurst), pingRateBurst),
		onBanned:    onBanned,
	}
}

// Handshake exchanges Hello messages. It must be called once, before Run,
// and blocks until both sides have exchanged a valid Hello.
func (p *Peer) Handshake() error {
	if len(p.localID) != peerIDSize {
		return fmt.Errorf("peer: local id must be %d bytes, got %d", peerIDSize, len(p.localID))
	}
	// Send and receive concurrently: over an unbuffered transport both sides
	// would otherwise block in SendBytes waiting for the other to read.
	hello := wire.Hello{Version: helloVersion, PeerID: p.localID}.Marshal()
	sent := make(chan error, 1)
	go func() { sent <- p.conn.SendBytes(hello) }()
	data, err := p.conn.ReceiveBytes()
	if err != nil {
		return err
	}
	if err := <-sent; err != nil {
		return err
	}
	hello, err := wire.UnmarshalHello(data)
	if err != nil {
		return p.banLocal("malformed hello: %v", err)
	}
	if hello.Version != helloVersion {
		return p.banLocal("unsupported hello version %d", hello.Version)
	}
	if len(hello.PeerID) != peerIDSize {
		return p.banLocal("hello peer id must be %d bytes, got %d", peerIDSize, len(hello.PeerID))
	}
	p.RemoteID = hello.PeerID
	p.mu.Lock()
	p.connected = true
	p.mu.Unlock()
	metrics.PeersConnected.Inc()
	return nil
}

// Bind subscribes the session to ch: a SyncAgent is created using id to
// authenticate requests, and an initial synchronize is kicked off. Subsequent
// Notification packets for this channel and locally posted messages (via
// Notify) trigger further synchronize runs. There is no wire Subscribe
// packet — subscription is purely local bookkeeping plus an outbound
// SyncRequest stream.
func (p *Peer) Bind(ch *channel.Channel, id *identity.Self) *syncagent.Agent {
	key := channelKey(ch.ID)
	agent := syncagent.New(ch, id, p, func(err error) {
		if banErr, ok := err.(*channel.BanError); ok {
			p.terminate(banErr)
		}
	})

	p.mu.Lock()
	p.channels[key] = &boundChannel{ch: ch, agent: agent}
	p.mu.Unlock()

	agent.Synchronize()
	return agent
}

// Unbind stops routing packets for ch and fails any requests it has
// in flight.
func (p *Peer) Unbind(channelID []byte) {
	key := channelKey(channelID)
	p.mu.Lock()
	bc, ok := p.channels[key]
	if ok {
		delete(p.channels, key)
	}
	p.mu.Unlock()
	if ok {
		bc.agent.Destroy(fmt.Errorf("peer: channel unbound"))
	}
}

// SendSyncRequest implements syncagent.Sender by framing req as a Packet.
func (p *Peer) SendSyncRequest(req wire.SyncRequest) error {
	return p.conn.Send(wire.Packet{Kind: wire.PacketSyncRequest, SyncRequest: req})
}

// Notify tells the remote side a channel has a new local message, so it can
// resync promptly instead of waiting on its own schedule.
func (p *Peer) Notify(channelID []byte) error {
	return p.conn.Send(wire.Packet{Kind: wire.PacketNotification, Notification: wire.Notification{ChannelID: channelID}})
}

// SendInvite frames an encrypted invite packet for the remote side.
func (p *Peer) SendInvite(inv wire.EncryptedInvite) error {
	return p.conn.Send(wire.Packet{Kind: wire.PacketEncryptedInvite, EncryptedInvite: inv})
}

// WaitForInvite blocks until an EncryptedInvite matching requestID arrives,
// or ctx is cancelled.
func (p *Peer) WaitForInvite(ctx context.Context, requestID []byte) (wire.EncryptedInvite, error) {
	return p.invites.Wait(ctx, hex.EncodeToString(requestID))
}

// Run reads and dispatches packets until the connection closes or a
// ban-worthy violation is found, at which point it sends Error and closes
// the session itself.
func (p *Peer) Run() error {
	go p.pingLoop()
	for {
		pkt, err := p.conn.Receive()
		if err != nil {
			return err
		}
		if err := p.dispatch(pkt); err != nil {
			if banErr, ok := err.(*channel.BanError); ok {
				p.terminate(banErr)
				return banErr
			}
			return err
		}
	}
}

func (p *Peer) dispatch(pkt wire.Packet) error {
	switch pkt.Kind {
	case wire.PacketError:
		return fmt.Errorf("peer: remote closed session: %s", pkt.Error.Reason)
	case wire.PacketEncryptedInvite:
		p.invites.Resolve(hex.EncodeToString(pkt.EncryptedInvite.RequestID), pkt.EncryptedInvite)
		return nil
	case wire.PacketSyncRequest:
		return p.handleSyncRequest(pkt.SyncRequest)
	case wire.PacketSyncResponse:
		return p.handleSyncResponse(pkt.SyncResponse)
	case wire.PacketNotification:
		return p.handleNotification(pkt.Notification)
	case wire.PacketPing:
		if !p.pingLimiter.Allow() {
			return nil
		}
		return p.conn.Send(wire.Packet{Kind: wire.PacketPong, Pong: wire.Pong{Seq: pkt.Ping.Seq}})
	case wire.PacketPong:
		return nil
	default:
		return &channel.BanError{Reason: fmt.Sprintf("unknown packet kind %d", pkt.Kind)}
	}
}

func (p *Peer) handleSyncRequest(req wire.SyncRequest) error {
	bc, ok := p.lookup(req.ChannelID)
	if !ok {
		return &channel.BanError{Reason: "sync request for unbound channel"}
	}
	resp, err := bc.agent.HandleSyncRequest(req)
	if err != nil {
		return err
	}
	return p.conn.Send(wire.Packet{Kind: wire.PacketSyncResponse, SyncResponse: resp})
}

func (p *Peer) handleSyncResponse(resp wire.SyncResponse) error {
	bc, ok := p.lookup(resp.ChannelID)
	if !ok {
		return &channel.BanError{Reason: "sync response for unbound channel"}
	}
	return bc.agent.ReceiveSyncResponse(resp)
}

func (p *Peer) handleNotification(n wire.Notification) error {
	bc, ok := p.lookup(n.ChannelID)
	if !ok {
		// Not every peer subscribes to every channel a remote knows about;
		// an unsolicited notification for one we don't carry is not ban-worthy.
		return nil
	}
	bc.agent.Synchronize()
	return nil
}

func (p *Peer) lookup(channelID []byte) (*boundChannel, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	bc, ok := p.channels[channelKey(channelID)]
	return bc, ok
}

func (p *Peer) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	var seq uint32
	for range ticker.C {
		if !p.pingLimiter.Allow() {
			continue
		}
		p.mu.Lock()
		closed := p.closed
		p.mu.Unlock()
		if closed {
			return
		}
		if err := p.conn.Send(wire.Packet{Kind: wire.PacketPing, Ping: wire.Ping{Seq: seq}}); err != nil {
			return
		}
		seq++
	}
}

// terminate sends Error{reason}, truncated to maxBanReason bytes, and closes
// the connection. Called once per session.
func (p *Peer) terminate(banErr *channel.BanError) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	channels := p.channels
	p.channels = nil
	wasConnected := p.connected
	p.mu.Unlock()
	if wasConnected {
		metrics.PeersConnected.Dec()
	}
	metrics.Bans.Inc()

	for _, bc := range channels {
		bc.agent.Destroy(banErr)
	}

	reason := banErr.Reason
	if len(reason) > maxBanReason {
		reason = reason[:maxBanReason]
	}
	_ = p.conn.Send(wire.Packet{Kind: wire.PacketError, Error: wire.Error{Reason: reason}})
	_ = p.conn.Close()

	if p.onBanned != nil {
		p.onBanned(banErr)
	}
}

func (p *Peer) banLocal(format string, args ...any) *channel.BanError {
	err := &channel.BanError{Reason: fmt.Sprintf(format, args...)}
	p.terminate(err)
	return err
}

// Close ends the session without recording it as a ban.
func (p *Peer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	wasConnected := p.connected
	p.mu.Unlock()
	if wasConnected {
		metrics.PeersConnected.Dec()
	}
	return p.conn.Close()
}

func channelKey(channelID []byte) string {
	return hex.EncodeToString(channelID)
}
