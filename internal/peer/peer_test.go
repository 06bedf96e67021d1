package peer

import (
	"testing"
	"time"

	"peerlinks/internal/chain"
	"peerlinks/internal/channel"
	"peerlinks/internal/identity"
	"peerlinks/internal/storage"
	"peerlinks/internal/wire"
)

// memFramer is an in-memory Framer pair wired directly to a peer channel,
// letting tests drive Peer without a real socket.
type memFramer struct {
	out chan wire.Packet
	in  chan wire.Packet

	outBytes chan []byte
	inBytes  chan []byte
}

func newFramerPair() (*memFramer, *memFramer) {
	ab := make(chan wire.Packet, 16)
	ba := make(chan wire.Packet, 16)
	abBytes := make(chan []byte, 4)
	baBytes := make(chan []byte, 4)
	a := &memFramer{out: ab, in: ba, outBytes: abBytes, inBytes: baBytes}
	b := &memFramer{out: ba, in: ab, outBytes: baBytes, inBytes: abBytes}
	return a, b
}

func (f *memFramer) Send(p wire.Packet) error { f.out <- p; return nil }
func (f *memFramer) Receive() (wire.Packet, error) {
	return <-f.in, nil
}
func (f *memFramer) SendBytes(b []byte) error { f.outBytes <- b; return nil }
func (f *memFramer) ReceiveBytes() ([]byte, error) {
	return <-f.inBytes, nil
}
func (f *memFramer) Close() error { return nil }

func testPeerID(b byte) []byte {
	id := make([]byte, peerIDSize)
	for i := range id {
		id[i] = b
	}
	return id
}

func TestHandshakeAcceptsValidHello(t *testing.T) {
	fa, fb := newFramerPair()
	pa := New(fa, testPeerID(1), nil)
	pb := New(fb, testPeerID(2), nil)

	done := make(chan error, 1)
	go func() { done <- pb.Handshake() }()

	if err := pa.Handshake(); err != nil {
		t.Fatalf("a handshake: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("b handshake: %v", err)
	}
	if string(pa.RemoteID) != string(testPeerID(2)) {
		t.Fatalf("unexpected remote id observed by a: %x", pa.RemoteID)
	}
	if string(pb.RemoteID) != string(testPeerID(1)) {
		t.Fatalf("unexpected remote id observed by b: %x", pb.RemoteID)
	}
}

func TestHandshakeRejectsBadPeerIDLength(t *testing.T) {
	fa, fb := newFramerPair()
	pa := New(fa, testPeerID(1), nil)

	go func() {
		fb.outBytes <- wire.Hello{Version: 1, PeerID: []byte{1, 2, 3}}.Marshal()
		<-fb.inBytes
	}()

	if err := pa.Handshake(); err == nil {
		t.Fatal("expected handshake to reject a short peer id")
	}
}

func TestPingIsAnsweredWithPong(t *testing.T) {
	fa, _ := newFramerPair()
	pa := New(fa, testPeerID(1), nil)

	if err := pa.dispatch(wire.Packet{Kind: wire.PacketPing, Ping: wire.Ping{Seq: 5}}); err != nil {
		t.Fatalf("dispatch ping: %v", err)
	}
	select {
	case pkt := <-fa.out:
		if pkt.Kind != wire.PacketPong || pkt.Pong.Seq != 5 {
			t.Fatalf("unexpected reply to ping: %+v", pkt)
		}
	default:
		t.Fatal("expected a pong to be sent")
	}
}

func TestUnboundSyncRequestIsBanWorthy(t *testing.T) {
	fa, _ := newFramerPair()
	pa := New(fa, testPeerID(1), nil)

	err := pa.dispatch(wire.Packet{Kind: wire.PacketSyncRequest, SyncRequest: wire.SyncRequest{ChannelID: []byte("nope")}})
	if _, ok := err.(*channel.BanError); !ok {
		t.Fatalf("expected BanError for sync request on unbound channel, got %v", err)
	}
}

func TestNotificationForUnboundChannelIsIgnored(t *testing.T) {
	fa, _ := newFramerPair()
	pa := New(fa, testPeerID(1), nil)

	if err := pa.dispatch(wire.Packet{Kind: wire.PacketNotification, Notification: wire.Notification{ChannelID: []byte("nope")}}); err != nil {
		t.Fatalf("unexpected error for unsolicited notification: %v", err)
	}
}

func TestBindSendsInitialSyncRequest(t *testing.T) {
	root, err := identity.NewSelf()
	if err != nil {
		t.Fatalf("new self: %v", err)
	}
	ch, err := channel.New(root.PublicKey, "test", false, storage.NewMemoryStorage())
	if err != nil {
		t.Fatalf("new channel: %v", err)
	}
	root.AddChain(ch.ID, chain.Chain{})
	rootMsg, err := root.SignMessageBody(ch.ID, wire.ChannelMessageTBS{
		Height: 0, Timestamp: float64(time.Now().Unix()), Body: wire.Body{IsRoot: true},
	})
	if err != nil {
		t.Fatalf("sign root: %v", err)
	}
	m, err := ch.EncryptMessage(rootMsg)
	if err != nil {
		t.Fatalf("encrypt root: %v", err)
	}
	if added, err := ch.Receive(m); err != nil || !added {
		t.Fatalf("receive root: added=%v err=%v", added, err)
	}

	fa, _ := newFramerPair()
	pa := New(fa, testPeerID(1), nil)
	agent := pa.Bind(ch, root)
	if agent == nil {
		t.Fatal("expected a non-nil sync agent from Bind")
	}

	select {
	case pkt := <-fa.out:
		if pkt.Kind != wire.PacketSyncRequest {
			t.Fatalf("expected Bind to kick off a sync request, got kind %d", pkt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for initial sync request")
	}
}

func TestTerminateSendsErrorAndClosesOnce(t *testing.T) {
	fa, _ := newFramerPair()
	banned := make(chan error, 1)
	pa := New(fa, testPeerID(1), func(err error) { banned <- err })

	pa.terminate(&channel.BanError{Reason: "protocol violation"})
	pa.terminate(&channel.BanError{Reason: "second call should be a no-op"})

	select {
	case pkt := <-fa.out:
		if pkt.Kind != wire.PacketError || pkt.Error.Reason != "protocol violation" {
			t.Fatalf("unexpected termination packet: %+v", pkt)
		}
	default:
		t.Fatal("expected an Error packet on termination")
	}
	select {
	case err := <-banned:
		if err.Error() != "protocol violation" {
			t.Fatalf("unexpected onBanned error: %v", err)
		}
	default:
		t.Fatal("expected onBanned to be called")
	}
}
