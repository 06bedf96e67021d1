package syncagent

import (
	"testing"
	"time"

	"peerlinks/internal/chain"
	"peerlinks/internal/channel"
	"peerlinks/internal/identity"
	"peerlinks/internal/storage"
	"peerlinks/internal/wire"
)

// loopbackSender wires a requesting Agent directly to a responding Agent's
// HandleSyncRequest, simulating a peer session without any network.
type loopbackSender struct {
	responder *Agent
	requester *Agent
}

func (s *loopbackSender) SendSyncRequest(req wire.SyncRequest) error {
	resp, err := s.responder.HandleSyncRequest(req)
	if err != nil {
		return err
	}
	return s.requester.ReceiveSyncResponse(resp)
}

func newRootedChannel(t *testing.T) (*channel.Channel, *identity.Self) {
	t.Helper()
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
	added, err := ch.Receive(m)
	if err != nil || !added {
		t.Fatalf("receive root: added=%v err=%v", added, err)
	}
	return ch, root
}

func TestSyncAgentRoundTripViaLoopback(t *testing.T) {
	senderCh, senderID := newRootedChannel(t)
	for i := 0; i < 3; i++ {
		if _, err := senderCh.Post(senderID, wire.Body{JSON: `{"i":1}`}, time.Now()); err != nil {
			t.Fatalf("post %d: %v", i, err)
		}
	}

	receiverStore := storage.NewMemoryStorage()
	receiverCh, err := channel.New(senderID.PublicKey, "test", false, receiverStore)
	if err != nil {
		t.Fatalf("new receiver channel: %v", err)
	}

	responder := New(senderCh, senderID, nil, nil)
	requester := New(receiverCh, senderID, nil, nil)
	sender := &loopbackSender{responder: responder, requester: requester}
	requester.sender = sender

	received, err := receiverCh.Sync(requester)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if received == 0 {
		t.Fatal("expected to receive messages via the loopback agent")
	}
}

func TestUnexpectedSeqIsBanWorthy(t *testing.T) {
	ch, id := newRootedChannel(t)
	a := New(ch, id, nil, nil)
	err := a.ReceiveSyncResponse(wire.SyncResponse{ChannelID: ch.ID, Seq: 999})
	if _, ok := err.(*channel.BanError); !ok {
		t.Fatalf("expected BanError for unmatched seq, got %v", err)
	}
}

func TestSynchronizeCoalescesConcurrentCalls(t *testing.T) {
	ch, id := newRootedChannel(t)
	a := New(ch, id, nil, nil)

	a.mu.Lock()
	a.state = stateActive
	a.mu.Unlock()

	a.Synchronize()
	a.Synchronize()

	a.mu.Lock()
	s := a.state
	a.mu.Unlock()
	if s != statePending {
		t.Fatalf("expected state pending after concurrent Synchronize calls while active, got %v", s)
	}
}
