package identity

import (
	"testing"
	"time"

	"peerlinks/internal/chain"
	"peerlinks/internal/wire"
)

func TestSelfIssueAndVerifyLink(t *testing.T) {
	root, err := NewSelf()
	if err != nil {
		t.Fatalf("new self: %v", err)
	}
	trustee, err := NewSelf()
	if err != nil {
		t.Fatalf("new self: %v", err)
	}
	channelID := []byte("channel-id")

	link, err := root.IssueLink(channelID, trustee.PublicKey, "trustee", time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("issue link: %v", err)
	}
	c := chain.Chain{link}
	leaf, err := c.Verify(root.PublicKey, channelID, time.Now().UTC())
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !leaf.Equal(trustee.PublicKey) {
		t.Fatal("expected leaf key to match trustee public key")
	}
}

func TestSelfSignMessageBodyAttachesChain(t *testing.T) {
	root, _ := NewSelf()
	trustee, _ := NewSelf()
	channelID := []byte("channel-id")

	link, err := root.IssueLink(channelID, trustee.PublicKey, "trustee", time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("issue link: %v", err)
	}
	trustee.AddChain(channelID, chain.Chain{link})

	tbs := wire.ChannelMessageTBS{Height: 1, Timestamp: 1234, Body: wire.Body{JSON: `{"text":"hi"}`}}
	msg, err := trustee.SignMessageBody(channelID, tbs)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if len(msg.TBS.Chain) != 1 {
		t.Fatalf("expected chain of length 1 attached, got %d", len(msg.TBS.Chain))
	}
	if len(msg.Signature) == 0 {
		t.Fatal("expected non-empty signature")
	}
}

func TestSignMessageBodyFailsWithoutAHeldChain(t *testing.T) {
	self, _ := NewSelf()
	channelID := []byte("channel-id")

	tbs := wire.ChannelMessageTBS{Height: 0, Timestamp: 1234, Body: wire.Body{IsRoot: true}}
	if _, err := self.SignMessageBody(channelID, tbs); err != ErrNoChainForChannel {
		t.Fatalf("expected ErrNoChainForChannel, got %v", err)
	}

	// An explicit empty chain (the channel root's own signing case) is not
	// the same as never having one at all.
	self.AddChain(channelID, chain.Chain{})
	if _, err := self.SignMessageBody(channelID, tbs); err != nil {
		t.Fatalf("expected root signing to succeed once a chain is recorded, got %v", err)
	}
}

func TestSignMessageBodyRejectsOversizedBody(t *testing.T) {
	root, _ := NewSelf()
	trustee, _ := NewSelf()
	channelID := []byte("channel-id")

	link, err := root.IssueLink(channelID, trustee.PublicKey, "trustee", time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("issue link: %v", err)
	}
	trustee.AddChain(channelID, chain.Chain{link})

	limit, ok := chain.MaxBodyJSONSize(1)
	if !ok {
		t.Fatal("expected a body size limit for chain length 1")
	}
	overflow := wire.Body{JSON: `"` + string(make([]byte, limit)) + `"`}
	if _, err := trustee.SignMessageBody(channelID, wire.ChannelMessageTBS{Height: 1, Timestamp: 1234, Body: overflow}); err != ErrBodyTooLarge {
		t.Fatalf("expected ErrBodyTooLarge, got %v", err)
	}
}

func TestInviteRoundTrip(t *testing.T) {
	channel, _ := NewSelf()
	requester, _ := NewSelf()
	channelID := []byte("channel-id")

	env, decrypt, err := requester.RequestInvite()
	if err != nil {
		t.Fatalf("request invite: %v", err)
	}

	sealed, err := channel.IssueInvite(channelID, channel.PublicKey, "general", env.BoxPub, env.TrusteePub, "requester")
	if err != nil {
		t.Fatalf("issue invite: %v", err)
	}

	inv, err := decrypt(sealed)
	if err != nil {
		t.Fatalf("decrypt invite: %v", err)
	}
	if inv.ChannelName != "general" {
		t.Fatalf("expected channel name general, got %q", inv.ChannelName)
	}
	if len(inv.Chain) != 1 {
		t.Fatalf("expected a single delegated link, got %d", len(inv.Chain))
	}

	c := chain.FromWire(inv.Chain)
	leaf, err := c.Verify(channel.PublicKey, channelID, time.Now().UTC())
	if err != nil {
		t.Fatalf("verify invite chain: %v", err)
	}
	if !leaf.Equal(requester.PublicKey) {
		t.Fatal("expected invite chain leaf to match requester's trustee key")
	}
}

func TestAddChainKeepsBetterChain(t *testing.T) {
	self, _ := NewSelf()
	channelID := []byte("channel-id")

	root, _ := NewSelf()
	mid, _ := NewSelf()
	now := time.Now().UTC()

	linkA, _ := root.IssueLink(channelID, self.PublicKey, "direct", now.Add(-time.Hour), now.Add(time.Hour))
	self.AddChain(channelID, chain.Chain{linkA})

	linkB, _ := root.IssueLink(channelID, mid.PublicKey, "mid", now.Add(-time.Hour), now.Add(time.Hour))
	linkC, _ := mid.IssueLink(channelID, self.PublicKey, "indirect", now.Add(-time.Hour), now.Add(time.Hour))
	self.AddChain(channelID, chain.Chain{linkB, linkC})

	got, ok := self.GetChain(channelID)
	if !ok {
		t.Fatal("expected a chain to be stored")
	}
	if len(got) != 1 {
		t.Fatalf("expected the shorter chain to be kept, got length %d", len(got))
	}
}
