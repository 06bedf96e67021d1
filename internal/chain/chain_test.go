package chain

import (
	"crypto/ed25519"
	"testing"
	"time"

	"peerlinks/internal/sodium"
)

func genKey(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := sodium.GenerateSigningKeyPair()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return pub, priv
}

func TestChainVerifyLengths(t *testing.T) {
	channelID := []byte("channel-id-placeholder")
	rootPub, rootPriv := genKey(t)
	now := time.Now().UTC()

	// length 0: root signs messages directly.
	var empty Chain
	leaf, err := empty.Verify(rootPub, channelID, now)
	if err != nil || !leaf.Equal(rootPub) {
		t.Fatalf("empty chain should resolve to root key, got %v err %v", leaf, err)
	}

	// length 1, 2, 3: each extends from the previous leaf.
	signer, signerPriv := rootPub, rootPriv
	var built Chain
	for i := 1; i <= MaxChainLength; i++ {
		trusteePub, trusteePriv := genKey(t)
		link, err := Issue(signerPriv, channelID, trusteePub, "trustee", now.Add(-time.Hour), now.Add(time.Hour))
		if err != nil {
			t.Fatalf("issue link %d: %v", i, err)
		}
		built = append(built, link)
		leaf, err := built.Verify(rootPub, channelID, now)
		if err != nil {
			t.Fatalf("verify chain length %d: %v", i, err)
		}
		if !leaf.Equal(trusteePub) {
			t.Fatalf("expected leaf to be last trustee at length %d", i)
		}
		signer, signerPriv = trusteePub, trusteePriv
		_ = signer
	}

	// length 4 must be rejected.
	trusteePub, _ := genKey(t)
	link, err := Issue(signerPriv, channelID, trusteePub, "overflow", now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("issue overflow link: %v", err)
	}
	overflow := append(Chain{}, built...)
	overflow = append(overflow, link)
	if _, err := overflow.Verify(rootPub, channelID, now); err != ErrChainTooLong {
		t.Fatalf("expected ErrChainTooLong, got %v", err)
	}
}

func TestChainRejectsWrongSigner(t *testing.T) {
	channelID := []byte("channel-id")
	rootPub, _ := genKey(t)
	_, otherPriv := genKey(t)
	trusteePub, _ := genKey(t)
	now := time.Now().UTC()

	link, err := Issue(otherPriv, channelID, trusteePub, "impostor", now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	c := Chain{link}
	if _, err := c.Verify(rootPub, channelID, now); err != ErrBadSignature {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
}

func TestChainRejectsExpiredLink(t *testing.T) {
	channelID := []byte("channel-id")
	rootPub, rootPriv := genKey(t)
	trusteePub, _ := genKey(t)
	now := time.Now().UTC()

	link, err := Issue(rootPriv, channelID, trusteePub, "trustee", now.Add(-2*time.Hour), now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	c := Chain{link}
	if _, err := c.Verify(rootPub, channelID, now); err != ErrLinkExpired {
		t.Fatalf("expected ErrLinkExpired, got %v", err)
	}
}

func TestChainRejectsNotYetValidLink(t *testing.T) {
	channelID := []byte("channel-id")
	rootPub, rootPriv := genKey(t)
	trusteePub, _ := genKey(t)
	now := time.Now().UTC()

	link, err := Issue(rootPriv, channelID, trusteePub, "trustee", now.Add(time.Hour), now.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	c := Chain{link}
	if _, err := c.Verify(rootPub, channelID, now); err != ErrLinkExpired {
		t.Fatalf("expected ErrLinkExpired for not-yet-valid link, got %v", err)
	}
}

func TestChainRejectsOverlongValidityWindow(t *testing.T) {
	channelID := []byte("channel-id")
	_, rootPriv := genKey(t)
	trusteePub, _ := genKey(t)
	now := time.Now().UTC()

	_, err := Issue(rootPriv, channelID, trusteePub, "trustee", now, now.Add(100*24*time.Hour))
	if err != ErrInvalidValidity {
		t.Fatalf("expected ErrInvalidValidity, got %v", err)
	}
}

func TestIsBetterThanShorterWins(t *testing.T) {
	channelID := []byte("channel-id")
	_, rootPriv := genKey(t)
	now := time.Now().UTC()
	trusteeA, _ := genKey(t)
	trusteeB, _ := genKey(t)

	linkA, _ := Issue(rootPriv, channelID, trusteeA, "a", now.Add(-time.Hour), now.Add(time.Hour))
	linkB, _ := Issue(rootPriv, channelID, trusteeB, "b", now.Add(-time.Hour), now.Add(time.Hour))

	short := Chain{linkA}
	long := Chain{linkA, linkB}
	if !short.IsBetterThan(long) {
		t.Fatal("expected shorter chain to be better")
	}
	if long.IsBetterThan(short) {
		t.Fatal("longer chain must not be better than shorter")
	}
}

func TestIsBetterThanTieBreaksOnTrusteeKey(t *testing.T) {
	channelID := []byte("channel-id")
	_, rootPriv := genKey(t)
	now := time.Now().UTC()

	var pubA, pubB ed25519.PublicKey
	for {
		a, _ := genKey(t)
		b, _ := genKey(t)
		if string(a) != string(b) {
			if lexLess(a, b) {
				pubA, pubB = a, b
			} else {
				pubA, pubB = b, a
			}
			break
		}
	}

	linkLow, _ := Issue(rootPriv, channelID, pubA, "low", now.Add(-time.Hour), now.Add(time.Hour))
	linkHigh, _ := Issue(rootPriv, channelID, pubB, "high", now.Add(-time.Hour), now.Add(time.Hour))

	chainLow := Chain{linkLow}
	chainHigh := Chain{linkHigh}
	if !chainLow.IsBetterThan(chainHigh) {
		t.Fatal("expected chain ending in lexicographically smaller trustee key to win")
	}
	if chainHigh.IsBetterThan(chainLow) {
		t.Fatal("chain with larger trustee key must not be better")
	}
}

func lexLess(a, b []byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func TestDisplayNameTooLongRejected(t *testing.T) {
	channelID := []byte("channel-id")
	_, rootPriv := genKey(t)
	trusteePub, _ := genKey(t)
	now := time.Now().UTC()

	longName := make([]byte, MaxDisplayNameLength+1)
	for i := range longName {
		longName[i] = 'a'
	}
	if _, err := Issue(rootPriv, channelID, trusteePub, string(longName), now, now.Add(time.Hour)); err != ErrDisplayNameTooLong {
		t.Fatalf("expected ErrDisplayNameTooLong, got %v", err)
	}
}

func TestWireRoundTrip(t *testing.T) {
	channelID := []byte("channel-id")
	_, rootPriv := genKey(t)
	trusteePub, _ := genKey(t)
	now := time.Now().UTC().Truncate(time.Second)

	link, err := Issue(rootPriv, channelID, trusteePub, "trustee", now, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	c := Chain{link}
	wireLinks := ToWire(c)
	roundTripped := FromWire(wireLinks)
	if len(roundTripped) != 1 {
		t.Fatalf("expected 1 link, got %d", len(roundTripped))
	}
	if !roundTripped[0].TrusteePubKey.Equal(trusteePub) {
		t.Fatal("trustee key mismatch after wire round trip")
	}
}
