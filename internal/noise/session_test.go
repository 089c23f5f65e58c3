package noise

import (
	"crypto/rand"
	"testing"
	"time"

	"github.com/bitchat-mesh/bitchat/internal/clock"
)

func genKeypair(t *testing.T) (PrivateKey, PublicKey) {
	t.Helper()
	priv, pub, err := GenerateKeypair(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return priv, pub
}

// handshakeXX drives a and b (initiator, responder) through the full
// 3-message Noise-XX pattern and asserts both reach Established.
func handshakeXX(t *testing.T, a, b *Session) {
	t.Helper()
	if err := a.CreateOutbound(); err != nil {
		t.Fatalf("a.CreateOutbound: %v", err)
	}
	if err := b.CreateInbound(); err != nil {
		t.Fatalf("b.CreateInbound: %v", err)
	}

	msg1, err := a.WriteHandshakeMessage()
	if err != nil {
		t.Fatalf("msg1: %v", err)
	}
	if err := b.ReadHandshakeMessage(msg1); err != nil {
		t.Fatalf("read msg1: %v", err)
	}
	msg2, err := b.WriteHandshakeMessage()
	if err != nil {
		t.Fatalf("msg2: %v", err)
	}
	if err := a.ReadHandshakeMessage(msg2); err != nil {
		t.Fatalf("read msg2: %v", err)
	}
	msg3, err := a.WriteHandshakeMessage()
	if err != nil {
		t.Fatalf("msg3: %v", err)
	}
	if err := b.ReadHandshakeMessage(msg3); err != nil {
		t.Fatalf("read msg3: %v", err)
	}

	if a.State() != Established || b.State() != Established {
		t.Fatalf("expected both Established, got a=%s b=%s", a.State(), b.State())
	}
}

func TestHandshakeEstablishesSessionBothSides(t *testing.T) {
	vc := clock.NewVirtual()
	cfg := DefaultConfig()
	aPriv, aPub := genKeypair(t)
	bPriv, bPub := genKeypair(t)

	a := NewSession(vc, cfg, aPriv, aPub)
	b := NewSession(vc, cfg, bPriv, bPub)
	handshakeXX(t, a, b)

	fpA, ok := a.Fingerprint()
	if !ok {
		t.Fatal("a should know b's fingerprint")
	}
	if fpA != FingerprintOf(bPub) {
		t.Fatal("a's recorded fingerprint doesn't match b's static key")
	}

	plaintext := []byte("hello mesh")
	ct, err := a.Encrypt(nil, plaintext)
	if err != nil {
		t.Fatal(err)
	}
	pt, err := b.Decrypt(nil, ct)
	if err != nil {
		t.Fatal(err)
	}
	if string(pt) != string(plaintext) {
		t.Fatalf("got %q want %q", pt, plaintext)
	}
}

func TestForbiddenOperationsPerState(t *testing.T) {
	vc := clock.NewVirtual()
	cfg := DefaultConfig()
	priv, pub := genKeypair(t)
	s := NewSession(vc, cfg, priv, pub)

	// S6: Uninitialized -> encrypt is refused.
	if _, err := s.Encrypt(nil, []byte("x")); err == nil {
		t.Fatal("expected encrypt to fail from Uninitialized")
	}

	if err := s.CreateOutbound(); err != nil {
		t.Fatal(err)
	}
	// S6: Handshaking -> initiate_rekey is refused.
	if _, err := s.InitiateRekey(); err == nil {
		t.Fatal("expected initiate_rekey to fail from Handshaking")
	}

	// Force into Failed (as a malformed handshake message would), then
	// confirm cleanup takes it back to Uninitialized.
	s.mu.Lock()
	s.failLocked()
	s.mu.Unlock()
	if err := s.Cleanup(); err != nil {
		t.Fatal(err)
	}
	if s.State() != Uninitialized {
		t.Fatalf("cleanup from Failed should reach Uninitialized, got %s", s.State())
	}
}

func TestDecryptWithPreviousWorksWhileRekeyInFlight(t *testing.T) {
	vc := clock.NewVirtual()
	cfg := DefaultConfig()
	aPriv, aPub := genKeypair(t)
	bPriv, bPub := genKeypair(t)
	a := NewSession(vc, cfg, aPriv, aPub)
	b := NewSession(vc, cfg, bPriv, bPub)
	handshakeXX(t, a, b)

	inFlight, err := a.Encrypt(nil, []byte("sent just before rekey started"))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := a.InitiateRekey(); err != nil {
		t.Fatal(err)
	}
	if err := b.AcceptRekey(); err != nil {
		t.Fatal(err)
	}
	// Neither side has exchanged a rekey message yet; both are still
	// mid-handshake, but b must still be able to decrypt a message
	// encrypted under the pre-rekey key.
	if b.State() != Rekeying {
		t.Fatalf("expected Rekeying, got %s", b.State())
	}
	pt, err := b.DecryptWithPrevious(nil, inFlight)
	if err != nil {
		t.Fatalf("DecryptWithPrevious during in-flight rekey: %v", err)
	}
	if string(pt) != "sent just before rekey started" {
		t.Fatalf("got %q", pt)
	}
}

func TestRekeyRetainsPreviousKeyDuringWindow(t *testing.T) {
	vc := clock.NewVirtual()
	cfg := DefaultConfig()
	cfg.RekeyRetentionWindow = 5 * time.Second
	aPriv, aPub := genKeypair(t)
	bPriv, bPub := genKeypair(t)
	a := NewSession(vc, cfg, aPriv, aPub)
	b := NewSession(vc, cfg, bPriv, bPub)
	handshakeXX(t, a, b)

	// A message encrypted right before rekey, but not yet delivered.
	inFlight, err := a.Encrypt(nil, []byte("in flight"))
	if err != nil {
		t.Fatal(err)
	}

	msg1, err := a.InitiateRekey()
	if err != nil {
		t.Fatal(err)
	}
	if a.State() != Rekeying {
		t.Fatalf("expected Rekeying, got %s", a.State())
	}
	if err := b.AcceptRekey(); err != nil {
		t.Fatal(err)
	}
	if err := b.ReadHandshakeMessage(msg1); err != nil {
		t.Fatal(err)
	}
	msg2, err := b.WriteHandshakeMessage()
	if err != nil {
		t.Fatal(err)
	}
	if err := a.ReadHandshakeMessage(msg2); err != nil {
		t.Fatal(err)
	}
	msg3, err := a.WriteHandshakeMessage()
	if err != nil {
		t.Fatal(err)
	}
	if err := b.ReadHandshakeMessage(msg3); err != nil {
		t.Fatal(err)
	}

	if a.State() != Established || b.State() != Established {
		t.Fatalf("expected both Established after rekey, got a=%s b=%s", a.State(), b.State())
	}

	// The message encrypted under the old key still decrypts during the
	// retention window.
	pt, err := b.DecryptWithPrevious(nil, inFlight)
	if err != nil {
		t.Fatalf("DecryptWithPrevious: %v", err)
	}
	if string(pt) != "in flight" {
		t.Fatalf("got %q", pt)
	}

	// A fresh message now uses the new key.
	freshCT, err := a.Encrypt(nil, []byte("fresh"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Decrypt(nil, freshCT); err != nil {
		t.Fatalf("fresh message should decrypt under new key: %v", err)
	}

	vc.Advance(10 * time.Second)
	if _, err := b.DecryptWithPrevious(nil, inFlight); err != ErrNoPreviousKey {
		t.Fatalf("expected ErrNoPreviousKey after retention window, got %v", err)
	}
}

func TestManagerRejectsSecondOutboundWhileHandshaking(t *testing.T) {
	vc := clock.NewVirtual()
	cfg := DefaultConfig()
	priv, pub := genKeypair(t)
	m := NewManager(vc, cfg, priv, pub, DefaultMaxConcurrentSessions)
	var peer PeerID
	copy(peer[:], []byte{1, 2, 3, 4, 5, 6, 7, 8})

	if _, err := m.CreateOutbound(peer); err != nil {
		t.Fatal(err)
	}
	if _, err := m.CreateOutbound(peer); err != ErrSessionExists {
		t.Fatalf("got %v want ErrSessionExists", err)
	}
}

func TestManagerEvictsLRUBeyondCap(t *testing.T) {
	vc := clock.NewVirtual()
	cfg := DefaultConfig()
	priv, pub := genKeypair(t)
	m := NewManager(vc, cfg, priv, pub, 2)

	var p1, p2, p3 PeerID
	p1[0], p2[0], p3[0] = 1, 2, 3

	if _, err := m.CreateOutbound(p1); err != nil {
		t.Fatal(err)
	}
	if _, err := m.CreateOutbound(p2); err != nil {
		t.Fatal(err)
	}
	if _, err := m.CreateOutbound(p3); err != nil {
		t.Fatal(err)
	}
	if m.Count() != 2 {
		t.Fatalf("expected cap held at 2, got %d", m.Count())
	}
	if _, ok := m.Get(p1); ok {
		t.Fatal("p1 should have been LRU-evicted")
	}
}
