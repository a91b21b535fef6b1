package session

import (
	"testing"
	"time"

	"github.com/drp-network/gateway/internal/types"
)

func TestEstablishAndActive(t *testing.T) {
	km := NewKeyManager(time.Hour, nil)
	k, err := km.Establish("peer-1")
	if err != nil {
		t.Fatal(err)
	}
	active, ok := km.Active("peer-1")
	if !ok || active.KeyID != k.KeyID {
		t.Fatalf("expected freshly established key to be active, got %+v ok=%v", active, ok)
	}
}

func TestActiveReturnsMostRecentKey(t *testing.T) {
	km := NewKeyManager(time.Hour, nil)
	_, _ = km.Establish("peer-1")
	k2, _ := km.Establish("peer-1")

	active, ok := km.Active("peer-1")
	if !ok || active.KeyID != k2.KeyID {
		t.Fatalf("expected most recently established key, got %+v", active)
	}
}

func TestRevokeThenNoActiveKey(t *testing.T) {
	km := NewKeyManager(time.Hour, nil)
	k, _ := km.Establish("peer-1")
	if err := km.Revoke(k.KeyID); err != nil {
		t.Fatal(err)
	}
	if _, ok := km.Active("peer-1"); ok {
		t.Fatal("expected no active key after revoke")
	}
}

func TestRevokePeerRevokesAllKeys(t *testing.T) {
	km := NewKeyManager(time.Hour, nil)
	_, _ = km.Establish("peer-1")
	_, _ = km.Establish("peer-1")
	if err := km.RevokePeer("peer-1"); err != nil {
		t.Fatal(err)
	}
	if _, ok := km.Active("peer-1"); ok {
		t.Fatal("expected no active key after revoke_peer")
	}
}

func TestCleanupExpired(t *testing.T) {
	km := NewKeyManager(time.Second, nil)
	fixed := time.Now()
	km.now = func() time.Time { return fixed }
	_, _ = km.Establish("peer-1")

	km.now = func() time.Time { return fixed.Add(2 * time.Second) }
	n := km.CleanupExpired()
	if n != 1 {
		t.Fatalf("expected 1 key transitioned to expired, got %d", n)
	}
	if _, ok := km.Active("peer-1"); ok {
		t.Fatal("expected no active key once expired")
	}
}

func newTestProtector(t *testing.T) (*Protector, *KeyManager) {
	t.Helper()
	km := NewKeyManager(time.Hour, nil)
	return NewProtector(km, nil, nil), km
}

func TestProtectThenValidateRoundTrip(t *testing.T) {
	p, km := newTestProtector(t)
	_, _ = km.Establish("bob")

	msg, err := p.Protect("ping", types.String("hello"), "alice", "bob")
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Validate(msg); err != nil {
		t.Fatalf("expected valid message, got %v", err)
	}
}

func TestProtectWithoutActiveKeyFails(t *testing.T) {
	p, _ := newTestProtector(t)
	if _, err := p.Protect("ping", types.Null(), "alice", "nobody"); err != ErrUnknownKey {
		t.Fatalf("expected ErrUnknownKey, got %v", err)
	}
}

func TestValidateRejectsReplay(t *testing.T) {
	p, km := newTestProtector(t)
	_, _ = km.Establish("bob")
	msg, _ := p.Protect("ping", types.Null(), "alice", "bob")

	if err := p.Validate(msg); err != nil {
		t.Fatal(err)
	}
	if err := p.Validate(msg); err != ErrReplay {
		t.Fatalf("expected ErrReplay on second validation, got %v", err)
	}
}

func TestValidateRejectsTamperedMAC(t *testing.T) {
	p, km := newTestProtector(t)
	_, _ = km.Establish("bob")
	msg, _ := p.Protect("ping", types.Null(), "alice", "bob")
	msg.MAC = "00" + msg.MAC[2:]

	if err := p.Validate(msg); err != ErrMacMismatch {
		t.Fatalf("expected ErrMacMismatch, got %v", err)
	}
}

func TestValidateRejectsStaleMessage(t *testing.T) {
	p, km := newTestProtector(t)
	fixed := time.Now()
	p.now = func() time.Time { return fixed }
	_, _ = km.Establish("bob")

	msg, err := p.Protect("ping", types.Null(), "alice", "bob")
	if err != nil {
		t.Fatal(err)
	}

	p.now = func() time.Time { return fixed.Add(11 * time.Minute) }
	if err := p.Validate(msg); err != ErrStale {
		t.Fatalf("expected ErrStale, got %v", err)
	}
}

func TestValidateRejectsRevokedKey(t *testing.T) {
	p, km := newTestProtector(t)
	k, _ := km.Establish("bob")
	msg, err := p.Protect("ping", types.Null(), "alice", "bob")
	if err != nil {
		t.Fatal(err)
	}
	if err := km.Revoke(k.KeyID); err != nil {
		t.Fatal(err)
	}
	if err := p.Validate(msg); err != ErrRevoked {
		t.Fatalf("expected ErrRevoked, got %v", err)
	}
}

func TestValidateUnknownKeyFails(t *testing.T) {
	p, _ := newTestProtector(t)
	msg := ProtectedMessage{SessionKeyID: "does-not-exist"}
	if err := p.Validate(msg); err != ErrUnknownKey {
		t.Fatalf("expected ErrUnknownKey, got %v", err)
	}
}
