// Package session implements the Session Channel (C8): a Session Key
// Manager and a Message Protector providing HMAC-authenticated messages
// with replay and freshness defense.
//
// Grounded on core/network.go's peer-keyed session bookkeeping and
// original_source/network/session.py's establish/active/revoke lifecycle;
// the replay cache adopts github.com/patrickmn/go-cache, found in the
// pack's other_examples/manifests go.mod files (prysmaticlabs-geth-sharding,
// storj-storj) as the idiomatic TTL-map for exactly this kind of
// short-horizon dedup cache.
package session

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Status is a SessionKey's lifecycle state.
type Status string

const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
	StatusRevoked Status = "revoked"
)

// DefaultTTL is the lifetime of a freshly established session key.
const DefaultTTL = 24 * time.Hour

const keyMaterialSize = 32

// SessionKey is one session key bound to a peer.
type SessionKey struct {
	KeyID       string
	PeerID      string
	KeyMaterial []byte
	CreatedAt   int64
	ExpiresAt   int64
	Status      Status
	UsageCount  int
	LastUsed    *int64
}

// expiredAt reports whether the key's ExpiresAt has passed as of now.
func (k *SessionKey) expiredAt(now int64) bool { return k.ExpiresAt <= now }

// KeyManager owns the concurrent peer -> []*SessionKey map.
type KeyManager struct {
	mu     sync.RWMutex
	byPeer map[string][]*SessionKey
	byID   map[string]*SessionKey

	ttl time.Duration
	log *logrus.Logger
	now func() time.Time
}

// NewKeyManager constructs an empty KeyManager. ttl <= 0 selects DefaultTTL.
func NewKeyManager(ttl time.Duration, log *logrus.Logger) *KeyManager {
	if log == nil {
		log = logrus.New()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &KeyManager{
		byPeer: make(map[string][]*SessionKey),
		byID:   make(map[string]*SessionKey),
		ttl:    ttl,
		log:    log,
		now:    time.Now,
	}
}

// Establish generates a fresh 32-byte key for peerID.
func (m *KeyManager) Establish(peerID string) (*SessionKey, error) {
	material := make([]byte, keyMaterialSize)
	if _, err := rand.Read(material); err != nil {
		return nil, fmt.Errorf("session: generate key material: %w", err)
	}
	now := m.now().Unix()
	k := &SessionKey{
		KeyID:       uuid.New().String(),
		PeerID:      peerID,
		KeyMaterial: material,
		CreatedAt:   now,
		ExpiresAt:   now + int64(m.ttl.Seconds()),
		Status:      StatusActive,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.byPeer[peerID] = append(m.byPeer[peerID], k)
	m.byID[k.KeyID] = k
	m.log.WithFields(logrus.Fields{"peer_id": peerID, "key_id": k.KeyID}).Info("session: key established")
	return k, nil
}

// Active returns the most recent non-expired, non-revoked key for peerID.
func (m *KeyManager) Active(peerID string) (*SessionKey, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := m.byPeer[peerID]
	now := m.now().Unix()
	for i := len(keys) - 1; i >= 0; i-- {
		k := keys[i]
		if k.Status == StatusActive && !k.expiredAt(now) {
			return k, true
		}
	}
	return nil, false
}

// ByID looks up a key by its key_id regardless of status, for Validate's
// "key must exist" check ahead of its own active/expired tests.
func (m *KeyManager) ByID(keyID string) (*SessionKey, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.byID[keyID]
	return k, ok
}

// Revoke moves one key to the revoked state.
func (m *KeyManager) Revoke(keyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.byID[keyID]
	if !ok {
		return ErrUnknownKey
	}
	k.Status = StatusRevoked
	return nil
}

// RevokePeer revokes every key belonging to peerID.
func (m *KeyManager) RevokePeer(peerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys, ok := m.byPeer[peerID]
	if !ok {
		return ErrUnknownKey
	}
	for _, k := range keys {
		k.Status = StatusRevoked
	}
	return nil
}

// CleanupExpired transitions active keys past their expiry to expired,
// returning the number transitioned.
func (m *KeyManager) CleanupExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().Unix()
	n := 0
	for _, k := range m.byID {
		if k.Status == StatusActive && k.expiredAt(now) {
			k.Status = StatusExpired
			n++
		}
	}
	return n
}

// markUsed increments usage bookkeeping on successful validation.
func (m *KeyManager) markUsed(keyID string, at int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if k, ok := m.byID[keyID]; ok {
		k.UsageCount++
		k.LastUsed = &at
	}
}
