package session

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/drp-network/gateway/internal/canon"
	"github.com/drp-network/gateway/internal/metrics"
	"github.com/drp-network/gateway/internal/types"
)

const (
	// ReplayCacheTTL is how long a delivered message_id is remembered.
	ReplayCacheTTL = 5 * time.Minute
	// FreshnessWindow bounds the allowed clock skew between a message's
	// declared timestamp and the validator's clock.
	FreshnessWindow = 10 * time.Minute
	nonceSize       = 16 // 128 bits
	protocolVersion = 1
)

// ProtectedMessage is an HMAC-authenticated, replay/freshness-protected
// envelope.
type ProtectedMessage struct {
	MessageID   string     `json:"message_id"`
	Type        string     `json:"type"`
	Payload     types.Value `json:"payload"`
	Timestamp   int64      `json:"timestamp"`
	SenderID    string     `json:"sender_id"`
	RecipientID string     `json:"recipient_id"`
	Nonce       string     `json:"nonce"` // hex
	SessionKeyID string    `json:"session_key_id"`
	MAC         string     `json:"mac"` // hex
	Version     int        `json:"version"`
}

// signingFields is the subset canonicalized and MAC'd, excluding
// session_key_id and mac.
type signingFields struct {
	MessageID   string      `json:"message_id"`
	Type        string      `json:"type"`
	Payload     types.Value `json:"payload"`
	Timestamp   int64       `json:"timestamp"`
	SenderID    string      `json:"sender_id"`
	RecipientID string      `json:"recipient_id"`
	Nonce       string      `json:"nonce"`
	Version     int         `json:"version"`
}

func (m ProtectedMessage) signingMessage() ([]byte, error) {
	return canon.Encode(signingFields{
		MessageID:   m.MessageID,
		Type:        m.Type,
		Payload:     m.Payload,
		Timestamp:   m.Timestamp,
		SenderID:    m.SenderID,
		RecipientID: m.RecipientID,
		Nonce:       m.Nonce,
		Version:     m.Version,
	})
}

// Protector is the Message Protector: protect()/validate() over a
// KeyManager's active keys.
type Protector struct {
	keys    *KeyManager
	cache   *gocache.Cache
	log     *logrus.Logger
	metrics *metrics.Collector
	now     func() time.Time
}

// NewProtector constructs a Protector backed by keys. m may be nil to
// disable metrics reporting.
func NewProtector(keys *KeyManager, log *logrus.Logger, m *metrics.Collector) *Protector {
	if log == nil {
		log = logrus.New()
	}
	return &Protector{
		keys:    keys,
		cache:   gocache.New(ReplayCacheTTL, ReplayCacheTTL/2),
		log:     log,
		metrics: m,
		now:     time.Now,
	}
}

// Protect builds and MACs a ProtectedMessage for recipientID, using
// recipientID's currently active session key.
func (p *Protector) Protect(msgType string, payload types.Value, senderID, recipientID string) (ProtectedMessage, error) {
	key, ok := p.keys.Active(recipientID)
	if !ok {
		return ProtectedMessage{}, ErrUnknownKey
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return ProtectedMessage{}, fmt.Errorf("session: generate nonce: %w", err)
	}

	msg := ProtectedMessage{
		MessageID:    uuid.New().String(),
		Type:         msgType,
		Payload:      payload,
		Timestamp:    p.now().Unix(),
		SenderID:     senderID,
		RecipientID:  recipientID,
		Nonce:        hex.EncodeToString(nonce),
		SessionKeyID: key.KeyID,
		Version:      protocolVersion,
	}

	signed, err := msg.signingMessage()
	if err != nil {
		return ProtectedMessage{}, fmt.Errorf("session: build signing message: %w", err)
	}
	mac := hmac.New(sha256.New, key.KeyMaterial)
	mac.Write(signed)
	msg.MAC = hex.EncodeToString(mac.Sum(nil))

	// The outgoing message_id is recorded under its own key so that
	// Validate's replay check only counts messages already accepted.
	p.cache.Set("sent:"+msg.MessageID, msg.Timestamp, ReplayCacheTTL)
	return msg, nil
}

// Validate checks msg against replay, freshness, and MAC correctness,
// returning nil on success or one of the sentinel errors in errors.go.
func (p *Protector) Validate(msg ProtectedMessage) error {
	key, ok := p.keys.ByID(msg.SessionKeyID)
	if !ok {
		return ErrUnknownKey
	}
	now := p.now().Unix()
	switch key.Status {
	case StatusRevoked:
		return ErrRevoked
	case StatusExpired:
		return ErrExpired
	}
	if key.expiredAt(now) {
		return ErrExpired
	}

	if _, replayed := p.cache.Get(msg.MessageID); replayed {
		if p.metrics != nil {
			p.metrics.RecordSessionReplay()
		}
		return ErrReplay
	}

	age := now - msg.Timestamp
	if age < 0 {
		age = -age
	}
	if time.Duration(age)*time.Second > FreshnessWindow {
		return ErrStale
	}

	signed, err := msg.signingMessage()
	if err != nil {
		return fmt.Errorf("session: build signing message: %w", err)
	}
	mac := hmac.New(sha256.New, key.KeyMaterial)
	mac.Write(signed)
	expected := mac.Sum(nil)

	got, err := hex.DecodeString(msg.MAC)
	if err != nil || !hmac.Equal(expected, got) {
		if p.metrics != nil {
			p.metrics.RecordSessionMacFailure()
		}
		return ErrMacMismatch
	}

	p.cache.Set(msg.MessageID, msg.Timestamp, ReplayCacheTTL)
	p.keys.markUsed(key.KeyID, now)
	return nil
}
