// Package consent implements the Consent Service (C3): issuance,
// validation, and revocation of signed, expiring capability tokens bound to
// a user identity and a scope of consent types.
//
// Grounded on privacy/consent.py's ConsentManager for the token lifecycle
// semantics, reworked so the token table is a JSON file written with a
// write-temp-then-rename discipline behind an in-process RWMutex instead of
// being mutated in place, matching the teacher's on-disk state file
// discipline.
package consent

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/drp-network/gateway/internal/canon"
)

const ed25519SeedSize = 32

// DefaultTTL is the token lifetime New uses when given a non-positive
// defaultTTL.
const DefaultTTL = 365 * 24 * time.Hour

// Token is a signed, time-limited capability permitting a specified action
// scope for a specific user.
type Token struct {
	TokenID      string   `json:"token_id"`
	UserID       string   `json:"user_id"`
	ConsentTypes []string `json:"consent_types"`
	GrantedAt    int64    `json:"granted_at"`
	ExpiresAt    int64    `json:"expires_at"`
	Signature    string   `json:"signature"`
	Revoked      bool     `json:"revoked"`
	RevokedAt    int64    `json:"revoked_at,omitempty"`
}

// signedFields is the subset of Token canonically encoded and signed; it
// excludes Signature, Revoked, and RevokedAt.
type signedFields struct {
	TokenID      string   `json:"token_id"`
	UserID       string   `json:"user_id"`
	ConsentTypes []string `json:"consent_types"`
	GrantedAt    int64    `json:"granted_at"`
	ExpiresAt    int64    `json:"expires_at"`
}

func (t Token) signingMessage() ([]byte, error) {
	return canon.Encode(signedFields{
		TokenID:      t.TokenID,
		UserID:       t.UserID,
		ConsentTypes: t.ConsentTypes,
		GrantedAt:    t.GrantedAt,
		ExpiresAt:    t.ExpiresAt,
	})
}

// Service is the Consent Service. Reads are concurrent; writes are
// serialized behind mu.
type Service struct {
	mu         sync.RWMutex
	dbPath     string
	priv       ed25519.PrivateKey
	pub        ed25519.PublicKey
	tokens     map[string]*Token
	defaultTTL time.Duration
	log        *logrus.Logger

	now func() time.Time
}

// New constructs a Service, loading or generating the long-term signing key
// at privKeyFile and loading existing tokens from dbFile.
func New(dbFile, privKeyFile string, defaultTTL time.Duration, log *logrus.Logger) (*Service, error) {
	if log == nil {
		log = logrus.New()
	}
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}

	priv, pub, err := loadOrCreateKey(privKeyFile)
	if err != nil {
		return nil, err
	}

	s := &Service{
		dbPath:     dbFile,
		priv:       priv,
		pub:        pub,
		tokens:     make(map[string]*Token),
		defaultTTL: defaultTTL,
		log:        log,
		now:        time.Now,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func loadOrCreateKey(path string) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	if seed, err := os.ReadFile(path); err == nil {
		if len(seed) != ed25519SeedSize {
			return nil, nil, fmt.Errorf("consent: key file %s has %d bytes, want %d", path, len(seed), ed25519SeedSize)
		}
		priv := ed25519.NewKeyFromSeed(seed)
		return priv, priv.Public().(ed25519.PublicKey), nil
	}

	seed := make([]byte, ed25519SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, nil, fmt.Errorf("consent: generate seed: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, nil, fmt.Errorf("consent: create key dir: %w", err)
		}
	}
	if err := os.WriteFile(path, seed, 0o600); err != nil {
		return nil, nil, fmt.Errorf("consent: persist key: %w", err)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return priv, priv.Public().(ed25519.PublicKey), nil
}

func (s *Service) load() error {
	raw, err := os.ReadFile(s.dbPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("consent: read token db: %w", err)
	}
	var stored map[string]*Token
	if err := json.Unmarshal(raw, &stored); err != nil {
		return fmt.Errorf("consent: parse token db: %w", err)
	}
	s.tokens = stored
	s.log.Infof("consent: loaded %d tokens from %s", len(stored), s.dbPath)
	return nil
}

// persist writes the token table with a write-temp-then-rename discipline.
// Caller must hold s.mu for writing.
func (s *Service) persist() error {
	raw, err := json.MarshalIndent(s.tokens, "", "  ")
	if err != nil {
		return fmt.Errorf("consent: marshal token db: %w", err)
	}
	dir := filepath.Dir(s.dbPath)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("consent: create db dir: %w", err)
		}
	}
	tmp, err := os.CreateTemp(dir, ".consent-*.tmp")
	if err != nil {
		return fmt.Errorf("consent: create temp db: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("consent: write temp db: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("consent: close temp db: %w", err)
	}
	if err := os.Rename(tmpName, s.dbPath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("consent: rename temp db: %w", err)
	}
	return nil
}

// Create issues a new token for userID covering consentTypes, signs it, and
// persists it. ttl of zero selects the service's default TTL.
func (s *Service) Create(userID string, consentTypes []string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	now := s.now().Unix()

	tok := &Token{
		TokenID:      uuid.New().String(),
		UserID:       userID,
		ConsentTypes: append([]string(nil), consentTypes...),
		GrantedAt:    now,
		ExpiresAt:    now + int64(ttl.Seconds()),
	}
	msg, err := tok.signingMessage()
	if err != nil {
		return "", fmt.Errorf("consent: build signing message: %w", err)
	}
	tok.Signature = fmt.Sprintf("%x", ed25519.Sign(s.priv, msg))

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[tok.TokenID] = tok
	if err := s.persist(); err != nil {
		delete(s.tokens, tok.TokenID)
		return "", err
	}
	s.log.WithField("token_id", tok.TokenID).Info("consent: token created")
	return tok.TokenID, nil
}

// Validate returns nil if tokenID exists, is not revoked, is not expired,
// belongs to userID, and its signature verifies under the service's public
// key. Otherwise it returns one of the sentinel errors in errors.go.
func (s *Service) Validate(tokenID, userID string) error {
	s.mu.RLock()
	tok, ok := s.tokens[tokenID]
	s.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	if tok.Revoked {
		return ErrRevoked
	}
	if s.now().Unix() > tok.ExpiresAt {
		return ErrExpired
	}
	if tok.UserID != userID {
		return ErrUserMismatch
	}
	msg, err := tok.signingMessage()
	if err != nil {
		return fmt.Errorf("consent: build signing message: %w", err)
	}
	sigBytes, err := hex.DecodeString(tok.Signature)
	if err != nil {
		return ErrBadSignature
	}
	if !ed25519.Verify(s.pub, msg, sigBytes) {
		return ErrBadSignature
	}
	return nil
}

// IsValid reports whether Validate succeeds, for callers that only need a
// boolean
func (s *Service) IsValid(tokenID, userID string) bool {
	return s.Validate(tokenID, userID) == nil
}

// Revoke flips a token's revoked flag. It only succeeds if callerUserID
// matches the token's bound user.
func (s *Service) Revoke(tokenID, callerUserID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, ok := s.tokens[tokenID]
	if !ok {
		return ErrNotFound
	}
	if tok.UserID != callerUserID {
		return ErrUserMismatch
	}
	tok.Revoked = true
	tok.RevokedAt = s.now().Unix()
	if err := s.persist(); err != nil {
		return err
	}
	s.log.WithField("token_id", tokenID).Info("consent: token revoked")
	return nil
}

// CleanupExpired removes tokens whose expires_at has passed, returning the
// number removed.
func (s *Service) CleanupExpired() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().Unix()
	removed := 0
	for id, tok := range s.tokens {
		if tok.ExpiresAt < now {
			delete(s.tokens, id)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	if err := s.persist(); err != nil {
		return 0, err
	}
	s.log.Infof("consent: cleaned up %d expired tokens", removed)
	return removed, nil
}
