// Package elders implements the Elder Quorum (C6): key-share lifecycle and
// m-of-n threshold signing/verification over canonical anchor payloads.
//
// Grounded on core/security.go's keystore load-or-generate discipline and
// privacy/identity.py's signer-set bookkeeping in original_source/; the
// threshold/weight accounting follows the E_eff / W definitions
// directly since no teacher file implements multi-signer quorum logic.
package elders

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/drp-network/gateway/internal/canon"
)

// Status is an Elder's position in the state machine:
//
//	(absent) --add--> active --revoke--> revoked
//	                     |
//	                     +--mark_inactive--> inactive --reactivate--> active
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusRevoked  Status = "revoked"
)

// Elder is the public record for one quorum participant.
type Elder struct {
	ElderID        string `json:"elder_id"`
	PublicKey      string `json:"public_key"` // hex-encoded ed25519 public key
	Weight         int    `json:"weight"`
	Status         Status `json:"status"`
	SignatureCount int    `json:"signature_count"`
	LastSeen       int64  `json:"last_seen"`
	CreatedAt      int64  `json:"created_at"`
}

// Signature is one Elder's signature over an anchor payload.
type Signature struct {
	ElderID   string `json:"elder_id"`
	Signature string `json:"signature"` // hex
	PublicKey string `json:"public_key"`
	Weight    int    `json:"weight"`
	Timestamp int64  `json:"timestamp"`
}

// keyRecord is one elder_id's entry in elder_keys.json, combining the
// private key material with the public fields needed to reconstruct an
// Elder on load. Status, signature_count, and last_seen are not persisted:
// they reset to active/0/0 on every process start, matching spec.md's
// documented persisted-state schema, which carries only key material.
type keyRecord struct {
	PrivateKeyHex string `json:"private_key_hex"`
	PublicKeyHex  string `json:"public_key_hex"`
	Weight        int    `json:"weight"`
	CreatedAt     int64  `json:"created_at"`
}

// Quorum holds the Elder set and the private key material required to
// produce signatures. Private keys are process-wide and read-only after
// load; mutating the Elder set requires the exclusive lock.
type Quorum struct {
	mu sync.RWMutex

	elders   []*Elder // signer order: sorted by elder_id at Bootstrap and load, then Add appends
	byID     map[string]*Elder
	privKeys map[string]ed25519.PrivateKey

	countThreshold int

	keysPath string
	log      *logrus.Logger
	now      func() time.Time
}

// New loads an existing Elder set from keysPath, or — if the file does not
// exist — bootstraps n fresh Elders with weight 1 each.
func New(keysPath string, n, countThreshold int, log *logrus.Logger) (*Quorum, error) {
	if log == nil {
		log = logrus.New()
	}
	q := &Quorum{
		byID:           make(map[string]*Elder),
		privKeys:       make(map[string]ed25519.PrivateKey),
		countThreshold: countThreshold,
		keysPath:       keysPath,
		log:            log,
		now:            time.Now,
	}

	loaded, err := q.load()
	if err != nil {
		return nil, err
	}
	if loaded {
		return q, nil
	}
	if err := q.Bootstrap(n); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Quorum) load() (bool, error) {
	raw, err := os.ReadFile(q.keysPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("elders: read elder keys: %w", err)
	}

	var records map[string]keyRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return false, fmt.Errorf("elders: parse elder keys: %w", err)
	}

	// Preserve a deterministic signer order across restarts by sorting on
	// elder_id, the only field every record carries.
	ids := make([]string, 0, len(records))
	for id := range records {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		rec := records[id]
		e := &Elder{
			ElderID:   id,
			PublicKey: rec.PublicKeyHex,
			Weight:    rec.Weight,
			Status:    StatusActive,
			CreatedAt: rec.CreatedAt,
		}
		q.elders = append(q.elders, e)
		q.byID[id] = e

		// An empty private_key_hex marks an Elder whose key material is
		// held externally (added via Add, not Bootstrap); it cannot sign
		// locally but still counts toward verification.
		if rec.PrivateKeyHex != "" {
			priv, err := hex.DecodeString(rec.PrivateKeyHex)
			if err != nil || len(priv) != ed25519.PrivateKeySize {
				return false, fmt.Errorf("elders: malformed private key for %s", id)
			}
			q.privKeys[id] = ed25519.PrivateKey(priv)
		}
	}
	q.log.Infof("elders: loaded %d elders", len(q.elders))
	return true, nil
}

// Bootstrap generates n fresh Ed25519 keypairs and persists them. It fails
// with ErrAlreadyBootstrapped if an Elder key file already exists on disk.
func (q *Quorum) Bootstrap(n int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, err := os.Stat(q.keysPath); err == nil {
		return ErrAlreadyBootstrapped
	}

	now := q.now().Unix()
	elders := make([]*Elder, 0, n)
	for i := 0; i < n; i++ {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return fmt.Errorf("elders: generate keypair %d: %w", i, err)
		}
		id := uuid.New().String()
		e := &Elder{
			ElderID:   id,
			PublicKey: hex.EncodeToString(pub),
			Weight:    1,
			Status:    StatusActive,
			CreatedAt: now,
		}
		elders = append(elders, e)
		q.byID[id] = e
		q.privKeys[id] = priv
	}
	// Sort by elder_id so the signer order is reproducible after a reload,
	// where the file's JSON object has no ordering of its own to recover.
	sort.Slice(elders, func(i, j int) bool { return elders[i].ElderID < elders[j].ElderID })
	q.elders = elders

	if err := q.persistLocked(); err != nil {
		return err
	}
	q.log.Infof("elders: bootstrapped %d elders", n)
	return nil
}

// persistLocked writes the combined elder_keys.json file: one owner-read-
// only JSON object keyed by elder_id, matching spec.md's documented
// schema. Caller must hold q.mu.
func (q *Quorum) persistLocked() error {
	records := make(map[string]keyRecord, len(q.elders))
	for _, e := range q.elders {
		// An Elder added via Add (rather than Bootstrap) may hold its
		// private key externally; privKeyHex is empty in that case, and
		// SignPayload fails with an error if such an Elder is among the
		// first t effective Elders.
		var privHex string
		if priv, ok := q.privKeys[e.ElderID]; ok {
			privHex = hex.EncodeToString(priv)
		}
		records[e.ElderID] = keyRecord{
			PrivateKeyHex: privHex,
			PublicKeyHex:  e.PublicKey,
			Weight:        e.Weight,
			CreatedAt:     e.CreatedAt,
		}
	}
	raw, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("elders: marshal elder keys: %w", err)
	}
	dir := filepath.Dir(q.keysPath)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("elders: create keys dir: %w", err)
		}
	}
	tmp, err := os.CreateTemp(dir, ".elder-keys-*.tmp")
	if err != nil {
		return fmt.Errorf("elders: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("elders: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("elders: close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("elders: restrict temp file permissions: %w", err)
	}
	if err := os.Rename(tmpName, q.keysPath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("elders: rename temp file: %w", err)
	}
	return nil
}

// effectiveLocked returns E_eff = {e : e.Status == active}, in q.elders order
// (sorted by elder_id at Bootstrap and load; Elders added via Add follow in
// the order they were added until the next load).
// Caller must hold q.mu (read or write).
func (q *Quorum) effectiveLocked() []*Elder {
	out := make([]*Elder, 0, len(q.elders))
	for _, e := range q.elders {
		if e.Status == StatusActive {
			out = append(out, e)
		}
	}
	return out
}

// weightThresholdLocked computes W = floor(sum(weight over E_eff)/2) + 1.
// Caller must hold q.mu.
func (q *Quorum) weightThresholdLocked() int {
	total := 0
	for _, e := range q.effectiveLocked() {
		total += e.Weight
	}
	return total/2 + 1
}

// SignPayload selects the first t effective Elders (effectiveLocked order) and
// has each sign the canonical encoding of payload.
func (q *Quorum) SignPayload(payload interface{}) ([]Signature, error) {
	msg, err := canon.Encode(payload)
	if err != nil {
		return nil, fmt.Errorf("elders: canonicalize payload: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	eff := q.effectiveLocked()
	if len(eff) < q.countThreshold {
		return nil, ErrInsufficientElders
	}
	selected := eff[:q.countThreshold]

	now := q.now().Unix()
	sigs := make([]Signature, 0, len(selected))
	for _, e := range selected {
		priv, ok := q.privKeys[e.ElderID]
		if !ok {
			return nil, fmt.Errorf("elders: missing private key for %s", e.ElderID)
		}
		sig := ed25519.Sign(priv, msg)
		sigs = append(sigs, Signature{
			ElderID:   e.ElderID,
			Signature: hex.EncodeToString(sig),
			PublicKey: e.PublicKey,
			Weight:    e.Weight,
			Timestamp: now,
		})
		e.SignatureCount++
		e.LastSeen = now
	}
	if err := q.persistLocked(); err != nil {
		return nil, err
	}
	return sigs, nil
}

// VerifyPayload checks a payload against a signature set: at least t
// signatures, each from a currently-effective Elder and valid under
// Ed25519, and the summed weight of verifying signers meets the weight
// threshold W.
func (q *Quorum) VerifyPayload(payload interface{}, sigs []Signature) (bool, error) {
	if len(sigs) < q.countThreshold {
		return false, nil
	}
	msg, err := canon.Encode(payload)
	if err != nil {
		return false, fmt.Errorf("elders: canonicalize payload: %w", err)
	}

	q.mu.RLock()
	defer q.mu.RUnlock()

	seen := make(map[string]bool)
	validWeight := 0
	for _, s := range sigs {
		if seen[s.ElderID] {
			continue
		}
		e, ok := q.byID[s.ElderID]
		if !ok {
			continue
		}
		if e.Status != StatusActive {
			continue
		}
		pub, err := hex.DecodeString(e.PublicKey)
		if err != nil || len(pub) != ed25519.PublicKeySize {
			continue
		}
		sigBytes, err := hex.DecodeString(s.Signature)
		if err != nil {
			continue
		}
		if !ed25519.Verify(ed25519.PublicKey(pub), msg, sigBytes) {
			continue
		}
		seen[s.ElderID] = true
		validWeight += e.Weight
	}
	return validWeight >= q.weightThresholdLocked(), nil
}

// Add registers a new Elder (admin path, not bootstrap). weight defaults to
// 1 when weight <= 0.
func (q *Quorum) Add(elderID string, publicKey []byte, weight int) error {
	if weight <= 0 {
		weight = 1
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.byID[elderID]; exists {
		return fmt.Errorf("elders: elder %s already exists", elderID)
	}
	e := &Elder{
		ElderID:   elderID,
		PublicKey: hex.EncodeToString(publicKey),
		Weight:    weight,
		Status:    StatusActive,
		CreatedAt: q.now().Unix(),
	}
	q.elders = append(q.elders, e)
	q.byID[elderID] = e
	return q.persistLocked()
}

// Revoke moves an Elder to the terminal revoked state.
func (q *Quorum) Revoke(elderID string) error {
	return q.transition(elderID, StatusRevoked, ErrRevokedElder)
}

// MarkInactive moves an active Elder to inactive.
func (q *Quorum) MarkInactive(elderID string) error {
	return q.transition(elderID, StatusInactive, nil)
}

// Reactivate moves an inactive Elder back to active. It refuses to
// reactivate a revoked Elder, matching the one-way revoked terminal state.
func (q *Quorum) Reactivate(elderID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.byID[elderID]
	if !ok {
		return ErrUnknownElder
	}
	if e.Status == StatusRevoked {
		return ErrRevokedElder
	}
	e.Status = StatusActive
	return q.persistLocked()
}

func (q *Quorum) transition(elderID string, to Status, alreadyErr error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.byID[elderID]
	if !ok {
		return ErrUnknownElder
	}
	if alreadyErr != nil && e.Status == to {
		return nil
	}
	if e.Status == StatusRevoked && to != StatusRevoked {
		return ErrRevokedElder
	}
	e.Status = to
	return q.persistLocked()
}

// StatusSnapshot returns a snapshot of the current Elder set.
func (q *Quorum) StatusSnapshot() []Elder {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]Elder, len(q.elders))
	for i, e := range q.elders {
		out[i] = *e
	}
	return out
}

// CountThreshold and WeightThreshold expose the current quorum parameters
// (t and W) for observability.
func (q *Quorum) CountThreshold() int { return q.countThreshold }

func (q *Quorum) WeightThreshold() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.weightThresholdLocked()
}
