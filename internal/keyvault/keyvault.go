// Package keyvault implements the KeyVault (C2): the master key, per-user
// key derivation, field-level envelope encryption, and identity keypair
// management used across the submission pipeline and the Elder quorum.
//
// Grounded on core/security.go's Sign/Verify dispatch-by-scheme pattern and
// the HKDF + AEAD scheme in the original security/encryption.py.
package keyvault

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/drp-network/gateway/internal/types"
)

const masterKeySize = 32

// hkdfSalt is fixed; info is the caller-supplied user_hash.
var hkdfSalt = []byte("drp_user_key_salt")

// sensitiveFields is the fixed, case-insensitive set of proof fields that
// must be envelope-encrypted before leaving the pipeline.
var sensitiveFields = map[string]struct{}{
	"personal_data":     {},
	"biometric_data":     {},
	"location_data":      {},
	"contact_info":       {},
	"financial_data":     {},
	"medical_data":       {},
	"private_notes":      {},
	"internal_metadata":  {},
}

// IsSensitiveField reports whether name (case-insensitive) must be encrypted.
func IsSensitiveField(name string) bool {
	_, ok := sensitiveFields[strings.ToLower(name)]
	return ok
}

// Scheme identifies an identity keypair algorithm.
type Scheme uint8

const (
	SchemeEd25519 Scheme = iota
	SchemeRSA
)

// KeyVault holds the long-term master key and exposes derivation,
// encryption, and signing operations. Safe for concurrent use: the master
// key is read-only after Load/Create.
type KeyVault struct {
	mu     sync.RWMutex
	master []byte
	path   string
	log    *logrus.Logger
}

// New constructs a KeyVault backed by masterKeyFile, generating a fresh
// master key on first use (matching core/ipfs.go's lazy-init-on-first-call
// idiom, but made explicit here rather than hidden behind a package global).
func New(masterKeyFile string, log *logrus.Logger) (*KeyVault, error) {
	if log == nil {
		log = logrus.New()
	}
	kv := &KeyVault{path: masterKeyFile, log: log}

	if b, err := os.ReadFile(masterKeyFile); err == nil {
		if len(b) != masterKeySize {
			return nil, fmt.Errorf("keyvault: master key file %s has %d bytes, want %d", masterKeyFile, len(b), masterKeySize)
		}
		kv.master = b
		log.Infof("keyvault: loaded master key from %s", masterKeyFile)
		return kv, nil
	}

	key := make([]byte, masterKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("keyvault: generate master key: %w", err)
	}
	if dir := filepath.Dir(masterKeyFile); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("keyvault: create key dir: %w", err)
		}
	}
	if err := os.WriteFile(masterKeyFile, key, 0o600); err != nil {
		return nil, fmt.Errorf("keyvault: persist master key: %w", err)
	}
	kv.master = key
	log.Infof("keyvault: generated new master key at %s", masterKeyFile)
	return kv, nil
}

// DeriveUserKey returns K_u = HKDF-SHA256(master, salt, info=userHash, 32).
// Pure function of (master, userHash): calling it twice for the same inputs
// yields the same key.
func (kv *KeyVault) DeriveUserKey(userHash string) ([]byte, error) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	if kv.master == nil {
		return nil, ErrKeyNotInitialized
	}
	r := hkdf.New(sha256.New, kv.master, hkdfSalt, []byte(userHash))
	out := make([]byte, 32)
	if _, err := r.Read(out); err != nil {
		return nil, fmt.Errorf("keyvault: hkdf: %w", err)
	}
	return out, nil
}

// EncryptField authenticated-encrypts value under key K, embeds a fresh
// random nonce in the returned blob, and base64-encodes the result.
func (kv *KeyVault) EncryptField(key []byte, value []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", fmt.Errorf("keyvault: aead init: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("keyvault: nonce: %w", err)
	}
	ct := aead.Seal(nonce, nonce, value, nil)
	return base64.StdEncoding.EncodeToString(ct), nil
}

// DecryptField reverses EncryptField. Returns ErrDecryptionFailed on any
// authentication failure (including use of the wrong key).
func (kv *KeyVault) DecryptField(key []byte, blob string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: bad base64: %v", ErrDecryptionFailed, err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("keyvault: aead init: %w", err)
	}
	if len(raw) < aead.NonceSize() {
		return nil, ErrDecryptionFailed
	}
	nonce, ct := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	pt, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return pt, nil
}

// EncryptionMetadata is the header block attached to every Stored Proof
// Object's encrypted_data.
type EncryptionMetadata struct {
	Algorithm string `json:"algorithm"`
	UserHash  string `json:"user_hash"`
	Timestamp int64  `json:"timestamp"`
	Version   int    `json:"version"`
}

// EncryptSensitiveFields walks activity, encrypting every field whose name
// is in the sensitive set under K_u and leaving the rest untouched,
// matching the Stored Proof Object layout: sensitive field F becomes
// F_encrypted, all other fields pass through unchanged.
func (kv *KeyVault) EncryptSensitiveFields(key []byte, activity types.Map) (types.Map, error) {
	out := make(types.Map, len(activity))
	for name, v := range activity {
		if !IsSensitiveField(name) {
			out[name] = v
			continue
		}
		raw, err := canonMarshal(v)
		if err != nil {
			return nil, fmt.Errorf("keyvault: marshal field %q: %w", name, err)
		}
		blob, err := kv.EncryptField(key, raw)
		if err != nil {
			return nil, fmt.Errorf("keyvault: encrypt field %q: %w", name, err)
		}
		out[name+"_encrypted"] = types.String(blob)
	}
	return out, nil
}

// canonMarshal serializes a field's plaintext value before encryption. It
// uses plain json.Marshal rather than internal/canon: field plaintext only
// needs a stable round-trip through Encrypt/Decrypt, not cross-process
// byte-for-byte determinism, and pulling in canon here would cost an import
// layer for no behavioral gain.
func canonMarshal(v types.Value) ([]byte, error) {
	return json.Marshal(v.ToAny())
}

// GenerateIdentityKeypair creates a new keypair for scheme, returning
// (public, private) as raw bytes (Ed25519) or PKCS#1 DER (RSA).
func GenerateIdentityKeypair(scheme Scheme) (pub, priv []byte, err error) {
	switch scheme {
	case SchemeEd25519:
		p, s, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, nil, fmt.Errorf("keyvault: ed25519 keygen: %w", err)
		}
		return p, s, nil
	case SchemeRSA:
		sk, err := rsa.GenerateKey(rand.Reader, 3072)
		if err != nil {
			return nil, nil, fmt.Errorf("keyvault: rsa keygen: %w", err)
		}
		pubDER, err := x509.MarshalPKIXPublicKey(&sk.PublicKey)
		if err != nil {
			return nil, nil, err
		}
		return pubDER, x509.MarshalPKCS1PrivateKey(sk), nil
	default:
		return nil, nil, ErrUnsupportedScheme
	}
}

// Sign signs msg with priv under scheme.
func Sign(scheme Scheme, priv []byte, msg []byte) ([]byte, error) {
	switch scheme {
	case SchemeEd25519:
		if len(priv) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("keyvault: bad ed25519 key size %d", len(priv))
		}
		return ed25519.Sign(ed25519.PrivateKey(priv), msg), nil
	case SchemeRSA:
		sk, err := x509.ParsePKCS1PrivateKey(priv)
		if err != nil {
			return nil, fmt.Errorf("keyvault: parse rsa key: %w", err)
		}
		digest := sha256.Sum256(msg)
		return rsa.SignPKCS1v15(rand.Reader, sk, 0, digest[:])
	default:
		return nil, ErrUnsupportedScheme
	}
}

// Verify checks sig over msg under scheme with the given public key.
func Verify(scheme Scheme, pub []byte, msg, sig []byte) (bool, error) {
	switch scheme {
	case SchemeEd25519:
		if len(pub) != ed25519.PublicKeySize {
			return false, fmt.Errorf("keyvault: bad ed25519 key size %d", len(pub))
		}
		return ed25519.Verify(ed25519.PublicKey(pub), msg, sig), nil
	case SchemeRSA:
		pk, err := x509.ParsePKIXPublicKey(pub)
		if err != nil {
			return false, fmt.Errorf("keyvault: parse rsa pubkey: %w", err)
		}
		rsaPub, ok := pk.(*rsa.PublicKey)
		if !ok {
			return false, fmt.Errorf("keyvault: not an rsa public key")
		}
		digest := sha256.Sum256(msg)
		return rsa.VerifyPKCS1v15(rsaPub, 0, digest[:], sig) == nil, nil
	default:
		return false, ErrUnsupportedScheme
	}
}

// EncodePEM wraps der in a PEM block of the given type, used when persisting
// RSA keys to disk in the teacher's file-backed-keystore idiom.
func EncodePEM(blockType string, der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
}
