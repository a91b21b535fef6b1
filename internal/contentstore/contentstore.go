// Package contentstore implements the Content Store Client (C4): a thin
// capability interface over a content-addressed object store, plus a
// production implementation backed by an IPFS HTTP gateway and an
// in-memory fake for tests.
//
// Grounded on core/storage.go's Pin/Retrieve pair (CID computed locally via
// go-cid + go-multihash, then pinned through the gateway's HTTP API) and
// core/ipfs.go's thin wrapper style.
package contentstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	"github.com/sirupsen/logrus"
)

// ErrNotFound is returned by Get for an unknown CID.
var ErrNotFound = errors.New("contentstore: not found")

// NodeInfo mirrors the IPFS gateway's /api/v0/id for observability.
type NodeInfo struct {
	ID        string   `json:"id"`
	Addresses []string `json:"addresses"`
}

// Store is the capability set the rest of the gateway depends on. Two
// implementations exist: *Memory (tests, local dev) and *IPFSGateway
// (production).
type Store interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, id string) ([]byte, error)
	Pin(ctx context.Context, id string) error
	Unpin(ctx context.Context, id string) error
	ListPins(ctx context.Context) ([]string, error)
	NodeInfo(ctx context.Context) (NodeInfo, error)
	PeerList(ctx context.Context) ([]string, error)
}

// ComputeCID returns the stable CIDv1/raw/sha2-256 address for data,
// matching core/storage.go's local CID computation.
func ComputeCID(data []byte) (string, error) {
	sum, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		return "", fmt.Errorf("contentstore: multihash: %w", err)
	}
	return cid.NewCidV1(cid.Raw, sum).String(), nil
}

// -----------------------------------------------------------------------
// In-memory fake
// -----------------------------------------------------------------------

// Memory is an in-process Store used by tests and local/dev runs, matching
// the "Optional/mock backends" design note.
type Memory struct {
	mu     sync.RWMutex
	blobs  map[string][]byte
	pinned map[string]bool
}

// NewMemory constructs an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{blobs: make(map[string][]byte), pinned: make(map[string]bool)}
}

func (m *Memory) Put(_ context.Context, data []byte) (string, error) {
	id, err := ComputeCID(data)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[id] = append([]byte(nil), data...)
	m.pinned[id] = true
	return id, nil
}

func (m *Memory) Get(_ context.Context, id string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), b...), nil
}

func (m *Memory) Pin(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[id]; !ok {
		return ErrNotFound
	}
	m.pinned[id] = true
	return nil
}

func (m *Memory) Unpin(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pinned, id)
	return nil
}

func (m *Memory) ListPins(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.pinned))
	for id := range m.pinned {
		out = append(out, id)
	}
	return out, nil
}

func (m *Memory) NodeInfo(_ context.Context) (NodeInfo, error) {
	return NodeInfo{ID: "memory-node", Addresses: []string{"memory://local"}}, nil
}

func (m *Memory) PeerList(_ context.Context) ([]string, error) { return nil, nil }

// -----------------------------------------------------------------------
// IPFS gateway-backed implementation
// -----------------------------------------------------------------------

// GatewayConfig configures the production Store.
type GatewayConfig struct {
	URL     string
	Timeout time.Duration
}

// IPFSGateway talks to an IPFS HTTP gateway, computing the CID locally
// (so Put is a stable function of bytes regardless of gateway behavior)
// and pinning by default.
type IPFSGateway struct {
	client *http.Client
	base   string
	log    *logrus.Logger
}

// NewIPFSGateway constructs a production Store against cfg.URL.
func NewIPFSGateway(cfg GatewayConfig, log *logrus.Logger) *IPFSGateway {
	if log == nil {
		log = logrus.New()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &IPFSGateway{
		client: &http.Client{Timeout: timeout},
		base:   cfg.URL,
		log:    log,
	}
}

func (g *IPFSGateway) Put(ctx context.Context, data []byte) (string, error) {
	id, err := ComputeCID(data)
	if err != nil {
		return "", err
	}

	url := g.base + "/api/v0/add?pin=true"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("contentstore: gateway add: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return "", fmt.Errorf("contentstore: gateway add %d: %s", resp.StatusCode, string(b))
	}
	var out struct {
		Hash string `json:"Hash"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("contentstore: decode add response: %w", err)
	}

	g.log.WithField("cid", id).Info("contentstore: pinned blob")
	return id, nil
}

func (g *IPFSGateway) Get(ctx context.Context, id string) ([]byte, error) {
	url := g.base + "/ipfs/" + id
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("contentstore: gateway get: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 128))
		return nil, fmt.Errorf("contentstore: gateway get %d: %s", resp.StatusCode, string(b))
	}
	return io.ReadAll(resp.Body)
}

func (g *IPFSGateway) Pin(ctx context.Context, id string) error {
	return g.post(ctx, "/api/v0/pin/add?arg="+id)
}

func (g *IPFSGateway) Unpin(ctx context.Context, id string) error {
	return g.post(ctx, "/api/v0/pin/rm?arg="+id)
}

func (g *IPFSGateway) post(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("contentstore: gateway request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 128))
		return fmt.Errorf("contentstore: gateway %s %d: %s", path, resp.StatusCode, string(b))
	}
	return nil
}

func (g *IPFSGateway) ListPins(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.base+"/api/v0/pin/ls", nil)
	if err != nil {
		return nil, err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("contentstore: gateway pin/ls: %w", err)
	}
	defer resp.Body.Close()
	var out struct {
		Keys map[string]struct{} `json:"Keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("contentstore: decode pin/ls: %w", err)
	}
	ids := make([]string, 0, len(out.Keys))
	for id := range out.Keys {
		ids = append(ids, id)
	}
	return ids, nil
}

func (g *IPFSGateway) NodeInfo(ctx context.Context) (NodeInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.base+"/api/v0/id", nil)
	if err != nil {
		return NodeInfo{}, err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return NodeInfo{}, fmt.Errorf("contentstore: gateway id: %w", err)
	}
	defer resp.Body.Close()
	var info NodeInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return NodeInfo{}, fmt.Errorf("contentstore: decode id: %w", err)
	}
	return info, nil
}

func (g *IPFSGateway) PeerList(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.base+"/api/v0/swarm/peers", nil)
	if err != nil {
		return nil, err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("contentstore: gateway swarm/peers: %w", err)
	}
	defer resp.Body.Close()
	var out struct {
		Peers []struct {
			Addr string `json:"Addr"`
		} `json:"Peers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("contentstore: decode swarm/peers: %w", err)
	}
	peers := make([]string, len(out.Peers))
	for i, p := range out.Peers {
		peers[i] = p.Addr
	}
	return peers, nil
}
