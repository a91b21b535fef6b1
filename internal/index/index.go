// Package index implements the Metadata Index (C5): four logical views
// (proofs, user_proofs, cid_index, block_proofs) over one row set.
//
// There is no Cassandra/Scylla driver anywhere in the reference corpus; the
// production implementation in badger.go adopts github.com/dgraph-io/badger/v2
// — an embedded ordered key-value engine present elsewhere in the corpus —
// and expresses the four views as distinct key-prefix families, the
// standard way to fake a wide-column store's secondary indexes on top of an
// ordered KV engine.
package index

import (
	"errors"
	"sort"
	"strings"
	"sync"
)

// ErrNotFound is returned when a row does not exist for the given key.
var ErrNotFound = errors.New("index: row not found")

// ErrInvalidSearch signals a search that would require an unbounded
// full-table scan.
var ErrInvalidSearch = errors.New("index: search requires user_hash or a bounded time window")

// MaxUnboundedSearchWindowSeconds bounds any user_hash-free search to at
// most this many seconds of wall-clock time.
const MaxUnboundedSearchWindowSeconds = int64(31 * 24 * 3600)

// Row is one logical metadata record.
type Row struct {
	ProofID      string
	UserHash     string
	CID          string
	ProofType    string
	MetadataHash string
	Timestamp    int64
	BlockHeight  *uint64
	BlockHash    *string
}

// HasBlock reports whether the anchor has completed for this row.
func (r Row) HasBlock() bool { return r.BlockHeight != nil }

// SearchFilter narrows a Search call. Zero values mean "unconstrained".
type SearchFilter struct {
	UserHash  string
	ProofType string
	TimeLo    int64
	TimeHi    int64
}

// Stats summarizes the index for the /stats read path.
type Stats struct {
	TotalProofs int
	TotalUsers  int
	LatestBlock uint64
}

// Index is the capability set the rest of the gateway depends on.
type Index interface {
	Insert(r Row) error
	UpdateBlock(proofID string, blockHash string, blockHeight uint64) error
	ByCID(cid string) (Row, error)
	ByUser(userHash string, limit int) ([]Row, error)
	ByBlock(blockHeight uint64) ([]Row, error)
	Search(filter SearchFilter, limit int) ([]Row, error)
	Stats() (Stats, error)
	Close() error
}

// -----------------------------------------------------------------------
// In-memory fake
// -----------------------------------------------------------------------

// Memory is an in-process Index used by tests and local/dev runs.
type Memory struct {
	mu   sync.RWMutex
	rows map[string]Row // by proof_id
}

// NewMemory constructs an empty in-memory index.
func NewMemory() *Memory {
	return &Memory{rows: make(map[string]Row)}
}

func (m *Memory) Insert(r Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[r.ProofID] = r
	return nil
}

func (m *Memory) UpdateBlock(proofID, blockHash string, blockHeight uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[proofID]
	if !ok {
		return ErrNotFound
	}
	bh := blockHeight
	bhs := blockHash
	r.BlockHeight = &bh
	r.BlockHash = &bhs
	m.rows[proofID] = r
	return nil
}

func (m *Memory) ByCID(cid string) (Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.rows {
		if r.CID == cid {
			return r, nil
		}
	}
	return Row{}, ErrNotFound
}

func (m *Memory) ByUser(userHash string, limit int) ([]Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Row
	for _, r := range m.rows {
		if r.UserHash == userHash {
			out = append(out, r)
		}
	}
	sortByTimestampDescThenIDAsc(out)
	return clip(out, limit), nil
}

func (m *Memory) ByBlock(blockHeight uint64) ([]Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Row
	for _, r := range m.rows {
		if r.BlockHeight != nil && *r.BlockHeight == blockHeight {
			out = append(out, r)
		}
	}
	sortByTimestampDescThenIDAsc(out)
	return out, nil
}

func (m *Memory) Search(filter SearchFilter, limit int) ([]Row, error) {
	if filter.UserHash == "" {
		if filter.TimeLo == 0 || filter.TimeHi == 0 || filter.TimeHi-filter.TimeLo > MaxUnboundedSearchWindowSeconds || filter.TimeHi < filter.TimeLo {
			return nil, ErrInvalidSearch
		}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Row
	for _, r := range m.rows {
		if filter.UserHash != "" && r.UserHash != filter.UserHash {
			continue
		}
		if filter.ProofType != "" && r.ProofType != filter.ProofType {
			continue
		}
		if filter.TimeLo != 0 && r.Timestamp < filter.TimeLo {
			continue
		}
		if filter.TimeHi != 0 && r.Timestamp > filter.TimeHi {
			continue
		}
		out = append(out, r)
	}
	sortByTimestampDescThenIDAsc(out)
	return clip(out, limit), nil
}

func (m *Memory) Stats() (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	users := make(map[string]struct{})
	var latest uint64
	for _, r := range m.rows {
		users[r.UserHash] = struct{}{}
		if r.BlockHeight != nil && *r.BlockHeight > latest {
			latest = *r.BlockHeight
		}
	}
	return Stats{TotalProofs: len(m.rows), TotalUsers: len(users), LatestBlock: latest}, nil
}

func (m *Memory) Close() error { return nil }

func sortByTimestampDescThenIDAsc(rows []Row) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Timestamp != rows[j].Timestamp {
			return rows[i].Timestamp > rows[j].Timestamp
		}
		return strings.Compare(rows[i].ProofID, rows[j].ProofID) < 0
	})
}

func clip(rows []Row, limit int) []Row {
	if limit > 0 && len(rows) > limit {
		return rows[:limit]
	}
	return rows
}
