package index

import (
	"encoding/json"
	"fmt"
	"math"
	"sync"

	badger "github.com/dgraph-io/badger/v2"
	"github.com/sirupsen/logrus"
)

// Badger is the production Index, backed by an embedded badger database.
// It expresses the four logical views as four disjoint key-prefix families
// over one store:
//
//	p:<proof_id>                                   -> Row JSON  (proofs)
//	c:<cid>                                         -> proof_id (cid_index)
//	u:<user_hash>:<inv_timestamp>:<proof_id>        -> proof_id (user_proofs)
//	b:<block_height>:<inv_timestamp>:<proof_id>     -> proof_id (block_proofs)
//
// inv_timestamp is MaxInt64-timestamp, zero-padded to 20 digits, so that
// badger's byte-lexicographic key order yields newest-first iteration
// without a reverse scan, matching "most recent first" ordering with
// proof_id ascending as the tie-break for equal timestamps.
type Badger struct {
	db  *badger.DB
	log *logrus.Logger

	// statsMu guards nothing external to badger; it exists only to keep
	// Stats() observably consistent under concurrent Insert/UpdateBlock
	// calls when running against badger's managed-mode iterators.
	statsMu sync.Mutex
}

// NewBadger opens (or creates) a badger database at dir.
func NewBadger(dir string, log *logrus.Logger) (*Badger, error) {
	if log == nil {
		log = logrus.New()
	}
	opts := badger.DefaultOptions(dir).WithLogger(badgerLogAdapter{log})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("index: open badger at %s: %w", dir, err)
	}
	return &Badger{db: db, log: log}, nil
}

func (b *Badger) Close() error { return b.db.Close() }

func proofKey(proofID string) []byte   { return []byte("p:" + proofID) }
func cidKey(cidStr string) []byte      { return []byte("c:" + cidStr) }
func invTS(ts int64) string            { return fmt.Sprintf("%020d", math.MaxInt64-ts) }
func userKey(userHash string, ts int64, proofID string) []byte {
	return []byte(fmt.Sprintf("u:%s:%s:%s", userHash, invTS(ts), proofID))
}
func userPrefix(userHash string) []byte { return []byte("u:" + userHash + ":") }
func blockKey(height uint64, ts int64, proofID string) []byte {
	return []byte(fmt.Sprintf("b:%020d:%s:%s", height, invTS(ts), proofID))
}
func blockPrefix(height uint64) []byte { return []byte(fmt.Sprintf("b:%020d:", height)) }

func (b *Badger) Insert(r Row) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("index: marshal row: %w", err)
	}
	return b.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(proofKey(r.ProofID), raw); err != nil {
			return err
		}
		if err := txn.Set(cidKey(r.CID), []byte(r.ProofID)); err != nil {
			return err
		}
		if err := txn.Set(userKey(r.UserHash, r.Timestamp, r.ProofID), []byte(r.ProofID)); err != nil {
			return err
		}
		if r.BlockHeight != nil {
			if err := txn.Set(blockKey(*r.BlockHeight, r.Timestamp, r.ProofID), []byte(r.ProofID)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *Badger) UpdateBlock(proofID, blockHash string, blockHeight uint64) error {
	return b.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(proofKey(proofID))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return ErrNotFound
			}
			return err
		}
		var r Row
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &r) }); err != nil {
			return err
		}
		bh := blockHeight
		bhs := blockHash
		r.BlockHeight = &bh
		r.BlockHash = &bhs

		raw, err := json.Marshal(r)
		if err != nil {
			return err
		}
		if err := txn.Set(proofKey(proofID), raw); err != nil {
			return err
		}
		return txn.Set(blockKey(blockHeight, r.Timestamp, proofID), []byte(proofID))
	})
}

func (b *Badger) ByCID(cidStr string) (Row, error) {
	var proofID string
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(cidKey(cidStr))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error { proofID = string(val); return nil })
	})
	if err != nil {
		return Row{}, err
	}
	return b.getRow(proofID)
}

func (b *Badger) getRow(proofID string) (Row, error) {
	var r Row
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(proofKey(proofID))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error { return json.Unmarshal(val, &r) })
	})
	return r, err
}

func (b *Badger) ByUser(userHash string, limit int) ([]Row, error) {
	var ids []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = userPrefix(userHash)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			if limit > 0 && len(ids) >= limit {
				break
			}
			item := it.Item()
			if err := item.Value(func(val []byte) error { ids = append(ids, string(val)); return nil }); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return b.hydrate(ids)
}

func (b *Badger) ByBlock(height uint64) ([]Row, error) {
	var ids []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = blockPrefix(height)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			item := it.Item()
			if err := item.Value(func(val []byte) error { ids = append(ids, string(val)); return nil }); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return b.hydrate(ids)
}

// Search performs a bounded scan of the user_proofs view (when UserHash is
// set) or, for the unbounded case, falls back to a full scan of the proofs
// view limited by the time window guard in ErrInvalidSearch — badger has no
// secondary index on timestamp alone, so an unbounded cross-user search is
// a linear scan, mirrored from the open question resolution.
func (b *Badger) Search(filter SearchFilter, limit int) ([]Row, error) {
	if filter.UserHash != "" {
		rows, err := b.ByUser(filter.UserHash, 0)
		if err != nil {
			return nil, err
		}
		return filterRows(rows, filter, limit), nil
	}
	if filter.TimeLo == 0 || filter.TimeHi == 0 || filter.TimeHi-filter.TimeLo > MaxUnboundedSearchWindowSeconds || filter.TimeHi < filter.TimeLo {
		return nil, ErrInvalidSearch
	}

	var rows []Row
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("p:")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			var r Row
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &r) }); err != nil {
				return err
			}
			rows = append(rows, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return filterRows(rows, filter, limit), nil
}

func filterRows(rows []Row, filter SearchFilter, limit int) []Row {
	var out []Row
	for _, r := range rows {
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
	return clip(out, limit)
}

func (b *Badger) hydrate(ids []string) ([]Row, error) {
	rows := make([]Row, 0, len(ids))
	err := b.db.View(func(txn *badger.Txn) error {
		for _, id := range ids {
			item, err := txn.Get(proofKey(id))
			if err != nil {
				if err == badger.ErrKeyNotFound {
					continue
				}
				return err
			}
			var r Row
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &r) }); err != nil {
				return err
			}
			rows = append(rows, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortByTimestampDescThenIDAsc(rows)
	return rows, nil
}

func (b *Badger) Stats() (Stats, error) {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()

	var stats Stats
	users := make(map[string]struct{})
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("p:")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			var r Row
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &r) }); err != nil {
				return err
			}
			stats.TotalProofs++
			users[r.UserHash] = struct{}{}
			if r.BlockHeight != nil && *r.BlockHeight > stats.LatestBlock {
				stats.LatestBlock = *r.BlockHeight
			}
		}
		return nil
	})
	stats.TotalUsers = len(users)
	return stats, err
}

// badgerLogAdapter routes badger's internal logging through logrus, matching
// the teacher's pattern of a single structured logger for the whole process.
type badgerLogAdapter struct{ log *logrus.Logger }

func (a badgerLogAdapter) Errorf(f string, args ...interface{})   { a.log.Errorf(f, args...) }
func (a badgerLogAdapter) Warningf(f string, args ...interface{}) { a.log.Warnf(f, args...) }
func (a badgerLogAdapter) Infof(f string, args ...interface{})    { a.log.Infof(f, args...) }
func (a badgerLogAdapter) Debugf(f string, args ...interface{})   { a.log.Debugf(f, args...) }
