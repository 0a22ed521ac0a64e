package kv

import (
	badger "github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
)

// Badger implements Backend atop an embedded badger/v4 database, giving
// shards durable storage that survives process restarts.
type Badger struct {
	db *badger.DB
}

var _ Backend = (*Badger)(nil)

// OpenBadger opens (creating if necessary) a badger database rooted at
// dir. Logging is disabled by default since weaverlog owns all structured
// output for this process.
func OpenBadger(dir string) (*Badger, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrapf(err, "kv: open badger at %q", dir)
	}
	return &Badger{db: db}, nil
}

// Get retrieves a value by key.
func (b *Badger) Get(key string) ([]byte, error) {
	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			out = append([]byte(nil), v...)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "kv: badger get %q", key)
	}
	return out, nil
}

// Put stores value at key.
func (b *Badger) Put(key string, value []byte) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return errors.Wrapf(err, "kv: badger put %q", key)
	}
	return nil
}

// Delete removes key. Idempotent: badger's Delete does not error on a
// missing key.
func (b *Badger) Delete(key string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return errors.Wrapf(err, "kv: badger delete %q", key)
	}
	return nil
}

// ListPrefix returns every key with the given prefix in badger's natural
// (lexicographic) key order.
func (b *Badger) ListPrefix(prefix string) ([]string, error) {
	var keys []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "kv: badger list prefix %q", prefix)
	}
	return keys, nil
}

// AtomicApply commits puts and deletes in a single badger transaction: if
// any operation in the batch fails, none of it is committed.
func (b *Badger) AtomicApply(puts map[string][]byte, deletes []string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		for k, v := range puts {
			if err := txn.Set([]byte(k), v); err != nil {
				return err
			}
		}
		for _, k := range deletes {
			if err := txn.Delete([]byte(k)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "kv: badger atomic apply")
	}
	return nil
}

// Stats reports the approximate on-disk size badger is using. Key/value
// counts are not tracked precisely by badger without a full scan, so Keys
// is computed by listing the empty prefix; callers that need this on a hot
// path should avoid calling Stats frequently on a large Badger instance.
func (b *Badger) Stats() Stats {
	lsm, vlog := b.db.Size()
	keys, err := b.ListPrefix("")
	count := 0
	if err == nil {
		count = len(keys)
	}
	return Stats{Keys: count, Bytes: int(lsm + vlog)}
}

// Close flushes and releases the underlying badger database.
func (b *Badger) Close() error {
	return errors.Wrap(b.db.Close(), "kv: close badger")
}
