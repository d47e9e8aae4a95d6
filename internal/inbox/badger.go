package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// Key layout:
//
//	hook:<id>           JSON-encoded Entry
//	meta:clear_before   RFC 3339 timestamp of the clear gate
const (
	entryKeyPrefix = "hook:"
	clearBeforeKey = "meta:clear_before"
)

// BadgerStore keeps entries in BadgerDB.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadger opens a BadgerDB at path, or an in-memory one for "" and
// MemoryPath.
func OpenBadger(path string) (*BadgerStore, error) {
	var opts badger.Options
	if path == "" || path == MemoryPath {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(path)
	}

	// Badger logs every compaction at INFO.
	opts = opts.WithLoggingLevel(badger.WARNING)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func entryKey(id string) []byte {
	return []byte(entryKeyPrefix + id)
}

func (s *BadgerStore) Put(ctx context.Context, e Entry) (bool, error) {
	value, err := json.Marshal(e)
	if err != nil {
		return false, fmt.Errorf("marshal entry: %w", err)
	}

	created := false
	err = s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(entryKey(e.ID))
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		created = true
		return txn.Set(entryKey(e.ID), value)
	})
	if err != nil {
		return false, fmt.Errorf("put entry %s: %w", e.ID, err)
	}
	return created, nil
}

func (s *BadgerStore) Get(ctx context.Context, id string) (Entry, error) {
	var e Entry
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(entryKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &e)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("get entry %s: %w", id, err)
	}
	return e, nil
}

func (s *BadgerStore) List(ctx context.Context, f Filter) ([]Entry, error) {
	clearBefore, err := s.ClearBefore(ctx)
	if err != nil {
		return nil, err
	}
	entries, err := s.all()
	if err != nil {
		return nil, err
	}
	return apply(entries, clearBefore, f), nil
}

func (s *BadgerStore) Latest(ctx context.Context, source string) (Entry, error) {
	entries, err := s.all()
	if err != nil {
		return Entry{}, err
	}
	return latest(entries, source)
}

func (s *BadgerStore) MarkViewed(ctx context.Context, id string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(entryKey(id))
		if err != nil {
			return err
		}

		var e Entry
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &e)
		}); err != nil {
			return err
		}
		if e.Viewed {
			return nil
		}
		e.Viewed = true

		value, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return txn.Set(entryKey(id), value)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("mark entry %s viewed: %w", id, err)
	}
	return nil
}

func (s *BadgerStore) SetClearBefore(ctx context.Context, t time.Time) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(clearBeforeKey), []byte(t.UTC().Format(time.RFC3339Nano)))
	})
	if err != nil {
		return fmt.Errorf("set clear gate: %w", err)
	}
	return nil
}

func (s *BadgerStore) ClearBefore(ctx context.Context) (time.Time, error) {
	var t time.Time
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(clearBeforeKey))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			parsed, err := time.Parse(time.RFC3339Nano, string(val))
			if err != nil {
				return err
			}
			t = parsed
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("read clear gate: %w", err)
	}
	return t, nil
}

func (s *BadgerStore) Purge(ctx context.Context) (int, error) {
	n, err := s.Count(ctx)
	if err != nil {
		return 0, err
	}
	if err := s.db.DropPrefix([]byte(entryKeyPrefix)); err != nil {
		return 0, fmt.Errorf("purge entries: %w", err)
	}
	return n, nil
}

func (s *BadgerStore) Count(ctx context.Context) (int, error) {
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(entryKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return n, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func (s *BadgerStore) all() ([]Entry, error) {
	var entries []Entry
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true

		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(entryKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var e Entry
				if err := json.Unmarshal(val, &e); err != nil {
					// A corrupt record should not hide the rest of the inbox.
					return nil
				}
				entries = append(entries, e)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	return entries, nil
}
