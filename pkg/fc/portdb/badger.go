package portdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/marmos91/dittofc/pkg/fc/frame"
)

// Key layout: rport:{port}:{wwpn} -> JSON(Record)
const prefixRemotePort = "rport:"

// BadgerStore keeps records in a BadgerDB directory.
type BadgerStore struct {
	db *badgerdb.DB
}

// BadgerOption tunes the database opened by NewBadgerStore.
type BadgerOption func(*badgerdb.Options)

// WithMemTableSize sets the size of each in-memory table. Zero keeps the
// BadgerDB default.
func WithMemTableSize(n int64) BadgerOption {
	return func(o *badgerdb.Options) {
		if n > 0 {
			*o = o.WithMemTableSize(n)
		}
	}
}

// WithValueLogFileSize sets the size at which value log files are rotated.
// Zero keeps the BadgerDB default.
func WithValueLogFileSize(n int64) BadgerOption {
	return func(o *badgerdb.Options) {
		if n > 0 {
			*o = o.WithValueLogFileSize(n)
		}
	}
}

// NewBadgerStore opens or creates a store at path. An empty path opens an
// in-memory database.
func NewBadgerStore(path string, options ...BadgerOption) (*BadgerStore, error) {
	opts := badgerdb.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	for _, o := range options {
		o(&opts)
	}
	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open port database: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func recordKey(port string, wwpn frame.WWN) []byte {
	return []byte(prefixRemotePort + port + ":" + wwpn.String())
}

func (s *BadgerStore) Put(ctx context.Context, rec *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal port record: %w", err)
	}
	return s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(recordKey(rec.Port, rec.WWPN), data)
	})
}

func (s *BadgerStore) Get(ctx context.Context, port string, wwpn frame.WWN) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rec *Record
	err := s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(recordKey(port, wwpn))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			rec = &Record{}
			return json.Unmarshal(val, rec)
		})
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *BadgerStore) Delete(ctx context.Context, port string, wwpn frame.WWN) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badgerdb.Txn) error {
		err := txn.Delete(recordKey(port, wwpn))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

func (s *BadgerStore) List(ctx context.Context) ([]*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []*Record
	err := s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = []byte(prefixRemotePort)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				rec := &Record{}
				if err := json.Unmarshal(val, rec); err != nil {
					return err
				}
				out = append(out, rec)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortRecords(out)
	return out, nil
}

func (s *BadgerStore) Close() error { return s.db.Close() }
