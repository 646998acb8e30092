package callmetrics

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

const (
	badgerKeyPrefix = "fn/"
	badgerValueSize = 24
)

// BadgerStore persists rows in BadgerDB, one key per function name.
type BadgerStore struct {
	db     *badger.DB
	logger *zap.Logger
}

// NewBadgerStore opens the BadgerDB directory at path. The path is required;
// use the memory driver to run without durable storage.
func NewBadgerStore(path string, logger *zap.Logger) (*BadgerStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if path == "" {
		return nil, fmt.Errorf("badger store path cannot be empty")
	}

	opts := badger.DefaultOptions(path)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}

	logger.Info("badger store opened", zap.String("path", path))
	return &BadgerStore{db: db, logger: logger}, nil
}

// Load implements Store
func (b *BadgerStore) Load(ctx context.Context) ([]Snapshot, error) {
	var snaps []Snapshot

	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(badgerKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			name := string(item.Key()[len(badgerKeyPrefix):])
			err := item.Value(func(v []byte) error {
				r, err := decodeRecord(v)
				if err != nil {
					return fmt.Errorf("decode %s: %w", name, err)
				}
				snaps = append(snaps, Snapshot{Function: name, Record: r})
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load badger rows: %w", err)
	}
	return snaps, nil
}

// Upsert implements Store
func (b *BadgerStore) Upsert(ctx context.Context, s Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(badgerKeyPrefix+s.Function), encodeRecord(s.Record))
	})
	if err != nil {
		return fmt.Errorf("upsert %s: %w", s.Function, err)
	}
	return nil
}

// Close implements Store
func (b *BadgerStore) Close() error {
	return b.db.Close()
}

// encodeRecord lays out calls, total_time bits and errors as big-endian uint64s.
func encodeRecord(r Record) []byte {
	buf := make([]byte, badgerValueSize)
	binary.BigEndian.PutUint64(buf[0:8], uint64(r.Calls))
	binary.BigEndian.PutUint64(buf[8:16], math.Float64bits(r.TotalTime))
	binary.BigEndian.PutUint64(buf[16:24], uint64(r.Errors))
	return buf
}

func decodeRecord(buf []byte) (Record, error) {
	if len(buf) != badgerValueSize {
		return Record{}, fmt.Errorf("unexpected value size %d", len(buf))
	}
	return Record{
		Calls:     int64(binary.BigEndian.Uint64(buf[0:8])),
		TotalTime: math.Float64frombits(binary.BigEndian.Uint64(buf[8:16])),
		Errors:    int64(binary.BigEndian.Uint64(buf[16:24])),
	}, nil
}
