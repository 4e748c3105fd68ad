package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

// Key prefixes for BadgerDB storage
const (
	badgerBucketPrefix = "bucket:"
	badgerEntryPrefix  = "entry:"
	badgerKeySeparator = "\x00"
)

// BadgerProvider stores buckets in BadgerDB.
type BadgerProvider struct {
	db *badger.DB
}

// NewBadgerProvider opens a BadgerDB in dir.
// If dir is empty the database is kept in memory.
func NewBadgerProvider(dir string) (*BadgerProvider, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLogger(nil) // Disable badger's verbose logging

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}
	return &BadgerProvider{db: db}, nil
}

func bucketKey(bucket string) []byte {
	return []byte(badgerBucketPrefix + bucket)
}

func entryPrefix(bucket string) []byte {
	return []byte(badgerEntryPrefix + bucket + badgerKeySeparator)
}

func entryKey(bucket, key string) []byte {
	return append(entryPrefix(bucket), key...)
}

func (b *BadgerProvider) Buckets(ctx context.Context) ([]string, error) {
	names := make([]string, 0)
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(badgerBucketPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			names = append(names, strings.TrimPrefix(string(it.Item().Key()), badgerBucketPrefix))
		}
		return nil
	})
	sort.Strings(names)
	return names, err
}

func (b *BadgerProvider) Create(ctx context.Context, bucket string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(bucketKey(bucket), nil)
	})
}

func (b *BadgerProvider) Get(ctx context.Context, bucket, key string) ([]byte, bool, error) {
	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(entryKey(bucket, key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (b *BadgerProvider) Put(ctx context.Context, bucket, key string, bytes []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(bucketKey(bucket), nil); err != nil {
			return fmt.Errorf("set bucket: %w", err)
		}
		return txn.Set(entryKey(bucket, key), bytes)
	})
}

func (b *BadgerProvider) Delete(ctx context.Context, bucket, key string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(entryKey(bucket, key))
	})
}

func (b *BadgerProvider) Keys(ctx context.Context, bucket string) ([]string, error) {
	keys := make([]string, 0)
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := entryPrefix(bucket)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, string(it.Item().Key()[len(prefix):]))
		}
		return nil
	})
	return keys, err
}

func (b *BadgerProvider) Drop(ctx context.Context, bucket string) error {
	keys, err := b.Keys(ctx, bucket)
	if err != nil {
		return fmt.Errorf("list entries: %w", err)
	}
	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range keys {
		if err := wb.Delete(entryKey(bucket, key)); err != nil {
			return fmt.Errorf("delete entry: %w", err)
		}
	}
	if err := wb.Delete(bucketKey(bucket)); err != nil {
		return fmt.Errorf("delete bucket: %w", err)
	}
	return wb.Flush()
}

func (b *BadgerProvider) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}
