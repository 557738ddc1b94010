package cas

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"

	"github.com/CanopyHQ/xylem/internal/model"
)

// BadgerStore keeps pinned content in a local BadgerDB.
type BadgerStore struct {
	db *badger.DB
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(string, ...interface{})  {}
func (l *badgerLogger) Debugf(string, ...interface{}) {}

// OpenBadger opens (or creates) a content store at dir. An empty dir opens
// an in-memory store.
func OpenBadger(dir string) (*BadgerStore, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create blob dir %s: %w", dir, err)
		}
		opts = badger.DefaultOptions(dir).WithSyncWrites(true)
	}
	opts = opts.WithNumVersionsToKeep(1).WithLogger(&badgerLogger{logger: slog.Default()})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// Pin stores data under its cid. Pinning existing content is a no-op.
func (s *BadgerStore) Pin(ctx context.Context, data []byte, _, _ string) (PinResult, error) {
	if err := ctx.Err(); err != nil {
		return PinResult{}, err
	}
	c, err := Compute(data)
	if err != nil {
		return PinResult{}, err
	}
	key := []byte(c)
	err = s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, data)
	})
	if err != nil {
		return PinResult{}, fmt.Errorf("failed to pin %s: %w", c, err)
	}
	return PinResult{CID: c, Size: int64(len(data))}, nil
}

// Fetch returns the bytes pinned under c.
func (s *BadgerStore) Fetch(ctx context.Context, c string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(c))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", c, err)
	}
	return out, nil
}

func (s *BadgerStore) Location(c string) model.Location { return ipfsLocation(c, "ipfs") }

func (s *BadgerStore) Close() error { return s.db.Close() }
