package draft

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
	"legacyplan/api/internal/plan"
)

// BadgerConfig configures the on-disk draft store.
type BadgerConfig struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path     string
	InMemory bool
	// TTL expires drafts that were not written for this long. Zero keeps them forever.
	TTL time.Duration
}

// BadgerStore keeps drafts in an embedded Badger database on the local device.
type BadgerStore struct {
	db     *badger.DB
	ttl    time.Duration
	logger *zap.Logger
}

func OpenBadger(cfg BadgerConfig, logger *zap.Logger) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent draft store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create draft directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path).WithSyncWrites(true)
	}
	opts = opts.WithNumVersionsToKeep(1).WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger draft store: %w", err)
	}
	return &BadgerStore{db: db, ttl: cfg.TTL, logger: orNop(logger)}, nil
}

func badgerKey(ownerID string) []byte {
	return []byte("draft/" + ownerID)
}

// Get returns the owner's draft. Read errors and corrupt payloads read as absent.
func (s *BadgerStore) Get(_ context.Context, ownerID string) (plan.Draft, bool) {
	var raw []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(ownerID))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return plan.Draft{}, false
	}
	if err != nil {
		s.logger.Warn("draft read failed, treating as absent", zap.String("owner_id", ownerID), zap.Error(err))
		return plan.Draft{}, false
	}
	return decode(s.logger, ownerID, raw)
}

func (s *BadgerStore) Set(_ context.Context, ownerID string, d plan.Draft) error {
	raw, err := encode(d)
	if err != nil {
		return err
	}
	return s.put(ownerID, raw)
}

func (s *BadgerStore) put(ownerID string, raw []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(badgerKey(ownerID), raw)
		if s.ttl > 0 {
			entry = entry.WithTTL(s.ttl)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("save draft: %w", err)
	}
	return nil
}

func (s *BadgerStore) Delete(_ context.Context, ownerID string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(badgerKey(ownerID))
	})
	if err != nil {
		return fmt.Errorf("delete draft: %w", err)
	}
	return nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
