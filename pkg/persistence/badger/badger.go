// Package badger stores commitments on local disk so a single proof server keeps
// its published roots across restarts.
package badger

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	badgerdb "github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"

	"github.com/apec-labs/apec-certs-go/pkg/persistence"
	"github.com/apec-labs/apec-certs-go/pkg/types"
)

const (
	commitmentPrefix = "commitment:"
	schemaKey        = "metadata:schema_version"
	schemaVersion    = "v1"

	gcEvery        = 5 * time.Minute
	gcDiscardRatio = 0.5
)

// BadgerPersistence implements ICommitmentPersistence on an embedded Badger database.
// Keys are commitmentPrefix+courseID, so prefix iteration yields course order.
type BadgerPersistence struct {
	db     *badgerdb.DB
	logger *zap.Logger

	stopGC context.CancelFunc
	gcDone chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewBadgerPersistence opens (or creates) the database under dataPath and starts
// value log GC. Writes are synced before SaveCommitment returns.
func NewBadgerPersistence(dataPath string, logger *zap.Logger) (*BadgerPersistence, error) {
	dir, err := filepath.Abs(dataPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve badger path %q: %w", dataPath, err)
	}

	opts := badgerdb.DefaultOptions(dir).
		WithLogger(&badgerLoggerAdapter{logger: logger}).
		WithSyncWrites(true).
		WithCompactL0OnClose(true).
		WithNumVersionsToKeep(1)

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database at %s: %w", dir, err)
	}

	if err := ensureSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	bp := &BadgerPersistence{
		db:     db,
		logger: logger,
		stopGC: cancel,
		gcDone: make(chan struct{}),
	}
	go bp.collectGarbage(ctx)

	logger.Sugar().Infow("Badger persistence initialized", "path", dir)
	return bp, nil
}

// ensureSchema stamps a fresh database and refuses one written by another layout.
func ensureSchema(db *badgerdb.DB) error {
	return db.Update(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(schemaKey))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return txn.Set([]byte(schemaKey), []byte(schemaVersion))
		}
		if err != nil {
			return fmt.Errorf("failed to read schema version: %w", err)
		}
		got, err := item.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("failed to read schema version: %w", err)
		}
		if string(got) != schemaVersion {
			return fmt.Errorf("unsupported schema version %q, want %q", got, schemaVersion)
		}
		return nil
	})
}

func (b *BadgerPersistence) collectGarbage(ctx context.Context) {
	defer close(b.gcDone)

	ticker := time.NewTicker(gcEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.db.RunValueLogGC(gcDiscardRatio); err != nil && !errors.Is(err, badgerdb.ErrNoRewrite) {
				b.logger.Sugar().Warnw("Badger value log GC failed", "error", err)
			}
		}
	}
}

// open holds the read lock for the duration of fn so Close waits for in-flight calls.
func (b *BadgerPersistence) open(fn func() error) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return persistence.ErrClosed
	}
	return fn()
}

func key(courseID string) []byte {
	return []byte(commitmentPrefix + courseID)
}

// getCommitment reads a commitment inside txn; a missing key yields nil.
func getCommitment(txn *badgerdb.Txn, courseID string) (*types.Commitment, error) {
	item, err := txn.Get(key(courseID))
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	return persistence.UnmarshalCommitment(raw)
}

func (b *BadgerPersistence) SaveCommitment(commitment *types.Commitment) error {
	if err := persistence.CheckSaveable(commitment); err != nil {
		return err
	}
	data, err := persistence.MarshalCommitment(commitment)
	if err != nil {
		return err
	}

	return b.open(func() error {
		err := b.db.Update(func(txn *badgerdb.Txn) error {
			stored, err := getCommitment(txn, commitment.CourseID)
			if err != nil {
				return fmt.Errorf("failed to read stored commitment: %w", err)
			}
			if err := persistence.CheckSupersedes(stored, commitment); err != nil {
				return err
			}
			return txn.Set(key(commitment.CourseID), data)
		})
		// A concurrent transaction wrote the same course first.
		if errors.Is(err, badgerdb.ErrConflict) {
			return fmt.Errorf("%w: concurrent publish for course %s", persistence.ErrVersionConflict, commitment.CourseID)
		}
		return err
	})
}

func (b *BadgerPersistence) LoadCommitment(courseID string) (*types.Commitment, error) {
	var c *types.Commitment
	err := b.open(func() error {
		return b.db.View(func(txn *badgerdb.Txn) error {
			var err error
			c, err = getCommitment(txn, courseID)
			return err
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load commitment for %s: %w", courseID, err)
	}
	return c, nil
}

// ListCommitments skips entries that no longer decode and logs them.
func (b *BadgerPersistence) ListCommitments() ([]*types.Commitment, error) {
	out := make([]*types.Commitment, 0)

	err := b.open(func() error {
		return b.db.View(func(txn *badgerdb.Txn) error {
			opts := badgerdb.DefaultIteratorOptions
			opts.Prefix = []byte(commitmentPrefix)
			it := txn.NewIterator(opts)
			defer it.Close()

			for it.Rewind(); it.Valid(); it.Next() {
				raw, err := it.Item().ValueCopy(nil)
				if err != nil {
					return err
				}
				c, err := persistence.UnmarshalCommitment(raw)
				if err != nil {
					b.logger.Sugar().Warnw("Skipping undecodable commitment",
						"key", string(it.Item().KeyCopy(nil)), "error", err)
					continue
				}
				out = append(out, c)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list commitments: %w", err)
	}
	return out, nil
}

func (b *BadgerPersistence) DeleteCommitment(courseID string) error {
	return b.open(func() error {
		return b.db.Update(func(txn *badgerdb.Txn) error {
			return txn.Delete(key(courseID))
		})
	})
}

// Close stops GC and closes the database. Later calls return nil.
func (b *BadgerPersistence) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	b.stopGC()
	<-b.gcDone

	if err := b.db.Close(); err != nil {
		return fmt.Errorf("failed to close badger database: %w", err)
	}
	b.logger.Sugar().Info("Badger persistence closed")
	return nil
}

// HealthCheck confirms the schema stamp is still readable.
func (b *BadgerPersistence) HealthCheck() error {
	return b.open(func() error {
		return b.db.View(func(txn *badgerdb.Txn) error {
			if _, err := txn.Get([]byte(schemaKey)); err != nil {
				return fmt.Errorf("schema version unreadable: %w", err)
			}
			return nil
		})
	})
}
