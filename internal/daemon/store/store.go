// Package store persists the knowledge graph: a relational sqlite index, a
// full-text index maintained at application layer, canonical per-node JSON
// files, and an embedded vector database.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/philippgille/chromem-go"
	"github.com/sirupsen/logrus"

	"github.com/grovetools/brain/config"
)

// Store is the daemon's persistence layer. A single daemon process owns the
// database; concurrent readers are fine under WAL.
type Store struct {
	db     *sql.DB
	cfg    *config.Config
	logger *logrus.Entry

	vectors *chromem.DB
	// collections caches one chromem collection per embedding model tag.
	// Vectors from different models are never compared to each other.
	collections   map[string]*chromem.Collection
	collectionsMu sync.Mutex

	// writeMu serializes node writes so version bumps stay monotonic even
	// when two workers finish jobs for the same node id at once.
	writeMu sync.Mutex
}

// Open creates or opens the store under the configured data root.
func Open(cfg *config.Config, logger *logrus.Entry) (*Store, error) {
	if err := os.MkdirAll(cfg.DataRoot, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data root: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_synchronous=NORMAL",
		cfg.DatabasePath())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer connection keeps sqlite's locking out of the picture; the
	// store's own mutex serializes multi-statement write transactions.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		db:          db,
		cfg:         cfg,
		logger:      logger,
		collections: make(map[string]*chromem.Collection),
	}

	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if err := s.openVectors(); err != nil {
		return nil, err
	}

	return s, nil
}

// openVectors loads or creates the embedded vector database.
func (s *Store) openVectors() error {
	dir := filepath.Join(s.cfg.DataRoot, "vectors")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create vector directory: %w", err)
	}

	db, err := chromem.NewPersistentDB(dir, false)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to load vector database, starting empty")
		db = chromem.NewDB()
	}
	s.vectors = db
	return nil
}

// collection returns the chromem collection for an embedding model tag.
func (s *Store) collection(model string) (*chromem.Collection, error) {
	s.collectionsMu.Lock()
	defer s.collectionsMu.Unlock()

	if c, ok := s.collections[model]; ok {
		return c, nil
	}
	c, err := s.vectors.GetOrCreateCollection("nodes-"+model, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open vector collection for %s: %w", model, err)
	}
	s.collections[model] = c
	return c, nil
}

// DB exposes the underlying handle for the queue package, which shares the
// same database file.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close checkpoints and closes the database.
func (s *Store) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}
