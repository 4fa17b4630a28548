package db

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// ErrStoreNotFound is returned when the usage database file
// does not exist. The store is never created by this package.
var ErrStoreNotFound = errors.New("usage database not found")

// DB is a read-only handle on a usage log database.
type DB struct {
	path   string
	reader *sql.DB
}

// makeDSN builds a read-only SQLite URI for an absolute path.
// The path is percent-escaped so '#', '?' and '%' in file names
// reach SQLite intact.
func makeDSN(path string) string {
	params := url.Values{}
	params.Set("mode", "ro")
	params.Set("_busy_timeout", "5000")
	params.Set("_query_only", "1")
	params.Set("_mmap_size", "268435456")
	params.Set("_cache_size", "-64000")
	p := filepath.ToSlash(path)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	u := url.URL{Scheme: "file", Path: p, RawQuery: params.Encode()}
	return u.String()
}

// Open opens an existing SQLite usage database read-only.
// It fails with ErrStoreNotFound if path does not exist.
func Open(path string) (*DB, error) {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrStoreNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("checking database file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf(
			"%w: %s is a directory", ErrStoreNotFound, path,
		)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving database path: %w", err)
	}
	reader, err := sql.Open("sqlite3", makeDSN(abs))
	if err != nil {
		return nil, fmt.Errorf("opening reader: %w", err)
	}
	reader.SetMaxOpenConns(4)

	if err := reader.Ping(); err != nil {
		reader.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	return &DB{path: path, reader: reader}, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close closes the reader pool.
func (db *DB) Close() error {
	return db.reader.Close()
}

// Reader returns the read-only connection pool.
func (db *DB) Reader() *sql.DB {
	return db.reader
}

// Registry is a process-wide set of read-only handles keyed
// by database file path. Handles are opened on first use and
// shared by all requests until Close.
type Registry struct {
	mu  sync.Mutex
	dbs map[string]*DB
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{dbs: make(map[string]*DB)}
}

// Get returns the handle for path, opening it if needed.
// Failed opens are not cached so a database created later is
// picked up by the next request.
func (r *Registry) Get(path string) (*DB, error) {
	key, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving database path: %w", err)
	}
	key = filepath.Clean(key)

	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.dbs[key]; ok {
		return d, nil
	}
	d, err := Open(key)
	if err != nil {
		return nil, err
	}
	r.dbs[key] = d
	return d, nil
}

// Len returns the number of open handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.dbs)
}

// Close closes every open handle.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for key, d := range r.dbs {
		errs = append(errs, d.Close())
		delete(r.dbs, key)
	}
	return errors.Join(errs...)
}
