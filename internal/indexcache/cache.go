// Package indexcache persists a path+mtime memo of parsed documents. The
// Document Index build writes an entry for each file whose cached mtime is
// missing or stale, but it still reads and parses every file on each build;
// no cached field is served back to the index. It is advisory only: the
// in-memory index (internal/docindex) is always the authoritative record.
package indexcache

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS cache_entries (
	path        TEXT PRIMARY KEY,
	mtime_nanos INTEGER NOT NULL,
	checksum    TEXT NOT NULL DEFAULT '',
	title       TEXT NOT NULL DEFAULT '',
	doc_type    TEXT NOT NULL DEFAULT '',
	tags_json   TEXT NOT NULL DEFAULT '[]',
	links_json  TEXT NOT NULL DEFAULT '[]'
);
`

// Entry is one cached record, keyed by workspace-relative path.
type Entry struct {
	Path       string
	MtimeNanos int64
	Checksum   string
	Title      string
	DocType    string
	Tags       []string
	Links      []string
}

// DB wraps the cache's SQLite connection.
type DB struct {
	conn *sql.DB
}

// Open opens (or creates) the cache database and applies its schema.
func Open(dsn string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("indexcache: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("indexcache: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("indexcache: apply schema: %w", err)
	}
	return &DB{conn: conn}, nil
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Get returns the cached entry for path, if any. A missing entry is not an
// error — the cache is advisory, so callers treat ok=false as "reparse".
func (db *DB) Get(path string) (entry Entry, ok bool, err error) {
	var tagsJSON, linksJSON string
	row := db.conn.QueryRow(`SELECT path, mtime_nanos, checksum, title, doc_type, tags_json, links_json FROM cache_entries WHERE path = ?`, path)
	err = row.Scan(&entry.Path, &entry.MtimeNanos, &entry.Checksum, &entry.Title, &entry.DocType, &tagsJSON, &linksJSON)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("indexcache: get %s: %w", path, err)
	}
	_ = json.Unmarshal([]byte(tagsJSON), &entry.Tags)
	_ = json.Unmarshal([]byte(linksJSON), &entry.Links)
	return entry, true, nil
}

// Put upserts a cache entry.
func (db *DB) Put(entry Entry) error {
	tagsJSON, _ := json.Marshal(entry.Tags)
	linksJSON, _ := json.Marshal(entry.Links)
	_, err := db.conn.Exec(`
		INSERT INTO cache_entries (path, mtime_nanos, checksum, title, doc_type, tags_json, links_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			mtime_nanos = excluded.mtime_nanos,
			checksum    = excluded.checksum,
			title       = excluded.title,
			doc_type    = excluded.doc_type,
			tags_json   = excluded.tags_json,
			links_json  = excluded.links_json
	`, entry.Path, entry.MtimeNanos, entry.Checksum, entry.Title, entry.DocType, string(tagsJSON), string(linksJSON))
	if err != nil {
		return fmt.Errorf("indexcache: put %s: %w", entry.Path, err)
	}
	return nil
}

// Delete removes a cache entry. Missing entries are not an error.
func (db *DB) Delete(path string) error {
	_, err := db.conn.Exec(`DELETE FROM cache_entries WHERE path = ?`, path)
	if err != nil {
		return fmt.Errorf("indexcache: delete %s: %w", path, err)
	}
	return nil
}

// Fresh reports whether a cached entry is still valid for a file whose
// current on-disk mtime is mtime.
func Fresh(entry Entry, mtime time.Time) bool {
	return entry.MtimeNanos == mtime.UnixNano()
}
