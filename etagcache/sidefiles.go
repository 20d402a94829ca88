package etagcache

import (
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// sideFileStore tracks which pre-compressed side files exist on disk for a
// given etag: at most <tmp>/<etag>.gz and <tmp>/<etag>.zz per entry.
//
// This cache doesn't keep response bodies at all — only {etag, headers,
// mimetype, timestamp} — but a restart still benefits from knowing which
// side files survive on disk without a directory scan, which is the
// bookkeeping role a small SQLite table plays here. The on-disk tree is
// expendable: readers fall back to re-compressing if a row's file is
// missing, so an external process is always free to delete side files
// without corrupting anything.
type sideFileStore struct {
	dir        string
	db         *sql.DB
	writeMutex sync.Mutex
}

func newSideFileStore(dir string) *sideFileStore {
	if dir == "" {
		dir = os.TempDir()
	}
	db, err := sql.Open("sqlite", filepath.Join(dir, "turtle-sidefiles.db?cache=shared"))
	var s = &sideFileStore{dir: dir, db: db}
	if err == nil {
		s.db.Exec(`CREATE TABLE IF NOT EXISTS side_files (
			etag TEXT NOT NULL,
			ext TEXT NOT NULL,
			written_at INTEGER,
			PRIMARY KEY (etag, ext)
		)`)
		s.reconcile()
	}
	return s
}

// reconcile prunes rows left over from a previous process whose backing
// file no longer exists, by statting only the recorded rows rather than
// scanning the tmp directory.
func (s *sideFileStore) reconcile() {
	rows, err := s.db.Query(`SELECT etag, ext FROM side_files`)
	if err != nil {
		return
	}
	defer rows.Close()
	type key struct{ etag, ext string }
	var stale []key
	for rows.Next() {
		var k key
		if rows.Scan(&k.etag, &k.ext) != nil {
			continue
		}
		if _, err := os.Stat(s.Path(k.etag, k.ext)); err != nil {
			stale = append(stale, k)
		}
	}
	for _, k := range stale {
		s.forget(k.etag, k.ext)
	}
}

// Path returns the on-disk path for a side file of the given extension
// ("gz" or "zz").
func (s *sideFileStore) Path(etag, ext string) string {
	return filepath.Join(s.dir, etag+"."+ext)
}

// Exists reports whether the side file is both recorded and present on
// disk. The registry is consulted first so a side file never written in
// this process (or already pruned by reconcile) short-circuits without a
// stat call; a positive row is still verified against disk, and a missing
// file (deleted externally) is treated as absent even if the row remains,
// dropping the stale row.
func (s *sideFileStore) Exists(etag, ext string) bool {
	if s.db != nil {
		var count int
		if err := s.db.QueryRow(`SELECT COUNT(1) FROM side_files WHERE etag = ? AND ext = ?`, etag, ext).Scan(&count); err == nil && count == 0 {
			return false
		}
	}
	path := s.Path(etag, ext)
	if _, err := os.Stat(path); err != nil {
		s.forget(etag, ext)
		return false
	}
	return true
}

// MarkWritten records that a side file was successfully written.
func (s *sideFileStore) MarkWritten(etag, ext string) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	if s.db == nil {
		return
	}
	s.db.Exec(`INSERT OR REPLACE INTO side_files (etag, ext, written_at) VALUES (?, ?, ?)`,
		etag, ext, time.Now().Unix())
}

func (s *sideFileStore) forget(etag, ext string) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	if s.db == nil {
		return
	}
	s.db.Exec(`DELETE FROM side_files WHERE etag = ? AND ext = ?`, etag, ext)
}

// delete removes both side files for an etag, on disk and in the registry.
// Idempotent: a writer for the same etag that arrives concurrently with a
// delete is safe because Cache.mu is held for the whole operation on the
// caller's side.
func (s *sideFileStore) delete(etag string) {
	if etag == "" {
		return
	}
	for _, ext := range []string{"gz", "zz"} {
		os.Remove(s.Path(etag, ext))
		s.forget(etag, ext)
	}
}
