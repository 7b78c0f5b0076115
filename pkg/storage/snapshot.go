package storage

import (
	"database/sql"
	"linkdb/pkg/common"
	"linkdb/pkg/page"
	"log"
	"strconv"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// PageFrag is one compacted chain as persisted at a checkpoint.
type PageFrag struct {
	Page common.PageID
	Frag page.Frag
}

// SnapshotStore keeps the compacted form of every page chain in sqlite.
// Together with the frag log written after the last checkpoint it is enough
// to rebuild the page table.
type SnapshotStore struct {
	db      *sql.DB
	mu      sync.Mutex
	storeID uuid.UUID
}

func OpenSnapshotStore(path string) (*SnapshotStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "snapshot: open sqlite")
	}

	query := `
	CREATE TABLE IF NOT EXISTS pages (
		pid  INTEGER PRIMARY KEY,
		frag BLOB NOT NULL
	);
	CREATE TABLE IF NOT EXISTS meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);`
	if _, err := db.Exec(query); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "snapshot: init tables")
	}

	_, err = db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA synchronous = NORMAL;
	`)
	if err != nil {
		log.Printf("[Snapshot] Warning: Failed to set PRAGMA: %v", err)
	}

	s := &SnapshotStore{db: db}
	if err := s.loadStoreID(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SnapshotStore) loadStoreID() error {
	var raw string
	err := s.db.QueryRow("SELECT value FROM meta WHERE key = 'store_id'").Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		s.storeID = uuid.New()
		_, err = s.db.Exec("INSERT INTO meta (key, value) VALUES ('store_id', ?)", s.storeID.String())
		return errors.Wrap(err, "snapshot: write store id")
	}
	if err != nil {
		return errors.Wrap(err, "snapshot: read store id")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return errors.Wrapf(err, "snapshot: bad store id %q", raw)
	}
	s.storeID = id
	return nil
}

// StoreID identifies the store across restarts.
func (s *SnapshotStore) StoreID() uuid.UUID {
	return s.storeID
}

// Checkpoint atomically replaces the persisted chains of the given pages,
// drops freed pages and records the log position the snapshot covers.
func (s *SnapshotStore) Checkpoint(pages []PageFrag, freed []common.PageID, lsn common.Lsn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "snapshot: begin")
	}

	stmt, err := tx.Prepare("INSERT OR REPLACE INTO pages (pid, frag) VALUES (?, ?)")
	if err != nil {
		tx.Rollback()
		return errors.Wrap(err, "snapshot: prepare")
	}
	defer stmt.Close()

	for _, p := range pages {
		if _, err := stmt.Exec(int64(p.Page), EncodeFrag(p.Frag)); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "snapshot: write %s", p.Page)
		}
	}
	for _, pid := range freed {
		if _, err := tx.Exec("DELETE FROM pages WHERE pid = ?", int64(pid)); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "snapshot: free %s", pid)
		}
	}
	if _, err := tx.Exec("INSERT OR REPLACE INTO meta (key, value) VALUES ('checkpoint_lsn', ?)",
		strconv.FormatInt(int64(lsn), 10)); err != nil {
		tx.Rollback()
		return errors.Wrap(err, "snapshot: write checkpoint lsn")
	}

	return tx.Commit()
}

// CheckpointLsn is the first sequence number not covered by the snapshot.
func (s *SnapshotStore) CheckpointLsn() (common.Lsn, error) {
	var raw string
	err := s.db.QueryRow("SELECT value FROM meta WHERE key = 'checkpoint_lsn'").Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "snapshot: read checkpoint lsn")
	}
	lsn, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "snapshot: bad checkpoint lsn %q", raw)
	}
	return common.Lsn(lsn), nil
}

func (s *SnapshotStore) Get(pid common.PageID) (page.Frag, bool, error) {
	var blob []byte
	err := s.db.QueryRow("SELECT frag FROM pages WHERE pid = ?", int64(pid)).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "snapshot: read %s", pid)
	}
	frag, err := DecodeFrag(blob)
	if err != nil {
		return nil, false, errors.Wrapf(err, "snapshot: decode %s", pid)
	}
	return frag, true, nil
}

func (s *SnapshotStore) LoadAll() ([]PageFrag, error) {
	rows, err := s.db.Query("SELECT pid, frag FROM pages ORDER BY pid ASC")
	if err != nil {
		return nil, errors.Wrap(err, "snapshot: scan")
	}
	defer rows.Close()

	var out []PageFrag
	for rows.Next() {
		var pid int64
		var blob []byte
		if err := rows.Scan(&pid, &blob); err != nil {
			return nil, err
		}
		frag, err := DecodeFrag(blob)
		if err != nil {
			return nil, errors.Wrapf(err, "snapshot: decode pid %d", pid)
		}
		out = append(out, PageFrag{Page: common.PageID(pid), Frag: frag})
	}
	return out, rows.Err()
}

func (s *SnapshotStore) Close() error {
	return s.db.Close()
}
