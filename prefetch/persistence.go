package prefetch

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the optional sqlite sidecar for the companion index. The core
// contract treats the index as volatile; enabling the store adds
// best-effort durability: declarations are written behind the in-memory
// update and reloaded on the next open. A lost write loses only the
// pre-fetch hint, never data.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if needed) the sidecar database.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	const schema = `
CREATE TABLE IF NOT EXISTS companions (
	pkey     TEXT NOT NULL,
	ckey     TEXT NOT NULL,
	strength REAL NOT NULL,
	ord      INTEGER NOT NULL,
	PRIMARY KEY (pkey, ckey)
);
CREATE INDEX IF NOT EXISTS companions_by_pkey ON companions(pkey);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// SavePrimary replaces the stored companion set of one primary.
func (s *Store) SavePrimary(primary string, companions []Companion) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM companions WHERE pkey = ?`, primary); err != nil {
		tx.Rollback()
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO companions (pkey, ckey, strength, ord) VALUES (?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, c := range companions {
		if _, err := stmt.Exec(primary, c.Key, c.Strength, int64(c.ord)); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// DeletePrimary removes all stored companions of one primary.
func (s *Store) DeletePrimary(primary string) error {
	_, err := s.db.Exec(`DELETE FROM companions WHERE pkey = ?`, primary)
	return err
}

// LoadAll streams every stored primary with its companions in stored
// order into apply.
func (s *Store) LoadAll(apply func(primary string, companions []Companion)) error {
	rows, err := s.db.Query(`SELECT pkey, ckey, strength, ord FROM companions ORDER BY pkey, ord`)
	if err != nil {
		return err
	}
	defer rows.Close()

	var (
		current    string
		companions []Companion
	)
	flush := func() {
		if current != "" && len(companions) > 0 {
			apply(current, companions)
		}
	}
	for rows.Next() {
		var pkey, ckey string
		var strength float64
		var ord int64
		if err := rows.Scan(&pkey, &ckey, &strength, &ord); err != nil {
			return err
		}
		if pkey != current {
			flush()
			current = pkey
			companions = nil
		}
		companions = append(companions, Companion{Key: ckey, Strength: strength, ord: uint64(ord)})
	}
	flush()
	return rows.Err()
}

// Close closes the sidecar database.
func (s *Store) Close() error {
	return s.db.Close()
}
