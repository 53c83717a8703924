package blobstore

import (
	"database/sql"
	"errors"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore backs the same Store boundary with a single SQLite file
// instead of a directory tree, for hosts that prefer one file over many.
// Schema is a single (bucket, key) -> value table; mattn/go-sqlite3 is the
// teacher's own choice of driver (it pulls it in for its Postgres-fronted
// deployments' local dev fallback).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if necessary) a SQLite database at path
// and ensures the blobs table exists.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS blobs (
		bucket TEXT NOT NULL,
		key TEXT NOT NULL,
		value BLOB NOT NULL,
		PRIMARY KEY (bucket, key)
	)`); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Put(bucket, key string, value []byte) error {
	_, err := s.db.Exec(
		`INSERT INTO blobs (bucket, key, value) VALUES (?, ?, ?)
		 ON CONFLICT(bucket, key) DO UPDATE SET value = excluded.value`,
		bucket, key, value,
	)
	return err
}

func (s *SQLiteStore) Get(bucket, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRow(`SELECT value FROM blobs WHERE bucket = ? AND key = ?`, bucket, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *SQLiteStore) Delete(bucket, key string) error {
	_, err := s.db.Exec(`DELETE FROM blobs WHERE bucket = ? AND key = ?`, bucket, key)
	return err
}

func (s *SQLiteStore) List(bucket string) ([]string, error) {
	rows, err := s.db.Query(`SELECT key FROM blobs WHERE bucket = ?`, bucket)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
