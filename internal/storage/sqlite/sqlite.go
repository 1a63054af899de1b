package sqlite

import (
	"database/sql"

	_ "modernc.org/sqlite"

	"github.com/ageniuscoder/mmchat/msgsync/internal/storage"
)

func New(dsn string) (*storage.Repo, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if _, err = db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		return nil, err
	}

	// Single connection for SQLite; this also keeps :memory: databases alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.Exec(`PRAGMA journal_mode=WAL;`)

	// Wait up to 5s if locked
	_, _ = db.Exec(`PRAGMA busy_timeout = 5000;`)

	return storage.NewRepo(db, storage.SQLite), nil
}
