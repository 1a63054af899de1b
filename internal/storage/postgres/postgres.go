package postgres

import (
	"database/sql"

	_ "github.com/lib/pq"

	"github.com/ageniuscoder/mmchat/msgsync/internal/storage"
)

func New(dsn string) (*storage.Repo, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return storage.NewRepo(db, storage.Postgres), nil
}
