package storage

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

const connectTimeout = 5 * time.Second

// InitStore connects to Postgres and sizes the pool so every bulk worker can hold a
// transaction while the HTTP handlers still get connections.
func InitStore(dbConnStr string, workers int) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", dbConnStr)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	if workers > 0 {
		db.SetMaxOpenConns(workers * 2)
		db.SetMaxIdleConns(workers)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping database")
	}
	return NewPostgresStoreWithDB(db), nil
}
