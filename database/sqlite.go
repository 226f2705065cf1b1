package database

import (
	"database/sql"
	"fmt"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// NewSQLiteDB opens the on-disk profile database used by the tracker's durable cookie jar.
func NewSQLiteDB(path string, logger *zap.Logger) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("error opening sqlite profile %s: %w", path, err)
	}
	// A single writer keeps SQLite from returning SQLITE_BUSY under concurrent flushes.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("error connecting to sqlite profile %s: %w", path, err)
	}

	logger.Debug("Opened sqlite profile", zap.String("path", path))
	return db, nil
}
