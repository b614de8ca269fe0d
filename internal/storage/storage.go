// Package storage opens the shared database handles used by the context
// and conversation stores.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// OpenSQLite opens path in WAL mode, creating its directory when needed.
func OpenSQLite(path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// sqlite allows a single writer
	db.SetMaxOpenConns(1)

	log.Debug().Str("path", path).Msg("SQLite database opened")
	return db, nil
}

// OpenRedis parses url and verifies the server answers PING. A bare
// host:port is accepted as well as redis:// URLs.
func OpenRedis(ctx context.Context, url string) (*redis.Client, error) {
	if url == "" {
		return nil, fmt.Errorf("redis url cannot be empty")
	}

	opt, err := redis.ParseURL(url)
	if err != nil {
		opt = &redis.Options{Addr: url}
	}

	rdb := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	log.Debug().Str("addr", opt.Addr).Msg("Redis connected")
	return rdb, nil
}

// ValidateUserID rejects identities that are unsafe as a file name or a
// key segment.
func ValidateUserID(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("user id cannot be empty")
	}
	if strings.Contains(userID, "..") {
		return fmt.Errorf("user id cannot contain '..'")
	}
	if strings.ContainsAny(userID, "/\\:") {
		return fmt.Errorf("user id cannot contain path separators")
	}
	if strings.ContainsRune(userID, 0) {
		return fmt.Errorf("user id cannot contain null bytes")
	}
	return nil
}
