// Package sqlite caches documented file bodies keyed by the exact prompt
// that produced them.
package sqlite

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pario-ai/docsmith/pkg/models"
)

// Cache is an exact-match response cache backed by SQLite.
type Cache struct {
	db     *sql.DB
	ttl    time.Duration
	hits   atomic.Int64
	misses atomic.Int64
}

const createCacheTable = `
CREATE TABLE IF NOT EXISTS responses (
	prompt_hash TEXT NOT NULL,
	model TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	ttl_seconds INTEGER NOT NULL,
	PRIMARY KEY (prompt_hash, model)
);
`

// New creates a Cache with the given database path and entry TTL.
func New(dbPath string, ttl time.Duration) (*Cache, error) {
	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createCacheTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}

	return &Cache{db: db, ttl: ttl}, nil
}

// HashPrompt computes a SHA-256 hash of the model and messages.
func HashPrompt(model string, messages []models.ChatMessage) string {
	h := sha256.New()
	h.Write([]byte(model))
	data, _ := json.Marshal(messages)
	h.Write(data)
	return fmt.Sprintf("%x", h.Sum(nil))
}

// Get returns the cached reply for the prompt, if present and fresh.
func (c *Cache) Get(ctx context.Context, model string, messages []models.ChatMessage) (string, bool) {
	var content string
	var createdAt time.Time
	var ttlSeconds int64

	err := c.db.QueryRowContext(ctx,
		`SELECT content, created_at, ttl_seconds FROM responses WHERE prompt_hash = ? AND model = ?`,
		HashPrompt(model, messages), model,
	).Scan(&content, &createdAt, &ttlSeconds)
	if err != nil {
		c.misses.Add(1)
		return "", false
	}

	if time.Since(createdAt) > time.Duration(ttlSeconds)*time.Second {
		c.misses.Add(1)
		return "", false
	}

	c.hits.Add(1)
	return content, true
}

// Put stores the reply for the prompt, replacing any earlier entry.
func (c *Cache) Put(ctx context.Context, model string, messages []models.ChatMessage, content string) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO responses (prompt_hash, model, content, created_at, ttl_seconds)
		 VALUES (?, ?, ?, ?, ?)`,
		HashPrompt(model, messages), model, content, time.Now().UTC(), int64(c.ttl.Seconds()),
	)
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

// Stats returns the entry count and this process's hit and miss counters.
func (c *Cache) Stats(ctx context.Context) (models.CacheStats, error) {
	var count int64
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM responses`).Scan(&count); err != nil {
		return models.CacheStats{}, fmt.Errorf("cache stats: %w", err)
	}
	return models.CacheStats{
		Entries: count,
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
	}, nil
}

// Clear removes cache entries and returns how many were deleted. If
// expiredOnly is true, only expired entries are removed.
func (c *Cache) Clear(ctx context.Context, expiredOnly bool) (int64, error) {
	query := `DELETE FROM responses`
	if expiredOnly {
		// Expiry is computed in Go; created_at is stored in Go's time format.
		rows, err := c.db.QueryContext(ctx, `SELECT prompt_hash, model, created_at, ttl_seconds FROM responses`)
		if err != nil {
			return 0, fmt.Errorf("cache clear: %w", err)
		}
		type key struct{ hash, model string }
		var expired []key
		for rows.Next() {
			var k key
			var createdAt time.Time
			var ttlSeconds int64
			if err := rows.Scan(&k.hash, &k.model, &createdAt, &ttlSeconds); err != nil {
				rows.Close()
				return 0, fmt.Errorf("cache clear: %w", err)
			}
			if time.Since(createdAt) > time.Duration(ttlSeconds)*time.Second {
				expired = append(expired, k)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return 0, fmt.Errorf("cache clear: %w", err)
		}

		var n int64
		for _, k := range expired {
			res, err := c.db.ExecContext(ctx, query+` WHERE prompt_hash = ? AND model = ?`, k.hash, k.model)
			if err != nil {
				return n, fmt.Errorf("cache clear: %w", err)
			}
			d, _ := res.RowsAffected()
			n += d
		}
		return n, nil
	}

	res, err := c.db.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("cache clear: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Close releases the database connection.
func (c *Cache) Close() error {
	return c.db.Close()
}

// dsn adds a busy timeout; the cache shares its file with the ledger.
func dsn(dbPath string) string {
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	return dbPath + sep + "_pragma=busy_timeout(5000)"
}
