// Package store provides SQLite-backed persistence of discovered nodes.
// Uses WAL mode for concurrent reads and crash-safe writes.
//
// Only addresses and static metadata are stored: the cache exists so a
// restarted router re-probes known backends before the first subnet
// sweep completes. Reliability history is deliberately not persisted.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)

	"github.com/fleetllm/fleet/internal/domain"
)

// DB wraps a SQLite connection holding the node cache.
type DB struct {
	db *sql.DB
}

// Open creates or opens the SQLite database at dir/nodes.db.
// Enables WAL mode and a 5-second busy timeout.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dir, "nodes.db")
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &DB{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *DB) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS nodes (
	id         TEXT PRIMARY KEY,
	host       TEXT NOT NULL,
	port       INTEGER NOT NULL,
	class      TEXT NOT NULL DEFAULT 'unknown',
	last_seen  TIMESTAMP NOT NULL
);`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("migrate nodes: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *DB) Close() error { return s.db.Close() }

// Ping verifies the connection.
func (s *DB) Ping() error { return s.db.Ping() }

// UpsertNode records a node sighting.
func (s *DB) UpsertNode(n *domain.Node, seenAt time.Time) error {
	_, err := s.db.Exec(`
INSERT INTO nodes (id, host, port, class, last_seen) VALUES (?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET host=excluded.host, port=excluded.port,
	class=excluded.class, last_seen=excluded.last_seen`,
		n.ID, n.Address.Host, n.Address.Port, string(n.Class), seenAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert node %s: %w", n.ID, err)
	}
	return nil
}

// DeleteNode drops a node from the cache.
func (s *DB) DeleteNode(id string) error {
	_, err := s.db.Exec(`DELETE FROM nodes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete node %s: %w", id, err)
	}
	return nil
}

// ListNodes returns cached nodes seen within maxAge (0 = everything),
// newest first.
func (s *DB) ListNodes(maxAge time.Duration) ([]*domain.Node, error) {
	query := `SELECT id, host, port, class, last_seen FROM nodes`
	args := []any{}
	if maxAge > 0 {
		query += ` WHERE last_seen >= ?`
		args = append(args, time.Now().Add(-maxAge).UTC())
	}
	query += ` ORDER BY last_seen DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	var out []*domain.Node
	for rows.Next() {
		var (
			n        domain.Node
			class    string
			lastSeen time.Time
		)
		if err := rows.Scan(&n.ID, &n.Address.Host, &n.Address.Port, &class, &lastSeen); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		n.Class = domain.NodeClass(class)
		n.LastProbeAt = lastSeen
		out = append(out, &n)
	}
	return out, rows.Err()
}
