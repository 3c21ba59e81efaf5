// Package history persists every routed event in SQLite. The store attaches
// to the router as a listener, so archiving never affects delivery; the
// archive can be queried after a run for debugging.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"

	_ "modernc.org/sqlite"

	"github.com/fractalmind-ai/chorus/pkg/protocol"
)

// Filter narrows archive queries. Zero fields match everything.
type Filter struct {
	Source      string
	Destination string
	Channel     string
	Type        protocol.EventType
	Limit       int
}

// Store persists the message archive in SQLite.
type Store struct {
	db *sql.DB
}

// OpenStore opens or creates an archive at the given path. ":memory:" works
// for tests.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// The listener goroutine and queries may interleave.
	db.SetMaxOpenConns(1)
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Listener returns a router listener that archives each routed event.
// Archive failures are logged, never propagated.
func (s *Store) Listener() func(protocol.Message) {
	return func(msg protocol.Message) {
		if err := s.Insert(context.Background(), msg); err != nil {
			log.Printf("history: archive failed: %v", err)
		}
	}
}

// Insert archives one event.
func (s *Store) Insert(ctx context.Context, msg protocol.Message) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store is nil")
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO messages(message_id,tick,event_type,source,destination,channel,content,payload) VALUES(?,?,?,?,?,?,?,?)",
		msg.ID, msg.Timestamp, string(msg.Type), msg.Source, msg.Destination, msg.Channel, msg.Content, payload)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// Query returns archived events matching the filter in routing order.
func (s *Store) Query(ctx context.Context, f Filter) ([]protocol.Message, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store is nil")
	}
	query := "SELECT payload FROM messages WHERE 1=1"
	var args []any
	if f.Source != "" {
		query += " AND source = ?"
		args = append(args, f.Source)
	}
	if f.Destination != "" {
		query += " AND destination = ?"
		args = append(args, f.Destination)
	}
	if f.Channel != "" {
		query += " AND channel = ?"
		args = append(args, f.Channel)
	}
	if f.Type != "" {
		query += " AND event_type = ?"
		args = append(args, string(f.Type))
	}
	query += " ORDER BY tick ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var out []protocol.Message
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		var msg protocol.Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, fmt.Errorf("failed to decode message: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read rows: %w", err)
	}
	return out, nil
}

// Count returns the number of archived events.
func (s *Store) Count(ctx context.Context) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("store is nil")
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

func initSchema(db *sql.DB) error {
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id TEXT NOT NULL UNIQUE,
	tick INTEGER NOT NULL,
	event_type TEXT NOT NULL,
	source TEXT NOT NULL,
	destination TEXT NOT NULL,
	channel TEXT NOT NULL,
	content TEXT NOT NULL,
	payload BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_source ON messages(source);
CREATE INDEX IF NOT EXISTS idx_messages_destination ON messages(destination);
`); err != nil {
		return fmt.Errorf("failed to init schema: %w", err)
	}
	return nil
}
