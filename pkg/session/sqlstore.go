// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/google/uuid"

	// SQL drivers
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// HistoryStore persists per-context message history. Task records are
// deliberately not persisted; only the conversation survives a restart.
type HistoryStore interface {
	// Append persists one message at the end of the context's history.
	Append(ctx context.Context, contextID string, msg *a2a.Message) error

	// Load returns the context's persisted history in append order.
	Load(ctx context.Context, contextID string) ([]*a2a.Message, error)

	// Delete removes the context's persisted history.
	Delete(ctx context.Context, contextID string) error

	// Close releases the store.
	Close() error
}

// SQLHistoryStore implements HistoryStore over database/sql. Concurrency
// is handled by database-level locking; sequence numbers order messages.
type SQLHistoryStore struct {
	db      *sql.DB
	dialect string
}

const createHistorySchemaSQL = `
CREATE TABLE IF NOT EXISTS context_messages (
    id VARCHAR(255) NOT NULL,
    context_id VARCHAR(255) NOT NULL,
    role VARCHAR(50),
    parts_json TEXT,
    sequence_num INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (context_id, id)
)`

const createHistoryIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_context_messages ON context_messages(context_id, sequence_num)`

// NewSQLHistoryStore creates a history store over db. Supported dialects:
// postgres, mysql, sqlite (sqlite3 accepted as an alias).
func NewSQLHistoryStore(db *sql.DB, dialect string) (*SQLHistoryStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	switch dialect {
	case "postgres", "mysql", "sqlite", "sqlite3":
		if dialect == "sqlite3" {
			dialect = "sqlite"
		}
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, mysql, sqlite)", dialect)
	}

	s := &SQLHistoryStore{db: db, dialect: dialect}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize history schema: %w", err)
	}
	return s, nil
}

func (s *SQLHistoryStore) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, stmt := range []string{createHistorySchemaSQL, createHistoryIndexSQL} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute schema statement: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLHistoryStore) Close() error {
	return s.db.Close()
}

// Append persists a message inside a transaction so the sequence number
// and the row stay consistent under concurrent writers.
func (s *SQLHistoryStore) Append(ctx context.Context, contextID string, msg *a2a.Message) error {
	if msg == nil {
		return fmt.Errorf("message is nil")
	}

	partsJSON, err := json.Marshal(msg.Parts)
	if err != nil {
		return fmt.Errorf("marshal message parts: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	seqQuery := s.placeholders(`SELECT COALESCE(MAX(sequence_num), 0) + 1 FROM context_messages WHERE context_id = ?`)
	var seqNum int
	if err := tx.QueryRowContext(ctx, seqQuery, contextID).Scan(&seqNum); err != nil {
		return fmt.Errorf("next sequence number: %w", err)
	}

	insert := s.placeholders(`INSERT INTO context_messages (id, context_id, role, parts_json, sequence_num, created_at)
              VALUES (?, ?, ?, ?, ?, ?)`)
	if _, err := tx.ExecContext(ctx, insert,
		uuid.NewString(), contextID, string(msg.Role), string(partsJSON), seqNum, time.Now()); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Load returns the persisted history for contextID in sequence order.
func (s *SQLHistoryStore) Load(ctx context.Context, contextID string) ([]*a2a.Message, error) {
	query := s.placeholders(`SELECT role, parts_json FROM context_messages
              WHERE context_id = ? ORDER BY sequence_num ASC`)

	rows, err := s.db.QueryContext(ctx, query, contextID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	var messages []*a2a.Message
	for rows.Next() {
		var role, partsJSON string
		if err := rows.Scan(&role, &partsJSON); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}

		parts, err := decodeParts(partsJSON)
		if err != nil {
			return nil, err
		}
		if len(parts) == 0 {
			continue
		}

		msg := a2a.NewMessage(a2a.MessageRole(role), parts...)
		msg.ContextID = contextID
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// Delete removes all persisted messages for contextID.
func (s *SQLHistoryStore) Delete(ctx context.Context, contextID string) error {
	query := s.placeholders(`DELETE FROM context_messages WHERE context_id = ?`)
	if _, err := s.db.ExecContext(ctx, query, contextID); err != nil {
		return fmt.Errorf("delete history: %w", err)
	}
	return nil
}

func (s *SQLHistoryStore) placeholders(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 20)
	paramNum := 1
	for _, c := range query {
		if c == '?' {
			fmt.Fprintf(&b, "$%d", paramNum)
			paramNum++
		} else {
			b.WriteRune(c)
		}
	}
	return b.String()
}

// decodeParts parses a serialized parts array back into a2a.Part values,
// dispatching on the "kind" field.
func decodeParts(partsJSON string) ([]a2a.Part, error) {
	if partsJSON == "" {
		return nil, nil
	}

	var rawParts []json.RawMessage
	if err := json.Unmarshal([]byte(partsJSON), &rawParts); err != nil {
		return nil, fmt.Errorf("unmarshal parts: %w", err)
	}

	var parts []a2a.Part
	for _, raw := range rawParts {
		var peek struct {
			Kind string `json:"kind"`
		}
		if err := json.Unmarshal(raw, &peek); err != nil {
			return nil, fmt.Errorf("peek part kind: %w", err)
		}

		switch peek.Kind {
		case "text":
			var part a2a.TextPart
			if err := json.Unmarshal(raw, &part); err != nil {
				return nil, err
			}
			parts = append(parts, part)
		case "data":
			var part a2a.DataPart
			if err := json.Unmarshal(raw, &part); err != nil {
				return nil, err
			}
			parts = append(parts, part)
		case "file":
			var part a2a.FilePart
			if err := json.Unmarshal(raw, &part); err != nil {
				return nil, err
			}
			parts = append(parts, part)
		default:
			slog.Debug("skipping unknown part kind in persisted history", "kind", peek.Kind)
		}
	}
	return parts, nil
}

var _ HistoryStore = (*SQLHistoryStore)(nil)
