package eventsink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/mailrig/mailrig/dbopen"
)

const journalSchema = `
CREATE TABLE IF NOT EXISTS events (
	id      TEXT PRIMARY KEY,
	page_id TEXT NOT NULL DEFAULT '',
	seq     INTEGER NOT NULL,
	kind    TEXT NOT NULL,
	view_id TEXT NOT NULL,
	action  TEXT NOT NULL,
	at      INTEGER NOT NULL,
	detail  TEXT
);
CREATE INDEX IF NOT EXISTS idx_events_page_seq ON events(page_id, seq);
`

// SQLite journals events to a local database so a session can be
// inspected after the fact. Inserts retry on SQLITE_BUSY, which covers
// a reader holding the file open while the daemon writes.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (creating if needed) the journal database at path.
func NewSQLite(path string) (*SQLite, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithSchema(journalSchema))
	if err != nil {
		return nil, fmt.Errorf("eventsink: open journal: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Send(ctx context.Context, ev Event) error {
	var detail any
	if len(ev.Detail) > 0 {
		b, err := json.Marshal(ev.Detail)
		if err != nil {
			return fmt.Errorf("eventsink: encode detail: %w", err)
		}
		detail = string(b)
	}
	_, err := dbopen.Exec(ctx, s.db,
		`INSERT INTO events (id, page_id, seq, kind, view_id, action, at, detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.PageID, ev.Seq, ev.Kind, ev.ViewID, ev.Action, ev.At, detail)
	if err != nil {
		return fmt.Errorf("eventsink: journal insert: %w", err)
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
