package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/xiaot623/taskagent/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db, now: time.Now}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			message_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			run_id TEXT,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (session_id) REFERENCES sessions(session_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			kind TEXT NOT NULL DEFAULT 'step',
			input_text TEXT NOT NULL DEFAULT '',
			domain TEXT,
			status TEXT NOT NULL,
			final_message TEXT,
			started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			ended_at DATETIME,
			FOREIGN KEY (session_id) REFERENCES sessions(session_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_session ON runs(session_id, started_at)`,
		`CREATE TABLE IF NOT EXISTS events (
			event_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			ts INTEGER NOT NULL,
			type TEXT NOT NULL,
			payload TEXT,
			FOREIGN KEY (run_id) REFERENCES runs(run_id)
		)`,
		`CREATE TABLE IF NOT EXISTS trace_nodes (
			node_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			parent_id TEXT,
			position INTEGER NOT NULL,
			kind TEXT NOT NULL,
			name TEXT NOT NULL,
			input TEXT,
			output TEXT,
			metadata TEXT,
			started_at DATETIME NOT NULL,
			ended_at DATETIME,
			FOREIGN KEY (run_id) REFERENCES runs(run_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trace_nodes_run ON trace_nodes(run_id, position)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}

	// Add new columns for existing DBs (SQLite has limited ALTER TABLE support).
	if err := s.ensureColumn("events", "seq", "ALTER TABLE events ADD COLUMN seq INTEGER NOT NULL DEFAULT 0"); err != nil {
		return err
	}
	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id, ts, seq)`); err != nil {
		return err
	}
	return nil
}

func (s *SQLiteStore) ensureColumn(tableName, columnName, ddl string) error {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dfltValue sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return err
		}
		if name == columnName {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	_, err = s.db.Exec(ddl)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// GetSession retrieves a session by ID. It returns nil when absent.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	var session domain.Session
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, created_at FROM sessions WHERE session_id = ?`,
		sessionID).Scan(&session.SessionID, &session.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// EnsureSession gets an existing session or creates it.
func (s *SQLiteStore) EnsureSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO sessions (session_id, created_at) VALUES (?, ?)`,
		sessionID, s.now()); err != nil {
		return nil, err
	}
	return s.GetSession(ctx, sessionID)
}

// CreateMessage creates a new message.
func (s *SQLiteStore) CreateMessage(ctx context.Context, message *domain.Message) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (message_id, session_id, run_id, role, content, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		message.MessageID, message.SessionID, nullString(message.RunID), message.Role, message.Content, message.CreatedAt)
	return err
}

// GetMessages retrieves the first messages of a session, oldest first.
func (s *SQLiteStore) GetMessages(ctx context.Context, sessionID string, limit int) ([]domain.Message, error) {
	query := `SELECT message_id, session_id, run_id, role, content, created_at FROM messages WHERE session_id = ? ORDER BY created_at ASC, rowid ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	return s.queryMessages(ctx, query, sessionID)
}

// GetRecentMessages retrieves the last limit messages of a session, oldest first.
func (s *SQLiteStore) GetRecentMessages(ctx context.Context, sessionID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	messages, err := s.queryMessages(ctx,
		fmt.Sprintf(`SELECT message_id, session_id, run_id, role, content, created_at FROM messages WHERE session_id = ? ORDER BY created_at DESC, rowid DESC LIMIT %d`, limit),
		sessionID)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (s *SQLiteStore) queryMessages(ctx context.Context, query string, args ...any) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []domain.Message
	for rows.Next() {
		var msg domain.Message
		var runID sql.NullString
		if err := rows.Scan(&msg.MessageID, &msg.SessionID, &runID, &msg.Role, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, err
		}
		msg.RunID = runID.String
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// CreateRun creates a new run.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *domain.Run) error {
	kind := run.Kind
	if kind == "" {
		kind = domain.RunKindStep
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, session_id, kind, input_text, domain, status, started_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.SessionID, kind, run.InputText, nullString(run.Domain), run.Status, run.StartedAt)
	return err
}

// GetRun retrieves a run by ID. It returns nil when absent.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	var run domain.Run
	var dom, finalMessage sql.NullString
	var endedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, session_id, kind, input_text, domain, status, final_message, started_at, ended_at FROM runs WHERE run_id = ?`,
		runID).Scan(&run.RunID, &run.SessionID, &run.Kind, &run.InputText, &dom, &run.Status, &finalMessage, &run.StartedAt, &endedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	run.Domain = dom.String
	run.FinalMessage = finalMessage.String
	if endedAt.Valid {
		run.EndedAt = &endedAt.Time
	}
	return &run, nil
}

// CompleteRun records the terminal status of a run.
func (s *SQLiteStore) CompleteRun(ctx context.Context, runID string, status domain.RunStatus, finalMessage string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, final_message = ?, ended_at = ? WHERE run_id = ?`,
		status, nullString(finalMessage), s.now(), runID)
	return err
}

// CreateEvent creates a new event.
func (s *SQLiteStore) CreateEvent(ctx context.Context, event *domain.Event) error {
	payload := ""
	if event.Payload != nil {
		payload = string(event.Payload)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (event_id, run_id, ts, seq, type, payload) VALUES (?, ?, ?, ?, ?, ?)`,
		event.EventID, event.RunID, event.Ts, event.Seq, event.Type, payload)
	return err
}

// GetEvents retrieves events for a run in emission order.
func (s *SQLiteStore) GetEvents(ctx context.Context, runID string, types []string, limit int) ([]domain.Event, error) {
	query := `SELECT event_id, run_id, ts, seq, type, payload FROM events WHERE run_id = ?`
	args := []interface{}{runID}

	if len(types) > 0 {
		placeholders := make([]string, len(types))
		for i, t := range types {
			placeholders[i] = "?"
			args = append(args, t)
		}
		query += fmt.Sprintf(" AND type IN (%s)", strings.Join(placeholders, ","))
	}

	query += ` ORDER BY ts ASC, seq ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var event domain.Event
		var payload sql.NullString
		if err := rows.Scan(&event.EventID, &event.RunID, &event.Ts, &event.Seq, &event.Type, &payload); err != nil {
			return nil, err
		}
		if payload.Valid && payload.String != "" {
			event.Payload = json.RawMessage(payload.String)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// CreateTraceNodes stores the nodes of one turn in a single transaction.
func (s *SQLiteStore) CreateTraceNodes(ctx context.Context, nodes []domain.TraceNode) error {
	if len(nodes) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO trace_nodes (node_id, run_id, parent_id, position, kind, name, input, output, metadata, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, n := range nodes {
		var metadata sql.NullString
		if len(n.Metadata) > 0 {
			data, err := json.Marshal(n.Metadata)
			if err != nil {
				return fmt.Errorf("failed to encode metadata of node %s: %w", n.ID, err)
			}
			metadata = sql.NullString{String: string(data), Valid: true}
		}
		var endedAt sql.NullTime
		if n.EndedAt != nil {
			endedAt = sql.NullTime{Time: *n.EndedAt, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx,
			n.ID, n.RunID, nullString(n.ParentID), i, n.Kind, n.Name,
			nullRaw(n.Input), nullRaw(n.Output), metadata, n.StartedAt, endedAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetTraceNodes returns the trace of a run in creation order.
func (s *SQLiteStore) GetTraceNodes(ctx context.Context, runID string) ([]domain.TraceNode, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT node_id, run_id, parent_id, kind, name, input, output, metadata, started_at, ended_at
		 FROM trace_nodes WHERE run_id = ? ORDER BY position ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []domain.TraceNode
	for rows.Next() {
		var n domain.TraceNode
		var parentID, input, output, metadata sql.NullString
		var endedAt sql.NullTime
		if err := rows.Scan(&n.ID, &n.RunID, &parentID, &n.Kind, &n.Name, &input, &output, &metadata, &n.StartedAt, &endedAt); err != nil {
			return nil, err
		}
		n.ParentID = parentID.String
		if input.Valid {
			n.Input = json.RawMessage(input.String)
		}
		if output.Valid {
			n.Output = json.RawMessage(output.String)
		}
		if metadata.Valid {
			if err := json.Unmarshal([]byte(metadata.String), &n.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode metadata of node %s: %w", n.ID, err)
			}
		}
		if endedAt.Valid {
			n.EndedAt = &endedAt.Time
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullRaw(b json.RawMessage) sql.NullString {
	return sql.NullString{String: string(b), Valid: len(b) > 0}
}
