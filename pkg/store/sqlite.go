package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	_ "modernc.org/sqlite" // SQLite driver
)

// Driver names accepted by OpenSQLite.
const (
	DriverModernc = "sqlite"  // pure Go, always available
	DriverCGO     = "sqlite3" // mattn/go-sqlite3, requires -tags cgosqlite
)

// SQLiteDurableStore implements DurableStore on SQLite.
type SQLiteDurableStore struct {
	db *sql.DB
}

var _ DurableStore = (*SQLiteDurableStore)(nil)

// OpenSQLite opens (or creates) the durable database at dbPath.
// An empty driver selects the pure-Go driver.
func OpenSQLite(driver, dbPath string) (*sql.DB, error) {
	if driver == "" {
		driver = DriverModernc
	}

	dsn := dbPath
	switch driver {
	case DriverModernc:
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	case DriverCGO:
		dsn += "?_busy_timeout=5000&_journal_mode=WAL"
	default:
		return nil, goerr.New("unsupported sqlite driver", goerr.V("driver", driver))
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open database", goerr.V("path", dbPath))
	}
	// Single writer: one connection serializes all access.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, goerr.Wrap(err, "database unreachable", goerr.V("path", dbPath))
	}
	return db, nil
}

// NewSQLiteDurableStore creates the store on an open database and ensures the schema.
func NewSQLiteDurableStore(db *sql.DB) (*SQLiteDurableStore, error) {
	s := &SQLiteDurableStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, goerr.Wrap(err, "failed to initialize schema")
	}
	return s, nil
}

// DB returns the underlying connection, shared with SQLiteVectorStore.
func (s *SQLiteDurableStore) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *SQLiteDurableStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteDurableStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		external_id TEXT NOT NULL UNIQUE,
		title TEXT,
		created_at INTEGER NOT NULL,
		markers TEXT
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		idx INTEGER NOT NULL,
		role TEXT NOT NULL,
		ts INTEGER NOT NULL,
		content TEXT NOT NULL,
		project TEXT,
		markers TEXT,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id),
		UNIQUE (conversation_id, idx)
	);

	CREATE INDEX IF NOT EXISTS idx_messages_ts ON messages(ts);
	CREATE INDEX IF NOT EXISTS idx_messages_project ON messages(project COLLATE NOCASE);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	return s.migrateSchema()
}

// migrateSchema adds columns introduced after the first schema.
func (s *SQLiteDurableStore) migrateSchema() error {
	if !s.columnExists("messages", "meeting") {
		if _, err := s.db.Exec("ALTER TABLE messages ADD COLUMN meeting TEXT DEFAULT NULL"); err != nil {
			return fmt.Errorf("failed to add meeting column: %w", err)
		}
	}
	return nil
}

func (s *SQLiteDurableStore) columnExists(tableName, columnName string) bool {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notnull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return false
		}
		if name == columnName {
			return true
		}
	}
	return false
}

// GetOrCreateConversation is idempotent on externalID.
func (s *SQLiteDurableStore) GetOrCreateConversation(ctx context.Context, externalID, title string, markers []string) (*Conversation, error) {
	if externalID == "" {
		return nil, goerr.New("external conversation id is required")
	}

	markersJSON, err := encodeMarkers(markers)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, external_id, title, created_at, markers)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(external_id) DO NOTHING
	`, uuid.New().String(), externalID, title, time.Now().UnixMilli(), markersJSON)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create conversation", goerr.V("external_id", externalID))
	}

	var (
		conv       Conversation
		titleCol   sql.NullString
		markersCol sql.NullString
		createdMs  int64
	)
	err = s.db.QueryRowContext(ctx, `
		SELECT id, external_id, title, created_at, markers
		FROM conversations WHERE external_id = ?
	`, externalID).Scan(&conv.ID, &conv.ExternalID, &titleCol, &createdMs, &markersCol)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to load conversation", goerr.V("external_id", externalID))
	}

	conv.Title = titleCol.String
	conv.CreatedAt = time.UnixMilli(createdMs).UTC()
	conv.Markers = decodeMarkers(markersCol)
	return &conv, nil
}

// AppendMessage allocates the next idx inside a transaction.
func (s *SQLiteDurableStore) AppendMessage(ctx context.Context, msg *DurableMessage) error {
	if msg.ConversationID == "" {
		return goerr.New("message has no conversation id")
	}

	markersJSON, err := encodeMarkers(msg.Markers)
	if err != nil {
		return err
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return goerr.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	var next int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(idx), -1) + 1 FROM messages WHERE conversation_id = ?`,
		msg.ConversationID).Scan(&next)
	if err != nil {
		return goerr.Wrap(err, "failed to allocate message idx", goerr.V("conversation_id", msg.ConversationID))
	}

	id := uuid.New().String()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, idx, role, ts, content, project, meeting, markers)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id, msg.ConversationID, next, msg.Role, msg.Timestamp.UnixMilli(), msg.Content,
		nullString(msg.Project), nullString(msg.Meeting), markersJSON)
	if err != nil {
		return goerr.Wrap(err, "failed to insert message", goerr.V("conversation_id", msg.ConversationID))
	}

	if err := tx.Commit(); err != nil {
		return goerr.Wrap(err, "failed to commit message")
	}

	msg.ID = id
	msg.Idx = next
	return nil
}

const messageColumns = `m.id, m.conversation_id, m.idx, m.role, m.ts, m.content, m.project, m.meeting, m.markers, c.external_id`

// ListMessages returns messages newest-first, filtered server-side.
func (s *SQLiteDurableStore) ListMessages(ctx context.Context, opts ListMessagesOptions) ([]DurableMessage, error) {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}

	var (
		where []string
		args  []any
	)
	if !opts.Since.IsZero() {
		where = append(where, "m.ts >= ?")
		args = append(args, opts.Since.UnixMilli())
	}
	if opts.ExternalConversationID != "" {
		where = append(where, "c.external_id = ?")
		args = append(args, opts.ExternalConversationID)
	}
	if variants := nonEmpty(opts.ProjectVariants); len(variants) > 0 {
		likes := make([]string, len(variants))
		for i, v := range variants {
			likes[i] = `m.project LIKE ? ESCAPE '\'`
			args = append(args, "%"+escapeLike(v)+"%")
		}
		where = append(where, "("+strings.Join(likes, " OR ")+")")
	}

	query := `SELECT ` + messageColumns + ` FROM messages m JOIN conversations c ON c.id = m.conversation_id`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY m.ts DESC, m.idx DESC LIMIT ?"
	args = append(args, opts.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list messages")
	}
	defer rows.Close()

	var out []DurableMessage
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "failed to iterate messages")
	}
	return out, nil
}

// GetMessages fetches messages by ID in one query.
func (s *SQLiteDurableStore) GetMessages(ctx context.Context, ids []string) (map[string]DurableMessage, error) {
	out := make(map[string]DurableMessage, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages m JOIN conversations c ON c.id = m.conversation_id WHERE m.id IN (`+placeholders+`)`,
		args...)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get messages", goerr.V("count", len(ids)))
	}
	defer rows.Close()

	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out[msg.ID] = msg
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "failed to iterate messages")
	}
	return out, nil
}

// CountMessages returns the number of durable messages.
func (s *SQLiteDurableStore) CountMessages(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n); err != nil {
		return 0, goerr.Wrap(err, "failed to count messages")
	}
	return n, nil
}

func scanMessage(rows *sql.Rows) (DurableMessage, error) {
	var (
		msg     DurableMessage
		tsMs    int64
		project sql.NullString
		meeting sql.NullString
		markers sql.NullString
	)
	err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Idx, &msg.Role, &tsMs, &msg.Content,
		&project, &meeting, &markers, &msg.ExternalConversationID)
	if err != nil {
		return msg, goerr.Wrap(err, "failed to scan message")
	}
	msg.Timestamp = time.UnixMilli(tsMs).UTC()
	msg.Project = project.String
	msg.Meeting = meeting.String
	msg.Markers = decodeMarkers(markers)
	return msg, nil
}

func encodeMarkers(markers []string) (string, error) {
	if markers == nil {
		markers = []string{}
	}
	data, err := json.Marshal(markers)
	if err != nil {
		return "", goerr.Wrap(err, "failed to marshal markers")
	}
	return string(data), nil
}

func decodeMarkers(col sql.NullString) []string {
	out := []string{}
	if !col.Valid || col.String == "" {
		return out
	}
	if err := json.Unmarshal([]byte(col.String), &out); err != nil {
		return []string{}
	}
	return out
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nonEmpty(values []string) []string {
	var out []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
