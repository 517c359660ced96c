package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	suberr "github.com/rcliao/memory-substrate/internal/errors"
	"github.com/rcliao/memory-substrate/internal/packet"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// Options tunes the connection pool. Zero values keep sql.DB defaults.
type Options struct {
	MaxOpenConns int
	MaxIdleConns int
}

// NewSQLiteStore opens or creates a SQLite database at the given path.
func NewSQLiteStore(dbPath string, opts Options) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS packets (
		packet_id   TEXT PRIMARY KEY,
		packet_type TEXT NOT NULL,
		created_at  TEXT NOT NULL,
		thread_id   TEXT,
		agent_id    TEXT NOT NULL,
		event_id    TEXT,
		payload     TEXT NOT NULL,
		metadata    TEXT,
		provenance  TEXT,
		confidence  TEXT,
		lineage     TEXT,
		tags        TEXT,
		expires_at  TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_packets_type_created ON packets(packet_type, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_packets_thread ON packets(thread_id) WHERE thread_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_packets_event ON packets(event_id) WHERE event_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_packets_expires ON packets(expires_at) WHERE expires_at IS NOT NULL;

	CREATE TABLE IF NOT EXISTS packet_tags (
		packet_id TEXT NOT NULL REFERENCES packets(packet_id),
		tag       TEXT NOT NULL,
		PRIMARY KEY (packet_id, tag)
	);
	CREATE INDEX IF NOT EXISTS idx_packet_tags_tag ON packet_tags(tag);

	CREATE TABLE IF NOT EXISTS packet_parents (
		packet_id TEXT NOT NULL REFERENCES packets(packet_id),
		parent_id TEXT NOT NULL,
		PRIMARY KEY (packet_id, parent_id)
	);
	CREATE INDEX IF NOT EXISTS idx_packet_parents_parent ON packet_parents(parent_id);

	CREATE TABLE IF NOT EXISTS events (
		packet_id   TEXT PRIMARY KEY REFERENCES packets(packet_id),
		agent_id    TEXT NOT NULL,
		packet_type TEXT NOT NULL,
		thread_id   TEXT,
		created_at  TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_agent ON events(agent_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS reasoning_traces (
		trace_id   TEXT PRIMARY KEY,
		packet_id  TEXT NOT NULL REFERENCES packets(packet_id),
		mode       TEXT,
		features   TEXT,
		steps      TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_traces_packet ON reasoning_traces(packet_id);

	CREATE TABLE IF NOT EXISTS semantic_entries (
		embedding_id TEXT PRIMARY KEY,
		packet_id    TEXT NOT NULL REFERENCES packets(packet_id),
		seq          INTEGER NOT NULL,
		text         TEXT NOT NULL,
		vector       BLOB NOT NULL,
		dims         INTEGER NOT NULL,
		payload      TEXT,
		created_at   TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_semantic_packet ON semantic_entries(packet_id);

	CREATE TABLE IF NOT EXISTS checkpoints (
		checkpoint_id TEXT PRIMARY KEY,
		agent_id      TEXT NOT NULL,
		packet_id     TEXT NOT NULL,
		state         TEXT NOT NULL,
		detail        TEXT,
		created_at    TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_checkpoints_agent ON checkpoints(agent_id, created_at DESC);
	`
	_, err := s.db.Exec(schema)
	return err
}

// InsertPacket writes the envelope, its tags, its lineage parents, its domain
// event, and its reasoning trace in one transaction.
func (s *SQLiteStore) InsertPacket(ctx context.Context, env *packet.Envelope, srb *packet.ReasoningBlock) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback()

	created := env.Timestamp.UTC().Format(time.RFC3339Nano)

	var expiresAt *string
	if env.TTL != nil {
		e := env.TTL.UTC().Format(time.RFC3339Nano)
		expiresAt = &e
	}

	payload, err := json.Marshal(env.Payload)
	if err != nil {
		return suberr.NewValidation("payload", fmt.Sprintf("payload not serializable: %v", err))
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO packets (packet_id, packet_type, created_at, thread_id, agent_id, event_id,
		                      payload, metadata, provenance, confidence, lineage, tags, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		env.PacketID, env.PacketType, created, nullable(env.ThreadID), env.AgentID(), nullable(env.EventID()),
		string(payload), marshalOpt(env.Metadata), marshalOpt(env.Provenance),
		marshalOpt(env.Confidence), marshalOpt(env.Lineage), marshalOpt(env.Tags), expiresAt)
	if err != nil {
		return classify(err)
	}

	for _, tag := range env.Tags {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO packet_tags (packet_id, tag) VALUES (?, ?)`, env.PacketID, tag); err != nil {
			return classify(err)
		}
	}
	if env.Lineage != nil {
		for _, parent := range env.Lineage.ParentIDs {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO packet_parents (packet_id, parent_id) VALUES (?, ?)`, env.PacketID, parent); err != nil {
				return classify(err)
			}
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (packet_id, agent_id, packet_type, thread_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		env.PacketID, env.AgentID(), env.PacketType, nullable(env.ThreadID), created)
	if err != nil {
		return classify(err)
	}

	if srb != nil {
		steps, err := json.Marshal(srb.Steps)
		if err != nil {
			return suberr.NewInternal(fmt.Errorf("marshal reasoning steps: %w", err))
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO reasoning_traces (trace_id, packet_id, mode, features, steps, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			srb.TraceID, env.PacketID, nullable(srb.Mode), marshalOpt(srb.Features),
			string(steps), srb.CreatedAt.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return classify(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return classify(err)
	}
	return nil
}

// InsertSemanticEntry writes one embeddable unit's durable row. Runs outside
// the packet transaction: the embed branch is non-fatal and may land later.
func (s *SQLiteStore) InsertSemanticEntry(ctx context.Context, entry *packet.SemanticEntry) error {
	payload := marshalOpt(entry.Payload)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO semantic_entries (embedding_id, packet_id, seq, text, vector, dims, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.EmbeddingID, entry.PacketID, entry.Seq, entry.Text,
		encodeVector(entry.Vector), len(entry.Vector), payload,
		entry.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return classify(err)
	}
	return nil
}

// InsertCheckpoint appends a checkpoint event.
func (s *SQLiteStore) InsertCheckpoint(ctx context.Context, cp *packet.Checkpoint) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (checkpoint_id, agent_id, packet_id, state, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		cp.CheckpointID, cp.AgentID, cp.PacketID, cp.State, marshalOpt(cp.Detail),
		cp.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return classify(err)
	}
	return nil
}

// GetPacket retrieves a packet by id, excluding expired rows.
func (s *SQLiteStore) GetPacket(ctx context.Context, id string) (*packet.Envelope, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	row := s.db.QueryRowContext(ctx, selectPackets+
		` WHERE packet_id = ? AND (expires_at IS NULL OR expires_at > ?)`, id, now)
	env, err := scanPacket(row)
	if err == sql.ErrNoRows {
		return nil, suberr.NewNotFound("packet", id)
	}
	if err != nil {
		return nil, classify(err)
	}
	return env, nil
}

// GetEvents returns an agent's domain events, most recent first. Events of
// expired packets are excluded, as on every other read path.
func (s *SQLiteStore) GetEvents(ctx context.Context, p EventsParams) ([]packet.Event, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = 50
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	rows, err := s.db.QueryContext(ctx,
		`SELECT e.packet_id, e.agent_id, e.packet_type, e.thread_id, e.created_at
		 FROM events e JOIN packets p ON p.packet_id = e.packet_id
		 WHERE e.agent_id = ? AND (p.expires_at IS NULL OR p.expires_at > ?)
		 ORDER BY e.created_at DESC LIMIT ?`, p.AgentID, now, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var events []packet.Event
	for rows.Next() {
		var ev packet.Event
		var threadID sql.NullString
		var created string
		if err := rows.Scan(&ev.PacketID, &ev.AgentID, &ev.PacketType, &threadID, &created); err != nil {
			return nil, classify(err)
		}
		ev.ThreadID = threadID.String
		ev.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// GetTraces returns reasoning traces matching the filter, most recent first.
// Traces of expired packets are excluded, as on every other read path.
func (s *SQLiteStore) GetTraces(ctx context.Context, f TraceFilter) ([]packet.ReasoningBlock, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	where := []string{"(p.expires_at IS NULL OR p.expires_at > ?)"}
	args := []any{now}
	if f.PacketID != "" {
		where = append(where, "t.packet_id = ?")
		args = append(args, f.PacketID)
	}
	if f.Mode != "" {
		where = append(where, "t.mode = ?")
		args = append(args, f.Mode)
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT t.trace_id, t.packet_id, t.mode, t.features, t.steps, t.created_at
		 FROM reasoning_traces t JOIN packets p ON p.packet_id = t.packet_id
		 WHERE %s ORDER BY t.created_at DESC LIMIT ?`,
		strings.Join(where, " AND ")), args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var traces []packet.ReasoningBlock
	for rows.Next() {
		var srb packet.ReasoningBlock
		var mode, features sql.NullString
		var steps, created string
		if err := rows.Scan(&srb.TraceID, &srb.PacketID, &mode, &features, &steps, &created); err != nil {
			return nil, classify(err)
		}
		srb.Mode = mode.String
		if features.Valid {
			json.Unmarshal([]byte(features.String), &srb.Features)
		}
		json.Unmarshal([]byte(steps), &srb.Steps)
		srb.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		traces = append(traces, srb)
	}
	return traces, rows.Err()
}

// GetCheckpoint returns the latest checkpoint for an agent.
func (s *SQLiteStore) GetCheckpoint(ctx context.Context, agentID string) (*packet.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT checkpoint_id, agent_id, packet_id, state, detail, created_at
		 FROM checkpoints WHERE agent_id = ? ORDER BY created_at DESC LIMIT 1`, agentID)

	var cp packet.Checkpoint
	var detail sql.NullString
	var created string
	err := row.Scan(&cp.CheckpointID, &cp.AgentID, &cp.PacketID, &cp.State, &detail, &created)
	if err == sql.ErrNoRows {
		return nil, suberr.NewNotFound("checkpoint", agentID)
	}
	if err != nil {
		return nil, classify(err)
	}
	if detail.Valid {
		json.Unmarshal([]byte(detail.String), &cp.Detail)
	}
	cp.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return &cp, nil
}

// HasPacket reports whether a packet id exists, expired rows included.
func (s *SQLiteStore) HasPacket(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM packets WHERE packet_id = ?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, classify(err)
	}
	return true, nil
}

// SemanticEntries streams all durable semantic rows in insertion order.
func (s *SQLiteStore) SemanticEntries(ctx context.Context, fn func(*packet.SemanticEntry) error) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT embedding_id, packet_id, seq, text, vector, payload, created_at
		 FROM semantic_entries ORDER BY created_at`)
	if err != nil {
		return classify(err)
	}
	defer rows.Close()

	for rows.Next() {
		var entry packet.SemanticEntry
		var vector []byte
		var payload sql.NullString
		var created string
		if err := rows.Scan(&entry.EmbeddingID, &entry.PacketID, &entry.Seq, &entry.Text, &vector, &payload, &created); err != nil {
			return classify(err)
		}
		entry.Vector = decodeVector(vector)
		if payload.Valid {
			json.Unmarshal([]byte(payload.String), &entry.Payload)
		}
		entry.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		if err := fn(&entry); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Close closes the store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const selectPackets = `SELECT packet_id, packet_type, created_at, thread_id,
	payload, metadata, provenance, confidence, lineage, tags, expires_at FROM packets`

type scanner interface {
	Scan(dest ...any) error
}

func scanPacket(row scanner) (*packet.Envelope, error) {
	var env packet.Envelope
	var threadID, metadata, provenance, confidence, lineage, tags, expiresAt sql.NullString
	var created, payload string

	err := row.Scan(&env.PacketID, &env.PacketType, &created, &threadID,
		&payload, &metadata, &provenance, &confidence, &lineage, &tags, &expiresAt)
	if err != nil {
		return nil, err
	}

	env.Timestamp, _ = time.Parse(time.RFC3339Nano, created)
	env.ThreadID = threadID.String
	json.Unmarshal([]byte(payload), &env.Payload)
	if metadata.Valid {
		json.Unmarshal([]byte(metadata.String), &env.Metadata)
	}
	if provenance.Valid {
		env.Provenance = &packet.Provenance{}
		json.Unmarshal([]byte(provenance.String), env.Provenance)
	}
	if confidence.Valid {
		env.Confidence = &packet.Confidence{}
		json.Unmarshal([]byte(confidence.String), env.Confidence)
	}
	if lineage.Valid {
		env.Lineage = &packet.Lineage{}
		json.Unmarshal([]byte(lineage.String), env.Lineage)
	}
	if tags.Valid {
		json.Unmarshal([]byte(tags.String), &env.Tags)
	}
	if expiresAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, expiresAt.String)
		env.TTL = &t
	}
	return &env, nil
}

// marshalOpt marshals v to a JSON string pointer, nil when v is empty.
func marshalOpt(v any) *string {
	if v == nil {
		return nil
	}
	switch t := v.(type) {
	case map[string]any:
		if len(t) == 0 {
			return nil
		}
	case []string:
		if len(t) == 0 {
			return nil
		}
	case *packet.Provenance:
		if t == nil {
			return nil
		}
	case *packet.Confidence:
		if t == nil {
			return nil
		}
	case *packet.Lineage:
		if t == nil {
			return nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	s := string(b)
	return &s
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// classify maps a database error onto the substrate taxonomy. Constraint
// violations are fatal and never retried; everything else is treated as a
// transient persistence failure.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "constraint") || strings.Contains(msg, "UNIQUE") {
		return suberr.NewConstraint(err)
	}
	return suberr.NewPersistence(err)
}
