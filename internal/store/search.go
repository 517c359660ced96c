package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rcliao/memory-substrate/internal/packet"
)

// SearchByMetadata returns non-expired packets whose metadata matches every
// filter key exactly, most recent first. event_id and agent_id use their
// indexed columns; other keys go through json_extract.
func (s *SQLiteStore) SearchByMetadata(ctx context.Context, f MetadataFilter, limit int) ([]*packet.Envelope, error) {
	if limit <= 0 {
		limit = 50
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	where := []string{"(expires_at IS NULL OR expires_at > ?)"}
	args := []any{now}
	for key, val := range f {
		switch key {
		case "event_id":
			where = append(where, "event_id = ?")
			args = append(args, val)
		case "agent_id":
			where = append(where, "agent_id = ?")
			args = append(args, val)
		default:
			where = append(where, "json_extract(metadata, '$.' || ?) = ?")
			args = append(args, key, val)
		}
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`%s WHERE %s ORDER BY created_at DESC LIMIT ?`,
		selectPackets, strings.Join(where, " AND ")), args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var envs []*packet.Envelope
	for rows.Next() {
		env, err := scanPacket(rows)
		if err != nil {
			return nil, classify(err)
		}
		envs = append(envs, env)
	}
	return envs, rows.Err()
}

// Derivations returns all packets whose lineage names id as a parent,
// oldest first.
func (s *SQLiteStore) Derivations(ctx context.Context, id string) ([]*packet.Envelope, error) {
	rows, err := s.db.QueryContext(ctx, selectPackets+
		` WHERE packet_id IN (SELECT packet_id FROM packet_parents WHERE parent_id = ?)
		 ORDER BY created_at`, id)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var envs []*packet.Envelope
	for rows.Next() {
		env, err := scanPacket(rows)
		if err != nil {
			return nil, classify(err)
		}
		envs = append(envs, env)
	}
	return envs, rows.Err()
}

// PendingEmbeds returns non-expired packets that have no semantic entries,
// oldest first. Feeds the embedding backfill path.
func (s *SQLiteStore) PendingEmbeds(ctx context.Context, limit int) ([]*packet.Envelope, error) {
	if limit <= 0 {
		limit = 100
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	rows, err := s.db.QueryContext(ctx, selectPackets+
		` WHERE packet_id NOT IN (SELECT DISTINCT packet_id FROM semantic_entries)
		   AND (expires_at IS NULL OR expires_at > ?)
		 ORDER BY created_at LIMIT ?`, now, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var envs []*packet.Envelope
	for rows.Next() {
		env, err := scanPacket(rows)
		if err != nil {
			return nil, classify(err)
		}
		envs = append(envs, env)
	}
	return envs, rows.Err()
}

// SweepExpired removes packets whose ttl has passed, along with their tags,
// parents, events, traces, and semantic entries. Checkpoints are kept: they
// record agent state transitions, not packet content.
func (s *SQLiteStore) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, classify(err)
	}
	defer tx.Rollback()

	const expired = `SELECT packet_id FROM packets WHERE expires_at IS NOT NULL AND expires_at <= ?`
	dependents := []string{
		`DELETE FROM semantic_entries WHERE packet_id IN (` + expired + `)`,
		`DELETE FROM reasoning_traces WHERE packet_id IN (` + expired + `)`,
		`DELETE FROM events WHERE packet_id IN (` + expired + `)`,
		`DELETE FROM packet_tags WHERE packet_id IN (` + expired + `)`,
		`DELETE FROM packet_parents WHERE packet_id IN (` + expired + `)`,
	}
	for _, q := range dependents {
		if _, err := tx.ExecContext(ctx, q, cutoff); err != nil {
			return 0, classify(err)
		}
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM packets WHERE expires_at IS NOT NULL AND expires_at <= ?`, cutoff)
	if err != nil {
		return 0, classify(err)
	}
	n, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, classify(err)
	}
	return int(n), nil
}
