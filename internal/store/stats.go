package store

import (
	"context"
	"time"
)

// Stats summarizes the substrate's contents.
type Stats struct {
	Packets         int            `json:"packets"`
	PacketsByType   map[string]int `json:"packets_by_type"`
	Events          int            `json:"events"`
	Traces          int            `json:"traces"`
	SemanticEntries int            `json:"semantic_entries"`
	Checkpoints     int            `json:"checkpoints"`
	PendingEmbeds   int            `json:"pending_embeds"`
	ExpiredPending  int            `json:"expired_pending"`
}

// GetStats returns row counts across the substrate's tables.
func (s *SQLiteStore) GetStats(ctx context.Context) (*Stats, error) {
	st := &Stats{PacketsByType: map[string]int{}}

	counts := map[string]*int{
		`SELECT COUNT(*) FROM packets`:          &st.Packets,
		`SELECT COUNT(*) FROM events`:           &st.Events,
		`SELECT COUNT(*) FROM reasoning_traces`: &st.Traces,
		`SELECT COUNT(*) FROM semantic_entries`: &st.SemanticEntries,
		`SELECT COUNT(*) FROM checkpoints`:      &st.Checkpoints,
	}
	for q, dst := range counts {
		if err := s.db.QueryRowContext(ctx, q).Scan(dst); err != nil {
			return nil, classify(err)
		}
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT packet_type, COUNT(*) FROM packets GROUP BY packet_type`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, classify(err)
		}
		st.PacketsByType[typ] = n
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM packets
		 WHERE packet_id NOT IN (SELECT DISTINCT packet_id FROM semantic_entries)`).Scan(&st.PendingEmbeds)
	if err != nil {
		return nil, classify(err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM packets WHERE expires_at IS NOT NULL AND expires_at <= ?`, now).Scan(&st.ExpiredPending)
	if err != nil {
		return nil, classify(err)
	}
	return st, nil
}
