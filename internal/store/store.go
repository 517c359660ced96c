// Package store provides the repository interface and SQLite implementation.
//
// The repository is insert/get only: packets are append-only, and nothing in
// this package exposes an update or delete path for a written packet. The
// only row removal is the TTL retention sweep.
package store

import (
	"context"
	"time"

	"github.com/rcliao/memory-substrate/internal/packet"
)

// TraceFilter narrows reasoning-trace reads.
type TraceFilter struct {
	PacketID string
	Mode     string
	Limit    int
}

// EventsParams narrows domain-event reads.
type EventsParams struct {
	AgentID string
	Limit   int
}

// MetadataFilter is an exact-match filter over envelope metadata keys.
// Used for dedup existence checks, not semantic similarity.
type MetadataFilter map[string]string

// Store is the repository over the relational store. All writes belonging to
// one write_packet call commit as a single transaction; partial writes are
// never visible to readers.
type Store interface {
	// InsertPacket writes the envelope, its domain event, and its reasoning
	// trace atomically.
	InsertPacket(ctx context.Context, env *packet.Envelope, srb *packet.ReasoningBlock) error

	// InsertSemanticEntry writes one embeddable unit's durable row.
	InsertSemanticEntry(ctx context.Context, entry *packet.SemanticEntry) error

	// InsertCheckpoint appends a checkpoint event for an agent.
	InsertCheckpoint(ctx context.Context, cp *packet.Checkpoint) error

	// GetPacket retrieves a packet by id. Expired packets are excluded.
	GetPacket(ctx context.Context, id string) (*packet.Envelope, error)

	// GetEvents returns an agent's domain events, most recent first.
	GetEvents(ctx context.Context, p EventsParams) ([]packet.Event, error)

	// GetTraces returns reasoning traces matching the filter.
	GetTraces(ctx context.Context, f TraceFilter) ([]packet.ReasoningBlock, error)

	// GetCheckpoint returns the latest checkpoint for an agent (latest-wins).
	GetCheckpoint(ctx context.Context, agentID string) (*packet.Checkpoint, error)

	// SearchByMetadata returns packets whose metadata matches all filter
	// keys exactly, most recent first.
	SearchByMetadata(ctx context.Context, f MetadataFilter, limit int) ([]*packet.Envelope, error)

	// Derivations returns all packets whose lineage names id as a parent.
	Derivations(ctx context.Context, id string) ([]*packet.Envelope, error)

	// HasPacket reports whether a packet id exists, for advisory lineage checks.
	HasPacket(ctx context.Context, id string) (bool, error)

	// PendingEmbeds returns packets that have no semantic entries yet,
	// oldest first, for embedding backfill.
	PendingEmbeds(ctx context.Context, limit int) ([]*packet.Envelope, error)

	// SemanticEntries streams all durable semantic rows, for index rebuild.
	SemanticEntries(ctx context.Context, fn func(*packet.SemanticEntry) error) error

	// SweepExpired removes packets whose ttl has passed, with their
	// dependent rows. Returns the number of packets removed.
	SweepExpired(ctx context.Context, now time.Time) (int, error)

	// GetStats returns row counts across the substrate's tables.
	GetStats(ctx context.Context) (*Stats, error)

	// Close closes the store.
	Close() error
}
