// Package packet defines the canonical envelope type and its nested value objects.
package packet

import (
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	suberr "github.com/rcliao/memory-substrate/internal/errors"
)

// Envelope is the immutable, append-only unit of record. Once constructed
// there are no setters; a correction is a new envelope whose lineage points
// at the original.
type Envelope struct {
	PacketID   string         `json:"packet_id"`
	PacketType string         `json:"packet_type"`
	Timestamp  time.Time      `json:"timestamp"`
	Payload    map[string]any `json:"payload"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Provenance *Provenance    `json:"provenance,omitempty"`
	Confidence *Confidence    `json:"confidence,omitempty"`
	ThreadID   string         `json:"thread_id,omitempty"`
	Lineage    *Lineage       `json:"lineage,omitempty"`
	Tags       []string       `json:"tags,omitempty"`
	TTL        *time.Time     `json:"ttl,omitempty"`
}

// EnvelopeIn is the caller-supplied input for constructing an Envelope.
// PacketID and Timestamp are server-assigned; values supplied here are ignored.
type EnvelopeIn struct {
	PacketType string         `json:"packet_type"`
	Payload    map[string]any `json:"payload"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Provenance *Provenance    `json:"provenance,omitempty"`
	Confidence *Confidence    `json:"confidence,omitempty"`
	ThreadID   string         `json:"thread_id,omitempty"`
	Lineage    *Lineage       `json:"lineage,omitempty"`
	Tags       []string       `json:"tags,omitempty"`
	TTL        *time.Time     `json:"ttl,omitempty"`
}

// Provenance records where a packet came from.
type Provenance struct {
	ParentPacketID string `json:"parent_packet_id,omitempty"`
	SourceSystem   string `json:"source_system,omitempty"`
	ToolName       string `json:"tool_name,omitempty"`
}

// Confidence is a score in [0,1] with rationale text.
type Confidence struct {
	Score     float64 `json:"score"`
	Rationale string  `json:"rationale,omitempty"`
}

// Lineage describes how a packet was derived from others.
type Lineage struct {
	ParentIDs      []string `json:"parent_ids"`
	DerivationType string   `json:"derivation_type"`
	Generation     int      `json:"generation"`
	RootPacketID   string   `json:"root_packet_id,omitempty"`
}

// ValidDerivations are the allowed lineage derivation types.
var ValidDerivations = map[string]bool{
	"split":     true,
	"merge":     true,
	"transform": true,
	"inference": true,
}

// New constructs and validates an Envelope from caller input, assigning
// packet_id and timestamp. No I/O.
func New(in EnvelopeIn) (*Envelope, error) {
	if strings.TrimSpace(in.PacketType) == "" {
		return nil, suberr.NewValidation("packet_type", "packet_type is required")
	}
	if in.Payload == nil {
		return nil, suberr.NewValidation("payload", "payload is required")
	}
	if in.Confidence != nil && (in.Confidence.Score < 0 || in.Confidence.Score > 1) {
		return nil, suberr.NewValidation("confidence.score", "confidence score must be in [0,1]")
	}
	if in.Lineage != nil {
		if len(in.Lineage.ParentIDs) == 0 {
			return nil, suberr.NewValidation("lineage.parent_ids", "lineage requires at least one parent id")
		}
		if !ValidDerivations[in.Lineage.DerivationType] {
			return nil, suberr.NewValidation("lineage.derivation_type",
				"derivation_type must be one of: split, merge, transform, inference")
		}
	}

	var tags []string
	for _, t := range in.Tags {
		t = strings.TrimSpace(t)
		if t != "" {
			tags = append(tags, t)
		}
	}

	return &Envelope{
		PacketID:   ulid.Make().String(),
		PacketType: in.PacketType,
		Timestamp:  time.Now().UTC(),
		Payload:    in.Payload,
		Metadata:   in.Metadata,
		Provenance: in.Provenance,
		Confidence: in.Confidence,
		ThreadID:   in.ThreadID,
		Lineage:    in.Lineage,
		Tags:       tags,
		TTL:        in.TTL,
	}, nil
}

// Derive constructs a new envelope descending from parent. This is the only
// way to represent a correction or refinement of an existing packet.
func Derive(parent *Envelope, in EnvelopeIn, derivationType string) (*Envelope, error) {
	if parent == nil {
		return nil, suberr.NewValidation("parent", "parent envelope is required")
	}
	root := parent.PacketID
	gen := 1
	if parent.Lineage != nil {
		gen = parent.Lineage.Generation + 1
		if parent.Lineage.RootPacketID != "" {
			root = parent.Lineage.RootPacketID
		}
	}
	in.Lineage = &Lineage{
		ParentIDs:      []string{parent.PacketID},
		DerivationType: derivationType,
		Generation:     gen,
		RootPacketID:   root,
	}
	if in.ThreadID == "" {
		in.ThreadID = parent.ThreadID
	}
	return New(in)
}

// Expired reports whether the envelope's ttl has passed at the given time.
// Expired packets remain structurally valid but are excluded from default reads.
func (e *Envelope) Expired(now time.Time) bool {
	return e.TTL != nil && !e.TTL.After(now)
}

// AgentID returns the originating agent recorded in metadata, or "default".
// The domain event and checkpoint tables are keyed by this value.
func (e *Envelope) AgentID() string {
	if e.Metadata != nil {
		if v, ok := e.Metadata["agent_id"].(string); ok && v != "" {
			return v
		}
	}
	return "default"
}

// EventID returns the caller-supplied dedup key from metadata, if any.
func (e *Envelope) EventID() string {
	if e.Metadata != nil {
		if v, ok := e.Metadata["event_id"].(string); ok {
			return v
		}
	}
	return ""
}
