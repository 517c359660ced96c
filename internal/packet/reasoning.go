package packet

import "time"

// ReasoningBlock captures derived reasoning attached to a packet during
// pipeline processing: input features and an ordered list of inference steps.
// It is produced by the pipeline's reasoning stage, never supplied raw by
// the caller.
type ReasoningBlock struct {
	TraceID   string          `json:"trace_id"`
	PacketID  string          `json:"packet_id"`
	Mode      string          `json:"mode,omitempty"`
	Features  map[string]any  `json:"features,omitempty"`
	Steps     []ReasoningStep `json:"steps"`
	CreatedAt time.Time       `json:"created_at"`
}

// ReasoningStep is one ordered inference step.
type ReasoningStep struct {
	Seq     int    `json:"seq"`
	Kind    string `json:"kind"`
	Content string `json:"content"`
}

// SemanticEntry is one embeddable unit derived from a packet: a chunk of
// text with its vector. Created during the embed stage, never updated.
type SemanticEntry struct {
	EmbeddingID string         `json:"embedding_id"`
	PacketID    string         `json:"packet_id"`
	Seq         int            `json:"seq"`
	Text        string         `json:"text"`
	Vector      []float32      `json:"-"`
	Payload     map[string]any `json:"payload,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Checkpoint is a per-agent snapshot of pipeline completion state.
// One row per checkpoint event; reads are latest-wins.
type Checkpoint struct {
	CheckpointID string         `json:"checkpoint_id"`
	AgentID      string         `json:"agent_id"`
	PacketID     string         `json:"packet_id"`
	State        string         `json:"state"`
	Detail       map[string]any `json:"detail,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Event is the domain-event projection of a packet, keyed by agent.
type Event struct {
	PacketID   string    `json:"packet_id"`
	AgentID    string    `json:"agent_id"`
	PacketType string    `json:"packet_type"`
	ThreadID   string    `json:"thread_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
