package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/rcliao/memory-substrate/internal/packet"
)

// Reasoner produces a structured reasoning trace for an incoming packet.
// Implementations must be deterministic for identical input or record enough
// in the trace to explain any difference.
type Reasoner interface {
	Reason(ctx context.Context, env *packet.Envelope) (*packet.ReasoningBlock, error)
}

// HeuristicReasoner is the built-in reasoner. It classifies the packet and
// extracts shallow features without calling out to a model.
type HeuristicReasoner struct{}

func (HeuristicReasoner) Reason(ctx context.Context, env *packet.Envelope) (*packet.ReasoningBlock, error) {
	steps := []packet.ReasoningStep{
		{Seq: 0, Kind: "classify", Content: env.PacketType},
	}
	if env.Lineage != nil {
		steps = append(steps, packet.ReasoningStep{
			Seq:  len(steps),
			Kind: "lineage",
			Content: fmt.Sprintf("%s from %d parent(s), generation %d",
				env.Lineage.DerivationType, len(env.Lineage.ParentIDs), env.Lineage.Generation),
		})
	}
	if text := EmbeddableText(env); text != "" {
		steps = append(steps, packet.ReasoningStep{
			Seq:     len(steps),
			Kind:    "extract",
			Content: fmt.Sprintf("embeddable text, %d chars", len(text)),
		})
	}

	features := map[string]any{
		"packet_type":  env.PacketType,
		"payload_keys": len(env.Payload),
		"has_lineage":  env.Lineage != nil,
		"agent_id":     env.AgentID(),
	}
	if env.Confidence != nil {
		features["confidence"] = env.Confidence.Score
	}

	return &packet.ReasoningBlock{
		TraceID:   ulid.Make().String(),
		PacketID:  env.PacketID,
		Mode:      "heuristic",
		Features:  features,
		Steps:     steps,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// EmbeddableText returns the packet's natural-language text, if any.
// Packets without text simply skip the embed branch.
func EmbeddableText(env *packet.Envelope) string {
	for _, key := range []string{"content", "text", "summary"} {
		if v, ok := env.Payload[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
