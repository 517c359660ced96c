// Package pipeline runs the fixed ingestion DAG: intake, reasoning, then the
// persistence and embedding branches in parallel, then checkpoint.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rcliao/memory-substrate/internal/chunker"
	suberr "github.com/rcliao/memory-substrate/internal/errors"
	"github.com/rcliao/memory-substrate/internal/packet"
	"github.com/rcliao/memory-substrate/internal/semantic"
	"github.com/rcliao/memory-substrate/internal/store"
)

// Processing states, in DAG order.
const (
	StateReceived     = "RECEIVED"
	StateValidated    = "VALIDATED"
	StateReasoned     = "REASONED"
	StatePersisted    = "PERSISTED"
	StateEmbedded     = "EMBED_ATTEMPTED"
	StateCheckpointed = "CHECKPOINTED"
	StateFailed       = "FAILED"
)

// Result reports what one pipeline run wrote and how it ended.
type Result struct {
	PacketID      string   `json:"packet_id"`
	State         string   `json:"state"`
	WrittenTables []string `json:"written_tables"`
	Warnings      []string `json:"warnings,omitempty"`
}

// Pipeline executes the ingestion DAG for one packet at a time. The stage
// graph is fixed; only the embedder and reasoner are pluggable.
type Pipeline struct {
	store        store.Store
	index        *semantic.Index
	reasoner     Reasoner
	chunkOpts    chunker.Options
	embedTimeout time.Duration
	logger       *zap.Logger
}

// Config assembles a Pipeline. Store and Index are required.
type Config struct {
	Store        store.Store
	Index        *semantic.Index
	Reasoner     Reasoner // defaults to HeuristicReasoner
	ChunkOpts    chunker.Options
	EmbedTimeout time.Duration // defaults to 30s
	Logger       *zap.Logger
}

// New creates a pipeline from config.
func New(cfg Config) *Pipeline {
	if cfg.Reasoner == nil {
		cfg.Reasoner = HeuristicReasoner{}
	}
	if cfg.ChunkOpts.TargetSize == 0 {
		cfg.ChunkOpts = chunker.DefaultOptions()
	}
	if cfg.EmbedTimeout == 0 {
		cfg.EmbedTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Pipeline{
		store:        cfg.Store,
		index:        cfg.Index,
		reasoner:     cfg.Reasoner,
		chunkOpts:    cfg.ChunkOpts,
		embedTimeout: cfg.EmbedTimeout,
		logger:       cfg.Logger,
	}
}

// Run processes one validated envelope through the DAG.
//
// The memory_write branch is fatal: if the transaction fails, the run fails
// and nothing is visible. The semantic_embed branch is non-fatal: embedding
// errors become warnings and the packet stays queued for backfill. The final
// checkpoint is best-effort.
func (p *Pipeline) Run(ctx context.Context, env *packet.Envelope) (*Result, error) {
	res := &Result{PacketID: env.PacketID, State: StateValidated}

	p.checkLineage(ctx, env, res)

	srb, err := p.reasoner.Reason(ctx, env)
	if err != nil {
		// A failed reasoner never blocks ingestion; the packet is the record.
		res.Warnings = append(res.Warnings, fmt.Sprintf("reasoning failed: %v", err))
		srb = nil
	}
	res.State = StateReasoned

	// Fan-out: persist the packet while embeddings are computed. Embedding
	// output is held until the transaction commits so a failed write never
	// leaves orphaned vectors.
	var entries []*packet.SemanticEntry
	var embedWarn string

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.store.InsertPacket(gctx, env, srb)
	})
	g.Go(func() error {
		entries, embedWarn = p.computeEmbeddings(gctx, env)
		return nil
	})
	if err := g.Wait(); err != nil {
		p.logger.Error("packet persistence failed",
			zap.String("packet_id", env.PacketID), zap.Error(err))
		p.checkpoint(ctx, env, StateFailed, map[string]any{"error": err.Error()}, res)
		res.State = StateFailed
		return res, err
	}
	res.State = StatePersisted
	res.WrittenTables = append(res.WrittenTables, "packets", "events")
	if srb != nil {
		res.WrittenTables = append(res.WrittenTables, "reasoning_traces")
	}

	// Join: land the embed branch output now that the packet row exists.
	if embedWarn != "" {
		res.Warnings = append(res.Warnings, embedWarn)
	}
	wrote := false
	for _, entry := range entries {
		if err := p.store.InsertSemanticEntry(ctx, entry); err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("semantic entry not persisted: %v", err))
			continue
		}
		wrote = true
		if err := p.index.Add(ctx, entry); err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("semantic entry not indexed: %v", err))
		}
	}
	if wrote {
		res.WrittenTables = append(res.WrittenTables, "semantic_entries")
	}
	res.State = StateEmbedded

	if p.checkpoint(ctx, env, StateCheckpointed, map[string]any{
		"written_tables": res.WrittenTables,
		"warnings":       len(res.Warnings),
	}, res) {
		res.WrittenTables = append(res.WrittenTables, "checkpoints")
		res.State = StateCheckpointed
	}
	return res, nil
}

// checkLineage verifies that named parents exist and that the generation
// counter advances by one past the deepest parent. Both checks are advisory:
// the write proceeds with warnings.
func (p *Pipeline) checkLineage(ctx context.Context, env *packet.Envelope, res *Result) {
	if env.Lineage == nil {
		return
	}
	maxGen := -1
	for _, parentID := range env.Lineage.ParentIDs {
		parent, err := p.store.GetPacket(ctx, parentID)
		if err != nil {
			if suberr.Is(err, suberr.CodeNotFound) {
				res.Warnings = append(res.Warnings, suberr.NewLineage(parentID).Error())
			} else {
				res.Warnings = append(res.Warnings, fmt.Sprintf("lineage check failed for %s: %v", parentID, err))
			}
			continue
		}
		gen := 0
		if parent.Lineage != nil {
			gen = parent.Lineage.Generation
		}
		if gen > maxGen {
			maxGen = gen
		}
	}
	if maxGen >= 0 && env.Lineage.Generation != maxGen+1 {
		res.Warnings = append(res.Warnings, fmt.Sprintf(
			"lineage generation %d does not follow deepest parent generation %d",
			env.Lineage.Generation, maxGen))
	}
}

// computeEmbeddings chunks the packet's text and embeds each unit. Any
// failure abandons the branch and reports a single warning; the packet is
// picked up later by backfill.
func (p *Pipeline) computeEmbeddings(ctx context.Context, env *packet.Envelope) ([]*packet.SemanticEntry, string) {
	text := EmbeddableText(env)
	if text == "" {
		return nil, ""
	}

	ctx, cancel := context.WithTimeout(ctx, p.embedTimeout)
	defer cancel()

	units := chunker.Split(text, p.chunkOpts)
	entries := make([]*packet.SemanticEntry, 0, len(units))
	for _, u := range units {
		vec, err := p.index.Embedder().Embed(ctx, u.Text)
		if err != nil {
			return nil, fmt.Sprintf("embedding deferred: %v", err)
		}
		entries = append(entries, &packet.SemanticEntry{
			EmbeddingID: ulid.Make().String(),
			PacketID:    env.PacketID,
			Seq:         u.Seq,
			Text:        u.Text,
			Vector:      vec,
			Payload: map[string]any{
				"packet_type": env.PacketType,
				"agent_id":    env.AgentID(),
			},
			CreatedAt: time.Now().UTC(),
		})
	}
	return entries, ""
}

// checkpoint appends a terminal state marker for the packet's agent.
// Best-effort: a failure is logged and surfaced as a warning only.
func (p *Pipeline) checkpoint(ctx context.Context, env *packet.Envelope, state string, detail map[string]any, res *Result) bool {
	cp := &packet.Checkpoint{
		CheckpointID: ulid.Make().String(),
		AgentID:      env.AgentID(),
		PacketID:     env.PacketID,
		State:        state,
		Detail:       detail,
		CreatedAt:    time.Now().UTC(),
	}
	if err := p.store.InsertCheckpoint(ctx, cp); err != nil {
		p.logger.Warn("checkpoint write failed",
			zap.String("packet_id", env.PacketID), zap.Error(err))
		res.Warnings = append(res.Warnings, fmt.Sprintf("checkpoint not written: %v", err))
		return false
	}
	return true
}

// Backfill embeds packets that have no semantic entries yet. Returns the
// number of packets embedded.
func (p *Pipeline) Backfill(ctx context.Context, limit int) (int, error) {
	pending, err := p.store.PendingEmbeds(ctx, limit)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, env := range pending {
		entries, warn := p.computeEmbeddings(ctx, env)
		if warn != "" {
			p.logger.Warn("backfill embed failed",
				zap.String("packet_id", env.PacketID), zap.String("reason", warn))
			continue
		}
		if len(entries) == 0 {
			continue
		}
		ok := true
		for _, entry := range entries {
			if err := p.store.InsertSemanticEntry(ctx, entry); err != nil {
				p.logger.Warn("backfill persist failed",
					zap.String("packet_id", env.PacketID), zap.Error(err))
				ok = false
				break
			}
			if err := p.index.Add(ctx, entry); err != nil {
				p.logger.Warn("backfill index failed",
					zap.String("packet_id", env.PacketID), zap.Error(err))
			}
		}
		if ok {
			count++
		}
	}
	return count, nil
}
