package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"testing"
	"time"

	suberr "github.com/rcliao/memory-substrate/internal/errors"
	"github.com/rcliao/memory-substrate/internal/packet"
	"github.com/rcliao/memory-substrate/internal/semantic"
	"github.com/rcliao/memory-substrate/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "substrate.db"), store.Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestPipeline(t *testing.T, s store.Store, embedder semantic.Embedder) *Pipeline {
	t.Helper()
	if embedder == nil {
		embedder = semantic.NewStubEmbedder(0)
	}
	ix, err := semantic.NewIndex(embedder, nil)
	if err != nil {
		t.Fatalf("new index: %v", err)
	}
	return New(Config{Store: s, Index: ix})
}

func mustPacket(t *testing.T, in packet.EnvelopeIn) *packet.Envelope {
	t.Helper()
	if in.PacketType == "" {
		in.PacketType = "event"
	}
	if in.Payload == nil {
		in.Payload = map[string]any{"content": "Find HDPE suppliers in the midwest"}
	}
	env, err := packet.New(in)
	if err != nil {
		t.Fatalf("new packet: %v", err)
	}
	return env
}

// faultStore wraps a real store and injects failures per method.
type faultStore struct {
	store.Store
	failPacket     bool
	failCheckpoint bool
	failSemantic   bool
}

func (f *faultStore) InsertPacket(ctx context.Context, env *packet.Envelope, srb *packet.ReasoningBlock) error {
	if f.failPacket {
		return suberr.NewPersistence(errors.New("disk full"))
	}
	return f.Store.InsertPacket(ctx, env, srb)
}

func (f *faultStore) InsertCheckpoint(ctx context.Context, cp *packet.Checkpoint) error {
	if f.failCheckpoint {
		return suberr.NewPersistence(errors.New("disk full"))
	}
	return f.Store.InsertCheckpoint(ctx, cp)
}

func (f *faultStore) InsertSemanticEntry(ctx context.Context, entry *packet.SemanticEntry) error {
	if f.failSemantic {
		return suberr.NewPersistence(errors.New("disk full"))
	}
	return f.Store.InsertSemanticEntry(ctx, entry)
}

// brokenEmbedder always fails, simulating an unreachable provider.
type brokenEmbedder struct{}

func (brokenEmbedder) Embed(ctx context.Context, text string) (semantic.Vector, error) {
	return nil, errors.New("connection refused")
}
func (brokenEmbedder) Dims() int { return 384 }

func TestRunHappyPath(t *testing.T) {
	s := newTestStore(t)
	p := newTestPipeline(t, s, nil)
	ctx := context.Background()

	env := mustPacket(t, packet.EnvelopeIn{
		Metadata: map[string]any{"agent_id": "scout"},
	})
	res, err := p.Run(ctx, env)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.State != StateCheckpointed {
		t.Errorf("expected state CHECKPOINTED, got %s", res.State)
	}
	for _, table := range []string{"packets", "events", "reasoning_traces", "semantic_entries", "checkpoints"} {
		if !slices.Contains(res.WrittenTables, table) {
			t.Errorf("expected %s in written tables, got %v", table, res.WrittenTables)
		}
	}
	if len(res.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", res.Warnings)
	}

	got, err := s.GetPacket(ctx, env.PacketID)
	if err != nil {
		t.Fatalf("get packet: %v", err)
	}
	if got.PacketID != env.PacketID {
		t.Errorf("packet id mismatch")
	}

	cp, err := s.GetCheckpoint(ctx, "scout")
	if err != nil {
		t.Fatalf("get checkpoint: %v", err)
	}
	if cp.State != StateCheckpointed || cp.PacketID != env.PacketID {
		t.Errorf("unexpected checkpoint: %+v", cp)
	}

	hits, err := p.index.Search(ctx, "Find HDPE suppliers in the midwest", 1)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 || hits[0].PacketID != env.PacketID {
		t.Errorf("expected packet indexed, got %+v", hits)
	}
}

func TestRunPersistFailureIsFatal(t *testing.T) {
	real := newTestStore(t)
	fs := &faultStore{Store: real, failPacket: true}
	p := newTestPipeline(t, fs, nil)
	ctx := context.Background()

	env := mustPacket(t, packet.EnvelopeIn{})
	res, err := p.Run(ctx, env)
	if err == nil {
		t.Fatal("expected error when persistence fails")
	}
	if !suberr.Retryable(err) {
		t.Errorf("expected retryable persistence error, got %v", err)
	}
	if res.State != StateFailed {
		t.Errorf("expected state FAILED, got %s", res.State)
	}
	if slices.Contains(res.WrittenTables, "packets") {
		t.Error("failed run must not report packets as written")
	}

	// Failure checkpoint is still best-effort written.
	cp, err := real.GetCheckpoint(ctx, "default")
	if err != nil {
		t.Fatalf("get checkpoint: %v", err)
	}
	if cp.State != StateFailed {
		t.Errorf("expected FAILED checkpoint, got %s", cp.State)
	}

	// Nothing else became visible.
	ok, _ := real.HasPacket(ctx, env.PacketID)
	if ok {
		t.Error("packet must not exist after failed persist")
	}
}

func TestRunEmbedFailureIsAbsorbed(t *testing.T) {
	s := newTestStore(t)
	p := newTestPipeline(t, s, brokenEmbedder{})
	ctx := context.Background()

	env := mustPacket(t, packet.EnvelopeIn{})
	res, err := p.Run(ctx, env)
	if err != nil {
		t.Fatalf("embed failure must not fail the run: %v", err)
	}
	if res.State != StateCheckpointed {
		t.Errorf("expected state CHECKPOINTED, got %s", res.State)
	}
	if len(res.Warnings) == 0 {
		t.Error("expected a deferred-embedding warning")
	}
	if slices.Contains(res.WrittenTables, "semantic_entries") {
		t.Error("no semantic entries should be written when embedding fails")
	}

	// The packet stays queued for backfill.
	pending, err := s.PendingEmbeds(ctx, 10)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].PacketID != env.PacketID {
		t.Errorf("expected packet pending backfill, got %d", len(pending))
	}
}

func TestRunWithoutTextSkipsEmbedBranch(t *testing.T) {
	s := newTestStore(t)
	p := newTestPipeline(t, s, nil)

	env := mustPacket(t, packet.EnvelopeIn{
		Payload: map[string]any{"status_code": 200},
	})
	res, err := p.Run(context.Background(), env)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if slices.Contains(res.WrittenTables, "semantic_entries") {
		t.Error("packet without text must not write semantic entries")
	}
	if len(res.Warnings) != 0 {
		t.Errorf("skipping embed is not a warning: %v", res.Warnings)
	}
}

func TestRunMissingLineageParentIsAdvisory(t *testing.T) {
	s := newTestStore(t)
	p := newTestPipeline(t, s, nil)
	ctx := context.Background()

	env := mustPacket(t, packet.EnvelopeIn{
		Lineage: &packet.Lineage{
			ParentIDs:      []string{"01KGONE0000000000000000000"},
			DerivationType: "transform",
			Generation:     1,
		},
	})
	res, err := p.Run(ctx, env)
	if err != nil {
		t.Fatalf("missing parent must not fail the run: %v", err)
	}
	if len(res.Warnings) == 0 {
		t.Error("expected a lineage warning")
	}
	if ok, _ := s.HasPacket(ctx, env.PacketID); !ok {
		t.Error("packet must be persisted despite missing parent")
	}
}

func TestRunGenerationSkewIsAdvisory(t *testing.T) {
	s := newTestStore(t)
	p := newTestPipeline(t, s, nil)
	ctx := context.Background()

	root := mustPacket(t, packet.EnvelopeIn{})
	if _, err := p.Run(ctx, root); err != nil {
		t.Fatalf("run root: %v", err)
	}

	child := mustPacket(t, packet.EnvelopeIn{
		Lineage: &packet.Lineage{
			ParentIDs:      []string{root.PacketID},
			DerivationType: "transform",
			Generation:     5,
		},
	})
	res, err := p.Run(ctx, child)
	if err != nil {
		t.Fatalf("generation skew must not fail the run: %v", err)
	}
	if len(res.Warnings) == 0 {
		t.Error("expected a generation warning")
	}
	if ok, _ := s.HasPacket(ctx, child.PacketID); !ok {
		t.Error("packet must be persisted despite generation skew")
	}

	// A correctly derived packet produces no warnings.
	parent, err := s.GetPacket(ctx, root.PacketID)
	if err != nil {
		t.Fatalf("get root: %v", err)
	}
	derived, err := packet.Derive(parent, packet.EnvelopeIn{
		PacketType: "insight",
		Payload:    map[string]any{"content": "derived"},
	}, "transform")
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	res, err = p.Run(ctx, derived)
	if err != nil {
		t.Fatalf("run derived: %v", err)
	}
	if len(res.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", res.Warnings)
	}
}

func TestRunCheckpointFailureIsBestEffort(t *testing.T) {
	real := newTestStore(t)
	fs := &faultStore{Store: real, failCheckpoint: true}
	p := newTestPipeline(t, fs, nil)

	env := mustPacket(t, packet.EnvelopeIn{})
	res, err := p.Run(context.Background(), env)
	if err != nil {
		t.Fatalf("checkpoint failure must not fail the run: %v", err)
	}
	if res.State != StateEmbedded {
		t.Errorf("expected state EMBED_ATTEMPTED, got %s", res.State)
	}
	if slices.Contains(res.WrittenTables, "checkpoints") {
		t.Error("failed checkpoint must not be reported as written")
	}
	if len(res.Warnings) == 0 {
		t.Error("expected a checkpoint warning")
	}
}

func TestBackfillEmbedsPendingPackets(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Ingest with a broken embedder, then backfill with a working one.
	broken := newTestPipeline(t, s, brokenEmbedder{})
	env := mustPacket(t, packet.EnvelopeIn{})
	if _, err := broken.Run(ctx, env); err != nil {
		t.Fatalf("run: %v", err)
	}

	p := newTestPipeline(t, s, nil)
	n, err := p.Backfill(ctx, 10)
	if err != nil {
		t.Fatalf("backfill: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 backfilled packet, got %d", n)
	}

	pending, err := s.PendingEmbeds(ctx, 10)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("expected no pending packets after backfill, got %d", len(pending))
	}

	hits, err := p.index.Search(ctx, "Find HDPE suppliers in the midwest", 1)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 || hits[0].PacketID != env.PacketID {
		t.Errorf("expected backfilled packet searchable, got %+v", hits)
	}
}

func TestHeuristicReasonerSteps(t *testing.T) {
	env := mustPacket(t, packet.EnvelopeIn{
		PacketType: "insight",
		Payload:    map[string]any{"content": "suppliers consolidated"},
		Lineage: &packet.Lineage{
			ParentIDs:      []string{"p1", "p2"},
			DerivationType: "merge",
			Generation:     1,
		},
	})
	srb, err := HeuristicReasoner{}.Reason(context.Background(), env)
	if err != nil {
		t.Fatalf("reason: %v", err)
	}
	if srb.PacketID != env.PacketID || srb.Mode != "heuristic" {
		t.Errorf("unexpected trace header: %+v", srb)
	}
	if len(srb.Steps) != 3 {
		t.Fatalf("expected classify+lineage+extract steps, got %d", len(srb.Steps))
	}
	if srb.Steps[0].Kind != "classify" || srb.Steps[0].Content != "insight" {
		t.Errorf("unexpected classify step: %+v", srb.Steps[0])
	}
	if srb.Features["has_lineage"] != true {
		t.Errorf("expected has_lineage feature, got %v", srb.Features)
	}
	if srb.CreatedAt.IsZero() || time.Since(srb.CreatedAt) > time.Minute {
		t.Errorf("unexpected created_at: %v", srb.CreatedAt)
	}
}
