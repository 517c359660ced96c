// Package substrate is the service façade over the store, the semantic
// index, and the ingestion pipeline. Callers (CLI, HTTP) go through it.
package substrate

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dgraph-io/ristretto"
	"go.uber.org/zap"

	suberr "github.com/rcliao/memory-substrate/internal/errors"
	"github.com/rcliao/memory-substrate/internal/packet"
	"github.com/rcliao/memory-substrate/internal/pipeline"
	"github.com/rcliao/memory-substrate/internal/semantic"
	"github.com/rcliao/memory-substrate/internal/store"
)

// Write statuses reported to callers.
const (
	StatusWritten   = "written"
	StatusDuplicate = "duplicate"
)

// WriteResult is the outcome of one write_packet call.
type WriteResult struct {
	PacketID      string   `json:"packet_id"`
	Status        string   `json:"status"`
	State         string   `json:"state,omitempty"`
	WrittenTables []string `json:"written_tables,omitempty"`
	Warnings      []string `json:"warnings,omitempty"`
}

// SearchRequest combines semantic and metadata retrieval.
type SearchRequest struct {
	Query    string            `json:"query,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Limit    int               `json:"limit,omitempty"`
	MinScore float64           `json:"min_score,omitempty"`
}

// SearchResult is one retrieved packet with its match context. EmbeddingID
// names the semantic entry that matched; metadata-only hits carry none.
type SearchResult struct {
	Packet      *packet.Envelope `json:"packet"`
	EmbeddingID string           `json:"embedding_id,omitempty"`
	Score       float64          `json:"score,omitempty"`
	Text        string           `json:"text,omitempty"`
}

// Service wires the substrate together. All methods are safe for concurrent use.
type Service struct {
	store   store.Store
	index   *semantic.Index
	pipe    *pipeline.Pipeline
	cache   *ristretto.Cache
	logger  *zap.Logger
	onWrite func(*packet.Envelope)
	retries int
	backoff time.Duration
}

// Config assembles a Service.
type Config struct {
	Store   store.Store
	Index   *semantic.Index
	Pipe    *pipeline.Pipeline
	Logger  *zap.Logger
	Retries int           // retryable persistence attempts, default 3
	Backoff time.Duration // initial backoff, doubles per attempt, default 100ms
	// OnWrite is invoked after each successful write, outside any lock.
	OnWrite func(*packet.Envelope)
}

// New creates a Service.
func New(cfg Config) (*Service, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 100 * time.Millisecond
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 100_000,
		MaxCost:     64 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Service{
		store:   cfg.Store,
		index:   cfg.Index,
		pipe:    cfg.Pipe,
		cache:   cache,
		logger:  cfg.Logger,
		onWrite: cfg.OnWrite,
		retries: cfg.Retries,
		backoff: cfg.Backoff,
	}, nil
}

// WritePacket validates the input, applies the dedup contract, and runs the
// ingestion pipeline with bounded retries on transient persistence failures.
// A duplicate is an outcome, not an error: the existing packet id is returned
// with status "duplicate" and nothing is written.
func (s *Service) WritePacket(ctx context.Context, in packet.EnvelopeIn) (*WriteResult, error) {
	env, err := packet.New(in)
	if err != nil {
		return nil, err
	}

	// Missing thread ids are derived from the business key so that retried
	// deliveries of the same upstream event land on the same thread.
	if env.ThreadID == "" && env.EventID() != "" {
		source := "substrate"
		if env.Provenance != nil && env.Provenance.SourceSystem != "" {
			source = env.Provenance.SourceSystem
		}
		env.ThreadID = packet.DeterministicThreadID(source, env.AgentID(), env.EventID())
	}

	if existing, err := s.CheckDuplicate(ctx, env.EventID()); err != nil {
		return nil, err
	} else if existing != "" {
		s.logger.Info("duplicate event suppressed",
			zap.String("event_id", env.EventID()),
			zap.String("existing_packet_id", existing))
		return &WriteResult{PacketID: existing, Status: StatusDuplicate}, nil
	}

	res, err := s.runWithRetry(ctx, env)
	if err != nil {
		return nil, err
	}

	if s.onWrite != nil {
		s.onWrite(env)
	}
	return &WriteResult{
		PacketID:      res.PacketID,
		Status:        StatusWritten,
		State:         res.State,
		WrittenTables: res.WrittenTables,
		Warnings:      res.Warnings,
	}, nil
}

// runWithRetry retries the pipeline on retryable persistence errors with
// exponential backoff. Validation and constraint errors fail immediately.
func (s *Service) runWithRetry(ctx context.Context, env *packet.Envelope) (*pipeline.Result, error) {
	var res *pipeline.Result
	var err error
	delay := s.backoff
	for attempt := 1; ; attempt++ {
		res, err = s.pipe.Run(ctx, env)
		if err == nil || !suberr.Retryable(err) || attempt >= s.retries {
			return res, err
		}
		s.logger.Warn("retrying packet write",
			zap.String("packet_id", env.PacketID),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return res, err
		}
		delay *= 2
	}
}

// CheckDuplicate returns the packet id already recorded for eventID, or ""
// when the event is new. An empty eventID never matches.
func (s *Service) CheckDuplicate(ctx context.Context, eventID string) (string, error) {
	if eventID == "" {
		return "", nil
	}
	got, err := s.store.SearchByMetadata(ctx, store.MetadataFilter{"event_id": eventID}, 1)
	if err != nil {
		return "", err
	}
	if len(got) == 0 {
		return "", nil
	}
	return got[0].PacketID, nil
}

// GetPacket retrieves a packet by id through the read cache. Packets are
// immutable, so a cached envelope never goes stale; entries with a ttl
// expire from the cache alongside the row.
func (s *Service) GetPacket(ctx context.Context, id string) (*packet.Envelope, error) {
	if v, ok := s.cache.Get(id); ok {
		env := v.(*packet.Envelope)
		if !env.Expired(time.Now().UTC()) {
			return env, nil
		}
		s.cache.Del(id)
	}
	env, err := s.store.GetPacket(ctx, id)
	if err != nil {
		return nil, err
	}
	cost := envelopeCost(env)
	if env.TTL != nil {
		s.cache.SetWithTTL(id, env, cost, time.Until(*env.TTL))
	} else {
		s.cache.Set(id, env, cost)
	}
	return env, nil
}

// envelopeCost charges the cache the envelope's encoded size so MaxCost
// bounds resident bytes rather than entry count.
func envelopeCost(env *packet.Envelope) int64 {
	b, err := json.Marshal(env)
	if err != nil {
		return 1024
	}
	return int64(len(b))
}

// SearchPackets retrieves packets by semantic similarity, metadata equality,
// or both. With both, metadata filters the semantic hits.
func (s *Service) SearchPackets(ctx context.Context, req SearchRequest) ([]SearchResult, error) {
	if req.Limit <= 0 {
		req.Limit = 10
	}
	if req.Query == "" && len(req.Metadata) == 0 {
		return nil, suberr.NewValidation("query", "either query or metadata is required")
	}

	if req.Query == "" {
		envs, err := s.store.SearchByMetadata(ctx, req.Metadata, req.Limit)
		if err != nil {
			return nil, err
		}
		results := make([]SearchResult, 0, len(envs))
		for _, env := range envs {
			results = append(results, SearchResult{Packet: env})
		}
		return results, nil
	}

	// Overfetch so metadata filtering still fills the page.
	fetch := req.Limit
	if len(req.Metadata) > 0 {
		fetch *= 4
	}
	hits, err := s.index.Search(ctx, req.Query, fetch)
	if err != nil {
		return nil, err
	}

	var results []SearchResult
	seen := map[string]bool{}
	for _, hit := range hits {
		if hit.Score < req.MinScore {
			break // hits are score-descending
		}
		if seen[hit.PacketID] {
			continue
		}
		env, err := s.GetPacket(ctx, hit.PacketID)
		if err != nil {
			if suberr.Is(err, suberr.CodeNotFound) {
				continue // expired since indexing
			}
			return nil, err
		}
		if !matchesMetadata(env, req.Metadata) {
			continue
		}
		seen[hit.PacketID] = true
		results = append(results, SearchResult{
			Packet:      env,
			EmbeddingID: hit.EmbeddingID,
			Score:       hit.Score,
			Text:        hit.Text,
		})
		if len(results) >= req.Limit {
			break
		}
	}
	return results, nil
}

func matchesMetadata(env *packet.Envelope, f map[string]string) bool {
	for k, want := range f {
		switch k {
		case "agent_id":
			if env.AgentID() != want {
				return false
			}
		default:
			got, ok := env.Metadata[k].(string)
			if !ok || got != want {
				return false
			}
		}
	}
	return true
}

// Events returns an agent's domain events, most recent first.
func (s *Service) Events(ctx context.Context, agentID string, limit int) ([]packet.Event, error) {
	return s.store.GetEvents(ctx, store.EventsParams{AgentID: agentID, Limit: limit})
}

// Traces returns reasoning traces matching the filter.
func (s *Service) Traces(ctx context.Context, f store.TraceFilter) ([]packet.ReasoningBlock, error) {
	return s.store.GetTraces(ctx, f)
}

// Checkpoint returns the latest checkpoint for an agent.
func (s *Service) Checkpoint(ctx context.Context, agentID string) (*packet.Checkpoint, error) {
	return s.store.GetCheckpoint(ctx, agentID)
}

// Derivations returns the packets derived from id.
func (s *Service) Derivations(ctx context.Context, id string) ([]*packet.Envelope, error) {
	return s.store.Derivations(ctx, id)
}

// Backfill embeds packets that missed the embed branch.
func (s *Service) Backfill(ctx context.Context, limit int) (int, error) {
	return s.pipe.Backfill(ctx, limit)
}

// SweepExpired removes packets whose ttl has passed.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	return s.store.SweepExpired(ctx, time.Now().UTC())
}

// Stats returns row counts across the substrate's tables.
func (s *Service) Stats(ctx context.Context) (*store.Stats, error) {
	return s.store.GetStats(ctx)
}

// Close releases the service's resources. The store is owned by the caller.
func (s *Service) Close() {
	s.cache.Close()
}
