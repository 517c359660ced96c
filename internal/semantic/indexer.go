package semantic

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	suberr "github.com/rcliao/memory-substrate/internal/errors"
	"github.com/rcliao/memory-substrate/internal/packet"
	"github.com/rcliao/memory-substrate/internal/store"
)

// Hit is one semantic search result.
type Hit struct {
	EmbeddingID string    `json:"embedding_id"`
	PacketID    string    `json:"packet_id"`
	Seq         int       `json:"seq"`
	Text        string    `json:"text"`
	Score       float64   `json:"score"`
	CreatedAt   time.Time `json:"created_at"`
}

// Index is the in-process vector index over semantic entries. The relational
// store holds the durable vectors; the index is a cache rebuilt from it on
// startup and kept current as entries are written.
type Index struct {
	embedder Embedder
	col      *chromem.Collection
	logger   *zap.Logger
}

// NewIndex creates an empty index backed by the given embedder.
func NewIndex(embedder Embedder, logger *zap.Logger) (*Index, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db := chromem.NewDB()
	col, err := db.CreateCollection("semantic_entries", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	return &Index{embedder: embedder, col: col, logger: logger}, nil
}

// Embedder returns the index's embedding provider.
func (ix *Index) Embedder() Embedder { return ix.embedder }

// Add indexes one semantic entry. The entry's vector dimensionality must
// match the configured embedder.
func (ix *Index) Add(ctx context.Context, entry *packet.SemanticEntry) error {
	if len(entry.Vector) != ix.embedder.Dims() {
		return suberr.NewValidation("vector",
			fmt.Sprintf("dimension mismatch: entry has %d, embedder produces %d",
				len(entry.Vector), ix.embedder.Dims()))
	}
	doc := chromem.Document{
		ID:        entry.EmbeddingID,
		Content:   entry.Text,
		Embedding: entry.Vector,
		Metadata: map[string]string{
			"packet_id":  entry.PacketID,
			"seq":        strconv.Itoa(entry.Seq),
			"created_at": entry.CreatedAt.UTC().Format(time.RFC3339Nano),
		},
	}
	if err := ix.col.AddDocument(ctx, doc); err != nil {
		return suberr.NewEmbedding(fmt.Errorf("index document: %w", err))
	}
	return nil
}

// Search embeds the query text and returns the closest entries, ordered by
// similarity descending with recency breaking ties.
func (ix *Index) Search(ctx context.Context, query string, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = 10
	}
	n := ix.col.Count()
	if n == 0 {
		return nil, nil
	}
	if limit > n {
		limit = n
	}

	qvec, err := ix.embedder.Embed(ctx, query)
	if err != nil {
		return nil, suberr.NewEmbedding(fmt.Errorf("embed query: %w", err))
	}

	results, err := ix.col.QueryEmbedding(ctx, qvec, limit, nil, nil)
	if err != nil {
		return nil, suberr.NewEmbedding(fmt.Errorf("query index: %w", err))
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		seq, _ := strconv.Atoi(r.Metadata["seq"])
		created, _ := time.Parse(time.RFC3339Nano, r.Metadata["created_at"])
		hits = append(hits, Hit{
			EmbeddingID: r.ID,
			PacketID:    r.Metadata["packet_id"],
			Seq:         seq,
			Text:        r.Content,
			Score:       float64(r.Similarity),
			CreatedAt:   created,
		})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].CreatedAt.After(hits[j].CreatedAt)
	})
	return hits, nil
}

// Rebuild repopulates the index from the durable semantic rows. Entries whose
// dimensionality no longer matches the configured embedder are skipped with a
// warning; they remain in the store for a later backfill.
func (ix *Index) Rebuild(ctx context.Context, s store.Store) (int, error) {
	count := 0
	err := s.SemanticEntries(ctx, func(entry *packet.SemanticEntry) error {
		if err := ix.Add(ctx, entry); err != nil {
			if suberr.Is(err, suberr.CodeValidation) {
				ix.logger.Warn("skipping entry with stale dimensions",
					zap.String("embedding_id", entry.EmbeddingID),
					zap.Int("dims", len(entry.Vector)))
				return nil
			}
			return err
		}
		count++
		return nil
	})
	if err != nil {
		return count, err
	}
	ix.logger.Info("semantic index rebuilt", zap.Int("entries", count))
	return count, nil
}

// Len returns the number of indexed entries.
func (ix *Index) Len() int { return ix.col.Count() }
