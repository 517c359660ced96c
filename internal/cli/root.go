// Package cli implements the memory-substrate CLI commands.
package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rcliao/memory-substrate/internal/config"
	"github.com/rcliao/memory-substrate/internal/pipeline"
	"github.com/rcliao/memory-substrate/internal/semantic"
	"github.com/rcliao/memory-substrate/internal/store"
	"github.com/rcliao/memory-substrate/internal/substrate"
)

var dbPath string

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "memory-substrate",
	Short: "Append-only memory substrate for AI agents",
	Long:  "Event ingestion and retrieval over an immutable packet log. SQLite-backed, single binary, with semantic search.",
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&dbPath, "db", "d", "", "Database path (default: $MEMORY_SUBSTRATE_DB or ~/.memory-substrate/substrate.db)")
}

func loadConfig() *config.Config {
	cfg := config.FromEnv()
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	return cfg
}

// openService assembles the full substrate: store, semantic index rebuilt
// from the durable rows, pipeline, and service façade.
func openService(cmd *cobra.Command) (*substrate.Service, func(), error) {
	cfg := loadConfig()

	st, err := store.NewSQLiteStore(cfg.DBPath, store.Options{MaxOpenConns: cfg.MaxOpenConns})
	if err != nil {
		return nil, nil, err
	}

	ix, err := semantic.NewIndex(semantic.NewFromEnv(), nil)
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	if _, err := ix.Rebuild(cmd.Context(), st); err != nil {
		st.Close()
		return nil, nil, err
	}

	pipe := pipeline.New(pipeline.Config{
		Store:        st,
		Index:        ix,
		EmbedTimeout: cfg.EmbedTimeout,
	})
	svc, err := substrate.New(substrate.Config{
		Store:   st,
		Index:   ix,
		Pipe:    pipe,
		Retries: cfg.Retries,
		Backoff: cfg.Backoff,
	})
	if err != nil {
		st.Close()
		return nil, nil, err
	}

	cleanup := func() {
		svc.Close()
		st.Close()
	}
	return svc, cleanup, nil
}

func printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}
