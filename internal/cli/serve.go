package cli

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rcliao/memory-substrate/internal/httpapi"
	"github.com/rcliao/memory-substrate/internal/pipeline"
	"github.com/rcliao/memory-substrate/internal/semantic"
	"github.com/rcliao/memory-substrate/internal/store"
	"github.com/rcliao/memory-substrate/internal/substrate"
)

func init() {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Run:   runServe,
	}

	cmd.Flags().StringP("bind", "b", "", "Bind address (default: $MEMORY_SUBSTRATE_BIND or 127.0.0.1)")
	cmd.Flags().IntP("port", "p", 0, "Port (default: $MEMORY_SUBSTRATE_PORT or 8642)")

	RootCmd.AddCommand(cmd)
}

func runServe(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	if bind, _ := cmd.Flags().GetString("bind"); bind != "" {
		cfg.Bind = bind
	}
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		cfg.Port = port
	}

	logger, err := cfg.Logger()
	if err != nil {
		exitErr("logger", err)
	}
	defer logger.Sync()

	st, err := store.NewSQLiteStore(cfg.DBPath, store.Options{MaxOpenConns: cfg.MaxOpenConns})
	if err != nil {
		exitErr("open store", err)
	}
	defer st.Close()

	ix, err := semantic.NewIndex(semantic.NewFromEnv(), logger)
	if err != nil {
		exitErr("semantic index", err)
	}
	if _, err := ix.Rebuild(cmd.Context(), st); err != nil {
		exitErr("rebuild index", err)
	}

	pipe := pipeline.New(pipeline.Config{
		Store:        st,
		Index:        ix,
		EmbedTimeout: cfg.EmbedTimeout,
		Logger:       logger,
	})

	hub := httpapi.NewHub(logger)
	svc, err := substrate.New(substrate.Config{
		Store:   st,
		Index:   ix,
		Pipe:    pipe,
		Logger:  logger,
		Retries: cfg.Retries,
		Backoff: cfg.Backoff,
		OnWrite: hub.Notify,
	})
	if err != nil {
		exitErr("substrate", err)
	}
	defer svc.Close()

	srv := httpapi.NewServer(svc, hub, logger, cfg.Bind, cfg.Port)
	if err := httpapi.Run(srv, hub, logger); err != nil {
		logger.Error("server stopped", zap.Error(err))
	}
}
