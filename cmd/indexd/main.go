// Indexd is a multi-tenant semantic indexing daemon.
//
// It ingests documents, embeds them through an OpenAI-compatible provider,
// and serves similarity search over a pluggable vector store (chromem,
// sqlite, or qdrant).
//
// Configuration is loaded from ~/.config/indexd/config.yaml and overridden
// by INDEXD_* environment variables. See internal/config for details.
//
// Usage:
//
//	# Start server with defaults
//	indexd
//
//	# Configure via environment
//	INDEXD_SERVER_PORT=8000 INDEXD_VECTORSTORE_PROVIDER=qdrant indexd
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/indexd/internal/config"
	"github.com/fyrsmithlabs/indexd/internal/embedder"
	indexdhttp "github.com/fyrsmithlabs/indexd/internal/http"
	"github.com/fyrsmithlabs/indexd/internal/logging"
	"github.com/fyrsmithlabs/indexd/internal/pipeline"
	"github.com/fyrsmithlabs/indexd/internal/store"
	"github.com/fyrsmithlabs/indexd/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "indexd",
		Short:         "Multi-tenant semantic indexing daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				cancel()
			}()

			if err := run(ctx, configPath); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"path to config file (default ~/.config/indexd/config.yaml)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("indexd\n")
			fmt.Printf("Version:    %s\n", version)
			fmt.Printf("Commit:     %s\n", gitCommit)
			fmt.Printf("Build Date: %s\n", buildDate)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run starts the indexd server and blocks until the context is cancelled.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info("starting indexd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("vectorstore", cfg.VectorStore.Provider),
		zap.String("embedding_model", cfg.Embeddings.Model),
		zap.Duration("shutdown_timeout", cfg.Server.ShutdownTimeout),
	)

	// The configured service version wins over the build-time one so
	// operators can pin what their collector reports.
	serviceVersion := cfg.Observability.ServiceVersion
	if serviceVersion == "" {
		serviceVersion = version
	}

	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Observability.EnableTelemetry,
		Endpoint:       cfg.Observability.Endpoint,
		Protocol:       cfg.Observability.Protocol,
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: serviceVersion,
		Insecure:       cfg.Observability.Insecure,
		SamplingRate:   cfg.Observability.SamplingRate,
	}, logger)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	provider, err := embedder.NewProvider(embedder.ProviderConfig{
		Provider:          cfg.Embeddings.Provider,
		BaseURL:           cfg.Embeddings.BaseURL,
		Model:             cfg.Embeddings.Model,
		APIKey:            cfg.Embeddings.APIKey.Value(),
		RequestsPerSecond: cfg.Embeddings.RequestsPerSecond,
		Timeout:           cfg.Embeddings.Timeout,
	})
	if err != nil {
		return fmt.Errorf("creating embedding provider: %w", err)
	}
	defer provider.Close()

	gateway, err := embedder.NewGateway(provider, embedder.GatewayConfig{
		ChunkSize:      cfg.Embeddings.ChunkSize,
		QueryCacheSize: cfg.Embeddings.QueryCacheSize,
	}, logger)
	if err != nil {
		return fmt.Errorf("creating embedder gateway: %w", err)
	}

	st, err := store.NewStore(store.Config{
		Provider: cfg.VectorStore.Provider,
		Chromem: store.ChromemConfig{
			Path:       cfg.VectorStore.Chromem.Path,
			Compress:   cfg.VectorStore.Chromem.Compress,
			VectorSize: provider.Dimension(),
		},
		SQLite: store.SQLiteConfig{
			Path:                cfg.VectorStore.SQLite.Path,
			SimilarityThreshold: cfg.VectorStore.SimilarityThreshold,
		},
		Qdrant: store.QdrantConfig{
			Host:                cfg.VectorStore.Qdrant.Host,
			Port:                cfg.VectorStore.Qdrant.Port,
			CollectionName:      cfg.VectorStore.Qdrant.CollectionName,
			VectorSize:          uint64(provider.Dimension()),
			SimilarityThreshold: cfg.VectorStore.SimilarityThreshold,
			UseTLS:              cfg.VectorStore.Qdrant.UseTLS,
		},
	}, logger)
	if err != nil {
		return fmt.Errorf("creating vector store: %w", err)
	}
	defer st.Close()

	svc, err := pipeline.NewService(st, gateway, pipeline.Config{
		BatchSize:         cfg.Ingest.BatchSize,
		MaxDocumentLength: cfg.Ingest.MaxDocumentLength,
		StoreRawData:      *cfg.Ingest.StoreRawData,
	}, logger)
	if err != nil {
		return fmt.Errorf("creating pipeline: %w", err)
	}

	srv, err := indexdhttp.NewServer(svc, logger, indexdhttp.Config{
		Port:         cfg.Server.Port,
		TenantHeader: cfg.Server.TenantHeader,
	})
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	return <-errCh
}
