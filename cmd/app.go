package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/legato/listen/internal/config"
	"github.com/legato/listen/internal/correlate"
	"github.com/legato/listen/internal/embeddings"
	"github.com/legato/listen/internal/logger"
	"github.com/legato/listen/internal/metrics"
	"github.com/legato/listen/internal/registrar"
	"github.com/legato/listen/internal/store"

	// Storage backends register themselves with the store package.
	_ "github.com/legato/listen/internal/store/fs"
	_ "github.com/legato/listen/internal/store/memstore"
	_ "github.com/legato/listen/internal/store/redis"
	_ "github.com/legato/listen/internal/store/sqlite"
)

// app wires the components a command needs from the loaded config.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	backend  store.Backend
	signals  *store.SignalStore
	vectors  *store.EmbeddingStore
	provider embeddings.Provider
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, fmt.Errorf("cannot load config: %w\nRun 'listen init' first.", err)
	}
	return cfg, nil
}

func openApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return newApp(cfg)
}

func newApp(cfg *config.Config) (*app, error) {
	log, err := logger.NewLogger(cfg.Logging.Env, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("cannot create logger: %w", err)
	}
	metrics.Register()

	backend, err := store.Open(cfg, log)
	if err != nil {
		return nil, err
	}

	embCfg, err := embeddings.LoadConfig(cfg.Embeddings)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	prov, err := embeddings.NewFromConfig(embCfg, log)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}

	return &app{
		cfg:     cfg,
		logger:  log,
		backend: backend,
		signals: store.NewSignalStore(backend,
			store.WithLogger(log),
			store.WithMaxAttempts(cfg.Storage.MaxAttempts),
		),
		vectors:  store.NewEmbeddingStore(backend, log),
		provider: prov,
	}, nil
}

func (a *app) Close() {
	_ = a.backend.Close()
	_ = a.logger.Sync()
}

func (a *app) source() *registrar.DirSource {
	return registrar.NewDirSource(a.cfg.LibraryPath, a.cfg.Roots)
}

func (a *app) registrar() *registrar.Registrar {
	return a.registrarFor(a.source())
}

func (a *app) registrarFor(src registrar.ArtifactSource) *registrar.Registrar {
	return registrar.New(src, a.signals, a.vectors, a.provider,
		registrar.WithLogger(a.logger),
		registrar.WithRecords(store.NewRecordStore(a.backend)),
	)
}

func (a *app) engine() *correlate.Engine {
	return correlate.New(a.signals, a.vectors, a.provider, correlate.WithLogger(a.logger))
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
