package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/conductorhq/conductor/internal/catalog"
	"github.com/conductorhq/conductor/internal/config"
	"github.com/conductorhq/conductor/internal/engine"
	"github.com/conductorhq/conductor/internal/inference"
	"github.com/conductorhq/conductor/internal/planner"
	"github.com/conductorhq/conductor/internal/state"
	"github.com/conductorhq/conductor/internal/worker"
	"github.com/conductorhq/conductor/pkg/models"
)

// runtime bundles the wired-up collaborators a CLI command needs.
type runtime struct {
	cfg     *config.Config
	store   *state.DB
	history *catalog.History
	catalog *catalog.Catalog
	client  *inference.Client
	engine  *engine.Engine
}

// Close releases the runtime's resources in reverse construction order.
func (rt *runtime) Close() {
	if rt.engine != nil {
		rt.engine.Close()
	}
	if rt.history != nil {
		rt.history.Close()
	}
	if rt.store != nil {
		rt.store.Close()
	}
}

// openStateDB opens the project-local database when a .conductor
// directory exists in the working directory, otherwise the global one.
func openStateDB() (*state.DB, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("get working directory: %w", err)
	}

	path := state.GlobalDBPath()
	if info, err := os.Stat(filepath.Join(cwd, ".conductor")); err == nil && info.IsDir() {
		path = state.ProjectDBPath(cwd)
	}

	db, err := state.Open(path)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return db, nil
}

// buildRuntime wires configuration, storage, the worker catalog, the
// inference client, and the engine into a ready-to-use runtime.
func buildRuntime() (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	store, err := openStateDB()
	if err != nil {
		return nil, err
	}

	historyPath := cfg.Paths.HistoryDB
	if historyPath == "" {
		historyPath = filepath.Join(filepath.Dir(store.Path()), "history.db")
	}
	history, err := catalog.OpenHistory(historyPath)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open worker history: %w", err)
	}

	manifest, err := loadManifest(cfg.Paths.Manifest)
	if err != nil {
		history.Close()
		store.Close()
		return nil, err
	}
	cat := catalog.New(manifest, history)

	client, err := inference.NewClient(inference.ClientConfig{
		Model:         anthropic.Model(cfg.Inference.Model),
		APIKey:        cfg.Inference.APIKey,
		UseAWSBedrock: cfg.Inference.UseAWSBedrock,
		AWSRegion:     cfg.Inference.AWSRegion,
		AWSProfile:    cfg.Inference.AWSProfile,
	})
	if err != nil {
		history.Close()
		store.Close()
		return nil, fmt.Errorf("create inference client: %w", err)
	}

	registry := worker.NewRegistry()
	for _, desc := range manifest.Workers {
		if err := registry.Register(worker.NewLLMWorker(desc.ID, client)); err != nil {
			history.Close()
			store.Close()
			return nil, fmt.Errorf("register worker %s: %w", desc.ID, err)
		}
	}

	policy := engine.DefaultPolicy()
	policy.Apply(engine.RetryConfig{
		MaxRetries:          cfg.Retry.MaxRetries,
		BackoffMs:           cfg.Retry.BackoffMs,
		RetryableCategories: cfg.Retry.RetryableCategories,
	})

	eng, err := engine.New(engine.Deps{
		Catalog: cat,
		Workers: registry,
		Planner: planner.New(client, cat),
		Store:   store,
	}, policy, engine.Options{
		MaxConcurrentSteps: cfg.Engine.MaxConcurrentSteps,
		StepTimeout:        cfg.Engine.StepTimeout,
		RunTimeout:         cfg.Engine.RunTimeout,
		LockTTL:            cfg.Engine.LockTTL,
		LockWait:           cfg.Engine.LockWait,
		CacheTTL:           cfg.Engine.CacheTTL,
		RateLimit:          cfg.Engine.RateLimit,
		RateWindow:         cfg.Engine.RateWindow,
		StreamCloseDelay:   cfg.Engine.StreamCloseDelay,
		DebugLogPath:       cfg.Paths.DebugLog,
	})
	if err != nil {
		history.Close()
		store.Close()
		return nil, fmt.Errorf("create engine: %w", err)
	}

	return &runtime{
		cfg:     cfg,
		store:   store,
		history: history,
		catalog: cat,
		client:  client,
		engine:  eng,
	}, nil
}

// loadManifest reads the worker manifest from disk, falling back to the
// built-in catalog when no manifest file exists.
func loadManifest(path string) (*catalog.Manifest, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			m, err := catalog.LoadManifest(path)
			if err != nil {
				return nil, fmt.Errorf("load manifest %s: %w", path, err)
			}
			return m, nil
		}
	}
	return defaultManifest(), nil
}

// defaultManifest registers a small general-purpose worker set so the CLI
// works out of the box without a workers.yaml.
func defaultManifest() *catalog.Manifest {
	return &catalog.Manifest{
		DefaultWorker: "generalist",
		Workers: []*models.WorkerDescriptor{
			{
				ID:           "generalist",
				Kind:         models.WorkerKindAgent,
				Description:  "General-purpose assistant for any step without a better match",
				Capabilities: []string{"general"},
			},
			{
				ID:           "researcher",
				Kind:         models.WorkerKindAgent,
				Description:  "Gathers and summarizes information needed by later steps",
				Capabilities: []string{"research", "summarize"},
			},
			{
				ID:           "writer",
				Kind:         models.WorkerKindAgent,
				Description:  "Drafts and edits prose, reports, and documentation",
				Capabilities: []string{"write", "edit"},
			},
		},
	}
}
