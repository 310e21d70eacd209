package main

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	"ollm/internal/config"
	ctxeng "ollm/internal/context"
	"ollm/internal/provider"
	"ollm/internal/snapshot"
	"ollm/internal/store"

	"github.com/google/uuid"
)

const defaultSystemPrompt = "You are a helpful assistant running in a terminal. " +
	"Answer concisely; the user is typing in a shell."

// builtinProfiles covers the models ollm ships tuned defaults for. Unknown
// models fall back to the configured window unmodified.
var builtinProfiles = provider.NewStaticProfiles([]provider.ModelEntry{
	{ID: "gemini-2.0-flash", ParametersB: 40, ContextLimit: 1048576},
	{ID: "gemini-2.5-flash", ParametersB: 70, ContextLimit: 1048576},
	{ID: "gemini-2.5-pro", ParametersB: 175, ContextLimit: 1048576},
	{
		ID: "llama3.1:8b", ParametersB: 8, ContextLimit: 131072,
		ContextProfiles: []provider.ContextProfile{
			{Size: 8192, OllamaContextSize: 8192},
			{Size: 32768, OllamaContextSize: 32768},
			{Size: 131072, OllamaContextSize: 131072},
		},
	},
	{
		ID: "qwen2.5:14b", ParametersB: 14, ContextLimit: 131072,
		ContextProfiles: []provider.ContextProfile{
			{Size: 8192, OllamaContextSize: 8192},
			{Size: 32768, OllamaContextSize: 32768},
		},
	},
})

// engine bundles the assembled collaborators for one chat session.
type engine struct {
	sessionID    string
	cfg          config.Config
	orchestrator *ctxeng.Orchestrator
	client       provider.Client
	store        *store.LocalStore
	pool         *ctxeng.ContextPool
	watcher      *config.Watcher
}

func snapshotDir(base string) string {
	return filepath.Join(base, "context-snapshots")
}

// newEngine assembles the orchestrator and its collaborators from config.
// Missing pieces degrade: no API key means summarization falls back to
// truncation and chat is unavailable, but snapshot/status commands work.
func newEngine(ctx context.Context, base string, cfg config.Config) (*engine, error) {
	var client provider.Client
	if cfg.Provider.APIKey != "" {
		c, err := provider.NewGenAIClient(ctx, cfg.Provider.APIKey, cfg.Provider.Model)
		if err != nil {
			return nil, fmt.Errorf("provider init: %w", err)
		}
		client = c
	}

	// Bound the configured window by what the backend actually allocates
	// for this model, and let the profile refine the reliability params.
	if entry, ok := builtinProfiles.GetModelEntry(cfg.Provider.Model); ok {
		if eff := provider.EffectiveContextSize(entry, cfg.ContextWindow.MaxTokens); eff > 0 && eff < cfg.ContextWindow.MaxTokens {
			cfg.ContextWindow.MaxTokens = eff
		}
		if entry.ParametersB > 0 {
			cfg.ContextWindow.ModelParamsB = entry.ParametersB
		}
	}

	db, err := store.NewLocalStore(filepath.Join(base, "ollm.db"))
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}

	snapBase := cfg.Snapshots.BaseDir
	if snapBase == "" {
		snapBase = snapshotDir(base)
	}
	snapshots := snapshot.NewManager(snapshot.NewStorage(snapBase))

	pool := ctxeng.NewContextPool(cfg.Pool, nil)

	sessionID := uuid.NewString()
	orch := ctxeng.NewOrchestrator(sessionID, defaultSystemPrompt,
		ctxeng.EngineConfigFrom(cfg), ctxeng.OrchestratorOptions{
			Client:    client,
			Model:     cfg.Provider.Model,
			Snapshots: snapshots,
			Store:     db,
			Pool:      pool,
		})

	e := &engine{
		sessionID:    sessionID,
		cfg:          cfg,
		orchestrator: orch,
		client:       client,
		store:        db,
		pool:         pool,
	}

	// Live-reload the context budget when config.json changes on disk.
	watcher, err := config.NewWatcher(base, func(updated config.Config) {
		if updated.ContextWindow.MaxTokens != e.cfg.ContextWindow.MaxTokens {
			_ = orch.UpdateContextSize(ctx, updated.ContextWindow.MaxTokens)
		}
		e.cfg = updated
	})
	if err == nil {
		if err := watcher.Start(ctx); err == nil {
			e.watcher = watcher
		}
	}

	orch.Start()
	return e, nil
}

func (e *engine) close() {
	e.orchestrator.Stop()
	if e.watcher != nil {
		e.watcher.Stop()
	}
	if e.store != nil {
		_ = e.store.Close()
	}
}

func configJSON(cfg config.Config) (string, error) {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
