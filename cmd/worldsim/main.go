// Command worldsim runs the chorus world simulation service: the engine, the maintenance
// jobs and the HTTP control plane.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/talgya/chorus/internal/api"
	"github.com/talgya/chorus/internal/cache"
	"github.com/talgya/chorus/internal/config"
	"github.com/talgya/chorus/internal/director"
	"github.com/talgya/chorus/internal/engine"
	"github.com/talgya/chorus/internal/entropy"
	"github.com/talgya/chorus/internal/jobs"
	"github.com/talgya/chorus/internal/llm"
	"github.com/talgya/chorus/internal/memory"
	"github.com/talgya/chorus/internal/model"
	"github.com/talgya/chorus/internal/narrative"
	"github.com/talgya/chorus/internal/notify"
	"github.com/talgya/chorus/internal/persistence"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "path to the YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	level, _ := cfg.Level()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	slog.Info("chorus world simulation starting", "config", *configPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Database ──────────────────────────────────────────────────────
	if dir := filepath.Dir(cfg.Store.Path); dir != "" {
		os.MkdirAll(dir, 0o755)
	}
	db, err := persistence.Open(cfg.Store.Path)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	slog.Info("database opened", "path", cfg.Store.Path)

	if err := seedWorlds(ctx, db, cfg.Seed); err != nil {
		slog.Error("seeding worlds failed", "error", err)
		os.Exit(1)
	}

	// ── Fast cache ───────────────────────────────────────────────────
	stateCache := cache.New(ctx, cache.Options{
		Addr:        cfg.Cache.Addr,
		Password:    cfg.Cache.Password,
		DB:          cfg.Cache.DB,
		KeyPrefix:   cfg.Cache.KeyPrefix,
		DialTimeout: cfg.Cache.DialTimeout,
	})

	// ── LLM Client ───────────────────────────────────────────────────
	var gen llm.Generator
	if client := llm.NewClient(llm.Config{
		APIKey:       cfg.LLM.APIKey,
		Model:        cfg.LLM.Model,
		MaxPerMinute: cfg.LLM.MaxPerMinute,
		Timeout:      cfg.LLM.Timeout,
	}); client != nil {
		gen = client
		slog.Info("LLM client enabled", "model", cfg.LLM.Model)
	} else {
		slog.Warn("ANTHROPIC_API_KEY not set, dialogue uses placeholder lines and heuristic direction")
	}

	// ── Engine ───────────────────────────────────────────────────────
	hub := notify.NewHub()
	rng := entropy.New(cfg.Engine.RandomSeed, cfg.Engine.RandomOrgKey)
	analyzers := narrative.NewRegistry()
	events := narrative.NewGenerator(rng)
	mem := memory.NewService(db, nil)

	eng := engine.New(engine.Deps{
		Store:     db,
		Cache:     stateCache,
		Publisher: hub,
		Generator: gen,
		Director:  director.New(gen, cfg.LLM.DirectorModel, cfg.LLM.DirectorTimeout),
		Memory:    mem,
		Events:    events,
		Analyzers: analyzers,
		Rand:      rng,
	}, engine.Options{
		Owner:             cfg.Engine.Owner,
		Model:             cfg.LLM.Model,
		MaxTokens:         cfg.Engine.MaxTokens,
		Temperature:       cfg.Engine.Temperature,
		GenerationTimeout: cfg.Engine.GenerationTimeout,
		MinDelay:          cfg.Engine.MinDelay,
		AnalysisEvery:     cfg.Engine.AnalysisEvery,
		MemoryRecall:      cfg.Engine.MemoryRecall,
		FocusTurnLength:   cfg.Engine.FocusTurnLength,
	})

	// ── Jobs ─────────────────────────────────────────────────────────
	mgr := jobs.NewManager(nil)
	if cfg.Jobs.Enabled {
		if err := registerJobs(mgr, cfg, db, stateCache, eng, gen, mem, analyzers, events); err != nil {
			slog.Error("job registration failed", "error", err)
			os.Exit(1)
		}
		mgr.Start(ctx)
	}

	// ── HTTP API ──────────────────────────────────────────────────────
	if cfg.Server.AdminKey == "" {
		slog.Warn("CHORUS_ADMIN_KEY not set, admin POST endpoints are disabled")
	}
	apiServer := &api.Server{
		Engine:         eng,
		Store:          db,
		Cache:          stateCache,
		Jobs:           mgr,
		Hub:            hub,
		Port:           cfg.Server.Port,
		AdminKey:       cfg.Server.AdminKey,
		CORSOrigins:    cfg.Server.CORSOrigins,
		JobRunsPerHour: cfg.Server.JobRunsPerHour,
		TurnsPerMinute: cfg.Server.TurnsPerMinute,
	}
	apiServer.Start()

	resumeRunning(ctx, db, eng)

	fmt.Printf("\nchorus is listening: http://localhost:%d/api/v1/status\n", cfg.Server.Port)
	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown", "error", err)
	}
	if cfg.Jobs.Enabled {
		mgr.Stop()
	}
	if err := eng.Shutdown(shutdownCtx); err != nil {
		slog.Warn("engine shutdown", "error", err)
	}

	// Final sync so nothing written through the cache waits for the next process.
	if stateCache.Available() {
		sync := &jobs.Sync{Store: db, Cache: stateCache}
		sync.Owner = jobs.LockOwner(eng.Owner(), sync)
		if m, err := sync.Run(shutdownCtx); err != nil {
			slog.Warn("final sync failed", "error", err)
		} else {
			slog.Info("final sync", "worlds", m.Affected)
		}
	}
	fmt.Println("chorus stopped.")
}

func registerJobs(mgr *jobs.Manager, cfg config.Config, db *persistence.DB, c cache.StateCache,
	eng *engine.Engine, gen llm.Generator, mem *memory.Service,
	analyzers *narrative.Registry, events *narrative.Generator) error {

	daily, err := jobs.ParseDaily(cfg.Jobs.ConsolidationAt)
	if err != nil {
		return err
	}
	var archive *jobs.Archive
	if cfg.Store.ArchiveDir != "" {
		archive = &jobs.Archive{Dir: cfg.Store.ArchiveDir}
	}
	owner := eng.Owner()
	maxDur := cfg.Jobs.MaxDuration

	registrations := []struct {
		job      jobs.Job
		schedule jobs.Schedule
	}{
		{&jobs.Sync{Store: db, Cache: c}, jobs.Every(cfg.Jobs.SyncEvery)},
		{&jobs.Cleanup{Cache: c, Engine: eng, InactiveAfter: cfg.Jobs.CleanupInactiveAfter}, jobs.Every(cfg.Jobs.CleanupEvery)},
		{&jobs.AutoPause{Store: db, Cache: c, Engine: eng, Threshold: cfg.Jobs.AutoPauseAfter}, jobs.Every(cfg.Jobs.AutoPauseEvery)},
		{&jobs.Consolidation{
			Store:        db,
			Cache:        c,
			Generator:    gen,
			Memory:       mem,
			Archive:      archive,
			Above:        cfg.Jobs.ConsolidateAbove,
			Keep:         cfg.Jobs.KeepInteractions,
			MemoryLimit:  cfg.Jobs.MemoryLimit,
			KeepMemories: cfg.Jobs.KeepMemories,
		}, daily},
		{&jobs.Emergent{
			Store:        db,
			Cache:        c,
			Analyzers:    analyzers,
			Events:       events,
			Applier:      eng.Applier(),
			ActiveWithin: cfg.Jobs.EmergentActiveWithin,
		}, jobs.Every(cfg.Jobs.EmergentEvery)},
	}
	for _, r := range registrations {
		switch j := r.job.(type) {
		case *jobs.Sync:
			j.Owner = jobs.LockOwner(owner, j)
		case *jobs.Consolidation:
			j.Owner = jobs.LockOwner(owner, j)
		case *jobs.Emergent:
			j.Owner = jobs.LockOwner(owner, j)
		}
		if err := mgr.Register(r.job, r.schedule, maxDur); err != nil {
			return err
		}
	}
	return nil
}

// seedWorlds creates the configured worlds when the store is empty.
func seedWorlds(ctx context.Context, db *persistence.DB, seeds []config.SeedWorld) error {
	if len(seeds) == 0 {
		return nil
	}
	has, err := db.HasWorlds(ctx)
	if err != nil {
		return err
	}
	if has {
		slog.Info("found saved worlds, skipping seed")
		return nil
	}
	for _, s := range seeds {
		w := &model.World{
			ID:               s.ID,
			Name:             s.Name,
			AutoMode:         s.AutoMode,
			InteractionDelay: s.InteractionDelay,
			MaxInteractions:  s.MaxInteractions,
			StoryMode:        s.StoryMode,
		}
		if err := db.CreateWorld(ctx, w); err != nil {
			return err
		}
		for _, sa := range s.Agents {
			a := &model.Agent{ID: sa.ID, Name: sa.Name, Personality: sa.Personality}
			if err := db.SaveAgent(ctx, a); err != nil {
				return err
			}
			if err := db.AddWorldAgent(ctx, model.WorldAgent{WorldID: w.ID, AgentID: a.ID, IsActive: true}); err != nil {
				return err
			}
		}
		slog.Info("seeded world", "world", w.ID, "agents", len(s.Agents), "auto", w.AutoMode)
	}
	return nil
}

// resumeRunning restarts the auto-mode loops of worlds that were RUNNING when the last
// process exited.
func resumeRunning(ctx context.Context, db *persistence.DB, eng *engine.Engine) {
	worlds, err := db.ListWorldsByStatus(ctx, model.StatusRunning)
	if err != nil {
		slog.Warn("listing running worlds failed", "error", err)
		return
	}
	for _, w := range worlds {
		if !w.AutoMode || w.IsPaused {
			continue
		}
		if err := eng.StartSimulation(ctx, w.ID); err != nil {
			slog.Warn("resume failed", "world", w.ID, "error", err)
			continue
		}
		slog.Info("resumed world", "world", w.ID)
	}
}
