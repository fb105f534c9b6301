// Package config loads the process configuration from YAML with environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/talgya/chorus/internal/model"
)

// DefaultPath is where the process looks when no -config flag is given.
const DefaultPath = "configs/chorus.yaml"

type Config struct {
	Server ServerConfig `yaml:"server"`
	Store  StoreConfig  `yaml:"store"`
	Cache  CacheConfig  `yaml:"cache"`
	LLM    LLMConfig    `yaml:"llm"`
	Engine EngineConfig `yaml:"engine"`
	Jobs   JobsConfig   `yaml:"jobs"`
	Log    LogConfig    `yaml:"log"`
	Seed   []SeedWorld  `yaml:"seed,omitempty"`
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	AdminKey       string   `yaml:"admin_key"` // Bearer token for POST endpoints. Empty = POST disabled.
	JobRunsPerHour int      `yaml:"job_runs_per_hour"`
	TurnsPerMinute int      `yaml:"turns_per_minute"`
	CORSOrigins    []string `yaml:"cors_origins,omitempty"`
}

type StoreConfig struct {
	Path       string `yaml:"path"`
	ArchiveDir string `yaml:"archive_dir"` // Empty disables the consolidation archive
}

type CacheConfig struct {
	Addr        string        `yaml:"addr"` // Empty runs store-only
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	KeyPrefix   string        `yaml:"key_prefix"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

type LLMConfig struct {
	APIKey          string        `yaml:"api_key"`
	Model           string        `yaml:"model"`
	DirectorModel   string        `yaml:"director_model"`
	MaxPerMinute    int           `yaml:"max_per_minute"`
	Timeout         time.Duration `yaml:"timeout"`
	DirectorTimeout time.Duration `yaml:"director_timeout"`
}

type EngineConfig struct {
	Owner             string        `yaml:"owner"`
	MaxTokens         int           `yaml:"max_tokens"`
	Temperature       float64       `yaml:"temperature"`
	GenerationTimeout time.Duration `yaml:"generation_timeout"`
	MinDelay          time.Duration `yaml:"min_delay"`
	AnalysisEvery     int           `yaml:"analysis_every"`
	MemoryRecall      int           `yaml:"memory_recall"`
	FocusTurnLength   time.Duration `yaml:"focus_turn_length"`
	RandomSeed        uint64        `yaml:"random_seed"` // Non-zero makes event rolls reproducible
	RandomOrgKey      string        `yaml:"random_org_key"`
}

type JobsConfig struct {
	Enabled              bool          `yaml:"enabled"`
	MaxDuration          time.Duration `yaml:"max_duration"`
	SyncEvery            time.Duration `yaml:"sync_every"`
	CleanupEvery         time.Duration `yaml:"cleanup_every"`
	CleanupInactiveAfter time.Duration `yaml:"cleanup_inactive_after"`
	AutoPauseEvery       time.Duration `yaml:"auto_pause_every"`
	AutoPauseAfter       time.Duration `yaml:"auto_pause_after"`
	ConsolidationAt      string        `yaml:"consolidation_at"` // HH:MM local time
	ConsolidateAbove     int           `yaml:"consolidate_above"`
	KeepInteractions     int           `yaml:"keep_interactions"`
	MemoryLimit          int           `yaml:"memory_limit"`
	KeepMemories         int           `yaml:"keep_memories"`
	EmergentEvery        time.Duration `yaml:"emergent_every"`
	EmergentActiveWithin time.Duration `yaml:"emergent_active_within"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// SeedWorld is a world created on first start when the store is empty.
type SeedWorld struct {
	ID               string      `yaml:"id"`
	Name             string      `yaml:"name"`
	AutoMode         bool        `yaml:"auto_mode"`
	InteractionDelay int64       `yaml:"interaction_delay_ms"`
	MaxInteractions  int         `yaml:"max_interactions"`
	StoryMode        bool        `yaml:"story_mode"`
	Agents           []SeedAgent `yaml:"agents"`
}

type SeedAgent struct {
	ID          string            `yaml:"id"`
	Name        string            `yaml:"name"`
	Personality model.Personality `yaml:"personality"`
}

// Load reads path over the defaults. A missing file yields the defaults.
// Environment overrides are applied after the file.
func Load(path string) (Config, error) {
	cfg := defaults()
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			slog.Info("config file not found, using defaults", "path", path)
		case err != nil:
			return cfg, err
		default:
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return cfg, fmt.Errorf("%s: %w", path, err)
			}
		}
	}
	cfg.applyEnv()
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func defaults() Config {
	return Config{
		Server: ServerConfig{Port: 8080, JobRunsPerHour: 30, TurnsPerMinute: 60},
		Store:  StoreConfig{Path: "data/chorus.db", ArchiveDir: "data/archive"},
		Cache:  CacheConfig{KeyPrefix: "chorus", DialTimeout: 3 * time.Second},
		LLM: LLMConfig{
			MaxPerMinute:    60,
			Timeout:         60 * time.Second,
			DirectorTimeout: 20 * time.Second,
		},
		Engine: EngineConfig{
			MaxTokens:         200,
			Temperature:       0.9,
			GenerationTimeout: 90 * time.Second,
			MinDelay:          500 * time.Millisecond,
			AnalysisEvery:     10,
			MemoryRecall:      3,
			FocusTurnLength:   10 * time.Second,
		},
		Jobs: JobsConfig{
			Enabled:              true,
			MaxDuration:          time.Hour,
			SyncEvery:            5 * time.Minute,
			CleanupEvery:         time.Hour,
			CleanupInactiveAfter: time.Hour,
			AutoPauseEvery:       6 * time.Hour,
			AutoPauseAfter:       24 * time.Hour,
			ConsolidationAt:      "03:00",
			ConsolidateAbove:     1000,
			KeepInteractions:     100,
			MemoryLimit:          200,
			KeepMemories:         100,
			EmergentEvery:        30 * time.Minute,
			EmergentActiveWithin: 2 * time.Hour,
		},
		Log: LogConfig{Level: "info"},
	}
}

// applyEnv lets secrets and deployment addresses come from the environment.
func (c *Config) applyEnv() {
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("CHORUS_ADMIN_KEY"); v != "" {
		c.Server.AdminKey = v
	}
	if v := os.Getenv("CHORUS_REDIS_ADDR"); v != "" {
		c.Cache.Addr = v
	}
	if v := os.Getenv("CHORUS_DB_PATH"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("RANDOM_ORG_API_KEY"); v != "" {
		c.Engine.RandomOrgKey = v
	}
	if v := os.Getenv("CHORUS_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Server.Port = p
		} else {
			slog.Warn("ignoring CHORUS_PORT", "value", v, "error", err)
		}
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		for _, origin := range strings.Split(v, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				c.Server.CORSOrigins = append(c.Server.CORSOrigins, origin)
			}
		}
	}
}

func (c *Config) Normalize() {
	if c == nil {
		return
	}
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	c.Cache.Addr = strings.TrimSpace(c.Cache.Addr)
	c.Jobs.ConsolidationAt = strings.TrimSpace(c.Jobs.ConsolidationAt)
	if c.LLM.DirectorModel == "" {
		c.LLM.DirectorModel = c.LLM.Model
	}
	for i := range c.Seed {
		w := &c.Seed[i]
		w.ID = strings.TrimSpace(w.ID)
		if w.Name == "" {
			w.Name = w.ID
		}
		for j := range w.Agents {
			a := &w.Agents[j]
			if a.ID == "" {
				a.ID = w.ID + "-" + strings.ToLower(strings.ReplaceAll(strings.TrimSpace(a.Name), " ", "-"))
			}
		}
	}
}

func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if strings.TrimSpace(c.Store.Path) == "" {
		return fmt.Errorf("store.path is required")
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	if c.Engine.GenerationTimeout >= 5*time.Minute {
		return fmt.Errorf("engine.generation_timeout must stay below the 5m lock lease, got %s", c.Engine.GenerationTimeout)
	}
	if c.Engine.Temperature < 0 || c.Engine.Temperature > 2 {
		return fmt.Errorf("engine.temperature out of range: %v", c.Engine.Temperature)
	}
	if c.Jobs.Enabled {
		if _, err := time.Parse("15:04", c.Jobs.ConsolidationAt); err != nil {
			return fmt.Errorf("jobs.consolidation_at: %q is not HH:MM", c.Jobs.ConsolidationAt)
		}
		if c.Jobs.KeepInteractions <= 0 || c.Jobs.KeepInteractions >= c.Jobs.ConsolidateAbove {
			return fmt.Errorf("jobs.keep_interactions must be positive and below consolidate_above")
		}
	}
	seen := make(map[string]bool, len(c.Seed))
	for _, w := range c.Seed {
		if w.ID == "" {
			return fmt.Errorf("seed world missing id")
		}
		if seen[w.ID] {
			return fmt.Errorf("duplicate seed world id: %s", w.ID)
		}
		seen[w.ID] = true
		if len(w.Agents) < 2 {
			return fmt.Errorf("seed world %s needs at least 2 agents", w.ID)
		}
		for _, a := range w.Agents {
			if strings.TrimSpace(a.Name) == "" {
				return fmt.Errorf("seed world %s has an agent without a name", w.ID)
			}
		}
	}
	return nil
}

// Level maps log.level onto slog.
func (c Config) Level() (slog.Level, error) {
	switch c.Log.Level {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("log.level: unknown level %q", c.Log.Level)
}
