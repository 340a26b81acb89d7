package main

import (
	"context"
	"log/slog"
	"os"

	goutils "github.com/jkaninda/go-utils"

	"github.com/terraphim/terraphim-rlm/internal/config"
	"github.com/terraphim/terraphim-rlm/internal/llm"
	"github.com/terraphim/terraphim-rlm/internal/llm/openai"
	"github.com/terraphim/terraphim-rlm/internal/rlm"
)

var configPath string

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (or RLM_CONFIG env)")
}

// newLogger builds the process-wide structured logger.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if goutils.Env("RLM_LOG_LEVEL", "") == "debug" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// loadConfig resolves the config path from flag or env and loads it.
func loadConfig() (*config.Config, error) {
	return config.Load(goutils.Env("RLM_CONFIG", configPath))
}

// buildProvider constructs the LLM provider chain from configuration:
// a primary OpenAI-compatible client plus optional fallbacks.
func buildProvider(cfg *config.Config, logger *slog.Logger) llm.Provider {
	opts := []openai.Option{}
	if cfg.Provider.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.Provider.BaseURL))
	}
	primary := openai.NewClient(cfg.APIKey(), cfg.Provider.Model, logger, opts...)

	if len(cfg.Provider.FallbackBaseURLs) == 0 {
		return primary
	}
	providers := []llm.Provider{primary}
	for _, url := range cfg.Provider.FallbackBaseURLs {
		providers = append(providers, openai.NewClient(
			cfg.APIKey(), cfg.Provider.Model, logger,
			openai.WithBaseURL(url),
			openai.WithName("fallback"),
		))
	}
	return llm.NewFallbackProvider(providers, logger)
}

// buildRlm wires the full orchestrator from configuration.
func buildRlm(ctx context.Context) (*rlm.Rlm, *slog.Logger, error) {
	logger := newLogger()
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	r, err := rlm.New(ctx, cfg, buildProvider(cfg, logger), logger)
	if err != nil {
		return nil, nil, err
	}
	return r, logger, nil
}
