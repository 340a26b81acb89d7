package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/terraphim/terraphim-rlm/internal/config"
)

// Select probes the configured backends in preference order and returns
// the first one whose health check passes. Preference order encodes
// isolation strength: container backends come before process backends.
func Select(ctx context.Context, cfg *config.Config, logger *slog.Logger) (ExecutionEnvironment, error) {
	if logger == nil {
		logger = slog.Default()
	}
	validator := NewValidator(Strictness(cfg.Validator.Strictness))

	var probed []string
	for _, name := range cfg.BackendPreference {
		var env ExecutionEnvironment
		switch name {
		case config.BackendDocker:
			env = NewDockerBackend(DockerConfig{
				Image:          cfg.Sandbox.Image,
				DefaultTimeout: cfg.CommandTimeout(),
				MemoryMB:       cfg.Sandbox.MemoryMB,
				CPUCores:       cfg.Sandbox.CPUCores,
				NetworkAllowed: cfg.Sandbox.NetworkAllowed,
			}, validator, logger)
		case config.BackendProcess:
			pb, err := NewProcessBackend(ProcessConfig{
				WorkDir:        cfg.Sandbox.WorkDir,
				DefaultTimeout: cfg.CommandTimeout(),
				DefaultLimits: ResourceLimits{
					MaxMemoryMB: cfg.Sandbox.MemoryMB,
				},
			}, validator, logger)
			if err != nil {
				return nil, fmt.Errorf("building process backend: %w", err)
			}
			env = pb
		default:
			return nil, fmt.Errorf("unknown backend %q in backend_preference", name)
		}

		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		healthy := env.HealthCheck(probeCtx)
		cancel()

		if healthy {
			logger.Info("execution backend selected",
				slog.String("backend", string(env.BackendType())),
			)
			return env, nil
		}

		logger.Warn("execution backend unavailable", slog.String("backend", name))
		probed = append(probed, name)
	}

	return nil, fmt.Errorf("no execution backend available (probed: %s)", strings.Join(probed, ", "))
}
