package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"embeddings": {"openai", "ollama"},
}

// validLogLevels lists the accepted values for ServerConfig.LogLevel.
var validLogLevels = []string{"debug", "info", "warn", "error"}

// validTransports lists the accepted values for MCPServerConfig.Transport.
var validTransports = []string{"stdio", "http", "sse"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
//
// Some problems are only recoverable warnings — logged via slog rather than
// returned as errors — because the system can still run, just in a degraded
// or less useful way. A missing {datetime}/{memories} placeholder in an
// agent's prompt is one such case (§9: recoverable, not fatal).
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !slices.Contains(validLogLevels, cfg.Server.LogLevel) {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: %s", cfg.Server.LogLevel, strings.Join(validLogLevels, ", ")))
	}

	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)

	if cfg.Providers.LLM.Name == "" && len(cfg.Agents) > 0 {
		slog.Warn("no LLM provider configured; agents will not be able to generate responses")
	}
	if cfg.Providers.Embeddings.Name != "" && cfg.Memory.EmbeddingDimensions <= 0 {
		slog.Warn("providers.embeddings is configured but memory.embedding_dimensions is not set; defaulting to 1536")
	}
	if cfg.Memory.PostgresDSN == "" && len(cfg.Agents) > 0 {
		slog.Warn("memory.postgres_dsn is empty; long-term memory will not be available for agents")
	}

	agentNamesSeen := make(map[string]int, len(cfg.Agents))
	for i, agent := range cfg.Agents {
		prefix := fmt.Sprintf("agents[%d]", i)
		if agent.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := agentNamesSeen[agent.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of agents[%d]", prefix, agent.Name, prev))
			}
			agentNamesSeen[agent.Name] = i
		}

		if agent.MaxToolRuns < 0 {
			errs = append(errs, fmt.Errorf("%s.max_tool_runs must be >= 0", prefix))
		}
		if agent.MinSimilarity < 0 || agent.MinSimilarity > 1 {
			errs = append(errs, fmt.Errorf("%s.min_similarity %.2f is out of range [0, 1]", prefix, agent.MinSimilarity))
		}

		for _, placeholder := range requiredPromptPlaceholders {
			if !strings.Contains(agent.Prompt, placeholder) {
				slog.Warn("agent prompt is missing a recommended template placeholder",
					"agent", agent.Name, "placeholder", placeholder)
			}
		}
	}

	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		if srv.Transport != "" && !slices.Contains(validTransports, srv.Transport) {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: %s", prefix, srv.Transport, strings.Join(validTransports, ", ")))
		}
		if srv.Transport == "stdio" && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if (srv.Transport == "http" || srv.Transport == "sse") && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is %s", prefix, srv.Transport))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
