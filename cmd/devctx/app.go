package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/hurttlocker/devctx/internal/config"
	"github.com/hurttlocker/devctx/internal/embed"
	"github.com/hurttlocker/devctx/internal/extract"
	"github.com/hurttlocker/devctx/internal/llm"
	"github.com/hurttlocker/devctx/internal/metrics"
	"github.com/hurttlocker/devctx/internal/pipeline"
	"github.com/hurttlocker/devctx/internal/reconcile"
	"github.com/hurttlocker/devctx/internal/store"
	"github.com/hurttlocker/devctx/internal/store/dynamostore"
)

// globalFlags are accepted by every subcommand.
type globalFlags struct {
	ConfigPath string
	LLM        string
	Embed      string
	DBPath     string
	Backend    string
	Metrics    string
	LogLevel   string
	LogFormat  string
}

// parseGlobalFlags pulls the shared flags out of args and returns the rest.
// Both "--flag value" and "--flag=value" forms are accepted.
func parseGlobalFlags(args []string) (globalFlags, []string, error) {
	var gf globalFlags
	targets := map[string]*string{
		"--config":     &gf.ConfigPath,
		"--llm":        &gf.LLM,
		"--embed":      &gf.Embed,
		"--db":         &gf.DBPath,
		"--store":      &gf.Backend,
		"--metrics":    &gf.Metrics,
		"--log-level":  &gf.LogLevel,
		"--log-format": &gf.LogFormat,
	}

	var rest []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		name, value, hasValue := strings.Cut(arg, "=")
		dst, ok := targets[name]
		if !ok {
			rest = append(rest, arg)
			continue
		}
		if !hasValue {
			if i+1 >= len(args) {
				return gf, nil, fmt.Errorf("%s requires a value", name)
			}
			i++
			value = args[i]
		}
		*dst = value
	}
	return gf, rest, nil
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if level != "" {
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return nil, fmt.Errorf("invalid --log-level %q", level)
		}
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch format {
	case "", "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid --log-format %q (use json or text)", format)
	}
}

// app holds everything a subcommand needs once configuration is resolved.
type app struct {
	cfg        config.ResolvedConfig
	logger     *slog.Logger
	store      store.Store
	controller *pipeline.Controller
}

func (a *app) Close() error {
	return a.store.Close()
}

func resolve(gf globalFlags) (config.ResolvedConfig, error) {
	return config.ResolveConfig(config.ResolveOptions{
		ConfigPath: gf.ConfigPath,
		CLILLM:     gf.LLM,
		CLIEmbed:   gf.Embed,
		CLIDBPath:  gf.DBPath,
		CLIBackend: gf.Backend,
		CLIMetrics: gf.Metrics,
	})
}

// buildApp resolves configuration and wires the store, oracles, matcher,
// metrics sink and controller.
func buildApp(ctx context.Context, gf globalFlags) (*app, error) {
	logger, err := newLogger(os.Stderr, gf.LogLevel, gf.LogFormat)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	cfg, err := resolve(gf)
	if err != nil {
		return nil, fmt.Errorf("resolving config: %w", err)
	}
	if cfg.HasSecretRefs() {
		api, err := config.NewSecretsAPI(ctx, cfg.AWSRegion.Value)
		if err != nil {
			return nil, err
		}
		if err := cfg.ResolveSecrets(ctx, api); err != nil {
			return nil, err
		}
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	extractor, err := buildExtractor(cfg, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	window, err := cfg.Window()
	if err != nil {
		st.Close()
		return nil, err
	}
	failOpen, err := cfg.FailOpen()
	if err != nil {
		st.Close()
		return nil, err
	}
	policy := reconcile.FailOpen
	if !failOpen {
		policy = reconcile.FailClosed
	}
	matcher := reconcile.NewMatcher(st,
		reconcile.WithWindow(window),
		reconcile.WithPolicy(policy),
		reconcile.WithLogger(logger),
	)

	publisher, err := metrics.New(ctx, cfg.MetricsSink.Value, cfg.MetricsNamespace.Value, cfg.AWSRegion.Value, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	ctrl := pipeline.NewController(st, extractor,
		pipeline.WithMatcher(matcher),
		pipeline.WithMetrics(publisher),
		pipeline.WithLogger(logger),
	)
	return &app{cfg: cfg, logger: logger, store: st, controller: ctrl}, nil
}

func openStore(ctx context.Context, cfg config.ResolvedConfig) (store.Store, error) {
	switch cfg.StoreBackend.Value {
	case "sqlite":
		s, err := store.NewStore(store.StoreConfig{DBPath: cfg.DBPath.Value})
		if err != nil {
			return nil, fmt.Errorf("opening store: %w", err)
		}
		return s, nil
	case "dynamodb":
		s, err := dynamostore.New(ctx, dynamostore.Config{
			RecordsTable:  cfg.RecordsTable.Value,
			AuditTable:    cfg.AuditTable.Value,
			ActivityTable: cfg.ActivityTable.Value,
			Region:        cfg.AWSRegion.Value,
			Endpoint:      cfg.DynamoEndpoint.Value,
		})
		if err != nil {
			return nil, fmt.Errorf("opening dynamodb store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q (use sqlite or dynamodb)", cfg.StoreBackend.Value)
	}
}

func buildExtractor(cfg config.ResolvedConfig, logger *slog.Logger) (*extract.Extractor, error) {
	llmCfg, err := llm.ParseLLMFlag(cfg.LLMProvider.Value)
	if err != nil {
		return nil, fmt.Errorf("parsing llm provider: %w", err)
	}
	llmCfg.APIKey = cfg.APIKeyForProvider(llmCfg.Provider).Value
	provider, err := llm.NewProvider(llmCfg)
	if err != nil {
		return nil, fmt.Errorf("creating llm provider: %w", err)
	}

	embedCfg, err := embed.ParseEmbedFlag(cfg.EmbedProvider.Value)
	if err != nil {
		return nil, fmt.Errorf("parsing embed provider: %w", err)
	}
	if cfg.EmbedEndpoint.Value != "" {
		embedCfg.Endpoint = cfg.EmbedEndpoint.Value
	}
	if cfg.EmbedAPIKey.Value != "" {
		embedCfg.APIKey = cfg.EmbedAPIKey.Value
	} else if embedCfg.APIKey == "" {
		embedCfg.APIKey = cfg.APIKeyForProvider(embedCfg.Provider).Value
	}
	embedder, err := embed.NewClient(embedCfg)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}

	maxTokens, temperature, topP, err := cfg.Sampling()
	if err != nil {
		return nil, err
	}
	strict, err := cfg.Strict()
	if err != nil {
		return nil, err
	}
	return extract.NewExtractor(provider, embedder,
		extract.WithSampling(maxTokens, temperature, topP),
		extract.WithStrictValidation(strict),
		extract.WithLogger(logger),
	), nil
}
