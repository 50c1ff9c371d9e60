package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

type ValueSource string

const (
	SourceUnknown ValueSource = "unknown"
	SourceConfig  ValueSource = "config"
	SourceEnv     ValueSource = "env"
	SourceCLI     ValueSource = "cli"
	SourceDefault ValueSource = "default"
	SourceSecret  ValueSource = "secretsmanager"
)

type ResolvedValue struct {
	Value  string      `json:"value"`
	Source ValueSource `json:"source"`
	From   string      `json:"from,omitempty"`
}

// ResolveOptions carries the CLI layer, which wins over env and file.
type ResolveOptions struct {
	ConfigPath string
	CLILLM     string
	CLIEmbed   string
	CLIDBPath  string
	CLIBackend string
	CLIMetrics string
}

type ResolvedConfig struct {
	ConfigPath string `json:"config_path"`

	StoreBackend   ResolvedValue `json:"store_backend"`
	DBPath         ResolvedValue `json:"db_path"`
	RecordsTable   ResolvedValue `json:"records_table"`
	AuditTable     ResolvedValue `json:"audit_table"`
	ActivityTable  ResolvedValue `json:"activity_table"`
	AWSRegion      ResolvedValue `json:"aws_region"`
	DynamoEndpoint ResolvedValue `json:"dynamodb_endpoint"`

	LLMProvider    ResolvedValue `json:"llm_provider"`
	LLMMaxTokens   ResolvedValue `json:"llm_max_tokens"`
	LLMTemperature ResolvedValue `json:"llm_temperature"`
	LLMTopP        ResolvedValue `json:"llm_top_p"`

	EmbedProvider ResolvedValue `json:"embed_provider"`
	EmbedAPIKey   ResolvedValue `json:"embed_api_key"`
	EmbedEndpoint ResolvedValue `json:"embed_endpoint"`

	ReconcileWindow   ResolvedValue `json:"reconcile_window"`
	ReconcileFailOpen ResolvedValue `json:"reconcile_fail_open"`
	ExtractStrict     ResolvedValue `json:"extract_strict"`

	MetricsSink      ResolvedValue `json:"metrics_sink"`
	MetricsNamespace ResolvedValue `json:"metrics_namespace"`

	LLMKeys map[string]ResolvedValue `json:"llm_keys,omitempty"`
}

// fileConfig mirrors config.yaml. Scalars are decoded loosely and coerced
// with cast so `max_tokens: 1024` and `max_tokens: "1024"` both work.
type fileConfig struct {
	Store struct {
		Backend  any `yaml:"backend"`
		DBPath   any `yaml:"db_path"`
		DynamoDB struct {
			RecordsTable  any `yaml:"records_table"`
			AuditTable    any `yaml:"audit_table"`
			ActivityTable any `yaml:"activity_table"`
			Region        any `yaml:"region"`
			Endpoint      any `yaml:"endpoint"`
		} `yaml:"dynamodb"`
	} `yaml:"store"`
	LLM struct {
		Provider    any `yaml:"provider"`
		APIKey      any `yaml:"api_key"`
		MaxTokens   any `yaml:"max_tokens"`
		Temperature any `yaml:"temperature"`
		TopP        any `yaml:"top_p"`
	} `yaml:"llm"`
	Embed struct {
		Provider any `yaml:"provider"`
		APIKey   any `yaml:"api_key"`
		Endpoint any `yaml:"endpoint"`
	} `yaml:"embed"`
	Reconcile struct {
		Window   any `yaml:"window"`
		FailOpen any `yaml:"fail_open"`
	} `yaml:"reconcile"`
	Extract struct {
		Strict any `yaml:"strict"`
	} `yaml:"extract"`
	Metrics struct {
		Sink      any `yaml:"sink"`
		Namespace any `yaml:"namespace"`
	} `yaml:"metrics"`
}

// providerKeyEnv maps API key env vars to providers, in precedence order.
var providerKeyEnv = []struct {
	env      string
	provider string
}{
	{"OPENROUTER_API_KEY", "openrouter"},
	{"OPENAI_API_KEY", "openai"},
	{"GEMINI_API_KEY", "google"},
	{"GOOGLE_API_KEY", "google"},
	{"DEVCTX_LLM_API_KEY", "custom"},
}

func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".devctx", "config.yaml")
}

func defaults() ResolvedConfig {
	d := func(v string) ResolvedValue {
		return ResolvedValue{Value: v, Source: SourceDefault, From: "built-in default"}
	}
	return ResolvedConfig{
		StoreBackend:      d("sqlite"),
		DBPath:            d(expandUserPath("~/.devctx/devctx.db")),
		RecordsTable:      d("devctx-context-records"),
		AuditTable:        d("devctx-audit-log"),
		ActivityTable:     d("devctx-project-activity"),
		EmbedProvider:     d("openai/text-embedding-3-small"),
		LLMMaxTokens:      d("1024"),
		LLMTemperature:    d("0.1"),
		LLMTopP:           d("0.9"),
		ReconcileWindow:   d("30m"),
		ReconcileFailOpen: d("true"),
		ExtractStrict:     d("false"),
		MetricsSink:       d("log"),
		MetricsNamespace:  d("DevCtx/Pipeline"),
		LLMKeys:           map[string]ResolvedValue{},
	}
}

// ResolveConfig layers built-in defaults < config file < env < CLI.
func ResolveConfig(opts ResolveOptions) (ResolvedConfig, error) {
	path := strings.TrimSpace(opts.ConfigPath)
	if path == "" {
		path = DefaultConfigPath()
	}

	out := defaults()
	out.ConfigPath = path

	cfg, err := loadConfig(path)
	if err != nil {
		return out, err
	}

	if cfg != nil {
		applyAny(&out.StoreBackend, cfg.Store.Backend, path)
		applyAny(&out.DBPath, cfg.Store.DBPath, path)
		applyAny(&out.RecordsTable, cfg.Store.DynamoDB.RecordsTable, path)
		applyAny(&out.AuditTable, cfg.Store.DynamoDB.AuditTable, path)
		applyAny(&out.ActivityTable, cfg.Store.DynamoDB.ActivityTable, path)
		applyAny(&out.AWSRegion, cfg.Store.DynamoDB.Region, path)
		applyAny(&out.DynamoEndpoint, cfg.Store.DynamoDB.Endpoint, path)

		applyAny(&out.LLMProvider, cfg.LLM.Provider, path)
		applyAny(&out.LLMMaxTokens, cfg.LLM.MaxTokens, path)
		applyAny(&out.LLMTemperature, cfg.LLM.Temperature, path)
		applyAny(&out.LLMTopP, cfg.LLM.TopP, path)

		applyAny(&out.EmbedProvider, cfg.Embed.Provider, path)
		applyAny(&out.EmbedEndpoint, cfg.Embed.Endpoint, path)
		applyAny(&out.EmbedAPIKey, cfg.Embed.APIKey, path)

		applyAny(&out.ReconcileWindow, cfg.Reconcile.Window, path)
		applyAny(&out.ReconcileFailOpen, cfg.Reconcile.FailOpen, path)
		applyAny(&out.ExtractStrict, cfg.Extract.Strict, path)

		applyAny(&out.MetricsSink, cfg.Metrics.Sink, path)
		applyAny(&out.MetricsNamespace, cfg.Metrics.Namespace, path)

		if key := strings.TrimSpace(cast.ToString(cfg.LLM.APIKey)); key != "" {
			p := providerOf(cast.ToString(cfg.LLM.Provider))
			if p == "" {
				p = "default"
			}
			out.LLMKeys[p] = ResolvedValue{Value: key, Source: SourceConfig, From: path}
		}
	}

	applyEnv(&out.StoreBackend, "DEVCTX_STORE")
	applyEnv(&out.DBPath, "DEVCTX_DB")
	applyEnv(&out.DBPath, "DEVCTX_DB_PATH")
	applyEnv(&out.RecordsTable, "DEVCTX_RECORDS_TABLE")
	applyEnv(&out.AuditTable, "DEVCTX_AUDIT_TABLE")
	applyEnv(&out.ActivityTable, "DEVCTX_ACTIVITY_TABLE")
	applyEnv(&out.AWSRegion, "AWS_REGION")
	applyEnv(&out.DynamoEndpoint, "DEVCTX_DYNAMODB_ENDPOINT")

	applyEnv(&out.LLMProvider, "DEVCTX_LLM")
	applyEnv(&out.LLMMaxTokens, "DEVCTX_LLM_MAX_TOKENS")
	applyEnv(&out.LLMTemperature, "DEVCTX_LLM_TEMPERATURE")
	applyEnv(&out.LLMTopP, "DEVCTX_LLM_TOP_P")

	applyEnv(&out.EmbedProvider, "DEVCTX_EMBED")
	applyEnv(&out.EmbedEndpoint, "DEVCTX_EMBED_ENDPOINT")
	applyEnv(&out.EmbedAPIKey, "DEVCTX_EMBED_API_KEY")

	applyEnv(&out.ReconcileWindow, "DEVCTX_RECONCILE_WINDOW")
	applyEnv(&out.ReconcileFailOpen, "DEVCTX_RECONCILE_FAIL_OPEN")
	applyEnv(&out.ExtractStrict, "DEVCTX_EXTRACT_STRICT")

	applyEnv(&out.MetricsSink, "DEVCTX_METRICS")
	applyEnv(&out.MetricsNamespace, "DEVCTX_METRICS_NAMESPACE")

	// Earlier entries win for the same provider: GEMINI_API_KEY over GOOGLE_API_KEY.
	seen := map[string]bool{}
	for _, k := range providerKeyEnv {
		v := strings.TrimSpace(os.Getenv(k.env))
		if v == "" || seen[k.provider] {
			continue
		}
		seen[k.provider] = true
		out.LLMKeys[k.provider] = ResolvedValue{Value: v, Source: SourceEnv, From: k.env}
	}

	apply(&out.LLMProvider, opts.CLILLM, SourceCLI, "--llm")
	apply(&out.EmbedProvider, opts.CLIEmbed, SourceCLI, "--embed")
	apply(&out.DBPath, opts.CLIDBPath, SourceCLI, "--db")
	apply(&out.StoreBackend, opts.CLIBackend, SourceCLI, "--store")
	apply(&out.MetricsSink, opts.CLIMetrics, SourceCLI, "--metrics")

	if out.DBPath.Value != "" && out.DBPath.Value != ":memory:" {
		out.DBPath.Value = expandUserPath(out.DBPath.Value)
	}

	return out, nil
}

// APIKeyForProvider returns the key configured for a provider or provider/model.
func (r ResolvedConfig) APIKeyForProvider(providerOrModel string) ResolvedValue {
	provider := providerOf(providerOrModel)
	if provider == "" {
		return ResolvedValue{}
	}
	if v, ok := r.LLMKeys[provider]; ok && strings.TrimSpace(v.Value) != "" {
		return v
	}
	if v, ok := r.LLMKeys["default"]; ok && strings.TrimSpace(v.Value) != "" {
		return v
	}
	return ResolvedValue{}
}

// Window parses reconcile.window as a duration.
func (r ResolvedConfig) Window() (time.Duration, error) {
	d, err := cast.ToDurationE(r.ReconcileWindow.Value)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid reconcile window %q (from %s)", r.ReconcileWindow.Value, r.ReconcileWindow.Source)
	}
	return d, nil
}

// FailOpen parses reconcile.fail_open.
func (r ResolvedConfig) FailOpen() (bool, error) {
	v, err := cast.ToBoolE(r.ReconcileFailOpen.Value)
	if err != nil {
		return false, fmt.Errorf("invalid reconcile fail_open %q: %w", r.ReconcileFailOpen.Value, err)
	}
	return v, nil
}

// Strict parses extract.strict.
func (r ResolvedConfig) Strict() (bool, error) {
	v, err := cast.ToBoolE(r.ExtractStrict.Value)
	if err != nil {
		return false, fmt.Errorf("invalid extract strict %q: %w", r.ExtractStrict.Value, err)
	}
	return v, nil
}

// Sampling parses the extraction oracle sampling parameters.
func (r ResolvedConfig) Sampling() (maxTokens int, temperature, topP float64, err error) {
	if maxTokens, err = cast.ToIntE(r.LLMMaxTokens.Value); err != nil || maxTokens <= 0 {
		return 0, 0, 0, fmt.Errorf("invalid llm max_tokens %q", r.LLMMaxTokens.Value)
	}
	if temperature, err = cast.ToFloat64E(r.LLMTemperature.Value); err != nil || temperature < 0 {
		return 0, 0, 0, fmt.Errorf("invalid llm temperature %q", r.LLMTemperature.Value)
	}
	if topP, err = cast.ToFloat64E(r.LLMTopP.Value); err != nil || topP <= 0 || topP > 1 {
		return 0, 0, 0, fmt.Errorf("invalid llm top_p %q", r.LLMTopP.Value)
	}
	return maxTokens, temperature, topP, nil
}

// Redacted returns a copy safe to print: key values are masked.
func (r ResolvedConfig) Redacted() ResolvedConfig {
	out := r
	out.EmbedAPIKey.Value = mask(r.EmbedAPIKey.Value)
	out.LLMKeys = make(map[string]ResolvedValue, len(r.LLMKeys))
	for k, v := range r.LLMKeys {
		v.Value = mask(v.Value)
		out.LLMKeys[k] = v
	}
	return out
}

func mask(v string) string {
	if v == "" || IsSecretRef(v) {
		return v
	}
	if len(v) <= 8 {
		return "****"
	}
	return v[:4] + "…" + v[len(v)-4:]
}

func providerOf(providerOrModel string) string {
	v := strings.ToLower(strings.TrimSpace(providerOrModel))
	if v == "" {
		return ""
	}
	if idx := strings.Index(v, "/"); idx > 0 {
		return v[:idx]
	}
	return v
}

func apply(dst *ResolvedValue, raw string, source ValueSource, from string) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return
	}
	*dst = ResolvedValue{Value: v, Source: source, From: from}
}

func applyAny(dst *ResolvedValue, raw any, path string) {
	apply(dst, cast.ToString(raw), SourceConfig, path)
}

func applyEnv(dst *ResolvedValue, envKey string) {
	if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
		*dst = ResolvedValue{Value: v, Source: SourceEnv, From: envKey}
	}
}

func loadConfig(path string) (*fileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &cfg, nil
}

func expandUserPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
