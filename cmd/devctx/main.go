package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/gin-gonic/gin"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hurttlocker/devctx/internal/api"
	"github.com/hurttlocker/devctx/internal/config"
	devmcp "github.com/hurttlocker/devctx/internal/mcp"
	"github.com/hurttlocker/devctx/internal/pipeline"
)

const version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}

	var err error
	switch os.Args[1] {
	case "process":
		err = runProcess(os.Args[2:], os.Stdin, os.Stdout)
	case "serve":
		err = runServe(os.Args[2:])
	case "lambda":
		err = runLambda(os.Args[2:])
	case "mcp":
		err = runMCP(os.Args[2:])
	case "config":
		err = runConfig(os.Args[2:], os.Stdout)
	case "version", "--version", "-v":
		fmt.Printf("devctx %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// runProcess feeds one event payload through the pipeline and prints the
// invocation response. The payload comes from --file or stdin.
func runProcess(args []string, stdin io.Reader, stdout io.Writer) error {
	gf, rest, err := parseGlobalFlags(args)
	if err != nil {
		return err
	}

	var file string
	for i := 0; i < len(rest); i++ {
		switch {
		case rest[i] == "--file" || rest[i] == "-f":
			if i+1 >= len(rest) {
				return fmt.Errorf("--file requires a path")
			}
			i++
			file = rest[i]
		case strings.HasPrefix(rest[i], "--file="):
			file = strings.TrimPrefix(rest[i], "--file=")
		default:
			return fmt.Errorf("unknown flag: %s", rest[i])
		}
	}

	raw, err := readPayload(file, stdin)
	if err != nil {
		return err
	}

	ctx := context.Background()
	a, err := buildApp(ctx, gf)
	if err != nil {
		return err
	}
	defer a.Close()

	resp := a.controller.Handle(ctx, raw)
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(resp); err != nil {
		return fmt.Errorf("writing response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("pipeline returned status %d", resp.StatusCode)
	}
	return nil
}

func readPayload(file string, stdin io.Reader) ([]byte, error) {
	if file == "" || file == "-" {
		raw, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("reading stdin: %w", err)
		}
		return raw, nil
	}
	raw, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", file, err)
	}
	return raw, nil
}

func runServe(args []string) error {
	gf, rest, err := parseGlobalFlags(args)
	if err != nil {
		return err
	}

	addr := ":8080"
	for i := 0; i < len(rest); i++ {
		switch {
		case rest[i] == "--addr":
			if i+1 >= len(rest) {
				return fmt.Errorf("--addr requires a value")
			}
			i++
			addr = rest[i]
		case strings.HasPrefix(rest[i], "--addr="):
			addr = strings.TrimPrefix(rest[i], "--addr=")
		default:
			return fmt.Errorf("unknown flag: %s", rest[i])
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, gf)
	if err != nil {
		return err
	}
	defer a.Close()

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewRouter(&api.Handler{Pipeline: a.controller, Store: a.store}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	return nil
}

// runLambda hands the controller to the Lambda runtime. Every invocation
// gets the envelope back; pipeline failures are reported through its status.
func runLambda(args []string) error {
	gf, rest, err := parseGlobalFlags(args)
	if err != nil {
		return err
	}
	if len(rest) > 0 {
		return fmt.Errorf("unknown flag: %s", rest[0])
	}

	a, err := buildApp(context.Background(), gf)
	if err != nil {
		return err
	}
	defer a.Close()

	lambda.Start(lambdaHandler(a.controller))
	return nil
}

func lambdaHandler(ctrl *pipeline.Controller) func(context.Context, json.RawMessage) (pipeline.Response, error) {
	return func(ctx context.Context, raw json.RawMessage) (pipeline.Response, error) {
		return ctrl.Handle(ctx, raw), nil
	}
}

func runMCP(args []string) error {
	gf, rest, err := parseGlobalFlags(args)
	if err != nil {
		return err
	}
	if len(rest) > 0 {
		return fmt.Errorf("unknown flag: %s", rest[0])
	}

	a, err := buildApp(context.Background(), gf)
	if err != nil {
		return err
	}
	defer a.Close()

	s := devmcp.NewServer(devmcp.ServerConfig{
		Pipeline: a.controller,
		Store:    a.store,
		Version:  version,
	})
	return server.ServeStdio(s)
}

// runConfig prints the resolved configuration with secrets masked.
func runConfig(args []string, stdout io.Writer) error {
	gf, rest, err := parseGlobalFlags(args)
	if err != nil {
		return err
	}

	jsonOut := false
	for _, arg := range rest {
		switch arg {
		case "--json":
			jsonOut = true
		default:
			return fmt.Errorf("unknown flag: %s", arg)
		}
	}

	cfg, err := resolve(gf)
	if err != nil {
		return fmt.Errorf("resolving config: %w", err)
	}
	cfg = cfg.Redacted()

	if jsonOut {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(cfg)
	}

	fmt.Fprintf(stdout, "config: %s\n", cfg.ConfigPath)
	rows := []struct {
		name string
		v    config.ResolvedValue
	}{
		{"store.backend", cfg.StoreBackend},
		{"store.db_path", cfg.DBPath},
		{"store.dynamodb.records_table", cfg.RecordsTable},
		{"store.dynamodb.audit_table", cfg.AuditTable},
		{"store.dynamodb.activity_table", cfg.ActivityTable},
		{"store.dynamodb.region", cfg.AWSRegion},
		{"store.dynamodb.endpoint", cfg.DynamoEndpoint},
		{"llm.provider", cfg.LLMProvider},
		{"llm.max_tokens", cfg.LLMMaxTokens},
		{"llm.temperature", cfg.LLMTemperature},
		{"llm.top_p", cfg.LLMTopP},
		{"embed.provider", cfg.EmbedProvider},
		{"embed.api_key", cfg.EmbedAPIKey},
		{"embed.endpoint", cfg.EmbedEndpoint},
		{"reconcile.window", cfg.ReconcileWindow},
		{"reconcile.fail_open", cfg.ReconcileFailOpen},
		{"extract.strict", cfg.ExtractStrict},
		{"metrics.sink", cfg.MetricsSink},
		{"metrics.namespace", cfg.MetricsNamespace},
	}
	for _, r := range rows {
		fmt.Fprintf(stdout, "  %-30s %-28s (%s)\n", r.name, r.v.Value, r.v.Source)
	}
	providers := make([]string, 0, len(cfg.LLMKeys))
	for p := range cfg.LLMKeys {
		providers = append(providers, p)
	}
	sort.Strings(providers)
	for _, p := range providers {
		key := cfg.LLMKeys[p]
		fmt.Fprintf(stdout, "  %-30s %-28s (%s)\n", "llm.keys."+p, key.Value, key.Source)
	}
	return nil
}

func printUsage() {
	fmt.Println(`devctx - development context pipeline

Usage:
  devctx <command> [flags]

Commands:
  process   Run one event through the pipeline (--file <path> or stdin)
  serve     Serve the HTTP API (--addr, default :8080)
  lambda    Run as an AWS Lambda handler
  mcp       Serve MCP tools over stdio
  config    Show resolved configuration (--json)
  version   Print version

Global flags:
  --config <path>      Config file (default ~/.devctx/config.yaml)
  --llm <provider/model>
  --embed <provider/model>
  --db <path>          SQLite database path
  --store <backend>    sqlite or dynamodb
  --metrics <sink>     none, log or cloudwatch
  --log-level <level>  debug, info, warn, error
  --log-format <fmt>   json or text`)
}
