package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caffeineduck/opawasm/builtin"
	"github.com/caffeineduck/opawasm/policy"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

var rootCmd = &cobra.Command{
	Use:   "opawasm [policy.wasm]",
	Short: "Evaluate compiled OPA policies with WebAssembly",
	Long: `opawasm - Load and evaluate OPA policies compiled to WebAssembly.

Policies are built elsewhere (opa build -t wasm) and evaluated here against
JSON input and an optional data document. By default policies cannot reach
the network; enable http.send explicitly with --allow-host.`,
	Args: cobra.MaximumNArgs(1),
	Run:  runEval, // Default to eval command behavior
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().Bool("no-cache", false, "Disable compilation cache")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Log load and memory diagnostics")
	rootCmd.PersistentFlags().String("memory-limit", "", "Engine memory limit: 1mb, 16mb, 64mb, 256mb, 1gb")

	addEvalFlags(rootCmd)
}

// addPolicyFlags registers the flags shared by every command that loads a
// policy.
func addPolicyFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("data", "d", "", "Data document file (JSON or YAML)")
	cmd.Flags().Uint32("memory", policy.DefaultMemoryPages, "Initial memory in 64KB pages")
	cmd.Flags().Uint32("memory-max", 0, "Maximum memory in 64KB pages (0 = engine limit)")
	cmd.Flags().StringSlice("allow-host", nil, "Allow http.send to host (repeatable)")
	cmd.Flags().Duration("http-timeout", 10*time.Second, "http.send timeout")
	cmd.Flags().Int64("http-max-body", 1024*1024, "Max http.send response body size")
}

func newLogger(verbose bool) *zap.Logger {
	cfg := zap.NewDevelopmentConfig()
	cfg.DisableStacktrace = true
	cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func newEngine(cmd *cobra.Command) (*policy.Engine, error) {
	noCache, _ := cmd.Flags().GetBool("no-cache")
	verbose, _ := cmd.Flags().GetBool("verbose")
	memoryLimit, _ := cmd.Flags().GetString("memory-limit")
	allowedHosts, _ := cmd.Flags().GetStringSlice("allow-host")
	httpTimeout, _ := cmd.Flags().GetDuration("http-timeout")
	httpMaxBody, _ := cmd.Flags().GetInt64("http-max-body")

	registry := builtin.NewRegistry()
	if len(allowedHosts) > 0 {
		registry.Register("http.send", builtin.NewHTTPSend(builtin.HTTPConfig{
			AllowedHosts:   allowedHosts,
			RequestTimeout: httpTimeout,
			MaxBodySize:    httpMaxBody,
		}))
	}

	opts := []policy.EngineOption{policy.WithLogger(newLogger(verbose))}
	if !noCache {
		opts = append(opts, policy.WithDiskCache())
	}
	if pages := parseMemoryLimit(memoryLimit); pages > 0 {
		opts = append(opts, policy.WithMemoryLimit(pages))
	}
	return policy.New(registry, opts...)
}

func loadOptions(cmd *cobra.Command) []policy.Option {
	initial, _ := cmd.Flags().GetUint32("memory")
	maximum, _ := cmd.Flags().GetUint32("memory-max")
	return []policy.Option{policy.WithMemoryDescriptor(policy.MemoryDescriptor{
		Initial: initial,
		Maximum: maximum,
	})}
}

// loadPolicy reads, compiles and instantiates the policy at path and loads
// the --data document into it.
func loadPolicy(ctx context.Context, cmd *cobra.Command, engine *policy.Engine, path string) (*policy.Policy, error) {
	wasm, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	p, err := engine.LoadPolicy(ctx, wasm, loadOptions(cmd)...)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}

	dataFile, _ := cmd.Flags().GetString("data")
	if dataFile == "" {
		return p, nil
	}
	data, err := readDocument(dataFile)
	if err != nil {
		p.Close(ctx)
		return nil, err
	}
	if err := p.SetData(ctx, data); err != nil {
		p.Close(ctx)
		return nil, fmt.Errorf("set data: %w", err)
	}
	return p, nil
}

// readDocument reads a JSON or YAML file and returns it as JSON.
func readDocument(path string) (json.RawMessage, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseDocument(b, filepath.Ext(path))
}

func parseDocument(b []byte, ext string) (json.RawMessage, error) {
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		var v any
		if err := yaml.Unmarshal(b, &v); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
		out, err := json.Marshal(builtin.NormalizeYAML(v))
		if err != nil {
			return nil, fmt.Errorf("convert yaml: %w", err)
		}
		return out, nil
	default:
		if !json.Valid(b) {
			return nil, fmt.Errorf("invalid json document")
		}
		return b, nil
	}
}

func parseMemoryLimit(s string) uint32 {
	switch strings.ToLower(s) {
	case "1mb":
		return policy.MemoryLimit1MB
	case "16mb":
		return policy.MemoryLimit16MB
	case "64mb":
		return policy.MemoryLimit64MB
	case "256mb":
		return policy.MemoryLimit256MB
	case "1gb":
		return policy.MemoryLimit1GB
	default:
		return 0 // use default
	}
}
