package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"awg-proxy-selector/internal/core"
	"awg-proxy-selector/internal/selector"
)

var (
	version = "dev"
	commit  = "unknown"
)

var (
	configPath string
	jsonOutput bool
)

// main is a one-shot harness for exercising the two selection pipelines
// against a real bbolt store. It runs a single invocation and exits; it does
// not implement a re-probing scheduler or daemon loop.
func main() {
	args := os.Args[1:]
	args = parseGlobalFlags(args)

	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	cfgMgr := core.NewConfigManager(configPath, nil)
	if err := cfgMgr.Load(); err != nil {
		fatal("load config: %v", err)
	}
	cfg := cfgMgr.Get()

	store, err := selector.OpenBoltStore(cfg.Store.BoltPath)
	if err != nil {
		fatal("open store: %v", err)
	}
	defer store.Close()

	sink := stdoutSink{}
	sel := selector.NewSelector(store, store, store, sink, unimplementedEvaluator{}, cfg.Selector, nil)

	cmd := args[0]
	cmdArgs := args[1:]

	switch cmd {
	case "select":
		runSelect(sel, cmdArgs)
	case "cached":
		runCached(sel, cmdArgs)
	case "version":
		fmt.Printf("selectorctl %s (commit: %s)\n", version, commit)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func runSelect(sel *selector.Selector, args []string) {
	if len(args) == 0 {
		fatal("usage: selectorctl select <id> [id...]")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	winner, ok, err := sel.AutoSelectBestProxy(ctx, args)
	if err != nil {
		fatal("select: %v", err)
	}
	emit(map[string]any{"winner": winner, "ok": ok})
}

func runCached(sel *selector.Selector, args []string) {
	if len(args) == 0 {
		fatal("usage: selectorctl cached <id> [id...]")
	}
	winner, ok, err := sel.GetBestAvailableProxy(context.Background(), args)
	if err != nil {
		fatal("cached: %v", err)
	}
	emit(map[string]any{"winner": winner, "ok": ok})
}

func emit(result map[string]any) {
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(result)
		return
	}
	fmt.Printf("winner=%v ok=%v\n", result["winner"], result["ok"])
}

// parseGlobalFlags extracts --config and --json from args and returns the
// remaining positional arguments.
func parseGlobalFlags(args []string) []string {
	var remaining []string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--json":
			jsonOutput = true
		default:
			remaining = append(remaining, args[i])
		}
	}
	if configPath == "" {
		configPath = "selector-config.yaml"
	}
	return remaining
}

func printUsage() {
	fmt.Println(strings.TrimLeft(`selectorctl — Auto-Selector diagnostic harness

Usage: selectorctl [global flags] <command> [args]

Commands:
  select <id> [id...]   Run the full-probe selection pipeline
  cached <id> [id...]   Run the cached, side-effect-free selection pipeline
  version               Show version info

Global Flags:
  --config <path>   Path to selector config YAML (default: selector-config.yaml)
  --json            Output in JSON format
`, "\n"))
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

// stdoutSink is a SelectionSink that just announces the promoted id; a real
// deployment wires this to whatever activates the chosen endpoint.
type stdoutSink struct{}

func (stdoutSink) SetActive(ctx context.Context, id string) error {
	core.Log.Infof("selectorctl", "activating %s", id)
	return nil
}

// unimplementedEvaluator is a placeholder TunnelEvaluator: selectorctl is a
// diagnostic harness over the store and scoring logic, not a full proxy
// core. Wiring a real evaluator (build config, ping, fetch through an actual
// tunnel) is outside this tool's scope.
type unimplementedEvaluator struct{}

func (unimplementedEvaluator) BuildTransientConfig(ctx context.Context, id string) (selector.TransientConfig, error) {
	return selector.TransientConfig{}, fmt.Errorf("no tunnel evaluator wired into selectorctl")
}

func (unimplementedEvaluator) PingThroughTunnel(ctx context.Context, cfg selector.TransientConfig) (float64, error) {
	return 0, fmt.Errorf("no tunnel evaluator wired into selectorctl")
}

func (unimplementedEvaluator) FetchThroughTunnel(ctx context.Context, url, userAgent string, localPort int) ([]byte, error) {
	return nil, fmt.Errorf("no tunnel evaluator wired into selectorctl")
}
