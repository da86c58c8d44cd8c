package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/Someblueman/lootforge-sub002/internal/backend"
	"github.com/Someblueman/lootforge-sub002/internal/journal"
	"github.com/Someblueman/lootforge-sub002/internal/lockfile"
	"github.com/Someblueman/lootforge-sub002/internal/provenance"
	"github.com/Someblueman/lootforge-sub002/internal/run"
	"github.com/Someblueman/lootforge-sub002/internal/scoring"
	"github.com/Someblueman/lootforge-sub002/internal/selection"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "generate":
		generateCmd(os.Args[2:], false)
	case "regenerate":
		generateCmd(os.Args[2:], true)
	case "select":
		selectCmd(os.Args[2:])
	case "consistency":
		consistencyCmd(os.Args[2:])
	case "version":
		fmt.Printf("lootforge-gen %s (%s)\n", Version, Commit)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `lootforge-gen

Usage:
  lootforge-gen generate [flags]
  lootforge-gen regenerate -id <target> [flags]
  lootforge-gen select -id <target> [flags]
  lootforge-gen consistency [flags]
  lootforge-gen version

Commands:
  generate     Generate every target in the manifest and write provenance.
  regenerate   Re-generate locked targets using their approved output as the edit base.
  select       Approve the named targets' current outputs in the selection lock.
  consistency  Re-run outlier detection over a written provenance record.
  version      Print build information.

`)
}

func generateCmd(args []string, regenerate bool) {
	name := "generate"
	if regenerate {
		name = "regenerate"
	}
	fs, common := commonFlags(name)
	ids := fs.String("id", "", "Comma-separated target ids (required for regenerate)")
	skipLocked := fs.Bool("skip-locked", true, "Skip targets with an approved, fingerprint-current selection")
	strict := fs.Bool("strict", false, "Escalate policy normalization warnings to fatal")
	telemetry := fs.Bool("telemetry", false, "Embed CPU/memory snapshots in the provenance record")
	_ = fs.Parse(args)

	// One run at a time per output root; concurrent runs would race on
	// candidates, the selection lock and the provenance record.
	if err := os.MkdirAll(common.outDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "failed to init output dir: %v\n", err)
		os.Exit(1)
	}
	lk, err := lockfile.Acquire(filepath.Join(common.outDir, ".run.lock"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to acquire run lock: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = lk.Release() }()

	log, c := mustCoordinator(fs, common, func(o *run.Options) {
		o.SkipLocked = *skipLocked
		o.Strict = *strict
		o.SampleTelemetry = *telemetry
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		log.Warn("interrupt received, draining in-flight jobs")
		cancel()
	}()

	targets := mustLoadTargets(common.targetsPath)
	var out run.Outcome
	if regenerate {
		idList := splitIDs(*ids)
		if len(idList) == 0 {
			fmt.Fprintf(os.Stderr, "regenerate needs -id\n")
			os.Exit(2)
		}
		out, err = c.Regenerate(ctx, targets, idList)
	} else {
		out, err = c.Generate(ctx, targets)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s failed: %v\n", name, err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(out)
	if !out.Succeeded {
		os.Exit(1)
	}
}

func selectCmd(args []string) {
	fs, common := commonFlags("select")
	ids := fs.String("id", "", "Comma-separated target ids to approve (required)")
	_ = fs.Parse(args)

	idList := splitIDs(*ids)
	if len(idList) == 0 {
		fmt.Fprintf(os.Stderr, "select needs -id\n")
		os.Exit(2)
	}

	_, c := mustCoordinator(fs, common, nil)
	targets := mustLoadTargets(common.targetsPath)
	if err := c.ApproveSelection(targets, idList); err != nil {
		fmt.Fprintf(os.Stderr, "select failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("approved %d selection(s): %s\n", len(idList), strings.Join(idList, ", "))
}

func consistencyCmd(args []string) {
	fs, common := commonFlags("consistency")
	recordPath := fs.String("record", "", "Provenance record path (default: <out>/"+run.ProvenanceFileName+")")
	_ = fs.Parse(args)

	path := strings.TrimSpace(*recordPath)
	if path == "" {
		path = filepath.Join(common.outDir, run.ProvenanceFileName)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read record: %v\n", err)
		os.Exit(1)
	}
	var rec provenance.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		fmt.Fprintf(os.Stderr, "parse record: %v\n", err)
		os.Exit(1)
	}

	manifest := mustLoadManifest(common.targetsPath)
	report := run.BuildConsistency(rec, manifest.Targets, manifest.ConsistencyDefaults())

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(report)
}

// commonSettings carry the flags every subcommand shares.
type commonSettings struct {
	targetsPath string
	outDir      string
	stateDir    string
	lockPath    string
	scoringPath string
	provider    string
	openaiKey   string
	openaiModel string
	openaiBase  string
	logFormat   string
	logLevel    string
}

func commonFlags(name string) (*flag.FlagSet, *commonSettings) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	s := &commonSettings{}
	fs.StringVar(&s.targetsPath, "targets", "targets.json", "Target manifest path (JSON)")
	fs.StringVar(&s.outDir, "out", "out", "Output root directory")
	fs.StringVar(&s.stateDir, "state-dir", defaultStateDir(), "State directory (journal, defaults)")
	fs.StringVar(&s.lockPath, "lock", "", "Selection lock file (default: <out>/selection.lock.json)")
	fs.StringVar(&s.scoringPath, "scoring", "", "Scoring config YAML (optional)")
	fs.StringVar(&s.provider, "provider", "openai", "Default backend provider")
	fs.StringVar(&s.openaiKey, "openai-key", os.Getenv("OPENAI_API_KEY"), "OpenAI API key (default: $OPENAI_API_KEY)")
	fs.StringVar(&s.openaiModel, "openai-model", "", "OpenAI image model override")
	fs.StringVar(&s.openaiBase, "openai-base-url", "", "OpenAI base URL override")
	fs.StringVar(&s.logFormat, "log-format", "", "Log format: json|text (default: text on a terminal, else json)")
	fs.StringVar(&s.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	return fs, s
}

func mustCoordinator(fs *flag.FlagSet, s *commonSettings, mut func(*run.Options)) (*slog.Logger, *run.Coordinator) {
	log, err := newLogger(s.logFormat, s.logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging flags: %v\n", err)
		fs.Usage()
		os.Exit(2)
	}

	oa, err := backend.NewOpenAI(backend.OpenAIOptions{
		APIKey:  s.openaiKey,
		BaseURL: s.openaiBase,
		Model:   s.openaiModel,
		Logger:  log,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "openai backend: %v\n", err)
		os.Exit(1)
	}
	registry, err := backend.NewRegistry(oa)
	if err != nil {
		fmt.Fprintf(os.Stderr, "backend registry: %v\n", err)
		os.Exit(1)
	}

	cfg := scoring.Config{}
	if p := strings.TrimSpace(s.scoringPath); p != "" {
		cfg, err = scoring.LoadConfig(p)
		if err != nil {
			fmt.Fprintf(os.Stderr, "scoring config: %v\n", err)
			os.Exit(1)
		}
		if cfg.VLM.Evaluator == "anthropic" && strings.TrimSpace(cfg.VLM.AnthropicAPIKey) == "" {
			cfg.VLM.AnthropicAPIKey = os.Getenv("ANTHROPIC_API_KEY")
		}
	}
	scorer, err := scoring.New(cfg, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "scorer: %v\n", err)
		os.Exit(1)
	}

	lockPath := strings.TrimSpace(s.lockPath)
	if lockPath == "" {
		lockPath = filepath.Join(s.outDir, "selection.lock.json")
	}
	locks, err := selection.Open(lockPath, s.outDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "selection lock: %v\n", err)
		os.Exit(1)
	}

	jrnl, err := journal.New(journal.Options{Logger: log, StateDir: s.stateDir})
	if err != nil {
		fmt.Fprintf(os.Stderr, "journal: %v\n", err)
		os.Exit(1)
	}

	manifest := mustLoadManifest(s.targetsPath)
	opts := run.Options{
		Logger:          log,
		Registry:        registry,
		Scorer:          scorer,
		Locks:           locks,
		Journal:         jrnl,
		OutputRoot:      s.outDir,
		DefaultProvider: s.provider,
		Consistency:     manifest.ConsistencyDefaults(),
	}
	if mut != nil {
		mut(&opts)
	}
	c, err := run.New(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "coordinator: %v\n", err)
		os.Exit(1)
	}
	return log, c
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return ".lootforge"
	}
	return filepath.Join(home, ".lootforge")
}

func splitIDs(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func newLogger(format, level string) (*slog.Logger, error) {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		lvl = slog.LevelInfo
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level: %s", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}

	f := strings.ToLower(strings.TrimSpace(format))
	if f == "" {
		// Humans at a terminal get text, pipelines get json.
		if term.IsTerminal(int(os.Stderr.Fd())) {
			f = "text"
		} else {
			f = "json"
		}
	}

	var h slog.Handler
	switch f {
	case "json":
		h = slog.NewJSONHandler(os.Stderr, opts)
	case "text":
		h = slog.NewTextHandler(os.Stderr, opts)
	default:
		return nil, fmt.Errorf("unknown log format: %s", format)
	}
	return slog.New(h), nil
}
