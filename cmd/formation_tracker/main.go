// Command-line entry point for the formation tracker.
//
// The tracker ingests target observations (position, heading, speed,
// attributes), maintains a tiered state store, and recognizes formations
// by evaluating a configurable rule set over target pairs.
//
// Commands:
//
//	serve    run the full service: HTTP/WebSocket API, recognition loop,
//	         ClickHouse history, PostgreSQL cache, SQLite sync sessions,
//	         optional NATS publisher. -memory runs on in-process tiers
//	         only, for development.
//	replay   run recognition over a JSONL observation log and print the
//	         resulting formations as JSON.
//	presets  list the built-in rule presets.
//
// Rule sets come from a built-in preset (-preset) or a YAML file (-rules),
// which takes precedence.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"formation_tracker/internal/api"
	"formation_tracker/internal/deltasync"
	"formation_tracker/internal/events"
	"formation_tracker/internal/formations"
	"formation_tracker/internal/recognizer"
	"formation_tracker/internal/rules"
	"formation_tracker/internal/service"
	"formation_tracker/internal/state"
	"formation_tracker/internal/storage"
	"formation_tracker/internal/target"
)

func usage(w io.Writer) {
	fmt.Fprintln(w, "formation_tracker - commands:")
	fmt.Fprintln(w, "  serve    - run the tracker service")
	fmt.Fprintln(w, "  replay   - recognize formations in a JSONL observation log")
	fmt.Fprintln(w, "  presets  - list built-in rule presets")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  formation_tracker serve [-port 8080] [-memory] [-preset tight_fighter] [-nats nats://...]")
	fmt.Fprintln(w, "  formation_tracker replay -input observations.jsonl [-preset tight_fighter] [-pretty]")
	fmt.Fprintln(w, "  formation_tracker presets [-v]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Run a command with -h for its full flag list.")
	fmt.Fprintln(w, "")
}

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}
	switch strings.ToLower(os.Args[1]) {
	case "serve":
		runServe(os.Args[2:])
	case "replay":
		runReplay(os.Args[2:])
	case "presets":
		runPresets(os.Args[2:])
	case "-h", "--help", "help":
		usage(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		usage(os.Stderr)
		os.Exit(2)
	}
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)

	// ClickHouse (state history, formation event archive).
	chHost := fs.String("ch-host", envOrDefault("CLICKHOUSE_HOST", "localhost"), "ClickHouse host")
	chPort := fs.Int("ch-port", envOrDefaultInt("CLICKHOUSE_PORT", 9000), "ClickHouse native port")
	chDB := fs.String("ch-database", envOrDefault("CLICKHOUSE_DATABASE", "formations"), "ClickHouse database")
	chUser := fs.String("ch-user", envOrDefault("CLICKHOUSE_USER", "default"), "ClickHouse user")
	chPassword := fs.String("ch-password", envOrDefault("CLICKHOUSE_PASSWORD", ""), "ClickHouse password")

	// PostgreSQL (shared warm cache).
	pgHost := fs.String("pg-host", envOrDefault("POSTGRES_HOST", "localhost"), "PostgreSQL host")
	pgPort := fs.Int("pg-port", envOrDefaultInt("POSTGRES_PORT", 5432), "PostgreSQL port")
	pgDB := fs.String("pg-database", envOrDefault("POSTGRES_DATABASE", "formation_state"), "PostgreSQL database")
	pgUser := fs.String("pg-user", envOrDefault("POSTGRES_USER", "formation"), "PostgreSQL user")
	pgPassword := fs.String("pg-password", envOrDefault("POSTGRES_PASSWORD", "formation"), "PostgreSQL password")

	// Local tiers and transports.
	sessionPath := fs.String("sessions", envOrDefault("SESSION_PATH", "sync_sessions.db"), "SQLite file for sync sessions")
	eventPath := fs.String("events-path", envOrDefault("EVENTS_PATH", "formation_events"), "Badger directory for the rolling formation store")
	natsURL := fs.String("nats", envOrDefault("NATS_URL", ""), "NATS server URL (empty disables the publisher)")
	memory := fs.Bool("memory", false, "Run on in-process tiers only, no external databases")
	createSchemas := fs.Bool("create-schemas", false, "Create ClickHouse and PostgreSQL schemas at startup")

	// Rules.
	preset := fs.String("preset", rules.PresetTightFighter, "Built-in rule preset")
	rulesPath := fs.String("rules", "", "Rule set YAML file (overrides -preset)")
	disable := fs.String("disable", "", "Comma-separated rule ids to switch off")

	// API server.
	port := fs.Int("port", envOrDefaultInt("PORT", 8080), "HTTP port")
	authEnabled := fs.Bool("auth", false, "Enable API key authentication")
	apiKeys := fs.String("api-keys", envOrDefault("API_KEYS", ""), "Comma-separated list of valid API keys (when auth enabled)")
	logLevel := fs.String("log-level", envOrDefault("LOG_LEVEL", "info"), "Log level: debug, info, warn, error")

	_ = fs.Parse(args)

	logger := newLogger(*logLevel)
	slog.SetDefault(logger)

	set, err := loadRules(*rulesPath, *preset, *disable)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Loading rules: %v\n", err)
		os.Exit(1)
	}
	set.Log = logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		cache   state.CacheTier
		durable state.DurableSink
		mirror  formations.Mirror
		reg     deltasync.Registry = deltasync.NewMemoryRegistry()
	)
	if !*memory {
		db, err := storage.Open(ctx, storage.Config{
			ClickHouse: storage.ClickHouseConfig{
				Host: *chHost, Port: *chPort, Database: *chDB,
				User: *chUser, Password: *chPassword,
			},
			Postgres: storage.PostgresConfig{
				Host: *pgHost, Port: *pgPort, Database: *pgDB,
				User: *pgUser, Password: *pgPassword,
			},
			SessionPath: *sessionPath,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Opening storage: %v\n", err)
			os.Exit(1)
		}
		defer db.Close()
		if *createSchemas {
			if err := db.CreateSchemas(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "Creating schemas: %v\n", err)
				os.Exit(1)
			}
		}
		cache, durable, mirror, reg = db.PG, db.CH, db.CH, db.Sessions
	}

	scfg := state.DefaultConfig()
	scfg.Logger = logger
	store := state.NewStore(scfg, cache, durable)

	rcfg := recognizer.DefaultConfig()
	rcfg.Logger = logger
	rec := recognizer.New(rcfg, set)

	fcfg := formations.DefaultConfig()
	fcfg.Path = *eventPath
	fcfg.InMemory = *memory
	fcfg.Logger = logger
	fstore, err := formations.Open(fcfg, mirror)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Opening formation store: %v\n", err)
		os.Exit(1)
	}
	defer fstore.Close()

	syncSvc := deltasync.New(deltasync.Config{Logger: logger}, store, reg)
	notifier := events.NewNotifier(events.DefaultConfig())

	var pub *events.Publisher
	if *natsURL != "" {
		pub, err = events.NewPublisher(events.PublisherConfig{
			URL:    *natsURL,
			Name:   "formation_tracker",
			Logger: logger,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Connecting to NATS: %v\n", err)
			os.Exit(1)
		}
		defer pub.Close()
	}

	svcCfg := service.DefaultConfig()
	svcCfg.Logger = logger
	svc := service.New(svcCfg, service.Deps{
		Store:      store,
		Recognizer: rec,
		Formations: fstore,
		Sync:       syncSvc,
		Notifier:   notifier,
		Publisher:  pub,
	})

	var keys []string
	if *apiKeys != "" {
		keys = strings.Split(*apiKeys, ",")
		for i := range keys {
			keys[i] = strings.TrimSpace(keys[i])
		}
	}
	apiSrv := api.NewServer(api.Deps{
		Store:      store,
		Sync:       syncSvc,
		Formations: fstore,
		Notifier:   notifier,
		Recognize:  svc.RecognizeNow,
		Apply:      svc.ApplyBatch,
	}, api.Config{Port: *port, AuthEnabled: *authEnabled, APIKeys: keys, Logger: logger})

	logger.Info("formation tracker starting",
		"port", *port, "rules", set.Name, "memory", *memory, "nats", *natsURL != "")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(gctx) })
	g.Go(func() error { return apiSrv.Run(gctx) })
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "Service error: %v\n", err)
		os.Exit(1)
	}
	logger.Info("formation tracker stopped")
}

// replayReport is the replay command's JSON output.
type replayReport struct {
	Observations int                    `json:"observations"`
	Rejected     int                    `json:"rejected"`
	Passes       int                    `json:"passes"`
	Detected     int                    `json:"formations_detected"`
	Closed       int                    `json:"formations_closed"`
	Formations   []recognizer.Formation `json:"formations"`
}

func runReplay(args []string) {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	inPath := fs.String("input", "", "Input JSONL observations (default: stdin)")
	outPath := fs.String("output", "", "Output JSON file (default: stdout)")
	preset := fs.String("preset", rules.PresetTightFighter, "Built-in rule preset")
	rulesPath := fs.String("rules", "", "Rule set YAML file (overrides -preset)")
	disable := fs.String("disable", "", "Comma-separated rule ids to switch off")
	batch := fs.Int("batch", 100, "Observations applied between recognition passes")
	pretty := fs.Bool("pretty", false, "Pretty-print JSON output")
	showStats := fs.Bool("stats", false, "Print counters to stderr")
	_ = fs.Parse(args)

	set, err := loadRules(*rulesPath, *preset, *disable)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Loading rules: %v\n", err)
		os.Exit(1)
	}

	var r io.Reader = os.Stdin
	if *inPath != "" {
		f, err := os.Open(*inPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open input: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		r = f
	}

	ctx := context.Background()
	store := state.NewStore(state.DefaultConfig(), nil, nil)
	rec := recognizer.New(recognizer.DefaultConfig(), set)
	store.OnUpdate(func(up state.Update) {
		if up.Created || up.Significant {
			rec.MarkDirty(up.State.ID)
		}
	})
	store.OnRemove(func(rm state.Removal) {
		rec.MarkDirty(rm.ID)
	})

	rep := replayReport{}
	pass := func() {
		res := rec.Recognize(store)
		rep.Passes++
		rep.Detected += len(res.Detected)
		rep.Closed += len(res.Closed)
		rep.Formations = res.Formations
	}

	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 16*1024*1024)

	sinceLastPass := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var obs target.Observation
		if err := json.Unmarshal([]byte(line), &obs); err != nil {
			rep.Rejected++
			continue
		}
		if _, err := store.Upsert(ctx, obs); err != nil {
			rep.Rejected++
			continue
		}
		rep.Observations++
		sinceLastPass++
		if *batch > 0 && sinceLastPass >= *batch {
			pass()
			sinceLastPass = 0
		}
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "Input read error: %v\n", err)
		os.Exit(1)
	}
	pass()

	var w io.Writer = os.Stdout
	if *outPath != "" {
		f, err := os.Create(*outPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to create output: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		w = f
	}
	enc := json.NewEncoder(w)
	if *pretty {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(rep); err != nil {
		fmt.Fprintf(os.Stderr, "Output write error: %v\n", err)
		os.Exit(1)
	}

	if *showStats {
		fmt.Fprintf(os.Stderr, "observations=%d rejected=%d passes=%d detected=%d closed=%d live=%d\n",
			rep.Observations, rep.Rejected, rep.Passes, rep.Detected, rep.Closed, len(rep.Formations))
		for i := range set.Rules {
			evals, passed, failed := set.Rules[i].Stats().Snapshot()
			fmt.Fprintf(os.Stderr, "rule %-14s evaluated=%d passed=%d failed=%d\n",
				set.Rules[i].ID, evals, passed, failed)
		}
	}
}

func runPresets(args []string) {
	fs := flag.NewFlagSet("presets", flag.ExitOnError)
	verbose := fs.Bool("v", false, "Show each preset's rules")
	_ = fs.Parse(args)

	for _, name := range rules.PresetNames() {
		set, err := rules.Preset(name)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Preset %s: %v\n", name, err)
			os.Exit(1)
		}
		fmt.Printf("%s (%d rules, threshold %.2f)\n", set.Name, len(set.Rules), set.Threshold)
		if *verbose {
			for _, r := range set.Rules {
				fmt.Printf("  %-14s %-13s priority=%s weight=%.1f\n", r.ID, r.Kind, r.Priority, r.Weight)
			}
		}
	}
}

// loadRules resolves the active rule set. A YAML path wins over the
// preset name; ids listed in disable are switched off after loading.
func loadRules(path, preset, disable string) (*rules.Set, error) {
	var (
		set *rules.Set
		err error
	)
	if path != "" {
		set, err = rules.LoadSetFile(path)
	} else {
		set, err = rules.Preset(preset)
	}
	if err != nil {
		return nil, err
	}

	for _, id := range strings.Split(disable, ",") {
		if id = strings.TrimSpace(id); id == "" {
			continue
		}
		found := false
		for i := range set.Rules {
			if set.Rules[i].ID == id {
				set.Rules[i] = set.Rules[i].Disabled()
				found = true
			}
		}
		if !found {
			return nil, fmt.Errorf("disable: no rule %q in set %s", id, set.Name)
		}
	}
	return set, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err != nil {
			fmt.Fprintf(os.Stderr, "Invalid %s=%q, using %d\n", key, v, defaultVal)
		} else {
			return i
		}
	}
	return defaultVal
}
