// Toolwire connects to tool servers over a request/response channel,
// lists their tools and invokes them.
//
// It runs as a one-shot CLI for inspecting and calling tools, or as a
// long-lived gateway that keeps every configured server connected and
// exposes their tools over HTTP. Configuration is loaded from a single
// YAML file discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	toolwire serve                          Supervise servers and start the API
//	toolwire init [dir]                     Write an example config
//	toolwire tools [server]                 List tools on configured servers
//	toolwire call <server> <tool> [json]    Invoke a tool
//	toolwire history [flags]                Show recorded invocations
//	toolwire version                        Print version and build information
//	toolwire -o json version                Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nugget/toolwire/internal/api"
	"github.com/nugget/toolwire/internal/buildinfo"
	"github.com/nugget/toolwire/internal/config"
	"github.com/nugget/toolwire/internal/events"
	"github.com/nugget/toolwire/internal/ledger"
	"github.com/nugget/toolwire/internal/mcp"
	"github.com/nugget/toolwire/internal/metrics"
	"github.com/nugget/toolwire/internal/mqtt"
	"github.com/nugget/toolwire/internal/process"
	"github.com/nugget/toolwire/internal/supervise"
	"github.com/nugget/toolwire/internal/tools"
)

// ledgerFile is the invocation ledger's name inside the data directory.
const ledgerFile = "ledger.db"

// main constructs the OS-level environment (context, stdio, argv) and
// delegates immediately to [run], so the whole lifecycle can be driven
// from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the toolwire command. Command output
// goes to stdout; logs from one-shot commands go to stderr so output
// stays machine-readable. args is os.Args[1:].
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	// Parsed by hand: the flag package's globals get in the way of
	// calling run concurrently from tests.
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "tools":
		server := ""
		if len(cmdArgs) > 0 {
			server = cmdArgs[0]
		}
		return runTools(ctx, stdout, stderr, configPath, outputFmt, server)
	case "call":
		if len(cmdArgs) < 2 {
			return fmt.Errorf("usage: toolwire call <server> <tool> [json-arguments]")
		}
		argsJSON := ""
		if len(cmdArgs) > 2 {
			argsJSON = strings.Join(cmdArgs[2:], " ")
		}
		return runCall(ctx, stdout, stderr, configPath, outputFmt, cmdArgs[0], cmdArgs[1], argsJSON)
	case "history":
		return runHistory(ctx, stdout, configPath, outputFmt, cmdArgs)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Toolwire - tool server client and gateway")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: toolwire [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                         Supervise servers and start the API")
	fmt.Fprintln(w, "  init [dir]                    Write an example config (default: .)")
	fmt.Fprintln(w, "  tools [server]                List tools on configured servers")
	fmt.Fprintln(w, "  call <server> <tool> [json]   Invoke a tool with JSON arguments")
	fmt.Fprintln(w, "  history [flags]               Show recorded invocations")
	fmt.Fprintln(w, "  version                       Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "History flags:")
	fmt.Fprintln(w, "  -server <name>  -tool <name>  -outcome <kind>  -since <duration>")
	fmt.Fprintln(w, "  -n <count>      -summary")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/toolwire/config.yaml, /etc/toolwire/config.yaml")
	return nil
}

// serverListing is one server's catalog as printed by the tools command.
type serverListing struct {
	Server     string               `json:"server"`
	ServerInfo *mcp.ServerInfo      `json:"server_info,omitempty"`
	Tools      []mcp.ToolDescriptor `json:"tools"`
	Error      string               `json:"error,omitempty"`
}

// runTools connects to each configured server (or only the named one),
// fetches its catalog and prints it. A server that cannot be reached is
// reported and the rest are still listed.
func runTools(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt, only string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := cliLogger(stderr, cfg)

	servers := cfg.Servers
	if only != "" {
		sc, ok := cfg.Server(only)
		if !ok {
			return fmt.Errorf("no server named %q in config", only)
		}
		servers = []config.ServerConfig{sc}
	}

	var listings []serverListing
	var errs []error
	for _, sc := range servers {
		l := serverListing{Server: sc.Name, Tools: []mcp.ToolDescriptor{}}
		descs, info, err := listServer(ctx, sc, logger)
		if err != nil {
			l.Error = err.Error()
			errs = append(errs, err)
		} else {
			l.Tools = descs
			l.ServerInfo = &info
		}
		listings = append(listings, l)
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(listings); err != nil {
			return err
		}
	} else {
		printListings(stdout, listings)
	}
	return errors.Join(errs...)
}

func listServer(ctx context.Context, sc config.ServerConfig, logger *slog.Logger) ([]mcp.ToolDescriptor, mcp.ServerInfo, error) {
	mc, err := clientConfig(sc)
	if err != nil {
		return nil, mcp.ServerInfo{}, err
	}
	mc.Logger = logger

	client, err := mcp.Connect(ctx, mc)
	if err != nil {
		return nil, mcp.ServerInfo{}, err
	}
	defer client.Close()

	descs, err := client.ListTools(ctx)
	if err != nil {
		return nil, mcp.ServerInfo{}, fmt.Errorf("list tools on %s: %w", sc.Name, err)
	}
	return descs, client.ServerInfo(), nil
}

func printListings(w io.Writer, listings []serverListing) {
	for i, l := range listings {
		if i > 0 {
			fmt.Fprintln(w)
		}
		if l.Error != "" {
			fmt.Fprintf(w, "%s: unavailable (%s)\n", l.Server, l.Error)
			continue
		}
		fmt.Fprintf(w, "%s: %s %s, %d tools\n", l.Server, l.ServerInfo.Name, l.ServerInfo.Version, len(l.Tools))
		for _, td := range l.Tools {
			fmt.Fprintf(w, "  %-20s %s\n", td.Name, td.Description)
			for _, p := range td.Params {
				req := ""
				if p.Required {
					req = ", required"
				}
				typ := p.Type
				if typ == "" {
					typ = "any"
				}
				fmt.Fprintf(w, "      %s (%s%s)\n", p.Name, typ, req)
			}
		}
	}
}

// runCall invokes one tool and prints its text result. The invocation is
// recorded in the ledger when the data directory is usable.
func runCall(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt, server, tool, argsJSON string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := cliLogger(stderr, cfg)

	sc, ok := cfg.Server(server)
	if !ok {
		return fmt.Errorf("no server named %q in config", server)
	}

	var args map[string]any
	if strings.TrimSpace(argsJSON) != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return fmt.Errorf("arguments must be a JSON object: %w", err)
		}
	}

	mc, err := clientConfig(sc)
	if err != nil {
		return err
	}
	mc.Logger = logger
	if store, err := openLedger(cfg.DataDir); err != nil {
		logger.Warn("invocation ledger unavailable, call will not be recorded", "error", err)
	} else {
		defer store.Close()
		mc.Recorder = store
	}

	client, err := mcp.Connect(ctx, mc)
	if err != nil {
		return err
	}
	defer client.Close()

	res, err := client.Invoke(ctx, tool, args)
	if err != nil {
		return fmt.Errorf("%s: %w", mcp.ErrorKind(err), err)
	}

	if outputFmt == "json" {
		_, err := fmt.Fprintln(stdout, string(res.Raw))
		return err
	}
	_, err = fmt.Fprintln(stdout, res.Text())
	return err
}

// historyOptions are the history command's flags.
type historyOptions struct {
	filter  ledger.Filter
	since   time.Duration
	limit   int
	summary bool
}

func parseHistoryArgs(args []string) (historyOptions, error) {
	opts := historyOptions{limit: 20, since: 24 * time.Hour}
	for i := 0; i < len(args); i++ {
		flagName := args[i]
		if flagName == "-summary" {
			opts.summary = true
			continue
		}
		if i+1 >= len(args) {
			return opts, fmt.Errorf("history: flag %s needs a value", flagName)
		}
		value := args[i+1]
		i++
		switch flagName {
		case "-server":
			opts.filter.Server = value
		case "-tool":
			opts.filter.Tool = value
		case "-outcome":
			opts.filter.Outcome = value
		case "-since":
			d, err := time.ParseDuration(value)
			if err != nil || d <= 0 {
				return opts, fmt.Errorf("history: -since must be a positive duration like 1h")
			}
			opts.since = d
		case "-n":
			n, err := strconv.Atoi(value)
			if err != nil || n <= 0 {
				return opts, fmt.Errorf("history: -n must be a positive integer")
			}
			opts.limit = n
		default:
			return opts, fmt.Errorf("history: unknown flag %s", flagName)
		}
	}
	return opts, nil
}

// runHistory prints recent ledger entries, or per-tool totals with
// -summary.
func runHistory(ctx context.Context, stdout io.Writer, configPath, outputFmt string, args []string) error {
	opts, err := parseHistoryArgs(args)
	if err != nil {
		return err
	}
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	store, err := openLedger(cfg.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	now := time.Now()
	start := now.Add(-opts.since)

	if opts.summary {
		byTool, err := store.SummaryByTool(ctx, start, now)
		if err != nil {
			return err
		}
		if outputFmt == "json" {
			enc := json.NewEncoder(stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(byTool)
		}
		return printSummary(stdout, byTool)
	}

	opts.filter.Since = start
	entries, err := store.Recent(ctx, opts.filter, opts.limit)
	if err != nil {
		return err
	}
	if outputFmt == "json" {
		if entries == nil {
			entries = []ledger.Entry{}
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}
	return printEntries(stdout, entries)
}

func printEntries(w io.Writer, entries []ledger.Entry) error {
	if len(entries) == 0 {
		_, err := fmt.Fprintln(w, "no invocations recorded")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tSERVER\tTOOL\tOUTCOME\tDURATION\tERROR")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Started.Local().Format(time.DateTime),
			e.Server,
			e.Tool,
			e.Outcome,
			e.Duration.Round(time.Millisecond),
			e.Error,
		)
	}
	return tw.Flush()
}

func printSummary(w io.Writer, byTool map[string]*ledger.Summary) error {
	if len(byTool) == 0 {
		_, err := fmt.Fprintln(w, "no invocations recorded")
		return err
	}
	keys := make([]string, 0, len(byTool))
	for k := range byTool {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TOOL\tCALLS\tFAILURES\tMEAN")
	for _, k := range keys {
		s := byTool[k]
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\n", k, s.Calls, s.Failures, s.MeanDuration().Round(time.Millisecond))
	}
	return tw.Flush()
}

// runServe keeps every configured server connected, bridges their tools
// into one registry and serves the HTTP API until SIGINT or SIGTERM.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. MQTT publishes "offline" and disconnects
//  3. The HTTP server drains in-flight requests
//  4. Supervisors close their clients and the ledger is closed via defers
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting toolwire", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure now that the desired level and format are known.
	{
		level := slog.LevelInfo
		if cfg.LogLevel != "" {
			// Already validated by config.Validate.
			level, _ = config.ParseLogLevel(cfg.LogLevel)
		}
		logger = newLogger(stdout, level, cfg.LogFormat)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"servers", len(cfg.Servers),
		"data_dir", cfg.DataDir,
	)

	store, err := openLedger(cfg.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.New(reg)
	bus := events.New()
	registry := tools.NewRegistry()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	supervisors := supervise.NewManager()
	defer supervisors.Stop()

	backoff := supervise.DefaultBackoffConfig()
	if cfg.Supervise.PollInterval > 0 {
		backoff.PollInterval = cfg.Supervise.PollInterval
	}
	if cfg.Supervise.MaxDelay > 0 {
		backoff.MaxDelay = cfg.Supervise.MaxDelay
	}

	for _, sc := range cfg.Servers {
		mc, err := clientConfig(sc)
		if err != nil {
			return err
		}
		mc.Logger = logger
		mc.Events = bus
		mc.Metrics = collector
		mc.Recorder = store

		supervisors.Watch(ctx, supervise.Config{
			Name:    sc.Name,
			Dial:    func(ctx context.Context) (*mcp.Client, error) { return mcp.Connect(ctx, mc) },
			Backoff: backoff,
			OnReady: bridgeOnReady(registry, sc, logger),
			OnDown: func(err error) {
				n := registry.Unregister(sc.Name)
				logger.Warn("tool server down, tools withdrawn", "server", sc.Name, "tools", n, "error", err)
			},
			Logger:  logger,
			Events:  bus,
			Metrics: collector,
		})
	}

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, supervisors, registry, logger)
	server.SetLedger(store)
	server.SetMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	// --- MQTT publisher ---
	// Optional: forwards bus events and publishes gateway sensors.
	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("load mqtt instance id: %w", err)
		}
		logger.Info("mqtt instance ID loaded", "instance_id", instanceID)

		mqttPub = mqtt.New(cfg.MQTT, instanceID, bus, &mqttStatsAdapter{supervisors: supervisors}, logger)
		go func() {
			if err := mqttPub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.Broker,
			"device_name", cfg.MQTT.DeviceName,
			"interval", cfg.MQTT.PublishIntervalSec,
		)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		if mqttPub != nil {
			offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer offlineCancel()
			if err := mqttPub.Stop(offlineCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("toolwire stopped")
	return nil
}

// bridgeOnReady registers a newly connected server's tools. A catalog
// failure leaves the server connected with no tools exposed; the next
// reconnect tries again.
func bridgeOnReady(registry *tools.Registry, sc config.ServerConfig, logger *slog.Logger) func(context.Context, *mcp.Client) {
	return func(ctx context.Context, c *mcp.Client) {
		n, err := mcp.BridgeTools(ctx, c, registry, sc.Include, sc.Exclude, logger)
		if err != nil {
			logger.Error("bridging tools failed", "server", sc.Name, "error", err)
			return
		}
		logger.Info("tools bridged", "server", sc.Name, "count", n)
	}
}

// clientConfig converts a server entry to client options. Logger,
// events, metrics and recorder are left for the caller.
func clientConfig(sc config.ServerConfig) (mcp.Config, error) {
	framing, err := mcp.ParseFraming(sc.Framing)
	if err != nil {
		return mcp.Config{}, fmt.Errorf("server %s: %w", sc.Name, err)
	}
	return mcp.Config{
		Name:      sc.Name,
		Transport: sc.Transport,
		Process: process.Spec{
			Command: sc.Command,
			Args:    sc.Args,
			Dir:     sc.Dir,
			Env:     sc.Env,
		},
		StopGrace:    sc.StopGrace,
		URL:          sc.URL,
		Headers:      sc.Headers,
		Framing:      framing,
		MaxFrameSize: sc.MaxFrameSize,
		Timeout:      sc.Timeout,
		Sequential:   sc.Sequential,
		RateLimit:    sc.RateLimit,
		RateBurst:    sc.RateBurst,
	}, nil
}

// openLedger opens the invocation ledger, creating the data directory
// if needed.
func openLedger(dataDir string) (*ledger.Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	store, err := ledger.Open(filepath.Join(dataDir, ledgerFile))
	if err != nil {
		return nil, fmt.Errorf("open invocation ledger: %w", err)
	}
	return store, nil
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Format must be "text" or "json"; any other value
// defaults to text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// cliLogger is the logger for one-shot commands. It stays at warn unless
// the config asks for something more verbose.
func cliLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	level := slog.LevelWarn
	if cfg.LogLevel != "" {
		if l, err := config.ParseLogLevel(cfg.LogLevel); err == nil && l < slog.LevelInfo {
			level = l
		}
	}
	return newLogger(w, level, cfg.LogFormat)
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist).
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// mqttStatsAdapter bridges build info and supervisor health to the MQTT
// publisher's [mqtt.StatsSource] interface.
type mqttStatsAdapter struct {
	supervisors *supervise.Manager
}

func (a *mqttStatsAdapter) Uptime() time.Duration { return buildinfo.Uptime() }
func (a *mqttStatsAdapter) Version() string       { return buildinfo.Version }

func (a *mqttStatsAdapter) ServersReady() (ready, total int) {
	st := a.supervisors.Status()
	for _, s := range st {
		if s.Ready {
			ready++
		}
	}
	return ready, len(st)
}
