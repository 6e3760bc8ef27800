// Lighthouse - master server for DarkPlaces-protocol games.
//
// Lighthouse keeps a registry of live game servers that announce
// themselves over UDP heartbeats, verifies each announcement with a
// challenge probe, and answers client queries with compact address
// lists. Around that core it exposes a read-only REST API, publishes
// telemetry via MQTT, archives registry statistics to SQLite, and
// offers an interactive operator console.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/lighthouse-project/lighthouse/internal/addrmap"
	"github.com/lighthouse-project/lighthouse/internal/api"
	console "github.com/lighthouse-project/lighthouse/internal/cli"
	"github.com/lighthouse-project/lighthouse/internal/clock"
	"github.com/lighthouse-project/lighthouse/internal/config"
	"github.com/lighthouse-project/lighthouse/internal/db"
	"github.com/lighthouse-project/lighthouse/internal/events"
	"github.com/lighthouse-project/lighthouse/internal/games"
	"github.com/lighthouse-project/lighthouse/internal/master"
	"github.com/lighthouse-project/lighthouse/internal/network"
	"github.com/lighthouse-project/lighthouse/internal/registry"
	"github.com/lighthouse-project/lighthouse/internal/scheduler"
	"github.com/lighthouse-project/lighthouse/internal/telemetry"
	"github.com/lighthouse-project/lighthouse/internal/util"
)

const (
	AppName    = "Lighthouse"
	AppVersion = "1.0.0"
	Banner     = `
  _     _       _     _   _
 | |   (_) __ _| |__ | |_| |__   ___  _   _ ___  ___
 | |   | |/ _' | '_ \| __| '_ \ / _ \| | | / __|/ _ \
 | |___| | (_| | | | | |_| | | | (_) | |_| \__ \  __/
 |_____|_|\__, |_| |_|\__|_| |_|\___/ \__,_|___/\___|
          |___/                        v%s
 Master Server for DarkPlaces-Protocol Games
`
)

// resolveTimeout bounds the DNS work done for address mappings at
// startup so a dead resolver cannot hang the boot sequence.
const resolveTimeout = 10 * time.Second

func main() {
	app := &cli.App{
		Name:    "lighthouse",
		Usage:   "master server for DarkPlaces-protocol games",
		Version: AppVersion,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config-dir",
				Aliases: []string{"c"},
				Value:   config.DefaultConfigDir,
				Usage:   "directory holding config.json",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "override the configured log level (trace/debug/info/warn/error)",
			},
		},
		Action: runServe,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the master server (default when no command is given)",
				Action: runServe,
			},
			{
				Name:   "check-config",
				Usage:  "validate the configuration, dry-run the game policy and address mappings, then exit",
				Action: runCheckConfig,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(c *cli.Context) error {
	// Print banner
	fmt.Printf(Banner, AppVersion)
	fmt.Println()

	// Initialize logger with defaults first (will be reconfigured after config load)
	if err := util.InitLogger(util.DefaultLogConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info().
		Str("version", AppVersion).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Int("cpus", runtime.NumCPU()).
		Msg("starting Lighthouse")

	// Load configuration
	cfg, err := config.Load(c.String("config-dir"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	// Re-initialize logger with config-based settings
	logging := cfg.GetApplicationData().Logging
	logCfg := util.LogConfig{
		Level:      logging.Level,
		Directory:  logging.Directory,
		MaxSizeMB:  logging.MaxSizeMB,
		MaxBackups: logging.MaxBackups,
		Console:    true,
	}
	if lvl := c.String("log-level"); lvl != "" {
		logCfg.Level = lvl
	}
	if err := util.InitLogger(logCfg); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}

	// Validate configuration
	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		log.Fatal().Msg("configuration validation failed, please fix the errors above")
	}

	// Log system info
	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("system information")

	md := cfg.GetMasterData()
	appData := cfg.GetApplicationData()

	// Create root context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize core components
	eventBus := events.NewEventBus()
	clk := clock.New()

	// Game policy: which game names may register
	policy := games.NewPolicy(util.ComponentLogger("games"))
	if len(md.GamePolicy.Games) > 0 {
		if err := policy.Declare(md.GamePolicy.Mode, md.GamePolicy.Games); err != nil {
			log.Fatal().Err(err).Msg("invalid game policy")
		}
	}

	// Address mappings: rewrites applied to registered addresses before
	// they are published to clients. Resolution failures are fatal: a
	// mapping that silently never matches would hide servers instead of
	// redirecting them.
	mappings := addrmap.NewTable(util.ComponentLogger("addrmap"))
	for _, m := range md.AddressMappings {
		if err := mappings.Add(m); err != nil {
			log.Fatal().Err(err).Str("mapping", m).Msg("invalid address mapping")
		}
	}
	resolveCtx, cancelResolve := context.WithTimeout(ctx, resolveTimeout)
	err = mappings.ResolveAll(resolveCtx)
	cancelResolve()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to resolve address mappings")
	}

	// Server registry (central data structure)
	reg, err := registry.New(registry.Options{
		HashSize:      md.HashSize,
		MaxServers:    md.MaxServers,
		MaxPerAddress: md.MaxServersPerAddress,
		HashPorts:     md.HashPorts,
		AllowLoopback: md.AllowLoopback,
		EnableIPv4:    md.EnableIPv4,
		EnableIPv6:    md.EnableIPv6,
	}, clk, mappings, util.ComponentLogger("registry"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create server registry")
	}

	// Protocol handler and UDP listener
	mst := master.New(cfg, reg, policy, clk, eventBus, nil)
	udpListener := network.NewUDPListener(cfg, mst, clk)

	// Statistics archive (SQLite)
	var archive *db.StatsArchive
	if appData.Stats.Enabled {
		archive, err = db.NewStatsArchive(appData.Stats.DatabasePath)
		if err != nil {
			log.Warn().Err(err).Msg("failed to open statistics archive, stats disabled")
			archive = nil
		}
	}

	// REST API
	var apiServer *api.Server
	if appData.API.Enabled {
		apiServer = api.NewServer(cfg, reg, mst, archive)
	}

	// MQTT telemetry
	var mqttHandler *telemetry.MQTTHandler
	if appData.MQTT.Enabled {
		mqttHandler, err = telemetry.NewMQTTHandler(cfg, eventBus)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		}
	}

	// Scheduler (snapshots, stat sampling, pruning, status beacons)
	sched := scheduler.NewScheduler(cfg, eventBus, reg, mst, archive)

	// Interactive console
	cliHandler := console.NewCLI(cfg, eventBus, reg, mst, policy, mappings, sched, clk)

	// The console's quit command requests shutdown through the event
	// bus rather than killing the process itself.
	shutdownCh := make(chan struct{}, 1)
	eventBus.Subscribe(events.EventShutdown, "main", func(ctx context.Context, ev events.Event) error {
		select {
		case shutdownCh <- struct{}{}:
		default:
		}
		return nil
	})

	// ---------------------------------------------------------------
	// Launch all concurrent tasks
	// ---------------------------------------------------------------
	var wg sync.WaitGroup
	errCh := make(chan error, 10)

	// Task 1: UDP master listener. This is the whole point of the
	// process, so persistent bind failure is fatal.
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Int("port", md.Port).Msg("starting UDP master listener")
		if err := startWithRetry(ctx, "UDP listener", udpListener.Start, 15); err != nil {
			log.Error().Err(err).Msg("UDP listener failed after retries")
			errCh <- fmt.Errorf("udp listener: %w", err)
		}
	}()

	// Task 2: one-shot self test against the freshly bound port
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
		if err := udpListener.SelfTest(); err != nil {
			log.Warn().Err(err).Msg("master port self-test failed")
			return
		}
		log.Info().Msg("master port self-test passed")
	}()

	// Task 3: REST API server (with retry for port binding)
	if apiServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Int("port", appData.API.Port).Msg("starting REST API server")
			if err := startWithRetry(ctx, "API server", apiServer.Start, 15); err != nil {
				log.Warn().Err(err).Msg("API server failed after retries (non-fatal)")
			}
		}()
	}

	// Task 4: MQTT telemetry
	if mqttHandler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Msg("starting MQTT telemetry")
			if err := mqttHandler.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed")
			}
		}()
	}

	// Task 5: Scheduler
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Msg("starting task scheduler")
		sched.Start(ctx)
	}()

	// Task 6: Interactive console
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Msg("starting interactive console")
		cliHandler.Start(ctx)
	}()

	// ---------------------------------------------------------------
	// Graceful shutdown handling
	// ---------------------------------------------------------------
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-shutdownCh:
		log.Info().Msg("shutdown requested from console")
	case err := <-errCh:
		log.Error().Err(err).Msg("critical error, initiating shutdown")
	}

	log.Info().Msg("initiating graceful shutdown...")

	// Cancel the root context to signal all goroutines
	cancel()

	// Emit shutdown event
	eventBus.Emit(ctx, events.Event{
		Type:   events.EventShutdown,
		Source: "main",
	})

	// Wait for all goroutines with timeout
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("shutdown timed out after 30 seconds, forcing exit")
	}

	// Close the statistics archive after its writers have stopped
	if archive != nil {
		if err := archive.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close statistics archive")
		}
	}

	// Stop the event bus last
	eventBus.Stop()

	log.Info().Msg("Lighthouse stopped")
	return nil
}

// runCheckConfig loads and validates the configuration without starting
// anything. Beyond static validation it dry-runs the two config
// consumers that have their own rejects: the game policy declaration
// (duplicate names) and address mapping construction (bad syntax,
// chained mappings, unresolvable hosts).
func runCheckConfig(c *cli.Context) error {
	zerolog.SetGlobalLevel(zerolog.WarnLevel)

	cfg, err := config.Load(c.String("config-dir"))
	if err != nil {
		return cli.Exit(fmt.Sprintf("failed to load configuration: %v", err), 1)
	}
	fmt.Printf("config: %s\n", cfg.Path())

	result := config.Validate(cfg)
	for _, w := range result.Warnings {
		fmt.Printf("warning: %s: %s\n", w.Field, w.Message)
	}
	for _, e := range result.Errors {
		fmt.Printf("error: %s: %s\n", e.Field, e.Message)
	}
	ok := result.IsValid()

	md := cfg.GetMasterData()

	policy := games.NewPolicy(util.ComponentLogger("games"))
	if len(md.GamePolicy.Games) > 0 {
		if err := policy.Declare(md.GamePolicy.Mode, md.GamePolicy.Games); err != nil {
			fmt.Printf("error: game_policy: %v\n", err)
			ok = false
		}
	}

	mappings := addrmap.NewTable(util.ComponentLogger("addrmap"))
	for _, m := range md.AddressMappings {
		if err := mappings.Add(m); err != nil {
			fmt.Printf("error: address_mappings: %v\n", err)
			ok = false
		}
	}
	resolveCtx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()
	if err := mappings.ResolveAll(resolveCtx); err != nil {
		fmt.Printf("error: address_mappings: %v\n", err)
		ok = false
	}
	for _, m := range mappings.All() {
		fmt.Printf("mapping: %s\n", m)
	}

	if !ok {
		return cli.Exit("configuration is invalid", 1)
	}
	fmt.Println("configuration OK")
	return nil
}

// startWithRetry attempts to start a listener/server with retry on bind
// errors. Uses a fixed 3-second interval between retries, which gives
// the OS time to release sockets after a previous instance was killed.
// Returns nil on success, or the last error after all retries fail.
func startWithRetry(ctx context.Context, name string, startFn func(context.Context) error, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = startFn(ctx)
		if lastErr == nil {
			return nil
		}
		if i < maxRetries {
			log.Warn().Err(lastErr).Str("component", name).Int("retry", i+1).Int("max", maxRetries).Msg("bind failed, retrying in 3s...")
			time.Sleep(3 * time.Second)
		}
	}
	return lastErr
}
