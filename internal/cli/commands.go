// Package cli implements the interactive operator console for Lighthouse:
// live registry views, policy and mapping inspection, and manual sweeps.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"

	"github.com/lighthouse-project/lighthouse/internal/addrmap"
	"github.com/lighthouse-project/lighthouse/internal/clock"
	"github.com/lighthouse-project/lighthouse/internal/config"
	"github.com/lighthouse-project/lighthouse/internal/events"
	"github.com/lighthouse-project/lighthouse/internal/games"
	"github.com/lighthouse-project/lighthouse/internal/master"
	"github.com/lighthouse-project/lighthouse/internal/registry"
	"github.com/lighthouse-project/lighthouse/internal/scheduler"
)

// CLI provides the interactive operator console.
type CLI struct {
	cfg      *config.Config
	eventBus *events.EventBus
	registry *registry.Registry
	mst      *master.Master
	policy   *games.Policy
	mappings *addrmap.Table
	sched    *scheduler.Scheduler
	clk      *clock.Clock
}

// NewCLI creates a new console handler.
func NewCLI(cfg *config.Config, eventBus *events.EventBus, reg *registry.Registry, mst *master.Master,
	policy *games.Policy, mappings *addrmap.Table, sched *scheduler.Scheduler, clk *clock.Clock) *CLI {
	return &CLI{
		cfg:      cfg,
		eventBus: eventBus,
		registry: reg,
		mst:      mst,
		policy:   policy,
		mappings: mappings,
		sched:    sched,
		clk:      clk,
	}
}

// Start begins the interactive console loop.
func (c *CLI) Start(ctx context.Context) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "lighthouse> ",
		HistoryFile:     filepath.Join(os.TempDir(), "lighthouse_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		log.Warn().Err(err).Msg("console unavailable, running headless")
		<-ctx.Done()
		return
	}
	defer rl.Close()

	// Unblock Readline when the rest of the process shuts down.
	go func() {
		<-ctx.Done()
		rl.Close()
	}()

	fmt.Println("\nLighthouse console ready. Type 'help' for available commands.")

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			if err == io.EOF {
				return
			}
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		if err := c.execute(ctx, cmd, args); err != nil {
			fmt.Printf("Error: %v\n", err)
		}
	}
}

// execute processes a single console command.
func (c *CLI) execute(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "servers", "s":
		c.printServers(args)
	case "stats":
		c.printStats()
	case "games":
		c.printGames()
	case "mappings":
		c.printMappings()
	case "sweep":
		removed := c.registry.Sweep()
		fmt.Printf("Swept %d timed-out records\n", removed)
	case "snapshot":
		return c.cmdSnapshot(args)
	case "quit", "exit", "q":
		fmt.Println("Shutting down Lighthouse...")
		c.eventBus.Emit(ctx, events.Event{
			Type:   events.EventShutdown,
			Source: "cli",
		})
	default:
		fmt.Printf("Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return nil
}

// printHelp displays available commands.
func (c *CLI) printHelp() {
	fmt.Println("\nCommands:")
	fmt.Println("  servers [game]    Show live server records, optionally one game only")
	fmt.Println("  stats             Show registry occupancy and wire counters")
	fmt.Println("  games             Show the game name policy")
	fmt.Println("  mappings          Show configured address mappings")
	fmt.Println("  sweep             Evict every timed-out record now")
	fmt.Println("  snapshot [path]   Dump the live server list to a file")
	fmt.Println("  quit              Shut down Lighthouse")
	fmt.Println("  help              Show this help message")
	fmt.Println()
}

// printServers displays live records in a formatted table.
func (c *CLI) printServers(args []string) {
	servers := c.registry.Snapshot()

	var game string
	if len(args) > 0 {
		game = args[0]
	}

	now := c.clk.Now()
	fmt.Println()

	tw := tablewriter.NewWriter(os.Stdout)
	tw.SetHeader([]string{"Address", "Family", "State", "Game", "Proto", "Map", "Hostname", "TTL"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	shown := 0
	for _, sv := range servers {
		if game != "" && sv.Game != game {
			continue
		}
		shown++

		address := sv.Address
		if sv.MappedTo != "" {
			address = fmt.Sprintf("%s => %s", sv.Address, sv.MappedTo)
		}

		tw.Append([]string{
			address,
			sv.Family,
			sv.State.String(),
			sv.Game,
			fmt.Sprintf("%d", sv.Protocol),
			sv.Map,
			sv.HostName,
			fmt.Sprintf("%ds", sv.Timeout-now),
		})
	}

	tw.Render()
	fmt.Printf("%d records\n\n", shown)
}

// printStats displays registry occupancy and wire counters.
func (c *CLI) printStats() {
	stats := c.registry.Stats()
	wire := c.mst.CounterValues()

	fmt.Println()
	fmt.Printf("  Active servers:   %d / %d (ipv4 %d, ipv6 %d)\n",
		stats.Active, stats.Capacity, stats.IPv4, stats.IPv6)
	for game, servers := range stats.PerGame {
		fmt.Printf("    %-24s %d\n", game, servers)
	}
	fmt.Printf("  Registrations:    %d (evicted %d)\n",
		stats.Counters.Registrations, stats.Counters.Evictions)
	fmt.Printf("  Refused:          quota %d, full %d, loopback %d\n",
		stats.Counters.QuotaRejections, stats.Counters.FullRejections, stats.Counters.LoopbackRejections)
	fmt.Printf("  Heartbeats:       %d\n", wire.Heartbeats)
	fmt.Printf("  Info responses:   %d (challenge mismatch %d, policy %d)\n",
		wire.InfoResponses, wire.ChallengeMismatches, wire.PolicyRejections)
	fmt.Printf("  Queries served:   %d\n", wire.Queries)
	fmt.Printf("  Invalid packets:  %d\n", wire.InvalidPackets)
	fmt.Println()
}

// printGames displays the game name policy.
func (c *CLI) printGames() {
	names := c.policy.Names()

	fmt.Println()
	if len(names) == 0 {
		fmt.Println("  No game policy: every game name is accepted.")
		fmt.Println()
		return
	}

	fmt.Printf("  Policy mode: %s\n", c.policy.Mode())
	for _, name := range names {
		fmt.Printf("    %s\n", name)
	}
	fmt.Println()
}

// printMappings displays the address mapping table.
func (c *CLI) printMappings() {
	mappings := c.mappings.All()

	fmt.Println()
	if len(mappings) == 0 {
		fmt.Println("  No address mappings configured.")
		fmt.Println()
		return
	}

	tw := tablewriter.NewWriter(os.Stdout)
	tw.SetHeader([]string{"From", "To"})
	tw.SetBorder(true)

	for _, m := range mappings {
		tw.Append([]string{m.From(), m.To()})
	}

	tw.Render()
	fmt.Println()
}

// cmdSnapshot dumps the live server list to a file.
func (c *CLI) cmdSnapshot(args []string) error {
	path := c.cfg.GetApplicationData().Snapshot.Path
	if len(args) > 0 {
		path = args[0]
	}
	if path == "" {
		return fmt.Errorf("usage: snapshot <path>")
	}

	if err := c.sched.WriteSnapshot(path); err != nil {
		return err
	}
	fmt.Printf("Snapshot written to %s\n", path)
	return nil
}
