// Package cli implements the interactive console of qqbridge. Lines that
// are not bridge commands are passed through to the game server console.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog"

	"github.com/qqbridge-project/qqbridge/internal/config"
	"github.com/qqbridge-project/qqbridge/internal/db"
	"github.com/qqbridge-project/qqbridge/internal/events"
	"github.com/qqbridge-project/qqbridge/internal/plugin"
	"github.com/qqbridge-project/qqbridge/internal/server"
	"github.com/qqbridge-project/qqbridge/internal/util"
)

// GameConsole is the managed game server. *server.ProcessManager
// satisfies it.
type GameConsole interface {
	State() server.GameStateSnapshot
	IsRunning() bool
	PID() int
	Uptime() time.Duration
	Start(ctx context.Context) error
	Stop() error
	Execute(command string) error
}

// Relay runs the !!qq command. *plugin.Plugin satisfies it.
type Relay interface {
	HandleRelayCommand(ctx context.Context, src plugin.CommandSource, message string) bool
}

// StatsSource exposes delivery counters. *db.StatsStore satisfies it.
type StatsSource interface {
	Snapshot() ([]db.DeliveryStats, error)
	Reset() error
}

// Link reports whether one side of the bot connection is up.
type Link interface {
	Connected() bool
}

// CLI provides the interactive console.
type CLI struct {
	cfg      *config.Config
	eventBus *events.EventBus
	game     GameConsole
	relay    Relay
	stats    StatsSource

	linkMu sync.RWMutex
	links  map[string]Link

	in     io.Reader
	out    io.Writer
	logger zerolog.Logger
}

// NewCLI creates a console reading in and writing out. game, relay and
// stats may be nil.
func NewCLI(cfg *config.Config, eventBus *events.EventBus, game GameConsole, relay Relay, stats StatsSource, in io.Reader, out io.Writer) *CLI {
	return &CLI{
		cfg:      cfg,
		eventBus: eventBus,
		game:     game,
		relay:    relay,
		stats:    stats,
		links:    make(map[string]Link),
		in:       in,
		out:      out,
		logger:   util.ComponentLogger("cli"),
	}
}

// AddLink registers a connection shown by the status command.
func (c *CLI) AddLink(name string, l Link) {
	c.linkMu.Lock()
	defer c.linkMu.Unlock()
	c.links[name] = l
}

// Start runs the console loop until ctx is cancelled or input ends.
func (c *CLI) Start(ctx context.Context) {
	fmt.Fprintln(c.out, "\nqqbridge console ready. Type 'help' for available commands.")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			c.logger.Warn().Err(err).Msg("console input failed")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if err := c.Execute(ctx, line); err != nil {
				fmt.Fprintf(c.out, "Error: %v\n", err)
			}
		}
	}
}

// Execute runs one console line.
func (c *CLI) Execute(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if msg, ok := plugin.ParseRelayCommand(line); ok {
		return c.cmdRelay(ctx, msg)
	}

	parts := strings.Fields(line)
	args := parts[1:]
	switch strings.ToLower(parts[0]) {
	case "help", "?":
		c.printHelp()
	case "status":
		c.printStatus()
	case "players":
		c.printPlayers()
	case "stats":
		return c.cmdStats(args)
	case "qq":
		return c.cmdRelay(ctx, strings.TrimSpace(strings.TrimPrefix(line, parts[0])))
	case "sync":
		c.cmdSync()
	case "start":
		return c.cmdStart()
	case "stop":
		return c.cmdStop()
	case "quit", "exit":
		fmt.Fprintln(c.out, "Shutting down qqbridge...")
		if c.eventBus != nil {
			c.eventBus.Emit(ctx, events.Event{Type: events.EventShutdown, Source: "cli"})
		}
	default:
		return c.passThrough(line)
	}
	return nil
}

func (c *CLI) printHelp() {
	fmt.Fprintln(c.out, "\nqqbridge commands")
	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"Command", "Description"})
	tw.SetAutoWrapText(false)
	tw.AppendBulk([][]string{
		{"status", "Show game server and bot connection status"},
		{"players", "List online players"},
		{"stats [reset]", "Show or clear delivery statistics"},
		{"qq <message>", "Send a message to the group (same as " + plugin.RelayCommand + ")"},
		{"sync", "Show whether the bot synchronizes all chat"},
		{"start", "Start the game server"},
		{"stop", "Stop the game server"},
		{"quit", "Shut down qqbridge"},
		{"<anything else>", "Sent to the game server console"},
	})
	tw.Render()
	fmt.Fprintln(c.out)
}

func (c *CLI) printStatus() {
	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"Component", "State", "Detail"})
	tw.SetAutoWrapText(false)

	if c.game != nil {
		state := c.game.State()
		status := state.Status.String()
		detail := "-"
		if c.game.IsRunning() {
			detail = fmt.Sprintf("pid %d, up %s, %d players", c.game.PID(), c.game.Uptime().Round(time.Second), state.PlayerCount)
		}
		tw.Append([]string{"game server", strings.ToUpper(status), detail})
	}

	c.linkMu.RLock()
	names := make([]string, 0, len(c.links))
	for name := range c.links {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		state := "DISCONNECTED"
		if c.links[name].Connected() {
			state = "CONNECTED"
		}
		tw.Append([]string{name, state, c.cfg.GetBot().URI})
	}
	c.linkMu.RUnlock()

	tw.Append([]string{"sync all messages", strconv.FormatBool(c.cfg.SyncAllMessages()), "-"})
	tw.Render()
}

func (c *CLI) printPlayers() {
	if c.game == nil {
		fmt.Fprintln(c.out, "No game server configured")
		return
	}
	players := c.game.State().Players
	if len(players) == 0 {
		fmt.Fprintln(c.out, "No players online")
		return
	}
	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"Player", "Online for"})
	for _, p := range players {
		tw.Append([]string{p.Name, time.Since(p.JoinedAt).Round(time.Second).String()})
	}
	tw.Render()
}

func (c *CLI) cmdStats(args []string) error {
	if c.stats == nil {
		return errors.New("delivery statistics are disabled")
	}
	if len(args) > 0 && strings.EqualFold(args[0], "reset") {
		if err := c.stats.Reset(); err != nil {
			return err
		}
		fmt.Fprintln(c.out, "Delivery statistics cleared")
		return nil
	}

	stats, err := c.stats.Snapshot()
	if err != nil {
		return err
	}
	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"Event", "Delivered", "Failed", "Last delivered"})
	for _, s := range stats {
		last := "-"
		if !s.LastDelivered.IsZero() {
			last = s.LastDelivered.Format(time.RFC3339)
		}
		tw.Append([]string{s.Kind, strconv.FormatInt(s.Delivered, 10), strconv.FormatInt(s.Failed, 10), last})
	}
	tw.Render()
	return nil
}

func (c *CLI) cmdRelay(ctx context.Context, message string) error {
	if c.relay == nil {
		return errors.New("bridge is not running")
	}
	c.relay.HandleRelayCommand(ctx, plugin.ConsoleSource(c.out), message)
	return nil
}

// cmdSync shows the sync flag. The bot owns it; every synchronous reply
// overwrites it.
func (c *CLI) cmdSync() {
	fmt.Fprintf(c.out, "Sync all messages: %v\n", c.cfg.SyncAllMessages())
}

func (c *CLI) cmdStart() error {
	if c.game == nil {
		return errors.New("no game server configured")
	}
	// the server must outlive any command context
	if err := c.game.Start(context.Background()); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Game server started (pid %d)\n", c.game.PID())
	return nil
}

func (c *CLI) cmdStop() error {
	if c.game == nil {
		return errors.New("no game server configured")
	}
	if !c.game.IsRunning() {
		return server.ErrNotRunning
	}
	fmt.Fprintln(c.out, "Stopping game server...")
	return c.game.Stop()
}

func (c *CLI) passThrough(line string) error {
	if c.game == nil || !c.game.IsRunning() {
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", strings.Fields(line)[0])
		return nil
	}
	return c.game.Execute(line)
}
