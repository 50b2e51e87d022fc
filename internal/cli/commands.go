// Package cli implements the interactive operator console for the
// GameStore daemon: catalog and room inspection plus room teardown,
// running alongside the TCP listener.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"

	"github.com/gamestore-project/gamestored/internal/config"
	"github.com/gamestore-project/gamestored/internal/events"
	"github.com/gamestore-project/gamestored/internal/room"
	"github.com/gamestore-project/gamestored/internal/store"
	"github.com/gamestore-project/gamestored/internal/util"
)

// CLI provides an interactive command-line interface.
type CLI struct {
	cfg      *config.Config
	eventBus *events.EventBus
	catalog  *store.Catalog
	rooms    *room.Orchestrator
}

// NewCLI creates a new CLI handler.
func NewCLI(cfg *config.Config, eventBus *events.EventBus, catalog *store.Catalog, rooms *room.Orchestrator) *CLI {
	return &CLI{
		cfg:      cfg,
		eventBus: eventBus,
		catalog:  catalog,
		rooms:    rooms,
	}
}

// Start begins the interactive CLI loop.
func (c *CLI) Start(ctx context.Context) {
	fmt.Println("\nGameStore CLI ready. Type 'help' for available commands.")
	fmt.Println("─────────────────────────────────────────────────────")

	reader := bufio.NewScanner(os.Stdin)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		fmt.Print("gamestore> ")
		if !reader.Scan() {
			if err := reader.Err(); err != nil && err != io.EOF {
				log.Warn().Err(err).Msg("CLI input error")
			}
			return
		}

		line := strings.TrimSpace(reader.Text())
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

// execute processes a single CLI command.
func (c *CLI) execute(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		c.printStatus()
	case "games", "g":
		return c.printGames()
	case "rooms", "r":
		c.printRooms()
	case "close":
		return c.cmdCloseRoom(ctx, args)
	case "sweep":
		evicted := c.rooms.Sweep(ctx)
		fmt.Printf("Sweep complete: %d dead room(s) evicted\n", evicted)
	case "quit", "exit", "q":
		fmt.Println("Shutting down GameStore...")
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
	fmt.Println("\n╔══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                    GameStore CLI Commands                    ║")
	fmt.Println("╠══════════════════════════════════════════════════════════════╣")
	fmt.Println("║  status             Show daemon and host status              ║")
	fmt.Println("║  games              List the game catalog                    ║")
	fmt.Println("║  rooms              List active game rooms                   ║")
	fmt.Println("║  close <room_id>    Stop a room's server and remove it       ║")
	fmt.Println("║  sweep              Evict rooms whose server has exited      ║")
	fmt.Println("║  quit               Shutdown GameStore                       ║")
	fmt.Println("║  help               Show this help message                   ║")
	fmt.Println("╚══════════════════════════════════════════════════════════════╝")
	fmt.Println()
}

// printStatus displays daemon and host resource status.
func (c *CLI) printStatus() {
	sysInfo := util.GetSystemInfo()
	server := c.cfg.GetServer()

	fmt.Printf("\n  Listen Address:  %s:%d\n", server.Host, server.Port)
	fmt.Printf("  Active Rooms:    %d\n", c.rooms.Count())
	fmt.Printf("  Host:            %s (%s/%s)\n", sysInfo.Hostname, sysInfo.OS, sysInfo.Architecture)
	fmt.Printf("  CPU:             %s (%d cores)\n", sysInfo.CPUModel, sysInfo.CPUCores)

	if cpuPct, err := util.GetCPUUsage(); err == nil {
		fmt.Printf("  CPU Usage:       %.1f%%\n", cpuPct)
	}
	if memUsage, err := util.GetMemoryUsage(); err == nil {
		fmt.Printf("  Memory:          %d/%d MB (%.1f%%)\n",
			memUsage.Used, memUsage.Total, memUsage.UsedPercent)
	}
	fmt.Println()
}

// printGames displays the catalog in a formatted table.
func (c *CLI) printGames() error {
	games, err := c.catalog.ListAllGames()
	if err != nil {
		return err
	}

	fmt.Println()

	tw := tablewriter.NewWriter(os.Stdout)
	tw.SetHeader([]string{"Name", "Version", "Author", "Type", "Description"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	for _, g := range games {
		tw.Append([]string{g.Name, g.Version, g.Author, g.Type, g.Description})
	}

	tw.Render()
	fmt.Printf("%d game(s)\n\n", len(games))
	return nil
}

// printRooms displays active rooms in a formatted table.
func (c *CLI) printRooms() {
	rooms := c.rooms.ListRooms()

	fmt.Println()

	tw := tablewriter.NewWriter(os.Stdout)
	tw.SetHeader([]string{"Room ID", "Game", "Host", "Players", "Port", "PID", "Uptime", "Alive"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	for _, r := range rooms {
		tw.Append([]string{
			r.RoomID,
			r.GameName,
			r.Host,
			fmt.Sprintf("%d", r.PlayerCount),
			fmt.Sprintf("%d", r.Port),
			fmt.Sprintf("%d", r.PID),
			(time.Duration(r.UptimeSec) * time.Second).String(),
			fmt.Sprintf("%v", r.Alive),
		})
	}

	tw.Render()
	fmt.Printf("%d room(s)\n\n", len(rooms))
}

func (c *CLI) cmdCloseRoom(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: close <room_id>")
	}

	roomID := args[0]
	if err := c.rooms.CloseRoom(ctx, roomID); err != nil {
		return err
	}

	fmt.Printf("Room %s closed\n", roomID)
	return nil
}
