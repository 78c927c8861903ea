// Package cli implements the interactive command-line interface for
// Partyline: live socket status, pending requests, journal history and
// token management.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"

	"github.com/partyline-project/partyline/internal/config"
	"github.com/partyline-project/partyline/internal/db"
	"github.com/partyline-project/partyline/internal/events"
	"github.com/partyline-project/partyline/internal/mediator"
	"github.com/partyline-project/partyline/internal/peer"
)

// CLI provides an interactive command-line interface.
type CLI struct {
	cfg      *config.Config
	eventBus *events.EventBus
	med      *mediator.Mediator
	peers    *peer.Manager
	journal  *db.Journal
	tokens   *db.TokenStore
}

// NewCLI creates a new CLI handler. journal and tokens may be nil; the
// related commands then report that the feature is disabled.
func NewCLI(cfg *config.Config, eventBus *events.EventBus, med *mediator.Mediator, peers *peer.Manager, journal *db.Journal, tokens *db.TokenStore) *CLI {
	return &CLI{
		cfg:      cfg,
		eventBus: eventBus,
		med:      med,
		peers:    peers,
		journal:  journal,
		tokens:   tokens,
	}
}

// Start begins the interactive CLI loop.
func (c *CLI) Start(ctx context.Context) {
	fmt.Println("\nPartyline CLI ready. Type 'help' for available commands.")
	fmt.Println("─────────────────────────────────────────────────────")

	reader := newLineReader()
	defer reader.Close()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := reader.ReadLine("partyline> ")
		if err != nil {
			if err == io.EOF {
				return
			}
			continue
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

// execute processes a single CLI command.
func (c *CLI) execute(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		c.printStatus(args)
	case "pending", "p":
		c.printPending()
	case "open":
		return c.cmdOpen(ctx, args)
	case "close":
		return c.cmdClose(ctx, args)
	case "clear":
		return c.cmdClear(args)
	case "limit":
		return c.cmdLimit(args)
	case "expire":
		return c.cmdExpire(args)
	case "history":
		return c.cmdHistory(args)
	case "tokens":
		return c.cmdTokens()
	case "newtoken":
		return c.cmdNewToken(args)
	case "deltoken":
		return c.cmdDelToken(args)
	case "setconfig":
		return c.cmdSetConfig(args)
	case "quit", "exit", "q":
		fmt.Println("Shutting down Partyline...")
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
	fmt.Println("║                    Partyline CLI Commands                    ║")
	fmt.Println("╠══════════════════════════════════════════════════════════════╣")
	fmt.Println("║  status [socket]      Show all sockets or one in detail     ║")
	fmt.Println("║  pending              Show pending connection requests      ║")
	fmt.Println("║  open <socket>        Open a socket                         ║")
	fmt.Println("║  close <socket>       Close a socket                        ║")
	fmt.Println("║  clear <socket> [uid] Drop queued packets (all or per user) ║")
	fmt.Println("║  limit <n>            Set the packet queue size limit       ║")
	fmt.Println("║  expire <seconds>     Expire pending requests older than N  ║")
	fmt.Println("║  history [n]          Show recent journal events            ║")
	fmt.Println("║  tokens               List API tokens                       ║")
	fmt.Println("║  newtoken <name> [r]  Issue an API token (role default user)║")
	fmt.Println("║  deltoken <name>      Revoke an API token                   ║")
	fmt.Println("║  setconfig <k> <v>    Update a configuration value          ║")
	fmt.Println("║  quit                 Shutdown Partyline                    ║")
	fmt.Println("║  help                 Show this help message                ║")
	fmt.Println("╚══════════════════════════════════════════════════════════════╝")
	fmt.Println()
}

// printStatus displays socket status in a formatted table.
func (c *CLI) printStatus(args []string) {
	sessions := c.peers.GetAllInfo()

	if len(args) > 0 {
		for _, sess := range sessions {
			if sess.SocketID == args[0] {
				c.printSocketDetail(sess)
				return
			}
		}
		fmt.Printf("Socket %q not open\n", args[0])
		return
	}

	stats := c.med.Stats()
	fmt.Println()
	if stats.Initialized {
		fmt.Printf("  Local user:  %s\n", c.med.LocalUserID())
	} else {
		fmt.Println("  Local user:  (not logged in)")
	}
	fmt.Printf("  Queued:      %d / %d packets\n", stats.TotalQueued, stats.QueueLimit)
	fmt.Printf("  Pending:     %d connection requests\n", stats.PendingRequests)
	fmt.Println()

	tw := tablewriter.NewWriter(os.Stdout)
	tw.SetHeader([]string{"Socket", "Registered", "Queued", "Drained", "Bytes", "Remotes", "Requests"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	for _, sess := range sessions {
		registered := "no"
		if sess.Registered {
			registered = "yes"
		}

		tw.Append([]string{
			sess.SocketID,
			registered,
			fmt.Sprintf("%d", sess.QueuedPackets),
			fmt.Sprintf("%d", sess.PacketsDrained),
			formatBytes(int64(sess.BytesDrained)),
			fmt.Sprintf("%d", len(sess.Remotes)),
			fmt.Sprintf("%d", sess.RequestsReceived),
		})
	}

	tw.Render()
	fmt.Println()
}

// printSocketDetail prints detailed info for a single socket session.
func (c *CLI) printSocketDetail(sess peer.SessionInfo) {
	fmt.Printf("\n  Socket:        %s\n", sess.SocketID)
	fmt.Printf("  Registered:    %v\n", sess.Registered)
	fmt.Printf("  Created:       %s\n", sess.CreatedAt.Format(time.RFC3339))
	fmt.Printf("  Last activity: %s\n", sess.LastActivity.Format(time.RFC3339))
	fmt.Printf("  Queued:        %d packets\n", sess.QueuedPackets)
	fmt.Printf("  Drained:       %d packets (%s)\n", sess.PacketsDrained, formatBytes(int64(sess.BytesDrained)))
	fmt.Printf("  Requests:      %d received\n", sess.RequestsReceived)

	if len(sess.Remotes) > 0 {
		fmt.Println("  Remote users:")
		for _, remote := range sess.Remotes {
			fmt.Printf("    - %s  %s since %s\n",
				remote.RemoteUserID, remote.State, remote.Since.Format("15:04:05"))
		}
	}
	fmt.Println()
}

// printPending displays pending connection requests in a table.
func (c *CLI) printPending() {
	pending := c.med.PendingRequests()
	if len(pending) == 0 {
		fmt.Println("No pending connection requests")
		return
	}

	tw := tablewriter.NewWriter(os.Stdout)
	tw.SetHeader([]string{"Request ID", "Socket", "Remote User", "Age"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	for _, req := range pending {
		tw.Append([]string{
			req.ID.String(),
			req.SocketID,
			req.RemoteUserID,
			time.Since(req.ReceivedAt).Round(time.Second).String(),
		})
	}

	tw.Render()
}

func (c *CLI) cmdOpen(ctx context.Context, args []string) error {
	socketID, err := parseSocketArg(args)
	if err != nil {
		return err
	}

	c.eventBus.Emit(ctx, events.Event{
		Type:    events.EventOpenSocket,
		Source:  "cli",
		Payload: events.SocketPayload{SocketID: socketID},
	})
	fmt.Printf("Open command sent for socket %q\n", socketID)
	return nil
}

func (c *CLI) cmdClose(ctx context.Context, args []string) error {
	socketID, err := parseSocketArg(args)
	if err != nil {
		return err
	}

	c.eventBus.Emit(ctx, events.Event{
		Type:    events.EventCloseSocket,
		Source:  "cli",
		Payload: events.SocketPayload{SocketID: socketID},
	})
	fmt.Printf("Close command sent for socket %q\n", socketID)
	return nil
}

func (c *CLI) cmdClear(args []string) error {
	socketID, err := parseSocketArg(args)
	if err != nil {
		return err
	}

	if len(args) > 1 {
		if err := c.med.ClearPacketsFromRemoteUser(socketID, args[1]); err != nil {
			return err
		}
		fmt.Printf("Cleared packets from %q on socket %q\n", args[1], socketID)
		return nil
	}

	if err := c.med.ClearPacketQueue(socketID); err != nil {
		return err
	}
	fmt.Printf("Cleared packet queue for socket %q\n", socketID)
	return nil
}

func (c *CLI) cmdLimit(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: limit <n>")
	}

	limit, err := strconv.Atoi(args[0])
	if err != nil || limit < 1 {
		return fmt.Errorf("invalid limit: %s", args[0])
	}

	c.med.SetQueueSizeLimit(limit)
	fmt.Printf("Queue size limit set to %d\n", limit)
	return nil
}

func (c *CLI) cmdExpire(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: expire <seconds>")
	}

	seconds, err := strconv.Atoi(args[0])
	if err != nil || seconds < 1 {
		return fmt.Errorf("invalid age: %s", args[0])
	}

	removed := c.med.ExpirePendingRequests(time.Duration(seconds) * time.Second)
	fmt.Printf("Expired %d pending requests\n", removed)
	return nil
}

func (c *CLI) cmdHistory(args []string) error {
	if c.journal == nil {
		return fmt.Errorf("journal is disabled")
	}

	count := 20
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 {
			return fmt.Errorf("invalid count: %s", args[0])
		}
		count = n
	}

	entries, err := c.journal.RecentEvents(count, "")
	if err != nil {
		return err
	}

	if len(entries) == 0 {
		fmt.Println("Journal is empty")
		return nil
	}

	tw := tablewriter.NewWriter(os.Stdout)
	tw.SetHeader([]string{"Time", "Event", "Socket", "Remote User", "Detail"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	for _, entry := range entries {
		detail := entry.Detail
		if len(detail) > 48 {
			detail = detail[:45] + "..."
		}
		tw.Append([]string{
			entry.Timestamp.Format("01-02 15:04:05"),
			entry.Event,
			entry.SocketID,
			entry.RemoteUserID,
			detail,
		})
	}

	tw.Render()
	return nil
}

func (c *CLI) cmdTokens() error {
	if c.tokens == nil {
		return fmt.Errorf("token store is disabled")
	}

	tokens, err := c.tokens.GetAllTokens()
	if err != nil {
		return err
	}

	if len(tokens) == 0 {
		fmt.Println("No API tokens issued")
		return nil
	}

	tw := tablewriter.NewWriter(os.Stdout)
	tw.SetHeader([]string{"Name", "Prefix", "Roles", "Created"})
	tw.SetBorder(true)

	for _, tok := range tokens {
		tw.Append([]string{
			tok.Name,
			tok.Prefix + "...",
			strings.Join(tok.Roles, ", "),
			tok.CreatedAt.Format("2006-01-02"),
		})
	}

	tw.Render()
	return nil
}

func (c *CLI) cmdNewToken(args []string) error {
	if c.tokens == nil {
		return fmt.Errorf("token store is disabled")
	}
	if len(args) < 1 {
		return fmt.Errorf("usage: newtoken <name> [role]")
	}

	role := "user"
	if len(args) > 1 {
		role = args[1]
	}

	secret, err := c.tokens.CreateToken(args[0], role)
	if err != nil {
		return err
	}

	fmt.Printf("Token %q created with role %q\n", args[0], role)
	fmt.Printf("Secret (shown once): %s\n", secret)
	return nil
}

func (c *CLI) cmdDelToken(args []string) error {
	if c.tokens == nil {
		return fmt.Errorf("token store is disabled")
	}
	if len(args) < 1 {
		return fmt.Errorf("usage: deltoken <name>")
	}

	if err := c.tokens.DeleteToken(args[0]); err != nil {
		return err
	}
	fmt.Printf("Token %q revoked\n", args[0])
	return nil
}

func (c *CLI) cmdSetConfig(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: setconfig <key> <value>")
	}

	key := args[0]
	value := strings.Join(args[1:], " ")

	// Try the raw string first, then coerce for numeric/bool fields
	err := c.cfg.UpdateMediatorField(key, value)
	if err != nil {
		if n, convErr := strconv.Atoi(value); convErr == nil {
			err = c.cfg.UpdateMediatorField(key, n)
		} else if b, convErr := strconv.ParseBool(value); convErr == nil {
			err = c.cfg.UpdateMediatorField(key, b)
		}
	}
	if err != nil {
		return err
	}

	if err := c.cfg.Save(); err != nil {
		return err
	}

	fmt.Printf("Config updated: %s = %s\n", key, value)
	return nil
}

func parseSocketArg(args []string) (string, error) {
	if len(args) < 1 {
		return "", fmt.Errorf("socket id required")
	}
	return args[0], nil
}

// formatBytes formats bytes into human-readable form.
func formatBytes(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

// lineReader reads interactive input line by line.
type lineReader struct {
	scanner *bufio.Scanner
}

func newLineReader() *lineReader {
	return &lineReader{scanner: bufio.NewScanner(os.Stdin)}
}

func (lr *lineReader) ReadLine(prompt string) (string, error) {
	fmt.Print(prompt)
	if !lr.scanner.Scan() {
		if err := lr.scanner.Err(); err != nil {
			log.Debug().Err(err).Msg("CLI input error")
			return "", err
		}
		return "", io.EOF
	}
	return lr.scanner.Text(), nil
}

func (lr *lineReader) Close() error {
	return nil
}
