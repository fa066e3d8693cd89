// Command console is the interactive operator console for a supervised
// trading agent: converse with the agent, review its trade proposals,
// and approve or reject execution under the safety gate.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hedgedesk/console/internal/backend"
	"github.com/hedgedesk/console/internal/config"
	opconsole "github.com/hedgedesk/console/internal/console"
	"github.com/hedgedesk/console/internal/domain"
	"github.com/hedgedesk/console/internal/guard"
	"github.com/hedgedesk/console/internal/logging"
	"github.com/hedgedesk/console/internal/storage"
	"github.com/hedgedesk/console/internal/stream"
)

var (
	flagConfig string
	flagServer string
	flagStream string
	flagClient string
	flagToken  string
	flagDB     string

	version = "dev" // set via ldflags at build time
)

var rootCmd = &cobra.Command{
	Use:           "console",
	Short:         "Operator console for a supervised trading agent",
	Version:       version,
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(flagConfig)
		if err != nil {
			return err
		}
		if flagServer != "" {
			cfg.ServerURL = flagServer
		}
		if flagStream != "" {
			cfg.StreamURL = flagStream
		}
		if flagClient != "" {
			cfg.ClientID = flagClient
		}
		if flagToken != "" {
			cfg.Token = flagToken
		}
		if flagDB != "" {
			cfg.DBPath = flagDB
		}
		if cfg.ClientID == "" {
			return fmt.Errorf("a client id is required (--client or CONSOLE_CLIENT_ID)")
		}
		return run(cmd.Context(), cfg)
	},
}

func main() {
	rootCmd.Flags().StringVarP(&flagConfig, "config", "c", "console.yaml", "path to config file")
	rootCmd.Flags().StringVar(&flagServer, "server", "", "backend base URL")
	rootCmd.Flags().StringVar(&flagStream, "stream", "", "stream base URL")
	rootCmd.Flags().StringVar(&flagClient, "client", "", "client identity to operate")
	rootCmd.Flags().StringVar(&flagToken, "token", "", "bearer token")
	rootCmd.Flags().StringVar(&flagDB, "db", "", "timeline database path")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logging.New(cfg.LogLevel)

	var kv storage.KV
	if cfg.DBPath != "" {
		sqliteKV, err := storage.NewSQLiteKV(cfg.DBPath)
		if err != nil {
			logger.Warn("persistence disabled", "error", err)
			kv = storage.NewMemoryKV()
		} else {
			defer sqliteKV.Close()
			kv = sqliteKV
		}
	} else {
		kv = storage.NewMemoryKV()
	}

	policy, err := guard.NewPolicyEngine(ctx)
	if err != nil {
		return fmt.Errorf("failed to build execution gate: %w", err)
	}

	api := backend.New(cfg.ServerURL, cfg.ClientID, cfg.Token)
	con := opconsole.New(api, kv, policy, logger)
	con.SetMode(cfg.Mode)
	con.SwitchIdentity(cfg.ClientID)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := con.RefreshHalt(ctx); err != nil {
		logger.Warn("halt status unavailable", "error", err)
	}
	if _, err := con.RefreshReadiness(ctx); err != nil {
		logger.Warn("readiness unavailable", "error", err)
	}

	streamURL := strings.TrimSuffix(cfg.StreamURL, "/") +
		"/clients/" + cfg.ClientID + "/stream?token=" + cfg.Token
	sub, err := stream.Subscribe(ctx, streamURL, logger)
	if err != nil {
		logger.Warn("push stream unavailable, continuing with polling only", "error", err)
	} else {
		defer sub.Close()
		go con.Pump(sub.Events)
	}

	go func() {
		ticker := time.NewTicker(cfg.PollEvery())
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := con.RefreshProposals(ctx); err != nil {
					logger.Debug("proposal poll failed", "error", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	fmt.Printf("Connected to %s as %s. Type a message to chat, /help for commands.\n",
		cfg.ServerURL, cfg.ClientID)
	return loop(ctx, con)
}

func loop(ctx context.Context, con *opconsole.Console) error {
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			if err := con.SubmitChat(ctx, line); err != nil {
				fmt.Printf("chat error: %v\n", err)
			}
			printLatestRun(con)
			continue
		}

		fields := strings.Fields(line)
		switch fields[0] {
		case "/quit", "/exit":
			return nil
		case "/help":
			printHelp()
		case "/timeline":
			printTimeline(con)
		case "/steps":
			printSteps(con)
		case "/proposals":
			if err := con.RefreshProposals(ctx); err != nil {
				fmt.Printf("poll error: %v\n", err)
			}
			printTimeline(con)
		case "/select":
			id, ok := argInt(fields)
			if !ok {
				fmt.Println("usage: /select <proposal-id>")
				continue
			}
			if err := con.SelectProposal(id); err != nil {
				fmt.Printf("select error: %v\n", err)
				continue
			}
			fmt.Printf("Selected proposal #%d.\n", id)
		case "/confirm":
			con.SetConfirmed(!con.Confirmed())
			fmt.Printf("Confirmation: %v\n", con.Confirmed())
		case "/preflight":
			dec := con.Preflight(ctx)
			if dec.Allowed {
				fmt.Println("Preflight passed: ready to execute.")
			} else {
				fmt.Printf("Blocked: %s\n", dec.Message)
			}
		case "/execute":
			executeFlow(ctx, con, scanner)
		case "/reject":
			id, ok := argInt(fields)
			if !ok {
				fmt.Println("usage: /reject <proposal-id>")
				continue
			}
			if err := con.Reject(ctx, id); err != nil {
				fmt.Printf("reject error: %v\n", err)
				continue
			}
			fmt.Printf("Proposal #%d rejected.\n", id)
		case "/status":
			printStatus(ctx, con)
		case "/halt":
			if err := con.RefreshHalt(ctx); err != nil {
				fmt.Printf("halt refresh error: %v\n", err)
			}
			halt := con.HaltState()
			fmt.Printf("Halted: %v  Reason: %s\n", halt.Halted, halt.Reason)
		case "/debug":
			p := con.Projector()
			p.SetDebug(!p.Debug())
			fmt.Printf("Debug recording: %v\n", p.Debug())
		case "/events":
			for _, ev := range con.Projector().DebugEvents() {
				fmt.Printf("  %-14s %s\n", ev.Type, string(ev.Data))
			}
		default:
			fmt.Println("Unknown command. /help lists commands.")
		}
	}
}

// executeFlow is the second, explicit confirmation step before a
// money-moving action: Enter confirms, anything else cancels.
func executeFlow(ctx context.Context, con *opconsole.Console, scanner *bufio.Scanner) {
	attempt := con.Guard().Snapshot()
	if attempt.ProposalID <= 0 {
		fmt.Println("No proposal selected. Use /select <id> first.")
		return
	}
	fmt.Printf("Execute proposal #%d? Press Enter to confirm, type anything to cancel: ",
		attempt.ProposalID)
	if !scanner.Scan() || strings.TrimSpace(scanner.Text()) != "" {
		con.CancelExecution()
		fmt.Println("Cancelled.")
		return
	}

	attempt = con.ExecuteSelected(ctx)
	switch attempt.Phase {
	case domain.PhaseExecuted:
		fmt.Printf("Proposal #%d executed.\n", attempt.ProposalID)
		if attempt.LastTrade != nil {
			fmt.Printf("  trade #%d status=%s order=%s\n",
				attempt.LastTrade.ID, attempt.LastTrade.Status, attempt.LastTrade.OrderID)
		}
	case domain.PhaseFailed:
		fmt.Printf("Execution failed: %s\n", attempt.Message)
	default:
		fmt.Printf("Blocked: %s\n", attempt.Message)
	}
}

func printHelp() {
	fmt.Println(`Commands:
  <text>        send a chat message to the agent
  /timeline     show the conversation timeline
  /steps        show the latest run's tool steps
  /proposals    poll for pending proposals
  /select <id>  arm the execution guard for a proposal
  /confirm      toggle the confirmation control
  /preflight    run an explicit readiness check
  /execute      execute the selected proposal (double-confirmed)
  /reject <id>  reject a proposal
  /status       show agent status, greeks, guard state
  /halt         refresh the global halt flag
  /debug        toggle diagnostic event recording
  /events       dump the diagnostic event ring
  /quit         exit`)
}

func printLatestRun(con *opconsole.Console) {
	runs := con.Store().Runs()
	if len(runs) == 0 {
		return
	}
	run := runs[0]
	for _, item := range run.Items {
		fmt.Printf("  [%s] %s\n", item.Kind, item.Text)
	}
}

func printTimeline(con *opconsole.Console) {
	for _, run := range con.Store().Runs() {
		fmt.Printf("%s  %-9s  %s\n", run.ID, run.Status, run.Title)
		for _, item := range run.Items {
			fmt.Printf("    [%s] %s\n", item.Kind, item.Text)
		}
	}
}

func printSteps(con *opconsole.Console) {
	steps := con.ToolSteps("")
	if len(steps) == 0 {
		fmt.Println("No tool steps in the latest run.")
		return
	}
	for _, step := range steps {
		line := fmt.Sprintf("  %-10s %s", step.Status, step.Name)
		if step.DurationMs > 0 {
			line += fmt.Sprintf(" (%dms)", step.DurationMs)
		}
		fmt.Println(line)
	}
}

func printStatus(ctx context.Context, con *opconsole.Console) {
	if status := con.Projector().AgentStatus(); status != nil {
		fmt.Printf("Agent: mode=%s healthy=%v last=%s\n", status.Mode, status.Healthy, status.LastAction)
	} else {
		fmt.Println("Agent: no status received yet")
	}
	if greeks := con.Projector().Greeks(); greeks != nil {
		fmt.Printf("Greeks: %v\n", greeks)
	}
	if order := con.Projector().LastOrder(); order != nil {
		fmt.Printf("Last order: trade=%d status=%s\n", order.TradeID, order.Status)
	}
	if readiness, err := con.RefreshReadiness(ctx); err == nil {
		fmt.Printf("Readiness: ready=%v connected=%v market_data=%v err=%q\n",
			readiness.Ready, readiness.Connected, readiness.MarketDataOK, readiness.LastError)
	}
	attempt := con.Guard().Snapshot()
	fmt.Printf("Guard: phase=%s proposal=%d %s\n", attempt.Phase, attempt.ProposalID, attempt.Message)
	fmt.Printf("Mode: %s  Confirmed: %v\n", con.Mode(), con.Confirmed())
}

func argInt(fields []string) (int, bool) {
	if len(fields) < 2 {
		return 0, false
	}
	id, err := strconv.Atoi(fields[1])
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
