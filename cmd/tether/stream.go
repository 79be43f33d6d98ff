package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/HyphaGroup/tether/internal/approval"
	"github.com/HyphaGroup/tether/internal/continuity"
	"github.com/HyphaGroup/tether/internal/engine"
	"github.com/HyphaGroup/tether/internal/logger"
	"github.com/HyphaGroup/tether/internal/normalize"
	"github.com/HyphaGroup/tether/internal/orchestrator"
	"github.com/HyphaGroup/tether/internal/protocol"
	"github.com/HyphaGroup/tether/internal/tools"
	"github.com/HyphaGroup/tether/internal/transport"
)

var (
	streamURL    string
	streamAgent  string
	streamThread string
)

var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Attach to an agent stream and execute its tool calls",
	Long: `Attach to the configured agent stream and print the conversation as it
assembles. Approval requests are answered on stdin:

  y [id]       approve once        n [id]       deny once
  always [id]  approve and remember never [id]  deny and remember

Without an id the oldest pending request is answered.`,
	RunE: runStream,
}

func init() {
	rootCmd.AddCommand(streamCmd)
	streamCmd.Flags().StringVar(&streamURL, "url", "", "Stream URL (overrides transport.url)")
	streamCmd.Flags().StringVar(&streamAgent, "agent", "", "Agent id (overrides session.agent)")
	streamCmd.Flags().StringVar(&streamThread, "thread", "", "Thread id to attach to")
}

func runStream(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if streamURL != "" {
		cfg.Transport.URL = streamURL
	}
	if cfg.Transport.URL == "" {
		return errors.New("no stream URL: set transport.url or pass --url")
	}
	agentID := streamAgent
	if agentID == "" {
		agentID = cfg.Session.Agent
	}

	kv, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = kv.Close() }()

	reg := orchestrator.NewRegistry()
	if err := tools.RegisterBuiltins(reg, consoleToasts); err != nil {
		return err
	}
	handlers := registerMCP(ctx, reg)
	defer func() {
		for _, h := range handlers {
			_ = h.Close()
		}
	}()

	streamOpts, err := cfg.TransportOptions()
	if err != nil {
		return err
	}

	stopMetrics := startMetrics(cfg.Metrics.Address)
	defer stopMetrics()

	trail := openAudit()
	defer func() { _ = trail.Close() }()

	out := &printer{}
	d := &deliverer{resultsURL: cfg.Transport.ResultsURL, headers: streamOpts.Headers}
	eng, err := engine.New(ctx, engine.Config{
		Stream:     streamOpts,
		HistoryURL: cfg.Transport.HistoryURL,
		BufferSize: cfg.Session.BufferSize,
		Sweep:      cfg.SweeperConfig(),
	}, kv, reg,
		engine.WithDeliver(d.send),
		engine.WithAudit(trail),
		engine.WithObserver(out.observe),
		engine.WithGateOptions(
			approval.WithTools(cfg.Orchestrator.ApprovalTools...),
			approval.WithPrompter(approval.PrompterFunc(out.prompt)),
		),
		engine.WithOrchestratorOptions(
			orchestrator.WithAutoExecute(cfg.AutoExecute()),
			orchestrator.WithHandlerTimeout(cfg.Orchestrator.HandlerTimeout.Std()),
			orchestrator.OnAllComplete(out.allComplete),
		),
	)
	if err != nil {
		return err
	}
	d.runID = func(threadID string) string {
		run, _ := eng.Run(threadID)
		return run.RunID
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := eng.Close(closeCtx); err != nil {
			logger.Slog().Warn("engine shutdown incomplete", "error", err)
		}
	}()

	query := url.Values{}
	if streamThread != "" {
		query.Set(continuity.QueryParam, streamThread)
	}
	threadID, err := eng.Attach(ctx, agentID, query)
	if err != nil {
		return err
	}
	logger.Printf("attached to thread %s", threadID)

	go readDecisions(ctx, cmd.InOrStdin(), eng)

	err = eng.Wait()
	if n := len(eng.Orchestrator().ExternalResponses()); n > 0 {
		logger.Printf("%d tool result(s) produced locally", n)
	}
	if n := eng.Queued(threadID); n > 0 {
		logger.Printf("%d tool result(s) queued for the next attach", n)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// registerMCP registers each configured MCP server's tools. A server that
// cannot be reached is skipped with a warning.
func registerMCP(ctx context.Context, reg *orchestrator.Registry) []*tools.MCPHandler {
	names := make([]string, 0, len(cfg.MCP.Servers))
	for name := range cfg.MCP.Servers {
		names = append(names, name)
	}
	sort.Strings(names)

	var handlers []*tools.MCPHandler
	for _, name := range names {
		srv := cfg.MCP.Servers[name]
		headers, err := cfg.MCPHeaders(name)
		if err != nil {
			logger.Slog().Warn("skipping mcp server", "server", name, "error", err)
			continue
		}

		h := tools.NewMCPHandler(name, srv.URL, tools.WithHeaders(headers))
		registered, err := tools.RegisterMCP(ctx, reg, h, srv.Tools)
		if err != nil {
			logger.Slog().Warn("mcp server unavailable", "server", name, "error", err)
		}
		if len(registered) == 0 {
			_ = h.Close()
			continue
		}
		logger.Slog().Info("mcp tools registered", "server", name, "tools", registered)
		handlers = append(handlers, h)
	}
	return handlers
}

var consoleToasts = tools.ToastSinkFunc(func(ctx context.Context, n tools.Notification) error {
	kind := n.Type
	if kind == "" {
		kind = "info"
	}
	logger.Printf("[%s] %s", kind, n.Message)
	return nil
})

// deliverer posts locally produced tool results back to the agent as a user
// message of tool_result parts. Without a results URL they are printed.
type deliverer struct {
	resultsURL string
	headers    map[string]string
	runID      func(threadID string) string
}

func (d *deliverer) send(ctx context.Context, threadID string, r protocol.ToolResult) {
	if d.resultsURL == "" {
		logger.Printf("result %s (%s): %s", r.ToolCallID, r.ToolName, resultSummary(r))
		return
	}

	base, err := url.Parse(d.resultsURL)
	if err != nil {
		logger.ErrorContext(ctx, "invalid results url", "error", err)
		return
	}
	runID := ""
	if d.runID != nil {
		runID = d.runID(threadID)
	}

	msg := normalize.ResultsMessage(uuid.NewString(), []protocol.ToolResult{r})
	body, err := normalize.EncodeMessage(msg, threadID, runID)
	if err != nil {
		logger.ErrorContext(ctx, "failed to encode tool result", "tool_call_id", r.ToolCallID, "error", err)
		return
	}

	target := continuity.Locate(base, threadID).String()
	if err := transport.Post(ctx, nil, target, d.headers, body); err != nil {
		logger.ErrorContext(ctx, "failed to deliver tool result", "tool_call_id", r.ToolCallID, "error", err)
		return
	}
	logger.DebugContext(ctx, "tool result delivered", "tool_call_id", r.ToolCallID)
}

// decider is the part of the engine that answers approvals
type decider interface {
	Gate() *approval.Gate
	Decide(ctx context.Context, toolCallID string, approved, dontAskAgain bool) error
}

// readDecisions answers approval requests from lines on r until r closes or
// ctx is done
func readDecisions(ctx context.Context, r io.Reader, d decider) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
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
			if err := answer(ctx, d, line); err != nil {
				logger.Printf("%v", err)
			}
		}
	}
}

func answer(ctx context.Context, d decider, line string) error {
	dec, ok, err := parseDecision(line)
	if err != nil || !ok {
		return err
	}

	id := dec.toolCallID
	if id == "" {
		pending := d.Gate().Pending()
		if len(pending) == 0 {
			return errors.New("no approval is pending")
		}
		id = pending[0].ToolCallID
	}
	if err := d.Decide(ctx, id, dec.approved, dec.remember); err != nil {
		return fmt.Errorf("failed to answer %s: %w", id, err)
	}
	return nil
}
