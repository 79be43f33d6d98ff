package main

import (
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/HyphaGroup/tether/internal/continuity"
	"github.com/HyphaGroup/tether/internal/logger"
)

var threadCmd = &cobra.Command{
	Use:   "thread",
	Short: "Inspect and reset thread continuity",
}

var threadShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the active thread and each agent's last thread",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		kv, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = kv.Close() }()

		tr := continuity.NewTracker(kv)
		logger.Printf("session: %s", tr.SessionID(ctx))
		if active := tr.Active(ctx); active != "" {
			logger.Printf("active:  %s%s", active, resumeSuffix(cmd, tr, active))
		}

		threads := tr.Threads(ctx)
		agents := make([]string, 0, len(threads))
		for agent := range threads {
			agents = append(agents, agent)
		}
		sort.Strings(agents)
		for _, agent := range agents {
			logger.Printf("  %-20s %s%s", agent, threads[agent], resumeSuffix(cmd, tr, threads[agent]))
		}
		return nil
	},
}

var threadNewCmd = &cobra.Command{
	Use:   "new [agent]",
	Short: "Start a fresh thread for an agent on the next attach",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		agentID := cfg.Session.Agent
		if len(args) == 1 {
			agentID = args[0]
		}

		kv, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = kv.Close() }()

		threadID := continuity.NewTracker(kv).NewThread(cmd.Context(), agentID)
		logger.Println(threadID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(threadCmd)
	threadCmd.AddCommand(threadShowCmd, threadNewCmd)
}

func resumeSuffix(cmd *cobra.Command, tr *continuity.Tracker, threadID string) string {
	if idx, ok := tr.ResumeToken(cmd.Context(), threadID); ok {
		return " (resume after event " + strconv.Itoa(idx) + ")"
	}
	return ""
}
