package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/HyphaGroup/tether/internal/approval"
	"github.com/HyphaGroup/tether/internal/logger"
)

var prefsCmd = &cobra.Command{
	Use:   "prefs",
	Short: "Manage stored approval preferences",
}

var prefsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tools with a standing approval decision",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		kv, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = kv.Close() }()

		prefs := approval.NewPreferenceStore(kv).Load(cmd.Context())
		if len(prefs) == 0 {
			logger.Println("No stored preferences.")
			return nil
		}
		for _, name := range prefs.Names() {
			logger.Printf("%-30s %s", name, verdict(prefs[name]))
		}
		return nil
	},
}

var prefsSetCmd = &cobra.Command{
	Use:   "set <tool> allow|deny",
	Short: "Store a standing decision for a tool",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var approved bool
		switch args[1] {
		case "allow", "approve":
			approved = true
		case "deny":
		default:
			return fmt.Errorf("decision must be allow or deny, got %q", args[1])
		}

		kv, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = kv.Close() }()

		if _, err := approval.NewPreferenceStore(kv).Set(cmd.Context(), args[0], approved); err != nil {
			return err
		}
		trail := openAudit()
		defer func() { _ = trail.Close() }()
		trail.LogPreference(args[0], approved, false)
		logger.Printf("%s: %s", args[0], verdict(approved))
		return nil
	},
}

var prefsClearCmd = &cobra.Command{
	Use:   "clear [tool]",
	Short: "Forget one tool's decision, or all of them",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kv, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = kv.Close() }()

		store := approval.NewPreferenceStore(kv)
		tool := ""
		if len(args) == 1 {
			tool = args[0]
			err = store.Unset(cmd.Context(), tool)
		} else {
			err = store.Clear(cmd.Context())
		}
		if err != nil {
			return err
		}

		trail := openAudit()
		defer func() { _ = trail.Close() }()
		trail.LogPreference(tool, false, true)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(prefsCmd)
	prefsCmd.AddCommand(prefsListCmd, prefsSetCmd, prefsClearCmd)
}

func verdict(approved bool) string {
	if approved {
		return "always approve"
	}
	return "always deny"
}
