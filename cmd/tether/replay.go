package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/HyphaGroup/tether/internal/assembler"
	"github.com/HyphaGroup/tether/internal/logger"
	"github.com/HyphaGroup/tether/internal/normalize"
	"github.com/HyphaGroup/tether/internal/protocol"
)

var replayJSON bool

var replayCmd = &cobra.Command{
	Use:   "replay <file>",
	Short: "Assemble a recorded history and print the conversation",
	Long: `Normalize and assemble a recorded history without executing any tools.
The file is a JSON array of frames or one frame per line.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rep, err := replayFile(args[0])
		if err != nil {
			return err
		}

		if replayJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rep)
		}

		for _, agg := range rep.Aggregates {
			logger.Println(describe(agg.Value))
		}
		logger.Printf("run %s, %d frame(s), %d skipped", rep.Run.Status, rep.Frames, rep.Skipped)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(replayCmd)
	replayCmd.Flags().BoolVar(&replayJSON, "json", false, "Output as JSON")
}

// replayReport is the assembled state of a recorded history
type replayReport struct {
	Frames     int                `json:"frames"`
	Skipped    int                `json:"skipped"`
	Aggregates []taggedAggregate  `json:"aggregates"`
	Run        assembler.RunState `json:"run"`
}

type taggedAggregate struct {
	Kind  string             `json:"kind"`
	Value protocol.Aggregate `json:"value"`
}

func replayFile(path string) (*replayReport, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	frames, err := normalize.SplitHistory(body)
	if err != nil {
		return nil, fmt.Errorf("failed to split history: %w", err)
	}

	outputs, skipped := normalize.Batch(frames)
	asm := assembler.New()
	for _, out := range outputs {
		for _, ev := range out.Events {
			asm.Apply(ev)
		}
		if out.Aggregate != nil {
			asm.ApplyAggregate(out.Aggregate)
		}
	}

	rep := &replayReport{
		Frames:  len(frames),
		Skipped: skipped,
		Run:     asm.Run(),
	}
	for _, agg := range asm.Aggregates() {
		rep.Aggregates = append(rep.Aggregates, taggedAggregate{Kind: aggregateKind(agg), Value: agg})
	}
	return rep, nil
}

func aggregateKind(agg protocol.Aggregate) string {
	switch agg.(type) {
	case *protocol.Message:
		return "message"
	case *protocol.Artifact:
		return "artifact"
	case *protocol.Handover:
		return "handover"
	case *protocol.RunFailure:
		return "run_failure"
	}
	return "unknown"
}
