package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"loom/internal/schema"
	"loom/internal/transcript"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	File string
	Turn int // optional - specific turn only
}

// ReplayTurnResult holds the replay result for a single turn.
type ReplayTurnResult struct {
	Turn    int  `json:"turn"`
	Inputs  int  `json:"inputs"`
	Events  int  `json:"events"`
	Outputs int  `json:"outputs"`
	Valid   bool `json:"valid"`
}

// ReplayResult holds the overall replay result.
type ReplayResult struct {
	Turns      []ReplayTurnResult `json:"turns"`
	TotalTurns int                `json:"total_turns"`
	AllValid   bool               `json:"all_valid"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay a session transcript and re-validate outputs",
		Long: `Read a recorded session transcript and re-validate every merged
turn output against the turn output schema.

The transcript is the zstd-compressed JSONL file a session writes when
recording is enabled. Each turn is reported with its input, event, and
output record counts. An output that no longer validates marks the turn
invalid.

Exit codes:
  0 - All turn outputs validate
  1 - One or more turn outputs failed validation
  2 - Command error (file not found, etc.)

Examples:
  loom replay --file ./session.jsonl.zst
  loom replay --file ./session.jsonl.zst --turn 3
  loom replay --file ./session.jsonl.zst --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.File, "file", "", "path to transcript file (required)")
	_ = cmd.MarkFlagRequired("file")
	cmd.Flags().IntVar(&opts.Turn, "turn", 0, "replay a specific turn only")

	return cmd
}

func runReplay(opts *ReplayOptions, cmd *cobra.Command) error {
	records, err := transcript.ReadAll(opts.File)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read transcript", err)
	}

	byTurn := make(map[int]*ReplayTurnResult)
	var order []int
	for _, rec := range records {
		if opts.Turn != 0 && rec.Turn != opts.Turn {
			continue
		}
		tr, ok := byTurn[rec.Turn]
		if !ok {
			tr = &ReplayTurnResult{Turn: rec.Turn, Valid: true}
			byTurn[rec.Turn] = tr
			order = append(order, rec.Turn)
		}
		switch rec.Kind {
		case transcript.KindInput:
			tr.Inputs++
		case transcript.KindEvent:
			tr.Events++
		case transcript.KindOutput:
			tr.Outputs++
			res := schema.SafeParse(rec.Data, schema.FallbackOptions{})
			if !res.OK {
				tr.Valid = false
			}
		}
	}

	result := ReplayResult{
		Turns:      make([]ReplayTurnResult, 0, len(order)),
		TotalTurns: len(order),
		AllValid:   true,
	}
	for _, turn := range order {
		tr := byTurn[turn]
		// A turn with no recorded output never merged anything; nothing
		// to validate.
		result.Turns = append(result.Turns, *tr)
		if !tr.Valid {
			result.AllValid = false
		}
	}

	if opts.Format == "json" {
		return outputReplayJSON(cmd, result)
	}
	return outputReplayText(cmd, result, opts.Verbose)
}

// outputReplayJSON outputs the replay result as JSON.
func outputReplayJSON(cmd *cobra.Command, result ReplayResult) error {
	response := CLIResponse{
		Status: "ok",
		Data:   result,
	}
	if !result.AllValid {
		response.Status = "error"
		response.Error = &CLIError{
			Code:    "E_REPLAY",
			Message: "transcript contains invalid turn outputs",
		}
	}

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(response); err != nil {
		return err
	}

	if !result.AllValid {
		return NewExitError(ExitFailure, "transcript validation failed")
	}
	return nil
}

// outputReplayText outputs the replay result as text.
func outputReplayText(cmd *cobra.Command, result ReplayResult, verbose bool) error {
	w := cmd.OutOrStdout()

	fmt.Fprintf(w, "Replay Summary: %d turn(s)\n\n", result.TotalTurns)

	for _, tr := range result.Turns {
		status := "✓"
		if !tr.Valid {
			status = "✗"
		}
		fmt.Fprintf(w, "%s Turn %d\n", status, tr.Turn)
		if verbose {
			fmt.Fprintf(w, "  Inputs: %d\n", tr.Inputs)
			fmt.Fprintf(w, "  Events: %d\n", tr.Events)
			fmt.Fprintf(w, "  Outputs: %d\n", tr.Outputs)
		}
		if !tr.Valid {
			fmt.Fprintln(w, "  Warning: merged output no longer validates!")
		}
	}

	if result.AllValid {
		fmt.Fprintln(w, "\n✓ All turn outputs validate")
		return nil
	}

	fmt.Fprintln(w, "\n✗ Transcript validation failed")
	return NewExitError(ExitFailure, "transcript validation failed")
}
