package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"loom/internal/i18n"
	"loom/internal/profile"
	"loom/internal/protocol"
	"loom/internal/save"
	"loom/internal/session"
	"loom/internal/stream"
	"loom/internal/transcript"
)

// TurnOptions holds flags for the turn command.
type TurnOptions struct {
	*RootOptions
	Server     string
	Dir        string
	Profile    string
	Text       string
	Action     string
	Database   string
	Transcript string
}

// TurnResult holds the outcome of a single executed turn.
type TurnResult struct {
	SessionID string           `json:"session_id"`
	Turn      int              `json:"turn"`
	Narrative string           `json:"narrative"`
	Balance   protocol.Balance `json:"balance"`
	Badges    []string         `json:"badges,omitempty"`
	Repaired  bool             `json:"repaired"`
}

// NewTurnCommand creates the turn command.
func NewTurnCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TurnOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "turn",
		Short: "Run a single turn against a turn server",
		Long: `Bootstrap a session from a profile, send one turn to a running turn
server, and print the resulting narrative and balance.

The turn always completes with usable state: transport or validation
failures surface as a localized fallback narrative with the economy
snapshot preserved. A repaired turn exits non-zero so scripts can tell
the difference.

Exit codes:
  0 - Turn merged from a valid server output
  1 - Turn completed via fallback (transport or validation failure)
  2 - Command error (bad profile directory, unknown profile, etc.)

Examples:
  loom turn --server http://localhost:8080 --profiles ./profiles --profile drifter --text "look around"
  loom turn --server http://localhost:8080 --profiles ./profiles --profile drifter --action scanner --db ./saves.db`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTurn(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Server, "server", "", "turn server base URL (required)")
	_ = cmd.MarkFlagRequired("server")
	cmd.Flags().StringVar(&opts.Dir, "profiles", "", "path to profile CUE directory (required)")
	_ = cmd.MarkFlagRequired("profiles")
	cmd.Flags().StringVar(&opts.Profile, "profile", "", "profile id to start from (required)")
	_ = cmd.MarkFlagRequired("profile")
	cmd.Flags().StringVar(&opts.Text, "text", "", "free-text turn input")
	cmd.Flags().StringVar(&opts.Action, "action", "", "action id turn input")
	cmd.Flags().StringVar(&opts.Database, "db", "", "persist the session to this save database")
	cmd.Flags().StringVar(&opts.Transcript, "transcript", "", "record turn traffic to this file")

	return cmd
}

func runTurn(opts *TurnOptions, cmd *cobra.Command) error {
	ctx := context.Background()

	if opts.Text == "" && opts.Action == "" {
		return NewExitError(ExitCommandError, "one of --text or --action is required")
	}

	profiles, err := profile.Load(opts.Dir)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load profiles", err)
	}
	p, ok := profile.Find(profiles, opts.Profile)
	if !ok {
		return NewExitError(ExitCommandError, fmt.Sprintf("unknown profile %q", opts.Profile))
	}

	translator, err := i18n.New(p.Language)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load message catalog", err)
	}

	client := stream.New(opts.Server, translator)
	sessionOpts := []session.Option{}

	if opts.Database != "" {
		st, err := save.Open(opts.Database)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open save database", err)
		}
		defer st.Close()
		sessionOpts = append(sessionOpts, session.WithSaveStore(st))
	}
	if opts.Transcript != "" {
		tw, err := transcript.NewWriter(opts.Transcript)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open transcript", err)
		}
		defer tw.Close()
		sessionOpts = append(sessionOpts, session.WithTranscript(tw))
	}

	ctrl := session.New(client, translator, sessionOpts...)
	sessionID := ctrl.StartFromProfile(p)

	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	var badges []string
	hooks := session.Hooks{
		OnStage: func(e protocol.StageEvent) {
			formatter.VerboseLog("stage: %s %s", e.Name, e.Status)
		},
		OnBadges: func(b []string) {
			badges = append(badges, b...)
		},
		OnError: func(err error) {
			formatter.VerboseLog("stream error: %v", err)
		},
	}

	req := session.TurnRequest{Text: opts.Text, Action: opts.Action}
	if err := ctrl.ExecuteTurn(ctx, req, hooks); err != nil {
		// Stream failures still merge a fallback output; the stores hold
		// usable state and the result reports the repair. Anything else is
		// a command error.
		var streamErr *stream.StreamError
		if !errors.As(err, &streamErr) {
			return WrapExitError(ExitCommandError, "turn execution failed", err)
		}
	}

	if opts.Database != "" {
		if err := ctrl.Save(ctx); err != nil {
			return WrapExitError(ExitCommandError, "failed to persist session", err)
		}
	}

	narrative := ""
	if entries := ctrl.World().Narrative(); len(entries) > 0 {
		narrative = entries[len(entries)-1].Text
	}
	result := TurnResult{
		SessionID: sessionID,
		Turn:      ctrl.World().Turn() - 1,
		Narrative: narrative,
		Balance:   ctrl.World().Economy(),
		Badges:    badges,
		Repaired:  client.RepairCount() > 0,
	}

	if opts.Format == "json" {
		return outputTurnJSON(cmd, result)
	}
	return outputTurnText(cmd, result)
}

// outputTurnJSON outputs the turn result as JSON.
func outputTurnJSON(cmd *cobra.Command, result TurnResult) error {
	response := CLIResponse{
		Status: "ok",
		Data:   result,
	}
	if result.Repaired {
		response.Status = "error"
		response.Error = &CLIError{
			Code:    "E_REPAIRED",
			Message: "turn completed via fallback",
		}
	}

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(response); err != nil {
		return err
	}

	if result.Repaired {
		return NewExitError(ExitFailure, "turn completed via fallback")
	}
	return nil
}

// outputTurnText outputs the turn result as text.
func outputTurnText(cmd *cobra.Command, result TurnResult) error {
	w := cmd.OutOrStdout()

	fmt.Fprintln(w, result.Narrative)
	fmt.Fprintf(w, "\nsignal=%d shards=%d (turn %d, session %s)\n",
		result.Balance.Signal, result.Balance.MemoryShard, result.Turn, result.SessionID)
	for _, b := range result.Badges {
		fmt.Fprintf(w, "badge: %s\n", b)
	}

	if result.Repaired {
		fmt.Fprintln(w, "\n✗ Turn completed via fallback")
		return NewExitError(ExitFailure, "turn completed via fallback")
	}
	return nil
}
