package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"loom/internal/profile"
)

// ProfilesOptions holds flags for the profiles command.
type ProfilesOptions struct {
	*RootOptions
	Dir string
}

// ProfileSummary is one profile row in the command output.
type ProfileSummary struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Language string `json:"language"`
	Signal   int    `json:"signal"`
	Shards   int    `json:"memory_shard"`
	Items    int    `json:"items"`
	Quests   int    `json:"quests"`
}

// NewProfilesCommand creates the profiles command.
func NewProfilesCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ProfilesOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "profiles",
		Short: "List starting profiles from a CUE directory",
		Long: `Load and validate the starting profiles defined in a CUE directory.

Each profile supplies the initial economy balance, inventory, quests, and
world rules for a new session. Invalid profiles (negative balances,
duplicate inventory ids) fail the whole load.

Exit codes:
  0 - Profiles loaded
  2 - Command error (missing directory, invalid CUE, invalid profile)

Examples:
  loom profiles --dir ./profiles
  loom profiles --dir ./profiles --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProfiles(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Dir, "dir", "", "path to profile CUE directory (required)")
	_ = cmd.MarkFlagRequired("dir")

	return cmd
}

func runProfiles(opts *ProfilesOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	profiles, err := profile.Load(opts.Dir)
	if err != nil {
		var loadErr *profile.LoadError
		if errors.As(err, &loadErr) {
			_ = formatter.Error(loadErr.Code, loadErr.Message, nil)
		}
		return WrapExitError(ExitCommandError, "failed to load profiles", err)
	}

	summaries := make([]ProfileSummary, 0, len(profiles))
	for _, p := range profiles {
		summaries = append(summaries, ProfileSummary{
			ID:       p.ID,
			Name:     p.Name,
			Language: p.Language,
			Signal:   p.Economy.Signal,
			Shards:   p.Economy.MemoryShard,
			Items:    len(p.Inventory),
			Quests:   len(p.Quests),
		})
	}

	if opts.Format == "json" {
		return formatter.Success(summaries)
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "%d profile(s) in %s\n\n", len(summaries), opts.Dir)
	for _, s := range summaries {
		fmt.Fprintf(w, "%s  %q  lang=%s  signal=%d  shards=%d\n",
			s.ID, s.Name, s.Language, s.Signal, s.Shards)
		if opts.Verbose {
			fmt.Fprintf(w, "  items: %d, quests: %d\n", s.Items, s.Quests)
		}
	}
	return nil
}
