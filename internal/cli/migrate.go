package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"loom/internal/save"
)

// MigrateOptions holds flags for the migrate command.
type MigrateOptions struct {
	*RootOptions
	Database string
	Profile  string // optional - specific profile only
}

// MigrateProfileResult holds the migration result for a single save.
type MigrateProfileResult struct {
	ProfileID string   `json:"profile_id"`
	Version   string   `json:"version"`
	Migrated  bool     `json:"migrated"`
	Applied   []string `json:"applied"`
	Error     string   `json:"error,omitempty"`
}

// MigrateResult holds the overall migration result.
type MigrateResult struct {
	Saves      []MigrateProfileResult `json:"saves"`
	TotalSaves int                    `json:"total_saves"`
	Failed     int                    `json:"failed"`
}

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MigrateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Migrate saved games to the latest format",
		Long: `Load every save in the database, apply any pending format migrations,
and write the upgraded saves back.

Saves with unsupported versions are reported and left untouched. A save
that fails to migrate never overwrites the stored blob.

Exit codes:
  0 - All saves current or migrated
  1 - One or more saves could not be migrated
  2 - Command error (database not found, etc.)

Examples:
  loom migrate --db ./saves.db
  loom migrate --db ./saves.db --profile drifter
  loom migrate --db ./saves.db --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite save database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.Profile, "profile", "", "migrate a specific profile only")

	return cmd
}

func runMigrate(opts *MigrateOptions, cmd *cobra.Command) error {
	ctx := context.Background()

	st, err := save.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open save database", err)
	}
	defer st.Close()

	var profileIDs []string
	if opts.Profile != "" {
		profileIDs = []string{opts.Profile}
	} else {
		summaries, err := st.List(ctx)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to list saves", err)
		}
		for _, sum := range summaries {
			profileIDs = append(profileIDs, sum.ProfileID)
		}
	}

	result := MigrateResult{
		Saves:      make([]MigrateProfileResult, 0, len(profileIDs)),
		TotalSaves: len(profileIDs),
	}

	for _, id := range profileIDs {
		// Load migrates and writes back on success.
		sg, applied, err := st.Load(ctx, id)
		if err != nil {
			if errors.Is(err, save.ErrNotFound) {
				return WrapExitError(ExitCommandError, fmt.Sprintf("no save for profile %q", id), err)
			}
			res := MigrateProfileResult{ProfileID: id, Error: err.Error()}
			var me *save.MigrationError
			if errors.As(err, &me) {
				res.Version = me.Version
			}
			result.Saves = append(result.Saves, res)
			result.Failed++
			continue
		}
		result.Saves = append(result.Saves, MigrateProfileResult{
			ProfileID: id,
			Version:   sg.Version,
			Migrated:  len(applied) > 0,
			Applied:   applied,
		})
	}

	if opts.Format == "json" {
		return outputMigrateJSON(cmd, result)
	}
	return outputMigrateText(cmd, result, opts.Verbose)
}

// outputMigrateJSON outputs the migration result as JSON.
func outputMigrateJSON(cmd *cobra.Command, result MigrateResult) error {
	response := CLIResponse{
		Status: "ok",
		Data:   result,
	}
	if result.Failed > 0 {
		response.Status = "error"
		response.Error = &CLIError{
			Code:    "E_MIGRATE",
			Message: fmt.Sprintf("%d save(s) failed to migrate", result.Failed),
		}
	}

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(response); err != nil {
		return err
	}

	if result.Failed > 0 {
		return NewExitError(ExitFailure, "migration failed")
	}
	return nil
}

// outputMigrateText outputs the migration result as text.
func outputMigrateText(cmd *cobra.Command, result MigrateResult, verbose bool) error {
	w := cmd.OutOrStdout()

	fmt.Fprintf(w, "Migration Summary: %d save(s)\n\n", result.TotalSaves)

	for _, s := range result.Saves {
		switch {
		case s.Error != "":
			fmt.Fprintf(w, "✗ %s: %s\n", s.ProfileID, s.Error)
		case s.Migrated:
			fmt.Fprintf(w, "✓ %s: migrated to %s\n", s.ProfileID, s.Version)
			if verbose {
				for _, step := range s.Applied {
					fmt.Fprintf(w, "  %s\n", step)
				}
			}
		default:
			fmt.Fprintf(w, "✓ %s: already %s\n", s.ProfileID, s.Version)
		}
	}

	if result.Failed > 0 {
		fmt.Fprintf(w, "\n✗ %d save(s) failed to migrate\n", result.Failed)
		return NewExitError(ExitFailure, "migration failed")
	}
	fmt.Fprintln(w, "\n✓ All saves current")
	return nil
}
