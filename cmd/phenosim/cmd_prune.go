package main

import (
	"encoding/json"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/nvandessel/phenosim/internal/retention"
	"github.com/spf13/cobra"
)

func newPruneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove old trajectory files from the data directory",
		Long: `Remove traj-NNN.bin files from the data directory. A file is kept if
any of the given limits keeps it; everything else is deleted. The newest
file is never removed by --max-size.

Examples:
  phenosim prune --keep 10                     # Keep the ten newest files
  phenosim prune --max-age 30d --dry-run       # Show files older than 30 days
  phenosim prune --keep 3 --max-size 2GiB      # Keep three, or up to 2 GiB`,
		RunE: func(cmd *cobra.Command, args []string) error {
			root, _ := cmd.Flags().GetString("root")
			jsonOut, _ := cmd.Flags().GetBool("json")
			keepN, _ := cmd.Flags().GetInt("keep")
			maxAge, _ := cmd.Flags().GetString("max-age")
			maxSize, _ := cmd.Flags().GetString("max-size")
			dryRun, _ := cmd.Flags().GetBool("dry-run")

			policy, err := buildRetentionPolicy(cmd.Flags().Changed("keep"), keepN, maxAge, maxSize)
			if err != nil {
				return err
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			dir := cfg.ResolveDataDir(root)

			var removed []retention.File
			if dryRun {
				_, removed, err = retention.Plan(dir, policy)
			} else {
				removed, err = retention.Prune(dir, policy)
			}
			if err != nil {
				return fmt.Errorf("prune failed: %w", err)
			}

			var freed int64
			for _, f := range removed {
				freed += f.Size
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				if removed == nil {
					removed = []retention.File{}
				}
				return json.NewEncoder(out).Encode(map[string]interface{}{
					"dry_run":     dryRun,
					"removed":     removed,
					"freed_bytes": freed,
				})
			}

			verb := "Removed"
			if dryRun {
				verb = "Would remove"
			}
			for _, f := range removed {
				fmt.Fprintf(out, "  %s (%s)\n", f.Path, humanize.Bytes(uint64(f.Size)))
			}
			fmt.Fprintf(out, "%s %d trajectory files, %s\n", verb, len(removed), humanize.Bytes(uint64(freed)))
			return nil
		},
	}

	cmd.Flags().Int("keep", 0, "Keep this many of the newest files")
	cmd.Flags().String("max-age", "", "Keep files modified within this age (e.g. 36h, 30d, 2w)")
	cmd.Flags().String("max-size", "", "Keep the newest files up to this total size (e.g. 500MB, 2GiB)")
	cmd.Flags().Bool("dry-run", false, "List the files that would be removed without deleting them")

	return cmd
}

// buildRetentionPolicy combines the limits given on the command line.
func buildRetentionPolicy(keepSet bool, keep int, maxAge, maxSize string) (retention.Policy, error) {
	var policies retention.AnyPolicy

	if keepSet {
		if keep < 0 {
			return nil, fmt.Errorf("--keep must not be negative, got %d", keep)
		}
		policies = append(policies, &retention.CountPolicy{Max: keep})
	}

	if maxAge != "" {
		d, err := retention.ParseDuration(maxAge)
		if err != nil {
			return nil, err
		}
		policies = append(policies, &retention.AgePolicy{MaxAge: d})
	}

	if maxSize != "" {
		s, err := retention.ParseSize(maxSize)
		if err != nil {
			return nil, err
		}
		policies = append(policies, &retention.SizePolicy{MaxBytes: s})
	}

	switch len(policies) {
	case 0:
		return nil, fmt.Errorf("specify at least one of --keep, --max-age or --max-size")
	case 1:
		return policies[0], nil
	default:
		return policies, nil
	}
}
