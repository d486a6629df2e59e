package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/nvandessel/phenosim/internal/store"
	"github.com/spf13/cobra"
)

func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded simulation runs",
		Long: `Query the run registry. Every "phenosim run" records each trajectory
file it writes, with the parameter hash, seed, status and a summary of
every frame.

Examples:
  phenosim runs list
  phenosim runs show 0b6c7f3e-...`,
	}

	cmd.AddCommand(
		newRunsListCmd(),
		newRunsShowCmd(),
	)

	return cmd
}

// openRunStore opens the run registry configured for the project root.
func openRunStore(cmd *cobra.Command) (store.RunStore, error) {
	root, _ := cmd.Flags().GetString("root")
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	rs, err := store.Open(cfg.Store.Backend, cfg.ResolveStorePath(root))
	if err != nil {
		return nil, fmt.Errorf("failed to open run store: %w", err)
	}
	return rs, nil
}

func newRunsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List runs, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")

			rs, err := openRunStore(cmd)
			if err != nil {
				return err
			}
			defer rs.Close()

			runs, err := rs.ListRuns(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				if runs == nil {
					runs = []store.Run{}
				}
				return json.NewEncoder(out).Encode(runs)
			}

			if len(runs) == 0 {
				fmt.Fprintln(out, "No runs recorded.")
				return nil
			}
			fmt.Fprintf(out, "%-36s  %-9s  %6s  %-14s  %s\n", "ID", "STATUS", "FRAMES", "STARTED", "PATH")
			for _, r := range runs {
				fmt.Fprintf(out, "%-36s  %-9s  %6d  %-14s  %s\n",
					r.ID, r.Status, r.Frames, humanize.Time(r.StartedAt), r.Path)
			}
			return nil
		},
	}
}

func newRunsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a run and its frame summaries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")

			rs, err := openRunStore(cmd)
			if err != nil {
				return err
			}
			defer rs.Close()

			run, err := rs.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			frames, err := rs.ListFrames(cmd.Context(), run.ID)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				if frames == nil {
					frames = []store.FrameRecord{}
				}
				return json.NewEncoder(out).Encode(map[string]interface{}{
					"run":    run,
					"frames": frames,
				})
			}

			printRun(out, run)
			if len(frames) > 0 {
				fmt.Fprintln(out)
				fmt.Fprintf(out, "%-6s %-10s %-4s %-8s %-7s %s\n", "FRAME", "STEP", "ENV", "AGENTS", "DELTA", "MEAN WEIGHTS")
				for _, f := range frames {
					fmt.Fprintf(out, "%-6d %-10d %-4d %-8d %-+7d %s\n",
						f.Index, f.Step, f.Summary.Environment, f.Summary.Agents, f.Summary.StepDelta,
						formatWeights(f.Summary.MeanWeights))
				}
			}
			return nil
		},
	}
}

func printRun(w io.Writer, r *store.Run) {
	fmt.Fprintf(w, "Run %s\n", r.ID)
	fmt.Fprintf(w, "  Status:  %s\n", r.Status)
	if r.Error != "" {
		fmt.Fprintf(w, "  Error:   %s\n", r.Error)
	}
	fmt.Fprintf(w, "  Path:    %s\n", r.Path)
	if r.ResumedFrom != "" {
		fmt.Fprintf(w, "  Resumed: %s\n", r.ResumedFrom)
	}
	fmt.Fprintf(w, "  Seed:    %d\n", r.Seed)
	fmt.Fprintf(w, "  Params:  %s\n", r.ParamsHash)
	fmt.Fprintf(w, "  Frames:  %d recorded\n", r.Frames)
	fmt.Fprintf(w, "  Started: %s (%s)\n", r.StartedAt.Format("2006-01-02 15:04:05"), humanize.Time(r.StartedAt))
	if r.FinishedAt != nil {
		fmt.Fprintf(w, "  Took:    %s\n", r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	}
}
