package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/nvandessel/phenosim/internal/trajectory"
	"github.com/spf13/cobra"
)

func newInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect <file>",
		Short: "Print per-frame summaries of a trajectory file",
		Long: `Read a trajectory file and print one summary per frame: environment,
population size, step delta, the dominant phenotype and the mean
phenotype weights.

The parameter file must match the one the trajectory was written with.

Examples:
  phenosim inspect data/traj-000.bin
  phenosim inspect data/traj-000.bin --frame 99 --json
  phenosim inspect data/traj-000.bin --params data/parameters.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			frame, _ := cmd.Flags().GetInt("frame")
			path := args[0]

			p, _, err := loadParams(cmd)
			if err != nil {
				return err
			}

			rd, err := trajectory.Open(path, p.NPhe, p.NEnv)
			if err != nil {
				return err
			}
			defer rd.Close()

			type frameSummary struct {
				Index int `json:"index"`
				trajectory.Summary
			}

			var frames []frameSummary
			for i := 0; ; i++ {
				pop, err := rd.Next()
				if errors.Is(err, io.EOF) {
					break
				}
				if err != nil {
					return err
				}
				if frame >= 0 && i != frame {
					continue
				}
				frames = append(frames, frameSummary{Index: i, Summary: trajectory.Summarize(pop, p.NPhe)})
				if frame >= 0 {
					break
				}
			}
			if frame >= 0 && len(frames) == 0 {
				return fmt.Errorf("frame %d not found: %s holds %d frames", frame, path, rd.Frames())
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				return json.NewEncoder(out).Encode(frames)
			}

			if len(frames) == 0 {
				fmt.Fprintln(out, "No frames.")
				return nil
			}
			fmt.Fprintf(out, "%-6s %-4s %-8s %-7s %-9s %s\n", "FRAME", "ENV", "AGENTS", "DELTA", "DOMINANT", "MEAN WEIGHTS")
			for _, f := range frames {
				fmt.Fprintf(out, "%-6d %-4d %-8d %-+7d %-9d %s\n",
					f.Index, f.Environment, f.Agents, f.StepDelta, f.Dominant(), formatWeights(f.MeanWeights))
			}
			return nil
		},
	}

	cmd.Flags().String("params", "", "Parameter file (default: <root>/parameters.yaml)")
	cmd.Flags().Int("frame", -1, "Only print this frame (zero-based)")

	return cmd
}

func formatWeights(w []float64) string {
	parts := make([]string, len(w))
	for i, v := range w {
		parts[i] = fmt.Sprintf("%.4f", v)
	}
	return "[" + strings.Join(parts, " ") + "]"
}
