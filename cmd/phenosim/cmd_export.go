package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/nvandessel/phenosim/internal/export"
	"github.com/spf13/cobra"
)

func newExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export <file>",
		Short: "Export a trajectory file to Apache Arrow IPC",
		Long: `Convert a trajectory file into an Arrow IPC file with one row per agent
per frame (frame, environment, step_delta, agent, phenotype, weights).
The file can be read by pyarrow, polars, DuckDB and other Arrow tools.

Examples:
  phenosim export data/traj-000.bin                   # Writes data/traj-000.arrow
  phenosim export data/traj-000.bin --out run.arrow`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			dst, _ := cmd.Flags().GetString("out")
			src := args[0]
			if dst == "" {
				dst = strings.TrimSuffix(src, filepath.Ext(src)) + ".arrow"
			}

			p, _, err := loadParams(cmd)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			stats, err := export.File(ctx, src, dst, p.NPhe, p.NEnv)
			if err != nil {
				return fmt.Errorf("export failed: %w", err)
			}

			var size int64
			if info, err := os.Stat(dst); err == nil {
				size = info.Size()
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				return json.NewEncoder(out).Encode(map[string]interface{}{
					"path":       dst,
					"frames":     stats.Frames,
					"rows":       stats.Rows,
					"size_bytes": size,
				})
			}
			fmt.Fprintf(out, "Exported %d frames, %s rows to %s (%s)\n",
				stats.Frames, humanize.Comma(stats.Rows), dst, humanize.Bytes(uint64(size)))
			return nil
		},
	}

	cmd.Flags().String("params", "", "Parameter file (default: <root>/parameters.yaml)")
	cmd.Flags().String("out", "", "Output path (default: input path with .arrow extension)")

	return cmd
}
