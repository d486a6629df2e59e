package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/nvandessel/phenosim/internal/logging"
	"github.com/nvandessel/phenosim/internal/monitor"
	"github.com/nvandessel/phenosim/internal/params"
	"github.com/nvandessel/phenosim/internal/pathutil"
	"github.com/nvandessel/phenosim/internal/sim"
	"github.com/nvandessel/phenosim/internal/store"
	"github.com/nvandessel/phenosim/internal/trajectory"
	"github.com/spf13/cobra"
)

// serveFromConfig is the --serve value used when the flag has no address.
const serveFromConfig = "config"

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the simulation and write trajectory files",
		Long: `Run the simulation and write one or more trajectory files.

Each file holds saves_per_file frames, one every steps_per_save steps.
Files are named traj-NNN.bin in the data directory, numbered after the
trajectory files already there. Consecutive files continue the same
population and random stream.

Examples:
  phenosim run                                 # One file from ./parameters.yaml
  phenosim run --files 5 --seed 42             # Five consecutive files
  phenosim run --resume data/traj-004.bin      # Continue from the last frame
  phenosim run --serve --open                  # Watch the run in a browser
  phenosim run --out /tmp/test.bin --params small.yaml`,
		RunE: runSimulation,
	}

	cmd.Flags().String("params", "", "Parameter file (default: <root>/parameters.yaml)")
	cmd.Flags().String("out", "", "Write a single trajectory to this path instead of the data directory")
	cmd.Flags().Uint64("seed", 0, "Override the seed from the parameter file")
	cmd.Flags().String("resume", "", "Start from the last frame of this trajectory file")
	cmd.Flags().Int("files", 1, "Number of consecutive trajectory files to write")
	cmd.Flags().String("serve", "", "Serve a live monitor on this address (no value: monitor.addr from config)")
	cmd.Flags().Lookup("serve").NoOptDefVal = serveFromConfig
	cmd.Flags().Bool("open", false, "Open the monitor in a browser (with --serve)")
	cmd.Flags().Bool("linger", false, "Keep the monitor running after the run until interrupted (with --serve)")

	return cmd
}

// runResult describes one trajectory file written by the run command.
type runResult struct {
	RunID       string `json:"run_id"`
	Path        string `json:"path"`
	Frames      int    `json:"frames"`
	Bytes       int64  `json:"bytes"`
	Steps       uint64 `json:"steps"`
	Agents      int    `json:"agents"`
	Environment int    `json:"environment"`
	// Unrecorded counts frames written to the file whose summaries could
	// not be stored in the run registry.
	Unrecorded int `json:"unrecorded_frames,omitempty"`
}

func runSimulation(cmd *cobra.Command, args []string) error {
	root, _ := cmd.Flags().GetString("root")
	jsonOut, _ := cmd.Flags().GetBool("json")
	outPath, _ := cmd.Flags().GetString("out")
	resume, _ := cmd.Flags().GetString("resume")
	files, _ := cmd.Flags().GetInt("files")
	serve, _ := cmd.Flags().GetString("serve")
	openBrowser, _ := cmd.Flags().GetBool("open")
	linger, _ := cmd.Flags().GetBool("linger")

	if files < 1 {
		return fmt.Errorf("--files must be at least 1, got %d", files)
	}
	if outPath != "" && files > 1 {
		return fmt.Errorf("--out writes a single file; drop --files or --out")
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg)

	p, _, err := loadParams(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("seed") {
		p.Seed, _ = cmd.Flags().GetUint64("seed")
	}
	hash, err := p.Hash()
	if err != nil {
		return err
	}

	dataDir := cfg.ResolveDataDir(root)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := p.Save(filepath.Join(dataDir, params.DefaultFileName)); err != nil {
		return err
	}

	rs, err := store.Open(cfg.Store.Backend, cfg.ResolveStorePath(root))
	if err != nil {
		return fmt.Errorf("failed to open run store: %w", err)
	}
	defer rs.Close()

	events, err := logging.NewEventLogger(dataDir, cfg.Logging.Level)
	if err != nil {
		return err
	}
	defer events.Close()

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	recorder := &frameRecorder{store: rs, logger: logger}
	observers := sim.MultiObserver{sim.NewProgressLogger(logger), recorder}

	var srv *monitor.Server
	var srvErr <-chan error
	srvCtx, srvCancel := context.WithCancel(ctx)
	defer srvCancel()
	if serve != "" {
		addr := serve
		if addr == serveFromConfig {
			addr = cfg.Monitor.Addr
		}
		srv, srvErr, err = startMonitor(srvCtx, addr, logger)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Monitor running at %s\n", srv.URL())
		if openBrowser {
			if err := monitor.OpenBrowser(srv.URL()); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Could not open browser: %v\nOpen %s manually.\n", err, srv.URL())
			}
		}
		observers = append(observers, srv)
	}

	eng, err := sim.New(p, sim.NewSource(p.Seed),
		sim.WithObserver(observers),
		sim.WithEventLogger(events),
		sim.WithLogger(logger))
	if err != nil {
		return err
	}

	resumedFrom := ""
	if resume != "" {
		pop, n, err := trajectory.Last(resume, p.NPhe, p.NEnv)
		if err != nil {
			return fmt.Errorf("failed to resume: %w", err)
		}
		if err := eng.SetPopulation(pop); err != nil {
			return fmt.Errorf("failed to resume from %s: %w", resume, err)
		}
		resumedFrom = resume
		logger.Info("resumed", "path", pathutil.RedactPath(resume), "frame", n-1, "agents", pop.Len())
	} else if err := eng.Initialize(); err != nil {
		return err
	}

	var results []runResult
	for i := 0; i < files; i++ {
		path := outPath
		if path == "" {
			if path, err = pathutil.NextIndexedPath(dataDir); err != nil {
				return err
			}
		} else if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}

		id, err := rs.CreateRun(ctx, store.Run{
			ParamsHash:  hash,
			Seed:        p.Seed,
			Path:        path,
			ResumedFrom: resumedFrom,
			StartedAt:   time.Now(),
		})
		if err != nil {
			return fmt.Errorf("failed to record run: %w", err)
		}
		recorder.start(id)
		if srv != nil {
			srv.SetRunID(id)
		}
		logger.Info("run started", "run", id, "path", pathutil.RedactPath(path), "seed", p.Seed)

		runErr := eng.Run(ctx, path)
		if err := rs.FinishRun(context.Background(), id, runErr); err != nil {
			logger.Warn("failed to finish run record", "run", id, "error", err)
		}
		if runErr != nil {
			return fmt.Errorf("run %s: %w", id, runErr)
		}

		res := runResult{
			RunID:       id,
			Path:        path,
			Frames:      p.SavesPerFile,
			Steps:       eng.Steps(),
			Agents:      eng.Population().Len(),
			Environment: eng.Population().Environment,
			Unrecorded:  recorder.missed,
		}
		if info, err := os.Stat(path); err == nil {
			res.Bytes = info.Size()
		}
		results = append(results, res)
		resumedFrom = path
	}

	if jsonOut {
		if err := json.NewEncoder(cmd.OutOrStdout()).Encode(results); err != nil {
			return err
		}
	} else {
		out := cmd.OutOrStdout()
		for _, r := range results {
			fmt.Fprintf(out, "Wrote %s: %d frames, %s, %s agents (run %s)\n",
				r.Path, r.Frames, humanize.Bytes(uint64(r.Bytes)), humanize.Comma(int64(r.Agents)), r.RunID)
			if r.Unrecorded > 0 {
				fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %d of %d frame summaries of run %s are missing from the run registry\n",
					r.Unrecorded, r.Frames, r.RunID)
			}
		}
	}

	if srv == nil {
		return nil
	}
	if linger {
		fmt.Fprintf(cmd.ErrOrStderr(), "Run finished. Monitor still at %s, press Ctrl-C to stop.\n", srv.URL())
		<-ctx.Done()
	}
	srvCancel()
	if err := <-srvErr; err != nil {
		return fmt.Errorf("monitor error: %w", err)
	}
	return nil
}

// startMonitor starts a monitor server and waits until it is listening.
func startMonitor(ctx context.Context, addr string, logger *slog.Logger) (*monitor.Server, <-chan error, error) {
	srv := monitor.NewServer(addr, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if srv.Addr() != "" {
			return srv, errCh, nil
		}
		select {
		case err := <-errCh:
			return nil, nil, fmt.Errorf("monitor failed to start: %w", err)
		case <-time.After(10 * time.Millisecond):
		}
	}
	return nil, nil, fmt.Errorf("monitor failed to start on %s", addr)
}

// frameRecorder stores the summary of every frame in the run registry.
// A failed insert does not stop the run; it is logged and counted in
// missed, so the registry's frame count can be lower than the file's.
type frameRecorder struct {
	store  store.RunStore
	logger *slog.Logger
	runID  string
	missed int
}

// start points the recorder at a new run.
func (r *frameRecorder) start(runID string) {
	r.runID = runID
	r.missed = 0
}

func (r *frameRecorder) OnFrame(fi sim.FrameInfo) {
	err := r.store.RecordFrame(context.Background(), store.FrameRecord{
		RunID:   r.runID,
		Index:   fi.Index,
		Step:    fi.Step,
		Summary: fi.Summary,
	})
	if err != nil {
		r.missed++
		r.logger.Warn("failed to record frame", "run", r.runID, "frame", fi.Index, "error", err)
	}
}
