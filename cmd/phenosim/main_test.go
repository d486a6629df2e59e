package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nvandessel/phenosim/internal/logging"
	"github.com/nvandessel/phenosim/internal/params"
	"github.com/nvandessel/phenosim/internal/retention"
	"github.com/nvandessel/phenosim/internal/sim"
	"github.com/nvandessel/phenosim/internal/store"
	"github.com/nvandessel/phenosim/internal/trajectory"
)

// isolateHome points HOME at a temp directory and clears PHENOSIM_*
// overrides so tests never read or write the real ~/.phenosim/.
func isolateHome(t *testing.T) string {
	t.Helper()
	home := filepath.Join(t.TempDir(), "home")
	if err := os.MkdirAll(home, 0700); err != nil {
		t.Fatalf("Failed to create temp home: %v", err)
	}
	t.Setenv("HOME", home)
	for _, key := range []string{
		"PHENOSIM_LOG_LEVEL", "PHENOSIM_DATA_DIR", "PHENOSIM_STORE_BACKEND", "PHENOSIM_MONITOR_ADDR",
		"PHENOSIM_SEED", "PHENOSIM_STEPS_PER_SAVE", "PHENOSIM_SAVES_PER_FILE",
	} {
		t.Setenv(key, "")
	}
	return home
}

// execute runs the root command with args and returns its stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func mustExecute(t *testing.T, args ...string) string {
	t.Helper()
	out, err := execute(t, args...)
	if err != nil {
		t.Fatalf("phenosim %s: %v", strings.Join(args, " "), err)
	}
	return out
}

// writeSmallParams writes a fast parameter set to root/parameters.yaml.
func writeSmallParams(t *testing.T, root string, seed uint64) *params.Params {
	t.Helper()
	p := params.Default()
	p.NAgtInit = 20
	p.StepsPerSave = 2
	p.SavesPerFile = 3
	p.Seed = seed
	if err := p.Save(filepath.Join(root, params.DefaultFileName)); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestVersionCmd(t *testing.T) {
	isolateHome(t)
	out := mustExecute(t, "version", "--json")

	var got map[string]string
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("version output is not JSON: %v\n%s", err, out)
	}
	if got["version"] != version {
		t.Errorf("version = %q, want %q", got["version"], version)
	}
}

func TestParamsInitAndValidate(t *testing.T) {
	isolateHome(t)
	root := t.TempDir()

	mustExecute(t, "params", "init", "--root", root)
	path := filepath.Join(root, params.DefaultFileName)
	if _, err := params.LoadFromFile(path); err != nil {
		t.Fatalf("params init wrote an invalid file: %v", err)
	}

	if _, err := execute(t, "params", "init", "--root", root); err == nil {
		t.Error("params init over an existing file should fail without --force")
	}
	mustExecute(t, "params", "init", "--root", root, "--force")

	out := mustExecute(t, "params", "validate", "--root", root, "--json")
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatal(err)
	}
	if result["valid"] != true || result["hash"] == "" {
		t.Errorf("validate result = %v", result)
	}
}

func TestParamsValidate_Invalid(t *testing.T) {
	isolateHome(t)
	root := t.TempDir()
	data := []byte("n_env: 0\nn_phe: 2\n")
	if err := os.WriteFile(filepath.Join(root, params.DefaultFileName), data, 0644); err != nil {
		t.Fatal(err)
	}

	_, err := execute(t, "params", "validate", "--root", root)
	if err == nil || !strings.Contains(err.Error(), "n_env") {
		t.Errorf("validate error = %v, want one naming n_env", err)
	}
}

func TestParamsShow_EnvOverride(t *testing.T) {
	isolateHome(t)
	root := t.TempDir()
	writeSmallParams(t, root, 1)
	t.Setenv("PHENOSIM_SEED", "99")

	out := mustExecute(t, "params", "show", "--root", root, "--json")
	var p params.Params
	if err := json.Unmarshal([]byte(out), &p); err != nil {
		t.Fatal(err)
	}
	if p.Seed != 99 {
		t.Errorf("Seed = %d, want 99 from PHENOSIM_SEED", p.Seed)
	}
}

func TestRunWorkflow(t *testing.T) {
	isolateHome(t)
	root := t.TempDir()
	p := writeSmallParams(t, root, 7)
	dataDir := filepath.Join(root, "data")

	// run
	out := mustExecute(t, "run", "--root", root, "--files", "2", "--json")
	var results []runResult
	if err := json.Unmarshal([]byte(out), &results); err != nil {
		t.Fatalf("run output is not JSON: %v\n%s", err, out)
	}
	if len(results) != 2 {
		t.Fatalf("run wrote %d files, want 2", len(results))
	}
	for i, r := range results {
		want := filepath.Join(dataDir, []string{"traj-000.bin", "traj-001.bin"}[i])
		if r.Path != want {
			t.Errorf("results[%d].Path = %q, want %q", i, r.Path, want)
		}
		frames, err := trajectory.ReadAll(r.Path, p.NPhe, p.NEnv)
		if err != nil {
			t.Fatalf("reading %s: %v", r.Path, err)
		}
		if len(frames) != p.SavesPerFile {
			t.Errorf("%s holds %d frames, want %d", r.Path, len(frames), p.SavesPerFile)
		}
		for _, f := range frames {
			if f.Len() > p.NAgtInit {
				t.Errorf("%s: frame with %d agents exceeds cap %d", r.Path, f.Len(), p.NAgtInit)
			}
		}
	}
	if results[1].Steps != uint64(2*p.SavesPerFile*p.StepsPerSave) {
		t.Errorf("second file ends at step %d, want %d", results[1].Steps, 2*p.SavesPerFile*p.StepsPerSave)
	}
	if _, err := os.Stat(filepath.Join(dataDir, params.DefaultFileName)); err != nil {
		t.Errorf("run did not copy the parameters into the data directory: %v", err)
	}

	// runs list
	out = mustExecute(t, "runs", "list", "--root", root, "--json")
	var runs []store.Run
	if err := json.Unmarshal([]byte(out), &runs); err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Fatalf("runs list returned %d runs, want 2", len(runs))
	}
	for _, r := range runs {
		if r.Status != store.StatusCompleted || r.Frames != p.SavesPerFile || r.Seed != 7 {
			t.Errorf("run %s = %+v", r.ID, r)
		}
	}
	if runs[0].ResumedFrom != results[0].Path {
		t.Errorf("second run ResumedFrom = %q, want %q", runs[0].ResumedFrom, results[0].Path)
	}

	// runs show
	out = mustExecute(t, "runs", "show", results[0].RunID, "--root", root, "--json")
	var shown struct {
		Run    store.Run           `json:"run"`
		Frames []store.FrameRecord `json:"frames"`
	}
	if err := json.Unmarshal([]byte(out), &shown); err != nil {
		t.Fatal(err)
	}
	if shown.Run.ID != results[0].RunID || len(shown.Frames) != p.SavesPerFile {
		t.Errorf("runs show = %+v", shown)
	}
	if _, err := execute(t, "runs", "show", "no-such-run", "--root", root); err == nil {
		t.Error("runs show with an unknown ID should fail")
	}

	// inspect
	out = mustExecute(t, "inspect", results[0].Path, "--root", root, "--frame", "1", "--json")
	var inspected []struct {
		Index int `json:"index"`
		trajectory.Summary
	}
	if err := json.Unmarshal([]byte(out), &inspected); err != nil {
		t.Fatal(err)
	}
	if len(inspected) != 1 || inspected[0].Index != 1 {
		t.Fatalf("inspect --frame 1 = %+v", inspected)
	}
	if inspected[0].Summary.Agents != shown.Frames[1].Summary.Agents {
		t.Errorf("inspect agents = %d, run registry says %d", inspected[0].Summary.Agents, shown.Frames[1].Summary.Agents)
	}
	if _, err := execute(t, "inspect", results[0].Path, "--root", root, "--frame", "9"); err == nil {
		t.Error("inspect of a missing frame should fail")
	}
	if out = mustExecute(t, "inspect", results[0].Path, "--root", root); !strings.Contains(out, "DOMINANT") {
		t.Errorf("inspect table missing header:\n%s", out)
	}

	// export
	mustExecute(t, "export", results[0].Path, "--root", root)
	if _, err := os.Stat(filepath.Join(dataDir, "traj-000.arrow")); err != nil {
		t.Errorf("export did not write the Arrow file: %v", err)
	}

	// prune
	out = mustExecute(t, "prune", "--root", root, "--keep", "1", "--dry-run")
	if !strings.Contains(out, "Would remove 1 trajectory files") {
		t.Errorf("prune --dry-run output:\n%s", out)
	}
	mustExecute(t, "prune", "--root", root, "--keep", "1")
	if _, err := os.Stat(results[0].Path); !os.IsNotExist(err) {
		t.Errorf("prune kept %s", results[0].Path)
	}
	if _, err := os.Stat(results[1].Path); err != nil {
		t.Errorf("prune removed the newest file: %v", err)
	}
}

func TestRun_SameSeedSameBytes(t *testing.T) {
	isolateHome(t)

	var outputs [][]byte
	for i := 0; i < 2; i++ {
		root := t.TempDir()
		writeSmallParams(t, root, 42)
		out := filepath.Join(root, "out", "run.bin")
		mustExecute(t, "run", "--root", root, "--out", out)

		data, err := os.ReadFile(out)
		if err != nil {
			t.Fatal(err)
		}
		outputs = append(outputs, data)
	}
	if !bytes.Equal(outputs[0], outputs[1]) {
		t.Error("runs with the same seed wrote different trajectories")
	}
}

func TestRun_Resume(t *testing.T) {
	isolateHome(t)
	root := t.TempDir()
	p := writeSmallParams(t, root, 3)

	first := filepath.Join(root, "data", "traj-000.bin")
	mustExecute(t, "run", "--root", root)
	last, _, err := trajectory.Last(first, p.NPhe, p.NEnv)
	if err != nil {
		t.Fatal(err)
	}

	out := mustExecute(t, "run", "--root", root, "--resume", first, "--seed", "11", "--json")
	var results []runResult
	if err := json.Unmarshal([]byte(out), &results); err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || filepath.Base(results[0].Path) != "traj-001.bin" {
		t.Fatalf("resume results = %+v", results)
	}

	out = mustExecute(t, "runs", "show", results[0].RunID, "--root", root, "--json")
	var shown struct {
		Run store.Run `json:"run"`
	}
	if err := json.Unmarshal([]byte(out), &shown); err != nil {
		t.Fatal(err)
	}
	if shown.Run.ResumedFrom != first || shown.Run.Seed != 11 {
		t.Errorf("resumed run = %+v", shown.Run)
	}
	if last.Len() == 0 && results[0].Agents != 0 {
		t.Errorf("resuming an extinct population produced %d agents", results[0].Agents)
	}
}

func TestRun_FlagErrors(t *testing.T) {
	isolateHome(t)
	root := t.TempDir()
	writeSmallParams(t, root, 0)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"zero files", []string{"--files", "0"}, "--files"},
		{"out with many files", []string{"--out", filepath.Join(root, "x.bin"), "--files", "2"}, "--out"},
		{"missing params", []string{"--params", filepath.Join(root, "missing.yaml")}, "missing.yaml"},
		{"missing resume file", []string{"--resume", filepath.Join(root, "none.bin")}, "resume"},
		{"bad log level", []string{"--log-level", "loud"}, "log level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"run", "--root", root}, tt.args...)
			_, err := execute(t, args...)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want one containing %q", err, tt.want)
			}
		})
	}
}

func TestConfigSetGet(t *testing.T) {
	home := isolateHome(t)

	mustExecute(t, "config", "set", "store.backend", "memory")
	if _, err := os.Stat(filepath.Join(home, ".phenosim", "config.yaml")); err != nil {
		t.Fatalf("config set did not write the file: %v", err)
	}

	out := mustExecute(t, "config", "get", "store.backend", "--json")
	var got map[string]interface{}
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatal(err)
	}
	if got["value"] != "memory" {
		t.Errorf("store.backend = %v, want memory", got["value"])
	}

	if _, err := execute(t, "config", "set", "store.backend", "postgres"); err == nil {
		t.Error("setting an unknown backend should fail")
	}
	if _, err := execute(t, "config", "get", "no.such.key"); err == nil {
		t.Error("getting an unknown key should fail")
	}

	out = mustExecute(t, "config", "list")
	if !strings.Contains(out, "store.backend:") || !strings.Contains(out, "memory") {
		t.Errorf("config list output:\n%s", out)
	}
}

func TestBuildRetentionPolicy(t *testing.T) {
	tests := []struct {
		name    string
		keepSet bool
		keep    int
		maxAge  string
		maxSize string
		wantErr bool
		wantAny bool
	}{
		{name: "nothing", wantErr: true},
		{name: "keep", keepSet: true, keep: 3},
		{name: "keep zero", keepSet: true, keep: 0},
		{name: "negative keep", keepSet: true, keep: -1, wantErr: true},
		{name: "age", maxAge: "30d"},
		{name: "bad age", maxAge: "soon", wantErr: true},
		{name: "size", maxSize: "2GiB"},
		{name: "bad size", maxSize: "big", wantErr: true},
		{name: "combined", keepSet: true, keep: 1, maxAge: "2w", wantAny: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			policy, err := buildRetentionPolicy(tt.keepSet, tt.keep, tt.maxAge, tt.maxSize)
			if (err != nil) != tt.wantErr {
				t.Fatalf("buildRetentionPolicy() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			_, isAny := policy.(retention.AnyPolicy)
			if isAny != tt.wantAny {
				t.Errorf("policy %T, want AnyPolicy = %v", policy, tt.wantAny)
			}
		})
	}
}

func TestFormatWeights(t *testing.T) {
	tests := []struct {
		in   []float64
		want string
	}{
		{nil, "[]"},
		{[]float64{1}, "[1.0000]"},
		{[]float64{0.25, 0.75}, "[0.2500 0.7500]"},
	}
	for _, tt := range tests {
		if got := formatWeights(tt.in); got != tt.want {
			t.Errorf("formatWeights(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFrameRecorder_CountsFailedFrames(t *testing.T) {
	ctx := context.Background()
	rs := store.NewInMemoryRunStore()
	defer rs.Close()

	id, err := rs.CreateRun(ctx, store.Run{Path: "traj-000.bin"})
	if err != nil {
		t.Fatal(err)
	}

	var logs bytes.Buffer
	rec := &frameRecorder{store: rs, logger: logging.NewLogger("info", &logs)}
	rec.start(id)

	rec.OnFrame(sim.FrameInfo{Index: 0, Step: 2})
	rec.OnFrame(sim.FrameInfo{Index: 1, Step: 4})
	rec.OnFrame(sim.FrameInfo{Index: 1, Step: 4}) // duplicate index is rejected

	if rec.missed != 1 {
		t.Errorf("missed = %d, want 1", rec.missed)
	}
	if !strings.Contains(logs.String(), "failed to record frame") {
		t.Errorf("expected a warning, got %q", logs.String())
	}

	run, err := rs.GetRun(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if run.Frames != 2 {
		t.Errorf("registry frames = %d, want 2", run.Frames)
	}

	var out bytes.Buffer
	printRun(&out, run)
	if !strings.Contains(out.String(), "Frames:  2 recorded") {
		t.Errorf("printRun() = %q, want recorded frame count", out.String())
	}

	rec.start("next")
	if rec.missed != 0 {
		t.Errorf("start() kept missed = %d", rec.missed)
	}
}
