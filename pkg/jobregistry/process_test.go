//go:build unix

package jobregistry

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/3leaps/cycjobs/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLauncher(t *testing.T) *Launcher {
	t.Helper()
	l, err := NewLauncher(LauncherOptions{
		SupervisorCommand: []string{os.Args[0]},
		SupervisorEnv:     []string{supervisorEnv + "=1"},
		TerminateGrace:    2 * time.Second,
	})
	require.NoError(t, err)
	return l
}

// shellResolver runs the script name as a /bin/sh program with OUT set to
// the job's output directory.
var shellResolver = ResolverFunc(func(script string, _ map[string]any, outDir string) (Command, error) {
	return Command{Path: "/bin/sh", Args: []string{"-c", script}, Env: []string{"OUT=" + outDir}}, nil
})

func processManager(t *testing.T, store *Store) *Manager {
	t.Helper()
	mgr, err := NewManager(ManagerOptions{
		Store:    store,
		Launcher: testLauncher(t),
		Resolver: shellResolver,
	})
	require.NoError(t, err)
	t.Cleanup(mgr.Close)
	return mgr
}

func waitStatus(t *testing.T, mgr *Manager, jobID string, want JobStatus) *JobRecord {
	t.Helper()
	var last *JobRecord
	testutil.MustWaitFor(t, "job "+jobID+" to reach "+string(want), func() bool {
		rec, err := mgr.GetJobStatus(context.Background(), jobID)
		if err != nil {
			return false
		}
		last = rec
		return rec.Status == want
	})
	return last
}

func TestProcess_SuccessfulJob(t *testing.T) {
	mgr := processManager(t, NewStore(t.TempDir()))
	ctx := context.Background()

	script := `echo first; echo second >&2; echo model > "$OUT/model_1.pdb"; echo '{"score": 2.5}' > "$OUT/result.json"`
	rec, err := mgr.SubmitJob(ctx, SubmitRequest{ScriptName: script, JobName: "ok"})
	require.NoError(t, err)
	assert.Equal(t, JobStatusRunning, rec.Status)
	assert.Positive(t, rec.PID)

	done := waitStatus(t, mgr, rec.JobID, JobStatusCompleted)
	require.NotNil(t, done.ExitCode)
	assert.Equal(t, 0, *done.ExitCode)

	result, err := mgr.GetJobResult(ctx, rec.JobID)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"score": 2.5}, result["summary"])
	assert.Contains(t, result["output_files"], filepath.Join(rec.OutputDir, "model_1.pdb"))

	page, err := mgr.GetJobLog(ctx, rec.JobID, 0)
	require.NoError(t, err)
	joined := strings.Join(page.Lines, "\n")
	assert.Contains(t, joined, "first")
	assert.Contains(t, joined, "second")
}

func TestProcess_ResultWithoutStatusPoll(t *testing.T) {
	mgr := processManager(t, NewStore(t.TempDir()))
	ctx := context.Background()

	rec, err := mgr.SubmitJob(ctx, SubmitRequest{ScriptName: "exit 0"})
	require.NoError(t, err)

	var result map[string]any
	testutil.MustWaitFor(t, "result of "+rec.JobID, func() bool {
		result, err = mgr.GetJobResult(ctx, rec.JobID)
		return !errors.Is(err, ErrJobNotReady)
	})
	require.NoError(t, err)
	assert.EqualValues(t, 0, result["exit_code"])
}

func TestProcess_CancelledDuringLaunch(t *testing.T) {
	store := NewStore(t.TempDir())
	launcher := testLauncher(t)
	wrapper := &cancelOnLaunch{ProcessLauncher: launcher}
	mgr, err := NewManager(ManagerOptions{Store: store, Launcher: wrapper, Resolver: shellResolver})
	require.NoError(t, err)
	t.Cleanup(mgr.Close)
	wrapper.mgr = mgr

	rec, err := mgr.SubmitJob(context.Background(), SubmitRequest{ScriptName: "exec sleep 30"})
	require.NoError(t, err)
	assert.Equal(t, JobStatusCancelled, rec.Status)
	assert.Equal(t, wrapper.handle.PID, rec.PID)

	mgr.Close()
	testutil.MustWaitFor(t, "cancelled process exit", func() bool { return !launcher.IsAlive(wrapper.handle) })

	got, err := mgr.GetJobStatus(context.Background(), rec.JobID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusCancelled, got.Status)
}

func TestProcess_FailingJob(t *testing.T) {
	mgr := processManager(t, NewStore(t.TempDir()))

	rec, err := mgr.SubmitJob(context.Background(), SubmitRequest{ScriptName: "echo nope; exit 3"})
	require.NoError(t, err)

	failed := waitStatus(t, mgr, rec.JobID, JobStatusFailed)
	require.NotNil(t, failed.ExitCode)
	assert.Equal(t, 3, *failed.ExitCode)
	assert.Equal(t, "execution_error", failed.ErrorType)
	assert.Nil(t, failed.Result)
}

func TestProcess_CancelRunningJob(t *testing.T) {
	store := NewStore(t.TempDir())
	mgr := processManager(t, store)
	ctx := context.Background()

	rec, err := mgr.SubmitJob(ctx, SubmitRequest{ScriptName: "exec sleep 30"})
	require.NoError(t, err)

	launcher := mgr.launcher
	handle, ok := rec.Handle(store.JobDir(rec.JobID))
	require.True(t, ok)
	require.True(t, launcher.IsAlive(handle))

	cancelled, err := mgr.CancelJob(ctx, rec.JobID, "no longer needed")
	require.NoError(t, err)
	assert.Equal(t, JobStatusCancelled, cancelled.Status)

	mgr.Close()
	testutil.MustWaitFor(t, "process exit", func() bool { return !launcher.IsAlive(handle) })

	got, err := mgr.GetJobStatus(ctx, rec.JobID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusCancelled, got.Status)
	assert.Equal(t, "no longer needed", got.CancelReason)
}

func TestProcess_MissingExecutable(t *testing.T) {
	mgr, err := NewManager(ManagerOptions{
		Store:    NewStore(t.TempDir()),
		Launcher: testLauncher(t),
		Resolver: ResolverFunc(func(string, map[string]any, string) (Command, error) {
			return Command{Path: "/definitely/not/here/modeler"}, nil
		}),
	})
	require.NoError(t, err)

	rec, err := mgr.SubmitJob(context.Background(), SubmitRequest{ScriptName: "x.py"})
	require.Error(t, err)
	assert.True(t, IsLaunch(err))
	require.NotNil(t, rec)
	assert.Equal(t, JobStatusFailed, rec.Status)
	assert.Equal(t, "launch_error", rec.ErrorType)
	assert.Zero(t, rec.PID)
}

func TestProcess_StatusSurvivesManagerRestart(t *testing.T) {
	store := NewStore(t.TempDir())
	first := processManager(t, store)

	rec, err := first.SubmitJob(context.Background(), SubmitRequest{ScriptName: "sleep 0.3; exit 4"})
	require.NoError(t, err)

	// A fresh manager with its own launcher has no in-memory handles and must
	// rely on the record plus exit.json.
	second := processManager(t, NewStore(store.RootDir()))
	failed := waitStatus(t, second, rec.JobID, JobStatusFailed)
	require.NotNil(t, failed.ExitCode)
	assert.Equal(t, 4, *failed.ExitCode)
}

func TestLauncher_TerminateEscalatesToKill(t *testing.T) {
	store := NewStore(t.TempDir())
	l, err := NewLauncher(LauncherOptions{
		SupervisorCommand: []string{os.Args[0]},
		SupervisorEnv:     []string{supervisorEnv + "=1"},
		TerminateGrace:    200 * time.Millisecond,
	})
	require.NoError(t, err)

	require.NoError(t, store.Create(pendingRecord("stubborn", time.Now().UTC())))
	h, err := l.Launch(context.Background(), LaunchSpec{
		JobID:   "stubborn",
		JobDir:  store.JobDir("stubborn"),
		LogPath: store.LogPath("stubborn"),
		Command: Command{Path: "/bin/sh", Args: []string{"-c", `trap "" TERM; echo ready; while :; do sleep 0.05; done`}},
	})
	require.NoError(t, err)
	require.True(t, l.IsAlive(h))
	testutil.MustWaitFor(t, "trap installed", func() bool {
		page, err := ReadLog(store.LogPath("stubborn"), 0)
		return err == nil && strings.Contains(strings.Join(page.Lines, "\n"), "ready")
	})

	start := time.Now()
	require.NoError(t, l.Terminate(context.Background(), h))
	assert.False(t, l.IsAlive(h))
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)

	// Terminating a dead handle is a no-op.
	assert.NoError(t, l.Terminate(context.Background(), h))
}

func TestLauncher_IsAliveRejectsReusedPID(t *testing.T) {
	l := testLauncher(t)
	self := ProcessHandle{PID: os.Getpid(), StartTicks: processStart(os.Getpid())}
	if self.StartTicks == 0 {
		t.Skip("procfs not available")
	}
	assert.True(t, l.IsAlive(self))

	self.StartTicks++
	assert.False(t, l.IsAlive(self))
}

func TestRunSupervisor_ContextCancelKillsCommand(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, writeJSONAtomic(dir, launchFile, Command{Path: "/bin/sh", Args: []string{"-c", "exec sleep 30"}}))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	require.NoError(t, RunSupervisor(ctx, dir, io.Discard, io.Discard))
	assert.Less(t, time.Since(start), 10*time.Second)

	var status ExitStatus
	require.NoError(t, readJSON(filepath.Join(dir, exitFile), &status))
	assert.Equal(t, -1, status.ExitCode)
	assert.Contains(t, status.Signal, "killed")
	assert.False(t, status.Succeeded())
}
