package jobregistry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

const (
	launchFile = "launch.json"
	exitFile   = "exit.json"

	// DefaultTerminateGrace is how long Terminate waits after SIGTERM before
	// escalating to SIGKILL.
	DefaultTerminateGrace = 5 * time.Second
)

// Command is a runnable invocation: executable, arguments, working
// directory and extra environment. The dispatch layer builds it; the
// launcher never interprets it.
type Command struct {
	Path string   `json:"path"`
	Args []string `json:"args,omitempty"`
	Dir  string   `json:"dir,omitempty"`
	Env  []string `json:"env,omitempty"`
}

// LaunchSpec describes one job launch.
type LaunchSpec struct {
	JobID   string
	JobDir  string
	LogPath string
	Command Command
}

// ProcessHandle identifies a launched job process. StartTicks guards
// against pid reuse; zero means unknown.
type ProcessHandle struct {
	PID        int
	StartTicks uint64
	JobDir     string
}

// ExitStatus is written to exit.json by the supervisor once the job
// process has exited.
type ExitStatus struct {
	ExitCode   int       `json:"exit_code"`
	Signal     string    `json:"signal,omitempty"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// Succeeded reports a clean zero exit.
func (s *ExitStatus) Succeeded() bool {
	return s != nil && s.ExitCode == 0 && s.Error == "" && s.Signal == ""
}

// Describe renders the failure cause for a job record.
func (s *ExitStatus) Describe() string {
	switch {
	case s == nil:
		return "process exited without recording an exit status"
	case s.Error != "":
		return s.Error
	case s.Signal != "":
		return fmt.Sprintf("process terminated by %s", s.Signal)
	default:
		return fmt.Sprintf("process exited with code %d", s.ExitCode)
	}
}

// ProcessLauncher starts and controls job processes.
type ProcessLauncher interface {
	Launch(ctx context.Context, spec LaunchSpec) (ProcessHandle, error)
	IsAlive(h ProcessHandle) bool
	ExitStatus(h ProcessHandle) (*ExitStatus, bool)
	Terminate(ctx context.Context, h ProcessHandle) error
}

// LauncherOptions configures a Launcher.
type LauncherOptions struct {
	// SupervisorCommand is the argv prefix that runs the supervisor; the
	// job directory is appended. Defaults to "<self> jobs _supervise".
	SupervisorCommand []string

	// SupervisorEnv is appended to the inherited environment.
	SupervisorEnv []string

	// TerminateGrace defaults to DefaultTerminateGrace.
	TerminateGrace time.Duration
}

// Launcher starts each job as a detached supervisor process that runs the
// job command and records its exit status in the job directory.
type Launcher struct {
	supervisor []string
	env        []string
	grace      time.Duration
	poll       time.Duration

	mu     sync.Mutex
	exited map[int]chan struct{}
}

var _ ProcessLauncher = (*Launcher)(nil)

func NewLauncher(opts LauncherOptions) (*Launcher, error) {
	sup := opts.SupervisorCommand
	if len(sup) == 0 {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
		sup = []string{exe, "jobs", "_supervise"}
	}
	grace := opts.TerminateGrace
	if grace <= 0 {
		grace = DefaultTerminateGrace
	}
	return &Launcher{
		supervisor: append([]string(nil), sup...),
		env:        append([]string(nil), opts.SupervisorEnv...),
		grace:      grace,
		poll:       100 * time.Millisecond,
		exited:     make(map[int]chan struct{}),
	}, nil
}

// Launch validates the command, persists it to launch.json and starts the
// supervisor with stdout/stderr appended to the job log. It returns once
// the supervisor has started.
func (l *Launcher) Launch(ctx context.Context, spec LaunchSpec) (ProcessHandle, error) {
	if err := ctx.Err(); err != nil {
		return ProcessHandle{}, &LaunchError{JobID: spec.JobID, Err: err}
	}
	cmdSpec := spec.Command
	if cmdSpec.Path == "" {
		return ProcessHandle{}, &LaunchError{JobID: spec.JobID, Err: errors.New("command path is empty")}
	}
	resolved, err := exec.LookPath(cmdSpec.Path)
	if err != nil {
		return ProcessHandle{}, &LaunchError{JobID: spec.JobID, Path: cmdSpec.Path, Err: err}
	}
	if abs, err := filepath.Abs(resolved); err == nil {
		resolved = abs
	}
	cmdSpec.Path = resolved
	if cmdSpec.Dir != "" {
		st, err := os.Stat(cmdSpec.Dir)
		if err != nil {
			return ProcessHandle{}, &LaunchError{JobID: spec.JobID, Path: cmdSpec.Path, Err: fmt.Errorf("working dir: %w", err)}
		}
		if !st.IsDir() {
			return ProcessHandle{}, &LaunchError{JobID: spec.JobID, Path: cmdSpec.Path, Err: fmt.Errorf("working dir %s is not a directory", cmdSpec.Dir)}
		}
	}

	if err := writeJSONAtomic(spec.JobDir, launchFile, &cmdSpec); err != nil {
		return ProcessHandle{}, &LaunchError{JobID: spec.JobID, Path: cmdSpec.Path, Err: err}
	}

	logf, err := os.OpenFile(spec.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return ProcessHandle{}, &LaunchError{JobID: spec.JobID, Path: cmdSpec.Path, Err: fmt.Errorf("open log: %w", err)}
	}
	defer func() { _ = logf.Close() }()

	argv := append(append([]string(nil), l.supervisor[1:]...), spec.JobDir)
	// Not tied to ctx: the job must outlive the request that started it.
	cmd := exec.Command(l.supervisor[0], argv...)
	cmd.Stdout = logf
	cmd.Stderr = logf
	cmd.Env = append(os.Environ(), l.env...)
	cmd.SysProcAttr = detachedAttr()

	if err := cmd.Start(); err != nil {
		return ProcessHandle{}, &LaunchError{JobID: spec.JobID, Path: l.supervisor[0], Err: err}
	}

	pid := cmd.Process.Pid
	done := make(chan struct{})
	l.mu.Lock()
	l.exited[pid] = done
	l.mu.Unlock()
	go func() {
		// Reap so the exited supervisor does not linger as a zombie.
		_ = cmd.Wait()
		close(done)
		l.mu.Lock()
		if l.exited[pid] == done {
			delete(l.exited, pid)
		}
		l.mu.Unlock()
	}()

	return ProcessHandle{PID: pid, StartTicks: processStart(pid), JobDir: spec.JobDir}, nil
}

// IsAlive is a non-blocking liveness probe.
func (l *Launcher) IsAlive(h ProcessHandle) bool {
	if h.PID <= 0 {
		return false
	}
	l.mu.Lock()
	done, ours := l.exited[h.PID]
	l.mu.Unlock()
	if ours {
		select {
		case <-done:
			return false
		default:
		}
	}
	return processAlive(h.PID, h.StartTicks)
}

// ExitStatus returns the recorded exit status once the supervisor wrote it.
func (l *Launcher) ExitStatus(h ProcessHandle) (*ExitStatus, bool) {
	return readExitStatus(h.JobDir)
}

// ExitCode returns the process exit code once it has terminated.
func (l *Launcher) ExitCode(h ProcessHandle) (int, bool) {
	st, ok := l.ExitStatus(h)
	if !ok {
		return 0, false
	}
	return st.ExitCode, true
}

// Terminate sends SIGTERM to the job's process group and escalates to
// SIGKILL after the grace period. It is a no-op for dead handles.
func (l *Launcher) Terminate(ctx context.Context, h ProcessHandle) error {
	if !l.IsAlive(h) {
		return nil
	}
	if err := signalGroup(h.PID, syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal term: %w", err)
	}
	if l.waitExit(ctx, h, l.grace) {
		return nil
	}
	if err := signalGroup(h.PID, syscall.SIGKILL); err != nil {
		return fmt.Errorf("signal kill: %w", err)
	}
	l.waitExit(context.Background(), h, time.Second)
	return nil
}

func (l *Launcher) waitExit(ctx context.Context, h ProcessHandle, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if !l.IsAlive(h) {
			return true
		}
		select {
		case <-ctx.Done():
			return !l.IsAlive(h)
		case <-time.After(l.poll):
		}
	}
	return !l.IsAlive(h)
}

func readExitStatus(jobDir string) (*ExitStatus, bool) {
	if jobDir == "" {
		return nil, false
	}
	var st ExitStatus
	if err := readJSON(filepath.Join(jobDir, exitFile), &st); err != nil {
		return nil, false
	}
	return &st, true
}
