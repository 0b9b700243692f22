package jobregistry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"
)

// RunSupervisor runs the command recorded in <jobDir>/launch.json, relays
// termination signals to it, and writes <jobDir>/exit.json when it exits.
//
// It is the body of the hidden "jobs _supervise" command. Output of the job
// command goes to the supervisor's own stdout/stderr, which the launcher
// points at the job log.
func RunSupervisor(ctx context.Context, jobDir string, stdout, stderr io.Writer) error {
	if jobDir == "" {
		return errors.New("job dir is required")
	}
	var spec Command
	if err := readJSON(filepath.Join(jobDir, launchFile), &spec); err != nil {
		return fmt.Errorf("read %s: %w", launchFile, err)
	}

	sigs := make(chan os.Signal, 4)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigs)

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	_, _ = fmt.Fprintf(stderr, "[supervisor] %s start %s\n", time.Now().UTC().Format(time.RFC3339), spec.Path)

	if err := cmd.Start(); err != nil {
		status := &ExitStatus{ExitCode: -1, Error: fmt.Sprintf("start %s: %v", spec.Path, err), FinishedAt: time.Now().UTC()}
		return writeExitStatus(jobDir, status, stderr)
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	var err error
	done := ctx.Done()
wait:
	for {
		select {
		case sig := <-sigs:
			_, _ = fmt.Fprintf(stderr, "[supervisor] relaying %s\n", sig)
			_ = cmd.Process.Signal(sig)
		case <-done:
			_ = cmd.Process.Kill()
			done = nil
		case err = <-waitErr:
			break wait
		}
	}

	status := &ExitStatus{FinishedAt: time.Now().UTC()}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		status.ExitCode = 0
	case errors.As(err, &exitErr):
		status.ExitCode = exitErr.ExitCode()
		if status.ExitCode < 0 {
			status.Signal = exitErr.ProcessState.String()
		}
	default:
		status.ExitCode = -1
		status.Error = err.Error()
	}
	return writeExitStatus(jobDir, status, stderr)
}

func writeExitStatus(jobDir string, status *ExitStatus, log io.Writer) error {
	_, _ = fmt.Fprintf(log, "[supervisor] %s exit code=%d %s\n", status.FinishedAt.Format(time.RFC3339), status.ExitCode, status.Signal)
	if err := writeJSONAtomic(jobDir, exitFile, status); err != nil {
		return fmt.Errorf("write %s: %w", exitFile, err)
	}
	return nil
}
