package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/cycjobs/pkg/jobregistry"
)

const followPollInterval = 500 * time.Millisecond

func runJobsLogs(cmd *cobra.Command, args []string) error {
	tailN, _ := cmd.Flags().GetInt("tail")
	if tailN < 0 {
		return exitError(foundry.ExitInvalidArgument, "Invalid --tail", fmt.Errorf("must be >= 0, got %d", tailN))
	}
	follow, _ := cmd.Flags().GetBool("follow")

	return withResolvedJob(cmd, args[0], func(rt *jobRuntime, jobID string) error {
		ctx := commandContext(cmd)
		out := cmd.OutOrStdout()

		page, err := rt.manager.GetJobLog(ctx, jobID, tailN)
		if err != nil {
			return err
		}
		for _, line := range page.Lines {
			_, _ = fmt.Fprintln(out, line)
		}
		if !follow {
			return nil
		}
		return followLog(ctx, rt.manager, jobID, rt.store.LogPath(jobID), out)
	})
}

// followLog streams lines appended to path after its current end, until
// the job reaches a terminal status or ctx is done.
func followLog(ctx context.Context, mgr *jobregistry.Manager, jobID, path string, out io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	reader := bufio.NewReader(f)

	ticker := time.NewTicker(followPollInterval)
	defer ticker.Stop()
	for {
		if err := drainLines(reader, out); err != nil {
			return err
		}

		rec, err := mgr.GetJobStatus(ctx, jobID)
		if err != nil {
			return err
		}
		if rec.Status.IsTerminal() {
			return drainLines(reader, out)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// drainLines copies everything readable from r to out.
func drainLines(r *bufio.Reader, out io.Writer) error {
	for {
		line, err := r.ReadString('\n')
		if line != "" {
			_, _ = io.WriteString(out, line)
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
