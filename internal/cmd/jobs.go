package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/cycjobs/pkg/jobregistry"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage background modeling jobs",
	Long: `Manage jobs recorded in the job store.

This command group is designed to be agent-friendly:

- stable job ids (prefixes are accepted when unambiguous)
- predictable on-disk locations under the jobs directory
- optional JSON output for machine parsing`,
}

var jobsSubmitCmd = &cobra.Command{
	Use:   "submit <script_name>",
	Short: "Submit a catalog script as a background job",
	Long: `Submit a script by file name with raw arguments.

Arguments are passed as repeated --arg key=value flags. Values are decoded
as YAML scalars, so numbers and booleans keep their type and [a,b] is a
list. Prefer 'tools call' for validated, typed parameters.`,
	Args: cobra.ExactArgs(1),
	RunE: runJobsSubmit,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	RunE:  runJobsList,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job_id>",
	Short: "Show status for a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsResultCmd = &cobra.Command{
	Use:   "result <job_id>",
	Short: "Show the result of a completed job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsResult,
}

var jobsLogsCmd = &cobra.Command{
	Use:   "logs <job_id>",
	Short: "Show the log of a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsLogs,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job_id>",
	Short: "Cancel a pending or running job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsCancel,
}

var jobsGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Delete finished jobs older than a number of days",
	RunE:  runJobsGC,
}

var jobsSuperviseCmd = &cobra.Command{
	Use:    "_supervise <job_dir>",
	Short:  "Run a job command and record its exit status",
	Hidden: true,
	Args:   cobra.ExactArgs(1),
	// The supervisor must not depend on config files or the environment
	// of whoever submitted the job.
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	RunE:              runJobsSupervise,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsSubmitCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsStatusCmd)
	jobsCmd.AddCommand(jobsResultCmd)
	jobsCmd.AddCommand(jobsLogsCmd)
	jobsCmd.AddCommand(jobsCancelCmd)
	jobsCmd.AddCommand(jobsGCCmd)
	jobsCmd.AddCommand(jobsSuperviseCmd)

	jobsSubmitCmd.Flags().StringArrayP("arg", "a", nil, "Script argument as key=value (repeatable)")
	jobsSubmitCmd.Flags().String("name", "", "Job name (default derived from script and job id)")
	jobsSubmitCmd.Flags().Bool("json", false, "Output as JSON")
	jobsListCmd.Flags().String("status", "", "Filter by status: pending, running, completed, failed, cancelled")
	jobsListCmd.Flags().Bool("json", false, "Output as JSON")
	jobsStatusCmd.Flags().Bool("json", false, "Output as JSON")
	jobsResultCmd.Flags().Bool("json", false, "Output as JSON")
	jobsLogsCmd.Flags().Int("tail", 50, "Show last N lines (0 = whole log)")
	jobsLogsCmd.Flags().Bool("follow", false, "Follow log output until the job finishes")
	jobsCancelCmd.Flags().String("reason", "", "Reason recorded on the job")
	jobsCancelCmd.Flags().Bool("json", false, "Output as JSON")
	jobsGCCmd.Flags().Int("max-age-days", 30, "Delete finished jobs at least this many days old")
	jobsGCCmd.Flags().Bool("json", false, "Output as JSON")
}

func runJobsSubmit(cmd *cobra.Command, args []string) error {
	pairs, _ := cmd.Flags().GetStringArray("arg")
	name, _ := cmd.Flags().GetString("name")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	scriptArgs, err := parseRawArgs(pairs)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --arg", err)
	}

	rt, err := newJobRuntime(commandContext(cmd), nil)
	if err != nil {
		return err
	}
	defer rt.Close()

	env := rt.service.SubmitJob(commandContext(cmd), strings.TrimSpace(args[0]), scriptArgs, name)
	return printEnvelope(cmd.OutOrStdout(), env, jsonOutput)
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	status, _ := cmd.Flags().GetString("status")

	var filter *jobregistry.JobStatus
	if status = strings.TrimSpace(status); status != "" {
		st, err := jobregistry.ParseStatus(status)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid --status", err)
		}
		filter = &st
	}

	rt, err := newJobRuntime(commandContext(cmd), nil)
	if err != nil {
		return err
	}
	defer rt.Close()

	jobs, err := rt.manager.ListJobs(commandContext(cmd), filter)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, jobs)
	}
	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(out, "No jobs found")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "JOB ID\tNAME\tSCRIPT\tSTATUS\tSUBMITTED\tCOMPLETED")
	for _, j := range jobs {
		name := j.JobName
		if name == "" {
			name = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			shortJobID(j.JobID),
			name,
			j.ScriptName,
			j.Status,
			j.SubmittedAt.UTC().Format(time.RFC3339),
			formatOptionalTime(j.CompletedAt),
		)
	}
	return nil
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	return withResolvedJob(cmd, args[0], func(rt *jobRuntime, jobID string) error {
		env := rt.service.JobStatus(commandContext(cmd), jobID)
		return printEnvelope(cmd.OutOrStdout(), env, jsonOutput)
	})
}

func runJobsResult(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	return withResolvedJob(cmd, args[0], func(rt *jobRuntime, jobID string) error {
		env := rt.service.JobResult(commandContext(cmd), jobID)
		return printEnvelope(cmd.OutOrStdout(), env, jsonOutput)
	})
}

func runJobsCancel(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	reason, _ := cmd.Flags().GetString("reason")
	return withResolvedJob(cmd, args[0], func(rt *jobRuntime, jobID string) error {
		env := rt.service.CancelJob(commandContext(cmd), jobID, reason)
		return printEnvelope(cmd.OutOrStdout(), env, jsonOutput)
	})
}

func runJobsGC(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	maxAge, _ := cmd.Flags().GetInt("max-age-days")
	if maxAge < 0 {
		return exitError(foundry.ExitInvalidArgument, "Invalid --max-age-days", fmt.Errorf("must be >= 0, got %d", maxAge))
	}

	rt, err := newJobRuntime(commandContext(cmd), nil)
	if err != nil {
		return err
	}
	defer rt.Close()

	env := rt.service.CleanupOldJobs(commandContext(cmd), maxAge)
	return printEnvelope(cmd.OutOrStdout(), env, jsonOutput)
}

func runJobsSupervise(cmd *cobra.Command, args []string) error {
	return jobregistry.RunSupervisor(commandContext(cmd), args[0], cmd.OutOrStdout(), cmd.ErrOrStderr())
}

// withResolvedJob builds a runtime, resolves a possibly abbreviated job id
// and calls fn.
func withResolvedJob(cmd *cobra.Command, input string, fn func(rt *jobRuntime, jobID string) error) error {
	rt, err := newJobRuntime(commandContext(cmd), nil)
	if err != nil {
		return err
	}
	defer rt.Close()

	jobID, err := resolveJobID(rt.store, input)
	if err != nil {
		return exitError(foundry.ExitFileNotFound, "Unknown job", err)
	}
	return fn(rt, jobID)
}

func shortJobID(jobID string) string {
	jobID = strings.TrimSpace(jobID)
	if len(jobID) <= 12 {
		return jobID
	}
	return jobID[:12]
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func resolveJobID(store *jobregistry.Store, input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("job_id is required")
	}

	// Exact match first.
	if _, err := store.Get(input); err == nil {
		return input, nil
	}

	// Prefix match (allows table-friendly short IDs).
	jobs, err := store.List(nil)
	if err != nil {
		return "", err
	}
	matches := make([]string, 0, 2)
	for _, j := range jobs {
		if strings.HasPrefix(j.JobID, input) {
			matches = append(matches, j.JobID)
		}
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("job not found: %s", input)
	}
	if len(matches) > 1 {
		return "", fmt.Errorf("job id prefix is ambiguous (%d matches); use full job_id or --json", len(matches))
	}
	return matches[0], nil
}
