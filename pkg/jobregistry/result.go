package jobregistry

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
)

// SummaryFile is an optional JSON document a job may write into its output
// directory; it is decoded into the result's "summary" field.
const SummaryFile = "result.json"

// DefaultResultPatterns select which output files are listed in a result.
var DefaultResultPatterns = []string{"**/*"}

// buildResult assembles the result payload for a job that exited cleanly.
func buildResult(rec *JobRecord, status *ExitStatus, patterns []string) map[string]any {
	result := map[string]any{
		"exit_code":    status.ExitCode,
		"output_dir":   rec.OutputDir,
		"log_path":     rec.LogPath,
		"output_files": collectOutputs(rec.OutputDir, patterns),
	}
	if rec.StartedAt != nil {
		result["runtime_seconds"] = status.FinishedAt.Sub(*rec.StartedAt).Seconds()
	}
	if rec.OutputDir != "" {
		var summary map[string]any
		if err := readJSON(filepath.Join(rec.OutputDir, SummaryFile), &summary); err == nil {
			result["summary"] = summary
		}
	}
	return result
}

// collectOutputs returns absolute paths of regular files under dir that
// match any of patterns, sorted and de-duplicated.
func collectOutputs(dir string, patterns []string) []string {
	files := []string{}
	if dir == "" {
		return files
	}
	if st, err := os.Stat(dir); err != nil || !st.IsDir() {
		return files
	}
	if len(patterns) == 0 {
		patterns = DefaultResultPatterns
	}

	fsys := os.DirFS(dir)
	seen := make(map[string]struct{})
	for _, pattern := range patterns {
		matches, err := doublestar.Glob(fsys, pattern, doublestar.WithFilesOnly())
		if err != nil {
			continue
		}
		for _, m := range matches {
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			files = append(files, filepath.Join(dir, filepath.FromSlash(m)))
		}
	}
	sort.Strings(files)
	return files
}
