package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/cycjobs/internal/config"
	"github.com/3leaps/cycjobs/internal/observability"
	"github.com/3leaps/cycjobs/pkg/toolapi"
)

var doctorArchive bool

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the job environment and suggest fixes for
common issues.

Examples:
  cycjobs doctor             # Full environment check
  cycjobs doctor --archive   # Also check AWS credentials for the S3 archive`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().BoolVar(&doctorArchive, "archive", false, "Run S3 archive checks")
}

// doctorReport counts checks and remembers the most severe failure.
type doctorReport struct {
	num, total int
	failCode   int
	failMsg    string
}

func (r *doctorReport) label(name string) string {
	r.num++
	return fmt.Sprintf("[%d/%d] Checking %s...", r.num, r.total, name)
}

func (r *doctorReport) fail(code int, msg string) {
	if r.failCode == 0 {
		r.failCode = code
		r.failMsg = msg
	}
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	log := observability.CLILogger
	cfg := config.GetConfig()

	identity := GetAppIdentity()
	bannerName := "doctor"
	if identity != nil && identity.BinaryName != "" {
		bannerName = identity.BinaryName + " doctor"
	}
	log.Info("=== " + bannerName + " ===")
	log.Info("")
	log.Info("Running diagnostic checks...")
	log.Info("")

	rep := &doctorReport{total: 7}
	if doctorArchive {
		rep.total += 3
	}

	// Go version
	goVersion := runtime.Version()
	if goVersion >= "go1.23" {
		log.Info(rep.label("Go version")+" ✅ "+goVersion, zap.String("go_version", goVersion))
	} else {
		log.Warn(rep.label("Go version")+" ⚠️  "+goVersion+" (recommended: go1.23+)", zap.String("go_version", goVersion))
	}

	// Crucible and gofulmen
	version := crucible.GetVersion()
	if version.Crucible != "" {
		log.Info(rep.label("Crucible access")+" ✅ v"+version.Crucible, zap.String("crucible_version", version.Crucible))
	} else {
		log.Error(rep.label("Crucible access") + " ❌ Cannot access Crucible")
		rep.fail(foundry.ExitExternalServiceUnavailable, "Cannot access Crucible")
	}
	if version.Gofulmen != "" {
		log.Info(rep.label("Gofulmen access")+" ✅ v"+version.Gofulmen, zap.String("gofulmen_version", version.Gofulmen))
	} else {
		log.Error(rep.label("Gofulmen access") + " ❌ Cannot access Gofulmen")
		rep.fail(foundry.ExitExternalServiceUnavailable, "Cannot access Gofulmen")
	}

	// Jobs directory
	if err := checkWritableDir(cfg.Jobs.Dir); err != nil {
		log.Error(rep.label("jobs directory")+" ❌ "+cfg.Jobs.Dir, zap.Error(err))
		rep.fail(foundry.ExitFileWriteError, "Jobs directory is not writable")
	} else {
		log.Info(rep.label("jobs directory")+" ✅ "+cfg.Jobs.Dir, zap.String("jobs_dir", cfg.Jobs.Dir))
	}

	// Tool catalog
	catalog, err := loadCatalog(cfg)
	if err != nil {
		log.Error(rep.label("tool catalog")+" ❌ Cannot load catalog", zap.Error(err))
		rep.fail(foundry.ExitFileReadError, "Cannot load tool catalog")
		rep.num += 2
	} else {
		log.Info(rep.label("tool catalog")+fmt.Sprintf(" ✅ %d tools", len(catalog.Tools)),
			zap.String("catalog", catalogSource(cfg)))

		// Scripts
		missing := missingScripts(catalog)
		if len(missing) == 0 {
			log.Info(rep.label("scripts")+" ✅ "+catalog.ScriptsDir, zap.String("scripts_dir", catalog.ScriptsDir))
		} else {
			log.Warn(rep.label("scripts")+fmt.Sprintf(" ⚠️  %d missing under %s", len(missing), catalog.ScriptsDir),
				zap.Strings("missing", missing))
		}

		// Interpreter
		if catalog.Interpreter == "" {
			log.Info(rep.label("interpreter") + " ✅ scripts run directly")
		} else if path, err := exec.LookPath(catalog.Interpreter); err != nil {
			log.Error(rep.label("interpreter")+" ❌ "+catalog.Interpreter+" not found", zap.Error(err))
			rep.fail(foundry.ExitFileNotFound, "Interpreter not found")
		} else {
			log.Info(rep.label("interpreter")+" ✅ "+path, zap.String("interpreter", path))
		}
	}

	if doctorArchive {
		if !runS3Checks(commandContext(cmd), rep) {
			rep.fail(foundry.ExitExternalServiceUnavailable, "AWS credentials unavailable")
		}
	}

	log.Info("")
	if rep.failCode == 0 {
		log.Info(fmt.Sprintf("✅ All checks passed! Your %s installation is healthy.", bannerName))
	} else {
		log.Warn("⚠️  Some checks failed. Review the output above for details.")
	}
	log.Info("")
	log.Info("=== End Diagnostics ===")

	if rep.failCode != 0 {
		return exitError(rep.failCode, rep.failMsg, errors.New("doctor checks failed"))
	}
	return nil
}

func catalogSource(cfg *config.Config) string {
	if cfg.Jobs.CatalogPath != "" {
		return cfg.Jobs.CatalogPath
	}
	return "embedded"
}

// missingScripts lists catalog scripts absent from the scripts dir.
func missingScripts(catalog *toolapi.Catalog) []string {
	var missing []string
	for _, t := range catalog.ToolsByKind(toolapi.KindSubmit) {
		if _, err := os.Stat(filepath.Join(catalog.ScriptsDir, t.Script)); err != nil {
			missing = append(missing, t.Script)
		}
	}
	return missing
}

// checkWritableDir creates dir if needed and probes it with a temp file.
func checkWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

// runS3Checks verifies AWS credentials resolve for the archive.
func runS3Checks(ctx context.Context, rep *doctorReport) bool {
	log := observability.CLILogger
	log.Info("")
	log.Info("S3 Archive Checks:")

	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		log.Error(rep.label("AWS credentials")+" ❌ Cannot load AWS config", zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}

	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		log.Error(rep.label("AWS credentials")+" ❌ Cannot retrieve credentials", zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}

	log.Info(rep.label("AWS credentials")+" ✅ Found credentials",
		zap.String("access_key", maskAccessKey(creds.AccessKeyID)),
		zap.String("source", creds.Source))

	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	log.Info(rep.label("credential source")+" ✅ "+source, zap.String("credential_source", source))

	region := cfg.Region
	if region == "" {
		region = instanceRegion(ctx, cfg)
	}
	if region == "" {
		log.Warn(rep.label("region") + " ⚠️  none resolved (set archive.region or AWS_REGION)")
	} else {
		log.Info(rep.label("region")+" ✅ "+region, zap.String("region", region))
	}
	return true
}

// instanceRegion asks the EC2 instance metadata service for the region.
// Off EC2 it gives up after a short timeout and returns "".
func instanceRegion(ctx context.Context, cfg aws.Config) string {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	out, err := imds.NewFromConfig(cfg).GetRegion(ctx, &imds.GetRegionInput{})
	if err != nil {
		return ""
	}
	return out.Region
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

// printAWSCredentialsHelp prints help for configuring AWS credentials.
func printAWSCredentialsHelp() {
	log := observability.CLILogger
	log.Info("")
	log.Info("To configure AWS credentials:")
	log.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY environment variables, or")
	log.Info("  2. Run 'aws configure' to set up a profile, or")
	log.Info("  3. Use an IAM role when running on AWS infrastructure")
	log.Info("")
	log.Info("For S3-compatible storage (MinIO, Wasabi, etc.), also set:")
	log.Info("  - archive.endpoint and archive.force_path_style in the config file")
	log.Info("")
}
