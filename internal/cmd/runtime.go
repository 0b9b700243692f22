package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"go.uber.org/zap"

	"github.com/3leaps/cycjobs/internal/config"
	"github.com/3leaps/cycjobs/internal/observability"
	"github.com/3leaps/cycjobs/pkg/archive"
	"github.com/3leaps/cycjobs/pkg/jobregistry"
	"github.com/3leaps/cycjobs/pkg/toolapi"
)

// jobRuntime bundles the pieces every job-facing command needs.
type jobRuntime struct {
	cfg     *config.Config
	store   *jobregistry.Store
	catalog *toolapi.Catalog
	manager *jobregistry.Manager
	service *toolapi.Service
}

func (rt *jobRuntime) Close() {
	if rt != nil && rt.manager != nil {
		rt.manager.Close()
	}
}

// newJobRuntime wires store, launcher, catalog, manager and service from
// the loaded config. observer may be nil.
func newJobRuntime(ctx context.Context, observer jobregistry.Observer) (*jobRuntime, error) {
	cfg := config.GetConfig()
	if cfg == nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Configuration not loaded", fmt.Errorf("config.Load was not called"))
	}

	catalog, err := loadCatalog(cfg)
	if err != nil {
		return nil, exitError(foundry.ExitFileReadError, "Cannot load tool catalog", err)
	}

	if err := os.MkdirAll(cfg.Jobs.Dir, 0o755); err != nil {
		return nil, exitError(foundry.ExitFileWriteError, "Cannot create jobs directory", err)
	}
	store := jobregistry.NewStore(cfg.Jobs.Dir)

	launcher, err := jobregistry.NewLauncher(jobregistry.LauncherOptions{
		TerminateGrace: cfg.Jobs.TerminateGrace,
	})
	if err != nil {
		return nil, err
	}

	var archiver jobregistry.Archiver
	if cfg.Archive.Enabled {
		a, err := archive.New(ctx, archive.Config{
			Bucket:         cfg.Archive.Bucket,
			Prefix:         cfg.Archive.Prefix,
			Region:         cfg.Archive.Region,
			Endpoint:       cfg.Archive.Endpoint,
			ForcePathStyle: cfg.Archive.ForcePathStyle,
		})
		if err != nil {
			return nil, exitError(foundry.ExitExternalServiceUnavailable, "Cannot configure job archive", err)
		}
		archiver = a
		observability.CLILogger.Debug("Job archive enabled",
			zap.String("bucket", cfg.Archive.Bucket),
			zap.String("prefix", cfg.Archive.Prefix))
	}

	manager, err := jobregistry.NewManager(jobregistry.ManagerOptions{
		Store:          store,
		Launcher:       launcher,
		Resolver:       catalog,
		Observer:       observer,
		Archiver:       archiver,
		MaxConcurrent:  cfg.Jobs.MaxConcurrent,
		ResultPatterns: cfg.Jobs.ResultPatterns,
	})
	if err != nil {
		return nil, err
	}

	service := toolapi.NewService(catalog, manager, toolapi.ServiceOptions{
		Version: versionInfo.Version,
		JobsDir: store.RootDir(),
	})

	return &jobRuntime{cfg: cfg, store: store, catalog: catalog, manager: manager, service: service}, nil
}

// loadCatalog reads the configured catalog, or the embedded default, and
// applies the scripts dir and interpreter overrides.
func loadCatalog(cfg *config.Config) (*toolapi.Catalog, error) {
	var (
		catalog *toolapi.Catalog
		err     error
	)
	if cfg.Jobs.CatalogPath != "" {
		catalog, err = toolapi.LoadCatalog(cfg.Jobs.CatalogPath)
	} else {
		catalog, err = toolapi.DefaultCatalog()
	}
	if err != nil {
		return nil, err
	}
	return catalog.WithScriptsDir(cfg.Jobs.ScriptsDir).WithInterpreter(cfg.Jobs.Interpreter), nil
}
