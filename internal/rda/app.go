package rda

import (
	"context"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"google.golang.org/protobuf/types/known/structpb"
	"k8s.io/utils/clock"

	"github.com/G-Research/rdapipeline/internal/common"
	"github.com/G-Research/rdapipeline/internal/common/database"
	"github.com/G-Research/rdapipeline/internal/common/health"
	"github.com/G-Research/rdapipeline/internal/common/metrics"
	"github.com/G-Research/rdapipeline/internal/pipeline/jobs"
	"github.com/G-Research/rdapipeline/internal/pipeline/processing"
	"github.com/G-Research/rdapipeline/internal/rda/cleanup"
	"github.com/G-Research/rdapipeline/internal/rda/configuration"
	"github.com/G-Research/rdapipeline/internal/rda/loadjob"
	"github.com/G-Research/rdapipeline/internal/rda/model"
	"github.com/G-Research/rdapipeline/internal/rda/schema"
	"github.com/G-Research/rdapipeline/internal/rda/sink"
	"github.com/G-Research/rdapipeline/internal/rda/source"
	"github.com/G-Research/rdapipeline/internal/rda/transform"
)

const (
	defaultShutdownTimeout    = 30 * time.Second
	defaultHealthCheckTimeout = 5 * time.Second
)

type message = *structpb.Struct

// App holds the resources shared by every job of the pipeline.
type App struct {
	config  configuration.RdaPipelineConfiguration
	pool    *pgxpool.Pool
	clock   clock.Clock
	metrics metrics.Recorder
	mbis    *sink.MbiCache
}

func NewApp(ctx context.Context, config configuration.RdaPipelineConfiguration) (*App, error) {
	log.Info("Opening connection pool to postgres")
	pool, err := database.OpenPgxPool(ctx, config.Postgres)
	if err != nil {
		return nil, err
	}

	prefix := config.Metrics.Prefix
	if prefix == "" {
		prefix = metrics.RdaPipelineMetricsPrefix
	}
	recorder := metrics.NewPrometheusRecorder(prefix, prometheus.DefaultRegisterer)
	clk := clock.RealClock{}

	mbis, err := sink.NewMbiCache(
		config.MbiCacheSize,
		sink.NewIdHasher(config.MbiHashPepper),
		sink.NewPostgresMbiStore(pool, clk),
		recorder)
	if err != nil {
		pool.Close()
		return nil, err
	}

	return &App{
		config:  config,
		pool:    pool,
		clock:   clk,
		metrics: recorder,
		mbis:    mbis,
	}, nil
}

func (a *App) Close() {
	a.pool.Close()
}

// claimTypes returns the claim types to load, every type when none is configured.
func claimTypes(config configuration.JobConfig) []model.ClaimType {
	if len(config.ClaimTypes) == 0 {
		return model.AllClaimTypes
	}
	return config.ClaimTypes
}

// LoadJobs builds one load job per configured claim type.
func (a *App) LoadJobs() ([]jobs.Job, error) {
	var result []jobs.Job
	for _, claimType := range claimTypes(a.config.Job) {
		job, err := a.loadJob(claimType)
		if err != nil {
			return nil, err
		}
		result = append(result, job)
	}
	return result, nil
}

func (a *App) CleanupJob(claimType model.ClaimType) (*cleanup.Job, error) {
	return cleanup.New(claimType, a.config.Job.Cleanup, database.PoolSessions(a.pool), a.clock, a.metrics)
}

func (a *App) loadJob(claimType model.ClaimType) (jobs.Job, error) {
	transformer, err := transform.NewStructTransformer(claimType, a.clock)
	if err != nil {
		return nil, err
	}
	cleanupJob, err := a.CleanupJob(claimType)
	if err != nil {
		return nil, err
	}

	jobConfig := a.config.Job
	writer := sink.NewPostgresClaimWriter(a.pool, a.clock)
	errorStore := sink.NewPostgresMessageErrorStore(a.pool, a.clock)
	newSink := func(recordProgress bool) *sink.ClaimSink[message] {
		return sink.NewClaimSink[message](
			sink.ClaimSinkConfig{
				ClaimType:        claimType,
				Mode:             jobConfig.SinkMode,
				WriteConcurrency: jobConfig.WriteConcurrency,
				ErrorLimit:       jobConfig.ErrorLimit,
				RecordProgress:   recordProgress,
			},
			transformer,
			writer,
			errorStore,
			a.mbis,
			a.metrics)
	}
	dial := func(ctx context.Context) (*source.GrpcStreamCaller, error) {
		conn, err := source.Dial(ctx, a.config.Source)
		if err != nil {
			return nil, err
		}
		return source.NewGrpcStreamCaller(conn, a.config.Source.MethodFor(claimType), a.config.Source.VersionMethod), nil
	}

	main := func(ctx context.Context) (processing.Source[message], processing.Sink[message], error) {
		caller, err := dial(ctx)
		if err != nil {
			return nil, nil, err
		}
		src := source.NewStandardSource[message](
			source.StandardSourceConfig{
				ClaimType:                   claimType,
				Versions:                    jobConfig.AcceptedVersions,
				StartingSequenceNumber:      jobConfig.StartingSequenceNumber(claimType),
				MinIdleBeforeConnectionDrop: a.config.Source.MinIdleBeforeConnectionDrop,
			},
			caller,
			transformer,
			a.clock,
			a.metrics)
		return src, newSink(true), nil
	}

	var dlq loadjob.PairFactory[message]
	if jobConfig.ProcessDLQ {
		dlq = func(ctx context.Context) (processing.Source[message], processing.Sink[message], error) {
			caller, err := dial(ctx)
			if err != nil {
				return nil, nil, err
			}
			return source.NewDLQSource[message](claimType, caller, transformer, errorStore, a.metrics), newSink(false), nil
		}
	}

	return loadjob.New[message](
		loadjob.Config{
			Name:        claimType.String() + "_load",
			RunInterval: jobConfig.RunInterval,
			BatchSize:   jobConfig.BatchSize,
		},
		cleanupJob,
		dlq,
		main,
		a.clock,
		a.metrics), nil
}

// HealthChecker checks every job with its smoke test.
func (a *App) HealthChecker(all []jobs.Job) health.Checker {
	return smokeTestChecker(all, a.config.Source.HealthCheckTimeout)
}

func smokeTestChecker(all []jobs.Job, timeout time.Duration) *health.MultiChecker {
	if timeout <= 0 {
		timeout = defaultHealthCheckTimeout
	}
	checker := health.NewMultiChecker()
	for _, job := range all {
		checker.Add(health.NewProbeChecker(job.Name(), timeout, job.SmokeTest))
	}
	return checker
}

// Run loads claims until ctx is cancelled. The returned error is the first error captured by any job.
func Run(ctx context.Context, config configuration.RdaPipelineConfiguration) error {
	app, err := NewApp(ctx, config)
	if err != nil {
		return err
	}
	defer app.Close()

	loadJobs, err := app.LoadJobs()
	if err != nil {
		return err
	}
	if config.Metrics.Port > 0 {
		shutdownMetricServer := common.ServeMetrics(config.Metrics.Port, app.HealthChecker(loadJobs))
		defer shutdownMetricServer()
	}

	return RunJobs(ctx, app.clock, config.ShutdownTimeout, loadJobs...)
}

// RunJobs runs jobs under a manager until they all stop or ctx is cancelled.
func RunJobs(ctx context.Context, clk clock.Clock, shutdownTimeout time.Duration, all ...jobs.Job) error {
	if shutdownTimeout <= 0 {
		shutdownTimeout = defaultShutdownTimeout
	}
	manager := jobs.NewManager(clk, all...)
	manager.Start()

	select {
	case <-ctx.Done():
		log.Info("Stopping jobs")
		manager.Stop()
	case <-manager.Done():
	}
	if manager.AwaitCompletionWithTimeout(shutdownTimeout) {
		log.Warnf("Jobs did not stop within %s", shutdownTimeout)
	}
	return manager.Err()
}

// RunCleanup runs a single cleanup pass for claimType, regardless of whether cleanup is enabled
// for the load jobs.
func RunCleanup(ctx context.Context, config configuration.RdaPipelineConfiguration, claimType model.ClaimType) error {
	config.Job.Cleanup.Enabled = true
	app, err := NewApp(ctx, config)
	if err != nil {
		return err
	}
	defer app.Close()

	cleanupJob, err := app.CleanupJob(claimType)
	if err != nil {
		return err
	}
	return RunJobs(ctx, app.clock, config.ShutdownTimeout, cleanupJob.AsJob())
}

// SmokeTest runs the smoke test of every load job once.
func SmokeTest(ctx context.Context, config configuration.RdaPipelineConfiguration) error {
	app, err := NewApp(ctx, config)
	if err != nil {
		return err
	}
	defer app.Close()

	loadJobs, err := app.LoadJobs()
	if err != nil {
		return err
	}
	return app.HealthChecker(loadJobs).Check()
}

// Migrate creates or updates the rda schema.
func Migrate(ctx context.Context, config configuration.RdaPipelineConfiguration) error {
	pool, err := database.OpenPgxPool(ctx, config.Postgres)
	if err != nil {
		return err
	}
	defer pool.Close()
	return schema.Update(ctx, pool)
}
