package configuration

import (
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/G-Research/rdapipeline/internal/common/database"
	"github.com/G-Research/rdapipeline/internal/common/logging"
	"github.com/G-Research/rdapipeline/internal/rda/model"
)

type RdaPipelineConfiguration struct {
	Logging  logging.Config
	Metrics  MetricsConfig
	Postgres database.PostgresConfig
	// Connection to the RDA API
	Source SourceConfig
	// Settings shared by the load job of every claim type
	Job JobConfig
	// Secret mixed into the hash used to look up MBI values
	MbiHashPepper string `validate:"required"`
	// Number of MBI hash lookups kept in memory
	MbiCacheSize int `validate:"gte=0"`
	// How long shutdown waits for running jobs before giving up
	ShutdownTimeout time.Duration
}

type MetricsConfig struct {
	Port   uint16
	Prefix string
}

type SourceConfig struct {
	Host   string `validate:"required"`
	Port   uint16 `validate:"required"`
	UseTls bool
	// Bearer token sent with every call, if set
	AuthToken string
	// Fully qualified gRPC method names
	FissClaimsMethod string `validate:"required"`
	McsClaimsMethod  string `validate:"required"`
	VersionMethod    string `validate:"required"`
	// A connection dropped by the server after at least this long without a message is treated as the end of the stream
	MinIdleBeforeConnectionDrop time.Duration
	KeepAlive                   time.Duration
	// Timeout of the gRPC health check used by smoke tests
	HealthCheckTimeout time.Duration
}

// SinkMode selects how a batch of claims is written to the database.
type SinkMode string

const (
	// Each claim is written in its own transaction.
	SinkModeDirect SinkMode = "direct"
	// A whole batch is written in one transaction.
	SinkModeBatch SinkMode = "batch"
	// A batch is split by claim id and written by several transactions in parallel.
	SinkModeConcurrent SinkMode = "concurrent"
)

func (m *SinkMode) UnmarshalText(text []byte) error {
	switch SinkMode(strings.ToLower(strings.TrimSpace(string(text)))) {
	case "", SinkModeDirect:
		*m = SinkModeDirect
	case SinkModeBatch:
		*m = SinkModeBatch
	case SinkModeConcurrent:
		*m = SinkModeConcurrent
	default:
		return errors.Errorf("unknown sink mode %q", string(text))
	}
	return nil
}

type CleanupConfig struct {
	Enabled bool
	// Maximum number of claims deleted by one cleanup pass
	RunSize int
	// Maximum number of claims deleted by one transaction
	TransactionSize int
}

type JobConfig struct {
	// Delay between runs. Zero means each job runs once.
	RunInterval      time.Duration
	WriteConcurrency int `validate:"gte=1"`
	BatchSize        int `validate:"gte=1"`
	// When set, streaming starts from this sequence number instead of the highest one already stored
	StartingFissSequenceNumber *int64
	StartingMcsSequenceNumber  *int64
	// Replay previously failed messages before each load
	ProcessDLQ bool
	// Number of unprocessable messages tolerated by one sink before its writes fail
	ErrorLimit       int `validate:"gte=0"`
	Cleanup          CleanupConfig
	SinkMode         SinkMode
	AcceptedVersions model.VersionRange
	ClaimTypes       []model.ClaimType
}

// Validate checks the rules that cannot be expressed with struct tags.
func (c JobConfig) Validate() error {
	if c.RunInterval < 0 || (c.RunInterval > 0 && c.RunInterval < time.Second) {
		return errors.Errorf("runInterval must be 0 or at least 1s, got %s", c.RunInterval)
	}
	if c.WriteConcurrency < 1 {
		return errors.Errorf("writeConcurrency must be at least 1, got %d", c.WriteConcurrency)
	}
	if c.BatchSize < 1 {
		return errors.Errorf("batchSize must be at least 1, got %d", c.BatchSize)
	}
	if c.Cleanup.Enabled {
		if c.Cleanup.TransactionSize <= 0 {
			return errors.Errorf("cleanup transactionSize must be positive, got %d", c.Cleanup.TransactionSize)
		}
		if c.Cleanup.RunSize < c.Cleanup.TransactionSize {
			return errors.Errorf("cleanup runSize (%d) must be at least transactionSize (%d)", c.Cleanup.RunSize, c.Cleanup.TransactionSize)
		}
	}
	switch c.SinkMode {
	case "", SinkModeDirect, SinkModeBatch, SinkModeConcurrent:
	default:
		return errors.Errorf("unknown sink mode %q", c.SinkMode)
	}
	return nil
}

// StartingSequenceNumber returns the configured starting point for claimType, if any.
func (c JobConfig) StartingSequenceNumber(claimType model.ClaimType) *int64 {
	switch claimType {
	case model.Fiss:
		return c.StartingFissSequenceNumber
	case model.Mcs:
		return c.StartingMcsSequenceNumber
	default:
		return nil
	}
}

func (c RdaPipelineConfiguration) Validate() error {
	return c.Job.Validate()
}

func (c SourceConfig) MethodFor(claimType model.ClaimType) string {
	if claimType == model.Mcs {
		return c.McsClaimsMethod
	}
	return c.FissClaimsMethod
}
