package cleanup

import (
	"context"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/G-Research/rdapipeline/internal/common/database"
	"github.com/G-Research/rdapipeline/internal/common/metrics"
	"github.com/G-Research/rdapipeline/internal/common/util"
	"github.com/G-Research/rdapipeline/internal/pipeline/processing"
	"github.com/G-Research/rdapipeline/internal/rda/configuration"
	"github.com/G-Research/rdapipeline/internal/rda/model"
)

// RetentionPeriod is how long claims are kept after they were last updated.
const RetentionPeriod = 60 * 24 * time.Hour

var dialect = goqu.Dialect("postgres")

// Job deletes claims of one type that have not been updated within RetentionPeriod,
// along with their detail rows, in bounded transactions.
type Job struct {
	claimType       model.ClaimType
	layout          model.TableLayout
	enabled         bool
	runSize         int
	transactionSize int
	sessions        database.SessionFactory
	clock           clock.PassiveClock
	metrics         metrics.Recorder
}

func New(
	claimType model.ClaimType,
	config configuration.CleanupConfig,
	sessions database.SessionFactory,
	clock clock.PassiveClock,
	recorder metrics.Recorder,
) (*Job, error) {
	layout, err := model.LayoutFor(claimType)
	if err != nil {
		return nil, err
	}
	if config.Enabled && (config.TransactionSize <= 0 || config.RunSize < config.TransactionSize) {
		return nil, errors.Errorf(
			"invalid cleanup sizes for %s: runSize=%d transactionSize=%d", claimType, config.RunSize, config.TransactionSize)
	}
	return &Job{
		claimType:       claimType,
		layout:          layout,
		enabled:         config.Enabled,
		runSize:         config.RunSize,
		transactionSize: config.TransactionSize,
		sessions:        sessions,
		clock:           clock,
		metrics:         recorder,
	}, nil
}

func (j *Job) Name() string {
	return j.claimType.String() + "_cleanup"
}

// Run performs one cleanup pass and returns the number of claims deleted.
// Any error is returned as a *processing.Failure with a count of 0.
func (j *Job) Run(ctx context.Context) (int, error) {
	if !j.enabled {
		return 0, nil
	}

	start := j.clock.Now()
	cutoff := start.Add(-RetentionPeriod)
	statements, err := j.buildStatements(cutoff)
	if err != nil {
		return 0, processing.NewFatalFailure(err)
	}

	session, err := j.sessions(ctx)
	if err != nil {
		return 0, processing.NewFailure(err, 0)
	}
	defer util.CloseResource("cleanup session", session)

	logger := log.WithField("claimType", j.claimType)
	maxTransactions := (j.runSize + j.transactionSize - 1) / j.transactionSize
	deleted := 0
	for i := 0; i < maxTransactions && deleted < j.runSize; i++ {
		var parentRows int64
		err := session.InTransaction(ctx, func(ctx context.Context, tx database.Executor) error {
			for _, s := range statements {
				n, err := tx.Exec(ctx, s.sql, s.args...)
				if err != nil {
					return errors.Wrapf(err, "error deleting from %s", s.table)
				}
				if s.table == j.layout.Parent {
					parentRows = n
				}
			}
			return nil
		})
		if err != nil {
			return 0, processing.NewFailure(err, 0)
		}
		j.metrics.Increment(j.Name() + "_transactions")
		if parentRows == 0 {
			break
		}
		deleted += int(parentRows)
	}

	j.metrics.Add(j.Name()+"_deleted", deleted)
	logger.Infof("Deleted %d claims older than %s in %s", deleted, cutoff.Format(time.RFC3339), j.clock.Since(start))
	return deleted, nil
}

type statement struct {
	table string
	sql   string
	args  []interface{}
}

// buildStatements returns one delete per table, children first and the parent last. Every statement
// selects the same set of parent keys so a transaction removes whole claims.
func (j *Job) buildStatements(cutoff time.Time) ([]statement, error) {
	keys := dialect.
		From(goqu.S(model.Schema).Table(j.layout.Parent)).
		Select(goqu.C(j.layout.Key)).
		Where(goqu.C(j.layout.LastUpdatedColumn).Lt(cutoff)).
		Order(goqu.C(j.layout.LastUpdatedColumn).Desc()).
		Limit(uint(j.transactionSize))

	tables := make([]string, 0, len(j.layout.Children)+1)
	for _, child := range j.layout.Children {
		tables = append(tables, child.Name)
	}
	tables = append(tables, j.layout.Parent)

	statements := make([]statement, 0, len(tables))
	for _, table := range tables {
		sql, args, err := j.deleteFrom(table, keys).ToSQL()
		if err != nil {
			return nil, errors.Wrapf(err, "error building delete for %s", table)
		}
		statements = append(statements, statement{table: table, sql: sql, args: args})
	}
	return statements, nil
}

func (j *Job) deleteFrom(table string, keys exp.AppendableExpression) *goqu.DeleteDataset {
	return dialect.
		Delete(goqu.S(model.Schema).Table(table)).
		Where(goqu.C(j.layout.Key).In(keys)).
		Prepared(true)
}
