package sink

import (
	"context"
	"time"

	"github.com/avast/retry-go"
	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgtype/pgxtype"
	"github.com/jackc/pgx/v4"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/G-Research/rdapipeline/internal/pipeline/processing"
	"github.com/G-Research/rdapipeline/internal/rda/model"
)

const (
	progressTable      = "rda_api_progress"
	messageErrorsTable = "message_errors"
	mbiCacheTable      = "mbi_cache"
)

var dialect = goqu.Dialect("postgres")

// Database is the subset of *pgxpool.Pool used by the postgres writers.
type Database interface {
	pgxtype.Querier
	BeginTxFunc(ctx context.Context, txOptions pgx.TxOptions, f func(pgx.Tx) error) error
}

type statement struct {
	sql  string
	args []interface{}
}

func build(sql string, args []interface{}, err error) (statement, error) {
	if err != nil {
		return statement{}, errors.WithStack(err)
	}
	return statement{sql: sql, args: args}, nil
}

// isRetryable reports whether a transaction failed only because it conflicted with another one.
func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
}

// inTransaction runs fn in a read committed transaction, retrying conflicts.
func inTransaction(ctx context.Context, db Database, fn func(tx pgx.Tx) error) error {
	return retry.Do(
		func() error {
			return db.BeginTxFunc(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite}, fn)
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(50*time.Millisecond),
		retry.RetryIf(isRetryable),
		retry.LastErrorOnly(true),
	)
}

func execAll(ctx context.Context, tx pgx.Tx, statements []statement) error {
	for _, s := range statements {
		if _, err := tx.Exec(ctx, s.sql, s.args...); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

// PostgresClaimWriter stores claims in the rda schema.
type PostgresClaimWriter struct {
	db    Database
	clock clock.PassiveClock
}

func NewPostgresClaimWriter(db Database, clock clock.PassiveClock) *PostgresClaimWriter {
	return &PostgresClaimWriter{db: db, clock: clock}
}

func (w *PostgresClaimWriter) WriteClaims(
	ctx context.Context,
	claimType model.ClaimType,
	changes []processing.Change[model.Claim],
	progress *int64,
) (int, error) {
	layout, err := model.LayoutFor(claimType)
	if err != nil {
		return 0, err
	}
	var statements []statement
	for _, change := range changes {
		s, err := claimStatements(layout, change)
		if err != nil {
			return 0, err
		}
		statements = append(statements, s...)
	}
	if progress != nil {
		s, err := progressStatement(claimType, *progress, w.clock.Now())
		if err != nil {
			return 0, err
		}
		statements = append(statements, s)
	}
	if len(statements) == 0 {
		return 0, nil
	}
	err = inTransaction(ctx, w.db, func(tx pgx.Tx) error {
		return execAll(ctx, tx, statements)
	})
	if err != nil {
		return 0, errors.WithMessagef(err, "error writing %d %s claims", len(changes), claimType)
	}
	return len(changes), nil
}

func (w *PostgresClaimWriter) UpdateLastSequenceNumber(ctx context.Context, claimType model.ClaimType, sequenceNumber int64) error {
	s, err := progressStatement(claimType, sequenceNumber, w.clock.Now())
	if err != nil {
		return err
	}
	_, err = w.db.Exec(ctx, s.sql, s.args...)
	return errors.WithStack(err)
}

func (w *PostgresClaimWriter) ReadMaxExistingSequenceNumber(ctx context.Context, claimType model.ClaimType) (int64, bool, error) {
	sql, args, err := dialect.From(goqu.S(model.Schema).Table(progressTable)).
		Select("last_sequence_number").
		Where(goqu.C("claim_type").Eq(claimType.String())).
		Prepared(true).
		ToSQL()
	if err != nil {
		return 0, false, errors.WithStack(err)
	}
	var sequenceNumber int64
	err = w.db.QueryRow(ctx, sql, args...).Scan(&sequenceNumber)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.WithStack(err)
	}
	return sequenceNumber, true, nil
}

// claimStatements returns the statements applying a change. An upsert replaces the claim
// and all of its detail rows; a delete removes the detail rows before the claim itself.
func claimStatements(layout model.TableLayout, change processing.Change[model.Claim]) ([]statement, error) {
	claim := change.Object
	var statements []statement
	for _, child := range layout.Children {
		s, err := build(dialect.Delete(goqu.S(model.Schema).Table(child.Name)).
			Where(goqu.C(layout.Key).Eq(claim.ClaimID)).
			Prepared(true).
			ToSQL())
		if err != nil {
			return nil, err
		}
		statements = append(statements, s)
	}

	if change.Type == processing.Delete {
		s, err := build(dialect.Delete(goqu.S(model.Schema).Table(layout.Parent)).
			Where(goqu.C(layout.Key).Eq(claim.ClaimID)).
			Prepared(true).
			ToSQL())
		if err != nil {
			return nil, err
		}
		return append(statements, s), nil
	}

	record := goqu.Record{
		layout.Key:               claim.ClaimID,
		"sequence_number":        claim.SequenceNumber,
		"mbi_id":                 claim.MbiID,
		"api_source":             claim.ApiSource,
		layout.LastUpdatedColumn: claim.LastUpdated,
		"claim_data":             string(claim.Data),
	}
	s, err := build(dialect.Insert(goqu.S(model.Schema).Table(layout.Parent)).
		Rows(record).
		OnConflict(goqu.DoUpdate(layout.Key, excluded(record, layout.Key))).
		Prepared(true).
		ToSQL())
	if err != nil {
		return nil, err
	}
	statements = append(statements, s)

	rows := map[string][]interface{}{}
	var tables []string
	for _, detail := range claim.Details {
		if _, ok := rows[detail.Table]; !ok {
			tables = append(tables, detail.Table)
		}
		rows[detail.Table] = append(rows[detail.Table], goqu.Record{
			layout.Key:   claim.ClaimID,
			"priority":   detail.Priority,
			"claim_data": string(detail.Data),
		})
	}
	for _, table := range tables {
		s, err := build(dialect.Insert(goqu.S(model.Schema).Table(table)).
			Rows(rows[table]...).
			Prepared(true).
			ToSQL())
		if err != nil {
			return nil, err
		}
		statements = append(statements, s)
	}
	return statements, nil
}

// excluded builds the update clause of an upsert that overwrites every column but the key.
func excluded(record goqu.Record, key string) goqu.Record {
	update := goqu.Record{}
	for column := range record {
		if column != key {
			update[column] = goqu.I("excluded." + column)
		}
	}
	return update
}

func progressStatement(claimType model.ClaimType, sequenceNumber int64, now time.Time) (statement, error) {
	record := goqu.Record{
		"claim_type":           claimType.String(),
		"last_sequence_number": sequenceNumber,
		"last_updated":         now,
	}
	// progress only moves forward
	update := excluded(record, "claim_type")
	update["last_sequence_number"] = goqu.Func("GREATEST",
		goqu.I("excluded.last_sequence_number"),
		goqu.I(progressTable+".last_sequence_number"),
	)
	return build(dialect.Insert(goqu.S(model.Schema).Table(progressTable)).
		Rows(record).
		OnConflict(goqu.DoUpdate("claim_type", update)).
		Prepared(true).
		ToSQL())
}

// PostgresMessageErrorStore keeps the dead letter queue in the message_errors table.
type PostgresMessageErrorStore struct {
	db    Database
	clock clock.PassiveClock
}

func NewPostgresMessageErrorStore(db Database, clock clock.PassiveClock) *PostgresMessageErrorStore {
	return &PostgresMessageErrorStore{db: db, clock: clock}
}

func (s *PostgresMessageErrorStore) RecordError(ctx context.Context, messageError model.MessageError) error {
	now := s.clock.Now()
	record := goqu.Record{
		"sequence_number": messageError.SequenceNumber,
		"claim_type":      messageError.ClaimType.String(),
		"claim_id":        messageError.ClaimID,
		"api_source":      messageError.ApiSource,
		"errors":          messageError.Errors,
		"message":         string(messageError.Message),
		"status":          string(messageError.Status),
		"created_date":    now,
		"updated_date":    now,
	}
	update := excluded(record, "sequence_number")
	delete(update, "created_date")
	st, err := build(dialect.Insert(goqu.S(model.Schema).Table(messageErrorsTable)).
		Rows(record).
		OnConflict(goqu.DoUpdate("sequence_number, claim_type", update)).
		Prepared(true).
		ToSQL())
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, st.sql, st.args...)
	return errors.WithStack(err)
}

func (s *PostgresMessageErrorStore) ReadUnresolvedSequenceNumbers(ctx context.Context, claimType model.ClaimType) ([]int64, error) {
	sql, args, err := dialect.From(goqu.S(model.Schema).Table(messageErrorsTable)).
		Select("sequence_number").
		Where(
			goqu.C("claim_type").Eq(claimType.String()),
			goqu.C("status").Eq(string(model.Unresolved)),
		).
		Order(goqu.C("sequence_number").Asc()).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()
	var result []int64
	for rows.Next() {
		var sequenceNumber int64
		if err := rows.Scan(&sequenceNumber); err != nil {
			return nil, errors.WithStack(err)
		}
		result = append(result, sequenceNumber)
	}
	return result, errors.WithStack(rows.Err())
}

func (s *PostgresMessageErrorStore) UpdateStatus(
	ctx context.Context,
	claimType model.ClaimType,
	sequenceNumber int64,
	status model.MessageErrorStatus,
) error {
	st, err := build(dialect.Update(goqu.S(model.Schema).Table(messageErrorsTable)).
		Set(goqu.Record{"status": string(status), "updated_date": s.clock.Now()}).
		Where(
			goqu.C("claim_type").Eq(claimType.String()),
			goqu.C("sequence_number").Eq(sequenceNumber),
		).
		Prepared(true).
		ToSQL())
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, st.sql, st.args...)
	return errors.WithStack(err)
}

// PostgresMbiStore keeps mbi values and their hashes in the mbi_cache table.
type PostgresMbiStore struct {
	db    Database
	clock clock.PassiveClock
}

func NewPostgresMbiStore(db Database, clock clock.PassiveClock) *PostgresMbiStore {
	return &PostgresMbiStore{db: db, clock: clock}
}

func (s *PostgresMbiStore) ReadOrInsert(ctx context.Context, mbi string, hash string) (int64, error) {
	sql, args, err := mbiUpsert(mbi, hash, s.clock.Now())
	if err != nil {
		return 0, err
	}
	var id int64
	if err := s.db.QueryRow(ctx, sql, args...).Scan(&id); err != nil {
		return 0, errors.WithStack(err)
	}
	return id, nil
}

// mbiUpsert touches the existing row on conflict so that RETURNING always yields the id.
func mbiUpsert(mbi string, hash string, now time.Time) (string, []interface{}, error) {
	sql, args, err := dialect.Insert(goqu.S(model.Schema).Table(mbiCacheTable)).
		Rows(goqu.Record{"mbi": mbi, "hash": hash, "last_updated": now}).
		OnConflict(goqu.DoUpdate("mbi", goqu.Record{"last_updated": goqu.I("excluded.last_updated")})).
		Returning("mbi_id").
		Prepared(true).
		ToSQL()
	return sql, args, errors.WithStack(err)
}
