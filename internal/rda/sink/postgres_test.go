package sink

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/rdapipeline/internal/pipeline/processing"
	"github.com/G-Research/rdapipeline/internal/rda/model"
)

func testClaim() model.Claim {
	return model.Claim{
		Type:           model.Fiss,
		ClaimID:        "dcn-1",
		SequenceNumber: 17,
		ApiSource:      "0.12.1",
		LastUpdated:    time.Date(2022, 10, 1, 0, 0, 0, 0, time.UTC),
		Data:           json.RawMessage(`{"dcn":"dcn-1"}`),
		Details: []model.ClaimDetail{
			{Table: "fiss_proc_codes", Priority: 0, Data: json.RawMessage(`{"procCd":"a"}`)},
			{Table: "fiss_proc_codes", Priority: 1, Data: json.RawMessage(`{"procCd":"b"}`)},
			{Table: "fiss_payers", Priority: 0, Data: json.RawMessage(`{}`)},
		},
	}
}

func TestClaimStatements_Upsert(t *testing.T) {
	layout, err := model.LayoutFor(model.Fiss)
	require.NoError(t, err)

	statements, err := claimStatements(layout, processing.Change[model.Claim]{Type: processing.Update, Object: testClaim()})
	require.NoError(t, err)

	// one delete per child table, the parent upsert, then one insert per populated child table
	require.Len(t, statements, len(layout.Children)+3)
	for i, child := range layout.Children {
		assert.Contains(t, statements[i].sql, `DELETE FROM "rda"."`+child.Name+`"`)
		assert.Equal(t, []interface{}{"dcn-1"}, statements[i].args)
	}
	upsert := statements[len(layout.Children)]
	assert.Contains(t, upsert.sql, `INSERT INTO "rda"."fiss_claims"`)
	assert.Contains(t, upsert.sql, `ON CONFLICT (claim_id) DO UPDATE SET`)
	assert.Contains(t, upsert.sql, `"excluded"."sequence_number"`)
	assert.NotContains(t, upsert.sql, `"excluded"."claim_id"`)

	procCodes := statements[len(layout.Children)+1]
	assert.Contains(t, procCodes.sql, `INSERT INTO "rda"."fiss_proc_codes"`)
	assert.Len(t, procCodes.args, 6)
	assert.Contains(t, statements[len(layout.Children)+2].sql, `INSERT INTO "rda"."fiss_payers"`)
}

func TestClaimStatements_Delete(t *testing.T) {
	layout, err := model.LayoutFor(model.Mcs)
	require.NoError(t, err)
	claim := testClaim()
	claim.Type = model.Mcs

	statements, err := claimStatements(layout, processing.Change[model.Claim]{Type: processing.Delete, Object: claim})
	require.NoError(t, err)

	require.Len(t, statements, len(layout.Children)+1)
	last := statements[len(statements)-1]
	assert.Contains(t, last.sql, `DELETE FROM "rda"."mcs_claims"`)
	assert.Contains(t, last.sql, `"idr_clm_hd_icn"`)
	for _, s := range statements {
		assert.NotContains(t, s.sql, "INSERT")
	}
}

func TestProgressStatement(t *testing.T) {
	now := time.Date(2022, 10, 1, 0, 0, 0, 0, time.UTC)

	s, err := progressStatement(model.Mcs, 99, now)

	require.NoError(t, err)
	assert.Contains(t, s.sql, `INSERT INTO "rda"."rda_api_progress"`)
	assert.Contains(t, s.sql, `ON CONFLICT (claim_type) DO UPDATE SET`)
	assert.Contains(t, s.sql, `"last_sequence_number"=GREATEST("excluded"."last_sequence_number", "rda_api_progress"."last_sequence_number")`)
	assert.ElementsMatch(t, []interface{}{"mcs", int64(99), now}, s.args)
}

func TestMbiUpsert(t *testing.T) {
	sql, args, err := mbiUpsert("1S00E00AA00", "abc", time.Time{})

	require.NoError(t, err)
	assert.Contains(t, sql, `INSERT INTO "rda"."mbi_cache"`)
	assert.Contains(t, sql, `ON CONFLICT (mbi) DO UPDATE SET`)
	assert.Contains(t, sql, `RETURNING "mbi_id"`)
	assert.Len(t, args, 3)
}

func TestIsRetryable(t *testing.T) {
	tests := map[string]struct {
		err    error
		expect bool
	}{
		"serialization failure": {err: &pgconn.PgError{Code: pgerrcode.SerializationFailure}, expect: true},
		"deadlock":              {err: errors.WithStack(&pgconn.PgError{Code: pgerrcode.DeadlockDetected}), expect: true},
		"unique violation":      {err: &pgconn.PgError{Code: pgerrcode.UniqueViolation}},
		"other":                 {err: errors.New("boom")},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.expect, isRetryable(tc.err))
		})
	}
}
