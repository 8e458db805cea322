package model

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const Schema = "rda"

type ClaimType string

const (
	Fiss ClaimType = "fiss"
	Mcs  ClaimType = "mcs"
)

var AllClaimTypes = []ClaimType{Fiss, Mcs}

func (t *ClaimType) UnmarshalText(text []byte) error {
	switch ClaimType(strings.ToLower(string(text))) {
	case Fiss:
		*t = Fiss
	case Mcs:
		*t = Mcs
	default:
		return errors.Errorf("unknown claim type %q", string(text))
	}
	return nil
}

func (t ClaimType) String() string {
	return string(t)
}

// ChildTable is a table holding repeated detail rows of a claim, keyed by the parent's key column.
type ChildTable struct {
	Name string
	// Field is the name of the repeated field in the upstream message.
	Field string
}

// TableLayout describes where claims of one type are stored.
type TableLayout struct {
	Parent            string
	Key               string
	LastUpdatedColumn string
	Children          []ChildTable
}

func (l TableLayout) QualifiedParent() string {
	return Schema + "." + l.Parent
}

// Tables returns the parent first followed by every child table.
func (l TableLayout) Tables() []string {
	tables := []string{l.Parent}
	for _, c := range l.Children {
		tables = append(tables, c.Name)
	}
	return tables
}

var layouts = map[ClaimType]TableLayout{
	Fiss: {
		Parent:            "fiss_claims",
		Key:               "claim_id",
		LastUpdatedColumn: "last_updated",
		Children: []ChildTable{
			{Name: "fiss_revenue_lines", Field: "revenueLines"},
			{Name: "fiss_diagnosis_codes", Field: "diagnosisCodes"},
			{Name: "fiss_proc_codes", Field: "procCodes"},
			{Name: "fiss_payers", Field: "payers"},
			{Name: "fiss_audit_trails", Field: "auditTrails"},
		},
	},
	Mcs: {
		Parent:            "mcs_claims",
		Key:               "idr_clm_hd_icn",
		LastUpdatedColumn: "last_updated",
		Children: []ChildTable{
			{Name: "mcs_details", Field: "details"},
			{Name: "mcs_diagnosis_codes", Field: "diagnosisCodes"},
			{Name: "mcs_adjustments", Field: "adjustments"},
			{Name: "mcs_audits", Field: "audits"},
			{Name: "mcs_locations", Field: "locations"},
		},
	},
}

func LayoutFor(claimType ClaimType) (TableLayout, error) {
	layout, ok := layouts[claimType]
	if !ok {
		return TableLayout{}, errors.Errorf("no table layout for claim type %q", claimType)
	}
	return layout, nil
}

// ClaimDetail is one repeated detail row belonging to a claim.
type ClaimDetail struct {
	Table    string
	Priority int
	Data     json.RawMessage
}

// Claim is a claim as stored in the database.
type Claim struct {
	Type           ClaimType
	ClaimID        string
	SequenceNumber int64
	Mbi            string
	MbiID          *int64
	ApiSource      string
	LastUpdated    time.Time
	Data           json.RawMessage
	Details        []ClaimDetail
}

// MessageError is a message that could not be transformed or written, kept for later replay.
type MessageError struct {
	ClaimType      ClaimType
	SequenceNumber int64
	ClaimID        string
	ApiSource      string
	Errors         string
	Message        json.RawMessage
	Status         MessageErrorStatus
}

type MessageErrorStatus string

const (
	Unresolved MessageErrorStatus = "UNRESOLVED"
	Resolved   MessageErrorStatus = "RESOLVED"
	Obsolete   MessageErrorStatus = "OBSOLETE"
)
