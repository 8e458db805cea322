// Package transform converts RDA claim change messages, received as generic protobuf structs,
// into claims ready to be written.
package transform

import (
	"encoding/json"
	"math"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
	"k8s.io/utils/clock"

	"github.com/G-Research/rdapipeline/internal/pipeline/processing"
	"github.com/G-Research/rdapipeline/internal/rda/model"
)

const (
	seqField        = "seq"
	changeTypeField = "changeType"
	claimField      = "claim"
	mbiMaxLength    = 11
)

type format struct {
	keyField     string
	keyMaxLength int
	mbiField     string
}

var formats = map[model.ClaimType]format{
	model.Fiss: {keyField: "dcn", keyMaxLength: 23, mbiField: "mbi"},
	model.Mcs:  {keyField: "idrClmHdIcn", keyMaxLength: 15, mbiField: "idrClaimMbi"},
}

var changeTypes = map[string]processing.ChangeType{
	"":                   processing.Insert,
	"CHANGE_TYPE_INSERT": processing.Insert,
	"CHANGE_TYPE_UPDATE": processing.Update,
	"CHANGE_TYPE_DELETE": processing.Delete,
}

// StructTransformer reads claim changes of one claim type. It serves both as the source's
// message adapter and the sink's transformer.
type StructTransformer struct {
	claimType model.ClaimType
	format    format
	layout    model.TableLayout
	clock     clock.PassiveClock
}

func NewStructTransformer(claimType model.ClaimType, clock clock.PassiveClock) (*StructTransformer, error) {
	layout, err := model.LayoutFor(claimType)
	if err != nil {
		return nil, err
	}
	f, ok := formats[claimType]
	if !ok {
		return nil, errors.Errorf("no message format for claim type %q", claimType)
	}
	return &StructTransformer{claimType: claimType, format: f, layout: layout, clock: clock}, nil
}

func (t *StructTransformer) SequenceNumber(message *structpb.Struct) int64 {
	return int64(message.GetFields()[seqField].GetNumberValue())
}

func (t *StructTransformer) DedupKey(message *structpb.Struct) string {
	return message.GetFields()[claimField].GetStructValue().GetFields()[t.format.keyField].GetStringValue()
}

func (t *StructTransformer) MessageJSON(message *structpb.Struct) ([]byte, error) {
	data, err := protojson.Marshal(message)
	return data, errors.WithStack(err)
}

// Transform validates a change message and builds the claim it describes. Every problem found
// is reported, not just the first.
func (t *StructTransformer) Transform(apiVersion string, message *structpb.Struct) (processing.Change[model.Claim], error) {
	var result *multierror.Error
	fields := message.GetFields()

	seq, ok := fields[seqField].GetKind().(*structpb.Value_NumberValue)
	if !ok || seq.NumberValue < 0 || seq.NumberValue != math.Trunc(seq.NumberValue) {
		result = multierror.Append(result, errors.Errorf("%s: invalid sequence number", seqField))
	}

	changeType, ok := changeTypes[fields[changeTypeField].GetStringValue()]
	if !ok {
		result = multierror.Append(result, errors.Errorf("%s: unknown change type %q", changeTypeField, fields[changeTypeField].GetStringValue()))
	}

	claimStruct := fields[claimField].GetStructValue()
	if claimStruct == nil {
		result = multierror.Append(result, errors.Errorf("%s: missing", claimField))
		return processing.Change[model.Claim]{}, t.failed(message, result)
	}

	claim := model.Claim{
		Type:           t.claimType,
		ClaimID:        claimStruct.GetFields()[t.format.keyField].GetStringValue(),
		SequenceNumber: t.SequenceNumber(message),
		Mbi:            claimStruct.GetFields()[t.format.mbiField].GetStringValue(),
		ApiSource:      apiVersion,
		LastUpdated:    t.clock.Now(),
	}
	if err := checkLength(t.format.keyField, claim.ClaimID, 1, t.format.keyMaxLength); err != nil {
		result = multierror.Append(result, err)
	}
	if err := checkLength(t.format.mbiField, claim.Mbi, 0, mbiMaxLength); err != nil {
		result = multierror.Append(result, err)
	}

	children := map[string]bool{}
	for _, child := range t.layout.Children {
		children[child.Field] = true
		items := claimStruct.GetFields()[child.Field].GetListValue().GetValues()
		for i, item := range items {
			detail, err := itemDetail(child, i, item)
			if err != nil {
				result = multierror.Append(result, err)
				continue
			}
			claim.Details = append(claim.Details, detail)
		}
	}

	data, err := marshalExcept(claimStruct, children)
	if err != nil {
		result = multierror.Append(result, err)
	}
	claim.Data = data

	if err := result.ErrorOrNil(); err != nil {
		return processing.Change[model.Claim]{}, t.failed(message, err)
	}
	return processing.Change[model.Claim]{Type: changeType, Object: claim}, nil
}

func (t *StructTransformer) failed(message *structpb.Struct, err error) error {
	return errors.WithMessagef(err, "failed to transform %s claim: seq=%d %s=%s",
		t.claimType, t.SequenceNumber(message), t.format.keyField, t.DedupKey(message))
}

func checkLength(field string, value string, min int, max int) error {
	if len(value) < min || len(value) > max {
		return errors.Errorf("%s: length %d outside of [%d, %d]", field, len(value), min, max)
	}
	return nil
}

func itemDetail(child model.ChildTable, priority int, item *structpb.Value) (model.ClaimDetail, error) {
	s := item.GetStructValue()
	if s == nil {
		return model.ClaimDetail{}, errors.Errorf("%s[%d]: not an object", child.Field, priority)
	}
	data, err := protojson.Marshal(s)
	if err != nil {
		return model.ClaimDetail{}, errors.Wrapf(err, "%s[%d]", child.Field, priority)
	}
	return model.ClaimDetail{Table: child.Name, Priority: priority, Data: json.RawMessage(data)}, nil
}

// marshalExcept renders s as JSON without the named fields.
func marshalExcept(s *structpb.Struct, omit map[string]bool) (json.RawMessage, error) {
	kept := &structpb.Struct{Fields: map[string]*structpb.Value{}}
	for name, value := range s.GetFields() {
		if !omit[name] {
			kept.Fields[name] = value
		}
	}
	data, err := protojson.Marshal(kept)
	if err != nil {
		return nil, errors.Wrap(err, claimField)
	}
	return json.RawMessage(data), nil
}
