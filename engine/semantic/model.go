package semantic

import (
	"fmt"
	"strconv"
	"time"

	"github.com/WessleyAI/notesync/engine/domain"
	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
)

// Payload keys.
const (
	keyContent   = "content"
	keyMetadata  = "metadata"
	keyTitle     = "title"
	keyTags      = "tags"
	keyUpdatedAt = domain.MetaUpdatedAt
	keyIndexedAt = domain.MetaIndexedAt
	keyID        = "id"
)

// pointNamespace seeds the UUIDs derived for record ids Qdrant cannot use directly.
var pointNamespace = uuid.MustParse("6f1c3c2e-9a51-4d7b-8f0e-5b8f2a4c1d09")

// PointID maps a record id onto a Qdrant point id. Qdrant accepts unsigned
// integers and UUIDs only, so any other id is hashed into a name-based UUID.
// Only ids already in canonical form ("42", lowercase hyphenated UUIDs) are
// used directly; "042" or an uppercase UUID would otherwise collide with a
// different record. The mapping is deterministic, which is what makes repeated
// upserts converge.
func PointID(recordID string) *pb.PointId {
	if n, err := strconv.ParseUint(recordID, 10, 64); err == nil && strconv.FormatUint(n, 10) == recordID {
		return &pb.PointId{PointIdOptions: &pb.PointId_Num{Num: n}}
	}
	if u, err := uuid.Parse(recordID); err == nil && u.String() == recordID {
		return &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: recordID}}
	}
	return &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: uuid.NewSHA1(pointNamespace, []byte(recordID)).String()}}
}

// documentPayload renders the stored payload: {content, metadata:{title, tags, updated_at, id}}.
func documentPayload(doc domain.IndexedDocument) map[string]*pb.Value {
	updated := formatTime(doc.Metadata.UpdatedAt)
	tags := make([]any, len(doc.Metadata.Tags))
	for i, t := range doc.Metadata.Tags {
		tags[i] = t
	}
	return map[string]*pb.Value{
		keyContent: toValue(doc.Content),
		keyMetadata: toValue(map[string]any{
			keyTitle:     doc.Metadata.Title,
			keyTags:      tags,
			keyUpdatedAt: updated,
			keyIndexedAt: formatTime(doc.Metadata.IndexedAt),
			keyID:        doc.Metadata.OriginalID,
		}),
	}
}

// formatTime renders t as RFC 3339 in UTC, or "" for the zero time.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func toValue(val any) *pb.Value {
	switch tv := val.(type) {
	case nil:
		return &pb.Value{Kind: &pb.Value_NullValue{NullValue: pb.NullValue_NULL_VALUE}}
	case string:
		return &pb.Value{Kind: &pb.Value_StringValue{StringValue: tv}}
	case int:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(tv)}}
	case int64:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: tv}}
	case float64:
		return &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: tv}}
	case bool:
		return &pb.Value{Kind: &pb.Value_BoolValue{BoolValue: tv}}
	case []any:
		list := make([]*pb.Value, len(tv))
		for i, item := range tv {
			list[i] = toValue(item)
		}
		return &pb.Value{Kind: &pb.Value_ListValue{ListValue: &pb.ListValue{Values: list}}}
	case map[string]any:
		fields := make(map[string]*pb.Value, len(tv))
		for k, item := range tv {
			fields[k] = toValue(item)
		}
		return &pb.Value{Kind: &pb.Value_StructValue{StructValue: &pb.Struct{Fields: fields}}}
	default:
		return &pb.Value{Kind: &pb.Value_StringValue{StringValue: fmt.Sprint(tv)}}
	}
}

func fromValue(v *pb.Value) any {
	switch k := v.GetKind().(type) {
	case *pb.Value_StringValue:
		return k.StringValue
	case *pb.Value_IntegerValue:
		return k.IntegerValue
	case *pb.Value_DoubleValue:
		return k.DoubleValue
	case *pb.Value_BoolValue:
		return k.BoolValue
	case *pb.Value_ListValue:
		out := make([]any, len(k.ListValue.GetValues()))
		for i, item := range k.ListValue.GetValues() {
			out[i] = fromValue(item)
		}
		return out
	case *pb.Value_StructValue:
		return fromFields(k.StructValue.GetFields())
	default:
		return nil
	}
}

func fromFields(fields map[string]*pb.Value) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = fromValue(v)
	}
	return out
}

// hitFromPayload rebuilds a SearchHit from a stored payload.
func hitFromPayload(pid *pb.PointId, score float32, payload map[string]*pb.Value) domain.SearchHit {
	hit := domain.SearchHit{
		Score:    score,
		Metadata: map[string]any{},
	}
	if v, ok := payload[keyContent]; ok {
		hit.Content = v.GetStringValue()
	}
	if v, ok := payload[keyMetadata]; ok {
		if m, ok := fromValue(v).(map[string]any); ok {
			hit.Metadata = m
		}
	}
	if id, ok := hit.Metadata[keyID].(string); ok && id != "" {
		hit.ID = id
	} else {
		hit.ID = pointIDString(pid)
	}
	return hit
}

func pointIDString(pid *pb.PointId) string {
	switch o := pid.GetPointIdOptions().(type) {
	case *pb.PointId_Num:
		return strconv.FormatUint(o.Num, 10)
	case *pb.PointId_Uuid:
		return o.Uuid
	}
	return ""
}
