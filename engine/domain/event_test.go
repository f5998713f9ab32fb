package domain

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestParseChangeEvent_Insert(t *testing.T) {
	payload := `{"operation":"INSERT","id":42,"content":"hello world","title":"Greeting","tags":["a"," b ",null],"updateAt":"2024-03-01T10:15:30.123456+00:00"}`

	ev, err := ParseChangeEvent(payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Operation != OpInsert {
		t.Errorf("operation = %q, want INSERT", ev.Operation)
	}
	if ev.RecordID != "42" {
		t.Errorf("id = %q", ev.RecordID)
	}
	if ev.Content != "hello world" || ev.Title != "Greeting" {
		t.Errorf("content/title mismatch: %+v", ev)
	}
	if len(ev.Tags) != 2 || ev.Tags[0] != "a" || ev.Tags[1] != "b" {
		t.Errorf("tags = %v", ev.Tags)
	}
	want := time.Date(2024, 3, 1, 10, 15, 30, 123456000, time.UTC)
	if !ev.UpdatedAt.Equal(want) {
		t.Errorf("updated_at = %v, want %v", ev.UpdatedAt, want)
	}
}

func TestParseChangeEvent_UUIDAndNulls(t *testing.T) {
	payload := `{"operation":"update","id":"  9b2f6c1e-0000-4000-8000-000000000001 ","content":null,"title":null,"tags":null,"updateAt":null}`

	ev, err := ParseChangeEvent(payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Operation != OpUpdate {
		t.Errorf("operation = %q", ev.Operation)
	}
	if ev.RecordID != "9b2f6c1e-0000-4000-8000-000000000001" {
		t.Errorf("id = %q", ev.RecordID)
	}
	if ev.Content != "" || ev.Title != "" {
		t.Errorf("expected empty content/title, got %+v", ev)
	}
	if ev.Tags == nil || len(ev.Tags) != 0 {
		t.Errorf("expected empty non-nil tags, got %#v", ev.Tags)
	}
	if !ev.UpdatedAt.IsZero() {
		t.Errorf("expected zero timestamp, got %v", ev.UpdatedAt)
	}
}

func TestParseChangeEvent_TimestampWithoutZone(t *testing.T) {
	ev, err := ParseChangeEvent(`{"operation":"INSERT","id":1,"updateAt":"2024-03-01T10:15:30"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.UpdatedAt.Hour() != 10 || ev.UpdatedAt.Minute() != 15 {
		t.Errorf("updated_at = %v", ev.UpdatedAt)
	}
}

func TestParseChangeEvent_CommaSeparatedTags(t *testing.T) {
	ev, err := ParseChangeEvent(`{"operation":"INSERT","id":1,"tags":"go, postgres,,qdrant"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Join(ev.Tags, "|") != "go|postgres|qdrant" {
		t.Errorf("tags = %v", ev.Tags)
	}
}

func TestParseChangeEvent_Errors(t *testing.T) {
	cases := map[string]string{
		"not json":      `{not json`,
		"missing id":    `{"operation":"INSERT","content":"x"}`,
		"null id":       `{"operation":"INSERT","id":null}`,
		"blank id":      `{"operation":"INSERT","id":"   "}`,
		"unknown op":    `{"operation":"TRUNCATE","id":1}`,
		"bad tags":      `{"operation":"INSERT","id":1,"tags":7}`,
		"bad timestamp": `{"operation":"INSERT","id":1,"updateAt":"yesterday"}`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseChangeEvent(payload)
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, ErrNotificationParse) {
				t.Fatalf("expected ErrNotificationParse, got %v", err)
			}
			var pe *NotificationParseError
			if !errors.As(err, &pe) || pe.Payload != payload {
				t.Fatalf("expected payload preserved, got %v", err)
			}
		})
	}
}

func TestNormalizeRecordID(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{`42`, "42"},
		{`42.0`, "42"},
		{`-7`, "-7"},
		{`"abc"`, "abc"},
		{`" 17 "`, "17"},
	}
	for _, tc := range cases {
		got, err := NormalizeRecordID(json.RawMessage(tc.raw))
		if err != nil {
			t.Errorf("NormalizeRecordID(%s): %v", tc.raw, err)
			continue
		}
		if got != tc.want {
			t.Errorf("NormalizeRecordID(%s) = %q, want %q", tc.raw, got, tc.want)
		}
	}

	if _, err := NormalizeRecordID(nil); !errors.Is(err, ErrMissingID) {
		t.Errorf("expected ErrMissingID for empty id, got %v", err)
	}
}

func TestDocumentFromEvent(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	ev := ChangeEvent{Operation: OpInsert, RecordID: "1", Content: "A", Title: "T", UpdatedAt: ts}
	doc := DocumentFromEvent(ev, []float32{1, 2})

	if doc.ID != "1" || doc.Content != "A" {
		t.Fatalf("unexpected doc: %+v", doc)
	}
	if doc.Metadata.Title != "T" || doc.Metadata.OriginalID != "1" || !doc.Metadata.UpdatedAt.Equal(ts) {
		t.Fatalf("unexpected metadata: %+v", doc.Metadata)
	}
	if doc.Metadata.Tags == nil {
		t.Fatal("tags should default to empty slice")
	}
}

func TestNotificationParseErrorTruncatesPayload(t *testing.T) {
	err := &NotificationParseError{Payload: strings.Repeat("x", 1000), Err: errors.New("boom")}
	if len(err.Error()) > 400 {
		t.Fatalf("error message not truncated: %d bytes", len(err.Error()))
	}
}
