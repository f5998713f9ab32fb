package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// wireChangeEvent mirrors the trigger's json_build_object payload.
type wireChangeEvent struct {
	Operation string          `json:"operation"`
	ID        json.RawMessage `json:"id"`
	Content   *string         `json:"content"`
	Title     *string         `json:"title"`
	Tags      json.RawMessage `json:"tags"`
	UpdatedAt *string         `json:"updateAt"`
}

// Postgres renders timestamps in json_build_object with or without an offset
// depending on the column type.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
}

// ParseChangeEvent decodes a notification payload. Any failure is returned as
// a *NotificationParseError.
func ParseChangeEvent(payload string) (ChangeEvent, error) {
	fail := func(err error) (ChangeEvent, error) {
		return ChangeEvent{}, &NotificationParseError{Payload: payload, Err: err}
	}

	var w wireChangeEvent
	if err := json.Unmarshal([]byte(payload), &w); err != nil {
		return fail(err)
	}

	op := Operation(strings.ToUpper(strings.TrimSpace(w.Operation)))
	if !op.Valid() {
		return fail(fmt.Errorf("%w: %q", ErrUnknownOp, w.Operation))
	}

	id, err := NormalizeRecordID(w.ID)
	if err != nil {
		return fail(err)
	}

	tags, err := parseTags(w.Tags)
	if err != nil {
		return fail(fmt.Errorf("tags: %w", err))
	}

	ev := ChangeEvent{
		Operation: op,
		RecordID:  id,
		Tags:      tags,
	}
	if w.Content != nil {
		ev.Content = *w.Content
	}
	if w.Title != nil {
		ev.Title = *w.Title
	}
	if w.UpdatedAt != nil && *w.UpdatedAt != "" {
		ts, err := parseTimestamp(*w.UpdatedAt)
		if err != nil {
			return fail(fmt.Errorf("updateAt: %w", err))
		}
		ev.UpdatedAt = ts
	}
	return ev, nil
}

// NormalizeRecordID turns a JSON id (number or string) into its canonical
// string form. Numbers are rendered in plain decimal so 42 and 42.0 agree.
func NormalizeRecordID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", ErrMissingID
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("id: %w", err)
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return "", ErrMissingID
		}
		return s, nil
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("id: %w", err)
	}
	if i, err := n.Int64(); err == nil {
		return strconv.FormatInt(i, 10), nil
	}
	f, err := n.Float64()
	if err != nil {
		return "", fmt.Errorf("id: %w", err)
	}
	return strconv.FormatFloat(f, 'f', -1, 64), nil
}

// parseTags accepts a JSON array, a comma-separated string, or null.
func parseTags(raw json.RawMessage) ([]string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return []string{}, nil
	}

	switch raw[0] {
	case '[':
		var items []*string
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, err
		}
		tags := make([]string, 0, len(items))
		for _, it := range items {
			if it == nil {
				continue
			}
			if t := strings.TrimSpace(*it); t != "" {
				tags = append(tags, t)
			}
		}
		return tags, nil
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		tags := []string{}
		for _, part := range strings.Split(s, ",") {
			if t := strings.TrimSpace(part); t != "" {
				tags = append(tags, t)
			}
		}
		return tags, nil
	}
	return nil, errors.New("expected array or string")
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
