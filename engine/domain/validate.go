package domain

import (
	"strconv"
	"strings"
	"unicode/utf8"
)

// MaxQueryLength bounds the query text in runes.
const MaxQueryLength = 4096

// ValidateQuery checks a Query before any embedding or retrieval work happens.
func ValidateQuery(q Query) error {
	if q.TopK <= 0 {
		return NewValidationError("top_k", strconv.Itoa(q.TopK), ErrTopKNotPositive)
	}
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return NewValidationError("text", q.Text, ErrEmptyQuery)
	}
	if utf8.RuneCountInString(text) > MaxQueryLength {
		return NewValidationError("text", string([]rune(text)[:64]), ErrQueryTooLong)
	}
	return nil
}

// ValidateChangeEvent checks an event before it enters the indexing pipeline.
func ValidateChangeEvent(ev ChangeEvent) error {
	if !ev.Operation.Valid() {
		return NewValidationError("operation", string(ev.Operation), ErrUnknownOp)
	}
	if strings.TrimSpace(ev.RecordID) == "" {
		return NewValidationError("id", ev.RecordID, ErrMissingID)
	}
	return nil
}
