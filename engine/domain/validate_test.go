package domain

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestValidateQuery_Valid(t *testing.T) {
	if err := ValidateQuery(Query{Text: "what is pgvector?", TopK: 5}); err != nil {
		t.Fatalf("expected valid, got %v", err)
	}
}

func TestValidateQuery_TopK(t *testing.T) {
	for _, k := range []int{0, -1, -100} {
		err := ValidateQuery(Query{Text: "hello", TopK: k})
		if !errors.Is(err, ErrTopKNotPositive) {
			t.Errorf("top_k=%d: expected ErrTopKNotPositive, got %v", k, err)
		}
		if !errors.Is(err, ErrValidation) {
			t.Errorf("top_k=%d: expected ErrValidation, got %v", k, err)
		}
	}
}

func TestValidateQuery_Text(t *testing.T) {
	if err := ValidateQuery(Query{Text: "   ", TopK: 1}); !errors.Is(err, ErrEmptyQuery) {
		t.Errorf("expected ErrEmptyQuery, got %v", err)
	}
	long := strings.Repeat("a", MaxQueryLength+1)
	if err := ValidateQuery(Query{Text: long, TopK: 1}); !errors.Is(err, ErrQueryTooLong) {
		t.Errorf("expected ErrQueryTooLong, got %v", err)
	}
}

func TestValidateQuery_TooLongValueKeepsWholeRunes(t *testing.T) {
	long := "a" + strings.Repeat("é", MaxQueryLength)
	err := ValidateQuery(Query{Text: long, TopK: 1})
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
	if !utf8.ValidString(ve.Value) {
		t.Fatalf("value is not valid UTF-8: %q", ve.Value)
	}
	if n := utf8.RuneCountInString(ve.Value); n != 64 {
		t.Fatalf("value has %d runes, want 64", n)
	}
}

func TestValidateChangeEvent(t *testing.T) {
	if err := ValidateChangeEvent(ChangeEvent{Operation: OpInsert, RecordID: "1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ValidateChangeEvent(ChangeEvent{Operation: "MERGE", RecordID: "1"}); !errors.Is(err, ErrUnknownOp) {
		t.Errorf("expected ErrUnknownOp, got %v", err)
	}
	if err := ValidateChangeEvent(ChangeEvent{Operation: OpUpdate}); !errors.Is(err, ErrMissingID) {
		t.Errorf("expected ErrMissingID, got %v", err)
	}
}

func TestErrorTaxonomy(t *testing.T) {
	cause := errors.New("cause")
	cases := []struct {
		err      error
		sentinel error
	}{
		{&ConnectionError{Op: "connect", Err: cause}, ErrConnection},
		{&NotificationParseError{Payload: "{", Err: cause}, ErrNotificationParse},
		{&IndexingError{RecordID: "1", Stage: "embed", Err: cause}, ErrIndexing},
		{&GenerationError{StatusCode: 500, Message: "boom", Err: cause}, ErrGeneration},
		{&RetrievalError{Stage: "search", Err: cause}, ErrRetrieval},
	}
	for _, tc := range cases {
		if !errors.Is(tc.err, tc.sentinel) {
			t.Errorf("%T: expected Is(%v)", tc.err, tc.sentinel)
		}
		if !errors.Is(tc.err, cause) {
			t.Errorf("%T: expected to unwrap to cause", tc.err)
		}
		if tc.err.Error() == "" {
			t.Errorf("%T: empty message", tc.err)
		}
	}
}

func TestGenerationErrorMessage(t *testing.T) {
	withStatus := &GenerationError{StatusCode: 503, Message: "overloaded"}
	if !strings.Contains(withStatus.Error(), "503") {
		t.Errorf("expected status in message: %s", withStatus.Error())
	}
	noStatus := &GenerationError{Message: "timeout"}
	if strings.Contains(noStatus.Error(), "status") {
		t.Errorf("unexpected status in message: %s", noStatus.Error())
	}
}
