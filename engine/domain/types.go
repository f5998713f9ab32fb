// Package domain defines the core types shared by the change feed, the
// indexing pipeline and the query pipeline, together with the error taxonomy
// and validation used at their entry points.
package domain

import "time"

// Operation is the row-level change kind reported by the change-capture trigger.
type Operation string

const (
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// Valid reports whether op is one the trigger can emit.
func (op Operation) Valid() bool {
	switch op {
	case OpInsert, OpUpdate, OpDelete:
		return true
	}
	return false
}

// ChangeEvent is a single row change published on the notification channel.
type ChangeEvent struct {
	Operation Operation `json:"operation"`
	RecordID  string    `json:"record_id"`
	Content   string    `json:"content"`
	Title     string    `json:"title"`
	Tags      []string  `json:"tags"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DocumentMetadata is stored alongside each indexed document.
type DocumentMetadata struct {
	Title      string    `json:"title"`
	Tags       []string  `json:"tags"`
	UpdatedAt  time.Time `json:"updated_at"`
	OriginalID string    `json:"id"`         // record id in the source table
	IndexedAt  time.Time `json:"indexed_at"` // stamped by the pipeline at write time
}

// IndexedDocument is the unit written to the vector index. An upsert with an
// existing ID replaces the previous vector and payload entirely.
type IndexedDocument struct {
	ID       string
	Vector   []float32
	Content  string
	Metadata DocumentMetadata
}

// DocumentFromEvent builds the document for ev. Apart from the write stamp the
// payload is a pure function of the event, so repeated deliveries converge on
// the same state.
func DocumentFromEvent(ev ChangeEvent, vector []float32) IndexedDocument {
	tags := ev.Tags
	if tags == nil {
		tags = []string{}
	}
	return IndexedDocument{
		ID:      ev.RecordID,
		Vector:  vector,
		Content: ev.Content,
		Metadata: DocumentMetadata{
			Title:      ev.Title,
			Tags:       tags,
			UpdatedAt:  ev.UpdatedAt,
			OriginalID: ev.RecordID,
		},
	}
}

// DefaultTopK is used when a query does not specify how many hits it wants.
const DefaultTopK = 5

// Query is a user question against the index.
type Query struct {
	Text string `json:"text"`
	TopK int    `json:"top_k"`
}

// SearchHit is a single retrieved document. Vectors never leave the index layer.
type SearchHit struct {
	ID       string         `json:"-"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata"`
	Score    float32        `json:"score"`
}

// Metadata keys carrying timestamps, as stored RFC 3339 strings.
const (
	MetaUpdatedAt = "updated_at"
	MetaIndexedAt = "indexed_at"
)

// Time reads the timestamp stored under key. It is zero when the key is
// missing or does not parse.
func (h SearchHit) Time(key string) time.Time {
	s, ok := h.Metadata[key].(string)
	if !ok || s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Answer is the result of a retrieval-augmented query.
type Answer struct {
	Text    string      `json:"answer"`
	Sources []SearchHit `json:"sources"`
	Model   string      `json:"model,omitempty"`
}

// Index result statuses.
const (
	StatusSuccess = "success"
	StatusDeleted = "deleted"
	StatusSkipped = "skipped" // the index already held a newer version
)

// IndexResult reports the outcome of processing one change event.
type IndexResult struct {
	Status     string `json:"status"`
	DocumentID string `json:"document_id"`
}
