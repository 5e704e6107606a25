package logship

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLogEntryToDocumentOmitsEmptyFieldsAndCollection(t *testing.T) {
	t.Parallel()

	now := time.Now()
	e := LogEntry{Timestamp: now, Collection: "events", Message: "hello"}
	doc := e.toDocument()

	assert.Equal(t, now, doc["timestamp"])
	assert.Equal(t, "hello", doc["message"])
	assert.NotContains(t, doc, "collection")
	assert.NotContains(t, doc, "level")
	assert.NotContains(t, doc, "stack")
	assert.NotContains(t, doc, "metadata")
}

func TestLogEntryToDocumentMergesExtra(t *testing.T) {
	t.Parallel()

	e := LogEntry{
		Timestamp: time.Now(),
		Extra:     map[string]any{"errorDetails": "nil", "custom": 1},
	}
	doc := e.toDocument()

	assert.Equal(t, "nil", doc["errorDetails"])
	assert.Equal(t, 1, doc["custom"])
}

func TestLogEntryToDocumentIncludesAllSetFields(t *testing.T) {
	t.Parallel()

	e := LogEntry{
		Timestamp: time.Now(),
		Level:     "error",
		Message:   "boom",
		Stack:     "at foo.go:10",
		Metadata:  map[string]any{"requestId": "abc"},
	}
	doc := e.toDocument()

	assert.Equal(t, "error", doc["level"])
	assert.Equal(t, "boom", doc["message"])
	assert.Equal(t, "at foo.go:10", doc["stack"])
	assert.Equal(t, map[string]any{"requestId": "abc"}, doc["metadata"])
}

func TestDeadLetterRecordToDocument(t *testing.T) {
	t.Parallel()

	now := time.Now()
	rec := DeadLetterRecord{
		OriginalLog:      LogEntry{Timestamp: now, Message: "m"},
		ErrorDetails:     "duplicate key",
		FailedAt:         now,
		SourceCollection: "events",
	}
	doc := rec.toDocument()

	assert.Equal(t, "duplicate key", doc["errorDetails"])
	assert.Equal(t, now, doc["failedAt"])
	assert.Equal(t, "events", doc["sourceCollection"])
	assert.Contains(t, doc, "originalLog")
}

func TestEstimateSizeGrowsWithContent(t *testing.T) {
	t.Parallel()

	small := estimateSize(LogEntry{Timestamp: time.Now(), Message: "a"})
	large := estimateSize(LogEntry{Timestamp: time.Now(), Message: string(make([]byte, 1000))})

	assert.Greater(t, large, small)
	assert.Positive(t, small)
}
