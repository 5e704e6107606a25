package logship

import (
	"encoding/json"
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

// LogEntry is a single log record submitted by a producer. Timestamp is
// always stamped by the ingress service before the entry reaches the batch
// manager; Collection is always resolved to a non-empty destination before
// staging.
type LogEntry struct {
	Timestamp  time.Time
	Collection string
	Level      string
	Message    string
	Stack      string
	Metadata   map[string]any

	// Extra holds additional open-shaped attributes merged directly into
	// the persisted document. LogError uses it to carry errorDetails for
	// values that don't expose a message/stack pair.
	Extra map[string]any
}

// toDocument renders the entry as the BSON document that is actually
// written to the destination collection. Collection is a routing key, not
// a persisted field, and is deliberately omitted.
func (e LogEntry) toDocument() bson.M {
	doc := bson.M{}
	for k, v := range e.Extra {
		doc[k] = v
	}
	doc["timestamp"] = e.Timestamp
	if e.Level != "" {
		doc["level"] = e.Level
	}
	if e.Message != "" {
		doc["message"] = e.Message
	}
	if e.Stack != "" {
		doc["stack"] = e.Stack
	}
	if e.Metadata != nil {
		doc["metadata"] = e.Metadata
	}
	return doc
}

// batchedLogEntry augments a LogEntry with bookkeeping fields. Both batchID
// and retryCount are stripped before the entry reaches the database; they
// exist only for in-memory cross-referencing and the transient-failure
// retry count.
type batchedLogEntry struct {
	entry      LogEntry
	batchID    string
	retryCount int32
	size       int
}

// DeadLetterRecord is written to <collection>_dlq when the database
// permanently rejects an individual entry during a bulk insert.
type DeadLetterRecord struct {
	OriginalLog      LogEntry
	ErrorDetails     string
	FailedAt         time.Time
	SourceCollection string
}

func (r DeadLetterRecord) toDocument() bson.M {
	return bson.M{
		"originalLog":      r.OriginalLog.toDocument(),
		"errorDetails":     r.ErrorDetails,
		"failedAt":         r.FailedAt,
		"sourceCollection": r.SourceCollection,
	}
}

// estimateSize is the cheap upper bound on an entry's staged byte cost: its
// JSON-serialized length, doubled. It is only ever used to decide when to
// flush, never to bound an individual document.
func estimateSize(e LogEntry) int {
	data, err := json.Marshal(e.toDocument())
	if err != nil {
		return 256
	}
	return len(data) * 2
}
