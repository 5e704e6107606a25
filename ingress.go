package logship

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// stackProvider lets an error expose its own rendered stack, the idiomatic
// Go analogue of a JS Error's .stack property. IngressService only needs a
// string, so it asks for Stack(). Errors that do not implement it, including
// those from github.com/pkg/errors (which expose StackTrace() instead), get
// their %+v rendering as the stack.
type stackProvider interface {
	Stack() string
}

// IngressService is the application-facing surface. It performs no I/O of
// its own: it only stamps and shapes entries before handing them to the
// batch manager.
type IngressService struct {
	batch             *BatchManager
	logger            *zap.Logger
	defaultCollection string
}

// NewIngressService wires an ingress surface to a batch manager.
func NewIngressService(batch *BatchManager, defaultCollection string, logger *zap.Logger) *IngressService {
	return &IngressService{batch: batch, defaultCollection: defaultCollection, logger: logger}
}

// Log stamps entry with the current time and destination collection, then
// submits it to the batch manager. An explicit Timestamp on entry is
// overwritten: ingress time, not producer-claimed time, is authoritative.
func (s *IngressService) Log(collection string, entry LogEntry) error {
	entry.Timestamp = time.Now()
	entry.Collection = s.resolveCollection(collection, entry.Collection)
	return s.batch.Submit(entry)
}

// LogError builds a log entry from an error value. errValue is typed any
// rather than error because the method must also accept values that don't
// implement the error interface (the JS source this is ported from accepts
// arbitrary thrown values); anything that isn't an error gets the "unknown
// error" fallback with a debug render attached.
func (s *IngressService) LogError(collection string, errValue any, metadata map[string]any) error {
	entry := LogEntry{
		Timestamp:  time.Now(),
		Collection: s.resolveCollection(collection, ""),
		Level:      "error",
		Metadata:   metadata,
	}

	switch v := errValue.(type) {
	case nil:
		entry.Message = "An unknown error occurred"
		entry.Extra = map[string]any{"errorDetails": "nil"}
	case error:
		entry.Message = v.Error()
		if sp, ok := errValue.(stackProvider); ok {
			entry.Stack = sp.Stack()
		} else {
			entry.Stack = fmt.Sprintf("%+v", v)
		}
	default:
		entry.Message = "An unknown error occurred"
		entry.Extra = map[string]any{"errorDetails": fmt.Sprintf("%#v", errValue)}
	}

	return s.batch.Submit(entry)
}

func (s *IngressService) resolveCollection(requested, fallback string) string {
	if requested != "" {
		return requested
	}
	if fallback != "" {
		return fallback
	}
	return s.defaultCollection
}

// Flush delegates to the batch manager's flushAll.
func (s *IngressService) Flush(ctx context.Context) error {
	return s.batch.FlushAll(ctx)
}

// Shutdown delegates to the batch manager's shutdown.
func (s *IngressService) Shutdown(ctx context.Context) error {
	return s.batch.Shutdown(ctx)
}
