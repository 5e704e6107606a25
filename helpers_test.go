package logship

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	mongodbModule "github.com/testcontainers/testcontainers-go/modules/mongodb"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

const testContainerTimeout = 2 * time.Minute

// StartMongoContainer starts a MongoDB container for integration tests and
// returns a connection URI and a cleanup function.
func StartMongoContainer(t *testing.T) (uri string, cleanup func()) {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), testContainerTimeout)

	container, err := mongodbModule.Run(ctx, "mongo:7")
	require.NoError(t, err)

	cleanup = func() {
		cancel()
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate container: %s", err)
		}
	}

	uri, err = container.ConnectionString(ctx)
	if err != nil {
		cleanup()
		require.NoError(t, err)
	}

	t.Logf("MongoDB running at %s", uri)
	return uri + "logshiptest", cleanup
}

// GetTestConfig returns a valid Config pointing at uri, with tight batching
// thresholds so tests don't wait out the production defaults.
func GetTestConfig(uri string) Config {
	cfg := NewConfig(uri)
	cfg.BatchSize = 5
	cfg.FlushInterval = 100 * time.Millisecond
	cfg.GracefulShutdownTimeout = 5 * time.Second
	return cfg
}

func testLogger(t *testing.T) *zap.Logger {
	t.Helper()
	return zaptest.NewLogger(t)
}

// bulkWriteFunc and insertOneFunc let tests script a fakeCollection's
// behavior per call.
type bulkWriteFunc func(ctx context.Context, models []mongo.WriteModel, opts ...*options.BulkWriteOptions) (*mongo.BulkWriteResult, error)
type insertOneFunc func(ctx context.Context, document any, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error)

// fakeCollection is a scriptable CollectionHandle for unit tests that must
// not depend on a live database.
type fakeCollection struct {
	mu sync.Mutex

	bulkWrite bulkWriteFunc
	insertOne insertOneFunc

	bulkWriteCalls [][]mongo.WriteModel
	insertOneCalls []any
}

func (f *fakeCollection) BulkWrite(ctx context.Context, models []mongo.WriteModel, opts ...*options.BulkWriteOptions) (*mongo.BulkWriteResult, error) {
	f.mu.Lock()
	f.bulkWriteCalls = append(f.bulkWriteCalls, models)
	f.mu.Unlock()

	if f.bulkWrite != nil {
		return f.bulkWrite(ctx, models, opts...)
	}
	return &mongo.BulkWriteResult{InsertedCount: int64(len(models))}, nil
}

func (f *fakeCollection) InsertOne(ctx context.Context, document any, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error) {
	f.mu.Lock()
	f.insertOneCalls = append(f.insertOneCalls, document)
	f.mu.Unlock()

	if f.insertOne != nil {
		return f.insertOne(ctx, document, opts...)
	}
	return &mongo.InsertOneResult{}, nil
}

func (f *fakeCollection) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.bulkWriteCalls) + len(f.insertOneCalls)
}

// bulkWriteMessages flattens every BulkWrite call's models, in call order, to
// the "message" field of the document each one carries. Tests use it to
// check which entries landed in which flush without caring about the
// driver's own wire types.
func (f *fakeCollection) bulkWriteMessages(t *testing.T) [][]string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([][]string, len(f.bulkWriteCalls))
	for i, models := range f.bulkWriteCalls {
		msgs := make([]string, len(models))
		for j, m := range models {
			msgs[j] = writeModelMessage(t, m)
		}
		out[i] = msgs
	}
	return out
}

// writeModelMessage unwraps the "message" field of the document an
// InsertOneModel carries.
func writeModelMessage(t *testing.T, m mongo.WriteModel) string {
	t.Helper()
	iom, ok := m.(*mongo.InsertOneModel)
	require.True(t, ok, "expected an InsertOneModel")
	doc, ok := iom.Document.(bson.M)
	require.True(t, ok, "expected a bson.M document")
	msg, _ := doc["message"].(string)
	return msg
}

// fakeHandle is a scriptable Handle backed by fakeCollections keyed by name.
type fakeHandle struct {
	mu          sync.Mutex
	collections map[string]*fakeCollection

	pingErr       error
	disconnectErr error
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{collections: make(map[string]*fakeCollection)}
}

func (h *fakeHandle) Collection(database, name string) CollectionHandle {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.collections[name]
	if !ok {
		c = &fakeCollection{}
		h.collections[name] = c
	}
	return c
}

func (h *fakeHandle) fakeCollection(name string) *fakeCollection {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.collections[name]
	if !ok {
		c = &fakeCollection{}
		h.collections[name] = c
	}
	return c
}

func (h *fakeHandle) Ping(ctx context.Context) error       { return h.pingErr }
func (h *fakeHandle) Disconnect(ctx context.Context) error { return h.disconnectErr }
