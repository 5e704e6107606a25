package logship

import (
	"context"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// CollectionHandle is the subset of *mongo.Collection the batch manager
// invokes. It is the boundary the core actually depends on, narrow enough
// to fake in tests without a real database.
type CollectionHandle interface {
	BulkWrite(ctx context.Context, models []mongo.WriteModel, opts ...*options.BulkWriteOptions) (*mongo.BulkWriteResult, error)
	InsertOne(ctx context.Context, document any, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error)
}

// Handle is a ready-to-use database connection as returned by
// ConnectionManager.Acquire.
type Handle interface {
	Collection(database, name string) CollectionHandle
	Ping(ctx context.Context) error
	Disconnect(ctx context.Context) error
}

// mongoHandle adapts a live *mongo.Client to Handle.
type mongoHandle struct {
	client   *mongo.Client
	database string
}

func (h *mongoHandle) Collection(database, name string) CollectionHandle {
	db := database
	if db == "" {
		db = h.database
	}
	return h.client.Database(db).Collection(name)
}

func (h *mongoHandle) Ping(ctx context.Context) error {
	return h.client.Ping(ctx, nil)
}

func (h *mongoHandle) Disconnect(ctx context.Context) error {
	return h.client.Disconnect(ctx)
}
