// Package mongo hosts the MongoDB connection wrapper the persistent
// store builds on. It owns the database handle, the per-operation
// timeout discipline and the transaction helper; collection-level logic
// stays in the store.
package mongo

import (
	"context"
	"errors"
	"time"

	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const (
	defaultOpTimeout = 5 * time.Second
	clientName       = "store-mongo"
)

type (
	// Options configures the wrapper.
	Options struct {
		// Client is the connected driver client. Required.
		Client *mongodriver.Client
		// Database names the database holding the chat collections.
		// Required.
		Database string
		// Timeout bounds individual operations. Zero means five seconds.
		Timeout time.Duration
	}

	// Client is the connection surface the store depends on.
	Client interface {
		// Collection returns a handle scoped to the configured database.
		Collection(name string) *mongodriver.Collection
		// WithTransaction runs fn inside a causally-consistent session
		// transaction, committing on nil and aborting on error.
		WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
		// WithTimeout derives the per-operation context.
		WithTimeout(ctx context.Context) (context.Context, context.CancelFunc)
		// Ping verifies connectivity; with Name it satisfies health pinger
		// registration.
		Ping(ctx context.Context) error
		// Name identifies the dependency in health reports.
		Name() string
	}
)

type client struct {
	mongo   *mongodriver.Client
	db      *mongodriver.Database
	timeout time.Duration
}

// New validates the options and constructs a Client.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &client{
		mongo:   opts.Client,
		db:      opts.Client.Database(opts.Database),
		timeout: timeout,
	}, nil
}

func (c *client) Collection(name string) *mongodriver.Collection {
	return c.db.Collection(name)
}

func (c *client) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	session, err := c.mongo.StartSession()
	if err != nil {
		return err
	}
	defer session.EndSession(ctx)
	_, err = session.WithTransaction(ctx, func(sc mongodriver.SessionContext) (any, error) {
		return nil, fn(sc)
	})
	return err
}

func (c *client) WithTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *client) Ping(ctx context.Context) error {
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) Name() string { return clientName }
