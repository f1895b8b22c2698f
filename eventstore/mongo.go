package eventstore

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/multierr"

	"go.viam.com/objrec/logging"
)

const connectTimeout = 5 * time.Second

type mongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
	logger     logging.Logger
}

// NewMongoStore connects to the MongoDB deployment of cfg and returns a Store writing to its
// collection.
func NewMongoStore(ctx context.Context, cfg Config, logger logging.Logger) (Store, error) {
	if err := cfg.Validate("store"); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, errors.Wrap(err, "could not connect to mongodb")
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, multierr.Combine(errors.Wrap(err, "could not reach mongodb"), client.Disconnect(ctx))
	}
	logger.Infow("recording events", "database", cfg.Database, "collection", cfg.Collection)
	return &mongoStore{
		client:     client,
		collection: client.Database(cfg.Database).Collection(cfg.Collection),
		logger:     logger,
	}, nil
}

func (s *mongoStore) Insert(ctx context.Context, rec Record) error {
	_, err := s.collection.InsertOne(ctx, rec)
	if mongo.IsDuplicateKeyError(err) {
		s.logger.Debugw("event already recorded", "id", rec.ID)
		return nil
	}
	return errors.Wrapf(err, "could not insert event %s", rec.ID)
}

func (s *mongoStore) Close(ctx context.Context) error {
	err := s.client.Disconnect(ctx)
	if errors.Is(err, mongo.ErrClientDisconnected) {
		return nil
	}
	return err
}
