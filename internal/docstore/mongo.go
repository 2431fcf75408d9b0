package docstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// MongoStore keeps one document per path, keyed by _id. The value is stored
// as its JSON text so that the tree round-trips byte-for-byte through BSON.
type MongoStore struct {
	coll *mongo.Collection
}

type mongoDocument struct {
	Path      string    `bson:"_id"`
	Value     string    `bson:"value"`
	Version   int64     `bson:"version"`
	UpdatedAt time.Time `bson:"updatedAt"`
}

func NewMongoStore(coll *mongo.Collection) (*MongoStore, error) {
	if coll == nil {
		return nil, fmt.Errorf("mongo collection is required")
	}
	return &MongoStore{coll: coll}, nil
}

func (s *MongoStore) Read(ctx context.Context, path string) ([]byte, error) {
	b, version, err := s.ReadVersion(ctx, path)
	if err != nil {
		return nil, err
	}
	if version == 0 {
		return nil, ErrNotFound
	}
	return b, nil
}

func (s *MongoStore) ReadVersion(ctx context.Context, path string) ([]byte, int64, error) {
	var doc mongoDocument
	err := s.coll.FindOne(ctx, bson.D{{Key: "_id", Value: path}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, unavailable("read", path, err)
	}
	return []byte(doc.Value), doc.Version, nil
}

func (s *MongoStore) Write(ctx context.Context, path string, value []byte) error {
	_, err := s.coll.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: path}},
		setValue(value),
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return unavailable("write", path, err)
	}
	return nil
}

func (s *MongoStore) CompareAndSwap(ctx context.Context, path string, value []byte, version int64) error {
	if version == 0 {
		_, err := s.coll.InsertOne(ctx, mongoDocument{
			Path:      path,
			Value:     string(value),
			Version:   1,
			UpdatedAt: time.Now().UTC(),
		})
		if mongo.IsDuplicateKeyError(err) {
			return ErrConflict
		}
		if err != nil {
			return unavailable("write", path, err)
		}
		return nil
	}

	res, err := s.coll.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: path}, {Key: "version", Value: version}},
		setValue(value),
	)
	if err != nil {
		return unavailable("write", path, err)
	}
	if res.MatchedCount == 0 {
		return ErrConflict
	}
	return nil
}

// Ping reports whether the deployment behind the collection answers.
func (s *MongoStore) Ping(ctx context.Context) error {
	if err := s.coll.Database().Client().Ping(ctx, nil); err != nil {
		return unavailable("ping", s.coll.Name(), err)
	}
	return nil
}

func setValue(value []byte) bson.D {
	return bson.D{
		{Key: "$set", Value: bson.D{
			{Key: "value", Value: string(value)},
			{Key: "updatedAt", Value: time.Now().UTC()},
		}},
		{Key: "$inc", Value: bson.D{{Key: "version", Value: int64(1)}}},
	}
}

var _ Versioned = (*MongoStore)(nil)
