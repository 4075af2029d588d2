package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const snapshotCollection = "snapshots"

// MongoStore keeps snapshots in one collection with a unique
// (scenario, version) index.
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
	logger     *logrus.Logger
}

func NewMongoStore(ctx context.Context, uri, database string, logger *logrus.Logger) (*MongoStore, error) {
	if uri == "" {
		return nil, fmt.Errorf("mongo store needs a uri")
	}

	connectCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to reach mongo: %w", err)
	}

	collection := client.Database(database).Collection(snapshotCollection)
	_, err = collection.Indexes().CreateOne(connectCtx, mongo.IndexModel{
		Keys:    bson.D{{Key: "scenario", Value: 1}, {Key: "version", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to create snapshot index: %w", err)
	}

	logger.Infof("Store: connected to mongo database %s", database)

	return &MongoStore{client: client, collection: collection, logger: logger}, nil
}

func (s *MongoStore) Load(ctx context.Context, name string, version int) (*Snapshot, error) {
	filter := bson.M{"scenario": name}
	opts := options.FindOne()
	if version == 0 {
		opts.SetSort(bson.D{{Key: "version", Value: -1}})
	} else {
		filter["version"] = version
	}

	var snap Snapshot
	err := s.collection.FindOne(ctx, filter, opts).Decode(&snap)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%s v%d: %w", name, version, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	return &snap, nil
}

// Save retries on a duplicate version so that concurrent writers each get
// their own version number.
func (s *MongoStore) Save(ctx context.Context, snap *Snapshot) (int, error) {
	if snap.Scenario == "" {
		return 0, fmt.Errorf("snapshot has no scenario name")
	}

	for attempt := 0; attempt < 5; attempt++ {
		latest, err := s.latest(ctx, snap.Scenario)
		if err != nil {
			return 0, err
		}

		out := *snap
		out.Version = latest + 1
		_, err = s.collection.InsertOne(ctx, &out)
		if mongo.IsDuplicateKeyError(err) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("failed to save snapshot: %w", err)
		}

		snap.Version = out.Version
		s.logger.Debugf("Store: saved %s v%d (%s)", snap.Scenario, out.Version, snap.Kind)
		return out.Version, nil
	}
	return 0, fmt.Errorf("failed to save snapshot of %s: version conflict", snap.Scenario)
}

func (s *MongoStore) Versions(ctx context.Context, name string) ([]int, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "version", Value: 1}}).
		SetProjection(bson.M{"version": 1})

	cursor, err := s.collection.Find(ctx, bson.M{"scenario": name}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions of %s: %w", name, err)
	}
	defer cursor.Close(ctx)

	var versions []int
	for cursor.Next(ctx) {
		var doc struct {
			Version int `bson:"version"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode version: %w", err)
		}
		versions = append(versions, doc.Version)
	}
	return versions, cursor.Err()
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) latest(ctx context.Context, name string) (int, error) {
	snap, err := s.Load(ctx, name, 0)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return snap.Version, nil
}
