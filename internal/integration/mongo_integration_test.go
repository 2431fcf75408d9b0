package integration

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"salesdesk/assistant/internal/docstore"
)

func openTestMongo(t *testing.T) *docstore.MongoStore {
	t.Helper()

	uri := os.Getenv("TEST_MONGO_URI")
	if uri == "" {
		t.Skip("TEST_MONGO_URI not set; skipping Mongo integration tests")
	}

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = client.Disconnect(context.Background())
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Ping(ctx, nil))
	store, err := docstore.NewMongoStore(client.Database("salesdesk_itest").Collection("documents"))
	require.NoError(t, err)
	require.NoError(t, store.Ping(ctx))
	return store
}

func TestMongoConditionalWrite(t *testing.T) {
	runConditionalWrite(t, openTestMongo(t))
}

func TestMongoSessionLifecycle(t *testing.T) {
	runSessionLifecycle(t, openTestMongo(t))
}

func TestMongoDormancyScan(t *testing.T) {
	runDormancyScan(t, openTestMongo(t))
}
