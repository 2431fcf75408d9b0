package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"time"

	_ "github.com/lib/pq"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// waitforstore blocks until the document store named by STORE_BACKEND
// answers a ping, so test runs and containers can start in order.
func main() {
	timeout := 60 * time.Second
	if raw := os.Getenv("WAIT_FOR_STORE_TIMEOUT_SEC"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs <= 0 {
			fmt.Fprintf(os.Stderr, "invalid WAIT_FOR_STORE_TIMEOUT_SEC: %q\n", raw)
			os.Exit(2)
		}
		timeout = time.Duration(secs) * time.Second
	}

	var (
		name  string
		ping  func(ctx context.Context) error
		close func()
	)
	switch backend := os.Getenv("STORE_BACKEND"); backend {
	case "", "postgres":
		dsn := firstEnv("DATABASE_URL", "TEST_POSTGRES_DSN")
		if dsn == "" {
			fmt.Fprintln(os.Stderr, "DATABASE_URL or TEST_POSTGRES_DSN is required")
			os.Exit(2)
		}
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			fmt.Fprintf(os.Stderr, "open postgres: %v\n", err)
			os.Exit(1)
		}
		name, ping, close = "postgres", db.PingContext, func() { _ = db.Close() }
	case "mongo":
		uri := firstEnv("MONGO_URI", "TEST_MONGO_URI")
		if uri == "" {
			fmt.Fprintln(os.Stderr, "MONGO_URI or TEST_MONGO_URI is required")
			os.Exit(2)
		}
		client, err := mongo.Connect(options.Client().ApplyURI(uri))
		if err != nil {
			fmt.Fprintf(os.Stderr, "connect mongo: %v\n", err)
			os.Exit(1)
		}
		name = "mongo"
		ping = func(ctx context.Context) error { return client.Ping(ctx, nil) }
		close = func() { _ = client.Disconnect(context.Background()) }
	default:
		fmt.Fprintf(os.Stderr, "nothing to wait for with STORE_BACKEND=%q\n", backend)
		return
	}

	if err := waitFor(ping, timeout); err != nil {
		close()
		fmt.Fprintf(os.Stderr, "%s not ready within %s: %v\n", name, timeout, err)
		os.Exit(1)
	}
	close()
	fmt.Printf("%s ready\n", name)
}

func waitFor(ping func(ctx context.Context) error, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := ping(ctx)
		cancel()
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return err
		}
		time.Sleep(2 * time.Second)
	}
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}
