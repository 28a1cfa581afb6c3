// Package integration exercises the Redis- and Mongo-backed drivers
// against real servers in throwaway containers. Every test skips cleanly
// when Docker is unavailable so the suite stays green on plain CI
// runners.
package integration

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

var (
	redisOnce    sync.Once
	redisConn    *goredis.Client
	skipRedis    bool
	skipRedisWhy string

	mongoOnce    sync.Once
	mongoConn    *mongodriver.Client
	skipMongo    bool
	skipMongoWhy string
)

// redisBackend starts (once) and returns the shared Redis connection.
func redisBackend(t *testing.T) *goredis.Client {
	t.Helper()
	redisOnce.Do(setupRedis)
	if skipRedis {
		t.Skipf("docker not available, skipping redis test: %s", skipRedisWhy)
	}
	return redisConn
}

// mongoBackend starts (once) and returns the shared Mongo connection.
// The container runs as a single-node replica set because the store's
// multi-document writes use transactions.
func mongoBackend(t *testing.T) *mongodriver.Client {
	t.Helper()
	mongoOnce.Do(setupMongo)
	if skipMongo {
		t.Skipf("docker not available, skipping mongo test: %s", skipMongoWhy)
	}
	return mongoConn
}

func setupRedis() {
	ctx := context.Background()
	container, err := startContainer(ctx, testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	})
	if err != nil {
		skipRedis, skipRedisWhy = true, err.Error()
		return
	}
	host, err := container.Host(ctx)
	if err != nil {
		skipRedis, skipRedisWhy = true, err.Error()
		return
	}
	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		skipRedis, skipRedisWhy = true, err.Error()
		return
	}
	redisConn = goredis.NewClient(&goredis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	if err := redisConn.Ping(ctx).Err(); err != nil {
		skipRedis, skipRedisWhy = true, err.Error()
	}
}

func setupMongo() {
	ctx := context.Background()
	container, err := startContainer(ctx, testcontainers.ContainerRequest{
		Image:        "mongo:7",
		ExposedPorts: []string{"27017/tcp"},
		Cmd:          []string{"mongod", "--replSet", "rs0", "--bind_ip_all"},
		WaitingFor:   wait.ForLog("Waiting for connections"),
		Tmpfs:        map[string]string{"/data/db": "rw"},
	})
	if err != nil {
		skipMongo, skipMongoWhy = true, err.Error()
		return
	}
	if _, _, err := container.Exec(ctx, []string{"mongosh", "--quiet", "--eval", "rs.initiate()"}); err != nil {
		skipMongo, skipMongoWhy = true, err.Error()
		return
	}
	host, err := container.Host(ctx)
	if err != nil {
		skipMongo, skipMongoWhy = true, err.Error()
		return
	}
	port, err := container.MappedPort(ctx, "27017")
	if err != nil {
		skipMongo, skipMongoWhy = true, err.Error()
		return
	}
	uri := fmt.Sprintf("mongodb://%s:%s/?directConnection=true", host, port.Port())
	client, err := mongodriver.Connect(ctx, mongooptions.Client().ApplyURI(uri))
	if err != nil {
		skipMongo, skipMongoWhy = true, err.Error()
		return
	}
	// The replica set needs a moment to elect its primary after
	// rs.initiate; transactions fail until it has.
	deadline := time.Now().Add(30 * time.Second)
	for {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err = client.Ping(pingCtx, readpref.Primary())
		cancel()
		if err == nil {
			mongoConn = client
			return
		}
		if time.Now().After(deadline) {
			skipMongo, skipMongoWhy = true, "no primary elected: "+err.Error()
			return
		}
		time.Sleep(500 * time.Millisecond)
	}
}

// startContainer wraps GenericContainer so a missing Docker daemon
// surfaces as an error instead of a panic.
func startContainer(ctx context.Context, req testcontainers.ContainerRequest) (c testcontainers.Container, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("docker not available: %v", r)
		}
	}()
	return testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
}
