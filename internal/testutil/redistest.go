package testutil

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// RedisImage is the image started when ALTSCORE_TESTCONTAINERS=1.
const RedisImage = "redis:7-alpine"

// RedisTest returns a client for REDIS_URL, or for a throwaway container
// when ALTSCORE_TESTCONTAINERS=1. With neither, the test is skipped.
//
//	client, cleanup := testutil.RedisTest(t)
//	defer cleanup()
func RedisTest(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	ctx := context.Background()

	url := os.Getenv("REDIS_URL")
	terminate := func() {}
	if url == "" {
		if os.Getenv("ALTSCORE_TESTCONTAINERS") != "1" {
			t.Skip("REDIS_URL not set, skipping integration test")
		}
		url, terminate = startRedis(ctx, t)
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		terminate()
		t.Fatalf("redistest: parse url: %v", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		terminate()
		t.Fatalf("redistest: ping: %v", err)
	}

	return client, func() {
		_ = client.Close()
		terminate()
	}
}

func startRedis(ctx context.Context, t *testing.T) (string, func()) {
	t.Helper()

	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        RedisImage,
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp"),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("redistest: start redis container: %v", err)
	}
	terminate := func() {
		if err := testcontainers.TerminateContainer(ctr); err != nil {
			t.Logf("redistest: terminate container: %v", err)
		}
	}

	host, err := ctr.Host(ctx)
	if err != nil {
		terminate()
		t.Fatalf("redistest: container host: %v", err)
	}
	port, err := ctr.MappedPort(ctx, "6379/tcp")
	if err != nil {
		terminate()
		t.Fatalf("redistest: container port: %v", err)
	}
	return fmt.Sprintf("redis://%s:%s/0", host, port.Port()), terminate
}
