//go:build integration

package testutil

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
)

// TestRedisDB is the database integration tests use; FlushTestDB empties it.
const TestRedisDB = 15

// RedisAddr returns the address of the test Redis (IP:port). It first
// checks NEWTLIFE_TEST_REDIS_ADDR, then discovers the Docker container IP.
func RedisAddr() string {
	if addr := os.Getenv("NEWTLIFE_TEST_REDIS_ADDR"); addr != "" {
		return addr
	}
	ip := redisContainerIP()
	if ip == "" {
		return ""
	}
	return ip + ":6379"
}

func redisContainerIP() string {
	out, err := exec.Command("docker", "inspect",
		"--format", "{{range .NetworkSettings.Networks}}{{.IPAddress}}{{end}}",
		"newtlife-test-redis").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// SkipIfNoRedis skips the test if the test Redis is not reachable and
// returns its address otherwise.
func SkipIfNoRedis(t *testing.T) string {
	t.Helper()

	addr := RedisAddr()
	if addr == "" {
		t.Skip("test Redis not available: set NEWTLIFE_TEST_REDIS_ADDR or start newtlife-test-redis")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("test Redis not reachable at %s: %v", addr, err)
	}
	return addr
}

// RedisClient returns a client for TestRedisDB, closed when the test ends.
func RedisClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := SkipIfNoRedis(t)
	client := redis.NewClient(&redis.Options{Addr: addr, DB: TestRedisDB})
	t.Cleanup(func() { client.Close() })
	return client
}

// FlushTestDB empties TestRedisDB now and again when the test ends.
func FlushTestDB(t *testing.T) {
	t.Helper()
	client := RedisClient(t)
	flush := func() {
		if err := client.FlushDB(context.Background()).Err(); err != nil {
			t.Fatalf("failed to flush DB %d: %v", TestRedisDB, err)
		}
	}
	flush()
	t.Cleanup(flush)
}

// Context returns a context with a reasonable timeout for tests.
// The cancel function is registered via t.Cleanup.
func Context(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}
