//go:build integration

// Package integration exercises the export pipeline against real PostgreSQL,
// Redis and Kafka instances provided by testcontainers-go.
package integration

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/testcontainers/testcontainers-go"
	tcKafka "github.com/testcontainers/testcontainers-go/modules/kafka"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/Arcay322/Granja-cuyes-sub002/internal/postgres/migrations"
)

var (
	testPostgresDSN  string
	testRedisAddr    string
	testKafkaBrokers []string
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	cleanups, err := startInfra(ctx)
	for i := len(cleanups) - 1; i >= 0; i-- {
		defer cleanups[i]()
	}
	if err != nil {
		log.Printf("integration setup: %v", err)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

// startInfra boots the three backing services. Cleanups accumulated so far
// are returned even on error so TestMain can tear down partial progress.
func startInfra(ctx context.Context) (cleanups []func(), err error) {
	pgCtr, err := tcPostgres.Run(ctx, "postgres:15-alpine",
		tcPostgres.WithDatabase("granja"),
		tcPostgres.WithUsername("granja"),
		tcPostgres.WithPassword("granja"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		return cleanups, fmt.Errorf("postgres container: %w", err)
	}
	cleanups = append(cleanups, func() { pgCtr.Terminate(ctx) }) //nolint:errcheck

	testPostgresDSN, err = pgCtr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return cleanups, fmt.Errorf("postgres dsn: %w", err)
	}
	if err := applySchema(ctx, testPostgresDSN); err != nil {
		return cleanups, err
	}

	redisCtr, err := tcRedis.Run(ctx, "redis:7-alpine")
	if err != nil {
		return cleanups, fmt.Errorf("redis container: %w", err)
	}
	cleanups = append(cleanups, func() { redisCtr.Terminate(ctx) }) //nolint:errcheck

	redisURL, err := redisCtr.ConnectionString(ctx)
	if err != nil {
		return cleanups, fmt.Errorf("redis url: %w", err)
	}
	// go-redis wants a bare host:port, not the redis:// URL.
	testRedisAddr = strings.TrimPrefix(redisURL, "redis://")

	kafkaCtr, err := tcKafka.Run(ctx, "confluentinc/confluent-local:7.7.1",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Kafka Server started").WithStartupTimeout(90*time.Second),
		),
	)
	if err != nil {
		return cleanups, fmt.Errorf("kafka container: %w", err)
	}
	cleanups = append(cleanups, func() { kafkaCtr.Terminate(ctx) }) //nolint:errcheck

	testKafkaBrokers, err = kafkaCtr.Brokers(ctx)
	if err != nil {
		return cleanups, fmt.Errorf("kafka brokers: %w", err)
	}
	return cleanups, nil
}

// applySchema runs the embedded migrations against the fresh database.
func applySchema(ctx context.Context, dsn string) error {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("migration pool: %w", err)
	}
	defer pool.Close()

	for _, name := range migrations.Files {
		stmt, err := migrations.FS.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		if _, err := pool.Exec(ctx, string(stmt)); err != nil {
			return fmt.Errorf("apply %s: %w", name, err)
		}
	}
	return nil
}

// createTopic makes the topic exist before the first publish. Leaning on
// AllowAutoTopicCreation alone races the first write against topic creation.
func createTopic(t *testing.T, topic string) {
	t.Helper()
	conn, err := kafkago.DialContext(context.Background(), "tcp", testKafkaBrokers[0])
	if err != nil {
		t.Fatalf("dial kafka: %v", err)
	}
	defer conn.Close()

	err = conn.CreateTopics(kafkago.TopicConfig{
		Topic:             topic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	})
	if err != nil {
		t.Fatalf("create topic %q: %v", topic, err)
	}
}
