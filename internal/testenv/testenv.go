// Package testenv provides helpers for tests that run against a real Kafka
// broker started with testcontainers.
package testenv

import (
	"context"
	"os"
	"strconv"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/kafka"
)

const kafkaImage = "confluentinc/confluent-local:7.5.0"

// IsTestContainersEnabled reports whether tests requiring Docker are enabled
// through the INGEST_TESTCONTAINERS environment variable.
func IsTestContainersEnabled() bool {
	ok, _ := strconv.ParseBool(os.Getenv("INGEST_TESTCONTAINERS"))
	return ok
}

// Kafka is a single node Kafka cluster running in a container.
type Kafka struct {
	container *kafka.KafkaContainer
	Brokers   []string
}

// RunKafka starts a single node Kafka cluster and waits for it to accept
// connections. Topics are created on first use.
func RunKafka(ctx context.Context) (*Kafka, error) {
	container, err := kafka.Run(ctx, kafkaImage,
		kafka.WithClusterID("ingest-test"),
		testcontainers.WithEnv(map[string]string{
			"KAFKA_AUTO_CREATE_TOPICS_ENABLE": "true",
		}))
	if err != nil {
		return nil, err
	}

	brokers, err := container.Brokers(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, err
	}

	return &Kafka{
		container: container,
		Brokers:   brokers,
	}, nil
}

// Terminate stops and removes the container.
func (k *Kafka) Terminate(ctx context.Context) error {
	return k.container.Terminate(ctx)
}
