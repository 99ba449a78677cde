//go:build integration

package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func newNoopLogger() *slog.Logger {
	h := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{})
	return slog.New(h)
}

// amqpURI поднимает контейнер RabbitMQ или берёт адрес из TEST_RABBITMQ_URL.
func amqpURI(ctx context.Context, t *testing.T) string {
	t.Helper()
	if url := os.Getenv("TEST_RABBITMQ_URL"); url != "" {
		return url
	}

	req := testcontainers.ContainerRequest{
		Image:        "rabbitmq:3-management",
		ExposedPorts: []string{"5672/tcp"},
		Env: map[string]string{
			"RABBITMQ_DEFAULT_USER": "guest",
			"RABBITMQ_DEFAULT_PASS": "guest",
		},
		WaitingFor: wait.ForListeningPort("5672/tcp").
			WithStartupTimeout(2 * time.Minute),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate rabbitmq container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5672/tcp")
	require.NoError(t, err)
	return fmt.Sprintf("amqp://guest:guest@%s:%s/", host, port.Port())
}

func TestPublishAndConsumeEvents(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	conn, err := Connect(amqpURI(ctx, t), 5, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	ch, err := SetupChannel(conn, GetEventQueues())
	require.NoError(t, err)
	defer ch.Close()

	for _, q := range GetEventQueues() {
		queue, err := ch.QueueInspect(q.QueueName)
		require.NoError(t, err)
		assert.Equal(t, q.QueueName, queue.Name)
	}

	type event struct {
		UserID string `json:"user_id"`
	}

	var (
		mu       sync.Mutex
		received []event
		done     = make(chan struct{})
	)
	queue, _ := QueueFor(KeyPlanChanged)
	err = ConsumerMessage(ctx, ch, queue, newNoopLogger(), func(body []byte) error {
		var e event
		if err := json.Unmarshal(body, &e); err != nil {
			return err
		}
		mu.Lock()
		received = append(received, e)
		if len(received) == 2 {
			close(done)
		}
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	pubCh, err := conn.Channel()
	require.NoError(t, err)
	defer pubCh.Close()
	pub := NewPublisher(pubCh, Exchange)
	require.NoError(t, pub.Publish(ctx, KeyPlanChanged, event{UserID: "u-1"}))
	require.NoError(t, pub.Publish(ctx, KeyPlanChanged, event{UserID: "u-2"}))

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("timeout waiting for events")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []event{{UserID: "u-1"}, {UserID: "u-2"}}, received)
}

func TestDeclareInstanceQueue_FanOut(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	conn, err := Connect(amqpURI(ctx, t), 5, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	ch, err := SetupChannel(conn, GetEventQueues())
	require.NoError(t, err)
	defer ch.Close()

	first, err := DeclareInstanceQueue(ch, KeyPlanChanged)
	require.NoError(t, err)
	second, err := DeclareInstanceQueue(ch, KeyPlanChanged)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	require.NoError(t, NewPublisher(ch, Exchange).Publish(ctx, KeyPlanChanged, map[string]string{"user_uid": "u-1"}))

	for _, q := range []string{first, second} {
		require.Eventually(t, func() bool {
			info, err := ch.QueueInspect(q)
			return err == nil && info.Messages == 1
		}, 10*time.Second, 100*time.Millisecond, "queue %s", q)
	}
}
