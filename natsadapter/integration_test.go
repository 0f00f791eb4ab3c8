//go:build integration

package natsadapter

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/c360/relaykit/message"
	"github.com/c360/relaykit/transport"
)

// startNATSContainer starts a NATS server container and returns its client URL
func startNATSContainer(ctx context.Context, t *testing.T) (testcontainers.Container, string) {
	t.Helper()

	req := testcontainers.ContainerRequest{
		Image:        "nats:2.10-alpine",
		ExposedPorts: []string{"4222/tcp"},
		WaitingFor:   wait.ForLog("Server is ready"),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "4222")
	require.NoError(t, err)

	return container, fmt.Sprintf("nats://%s:%s", host, port.Port())
}

// newEndpoint builds a connected transport over a NATS adapter
func newEndpoint(ctx context.Context, t *testing.T, url, identity string, peers ...string) *transport.Transport {
	t.Helper()

	adapter, err := New(url, WithSubjectPrefix("relaytest"), WithPeers(peers...))
	require.NoError(t, err)

	tr, err := transport.New(adapter, identity, transport.WithRequestTimeout(5*time.Second))
	require.NoError(t, err)
	require.NoError(t, tr.Connect(ctx))
	t.Cleanup(func() { _ = tr.Disconnect(context.Background()) })
	return tr
}

func TestIntegration_RequestReplyOverNATS(t *testing.T) {
	ctx := context.Background()

	container, url := startNATSContainer(ctx, t)
	defer container.Terminate(ctx)

	server := newEndpoint(ctx, t, url, "server")
	client := newEndpoint(ctx, t, url, "client")

	server.Subscribe("settings:get", func(ctx context.Context, env message.Envelope) error {
		return server.Reply(ctx, env, map[string]string{"theme": "dark"})
	})

	reply, err := client.Request(ctx, "settings:get", map[string]string{"key": "theme"})
	require.NoError(t, err)

	var body map[string]string
	require.NoError(t, reply.UnmarshalPayload(&body))
	assert.Equal(t, "dark", body["theme"])
}

func TestIntegration_PublishSubscribeOverNATS(t *testing.T) {
	ctx := context.Background()

	container, url := startNATSContainer(ctx, t)
	defer container.Terminate(ctx)

	publisher := newEndpoint(ctx, t, url, "publisher")
	subscriber := newEndpoint(ctx, t, url, "subscriber")

	received := make(chan message.Envelope, 1)
	subscriber.Subscribe("page:updated", func(_ context.Context, env message.Envelope) error {
		received <- env
		return nil
	})

	require.NoError(t, publisher.Publish(ctx, "page:updated", map[string]string{"url": "/home"}))

	select {
	case env := <-received:
		assert.Equal(t, "page:updated", env.Type)
		assert.Equal(t, "publisher", env.Source)
	case <-time.After(5 * time.Second):
		t.Fatal("event never arrived")
	}
}

func TestIntegration_BroadcastOverNATS(t *testing.T) {
	ctx := context.Background()

	container, url := startNATSContainer(ctx, t)
	defer container.Terminate(ctx)

	sender := newEndpoint(ctx, t, url, "sender", "alpha", "beta")
	alpha := newEndpoint(ctx, t, url, "alpha")
	beta := newEndpoint(ctx, t, url, "beta")

	got := make(chan string, 2)
	alpha.Subscribe("cache:flush", func(_ context.Context, env message.Envelope) error {
		got <- "alpha"
		return nil
	})
	beta.Subscribe("cache:flush", func(_ context.Context, env message.Envelope) error {
		got <- "beta"
		return nil
	})

	delivered, err := sender.Broadcast(ctx, "cache:flush", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, delivered)

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case who := <-got:
			seen[who] = true
		case <-time.After(5 * time.Second):
			t.Fatal("broadcast never arrived")
		}
	}
	assert.True(t, seen["alpha"] && seen["beta"])
}
