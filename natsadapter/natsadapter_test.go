package natsadapter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Defaults(t *testing.T) {
	a, err := New("nats://localhost:4222")
	require.NoError(t, err)

	assert.Equal(t, "relay", a.prefix)
	assert.Equal(t, 5*time.Second, a.connectTimeout)
	assert.Empty(t, a.Recipients())
}

func TestNew_Options(t *testing.T) {
	a, err := New("nats://localhost:4222",
		WithSubjectPrefix("mesh"),
		WithPeers("background", "sidebar"),
		WithName("content-endpoint"),
		WithConnectTimeout(2*time.Second),
	)
	require.NoError(t, err)

	assert.Equal(t, "mesh", a.prefix)
	assert.Equal(t, []string{"background", "sidebar"}, a.Recipients())
	assert.Equal(t, "content-endpoint", a.name)
	assert.Equal(t, 2*time.Second, a.connectTimeout)
}

func TestNew_EmptyPrefixRejected(t *testing.T) {
	_, err := New("nats://localhost:4222", WithSubjectPrefix(""))
	require.Error(t, err)
}

func TestSubjectNaming(t *testing.T) {
	a, err := New("nats://localhost:4222", WithSubjectPrefix("mesh"))
	require.NoError(t, err)

	assert.Equal(t, "mesh.peer.content", a.peerSubject("content"))
	assert.Equal(t, "mesh.events.content", a.eventSubject("content"))
}

func TestWrite_WhileClosed(t *testing.T) {
	a, err := New("nats://localhost:4222")
	require.NoError(t, err)

	assert.Error(t, a.Write(context.Background(), []byte("x")))
	assert.Error(t, a.WriteTo(context.Background(), "peer", []byte("x")))
}

func TestClose_Idempotent(t *testing.T) {
	a, err := New("nats://localhost:4222")
	require.NoError(t, err)

	assert.NoError(t, a.Close(context.Background()))
	assert.NoError(t, a.Close(context.Background()))
}

func TestRecipients_ReturnsCopy(t *testing.T) {
	a, err := New("nats://localhost:4222", WithPeers("one", "two"))
	require.NoError(t, err)

	recipients := a.Recipients()
	recipients[0] = "mutated"
	assert.Equal(t, []string{"one", "two"}, a.Recipients())
}
