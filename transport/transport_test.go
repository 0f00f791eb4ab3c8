package transport

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/relaykit/errors"
	"github.com/c360/relaykit/message"
	"github.com/c360/relaykit/metric"
	"github.com/c360/relaykit/permission"
	"github.com/c360/relaykit/portadapter"
)

// newEndpoint builds a connected transport on the hub and tears it down
// with the test.
func newEndpoint(t *testing.T, hub *portadapter.Hub, identity string, opts ...Option) *Transport {
	t.Helper()

	tr, err := New(hub.NewPort(), identity, opts...)
	require.NoError(t, err)
	require.NoError(t, tr.Connect(context.Background()))
	t.Cleanup(func() { _ = tr.Disconnect(context.Background()) })
	return tr
}

// hookRecorder collects error hook invocations.
type hookRecorder struct {
	mu     sync.Mutex
	stages []string
	errs   []error
}

func (h *hookRecorder) hook(stage string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stages = append(h.stages, stage)
	h.errs = append(h.errs, err)
}

func (h *hookRecorder) count(stage string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, s := range h.stages {
		if s == stage {
			n++
		}
	}
	return n
}

func TestNew_Validation(t *testing.T) {
	hub := portadapter.NewHub()

	_, err := New(nil, "endpoint")
	assert.Error(t, err)

	_, err = New(hub.NewPort(), "")
	assert.Error(t, err)
}

func TestRequestReply_RoundTrip(t *testing.T) {
	hub := portadapter.NewHub()
	server := newEndpoint(t, hub, "server")
	client := newEndpoint(t, hub, "client")

	server.Subscribe("settings:get", func(ctx context.Context, env message.Envelope) error {
		assert.Equal(t, "client", env.Source)
		return server.Reply(ctx, env, map[string]string{"theme": "dark"})
	})

	reply, err := client.Request(context.Background(), "settings:get", map[string]string{"key": "theme"})
	require.NoError(t, err)
	assert.True(t, reply.IsReply())
	assert.Equal(t, "server", reply.Source)

	var body map[string]string
	require.NoError(t, reply.UnmarshalPayload(&body))
	assert.Equal(t, "dark", body["theme"])
}

func TestRequest_ConcurrentCorrelation(t *testing.T) {
	hub := portadapter.NewHub()
	server := newEndpoint(t, hub, "server")
	client := newEndpoint(t, hub, "client")

	type square struct {
		N int `json:"n"`
	}

	server.Subscribe("math:square", func(ctx context.Context, env message.Envelope) error {
		var req square
		if err := env.UnmarshalPayload(&req); err != nil {
			return err
		}
		return server.Reply(ctx, env, square{N: req.N * req.N})
	})

	const requests = 25
	var wg sync.WaitGroup
	for i := 1; i <= requests; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			reply, err := client.Request(context.Background(), "math:square", square{N: n})
			if !assert.NoError(t, err) {
				return
			}
			var res square
			if assert.NoError(t, reply.UnmarshalPayload(&res)) {
				assert.Equal(t, n*n, res.N)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 0, client.GetStatus().Pending)
}

func TestRequest_Timeout(t *testing.T) {
	hub := portadapter.NewHub()
	newEndpoint(t, hub, "server") // listens to nothing
	client := newEndpoint(t, hub, "client", WithRequestTimeout(60*time.Millisecond))

	_, err := client.Request(context.Background(), "void:call", nil)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrRequestTimeout))
	assert.Equal(t, 0, client.GetStatus().Pending)
}

func TestRequest_LateReplyDropped(t *testing.T) {
	hub := portadapter.NewHub()
	server := newEndpoint(t, hub, "server")
	client := newEndpoint(t, hub, "client", WithRequestTimeout(40*time.Millisecond))

	server.Subscribe("slow:op", func(ctx context.Context, env message.Envelope) error {
		time.Sleep(150 * time.Millisecond)
		return server.Reply(ctx, env, "too late")
	})
	server.Subscribe("fast:op", func(ctx context.Context, env message.Envelope) error {
		return server.Reply(ctx, env, "in time")
	})

	_, err := client.Request(context.Background(), "slow:op", nil)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrRequestTimeout))

	// The late reply lands in an empty table and is discarded; the
	// transport stays fully usable.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 0, client.GetStatus().Pending)

	reply, err := client.Request(context.Background(), "fast:op", nil)
	require.NoError(t, err)
	var body string
	require.NoError(t, reply.UnmarshalPayload(&body))
	assert.Equal(t, "in time", body)
}

func TestRequest_ErrorReply(t *testing.T) {
	hub := portadapter.NewHub()
	server := newEndpoint(t, hub, "server")
	client := newEndpoint(t, hub, "client")

	server.Subscribe("settings:get", func(ctx context.Context, env message.Envelope) error {
		return server.ReplyError(ctx, env, "no such setting")
	})

	_, err := client.Request(context.Background(), "settings:get", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such setting")
	assert.Equal(t, 0, client.GetStatus().Pending)
}

func TestRequest_WhileDisconnected(t *testing.T) {
	hub := portadapter.NewHub()
	tr, err := New(hub.NewPort(), "client")
	require.NoError(t, err)

	_, err = tr.Request(context.Background(), "settings:get", nil)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrNotConnected))

	assert.Error(t, tr.Publish(context.Background(), "page:updated", nil))
	_, err = tr.Broadcast(context.Background(), "cache:flush", nil, nil)
	assert.Error(t, err)
}

func TestRequest_ContextCancelled(t *testing.T) {
	hub := portadapter.NewHub()
	newEndpoint(t, hub, "server")
	client := newEndpoint(t, hub, "client", WithRequestTimeout(10*time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	_, err := client.Request(ctx, "void:call", nil)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, context.Canceled))
	assert.Equal(t, 0, client.GetStatus().Pending)
}

func TestDisconnect_DrainsPending(t *testing.T) {
	hub := portadapter.NewHub()
	newEndpoint(t, hub, "server")

	client, err := New(hub.NewPort(), "client", WithRequestTimeout(10*time.Second))
	require.NoError(t, err)
	require.NoError(t, client.Connect(context.Background()))

	const inflight = 3
	results := make(chan error, inflight)
	for i := 0; i < inflight; i++ {
		go func() {
			_, err := client.Request(context.Background(), "void:call", nil)
			results <- err
		}()
	}

	require.Eventually(t, func() bool { return client.GetStatus().Pending == inflight },
		time.Second, 5*time.Millisecond)

	require.NoError(t, client.Disconnect(context.Background()))

	for i := 0; i < inflight; i++ {
		err := <-results
		require.Error(t, err)
		assert.True(t, stderrors.Is(err, errors.ErrConnectionClosed))
	}
	assert.Equal(t, 0, client.GetStatus().Pending)
}

func TestPublishSubscribe(t *testing.T) {
	hub := portadapter.NewHub()
	publisher := newEndpoint(t, hub, "publisher")
	subscriber := newEndpoint(t, hub, "subscriber")

	received := make(chan message.Envelope, 1)
	subscriber.Subscribe("page:updated", func(_ context.Context, env message.Envelope) error {
		received <- env
		return nil
	})

	require.NoError(t, publisher.Publish(context.Background(), "page:updated", map[string]string{"url": "/home"}))

	select {
	case env := <-received:
		assert.Equal(t, "page:updated", env.Type)
		assert.Equal(t, "publisher", env.Source)
		assert.False(t, env.IsReply())
	case <-time.After(time.Second):
		t.Fatal("event never arrived")
	}
}

func TestSubscribe_Unsubscribe(t *testing.T) {
	hub := portadapter.NewHub()
	publisher := newEndpoint(t, hub, "publisher")
	subscriber := newEndpoint(t, hub, "subscriber")

	hits := make(chan string, 4)
	unsubscribe := subscriber.Subscribe("page:updated", func(context.Context, message.Envelope) error {
		hits <- "first"
		return nil
	})
	subscriber.Subscribe("page:updated", func(context.Context, message.Envelope) error {
		hits <- "second"
		return nil
	})

	unsubscribe()
	unsubscribe() // second call is a no-op

	require.NoError(t, publisher.Publish(context.Background(), "page:updated", nil))

	select {
	case who := <-hits:
		assert.Equal(t, "second", who)
	case <-time.After(time.Second):
		t.Fatal("surviving handler never fired")
	}
	select {
	case who := <-hits:
		t.Fatalf("removed handler fired: %s", who)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBroadcast_PartialFailure(t *testing.T) {
	hub := portadapter.NewHub()

	recorder := &hookRecorder{}
	sender := newEndpoint(t, hub, "sender", WithErrorHook(recorder.hook))
	alpha := newEndpoint(t, hub, "alpha")
	beta := newEndpoint(t, hub, "beta")

	got := make(chan string, 2)
	alpha.Subscribe("cache:flush", func(context.Context, message.Envelope) error {
		got <- "alpha"
		return nil
	})
	beta.Subscribe("cache:flush", func(context.Context, message.Envelope) error {
		got <- "beta"
		return nil
	})

	// "ghost" is not on the hub; its failure must not block the others.
	delivered, err := sender.Broadcast(context.Background(), "cache:flush", nil,
		[]string{"alpha", "ghost", "beta"})
	require.NoError(t, err)
	assert.Equal(t, 2, delivered)
	assert.Equal(t, 1, recorder.count("broadcast"))

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case who := <-got:
			seen[who] = true
		case <-time.After(time.Second):
			t.Fatal("broadcast never arrived")
		}
	}
	assert.True(t, seen["alpha"] && seen["beta"])
}

func TestBroadcast_DefaultRecipients(t *testing.T) {
	hub := portadapter.NewHub()
	sender := newEndpoint(t, hub, "sender")
	newEndpoint(t, hub, "alpha")
	newEndpoint(t, hub, "beta")

	delivered, err := sender.Broadcast(context.Background(), "cache:flush", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, delivered)
}

func TestPermissions_OutboundDenied(t *testing.T) {
	policy := &permission.Policy{
		Roles: map[string]permission.Set{
			"content": {CanSend: []string{"page:*", "settings:get"}},
		},
	}
	actor := permission.Actor{Role: "content"}

	hub := portadapter.NewHub()
	tr := newEndpoint(t, hub, "content-endpoint", WithPermissions(policy, actor))

	// Allowed patterns go through.
	require.NoError(t, tr.Publish(context.Background(), "page:updated", nil))

	// Everything else is rejected before touching the channel.
	err := tr.Publish(context.Background(), "settings:set", nil)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrPermissionDenied))

	_, err = tr.Request(context.Background(), "settings:set", nil)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrPermissionDenied))
}

func TestPermissions_BroadcastGated(t *testing.T) {
	policy := &permission.Policy{
		Roles: map[string]permission.Set{
			"content": {CanSend: []string{"cache:*"}},
			"admin":   {CanSend: []string{"cache:*"}, CanBroadcast: true},
		},
	}

	hub := portadapter.NewHub()
	restricted := newEndpoint(t, hub, "restricted",
		WithPermissions(policy, permission.Actor{Role: "content"}))
	privileged := newEndpoint(t, hub, "privileged",
		WithPermissions(policy, permission.Actor{Role: "admin"}))

	_, err := restricted.Broadcast(context.Background(), "cache:flush", nil, nil)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrPermissionDenied))

	_, err = privileged.Broadcast(context.Background(), "cache:flush", nil, nil)
	require.NoError(t, err)
}

func TestPermissions_ReplyChecked(t *testing.T) {
	// A handle-only role may receive requests but not send, so its replies
	// are rejected by the policy like any other outbound message.
	policy := &permission.Policy{
		Roles: map[string]permission.Set{
			"auditor": {CanHandle: []string{"settings:*"}},
		},
	}

	hub := portadapter.NewHub()
	server := newEndpoint(t, hub, "server",
		WithPermissions(policy, permission.Actor{Role: "auditor"}))
	client := newEndpoint(t, hub, "client", WithRequestTimeout(100*time.Millisecond))

	replyErr := make(chan error, 1)
	server.Subscribe("settings:get", func(ctx context.Context, env message.Envelope) error {
		replyErr <- server.Reply(ctx, env, "classified")
		return nil
	})

	_, err := client.Request(context.Background(), "settings:get", nil)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrRequestTimeout))

	select {
	case err := <-replyErr:
		require.Error(t, err)
		assert.True(t, stderrors.Is(err, errors.ErrPermissionDenied))
	case <-time.After(time.Second):
		t.Fatal("handler never ran")
	}
}

func TestPermissions_InboundDropped(t *testing.T) {
	policy := &permission.Policy{
		Roles: map[string]permission.Set{
			"sidebar": {CanHandle: []string{"page:*"}},
		},
	}

	hub := portadapter.NewHub()
	publisher := newEndpoint(t, hub, "publisher")

	recorder := &hookRecorder{}
	subscriber := newEndpoint(t, hub, "subscriber",
		WithPermissions(policy, permission.Actor{Role: "sidebar"}),
		WithErrorHook(recorder.hook))

	received := make(chan string, 2)
	subscriber.Subscribe("page:updated", func(context.Context, message.Envelope) error {
		received <- "page:updated"
		return nil
	})
	subscriber.Subscribe("secret:event", func(context.Context, message.Envelope) error {
		received <- "secret:event"
		return nil
	})

	require.NoError(t, publisher.Publish(context.Background(), "secret:event", nil))
	require.NoError(t, publisher.Publish(context.Background(), "page:updated", nil))

	select {
	case got := <-received:
		assert.Equal(t, "page:updated", got)
	case <-time.After(time.Second):
		t.Fatal("authorized event never arrived")
	}
	assert.Equal(t, 1, recorder.count("handle"))
}

func TestHandleInbound_Undecodable(t *testing.T) {
	hub := portadapter.NewHub()
	raw := hub.NewPort()
	require.NoError(t, raw.Open(context.Background(), "raw"))
	t.Cleanup(func() { _ = raw.Close(context.Background()) })

	recorder := &hookRecorder{}
	newEndpoint(t, hub, "endpoint", WithErrorHook(recorder.hook))

	require.NoError(t, raw.WriteTo(context.Background(), "endpoint", []byte("not json")))

	require.Eventually(t, func() bool { return recorder.count("decode") == 1 },
		time.Second, 5*time.Millisecond)
}

func TestHandlerFailure_Reported(t *testing.T) {
	hub := portadapter.NewHub()
	publisher := newEndpoint(t, hub, "publisher")

	recorder := &hookRecorder{}
	subscriber := newEndpoint(t, hub, "subscriber", WithErrorHook(recorder.hook))

	ran := make(chan struct{}, 1)
	subscriber.Subscribe("cache:flush", func(context.Context, message.Envelope) error {
		panic("boom")
	})
	subscriber.Subscribe("cache:flush", func(context.Context, message.Envelope) error {
		ran <- struct{}{}
		return nil
	})

	require.NoError(t, publisher.Publish(context.Background(), "cache:flush", nil))

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("second handler never ran")
	}
	assert.Equal(t, 1, recorder.count("handler"))
}

func TestWithMetrics(t *testing.T) {
	hub := portadapter.NewHub()
	registry := metric.NewRegistry()

	server := newEndpoint(t, hub, "server")
	client := newEndpoint(t, hub, "client", WithMetrics(registry))

	server.Subscribe("settings:get", func(ctx context.Context, env message.Envelope) error {
		return server.Reply(ctx, env, "ok")
	})

	_, err := client.Request(context.Background(), "settings:get", nil)
	require.NoError(t, err)

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	found := map[string]bool{}
	for _, mf := range families {
		found[mf.GetName()] = true
	}
	assert.True(t, found["relaykit_requests_total"])
	assert.True(t, found["relaykit_replies_matched_total"])
	assert.True(t, found["relaykit_connection_state"])
}

func TestGetStatus(t *testing.T) {
	hub := portadapter.NewHub()
	tr := newEndpoint(t, hub, "endpoint")

	status := tr.GetStatus()
	assert.Equal(t, StateConnected, status.State)
	assert.Equal(t, 0, status.Pending)
	assert.EqualValues(t, 0, status.Failures)
	assert.Equal(t, "endpoint", tr.Identity())
}
