package transport

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/aixgo-dev/fleet/internal/message"
	"github.com/aixgo-dev/fleet/internal/security"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encoded(t *testing.T, sec security.Provider, m *message.Message) *message.Message {
	t.Helper()
	require.NoError(t, m.Encode(sec))
	return m
}

func receive(t *testing.T, c Connector, requestID string) *Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	frame, err := c.Receive(ctx, requestID)
	require.NoError(t, err)
	return frame
}

// exercise runs the same request/reply exchange over any pair of connectors.
func exercise(t *testing.T, client, node Connector) {
	ctx := context.Background()
	require.NoError(t, client.Connect(ctx))
	require.NoError(t, node.Connect(ctx))

	require.NoError(t, node.Subscribe(ctx, "rpcutil", Broadcast, "mcollective"))
	require.NoError(t, node.Subscribe(ctx, "", Directed, "mcollective"))
	require.NoError(t, client.Subscribe(ctx, "rpcutil", Reply, "mcollective"))

	clientSec := security.NewPlain(client.Identity(), "uid=500")
	nodeSec := security.NewPlain(node.Identity(), "")

	req := encoded(t, clientSec, message.New("rpcutil", json.RawMessage(`{"action":"ping"}`),
		message.WithType(message.TypeRequest), message.WithCollective("mcollective")))
	require.NoError(t, client.Publish(ctx, req))

	frame := receive(t, node, "")
	assert.Equal(t, "mcollective.broadcast.agent.rpcutil", frame.Topic)
	assert.Equal(t, "mcollective.reply."+client.Identity(), frame.ReplyTo)
	assert.Equal(t, message.TypeRequest, frame.Type)

	got, err := message.Decode(nodeSec, frame.Type, frame.Body)
	require.NoError(t, err)
	require.NoError(t, got.SetReplyTo(frame.ReplyTo))

	// a stray reply for another request is skipped by the receiver
	stray := message.NewReply(got, json.RawMessage(`"stray"`))
	stray.RequestID = "other"
	require.NoError(t, node.Publish(ctx, encoded(t, nodeSec, stray)))

	reply := encoded(t, nodeSec, message.NewReply(got, json.RawMessage(`"pong"`)))
	require.NoError(t, node.Publish(ctx, reply))

	frame = receive(t, client, req.RequestID)
	assert.Equal(t, req.RequestID, frame.RequestID)
	decoded, err := message.Decode(clientSec, frame.Type, frame.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `"pong"`, string(decoded.Body))
	assert.Equal(t, node.Identity(), decoded.SenderID)

	// direct requests go to the node queue
	direct := message.New("rpcutil", json.RawMessage(`{}`),
		message.WithType(message.TypeRequest), message.WithCollective("mcollective"),
		message.WithDirectAddressing(true))
	direct.DiscoveredHosts = []string{node.Identity()}
	require.NoError(t, direct.SetType(message.TypeDirectRequest))
	require.NoError(t, client.Publish(ctx, encoded(t, clientSec, direct)))

	frame = receive(t, node, "")
	assert.Equal(t, "mcollective.node."+node.Identity(), frame.Topic)
	assert.Equal(t, message.TypeDirectRequest, frame.Type)

	require.NoError(t, node.Disconnect(ctx))
	require.NoError(t, client.Disconnect(ctx))
}

func TestMemoryConnector_Exchange(t *testing.T) {
	logger, _ := test.NewNullLogger()
	broker := NewBroker(WithBrokerLogger(logger))
	exercise(t, NewMemoryConnector(broker, "client1"), NewMemoryConnector(broker, "node1"))
	assert.Equal(t, uint64(4), broker.Published())
}

func TestRedisConnector_Exchange(t *testing.T) {
	mr := miniredis.RunT(t)
	logger, _ := test.NewNullLogger()

	newConnector := func(identity string) *RedisConnector {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		return NewRedisConnectorFromClient(client, "test:", identity, logger)
	}
	exercise(t, newConnector("client1"), newConnector("node1"))
}

func TestRedisConnector_ReceiveWithoutSubscription(t *testing.T) {
	mr := miniredis.RunT(t)
	c := NewRedisConnectorFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "", "node1", nil)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Disconnect(context.Background()) })

	_, err := c.Receive(context.Background(), "")
	assert.ErrorIs(t, err, ErrNotSubscribed)
}

func TestConnector_NotConnected(t *testing.T) {
	c := NewMemoryConnector(NewBroker(), "node1")
	ctx := context.Background()

	assert.ErrorIs(t, c.Subscribe(ctx, "rpcutil", Broadcast, "mcollective"), ErrNotConnected)
	_, err := c.Receive(ctx, "")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestConnector_Ping(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	for name, c := range map[string]Connector{
		"memory": NewMemoryConnector(NewBroker(), "node1"),
		"redis":  NewRedisConnectorFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "", "node1", nil),
	} {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, c.Ping(ctx), ErrNotConnected)
			require.NoError(t, c.Connect(ctx))
			assert.NoError(t, c.Ping(ctx))
			require.NoError(t, c.Disconnect(ctx))
			assert.ErrorIs(t, c.Ping(ctx), ErrNotConnected)
		})
	}
}

func TestMemoryConnector_ReceiveTimeout(t *testing.T) {
	c := NewMemoryConnector(NewBroker(), "client1")
	require.NoError(t, c.Connect(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Receive(ctx, "abc")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRoute(t *testing.T) {
	sec := security.NewPlain("client1", "uid=1")

	_, _, err := route("client1", message.New("rpcutil", nil, message.WithType(message.TypeRequest)))
	assert.Error(t, err, "unencoded messages are refused")

	reply := message.New("rpcutil", nil, message.WithType(message.TypeReply))
	reply.CallerID = "uid=1"
	_, _, err = route("node1", encoded(t, sec, reply))
	assert.ErrorIs(t, err, ErrNoReplyTarget)

	custom := message.New("rpcutil", nil, message.WithType(message.TypeRequest), message.WithCollective("c"))
	require.NoError(t, custom.SetReplyTo("elsewhere"))
	frame, topics, err := route("client1", encoded(t, sec, custom))
	require.NoError(t, err)
	assert.Equal(t, "elsewhere", frame.ReplyTo)
	assert.Equal(t, []string{"c.broadcast.agent.rpcutil"}, topics)
}

func TestNew(t *testing.T) {
	c, err := New(Options{Identity: "node1"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryConnector{}, c)

	_, err = New(Options{Name: "redis"})
	assert.Error(t, err)

	_, err = New(Options{Name: "stomp"})
	assert.ErrorIs(t, err, ErrUnknownConnector)
}
