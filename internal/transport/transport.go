// Package transport moves encoded messages between clients and nodes over a
// publish/subscribe medium.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/aixgo-dev/fleet/internal/message"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNotConnected is returned when a connector is used before Connect
	ErrNotConnected = errors.New("connector not connected")

	// ErrNotSubscribed is returned by Receive when nothing is subscribed
	ErrNotSubscribed = errors.New("no active subscriptions")

	// ErrNoReplyTarget is returned when a reply has nowhere to go
	ErrNoReplyTarget = errors.New("reply has no destination")

	// ErrUnknownConnector is returned by New for unknown connector names
	ErrUnknownConnector = errors.New("unknown connector")
)

// Kind selects which family of topics a subscription covers.
type Kind string

const (
	// Broadcast receives requests sent to every node running an agent
	Broadcast Kind = "broadcast"
	// Directed receives requests addressed to this node by identity
	Directed Kind = "directed"
	// Reply receives replies addressed to this identity
	Reply Kind = "reply"
)

// Frame is what travels on the wire: routing headers plus the encoded
// message produced by the security provider.
type Frame struct {
	Type       message.Type `json:"type"`
	RequestID  string       `json:"requestid"`
	Agent      string       `json:"agent"`
	Collective string       `json:"collective"`
	ReplyTo    string       `json:"reply_to,omitempty"`
	Body       []byte       `json:"body"`

	// Topic is set on receipt and never serialized
	Topic string `json:"-"`
}

// Connector is the contract between the messaging layers and a
// publish/subscribe medium.
type Connector interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Publish(ctx context.Context, msg *message.Message) error
	Subscribe(ctx context.Context, agent string, kind Kind, collective string) error
	Unsubscribe(ctx context.Context, agent string, kind Kind, collective string) error
	// Receive blocks until a frame arrives or ctx is done. A non-empty
	// requestID drops reply frames for other requests.
	Receive(ctx context.Context, requestID string) (*Frame, error)
	// Ping reports whether the connection is usable.
	Ping(ctx context.Context) error
	Identity() string
}

// Options selects and configures a connector for New.
type Options struct {
	// Name is "memory" or "redis"
	Name     string
	Identity string
	Broker   *Broker
	Redis    RedisConfig
	Logger   logrus.FieldLogger
}

// New builds the named connector.
func New(opts Options) (Connector, error) {
	switch opts.Name {
	case "", "memory":
		if opts.Broker == nil {
			opts.Broker = NewBroker(WithBrokerLogger(opts.Logger))
		}
		return NewMemoryConnector(opts.Broker, opts.Identity), nil
	case "redis":
		return NewRedisConnector(opts.Redis, opts.Identity, opts.Logger)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnector, opts.Name)
	}
}

// BroadcastTopic is where requests for agent in collective are published
func BroadcastTopic(collective, agent string) string {
	return fmt.Sprintf("%s.broadcast.agent.%s", collective, agent)
}

// NodeTopic is the directed queue of a single node
func NodeTopic(collective, identity string) string {
	return fmt.Sprintf("%s.node.%s", collective, identity)
}

// ReplyTopic is where replies for identity are published
func ReplyTopic(collective, identity string) string {
	return fmt.Sprintf("%s.reply.%s", collective, identity)
}

// SubscriptionTopic resolves a subscription triple for the given identity.
func SubscriptionTopic(identity, agent string, kind Kind, collective string) (string, error) {
	switch kind {
	case Broadcast:
		return BroadcastTopic(collective, agent), nil
	case Directed:
		return NodeTopic(collective, identity), nil
	case Reply:
		return ReplyTopic(collective, identity), nil
	default:
		return "", fmt.Errorf("unknown subscription type %q", kind)
	}
}

// route turns a message into the frame and topics it is published to.
// Requests without a reply target are answered on the sender's reply topic.
func route(identity string, msg *message.Message) (*Frame, []string, error) {
	if msg.Wire == nil {
		return nil, nil, fmt.Errorf("message %s has not been encoded", msg.RequestID)
	}

	frame := &Frame{
		Type:       msg.Type,
		RequestID:  msg.RequestID,
		Agent:      msg.Agent,
		Collective: msg.Collective,
		ReplyTo:    msg.ReplyTo(),
		Body:       msg.Wire,
	}

	switch msg.Type {
	case message.TypeRequest:
		if frame.ReplyTo == "" {
			frame.ReplyTo = ReplyTopic(msg.Collective, identity)
		}
		return frame, []string{BroadcastTopic(msg.Collective, msg.Agent)}, nil
	case message.TypeDirectRequest:
		if frame.ReplyTo == "" {
			frame.ReplyTo = ReplyTopic(msg.Collective, identity)
		}
		topics := make([]string, 0, len(msg.DiscoveredHosts))
		for _, host := range msg.DiscoveredHosts {
			topics = append(topics, NodeTopic(msg.Collective, host))
		}
		return frame, topics, nil
	case message.TypeReply:
		if frame.ReplyTo == "" {
			return nil, nil, fmt.Errorf("%w: request %s", ErrNoReplyTarget, msg.RequestID)
		}
		return frame, []string{frame.ReplyTo}, nil
	default:
		return nil, nil, fmt.Errorf("cannot publish message type %s", msg.Type)
	}
}

// wanted reports whether a received frame should be handed to the caller.
func wanted(frame *Frame, requestID string) bool {
	return requestID == "" || frame.Type != message.TypeReply || frame.RequestID == requestID
}
