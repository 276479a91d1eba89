// Package message implements the request and reply envelope, its type
// state machine and node-side validation.
package message

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aixgo-dev/fleet/internal/filter"
	"github.com/aixgo-dev/fleet/internal/security"
	"github.com/google/uuid"
)

// Type is the message kind.
type Type string

const (
	TypeMessage       Type = "message"
	TypeRequest       Type = "request"
	TypeDirectRequest Type = "direct_request"
	TypeReply         Type = "reply"
)

// DefaultTTL is applied to messages created without an explicit TTL.
const DefaultTTL = 60 * time.Second

var (
	// ErrUnknownType is returned for message types outside the known set
	ErrUnknownType = errors.New("unknown message type")

	// ErrDirectAddressingDisabled is returned when direct_request is set
	// while direct addressing is off
	ErrDirectAddressingDisabled = errors.New("direct requests are not enabled using the direct_addressing config option")

	// ErrNoDiscoveredHosts is returned when direct_request is set without targets
	ErrNoDiscoveredHosts = errors.New("can only set type to direct_request if discovered hosts have been set")

	// ErrInvalidCallerID is returned when a caller id fails provider validation
	ErrInvalidCallerID = errors.New("callerid is not valid, suppressing reply to potentially forged request")
)

// TTLExpiredError is returned by Validate for messages older than their TTL.
type TTLExpiredError struct {
	RequestID string
	Age       time.Duration
	TTL       time.Duration
}

func (e *TTLExpiredError) Error() string {
	return fmt.Sprintf("message %s created %s ago exceeds TTL of %s", e.RequestID, e.Age.Truncate(time.Second), e.TTL)
}

// NotTargetedError is returned by Validate when the filter excludes this node.
type NotTargetedError struct {
	RequestID string
}

func (e *NotTargetedError) Error() string {
	return fmt.Sprintf("message %s does not pass filters", e.RequestID)
}

// Message is one logical request or reply.
type Message struct {
	Type       Type
	Body       json.RawMessage
	Agent      string
	Collective string
	Filter     *filter.Filter
	TTL        time.Duration
	MsgTime    time.Time
	RequestID  string
	SenderID   string
	CallerID   string

	// Wire holds the encoded form once Encode has run or the raw
	// bytes a decoded message was built from.
	Wire []byte

	DiscoveredHosts []string
	Validated       bool

	replyTo          string
	expectedMsgID    string
	directAddressing bool
}

// Option configures a new Message
type Option func(*Message)

func WithType(t Type) Option {
	return func(m *Message) { m.Type = t }
}

func WithCollective(c string) Option {
	return func(m *Message) { m.Collective = c }
}

func WithFilter(f *filter.Filter) Option {
	return func(m *Message) { m.Filter = f }
}

func WithTTL(ttl time.Duration) Option {
	return func(m *Message) { m.TTL = ttl }
}

func WithRequestID(id string) Option {
	return func(m *Message) { m.RequestID = id }
}

// WithDirectAddressing allows the message to become a direct_request
func WithDirectAddressing(enabled bool) Option {
	return func(m *Message) { m.directAddressing = enabled }
}

// New creates a message of type "message" unless WithType overrides it.
func New(agent string, body json.RawMessage, opts ...Option) *Message {
	m := &Message{
		Type:   TypeMessage,
		Agent:  agent,
		Body:   body,
		Filter: filter.New(),
		TTL:    DefaultTTL,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NewReply creates the reply to req, addressed back to its sender.
func NewReply(req *Message, body json.RawMessage) *Message {
	return &Message{
		Type:          TypeReply,
		Agent:         req.Agent,
		Collective:    req.Collective,
		Body:          body,
		RequestID:     req.RequestID,
		CallerID:      req.CallerID,
		TTL:           req.TTL,
		Filter:        filter.New(),
		replyTo:       req.replyTo,
		expectedMsgID: req.RequestID,
	}
}

// NewRequestID returns a fresh request identifier
func NewRequestID() string {
	return uuid.New().String()
}

// SetType moves the message to t. A direct_request needs direct addressing
// and discovered hosts, and narrows the filter to its agent predicates.
func (m *Message) SetType(t Type) error {
	switch t {
	case TypeMessage, TypeRequest, TypeReply:
	case TypeDirectRequest:
		if !m.directAddressing {
			return ErrDirectAddressingDisabled
		}
		if len(m.DiscoveredHosts) == 0 {
			return ErrNoDiscoveredHosts
		}
		m.Filter = m.Filter.AgentOnly()
	default:
		return fmt.Errorf("%w %s", ErrUnknownType, t)
	}
	m.Type = t
	return nil
}

// IsRequest reports whether the message is a request of either kind
func (m *Message) IsRequest() bool {
	return m.Type == TypeRequest || m.Type == TypeDirectRequest
}

// SetReplyTo sets a custom reply destination on a request.
func (m *Message) SetReplyTo(target string) error {
	if !m.IsRequest() {
		return fmt.Errorf("custom reply targets can only be set on requests, not %s", m.Type)
	}
	m.replyTo = target
	return nil
}

func (m *Message) ReplyTo() string { return m.replyTo }

// SetExpectedMsgID records which request a reply answers.
func (m *Message) SetExpectedMsgID(id string) error {
	if m.Type != TypeReply {
		return errors.New("can only store the expected msgid for reply messages")
	}
	m.expectedMsgID = id
	return nil
}

func (m *Message) ExpectedMsgID() string { return m.expectedMsgID }

// PrepareForPublish switches a request with discovered hosts to
// direct_request when direct addressing is enabled and the host count is
// below threshold.
func (m *Message) PrepareForPublish(threshold int) error {
	if m.Type != TypeRequest || !m.directAddressing {
		return nil
	}
	if n := len(m.DiscoveredHosts); n > 0 && n < threshold {
		return m.SetType(TypeDirectRequest)
	}
	return nil
}

// Encode serializes the message through the security provider. Requests
// get a fresh request id unless one was set; replies are refused when the
// original caller id is not valid.
func (m *Message) Encode(sec security.Provider) error {
	var (
		wire []byte
		err  error
	)

	switch m.Type {
	case TypeRequest, TypeDirectRequest:
		if m.RequestID == "" {
			m.RequestID = NewRequestID()
		}
		env := &security.Envelope{
			RequestID:  m.RequestID,
			Agent:      m.Agent,
			Collective: m.Collective,
			Filter:     m.Filter,
			TTL:        int(m.TTL / time.Second),
			Body:       m.Body,
		}
		wire, err = sec.EncodeRequest(env)
		m.SenderID, m.CallerID = env.SenderID, env.CallerID
		m.MsgTime = time.Unix(env.MsgTime, 0)
	case TypeReply:
		if !sec.ValidCallerID(m.CallerID) {
			return fmt.Errorf("%w: %q", ErrInvalidCallerID, m.CallerID)
		}
		env := &security.Envelope{
			RequestID:  m.RequestID,
			Agent:      m.Agent,
			Collective: m.Collective,
			CallerID:   m.CallerID,
			Body:       m.Body,
		}
		wire, err = sec.EncodeReply(env)
		m.SenderID = env.SenderID
		m.MsgTime = time.Unix(env.MsgTime, 0)
	default:
		return fmt.Errorf("cannot encode message type %s", m.Type)
	}

	if err != nil {
		return fmt.Errorf("encode %s: %w", m.Type, err)
	}
	m.Wire = wire
	return nil
}

// Decode builds a message of type t from wire bytes. Requests whose caller
// id fails validation are rejected.
func Decode(sec security.Provider, t Type, wire []byte) (*Message, error) {
	switch t {
	case TypeRequest, TypeDirectRequest, TypeReply:
	default:
		return nil, fmt.Errorf("cannot decode message type %s", t)
	}

	env, err := sec.Decode(wire)
	if err != nil {
		return nil, err
	}

	m := &Message{
		Type:       t,
		Body:       env.Body,
		Agent:      env.Agent,
		Collective: env.Collective,
		Filter:     env.Filter,
		TTL:        time.Duration(env.TTL) * time.Second,
		MsgTime:    time.Unix(env.MsgTime, 0),
		RequestID:  env.RequestID,
		SenderID:   env.SenderID,
		CallerID:   env.CallerID,
		Wire:       wire,
	}
	if m.Filter == nil {
		m.Filter = filter.New()
	}
	if m.TTL == 0 {
		m.TTL = DefaultTTL
	}

	if m.IsRequest() && !sec.ValidCallerID(m.CallerID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCallerID, m.CallerID)
	}
	if t == TypeReply {
		m.expectedMsgID = env.RequestID
	}
	return m, nil
}

// Validate checks a received request against its TTL and the local node.
func (m *Message) Validate(ctx context.Context, ev *filter.Evaluator, now time.Time) error {
	if !m.IsRequest() {
		return errors.New("can only validate request messages")
	}

	if age := now.Sub(m.MsgTime); age > m.TTL {
		return &TTLExpiredError{RequestID: m.RequestID, Age: age, TTL: m.TTL}
	}

	if !m.Filter.Matches(ctx, ev) {
		return &NotTargetedError{RequestID: m.RequestID}
	}

	m.Validated = true
	return nil
}
