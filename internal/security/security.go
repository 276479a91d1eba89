// Package security encodes and decodes the wire envelope exchanged between
// clients and nodes.
package security

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/aixgo-dev/fleet/internal/filter"
)

var (
	// ErrSecurityValidation is returned when an envelope fails verification
	ErrSecurityValidation = errors.New("security validation failed")

	// ErrUnknownProvider is returned for an unknown provider name
	ErrUnknownProvider = errors.New("unknown security provider")

	callerIDPattern = regexp.MustCompile(`^[\w.\-]+=[\w.\-]+$`)
)

// Envelope is the decoded form of a wire message.
type Envelope struct {
	SenderID   string          `json:"senderid"`
	RequestID  string          `json:"requestid"`
	Agent      string          `json:"senderagent"`
	Collective string          `json:"collective,omitempty"`
	Filter     *filter.Filter  `json:"filter,omitempty"`
	TTL        int             `json:"ttl,omitempty"`
	MsgTime    int64           `json:"msgtime"`
	CallerID   string          `json:"callerid,omitempty"`
	Body       json.RawMessage `json:"body"`
	Hash       string          `json:"hash,omitempty"`
}

// Provider encodes requests and replies and decodes either.
type Provider interface {
	// EncodeRequest stamps sender, caller and time onto env and serializes it.
	EncodeRequest(env *Envelope) ([]byte, error)
	// EncodeReply stamps sender and time onto env and serializes it.
	EncodeReply(env *Envelope) ([]byte, error)
	Decode(wire []byte) (*Envelope, error)
	ValidCallerID(id string) bool
	CallerID() string
}

// Config selects and configures a provider.
type Config struct {
	Provider string
	Identity string
	PSK      string
	CallerID string
}

// New builds the configured provider
func New(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "", "none":
		return NewPlain(cfg.Identity, cfg.CallerID), nil
	case "psk":
		return NewPSK(cfg.Identity, cfg.CallerID, cfg.PSK)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, cfg.Provider)
	}
}

// ValidCallerID reports whether id has the form kind=name.
func ValidCallerID(id string) bool {
	return callerIDPattern.MatchString(id)
}

func defaultCallerID(callerID string) string {
	if callerID != "" {
		return callerID
	}
	return fmt.Sprintf("uid=%d", os.Getuid())
}

// Plain serializes envelopes as JSON without integrity protection.
type Plain struct {
	identity string
	callerID string
}

// NewPlain creates a plain provider
func NewPlain(identity, callerID string) *Plain {
	return &Plain{identity: identity, callerID: defaultCallerID(callerID)}
}

func (p *Plain) EncodeRequest(env *Envelope) ([]byte, error) {
	env.SenderID = p.identity
	env.CallerID = p.callerID
	env.MsgTime = time.Now().Unix()
	return json.Marshal(env)
}

func (p *Plain) EncodeReply(env *Envelope) ([]byte, error) {
	env.SenderID = p.identity
	env.MsgTime = time.Now().Unix()
	return json.Marshal(env)
}

func (p *Plain) Decode(wire []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(wire, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSecurityValidation, err)
	}
	return &env, nil
}

func (p *Plain) ValidCallerID(id string) bool {
	return ValidCallerID(id)
}

func (p *Plain) CallerID() string {
	return p.callerID
}
