package agent

import (
	"encoding/json"
	"fmt"
	"time"
)

// Request is the node side view of an inbound request.
// It carries the decoded body plus the envelope fields a handler may
// need for auditing or routing.
type Request struct {
	// Agent is the name the request was addressed to.
	Agent string

	// Collective the request was received on.
	Collective string

	// RequestID identifies the call across all nodes that received it.
	RequestID string

	// SenderID is the identity of the client that published the request.
	SenderID string

	// CallerID is the authenticated caller, e.g. "uid=500".
	CallerID string

	// Body is the request payload as sent by the client.
	Body json.RawMessage

	// Time is when the client created the request.
	Time time.Time

	// TTL is how long the request stays valid after Time.
	TTL time.Duration
}

// UnmarshalBody deserializes the request body into the provided value.
// The value should be a pointer to the desired type.
//
//	var req rpc.Request
//	if err := r.UnmarshalBody(&req); err != nil {
//	    return nil, err
//	}
func (r *Request) UnmarshalBody(v any) error {
	if len(r.Body) == 0 {
		return fmt.Errorf("request %s body is empty", r.RequestID)
	}
	return json.Unmarshal(r.Body, v)
}

// String returns a human-readable representation of the request for debugging.
func (r *Request) String() string {
	return fmt.Sprintf("Request{ID:%s, Agent:%s, Caller:%s, Sender:%s}", r.RequestID, r.Agent, r.CallerID, r.SenderID)
}
