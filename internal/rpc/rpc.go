// Package rpc layers agent actions, discovery, limiting and batching on top
// of the request/reply client.
package rpc

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aixgo-dev/fleet/internal/message"
)

// StatusCode is the outcome a node reports for one action.
type StatusCode int

const (
	OK            StatusCode = 0
	Aborted       StatusCode = 1
	UnknownAction StatusCode = 2
	MissingData   StatusCode = 3
	InvalidData   StatusCode = 4
	UnknownError  StatusCode = 5
)

var statusMessages = map[StatusCode]string{
	OK:            "OK",
	Aborted:       "Aborted",
	UnknownAction: "Unknown Action",
	MissingData:   "Missing Request Data",
	InvalidData:   "Invalid Request Data",
	UnknownError:  "Unknown Request Status",
}

func (s StatusCode) String() string {
	if msg, ok := statusMessages[s]; ok {
		return msg
	}
	return fmt.Sprintf("status %d", int(s))
}

var (
	// ErrNoNodesDiscovered is returned when a call finds nothing to address
	ErrNoNodesDiscovered = errors.New("no request sent, we did not discover any nodes")

	// ErrBatchRequiresDirect is returned for batched calls without direct addressing
	ErrBatchRequiresDirect = errors.New("batched requests requires direct addressing")

	// ErrBatchResultProcessing is returned when a batched call disables result processing
	ErrBatchResultProcessing = errors.New("cannot bypass result processing for batched requests")

	// ErrDiscoveryDataRequiresDirect is returned when node lists are supplied without direct addressing
	ErrDiscoveryDataRequiresDirect = errors.New("can only supply discovery data if direct_addressing is enabled")
)

// Request is the body of an RPC request message.
type Request struct {
	Agent          string         `json:"agent"`
	Action         string         `json:"action"`
	Data           map[string]any `json:"data"`
	Caller         string         `json:"caller,omitempty"`
	ProcessResults bool           `json:"process_results"`
}

// Reply is the body a node sends back.
type Reply struct {
	StatusCode StatusCode     `json:"statuscode"`
	StatusMsg  string         `json:"statusmsg"`
	Data       map[string]any `json:"data"`
}

// NewReply returns an OK reply with empty data
func NewReply() *Reply {
	return &Reply{StatusCode: OK, StatusMsg: OK.String(), Data: map[string]any{}}
}

// Fail sets a failure status. The data gathered so far is kept.
func (r *Reply) Fail(code StatusCode, msg string) {
	r.StatusCode = code
	r.StatusMsg = msg
}

// Result is one node's reply to an action.
type Result struct {
	Agent      string         `json:"agent"`
	Action     string         `json:"action"`
	Sender     string         `json:"sender"`
	StatusCode StatusCode     `json:"statuscode"`
	StatusMsg  string         `json:"statusmsg"`
	Data       map[string]any `json:"data"`
}

// OK reports whether the node completed the action
func (r Result) OK() bool { return r.StatusCode == OK }

// ResultFromReply builds a Result out of a received reply message.
func ResultFromReply(agent, action string, msg *message.Message) (Result, error) {
	var reply Reply
	if err := json.Unmarshal(msg.Body, &reply); err != nil {
		return Result{}, fmt.Errorf("decode reply from %s: %w", msg.SenderID, err)
	}
	if reply.Data == nil {
		reply.Data = map[string]any{}
	}
	return Result{
		Agent:      agent,
		Action:     action,
		Sender:     msg.SenderID,
		StatusCode: reply.StatusCode,
		StatusMsg:  reply.StatusMsg,
		Data:       reply.Data,
	}, nil
}

// ReplyHandler receives every reply of a call: the decoded payload and the
// envelope it came in.
type ReplyHandler func(reply Result, msg *message.Message)
