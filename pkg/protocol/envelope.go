package protocol

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AgentName identifies a participant in the review pipeline.
type AgentName string

const (
	AgentReader       AgentName = "reader"
	AgentCritic       AgentName = "critic"
	AgentMetaReviewer AgentName = "meta_reviewer"
	AgentCite         AgentName = "cite"
	AgentOrchestrator AgentName = "orchestrator"
)

// Agents is the fixed set of valid envelope senders and receivers.
var Agents = []AgentName{AgentReader, AgentCritic, AgentMetaReviewer, AgentCite, AgentOrchestrator}

// ValidAgent reports whether name belongs to the fixed agent set.
func ValidAgent(name AgentName) bool {
	for _, a := range Agents {
		if a == name {
			return true
		}
	}
	return false
}

// MessageType classifies an envelope.
type MessageType string

const (
	MessageRequest  MessageType = "request"
	MessageResponse MessageType = "response"
	MessageError    MessageType = "error"
)

// MetaInReplyTo is the payload metadata key carrying the message_id of the
// request a response or error answers.
const MetaInReplyTo = "in_reply_to"

// Payload is the typed body of an envelope. Error carries the agent-supplied
// error text on message_type "error" envelopes.
type Payload struct {
	Action   string         `json:"action,omitempty"`
	Data     map[string]any `json:"data"`
	Metadata map[string]any `json:"metadata"`
	Error    string         `json:"error,omitempty"`
}

// Context ties an envelope to one document review run.
type Context struct {
	PaperID   string `json:"paper_id,omitempty"`
	SessionID string `json:"session_id"`
}

// Envelope is the fundamental unit of communication between the orchestrator
// and the agent services.
type Envelope struct {
	MessageID   string      `json:"message_id"`
	Sender      AgentName   `json:"sender"`
	Receiver    AgentName   `json:"receiver"`
	Timestamp   time.Time   `json:"timestamp"`
	MessageType MessageType `json:"message_type"`
	Payload     Payload     `json:"payload"`
	Context     Context     `json:"context"`
}

// MalformedEnvelopeError reports an envelope that fails structural validation.
type MalformedEnvelopeError struct {
	Reason string
}

func (e *MalformedEnvelopeError) Error() string {
	return "malformed envelope: " + e.Reason
}

// NewRequest builds a request envelope with a fresh message ID and timestamp.
func NewRequest(sender, receiver AgentName, action string, data map[string]any, ctx Context) Envelope {
	if data == nil {
		data = map[string]any{}
	}
	return Envelope{
		MessageID:   uuid.NewString(),
		Sender:      sender,
		Receiver:    receiver,
		Timestamp:   time.Now().UTC(),
		MessageType: MessageRequest,
		Payload: Payload{
			Action:   action,
			Data:     data,
			Metadata: map[string]any{},
		},
		Context: ctx,
	}
}

// NewResponse builds a response to req, correlated via metadata in_reply_to
// and carrying the request's context unchanged.
func NewResponse(req Envelope, sender AgentName, data map[string]any) Envelope {
	if data == nil {
		data = map[string]any{}
	}
	return Envelope{
		MessageID:   uuid.NewString(),
		Sender:      sender,
		Receiver:    req.Sender,
		Timestamp:   time.Now().UTC(),
		MessageType: MessageResponse,
		Payload: Payload{
			Action:   req.Payload.Action,
			Data:     data,
			Metadata: map[string]any{MetaInReplyTo: req.MessageID},
		},
		Context: req.Context,
	}
}

// NewError builds an error envelope answering req. The error text is carried
// verbatim in the payload.
func NewError(req Envelope, sender AgentName, errText string) Envelope {
	return Envelope{
		MessageID:   uuid.NewString(),
		Sender:      sender,
		Receiver:    req.Sender,
		Timestamp:   time.Now().UTC(),
		MessageType: MessageError,
		Payload: Payload{
			Action:   req.Payload.Action,
			Data:     map[string]any{},
			Metadata: map[string]any{MetaInReplyTo: req.MessageID},
			Error:    errText,
		},
		Context: req.Context,
	}
}

// Validate checks the structural invariants of an envelope: receiver in the
// fixed agent set, a known message type, and a payload action on requests.
func (e *Envelope) Validate() error {
	if !ValidAgent(e.Receiver) {
		return &MalformedEnvelopeError{Reason: fmt.Sprintf("unknown receiver %q", e.Receiver)}
	}
	if !ValidAgent(e.Sender) {
		return &MalformedEnvelopeError{Reason: fmt.Sprintf("unknown sender %q", e.Sender)}
	}
	switch e.MessageType {
	case MessageRequest, MessageResponse, MessageError:
	default:
		return &MalformedEnvelopeError{Reason: fmt.Sprintf("unknown message_type %q", e.MessageType)}
	}
	if e.MessageType == MessageRequest && e.Payload.Action == "" {
		return &MalformedEnvelopeError{Reason: "request payload missing action"}
	}
	return nil
}

// InReplyTo returns the correlated request message ID, if present.
func (e *Envelope) InReplyTo() string {
	if e.Payload.Metadata == nil {
		return ""
	}
	id, _ := e.Payload.Metadata[MetaInReplyTo].(string)
	return id
}
