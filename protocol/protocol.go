// Package protocol defines the JSON frames exchanged between the broker and
// agents over a persistent bidirectional session. Every frame carries a
// "type" discriminator; unknown types are protocol errors. The same shapes
// are used by the websocket transport, the local in-process transport, the
// remote-agent HTTP interface, and the agent SDK.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/taskex/taskex/types"
)

// Version is the protocol version exchanged in register/registered frames.
const Version = "1.0"

// MessageType discriminates wire frames.
type MessageType string

const (
	MsgRegister       MessageType = "register"
	MsgRegistered     MessageType = "registered"
	MsgBidRequest     MessageType = "bid_request"
	MsgBidResponse    MessageType = "bid_response"
	MsgTaskAssignment MessageType = "task_assignment"
	MsgTaskResult     MessageType = "task_result"
	MsgTaskCancel     MessageType = "task_cancel"
	MsgPing           MessageType = "ping"
	MsgPong           MessageType = "pong"
	MsgError          MessageType = "error"
)

// Protocol-level error codes carried in Error frames.
const (
	CodeUnknownType     = "UNKNOWN_MESSAGE_TYPE"
	CodeVersionMismatch = "PROTOCOL_VERSION_MISMATCH"
	CodeMalformedFrame  = "MALFORMED_FRAME"
	CodeNotRegistered   = "NOT_REGISTERED"
	CodeAuthFailed      = "AUTH_FAILED"
)

// Decode errors.
var (
	ErrMalformedFrame = errors.New("protocol: malformed frame")
	ErrUnknownType    = errors.New("protocol: unknown message type")
)

// Envelope is the minimal frame used to sniff the type before decoding the
// concrete message.
type Envelope struct {
	Type MessageType `json:"type"`
}

// Register is sent by an agent immediately after connecting.
type Register struct {
	Type            MessageType             `json:"type"`
	ProtocolVersion string                  `json:"protocolVersion"`
	AgentID         string                  `json:"agentId"`
	AgentVersion    string                  `json:"agentVersion"`
	Categories      []string                `json:"categories,omitempty"`
	Capabilities    types.AgentCapabilities `json:"capabilities"`
	APIKey          string                  `json:"apiKey,omitempty"`
}

// SessionConfig is handed to the agent in the Registered ack.
type SessionConfig struct {
	HeartbeatIntervalMs int64 `json:"heartbeatIntervalMs"`
	DefaultTimeoutMs    int64 `json:"defaultTimeoutMs"`
}

// Registered acknowledges a successful registration.
type Registered struct {
	Type            MessageType   `json:"type"`
	ProtocolVersion string        `json:"protocolVersion"`
	AgentID         string        `json:"agentId"`
	Config          SessionConfig `json:"config"`
}

// BidContext is forwarded alongside a bid request so agents can price their
// confidence. The broker never inspects it beyond assembly.
type BidContext struct {
	QueueDepth          int      `json:"queueDepth"`
	ConversationHistory []string `json:"conversationHistory,omitempty"`
	ParticipatingAgents []string `json:"participatingAgents,omitempty"`
	Categories          []string `json:"categories,omitempty"`
}

// BidRequest invites an agent into an auction. Deadline is the absolute
// close time of the order book.
type BidRequest struct {
	Type      MessageType `json:"type"`
	AuctionID string      `json:"auctionId"`
	Task      *types.Task `json:"task"`
	Context   BidContext  `json:"context"`
	Deadline  time.Time   `json:"deadline"`
}

// BidResponse carries the agent's sealed bid. A nil Bid is a formal decline.
type BidResponse struct {
	Type         MessageType `json:"type"`
	AuctionID    string      `json:"auctionId"`
	AgentID      string      `json:"agentId"`
	AgentVersion string      `json:"agentVersion"`
	Bid          *types.Bid  `json:"bid"`
}

// TaskAssignment dispatches a task to the winning (or backup) agent.
type TaskAssignment struct {
	Type           MessageType `json:"type"`
	TaskID         string      `json:"taskId"`
	Task           *types.Task `json:"task"`
	IsBackup       bool        `json:"isBackup"`
	BackupIndex    int         `json:"backupIndex"`
	TimeoutMs      int64       `json:"timeout"`
	PreviousErrors []string    `json:"previousErrors,omitempty"`
}

// TaskResultMsg reports the outcome of an execution back to the broker.
type TaskResultMsg struct {
	Type    MessageType       `json:"type"`
	TaskID  string            `json:"taskId"`
	AgentID string            `json:"agentId"`
	Result  *types.TaskResult `json:"result"`
}

// TaskCancel is a best-effort hint that the broker no longer wants the
// result of an outstanding assignment.
type TaskCancel struct {
	Type   MessageType `json:"type"`
	TaskID string      `json:"taskId"`
	Reason string      `json:"reason,omitempty"`
}

// Ping and Pong carry liveness timestamps in either direction.
type Ping struct {
	Type      MessageType `json:"type"`
	Timestamp int64       `json:"timestamp"`
}

// Pong answers a Ping.
type Pong struct {
	Type      MessageType `json:"type"`
	Timestamp int64       `json:"timestamp"`
}

// Error reports a protocol violation to the offending peer.
type Error struct {
	Type    MessageType `json:"type"`
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details string      `json:"details,omitempty"`
}

// NewError builds an Error frame.
func NewError(code, message string) *Error {
	return &Error{Type: MsgError, Code: code, Message: message}
}

// Encode marshals a frame to its JSON wire form.
func Encode(msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode: %w", err)
	}
	return data, nil
}

// Decode parses a raw frame into its concrete message struct, dispatching
// on the type field. Returns ErrMalformedFrame for unparseable input and
// ErrUnknownType for unrecognized discriminators.
func Decode(data []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	var msg any
	switch env.Type {
	case MsgRegister:
		msg = &Register{}
	case MsgRegistered:
		msg = &Registered{}
	case MsgBidRequest:
		msg = &BidRequest{}
	case MsgBidResponse:
		msg = &BidResponse{}
	case MsgTaskAssignment:
		msg = &TaskAssignment{}
	case MsgTaskResult:
		msg = &TaskResultMsg{}
	case MsgTaskCancel:
		msg = &TaskCancel{}
	case MsgPing:
		msg = &Ping{}
	case MsgPong:
		msg = &Pong{}
	case MsgError:
		msg = &Error{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return msg, nil
}
