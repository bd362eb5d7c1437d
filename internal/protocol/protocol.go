// Package protocol defines the JSON frames exchanged with clients.
//
// Inbound frames are a tagged union routed by "type"; outbound frames
// are either agent output passed through verbatim or one of the
// protocol-owned variants (ask_user_question, error).
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
)

// Inbound frame types
const (
	TypeInitialize              = "initialize"
	TypeUserMessage             = "user_message"
	TypeAskUserQuestionResponse = "ask_user_question_response"
	TypeInterrupt               = "interrupt"
)

// Outbound frame types
const (
	TypeAskUserQuestion = "ask_user_question"
	TypeError           = "error"
)

var (
	// ErrInvalidPayload indicates a frame that is not a JSON object with
	// a "type" field.
	ErrInvalidPayload = errors.New("invalid payload")
	// ErrUnknownType indicates an unrecognized frame type.
	ErrUnknownType = errors.New("unknown message type")
)

// QuestionOption is one selectable answer for a question.
type QuestionOption struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// Question is a single question the agent poses to the human.
type Question struct {
	Question    string           `json:"question"`
	Header      string           `json:"header,omitempty"`
	Options     []QuestionOption `json:"options,omitempty"`
	MultiSelect bool             `json:"multiSelect,omitempty"`
}

// QuestionSet is the AskUserQuestion tool input: the questions posed,
// and once answered, the answers keyed by question.
type QuestionSet struct {
	Questions []Question        `json:"questions"`
	Answers   map[string]string `json:"answers,omitempty"`
}

// UserMessage is the payload of a user_message frame. Images are data
// URIs decoded on egress to the agent.
type UserMessage struct {
	Message string   `json:"message"`
	Images  []string `json:"images,omitempty"`
}

// Configuration is the payload of an initialize frame. Agent and MCP
// definitions are opaque to the bridge and forwarded as-is.
type Configuration struct {
	Agents       map[string]json.RawMessage `json:"agents,omitempty"`
	AllowedTools []string                   `json:"allowedTools,omitempty"`
	MCPServers   map[string]json.RawMessage `json:"mcpServers,omitempty"`
	SystemPrompt string                     `json:"systemPrompt,omitempty"`
}

// Envelope is a parsed inbound frame. Exactly one payload field is set
// according to Type; Raw preserves the original frame for re-broadcast.
type Envelope struct {
	Type        string
	Raw         []byte
	UserMessage *UserMessage
	Answer      *QuestionSet
	Config      *Configuration
}

type inboundFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ParseInbound validates and decodes a raw client frame.
func ParseInbound(raw []byte) (*Envelope, error) {
	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if frame.Type == "" {
		return nil, ErrInvalidPayload
	}

	env := &Envelope{
		Type: frame.Type,
		Raw:  append([]byte(nil), raw...),
	}

	switch frame.Type {
	case TypeInitialize:
		env.Config = &Configuration{}
		if len(frame.Data) > 0 {
			if err := json.Unmarshal(frame.Data, env.Config); err != nil {
				return nil, fmt.Errorf("%w: bad initialize data: %v", ErrInvalidPayload, err)
			}
		}

	case TypeUserMessage:
		env.UserMessage = &UserMessage{}
		if err := json.Unmarshal(frame.Data, env.UserMessage); err != nil {
			return nil, fmt.Errorf("%w: bad user_message data: %v", ErrInvalidPayload, err)
		}

	case TypeAskUserQuestionResponse:
		env.Answer = &QuestionSet{}
		if err := json.Unmarshal(frame.Data, env.Answer); err != nil {
			return nil, fmt.Errorf("%w: bad ask_user_question_response data: %v", ErrInvalidPayload, err)
		}

	case TypeInterrupt:
		// No payload.

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, frame.Type)
	}

	return env, nil
}

// ErrorFrame builds an outbound error frame.
func ErrorFrame(msg string) []byte {
	frame, _ := json.Marshal(struct {
		Type  string `json:"type"`
		Error string `json:"error"`
	}{TypeError, msg})
	return frame
}

// QuestionFrame builds an outbound ask_user_question frame.
func QuestionFrame(q *QuestionSet) ([]byte, error) {
	return json.Marshal(struct {
		Type string       `json:"type"`
		Data *QuestionSet `json:"data"`
	}{TypeAskUserQuestion, q})
}

var dataURIPattern = regexp.MustCompile(`^data:([^;]+);base64,(.+)$`)

// DecodeDataURI splits a base64 data URI into its media type and
// payload. ok is false when the string is not a base64 data URI.
func DecodeDataURI(uri string) (mediaType, data string, ok bool) {
	m := dataURIPattern.FindStringSubmatch(uri)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}
