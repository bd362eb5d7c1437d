package agent

import (
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/frontic/frontic/internal/logger"
	"github.com/frontic/frontic/internal/protocol"
)

// streamInput is one line of stream-json input to the agent process.
type streamInput struct {
	Type            string                 `json:"type"`
	Message         anthropic.MessageParam `json:"message"`
	ParentToolUseID *string                `json:"parent_tool_use_id"`
	SessionID       string                 `json:"session_id"`
}

// buildStreamInput turns a client user message into the agent's wire
// form. Text becomes a text block; each image data URI becomes a
// base64 image block. Images that fail to decode are dropped with a
// warning rather than failing the whole message.
func buildStreamInput(msg *protocol.UserMessage) ([]byte, error) {
	var blocks []anthropic.ContentBlockParamUnion

	if msg.Message != "" {
		blocks = append(blocks, anthropic.NewTextBlock(msg.Message))
	}

	for _, uri := range msg.Images {
		mediaType, data, ok := protocol.DecodeDataURI(uri)
		if !ok {
			logger.Warn("dropping image attachment that is not a base64 data URI")
			continue
		}
		blocks = append(blocks, anthropic.NewImageBlockBase64(mediaType, data))
	}

	if len(blocks) == 0 {
		return nil, fmt.Errorf("user message has no content")
	}

	input := streamInput{
		Type: "user",
		Message: anthropic.MessageParam{
			Role:    anthropic.MessageParamRoleUser,
			Content: blocks,
		},
	}

	out, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("encoding user message: %w", err)
	}
	return out, nil
}

// streamEvent is the subset of the agent's output lines the driver
// inspects for lifecycle bookkeeping. Everything else in a line passes
// through to clients untouched.
type streamEvent struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
}

// controlRequest is the agent asking the host for a decision, most
// importantly whether a tool may run.
type controlRequest struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Request   struct {
		Subtype  string          `json:"subtype"`
		ToolName string          `json:"tool_name"`
		Input    json.RawMessage `json:"input"`
	} `json:"request"`
}

type controlResponse struct {
	Type     string              `json:"type"`
	Response controlResponseBody `json:"response"`
}

type controlResponseBody struct {
	Subtype   string           `json:"subtype"`
	RequestID string           `json:"request_id"`
	Response  *permissionGrant `json:"response,omitempty"`
	Error     string           `json:"error,omitempty"`
}

type permissionGrant struct {
	Behavior     string          `json:"behavior"`
	UpdatedInput json.RawMessage `json:"updatedInput,omitempty"`
	Message      string          `json:"message,omitempty"`
}

func encodeAllowResponse(requestID string, updatedInput json.RawMessage) ([]byte, error) {
	resp := controlResponse{
		Type: "control_response",
		Response: controlResponseBody{
			Subtype:   "success",
			RequestID: requestID,
			Response: &permissionGrant{
				Behavior:     "allow",
				UpdatedInput: updatedInput,
			},
		},
	}
	return json.Marshal(resp)
}

func encodeErrorResponse(requestID, message string) ([]byte, error) {
	resp := controlResponse{
		Type: "control_response",
		Response: controlResponseBody{
			Subtype:   "error",
			RequestID: requestID,
			Error:     message,
		},
	}
	return json.Marshal(resp)
}
