package weft

import (
	"encoding/json"
	"fmt"
)

// RunRequest is the wire body for creating a run (async, sync, or streaming).
// ThreadID is optional; when empty a fresh thread is created for the run.
type RunRequest struct {
	ThreadID string         `json:"thread_id,omitempty"`
	Input    RunInput       `json:"input"`
	Config   *RunConfig     `json:"config,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// RunInput wraps the submitted messages.
type RunInput struct {
	Messages []InputMessage `json:"messages"`
}

// InputMessage is one submitted message. Role is user, assistant, or system;
// system messages are accepted but never appended to threads.
type InputMessage struct {
	Role     string         `json:"role"`
	Content  MessageContent `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ContentPart is one element of structured message content. Parts with
// Type "text" carry text; other types are preserved on the wire but dropped
// when converting to content blocks.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// MessageContent is the string-or-parts union used by input messages and
// runner chunks. On the wire it is either a JSON string or an array of parts;
// the submitted form round-trips through marshal/unmarshal unchanged.
//
// Construct values with Text or Parts. The zero value carries no content and
// marshals as an empty string.
type MessageContent struct {
	text  string
	parts []ContentPart
	form  contentForm
}

type contentForm int

const (
	contentZero contentForm = iota
	contentText
	contentParts
)

// Text wraps a plain string as message content. The empty string is valid
// content and converts to a single empty text block.
func Text(s string) MessageContent {
	return MessageContent{text: s, form: contentText}
}

// Parts wraps structured parts as message content.
func Parts(parts ...ContentPart) MessageContent {
	return MessageContent{parts: parts, form: contentParts}
}

// TextPart builds a text content part.
func TextPart(s string) ContentPart {
	return ContentPart{Type: "text", Text: s}
}

// IsZero reports whether the content was never set.
func (c MessageContent) IsZero() bool { return c.form == contentZero }

// Blocks converts the content to text content blocks:
// string form yields exactly one block (even when empty); parts form yields
// one block per text part, in order, dropping non-text parts; the zero value
// yields nil.
func (c MessageContent) Blocks() []ContentBlock {
	switch c.form {
	case contentText:
		return []ContentBlock{TextBlock(c.text)}
	case contentParts:
		var blocks []ContentBlock
		for _, p := range c.parts {
			if p.Type == "text" {
				blocks = append(blocks, TextBlock(p.Text))
			}
		}
		return blocks
	default:
		return nil
	}
}

// MarshalJSON emits the submitted form: a JSON string or an array of parts.
func (c MessageContent) MarshalJSON() ([]byte, error) {
	switch c.form {
	case contentParts:
		return json.Marshal(c.parts)
	default:
		return json.Marshal(c.text)
	}
}

// UnmarshalJSON accepts a JSON string or an array of parts.
func (c *MessageContent) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*c = Text(s)
		return nil
	}
	var parts []ContentPart
	if err := json.Unmarshal(data, &parts); err == nil {
		*c = Parts(parts...)
		return nil
	}
	return fmt.Errorf("message content must be a string or an array of parts, got %s", truncateJSON(data))
}

func truncateJSON(data []byte) string {
	const max = 40
	if len(data) > max {
		return string(data[:max]) + "..."
	}
	return string(data)
}

// asMessage converts an input message to a stored Message with the given
// thread id. Content follows the same block conversion as runner chunks.
func (m InputMessage) asMessage(threadID string) Message {
	blocks := m.Content.Blocks()
	if blocks == nil {
		blocks = []ContentBlock{}
	}
	return Message{
		ID:        NewMessageID(),
		Object:    ObjectMessage,
		CreatedAt: NowUnix(),
		ThreadID:  threadID,
		Role:      m.Role,
		Status:    MessageCompleted,
		Content:   blocks,
		Metadata:  m.Metadata,
	}
}
