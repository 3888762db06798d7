package weft

// Chunk is one value produced by a Runner. Type is free-form and opaque to
// the runtime; behavior is driven entirely by which of Message and Usage are
// set. A chunk carrying neither is a no-op.
type Chunk struct {
	Type    string        `json:"type,omitempty"`
	Message *ChunkMessage `json:"message,omitempty"`
	Usage   *Usage        `json:"usage,omitempty"`
}

// ChunkMessage is the message payload of a chunk. Role is informational; the
// runtime records all produced messages as assistant messages.
type ChunkMessage struct {
	Role    string         `json:"role,omitempty"`
	Content MessageContent `json:"content,omitempty"`
}

// TextChunk builds an assistant chunk carrying one piece of text.
func TextChunk(text string) Chunk {
	return Chunk{
		Type:    "assistant",
		Message: &ChunkMessage{Role: RoleAssistant, Content: Text(text)},
	}
}

// UsageChunk builds a chunk reporting token usage. Counts from multiple
// usage chunks accumulate.
func UsageChunk(promptTokens, completionTokens int) Chunk {
	return Chunk{
		Type:  "result",
		Usage: &Usage{PromptTokens: promptTokens, CompletionTokens: completionTokens},
	}
}

// chunkBlocks extracts the ordered text blocks a chunk contributes. Nil for
// chunks without a message.
func chunkBlocks(c Chunk) []ContentBlock {
	if c.Message == nil {
		return nil
	}
	return c.Message.Content.Blocks()
}

// chunkCollector folds a run's chunk stream into output messages and usage.
//
// In its default mode, used by the blocking and background run paths, every
// message-bearing chunk becomes its own completed assistant message. The
// streaming path calls ensureMessage up front, which switches the collector
// to accumulate all content into that single announced message instead.
type chunkCollector struct {
	threadID string
	runID    string

	output []Message
	eager  *Message

	promptTokens     int
	completionTokens int
	hasUsage         bool
}

func newChunkCollector(threadID, runID string) *chunkCollector {
	return &chunkCollector{threadID: threadID, runID: runID}
}

// ensureMessage materializes the single accumulating message and returns it.
// Idempotent. The returned pointer stays live: add grows its content and
// finish marks it completed.
func (c *chunkCollector) ensureMessage() *Message {
	if c.eager == nil {
		c.eager = &Message{
			ID:        NewMessageID(),
			Object:    ObjectMessage,
			CreatedAt: NowUnix(),
			ThreadID:  c.threadID,
			RunID:     c.runID,
			Role:      RoleAssistant,
			Status:    MessageInProgress,
			Content:   []ContentBlock{},
		}
	}
	return c.eager
}

// add folds one chunk in. The second return reports whether the chunk
// carried a message; blocks are the content it contributed, possibly empty.
func (c *chunkCollector) add(chunk Chunk) ([]ContentBlock, bool) {
	if chunk.Usage != nil {
		c.promptTokens += chunk.Usage.PromptTokens
		c.completionTokens += chunk.Usage.CompletionTokens
		c.hasUsage = true
	}
	if chunk.Message == nil {
		return nil, false
	}
	blocks := chunkBlocks(chunk)
	if c.eager != nil {
		c.eager.Content = append(c.eager.Content, blocks...)
		return blocks, true
	}
	msg := Message{
		ID:        NewMessageID(),
		Object:    ObjectMessage,
		CreatedAt: NowUnix(),
		ThreadID:  c.threadID,
		RunID:     c.runID,
		Role:      RoleAssistant,
		Status:    MessageCompleted,
		Content:   blocks,
	}
	if msg.Content == nil {
		msg.Content = []ContentBlock{}
	}
	c.output = append(c.output, msg)
	return blocks, true
}

// finish closes the fold: the accumulating message, if any, is marked
// completed, and usage totals are computed. Output is never nil, and in
// accumulating mode it is empty when no content was produced.
func (c *chunkCollector) finish() ([]Message, *Usage) {
	var usage *Usage
	if c.hasUsage {
		usage = &Usage{
			PromptTokens:     c.promptTokens,
			CompletionTokens: c.completionTokens,
			TotalTokens:      c.promptTokens + c.completionTokens,
		}
	}
	if c.eager != nil {
		c.eager.Status = MessageCompleted
		if len(c.eager.Content) == 0 {
			return []Message{}, usage
		}
		return []Message{*c.eager}, usage
	}
	if c.output == nil {
		return []Message{}, usage
	}
	return c.output, usage
}
