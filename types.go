package weft

// --- Object discriminators (wire `object` field) ---

const (
	ObjectThread       = "thread"
	ObjectMessage      = "thread.message"
	ObjectRun          = "thread.run"
	ObjectMessageDelta = "thread.message.delta"
)

// --- Roles ---

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// --- Message statuses ---

const (
	MessageInProgress = "in_progress"
	MessageIncomplete = "incomplete"
	MessageCompleted  = "completed"
)

// RunStatus is the lifecycle state of a Run. Transitions are monotonic:
// queued → in_progress → one terminal status. Terminal statuses are sticky.
type RunStatus string

const (
	RunQueued     RunStatus = "queued"
	RunInProgress RunStatus = "in_progress"
	RunCompleted  RunStatus = "completed"
	RunFailed     RunStatus = "failed"
	RunCancelled  RunStatus = "cancelled"
	RunExpired    RunStatus = "expired"
)

// Terminal reports whether the status is final. No writer may move a run out
// of a terminal status.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled, RunExpired:
		return true
	}
	return false
}

// --- Domain records ---

// Thread is a durable conversation: an ordered message list plus metadata.
type Thread struct {
	ID        string         `json:"id"`
	Object    string         `json:"object"` // ObjectThread
	CreatedAt int64          `json:"created_at"`
	Messages  []Message      `json:"messages"`
	Metadata  map[string]any `json:"metadata"`
}

// Message is one turn stored on a thread or produced by a run.
// Content is a list of typed blocks; only text blocks exist today.
type Message struct {
	ID        string         `json:"id"`
	Object    string         `json:"object"` // ObjectMessage
	CreatedAt int64          `json:"created_at"`
	ThreadID  string         `json:"thread_id,omitempty"`
	RunID     string         `json:"run_id,omitempty"`
	Role      string         `json:"role"` // RoleUser or RoleAssistant
	Status    string         `json:"status"`
	Content   []ContentBlock `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ContentBlock is one typed unit of message content.
type ContentBlock struct {
	Type string      `json:"type"` // "text"
	Text TextContent `json:"text"`
}

// TextContent is the payload of a text block. Annotations is reserved and
// always serializes as an array.
type TextContent struct {
	Value       string `json:"value"`
	Annotations []any  `json:"annotations"`
}

// TextBlock wraps a string as a text content block.
func TextBlock(value string) ContentBlock {
	return ContentBlock{Type: "text", Text: TextContent{Value: value, Annotations: []any{}}}
}

// Run is one execution of the agent against input messages. Output, usage,
// last_error, and the phase timestamps fill in as the run progresses.
type Run struct {
	ID          string         `json:"id"`
	Object      string         `json:"object"` // ObjectRun
	CreatedAt   int64          `json:"created_at"`
	ThreadID    string         `json:"thread_id,omitempty"`
	Status      RunStatus      `json:"status"`
	Input       []InputMessage `json:"input"`
	Output      []Message      `json:"output,omitempty"`
	LastError   *RunError      `json:"last_error,omitempty"`
	Usage       *Usage         `json:"usage,omitempty"`
	Config      *RunConfig     `json:"config,omitempty"`
	Metadata    map[string]any `json:"metadata"`
	StartedAt   *int64         `json:"started_at,omitempty"`
	CompletedAt *int64         `json:"completed_at,omitempty"`
	CancelledAt *int64         `json:"cancelled_at,omitempty"`
	FailedAt    *int64         `json:"failed_at,omitempty"`
}

// RunError is the terminal error recorded on a failed run.
type RunError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Usage is the token accounting for a run. Counts accumulate across a run's
// usage reports; TotalTokens is always prompt + completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// RunConfig carries per-run execution knobs. MaxIterations is interpreted by
// the runner; TimeoutMS is enforced by the runtime as a deadline on the
// execution context.
type RunConfig struct {
	MaxIterations int   `json:"max_iterations,omitempty"`
	TimeoutMS     int64 `json:"timeout_ms,omitempty"`
}

// --- Record constructors ---

// NewThread constructs an unsaved Thread with a fresh id and no messages.
// Stores persist what this returns so every backend shares one record shape.
func NewThread(metadata map[string]any) *Thread {
	if metadata == nil {
		metadata = map[string]any{}
	}
	return &Thread{
		ID:        NewThreadID(),
		Object:    ObjectThread,
		CreatedAt: NowUnix(),
		Messages:  []Message{},
		Metadata:  metadata,
	}
}

// RunParams are the caller-supplied parts of a new run.
type RunParams struct {
	ThreadID string
	Input    []InputMessage
	Config   *RunConfig
	Metadata map[string]any
}

// NewRun constructs an unsaved Run in status queued.
func NewRun(p RunParams) *Run {
	input := p.Input
	if input == nil {
		input = []InputMessage{}
	}
	metadata := p.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	return &Run{
		ID:        NewRunID(),
		Object:    ObjectRun,
		CreatedAt: NowUnix(),
		ThreadID:  p.ThreadID,
		Status:    RunQueued,
		Input:     input,
		Config:    p.Config,
		Metadata:  metadata,
	}
}
