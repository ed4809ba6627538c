// Package v1 contains the row and event types shared across the task-queue
// core. These are plain data types; persistence and validation live in
// internal/store and internal/task.
package v1

import "time"

// TaskStatus is the task status-machine state (spec §4.7).
type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusPlanning  TaskStatus = "planning"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
	TaskStatusPaused    TaskStatus = "paused"
)

// Task is the durable unit of work tracked by the queue.
type Task struct {
	ID       string
	Title    string
	Prompt   string
	Model    string
	ModelParams map[string]any

	Status     TaskStatus
	Priority   int
	QueueOrder int64

	QueuedAt         *time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
	ArchivedAt       *time.Time
	PromptInjectedAt *time.Time

	InheritContext bool
	ParentTaskID   *string
	ThreadID       string

	Result      string
	ResultSummary string
	LastError   string
	RetryCount  int
	MaxRetries  int

	CreatedAt time.Time
	CreatedBy string

	// Metadata is an opaque transport-supplied bag of tags, carried
	// through as a JSON column; no invariant in spec §3/§8 touches it.
	Metadata map[string]any
}

// PlanStepStatus is the lifecycle state of one PlanStep.
type PlanStepStatus string

const (
	PlanStepPending   PlanStepStatus = "pending"
	PlanStepRunning   PlanStepStatus = "running"
	PlanStepCompleted PlanStepStatus = "completed"
	PlanStepFailed    PlanStepStatus = "failed"
	PlanStepSkipped   PlanStepStatus = "skipped"
)

// PlanStep is one ordered subtask within a Task.
type PlanStep struct {
	TaskID      string
	StepNumber  int
	Title       string
	Description string
	Status      PlanStepStatus
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// PlanStepInput is the unvalidated shape returned by TaskPlanner before
// numbering (spec §4.5).
type PlanStepInput struct {
	StepNumber  int    `json:"stepNumber"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// MessageRole is the role tag of a TaskMessage / ConversationMessage.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleTool      MessageRole = "tool"
)

// TaskMessage belongs to one Task, optionally to one PlanStep.
type TaskMessage struct {
	ID          int64
	TaskID      string
	PlanStepID  *int64
	Role        MessageRole
	Content     string
	MessageType string
	ModelUsed   string
	TokenCount  int
	CreatedAt   time.Time
}

// TaskContext is an append-only side log per task (summaries, transcripts).
type TaskContext struct {
	TaskID      string
	ContextType string
	Content     string
	CreatedAt   time.Time
}

// ConversationStatus is the lifecycle state of a Conversation.
type ConversationStatus string

const (
	ConversationActive   ConversationStatus = "active"
	ConversationArchived ConversationStatus = "archived"
)

// Conversation is a multi-task thread of record.
type Conversation struct {
	ID               string
	TaskID           *string
	Title            string
	TotalTokens      int
	LastModel        string
	ModelResponseIDs map[string]string
	Status           ConversationStatus
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ConversationMessage is an ordered log entry under a Conversation.
type ConversationMessage struct {
	ID             int64
	ConversationID string
	Role           MessageRole
	Content        string
	MessageType    string
	ModelUsed      string
	ModelID        string
	TokenCount     int
	Metadata       map[string]any
	CreatedAt      time.Time
}

// ModelConfig is a registry row describing one configured model.
type ModelConfig struct {
	ID          string
	DisplayName string
	Provider    string
	IsEnabled   bool
	IsDefault   bool
	ConfigJSON  string
	UpdatedAt   time.Time
}

// AttachmentKind is always "image" in the core (spec §3).
const AttachmentKindImage = "image"

// Attachment is a content-addressed image blob.
type Attachment struct {
	ID          string
	SHA256      string
	ContentType string
	SizeBytes   int64
	Width       int
	Height      int
	Filename    string
	StorageKey  string
	Kind        string
	CreatedAt   time.Time
}

// AgentEventType tags the AgentEvent sum type (spec §3, §4.3, §6.2).
type AgentEventType string

const (
	EventBoot           AgentEventType = "boot"
	EventAnalysis       AgentEventType = "analysis"
	EventResponding     AgentEventType = "responding"
	EventCommand        AgentEventType = "command"
	EventEditing        AgentEventType = "editing"
	EventCompleted      AgentEventType = "completed"
	EventError          AgentEventType = "error"
	EventThreadStarted  AgentEventType = "thread.started"
	EventTurnStarted    AgentEventType = "turn.started"
	EventTurnCompleted  AgentEventType = "turn.completed"
	EventTurnFailed     AgentEventType = "turn.failed"
	EventItemStarted    AgentEventType = "item.started"
	EventItemUpdated    AgentEventType = "item.updated"
	EventItemCompleted  AgentEventType = "item.completed"
)

// ToolKind classifies a tool_use/tool_call per §4.3.
type ToolKind string

const (
	ToolKindCommand    ToolKind = "command"
	ToolKindFileChange ToolKind = "file_change"
	ToolKindWebSearch  ToolKind = "web_search"
	ToolKindGeneric    ToolKind = "tool_call"
)

// Usage mirrors a turn.completed usage payload, when the vendor reports one.
type Usage struct {
	InputTokens  int `json:"inputTokens,omitempty"`
	OutputTokens int `json:"outputTokens,omitempty"`
}

// AgentEvent is never persisted as a row; it is the in-memory vocabulary
// threaded from AgentStreamParser through AgentAdapter, TaskExecutor,
// TaskQueue, and the EventBus.
type AgentEvent struct {
	Type     AgentEventType
	Seq      int64
	ThreadID string
	Delta    string
	Title    string
	Detail   string
	Item     string
	Text     string
	Message  string
	Usage    *Usage
}

// QueueEventType tags the lifecycle hooks TaskQueue emits to the EventBus
// (spec §4.7).
type QueueEventType string

const (
	QueueEventTaskStarted   QueueEventType = "task:started"
	QueueEventTaskPlanned   QueueEventType = "task:planned"
	QueueEventTaskRunning   QueueEventType = "task:running"
	QueueEventTaskCompleted QueueEventType = "task:completed"
	QueueEventTaskFailed    QueueEventType = "task:failed"
	QueueEventTaskCancelled QueueEventType = "task:cancelled"
	QueueEventStepStarted   QueueEventType = "step:started"
	QueueEventStepCompleted QueueEventType = "step:completed"
	QueueEventMessage       QueueEventType = "message"
	QueueEventMessageDelta  QueueEventType = "message:delta"
	QueueEventCommand       QueueEventType = "command"
	QueueEventQueuePaused   QueueEventType = "queue:paused"
	QueueEventQueueResumed  QueueEventType = "queue:resumed"
)

// QueueEvent is the envelope published on the EventBus; it carries the
// owning task snapshot plus a per-session monotonic sequence number.
type QueueEvent struct {
	Type       QueueEventType
	Seq        uint64
	Task       *Task
	StepNumber int
	Message    *TaskMessage
	Delta      string
	Command    string
	Error      string
}
