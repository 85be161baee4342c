package main

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// WorkKind classifies a WorkItem.
type WorkKind string

const (
	KindTask        WorkKind = "task"
	KindTodo        WorkKind = "todo"
	KindComplexTodo WorkKind = "complex_todo"
)

// Complexity bands drive the Breakdown Engine's chunking policy.
type Complexity string

const (
	ComplexityLow      Complexity = "low"
	ComplexityMedium   Complexity = "medium"
	ComplexityHigh     Complexity = "high"
	ComplexityCritical Complexity = "critical"
)

// Priority is the WorkItem's business priority.
type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityMedium   Priority = "MEDIUM"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
)

// Status is the WorkItem lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusBlocked    Status = "blocked"
	StatusRetrying   Status = "retrying"
)

// PriorityBreakdown is the inspectable output of the Priority Scorer.
type PriorityBreakdown struct {
	ComplexityScore    float64 `json:"complexity_score"`
	PriorityMultiplier float64 `json:"priority_multiplier"`
	Urgency            float64 `json:"urgency"`
	ResourceFactor     float64 `json:"resource_factor"`
	DependencyFactor   float64 `json:"dependency_factor"`
	BusinessValue      float64 `json:"business_value"`
	Score              int     `json:"score"`
}

// MicroTask is a short decomposition unit produced by the Breakdown Engine.
type MicroTask struct {
	TaskID               string         `json:"task_id"`
	ParentID             string         `json:"parent_id"`
	Title                string         `json:"title"`
	Description          string         `json:"description"`
	EstimatedMinutes     int            `json:"estimated_minutes"`
	RequiredCapabilities []string       `json:"required_capabilities"`
	ComplexityScore      int            `json:"complexity_score"`
	Status               Status         `json:"status"`
	RetryCount           int            `json:"retry_count"`
	LastError            string         `json:"last_error,omitempty"`

	// Handler names the Plugin that should execute this MicroTask; "noop"
	// when unset, which simulates completion without calling out to any
	// external system (this core makes no claim of real worker semantics).
	Handler string `json:"handler,omitempty"`
}

// WorkItem is the authoritative Registry record.
type WorkItem struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`

	Kind       WorkKind   `json:"kind"`
	Complexity Complexity `json:"complexity"`
	Priority   Priority   `json:"priority"`

	CreatedAt      time.Time  `json:"created_at"`
	LastUpdated    time.Time  `json:"last_updated"`
	Deadline       *time.Time `json:"deadline,omitempty"`
	EstimatedHours float64    `json:"estimated_hours"`

	AssignedAgent string     `json:"assigned_agent,omitempty"`
	AssignedAt    *time.Time `json:"assigned_at,omitempty"`
	WorkType      string     `json:"work_type,omitempty"`

	Status     Status  `json:"status"`
	Progress   float64 `json:"progress"`
	RetryCount int     `json:"retry_count"`

	Subtasks          []MicroTask        `json:"subtasks,omitempty"`
	SubtaskProgress   map[string]float64 `json:"subtask_progress,omitempty"`
	SubtaskAssignments map[string]string `json:"subtask_assignments,omitempty"`

	PriorityBreakdown *PriorityBreakdown `json:"priority_breakdown,omitempty"`
	BreakdownCacheKey string             `json:"breakdown_cache_key,omitempty"`

	RequiredCapabilities []string `json:"required_capabilities,omitempty"`
	Dependencies         []string `json:"dependencies,omitempty"`

	AutoGenerated bool `json:"auto_generated,omitempty"`

	LastErrorKind    ErrKind   `json:"last_error_kind,omitempty"`
	LastErrorMessage string    `json:"last_error_message,omitempty"`
	CancelledBy      string    `json:"cancelled_by,omitempty"`
	NextAttemptAt    *time.Time `json:"next_attempt_at,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

func newID(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, uuid.NewString())
}

func validateComplexityForKind(kind WorkKind, c Complexity) error {
	switch kind {
	case KindTask:
		if c != ComplexityLow {
			return fmt.Errorf("task kind requires low complexity, got %s", c)
		}
	case KindComplexTodo:
		if c != ComplexityHigh && c != ComplexityCritical {
			return fmt.Errorf("complex_todo kind requires high or critical complexity, got %s", c)
		}
	case KindTodo:
		// todo accepts any complexity band.
	default:
		return fmt.Errorf("unknown work kind %q", kind)
	}
	return nil
}

func buildWorkItem(kind WorkKind, name, description string, complexity Complexity, priority Priority, estimatedHours float64) (*WorkItem, error) {
	if name == "" {
		return nil, newErr(ErrValidation, "buildWorkItem", fmt.Errorf("name must not be empty"))
	}
	if estimatedHours < 0 {
		return nil, newErr(ErrValidation, "buildWorkItem", fmt.Errorf("estimated_hours must be >= 0"))
	}
	if err := validateComplexityForKind(kind, complexity); err != nil {
		return nil, newErr(ErrValidation, "buildWorkItem", err)
	}
	if priority == "" {
		priority = PriorityMedium
	}

	now := time.Now()
	item := &WorkItem{
		ID:                 newID(string(kind)),
		Name:               name,
		Description:        description,
		Kind:               kind,
		Complexity:         complexity,
		Priority:           priority,
		CreatedAt:          now,
		LastUpdated:        now,
		EstimatedHours:     estimatedHours,
		Status:             StatusPending,
		SubtaskProgress:    make(map[string]float64),
		SubtaskAssignments: make(map[string]string),
		Metadata:           make(map[string]any),
	}
	return item, nil
}

// NewTask builds a low-complexity task WorkItem.
func NewTask(name, description string, priority Priority, estimatedHours float64) (*WorkItem, error) {
	return buildWorkItem(KindTask, name, description, ComplexityLow, priority, estimatedHours)
}

// NewTodo builds a todo WorkItem of any complexity band.
func NewTodo(name, description string, complexity Complexity, priority Priority, estimatedHours float64) (*WorkItem, error) {
	return buildWorkItem(KindTodo, name, description, complexity, priority, estimatedHours)
}

// NewComplexTodo builds a high/critical-complexity complex_todo WorkItem.
func NewComplexTodo(name, description string, complexity Complexity, priority Priority, estimatedHours float64) (*WorkItem, error) {
	return buildWorkItem(KindComplexTodo, name, description, complexity, priority, estimatedHours)
}

// descriptionHash is used by the Registry's duplicate-detection index to
// compare items by (name, description-hash).
func descriptionHash(description string) string {
	sum := sha256.Sum256([]byte(description))
	return hex.EncodeToString(sum[:])
}

// breakdownCacheKey computes the content-addressed key for the Breakdown
// Cache: sha256(stable_json({id,name,description,estimated_hours,
// complexity})).
func breakdownCacheKey(item *WorkItem) string {
	stable := struct {
		ID             string     `json:"id"`
		Name           string     `json:"name"`
		Description    string     `json:"description"`
		EstimatedHours float64    `json:"estimated_hours"`
		Complexity     Complexity `json:"complexity"`
	}{item.ID, item.Name, item.Description, item.EstimatedHours, item.Complexity}
	data, _ := json.Marshal(stable)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// workType derives the dispatcher's processing classification from
// complexity.
func workType(c Complexity) string {
	switch c {
	case ComplexityLow:
		return "light"
	case ComplexityMedium:
		return "standard"
	case ComplexityHigh:
		return "heavy"
	case ComplexityCritical:
		return "critical_path"
	default:
		return "standard"
	}
}

// ParentResult is the aggregate outcome after a parent WorkItem finishes.
type ParentResult struct {
	ParentID               string                    `json:"parent_id"`
	TotalWorkers           int                       `json:"total_workers"`
	Successful             int                       `json:"successful"`
	Failed                 int                       `json:"failed"`
	TotalMicroTasks        int                       `json:"total_micro_tasks"`
	TotalEstimatedHours    float64                   `json:"total_estimated_hours"`
	CollaborationTimeSeconds float64                 `json:"collaboration_time_seconds"`
	CacheCleared           bool                      `json:"cache_cleared"`
	WorkerResults          map[int][]MicroTaskResult `json:"worker_results"`
}

// MicroTaskResult is the outcome of executing a single MicroTask, returned
// through the Worker Pool's Future.
type MicroTaskResult struct {
	TaskID    string         `json:"task_id"`
	WorkerID  int            `json:"worker_id"`
	Status    Status         `json:"status"`
	Output    map[string]any `json:"output,omitempty"`
	Err       error          `json:"-"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   time.Time      `json:"ended_at"`
}

// WorkerAssignment is the ephemeral binding between a worker and its
// in-flight MicroTasks.
type WorkerAssignment struct {
	WorkerID    int                 `json:"worker_id"`
	Tasks       []MicroTask         `json:"tasks"`
	AssignedAt  time.Time           `json:"assigned_at"`
	StartedAt   *time.Time          `json:"started_at,omitempty"`
	CompletedAt *time.Time          `json:"completed_at,omitempty"`
	Results     map[string]MicroTaskResult `json:"results,omitempty"`
}
