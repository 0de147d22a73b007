// Package workflow defines the per-request task sequence entities.
//
// A request's workflow is a fixed ordered set of tasks grouped into stages:
// Retrieval, Classification, Review, Approval. Task status transitions are
// monotonic: a task never re-enters pending after completing.
package workflow

import (
	"encoding/json"
	"time"
)

// Stage is one of the fixed high-level workflow phases.
type Stage string

const (
	StageRetrieval      Stage = "retrieval"
	StageClassification Stage = "classification"
	StageReview         Stage = "review"
	StageApproval       Stage = "approval"
)

// Stages returns the canonical stage ordering.
func Stages() []Stage {
	return []Stage{StageRetrieval, StageClassification, StageReview, StageApproval}
}

// NextStage returns the stage after s, or false when s is the final stage.
func NextStage(s Stage) (Stage, bool) {
	order := Stages()
	for i, st := range order {
		if st == s && i+1 < len(order) {
			return order[i+1], true
		}
	}
	return "", false
}

// TaskType identifies the kind of work a task represents.
type TaskType string

const (
	TaskDocumentRetrieval  TaskType = "document_retrieval"
	TaskEmailRetrieval     TaskType = "email_retrieval"
	TaskClassification     TaskType = "ai_classification"
	TaskDepartmentReview   TaskType = "department_review"
	TaskLeadershipApproval TaskType = "leadership_approval"
)

// Status represents the current state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the status permits no further automatic transition.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Task is one unit of work in a request's workflow.
type Task struct {
	ID            string          `json:"id"`
	RequestID     string          `json:"request_id"`
	Type          TaskType        `json:"task_type"`
	Stage         Stage           `json:"stage"`
	SequenceOrder int             `json:"sequence_order"`
	Status        Status          `json:"status"`
	AssignedAgent string          `json:"assigned_agent,omitempty"`
	Automated     bool            `json:"automated"`
	RetryCount    int             `json:"retry_count"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Spec describes one task slot in a workflow template.
type Spec struct {
	Type          TaskType
	Stage         Stage
	SequenceOrder int
	Automated     bool
	AssignedRole  string
}

// DefaultTemplate is the canonical PIA workflow: retrieval (documents and
// emails), AI classification, department review, leadership approval.
func DefaultTemplate() []Spec {
	return []Spec{
		{Type: TaskDocumentRetrieval, Stage: StageRetrieval, SequenceOrder: 1, Automated: true},
		{Type: TaskEmailRetrieval, Stage: StageRetrieval, SequenceOrder: 2, Automated: true},
		{Type: TaskClassification, Stage: StageClassification, SequenceOrder: 3, Automated: true},
		{Type: TaskDepartmentReview, Stage: StageReview, SequenceOrder: 4, Automated: false, AssignedRole: "department_reviewer"},
		{Type: TaskLeadershipApproval, Stage: StageApproval, SequenceOrder: 5, Automated: false, AssignedRole: "records_liaison"},
	}
}

// --- helpers over task sets ---

// NextPending returns the pending task with the lowest sequence order, or nil.
func NextPending(tasks []Task) *Task {
	var next *Task
	for i := range tasks {
		if tasks[i].Status != StatusPending {
			continue
		}
		if next == nil || tasks[i].SequenceOrder < next.SequenceOrder {
			next = &tasks[i]
		}
	}
	return next
}

// InProgressCount returns the number of in-progress tasks.
func InProgressCount(tasks []Task) int {
	n := 0
	for i := range tasks {
		if tasks[i].Status == StatusInProgress {
			n++
		}
	}
	return n
}

// StageDone reports whether every task in the given stage has completed.
func StageDone(tasks []Task, stage Stage) bool {
	for i := range tasks {
		if tasks[i].Stage == stage && tasks[i].Status != StatusCompleted {
			return false
		}
	}
	return true
}

// AllCompleted reports whether every task has completed.
func AllCompleted(tasks []Task) bool {
	for i := range tasks {
		if tasks[i].Status != StatusCompleted {
			return false
		}
	}
	return len(tasks) > 0
}

// AnyFailed reports whether any task is in the failed state.
func AnyFailed(tasks []Task) bool {
	for i := range tasks {
		if tasks[i].Status == StatusFailed {
			return true
		}
	}
	return false
}
