// Package jobs defines the background task types and their handlers.
package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypeApprovalCompleted notifies the treasurer that a budget
	// approval request reached quorum.
	TaskTypeApprovalCompleted = "approval:completed"
	// TaskTypeComplianceAlert notifies governance contacts about a
	// critical rule violation.
	TaskTypeComplianceAlert = "compliance:alert"
)

// ApprovalCompletedPayload carries the completed request details.
type ApprovalCompletedPayload struct {
	RequestID         string    `json:"requestId"`
	SeasonID          string    `json:"seasonId"`
	TeamID            string    `json:"teamId"`
	RequestType       string    `json:"requestType"`
	BudgetTotalCents  int64     `json:"budgetTotalCents"`
	AcknowledgedCount int       `json:"acknowledgedCount"`
	RequiredCount     int       `json:"requiredCount"`
	CompletedAt       time.Time `json:"completedAt"`
}

// NewApprovalCompletedTask constructs an Asynq task.
func NewApprovalCompletedTask(payload ApprovalCompletedPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeApprovalCompleted, data), nil
}

// ComplianceAlertPayload carries the critical violation details.
type ComplianceAlertPayload struct {
	ViolationID   string `json:"violationId"`
	TeamID        string `json:"teamId"`
	ViolationType string `json:"violationType"`
	Severity      string `json:"severity"`
	Description   string `json:"description"`
}

// NewComplianceAlertTask constructs an Asynq task.
func NewComplianceAlertTask(payload ComplianceAlertPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeComplianceAlert, data), nil
}
