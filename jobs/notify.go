package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/smtp"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	jobmetrics "github.com/rinkledger/rinkledger/internal/jobs"
)

// Mailer is the delivery seam. The SMTP integration lives behind it.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// LogMailer logs outgoing mail instead of delivering it. Used until the
// SMTP relay is provisioned and in test environments.
type LogMailer struct {
	Logger *slog.Logger
}

// Send logs the message.
func (m LogMailer) Send(ctx context.Context, to, subject, body string) error {
	m.Logger.Info("send mail", slog.String("to", to), slog.String("subject", subject))
	return nil
}

// SMTPMailer delivers mail through a plain SMTP relay.
type SMTPMailer struct {
	Addr string
	From string
}

// Send delivers the message.
func (m SMTPMailer) Send(_ context.Context, to, subject, body string) error {
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n", m.From, to, subject, body)
	return smtp.SendMail(m.Addr, nil, m.From, []string{to}, []byte(msg))
}

// ApprovalCompletedJob emails the team treasurer when a budget approval
// request reaches quorum.
type ApprovalCompletedJob struct {
	Pool    *pgxpool.Pool
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	Mailer  Mailer
}

// NewApprovalCompletedJob initialises the handler.
func NewApprovalCompletedJob(pool *pgxpool.Pool, logger *slog.Logger, metrics *jobmetrics.Metrics, mailer Mailer) *ApprovalCompletedJob {
	return &ApprovalCompletedJob{Pool: pool, Logger: logger, Metrics: metrics, Mailer: mailer}
}

// Handle executes the notification.
func (j *ApprovalCompletedJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil {
		return errors.New("approval completed: handler not configured")
	}
	var payload ApprovalCompletedPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	tracker := j.Metrics.Track(TaskTypeApprovalCompleted)
	var resultErr error
	defer func() { _ = tracker.End(resultErr) }()

	email, err := j.treasurerEmail(ctx, payload.TeamID)
	if err != nil {
		resultErr = err
		return resultErr
	}
	subject := "Budget approved by families"
	body := fmt.Sprintf("Approval request %s completed: %d of %d families acknowledged the %s budget.",
		payload.RequestID, payload.AcknowledgedCount, payload.RequiredCount, payload.RequestType)
	if err := j.Mailer.Send(ctx, email, subject, body); err != nil {
		resultErr = err
		return resultErr
	}
	j.Logger.Info("approval completion notified",
		slog.String("request_id", payload.RequestID),
		slog.String("team_id", payload.TeamID))
	return nil
}

func (j *ApprovalCompletedJob) treasurerEmail(ctx context.Context, teamID string) (string, error) {
	const query = `
SELECT u.email
FROM team_signers ts
JOIN users u ON u.id = ts.user_id
WHERE ts.team_id = $1 AND ts.kind = 'TEAM_OFFICIAL' AND ts.is_active
ORDER BY ts.created_at
LIMIT 1`
	var email string
	if err := j.Pool.QueryRow(ctx, query, teamID).Scan(&email); err != nil {
		return "", fmt.Errorf("jobs: resolve treasurer email: %w", err)
	}
	return email, nil
}

// ComplianceAlertJob notifies governance contacts about a critical
// violation.
type ComplianceAlertJob struct {
	Pool    *pgxpool.Pool
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	Mailer  Mailer
}

// NewComplianceAlertJob initialises the handler.
func NewComplianceAlertJob(pool *pgxpool.Pool, logger *slog.Logger, metrics *jobmetrics.Metrics, mailer Mailer) *ComplianceAlertJob {
	return &ComplianceAlertJob{Pool: pool, Logger: logger, Metrics: metrics, Mailer: mailer}
}

// Handle executes the alert delivery.
func (j *ComplianceAlertJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil {
		return errors.New("compliance alert: handler not configured")
	}
	var payload ComplianceAlertPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	tracker := j.Metrics.Track(TaskTypeComplianceAlert)
	var resultErr error
	defer func() { _ = tracker.End(resultErr) }()

	emails, err := j.governanceEmails(ctx, payload.TeamID)
	if err != nil {
		resultErr = err
		return resultErr
	}
	subject := fmt.Sprintf("%s compliance violation", payload.Severity)
	body := fmt.Sprintf("Violation %s (%s): %s", payload.ViolationID, payload.ViolationType, payload.Description)
	for _, email := range emails {
		if err := j.Mailer.Send(ctx, email, subject, body); err != nil {
			resultErr = err
			return resultErr
		}
	}
	j.Logger.Warn("critical violation alert delivered",
		slog.String("violation_id", payload.ViolationID),
		slog.String("team_id", payload.TeamID),
		slog.Int("recipients", len(emails)))
	return nil
}

func (j *ComplianceAlertJob) governanceEmails(ctx context.Context, teamID string) ([]string, error) {
	const query = `
SELECT u.email
FROM team_signers ts
JOIN users u ON u.id = ts.user_id
WHERE ts.team_id = $1 AND ts.is_active
ORDER BY ts.created_at`
	rows, err := j.Pool.Query(ctx, query, teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var emails []string
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, err
		}
		emails = append(emails, email)
	}
	return emails, rows.Err()
}
