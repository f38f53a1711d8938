package domain

import "time"

// CompletionNotice is the body the external automation vendor posts to the
// completion webhook. Only terminal statuses arrive this way; queued and
// processing are set internally at dispatch time.
type CompletionNotice struct {
	Carrier      string         `json:"carrier"`
	TaskID       string         `json:"taskId"`
	SubmissionID string         `json:"submissionId"`
	Status       string         `json:"status"`
	CompletedAt  *time.Time     `json:"completedAt"`
	Result       map[string]any `json:"result,omitempty"`
	Error        string         `json:"error,omitempty"`
	ErrorDetails string         `json:"errorDetails,omitempty"`
}

// WebhookAck is the success response for the completion webhook.
type WebhookAck struct {
	Success bool       `json:"success"`
	Message string     `json:"message"`
	Carrier Carrier    `json:"carrier"`
	Status  TaskStatus `json:"status"`
}

// DispatchRequest records that a submission was handed to an external worker.
type DispatchRequest struct {
	Carrier     string     `json:"carrier"`
	TaskID      string     `json:"taskId"`
	SubmittedAt *time.Time `json:"submittedAt,omitempty"`
}
