package models

import "time"

// ReportStatus tracks what happened to the post-call email.
type ReportStatus string

const (
	ReportStatusPending ReportStatus = "pending"
	ReportStatusSent    ReportStatus = "sent"
	ReportStatusFailed  ReportStatus = "failed"
	ReportStatusSkipped ReportStatus = "skipped"
)

// CallReport represents a finished call with its transcript and generated summary
type CallReport struct {
	ID            string       `json:"id" firestore:"id"`
	CallID        string       `json:"call_id" firestore:"call_id"`
	StreamID      string       `json:"stream_id" firestore:"stream_id"`
	Transcript    string       `json:"transcript" firestore:"transcript"`
	Subject       string       `json:"subject,omitempty" firestore:"subject,omitempty"`
	Body          string       `json:"body,omitempty" firestore:"body,omitempty"`
	Status        ReportStatus `json:"status" firestore:"status"`
	Interruptions int          `json:"interruptions" firestore:"interruptions"`
	StartTime     time.Time    `json:"start_time" firestore:"start_time"`
	EndTime       time.Time    `json:"end_time" firestore:"end_time"`
	DurationSecs  int          `json:"duration_secs" firestore:"duration_secs"`
}
