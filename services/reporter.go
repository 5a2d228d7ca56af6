package services

import (
	"context"
	"log"
	"strings"

	"github.com/google/uuid"

	"go-relay/models"
)

// TranscriptSummarizer turns a transcript into an email subject and body.
type TranscriptSummarizer interface {
	Summarize(ctx context.Context, transcript string) (subject, body string, err error)
}

// Reporter produces the post-call report once a relay has finished: it
// summarizes the transcript, emails the result and stores the outcome.
// Every step is best effort and only logged on failure.
type Reporter struct {
	summarizer TranscriptSummarizer
	notifier   Notifier
	store      ReportStore
}

// NewReporter wires the report pipeline. notifier and store may be nil.
func NewReporter(summarizer TranscriptSummarizer, notifier Notifier, store ReportStore) *Reporter {
	return &Reporter{summarizer: summarizer, notifier: notifier, store: store}
}

// Report runs the pipeline for a finished session and returns what was recorded.
func (r *Reporter) Report(ctx context.Context, s *Session) models.CallReport {
	report := models.CallReport{
		ID:            uuid.New().String(),
		CallID:        s.CallID,
		StreamID:      s.StreamID,
		Transcript:    s.Transcript(),
		Status:        models.ReportStatusPending,
		Interruptions: s.Interruptions,
		StartTime:     s.StartedAt,
		EndTime:       s.EndedAt,
	}
	if !s.EndedAt.IsZero() {
		report.DurationSecs = int(s.EndedAt.Sub(s.StartedAt).Seconds())
	}

	report.Status = r.deliver(ctx, &report)
	RecordReport(string(report.Status))
	log.Printf("Call report %s for stream %s: %s", report.ID, report.StreamID, report.Status)

	if r.store != nil {
		if err := r.store.SaveCallReport(ctx, report); err != nil {
			log.Printf("Error saving call report %s: %v", report.ID, err)
		}
	}
	return report
}

func (r *Reporter) deliver(ctx context.Context, report *models.CallReport) models.ReportStatus {
	if strings.TrimSpace(report.Transcript) == "" {
		log.Printf("No transcript for stream %s, skipping summary email", report.StreamID)
		return models.ReportStatusSkipped
	}
	if r.summarizer == nil {
		return models.ReportStatusSkipped
	}

	subject, body, err := r.summarizer.Summarize(ctx, report.Transcript)
	if err != nil {
		log.Printf("Error generating summary for stream %s: %v", report.StreamID, err)
		return models.ReportStatusFailed
	}
	report.Subject = subject
	report.Body = body

	if r.notifier == nil {
		log.Printf("Mail is not configured, summary for stream %s not sent", report.StreamID)
		return models.ReportStatusSkipped
	}
	if err := r.notifier.Notify(ctx, subject, body); err != nil {
		log.Printf("Error sending summary email for stream %s: %v", report.StreamID, err)
		return models.ReportStatusFailed
	}
	log.Printf("Email sent successfully for stream %s", report.StreamID)
	return models.ReportStatusSent
}
