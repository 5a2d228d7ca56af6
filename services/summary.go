package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// ReportSubject is the subject line of every successfully parsed report.
const ReportSubject = "Patient Update: Status URGENT"

const summaryInstructions = "You are an intelligent AI assistant tasked with summarizing patient check-in conversations related to thyroid disease " +
	"into a structured and professional email for their doctor. Extract key details, including the patient's name, symptoms, medication " +
	"adherence, and any concerns, and present them concisely and clearly. Ensure the email is well-organized with distinct sections for " +
	"readability, using ALL CAPS for section headings instead of bold text. The tone should be clinical, precise, and appropriate for a " +
	"medical professional. Conclude the email with a signature from the AI Patient Tracker Team. This is the final email to be sent, do not " +
	"leave any variables in the email. If you do not know something, don't write it down. " +
	`Respond with a JSON object with a single field named "email" that holds the complete email body.`

const missingEmailBody = "No email summary provided."

// ChatClient is the subset of the OpenAI client used for summaries.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Summarizer turns a call transcript into an email for the doctor.
type Summarizer struct {
	client ChatClient
	model  string
}

// NewSummarizer creates a Summarizer backed by the OpenAI API.
func NewSummarizer(apiKey, model string) *Summarizer {
	return NewSummarizerWithClient(openai.NewClient(apiKey), model)
}

// NewSummarizerWithClient creates a Summarizer with a custom client (useful for testing)
func NewSummarizerWithClient(client ChatClient, model string) *Summarizer {
	if model == "" {
		model = openai.GPT4oMini
	}
	return &Summarizer{client: client, model: model}
}

// Summarize asks the model for a report. Only a failed API call is an
// error; a reply that is not the expected JSON becomes the body as-is.
func (s *Summarizer) Summarize(ctx context.Context, transcript string) (string, string, error) {
	req := openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: summaryInstructions},
			{Role: openai.ChatMessageRoleUser, Content: transcript},
		},
		Temperature: 0.8,
		MaxTokens:   500,
	}

	resp, err := s.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", "", fmt.Errorf("generate summary: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", "", errors.New("generate summary: no choices returned")
	}

	subject, body := ParseSummary(resp.Choices[0].Message.Content)
	return subject, body, nil
}

// ParseSummary extracts the email field from the model reply, tolerating a
// markdown code fence around the JSON. On failure the raw reply is the body
// and the subject is empty.
func ParseSummary(raw string) (string, string) {
	var payload struct {
		Email string `json:"email"`
	}
	if err := json.Unmarshal([]byte(stripCodeFence(raw)), &payload); err != nil {
		log.Printf("Error parsing summary JSON: %v", err)
		return "", raw
	}
	if strings.TrimSpace(payload.Email) == "" {
		return ReportSubject, missingEmailBody
	}
	return ReportSubject, payload.Email
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	} else {
		s = strings.TrimPrefix(s, "```")
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}
