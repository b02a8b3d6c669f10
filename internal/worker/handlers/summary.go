package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nadmax/convoq/internal/llm"
	"github.com/nadmax/convoq/internal/repository"
	"github.com/nadmax/convoq/internal/repository/models"
	"github.com/nadmax/convoq/internal/retry"
	"github.com/nadmax/convoq/internal/task"
)

type ConversationMessage struct {
	Role    string `json:"role" validate:"required,oneof=user assistant"`
	Content string `json:"content" validate:"required"`
}

type SummaryPayload struct {
	ConversationID string                `json:"conversation_id" validate:"required"`
	Messages       []ConversationMessage `json:"messages" validate:"required,min=1,dive"`
}

type Summarizer struct {
	backend llm.Backend
	repo    repository.ActivityRepository
	logger  *slog.Logger
}

func NewSummarizer(backend llm.Backend, repo repository.ActivityRepository, logger *slog.Logger) *Summarizer {
	if logger == nil {
		logger = slog.Default()
	}

	return &Summarizer{backend: backend, repo: repo, logger: logger}
}

// Handle summarizes a finished conversation with the fast model and stores
// the result under the conversation id.
func (s *Summarizer) Handle(ctx context.Context, t *task.Task) error {
	payload, err := decodePayload[SummaryPayload](t.Payload)
	if err != nil {
		return err
	}

	summary, err := llm.Collect(ctx, s.backend, llm.Request{
		Prompt: summaryPrompt(payload.Messages),
		Model:  llm.ModelFast,
	})
	if err != nil {
		return fmt.Errorf("failed to summarize conversation %s: %w", payload.ConversationID, err)
	}

	summary = strings.TrimSpace(summary)
	if summary == "" {
		return retry.MarkPermanent(fmt.Errorf("model returned an empty summary for conversation %s", payload.ConversationID))
	}

	err = s.repo.SaveSummary(ctx, models.Summary{
		ConversationID: payload.ConversationID,
		Summary:        summary,
		Model:          string(llm.ModelFast),
		TaskID:         t.ID,
	})
	if err != nil {
		return fmt.Errorf("failed to save summary: %w", err)
	}

	s.logger.InfoContext(ctx, "conversation summarized", "task_id", t.ID, "conversation_id", payload.ConversationID, "chars", len(summary))
	return nil
}

func summaryPrompt(messages []ConversationMessage) string {
	var b strings.Builder
	b.WriteString("Summarize the following conversation in two or three sentences. ")
	b.WriteString("Focus on what the user wanted and what was resolved.\n\n")
	for _, m := range messages {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	return b.String()
}
