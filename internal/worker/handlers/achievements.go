package handlers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nadmax/convoq/internal/repository"
	"github.com/nadmax/convoq/internal/task"
)

type AchievementPayload struct {
	UserID            string `json:"user_id" validate:"required"`
	SessionsCompleted int    `json:"sessions_completed" validate:"gte=0"`
	MessagesSent      int    `json:"messages_sent" validate:"gte=0"`
}

type AchievementRule struct {
	Code   string
	Earned func(p AchievementPayload) bool
}

var DefaultAchievementRules = []AchievementRule{
	{Code: "first_session", Earned: func(p AchievementPayload) bool { return p.SessionsCompleted >= 1 }},
	{Code: "regular", Earned: func(p AchievementPayload) bool { return p.SessionsCompleted >= 5 }},
	{Code: "dedicated", Earned: func(p AchievementPayload) bool { return p.SessionsCompleted >= 25 }},
	{Code: "first_message", Earned: func(p AchievementPayload) bool { return p.MessagesSent >= 1 }},
	{Code: "conversationalist", Earned: func(p AchievementPayload) bool { return p.MessagesSent >= 100 }},
}

type AchievementEvaluator struct {
	repo   repository.ActivityRepository
	rules  []AchievementRule
	logger *slog.Logger
}

func NewAchievementEvaluator(repo repository.ActivityRepository, rules []AchievementRule, logger *slog.Logger) *AchievementEvaluator {
	if rules == nil {
		rules = DefaultAchievementRules
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &AchievementEvaluator{repo: repo, rules: rules, logger: logger}
}

// Handle awards every rule the user now satisfies. Awards already held are
// left untouched, so a redelivered task changes nothing.
func (e *AchievementEvaluator) Handle(ctx context.Context, t *task.Task) error {
	payload, err := decodePayload[AchievementPayload](t.Payload)
	if err != nil {
		return err
	}

	var awarded []string
	for _, rule := range e.rules {
		if !rule.Earned(payload) {
			continue
		}

		created, err := e.repo.AwardAchievement(ctx, payload.UserID, rule.Code, t.ID)
		if err != nil {
			return fmt.Errorf("failed to award %s: %w", rule.Code, err)
		}
		if created {
			awarded = append(awarded, rule.Code)
		}
	}

	if len(awarded) > 0 {
		e.logger.InfoContext(ctx, "achievements awarded", "task_id", t.ID, "user_id", payload.UserID, "codes", awarded)
	}

	return nil
}
