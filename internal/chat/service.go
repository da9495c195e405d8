package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/suPer8Hu/ai-chat/internal/ai"
	"github.com/suPer8Hu/ai-chat/internal/common"
	"github.com/suPer8Hu/ai-chat/internal/logger"
)

// AllCompleter is the non-streaming side of ai.Gateway.
type AllCompleter interface {
	CompleteAll(ctx context.Context, history []ai.Message, systemContext, model string) (string, error)
}

// Publisher hands a queued job to the worker queue.
type Publisher interface {
	PublishJob(ctx context.Context, jobID string) error
}

// Service is the non-streaming side of chats: reads, deletes and the topic
// naming job.
type Service struct {
	repo      *Repo
	completer AllCompleter
	publisher Publisher
	log       *logger.Logger
}

func NewService(repo *Repo, completer AllCompleter, publisher Publisher, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	return &Service{repo: repo, completer: completer, publisher: publisher, log: log.With("component", "chat.service")}
}

var _ TopicScheduler = (*Service)(nil)

// ValidateChatOwner hides chats owned by someone else behind ErrNotFound. An
// empty userID (auth disabled) sees every chat.
func (s *Service) ValidateChatOwner(ctx context.Context, userID, chatID string) (*Chat, error) {
	c, err := s.repo.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if userID != "" && c.UserID != "" && c.UserID != userID {
		return nil, ErrNotFound
	}
	return c, nil
}

func (s *Service) GetChat(ctx context.Context, userID, chatID string) (*Chat, error) {
	return s.ValidateChatOwner(ctx, userID, chatID)
}

func (s *Service) ListPairs(ctx context.Context, userID, chatID string) ([]MessagePair, error) {
	if _, err := s.ValidateChatOwner(ctx, userID, chatID); err != nil {
		return nil, err
	}
	return s.repo.ListPairs(ctx, chatID)
}

func (s *Service) DeleteChat(ctx context.Context, userID, chatID string) error {
	if _, err := s.ValidateChatOwner(ctx, userID, chatID); err != nil {
		return err
	}
	return s.repo.DeleteChat(ctx, chatID)
}

// ScheduleTopic queues the naming job for a chat once; later calls find the
// existing job and do nothing.
func (s *Service) ScheduleTopic(ctx context.Context, chatID, model string) error {
	id, err := common.NewULID()
	if err != nil {
		return err
	}
	job, created, err := s.repo.CreateJobOrGetExisting(ctx, &TopicJob{
		ID:             id,
		ChatID:         chatID,
		Model:          model,
		IdempotencyKey: topicJobKey(chatID),
		Status:         JobQueued,
	})
	if err != nil {
		return fmt.Errorf("create topic job: %w", err)
	}
	if !created {
		return nil
	}
	if s.publisher == nil {
		s.log.Debug("no job queue configured, topic job left queued", "job_id", job.ID, "chat_id", chatID)
		return nil
	}
	if err := s.publisher.PublishJob(ctx, job.ID); err != nil {
		return fmt.Errorf("publish topic job %s: %w", job.ID, err)
	}
	return nil
}

const topicSystemPrompt = "You name conversations. Reply with a title of at most six words " +
	"that describes the conversation below. Reply with the title only, no quotes."

// RunTopicJob asks the model for a title and applies it to the chat. A
// redelivered job that already succeeded, or that another worker is running,
// is a no-op.
func (s *Service) RunTopicJob(ctx context.Context, jobID string) error {
	claimed, err := s.repo.UpdateJobStatusRunning(ctx, jobID)
	if err != nil {
		return err
	}
	j, err := s.repo.GetJobByID(ctx, jobID)
	if err != nil {
		return err
	}
	if !claimed {
		switch j.Status {
		case JobSucceeded:
			return nil
		case JobRunning:
			s.log.Info("topic job already running elsewhere", "job_id", jobID)
			return nil
		}
	}

	topic, err := s.generateTopic(ctx, j)
	if err != nil {
		if markErr := s.repo.MarkJobFailed(ctx, jobID, err.Error()); markErr != nil {
			s.log.Error("mark topic job failed", "job_id", jobID, "error", markErr)
		}
		return err
	}

	applied, err := s.repo.SetChatTopic(ctx, j.ChatID, topic, NameModel)
	if err != nil {
		return err
	}
	s.log.Info("topic job done", "job_id", jobID, "chat_id", j.ChatID, "applied", applied)
	return s.repo.MarkJobSucceeded(ctx, jobID, topic)
}

func (s *Service) generateTopic(ctx context.Context, j *TopicJob) (string, error) {
	if s.completer == nil {
		return "", errors.New("no completion backend configured")
	}
	pairs, err := s.repo.ListPairs(ctx, j.ChatID)
	if err != nil {
		return "", err
	}
	var first *MessagePair
	for i := range pairs {
		if pairs[i].Status == StatusSuccess {
			first = &pairs[i]
			break
		}
	}
	if first == nil {
		return "", fmt.Errorf("chat %s: no completed exchange: %w", j.ChatID, ErrNotFound)
	}

	raw, err := s.completer.CompleteAll(ctx, []ai.Message{
		{Role: ai.RoleUser, Content: first.UserContent},
		{Role: ai.RoleAssistant, Content: first.AssistantContent},
		{Role: ai.RoleUser, Content: "Title for this conversation?"},
	}, topicSystemPrompt, j.Model)
	if err != nil {
		return "", err
	}
	topic := cleanModelTopic(raw)
	if topic == "" {
		return "", ErrEmptyResponse
	}
	return topic, nil
}
