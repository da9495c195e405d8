package chat

import (
	"context"
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

var _ Store = (*Repo)(nil)

var inFlight = []string{string(StatusSending), string(StatusStreaming)}

// isDuplicateKey recognizes unique violations from every driver we ship.
func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// Chats

// EnsureChat creates c unless a chat with the same ChatID exists, and returns
// the stored row either way.
func (r *Repo) EnsureChat(ctx context.Context, c *Chat) (*Chat, error) {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(c).Error
	if err != nil && !isDuplicateKey(err) {
		return nil, err
	}
	return r.GetChat(ctx, c.ChatID)
}

func (r *Repo) GetChat(ctx context.Context, chatID string) (*Chat, error) {
	var c Chat
	if err := r.db.WithContext(ctx).Where("chat_id = ?", chatID).First(&c).Error; err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

// SetChatTopic names a chat. A model-derived name replaces a missing or
// user-text name; a user-text name only fills a missing one.
func (r *Repo) SetChatTopic(ctx context.Context, chatID, topic string, source NameSource) (bool, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return false, nil
	}
	q := r.db.WithContext(ctx).Model(&Chat{}).Where("chat_id = ?", chatID)
	switch source {
	case NameModel:
		q = q.Where("(name_source IS NULL OR name_source IN ?)", []string{string(NameUnset), string(NameUserText)})
	default:
		source = NameUserText
		q = q.Where("(name IS NULL OR name = '')")
	}
	res := q.Updates(map[string]any{"name": topic, "name_source": source})
	return res.RowsAffected > 0, res.Error
}

// DeleteChat removes a chat with its pairs and topic jobs.
func (r *Repo) DeleteChat(ctx context.Context, chatID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		pairs := tx.Where("chat_id = ?", chatID).Delete(&MessagePair{})
		if pairs.Error != nil {
			return pairs.Error
		}
		if err := tx.Where("chat_id = ?", chatID).Delete(&TopicJob{}).Error; err != nil {
			return err
		}
		chats := tx.Where("chat_id = ?", chatID).Delete(&Chat{})
		if chats.Error != nil {
			return chats.Error
		}
		if chats.RowsAffected == 0 && pairs.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// Message pairs

func (r *Repo) CreatePair(ctx context.Context, p *MessagePair) (*MessagePair, bool, error) {
	p.Status = StatusSending
	p.AssistantContent = ""
	p.FailureReason = ""
	p.CheckpointSeq = 0

	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(p)
	if res.Error != nil && !isDuplicateKey(res.Error) {
		return nil, false, res.Error
	}
	created := res.Error == nil && res.RowsAffected == 1

	stored, err := r.GetPair(ctx, p.MessagePairID)
	if err != nil {
		return nil, false, err
	}
	if stored.ChatID != p.ChatID {
		return nil, false, ErrConflict
	}
	return stored, created, nil
}

func (r *Repo) GetPair(ctx context.Context, pairID string) (*MessagePair, error) {
	var p MessagePair
	if err := r.db.WithContext(ctx).Where("message_pair_id = ?", pairID).First(&p).Error; err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

// ListPairs returns a chat's pairs oldest first.
func (r *Repo) ListPairs(ctx context.Context, chatID string) ([]MessagePair, error) {
	var out []MessagePair
	if err := r.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// Checkpoint stores partial content while the pair is in flight and seq is
// newer than the last applied checkpoint.
func (r *Repo) Checkpoint(ctx context.Context, pairID, partial string, seq uint64) (bool, error) {
	res := r.db.WithContext(ctx).Model(&MessagePair{}).
		Where("message_pair_id = ? AND status IN ? AND checkpoint_seq < ?", pairID, inFlight, seq).
		Updates(map[string]any{
			"assistant_content": partial,
			"status":            StatusStreaming,
			"checkpoint_seq":    seq,
		})
	return res.RowsAffected > 0, res.Error
}

// Complete finalizes the pair as success. When chatTopic is set and the chat
// has no name yet, the name is written in the same transaction.
func (r *Repo) Complete(ctx context.Context, pairID, final, chatTopic string) (bool, error) {
	applied := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&MessagePair{}).
			Where("message_pair_id = ? AND status IN ?", pairID, inFlight).
			Updates(map[string]any{
				"assistant_content": final,
				"status":            StatusSuccess,
				"failure_reason":    "",
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		applied = true

		chatTopic = strings.TrimSpace(chatTopic)
		if chatTopic == "" {
			return nil
		}
		var p MessagePair
		if err := tx.Select("chat_id").Where("message_pair_id = ?", pairID).First(&p).Error; err != nil {
			return err
		}
		return tx.Model(&Chat{}).
			Where("chat_id = ? AND (name IS NULL OR name = '')", p.ChatID).
			Updates(map[string]any{"name": chatTopic, "name_source": NameUserText}).Error
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// Fail finalizes the pair as failed. Accumulated content is kept; partial
// replaces it only when non-empty.
func (r *Repo) Fail(ctx context.Context, pairID, partial, reason string) (bool, error) {
	updates := map[string]any{
		"status":         StatusFailed,
		"failure_reason": reason,
	}
	if partial != "" {
		updates["assistant_content"] = partial
	}
	res := r.db.WithContext(ctx).Model(&MessagePair{}).
		Where("message_pair_id = ? AND status IN ?", pairID, inFlight).
		Updates(updates)
	return res.RowsAffected > 0, res.Error
}

// Topic jobs

func (r *Repo) GetJobByID(ctx context.Context, id string) (*TopicJob, error) {
	var j TopicJob
	if err := r.db.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &j, nil
}

func (r *Repo) GetJobByIdempotencyKey(ctx context.Context, key string) (*TopicJob, error) {
	var j TopicJob
	if err := r.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&j).Error; err != nil {
		return nil, notFound(err)
	}
	return &j, nil
}

// CreateJobOrGetExisting tries to create a job, but if its idempotency key
// already exists it returns the existing job instead.
func (r *Repo) CreateJobOrGetExisting(ctx context.Context, job *TopicJob) (*TopicJob, bool, error) {
	err := r.db.WithContext(ctx).Create(job).Error
	if err == nil {
		return job, true, nil
	}

	existing, getErr := r.GetJobByIdempotencyKey(ctx, job.IdempotencyKey)
	if getErr == nil {
		return existing, false, nil
	}
	if errors.Is(getErr, ErrNotFound) {
		return nil, false, err
	}
	return nil, false, getErr
}

// UpdateJobStatusRunning claims a queued (or previously failed) job.
func (r *Repo) UpdateJobStatusRunning(ctx context.Context, id string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&TopicJob{}).
		Where("id = ? AND status IN ?", id, []string{string(JobQueued), string(JobFailed)}).
		Update("status", JobRunning)
	return res.RowsAffected > 0, res.Error
}

func (r *Repo) MarkJobSucceeded(ctx context.Context, id string, topic string) error {
	return r.db.WithContext(ctx).Model(&TopicJob{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status": JobSucceeded,
			"topic":  topic,
			"error":  nil,
		}).Error
}

func (r *Repo) MarkJobFailed(ctx context.Context, id string, errMsg string) error {
	return r.db.WithContext(ctx).Model(&TopicJob{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status": JobFailed,
			"error":  errMsg,
		}).Error
}
