package chat

import "time"

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// TopicJob asks the worker to name a chat from its first exchange.
type TopicJob struct {
	ID string `gorm:"primaryKey;size:26"` // ULID length

	ChatID string `gorm:"type:varchar(64);index;not null"`
	Model  string `gorm:"type:varchar(128)"`

	// one naming job per chat: "topic:<chat_id>"
	IdempotencyKey string `gorm:"type:varchar(128);uniqueIndex;not null" json:"idempotency_key"`

	Status JobStatus `gorm:"type:varchar(16);index;not null"`

	// Filled when succeeded
	Topic string `gorm:"type:varchar(255)"`

	// Filled when failed
	Error *string `gorm:"type:text"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (TopicJob) TableName() string { return "chat_topic_jobs" }

func topicJobKey(chatID string) string {
	return "topic:" + chatID
}
