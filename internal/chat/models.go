package chat

import "time"

type Status string

const (
	StatusSending   Status = "sending"
	StatusStreaming Status = "streaming"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// MessagePair is one user message plus the assistant reply it produced.
type MessagePair struct {
	ID               uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	MessagePairID    string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"message_pair_id"`
	ChatID           string    `gorm:"type:varchar(64);index:idx_pair_chat_created,priority:1;not null" json:"chat_id"`
	UserContent      string    `gorm:"type:text;not null" json:"user_content"`
	AssistantContent string    `gorm:"type:text;not null" json:"assistant_content"`
	Status           Status    `gorm:"type:varchar(16);index;not null" json:"status"`
	Model            string    `gorm:"type:varchar(128);not null" json:"model"`
	DominationField  string    `gorm:"type:varchar(64);not null" json:"domination_field"`
	CustomPrompt     string    `gorm:"type:text" json:"custom_prompt,omitempty"`
	FailureReason    string    `gorm:"type:varchar(64)" json:"failure_reason,omitempty"`
	CheckpointSeq    uint64    `gorm:"not null;default:0" json:"-"`
	CreatedAt        time.Time `gorm:"index:idx_pair_chat_created,priority:2" json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func (MessagePair) TableName() string { return "chat_message_pairs" }

type NameSource string

const (
	NameUnset    NameSource = ""
	NameUserText NameSource = "user_text"
	NameModel    NameSource = "model"
)

// Chat is a conversation. Model, DominationField and CustomPrompt are the
// defaults for new pairs; each pair keeps its own snapshot.
type Chat struct {
	ID              uint64     `gorm:"primaryKey;autoIncrement" json:"-"`
	ChatID          string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"chat_id"`
	UserID          string     `gorm:"type:varchar(64);index" json:"-"`
	Name            string     `gorm:"type:varchar(255)" json:"name"`
	NameSource      NameSource `gorm:"type:varchar(16)" json:"name_source,omitempty"`
	Model           string     `gorm:"type:varchar(128)" json:"model"`
	DominationField string     `gorm:"type:varchar(64)" json:"domination_field"`
	CustomPrompt    string     `gorm:"type:text" json:"custom_prompt,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func (Chat) TableName() string { return "chats" }

// Models lists every table the chat store owns, for AutoMigrate.
func Models() []any {
	return []any{&Chat{}, &MessagePair{}, &TopicJob{}}
}
