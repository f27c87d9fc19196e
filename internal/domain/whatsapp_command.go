package domain

import "time"

const (
	CommandProcessing = "processing"
	CommandCompleted  = "completed"
	CommandFailed     = "failed"
)

// WhatsAppCommand is the audit row of one outbound command attempt.
// It is written as processing before the remote call and finalized exactly once.
type WhatsAppCommand struct {
	ID           int64      `json:"id,string" gorm:"primaryKey"`
	DeviceID     int64      `json:"device_id,string" gorm:"index"`
	CommandName  string     `json:"command_name" gorm:"size:64;index"`
	Payload      string     `json:"payload" gorm:"type:text"`
	Status       string     `json:"status" gorm:"size:16;index"`
	ResponseData *string    `json:"response_data" gorm:"type:text"`
	ErrorMessage *string    `json:"error_message" gorm:"type:text"`
	HTTPStatus   int        `json:"http_status"`
	ElapsedMs    int64      `json:"elapsed_ms"`
	ExecutedAt   time.Time  `json:"executed_at" gorm:"index"`
	CompletedAt  *time.Time `json:"completed_at"`
}

func (WhatsAppCommand) TableName() string {
	return "whatsapp_command"
}

// WhatsAppWebhookEvent is the audit row of one inbound webhook delivery.
type WhatsAppWebhookEvent struct {
	ID                  int64     `json:"id,string" gorm:"primaryKey"`
	DeviceID            *int64    `json:"device_id,string" gorm:"index"`
	DeviceKey           string    `json:"device_key" gorm:"size:128;index"`
	Direction           string    `json:"direction" gorm:"size:16"`
	EventType           string    `json:"event_type" gorm:"size:64;index"`
	RawPayload          string    `json:"raw_payload" gorm:"type:text"`
	ReceivedAt          time.Time `json:"received_at" gorm:"index"`
	HandledSuccessfully bool      `json:"handled_successfully"`
	ErrorMessage        string    `json:"error_message" gorm:"type:text"`
}

func (WhatsAppWebhookEvent) TableName() string {
	return "whatsapp_webhook_event"
}

const (
	RetryPending    = "pending"
	RetryProcessing = "processing"
	RetryCompleted  = "completed"
	RetryFailed     = "failed"
)

// WhatsAppRetryTask is a queued reconnection attempt picked up by the retry worker.
type WhatsAppRetryTask struct {
	ID          int64      `json:"id,string" gorm:"primaryKey"`
	DeviceID    int64      `json:"device_id,string" gorm:"index"`
	DeviceKey   string     `json:"device_key" gorm:"size:128"`
	CommandName string     `json:"command_name" gorm:"size:64"`
	Status      string     `json:"status" gorm:"size:16;index"`
	Attempt     int        `json:"attempt"`
	LastError   string     `json:"last_error" gorm:"type:text"`
	CreatedAt   time.Time  `json:"created_at" gorm:"index"`
	ProcessedAt *time.Time `json:"processed_at"`
}

func (WhatsAppRetryTask) TableName() string {
	return "whatsapp_retry_queue"
}
