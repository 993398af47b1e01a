package queue

import "time"

// FinalizeTask asks a worker to personalize one voice message
type FinalizeTask struct {
	TaskID    string    `json:"task_id"`
	MessageID string    `json:"message_id"`
	CallerID  string    `json:"caller_id"`
	CreatedAt time.Time `json:"created_at"`
}
