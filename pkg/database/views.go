package database

import (
	"time"
)

// SubscriptionView is the client-facing shape of one subscription: task
// metadata with the per-user status override applied.
type SubscriptionView struct {
	ID              string    `json:"id"`
	TaskID          string    `json:"task_id"`
	Name            string    `json:"name"`
	URI             string    `json:"uri"`
	Status          string    `json:"status"`
	TotalLength     int64     `json:"total_length"`
	CompletedLength int64     `json:"completed_length"`
	DownloadSpeed   int64     `json:"download_speed"`
	UploadSpeed     int64     `json:"upload_speed"`
	FrozenSpace     int64     `json:"frozen_space"`
	Error           string    `json:"error,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// NewSubscriptionView builds the view for one subscription. The
// subscription's own error display wins over the task's.
func NewSubscriptionView(sub *UserTaskSubscription, task *DownloadTask) SubscriptionView {
	errDisplay := sub.ErrorDisplay
	if errDisplay == "" {
		errDisplay = task.ErrorDisplay
	}
	return SubscriptionView{
		ID:              sub.ID,
		TaskID:          task.ID,
		Name:            task.Name,
		URI:             task.URI,
		Status:          DeriveStatus(sub, task),
		TotalLength:     task.TotalLength,
		CompletedLength: task.CompletedLength,
		DownloadSpeed:   task.DownloadSpeed,
		UploadSpeed:     task.UploadSpeed,
		FrozenSpace:     sub.FrozenSpace,
		Error:           errDisplay,
		CreatedAt:       sub.CreatedAt,
	}
}
