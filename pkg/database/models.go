package database

import (
	"time"
)

type TaskStatus string

const (
	TaskQueued   TaskStatus = "queued"
	TaskActive   TaskStatus = "active"
	TaskPaused   TaskStatus = "paused"
	TaskComplete TaskStatus = "complete"
	TaskError    TaskStatus = "error"
	TaskRemoved  TaskStatus = "removed"
)

// Terminal reports whether a task status can no longer change through
// daemon events.
func (s TaskStatus) Terminal() bool {
	return s == TaskComplete || s == TaskError || s == TaskRemoved
}

type SubscriptionStatus string

const (
	SubscriptionPending SubscriptionStatus = "pending"
	SubscriptionSuccess SubscriptionStatus = "success"
	SubscriptionFailed  SubscriptionStatus = "failed"
)

// DownloadTask is the globally shared unit of work. One row per fingerprint;
// never owned by a single user.
type DownloadTask struct {
	ID                string     `gorm:"primaryKey" json:"id"`
	URIHash           string     `gorm:"uniqueIndex;size:64" json:"uri_hash"`
	URI               string     `json:"uri"` // credential-masked
	GID               string     `gorm:"column:gid;index" json:"gid"`
	Status            TaskStatus `gorm:"index" json:"status"`
	Name              string     `json:"name"`
	TotalLength       int64      `json:"total_length"`
	CompletedLength   int64      `json:"completed_length"`
	DownloadSpeed     int64      `json:"download_speed"`
	UploadSpeed       int64      `json:"upload_speed"`
	PeakDownloadSpeed int64      `json:"peak_download_speed"`
	PeakConnections   int64      `json:"peak_connections"`
	Error             string     `json:"-"` // raw daemon message, operator-facing
	ErrorDisplay      string     `json:"error"`
	StoredFileID      *string    `gorm:"index" json:"stored_file_id,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

func (DownloadTask) TableName() string {
	return "download_tasks"
}

// UserTaskSubscription is one user's participation in a shared task.
type UserTaskSubscription struct {
	ID           string             `gorm:"primaryKey" json:"id"`
	OwnerID      string             `gorm:"uniqueIndex:idx_owner_task;index" json:"owner_id"`
	TaskID       string             `gorm:"uniqueIndex:idx_owner_task;index" json:"task_id"`
	FrozenSpace  int64              `json:"frozen_space"`
	Status       SubscriptionStatus `gorm:"index" json:"status"`
	ErrorDisplay string             `json:"error"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

func (UserTaskSubscription) TableName() string {
	return "user_task_subscriptions"
}

// StoredFile is a physical artifact in the content-addressed store. Its
// lifetime is governed by RefCount.
type StoredFile struct {
	ID           string    `gorm:"primaryKey" json:"id"`
	ContentHash  string    `gorm:"uniqueIndex;size:64" json:"content_hash"`
	RealPath     string    `json:"real_path"`
	Size         int64     `json:"size"`
	IsDirectory  bool      `json:"is_directory"`
	OriginalName string    `json:"original_name"`
	RefCount     int64     `json:"ref_count"`
	CreatedAt    time.Time `json:"created_at"`
}

func (StoredFile) TableName() string {
	return "stored_files"
}

// UserFile is a user's reference to a StoredFile.
type UserFile struct {
	ID           string    `gorm:"primaryKey" json:"id"`
	OwnerID      string    `gorm:"uniqueIndex:idx_owner_stored;index" json:"owner_id"`
	StoredFileID string    `gorm:"uniqueIndex:idx_owner_stored;index" json:"stored_file_id"`
	DisplayName  string    `json:"display_name"`
	CreatedAt    time.Time `json:"created_at"`
}

func (UserFile) TableName() string {
	return "user_files"
}

// TaskHistory is an append-only per-user record of terminated tasks.
type TaskHistory struct {
	ID           string    `gorm:"primaryKey" json:"id"`
	OwnerID      string    `gorm:"index" json:"owner_id"`
	TaskName     string    `json:"task_name"`
	URI          string    `json:"uri"` // credential-masked
	Outcome      string    `json:"outcome"`
	ErrorDisplay string    `json:"error,omitempty"`
	CreatedAt    time.Time `gorm:"index" json:"created_at"`
}

func (TaskHistory) TableName() string {
	return "task_history"
}
