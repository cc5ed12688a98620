package database

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// FindOrCreateTask returns the task for uriHash, creating it when absent.
// isNew is true only for the caller that actually inserted the row; that
// caller is responsible for submitting the task to the daemon.
func (d *DB) FindOrCreateTask(uriHash, uri, name string, totalLength int64) (*DownloadTask, bool, error) {
	var task DownloadTask
	err := d.gorm.Where("uri_hash = ?", uriHash).First(&task).Error
	if err == nil {
		return &task, false, nil
	}
	if !NotFound(err) {
		return nil, false, err
	}

	task = DownloadTask{
		ID:          uuid.NewString(),
		URIHash:     uriHash,
		URI:         uri,
		Name:        name,
		TotalLength: totalLength,
		Status:      TaskQueued,
	}
	if err := d.gorm.Create(&task).Error; err != nil {
		if IsDuplicate(err) {
			// lost the insert race; the winner's row is authoritative
			var existing DownloadTask
			if err := d.gorm.Where("uri_hash = ?", uriHash).First(&existing).Error; err != nil {
				return nil, false, err
			}
			return &existing, false, nil
		}
		return nil, false, err
	}
	return &task, true, nil
}

func (d *DB) TaskByID(id string) (*DownloadTask, error) {
	var task DownloadTask
	if err := d.gorm.First(&task, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &task, nil
}

func (d *DB) TaskByGID(gid string) (*DownloadTask, error) {
	var task DownloadTask
	if err := d.gorm.First(&task, "gid = ? AND gid <> ''", gid).Error; err != nil {
		return nil, err
	}
	return &task, nil
}

// ActiveTasks returns every task the poll loop must sample: non-terminal
// status with a daemon handle assigned.
func (d *DB) ActiveTasks() ([]DownloadTask, error) {
	var tasks []DownloadTask
	err := d.gorm.
		Where("gid <> '' AND status NOT IN ?", []TaskStatus{TaskComplete, TaskError, TaskRemoved}).
		Find(&tasks).Error
	return tasks, err
}

func (d *DB) CompletedTasks() ([]DownloadTask, error) {
	var tasks []DownloadTask
	err := d.gorm.Where("status = ? AND stored_file_id IS NOT NULL", TaskComplete).Find(&tasks).Error
	return tasks, err
}

// SwapTaskGID atomically moves a task from one daemon handle to another.
// Used for the BT metadata handoff; the WHERE clause makes concurrent swaps
// settle on a single winner.
func (d *DB) SwapTaskGID(taskID, oldGID, newGID string) (bool, error) {
	res := d.gorm.Model(&DownloadTask{}).
		Where("id = ? AND gid = ?", taskID, oldGID).
		Update("gid", newGID)
	return res.RowsAffected > 0, res.Error
}

func (d *DB) SetTaskGID(taskID, gid string) error {
	return d.gorm.Model(&DownloadTask{}).Where("id = ?", taskID).Update("gid", gid).Error
}

func (d *DB) SetTaskStatus(taskID string, status TaskStatus) error {
	return d.gorm.Model(&DownloadTask{}).Where("id = ?", taskID).Update("status", status).Error
}

// SetTaskError moves a task to error and records both the raw daemon message
// and the user-facing translation. display may be empty when the failure came
// from the poll loop rather than the daemon.
func (d *DB) SetTaskError(taskID, raw, display string) error {
	return d.gorm.Model(&DownloadTask{}).Where("id = ?", taskID).Updates(map[string]interface{}{
		"status":        TaskError,
		"error":         raw,
		"error_display": display,
	}).Error
}

// UpdateTaskProgress writes a poll/event snapshot's metadata onto the task.
func (d *DB) UpdateTaskProgress(taskID string, name string, total, completed, downSpeed, upSpeed int64) error {
	updates := map[string]interface{}{
		"total_length":     total,
		"completed_length": completed,
		"download_speed":   downSpeed,
		"upload_speed":     upSpeed,
	}
	if name != "" {
		updates["name"] = name
	}
	return d.gorm.Model(&DownloadTask{}).Where("id = ?", taskID).Updates(updates).Error
}

// UpdateTaskPeaks raises the peak counters without ever lowering them.
func (d *DB) UpdateTaskPeaks(taskID string, downSpeed, connections int64) error {
	return d.gorm.Model(&DownloadTask{}).Where("id = ?", taskID).Updates(map[string]interface{}{
		"peak_download_speed": gorm.Expr("CASE WHEN peak_download_speed < ? THEN ? ELSE peak_download_speed END", downSpeed, downSpeed),
		"peak_connections":    gorm.Expr("CASE WHEN peak_connections < ? THEN ? ELSE peak_connections END", connections, connections),
	}).Error
}

// AttachStoredFile is the completion CAS: it succeeds for exactly one caller
// per task, and that caller owns the rest of the completion effects.
func (d *DB) AttachStoredFile(taskID, storedFileID string) (bool, error) {
	now := time.Now()
	res := d.gorm.Model(&DownloadTask{}).
		Where("id = ? AND stored_file_id IS NULL", taskID).
		Updates(map[string]interface{}{
			"stored_file_id": storedFileID,
			"status":         TaskComplete,
			"completed_at":   now,
		})
	return res.RowsAffected > 0, res.Error
}

func (d *DB) MarkTaskRemoved(taskID string) error {
	return d.gorm.Model(&DownloadTask{}).Where("id = ?", taskID).Update("status", TaskRemoved).Error
}

// ResetTaskForRetry returns an errored task to queued so a new subscriber can
// resubmit it. Only fires when no pending subscribers exist; the old gid and
// error fields are cleared before any new submission happens.
func (d *DB) ResetTaskForRetry(taskID string) (bool, error) {
	reset := false
	err := d.gorm.Transaction(func(tx *gorm.DB) error {
		var pending int64
		if err := tx.Model(&UserTaskSubscription{}).
			Where("task_id = ? AND status = ?", taskID, SubscriptionPending).
			Count(&pending).Error; err != nil {
			return err
		}
		if pending > 0 {
			return nil
		}
		res := tx.Model(&DownloadTask{}).
			Where("id = ? AND status = ?", taskID, TaskError).
			Updates(map[string]interface{}{
				"gid":           "",
				"status":        TaskQueued,
				"error":         "",
				"error_display": "",
			})
		if res.Error != nil {
			return res.Error
		}
		reset = res.RowsAffected > 0
		return nil
	})
	return reset, err
}

// CreateSubscription inserts a pending subscription, returning the existing
// row when the (owner, task) pair already exists. created reports whether
// this call inserted.
func (d *DB) CreateSubscription(ownerID, taskID string, frozenSpace int64) (*UserTaskSubscription, bool, error) {
	sub := UserTaskSubscription{
		ID:          uuid.NewString(),
		OwnerID:     ownerID,
		TaskID:      taskID,
		FrozenSpace: frozenSpace,
		Status:      SubscriptionPending,
	}
	if err := d.gorm.Create(&sub).Error; err != nil {
		if IsDuplicate(err) {
			var existing UserTaskSubscription
			if err := d.gorm.
				Where("owner_id = ? AND task_id = ?", ownerID, taskID).
				First(&existing).Error; err != nil {
				return nil, false, err
			}
			return &existing, false, nil
		}
		return nil, false, err
	}
	return &sub, true, nil
}

func (d *DB) SubscriptionByID(id string) (*UserTaskSubscription, error) {
	var sub UserTaskSubscription
	if err := d.gorm.First(&sub, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &sub, nil
}

func (d *DB) PendingSubscriptions(taskID string) ([]UserTaskSubscription, error) {
	var subs []UserTaskSubscription
	err := d.gorm.
		Where("task_id = ? AND status = ?", taskID, SubscriptionPending).
		Order("created_at asc").
		Find(&subs).Error
	return subs, err
}

func (d *DB) CountPendingSubscriptions(taskID string) (int64, error) {
	var n int64
	err := d.gorm.Model(&UserTaskSubscription{}).
		Where("task_id = ? AND status = ?", taskID, SubscriptionPending).
		Count(&n).Error
	return n, err
}

// FreezeSubscriptionSpace is the late-reveal CAS: the reservation is written
// only once, guarded by frozen_space = 0.
func (d *DB) FreezeSubscriptionSpace(subID string, size int64) (bool, error) {
	res := d.gorm.Model(&UserTaskSubscription{}).
		Where("id = ? AND status = ? AND frozen_space = 0", subID, SubscriptionPending).
		Update("frozen_space", size)
	return res.RowsAffected > 0, res.Error
}

// FailSubscription moves a pending subscription to failed and releases its
// frozen space. Terminal rows are left untouched.
func (d *DB) FailSubscription(subID, display string) (bool, error) {
	res := d.gorm.Model(&UserTaskSubscription{}).
		Where("id = ? AND status = ?", subID, SubscriptionPending).
		Updates(map[string]interface{}{
			"status":        SubscriptionFailed,
			"frozen_space":  0,
			"error_display": display,
		})
	return res.RowsAffected > 0, res.Error
}

func (d *DB) SucceedSubscription(subID string) (bool, error) {
	res := d.gorm.Model(&UserTaskSubscription{}).
		Where("id = ? AND status = ?", subID, SubscriptionPending).
		Updates(map[string]interface{}{
			"status":       SubscriptionSuccess,
			"frozen_space": 0,
		})
	return res.RowsAffected > 0, res.Error
}

// FailAllPending fails every pending subscription of a task with one display
// message. Returns the failed rows for history/fan-out.
func (d *DB) FailAllPending(taskID, display string) ([]UserTaskSubscription, error) {
	var subs []UserTaskSubscription
	err := d.gorm.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("task_id = ? AND status = ?", taskID, SubscriptionPending).
			Find(&subs).Error; err != nil {
			return err
		}
		return tx.Model(&UserTaskSubscription{}).
			Where("task_id = ? AND status = ?", taskID, SubscriptionPending).
			Updates(map[string]interface{}{
				"status":        SubscriptionFailed,
				"frozen_space":  0,
				"error_display": display,
			}).Error
	})
	return subs, err
}

// DeleteSubscription removes a user's subscription and reports how many
// pending subscribers remain, both inside one transaction so the
// last-subscriber cancellation decision cannot race a concurrent delete.
func (d *DB) DeleteSubscription(subID string) (deleted bool, remainingPending int64, err error) {
	err = d.gorm.Transaction(func(tx *gorm.DB) error {
		var sub UserTaskSubscription
		if err := tx.First(&sub, "id = ?", subID).Error; err != nil {
			if NotFound(err) {
				return nil
			}
			return err
		}
		res := tx.Delete(&UserTaskSubscription{}, "id = ?", subID)
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected > 0
		return tx.Model(&UserTaskSubscription{}).
			Where("task_id = ? AND status = ?", sub.TaskID, SubscriptionPending).
			Count(&remainingPending).Error
	})
	return deleted, remainingPending, err
}

// SubscriptionsForUser lists a user's subscriptions joined with their tasks.
// filter is one of "", "active", "current", "complete", "error".
func (d *DB) SubscriptionsForUser(ownerID, filter string) ([]UserTaskSubscription, map[string]DownloadTask, error) {
	var subs []UserTaskSubscription
	if err := d.gorm.Where("owner_id = ?", ownerID).Order("created_at desc").Find(&subs).Error; err != nil {
		return nil, nil, err
	}
	if len(subs) == 0 {
		return subs, map[string]DownloadTask{}, nil
	}

	taskIDs := make([]string, 0, len(subs))
	for _, s := range subs {
		taskIDs = append(taskIDs, s.TaskID)
	}
	var tasks []DownloadTask
	if err := d.gorm.Where("id IN ?", taskIDs).Find(&tasks).Error; err != nil {
		return nil, nil, err
	}
	byID := make(map[string]DownloadTask, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	if filter == "" {
		return subs, byID, nil
	}
	filtered := make([]UserTaskSubscription, 0, len(subs))
	for _, s := range subs {
		task, ok := byID[s.TaskID]
		if !ok {
			continue
		}
		status := DeriveStatus(&s, &task)
		switch filter {
		case "active":
			if status == string(TaskActive) || status == string(TaskQueued) || status == string(TaskPaused) {
				filtered = append(filtered, s)
			}
		case "current":
			if s.Status == SubscriptionPending {
				filtered = append(filtered, s)
			}
		case "complete":
			if status == string(TaskComplete) {
				filtered = append(filtered, s)
			}
		case "error":
			if status == string(TaskError) {
				filtered = append(filtered, s)
			}
		default:
			return nil, nil, fmt.Errorf("unknown filter: %s", filter)
		}
	}
	return filtered, byID, nil
}

// ClearTerminated removes a user's success/failed subscriptions.
func (d *DB) ClearTerminated(ownerID string) (int64, error) {
	res := d.gorm.
		Where("owner_id = ? AND status IN ?", ownerID, []SubscriptionStatus{SubscriptionSuccess, SubscriptionFailed}).
		Delete(&UserTaskSubscription{})
	return res.RowsAffected, res.Error
}

// UserHoldsFile reports whether the user already references the stored file.
func (d *DB) UserHoldsFile(ownerID, storedFileID string) (bool, error) {
	var n int64
	err := d.gorm.Model(&UserFile{}).
		Where("owner_id = ? AND stored_file_id = ?", ownerID, storedFileID).
		Count(&n).Error
	return n > 0, err
}

func (d *DB) StoredFileByID(id string) (*StoredFile, error) {
	var sf StoredFile
	if err := d.gorm.First(&sf, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &sf, nil
}

// DeriveStatus computes the client-facing status for one subscription: a
// terminal per-user outcome overrides whatever the shared task shows.
func DeriveStatus(sub *UserTaskSubscription, task *DownloadTask) string {
	switch sub.Status {
	case SubscriptionFailed:
		return string(TaskError)
	case SubscriptionSuccess:
		return string(TaskComplete)
	default:
		return string(task.Status)
	}
}
