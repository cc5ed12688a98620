package database

import (
	"gorm.io/gorm"
)

// Usage is a user's space accounting at one point in time.
type Usage struct {
	Quota     int64 `json:"quota"`
	Used      int64 `json:"used"`
	Frozen    int64 `json:"frozen"`
	Available int64 `json:"available"`
}

// UsedBytes sums the sizes of every StoredFile the user references.
func (d *DB) UsedBytes(ownerID string) (int64, error) {
	var used *int64
	err := d.gorm.Model(&UserFile{}).
		Select("SUM(stored_files.size)").
		Joins("JOIN stored_files ON stored_files.id = user_files.stored_file_id").
		Where("user_files.owner_id = ?", ownerID).
		Scan(&used).Error
	if err != nil || used == nil {
		return 0, err
	}
	return *used, nil
}

// FrozenBytes sums the space reserved by the user's pending subscriptions.
func (d *DB) FrozenBytes(ownerID string) (int64, error) {
	var frozen *int64
	err := d.gorm.Model(&UserTaskSubscription{}).
		Select("SUM(frozen_space)").
		Where("owner_id = ? AND status = ?", ownerID, SubscriptionPending).
		Scan(&frozen).Error
	if err != nil || frozen == nil {
		return 0, err
	}
	return *frozen, nil
}

// ComputeUsage builds the usage view for one user. machineFree caps the
// available figure at what the filesystem can actually hold.
func (d *DB) ComputeUsage(ownerID string, quota, machineFree int64) (Usage, error) {
	used, err := d.UsedBytes(ownerID)
	if err != nil {
		return Usage{}, err
	}
	frozen, err := d.FrozenBytes(ownerID)
	if err != nil {
		return Usage{}, err
	}
	available := quota - used - frozen
	if machineFree < available {
		available = machineFree
	}
	if available < 0 {
		available = 0
	}
	return Usage{Quota: quota, Used: used, Frozen: frozen, Available: available}, nil
}

// UserFilesFor lists a user's file references with their stored files.
func (d *DB) UserFilesFor(ownerID string) ([]UserFile, map[string]StoredFile, error) {
	var files []UserFile
	if err := d.gorm.Where("owner_id = ?", ownerID).Order("created_at desc").Find(&files).Error; err != nil {
		return nil, nil, err
	}
	stored := make(map[string]StoredFile)
	if len(files) == 0 {
		return files, stored, nil
	}
	ids := make([]string, 0, len(files))
	for _, f := range files {
		ids = append(ids, f.StoredFileID)
	}
	var rows []StoredFile
	if err := d.gorm.Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, nil, err
	}
	for _, r := range rows {
		stored[r.ID] = r
	}
	return files, stored, nil
}

// Transaction runs fn inside a database transaction.
func (d *DB) Transaction(fn func(tx *gorm.DB) error) error {
	return d.gorm.Transaction(fn)
}
