package database

import (
	"time"

	"github.com/google/uuid"
)

// AddHistory appends a terminated-task record for one user.
func (d *DB) AddHistory(ownerID, taskName, uri, outcome, errorDisplay string) error {
	return d.gorm.Create(&TaskHistory{
		ID:           uuid.NewString(),
		OwnerID:      ownerID,
		TaskName:     taskName,
		URI:          uri,
		Outcome:      outcome,
		ErrorDisplay: errorDisplay,
	}).Error
}

func (d *DB) HistoryForUser(ownerID string, limit int) ([]TaskHistory, error) {
	var rows []TaskHistory
	q := d.gorm.Where("owner_id = ?", ownerID).Order("created_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&rows).Error
	return rows, err
}

// TrimHistory deletes records older than the retention window.
func (d *DB) TrimHistory(olderThan time.Time) (int64, error) {
	res := d.gorm.Where("created_at < ?", olderThan).Delete(&TaskHistory{})
	return res.RowsAffected, res.Error
}
