package filestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/riptide-dl/riptide/internal/logger"
	"github.com/riptide-dl/riptide/pkg/database"
)

// Store owns the content-addressed layout under <root>/store and the task
// working directories under <root>/downloading.
type Store struct {
	root   string
	db     *database.DB
	logger zerolog.Logger
}

func New(root string, db *database.DB) (*Store, error) {
	s := &Store{
		root:   root,
		db:     db,
		logger: logger.New("filestore"),
	}
	for _, dir := range []string{s.storeRoot(), s.downloadingRoot()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create download root: %w", err)
		}
	}
	return s, nil
}

func (s *Store) Root() string            { return s.root }
func (s *Store) storeRoot() string       { return filepath.Join(s.root, "store") }
func (s *Store) downloadingRoot() string { return filepath.Join(s.root, "downloading") }

// DownloadingDir is the task-private directory the daemon writes into.
func (s *Store) DownloadingDir(taskID string) string {
	return filepath.Join(s.downloadingRoot(), taskID)
}

// RemoveDownloadingDir deletes a task's working directory.
func (s *Store) RemoveDownloadingDir(taskID string) error {
	return os.RemoveAll(s.DownloadingDir(taskID))
}

// ListDownloadingDirs returns the task ids that still have a working
// directory on disk.
func (s *Store) ListDownloadingDirs() ([]string, error) {
	entries, err := os.ReadDir(s.downloadingRoot())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// contentDir fans out on the first two hex chars so no single directory
// accumulates every artifact.
func (s *Store) contentDir(hash string) string {
	return filepath.Join(s.storeRoot(), hash[:2], hash)
}

// MoveToStore promotes a completed artifact into the content-addressed store
// and returns its StoredFile record. When the content already exists the
// source is deleted and the existing record returned. The new record starts
// with ref_count 0; references are the caller's job.
func (s *Store) MoveToStore(ctx context.Context, source, originalName string) (*database.StoredFile, error) {
	hash, isDir, err := HashPath(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("hashing %s: %w", source, err)
	}
	size, err := sizeOf(source)
	if err != nil {
		return nil, err
	}

	var existing database.StoredFile
	err = s.db.Gorm().Where("content_hash = ?", hash).First(&existing).Error
	if err == nil {
		// duplicate content: the stored copy wins
		if rmErr := os.RemoveAll(source); rmErr != nil {
			s.logger.Warn().Err(rmErr).Str("source", source).Msg("Failed to remove duplicate source")
		}
		return &existing, nil
	}
	if !database.NotFound(err) {
		return nil, err
	}

	destDir := s.contentDir(hash)
	dest := filepath.Join(destDir, filepath.Base(source))
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return nil, err
	}
	if err := os.Rename(source, dest); err != nil {
		if _, statErr := os.Stat(dest); statErr == nil {
			// a concurrent promotion won the rename race
			if rmErr := os.RemoveAll(source); rmErr != nil {
				s.logger.Warn().Err(rmErr).Str("source", source).Msg("Failed to remove raced source")
			}
		} else {
			return nil, fmt.Errorf("promoting %s: %w", source, err)
		}
	}

	record := database.StoredFile{
		ID:           uuid.NewString(),
		ContentHash:  hash,
		RealPath:     dest,
		Size:         size,
		IsDirectory:  isDir,
		OriginalName: originalName,
	}
	if err := s.db.Gorm().Create(&record).Error; err != nil {
		if database.IsDuplicate(err) {
			var winner database.StoredFile
			if err := s.db.Gorm().Where("content_hash = ?", hash).First(&winner).Error; err != nil {
				return nil, err
			}
			return &winner, nil
		}
		return nil, err
	}
	return &record, nil
}

var errAlreadyReferenced = errors.New("already referenced")

// CreateUserFileReference creates the user's reference to a stored file and
// increments its ref count, both in one transaction. Returns (nil, nil) when
// the user already references the file; the count is bumped exactly once per
// distinct (user, file) pair no matter how many concurrent callers race.
func (s *Store) CreateUserFileReference(ownerID, storedFileID, displayName string) (*database.UserFile, error) {
	ref := database.UserFile{
		ID:           uuid.NewString(),
		OwnerID:      ownerID,
		StoredFileID: storedFileID,
		DisplayName:  displayName,
	}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&database.UserFile{}).
			Where("owner_id = ? AND stored_file_id = ?", ownerID, storedFileID).
			Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return errAlreadyReferenced
		}
		if err := tx.Create(&ref).Error; err != nil {
			if database.IsDuplicate(err) {
				// a racing insert won; roll the whole transaction back so
				// the ref-count bump below never happens twice
				return errAlreadyReferenced
			}
			return err
		}
		return tx.Model(&database.StoredFile{}).
			Where("id = ?", storedFileID).
			UpdateColumn("ref_count", gorm.Expr("ref_count + 1")).Error
	})
	if errors.Is(err, errAlreadyReferenced) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ref, nil
}

// DeleteUserFileReference removes the reference and decrements the parent's
// ref count; when the count hits zero the stored file row and its bytes are
// deleted. Concurrent deletes of the same reference are idempotent: only one
// returns true.
func (s *Store) DeleteUserFileReference(userFileID string) (bool, error) {
	var removePath string
	deleted := false

	err := s.db.Transaction(func(tx *gorm.DB) error {
		var ref database.UserFile
		if err := tx.First(&ref, "id = ?", userFileID).Error; err != nil {
			if database.NotFound(err) {
				return nil
			}
			return err
		}
		res := tx.Delete(&database.UserFile{}, "id = ?", userFileID)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		deleted = true

		if err := tx.Model(&database.StoredFile{}).
			Where("id = ?", ref.StoredFileID).
			UpdateColumn("ref_count", gorm.Expr("ref_count - 1")).Error; err != nil {
			return err
		}
		var stored database.StoredFile
		if err := tx.First(&stored, "id = ?", ref.StoredFileID).Error; err != nil {
			if database.NotFound(err) {
				return nil
			}
			return err
		}
		if stored.RefCount > 0 {
			return nil
		}
		if err := tx.Delete(&database.StoredFile{}, "id = ?", stored.ID).Error; err != nil {
			return err
		}
		removePath = stored.RealPath
		return nil
	})
	if err != nil {
		return false, err
	}

	if removePath != "" {
		// the record is already gone; a failed removal leaves an orphan the
		// sweep picks up later
		if err := os.RemoveAll(removePath); err != nil {
			s.logger.Error().Err(err).Str("path", removePath).Msg("Failed to remove stored file from disk")
		} else {
			// drop the now-empty hash directory
			_ = os.Remove(filepath.Dir(removePath))
		}
	}
	return deleted, nil
}

// SweepOrphans deletes any store/** hash directory with no matching
// StoredFile row.
func (s *Store) SweepOrphans(ctx context.Context) error {
	prefixes, err := os.ReadDir(s.storeRoot())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, prefix := range prefixes {
		if !prefix.IsDir() {
			continue
		}
		hashDirs, err := os.ReadDir(filepath.Join(s.storeRoot(), prefix.Name()))
		if err != nil {
			continue
		}
		for _, hd := range hashDirs {
			if err := ctx.Err(); err != nil {
				return err
			}
			var n int64
			if err := s.db.Gorm().Model(&database.StoredFile{}).
				Where("content_hash = ?", hd.Name()).
				Count(&n).Error; err != nil {
				return err
			}
			if n > 0 {
				continue
			}
			orphan := filepath.Join(s.storeRoot(), prefix.Name(), hd.Name())
			s.logger.Info().Str("path", orphan).Msg("Removing orphaned store path")
			if err := os.RemoveAll(orphan); err != nil {
				s.logger.Warn().Err(err).Str("path", orphan).Msg("Failed to remove orphaned store path")
			}
		}
	}
	return nil
}

// FreeSpace reports the bytes available on the filesystem under the root.
func (s *Store) FreeSpace() int64 {
	free, err := diskFree(s.root)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to read free disk space")
		return 0
	}
	return free
}

func sizeOf(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if !info.IsDir() {
		return info.Size(), nil
	}
	var total int64
	err = filepath.WalkDir(path, func(_ string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		total += fi.Size()
		return nil
	})
	return total, err
}
