package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/riptide-dl/riptide/pkg/database"
	"github.com/riptide-dl/riptide/pkg/fingerprint"
)

var (
	// ErrAlreadyOwned means the user already holds a reference to the
	// content this submission resolves to.
	ErrAlreadyOwned = errors.New("file already owned")
	// ErrNotFound covers lookups of subscriptions or files the user does
	// not have.
	ErrNotFound = errors.New("not found")
)

// Submit fingerprints a submission, runs admission, joins or creates the
// shared task and hands it to the daemon when this subscriber is the first.
func (s *Store) Submit(ctx context.Context, userID string, sub fingerprint.Submission) (*database.SubscriptionView, error) {
	identity, err := s.fingerprint.Resolve(ctx, sub)
	if err != nil {
		return nil, err
	}

	task, isNew, err := s.db.FindOrCreateTask(identity.URIHash, identity.URI, identity.Name, identity.Size)
	if err != nil {
		return nil, err
	}

	// completed tasks short-circuit: no download happens, the user just
	// gains a reference to the stored content
	if task.Status == database.TaskComplete && task.StoredFileID != nil {
		return s.joinCompletedTask(userID, task)
	}

	// a later subscriber may know more than the submitter did
	knownSize := task.TotalLength
	if knownSize == 0 {
		knownSize = identity.Size
	}

	var frozen int64
	if knownSize > 0 {
		frozen, err = s.admission.AdmitKnownSize(userID, knownSize)
	} else {
		err = s.admission.AdmitUnknownSize(userID)
	}
	if err != nil {
		return nil, err
	}

	if task.Status == database.TaskError || task.Status == database.TaskRemoved {
		if _, err := s.db.ResetTaskForRetry(task.ID); err != nil {
			return nil, err
		}
		task, err = s.db.TaskByID(task.ID)
		if err != nil {
			return nil, err
		}
	}

	subRow, created, err := s.db.CreateSubscription(userID, task.ID, frozen)
	if err != nil {
		return nil, err
	}
	if !created {
		// idempotent resubmission; the existing row is the answer
		view := database.NewSubscriptionView(subRow, task)
		return &view, nil
	}

	if isNew || (task.Status == database.TaskQueued && task.GID == "") {
		if err := s.reconciler.EnsureSubmitted(ctx, task.ID, identity); err != nil {
			return nil, fmt.Errorf("daemon submission: %w", err)
		}
		task, err = s.db.TaskByID(task.ID)
		if err != nil {
			return nil, err
		}
	}

	s.logger.Info().
		Str("user", userID).
		Str("task", task.ID).
		Str("kind", string(identity.Kind)).
		Bool("new_task", isNew).
		Msg("Subscription created")
	view := database.NewSubscriptionView(subRow, task)
	return &view, nil
}

// joinCompletedTask gives a subscriber to an already-finished task its file
// reference immediately. The subscription is born and settled in one step.
func (s *Store) joinCompletedTask(userID string, task *database.DownloadTask) (*database.SubscriptionView, error) {
	holds, err := s.db.UserHoldsFile(userID, *task.StoredFileID)
	if err != nil {
		return nil, err
	}
	if holds {
		return nil, ErrAlreadyOwned
	}

	stored, err := s.db.StoredFileByID(*task.StoredFileID)
	if err != nil {
		return nil, err
	}
	if _, err := s.admission.AdmitKnownSize(userID, stored.Size); err != nil {
		return nil, err
	}

	subRow, created, err := s.db.CreateSubscription(userID, task.ID, 0)
	if err != nil {
		return nil, err
	}
	if created {
		name := task.Name
		if name == "" {
			name = stored.OriginalName
		}
		if _, err := s.files.CreateUserFileReference(userID, stored.ID, name); err != nil {
			return nil, err
		}
		if _, err := s.db.SucceedSubscription(subRow.ID); err != nil {
			return nil, err
		}
		if err := s.db.AddHistory(userID, task.Name, task.URI, "success", ""); err != nil {
			s.logger.Warn().Err(err).Str("user", userID).Msg("Failed to append task history")
		}
		subRow, err = s.db.SubscriptionByID(subRow.ID)
		if err != nil {
			return nil, err
		}
	}
	view := database.NewSubscriptionView(subRow, task)
	return &view, nil
}

// CancelSubscription withdraws one user from a task. When the last pending
// subscriber leaves, the shared download is canceled on the daemon.
func (s *Store) CancelSubscription(ctx context.Context, userID, subID string) error {
	sub, err := s.db.SubscriptionByID(subID)
	if err != nil {
		if database.NotFound(err) {
			return ErrNotFound
		}
		return err
	}
	if sub.OwnerID != userID {
		return ErrNotFound
	}

	deleted, remaining, err := s.db.DeleteSubscription(subID)
	if err != nil {
		return err
	}
	if !deleted {
		return ErrNotFound
	}
	if remaining == 0 {
		s.reconciler.CancelForLastSubscriber(ctx, sub.TaskID)
	}
	s.logger.Info().Str("user", userID).Str("task", sub.TaskID).Msg("Subscription canceled")
	return nil
}

// ListSubscriptions returns the user's subscriptions as client views.
// filter is one of "", "active", "current", "complete", "error".
func (s *Store) ListSubscriptions(userID, filter string) ([]database.SubscriptionView, error) {
	subs, tasks, err := s.db.SubscriptionsForUser(userID, filter)
	if err != nil {
		return nil, err
	}
	views := make([]database.SubscriptionView, 0, len(subs))
	for i := range subs {
		task, ok := tasks[subs[i].TaskID]
		if !ok {
			continue
		}
		views = append(views, database.NewSubscriptionView(&subs[i], &task))
	}
	return views, nil
}

// ClearTerminated removes the user's settled subscriptions from their list.
func (s *Store) ClearTerminated(userID string) (int64, error) {
	return s.db.ClearTerminated(userID)
}

// FileView is the client-facing shape of one owned file. The artifact's real
// location stays server-side; clients reach the bytes through signed links.
type FileView struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Size        int64  `json:"size"`
	IsDirectory bool   `json:"is_directory"`
	CreatedAt   string `json:"created_at"`
}

// ListFiles returns the user's owned files.
func (s *Store) ListFiles(userID string) ([]FileView, error) {
	refs, stored, err := s.db.UserFilesFor(userID)
	if err != nil {
		return nil, err
	}
	views := make([]FileView, 0, len(refs))
	for _, ref := range refs {
		sf, ok := stored[ref.StoredFileID]
		if !ok {
			continue
		}
		views = append(views, FileView{
			ID:          ref.ID,
			DisplayName: ref.DisplayName,
			Size:        sf.Size,
			IsDirectory: sf.IsDirectory,
			CreatedAt:   ref.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	return views, nil
}

// DeleteFile drops the user's reference; the artifact itself is reclaimed
// once the last reference is gone.
func (s *Store) DeleteFile(userID, userFileID string) error {
	refs, _, err := s.db.UserFilesFor(userID)
	if err != nil {
		return err
	}
	owned := false
	for _, ref := range refs {
		if ref.ID == userFileID {
			owned = true
			break
		}
	}
	if !owned {
		return ErrNotFound
	}
	deleted, err := s.files.DeleteUserFileReference(userFileID)
	if err != nil {
		return err
	}
	if !deleted {
		return ErrNotFound
	}
	return nil
}

// ResolveDownload maps a user file reference to the artifact on disk.
func (s *Store) ResolveDownload(userFileID string) (path, name string, isDir bool, err error) {
	var ref database.UserFile
	if err := s.db.Gorm().First(&ref, "id = ?", userFileID).Error; err != nil {
		if database.NotFound(err) {
			return "", "", false, ErrNotFound
		}
		return "", "", false, err
	}
	stored, err := s.db.StoredFileByID(ref.StoredFileID)
	if err != nil {
		if database.NotFound(err) {
			return "", "", false, ErrNotFound
		}
		return "", "", false, err
	}
	name = ref.DisplayName
	if name == "" {
		name = stored.OriginalName
	}
	return stored.RealPath, name, stored.IsDirectory, nil
}

// Quota returns the user's space accounting.
func (s *Store) Quota(userID string) (database.Usage, error) {
	return s.admission.Usage(userID)
}

// History returns the user's terminated-task records, newest first.
func (s *Store) History(userID string, limit int) ([]database.TaskHistory, error) {
	return s.db.HistoryForUser(userID, limit)
}
