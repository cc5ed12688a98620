package reconciler

import (
	"context"

	"github.com/riptide-dl/riptide/pkg/database"
	"github.com/riptide-dl/riptide/pkg/fingerprint"
)

// EnsureSubmitted hands a queued task to the daemon exactly once. The check
// and the RPC run under the task mutex, so concurrent subscribers to a fresh
// task produce a single daemon download.
func (r *Reconciler) EnsureSubmitted(ctx context.Context, taskID string, identity *fingerprint.Identity) error {
	unlock := r.lockTask(taskID)
	defer unlock()

	task, err := r.db.TaskByID(taskID)
	if err != nil {
		return err
	}
	if task.Status != database.TaskQueued || task.GID != "" {
		return nil
	}
	pending, err := r.db.CountPendingSubscriptions(taskID)
	if err != nil {
		return err
	}
	if pending == 0 {
		return nil
	}

	options := map[string]string{
		"dir": r.files.DownloadingDir(taskID),
	}

	var gid string
	switch identity.Kind {
	case fingerprint.KindTorrent:
		gid, err = r.client.AddTorrent(ctx, identity.Torrent, nil, options)
	case fingerprint.KindMagnet:
		gid, err = r.client.AddURI(ctx, []string{identity.URI}, options)
	default:
		// the post-redirect URL is the real target; the stored task URI is
		// credential-masked and must never reach the daemon
		if gerr := fingerprint.GuardURL(ctx, identity.FinalURL); gerr != nil {
			const display = "address not allowed"
			_ = r.db.SetTaskError(taskID, gerr.Error(), display)
			r.failAllAndNotify(task, display)
			return gerr
		}
		gid, err = r.client.AddURI(ctx, []string{identity.FinalURL}, options)
	}
	if err != nil {
		const display = "submit failed"
		_ = r.db.SetTaskError(taskID, err.Error(), display)
		r.failAllAndNotify(task, display)
		r.logger.Error().Err(err).Str("task", taskID).Msg("Daemon submission failed")
		return err
	}

	if err := r.db.SetTaskGID(taskID, gid); err != nil {
		return err
	}
	r.logger.Info().Str("task", taskID).Str("gid", gid).Str("kind", string(identity.Kind)).Msg("Task submitted to daemon")
	return nil
}
