package reconciler

import (
	"context"
	"os"
	"time"

	"github.com/riptide-dl/riptide/internal/config"
	"github.com/riptide-dl/riptide/pkg/aria2"
	"github.com/riptide-dl/riptide/pkg/database"
)

// Poll runs the periodic reconciliation loop until ctx is canceled. Push
// events and polling feed the same handlers, so a dropped notification only
// delays a transition by one interval.
func (r *Reconciler) Poll(ctx context.Context) error {
	interval := config.Get().GetPollInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.pollOnce(ctx)
		}
	}
}

func (r *Reconciler) pollOnce(ctx context.Context) {
	tasks, err := r.db.ActiveTasks()
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to list active tasks")
		return
	}
	for i := range tasks {
		if ctx.Err() != nil {
			return
		}
		r.pollTask(ctx, &tasks[i])
	}
	r.sweepVanishedArtifacts(ctx)
}

func (r *Reconciler) pollTask(ctx context.Context, task *database.DownloadTask) {
	st, err := r.client.TellStatus(ctx, task.GID)
	if err != nil {
		if aria2.IsGIDNotFound(err) {
			// the daemon forgot the download (restart, manual purge); treat
			// it like an external removal
			unlock := r.lockTask(task.ID)
			fresh, rerr := r.db.TaskByID(task.ID)
			if rerr == nil {
				r.handleStop(fresh)
			}
			unlock()
			return
		}
		r.logger.Warn().Err(err).Str("task", task.ID).Str("gid", task.GID).Msg("Poll tellStatus failed")
		return
	}

	unlock := r.lockTask(task.ID)
	defer unlock()

	task, err = r.db.TaskByID(task.ID)
	if err != nil {
		return
	}

	switch st.Status {
	case "active":
		r.handleStart(ctx, task, st)
	case "waiting":
		// queued on the daemon side; nothing to reconcile yet
	case "paused":
		r.handlePause(ctx, task, st)
	case "complete":
		r.handleComplete(ctx, aria2.EventComplete, task, st)
	case "error":
		r.handleError(task, st)
	case "removed":
		r.handleStop(task)
	}
}

// sweepVanishedArtifacts downgrades completed tasks whose stored artifact no
// longer exists on disk, so a stale complete row cannot hand out dead paths.
func (r *Reconciler) sweepVanishedArtifacts(ctx context.Context) {
	tasks, err := r.db.CompletedTasks()
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to list completed tasks")
		return
	}
	for i := range tasks {
		if ctx.Err() != nil {
			return
		}
		task := &tasks[i]
		if task.StoredFileID == nil {
			continue
		}
		stored, err := r.db.StoredFileByID(*task.StoredFileID)
		if err != nil {
			if database.NotFound(err) {
				_ = r.db.MarkTaskRemoved(task.ID)
			}
			continue
		}
		if _, err := os.Stat(stored.RealPath); os.IsNotExist(err) {
			r.logger.Warn().Str("task", task.ID).Str("path", stored.RealPath).Msg("Stored artifact vanished, marking task removed")
			_ = r.db.MarkTaskRemoved(task.ID)
		}
	}
}
