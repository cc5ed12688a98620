package reconciler

import (
	"context"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/riptide-dl/riptide/internal/config"
	"github.com/riptide-dl/riptide/internal/logger"
	"github.com/riptide-dl/riptide/pkg/admission"
	"github.com/riptide-dl/riptide/pkg/aria2"
	"github.com/riptide-dl/riptide/pkg/database"
	"github.com/riptide-dl/riptide/pkg/fanout"
	"github.com/riptide-dl/riptide/pkg/filestore"
)

// Reconciler merges the daemon's push stream and the poll loop into
// idempotent transitions on the task state machine, and drives storage,
// subscriptions and fan-out on terminal transitions.
type Reconciler struct {
	db     *database.DB
	files  *filestore.Store
	client *aria2.Client
	admit  *admission.Controller
	hub    *fanout.Hub
	logger zerolog.Logger

	mu     sync.Mutex
	taskMu map[string]*sync.Mutex
}

func New(db *database.DB, files *filestore.Store, client *aria2.Client, admit *admission.Controller, hub *fanout.Hub) *Reconciler {
	return &Reconciler{
		db:     db,
		files:  files,
		client: client,
		admit:  admit,
		hub:    hub,
		logger: logger.New("reconciler"),
		taskMu: make(map[string]*sync.Mutex),
	}
}

// lockTask serializes all state writes for one task. Events for distinct
// tasks proceed in parallel.
func (r *Reconciler) lockTask(taskID string) func() {
	r.mu.Lock()
	m, ok := r.taskMu[taskID]
	if !ok {
		m = &sync.Mutex{}
		r.taskMu[taskID] = m
	}
	r.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// Run consumes the push stream until ctx is canceled.
func (r *Reconciler) Run(ctx context.Context, events <-chan aria2.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			go r.HandleEvent(ctx, ev)
		}
	}
}

// HandleEvent processes one daemon notification. The notification itself is
// only a hint; tellStatus is the source of truth.
func (r *Reconciler) HandleEvent(ctx context.Context, ev aria2.Event) {
	st, err := r.client.TellStatus(ctx, ev.GID)
	if err != nil {
		r.logger.Warn().Err(err).Str("gid", ev.GID).Str("event", string(ev.Kind)).Msg("tellStatus failed for event")
		return
	}

	task, err := r.resolveTask(ev.GID, st)
	if err != nil {
		r.logger.Debug().Str("gid", ev.GID).Str("event", string(ev.Kind)).Msg("Dropping event for unknown gid")
		return
	}

	unlock := r.lockTask(task.ID)
	defer unlock()

	// re-read inside the mutex; another handler may have just moved the task
	task, err = r.db.TaskByID(task.ID)
	if err != nil {
		return
	}

	switch ev.Kind {
	case aria2.EventStart:
		r.handleStart(ctx, task, st)
	case aria2.EventPause:
		r.handlePause(ctx, task, st)
	case aria2.EventStop:
		r.handleStop(task)
	case aria2.EventComplete, aria2.EventBTComplete:
		r.handleComplete(ctx, ev.Kind, task, st)
	case aria2.EventError:
		r.handleError(task, st)
	}
}

// resolveTask finds the task for a gid, following the BT metadata handoff:
// when the gid is unknown but the snapshot names a followingGid we own, the
// task's gid is swapped to the new value atomically.
func (r *Reconciler) resolveTask(gid string, st *aria2.Status) (*database.DownloadTask, error) {
	task, err := r.db.TaskByGID(gid)
	if err == nil {
		return task, nil
	}
	if !database.NotFound(err) {
		return nil, err
	}
	if st.FollowingGID == "" {
		return nil, err
	}
	task, err = r.db.TaskByGID(st.FollowingGID)
	if err != nil {
		return nil, err
	}
	if _, err := r.db.SwapTaskGID(task.ID, st.FollowingGID, gid); err != nil {
		return nil, err
	}
	r.logger.Info().Str("task", task.ID).Str("old_gid", st.FollowingGID).Str("new_gid", gid).Msg("BT metadata handoff")
	task.GID = gid
	return task, nil
}

func (r *Reconciler) handleStart(ctx context.Context, task *database.DownloadTask, st *aria2.Status) {
	if task.Status.Terminal() {
		return
	}
	if !r.applySizeReveal(ctx, task, st) {
		return
	}
	_ = r.db.SetTaskStatus(task.ID, database.TaskActive)
	r.applyProgress(task, st)
	r.broadcastProgress(task.ID, false)
}

// applySizeReveal runs the late admission pass when the daemon reports the
// first non-zero total length. Returns false when the task was canceled.
func (r *Reconciler) applySizeReveal(ctx context.Context, task *database.DownloadTask, st *aria2.Status) bool {
	total := st.Total()
	if total == 0 || task.TotalLength != 0 {
		return true
	}

	if total > config.Get().GetMaxTaskSize() {
		r.cancelTask(ctx, task, "canceled: task exceeds maximum size")
		return false
	}

	outcomes, err := r.admit.AdmitLateReveal(task.ID, total)
	if err != nil {
		r.logger.Error().Err(err).Str("task", task.ID).Msg("Late-reveal admission failed")
		return true
	}
	admitted := 0
	for _, out := range outcomes {
		if out.Admitted {
			admitted++
			continue
		}
		r.recordHistory(out.Subscription.OwnerID, task, "failed", "user quota space insufficient")
		r.broadcastSubscription(out.Subscription.ID, true)
	}
	if admitted == 0 {
		r.cancelTask(ctx, task, "all subscribers out of space")
		return false
	}
	return true
}

func (r *Reconciler) handlePause(ctx context.Context, task *database.DownloadTask, st *aria2.Status) {
	if task.Status.Terminal() {
		return
	}
	// a paused snapshot can carry the first size reveal just as well as an
	// active one
	if !r.applySizeReveal(ctx, task, st) {
		return
	}
	_ = r.db.SetTaskStatus(task.ID, database.TaskPaused)
	r.applyProgress(task, st)
	r.broadcastProgress(task.ID, false)
}

// handleStop is the external-cancel path: somebody removed the download on
// the daemon out-of-band, so no force_remove is issued from here.
func (r *Reconciler) handleStop(task *database.DownloadTask) {
	if task.Status.Terminal() {
		return
	}
	const display = "externally canceled"
	_ = r.db.SetTaskError(task.ID, "", display)
	subs, err := r.db.FailAllPending(task.ID, display)
	if err != nil {
		r.logger.Error().Err(err).Str("task", task.ID).Msg("Failed to fail pending subscriptions")
		return
	}
	for _, sub := range subs {
		r.recordHistory(sub.OwnerID, task, "failed", display)
		r.broadcastSubscription(sub.ID, true)
	}
	r.logger.Info().Str("task", task.ID).Msg("Task externally canceled")
}

func (r *Reconciler) handleComplete(ctx context.Context, kind aria2.EventKind, task *database.DownloadTask, st *aria2.Status) {
	// BT metadata phase: completion of the metadata download hands off to
	// the real download. The sole expected non-terminal complete.
	if kind == aria2.EventComplete && len(st.FollowedBy) > 0 && st.FollowedBy[0] != "" {
		if _, err := r.db.SwapTaskGID(task.ID, task.GID, st.FollowedBy[0]); err != nil {
			r.logger.Error().Err(err).Str("task", task.ID).Msg("BT handoff gid swap failed")
		}
		return
	}

	if task.StoredFileID != nil {
		// a previous completion already won; nothing left to do
		return
	}

	source, ok := r.resolveArtifact(task, st)
	if !ok {
		return
	}

	name := task.Name
	if name == "" {
		name = st.Name()
	}
	if name == "" {
		name = filepath.Base(source)
	}

	stored, err := r.files.MoveToStore(ctx, source, name)
	if err != nil {
		// leave the task active; the next event or poll retries the promote
		r.logger.Error().Err(err).Str("task", task.ID).Str("source", source).Msg("Artifact promote failed")
		return
	}

	won, err := r.db.AttachStoredFile(task.ID, stored.ID)
	if err != nil {
		r.logger.Error().Err(err).Str("task", task.ID).Msg("StoredFile attach failed")
		return
	}
	if !won {
		// a concurrent completion attached first; that handler owns the
		// completion effects, this attempt is discarded
		return
	}

	subs, err := r.db.PendingSubscriptions(task.ID)
	if err != nil {
		r.logger.Error().Err(err).Str("task", task.ID).Msg("Failed to list pending subscriptions")
		return
	}
	for _, sub := range subs {
		if _, err := r.files.CreateUserFileReference(sub.OwnerID, stored.ID, name); err != nil {
			r.logger.Error().Err(err).Str("task", task.ID).Str("user", sub.OwnerID).Msg("Failed to create file reference")
			continue
		}
		if _, err := r.db.SucceedSubscription(sub.ID); err != nil {
			r.logger.Error().Err(err).Str("sub", sub.ID).Msg("Failed to mark subscription success")
			continue
		}
		r.recordHistory(sub.OwnerID, task, "success", "")
		r.broadcastSubscription(sub.ID, true)
	}

	if err := r.files.RemoveDownloadingDir(task.ID); err != nil {
		r.logger.Warn().Err(err).Str("task", task.ID).Msg("Failed to remove downloading dir")
	}
	r.logger.Info().Str("task", task.ID).Str("stored_file", stored.ID).Int("subscribers", len(subs)).Msg("Task complete")
}

// resolveArtifact normalizes files[0].path to the top-level entry inside the
// task's private downloading directory. A multi-file BT download promotes
// the whole top-level directory, not the first leaf. Paths outside the task
// directory are rejected.
func (r *Reconciler) resolveArtifact(task *database.DownloadTask, st *aria2.Status) (string, bool) {
	if len(st.Files) == 0 || st.Files[0].Path == "" {
		r.logger.Error().Str("task", task.ID).Msg("Completion snapshot carries no files")
		return "", false
	}
	dir := r.files.DownloadingDir(task.ID)
	rel, err := filepath.Rel(dir, filepath.Clean(st.Files[0].Path))
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		_ = r.db.SetTaskError(task.ID, "artifact path "+st.Files[0].Path, "backend wrote outside task directory")
		r.failAllAndNotify(task, "backend wrote outside task directory")
		return "", false
	}
	top := strings.SplitN(filepath.ToSlash(rel), "/", 2)[0]
	return filepath.Join(dir, top), true
}

func (r *Reconciler) handleError(task *database.DownloadTask, st *aria2.Status) {
	if task.Status.Terminal() {
		return
	}
	display := aria2.TranslateError(st.ErrorCodeNum(), st.ErrorMessage)
	_ = r.db.SetTaskError(task.ID, st.ErrorMessage, display)
	r.failAllAndNotify(task, display)
	r.logger.Info().Str("task", task.ID).Str("error", st.ErrorMessage).Str("display", display).Msg("Task failed")
}

func (r *Reconciler) failAllAndNotify(task *database.DownloadTask, display string) {
	subs, err := r.db.FailAllPending(task.ID, display)
	if err != nil {
		r.logger.Error().Err(err).Str("task", task.ID).Msg("Failed to fail pending subscriptions")
		return
	}
	for _, sub := range subs {
		r.recordHistory(sub.OwnerID, task, "failed", display)
		r.broadcastSubscription(sub.ID, true)
	}
}

// cancelTask is the application-initiated cancel: remove from the daemon,
// fail everyone, clean the working directory.
func (r *Reconciler) cancelTask(ctx context.Context, task *database.DownloadTask, display string) {
	r.client.Cancel(ctx, task.GID)
	_ = r.db.SetTaskError(task.ID, "", display)
	r.failAllAndNotify(task, display)
	if err := r.files.RemoveDownloadingDir(task.ID); err != nil {
		r.logger.Warn().Err(err).Str("task", task.ID).Msg("Failed to remove downloading dir")
	}
	r.logger.Info().Str("task", task.ID).Str("reason", display).Msg("Task canceled")
}

// CancelForLastSubscriber runs the daemon-side cancel after the last pending
// subscriber left. The pending count is re-checked just before the RPC so a
// subscriber arriving in the gap is not stranded.
func (r *Reconciler) CancelForLastSubscriber(ctx context.Context, taskID string) {
	unlock := r.lockTask(taskID)
	defer unlock()

	task, err := r.db.TaskByID(taskID)
	if err != nil {
		return
	}
	if task.Status.Terminal() {
		return
	}
	pending, err := r.db.CountPendingSubscriptions(taskID)
	if err != nil || pending > 0 {
		return
	}
	r.cancelTask(ctx, task, "canceled: no subscribers remain")
}

func (r *Reconciler) applyProgress(task *database.DownloadTask, st *aria2.Status) {
	if err := r.db.UpdateTaskProgress(task.ID, st.Name(), st.Total(), st.Completed(), st.DownSpeed(), st.UpSpeed()); err != nil {
		r.logger.Error().Err(err).Str("task", task.ID).Msg("Progress update failed")
	}
	if err := r.db.UpdateTaskPeaks(task.ID, st.DownSpeed(), st.ConnCount()); err != nil {
		r.logger.Error().Err(err).Str("task", task.ID).Msg("Peak update failed")
	}
}

func (r *Reconciler) recordHistory(ownerID string, task *database.DownloadTask, outcome, display string) {
	if err := r.db.AddHistory(ownerID, task.Name, task.URI, outcome, display); err != nil {
		r.logger.Warn().Err(err).Str("user", ownerID).Msg("Failed to append task history")
	}
}

// broadcastSubscription pushes one subscription's current view to its owner.
func (r *Reconciler) broadcastSubscription(subID string, terminal bool) {
	sub, err := r.db.SubscriptionByID(subID)
	if err != nil {
		return
	}
	task, err := r.db.TaskByID(sub.TaskID)
	if err != nil {
		return
	}
	r.hub.TaskUpdate(sub.OwnerID, task.ID, database.NewSubscriptionView(sub, task), terminal)
}

// broadcastProgress pushes the current task state to every pending
// subscriber.
func (r *Reconciler) broadcastProgress(taskID string, terminal bool) {
	task, err := r.db.TaskByID(taskID)
	if err != nil {
		return
	}
	subs, err := r.db.PendingSubscriptions(taskID)
	if err != nil {
		return
	}
	for i := range subs {
		r.hub.TaskUpdate(subs[i].OwnerID, task.ID, database.NewSubscriptionView(&subs[i], task), terminal)
	}
}
