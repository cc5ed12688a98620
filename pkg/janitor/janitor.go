package janitor

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"

	"github.com/riptide-dl/riptide/internal/config"
	"github.com/riptide-dl/riptide/internal/logger"
	"github.com/riptide-dl/riptide/internal/utils"
	"github.com/riptide-dl/riptide/pkg/database"
	"github.com/riptide-dl/riptide/pkg/filestore"
)

// Janitor runs the periodic housekeeping: orphaned store paths, dangling
// file references and expired history records.
type Janitor struct {
	db        *database.DB
	files     *filestore.Store
	scheduler gocron.Scheduler
	interval  string
	retention time.Duration
	logger    zerolog.Logger
}

func New(db *database.DB, files *filestore.Store) *Janitor {
	cfg := config.Get()
	return &Janitor{
		db:        db,
		files:     files,
		interval:  cfg.Janitor.SweepInterval,
		retention: cfg.Janitor.GetHistoryRetention(),
		logger:    logger.New("janitor"),
	}
}

func (j *Janitor) Start(ctx context.Context) error {
	j.scheduler, _ = gocron.NewScheduler(gocron.WithLocation(time.Local))

	if jd, err := utils.ConvertToJobDef(j.interval); err != nil {
		j.logger.Error().Err(err).Str("interval", j.interval).Msg("Error converting interval")
	} else {
		_, err2 := j.scheduler.NewJob(jd, gocron.NewTask(func() {
			j.sweep(ctx)
		}))
		if err2 != nil {
			j.logger.Error().Err(err2).Msg("Error creating janitor job")
		} else {
			j.scheduler.Start()
			j.logger.Info().Msgf("Janitor scheduled every %s", j.interval)
		}
	}

	<-ctx.Done()

	j.logger.Info().Msg("Stopping janitor scheduler")
	if j.scheduler != nil {
		_ = j.scheduler.Shutdown()
	}
	return nil
}

func (j *Janitor) sweep(ctx context.Context) {
	started := time.Now()

	if err := j.files.SweepOrphans(ctx); err != nil {
		j.logger.Error().Err(err).Msg("Orphan sweep failed")
	}
	if removed, err := j.sweepStaleWorkDirs(); err != nil {
		j.logger.Error().Err(err).Msg("Stale work dir sweep failed")
	} else if removed > 0 {
		j.logger.Info().Int("removed", removed).Msg("Removed stale working directories")
	}
	if removed, err := j.sweepDanglingRefs(); err != nil {
		j.logger.Error().Err(err).Msg("Dangling reference sweep failed")
	} else if removed > 0 {
		j.logger.Info().Int("removed", removed).Msg("Removed dangling file references")
	}
	if trimmed, err := j.db.TrimHistory(time.Now().Add(-j.retention)); err != nil {
		j.logger.Error().Err(err).Msg("History trim failed")
	} else if trimmed > 0 {
		j.logger.Info().Int64("trimmed", trimmed).Msg("Trimmed task history")
	}

	j.logger.Debug().Dur("took", time.Since(started)).Msg("Janitor sweep finished")
}

// sweepStaleWorkDirs removes downloading/<task_id> directories whose task is
// gone or settled. They survive a crash between a terminal transition and the
// cleanup that normally follows it.
func (j *Janitor) sweepStaleWorkDirs() (int, error) {
	ids, err := j.files.ListDownloadingDirs()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, id := range ids {
		task, err := j.db.TaskByID(id)
		if err != nil && !database.NotFound(err) {
			continue
		}
		if err == nil && !task.Status.Terminal() {
			continue
		}
		if err := j.files.RemoveDownloadingDir(id); err != nil {
			j.logger.Warn().Err(err).Str("task", id).Msg("Failed to remove stale work dir")
			continue
		}
		removed++
	}
	return removed, nil
}

// sweepDanglingRefs deletes UserFile rows whose StoredFile row is gone. They
// appear when a stored file is reclaimed while a reference insert raced the
// delete.
func (j *Janitor) sweepDanglingRefs() (int, error) {
	var refs []database.UserFile
	if err := j.db.Gorm().
		Joins("LEFT JOIN stored_files ON stored_files.id = user_files.stored_file_id").
		Where("stored_files.id IS NULL").
		Find(&refs).Error; err != nil {
		return 0, err
	}
	removed := 0
	for _, ref := range refs {
		if err := j.db.Gorm().Delete(&database.UserFile{}, "id = ?", ref.ID).Error; err != nil {
			j.logger.Warn().Err(err).Str("ref", ref.ID).Msg("Failed to delete dangling reference")
			continue
		}
		removed++
	}
	return removed, nil
}
