package admission

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/riptide-dl/riptide/internal/config"
	"github.com/riptide-dl/riptide/internal/logger"
	"github.com/riptide-dl/riptide/pkg/database"
	"github.com/riptide-dl/riptide/pkg/filestore"
)

var (
	// ErrSpaceDenied means the user's quota or the machine cannot hold the
	// download.
	ErrSpaceDenied = errors.New("quota/space insufficient")
	// ErrTaskTooLarge means the download exceeds the system-wide cap
	// regardless of who asks.
	ErrTaskTooLarge = errors.New("task exceeds maximum size")
)

// MinUnknownSizeAdmit is the headroom required to admit a download whose size
// is not yet known.
const MinUnknownSizeAdmit = 1 << 20 // 1 MiB

// Controller gates submissions and late size-reveals against per-user quotas
// and machine free space. All frozen-space decisions for one user run under
// that user's advisory lock.
type Controller struct {
	db     *database.DB
	files  *filestore.Store
	logger zerolog.Logger

	mu    sync.Mutex
	users map[string]*sync.Mutex
}

func New(db *database.DB, files *filestore.Store) *Controller {
	return &Controller{
		db:     db,
		files:  files,
		logger: logger.New("admission"),
		users:  make(map[string]*sync.Mutex),
	}
}

// LockUser serializes "read available, decide, write frozen" for one user.
func (c *Controller) LockUser(userID string) func() {
	c.mu.Lock()
	m, ok := c.users[userID]
	if !ok {
		m = &sync.Mutex{}
		c.users[userID] = m
	}
	c.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// machineFree is the filesystem headroom the orchestrator may hand out,
// keeping min_free_disk in reserve.
func (c *Controller) machineFree() int64 {
	free := c.files.FreeSpace() - config.Get().GetMinFreeDisk()
	if free < 0 {
		return 0
	}
	return free
}

// Usage computes the user's quota view.
func (c *Controller) Usage(userID string) (database.Usage, error) {
	return c.db.ComputeUsage(userID, config.Get().QuotaFor(userID), c.machineFree())
}

// AdmitKnownSize gates a submission whose size the probe revealed. On admit
// the returned frozen figure equals size; writing it is the caller's job.
func (c *Controller) AdmitKnownSize(userID string, size int64) (int64, error) {
	if size > config.Get().GetMaxTaskSize() {
		return 0, ErrTaskTooLarge
	}
	unlock := c.LockUser(userID)
	defer unlock()

	usage, err := c.Usage(userID)
	if err != nil {
		return 0, err
	}
	if size > usage.Available {
		return 0, ErrSpaceDenied
	}
	return size, nil
}

// AdmitUnknownSize gates magnets, torrents and sizeless HTTP submissions.
// They are admitted with frozen_space 0 as long as minimal headroom exists;
// the real reservation happens at the late size-reveal.
func (c *Controller) AdmitUnknownSize(userID string) error {
	unlock := c.LockUser(userID)
	defer unlock()

	usage, err := c.Usage(userID)
	if err != nil {
		return err
	}
	if usage.Available < MinUnknownSizeAdmit {
		return ErrSpaceDenied
	}
	return nil
}

// RevealOutcome is the per-subscription result of a late size-reveal pass.
type RevealOutcome struct {
	Subscription database.UserTaskSubscription
	Admitted     bool
}

// AdmitLateReveal re-runs admission for every pending subscription of a task
// once the daemon reports the first non-zero total length. Admitted
// subscribers get their frozen_space set through the frozen_space=0 CAS;
// everyone else is marked failed with the quota message. Admissions for the
// same user within one pass draw down a running available figure so
// repeated comparisons against the untouched initial value cannot
// over-admit.
func (c *Controller) AdmitLateReveal(taskID string, totalLength int64) ([]RevealOutcome, error) {
	subs, err := c.db.PendingSubscriptions(taskID)
	if err != nil {
		return nil, err
	}

	available := make(map[string]int64)
	outcomes := make([]RevealOutcome, 0, len(subs))
	for _, sub := range subs {
		unlock := c.LockUser(sub.OwnerID)
		avail, seen := available[sub.OwnerID]
		if !seen {
			usage, err := c.Usage(sub.OwnerID)
			if err != nil {
				unlock()
				return nil, err
			}
			avail = usage.Available
		}

		if totalLength > avail {
			unlock()
			if _, err := c.db.FailSubscription(sub.ID, "user quota space insufficient"); err != nil {
				return nil, err
			}
			c.logger.Info().
				Str("task", taskID).
				Str("user", sub.OwnerID).
				Int64("total", totalLength).
				Msg("Subscriber dropped at size reveal")
			outcomes = append(outcomes, RevealOutcome{Subscription: sub, Admitted: false})
			continue
		}

		frozen, err := c.db.FreezeSubscriptionSpace(sub.ID, totalLength)
		if err != nil {
			unlock()
			return nil, err
		}
		if frozen {
			avail -= totalLength
		}
		available[sub.OwnerID] = avail
		unlock()
		outcomes = append(outcomes, RevealOutcome{Subscription: sub, Admitted: true})
	}
	return outcomes, nil
}
