package store

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/riptide-dl/riptide/internal/config"
	"github.com/riptide-dl/riptide/internal/logger"
	"github.com/riptide-dl/riptide/pkg/admission"
	"github.com/riptide-dl/riptide/pkg/aria2"
	"github.com/riptide-dl/riptide/pkg/database"
	"github.com/riptide-dl/riptide/pkg/fanout"
	"github.com/riptide-dl/riptide/pkg/filestore"
	"github.com/riptide-dl/riptide/pkg/fingerprint"
	"github.com/riptide-dl/riptide/pkg/reconciler"
)

// Store wires the process-wide services together: database, content store,
// daemon client, admission, reconciler and fan-out hub.
type Store struct {
	db          *database.DB
	files       *filestore.Store
	client      *aria2.Client
	notifier    *aria2.Notifier
	admission   *admission.Controller
	hub         *fanout.Hub
	reconciler  *reconciler.Reconciler
	fingerprint *fingerprint.Service
	logger      zerolog.Logger
}

var (
	instance *Store
	once     sync.Once
)

// Get returns the singleton instance
func Get() *Store {
	once.Do(func() {
		cfg := config.Get()
		log := logger.Default()

		db, err := database.Open(cfg.DatabaseFile())
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.DatabaseFile()).Msg("Failed to open database")
		}
		files, err := filestore.New(cfg.DownloadRoot, db)
		if err != nil {
			log.Fatal().Err(err).Str("root", cfg.DownloadRoot).Msg("Failed to prepare download root")
		}

		client := aria2.NewClient(cfg.Aria2.RPCUrl, cfg.Aria2.RPCSecret)
		notifier := aria2.NewNotifier(cfg.NotificationURL(), aria2.Backoff{
			MaxDelay: cfg.WSReconnect.GetMaxDelay(),
			Factor:   cfg.WSReconnect.Factor,
			Jitter:   cfg.WSReconnect.Jitter,
		})
		admit := admission.New(db, files)
		hub := fanout.NewHub()

		instance = &Store{
			db:          db,
			files:       files,
			client:      client,
			notifier:    notifier,
			admission:   admit,
			hub:         hub,
			reconciler:  reconciler.New(db, files, client, admit, hub),
			fingerprint: fingerprint.NewService(cfg.GetProbeTimeout()),
			logger:      log,
		}
	})
	return instance
}

func Reset() {
	if instance != nil {
		if instance.db != nil {
			_ = instance.db.Close()
		}
	}
	once = sync.Once{}
	instance = nil
}

func (s *Store) DB() *database.DB {
	return s.db
}
func (s *Store) Files() *filestore.Store {
	return s.files
}
func (s *Store) Client() *aria2.Client {
	return s.client
}
func (s *Store) Notifier() *aria2.Notifier {
	return s.notifier
}
func (s *Store) Admission() *admission.Controller {
	return s.admission
}
func (s *Store) Hub() *fanout.Hub {
	return s.hub
}
func (s *Store) Reconciler() *reconciler.Reconciler {
	return s.reconciler
}
