package store

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riptide-dl/riptide/internal/config"
	"github.com/riptide-dl/riptide/internal/logger"
	"github.com/riptide-dl/riptide/internal/testutil"
	"github.com/riptide-dl/riptide/pkg/admission"
	"github.com/riptide-dl/riptide/pkg/aria2"
	"github.com/riptide-dl/riptide/pkg/database"
	"github.com/riptide-dl/riptide/pkg/fanout"
	"github.com/riptide-dl/riptide/pkg/filestore"
	"github.com/riptide-dl/riptide/pkg/fingerprint"
	"github.com/riptide-dl/riptide/pkg/reconciler"
)

const testMagnet = "magnet:?xt=urn:btih:8a19577fb5f690970ca43a57ff1011ae202244b8&dn=test"

// rpcCounter counts daemon submissions without modeling the daemon.
type rpcCounter struct {
	mu      sync.Mutex
	methods map[string]int
}

func (rc *rpcCounter) count(method string) int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.methods[method]
}

func newTestStore(t *testing.T, mutate func(*config.Config)) (*Store, *rpcCounter) {
	t.Helper()
	cfg := testutil.SetupConfig(t, func(c *config.Config) {
		c.DefaultQuota = "100MB"
		c.MinFreeDisk = "1"
		if mutate != nil {
			mutate(c)
		}
	})
	db := testutil.OpenDB(t)
	files, err := filestore.New(cfg.DownloadRoot, db)
	require.NoError(t, err)

	rc := &rpcCounter{methods: make(map[string]int)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     interface{} `json:"id"`
			Method string      `json:"method"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		rc.mu.Lock()
		rc.methods[req.Method]++
		rc.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0", "id": req.ID, "result": "gid-test",
		})
	}))
	t.Cleanup(srv.Close)

	client := aria2.NewClient(srv.URL, "")
	admit := admission.New(db, files)
	hub := fanout.NewHub()
	s := &Store{
		db:          db,
		files:       files,
		client:      client,
		admission:   admit,
		hub:         hub,
		reconciler:  reconciler.New(db, files, client, admit, hub),
		fingerprint: fingerprint.NewService(5 * time.Second),
		logger:      logger.New("store"),
	}
	return s, rc
}

func TestSubmit_MagnetCreatesSharedTask(t *testing.T) {
	s, rc := newTestStore(t, nil)
	ctx := context.Background()

	view, err := s.Submit(ctx, "alice", fingerprint.Submission{URI: testMagnet})
	require.NoError(t, err)
	assert.Equal(t, "queued", view.Status)
	assert.Equal(t, 1, rc.count("aria2.addUri"))

	task, err := s.db.TaskByID(view.TaskID)
	require.NoError(t, err)
	assert.Equal(t, "gid-test", task.GID)

	// a second user joins the same task without a second daemon download
	view2, err := s.Submit(ctx, "bob", fingerprint.Submission{URI: testMagnet})
	require.NoError(t, err)
	assert.Equal(t, view.TaskID, view2.TaskID)
	assert.Equal(t, 1, rc.count("aria2.addUri"))

	// the same user resubmitting gets their existing subscription back
	again, err := s.Submit(ctx, "alice", fingerprint.Submission{URI: testMagnet})
	require.NoError(t, err)
	assert.Equal(t, view.ID, again.ID)
	assert.Equal(t, 1, rc.count("aria2.addUri"))
}

func TestSubmit_EncodingVariantsShareOneTask(t *testing.T) {
	s, rc := newTestStore(t, nil)
	ctx := context.Background()

	hexView, err := s.Submit(ctx, "alice", fingerprint.Submission{URI: testMagnet})
	require.NoError(t, err)
	b32View, err := s.Submit(ctx, "bob", fingerprint.Submission{
		URI: "magnet:?xt=urn:btih:RIMVO75V62IJODFEHJL76EARVYQCERFY",
	})
	require.NoError(t, err)

	assert.Equal(t, hexView.TaskID, b32View.TaskID, "hex and base32 magnets must dedupe")
	assert.Equal(t, 1, rc.count("aria2.addUri"))
}

func TestSubmit_TorrentUpload(t *testing.T) {
	s, rc := newTestStore(t, nil)
	ctx := context.Background()

	blob, _ := testutil.BuildTorrent(t, "release.bin", []byte("torrent payload"))
	view, err := s.Submit(ctx, "alice", fingerprint.Submission{Torrent: blob})
	require.NoError(t, err)
	assert.Equal(t, "release.bin", view.Name)
	assert.Equal(t, 1, rc.count("aria2.addTorrent"))
	assert.Equal(t, int64(15), view.FrozenSpace, "torrent sizes are known up front and frozen")
}

func TestSubmit_QuotaDenied(t *testing.T) {
	s, _ := newTestStore(t, func(c *config.Config) {
		c.DefaultQuota = "10" // bytes
	})

	blob, _ := testutil.BuildTorrent(t, "big.bin", make([]byte, 1024))
	_, err := s.Submit(context.Background(), "alice", fingerprint.Submission{Torrent: blob})
	assert.True(t, errors.Is(err, admission.ErrSpaceDenied), "got %v", err)
}

func TestSubmit_JoinCompletedTask(t *testing.T) {
	s, rc := newTestStore(t, nil)
	ctx := context.Background()

	// a finished task with its artifact already in the store
	path := testutil.WriteFile(t, t.TempDir(), "done.bin", []byte("done"))
	require.NoError(t, s.db.Gorm().Create(&database.StoredFile{
		ID: "sf-done", ContentHash: "c-done", RealPath: path, Size: 4, OriginalName: "done.bin",
	}).Error)
	task, _, err := s.db.FindOrCreateTask("8a19577fb5f690970ca43a57ff1011ae202244b8", testMagnet, "done.bin", 4)
	require.NoError(t, err)
	_, err = s.db.AttachStoredFile(task.ID, "sf-done")
	require.NoError(t, err)

	view, err := s.Submit(ctx, "alice", fingerprint.Submission{URI: testMagnet})
	require.NoError(t, err)
	assert.Equal(t, "complete", view.Status, "joining a finished task settles immediately")
	assert.Equal(t, 0, rc.count("aria2.addUri"), "no daemon download for finished content")

	holds, err := s.db.UserHoldsFile("alice", "sf-done")
	require.NoError(t, err)
	assert.True(t, holds)

	_, err = s.Submit(ctx, "alice", fingerprint.Submission{URI: testMagnet})
	assert.True(t, errors.Is(err, ErrAlreadyOwned), "got %v", err)
}

func TestSubmit_RetriesErroredTask(t *testing.T) {
	s, rc := newTestStore(t, nil)
	ctx := context.Background()

	view, err := s.Submit(ctx, "alice", fingerprint.Submission{URI: testMagnet})
	require.NoError(t, err)
	require.NoError(t, s.db.SetTaskError(view.TaskID, "raw", "backend error"))
	_, err = s.db.FailSubscription(view.ID, "backend error")
	require.NoError(t, err)

	// a fresh subscriber resets the task and resubmits it
	view2, err := s.Submit(ctx, "bob", fingerprint.Submission{URI: testMagnet})
	require.NoError(t, err)
	assert.Equal(t, view.TaskID, view2.TaskID)
	assert.Equal(t, "queued", view2.Status)
	assert.Equal(t, 2, rc.count("aria2.addUri"), "retry must reach the daemon again")
}

func TestCancelSubscription(t *testing.T) {
	s, rc := newTestStore(t, nil)
	ctx := context.Background()

	view, err := s.Submit(ctx, "alice", fingerprint.Submission{URI: testMagnet})
	require.NoError(t, err)
	_, err = s.Submit(ctx, "bob", fingerprint.Submission{URI: testMagnet})
	require.NoError(t, err)

	// bob cannot cancel alice's subscription
	err = s.CancelSubscription(ctx, "bob", view.ID)
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)

	// alice leaves, bob still pends: the download survives
	require.NoError(t, s.CancelSubscription(ctx, "alice", view.ID))
	assert.Equal(t, 0, rc.count("aria2.forceRemove"))

	// bob leaves too: last subscriber cancels the daemon download
	bobSubs, err := s.ListSubscriptions("bob", "")
	require.NoError(t, err)
	require.Len(t, bobSubs, 1)
	require.NoError(t, s.CancelSubscription(ctx, "bob", bobSubs[0].ID))
	assert.Equal(t, 1, rc.count("aria2.forceRemove"))

	task, err := s.db.TaskByID(view.TaskID)
	require.NoError(t, err)
	assert.Equal(t, "canceled: no subscribers remain", task.ErrorDisplay)
}

func TestListSubscriptionsAndClear(t *testing.T) {
	s, _ := newTestStore(t, nil)
	ctx := context.Background()

	view, err := s.Submit(ctx, "alice", fingerprint.Submission{URI: testMagnet})
	require.NoError(t, err)

	active, err := s.ListSubscriptions("alice", "active")
	require.NoError(t, err)
	assert.Len(t, active, 1)

	_, err = s.db.FailSubscription(view.ID, "x")
	require.NoError(t, err)

	cleared, err := s.ClearTerminated("alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), cleared)

	remaining, err := s.ListSubscriptions("alice", "")
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestFilesLifecycle(t *testing.T) {
	s, _ := newTestStore(t, nil)

	src := testutil.WriteFile(t, t.TempDir(), "owned.bin", []byte("bytes"))
	stored, err := s.files.MoveToStore(context.Background(), src, "owned.bin")
	require.NoError(t, err)
	ref, err := s.files.CreateUserFileReference("alice", stored.ID, "owned.bin")
	require.NoError(t, err)

	files, err := s.ListFiles("alice")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "owned.bin", files[0].DisplayName)
	assert.Equal(t, int64(5), files[0].Size)

	raw, err := json.Marshal(files)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), s.files.Root(),
		"file listings must not leak server paths")

	path, name, isDir, err := s.ResolveDownload(ref.ID)
	require.NoError(t, err)
	assert.Equal(t, stored.RealPath, path)
	assert.Equal(t, "owned.bin", name)
	assert.False(t, isDir)

	// bob cannot delete alice's reference
	err = s.DeleteFile("bob", ref.ID)
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)

	require.NoError(t, s.DeleteFile("alice", ref.ID))
	_, _, _, err = s.ResolveDownload(ref.ID)
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)
}

func TestQuotaReflectsOwnedFiles(t *testing.T) {
	s, _ := newTestStore(t, nil)

	before, err := s.Quota("alice")
	require.NoError(t, err)
	assert.Equal(t, int64(0), before.Used)

	src := testutil.WriteFile(t, t.TempDir(), "f", make([]byte, 2048))
	stored, err := s.files.MoveToStore(context.Background(), src, "f")
	require.NoError(t, err)
	_, err = s.files.CreateUserFileReference("alice", stored.ID, "f")
	require.NoError(t, err)

	after, err := s.Quota("alice")
	require.NoError(t, err)
	assert.Equal(t, int64(2048), after.Used)
}
