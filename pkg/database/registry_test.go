package database_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riptide-dl/riptide/internal/testutil"
	"github.com/riptide-dl/riptide/pkg/database"
)

func TestFindOrCreateTask(t *testing.T) {
	db := testutil.OpenDB(t)

	task, isNew, err := db.FindOrCreateTask("hash-1", "magnet:?xt=urn:btih:abc", "linux.iso", 0)
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Equal(t, database.TaskQueued, task.Status)

	again, isNew2, err := db.FindOrCreateTask("hash-1", "magnet:?xt=urn:btih:abc", "linux.iso", 0)
	require.NoError(t, err)
	assert.False(t, isNew2, "second caller must not be the creator")
	assert.Equal(t, task.ID, again.ID, "one fingerprint maps to one task")
}

func TestFindOrCreateTask_ConcurrentSingleWinner(t *testing.T) {
	db := testutil.OpenDB(t)

	const n = 8
	var wg sync.WaitGroup
	creators := make(chan bool, n)
	ids := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			task, isNew, err := db.FindOrCreateTask("hash-race", "uri", "", 0)
			if err != nil {
				t.Errorf("FindOrCreateTask: %v", err)
				return
			}
			creators <- isNew
			ids <- task.ID
		}()
	}
	wg.Wait()
	close(creators)
	close(ids)

	winners := 0
	for isNew := range creators {
		if isNew {
			winners++
		}
	}
	assert.Equal(t, 1, winners, "exactly one caller creates the task")

	var firstID string
	for id := range ids {
		if firstID == "" {
			firstID = id
		}
		assert.Equal(t, firstID, id)
	}
}

func TestAttachStoredFile_CASOnce(t *testing.T) {
	db := testutil.OpenDB(t)
	task, _, err := db.FindOrCreateTask("h", "u", "", 0)
	require.NoError(t, err)

	won, err := db.AttachStoredFile(task.ID, "sf-1")
	require.NoError(t, err)
	assert.True(t, won)

	wonAgain, err := db.AttachStoredFile(task.ID, "sf-2")
	require.NoError(t, err)
	assert.False(t, wonAgain, "completion must settle exactly once")

	fresh, err := db.TaskByID(task.ID)
	require.NoError(t, err)
	require.NotNil(t, fresh.StoredFileID)
	assert.Equal(t, "sf-1", *fresh.StoredFileID)
	assert.Equal(t, database.TaskComplete, fresh.Status)
	assert.NotNil(t, fresh.CompletedAt)
}

func TestSwapTaskGID(t *testing.T) {
	db := testutil.OpenDB(t)
	task, _, err := db.FindOrCreateTask("h", "u", "", 0)
	require.NoError(t, err)
	require.NoError(t, db.SetTaskGID(task.ID, "meta-gid"))

	swapped, err := db.SwapTaskGID(task.ID, "meta-gid", "real-gid")
	require.NoError(t, err)
	assert.True(t, swapped)

	// the old handle no longer matches
	swappedAgain, err := db.SwapTaskGID(task.ID, "meta-gid", "other-gid")
	require.NoError(t, err)
	assert.False(t, swappedAgain)

	byGID, err := db.TaskByGID("real-gid")
	require.NoError(t, err)
	assert.Equal(t, task.ID, byGID.ID)
}

// The gid column is written through raw fragments and read back through the
// model; both sides must agree on the column name.
func TestTaskGID_RoundTrip(t *testing.T) {
	db := testutil.OpenDB(t)
	task, _, err := db.FindOrCreateTask("h", "u", "", 0)
	require.NoError(t, err)
	require.NoError(t, db.SetTaskGID(task.ID, "gid-1"))
	require.NoError(t, db.SetTaskStatus(task.ID, database.TaskActive))

	byID, err := db.TaskByID(task.ID)
	require.NoError(t, err)
	assert.Equal(t, "gid-1", byID.GID, "the model read must see the raw write")

	byGID, err := db.TaskByGID("gid-1")
	require.NoError(t, err)
	assert.Equal(t, task.ID, byGID.ID)

	active, err := db.ActiveTasks()
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "gid-1", active[0].GID)
}

func TestCreateSubscription_UniquePerOwnerTask(t *testing.T) {
	db := testutil.OpenDB(t)
	task, _, err := db.FindOrCreateTask("h", "u", "", 0)
	require.NoError(t, err)

	sub, created, err := db.CreateSubscription("alice", task.ID, 100)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, database.SubscriptionPending, sub.Status)

	dup, created2, err := db.CreateSubscription("alice", task.ID, 200)
	require.NoError(t, err)
	assert.False(t, created2)
	assert.Equal(t, sub.ID, dup.ID, "duplicate returns the existing row")
	assert.Equal(t, int64(100), dup.FrozenSpace, "existing reservation is untouched")

	_, created3, err := db.CreateSubscription("bob", task.ID, 100)
	require.NoError(t, err)
	assert.True(t, created3, "another user may join the same task")
}

func TestFreezeSubscriptionSpace_CAS(t *testing.T) {
	db := testutil.OpenDB(t)
	task, _, err := db.FindOrCreateTask("h", "u", "", 0)
	require.NoError(t, err)
	sub, _, err := db.CreateSubscription("alice", task.ID, 0)
	require.NoError(t, err)

	frozen, err := db.FreezeSubscriptionSpace(sub.ID, 4096)
	require.NoError(t, err)
	assert.True(t, frozen)

	// a second reveal must not re-freeze
	frozenAgain, err := db.FreezeSubscriptionSpace(sub.ID, 9999)
	require.NoError(t, err)
	assert.False(t, frozenAgain)

	fresh, err := db.SubscriptionByID(sub.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4096), fresh.FrozenSpace)
}

func TestFailSubscription_ReleasesFrozenSpace(t *testing.T) {
	db := testutil.OpenDB(t)
	task, _, err := db.FindOrCreateTask("h", "u", "", 0)
	require.NoError(t, err)
	sub, _, err := db.CreateSubscription("alice", task.ID, 4096)
	require.NoError(t, err)

	failed, err := db.FailSubscription(sub.ID, "user quota space insufficient")
	require.NoError(t, err)
	assert.True(t, failed)

	fresh, err := db.SubscriptionByID(sub.ID)
	require.NoError(t, err)
	assert.Equal(t, database.SubscriptionFailed, fresh.Status)
	assert.Equal(t, int64(0), fresh.FrozenSpace)
	assert.Equal(t, "user quota space insufficient", fresh.ErrorDisplay)

	// terminal rows are immutable
	again, err := db.FailSubscription(sub.ID, "different message")
	require.NoError(t, err)
	assert.False(t, again)
	succeeded, err := db.SucceedSubscription(sub.ID)
	require.NoError(t, err)
	assert.False(t, succeeded)
}

func TestFailAllPending(t *testing.T) {
	db := testutil.OpenDB(t)
	task, _, err := db.FindOrCreateTask("h", "u", "", 0)
	require.NoError(t, err)
	_, _, err = db.CreateSubscription("alice", task.ID, 10)
	require.NoError(t, err)
	bob, _, err := db.CreateSubscription("bob", task.ID, 20)
	require.NoError(t, err)
	_, err = db.SucceedSubscription(bob.ID)
	require.NoError(t, err)
	_, _, err = db.CreateSubscription("carol", task.ID, 30)
	require.NoError(t, err)

	failed, err := db.FailAllPending(task.ID, "externally canceled")
	require.NoError(t, err)
	assert.Len(t, failed, 2, "only pending rows are failed")

	fresh, err := db.SubscriptionByID(bob.ID)
	require.NoError(t, err)
	assert.Equal(t, database.SubscriptionSuccess, fresh.Status, "settled rows keep their outcome")
}

func TestResetTaskForRetry(t *testing.T) {
	db := testutil.OpenDB(t)
	task, _, err := db.FindOrCreateTask("h", "u", "", 0)
	require.NoError(t, err)
	require.NoError(t, db.SetTaskGID(task.ID, "g1"))
	require.NoError(t, db.SetTaskError(task.ID, "raw failure", "backend error"))

	sub, _, err := db.CreateSubscription("alice", task.ID, 0)
	require.NoError(t, err)

	// pending subscriber blocks the reset
	reset, err := db.ResetTaskForRetry(task.ID)
	require.NoError(t, err)
	assert.False(t, reset)

	_, err = db.FailSubscription(sub.ID, "x")
	require.NoError(t, err)

	reset, err = db.ResetTaskForRetry(task.ID)
	require.NoError(t, err)
	assert.True(t, reset)

	fresh, err := db.TaskByID(task.ID)
	require.NoError(t, err)
	assert.Equal(t, database.TaskQueued, fresh.Status)
	assert.Empty(t, fresh.GID)
	assert.Empty(t, fresh.Error)
	assert.Empty(t, fresh.ErrorDisplay)
}

func TestDeleteSubscription_ReportsRemaining(t *testing.T) {
	db := testutil.OpenDB(t)
	task, _, err := db.FindOrCreateTask("h", "u", "", 0)
	require.NoError(t, err)
	alice, _, err := db.CreateSubscription("alice", task.ID, 0)
	require.NoError(t, err)
	bob, _, err := db.CreateSubscription("bob", task.ID, 0)
	require.NoError(t, err)

	deleted, remaining, err := db.DeleteSubscription(alice.ID)
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.Equal(t, int64(1), remaining)

	deleted, remaining, err = db.DeleteSubscription(bob.ID)
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.Equal(t, int64(0), remaining, "last subscriber leaves the task empty")

	deleted, _, err = db.DeleteSubscription(bob.ID)
	require.NoError(t, err)
	assert.False(t, deleted, "double delete is idempotent")
}

func TestDeriveStatus(t *testing.T) {
	task := &database.DownloadTask{Status: database.TaskActive}

	pending := &database.UserTaskSubscription{Status: database.SubscriptionPending}
	assert.Equal(t, "active", database.DeriveStatus(pending, task))

	failed := &database.UserTaskSubscription{Status: database.SubscriptionFailed}
	assert.Equal(t, "error", database.DeriveStatus(failed, task), "per-user failure overrides the shared task")

	success := &database.UserTaskSubscription{Status: database.SubscriptionSuccess}
	doneTask := &database.DownloadTask{Status: database.TaskComplete}
	assert.Equal(t, "complete", database.DeriveStatus(success, doneTask))
}

func TestUpdateTaskPeaks_Monotonic(t *testing.T) {
	db := testutil.OpenDB(t)
	task, _, err := db.FindOrCreateTask("h", "u", "", 0)
	require.NoError(t, err)

	require.NoError(t, db.UpdateTaskPeaks(task.ID, 100, 5))
	require.NoError(t, db.UpdateTaskPeaks(task.ID, 50, 8))
	require.NoError(t, db.UpdateTaskPeaks(task.ID, 80, 3))

	fresh, err := db.TaskByID(task.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), fresh.PeakDownloadSpeed, "peaks never decrease")
	assert.Equal(t, int64(8), fresh.PeakConnections)
}

func TestSubscriptionsForUser_Filters(t *testing.T) {
	db := testutil.OpenDB(t)

	activeTask, _, err := db.FindOrCreateTask("h-active", "u1", "", 0)
	require.NoError(t, err)
	require.NoError(t, db.SetTaskStatus(activeTask.ID, database.TaskActive))
	_, _, err = db.CreateSubscription("alice", activeTask.ID, 0)
	require.NoError(t, err)

	doneTask, _, err := db.FindOrCreateTask("h-done", "u2", "", 0)
	require.NoError(t, err)
	doneSub, _, err := db.CreateSubscription("alice", doneTask.ID, 0)
	require.NoError(t, err)
	_, err = db.SucceedSubscription(doneSub.ID)
	require.NoError(t, err)

	all, _, err := db.SubscriptionsForUser("alice", "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	active, _, err := db.SubscriptionsForUser("alice", "active")
	require.NoError(t, err)
	assert.Len(t, active, 1)

	complete, _, err := db.SubscriptionsForUser("alice", "complete")
	require.NoError(t, err)
	assert.Len(t, complete, 1)

	_, _, err = db.SubscriptionsForUser("alice", "bogus")
	assert.Error(t, err)

	cleared, err := db.ClearTerminated("alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), cleared)
}

func TestComputeUsage(t *testing.T) {
	db := testutil.OpenDB(t)

	// a stored file referenced by alice
	require.NoError(t, db.Gorm().Create(&database.StoredFile{
		ID: "sf-1", ContentHash: "c1", RealPath: "/x", Size: 1000, RefCount: 1,
	}).Error)
	require.NoError(t, db.Gorm().Create(&database.UserFile{
		ID: "uf-1", OwnerID: "alice", StoredFileID: "sf-1",
	}).Error)

	task, _, err := db.FindOrCreateTask("h", "u", "", 0)
	require.NoError(t, err)
	_, _, err = db.CreateSubscription("alice", task.ID, 500)
	require.NoError(t, err)

	usage, err := db.ComputeUsage("alice", 10000, 1<<40)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), usage.Used)
	assert.Equal(t, int64(500), usage.Frozen)
	assert.Equal(t, int64(8500), usage.Available)

	// machine free space caps availability
	capped, err := db.ComputeUsage("alice", 10000, 300)
	require.NoError(t, err)
	assert.Equal(t, int64(300), capped.Available)

	// quota overdraw clamps to zero
	over, err := db.ComputeUsage("alice", 1200, 1<<40)
	require.NoError(t, err)
	assert.Equal(t, int64(0), over.Available)
}
