package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/quotefleet/rpatrack/pkg/domain"
	"github.com/quotefleet/rpatrack/pkg/persistence"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

func setupStore(t *testing.T) (context.Context, *miniredis.Miniredis, persistence.SubmissionStore) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return context.Background(), mr, NewPluginWithClient(rdb).Submissions()
}

func completedPatch(taskID string, at time.Time) domain.TaskPatch {
	return domain.TaskPatch{
		TaskID:      taskID,
		Status:      domain.StatusCompleted,
		CompletedAt: &at,
		Result:      map[string]any{"policy_code": "ABC123"},
	}
}

func TestCreateRegistersEmptyMap(t *testing.T) {
	ctx, _, store := setupStore(t)

	if err := store.Create(ctx, "sub-1"); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := store.Create(ctx, "sub-1"); !errors.Is(err, persistence.ErrAlreadyExists) {
		t.Errorf("second Create() error = %v, want ErrAlreadyExists", err)
	}

	m, err := store.Tasks(ctx, "sub-1")
	if err != nil {
		t.Fatalf("Tasks() error = %v", err)
	}
	if len(m) != 0 {
		t.Errorf("Tasks() = %v, want empty map", m)
	}
}

func TestTasksUnknownSubmission(t *testing.T) {
	ctx, _, store := setupStore(t)

	if _, err := store.Tasks(ctx, "sub-ghost"); !errors.Is(err, persistence.ErrNotFound) {
		t.Errorf("Tasks(unknown) error = %v, want ErrNotFound", err)
	}
	if _, _, err := store.Merge(ctx, "sub-ghost", domain.CarrierEncova, completedPatch("t", time.Now())); !errors.Is(err, persistence.ErrNotFound) {
		t.Errorf("Merge(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestDispatchThenCompleteRoundTrip(t *testing.T) {
	ctx, _, store := setupStore(t)
	queuedAt := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	doneAt := queuedAt.Add(90 * time.Second)

	if _, err := store.SetQueued(ctx, "sub-1", domain.CarrierEncova, "task-77", queuedAt); err != nil {
		t.Fatalf("SetQueued() error = %v", err)
	}

	got, outcome, err := store.Merge(ctx, "sub-1", domain.CarrierEncova, completedPatch("task-77", doneAt))
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if outcome != domain.MergeApplied {
		t.Errorf("outcome = %v, want applied", outcome)
	}
	if !got.SubmittedAt.Equal(queuedAt) {
		t.Errorf("SubmittedAt = %v, want dispatch time %v", got.SubmittedAt, queuedAt)
	}

	m, err := store.Tasks(ctx, "sub-1")
	if err != nil {
		t.Fatalf("Tasks() error = %v", err)
	}
	task := m[domain.CarrierEncova]
	if task.Status != domain.StatusCompleted {
		t.Errorf("status = %v, want completed", task.Status)
	}
	if task.Result["policy_code"] != "ABC123" {
		t.Errorf("result = %v, want policy_code ABC123", task.Result)
	}
	if task.Carrier != domain.CarrierEncova {
		t.Errorf("carrier = %v, want encova", task.Carrier)
	}
}

func TestDuplicateDeliveryIsAbsorbed(t *testing.T) {
	ctx, _, store := setupStore(t)
	at := time.Now().UTC().Truncate(time.Second)

	if _, err := store.SetQueued(ctx, "sub-1", domain.CarrierGuard, "task-5", at); err != nil {
		t.Fatalf("SetQueued() error = %v", err)
	}
	if _, _, err := store.Merge(ctx, "sub-1", domain.CarrierGuard, completedPatch("task-5", at)); err != nil {
		t.Fatalf("Merge() error = %v", err)
	}

	for i := 0; i < 3; i++ {
		_, outcome, err := store.Merge(ctx, "sub-1", domain.CarrierGuard, completedPatch("task-5", at.Add(time.Hour)))
		if err != nil {
			t.Fatalf("duplicate Merge() error = %v", err)
		}
		if outcome != domain.MergeDuplicate {
			t.Errorf("duplicate outcome = %v, want duplicate", outcome)
		}
	}

	m, _ := store.Tasks(ctx, "sub-1")
	if got := m[domain.CarrierGuard].CompletedAt; !got.Equal(at) {
		t.Errorf("CompletedAt moved to %v after duplicates, want %v", got, at)
	}
}

func TestTerminalFlipRejected(t *testing.T) {
	ctx, _, store := setupStore(t)
	at := time.Now().UTC()

	if _, err := store.SetQueued(ctx, "sub-1", domain.CarrierEncova, "task-1", at); err != nil {
		t.Fatalf("SetQueued() error = %v", err)
	}
	if _, _, err := store.Merge(ctx, "sub-1", domain.CarrierEncova, completedPatch("task-1", at)); err != nil {
		t.Fatalf("Merge() error = %v", err)
	}

	later := at.Add(time.Minute)
	got, outcome, err := store.Merge(ctx, "sub-1", domain.CarrierEncova, domain.TaskPatch{
		TaskID: "task-1", Status: domain.StatusFailed, CompletedAt: &later, Error: "boom",
	})
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if outcome != domain.MergeDuplicate || got.Status != domain.StatusCompleted {
		t.Errorf("completed task flipped: outcome %v status %v", outcome, got.Status)
	}
}

func TestRedispatchWithNewTaskIDWins(t *testing.T) {
	ctx, _, store := setupStore(t)
	at := time.Now().UTC().Truncate(time.Second)

	if _, err := store.SetQueued(ctx, "sub-1", domain.CarrierAmtrust, "task-1", at); err != nil {
		t.Fatalf("SetQueued() error = %v", err)
	}
	failedAt := at.Add(time.Minute)
	if _, _, err := store.Merge(ctx, "sub-1", domain.CarrierAmtrust, domain.TaskPatch{
		TaskID: "task-1", Status: domain.StatusFailed, CompletedAt: &failedAt, Error: "portal down",
	}); err != nil {
		t.Fatalf("Merge() error = %v", err)
	}

	// New task id arrives without an intervening SetQueued: last write wins.
	doneAt := at.Add(5 * time.Minute)
	got, outcome, err := store.Merge(ctx, "sub-1", domain.CarrierAmtrust, completedPatch("task-2", doneAt))
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if outcome != domain.MergeRedispatch {
		t.Errorf("outcome = %v, want redispatch", outcome)
	}
	if got.TaskID != "task-2" || got.Status != domain.StatusCompleted || got.Error != "" {
		t.Errorf("re-dispatch merge got %+v", got)
	}
}

func TestConcurrentCarriersNoLostUpdate(t *testing.T) {
	ctx, _, store := setupStore(t)
	at := time.Now().UTC()
	carriers := []domain.Carrier{domain.CarrierEncova, domain.CarrierGuard, domain.CarrierAmtrust}

	for _, c := range carriers {
		if _, err := store.SetQueued(ctx, "sub-1", c, "task-"+string(c), at); err != nil {
			t.Fatalf("SetQueued(%s) error = %v", c, err)
		}
	}

	var wg sync.WaitGroup
	errCh := make(chan error, len(carriers))
	for _, c := range carriers {
		wg.Add(1)
		go func(c domain.Carrier) {
			defer wg.Done()
			if _, _, err := store.Merge(ctx, "sub-1", c, completedPatch("task-"+string(c), at)); err != nil {
				errCh <- err
			}
		}(c)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("concurrent Merge() error = %v", err)
	}

	m, err := store.Tasks(ctx, "sub-1")
	if err != nil {
		t.Fatalf("Tasks() error = %v", err)
	}
	for _, c := range carriers {
		if m[c].Status != domain.StatusCompleted {
			t.Errorf("carrier %s = %v, want completed (lost update?)", c, m[c].Status)
		}
	}
}

func TestSubmissionIndexMaintained(t *testing.T) {
	ctx, mr, store := setupStore(t)

	if err := store.Create(ctx, "sub-a"); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := store.SetQueued(ctx, "sub-b", domain.CarrierEncova, "t", time.Now()); err != nil {
		t.Fatalf("SetQueued() error = %v", err)
	}

	members, err := mr.SMembers(keySubmissionIndex)
	if err != nil {
		t.Fatalf("SMembers: %v", err)
	}
	if len(members) != 2 {
		t.Errorf("submission index = %v, want sub-a and sub-b", members)
	}
}
