package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-analyzer/internal/analysis"
	"github.com/JakeFAU/site-analyzer/internal/clock/system"
	"github.com/JakeFAU/site-analyzer/internal/storage/memory"
)

var epoch = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

type fakeQueue struct {
	mu    sync.Mutex
	items []analysis.QueueItem
	err   error
}

func (q *fakeQueue) Enqueue(_ context.Context, item analysis.QueueItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.items = append(q.items, item)
	return nil
}

func (q *fakeQueue) Items() []analysis.QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]analysis.QueueItem(nil), q.items...)
}

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("job-%d", s.n.Add(1)), nil
}

type recordingAnnouncer struct {
	mu   sync.Mutex
	jobs []analysis.Job
}

func (r *recordingAnnouncer) Announce(_ context.Context, job analysis.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job)
}

type fixture struct {
	orch      *Orchestrator
	store     *memory.JobStore
	queue     *fakeQueue
	clock     *system.Manual
	announcer *recordingAnnouncer
}

func newFixture(t *testing.T, cfg Config) fixture {
	t.Helper()
	f := fixture{
		store:     memory.NewJobStore(),
		queue:     &fakeQueue{},
		clock:     system.NewManual(epoch),
		announcer: &recordingAnnouncer{},
	}
	f.orch = New(f.store, f.queue, &seqIDs{}, f.clock, nil, f.announcer, cfg, zap.NewNop())
	return f
}

// advance drives a job through the store the way the worker would.
func (f fixture) advance(t *testing.T, jobID string, statuses ...analysis.Status) {
	t.Helper()
	ctx := context.Background()
	for _, next := range statuses {
		job, err := f.store.GetJob(ctx, jobID)
		require.NoError(t, err)
		from := job.Status
		job.Status = next
		job.UpdatedAt = f.clock.Now()
		require.NoError(t, f.store.UpdateJob(ctx, job, from))
	}
}

func TestStartNormalizesURLAndEnqueues(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	handle, err := f.orch.Start(context.Background(), "owner-1", "example.com")
	require.NoError(t, err)
	require.Equal(t, "job-1", handle.ID)
	require.Equal(t, "https://example.com", handle.WebsiteURL)
	require.Equal(t, analysis.StatusPending, handle.Status)
	require.Equal(t, 0, handle.Attempt)

	job, err := f.store.GetJob(context.Background(), handle.ID)
	require.NoError(t, err)
	require.Equal(t, "https://example.com", job.WebsiteURL)
	require.Equal(t, analysis.StatusPending, job.Status)
	require.Equal(t, epoch, job.CreatedAt)
	require.Equal(t, epoch, job.StageStartedAt)
	require.Empty(t, job.Error)
	require.True(t, job.Result.Empty())

	items := f.queue.Items()
	require.Len(t, items, 1)
	require.Equal(t, analysis.QueueItem{JobID: "job-1", OwnerID: "owner-1", Attempt: 0, Submitted: epoch.UnixNano()}, items[0])
}

func TestStartRejectsInvalidInputWithoutWriting(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	_, err := f.orch.Start(context.Background(), "owner-1", "   ")
	require.ErrorIs(t, err, analysis.ErrValidation)
	_, err = f.orch.Start(context.Background(), "", "example.com")
	require.ErrorIs(t, err, analysis.ErrValidation)

	_, err = f.store.LatestJob(context.Background(), "owner-1", "https://example.com")
	require.ErrorIs(t, err, analysis.ErrNotFound)
	require.Empty(t, f.queue.Items())
}

func TestSecondStartConflictsUntilTerminal(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()
	first, err := f.orch.Start(ctx, "owner-1", "example.com")
	require.NoError(t, err)

	_, err = f.orch.Start(ctx, "owner-1", "https://EXAMPLE.com/")
	var conflict *analysis.ConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, first.ID, conflict.ActiveJobID)

	other, err := f.orch.Start(ctx, "owner-2", "example.com")
	require.NoError(t, err, "single-flight is scoped to the owner")
	require.NotEqual(t, first.ID, other.ID)

	f.advance(t, first.ID,
		analysis.StatusScanning,
		analysis.StatusExtracting,
		analysis.StatusGenerating,
		analysis.StatusPublishing,
		analysis.StatusCompleted,
	)
	before, err := f.store.GetJob(ctx, first.ID)
	require.NoError(t, err)

	second, err := f.orch.Start(ctx, "owner-1", "example.com")
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)
	require.Equal(t, 1, second.Attempt)

	after, err := f.store.GetJob(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, before, after, "previous attempt is left untouched")
}

func TestConcurrentStartsYieldOneJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		conflicts atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.orch.Start(context.Background(), "owner-1", "example.com")
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, analysis.ErrConflict):
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, successes.Load())
	require.EqualValues(t, 19, conflicts.Load())
	require.Len(t, f.queue.Items(), 1)
}

func TestStartFailsJobWhenEnqueueFails(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.queue.err = errors.New("queue closed")
	_, err := f.orch.Start(context.Background(), "owner-1", "example.com")
	require.Error(t, err)
	require.NotErrorIs(t, err, analysis.ErrConflict)

	job, err := f.store.LatestJob(context.Background(), "owner-1", "https://example.com")
	require.NoError(t, err)
	require.Equal(t, analysis.StatusFailed, job.Status)
	require.Contains(t, job.Error, "queue closed")
	require.NotNil(t, job.FinishedAt)
	require.Len(t, f.announcer.jobs, 1)

	f.queue.err = nil
	handle, err := f.orch.Start(context.Background(), "owner-1", "example.com")
	require.NoError(t, err, "a failed enqueue frees the pair")
	require.Equal(t, 1, handle.Attempt)
}

func TestStatusAndGetAreOwnerScoped(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()

	_, err := f.orch.Status(ctx, "owner-1", "example.com")
	require.ErrorIs(t, err, analysis.ErrNotFound)

	handle, err := f.orch.Start(ctx, "owner-1", "example.com")
	require.NoError(t, err)

	job, err := f.orch.Status(ctx, "owner-1", "https://example.com")
	require.NoError(t, err)
	require.Equal(t, handle.ID, job.ID)

	_, err = f.orch.Status(ctx, "owner-2", "example.com")
	require.ErrorIs(t, err, analysis.ErrNotFound)

	got, err := f.orch.Get(ctx, "owner-1", handle.ID)
	require.NoError(t, err)
	require.Equal(t, job, got)

	_, err = f.orch.Get(ctx, "owner-2", handle.ID)
	require.ErrorIs(t, err, analysis.ErrForbidden)

	_, err = f.orch.Get(ctx, "owner-1", "missing")
	require.ErrorIs(t, err, analysis.ErrNotFound)
}

func TestRepeatedStatusReadsAreIdentical(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()
	_, err := f.orch.Start(ctx, "owner-1", "example.com")
	require.NoError(t, err)

	first, err := f.orch.Status(ctx, "owner-1", "example.com")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := f.orch.Status(ctx, "owner-1", "example.com")
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
}

func TestCancelFailsActiveJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()
	handle, err := f.orch.Start(ctx, "owner-1", "example.com")
	require.NoError(t, err)
	f.advance(t, handle.ID, analysis.StatusScanning)
	f.clock.Advance(3 * time.Second)

	_, err = f.orch.Cancel(ctx, "owner-2", handle.ID)
	require.ErrorIs(t, err, analysis.ErrForbidden)

	job, err := f.orch.Cancel(ctx, "owner-1", handle.ID)
	require.NoError(t, err)
	require.Equal(t, analysis.StatusFailed, job.Status)
	require.Equal(t, CancelReason, job.Error)
	require.Equal(t, epoch.Add(3*time.Second), *job.FinishedAt)

	stored, err := f.store.GetJob(ctx, handle.ID)
	require.NoError(t, err)
	require.Equal(t, job, stored)
	require.Len(t, f.announcer.jobs, 1)

	_, err = f.orch.Cancel(ctx, "owner-1", handle.ID)
	require.ErrorIs(t, err, analysis.ErrInvalidTransition)
}

type racingStore struct {
	*memory.JobStore
	raced atomic.Bool
	f     func()
}

func (s *racingStore) UpdateJob(ctx context.Context, job analysis.Job, expected analysis.Status) error {
	if s.raced.CompareAndSwap(false, true) {
		s.f()
	}
	return s.JobStore.UpdateJob(ctx, job, expected)
}

func TestCancelRetriesWhenWorkerAdvancesConcurrently(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()
	handle, err := f.orch.Start(ctx, "owner-1", "example.com")
	require.NoError(t, err)

	store := &racingStore{JobStore: f.store}
	store.f = func() { f.advance(t, handle.ID, analysis.StatusScanning) }
	orch := New(store, f.queue, &seqIDs{}, f.clock, nil, nil, Config{}, zap.NewNop())

	job, err := orch.Cancel(ctx, "owner-1", handle.ID)
	require.NoError(t, err)
	require.Equal(t, analysis.StatusFailed, job.Status)
}

func TestReconcileFailsStaleJobs(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{StaleAfter: 10 * time.Minute})
	ctx := context.Background()
	stuck, err := f.orch.Start(ctx, "owner-1", "stuck.example.com")
	require.NoError(t, err)
	f.advance(t, stuck.ID, analysis.StatusScanning)

	f.clock.Advance(9 * time.Minute)
	fresh, err := f.orch.Start(ctx, "owner-1", "fresh.example.com")
	require.NoError(t, err)

	n, err := f.orch.Reconcile(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	f.clock.Advance(2 * time.Minute)
	n, err = f.orch.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	job, err := f.store.GetJob(ctx, stuck.ID)
	require.NoError(t, err)
	require.Equal(t, analysis.StatusFailed, job.Status)
	require.True(t, strings.HasPrefix(job.Error, "stale: no progress since 2025-06-01T10:00:00Z"), job.Error)

	other, err := f.store.GetJob(ctx, fresh.ID)
	require.NoError(t, err)
	require.Equal(t, analysis.StatusPending, other.Status)
}

func TestReconcileDisabledWithoutStaleAfter(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	_, err := f.orch.Start(context.Background(), "owner-1", "example.com")
	require.NoError(t, err)
	f.clock.Advance(24 * time.Hour)
	n, err := f.orch.Reconcile(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
}
